// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.8.25
//

package goeiv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// TestSelectSolver verifies the method to strategy mapping, including the
// fallback to the QR variant for unrecognized values.
func TestSelectSolver(t *testing.T) {
	_, ok := selectSolver(Direct).(directSolver)
	assert.True(t, ok, "direct must map to the normal-equations variant")
	_, ok = selectSolver(SVD).(svdSolver)
	assert.True(t, ok, "svd must map to the SVD variant")
	_, ok = selectSolver(QR).(qrSolver)
	assert.True(t, ok, "qr must map to the QR variant")
	_, ok = selectSolver(Method("bogus")).(qrSolver)
	assert.True(t, ok, "unrecognized method must fall back to the QR variant")
}

// fixedSystem builds a small well-conditioned linearization: n=2 quantities,
// m=4 sample points, p=2 parameters, diagonal uncertainty.
func fixedSystem() *linSys {
	m, nm, p := 4, 8, 2

	b1 := mat.NewDense(m, nm, nil)
	a := []float64{1.1, 0.9, 1.3, 0.7}
	for k := 0; k < m; k++ {
		b1.Set(k, k, a[k])
		b1.Set(k, m+k, -1)
	}

	b2 := mat.NewDense(m, p, []float64{
		1, 0.5,
		1, 1.0,
		1, 1.5,
		1, 2.0,
	})

	b := mat.NewVecDense(m, []float64{0.3, -0.2, 0.1, 0.4})
	resid := mat.NewVecDense(nm, []float64{0.05, -0.03, 0.02, 0.01, -0.02, 0.04, -0.01, 0.03})

	u := mat.NewSymDense(nm, nil)
	uv := []float64{0.5, 0.6, 0.7, 0.8, 0.9, 1.0, 1.1, 1.2}
	for i, v := range uv {
		u.SetSym(i, i, v)
	}

	return &linSys{b1: b1, b2: b2, b: b, resid: resid, u: u}
}

// TestSolveVariantsAgree runs all three strategies on the same linearization
// and requires identical updates and covariance intermediates.
func TestSolveVariantsAgree(t *testing.T) {
	sys := fixedSystem()

	ref, err := directSolver{}.solve(sys)
	require.NoError(t, err, "direct solve must succeed")

	for name, s := range map[string]glsSolver{"svd": svdSolver{}, "qr": qrSolver{}} {
		upd, err := s.solve(sys)
		require.NoError(t, err, "%s solve must succeed", name)
		assert.True(t, mat.EqualApprox(ref.dmu, upd.dmu, 1e-10), "%s: latent update must match direct", name)
		assert.True(t, mat.EqualApprox(ref.dbeta, upd.dbeta, 1e-10), "%s: parameter update must match direct", name)
		assert.True(t, mat.EqualApprox(ref.q22, upd.q22, 1e-10), "%s: covariance intermediate must match direct", name)
	}
}

// TestSolveSatisfiesLinearization checks that the direct update satisfies the
// linearized constraint b + B1 dmu + B2 dbeta = 0.
func TestSolveSatisfiesLinearization(t *testing.T) {
	sys := fixedSystem()
	upd, err := directSolver{}.solve(sys)
	require.NoError(t, err, "solve must succeed")

	var lin mat.VecDense
	lin.MulVec(sys.b1, upd.dmu)
	var t2 mat.VecDense
	t2.MulVec(sys.b2, upd.dbeta)
	lin.AddVec(&lin, &t2)
	lin.AddVec(&lin, sys.b)
	assert.Less(t, mat.Norm(&lin, 2), 1e-12, "update must satisfy the linearized constraint")
}

// TestSolveRejectsDegenerateNormalMatrix verifies the fatal path for a rank
// deficient B1 U B1^T.
func TestSolveRejectsDegenerateNormalMatrix(t *testing.T) {
	sys := fixedSystem()
	sys.b1 = mat.NewDense(4, 8, nil) // all-zero Jacobian
	for _, s := range []glsSolver{directSolver{}, svdSolver{}, qrSolver{}} {
		_, err := s.solve(sys)
		assert.ErrorContains(t, err, "not positive definite", "degenerate normal matrix must be fatal")
	}
}
