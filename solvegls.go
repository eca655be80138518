// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.8.23
//

// Solve strategies for the constrained generalized least-squares problem of one
// iteration. All three variants consume the same linearization and agree at the
// fixed point up to floating-point error; they differ in how the update and the
// covariance intermediate are factorized.

package goeiv

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// linSys bundles the per-iteration linearization consumed by a solve strategy.
type linSys struct {
	b1    *mat.Dense    // dF/dmu, m x n*m
	b2    *mat.Dense    // dF/dbeta, m x p
	b     *mat.VecDense // F(mu,beta) at the current iterate, length m
	resid *mat.VecDense // x - mu, length n*m
	u     *mat.SymDense // uncertainty matrix, n*m x n*m
}

// glsUpdate is the product of one solve: the updates to the latent values and
// parameters plus the covariance intermediate Q22 (Ubeta = -Q22).
type glsUpdate struct {
	dmu   *mat.VecDense // length n*m
	dbeta *mat.VecDense // length p
	q22   *mat.Dense    // p x p
}

type glsSolver interface {
	solve(sys *linSys) (*glsUpdate, error)
}

// selectSolver maps the configured method to a strategy. An unrecognized value
// falls back to the QR variant, matching the historical behaviour of the
// reference implementation.
func selectSolver(m Method) glsSolver {
	switch m {
	case Direct:
		return directSolver{}
	case SVD:
		return svdSolver{}
	default:
		return qrSolver{}
	}
}

// normalMatrix returns M = B1 U B1^T as a symmetric matrix together with the
// intermediate product U B1^T, which every variant reuses for the mu update.
func (s *linSys) normalMatrix() (*mat.SymDense, *mat.Dense) {
	var ub1t mat.Dense
	ub1t.Mul(s.u, s.b1.T())
	var m0 mat.Dense
	m0.Mul(s.b1, &ub1t)
	dim, _ := m0.Dims()
	sym := mat.NewSymDense(dim, nil)
	for i := 0; i < dim; i++ {
		for j := i; j < dim; j++ {
			sym.SetSym(i, j, 0.5*(m0.At(i, j)+m0.At(j, i)))
		}
	}
	return sym, &ub1t
}

// misclosure returns u = B1 r + b.
func (s *linSys) misclosure() *mat.VecDense {
	var u mat.VecDense
	u.MulVec(s.b1, s.resid)
	u.AddVec(&u, s.b)
	return &u
}

// cholNormal factorizes M = B1 U B1^T. A failure typically signals an
// unidentifiable model or a bad initial guess and is fatal.
func cholNormal(msym *mat.SymDense) (*mat.Cholesky, error) {
	var chol mat.Cholesky
	if !chol.Factorize(msym) {
		return nil, fmt.Errorf("normal matrix B1 U B1^T is not positive definite")
	}
	return &chol, nil
}

//-------------------------------------------------------------------
// Variant "direct": explicit normal equations
//-------------------------------------------------------------------

type directSolver struct{}

func (directSolver) solve(sys *linSys) (*glsUpdate, error) {
	msym, ub1t := sys.normalMatrix()
	chol, err := cholNormal(msym)
	if err != nil {
		return nil, err
	}
	var minv mat.SymDense
	if err := chol.InverseTo(&minv); err != nil {
		return nil, fmt.Errorf("failed to invert B1 U B1^T: %w", err)
	}

	// z = -(b + B1 r)
	z := sys.misclosure()
	z.ScaleVec(-1, z)

	// dbeta = (B2^T M^-1 B2)^-1 (B2^T M^-1 z)
	var w1 mat.Dense
	w1.Mul(sys.b2.T(), &minv)
	var a mat.Dense
	a.Mul(&w1, sys.b2)
	var rhs mat.VecDense
	rhs.MulVec(&w1, z)
	var dbeta mat.VecDense
	if err := dbeta.SolveVec(&a, &rhs); err != nil {
		return nil, fmt.Errorf("parameter normal matrix is singular: %w", err)
	}

	// lambda = M^-1 (z - B2 dbeta)
	var t mat.VecDense
	t.MulVec(sys.b2, &dbeta)
	t.SubVec(z, &t)
	var lambda mat.VecDense
	lambda.MulVec(&minv, &t)

	// dmu = r + U B1^T lambda
	var dmu mat.VecDense
	dmu.MulVec(ub1t, &lambda)
	dmu.AddVec(sys.resid, &dmu)

	// Ubeta = (B2^T M^-1 B2)^-1, exposed as -Q22
	var ainv mat.Dense
	if err := ainv.Inverse(&a); err != nil {
		return nil, fmt.Errorf("failed to invert parameter normal matrix: %w", err)
	}
	var q22 mat.Dense
	q22.Scale(-1, &ainv)

	return &glsUpdate{dmu: &dmu, dbeta: &dbeta, q22: &q22}, nil
}

//-------------------------------------------------------------------
// Variant "svd": Cholesky whitening + singular value decomposition
//-------------------------------------------------------------------

type svdSolver struct{}

func (svdSolver) solve(sys *linSys) (*glsUpdate, error) {
	msym, ub1t := sys.normalMatrix()
	chol, err := cholNormal(msym)
	if err != nil {
		return nil, err
	}
	dim, _ := msym.Dims()
	_, p := sys.b2.Dims()

	lm := mat.NewTriDense(dim, mat.Lower, nil)
	chol.LTo(lm)

	// E = LM^-1 B2
	var e mat.Dense
	if err := e.Solve(lm, sys.b2); err != nil {
		return nil, fmt.Errorf("failed to whiten parameter Jacobian: %w", err)
	}

	var svd mat.SVD
	if !svd.Factorize(&e, mat.SVDThin) {
		return nil, fmt.Errorf("SVD of whitened parameter Jacobian failed")
	}
	var ue, ve mat.Dense
	svd.UTo(&ue)
	svd.VTo(&ve)
	sv := svd.Values(nil)
	for _, s := range sv {
		if s <= 0 {
			return nil, fmt.Errorf("whitened parameter Jacobian is rank deficient")
		}
	}

	// F = VE diag(1/SE), G = LM^-T UE
	f := mat.NewDense(p, p, nil)
	for i := 0; i < p; i++ {
		for j := 0; j < p; j++ {
			f.Set(i, j, ve.At(i, j)/sv[j])
		}
	}
	var g mat.Dense
	if err := g.Solve(lm.T(), &ue); err != nil {
		return nil, fmt.Errorf("failed to back-substitute Cholesky factor: %w", err)
	}

	// Q21 = F G^T, Q11 = M^-1 - G G^T, Q22 = -F F^T
	var minv mat.SymDense
	if err := chol.InverseTo(&minv); err != nil {
		return nil, fmt.Errorf("failed to invert B1 U B1^T: %w", err)
	}
	var ggt mat.Dense
	ggt.Mul(&g, g.T())
	var q11 mat.Dense
	q11.Sub(&minv, &ggt)
	var q21 mat.Dense
	q21.Mul(f, g.T())
	var q22 mat.Dense
	q22.Mul(f, f.T())
	q22.Scale(-1, &q22)

	// u = B1 r + b
	u := sys.misclosure()

	// dbeta = -Q21 u
	var dbeta mat.VecDense
	dbeta.MulVec(&q21, u)
	dbeta.ScaleVec(-1, &dbeta)

	// dmu = r - U B1^T Q11 u
	var t mat.VecDense
	t.MulVec(&q11, u)
	var dmu mat.VecDense
	dmu.MulVec(ub1t, &t)
	dmu.SubVec(sys.resid, &dmu)

	return &glsUpdate{dmu: &dmu, dbeta: &dbeta, q22: &q22}, nil
}

//-------------------------------------------------------------------
// Variant "qr": Cholesky whitening + economy QR decomposition
//-------------------------------------------------------------------

type qrSolver struct{}

func (qrSolver) solve(sys *linSys) (*glsUpdate, error) {
	msym, ub1t := sys.normalMatrix()
	chol, err := cholNormal(msym)
	if err != nil {
		return nil, err
	}
	dim, _ := msym.Dims()
	_, p := sys.b2.Dims()

	lm := mat.NewTriDense(dim, mat.Lower, nil)
	chol.LTo(lm)

	// E = LM^-1 B2, economy QR: E = QE RE
	var e mat.Dense
	if err := e.Solve(lm, sys.b2); err != nil {
		return nil, fmt.Errorf("failed to whiten parameter Jacobian: %w", err)
	}
	var qr mat.QR
	qr.Factorize(&e)
	var qfull, rfull mat.Dense
	qr.QTo(&qfull)
	qr.RTo(&rfull)
	qe := qfull.Slice(0, dim, 0, p)
	re := rfull.Slice(0, p, 0, p)

	// v = LM^-1 u, w = QE^T v, vw = v - QE w
	u := sys.misclosure()
	var v mat.VecDense
	if err := v.SolveVec(lm, u); err != nil {
		return nil, fmt.Errorf("failed to whiten misclosure: %w", err)
	}
	var w mat.VecDense
	w.MulVec(qe.T(), &v)
	var vw mat.VecDense
	vw.MulVec(qe, &w)
	vw.SubVec(&v, &vw)

	// dmu = r - U B1^T (LM^-T vw)
	var t mat.VecDense
	if err := t.SolveVec(lm.T(), &vw); err != nil {
		return nil, fmt.Errorf("failed to back-substitute Cholesky factor: %w", err)
	}
	var dmu mat.VecDense
	dmu.MulVec(ub1t, &t)
	dmu.SubVec(sys.resid, &dmu)

	// dbeta = -RE^-1 w
	var dbeta mat.VecDense
	if err := dbeta.SolveVec(re, &w); err != nil {
		return nil, fmt.Errorf("triangular factor of parameter Jacobian is singular: %w", err)
	}
	dbeta.ScaleVec(-1, &dbeta)

	// Ubeta = RE^-1 RE^-T, exposed as -Q22
	var reinv mat.Dense
	if err := reinv.Inverse(re); err != nil {
		return nil, fmt.Errorf("triangular factor of parameter Jacobian is singular: %w", err)
	}
	var ub mat.Dense
	ub.Mul(&reinv, reinv.T())
	var q22 mat.Dense
	q22.Scale(-1, &ub)

	return &glsUpdate{dmu: &dmu, dbeta: &dbeta, q22: &q22}, nil
}
