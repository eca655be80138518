// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.8.22
//

// Canonicalization of observed data and assembly of the stacked uncertainty matrix.

package goeiv

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Observations holds the measured data in canonical form: m sample points of
// n quantities, one column per quantity. Immutable after construction.
type Observations struct {
	M int // number of sample points
	N int // number of measured quantities
	X *mat.Dense
}

// NewObservations creates Observations from an m x n matrix.
func NewObservations(x *mat.Dense) (*Observations, error) {
	m, n := x.Dims()
	if m == 0 || n == 0 {
		return nil, fmt.Errorf("empty observation matrix (%d x %d)", m, n)
	}
	return &Observations{M: m, N: n, X: mat.DenseCopyOf(x)}, nil
}

// ObservationsFromColumns creates Observations from a list of per-quantity
// vectors. All vectors must have the same length.
func ObservationsFromColumns(cols [][]float64) (*Observations, error) {
	n := len(cols)
	if n == 0 {
		return nil, fmt.Errorf("no observation vectors")
	}
	m := len(cols[0])
	if m == 0 {
		return nil, fmt.Errorf("empty observation vector")
	}
	x := mat.NewDense(m, n, nil)
	for i, col := range cols {
		if len(col) != m {
			return nil, fmt.Errorf("observation vector %d has length %d, want %d", i, len(col), m)
		}
		x.SetCol(i, col)
	}
	return &Observations{M: m, N: n, X: x}, nil
}

// Stacked returns the observations as a single vector of length n*m, stacked
// column-major so that quantity i occupies elements [i*m, (i+1)*m).
func (o *Observations) Stacked() []float64 {
	v := make([]float64, o.N*o.M)
	for i := 0; i < o.N; i++ {
		mat.Col(v[i*o.M:(i+1)*o.M], i, o.X)
	}
	return v
}

// Columns returns a copy of the observations as per-quantity vectors.
func (o *Observations) Columns() [][]float64 {
	cols := make([][]float64, o.N)
	for i := range cols {
		cols[i] = make([]float64, o.M)
		mat.Col(cols[i], i, o.X)
	}
	return cols
}

// UncBlock identifies the m x m cross-covariance block of quantities I and J.
type UncBlock struct {
	I, J int
}

// BuildUncertainty assembles the n*m x n*m uncertainty matrix of the stacked
// observations from a block specification.
//   - A missing diagonal block defaults to the identity matrix.
//   - A missing off-diagonal block defaults to zero.
//   - When only block (i,j) is given, block (j,i) is completed as its transpose.
//
// Specifying both (i,j) and (j,i) of the same pair is an error, as is a
// non-symmetric diagonal block.
func BuildUncertainty(n, m int, blocks map[UncBlock]*mat.Dense) (*mat.SymDense, error) {
	if n <= 0 || m <= 0 {
		return nil, fmt.Errorf("invalid dimensions (n=%d, m=%d)", n, m)
	}
	nm := n * m
	full := mat.NewDense(nm, nm, nil)

	// Identity defaults for the diagonal
	for i := 0; i < nm; i++ {
		full.Set(i, i, 1)
	}

	seen := map[UncBlock]bool{}
	for key, blk := range blocks {
		i, j := key.I, key.J
		if i < 0 || i >= n || j < 0 || j >= n {
			return nil, fmt.Errorf("block (%d,%d) out of range, n=%d", i, j, n)
		}
		r, c := blk.Dims()
		if r != m || c != m {
			return nil, fmt.Errorf("block (%d,%d) has size %d x %d, want %d x %d", i, j, r, c, m, m)
		}
		// Store canonically in the upper triangle
		b := blk
		if i > j {
			i, j = j, i
			b = mat.DenseCopyOf(blk.T())
		}
		key = UncBlock{I: i, J: j}
		if seen[key] {
			return nil, fmt.Errorf("block (%d,%d) specified twice", key.I, key.J)
		}
		seen[key] = true
		if i == j && !mat.EqualApprox(b, b.T(), 1e-12) {
			return nil, fmt.Errorf("diagonal block (%d,%d) is not symmetric", i, i)
		}
		for r := 0; r < m; r++ {
			for c := 0; c < m; c++ {
				full.Set(i*m+r, j*m+c, b.At(r, c))
				full.Set(j*m+c, i*m+r, b.At(r, c))
			}
		}
	}

	u := mat.NewSymDense(nm, nil)
	for i := 0; i < nm; i++ {
		for j := i; j < nm; j++ {
			u.SetSym(i, j, full.At(i, j))
		}
	}
	return u, nil
}

// DiagBlock builds an m x m diagonal block from per-sample standard
// uncertainties (the variances end up on the diagonal).
func DiagBlock(std []float64) *mat.Dense {
	m := len(std)
	b := mat.NewDense(m, m, nil)
	for i, s := range std {
		b.Set(i, i, SQ(s))
	}
	return b
}
