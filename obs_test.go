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

// TestObservationsStacking checks the column-major stacked layout: quantity i
// occupies elements [i*m, (i+1)*m).
func TestObservationsStacking(t *testing.T) {
	obs, err := ObservationsFromColumns([][]float64{
		{1, 2, 3},
		{10, 20, 30},
	})
	require.NoError(t, err, "canonicalization must succeed")
	assert.Equal(t, 3, obs.M, "sample points")
	assert.Equal(t, 2, obs.N, "quantities")
	assert.Equal(t, []float64{1, 2, 3, 10, 20, 30}, obs.Stacked(), "stacked layout")
	assert.Equal(t, [][]float64{{1, 2, 3}, {10, 20, 30}}, obs.Columns(), "column round trip")
}

// TestObservationsRejectsRagged verifies that per-quantity vectors of unequal
// length are rejected.
func TestObservationsRejectsRagged(t *testing.T) {
	_, err := ObservationsFromColumns([][]float64{{1, 2, 3}, {1, 2}})
	assert.ErrorContains(t, err, "length 2, want 3", "ragged input must be rejected")

	_, err = ObservationsFromColumns(nil)
	assert.Error(t, err, "empty input must be rejected")
}

// TestBuildUncertaintyDefaults verifies the identity default for missing
// diagonal blocks and zero default for missing off-diagonal blocks.
func TestBuildUncertaintyDefaults(t *testing.T) {
	u, err := BuildUncertainty(2, 3, nil)
	require.NoError(t, err, "assembly must succeed")
	nm := 6
	for i := 0; i < nm; i++ {
		for j := 0; j < nm; j++ {
			want := 0.0
			if i == j {
				want = 1.0
			}
			assert.Equal(t, want, u.At(i, j), "default entry (%d,%d)", i, j)
		}
	}
}

// TestBuildUncertaintyCompletion verifies that a single off-diagonal block is
// mirrored as its transpose and that diagonal blocks replace the identity.
func TestBuildUncertaintyCompletion(t *testing.T) {
	m := 2
	d0 := DiagBlock([]float64{0.1, 0.2})
	cross := mat.NewDense(m, m, []float64{
		0.01, 0.02,
		0.03, 0.04,
	})
	// The (1,0) key is stored canonically as the transposed (0,1) block.
	u, err := BuildUncertainty(2, m, map[UncBlock]*mat.Dense{
		{I: 0, J: 0}: d0,
		{I: 1, J: 0}: cross,
	})
	require.NoError(t, err, "assembly must succeed")

	assert.Equal(t, SQ(0.1), u.At(0, 0), "diagonal block variance")
	assert.Equal(t, SQ(0.2), u.At(1, 1), "diagonal block variance")
	assert.Equal(t, 1.0, u.At(2, 2), "unspecified diagonal block stays identity")

	for r := 0; r < m; r++ {
		for c := 0; c < m; c++ {
			assert.Equal(t, cross.At(r, c), u.At(m+r, c), "block (1,0) entry (%d,%d)", r, c)
			assert.Equal(t, cross.At(r, c), u.At(c, m+r), "mirrored block (0,1) entry (%d,%d)", c, r)
		}
	}
}

// TestBuildUncertaintyErrors covers the rejection paths of the assembly.
func TestBuildUncertaintyErrors(t *testing.T) {
	m := 2
	blk := mat.NewDense(m, m, []float64{1, 0, 0, 1})

	_, err := BuildUncertainty(2, m, map[UncBlock]*mat.Dense{
		{I: 0, J: 1}: blk,
		{I: 1, J: 0}: blk,
	})
	assert.ErrorContains(t, err, "specified twice", "both orientations of a pair must be rejected")

	_, err = BuildUncertainty(2, m, map[UncBlock]*mat.Dense{
		{I: 0, J: 2}: blk,
	})
	assert.ErrorContains(t, err, "out of range", "block index beyond n must be rejected")

	_, err = BuildUncertainty(2, m, map[UncBlock]*mat.Dense{
		{I: 0, J: 0}: mat.NewDense(m, m, []float64{1, 0.5, 0.2, 1}),
	})
	assert.ErrorContains(t, err, "not symmetric", "asymmetric diagonal block must be rejected")

	_, err = BuildUncertainty(2, 3, map[UncBlock]*mat.Dense{
		{I: 0, J: 0}: blk,
	})
	assert.ErrorContains(t, err, "size 2 x 2, want 3 x 3", "wrong block size must be rejected")

	_, err = BuildUncertainty(0, m, nil)
	assert.Error(t, err, "non-positive dimensions must be rejected")
}
