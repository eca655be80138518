// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.8.22
//

package goeiv

import (
	"fmt"
	"os"

	"golang.org/x/exp/slices"
	"gonum.org/v1/gonum/mat"
)

// ------------------------------------
// Mini functions
// ------------------------------------

func SQ(x float64) float64 {
	return x * x
}

// ------------------------------------
// Debug print functions
// ------------------------------------

func PrintMat(X mat.Matrix) {
	r, c := X.Dims()
	fmt.Fprintf(os.Stderr, "(%d x %d)\n", r, c)
	fa := mat.Formatted(X, mat.Prefix(""), mat.Squeeze())
	fmt.Fprintf(os.Stderr, "%v\n", fa)
}

func PrintA(format string, a ...any) {
	fmt.Fprintf(os.Stderr, format, a...)
}

func PrintAIf(cond bool, format string, a ...any) {
	if cond {
		PrintA(format, a...)
	}
}

// Debug display level
var DBG_ int

// Debug display
func PrintD(v int, format string, a ...any) {
	PrintAIf(DBG_ >= v, format, a...)
}

func PrintE(err error) {
	fmt.Fprintf(os.Stderr, "err=%s\n", err.Error())
}

// ------------------------------------
// For command argument parsing
// ------------------------------------

// Method selects the linear-algebra path used to solve the constrained
// generalized least-squares problem of each iteration.
type Method string

const (
	Direct Method = "direct" // explicit normal equations
	SVD    Method = "svd"    // Cholesky + singular value decomposition
	QR     Method = "qr"     // Cholesky + economy QR decomposition
)

var methods = []Method{Direct, SVD, QR}

func (p *Method) Set(s string) error {
	m := Method(s)
	if !slices.Contains(methods, m) {
		return fmt.Errorf("unknown method: %s", s)
	}
	*p = m
	return nil
}

func (p *Method) String() string {
	return string(*p)
}

// Criterion selects the scalar convergence metric evaluated each iteration.
type Criterion string

const (
	CritFunction      Criterion = "function"             // |F(mu,beta)| / sqrt(m)
	CritWeightedResid Criterion = "weightedresiduals"    // |L^-1 r| / sqrt(n*m)
	CritParamDiff     Criterion = "parameterdifferences" // relative update norm
)

var criteria = []Criterion{CritFunction, CritWeightedResid, CritParamDiff}

func (p *Criterion) Set(s string) error {
	c := Criterion(s)
	if !slices.Contains(criteria, c) {
		return fmt.Errorf("unknown criterion: %s", s)
	}
	*p = c
	return nil
}

func (p *Criterion) String() string {
	return string(*p)
}
