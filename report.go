// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.8.24
//

// Derived statistics and console rendering of fit results.

package goeiv

import (
	"fmt"
	"io"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// ConfBounds returns the lower and upper confidence bounds of the parameter
// estimates at significance level alpha. The half-width of each interval is
// the standard error scaled by the standard normal quantile at 1-alpha/2.
func (sol *FitSol) ConfBounds(alpha float64) (lo, hi []float64) {
	q := stdNormal.Quantile(1 - alpha/2)
	lo = make([]float64, len(sol.Beta))
	hi = make([]float64, len(sol.Beta))
	for i, b := range sol.Beta {
		h := q * sol.Se[i]
		lo[i] = b - h
		hi[i] = b + h
	}
	return lo, hi
}

// PValues returns the two-sided p-value of each parameter against zero.
func (sol *FitSol) PValues() []float64 {
	pv := make([]float64, len(sol.Beta))
	for i, b := range sol.Beta {
		pv[i] = 2 * stdNormal.CDF(-math.Abs(b)/sol.Se[i])
	}
	return pv
}

// WriteTable writes the parameter estimates with standard errors, confidence
// bounds and p-values.
func (sol *FitSol) WriteTable(w io.Writer, alpha float64) {
	lo, hi := sol.ConfBounds(alpha)
	pv := sol.PValues()
	cl := 100 * (1 - alpha)
	fmt.Fprintf(w, "%% iterations : %d\n", sol.Iter)
	fmt.Fprintf(w, "%% criterion  : %.6e\n", sol.Crit)
	fmt.Fprintf(w, "%% elapsed    : %s\n", sol.Elapsed)
	fmt.Fprintf(w, "%%  par        estimate        std.err   lower(%2.0f%%)   upper(%2.0f%%)      p-value\n", cl, cl)
	for i := range sol.Beta {
		fmt.Fprintf(w, "%6d %15.8g %14.6g %12.6g %12.6g %12.4g\n", i+1, sol.Beta[i], sol.Se[i], lo[i], hi[i], pv[i])
	}
}

// WriteResiduals writes observed values, latent estimates and residuals per
// quantity.
func (sol *FitSol) WriteResiduals(w io.Writer, obs *Observations) {
	for i := 0; i < obs.N; i++ {
		fmt.Fprintf(w, "%% quantity %d:       observed         fitted      residual\n", i+1)
		for k := 0; k < obs.M; k++ {
			o := obs.X.At(k, i)
			f := sol.Mu.At(k, i)
			fmt.Fprintf(w, "%20.8g %14.8g %13.4e\n", o, f, o-f)
		}
	}
}
