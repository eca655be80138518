// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.8.24
//

// Iterative estimator for nonlinear errors-in-variables models. Observed
// vectors are noisy measurements of unknown true values that jointly satisfy
// a nonlinear constraint of unknown parameters; each iteration linearizes the
// constraint and solves a constrained generalized least-squares problem.

package goeiv

import (
	"fmt"
	"math"
	"time"

	"gonum.org/v1/gonum/mat"
)

// Iteration constants
const (
	DEFAULT_MAX_ITER = 100  // Maximum number of iteration loops
	DEFAULT_TOL      = 1e-8 // Convergence tolerance
	DEFAULT_STEP     = 1e-6 // Finite difference step size
	DEFAULT_ALPHA    = 0.05 // Significance level for confidence bounds
)

// FitOpt contains options and parameters for the errors-in-variables fit
type FitOpt struct {
	Criterion Criterion     // Convergence criterion selector
	Method    Method        // Solve variant: direct, svd or qr
	MaxIter   int           // Maximum number of iteration loops
	Tol       float64       // Convergence tolerance
	Step      float64       // Finite difference step size
	Alpha     float64       // Significance level for confidence bounds
	Workers   int           // Finite-difference workers. <=1 evaluates columns sequentially
	MuDeriv   MuDerivFunc   // Analytic derivative wrt latent values (optional)
	BetaDeriv BetaDerivFunc // Analytic derivative wrt parameters (optional)
}

// NewFitOpt creates a new FitOpt with default values.
// An unrecognized Method falls back to the qr variant and an unrecognized
// Criterion behaves as function.
func NewFitOpt() *FitOpt {
	return &FitOpt{
		Criterion: CritFunction,
		Method:    SVD,
		MaxIter:   DEFAULT_MAX_ITER,
		Tol:       DEFAULT_TOL,
		Step:      DEFAULT_STEP,
		Alpha:     DEFAULT_ALPHA,
		Workers:   1,
	}
}

// FitSol contains the results of the errors-in-variables fit
type FitSol struct {
	Mu      *mat.Dense    // Latent value estimates (m x n)
	Beta    []float64     // Structural parameter estimates
	Ubeta   *mat.SymDense // Parameter covariance matrix
	Se      []float64     // Parameter standard errors
	Resid   *mat.VecDense // Stacked residual x - mu (length n*m)
	Fval    []float64     // Model function value at the solution
	Iter    int           // Number of iterations performed
	Crit    float64       // Final criterion value
	Elapsed time.Duration // Wall time spent in the fit
	B1      *mat.Dense    // Latent-value Jacobian from the last iteration
	B2      *mat.Dense    // Parameter Jacobian from the last iteration
}

// Fit estimates the latent values and structural parameters of a nonlinear
// errors-in-variables model.
//
// Parameters:
//   - obs: canonical observations (m sample points x n quantities)
//   - u: uncertainty matrix of the stacked observations (n*m x n*m)
//   - fun: constraint function, close to zero at the solution
//   - mu0: initial latent values (m x n). nil means start from the observations
//   - beta0: initial parameter values
//   - opt: fit options. nil means defaults
//
// Reaching MaxIter is not an error: the loop terminates normally and callers
// must compare Iter against MaxIter to tell convergence from exhaustion.
func Fit(obs *Observations, u *mat.SymDense, fun ModelFunc, mu0 *mat.Dense, beta0 []float64, opt *FitOpt) (*FitSol, error) {
	start := time.Now()

	if opt == nil {
		opt = NewFitOpt()
	}
	if opt.MaxIter <= 0 {
		return nil, fmt.Errorf("invalid maximum iteration count: %d", opt.MaxIter)
	}
	if opt.Tol <= 0 {
		return nil, fmt.Errorf("invalid tolerance: %g", opt.Tol)
	}
	if opt.Step <= 0 {
		return nil, fmt.Errorf("invalid finite difference step: %g", opt.Step)
	}

	m, n := obs.M, obs.N
	nm := n * m
	p := len(beta0)
	if p == 0 {
		return nil, fmt.Errorf("no structural parameters")
	}
	if ur, uc := u.Dims(); ur != nm || uc != nm {
		return nil, fmt.Errorf("invalid matrix size. U(%d x %d), want (%d x %d)", ur, uc, nm, nm)
	}

	// The uncertainty matrix must admit a Cholesky factorization
	var cholU mat.Cholesky
	if !cholU.Factorize(u) {
		return nil, fmt.Errorf("uncertainty matrix is not positive definite")
	}
	lu := mat.NewTriDense(nm, mat.Lower, nil)
	cholU.LTo(lu)

	// Stacked observation vector
	x := mat.NewVecDense(nm, obs.Stacked())

	// Latent value estimate, initialized from the caller guess or the observations
	init := obs.X
	if mu0 != nil {
		if r0, c0 := mu0.Dims(); r0 != m || c0 != n {
			return nil, fmt.Errorf("invalid matrix size. mu0(%d x %d), want (%d x %d)", r0, c0, m, n)
		}
		init = mu0
	}
	mu := make([][]float64, n)
	for i := range mu {
		mu[i] = make([]float64, m)
		mat.Col(mu[i], i, init)
	}

	// Parameter estimate
	beta := make([]float64, p)
	copy(beta, beta0)

	solver := selectSolver(opt.Method)

	var (
		sys  *linSys
		upd  *glsUpdate
		iter int
		crit = math.Inf(1)
	)
	for iter < opt.MaxIter {
		iter++

		// Linearize around the current iterate
		b1, b2, b, err := evalJacobians(fun, mu, beta, opt)
		if err != nil {
			return nil, fmt.Errorf("evalJacobians() failed, err=%v", err)
		}
		sys = &linSys{
			b1:    b1,
			b2:    b2,
			b:     mat.NewVecDense(m, b),
			resid: residVec(x, mu),
			u:     u,
		}

		// Solve for the update
		upd, err = solver.solve(sys)
		if err != nil {
			return nil, fmt.Errorf("solve() failed at loop %d, err=%v", iter, err)
		}

		// Update state
		for i := range mu {
			for k := range mu[i] {
				mu[i][k] += upd.dmu.AtVec(i*m + k)
			}
		}
		for j := range beta {
			beta[j] += upd.dbeta.AtVec(j)
		}

		// Evaluate the convergence criterion at the updated iterate
		crit, err = criterionValue(opt.Criterion, fun, mu, beta, x, lu, upd)
		if err != nil {
			return nil, fmt.Errorf("criterion evaluation failed at loop %d, err=%v", iter, err)
		}
		PrintD(2, "\tLOOP %d: crit=%e, beta=%v\n", iter, crit, beta)

		// Check convergence
		if crit <= opt.Tol {
			break
		}
	}

	// Parameter covariance from the factorization of the last accepted iteration
	ubeta := mat.NewSymDense(p, nil)
	for i := 0; i < p; i++ {
		for j := i; j < p; j++ {
			ubeta.SetSym(i, j, -0.5*(upd.q22.At(i, j)+upd.q22.At(j, i)))
		}
	}
	se := make([]float64, p)
	for i := range se {
		se[i] = math.Sqrt(ubeta.At(i, i))
	}

	fval, err := evalModel(fun, mu, beta, m)
	if err != nil {
		return nil, fmt.Errorf("model evaluation at solution failed, err=%v", err)
	}

	muMat := mat.NewDense(m, n, nil)
	for i := range mu {
		muMat.SetCol(i, mu[i])
	}

	return &FitSol{
		Mu:      muMat,
		Beta:    beta,
		Ubeta:   ubeta,
		Se:      se,
		Resid:   residVec(x, mu),
		Fval:    fval,
		Iter:    iter,
		Crit:    crit,
		Elapsed: time.Since(start),
		B1:      sys.b1,
		B2:      sys.b2,
	}, nil
}

// residVec returns x - mu as a stacked vector.
func residVec(x *mat.VecDense, mu [][]float64) *mat.VecDense {
	m := len(mu[0])
	r := mat.NewVecDense(x.Len(), nil)
	for i, blk := range mu {
		for k, v := range blk {
			idx := i*m + k
			r.SetVec(idx, x.AtVec(idx)-v)
		}
	}
	return r
}

// criterionValue computes the configured convergence metric for the updated
// iterate. Any unrecognized selector behaves as the function criterion.
func criterionValue(c Criterion, fun ModelFunc, mu [][]float64, beta []float64, x *mat.VecDense, lu *mat.TriDense, upd *glsUpdate) (float64, error) {
	n := len(mu)
	m := len(mu[0])
	nm := n * m
	p := len(beta)

	switch c {
	case CritWeightedResid:
		r := residVec(x, mu)
		var wr mat.VecDense
		if err := wr.SolveVec(lu, r); err != nil {
			return 0, fmt.Errorf("failed to weight residuals: %w", err)
		}
		return mat.Norm(&wr, 2) / math.Sqrt(float64(nm)), nil

	case CritParamDiff:
		// Elementwise-relative combined update norm. A latent value or
		// parameter that is exactly zero makes the division undefined; the
		// resulting NaN/Inf propagates into the criterion unguarded, so the
		// loop runs to MaxIter and the value surfaces in FitSol.Crit.
		s := 0.0
		for i, blk := range mu {
			for k := range blk {
				s += SQ(upd.dmu.AtVec(i*m+k) / blk[k])
			}
		}
		for j := range beta {
			s += SQ(upd.dbeta.AtVec(j) / beta[j])
		}
		return math.Sqrt(s) / math.Sqrt(float64(nm+p)), nil

	default:
		f, err := evalModel(fun, mu, beta, m)
		if err != nil {
			return 0, err
		}
		return mat.Norm(mat.NewVecDense(m, f), 2) / math.Sqrt(float64(m)), nil
	}
}
