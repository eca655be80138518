// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.8.23
//

// Evaluation of the model function and its Jacobians, either by central finite
// differences or by caller-supplied analytic derivative functions.

package goeiv

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// ModelFunc is the constraint function of the errors-in-variables model.
// mu holds the current latent-value estimate as n blocks of length m, one block
// per measured quantity, and beta the structural parameters. The returned slice
// must have length m; at the solution every element is close to zero.
// The function must be pure: no retained references, no side effects, safe to
// call concurrently for distinct perturbations.
type ModelFunc func(mu [][]float64, beta []float64) []float64

// MuDerivFunc returns the analytic derivative of the model with respect to the
// latent values. Element i is a length-m vector: the derivative at sample k with
// respect to mu[i][k]. The model is applied row-wise per sample, so derivatives
// across samples vanish and block i of B1 is the diagonal expansion of that
// vector.
type MuDerivFunc func(mu [][]float64, beta []float64) [][]float64

// BetaDerivFunc returns the analytic derivative of the model with respect to
// the parameters. Element j is a length-m vector: column j of B2.
type BetaDerivFunc func(mu [][]float64, beta []float64) [][]float64

// evalModel evaluates the model function and verifies the result is finite.
func evalModel(fun ModelFunc, mu [][]float64, beta []float64, m int) ([]float64, error) {
	f := fun(mu, beta)
	if len(f) != m {
		return nil, fmt.Errorf("model function returned %d values, want %d", len(f), m)
	}
	for k, v := range f {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("model function returned non-finite value at sample %d", k)
		}
	}
	return f, nil
}

// evalJacobians computes b = F(mu,beta) together with B1 = dF/dmu (m x n*m) and
// B2 = dF/dbeta (m x p) at the current iterate.
func evalJacobians(fun ModelFunc, mu [][]float64, beta []float64, opt *FitOpt) (B1, B2 *mat.Dense, b []float64, err error) {
	m := len(mu[0])

	b, err = evalModel(fun, mu, beta, m)
	if err != nil {
		return nil, nil, nil, err
	}

	B1, err = muJacobian(fun, mu, beta, opt)
	if err != nil {
		return nil, nil, nil, err
	}

	B2, err = betaJacobian(fun, mu, beta, opt)
	if err != nil {
		return nil, nil, nil, err
	}

	return B1, B2, b, nil
}

// muJacobian builds B1 (m x n*m). With an analytic callback each per-block
// derivative vector is expanded into an m x m diagonal block; otherwise every
// scalar component of mu is perturbed by +-step.
func muJacobian(fun ModelFunc, mu [][]float64, beta []float64, opt *FitOpt) (*mat.Dense, error) {
	n := len(mu)
	m := len(mu[0])
	b1 := mat.NewDense(m, n*m, nil)

	if opt.MuDeriv != nil {
		d := opt.MuDeriv(mu, beta)
		if len(d) != n {
			return nil, fmt.Errorf("analytic mu derivative returned %d blocks, want %d", len(d), n)
		}
		for i, blk := range d {
			if len(blk) != m {
				return nil, fmt.Errorf("analytic mu derivative block %d has length %d, want %d", i, len(blk), m)
			}
			for k, v := range blk {
				b1.Set(k, i*m+k, v)
			}
		}
		return b1, nil
	}

	if opt.Workers > 1 {
		return b1, muJacobianParallel(fun, mu, beta, opt.Step, opt.Workers, b1)
	}

	col := make([]float64, m)
	for c := 0; c < n*m; c++ {
		if err := muColumn(fun, mu, beta, c, opt.Step, col); err != nil {
			return nil, err
		}
		for r := 0; r < m; r++ {
			b1.Set(r, c, col[r])
		}
	}
	return b1, nil
}

// muColumn computes one central-difference column of B1. The perturbed scalar
// is restored before returning.
func muColumn(fun ModelFunc, mu [][]float64, beta []float64, c int, step float64, col []float64) error {
	m := len(mu[0])
	i, k := c/m, c%m

	orig := mu[i][k]
	mu[i][k] = orig + step
	fp, err := evalModel(fun, mu, beta, m)
	if err != nil {
		mu[i][k] = orig
		return fmt.Errorf("perturbation +%g of mu block %d sample %d: %w", step, i, k, err)
	}
	mu[i][k] = orig - step
	fm, err := evalModel(fun, mu, beta, m)
	mu[i][k] = orig
	if err != nil {
		return fmt.Errorf("perturbation -%g of mu block %d sample %d: %w", step, i, k, err)
	}

	d := 1.0 / (2 * step)
	for r := 0; r < m; r++ {
		col[r] = (fp[r] - fm[r]) * d
	}
	return nil
}

// muJacobianParallel evaluates the finite-difference columns of B1 with a
// worker pool. Columns are independent, so each worker perturbs its own copy of
// the latent values and writes into disjoint columns of b1.
func muJacobianParallel(fun ModelFunc, mu [][]float64, beta []float64, step float64, workers int, b1 *mat.Dense) error {
	n := len(mu)
	m := len(mu[0])
	nm := n * m
	if workers > nm {
		workers = nm
	}

	jobs := make(chan int)
	errc := make(chan error, workers)
	var wg sync.WaitGroup
	wg.Add(workers)

	for w := 0; w < workers; w++ {
		go func() {
			defer wg.Done()
			local := copyBlocks(mu)
			col := make([]float64, m)
			var werr error
			for c := range jobs {
				if werr != nil {
					continue
				}
				if werr = muColumn(fun, local, beta, c, step, col); werr != nil {
					continue
				}
				for r := 0; r < m; r++ {
					b1.Set(r, c, col[r])
				}
			}
			if werr != nil {
				errc <- werr
			}
		}()
	}

	for c := 0; c < nm; c++ {
		jobs <- c
	}
	close(jobs)
	wg.Wait()
	close(errc)

	return <-errc
}

// betaJacobian builds B2 (m x p). The parameters are shared across all samples,
// so no diagonal expansion takes place.
func betaJacobian(fun ModelFunc, mu [][]float64, beta []float64, opt *FitOpt) (*mat.Dense, error) {
	m := len(mu[0])
	p := len(beta)
	b2 := mat.NewDense(m, p, nil)

	if opt.BetaDeriv != nil {
		d := opt.BetaDeriv(mu, beta)
		if len(d) != p {
			return nil, fmt.Errorf("analytic beta derivative returned %d columns, want %d", len(d), p)
		}
		for j, col := range d {
			if len(col) != m {
				return nil, fmt.Errorf("analytic beta derivative column %d has length %d, want %d", j, len(col), m)
			}
			b2.SetCol(j, col)
		}
		return b2, nil
	}

	step := opt.Step
	d := 1.0 / (2 * step)
	for j := 0; j < p; j++ {
		orig := beta[j]
		beta[j] = orig + step
		fp, err := evalModel(fun, mu, beta, m)
		if err != nil {
			beta[j] = orig
			return nil, fmt.Errorf("perturbation +%g of beta %d: %w", step, j, err)
		}
		beta[j] = orig - step
		fm, err := evalModel(fun, mu, beta, m)
		beta[j] = orig
		if err != nil {
			return nil, fmt.Errorf("perturbation -%g of beta %d: %w", step, j, err)
		}
		for r := 0; r < m; r++ {
			b2.Set(r, j, (fp[r]-fm[r])*d)
		}
	}
	return b2, nil
}

func copyBlocks(mu [][]float64) [][]float64 {
	out := make([][]float64, len(mu))
	for i, blk := range mu {
		out[i] = make([]float64, len(blk))
		copy(out[i], blk)
	}
	return out
}
