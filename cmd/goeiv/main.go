// Copyright (c) 2025 hitoshi.mukai.b@gmail.com. All rights reserved.
// You are free to use this source code for any purpose. The copyright remains with the author.
// The author accepts no liability for any damages arising from the use of this source code.
//
// Last modified: 2026.8.24
//

package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	m "github.com/mkhts/goeiv"
	"gonum.org/v1/gonum/mat"
)

func main() {

	// Parse command line arguments
	args, err := parseArgs()
	if err != nil {
		flag.Usage()
		os.Exit(1)
	}

	// Run the main application
	if err := runApplication(args); err != nil {
		m.PrintE(err)
		os.Exit(1)
	}
}

// Main application processing
func runApplication(args cmdOpt) error {

	// Load the input table
	xs, ys, uxs, uys, err := readTable(args.datFn)
	if err != nil {
		return fmt.Errorf("failed to read data file: %w", err)
	}

	obs, err := m.ObservationsFromColumns([][]float64{xs, ys})
	if err != nil {
		return fmt.Errorf("failed to canonicalize observations: %w", err)
	}

	// Uncertainty matrix: two independent noise components, one per quantity
	u, err := m.BuildUncertainty(2, obs.M, map[m.UncBlock]*mat.Dense{
		{I: 0, J: 0}: m.DiagBlock(uxs),
		{I: 1, J: 1}: m.DiagBlock(uys),
	})
	if err != nil {
		return fmt.Errorf("failed to assemble uncertainty matrix: %w", err)
	}

	// Straight-line constraint: b1 + b2*x - y = 0
	line := func(mu [][]float64, beta []float64) []float64 {
		f := make([]float64, len(mu[0]))
		for k := range f {
			f[k] = beta[0] + beta[1]*mu[0][k] - mu[1][k]
		}
		return f
	}

	// Initial guess from the endpoints
	beta0 := initialLine(xs, ys)

	opt := setFitOpt(&args)
	sol, err := m.Fit(obs, u, line, nil, beta0, opt)
	if err != nil {
		return fmt.Errorf("fit failed: %w", err)
	}
	if sol.Iter == opt.MaxIter && sol.Crit > opt.Tol {
		m.PrintA("warning: iteration limit reached (crit=%e > tol=%e)\n", sol.Crit, opt.Tol)
	}

	// Prepare output
	out, err := prepareOutput(args)
	if err != nil {
		return fmt.Errorf("failed to prepare output: %w", err)
	}
	defer closeOutput(out)

	fmt.Fprintf(out, "%% program    : %s\n", filepath.Base(os.Args[0]))
	fmt.Fprintf(out, "%% inp file   : %s\n", args.datFn)
	fmt.Fprintf(out, "%% method     : %s, criterion: %s\n", opt.Method.String(), opt.Criterion.String())
	sol.WriteTable(out, opt.Alpha)
	if args.residuals {
		sol.WriteResiduals(out, obs)
	}

	return nil
}

func initialLine(xs, ys []float64) []float64 {
	n := len(xs)
	b2 := 1.0
	if d := xs[n-1] - xs[0]; d != 0 {
		b2 = (ys[n-1] - ys[0]) / d
	}
	return []float64{ys[0] - b2*xs[0], b2}
}

// Read a whitespace separated table of x y ux uy rows. Lines starting with #
// or % are comments.
func readTable(fn string) (xs, ys, uxs, uys []float64, err error) {
	f, err := os.Open(fn)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "%") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 4 {
			return nil, nil, nil, nil, fmt.Errorf("line %d: want 4 columns (x y ux uy), got %d", lineNo, len(fields))
		}
		vals := make([]float64, 4)
		for i := 0; i < 4; i++ {
			vals[i], err = strconv.ParseFloat(fields[i], 64)
			if err != nil {
				return nil, nil, nil, nil, fmt.Errorf("line %d: %w", lineNo, err)
			}
		}
		xs = append(xs, vals[0])
		ys = append(ys, vals[1])
		uxs = append(uxs, vals[2])
		uys = append(uys, vals[3])
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, nil, nil, err
	}
	if len(xs) == 0 {
		return nil, nil, nil, nil, fmt.Errorf("no data rows")
	}
	return xs, ys, uxs, uys, nil
}

// Prepare output file
func prepareOutput(args cmdOpt) (io.WriteCloser, error) {

	// Use stdout if no output file is specified
	if len(args.outFn) == 0 {
		return &nopCloser{os.Stdout}, nil
	}

	outf, err := os.Create(args.outFn)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return outf, nil
}

// Close output file
func closeOutput(out io.WriteCloser) {
	if out != nil {
		out.Close()
	}
}

// nopCloser - WriteCloser that ignores close operations
type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// Structure to hold command line argument information
type cmdOpt struct {
	datFn     string
	outFn     string
	method    m.Method
	criterion m.Criterion
	maxIter   int
	tol       float64
	step      float64
	alpha     float64
	workers   int
	residuals bool
}

// Parse command line arguments
func parseArgs() (a cmdOpt, err error) {
	flag.Usage = func() {
		m.PrintA(`
[Usage]
	%s [Options] data_file

	The data file holds one "x y ux uy" row per sample point: observed value
	pairs and their standard uncertainties. A straight line y = b1 + b2*x is
	fitted treating both coordinates as noisy.

[Options]
`, filepath.Base(os.Args[0]))
		flag.PrintDefaults()
	}
	fOpt := m.NewFitOpt()
	a.method = fOpt.Method
	a.criterion = fOpt.Criterion
	flag.Var(&a.method, "s", "Solve method. direct, svd or qr")
	flag.Var(&a.criterion, "c", "Convergence criterion. function, weightedresiduals or parameterdifferences")
	flag.IntVar(&a.maxIter, "n", fOpt.MaxIter, "Maximum number of iterations")
	flag.Float64Var(&a.tol, "t", fOpt.Tol, "Convergence tolerance")
	flag.Float64Var(&a.step, "d", fOpt.Step, "Finite difference step size")
	flag.Float64Var(&a.alpha, "a", fOpt.Alpha, "Significance level for confidence bounds")
	flag.IntVar(&a.workers, "j", fOpt.Workers, "Number of parallel finite-difference workers")
	flag.BoolVar(&a.residuals, "r", false, "Also output observed/fitted/residual table")
	flag.StringVar(&a.outFn, "o", "", "Output file path. If not specified, output to stdout.")
	var dbg int
	flag.IntVar(&dbg, "x", 0, "Debug information display. Specify level value. 0(OFF), 1(display), 2(detailed display)")
	flag.Parse()
	if flag.NArg() != 1 {
		return a, fmt.Errorf("too less or many arguments")
	}
	a.datFn = flag.Arg(0)
	m.DBG_ = dbg
	return
}

func setFitOpt(args *cmdOpt) *m.FitOpt {
	opt := m.NewFitOpt()
	opt.Method = args.method
	opt.Criterion = args.criterion
	opt.MaxIter = args.maxIter
	opt.Tol = args.tol
	opt.Step = args.step
	opt.Alpha = args.alpha
	opt.Workers = args.workers
	return opt
}
