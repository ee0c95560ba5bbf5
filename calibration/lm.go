package calibration

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// residualFunc writes the residuals at x into dst. It must be safe for concurrent use.
type residualFunc func(dst, x []float64)

// leastSquares is a nonlinear least squares problem over len(x0) parameters and m residuals.
type leastSquares struct {
	f  residualFunc
	m  int
	x0 []float64
}

// sumOfSquares evaluates the cost of x.
func (p *leastSquares) sumOfSquares(x []float64) float64 {
	r := make([]float64, p.m)
	p.f(r, x)
	return floats.Dot(r, r)
}

// levenbergMarquardt minimizes the problem's sum of squared residuals with a Jacobian estimated
// by central differences. It returns the solution and its final cost.
func levenbergMarquardt(p *leastSquares, crit Criteria) ([]float64, float64, error) {
	n := len(p.x0)
	if p.m < n {
		return nil, 0, errors.Errorf("underdetermined problem: %d residuals for %d parameters", p.m, n)
	}
	x := append([]float64(nil), p.x0...)
	r := make([]float64, p.m)
	p.f(r, x)
	cost := floats.Dot(r, r)
	if math.IsNaN(cost) || math.IsInf(cost, 0) {
		return nil, 0, errors.New("initial guess has a non finite cost")
	}

	jac := mat.NewDense(p.m, n, nil)
	settings := &fd.JacobianSettings{Formula: fd.Central, Concurrent: true}
	var jtj mat.SymDense
	g := mat.NewVecDense(n, nil)
	step := mat.NewVecDense(n, nil)
	trial := make([]float64, n)
	// Marquardt damping scales the diagonal, so lambda is dimensionless.
	lambda := 1e-3

	for iter := 0; iter < crit.MaxIterations; iter++ {
		fd.Jacobian(jac, p.f, x, settings)
		jtj.SymOuterK(1, jac.T())
		g.MulVec(jac.T(), mat.NewVecDense(p.m, r))

		prevCost := cost
		accepted := -1
		for attempt := 0; attempt < 10 && accepted < 0; attempt++ {
			damped := mat.NewSymDense(n, nil)
			damped.CopySym(&jtj)
			for i := 0; i < n; i++ {
				damped.SetSym(i, i, jtj.At(i, i)+lambda*math.Max(jtj.At(i, i), 1e-12))
			}
			var chol mat.Cholesky
			if !chol.Factorize(damped) {
				lambda *= 10
				continue
			}
			if err := chol.SolveVecTo(step, g); err != nil {
				lambda *= 10
				continue
			}
			floats.SubTo(trial, x, step.RawVector().Data)
			trialCost := p.sumOfSquares(trial)
			if trialCost < cost {
				accepted = attempt
				copy(x, trial)
				cost = trialCost
				p.f(r, x)
				lambda = math.Max(lambda/10, 1e-15)
			} else {
				lambda *= 10
			}
		}
		if accepted < 0 {
			break
		}
		// convergence is only judged when lambda did not have to grow
		if accepted == 0 && converged(step.RawVector().Data, x, prevCost, cost, crit.Epsilon) {
			break
		}
	}
	return x, cost, nil
}

// converged reports whether the cost stopped decreasing relative to itself, or whether every
// parameter moved by less than eps relative to its own magnitude.
func converged(step, x []float64, prevCost, cost, eps float64) bool {
	if prevCost-cost <= eps*prevCost {
		return true
	}
	for i, s := range step {
		if math.Abs(s) > eps*(math.Abs(x[i])+eps) {
			return false
		}
	}
	return true
}
