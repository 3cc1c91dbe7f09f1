package csadapter

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Config tunes the integrator. Field meanings mirror
// internal/config.IntegratorConfig, which is where a running server gets
// its values from; this package has no dependency on internal/config so
// it stays testable in isolation.
type Config struct {
	RelativeTolerance   float64
	MinStep             float64
	MaxOrder            int // 1 or 2
	MaxNewtonIters      int
	EventBisectionIters int
}

// DefaultConfig matches the values cswrapper.c hard-codes (RTOL 1e-4) plus
// the order cap and iteration counts this port needs that the original
// left to CVODE's own defaults.
func DefaultConfig() Config {
	return Config{
		RelativeTolerance:   1e-4,
		MinStep:             1e-9,
		MaxOrder:            2,
		MaxNewtonIters:      7,
		EventBisectionIters: 40,
	}
}

// Integrator is a variable-step, variable-order (1 or 2) BDF integrator
// with Newton correction against a dense finite-difference Jacobian,
// standing in for the CVODE (SUNDIALS) integrator cswrapper.c drives. No
// Go binding for CVODE exists in the ecosystem the rest of this module
// draws from, so the dense linear algebra (Jacobian assembly and the
// Newton correction's linear solve) is done with gonum/mat, the
// ecosystem's de facto numerical library, instead.
type Integrator struct {
	model ModelExchangeModel
	cfg   Config

	nx int

	t     float64
	y     []float64
	yPrev []float64 // state one accepted step back, nil until the 2nd step
	hPrev float64
	order int

	// atol is the per-component absolute tolerance. Defaults to the
	// relative tolerance uniformly; SetNominals rescales it component-wise
	// when the model publishes continuous-state nominals.
	atol []float64
}

// New builds an integrator bound to a model-exchange model. Init must be
// called before StepOnce.
func New(model ModelExchangeModel, cfg Config) *Integrator {
	return &Integrator{model: model, cfg: cfg, nx: model.NumberOfContinuousStates()}
}

// Init (re-)starts the integrator at (t0, y0), discarding any history;
// the next step always runs at order 1 since there is no previous state
// to extrapolate from. This is also what Reset uses, fixing the
// incomplete "TODO: reset solver" in the model this was ported from: a
// reset must drop yPrev/hPrev, not just hand the call through to the
// wrapped model.
func (ig *Integrator) Init(t0 float64, y0 []float64) {
	ig.t = t0
	ig.y = append([]float64(nil), y0...)
	ig.yPrev = nil
	ig.hPrev = 0
	ig.order = 1
	if ig.atol == nil {
		ig.atol = make([]float64, ig.nx)
		for i := range ig.atol {
			ig.atol[i] = ig.cfg.RelativeTolerance
		}
	}
}

// SetNominals scales the absolute tolerance component-wise by the model's
// continuous-state nominal magnitudes. Non-positive nominals fall back to
// 1, keeping the corresponding component at the uniform default.
func (ig *Integrator) SetNominals(nominals []float64) {
	if len(nominals) != ig.nx {
		return
	}
	ig.atol = make([]float64, ig.nx)
	for i, nom := range nominals {
		if nom <= 0 {
			nom = 1
		}
		ig.atol[i] = ig.cfg.RelativeTolerance * nom
	}
}

// Time returns the integrator's current independent-variable value.
func (ig *Integrator) Time() float64 { return ig.t }

// Order returns the BDF order currently in effect (1 or 2).
func (ig *Integrator) Order() int { return ig.order }

// State returns the integrator's current continuous-state vector.
func (ig *Integrator) State() []float64 { return append([]float64(nil), ig.y...) }

// StepOnce takes exactly one BDF step toward min(tout, t+maxStep),
// stopping short and reporting rootFound if an event indicator changes
// sign partway through. Callers drive the communication-point loop
// themselves (internal/csadapter.Adapter.DoStep mirrors the structure
// cswrapper.c's fmi2DoStep uses its CVode() call in), since event
// handling in between steps needs to call back into the model-exchange
// model (CompletedIntegratorStep, EnterEventMode, ...) which this type
// has no business doing on its own.
func (ig *Integrator) StepOnce(tout, maxStep float64) (tReached float64, rootFound bool, err error) {
	if ig.nx == 0 {
		ig.t = tout
		return tout, false, nil
	}
	if ig.t+epsilonAround(tout) >= tout {
		return ig.t, false, nil
	}

	h := maxStep
	if ig.t+h > tout {
		h = tout - ig.t
	}
	if h < ig.cfg.MinStep {
		h = ig.cfg.MinStep
	}

	prevIndicators, err := ig.model.GetEventIndicators()
	if err != nil {
		return ig.t, false, fmt.Errorf("csadapter: event indicators: %w", err)
	}

	tNext := ig.t + h
	yNext, err := ig.stepNewton(tNext, h)
	if err != nil {
		return ig.t, false, err
	}

	if err := ig.model.SetTime(tNext); err != nil {
		return ig.t, false, fmt.Errorf("csadapter: SetTime: %w", err)
	}
	if err := ig.model.SetContinuousStates(yNext); err != nil {
		return ig.t, false, fmt.Errorf("csadapter: SetContinuousStates: %w", err)
	}

	indicators, err := ig.model.GetEventIndicators()
	if err != nil {
		return ig.t, false, fmt.Errorf("csadapter: event indicators: %w", err)
	}

	if signChanged(prevIndicators, indicators) {
		root, yRoot, err := ig.bisectRoot(ig.t, ig.y, tNext, yNext, prevIndicators)
		if err != nil {
			return ig.t, false, err
		}
		ig.commit(root, yRoot, h)
		return root, true, nil
	}

	ig.commit(tNext, yNext, h)
	return tNext, false, nil
}

func (ig *Integrator) commit(t float64, y []float64, h float64) {
	ig.yPrev = ig.y
	ig.hPrev = h
	ig.t = t
	ig.y = y
	if ig.order < ig.cfg.MaxOrder && ig.yPrev != nil {
		ig.order = 2
	}
}

// bisectRoot narrows [t0, t1] to the first sign change in the event
// indicators, the same role CVODE's internal rootfinder plays for
// cswrapper.c, implemented here as plain bisection since no dense output
// polynomial is available without a real CVODE port.
func (ig *Integrator) bisectRoot(t0 float64, y0 []float64, t1 float64, y1 []float64, ind0 []float64) (float64, []float64, error) {
	lo, hi := t0, t1
	yLo, yHi := y0, y1
	indLo := ind0

	for i := 0; i < ig.cfg.EventBisectionIters; i++ {
		mid := lo + 0.5*(hi-lo)
		yMid := interpolate(yLo, yHi, lo, hi, mid)

		if err := ig.model.SetTime(mid); err != nil {
			return mid, yMid, err
		}
		if err := ig.model.SetContinuousStates(yMid); err != nil {
			return mid, yMid, err
		}
		indMid, err := ig.model.GetEventIndicators()
		if err != nil {
			return mid, yMid, err
		}

		if signChanged(indLo, indMid) {
			hi, yHi = mid, yMid
		} else {
			lo, yLo, indLo = mid, yMid, indMid
		}
	}

	return hi, yHi, nil
}

func interpolate(y0, y1 []float64, t0, t1, t float64) []float64 {
	if t1 == t0 {
		return append([]float64(nil), y1...)
	}
	frac := (t - t0) / (t1 - t0)
	out := make([]float64, len(y0))
	for i := range out {
		out[i] = y0[i] + frac*(y1[i]-y0[i])
	}
	return out
}

func signChanged(a, b []float64) bool {
	for i := range a {
		if (a[i] <= 0) != (b[i] <= 0) {
			return true
		}
	}
	return false
}

// epsilonAround mirrors cswrapper.c's epsilon = (1 + |tNext|) * EPSILON
// guard against floating-point drift preventing the loop from
// terminating exactly at tout.
func epsilonAround(tNext float64) float64 {
	const machineEpsilon = 1e-14
	return (1.0 + math.Abs(tNext)) * machineEpsilon
}

// stepNewton solves the implicit BDF corrector equation for y(tNext)
// using Newton iteration with a finite-difference Jacobian and a gonum
// dense LU solve, falling back to order 1 (backward Euler) whenever no
// usable previous step exists yet.
func (ig *Integrator) stepNewton(tNext, h float64) ([]float64, error) {
	// Initial guess: the last accepted state.
	guess := make([]float64, ig.nx)
	copy(guess, ig.y)

	for iter := 0; iter < ig.cfg.MaxNewtonIters; iter++ {
		res, err := ig.residual(tNext, h, guess)
		if err != nil {
			return nil, err
		}
		if ig.weightedNorm(res, guess) < 1 {
			return guess, nil
		}

		jac, err := ig.jacobian(tNext, h, guess, res)
		if err != nil {
			return nil, err
		}

		delta := mat.NewVecDense(ig.nx, nil)
		var lu mat.LU
		lu.Factorize(jac)
		b := mat.NewVecDense(ig.nx, res)
		if err := delta.SolveVec(&lu, b); err != nil {
			return nil, fmt.Errorf("csadapter: newton linear solve: %w", err)
		}

		for i := 0; i < ig.nx; i++ {
			guess[i] -= delta.AtVec(i)
		}
	}

	return nil, fmt.Errorf("csadapter: newton iteration failed to converge at t=%g", tNext)
}

// residual evaluates the BDF corrector residual F(y) = y - (predictor
// combination) - h * beta * f(tNext, y). Order 1 (backward Euler) is
// y - yPrev - h*f; order 2 (BDF2) uses the standard 3-term form once a
// previous step exists.
func (ig *Integrator) residual(tNext, h float64, y []float64) ([]float64, error) {
	if err := ig.model.SetTime(tNext); err != nil {
		return nil, err
	}
	if err := ig.model.SetContinuousStates(y); err != nil {
		return nil, err
	}
	f, err := ig.model.GetDerivatives()
	if err != nil {
		return nil, err
	}

	res := make([]float64, ig.nx)
	if ig.order == 2 && ig.yPrev != nil && ig.hPrev > 0 {
		// BDF2, constant-step form: y - (4/3)y_n + (1/3)y_{n-1} = (2/3) h f(t, y).
		// Internal steps within one communication interval are equal-sized
		// (the host names the step size), so the constant-step coefficients
		// apply without a variable-step generalization.
		for i := range res {
			res[i] = y[i] - bdf2Alpha0*ig.y[i] - bdf2Alpha1*ig.yPrev[i] - h*bdf2Beta*f[i]
		}
	} else {
		for i := range res {
			res[i] = y[i] - ig.y[i] - h*f[i]
		}
	}
	return res, nil
}

const (
	bdf2Alpha0 = 4.0 / 3.0
	bdf2Alpha1 = -1.0 / 3.0
	bdf2Beta   = 2.0 / 3.0
)

func (ig *Integrator) jacobian(tNext, h float64, y, f0 []float64) (*mat.Dense, error) {
	n := ig.nx
	jac := mat.NewDense(n, n, nil)
	const eps = 1e-7

	for j := 0; j < n; j++ {
		perturbed := append([]float64(nil), y...)
		step := eps * math.Max(1, math.Abs(y[j]))
		perturbed[j] += step

		resP, err := ig.residual(tNext, h, perturbed)
		if err != nil {
			return nil, err
		}
		for i := 0; i < n; i++ {
			jac.Set(i, j, (resP[i]-f0[i])/step)
		}
	}
	return jac, nil
}

// weightedNorm is the max-norm of v scaled per component by the mixed
// tolerance atol_i + rtol*|y_i|; a value below 1 means every component
// is within tolerance.
func (ig *Integrator) weightedNorm(v, y []float64) float64 {
	max := 0.0
	for i, x := range v {
		w := ig.atol[i] + ig.cfg.RelativeTolerance*math.Abs(y[i])
		if a := math.Abs(x) / w; a > max {
			max = a
		}
	}
	return max
}
