package csadapter

import (
	"fmt"
)

// BaseModel is the part of a model-exchange model's surface that has
// nothing to do with integration: instance lifecycle and variable
// access. Adapter passes these straight through.
type BaseModel interface {
	Instantiate() error
	SetupExperiment(toleranceDefined bool, tolerance, startTime float64, stopTimeDefined bool, stopTime float64) error
	EnterInitializationMode() error
	ExitInitializationMode() error
	Terminate() error
	FreeInstance()

	GetReal(vrs []uint32) ([]float64, error)
	GetInteger(vrs []uint32) ([]int32, error)
	GetBoolean(vrs []uint32) ([]int32, error)
	GetString(vr uint32) (string, error)
	SetReal(vrs []uint32, values []float64) error
	SetInteger(vrs []uint32, values []int32) error
	SetBoolean(vrs []uint32, values []int32) error
	SetString(vr uint32, value string) error

	GetDirectionalDerivative(unknownVRs, knownVRs []uint32, seed []float64) ([]float64, error)

	// ResetModelState re-initializes the wrapped model's own variables.
	// It does not touch the integrator; Adapter.Reset handles that half.
	ResetModelState() error
}

// Adapter wraps a model-exchange model with the BDF integrator and
// exposes internal/server.Model's co-simulation-shaped surface, the same
// role cswrapper.c plays natively: a single DoStep that integrates the
// model's ODE with event detection and handling.
type Adapter struct {
	base BaseModel
	me   ModelExchangeModel
	ig   *Integrator
	cfg  Config

	started bool

	// eventInfo is the last NewDiscreteStates outcome, kept across calls
	// because its NextEventTimeDefined/NextEventTime pair schedules the
	// time events DoStep must clip its integration segments to.
	eventInfo DiscreteStatesResult
}

// NewAdapter builds an Adapter. The integrator is not started until
// ExitInitializationMode runs, mirroring cswrapper.c's fmi2ExitInitializationMode.
func NewAdapter(base BaseModel, me ModelExchangeModel, cfg Config) *Adapter {
	return &Adapter{base: base, me: me, ig: New(me, cfg), cfg: cfg}
}

func (a *Adapter) Instantiate() error { return a.base.Instantiate() }

func (a *Adapter) SetupExperiment(toleranceDefined bool, tolerance, startTime float64, stopTimeDefined bool, stopTime float64) error {
	return a.base.SetupExperiment(toleranceDefined, tolerance, startTime, stopTimeDefined, stopTime)
}

func (a *Adapter) EnterInitializationMode() error { return a.base.EnterInitializationMode() }

// drainDiscreteStates runs the discrete-state iteration until the model
// reports steady state, recording the final event info (which may carry a
// scheduled time event for DoStep to honor).
func (a *Adapter) drainDiscreteStates() (terminate bool, err error) {
	for {
		result, err := a.me.NewDiscreteStates()
		if err != nil {
			return false, fmt.Errorf("csadapter: NewDiscreteStates: %w", err)
		}
		a.eventInfo = result
		if result.TerminateSimulation {
			return true, nil
		}
		if !result.NewDiscreteStatesNeeded {
			return false, nil
		}
	}
}

// ExitInitializationMode runs the model's own ExitInitializationMode,
// drains the initial event-update loop, enters continuous-time mode, and
// seeds the integrator from the model's initial continuous states,
// exactly cswrapper.c's fmi2ExitInitializationMode, one call per line so
// every status gets checked (the original discards the status of the
// EnterEventMode/NewDiscreteStates/EnterContinuousTimeMode calls; this
// port does not repeat that).
func (a *Adapter) ExitInitializationMode() error {
	if err := a.base.ExitInitializationMode(); err != nil {
		return fmt.Errorf("csadapter: ExitInitializationMode: %w", err)
	}
	if err := a.me.EnterEventMode(); err != nil {
		return fmt.Errorf("csadapter: EnterEventMode: %w", err)
	}
	terminate, err := a.drainDiscreteStates()
	if err != nil {
		return err
	}
	if terminate {
		return fmt.Errorf("csadapter: model requested termination during initialization")
	}
	if err := a.me.EnterContinuousTimeMode(); err != nil {
		return fmt.Errorf("csadapter: EnterContinuousTimeMode: %w", err)
	}

	x0, err := a.me.GetContinuousStates()
	if err != nil {
		return fmt.Errorf("csadapter: GetContinuousStates: %w", err)
	}
	a.ig.Init(0, x0)
	if nominals, err := a.me.GetNominalsOfContinuousStates(); err == nil {
		a.ig.SetNominals(nominals)
	}
	a.started = true
	return nil
}

func (a *Adapter) Terminate() error { return a.base.Terminate() }

// Reset reinitializes the wrapped model and discards the integrator's
// state and history (yPrev/hPrev/order), unlike the code this was ported
// from, which only reset the model and left stale integrator state in
// place for the next DoStep to trip over. The integrator is re-seeded
// from the model on the next step or re-initialization.
func (a *Adapter) Reset() error {
	if err := a.base.ResetModelState(); err != nil {
		return err
	}
	a.started = false
	a.eventInfo = DiscreteStatesResult{}
	return nil
}

func (a *Adapter) FreeInstance() { a.base.FreeInstance() }

func (a *Adapter) GetReal(vrs []uint32) ([]float64, error)  { return a.base.GetReal(vrs) }
func (a *Adapter) GetInteger(vrs []uint32) ([]int32, error) { return a.base.GetInteger(vrs) }
func (a *Adapter) GetBoolean(vrs []uint32) ([]int32, error) { return a.base.GetBoolean(vrs) }
func (a *Adapter) GetString(vr uint32) (string, error)      { return a.base.GetString(vr) }
func (a *Adapter) SetReal(vrs []uint32, values []float64) error {
	return a.base.SetReal(vrs, values)
}
func (a *Adapter) SetInteger(vrs []uint32, values []int32) error {
	return a.base.SetInteger(vrs, values)
}
func (a *Adapter) SetBoolean(vrs []uint32, values []int32) error {
	return a.base.SetBoolean(vrs, values)
}
func (a *Adapter) SetString(vr uint32, value string) error { return a.base.SetString(vr, value) }

func (a *Adapter) GetDirectionalDerivative(unknownVRs, knownVRs []uint32, seed []float64) ([]float64, error) {
	return a.base.GetDirectionalDerivative(unknownVRs, knownVRs, seed)
}

// These are exposed directly for internal/server.Model's wider surface (a
// model-exchange model can also be driven without the adapter, e.g.
// during tests); Adapter forwards them to the same model-exchange model
// it integrates.
func (a *Adapter) SetTime(t float64) error                 { return a.me.SetTime(t) }
func (a *Adapter) SetContinuousStates(x []float64) error   { return a.me.SetContinuousStates(x) }
func (a *Adapter) GetDerivatives() ([]float64, error)      { return a.me.GetDerivatives() }
func (a *Adapter) GetEventIndicators() ([]float64, error)  { return a.me.GetEventIndicators() }
func (a *Adapter) GetContinuousStates() ([]float64, error) { return a.me.GetContinuousStates() }
func (a *Adapter) GetNominalsOfContinuousStates() ([]float64, error) {
	return a.me.GetNominalsOfContinuousStates()
}
func (a *Adapter) CompletedIntegratorStep(noSetPriorState bool) (bool, bool, error) {
	return a.me.CompletedIntegratorStep(noSetPriorState)
}
func (a *Adapter) EnterEventMode() error { return a.me.EnterEventMode() }
func (a *Adapter) NewDiscreteStates() (DiscreteStatesResult, error) {
	result, err := a.me.NewDiscreteStates()
	if err == nil {
		a.eventInfo = result
	}
	return result, err
}
func (a *Adapter) EnterContinuousTimeMode() error { return a.me.EnterContinuousTimeMode() }

// IntegratorOrder exposes the BDF order currently in effect, for metrics.
func (a *Adapter) IntegratorOrder() int { return a.ig.Order() }

// StepResult is DoStep's outcome, matching internal/server.StepResult's
// shape without importing internal/server (csadapter has no business
// depending on the dispatch layer above it).
type StepResult struct {
	EventEncountered bool
	TerminateSim     bool
}

// DoStep advances the simulation from currentTime to currentTime+step,
// integrating segment by segment: each segment runs to the communication
// end point or to the model's scheduled time event, whichever comes
// first, and any located event (state, step, or time event) is handled in
// place before integration resumes: the algorithm cswrapper.c's
// fmi2DoStep implements, with its status-propagation bug fixed: every
// model call's own error is checked, rather than re-testing a stale
// status variable after calls whose outcome was never captured.
func (a *Adapter) DoStep(currentTime, step float64, noSetPriorState bool) (StepResult, error) {
	tEnd := currentTime + step
	eps := epsilonAround(tEnd)

	if err := a.me.SetTime(currentTime); err != nil {
		return StepResult{}, fmt.Errorf("csadapter: SetTime: %w", err)
	}
	x0, err := a.me.GetContinuousStates()
	if err != nil {
		return StepResult{}, fmt.Errorf("csadapter: GetContinuousStates: %w", err)
	}
	if !a.started {
		// First step after a Reset: the integrator history was discarded,
		// so re-seed it from the model's current state here.
		a.ig.Init(currentTime, x0)
		a.started = true
	} else if a.ig.nx > 0 {
		a.ig.y = x0
		a.ig.t = currentTime
	} else {
		a.ig.t = currentTime
	}

	encountered := false
	stalled := 0

	for a.ig.t+eps < tEnd {
		tOut := tEnd
		if a.eventInfo.NextEventTimeDefined && a.eventInfo.NextEventTime < tOut {
			tOut = a.eventInfo.NextEventTime
		}

		tPrev := a.ig.t
		tReached, rootFound, err := a.ig.StepOnce(tOut, step)
		if err != nil {
			return StepResult{}, err
		}
		if tReached <= tPrev {
			// A model that keeps scheduling an event at or before the
			// current time would otherwise pin this loop in place.
			if stalled++; stalled > 2 {
				return StepResult{}, fmt.Errorf("csadapter: integration stalled at t=%g", tReached)
			}
		} else {
			stalled = 0
		}

		if err := a.me.SetTime(tReached); err != nil {
			return StepResult{}, fmt.Errorf("csadapter: SetTime: %w", err)
		}
		if a.ig.nx > 0 {
			if err := a.me.SetContinuousStates(a.ig.State()); err != nil {
				return StepResult{}, fmt.Errorf("csadapter: SetContinuousStates: %w", err)
			}
		}

		enterEventMode, terminate, err := a.me.CompletedIntegratorStep(noSetPriorState)
		if err != nil {
			return StepResult{}, fmt.Errorf("csadapter: CompletedIntegratorStep: %w", err)
		}
		if terminate {
			return StepResult{EventEncountered: encountered, TerminateSim: true}, nil
		}

		timeEvent := a.eventInfo.NextEventTimeDefined && a.eventInfo.NextEventTime <= tReached+eps

		if rootFound || enterEventMode || timeEvent {
			encountered = true

			if err := a.me.EnterEventMode(); err != nil {
				return StepResult{}, fmt.Errorf("csadapter: EnterEventMode: %w", err)
			}
			terminate, err := a.drainDiscreteStates()
			if err != nil {
				return StepResult{}, err
			}
			if terminate {
				return StepResult{EventEncountered: true, TerminateSim: true}, nil
			}
			if err := a.me.EnterContinuousTimeMode(); err != nil {
				return StepResult{}, fmt.Errorf("csadapter: EnterContinuousTimeMode: %w", err)
			}

			x := a.ig.State()
			if a.ig.nx > 0 && a.eventInfo.ValuesOfContinuousStatesChanged {
				x, err = a.me.GetContinuousStates()
				if err != nil {
					return StepResult{}, fmt.Errorf("csadapter: GetContinuousStates: %w", err)
				}
			}
			a.ig.Init(tReached, x)
		}
	}

	return StepResult{EventEncountered: encountered}, nil
}
