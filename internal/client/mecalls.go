package client

import (
	"context"
	"math"

	"github.com/fmibridge/remoting/internal/protocol"
)

// The model-exchange call set. A host that wants to drive the remoted
// model's continuous-time interface itself (instead of going through
// DoStep) gets the same operations the server dispatches, shuttled
// through the region's real array and scratch slots. None of these touch
// the typed caches: they move integrator state, not model variables.

// DiscreteStates mirrors the model's NewDiscreteStates output.
type DiscreteStates struct {
	NewDiscreteStatesNeeded           bool
	TerminateSimulation               bool
	NominalsOfContinuousStatesChanged bool
	ValuesOfContinuousStatesChanged   bool
	NextEventTimeDefined              bool
	NextEventTime                     float64
}

// SetTime forwards the integrator's current time to the model.
func (s *Shim) SetTime(ctx context.Context, t float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.region.SetScratch(0, t)
	status, err := s.channel.Call(ctx, protocol.OpSetTime)
	if err != nil || !status.Ok() {
		return s.callErr("SetTime", status, err, s.region.Message())
	}
	return nil
}

// SetContinuousStates pushes a state vector to the model through the
// real array's leading slots.
func (s *Shim) SetContinuousStates(ctx context.Context, x []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, v := range x {
		s.region.SetRealValue(i, v)
	}
	s.region.SetScratch(4, float64(len(x)))
	status, err := s.channel.Call(ctx, protocol.OpSetContinuousStates)
	if err != nil || !status.Ok() {
		return s.callErr("SetContinuousStates", status, err, s.region.Message())
	}
	return nil
}

func (s *Shim) readRealVector(ctx context.Context, op protocol.Opcode, name string, n int) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, err := s.channel.Call(ctx, op)
	if err != nil || !status.Ok() {
		return nil, s.callErr(name, status, err, s.region.Message())
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = s.region.RealValue(i)
	}
	return out, nil
}

// GetDerivatives reads the model's nx state derivatives.
func (s *Shim) GetDerivatives(ctx context.Context, nx int) ([]float64, error) {
	return s.readRealVector(ctx, protocol.OpGetDerivatives, "GetDerivatives", nx)
}

// GetEventIndicators reads the model's nz event indicators.
func (s *Shim) GetEventIndicators(ctx context.Context, nz int) ([]float64, error) {
	return s.readRealVector(ctx, protocol.OpGetEventIndicators, "GetEventIndicators", nz)
}

// GetContinuousStates reads the model's nx continuous states.
func (s *Shim) GetContinuousStates(ctx context.Context, nx int) ([]float64, error) {
	return s.readRealVector(ctx, protocol.OpGetContinuousStates, "GetContinuousStates", nx)
}

// GetNominalsOfContinuousStates reads the model's nx state nominals.
func (s *Shim) GetNominalsOfContinuousStates(ctx context.Context, nx int) ([]float64, error) {
	return s.readRealVector(ctx, protocol.OpGetNominalsOfContinuousStates, "GetNominalsOfContinuousStates", nx)
}

// CompletedIntegratorStep notifies the model that the integrator accepted
// a step, returning whether it requests event mode or termination.
func (s *Shim) CompletedIntegratorStep(ctx context.Context, noSetPriorState bool) (enterEventMode, terminate bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.region.SetScratch(0, boolToFloat(noSetPriorState))
	status, err := s.channel.Call(ctx, protocol.OpCompletedIntegratorStep)
	if err != nil || !status.Ok() {
		return false, false, s.callErr("CompletedIntegratorStep", status, err, s.region.Message())
	}
	return s.region.Scratch(0) != 0, s.region.Scratch(1) != 0, nil
}

// EnterEventMode switches the model into event mode.
func (s *Shim) EnterEventMode(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, err := s.channel.Call(ctx, protocol.OpEnterEventMode)
	if err != nil || !status.Ok() {
		return s.callErr("EnterEventMode", status, err, s.region.Message())
	}
	return nil
}

// NewDiscreteStates runs one discrete-state update. The next-event-time
// pair shares the last scratch slot; NaN marks "not defined".
func (s *Shim) NewDiscreteStates(ctx context.Context) (DiscreteStates, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, err := s.channel.Call(ctx, protocol.OpNewDiscreteStates)
	if err != nil || !status.Ok() {
		return DiscreteStates{}, s.callErr("NewDiscreteStates", status, err, s.region.Message())
	}
	out := DiscreteStates{
		NewDiscreteStatesNeeded:           s.region.Scratch(0) != 0,
		TerminateSimulation:               s.region.Scratch(1) != 0,
		NominalsOfContinuousStatesChanged: s.region.Scratch(2) != 0,
		ValuesOfContinuousStatesChanged:   s.region.Scratch(3) != 0,
	}
	if t := s.region.Scratch(4); !math.IsNaN(t) {
		out.NextEventTimeDefined = true
		out.NextEventTime = t
	}
	return out, nil
}

// EnterContinuousTimeMode switches the model back into continuous time.
func (s *Shim) EnterContinuousTimeMode(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, err := s.channel.Call(ctx, protocol.OpEnterContinuousTimeMode)
	if err != nil || !status.Ok() {
		return s.callErr("EnterContinuousTimeMode", status, err, s.region.Message())
	}
	return nil
}
