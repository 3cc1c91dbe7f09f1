package csadapter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// bouncingBall is a minimal model-exchange model: state = [height,
// velocity], free fall under gravity with a coefficient-of-restitution
// bounce at height == 0, used to exercise event detection end to end.
type bouncingBall struct {
	t           float64
	x           []float64 // [height, velocity]
	g           float64
	restitution float64
}

func newBouncingBall() *bouncingBall {
	return &bouncingBall{x: []float64{1, 0}, g: 9.81, restitution: 0.8}
}

func (b *bouncingBall) SetTime(t float64) error { b.t = t; return nil }
func (b *bouncingBall) SetContinuousStates(x []float64) error {
	b.x = append([]float64(nil), x...)
	return nil
}
func (b *bouncingBall) GetContinuousStates() ([]float64, error) {
	return append([]float64(nil), b.x...), nil
}
func (b *bouncingBall) GetDerivatives() ([]float64, error) {
	return []float64{b.x[1], -b.g}, nil
}
func (b *bouncingBall) GetEventIndicators() ([]float64, error) {
	return []float64{b.x[0]}, nil
}
func (b *bouncingBall) GetNominalsOfContinuousStates() ([]float64, error) {
	return []float64{1, 1}, nil
}
func (b *bouncingBall) CompletedIntegratorStep(bool) (bool, bool, error) { return false, false, nil }
func (b *bouncingBall) EnterEventMode() error                            { return nil }
func (b *bouncingBall) NewDiscreteStates() (DiscreteStatesResult, error) {
	if b.x[0] < 0 {
		b.x[0] = -b.x[0]
		b.x[1] = -b.x[1] * b.restitution
		return DiscreteStatesResult{ValuesOfContinuousStatesChanged: true}, nil
	}
	return DiscreteStatesResult{}, nil
}
func (b *bouncingBall) EnterContinuousTimeMode() error { return nil }
func (b *bouncingBall) NumberOfContinuousStates() int  { return 2 }
func (b *bouncingBall) NumberOfEventIndicators() int   { return 1 }

type nopBase struct{ *bouncingBall }

func (n nopBase) Instantiate() error                                          { return nil }
func (n nopBase) SetupExperiment(bool, float64, float64, bool, float64) error { return nil }
func (n nopBase) EnterInitializationMode() error                              { return nil }
func (n nopBase) ExitInitializationMode() error                               { return nil }
func (n nopBase) Terminate() error                                            { return nil }
func (n nopBase) FreeInstance()                                               {}
func (n nopBase) GetReal(vrs []uint32) ([]float64, error) {
	return make([]float64, len(vrs)), nil
}
func (n nopBase) GetInteger(vrs []uint32) ([]int32, error) { return make([]int32, len(vrs)), nil }
func (n nopBase) GetBoolean(vrs []uint32) ([]int32, error) { return make([]int32, len(vrs)), nil }
func (n nopBase) GetString(uint32) (string, error)         { return "", nil }
func (n nopBase) SetReal([]uint32, []float64) error        { return nil }
func (n nopBase) SetInteger([]uint32, []int32) error       { return nil }
func (n nopBase) SetBoolean([]uint32, []int32) error       { return nil }
func (n nopBase) SetString(uint32, string) error           { return nil }
func (n nopBase) GetDirectionalDerivative(u, k []uint32, s []float64) ([]float64, error) {
	return make([]float64, len(u)), nil
}
func (n nopBase) ResetModelState() error { n.bouncingBall.x = []float64{1, 0}; return nil }

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	ball := newBouncingBall()
	cfg := DefaultConfig()
	a := NewAdapter(nopBase{ball}, ball, cfg)

	require.NoError(t, a.Instantiate())
	require.NoError(t, a.SetupExperiment(false, 0, 0, false, 0))
	require.NoError(t, a.EnterInitializationMode())
	require.NoError(t, a.ExitInitializationMode())
	return a
}

func TestAdapterZeroLengthStepIsIdempotent(t *testing.T) {
	a := newTestAdapter(t)

	before := a.ig.State()
	result, err := a.DoStep(0, 0, false)
	require.NoError(t, err)
	require.False(t, result.EventEncountered)
	require.Equal(t, before, a.ig.State())
}

func TestAdapterDetectsBounceEvent(t *testing.T) {
	a := newTestAdapter(t)

	// Free fall from height 1 under g=9.81 crosses zero well before t=2s.
	sawEvent := false
	tCur := 0.0
	for i := 0; i < 2000 && tCur < 2.0; i++ {
		result, err := a.DoStep(tCur, 0.01, false)
		require.NoError(t, err)
		tCur += 0.01
		if result.EventEncountered {
			sawEvent = true
			break
		}
	}
	require.True(t, sawEvent, "expected a bounce event before t=2s")
	require.GreaterOrEqual(t, a.ig.State()[0], 0.0)
}

func TestAdapterContinuesPastEventWithinOneStep(t *testing.T) {
	// One communication step wide enough to contain the first bounce
	// (roughly t=0.45 for a drop from 1m): the step must handle the event
	// mid-flight and still integrate on to the requested end point.
	a := newTestAdapter(t)

	result, err := a.DoStep(0, 0.6, false)
	require.NoError(t, err)
	require.True(t, result.EventEncountered)
	require.InDelta(t, 0.6, a.ig.Time(), 1e-9)
	// Post-bounce the ball is on its way back up.
	require.Greater(t, a.ig.State()[1], 0.0)
}

// timeEventModel schedules a discrete event at a fixed time and counts
// how often its event update runs, driving the time-event clipping path.
type timeEventModel struct {
	t            float64
	x            []float64
	nextEvent    float64
	eventUpdates int
}

func (m *timeEventModel) SetTime(t float64) error { m.t = t; return nil }
func (m *timeEventModel) SetContinuousStates(x []float64) error {
	m.x = append([]float64(nil), x...)
	return nil
}
func (m *timeEventModel) GetContinuousStates() ([]float64, error) {
	return append([]float64(nil), m.x...), nil
}
func (m *timeEventModel) GetDerivatives() ([]float64, error)     { return []float64{1}, nil }
func (m *timeEventModel) GetEventIndicators() ([]float64, error) { return nil, nil }
func (m *timeEventModel) GetNominalsOfContinuousStates() ([]float64, error) {
	return []float64{1}, nil
}
func (m *timeEventModel) CompletedIntegratorStep(bool) (bool, bool, error) {
	return false, false, nil
}
func (m *timeEventModel) EnterEventMode() error { return nil }
func (m *timeEventModel) NewDiscreteStates() (DiscreteStatesResult, error) {
	if m.t >= m.nextEvent {
		m.eventUpdates++
		m.nextEvent += 10 // push the next one far out of this test's range
	}
	return DiscreteStatesResult{NextEventTimeDefined: true, NextEventTime: m.nextEvent}, nil
}
func (m *timeEventModel) EnterContinuousTimeMode() error { return nil }
func (m *timeEventModel) NumberOfContinuousStates() int  { return 1 }
func (m *timeEventModel) NumberOfEventIndicators() int   { return 0 }

type timeEventBase struct{ *timeEventModel }

func (n timeEventBase) Instantiate() error                                          { return nil }
func (n timeEventBase) SetupExperiment(bool, float64, float64, bool, float64) error { return nil }
func (n timeEventBase) EnterInitializationMode() error                              { return nil }
func (n timeEventBase) ExitInitializationMode() error                               { return nil }
func (n timeEventBase) Terminate() error                                            { return nil }
func (n timeEventBase) FreeInstance()                                               {}
func (n timeEventBase) GetReal(vrs []uint32) ([]float64, error) {
	return make([]float64, len(vrs)), nil
}
func (n timeEventBase) GetInteger(vrs []uint32) ([]int32, error) {
	return make([]int32, len(vrs)), nil
}
func (n timeEventBase) GetBoolean(vrs []uint32) ([]int32, error) {
	return make([]int32, len(vrs)), nil
}
func (n timeEventBase) GetString(uint32) (string, error)   { return "", nil }
func (n timeEventBase) SetReal([]uint32, []float64) error  { return nil }
func (n timeEventBase) SetInteger([]uint32, []int32) error { return nil }
func (n timeEventBase) SetBoolean([]uint32, []int32) error { return nil }
func (n timeEventBase) SetString(uint32, string) error     { return nil }
func (n timeEventBase) GetDirectionalDerivative(u, k []uint32, s []float64) ([]float64, error) {
	return make([]float64, len(u)), nil
}
func (n timeEventBase) ResetModelState() error { n.timeEventModel.x = []float64{0}; return nil }

func TestAdapterClipsToScheduledTimeEvent(t *testing.T) {
	// The model declares a time event at t=0.25 during initialization;
	// DoStep(0, 1) must stop there, run the event update, and continue to
	// t=1 within the same call.
	model := &timeEventModel{x: []float64{0}, nextEvent: 0.25}
	a := NewAdapter(timeEventBase{model}, model, DefaultConfig())

	require.NoError(t, a.Instantiate())
	require.NoError(t, a.EnterInitializationMode())
	require.NoError(t, a.ExitInitializationMode())

	result, err := a.DoStep(0, 1, false)
	require.NoError(t, err)
	require.True(t, result.EventEncountered)
	require.Equal(t, 1, model.eventUpdates)
	require.InDelta(t, 1.0, a.ig.Time(), 1e-9)
	// dx/dt = 1 from x=0: the state must have integrated across the event.
	require.InDelta(t, 1.0, a.ig.State()[0], 1e-3)
}

func TestAdapterResetDiscardsIntegratorState(t *testing.T) {
	a := newTestAdapter(t)

	_, err := a.DoStep(0, 0.2, false)
	require.NoError(t, err)
	require.NotEqual(t, 1.0, a.ig.State()[0])

	require.NoError(t, a.Reset())
	require.NoError(t, a.EnterInitializationMode())
	require.NoError(t, a.ExitInitializationMode())

	require.Equal(t, []float64{1, 0}, a.ig.State())
	require.Equal(t, 1, a.ig.Order())
}
