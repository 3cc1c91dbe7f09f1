package server

import (
	"context"
	"testing"
	"time"

	"github.com/fmibridge/remoting/internal/protocol"
	"github.com/fmibridge/remoting/internal/transport"
	"github.com/stretchr/testify/require"
)

// fakeModel is a minimal in-process stand-in for a wrapped model library,
// enough to drive the dispatch loop end to end without a real dynamic
// library.
type fakeModel struct {
	real map[uint32]float64
}

func newFakeModel() *fakeModel { return &fakeModel{real: map[uint32]float64{}} }

func (m *fakeModel) Instantiate() error { return nil }
func (m *fakeModel) SetupExperiment(bool, float64, float64, bool, float64) error { return nil }
func (m *fakeModel) EnterInitializationMode() error                             { return nil }
func (m *fakeModel) ExitInitializationMode() error                              { return nil }
func (m *fakeModel) Terminate() error                                           { return nil }
func (m *fakeModel) Reset() error                                               { return nil }
func (m *fakeModel) FreeInstance()                                              {}

func (m *fakeModel) GetReal(vrs []uint32) ([]float64, error) {
	out := make([]float64, len(vrs))
	for i, vr := range vrs {
		out[i] = m.real[vr]
	}
	return out, nil
}
func (m *fakeModel) GetInteger(vrs []uint32) ([]int32, error) { return make([]int32, len(vrs)), nil }
func (m *fakeModel) GetBoolean(vrs []uint32) ([]int32, error) { return make([]int32, len(vrs)), nil }
func (m *fakeModel) GetString(uint32) (string, error)         { return "", nil }

func (m *fakeModel) SetReal(vrs []uint32, values []float64) error {
	for i, vr := range vrs {
		m.real[vr] = values[i]
	}
	return nil
}
func (m *fakeModel) SetInteger([]uint32, []int32) error { return nil }
func (m *fakeModel) SetBoolean([]uint32, []int32) error { return nil }
func (m *fakeModel) SetString(uint32, string) error     { return nil }

func (m *fakeModel) DoStep(currentTime, step float64, noSetPrior bool) (StepResult, error) {
	return StepResult{}, nil
}

func (m *fakeModel) SetTime(float64) error                    { return nil }
func (m *fakeModel) SetContinuousStates([]float64) error      { return nil }
func (m *fakeModel) GetDerivatives() ([]float64, error)       { return nil, nil }
func (m *fakeModel) GetEventIndicators() ([]float64, error)   { return nil, nil }
func (m *fakeModel) GetContinuousStates() ([]float64, error)  { return nil, nil }
func (m *fakeModel) GetNominalsOfContinuousStates() ([]float64, error) { return nil, nil }
func (m *fakeModel) CompletedIntegratorStep(bool) (bool, bool, error) { return false, false, nil }
func (m *fakeModel) EnterEventMode() error                    { return nil }
func (m *fakeModel) NewDiscreteStates() (DiscreteStatesResult, error) {
	return DiscreteStatesResult{}, nil
}
func (m *fakeModel) EnterContinuousTimeMode() error { return nil }

func (m *fakeModel) GetDirectionalDerivative(unknownVRs, knownVRs []uint32, seed []float64) ([]float64, error) {
	return make([]float64, len(unknownVRs)), nil
}

func TestLoopInstantiateSetRealDoStepFreeInstance(t *testing.T) {
	dir := t.TempDir()
	layout := transport.ComputeLayout(1, 0, 0)

	clientRegion, err := transport.Create(dir, "loopsess", layout)
	require.NoError(t, err)
	clientRegion.SetRealVR(0, 42)

	serverRegion, err := transport.Join(dir, "loopsess", layout)
	require.NoError(t, err)

	alwaysAlive := func() bool { return true }
	client := transport.NewClientChannel(clientRegion, alwaysAlive)
	model := newFakeModel()
	loop := New(serverRegion, alwaysAlive, model, 1, 0, 0, nil)

	serverDone := make(chan error, 1)
	go func() { serverDone <- loop.Run(context.Background()) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	status, err := client.Call(ctx, protocol.OpInstantiate)
	require.NoError(t, err)
	require.True(t, status.Ok())

	clientRegion.SetRealValue(0, 3.5)
	clientRegion.SetRealChanged(0, true)
	status, err = client.Call(ctx, protocol.OpSetReal)
	require.NoError(t, err)
	require.True(t, status.Ok())
	require.Equal(t, 3.5, model.real[42])

	clientRegion.SetScratch(0, 0)
	clientRegion.SetScratch(1, 0.01)
	clientRegion.SetScratch(2, 0)
	status, err = client.Call(ctx, protocol.OpDoStep)
	require.NoError(t, err)
	require.True(t, status.Ok())

	status, err = client.Call(ctx, protocol.OpFreeInstance)
	require.NoError(t, err)
	require.True(t, status.Ok())

	require.NoError(t, <-serverDone)
	require.NoError(t, clientRegion.Free())
}
