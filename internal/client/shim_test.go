package client

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/fmibridge/remoting/internal/core"
	"github.com/fmibridge/remoting/internal/protocol"
	"github.com/fmibridge/remoting/internal/server"
	"github.com/fmibridge/remoting/internal/transport"
	"github.com/stretchr/testify/require"
)

// fakeModel is the minimal server.Model a Shim's calls need to exercise
// GetReal/SetReal/SetupExperiment/ExitInitializationMode/DoStep without a
// real compiled "-remoted" library, mirroring tests/bridge_e2e_test.go's
// steppingModel.
type fakeModel struct {
	mu         sync.Mutex
	real       map[uint32]float64
	str        map[uint32]string
	terminated bool
}

func newFakeModel() *fakeModel {
	return &fakeModel{real: map[uint32]float64{0: 1.0}, str: map[uint32]string{}}
}

func (m *fakeModel) Instantiate() error                                          { return nil }
func (m *fakeModel) SetupExperiment(bool, float64, float64, bool, float64) error { return nil }
func (m *fakeModel) EnterInitializationMode() error                              { return nil }
func (m *fakeModel) ExitInitializationMode() error                               { return nil }
func (m *fakeModel) Terminate() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminated = true
	return nil
}
func (m *fakeModel) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.real = map[uint32]float64{0: 1.0}
	return nil
}
func (m *fakeModel) FreeInstance() {}
func (m *fakeModel) GetString(vr uint32) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.str[vr], nil
}
func (m *fakeModel) SetString(vr uint32, v string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.str[vr] = v
	return nil
}
func (m *fakeModel) SetInteger([]uint32, []int32) error                             { return nil }
func (m *fakeModel) SetBoolean([]uint32, []int32) error                             { return nil }
func (m *fakeModel) GetInteger(vrs []uint32) ([]int32, error)                        { return make([]int32, len(vrs)), nil }
func (m *fakeModel) GetBoolean(vrs []uint32) ([]int32, error)                        { return make([]int32, len(vrs)), nil }
func (m *fakeModel) SetTime(float64) error                                          { return nil }
func (m *fakeModel) SetContinuousStates([]float64) error                           { return nil }
func (m *fakeModel) GetDerivatives() ([]float64, error)                            { return nil, nil }
func (m *fakeModel) GetEventIndicators() ([]float64, error)                        { return nil, nil }
func (m *fakeModel) GetContinuousStates() ([]float64, error)                       { return nil, nil }
func (m *fakeModel) GetNominalsOfContinuousStates() ([]float64, error)             { return nil, nil }
func (m *fakeModel) CompletedIntegratorStep(bool) (bool, bool, error)              { return false, false, nil }
func (m *fakeModel) EnterEventMode() error                                         { return nil }
func (m *fakeModel) EnterContinuousTimeMode() error                                { return nil }
func (m *fakeModel) NewDiscreteStates() (server.DiscreteStatesResult, error) {
	return server.DiscreteStatesResult{}, nil
}
func (m *fakeModel) GetDirectionalDerivative(unknownVRs, knownVRs []uint32, seed []float64) ([]float64, error) {
	return make([]float64, len(unknownVRs)), nil
}

func (m *fakeModel) GetReal(vrs []uint32) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]float64, len(vrs))
	for i, vr := range vrs {
		out[i] = m.real[vr]
	}
	return out, nil
}

func (m *fakeModel) SetReal(vrs []uint32, values []float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, vr := range vrs {
		m.real[vr] = values[i]
	}
	return nil
}

func (m *fakeModel) DoStep(currentTime, step float64, noSetPrior bool) (server.StepResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.real[0] += step
	return server.StepResult{}, nil
}

// newTestShim builds a Shim in the Ready state against an in-process fake
// server, bypassing Spawn (which execs a real "-remoted" binary this test
// suite has no access to). It wires the same private fields Spawn would
// have set, against a real transport.Region pair joined in a temp dir and
// a server.Loop running the fake model in a background goroutine, giving
// GetReal/SetReal/SetupExperiment/ExitInitializationMode/DoStep real
// shared-memory coverage instead of none at all.
func newTestShim(t *testing.T) (*Shim, func()) {
	t.Helper()

	dir := t.TempDir()
	desc := core.Descriptor{
		ResourcePath: dir,
		Identifier:   "fake",
		ModuleDir:    dir,
		NReals:       1,
		RealVRs:      []uint32{0},
	}

	s := New(desc, Options{BackingDir: dir})

	layout := transport.ComputeLayout(desc.NReals, desc.NIntegers, desc.NBooleans)
	clientRegion, err := transport.Create(dir, s.key.MemoryName(), layout)
	require.NoError(t, err)
	clientRegion.SetRealVR(0, 0)

	serverRegion, err := transport.Join(dir, s.key.MemoryName(), layout)
	require.NoError(t, err)

	alwaysAlive := func() bool { return true }
	loop := server.New(serverRegion, alwaysAlive, newFakeModel(), desc.NReals, desc.NIntegers, desc.NBooleans, nil)
	serverDone := make(chan error, 1)
	go func() { serverDone <- loop.Run(context.Background()) }()

	s.region = clientRegion
	s.channel = transport.NewClientChannel(clientRegion, alwaysAlive)
	s.logRdr = protocol.NewLogReader(clientRegion.LogChannel())
	s.reals = protocol.NewVariableTable[protocol.Real](desc.RealVRs)
	s.integers = protocol.NewVariableTable[protocol.Integer](desc.IntegerVRs)
	s.booleans = protocol.NewVariableTable[protocol.Boolean](desc.BooleanVRs)
	s.state = core.ShimReady
	s.instance.ShimState = s.state

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	status, err := s.channel.Call(ctx, protocol.OpInstantiate)
	cancel()
	require.NoError(t, err)
	require.True(t, status.Ok())
	require.NoError(t, s.refreshLocked(context.Background()))

	cleanup := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = s.channel.Call(ctx, protocol.OpFreeInstance)
		require.NoError(t, <-serverDone)
		require.NoError(t, clientRegion.Free())
	}
	return s, cleanup
}

func TestShimGetSetRealRoundTrip(t *testing.T) {
	s, cleanup := newTestShim(t)
	defer cleanup()

	v, err := s.GetReal(0)
	require.NoError(t, err)
	require.Equal(t, 1.0, v)

	require.NoError(t, s.SetReal(0, 42.0))

	ctx := context.Background()
	require.NoError(t, s.ExitInitializationMode(ctx))

	v, err = s.GetReal(0)
	require.NoError(t, err)
	require.Equal(t, 42.0, v)
}

func TestShimSetupExperimentAndDoStep(t *testing.T) {
	s, cleanup := newTestShim(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, s.SetupExperiment(ctx, true, 1e-4, 0, true, 1))

	eventEncountered, err := s.DoStep(ctx, 0, 0.5, false)
	require.NoError(t, err)
	require.False(t, eventEncountered)

	v, err := s.GetReal(0)
	require.NoError(t, err)
	require.Equal(t, 1.5, v)
}

func TestShimStateSerializationNotImplemented(t *testing.T) {
	var logged []string
	dir := t.TempDir()
	s := New(core.Descriptor{ResourcePath: dir, ModuleDir: dir}, Options{
		BackingDir: dir,
		OnLogLine:  func(line string) { logged = append(logged, line) },
	})

	require.Error(t, s.GetState())
	require.Error(t, s.SerializeState())
	require.Len(t, logged, 2)
}

func TestShimGetTypesPlatformAndVersion(t *testing.T) {
	s, cleanup := newTestShim(t)
	defer cleanup()

	require.Equal(t, platformTypes, s.GetTypesPlatform())
	require.Equal(t, bridgeVersion, s.GetVersion())
}

func TestShimUnknownValueReference(t *testing.T) {
	s, cleanup := newTestShim(t)
	defer cleanup()

	_, err := s.GetReal(99)
	require.Error(t, err)
	require.Error(t, s.SetReal(99, 0))
}

func TestShimResetRestoresInitialValuesAndDropsStagedWrites(t *testing.T) {
	s, cleanup := newTestShim(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, s.SetReal(0, 42.0))
	require.NoError(t, s.ExitInitializationMode(ctx))

	// Stage a write that must NOT survive the reset.
	require.NoError(t, s.SetReal(0, 99.0))
	require.NoError(t, s.Reset(ctx))

	v, err := s.GetReal(0)
	require.NoError(t, err)
	require.Equal(t, 1.0, v)

	// The dropped staged write must not leak into the next flush.
	_, err = s.DoStep(ctx, 0, 0.5, false)
	require.NoError(t, err)
	v, err = s.GetReal(0)
	require.NoError(t, err)
	require.Equal(t, 1.5, v)
}

func TestShimTerminate(t *testing.T) {
	s, cleanup := newTestShim(t)
	defer cleanup()

	require.NoError(t, s.EnterInitializationMode(context.Background()))
	require.NoError(t, s.Terminate(context.Background()))
}

func TestShimStringRoundTrip(t *testing.T) {
	s, cleanup := newTestShim(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, s.SetString(ctx, 5, "hello bridge"))

	v, err := s.GetString(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, "hello bridge", v)

	// An oversized value is rejected locally, before anything is sent.
	big := make([]byte, 1<<16)
	require.Error(t, s.SetString(ctx, 5, string(big)))
}

func TestShimModelExchangeCalls(t *testing.T) {
	s, cleanup := newTestShim(t)
	defer cleanup()

	ctx := context.Background()
	require.NoError(t, s.SetTime(ctx, 0.5))
	require.NoError(t, s.SetContinuousStates(ctx, []float64{2.0}))

	enterEvent, terminate, err := s.CompletedIntegratorStep(ctx, false)
	require.NoError(t, err)
	require.False(t, enterEvent)
	require.False(t, terminate)

	require.NoError(t, s.EnterEventMode(ctx))
	discrete, err := s.NewDiscreteStates(ctx)
	require.NoError(t, err)
	require.False(t, discrete.NewDiscreteStatesNeeded)
	require.False(t, discrete.NextEventTimeDefined)
	require.NoError(t, s.EnterContinuousTimeMode(ctx))
}

func TestShimGetDirectionalDerivative(t *testing.T) {
	s, cleanup := newTestShim(t)
	defer cleanup()

	out, err := s.GetDirectionalDerivative(context.Background(), []uint32{0}, []uint32{0}, []float64{1})
	require.NoError(t, err)
	require.Len(t, out, 1)

	// The cache must have been refreshed after the call clobbered the
	// region's real slots.
	v, err := s.GetReal(0)
	require.NoError(t, err)
	require.Equal(t, 1.0, v)
}
