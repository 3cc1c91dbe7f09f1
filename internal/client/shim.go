// Package client implements the in-process shim loaded by the simulation
// host: it spawns the out-of-process server, owns the shared-memory
// region, and serves the host's typed Get/Set calls from a local cache.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fmibridge/remoting/internal/core"
	"github.com/fmibridge/remoting/internal/metrics"
	"github.com/fmibridge/remoting/internal/platform"
	"github.com/fmibridge/remoting/internal/protocol"
	"github.com/fmibridge/remoting/internal/transport"
)

// DefaultSpawnTimeout bounds how long Spawn waits for a freshly started
// server process to join the region and answer Instantiate.
const DefaultSpawnTimeout = 15 * time.Second

// Shim is the host-facing function table: New -> Spawning -> Ready ->
// (per-call dispatch) -> Freeing -> Dead.
type Shim struct {
	mu sync.Mutex

	desc     core.Descriptor
	key      core.SessionKey
	state    core.ShimState
	instance *core.ModelInstance
	region   *transport.Region
	channel  *transport.ClientChannel
	process  *platform.Process
	logRdr   *protocol.LogReader

	reals    *protocol.VariableTable[protocol.Real]
	integers *protocol.VariableTable[protocol.Integer]
	booleans *protocol.VariableTable[protocol.Boolean]

	metrics       *metrics.Metrics
	onLog         func(line string)
	backing       string
	remotedSuffix string
	spawnTimeout  time.Duration
	poll          time.Duration
}

// Options configures a new Shim.
type Options struct {
	BackingDir   string
	SpawnTimeout time.Duration
	LivenessPoll time.Duration
	OnLogLine    func(line string)
	Metrics      *metrics.Metrics

	// RemotedSuffix overrides the wrapped-library naming suffix
	// ("<identifier>-remoted.<dll|so|dylib>"). Empty keeps platform's
	// "-remoted" default; operators override it via internal/config's
	// Binaries.RemotedSuffix (FMIBRIDGE_REMOTED_SUFFIX).
	RemotedSuffix string
}

// New builds a shim in the New state. Spawn must be called before any
// other method.
func New(desc core.Descriptor, opts Options) *Shim {
	if opts.BackingDir == "" {
		opts.BackingDir = platform.DefaultBackingDir
	}
	if opts.SpawnTimeout <= 0 {
		opts.SpawnTimeout = DefaultSpawnTimeout
	}
	instance := core.NewModelInstance(desc)
	return &Shim{
		desc:          desc,
		key:           instance.Key,
		state:         core.ShimNew,
		instance:      instance,
		backing:       opts.BackingDir,
		onLog:         opts.OnLogLine,
		metrics:       opts.Metrics,
		remotedSuffix: opts.RemotedSuffix,
		spawnTimeout:  opts.SpawnTimeout,
		poll:          opts.LivenessPoll,
	}
}

// Spawn resolves the server executable and wrapped model library from the
// descriptor's module path, reads the side-channel variable table if the
// descriptor was not pre-sized, creates the shared region, populates the
// variable tables, spawns the server process, and blocks until
// Instantiate succeeds or the spawn timeout elapses.
func (s *Shim) Spawn(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != core.ShimNew {
		return fmt.Errorf("client: Spawn called in state %s", s.state)
	}
	s.state = core.ShimSpawning
	s.instance.ShimState = s.state
	slog.Info("client: spawning session", "instance_id", s.instance.InstanceID, "session_key", s.key)

	if s.desc.RealVRs == nil && s.desc.IntegerVRs == nil && s.desc.BooleanVRs == nil {
		if err := s.desc.LoadVariableTable(); err != nil {
			s.state = core.ShimDead
			return err
		}
	}

	binaries, err := platform.ResolveServerBinaries(s.desc.ModuleDir, s.desc.Identifier, s.remotedSuffix)
	if err != nil {
		s.state = core.ShimDead
		return err
	}

	layout := transport.ComputeLayout(s.desc.NReals, s.desc.NIntegers, s.desc.NBooleans)
	region, err := transport.Create(s.backing, s.key.MemoryName(), layout)
	if err != nil {
		s.state = core.ShimDead
		return err
	}
	s.region = region

	s.reals = protocol.NewVariableTable[protocol.Real](s.desc.RealVRs)
	s.integers = protocol.NewVariableTable[protocol.Integer](s.desc.IntegerVRs)
	s.booleans = protocol.NewVariableTable[protocol.Boolean](s.desc.BooleanVRs)

	for i, vr := range s.reals.Refs() {
		region.SetRealVR(i, vr)
	}
	for i, vr := range s.integers.Refs() {
		region.SetIntegerVR(i, vr)
	}
	for i, vr := range s.booleans.Refs() {
		region.SetBooleanVR(i, vr)
	}

	s.logRdr = protocol.NewLogReader(region.LogChannel())

	argv := []string{
		binaries.ServerPath,
		fmt.Sprintf("%d", platform.CurrentPID()),
		string(s.key),
		binaries.LibraryPath,
		fmt.Sprintf("%d", s.desc.NReals),
		fmt.Sprintf("%d", s.desc.NIntegers),
		fmt.Sprintf("%d", s.desc.NBooleans),
	}
	proc, err := platform.Spawn(ctx, argv)
	if err != nil {
		_ = region.Free()
		s.state = core.ShimDead
		return err
	}
	s.process = proc
	s.channel = transport.NewClientChannel(region, s.process.IsAlive)
	if s.poll > 0 {
		s.channel.SetPoll(s.poll)
	}

	spawnCtx, cancel := context.WithTimeout(ctx, s.spawnTimeout)
	defer cancel()
	if status, err := s.channel.Call(spawnCtx, protocol.OpInstantiate); err != nil || !status.Ok() {
		_ = region.Free()
		s.state = core.ShimDead
		if err != nil {
			return fmt.Errorf("client: waiting for server to come up: %w", err)
		}
		return fmt.Errorf("client: Instantiate returned %s: %s", status, region.Message())
	}

	if err := s.refreshLocked(ctx); err != nil {
		_ = region.Free()
		s.state = core.ShimDead
		return err
	}

	s.state = core.ShimReady
	s.instance.ShimState = s.state
	slog.Info("client: session ready", "instance_id", s.instance.InstanceID, "session_key", s.key)
	if s.metrics != nil {
		s.metrics.SessionsActive.Inc()
	}
	return nil
}

func (s *Shim) drainLog() {
	if s.onLog == nil || s.logRdr == nil {
		return
	}
	s.logRdr.Drain(s.onLog)
}

// platformTypes and bridgeVersion are the literal strings
// GetTypesPlatform/GetVersion answer with directly, with no RPC: neither
// depends on session state, the loaded model, or the server process being
// up at all.
const (
	platformTypes = "default"
	bridgeVersion = "2.0"
)

// GetTypesPlatform answers the host's platform-types query without a round
// trip: it is a fixed property of this bridge build, not of the session
// or the wrapped model.
func (s *Shim) GetTypesPlatform() string { return platformTypes }

// GetVersion answers the host's version query without a round trip, for
// the same reason as GetTypesPlatform.
func (s *Shim) GetVersion() string { return bridgeVersion }

// State returns the shim's current lifecycle state.
func (s *Shim) State() core.ShimState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Free tears the session down: FreeInstance, then unmap and unlink the
// region (the client owns every named OS object of the session), then
// wait for the server to exit.
func (s *Shim) Free(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != core.ShimReady {
		return nil
	}
	s.state = core.ShimFreeing
	s.instance.ShimState = s.state
	slog.Info("client: freeing session", "instance_id", s.instance.InstanceID, "session_key", s.key)

	_, _ = s.channel.Call(ctx, protocol.OpFreeInstance)
	s.drainLog()

	var firstErr error
	if err := s.region.Free(); err != nil {
		firstErr = err
	}
	if s.process != nil {
		_ = s.process.Wait()
		_ = s.process.Close()
	}

	s.state = core.ShimDead
	s.instance.ShimState = s.state
	slog.Info("client: session freed", "instance_id", s.instance.InstanceID, "session_key", s.key)
	if s.metrics != nil {
		s.metrics.SessionsActive.Dec()
	}
	return firstErr
}
