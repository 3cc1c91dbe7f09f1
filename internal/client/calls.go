package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/fmibridge/remoting/internal/protocol"
	"github.com/fmibridge/remoting/internal/transport"
)

// GetReal returns the cached value for a value reference, served entirely
// from local state with no round trip: the cache is kept current by
// whichever call last refreshed it (Instantiate's initial fetch, or a
// step/event call that pulls fresh values back).
func (s *Shim) GetReal(vr uint32) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.reals.Index(vr)
	if i < 0 {
		return 0, fmt.Errorf("client: unknown real value reference %d", vr)
	}
	return s.reals.Get(i), nil
}

func (s *Shim) GetInteger(vr uint32) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.integers.Index(vr)
	if i < 0 {
		return 0, fmt.Errorf("client: unknown integer value reference %d", vr)
	}
	return s.integers.Get(i), nil
}

func (s *Shim) GetBoolean(vr uint32) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.booleans.Index(vr)
	if i < 0 {
		return false, fmt.Errorf("client: unknown boolean value reference %d", vr)
	}
	return s.booleans.Get(i) != 0, nil
}

// SetReal stages a new value locally and marks it dirty; it is not sent
// to the server until the next flush-triggering call (the accumulated-diff
// convention the typed tables exist for).
func (s *Shim) SetReal(vr uint32, v float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.reals.Index(vr)
	if i < 0 {
		return fmt.Errorf("client: unknown real value reference %d", vr)
	}
	s.reals.Set(i, v)
	return nil
}

func (s *Shim) SetInteger(vr uint32, v int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.integers.Index(vr)
	if i < 0 {
		return fmt.Errorf("client: unknown integer value reference %d", vr)
	}
	s.integers.Set(i, v)
	return nil
}

func (s *Shim) SetBoolean(vr uint32, v bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.booleans.Index(vr)
	if i < 0 {
		return fmt.Errorf("client: unknown boolean value reference %d", vr)
	}
	val := int32(0)
	if v {
		val = 1
	}
	s.booleans.Set(i, val)
	return nil
}

// flushLocked writes every dirty slot into the region and issues the
// corresponding SetX opcode(s), clearing the local dirty flags on
// success. Caller must hold s.mu.
func (s *Shim) flushLocked(ctx context.Context) error {
	if idx := s.reals.DirtyIndices(); len(idx) > 0 {
		for _, i := range idx {
			s.region.SetRealValue(i, s.reals.Get(i))
			s.region.SetRealChanged(i, true)
		}
		if status, err := s.channel.Call(ctx, protocol.OpSetReal); err != nil || !status.Ok() {
			return s.callErr("SetReal", status, err, s.region.Message())
		}
		s.reals.ClearAllChanged()
	}
	if idx := s.integers.DirtyIndices(); len(idx) > 0 {
		for _, i := range idx {
			s.region.SetIntegerValue(i, s.integers.Get(i))
			s.region.SetIntegerChanged(i, true)
		}
		if status, err := s.channel.Call(ctx, protocol.OpSetInteger); err != nil || !status.Ok() {
			return s.callErr("SetInteger", status, err, s.region.Message())
		}
		s.integers.ClearAllChanged()
	}
	if idx := s.booleans.DirtyIndices(); len(idx) > 0 {
		for _, i := range idx {
			s.region.SetBooleanValue(i, s.booleans.Get(i))
			s.region.SetBooleanChanged(i, true)
		}
		if status, err := s.channel.Call(ctx, protocol.OpSetBoolean); err != nil || !status.Ok() {
			return s.callErr("SetBoolean", status, err, s.region.Message())
		}
		s.booleans.ClearAllChanged()
	}
	return nil
}

// refreshLocked re-populates every cached value from the server, used
// after calls that may have changed model state out from under the
// cache (Instantiate, ExitInitializationMode, Reset,
// GetDirectionalDerivative). Caller must hold s.mu.
func (s *Shim) refreshLocked(ctx context.Context) error {
	if s.reals.Len() > 0 {
		if status, err := s.channel.Call(ctx, protocol.OpGetReal); err != nil || !status.Ok() {
			return s.callErr("GetReal", status, err, s.region.Message())
		}
		for i := 0; i < s.reals.Len(); i++ {
			s.reals.SetClean(i, s.region.RealValue(i))
		}
	}
	if s.integers.Len() > 0 {
		if status, err := s.channel.Call(ctx, protocol.OpGetInteger); err != nil || !status.Ok() {
			return s.callErr("GetInteger", status, err, s.region.Message())
		}
		for i := 0; i < s.integers.Len(); i++ {
			s.integers.SetClean(i, s.region.IntegerValue(i))
		}
	}
	if s.booleans.Len() > 0 {
		if status, err := s.channel.Call(ctx, protocol.OpGetBoolean); err != nil || !status.Ok() {
			return s.callErr("GetBoolean", status, err, s.region.Message())
		}
		for i := 0; i < s.booleans.Len(); i++ {
			s.booleans.SetClean(i, s.region.BooleanValue(i))
		}
	}
	return nil
}

// EnterInitializationMode forwards to the model; no arguments travel.
func (s *Shim) EnterInitializationMode(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.flushLocked(ctx); err != nil {
		return err
	}
	status, err := s.channel.Call(ctx, protocol.OpEnterInitializationMode)
	if err != nil || !status.Ok() {
		return s.callErr("EnterInitializationMode", status, err, s.region.Message())
	}
	return nil
}

// Terminate forwards to the model. The session stays up; only Free tears
// down the transport and the server process.
func (s *Shim) Terminate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, err := s.channel.Call(ctx, protocol.OpTerminate)
	s.drainLog()
	if err != nil || !status.Ok() {
		return s.callErr("Terminate", status, err, s.region.Message())
	}
	return nil
}

// Reset forwards to the model, drops any staged-but-unflushed writes, and
// refreshes the cache from the model's post-reset values.
func (s *Shim) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status, err := s.channel.Call(ctx, protocol.OpReset)
	s.drainLog()
	if err != nil || !status.Ok() {
		return s.callErr("Reset", status, err, s.region.Message())
	}
	s.reals.ClearAllChanged()
	s.integers.ClearAllChanged()
	s.booleans.ClearAllChanged()
	return s.refreshLocked(ctx)
}

// GetString round-trips to the model: strings have no typed table, so
// unlike the numeric getters they are not served from a local cache. The
// decode is bounded at the buffer end in case the server-side value
// overran its slot and lost the terminator.
func (s *Shim) GetString(ctx context.Context, vr uint32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.region.SetScratch(0, float64(vr))
	status, err := s.channel.Call(ctx, protocol.OpGetString)
	if err != nil || !status.Ok() {
		return "", s.callErr("GetString", status, err, s.region.Message())
	}

	buf := s.region.StringBuf()
	end := len(buf)
	for i, b := range buf {
		if b == 0 {
			end = i
			break
		}
	}
	return string(buf[:end]), nil
}

// SetString sends one string value immediately (no diff accumulation; the
// string buffer holds a single value at a time). Values too large for the
// buffer are rejected here, before anything is sent.
func (s *Shim) SetString(ctx context.Context, vr uint32, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := s.region.StringBuf()
	if len(value)+1 > len(buf) {
		return fmt.Errorf("client: SetString value of %d bytes exceeds the %d-byte string buffer", len(value), len(buf))
	}
	n := copy(buf, value)
	buf[n] = 0

	s.region.SetScratch(0, float64(vr))
	status, err := s.channel.Call(ctx, protocol.OpSetString)
	if err != nil || !status.Ok() {
		return s.callErr("SetString", status, err, s.region.Message())
	}
	return nil
}

// GetDirectionalDerivative seeds the real slots for the known variables,
// round-trips, and picks the requested unknowns out of the reply. The
// region's real array is clobbered by the call, so the cache is refreshed
// from the model before returning.
func (s *Shim) GetDirectionalDerivative(ctx context.Context, unknownVRs, knownVRs []uint32, seed []float64) ([]float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(knownVRs) != len(seed) {
		return nil, fmt.Errorf("client: GetDirectionalDerivative: %d known variables but %d seed values", len(knownVRs), len(seed))
	}
	if err := s.flushLocked(ctx); err != nil {
		return nil, err
	}

	for i := 0; i < s.reals.Len(); i++ {
		s.region.SetRealValue(i, 0)
	}
	for i, vr := range knownVRs {
		idx := s.reals.Index(vr)
		if idx < 0 {
			return nil, fmt.Errorf("client: unknown real value reference %d", vr)
		}
		s.region.SetRealValue(idx, seed[i])
	}

	status, err := s.channel.Call(ctx, protocol.OpGetDirectionalDerivative)
	if err != nil || !status.Ok() {
		return nil, s.callErr("GetDirectionalDerivative", status, err, s.region.Message())
	}

	out := make([]float64, len(unknownVRs))
	for i, vr := range unknownVRs {
		idx := s.reals.Index(vr)
		if idx < 0 {
			return nil, fmt.Errorf("client: unknown real value reference %d", vr)
		}
		out[i] = s.region.RealValue(idx)
	}

	if err := s.refreshLocked(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// SetupExperiment issues the fixed-arity SetupExperiment call. It does not
// flush staged writes; they stay staged until the next flushing call
// (EnterInitializationMode at the latest).
func (s *Shim) SetupExperiment(ctx context.Context, toleranceDefined bool, tolerance, startTime float64, stopTimeDefined bool, stopTime float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.region.SetScratch(0, boolToFloat(toleranceDefined))
	s.region.SetScratch(1, tolerance)
	s.region.SetScratch(2, startTime)
	s.region.SetScratch(3, boolToFloat(stopTimeDefined))
	s.region.SetScratch(4, stopTime)

	status, err := s.channel.Call(ctx, protocol.OpSetupExperiment)
	if err != nil || !status.Ok() {
		return s.callErr("SetupExperiment", status, err, s.region.Message())
	}
	return nil
}

// ExitInitializationMode flushes pending writes, calls the server, and
// refreshes the cache from the model's post-initialization state.
func (s *Shim) ExitInitializationMode(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.flushLocked(ctx); err != nil {
		return err
	}
	status, err := s.channel.Call(ctx, protocol.OpExitInitializationMode)
	if err != nil || !status.Ok() {
		return s.callErr("ExitInitializationMode", status, err, s.region.Message())
	}
	return s.refreshLocked(ctx)
}

// DoStep flushes pending writes, advances the model, drains any log
// lines the server produced while stepping, and returns whether an event
// was located partway through the requested step.
func (s *Shim) DoStep(ctx context.Context, currentTime, step float64, noSetPriorState bool) (eventEncountered bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.flushLocked(ctx); err != nil {
		return false, err
	}

	s.region.SetScratch(0, currentTime)
	s.region.SetScratch(1, step)
	s.region.SetScratch(2, boolToFloat(noSetPriorState))

	status, err := s.channel.Call(ctx, protocol.OpDoStep)
	s.drainLog()
	if err != nil || !status.Ok() {
		return false, s.callErr("DoStep", status, err, s.region.Message())
	}

	// The server re-published every variable into the region as part of
	// the step reply; absorb them without further round trips.
	for i := 0; i < s.reals.Len(); i++ {
		s.reals.SetClean(i, s.region.RealValue(i))
	}
	for i := 0; i < s.integers.Len(); i++ {
		s.integers.SetClean(i, s.region.IntegerValue(i))
	}
	for i := 0; i < s.booleans.Len(); i++ {
		s.booleans.SetClean(i, s.region.BooleanValue(i))
	}

	eventEncountered = s.region.Scratch(0) != 0
	return eventEncountered, nil
}

// notImplemented covers the optional state-serialization entry points the
// bridge does not remote: the host gets an Error and a log line, and
// nothing crosses the wire.
func (s *Shim) notImplemented(op string) error {
	if s.onLog != nil {
		s.onLog("Function " + op + " is not supported by the remoting bridge.")
	}
	return fmt.Errorf("client: %s is not implemented", op)
}

func (s *Shim) GetState() error         { return s.notImplemented("GetState") }
func (s *Shim) SetState() error         { return s.notImplemented("SetState") }
func (s *Shim) FreeState() error        { return s.notImplemented("FreeState") }
func (s *Shim) SerializeState() error   { return s.notImplemented("SerializeState") }
func (s *Shim) DeserializeState() error { return s.notImplemented("DeserializeState") }

func (s *Shim) callErr(op string, status protocol.Status, err error, msg string) error {
	if err != nil {
		if s.metrics != nil && errors.Is(err, transport.ErrPeerDied) {
			s.metrics.RecordWatchdogTrip("client")
		}
		return fmt.Errorf("client: %s: %w", op, err)
	}
	return fmt.Errorf("client: %s returned %s: %s", op, status, msg)
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
