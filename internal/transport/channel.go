package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/fmibridge/remoting/internal/platform"
	"github.com/fmibridge/remoting/internal/protocol"
)

// DefaultLivenessPoll is how often a blocked side re-checks that its peer
// process is still alive, instead of waiting forever on a semaphore the
// peer will now never signal.
const DefaultLivenessPoll = platform.PollInterval

// LivenessCheck reports whether the remote side of a channel is still
// alive. Both ClientChannel and ServerChannel are handed one so they can
// recognize a peer crash mid-wait instead of hanging on a semaphore that
// will never be signaled again.
type LivenessCheck func() bool

// ErrPeerDied is returned by Call/Next when the liveness check fails
// while waiting on the peer's semaphore.
var ErrPeerDied = fmt.Errorf("transport: peer process is no longer alive")

// ClientChannel is the host-facing side of the ping-pong protocol: it
// writes a request into the region, signals the server, and blocks for
// the reply signal while periodically checking that the server process
// is still alive.
type ClientChannel struct {
	region   *Region
	liveness LivenessCheck
	poll     time.Duration
}

func NewClientChannel(region *Region, liveness LivenessCheck) *ClientChannel {
	return &ClientChannel{region: region, liveness: liveness, poll: DefaultLivenessPoll}
}

// SetPoll overrides the liveness-poll interval. Tests use this to shrink
// it well below DefaultLivenessPoll instead of waiting out the real
// 3-second production value.
func (c *ClientChannel) SetPoll(d time.Duration) { c.poll = d }

// Call clears the message buffer, writes the given opcode to the region
// (the caller has already populated whatever scratch/typed-slot arguments
// the opcode needs), signals the server, and blocks until the server
// signals back. It returns the status the server left in the region; the
// caller reads any typed-slot results itself.
func (c *ClientChannel) Call(ctx context.Context, op protocol.Opcode) (protocol.Status, error) {
	c.region.SetMessage("")
	c.region.SetOpcode(op)
	c.region.ServerSem().Signal()

	for {
		select {
		case <-ctx.Done():
			return protocol.StatusFatal, ctx.Err()
		default:
		}

		sem := c.region.ClientSem()
		switch sem.TimedWait(c.poll) {
		case platform.WaitOK:
			return c.region.Status(), nil
		case platform.WaitInterrupted:
			continue
		case platform.WaitTimeout:
			if c.liveness != nil && !c.liveness() {
				return protocol.StatusFatal, fmt.Errorf("%w: %s", ErrPeerDied, sem.Name())
			}
		}
	}
}

// ServerChannel is the model-host side: it blocks for a request signal,
// lets the dispatcher handle whatever opcode was written, then signals
// back. It periodically checks that its parent (the client's process) is
// still alive while waiting, since a dead parent will never signal again.
type ServerChannel struct {
	region   *Region
	liveness LivenessCheck
	poll     time.Duration
}

func NewServerChannel(region *Region, liveness LivenessCheck) *ServerChannel {
	return &ServerChannel{region: region, liveness: liveness, poll: DefaultLivenessPoll}
}

// SetPoll overrides the liveness-poll interval T, mirroring
// ClientChannel.SetPoll.
func (s *ServerChannel) SetPoll(d time.Duration) { s.poll = d }

// Next blocks for the next request, returning its opcode. The caller
// dispatches, writes its status/result into the region, then calls Reply.
func (s *ServerChannel) Next(ctx context.Context) (protocol.Opcode, error) {
	for {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		default:
		}

		sem := s.region.ServerSem()
		switch sem.TimedWait(s.poll) {
		case platform.WaitOK:
			return s.region.Opcode(), nil
		case platform.WaitInterrupted:
			continue
		case platform.WaitTimeout:
			if s.liveness != nil && !s.liveness() {
				return 0, fmt.Errorf("%w: %s", ErrPeerDied, sem.Name())
			}
		}
	}
}

// Reply signals the client that the current request has been handled.
// The dispatcher must have already written Status (and any typed-slot
// results) into the region.
func (s *ServerChannel) Reply() {
	s.region.ClientSem().Signal()
}
