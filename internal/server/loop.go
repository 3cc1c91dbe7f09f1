package server

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/fmibridge/remoting/internal/core"
	"github.com/fmibridge/remoting/internal/metrics"
	"github.com/fmibridge/remoting/internal/protocol"
	"github.com/fmibridge/remoting/internal/transport"
)

// Loop is the server-side dispatch loop: join, then repeatedly wait for a
// request, dispatch it against the loaded model, and reply (the
// Started -> Joined -> DispatchLoop -> Exiting state machine).
type Loop struct {
	region  *transport.Region
	channel *transport.ServerChannel
	model   Model

	reals    *protocol.VariableTable[protocol.Real]
	integers *protocol.VariableTable[protocol.Integer]
	booleans *protocol.VariableTable[protocol.Boolean]

	log     *protocol.LogChannel
	metrics *metrics.Metrics

	state core.ServerState
}

// New builds a server loop bound to an already-joined region and a loaded
// model. realVRs/integerVRs/booleanVRs are the sorted value-reference
// lists read out of the region once at join time (the client populates
// them before ever signaling the server).
func New(region *transport.Region, liveness transport.LivenessCheck, model Model, nReals, nIntegers, nBooleans int, m *metrics.Metrics) *Loop {
	realVRs := make([]uint32, nReals)
	for i := range realVRs {
		realVRs[i] = region.RealVR(i)
	}
	intVRs := make([]uint32, nIntegers)
	for i := range intVRs {
		intVRs[i] = region.IntegerVR(i)
	}
	boolVRs := make([]uint32, nBooleans)
	for i := range boolVRs {
		boolVRs[i] = region.BooleanVR(i)
	}

	return &Loop{
		region:   region,
		channel:  transport.NewServerChannel(region, liveness),
		model:    model,
		reals:    protocol.NewVariableTable[protocol.Real](realVRs),
		integers: protocol.NewVariableTable[protocol.Integer](intVRs),
		booleans: protocol.NewVariableTable[protocol.Boolean](boolVRs),
		log:      region.LogChannel(),
		metrics:  m,
		state:    core.ServerJoined,
	}
}

// Run blocks, dispatching opcodes, until the client frees the session or
// the context is canceled. It never returns an error for a normal
// FreeInstance-initiated shutdown.
func (l *Loop) Run(ctx context.Context) error {
	l.state = core.ServerDispatching
	for {
		op, err := l.channel.Next(ctx)
		if err != nil {
			l.state = core.ServerExiting
			if l.metrics != nil && errors.Is(err, transport.ErrPeerDied) {
				l.metrics.RecordWatchdogTrip("server")
			}
			return err
		}

		start := time.Now()
		status := l.dispatch(op)
		if l.metrics != nil {
			l.metrics.RecordRPC(op.String(), status.String(), time.Since(start).Seconds())
		}
		l.region.SetStatus(status)
		l.channel.Reply()

		if op == protocol.OpFreeInstance {
			l.state = core.ServerExiting
			return nil
		}
	}
}

func (l *Loop) logLine(line string) {
	slog.Debug("server: log channel append", "line", line)
	l.log.Append(line)
}
