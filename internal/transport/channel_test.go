package transport

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/fmibridge/remoting/internal/protocol"
	"github.com/stretchr/testify/require"
)

func corrupt(t *testing.T, path string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY, 0o600)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.WriteAt([]byte{'X', 'X', 'X', 'X'}, offMagic)
	require.NoError(t, err)
}

func TestPingPongExclusivity(t *testing.T) {
	dir := t.TempDir()
	layout := ComputeLayout(2, 1, 1)

	clientRegion, err := Create(dir, "sess", layout)
	require.NoError(t, err)
	defer clientRegion.Free()

	serverRegion, err := Join(dir, "sess", layout)
	require.NoError(t, err)
	defer serverRegion.Unmap()

	alwaysAlive := func() bool { return true }
	client := NewClientChannel(clientRegion, alwaysAlive)
	server := NewServerChannel(serverRegion, alwaysAlive)

	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			op, err := server.Next(ctx)
			require.NoError(t, err)
			require.Equal(t, protocol.OpGetReal, op)
			serverRegion.SetStatus(protocol.StatusOK)
			serverRegion.SetRealValue(0, float64(i))
			server.Reply()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		status, err := client.Call(ctx, protocol.OpGetReal)
		require.NoError(t, err)
		require.Equal(t, protocol.StatusOK, status)
		require.Equal(t, float64(i), clientRegion.RealValue(0))
	}

	<-serverDone
}

// pingPongState models the channel protocol abstractly: two counting
// semaphores plus each side's position in its loop. Exhaustively searching
// every interleaving of the four transitions proves the exclusivity
// invariant (no reachable state has both semaphores positive), which the
// concrete round-trip test above can only sample.
type pingPongState struct {
	clientSem, serverSem int
	clientWaiting        bool // request sent, blocked on clientSem
	serverReplying       bool // request consumed, reply not yet signaled
}

func (s pingPongState) next() []pingPongState {
	var out []pingPongState
	if !s.clientWaiting {
		n := s
		n.serverSem++
		n.clientWaiting = true
		out = append(out, n)
	}
	if s.clientWaiting && s.clientSem > 0 {
		n := s
		n.clientSem--
		n.clientWaiting = false
		out = append(out, n)
	}
	if !s.serverReplying && s.serverSem > 0 {
		n := s
		n.serverSem--
		n.serverReplying = true
		out = append(out, n)
	}
	if s.serverReplying {
		n := s
		n.clientSem++
		n.serverReplying = false
		out = append(out, n)
	}
	return out
}

func TestPingPongExclusivityExhaustive(t *testing.T) {
	seen := map[pingPongState]bool{}
	frontier := []pingPongState{{}}
	for len(frontier) > 0 {
		var nextFrontier []pingPongState
		for _, s := range frontier {
			if seen[s] {
				continue
			}
			seen[s] = true
			require.Falsef(t, s.clientSem > 0 && s.serverSem > 0,
				"both semaphores positive in reachable state %+v", s)
			require.LessOrEqual(t, s.clientSem, 1)
			require.LessOrEqual(t, s.serverSem, 1)
			nextFrontier = append(nextFrontier, s.next()...)
		}
		frontier = nextFrontier
	}
	require.Greater(t, len(seen), 1)
}

func TestRegionLayoutNoOverlap(t *testing.T) {
	l := ComputeLayout(3, 2, 1)
	sections := []struct {
		name string
		off  int
	}{
		{"realVRs", l.realVRsOff},
		{"realValues", l.realValuesOff},
		{"realChanged", l.realChangedOff},
		{"intVRs", l.intVRsOff},
		{"intValues", l.intValuesOff},
		{"intChanged", l.intChangedOff},
		{"boolVRs", l.boolVRsOff},
		{"boolValues", l.boolValuesOff},
		{"boolChanged", l.boolChangedOff},
		{"stringBuf", l.stringBufOff},
	}
	for i := 1; i < len(sections); i++ {
		require.Lessf(t, sections[i-1].off, sections[i].off,
			"%s must precede %s", sections[i-1].name, sections[i].name)
	}
	require.Greater(t, l.TotalSize(), sections[len(sections)-1].off)
}

func TestCreateJoinBadMagicRejected(t *testing.T) {
	dir := t.TempDir()
	_, err := Create(dir, "sess2", ComputeLayout(1, 1, 1))
	require.NoError(t, err)

	// Join with the same layout as Create, but after the region's magic
	// has been overwritten: header validation must reject it.
	shmPath := dir + "/sess2"
	corrupt(t, shmPath)

	_, err = Join(dir, "sess2", ComputeLayout(1, 1, 1))
	require.Error(t, err)
}
