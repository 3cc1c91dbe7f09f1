// Package core holds the session and model-instance domain types shared
// by the client shim and the server loop, plus the session-key
// derivation.
package core

import (
	"fmt"
	"hash/crc32"
	"time"

	"github.com/google/uuid"
)

// SessionKey is the short identifier derived from a model's resource path
// and used as the prefix for every named OS object the session creates
// (<key>_client, <key>_server, <key>_memory).
type SessionKey string

// DeriveSessionKey hashes a model's resource path to an 8-character hex
// key. CRC-32 is plenty for collision avoidance across the handful of
// concurrent sessions a single host process runs, and keeps the derived
// names short enough to stay within OS limits on named semaphores and
// shared-memory segments.
func DeriveSessionKey(resourcePath string) SessionKey {
	sum := crc32.ChecksumIEEE([]byte(resourcePath))
	return SessionKey(fmt.Sprintf("%08x", sum))
}

// ClientSemName, ServerSemName and MemoryName build the three named OS
// objects a session owns from its key.
func (k SessionKey) ClientSemName() string { return string(k) + "_client" }
func (k SessionKey) ServerSemName() string { return string(k) + "_server" }
func (k SessionKey) MemoryName() string    { return string(k) + "_memory" }

// ShimState is the client shim's lifecycle.
type ShimState int

const (
	ShimNew ShimState = iota
	ShimSpawning
	ShimReady
	ShimFreeing
	ShimDead
)

func (s ShimState) String() string {
	switch s {
	case ShimNew:
		return "New"
	case ShimSpawning:
		return "Spawning"
	case ShimReady:
		return "Ready"
	case ShimFreeing:
		return "Freeing"
	case ShimDead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// ServerState is the out-of-process server's lifecycle.
type ServerState int

const (
	ServerStarted ServerState = iota
	ServerJoined
	ServerDispatching
	ServerExiting
)

func (s ServerState) String() string {
	switch s {
	case ServerStarted:
		return "Started"
	case ServerJoined:
		return "Joined"
	case ServerDispatching:
		return "DispatchLoop"
	case ServerExiting:
		return "Exiting"
	default:
		return "Unknown"
	}
}

// Descriptor is the information a client shim needs to locate, size and
// spawn a session: the module directory and identifier the binaries are
// resolved from, the variable counts pre-sized from the side-channel
// descriptor file, and the model resource path the session key is
// derived from.
type Descriptor struct {
	ResourcePath string
	Identifier   string
	ModuleDir    string

	NReals     int
	NIntegers  int
	NBooleans  int
	RealVRs    []uint32
	IntegerVRs []uint32
	BooleanVRs []uint32
}

// ModelInstance is one live session: the derived key, when it was created,
// and the last known lifecycle state of each side. Neither side persists
// this across process restarts; a dead session is gone.
type ModelInstance struct {
	Key        SessionKey
	Descriptor Descriptor
	CreatedAt  time.Time

	// InstanceID correlates this instance's log lines across the shim and
	// the server process. It is independent of Key: Key is deterministic
	// (derived from the resource path) so that a restart
	// against the same model reuses the same named OS objects, while
	// InstanceID is unique per Spawn so two runs against the same model
	// in the same log stream are never confused with each other.
	InstanceID string

	ShimState   ShimState
	ServerState ServerState
}

// NewModelInstance builds a fresh instance in the New/Started state pair.
func NewModelInstance(desc Descriptor) *ModelInstance {
	return &ModelInstance{
		Key:         DeriveSessionKey(desc.ResourcePath),
		Descriptor:  desc,
		CreatedAt:   time.Now(),
		InstanceID:  uuid.New().String(),
		ShimState:   ShimNew,
		ServerState: ServerStarted,
	}
}
