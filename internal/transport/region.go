// Package transport implements the shared-memory region and the
// ping-pong request/reply channel built on top of internal/platform's
// named semaphores and shared memory.
package transport

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"unsafe"

	"github.com/fmibridge/remoting/internal/platform"
	"github.com/fmibridge/remoting/internal/protocol"
)

var order = binary.LittleEndian

var regionMagic = [4]byte{'F', 'M', 'I', 'R'}

const regionVersion = 1

// Fixed header offsets. Every field is read and written directly against
// the mmap'd byte slice with encoding/binary, so nothing here depends on
// either side's native struct layout or endianness, the whole point of
// putting two different-bitness binaries on either side of this memory.
const (
	offMagic       = 0
	offVersion     = 4
	offReserved    = 5 // 3 bytes padding, unused
	offClientSem   = 8
	offServerSem   = 12
	offStatus      = 16
	offOpcode      = 20
	offLayoutCheck = 24 // 7 x int32, see protocol.VerifyLayout
	layoutCheckLen = 7 * 4
	offMessageLen  = offLayoutCheck + layoutCheckLen
	offMessage     = offMessageLen + 4
	offLog         = offMessage + protocol.MessageBufferSize
	logRingTotal   = 4 + 8192 // cursor + ring
	offScratch     = offLog + logRingTotal
	scratchLen     = protocol.ScratchSlotBytes
	offPayload     = offScratch + scratchLen
)

// Layout is the computed section map for one session's variable counts.
type Layout struct {
	NReals, NIntegers, NBooleans int

	realVRsOff, realValuesOff, realChangedOff int
	intVRsOff, intValuesOff, intChangedOff    int
	boolVRsOff, boolValuesOff, boolChangedOff int
	stringBufOff                              int
	total                                     int
}

// ComputeLayout lays out the typed-slots payload after the fixed header,
// in the order real / integer / boolean, each as (value-refs, values,
// changed-flags), followed by a fixed string scratch buffer.
func ComputeLayout(nReals, nIntegers, nBooleans int) *Layout {
	l := &Layout{NReals: nReals, NIntegers: nIntegers, NBooleans: nBooleans}

	off := offPayload

	l.realVRsOff = off
	off += nReals * protocol.SizeValueRef
	l.realValuesOff = off
	off += nReals * protocol.SizeReal
	l.realChangedOff = off
	off += nReals

	l.intVRsOff = off
	off += nIntegers * protocol.SizeValueRef
	l.intValuesOff = off
	off += nIntegers * protocol.SizeInteger
	l.intChangedOff = off
	off += nIntegers

	l.boolVRsOff = off
	off += nBooleans * protocol.SizeValueRef
	l.boolValuesOff = off
	off += nBooleans * protocol.SizeBoolean
	l.boolChangedOff = off
	off += nBooleans

	l.stringBufOff = off
	off += protocol.StringBufferSize

	l.total = off
	return l
}

// TotalSize is the full region size to allocate, including the fixed
// header.
func (l *Layout) TotalSize() int { return l.total }

// Region is a mapped shared-memory session region plus its computed
// layout. The client creates it; the server joins it and never owns it.
type Region struct {
	shm    *platform.SharedMemory
	layout *Layout
}

// Create allocates and zero-initializes a new region, writing the magic,
// version and layout fingerprint so a joining server can validate it
// before trusting anything else.
func Create(dir, name string, layout *Layout) (*Region, error) {
	shm, err := platform.CreateSharedMemory(dir, name, layout.TotalSize())
	if err != nil {
		return nil, err
	}
	r := &Region{shm: shm, layout: layout}
	copy(r.bytes()[offMagic:offMagic+4], regionMagic[:])
	r.bytes()[offVersion] = regionVersion
	r.writeLayoutCheck(protocol.CurrentLayout())
	r.ClientSem().Reset()
	r.ServerSem().Reset()
	return r, nil
}

// Join maps an existing region and validates its header before returning
// it to the caller. The server always joins; nothing else does.
func Join(dir, name string, layout *Layout) (*Region, error) {
	shm, err := platform.JoinSharedMemory(dir, name, layout.TotalSize())
	if err != nil {
		return nil, err
	}
	r := &Region{shm: shm, layout: layout}
	if err := r.validateHeader(); err != nil {
		_ = shm.Unmap()
		return nil, err
	}
	return r, nil
}

func (r *Region) validateHeader() error {
	b := r.bytes()
	if string(b[offMagic:offMagic+4]) != string(regionMagic[:]) {
		return fmt.Errorf("transport: bad region magic")
	}
	if b[offVersion] != regionVersion {
		return fmt.Errorf("transport: region version mismatch: peer=%d local=%d", b[offVersion], regionVersion)
	}
	peer := r.readLayoutCheck()
	return protocol.CurrentLayout().Check(peer)
}

func (r *Region) bytes() []byte { return r.shm.Bytes() }

// semName derives a semaphore's diagnostic name from the region's shared-
// memory name, mirroring core.SessionKey's <key>_client/<key>_server
// convention even though these semaphores live as futex words
// inside the region rather than as separate named OS objects: the real
// client/server path names the region "<key>_memory" (core.SessionKey.
// MemoryName), so trimming that suffix and re-appending the role recovers
// exactly the name core.SessionKey.ClientSemName/ServerSemName would have
// produced, without threading the session key through every Region
// constructor call.
func (r *Region) semName(role string) string {
	base := strings.TrimSuffix(r.shm.Name(), "_memory")
	return base + "_" + role
}

// ClientSem returns the semaphore the client waits on (signaled by the
// server).
func (r *Region) ClientSem() *platform.Semaphore {
	return platform.NewSemaphore(r.semName("client"), unsafe.Pointer(&r.bytes()[offClientSem]))
}

// ServerSem returns the semaphore the server waits on (signaled by the
// client).
func (r *Region) ServerSem() *platform.Semaphore {
	return platform.NewSemaphore(r.semName("server"), unsafe.Pointer(&r.bytes()[offServerSem]))
}

func (r *Region) Status() protocol.Status {
	return protocol.Status(int32(order.Uint32(r.bytes()[offStatus : offStatus+4])))
}

func (r *Region) SetStatus(s protocol.Status) {
	order.PutUint32(r.bytes()[offStatus:offStatus+4], uint32(int32(s)))
}

func (r *Region) Opcode() protocol.Opcode {
	return protocol.Opcode(order.Uint32(r.bytes()[offOpcode : offOpcode+4]))
}

func (r *Region) SetOpcode(op protocol.Opcode) {
	order.PutUint32(r.bytes()[offOpcode:offOpcode+4], uint32(op))
}

func (r *Region) writeLayoutCheck(v protocol.VerifyLayout) {
	fields := []int32{v.Boolean, v.Integer, v.Real, v.ValueRef, v.StatusKind, v.Opcode, v.ScratchSlots}
	b := r.bytes()[offLayoutCheck : offLayoutCheck+layoutCheckLen]
	for i, f := range fields {
		order.PutUint32(b[i*4:i*4+4], uint32(f))
	}
}

func (r *Region) readLayoutCheck() protocol.VerifyLayout {
	b := r.bytes()[offLayoutCheck : offLayoutCheck+layoutCheckLen]
	read := func(i int) int32 { return int32(order.Uint32(b[i*4 : i*4+4])) }
	return protocol.VerifyLayout{
		Boolean:      read(0),
		Integer:      read(1),
		Real:         read(2),
		ValueRef:     read(3),
		StatusKind:   read(4),
		Opcode:       read(5),
		ScratchSlots: read(6),
	}
}

// Message returns the current message-buffer contents (an error string
// or diagnostic attached to the current Status).
func (r *Region) Message() string {
	n := order.Uint32(r.bytes()[offMessageLen : offMessageLen+4])
	if int(n) > protocol.MessageBufferSize {
		n = protocol.MessageBufferSize
	}
	return string(r.bytes()[offMessage : offMessage+int(n)])
}

// SetMessage writes (and truncates if necessary) a diagnostic message.
func (r *Region) SetMessage(msg string) {
	if len(msg) > protocol.MessageBufferSize {
		msg = msg[:protocol.MessageBufferSize]
	}
	order.PutUint32(r.bytes()[offMessageLen:offMessageLen+4], uint32(len(msg)))
	copy(r.bytes()[offMessage:offMessage+protocol.MessageBufferSize], msg)
}

// Scratch reads one of the five general-purpose call-argument slots:
// used for SetupExperiment's tolerance/time arguments, DoStep's
// (currentTime, stepSize, noSetFMUStatePriorToCurrentPoint), SetTime, and
// similar small fixed-arity calls that don't warrant a dedicated section.
func (r *Region) Scratch(i int) float64 {
	off := offScratch + i*protocol.SizeReal
	return math.Float64frombits(order.Uint64(r.bytes()[off : off+8]))
}

func (r *Region) SetScratch(i int, v float64) {
	off := offScratch + i*protocol.SizeReal
	order.PutUint64(r.bytes()[off:off+8], math.Float64bits(v))
}

// LogChannel returns the log-line ring used by the server to publish
// diagnostic log messages without spending a round trip on them.
func (r *Region) LogChannel() *protocol.LogChannel {
	return protocol.NewLogChannel(r.bytes()[offLog : offLog+logRingTotal])
}

// StringBuf returns the fixed scratch buffer used for GetString/SetString
// payloads, which (unlike the typed real/integer/boolean tables) have no
// natural fixed width and so get one shared, overwritten-per-call slot.
func (r *Region) StringBuf() []byte {
	return r.bytes()[r.layout.stringBufOff : r.layout.stringBufOff+protocol.StringBufferSize]
}

// --- Typed-slots accessors ---------------------------------------------
//
// Each of the three kinds (real, integer, boolean) gets its own sorted
// value-reference array, parallel value array and parallel changed-flag
// array, written directly against the mapped bytes. Both sides build their
// in-process protocol.VariableTable from the same sorted vr list, so index
// i addresses the same slot in the region on both sides without the vr
// itself crossing the wire per call (see protocol.VariableTable's doc).

func (r *Region) RealVR(i int) uint32 {
	off := r.layout.realVRsOff + i*protocol.SizeValueRef
	return order.Uint32(r.bytes()[off : off+4])
}

func (r *Region) SetRealVR(i int, vr uint32) {
	off := r.layout.realVRsOff + i*protocol.SizeValueRef
	order.PutUint32(r.bytes()[off:off+4], vr)
}

func (r *Region) RealValue(i int) float64 {
	off := r.layout.realValuesOff + i*protocol.SizeReal
	return math.Float64frombits(order.Uint64(r.bytes()[off : off+8]))
}

func (r *Region) SetRealValue(i int, v float64) {
	off := r.layout.realValuesOff + i*protocol.SizeReal
	order.PutUint64(r.bytes()[off:off+8], math.Float64bits(v))
}

func (r *Region) RealChanged(i int) bool {
	return r.bytes()[r.layout.realChangedOff+i] != 0
}

func (r *Region) SetRealChanged(i int, c bool) {
	r.bytes()[r.layout.realChangedOff+i] = boolByte(c)
}

func (r *Region) IntegerVR(i int) uint32 {
	off := r.layout.intVRsOff + i*protocol.SizeValueRef
	return order.Uint32(r.bytes()[off : off+4])
}

func (r *Region) SetIntegerVR(i int, vr uint32) {
	off := r.layout.intVRsOff + i*protocol.SizeValueRef
	order.PutUint32(r.bytes()[off:off+4], vr)
}

func (r *Region) IntegerValue(i int) int32 {
	off := r.layout.intValuesOff + i*protocol.SizeInteger
	return int32(order.Uint32(r.bytes()[off : off+4]))
}

func (r *Region) SetIntegerValue(i int, v int32) {
	off := r.layout.intValuesOff + i*protocol.SizeInteger
	order.PutUint32(r.bytes()[off:off+4], uint32(v))
}

func (r *Region) IntegerChanged(i int) bool {
	return r.bytes()[r.layout.intChangedOff+i] != 0
}

func (r *Region) SetIntegerChanged(i int, c bool) {
	r.bytes()[r.layout.intChangedOff+i] = boolByte(c)
}

func (r *Region) BooleanVR(i int) uint32 {
	off := r.layout.boolVRsOff + i*protocol.SizeValueRef
	return order.Uint32(r.bytes()[off : off+4])
}

func (r *Region) SetBooleanVR(i int, vr uint32) {
	off := r.layout.boolVRsOff + i*protocol.SizeValueRef
	order.PutUint32(r.bytes()[off:off+4], vr)
}

func (r *Region) BooleanValue(i int) int32 {
	off := r.layout.boolValuesOff + i*protocol.SizeBoolean
	return int32(order.Uint32(r.bytes()[off : off+4]))
}

func (r *Region) SetBooleanValue(i int, v int32) {
	off := r.layout.boolValuesOff + i*protocol.SizeBoolean
	order.PutUint32(r.bytes()[off:off+4], uint32(v))
}

func (r *Region) BooleanChanged(i int) bool {
	return r.bytes()[r.layout.boolChangedOff+i] != 0
}

func (r *Region) SetBooleanChanged(i int, c bool) {
	r.bytes()[r.layout.boolChangedOff+i] = boolByte(c)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// Unmap releases this process's mapping of the region.
func (r *Region) Unmap() error { return r.shm.Unmap() }

// Free unmaps and unlinks the backing file (client-only).
func (r *Region) Free() error { return r.shm.Free() }

// Layout exposes the computed section map, e.g. for tests asserting no two
// sections overlap.
func (r *Region) Layout() *Layout { return r.layout }
