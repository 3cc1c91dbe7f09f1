package platform

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Process wraps a spawned server process: the child's *exec.Cmd plus enough
// of /proc to detect PID reuse, per original_source/remoting/process.c's
// guard against mistaking a recycled PID for the server we actually spawned.
type Process struct {
	cmd       *exec.Cmd
	pid       int
	startTime string // contents of field 22 of /proc/<pid>/stat at spawn time, Linux only
}

// CurrentPID returns this process's own PID, for the descriptor the client
// shim passes the server (its argv leads with parent_pid).
func CurrentPID() int { return os.Getpid() }

// Spawn starts argv[0] with argv[1:] and returns a handle for liveness
// polling and teardown. The child inherits stdout/stderr so server log
// lines not routed through the shared-memory log channel are still
// visible during development.
func Spawn(ctx context.Context, argv []string) (*Process, error) {
	if len(argv) == 0 {
		return nil, wrapErr(ErrKindProcessSpawn, "spawn", fmt.Errorf("empty argv"))
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, wrapErr(ErrKindProcessSpawn, argv[0], err)
	}

	p := &Process{cmd: cmd, pid: cmd.Process.Pid}
	p.startTime, _ = statStartTime(p.pid)
	return p, nil
}

// AttachParent builds a handle for the server's own parent (the client
// shim's process), used to watch the parent for liveness rather than to
// spawn or reap it.
func AttachParent(pid int) *Process {
	p := &Process{pid: pid}
	p.startTime, _ = statStartTime(pid)
	return p
}

// PID returns the process's OS process id.
func (p *Process) PID() int { return p.pid }

// IsAlive reports whether the process is still running and, where
// possible (Linux, when we recorded a start time), that it is still the
// same process rather than a PID the kernel has since recycled.
func (p *Process) IsAlive() bool {
	if p.pid <= 0 {
		return false
	}
	if err := unix.Kill(p.pid, 0); err != nil {
		return false
	}
	if p.startTime == "" {
		return true
	}
	current, err := statStartTime(p.pid)
	if err != nil {
		// /proc is gone or unreadable: fall back to the kill(pid, 0) answer.
		return true
	}
	return current == p.startTime
}

// Wait blocks until a spawned child exits. Only valid for processes
// returned by Spawn, not AttachParent.
func (p *Process) Wait() error {
	if p.cmd == nil {
		return wrapErr(ErrKindProcessSpawn, "wait", fmt.Errorf("process %d was not spawned by this side", p.pid))
	}
	return p.cmd.Wait()
}

// Close releases resources associated with a spawned process handle. It
// does not signal or wait for the child; use Wait for that.
func (p *Process) Close() error {
	return nil
}

// statStartTime reads field 22 (starttime) of /proc/<pid>/stat, which the
// kernel never reuses for a later process with the same PID within the
// lifetime of this parent. Returns "" on non-Linux or unreadable /proc.
func statStartTime(pid int) (string, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return "", err
	}
	// Fields are space separated, but field 2 (comm) is parenthesized and
	// may itself contain spaces, so split on the closing paren first.
	idx := strings.LastIndexByte(string(data), ')')
	if idx < 0 || idx+2 >= len(data) {
		return "", fmt.Errorf("unexpected /proc/%d/stat format", pid)
	}
	fields := strings.Fields(string(data[idx+2:]))
	// After splitting off "pid (comm)", field index 0 is state (field 3),
	// so starttime (field 22) is at index 22-3 = 19.
	const startTimeIndex = 19
	if startTimeIndex >= len(fields) {
		return "", fmt.Errorf("short /proc/%d/stat", pid)
	}
	if _, err := strconv.ParseUint(fields[startTimeIndex], 10, 64); err != nil {
		return "", err
	}
	return fields[startTimeIndex], nil
}

// PollInterval is how often a liveness watchdog should re-check
// process_is_alive while blocked in a timed semaphore wait.
const PollInterval = 3 * time.Second
