package platform

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// DefaultBackingDir is where named shared-memory segments are created,
// mirroring POSIX shm_open's /dev/shm convention without requiring cgo to
// call shm_open itself. Overridable (internal/config) for platforms or
// test sandboxes where /dev/shm is not tmpfs-backed.
const DefaultBackingDir = "/dev/shm"

// SharedMemory is a named, memory-mapped region. The client creates it;
// the server only joins and later leaves, never
// destroying the backing file itself.
type SharedMemory struct {
	name string
	path string
	fd   int
	size int
	data []byte
}

func shmPath(dir, name string) string {
	return filepath.Join(dir, name)
}

// CreateSharedMemory creates (or truncates) and maps a size-byte region.
// Only the owning side (the client) calls this.
func CreateSharedMemory(dir, name string, size int) (*SharedMemory, error) {
	path := shmPath(dir, name)

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_TRUNC, 0o600)
	if err != nil {
		return nil, wrapErr(ErrKindSharedMemory, "create:"+name, err)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, wrapErr(ErrKindSharedMemory, "truncate:"+name, err)
	}

	return mapFd(name, path, fd, size)
}

// JoinSharedMemory opens and maps a region previously created by the
// client. The server calls this once at startup.
func JoinSharedMemory(dir, name string, size int) (*SharedMemory, error) {
	path := shmPath(dir, name)

	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, wrapErr(ErrKindSharedMemory, "join:"+name, err)
	}

	return mapFd(name, path, fd, size)
}

func mapFd(name, path string, fd, size int) (*SharedMemory, error) {
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, wrapErr(ErrKindSharedMemory, "mmap:"+name, err)
	}

	return &SharedMemory{name: name, path: path, fd: fd, size: size, data: data}, nil
}

// Bytes returns the mapped region.
func (m *SharedMemory) Bytes() []byte { return m.data }

// Name returns the session-scoped name used to derive the backing path.
func (m *SharedMemory) Name() string { return m.name }

// Unmap releases the process's mapping without removing the backing file.
// Both sides call this on their own teardown path.
func (m *SharedMemory) Unmap() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	_ = unix.Close(m.fd)
	if err != nil {
		return wrapErr(ErrKindSharedMemory, "munmap:"+m.name, err)
	}
	return nil
}

// Free unmaps and unlinks the backing file. Only the owning client calls
// this: client.Shim.Free returns a failure to its caller, while Spawn's
// error paths ignore it.
func (m *SharedMemory) Free() error {
	if err := m.Unmap(); err != nil {
		return err
	}
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return wrapErr(ErrKindSharedMemory, "unlink:"+m.name, err)
	}
	return nil
}

// Exists reports whether a named region's backing file is present,
// without mapping it.
func Exists(dir, name string) bool {
	_, err := os.Stat(shmPath(dir, name))
	return err == nil
}
