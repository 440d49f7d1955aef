// Package procmutex implements the per-device cross-process mutual
// exclusion layer (spec.md §4.3): a POSIX shared-memory region per device,
// named deterministically from the device's BDF, used to detect and
// recover from stale state left by a crashed holder, backed by an
// flock(2)-based advisory lock for the actual mutual exclusion.
//
// Go has no pthread_mutex_t it can place in shared memory without cgo;
// flock(2) on a file under /dev/shm gives the same process-shared,
// kernel-arbitrated exclusion the upstream library gets from a
// PTHREAD_PROCESS_SHARED mutex, and is the substitution this repository
// makes for that primitive (see DESIGN.md).
package procmutex

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rocmtools/gosmi/pkg/gosmi/status"
)

// staleRecoveryTimeout is the timed-lock window spec.md §4.3/§5 mandates
// before a contended open is treated as a possible crash.
const staleRecoveryTimeout = 5 * time.Second

// lockPollInterval is how often a contended Lock retries flock while
// waiting out the recovery timeout.
const lockPollInterval = 20 * time.Millisecond

const (
	regionSize   = 16 // magic(4) + initialized(4) + holderPID(4) + reserved(4)
	sentinelInit = uint32(0x524d5331) // "RMS1"
)

// registry ensures one *Mutex per BDF per process, which is what makes
// same-process recursive Lock calls observable as recursion rather than
// self-deadlock against a second flock'd file description.
var (
	registryMu sync.Mutex
	registry   = map[string]*Mutex{}
)

// Mutex is a handle to one device's cross-process mutex.
type Mutex struct {
	name     string
	path     string
	failFast bool

	file *os.File
	mem  []byte

	mu    sync.Mutex // guards depth/held bookkeeping within this process
	depth int
}

// shmName derives the deterministic, collision-free shared-memory object
// name from a BDF, matching the rocm_smi_<BDF> convention of spec.md §6.
func shmName(domain, bus, device, function uint32) string {
	return fmt.Sprintf("rocm_smi_%04x_%02x_%02x.%x", domain, bus, device, function)
}

// Open returns the process-wide singleton Mutex for the given BDF,
// creating and initializing the backing shared-memory region on first
// open in this process. failFast selects whether contended acquisitions
// return status.ErrBusy immediately (used by tests verifying mutual
// exclusion) rather than blocking.
func Open(domain, bus, device, function uint32, failFast bool) (*Mutex, error) {
	name := shmName(domain, bus, device, function)

	registryMu.Lock()
	defer registryMu.Unlock()

	if m, ok := registry[name]; ok {
		return m, nil
	}

	path := filepath.Join("/dev/shm", name)

	created := false

	f, err := os.OpenFile(path, os.O_RDWR, 0o666)
	if errors.Is(err, os.ErrNotExist) {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
		created = (err == nil)
	}

	if err != nil {
		// Another process raced us to create it; just open for read/write.
		f, err = os.OpenFile(path, os.O_RDWR, 0o666)
		if err != nil {
			return nil, fmt.Errorf("%w: opening %s: %s", status.ErrFileError, path, err)
		}
	}

	if created {
		if err := f.Truncate(regionSize); err != nil {
			f.Close()

			return nil, fmt.Errorf("%w: truncating %s: %s", status.ErrFileError, path, err)
		}
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, regionSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("%w: mmap %s: %s", status.ErrFileError, path, err)
	}

	m := &Mutex{name: name, path: path, failFast: failFast, file: f, mem: mem}

	if created {
		binary.LittleEndian.PutUint32(mem[0:4], sentinelInit)
		binary.LittleEndian.PutUint32(mem[4:8], 1) // initialized
		binary.LittleEndian.PutUint32(mem[8:12], uint32(os.Getpid()))
	}

	registry[name] = m

	return m, nil
}

// initialized reports whether the region's sentinel marks it as having
// completed first-opener initialization.
func (m *Mutex) initialized() bool {
	return binary.LittleEndian.Uint32(m.mem[0:4]) == sentinelInit &&
		binary.LittleEndian.Uint32(m.mem[4:8]) == 1
}

func (m *Mutex) setHolder(pid uint32) {
	binary.LittleEndian.PutUint32(m.mem[8:12], pid)
}

// Lock acquires the device mutex, recursively if this process already
// holds it. It blocks until acquired, ctx is done, or (under the
// stale-recovery timeout) it gives up and returns status.ErrBusy —
// never forcibly stealing a lock a live process holds (spec.md §4.3).
func (m *Mutex) Lock(ctx context.Context) error {
	m.mu.Lock()
	if m.depth > 0 {
		m.depth++
		m.mu.Unlock()

		return nil
	}
	m.mu.Unlock()

	deadline := time.Now().Add(staleRecoveryTimeout)

	for {
		err := unix.Flock(int(m.file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}

		if !errors.Is(err, unix.EWOULDBLOCK) {
			return fmt.Errorf("%w: flock %s: %s", status.ErrFileError, m.path, err)
		}

		if m.failFast {
			return fmt.Errorf("%w: %s is held by another process", status.ErrBusy, m.path)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %s", status.ErrInterrupt, ctx.Err())
		default:
		}

		if time.Now().After(deadline) {
			return fmt.Errorf(
				"%w: %s appears to be held by a crashed process; delete /dev/shm/%s to recover",
				status.ErrBusy, m.path, m.name,
			)
		}

		time.Sleep(lockPollInterval)
	}

	if !m.initialized() {
		unix.Flock(int(m.file.Fd()), unix.LOCK_UN)

		return fmt.Errorf("%w: %s was never initialized; delete /dev/shm/%s to recover", status.ErrBusy, m.path, m.name)
	}

	m.mu.Lock()
	m.depth = 1
	m.setHolder(uint32(os.Getpid()))
	m.mu.Unlock()

	return nil
}

// TryLock attempts a single non-blocking acquisition, returning
// (false, nil) if contended rather than waiting out the recovery timeout.
func (m *Mutex) TryLock() (bool, error) {
	m.mu.Lock()
	if m.depth > 0 {
		m.depth++
		m.mu.Unlock()

		return true, nil
	}
	m.mu.Unlock()

	err := unix.Flock(int(m.file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return false, nil
		}

		return false, fmt.Errorf("%w: flock %s: %s", status.ErrFileError, m.path, err)
	}

	m.mu.Lock()
	m.depth = 1
	m.setHolder(uint32(os.Getpid()))
	m.mu.Unlock()

	return true, nil
}

// Unlock releases one level of recursion, releasing the underlying flock
// only when the outermost Lock is released.
func (m *Mutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.depth == 0 {
		return
	}

	m.depth--
	if m.depth == 0 {
		unix.Flock(int(m.file.Fd()), unix.LOCK_UN)
	}
}

// Close unmaps the region and closes the file descriptor. The
// shared-memory object is not unlinked: other live processes may still be
// using it (spec.md §4.3 shutdown rule).
func (m *Mutex) Close() error {
	registryMu.Lock()
	delete(registry, m.name)
	registryMu.Unlock()

	if err := unix.Munmap(m.mem); err != nil {
		return fmt.Errorf("%w: munmap %s: %s", status.ErrFileError, m.path, err)
	}

	return m.file.Close()
}
