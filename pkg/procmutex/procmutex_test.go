package procmutex

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/rocmtools/gosmi/pkg/gosmi/status"
)

// testBDF returns a BDF tuple unique to the calling test, so parallel runs
// never collide on the same /dev/shm region or process-wide registry entry.
func testBDF(t *testing.T) (uint32, uint32, uint32, uint32) {
	t.Helper()

	return 0, uint32(os.Getpid()%0xff) + 1, uint32(len(t.Name()))%32 + 1, 0
}

func cleanupShm(t *testing.T, domain, bus, device, function uint32) {
	t.Helper()

	name := shmName(domain, bus, device, function)
	t.Cleanup(func() {
		os.Remove(filepath.Join("/dev/shm", name))

		registryMu.Lock()
		delete(registry, name)
		registryMu.Unlock()
	})
}

func TestShmNameDeterministic(t *testing.T) {
	a := shmName(0, 0x43, 0x0, 0x1)
	b := shmName(0, 0x43, 0x0, 0x1)
	assert.Equal(t, a, b)
	assert.Contains(t, a, "rocm_smi_")
}

func TestOpenInitializesRegion(t *testing.T) {
	domain, bus, device, function := testBDF(t)
	cleanupShm(t, domain, bus, device, function)

	m, err := Open(domain, bus, device, function, false)
	require.NoError(t, err)
	defer m.Close()

	assert.True(t, m.initialized())
}

func TestOpenReturnsSameInstanceForSameBDF(t *testing.T) {
	domain, bus, device, function := testBDF(t)
	cleanupShm(t, domain, bus, device, function)

	a, err := Open(domain, bus, device, function, false)
	require.NoError(t, err)
	defer a.Close()

	b, err := Open(domain, bus, device, function, false)
	require.NoError(t, err)

	assert.Same(t, a, b)
}

func TestLockUnlockRecursive(t *testing.T) {
	domain, bus, device, function := testBDF(t)
	cleanupShm(t, domain, bus, device, function)

	m, err := Open(domain, bus, device, function, false)
	require.NoError(t, err)
	defer m.Close()

	ctx := context.Background()

	require.NoError(t, m.Lock(ctx))
	require.NoError(t, m.Lock(ctx)) // recursive: same process, same depth-tracked handle
	assert.Equal(t, 2, m.depth)

	m.Unlock()
	assert.Equal(t, 1, m.depth)

	m.Unlock()
	assert.Equal(t, 0, m.depth)
}

func TestTryLockSucceedsWhenFree(t *testing.T) {
	domain, bus, device, function := testBDF(t)
	cleanupShm(t, domain, bus, device, function)

	m, err := Open(domain, bus, device, function, false)
	require.NoError(t, err)
	defer m.Close()

	ok, err := m.TryLock()
	require.NoError(t, err)
	assert.True(t, ok)

	m.Unlock()
}

// TestFailFastReturnsErrBusy simulates a second holder by flock'ing the
// backing file through an independent file description (a distinct open()
// call on the same path contends with the package's flock exactly as a
// second process's fd would).
func TestFailFastReturnsErrBusy(t *testing.T) {
	domain, bus, device, function := testBDF(t)
	cleanupShm(t, domain, bus, device, function)

	m, err := Open(domain, bus, device, function, true)
	require.NoError(t, err)
	defer m.Close()

	name := shmName(domain, bus, device, function)
	path := filepath.Join("/dev/shm", name)

	rival, err := os.OpenFile(path, os.O_RDWR, 0o666)
	require.NoError(t, err)
	defer rival.Close()

	require.NoError(t, unix.Flock(int(rival.Fd()), unix.LOCK_EX|unix.LOCK_NB))
	defer unix.Flock(int(rival.Fd()), unix.LOCK_UN)

	err = m.Lock(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrBusy))
}

func TestLockRespectsContextCancellation(t *testing.T) {
	domain, bus, device, function := testBDF(t)
	cleanupShm(t, domain, bus, device, function)

	m, err := Open(domain, bus, device, function, false)
	require.NoError(t, err)
	defer m.Close()

	name := shmName(domain, bus, device, function)
	path := filepath.Join("/dev/shm", name)

	rival, err := os.OpenFile(path, os.O_RDWR, 0o666)
	require.NoError(t, err)
	defer rival.Close()

	require.NoError(t, unix.Flock(int(rival.Fd()), unix.LOCK_EX|unix.LOCK_NB))
	defer unix.Flock(int(rival.Fd()), unix.LOCK_UN)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = m.Lock(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrInterrupt))
}

func TestUnlockOnUnheldMutexIsNoop(t *testing.T) {
	domain, bus, device, function := testBDF(t)
	cleanupShm(t, domain, bus, device, function)

	m, err := Open(domain, bus, device, function, false)
	require.NoError(t, err)
	defer m.Close()

	assert.NotPanics(t, m.Unlock)
}
