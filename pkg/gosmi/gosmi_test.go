package gosmi

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocmtools/gosmi/pkg/eventpump"
	"github.com/rocmtools/gosmi/pkg/gosmi/status"
)

// resetLib restores package state to its zero value between tests, since
// the façade's "singleton with a refcount" design (spec.md §4.9) means
// tests sharing the process must not leak a live registry or a stale event
// opener into one another.
func resetLib(t *testing.T) {
	t.Helper()

	SetSysRoot("testdata/sys")
	SetProcRoot("testdata/proc")
	SetDevRoot(t.TempDir())

	lib.mu.Lock()
	lib.eventOpenFactory = nil
	lib.refCount = 0
	lib.reg = nil
	lib.introspectReg = nil
	lib.pumps = make(map[int]*eventpump.Pump)
	lib.mu.Unlock()

	t.Cleanup(func() {
		lib.mu.Lock()
		lib.refCount = 0
		lib.reg = nil
		lib.introspectReg = nil
		lib.eventOpenFactory = nil
		lib.mu.Unlock()
	})
}

func TestInitShutDownRefCounting(t *testing.T) {
	resetLib(t)

	require.NoError(t, Init(0))

	n, err := NumMonitorDevices()
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, Init(0)) // second Init, same process: refcount 2

	require.NoError(t, ShutDown()) // back to 1, still initialized

	_, err = NumMonitorDevices()
	require.NoError(t, err)

	require.NoError(t, ShutDown()) // back to 0

	_, err = NumMonitorDevices()
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrInitError))

	err = ShutDown()
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrInitError))
}

func TestDeviceIDAndBDFGet(t *testing.T) {
	resetLib(t)

	require.NoError(t, Init(0))
	defer ShutDown() //nolint:errcheck

	id, err := DeviceIDGet(0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1234), id)

	domain, bus, dev, fn, err := BDFGet(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), domain)
	assert.Equal(t, uint32(0x9), bus)
	assert.Equal(t, uint32(0), dev)
	assert.Equal(t, uint32(0), fn)

	packed, err := PciIDGet(0)
	require.NoError(t, err)
	assert.NotZero(t, packed)
}

func TestDeviceIDGetOutOfRange(t *testing.T) {
	resetLib(t)

	require.NoError(t, Init(0))
	defer ShutDown() //nolint:errcheck

	_, err := DeviceIDGet(5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrInvalidArgs))
}

func TestFunctionSupportedAndIterator(t *testing.T) {
	resetLib(t)

	require.NoError(t, Init(0))
	defer ShutDown() //nolint:errcheck

	ok, err := FunctionSupported(0, "num_monitor_devices", "", "")
	require.NoError(t, err)
	assert.True(t, ok)

	it, err := FunctionsIterator(0)
	require.NoError(t, err)

	count := 0
	for it.Next() == nil {
		count++
	}

	assert.Greater(t, count, 0)
}

// TestEventNotificationFacadeWithFakeOpener drives EventNotificationInit,
// EventNotificationMaskSet, EventNotificationGet and EventNotificationStop
// through a fake RegisterEventOpener-installed factory backed by a real
// regular file in place of the kfd event node.
func TestEventNotificationFacadeWithFakeOpener(t *testing.T) {
	resetLib(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "fake-kfd")

	record := make([]byte, 4+4+64)
	binary.LittleEndian.PutUint32(record[4:8], uint32(eventpump.EventThermalThrottle))
	copy(record[8:], "hotspot")
	require.NoError(t, os.WriteFile(path, record, 0o644))

	RegisterEventOpener(func(int) (*eventpump.Pump, error) {
		return eventpump.New(func(int) (*os.File, error) {
			return os.OpenFile(path, os.O_RDWR, 0o644)
		}), nil
	})

	require.NoError(t, Init(0))
	defer ShutDown() //nolint:errcheck

	require.NoError(t, EventNotificationInit(0))
	require.NoError(t, EventNotificationInit(0)) // idempotent

	records, err := EventNotificationGet(50, 8)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, eventpump.EventThermalThrottle, records[0].Type)
	assert.Equal(t, "hotspot", records[0].Message)

	require.NoError(t, EventNotificationMaskSet(0, 0xF))

	mask, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(0xF), binary.LittleEndian.Uint64(mask[:8]))

	require.NoError(t, EventNotificationStop(0))

	_, err = EventNotificationGet(10, 8)
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrNoData))
}

func TestEventNotificationInitWithoutOpenerFails(t *testing.T) {
	resetLib(t)

	require.NoError(t, Init(0))
	defer ShutDown() //nolint:errcheck

	lib.mu.Lock()
	lib.eventOpenFactory = nil
	lib.mu.Unlock()

	err := EventNotificationInit(0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrInitError))
}
