package eventpump

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocmtools/gosmi/pkg/gosmi/status"
)

// encodeRecord builds one raw (reserved uint32, event-type uint32, message)
// record exactly as readRecords expects to decode it.
func encodeRecord(t *testing.T, typ EventType, message string) []byte {
	t.Helper()
	require.LessOrEqual(t, len(message), maxMessageLen)

	buf := make([]byte, recordSize)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(typ))
	copy(buf[8:], message)

	return buf
}

// newOpener returns an openFunc backed by a real regular file under a fresh
// temp dir, one of the few kernel objects always poll-ready for read
// without needing a live device node.
func newOpener(t *testing.T, contents []byte) func(int) (*os.File, error) {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "event-node")
	require.NoError(t, os.WriteFile(path, contents, 0o644))

	return func(int) (*os.File, error) {
		return os.OpenFile(path, os.O_RDWR, 0o644)
	}
}

func TestInitIsIdempotent(t *testing.T) {
	p := New(newOpener(t, nil))

	require.NoError(t, p.Init(0))
	require.NoError(t, p.Init(0))

	assert.Len(t, p.devices, 1)
}

func TestSetMaskRequiresInit(t *testing.T) {
	p := New(newOpener(t, nil))

	err := p.SetMask(0, 0xF)
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrInitError))
}

func TestSetMaskWritesLittleEndianBitmask(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "event-node")
	require.NoError(t, os.WriteFile(path, make([]byte, 8), 0o644))

	p := New(func(int) (*os.File, error) { return os.OpenFile(path, os.O_RDWR, 0o644) })
	require.NoError(t, p.Init(0))
	require.NoError(t, p.SetMask(0, 0x0102030405060708))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x0102030405060708), binary.LittleEndian.Uint64(raw))
}

func TestGetNoDevicesInitialized(t *testing.T) {
	p := New(newOpener(t, nil))

	_, err := p.Get(10*time.Millisecond, 8)
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrNoData))
}

func TestGetTimesOutWithNoRecords(t *testing.T) {
	p := New(newOpener(t, nil))
	require.NoError(t, p.Init(0))

	_, err := p.Get(10*time.Millisecond, 8)
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrNoData))
}

func TestGetDrainsAvailableRecord(t *testing.T) {
	rec := encodeRecord(t, EventThermalThrottle, "hotspot 105C")

	p := New(newOpener(t, rec))
	require.NoError(t, p.Init(3))

	records, err := p.Get(50*time.Millisecond, 8)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 3, records[0].DeviceIndex)
	assert.Equal(t, EventThermalThrottle, records[0].Type)
	assert.Equal(t, "hotspot 105C", records[0].Message)
}

func TestGetReportsInsufficientSizeWhenMoreRecordsThanCap(t *testing.T) {
	rec1 := encodeRecord(t, EventVMFault, "vm fault 1")
	rec2 := encodeRecord(t, EventPreReset, "pre-reset")

	contents := append(append([]byte{}, rec1...), rec2...)

	p := New(newOpener(t, contents))
	require.NoError(t, p.Init(0))

	records, err := p.Get(50*time.Millisecond, 1)
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrInsufficientSize))
	assert.Len(t, records, 1)
	assert.Equal(t, EventVMFault, records[0].Type)
}

func TestStopRemovesDevice(t *testing.T) {
	p := New(newOpener(t, nil))
	require.NoError(t, p.Init(0))
	require.NoError(t, p.Stop(0))

	assert.Len(t, p.devices, 0)

	_, err := p.Get(10*time.Millisecond, 8)
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrNoData))
}

func TestStopOnUnknownDeviceIsNoop(t *testing.T) {
	p := New(newOpener(t, nil))
	assert.NoError(t, p.Stop(42))
}
