package perfcounter

import (
	"errors"
	"testing"

	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocmtools/gosmi/pkg/gosmi/status"
)

func TestGroupString(t *testing.T) {
	assert.Equal(t, "XGMI_DATA_IN", GroupXGMIDataIn.String())
	assert.Equal(t, "XGMI_DATA_OUT", GroupXGMIDataOut.String())
	assert.Equal(t, "UNKNOWN", Group(99).String())
}

func newTestEngine() *Engine {
	pmus := map[Group]pmuInfo{
		GroupXGMIDataIn:  {perfType: 12, configBase: 0x60},
		GroupXGMIDataOut: {perfType: 12, configBase: 0x50},
	}
	linkCount := map[Group]int{GroupXGMIDataIn: 2, GroupXGMIDataOut: 2}

	fs, _ := procfs.NewFS("/proc")

	return NewEngine(fs, linkCount, pmus)
}

func TestGroupSupported(t *testing.T) {
	e := newTestEngine()

	assert.True(t, e.GroupSupported(GroupXGMIDataIn))
	assert.False(t, e.GroupSupported(Group(99)))
}

func TestAvailableCountersStartsAtCapacity(t *testing.T) {
	e := newTestEngine()

	n, err := e.AvailableCounters(GroupXGMIDataOut)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestAvailableCountersUnsupportedGroup(t *testing.T) {
	e := newTestEngine()

	_, err := e.AvailableCounters(Group(99))
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrNotSupported))
}

func TestCreateFailureLeavesAvailabilityUnchanged(t *testing.T) {
	e := newTestEngine()
	e.paranoidChecked = true
	e.paranoidOK = false

	_, err := e.Create(Event{Group: GroupXGMIDataOut, Link: 0})
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrPermission))

	n, err := e.AvailableCounters(GroupXGMIDataOut)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "a failed open must not consume a capacity slot")
}

func TestCreateUnsupportedGroupFailsBeforeCapabilityCheck(t *testing.T) {
	e := newTestEngine()

	_, err := e.Create(Event{Group: Group(99), Link: 0})
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrNotSupported))
}
