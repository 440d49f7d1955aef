package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocmtools/gosmi/pkg/catalog"
)

func TestBDFPackedAndString(t *testing.T) {
	b := BDF{Domain: 0, Bus: 0x43, Device: 0x1, Function: 0x1}

	assert.Equal(t, uint64(0x43)<<8|uint64(1)<<3|uint64(1), b.Packed())
	assert.Equal(t, "0000:43:01.1", b.String())
}

func TestDiscoverFiltersToAMDByDefault(t *testing.T) {
	reg, err := Discover(Options{SysRoot: "testdata/sys"})
	require.NoError(t, err)
	defer reg.Close() //nolint:errcheck

	require.Equal(t, 1, reg.Count())

	dev, err := reg.Device(0)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x3), dev.BDF.Bus)
	assert.Equal(t, 0, dev.CardNum)
	assert.NotEmpty(t, dev.HwmonDir)
	assert.True(t, dev.Support[catalog.DevTempInput])
}

func TestDiscoverAllGPUsIncludesNonAMD(t *testing.T) {
	reg, err := Discover(Options{SysRoot: "testdata/sys", AllGPUs: true})
	require.NoError(t, err)
	defer reg.Close() //nolint:errcheck

	// card0 (AMD) and card1 (non-AMD) both resolve; card2's dangling
	// device symlink still gets skipped regardless of AllGPUs.
	assert.Equal(t, 2, reg.Count())
}

func TestDiscoverAssignsDenseAscendingIndices(t *testing.T) {
	reg, err := Discover(Options{SysRoot: "testdata/sys", AllGPUs: true})
	require.NoError(t, err)
	defer reg.Close() //nolint:errcheck

	for i := 0; i < reg.Count(); i++ {
		dev, err := reg.Device(i)
		require.NoError(t, err)
		assert.Equal(t, i, dev.Index)
	}
}

func TestDeviceOutOfRange(t *testing.T) {
	reg, err := Discover(Options{SysRoot: "testdata/sys"})
	require.NoError(t, err)
	defer reg.Close() //nolint:errcheck

	_, err = reg.Device(reg.Count())
	assert.Error(t, err)
}
