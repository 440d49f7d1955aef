package sysfs

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocmtools/gosmi/pkg/catalog"
	"github.com/rocmtools/gosmi/pkg/gosmi/status"
)

func writeFixture(t *testing.T, dir, name, content string) {
	t.Helper()

	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestReadScalarU64Decimal(t *testing.T) {
	deviceDir := t.TempDir()
	writeFixture(t, deviceDir, "mem_info_vram_total", "17179869184\n")

	v, err := ReadScalarU64(deviceDir, "", catalog.DevMemTotal, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(17179869184), v)
}

func TestReadScalarU64Hex(t *testing.T) {
	deviceDir := t.TempDir()
	writeFixture(t, deviceDir, "vendor", "0x1002\n")

	v, err := ReadScalarU64(deviceDir, "", catalog.DevVendorID, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1002), v)
}

func TestReadScalarU64MissingFileIsNotSupported(t *testing.T) {
	deviceDir := t.TempDir()

	_, err := ReadScalarU64(deviceDir, "", catalog.DevMemTotal, 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrNotSupported))
}

func TestReadScalarI64AllowsNegative(t *testing.T) {
	deviceDir := t.TempDir()
	writeFixture(t, deviceDir, "numa_node", "-1\n")

	v, err := ReadScalarI64(deviceDir, "", catalog.DevNumaNode, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), v)
}

func TestReadStringLineTrims(t *testing.T) {
	deviceDir := t.TempDir()
	writeFixture(t, deviceDir, "vbios_version", "  113-D673200-104  \n")

	v, err := ReadStringLine(deviceDir, "", catalog.DevVbiosVersion, 0)
	require.NoError(t, err)
	assert.Equal(t, "113-D673200-104", v)
}

func TestReadKeyValueBlock(t *testing.T) {
	deviceDir := t.TempDir()
	writeFixture(t, deviceDir, "fw_version", "asd_fw_version: 0x00000001\nme_fw_version: 0x00000002\n")

	v, err := ReadKeyValueBlock(deviceDir, "", catalog.DevFirmwareVersion, 0)
	require.NoError(t, err)
	assert.Equal(t, "0x00000001", v["asd_fw_version"])
	assert.Equal(t, "0x00000002", v["me_fw_version"])
}

func TestReadFrequencyListCurrentMarker(t *testing.T) {
	deviceDir := t.TempDir()
	writeFixture(t, deviceDir, "pp_dpm_sclk", "0: 300Mhz\n1: 800Mhz *\n2: 1800Mhz\n")

	fl, err := ReadFrequencyList(deviceDir, "", catalog.DevGpuSClk)
	require.NoError(t, err)
	require.Len(t, fl.Entries, 3)
	assert.Equal(t, 1, fl.CurrentIndex)
	assert.Equal(t, uint64(800e6), fl.Entries[1].Hz)
}

func TestReadBlobInsufficientSize(t *testing.T) {
	deviceDir := t.TempDir()
	writeFixture(t, deviceDir, "gpu_metrics", "0123456789")

	buf := make([]byte, 4)

	_, err := ReadBlob(deviceDir, "", catalog.DevGpuMetrics, buf)
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrInsufficientSize))
}

func TestReadBlobFits(t *testing.T) {
	deviceDir := t.TempDir()
	writeFixture(t, deviceDir, "gpu_metrics", "0123456789")

	buf := make([]byte, 16)

	n, err := ReadBlob(deviceDir, "", catalog.DevGpuMetrics, buf)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, "0123456789", string(buf[:n]))
}

func TestWriteScalarRejectsReadOnly(t *testing.T) {
	deviceDir := t.TempDir()
	writeFixture(t, deviceDir, "mem_info_vram_total", "0\n")

	err := WriteScalar(deviceDir, "", catalog.DevMemTotal, 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, status.ErrInvalidArgs))
}

func TestWriteScalarWithCompanion(t *testing.T) {
	hwmonDir := t.TempDir()
	writeFixture(t, hwmonDir, "pwm1", "0\n")
	writeFixture(t, hwmonDir, "pwm1_enable", "2\n")

	err := SetFanSpeed(hwmonDir, 128)
	require.NoError(t, err)

	enable, err := os.ReadFile(filepath.Join(hwmonDir, "pwm1_enable"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(enable))

	pwm, err := os.ReadFile(filepath.Join(hwmonDir, "pwm1"))
	require.NoError(t, err)
	assert.Equal(t, "128", string(pwm))
}

func TestResetFan(t *testing.T) {
	hwmonDir := t.TempDir()
	writeFixture(t, hwmonDir, "pwm1_enable", "1\n")

	require.NoError(t, ResetFan(hwmonDir))

	enable, err := os.ReadFile(filepath.Join(hwmonDir, "pwm1_enable"))
	require.NoError(t, err)
	assert.Equal(t, "2", string(enable))
}

func TestWriteMaskEncodesSetBits(t *testing.T) {
	deviceDir := t.TempDir()
	writeFixture(t, deviceDir, "pp_dpm_sclk", "0: 300Mhz *\n1: 800Mhz\n2: 1800Mhz\n")
	writeFixture(t, deviceDir, "power_dpm_force_performance_level", "auto\n")

	err := SetClockFreqMask(deviceDir, "", catalog.DevGpuSClk, 0b101)
	require.NoError(t, err)

	got, err := os.ReadFile(filepath.Join(deviceDir, "pp_dpm_sclk"))
	require.NoError(t, err)
	assert.Equal(t, "0 2", string(got))

	lvl, err := os.ReadFile(filepath.Join(deviceDir, "power_dpm_force_performance_level"))
	require.NoError(t, err)
	assert.Equal(t, "manual", string(lvl))
}
