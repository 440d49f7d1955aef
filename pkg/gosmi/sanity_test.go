package gosmi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestSanityInitEnumerateReadShutdown is the Go analogue of the upstream
// rsmi_sanity smoke test: init, enumerate every device, read one scalar of
// every attribute the fixture tree supports, then shut down cleanly.
// Unsupported attributes are expected to fail with a non-nil error, not
// panic or hang, so the loop only asserts "no panic" for those.
func TestSanityInitEnumerateReadShutdown(t *testing.T) {
	resetLib(t)

	require.NoError(t, Init(0))
	defer func() { require.NoError(t, ShutDown()) }()

	n, err := NumMonitorDevices()
	require.NoError(t, err)
	require.Greater(t, n, 0)

	for i := 0; i < n; i++ {
		domain, bus, dev, fn, err := BDFGet(i)
		require.NoError(t, err)
		assert.NotPanics(t, func() { _ = (domain<<16 | bus<<8 | dev<<3 | fn) })

		_, _ = DeviceIDGet(i)
		_, _ = VendorIDGet(i)
		_, _ = SubsystemVendorIDGet(i)
		_, _ = SubsystemIDGet(i)
		_, _ = RevisionGet(i)
		_, _ = UniqueIDGet(i)
		_, _ = SerialNumberGet(i)
		_, _ = VbiosVersionGet(i)
		_, _ = ProductNameGet(i)
		_, _ = ProductNumberGet(i)
		_, _ = FirmwareVersionGet(i)

		_, _ = TemperatureGet(i, 0)
		_, _ = TemperatureCriticalGet(i, 0)
		_, _ = VoltageGet(i, 0)
		_, _ = FanSpeedGet(i, 0)
		_, _ = FanSpeedMaxGet(i, 0)
		_, _ = FanRPMGet(i, 0)

		_, _ = PowerCapGet(i)
		_, _ = PowerAverageGet(i)
		_, _ = PowerInstantGet(i)

		_, _ = PerfLevelGet(i)
		_, _ = OverdriveLevelGet(i)

		_, _ = ClockFreqGet(i, ClockSys)
		_, _ = ClockFreqGet(i, ClockMem)

		_, _ = MemoryTotalGet(i, MemoryVRAM)
		_, _ = MemoryUsageGet(i, MemoryVRAM)

		_, _ = EccCountGet(i)
		_, _ = RasFeaturesGet(i)
		_, _ = GpuMetricsGet(i)

		_, _ = ComputePartitionGet(i)
		_, _ = MemoryPartitionGet(i)

		_, _ = NumaNodeGet(i)
		_, _ = XgmiErrorStatusGet(i)
		_, _ = XgmiHiveIDGet(i)
		_, _ = PcieBandwidthGet(i)
		_, _ = PcieReplayCountGet(i)

		it, err := FunctionsIterator(i)
		require.NoError(t, err)

		for it.Next() == nil {
			name, err := it.Value()
			require.NoError(t, err)
			assert.NotEmpty(t, name)
		}
	}
}
