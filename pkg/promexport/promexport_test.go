package promexport

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocmtools/gosmi/pkg/gosmi"
	"github.com/rocmtools/gosmi/pkg/gosmi/status"
)

func initFacade(t *testing.T) {
	t.Helper()

	gosmi.SetSysRoot("../gosmi/testdata/sys")
	gosmi.SetProcRoot("../gosmi/testdata/proc")
	gosmi.SetDevRoot(t.TempDir())

	require.NoError(t, gosmi.Init(0))
	t.Cleanup(func() { require.NoError(t, gosmi.ShutDown()) })
}

func collectAll(t *testing.T, c *Collector) []prometheus.Metric {
	t.Helper()

	ch := make(chan prometheus.Metric, 256)

	go func() {
		c.Collect(ch)
		close(ch)
	}()

	var metrics []prometheus.Metric
	for m := range ch {
		metrics = append(metrics, m)
	}

	return metrics
}

// findMetric returns the first sample matching desc, using pointer
// equality against this package's own *prometheus.Desc values.
func findMetric(metrics []prometheus.Metric, desc *prometheus.Desc) *dto.Metric {
	for _, m := range metrics {
		if m.Desc() != desc {
			continue
		}

		var pb dto.Metric

		if err := m.Write(&pb); err != nil {
			return nil
		}

		return &pb
	}

	return nil
}

func TestDescribeEmitsEveryDesc(t *testing.T) {
	c := New(nil)

	ch := make(chan *prometheus.Desc, 16)
	c.Describe(ch)
	close(ch)

	count := 0
	for range ch {
		count++
	}

	assert.Equal(t, 9, count)
}

func TestCollectEmitsDeviceInfoAndScrapeStats(t *testing.T) {
	initFacade(t)

	c := New(nil)
	metrics := collectAll(t, c)

	require.NotEmpty(t, metrics)

	info := findMetric(metrics, deviceInfoDesc)
	require.NotNil(t, info, "expected a device_info sample")
	assert.Equal(t, float64(1), info.GetGauge().GetValue())

	var sawDuration bool
	for _, m := range metrics {
		if m.Desc() == scrapeDurationDesc {
			sawDuration = true
		}
	}

	assert.True(t, sawDuration, "expected at least one scrape duration sample")
}

func TestCollectBeforeInitLogsAndEmitsNothing(t *testing.T) {
	c := New(nil)
	metrics := collectAll(t, c)

	assert.Empty(t, metrics)
}

func TestIsBenignClassifiesUnsupportedAndNoData(t *testing.T) {
	notSupported := fmt.Errorf("wrap: %w", status.ErrNotSupported)
	noData := fmt.Errorf("wrap: %w", status.ErrNoData)
	permission := fmt.Errorf("wrap: %w", status.ErrPermission)

	assert.True(t, isBenign(notSupported))
	assert.True(t, isBenign(noData))
	assert.False(t, isBenign(permission))
}
