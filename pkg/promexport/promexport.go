// Package promexport implements a prometheus.Collector over the gosmi
// façade's discovered devices. It never starts an HTTP server: callers
// register Collector with their own prometheus.Registry and serve
// /metrics themselves.
//
// Adapted from the teacher's pkg/collector/collector.go CEEMSCollector
// (the per-call scrape-duration/scrape-success metric pair and the
// Describe/Collect shape) and pkg/collector/hwmon.go (one prometheus.Desc
// per attribute, labeled by device index; only device_info also carries the
// BDF, as pci_id).
package promexport

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rocmtools/gosmi/pkg/gosmi"
	"github.com/rocmtools/gosmi/pkg/gosmi/status"
)

// Namespace is the common metric name prefix, the Go analogue of the
// teacher's ceems namespace.
const Namespace = "gosmi"

var (
	scrapeDurationDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "scrape", "call_duration_seconds"),
		"Duration of a façade call issued during a scrape.",
		[]string{"call"}, nil,
	)
	scrapeSuccessDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "scrape", "call_success"),
		"Whether a façade call succeeded during the last scrape.",
		[]string{"call"}, nil,
	)
	deviceInfoDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "device", "info"),
		"Static device identity; value is always 1.",
		[]string{"device", "pci_id"}, nil,
	)
	tempDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "device", "temperature_celsius"),
		"Sensor temperature.",
		[]string{"device", "sensor"}, nil,
	)
	powerDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "device", "power_average_watts"),
		"Average socket power.",
		[]string{"device"}, nil,
	)
	fanDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "device", "fan_rpm"),
		"Fan speed.",
		[]string{"device", "sensor"}, nil,
	)
	memUsedDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "device", "memory_used_bytes"),
		"Used bytes of a memory pool.",
		[]string{"device", "pool"}, nil,
	)
	memTotalDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "device", "memory_total_bytes"),
		"Total bytes of a memory pool.",
		[]string{"device", "pool"}, nil,
	)
	xgmiErrorDesc = prometheus.NewDesc(
		prometheus.BuildFQName(Namespace, "device", "xgmi_error_status"),
		"Current XGMI error-status value.",
		[]string{"device"}, nil,
	)
)

// memoryPools enumerates the memory kinds probed on every scrape.
var memoryPools = []struct {
	name string
	kind gosmi.MemoryKind
}{
	{"vram", gosmi.MemoryVRAM},
	{"vis_vram", gosmi.MemoryVisVRAM},
	{"gtt", gosmi.MemoryGTT},
}

// Collector implements prometheus.Collector by walking every device the
// façade discovered and issuing one accessor call per metric.
type Collector struct {
	logger *slog.Logger
}

// New constructs a Collector. Init must already have been called on the
// gosmi façade.
func New(logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}

	return &Collector{logger: logger}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- scrapeDurationDesc
	ch <- scrapeSuccessDesc
	ch <- deviceInfoDesc
	ch <- tempDesc
	ch <- powerDesc
	ch <- fanDesc
	ch <- memUsedDesc
	ch <- memTotalDesc
	ch <- xgmiErrorDesc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	n, err := gosmi.NumMonitorDevices()
	if err != nil {
		c.logger.Error("failed to read device count", "err", err)

		return
	}

	for i := 0; i < n; i++ {
		c.collectDevice(i, ch)
	}
}

func (c *Collector) collectDevice(dvInd int, ch chan<- prometheus.Metric) {
	device := deviceLabel(dvInd)

	c.call("device_id_get", ch, func() error {
		pciID, err := gosmi.PciIDGet(dvInd)
		if err != nil {
			return err
		}

		ch <- prometheus.MustNewConstMetric(deviceInfoDesc, prometheus.GaugeValue, 1, device, hexLabel(pciID))

		return nil
	})

	c.call("temperature_get", ch, func() error {
		milliC, err := gosmi.TemperatureGet(dvInd, 0)
		if err != nil {
			return err
		}

		ch <- prometheus.MustNewConstMetric(tempDesc, prometheus.GaugeValue, float64(milliC)/1000, device, "edge")

		return nil
	})

	c.call("power_average_get", ch, func() error {
		microWatts, err := gosmi.PowerAverageGet(dvInd)
		if err != nil {
			return err
		}

		ch <- prometheus.MustNewConstMetric(powerDesc, prometheus.GaugeValue, float64(microWatts)/1e6, device)

		return nil
	})

	c.call("fan_rpm_get", ch, func() error {
		rpm, err := gosmi.FanRPMGet(dvInd, 0)
		if err != nil {
			return err
		}

		ch <- prometheus.MustNewConstMetric(fanDesc, prometheus.GaugeValue, float64(rpm), device, "0")

		return nil
	})

	for _, pool := range memoryPools {
		pool := pool

		c.call("memory_usage_get:"+pool.name, ch, func() error {
			used, err := gosmi.MemoryUsageGet(dvInd, pool.kind)
			if err != nil {
				return err
			}

			total, err := gosmi.MemoryTotalGet(dvInd, pool.kind)
			if err != nil {
				return err
			}

			ch <- prometheus.MustNewConstMetric(memUsedDesc, prometheus.GaugeValue, float64(used), device, pool.name)
			ch <- prometheus.MustNewConstMetric(memTotalDesc, prometheus.GaugeValue, float64(total), device, pool.name)

			return nil
		})
	}

	c.call("xgmi_error_status_get", ch, func() error {
		v, err := gosmi.XgmiErrorStatusGet(dvInd)
		if err != nil {
			return err
		}

		ch <- prometheus.MustNewConstMetric(xgmiErrorDesc, prometheus.GaugeValue, float64(v), device)

		return nil
	})
}

// call times one façade accessor and records scrape-duration/success the
// same way the teacher's collector.go execute() does for whole
// sub-collectors, applied here per attribute instead.
func (c *Collector) call(name string, ch chan<- prometheus.Metric, fn func() error) {
	begin := time.Now()
	err := fn()
	duration := time.Since(begin)

	success := 1.0

	if err != nil {
		success = 0

		if isBenign(err) {
			c.logger.Debug("façade call returned no data", "call", name, "err", err)
		} else {
			c.logger.Warn("façade call failed", "call", name, "err", err)
		}
	}

	ch <- prometheus.MustNewConstMetric(scrapeDurationDesc, prometheus.GaugeValue, duration.Seconds(), name)
	ch <- prometheus.MustNewConstMetric(scrapeSuccessDesc, prometheus.GaugeValue, success, name)
}

// isBenign reports whether err merely reflects that an attribute is
// unsupported on this device, as opposed to a real failure.
func isBenign(err error) bool {
	return errors.Is(err, status.ErrNotSupported) || errors.Is(err, status.ErrNoData)
}

func deviceLabel(dvInd int) string {
	return strconv.Itoa(dvInd)
}

func hexLabel(v uint64) string {
	return fmt.Sprintf("0x%x", v)
}
