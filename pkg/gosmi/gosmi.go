// Package gosmi is the public API façade and lifecycle manager (C9): a
// reference-counted process-wide library handle, argument validation, and
// translation of every component error into the status taxonomy in
// pkg/gosmi/status.
//
// Grounded on the teacher's top-level wiring in pkg/collector/collector.go
// (one struct assembling every sub-collector behind a single entry point)
// and the "static/global state guarded by a lock" design note this
// specification calls for: the discovered device table and the init
// refcount are process-wide state created on the first Init and torn down
// on the last ShutDown, not ad-hoc globals scattered across files.
package gosmi

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/prometheus/procfs"

	"github.com/rocmtools/gosmi/pkg/catalog"
	"github.com/rocmtools/gosmi/pkg/eventpump"
	"github.com/rocmtools/gosmi/pkg/gosmi/status"
	"github.com/rocmtools/gosmi/pkg/gpumetrics"
	"github.com/rocmtools/gosmi/pkg/introspect"
	"github.com/rocmtools/gosmi/pkg/perfcounter"
	"github.com/rocmtools/gosmi/pkg/registry"
	"github.com/rocmtools/gosmi/pkg/sysfs"
)

// InitFlags is the bitmask accepted by Init (spec.md §4.9).
type InitFlags uint32

const (
	// AllGPUs includes non-AMD vendors in discovery.
	AllGPUs InitFlags = 1 << iota
	// FailFastMutex selects fail-fast behavior for every device mutex.
	FailFastMutex
)

// ClockDomain selects which pp_dpm_* frequency table a clock call targets.
type ClockDomain int

const (
	ClockSys ClockDomain = iota
	ClockMem
	ClockFabric
	ClockSoc
	ClockDcef
	ClockPcie
)

func (c ClockDomain) attrKind() (catalog.AttrKind, bool) {
	switch c {
	case ClockSys:
		return catalog.DevGpuSClk, true
	case ClockMem:
		return catalog.DevGpuMClk, true
	case ClockFabric:
		return catalog.DevGpuFClk, true
	case ClockSoc:
		return catalog.DevGpuSocClk, true
	case ClockDcef:
		return catalog.DevGpuDcefClk, true
	case ClockPcie:
		return catalog.DevGpuPcie, true
	default:
		return 0, false
	}
}

// MemoryKind selects which memory pool a usage/total call reports.
type MemoryKind int

const (
	MemoryVRAM MemoryKind = iota
	MemoryVisVRAM
	MemoryGTT
)

// PerfLevel is a closed enumeration of power/performance policy selectors.
type PerfLevel string

const (
	PerfLevelAuto         PerfLevel = "auto"
	PerfLevelLow          PerfLevel = "low"
	PerfLevelHigh         PerfLevel = "high"
	PerfLevelManual       PerfLevel = "manual"
	PerfLevelStableStd    PerfLevel = "profile_standard"
	PerfLevelStablePeak   PerfLevel = "profile_peak"
	PerfLevelStableMinMCK PerfLevel = "profile_min_mclk"
	PerfLevelStableMinSCK PerfLevel = "profile_min_sclk"
)

type callStats struct {
	calls uint64
	nanos uint64
}

type state struct {
	mu       sync.Mutex
	refCount int

	reg              *registry.Registry
	introspectReg    *introspect.Registry
	pumps            map[int]*eventpump.Pump
	perfEngines      map[int]*perfcounter.Engine
	durations        map[string]*callStats
	logger           *slog.Logger
	sysRoot          string
	procRoot         string
	devRoot          string
	eventOpenFactory func(deviceIndex int) (*eventpump.Pump, error)
}

var lib = &state{
	pumps:       make(map[int]*eventpump.Pump),
	perfEngines: make(map[int]*perfcounter.Engine),
	durations:   make(map[string]*callStats),
}

// SetLogger installs the *slog.Logger every component call logs through.
// Call before Init; defaults to slog.Default().
func SetLogger(logger *slog.Logger) {
	lib.mu.Lock()
	defer lib.mu.Unlock()

	lib.logger = logger
}

// SetSysRoot overrides the sysfs mount point Init's discovery walks,
// "/sys" in production, a fixture directory under test.
func SetSysRoot(root string) {
	lib.mu.Lock()
	defer lib.mu.Unlock()

	lib.sysRoot = root
}

// SetProcRoot overrides the procfs mount point the perf-counter engine's
// paranoid-sysctl check reads, "/proc" in production, a fixture directory
// under test.
func SetProcRoot(root string) {
	lib.mu.Lock()
	defer lib.mu.Unlock()

	lib.procRoot = root
}

// SetDevRoot overrides the device-node mount point the default event
// opener reads the kfd control node from, "/dev" in production, a fixture
// directory under test. Has no effect once RegisterEventOpener has
// installed a caller-supplied opener.
func SetDevRoot(root string) {
	lib.mu.Lock()
	defer lib.mu.Unlock()

	lib.devRoot = root
}

// Init increments the process-wide reference count; on transition from 0
// to 1 it runs device discovery (spec.md §4.9 init). Concurrent Init calls
// are serialized by the library lock; only the transitioning call does
// any work.
func Init(flags InitFlags) error {
	lib.mu.Lock()
	defer lib.mu.Unlock()

	if lib.refCount > 0 {
		lib.refCount++

		return nil
	}

	logger := lib.logger
	if logger == nil {
		logger = slog.Default()
	}

	reg, err := registry.Discover(registry.Options{
		SysRoot:       lib.sysRoot,
		AllGPUs:       flags&AllGPUs != 0,
		FailFastMutex: flags&FailFastMutex != 0,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("%w: %s", status.ErrInitError, err)
	}

	introReg := introspect.NewRegistry()

	for _, dev := range reg.Devices() {
		introReg.Set(dev.Index, buildFunctionTree(dev.Support))
	}

	procRoot := lib.procRoot
	if procRoot == "" {
		procRoot = "/proc"
	}

	procFS, err := procfs.NewFS(procRoot)
	if err != nil {
		return fmt.Errorf("%w: opening procfs at %s: %s", status.ErrInitError, procRoot, err)
	}

	perfEngines := make(map[int]*perfcounter.Engine)

	for _, dev := range reg.Devices() {
		pmus, linkCount, err := perfcounter.DiscoverPMUs(lib.sysRoot, dev.CardNum)
		if err != nil {
			logger.Debug("no XGMI perf-counter PMU for device", "device", dev.Index, "err", err)

			continue
		}

		perfEngines[dev.Index] = perfcounter.NewEngine(procFS, linkCount, pmus)
	}

	if lib.eventOpenFactory == nil {
		devRoot := lib.devRoot
		if devRoot == "" {
			devRoot = "/dev"
		}

		lib.eventOpenFactory = defaultEventOpener(devRoot)
	}

	lib.reg = reg
	lib.introspectReg = introReg
	lib.pumps = make(map[int]*eventpump.Pump)
	lib.perfEngines = perfEngines
	lib.refCount = 1

	return nil
}

// defaultEventOpener builds the production event-pump factory: every
// device shares the single /dev/kfd control node (spec.md §4.7's "kernel
// event character device per card... with per-process/per-device fd
// semantics" is multiplexed through one open file), so each call opens an
// independent fd against the same path.
func defaultEventOpener(devRoot string) func(deviceIndex int) (*eventpump.Pump, error) {
	return func(int) (*eventpump.Pump, error) {
		kfdPath := filepath.Join(devRoot, "kfd")

		return eventpump.New(func(int) (*os.File, error) {
			f, err := os.OpenFile(kfdPath, os.O_RDWR, 0)
			if err != nil {
				return nil, fmt.Errorf("%w: opening kfd event node %s: %s", status.ErrInitError, kfdPath, err)
			}

			return f, nil
		}), nil
	}
}

// ShutDown decrements the reference count; on transition to 0 it closes
// all device resources. Calling ShutDown more times than Init returns
// status.ErrInitError (spec.md §4.9, §8 P1).
func ShutDown() error {
	lib.mu.Lock()
	defer lib.mu.Unlock()

	if lib.refCount == 0 {
		return fmt.Errorf("%w: shut_down called without a matching init", status.ErrInitError)
	}

	lib.refCount--
	if lib.refCount > 0 {
		return nil
	}

	for idx, pump := range lib.pumps {
		_ = pump.Stop(idx)
	}

	var firstErr error
	if lib.reg != nil {
		firstErr = lib.reg.Close()
	}

	lib.reg = nil
	lib.introspectReg = nil
	lib.pumps = make(map[int]*eventpump.Pump)
	lib.perfEngines = make(map[int]*perfcounter.Engine)

	return firstErr
}

// NumMonitorDevices reports the discovered device count (spec.md §4.9).
func NumMonitorDevices() (int, error) {
	lib.mu.Lock()
	defer lib.mu.Unlock()

	if lib.reg == nil {
		return 0, fmt.Errorf("%w: library not initialized", status.ErrInitError)
	}

	return lib.reg.Count(), nil
}

// device validates dvInd and returns the registry entry, the standard
// first step of every other entry point (spec.md §4.9: "index out of
// range → invalid-args").
func device(dvInd int) (registry.Device, error) {
	lib.mu.Lock()
	reg := lib.reg
	lib.mu.Unlock()

	if reg == nil {
		return registry.Device{}, fmt.Errorf("%w: library not initialized", status.ErrInitError)
	}

	return reg.Device(dvInd)
}

// withDevice validates dvInd, acquires its cross-process mutex for the
// duration of fn, and releases it on return — the C3-then-dispatch
// sequence every data-flow in spec.md §2 describes.
func withDevice(dvInd int, fn func(dev registry.Device) error) error {
	dev, err := device(dvInd)
	if err != nil {
		return err
	}

	ctx := context.Background()

	if err := dev.Mutex.Lock(ctx); err != nil {
		return err
	}
	defer dev.Mutex.Unlock()

	return fn(dev)
}

// withDevices acquires two devices' mutexes in ascending index order, as
// spec.md §5's ordering guarantee requires for calls that take two
// devices (topology queries).
func withDevices(dvIndA, dvIndB int, fn func(a, b registry.Device) error) error {
	devA, err := device(dvIndA)
	if err != nil {
		return err
	}

	devB, err := device(dvIndB)
	if err != nil {
		return err
	}

	first, second := devA, devB
	if devB.Index < devA.Index {
		first, second = devB, devA
	}

	ctx := context.Background()

	if err := first.Mutex.Lock(ctx); err != nil {
		return err
	}
	defer first.Mutex.Unlock()

	if first.Index != second.Index {
		if err := second.Mutex.Lock(ctx); err != nil {
			return err
		}
		defer second.Mutex.Unlock()
	}

	return fn(devA, devB)
}

// instrument records the call count and total wall-clock duration of a
// façade call, the measure_api_execution_time-style instrumentation read
// back through CallStats.
func instrument(name string, fn func() error) error {
	start := timeNow()
	err := fn()
	elapsed := timeNow().Sub(start)

	lib.mu.Lock()
	st, ok := lib.durations[name]
	if !ok {
		st = &callStats{}
		lib.durations[name] = st
	}
	st.calls++
	st.nanos += uint64(elapsed.Nanoseconds())
	lib.mu.Unlock()

	return err
}

// CallStats reports {calls, total_nanos} recorded so far for a façade
// function name; only instrumented calls are counted.
func CallStats(name string) (calls uint64, totalNanos uint64) {
	lib.mu.Lock()
	defer lib.mu.Unlock()

	st, ok := lib.durations[name]
	if !ok {
		return 0, 0
	}

	return st.calls, st.nanos
}

// StatusString returns the static English description for a status code
// (spec.md §4.9 status_string).
func StatusString(s status.Status) string {
	return status.Describe(s)
}

// --- identification --------------------------------------------------

// DeviceIDGet returns the vendor-assigned device ID (spec.md §8 scenario 1).
func DeviceIDGet(dvInd int) (uint64, error) {
	var v uint64

	err := instrument("device_id_get", func() error {
		return withDevice(dvInd, func(dev registry.Device) error {
			var err error
			v, err = sysfs.ReadScalarU64(dev.DeviceDir, dev.HwmonDir, catalog.DevID, 0)

			return err
		})
	})

	return v, err
}

// PciIDGet returns the packed 64-bit BDF (spec.md §8 scenario 1).
func PciIDGet(dvInd int) (uint64, error) {
	dev, err := device(dvInd)
	if err != nil {
		return 0, err
	}

	return dev.BDF.Packed(), nil
}

// BDFGet returns the split BDF fields (original_source bdfid_read.cc
// supplement, SPEC_FULL.md §3).
func BDFGet(dvInd int) (domain, bus, dv, function uint32, err error) {
	dev, err := device(dvInd)
	if err != nil {
		return 0, 0, 0, 0, err
	}

	return dev.BDF.Domain, dev.BDF.Bus, dev.BDF.Device, dev.BDF.Function, nil
}

// VendorIDGet, SubsystemVendorIDGet, SubsystemIDGet, RevisionGet,
// UniqueIDGet read the remaining identification attributes.
func VendorIDGet(dvInd int) (uint64, error)          { return readHex(dvInd, catalog.DevVendorID) }
func SubsystemVendorIDGet(dvInd int) (uint64, error) { return readHex(dvInd, catalog.DevSubsystemVendorID) }
func SubsystemIDGet(dvInd int) (uint64, error)       { return readHex(dvInd, catalog.DevSubsystemID) }
func RevisionGet(dvInd int) (uint64, error)          { return readHex(dvInd, catalog.DevRevision) }
func UniqueIDGet(dvInd int) (uint64, error)          { return readHex(dvInd, catalog.DevUniqueID) }

func readHex(dvInd int, kind catalog.AttrKind) (uint64, error) {
	var v uint64

	err := withDevice(dvInd, func(dev registry.Device) error {
		var err error
		v, err = sysfs.ReadScalarU64(dev.DeviceDir, dev.HwmonDir, kind, 0)

		return err
	})

	return v, err
}

// SerialNumberGet, VbiosVersionGet, ProductNameGet, ProductNumberGet read
// string-valued identification attributes.
func SerialNumberGet(dvInd int) (string, error) { return readLine(dvInd, catalog.DevSerialNumber) }
func VbiosVersionGet(dvInd int) (string, error) { return readLine(dvInd, catalog.DevVbiosVersion) }
func ProductNameGet(dvInd int) (string, error)  { return readLine(dvInd, catalog.DevProductName) }
func ProductNumberGet(dvInd int) (string, error) { return readLine(dvInd, catalog.DevProductNumber) }

func readLine(dvInd int, kind catalog.AttrKind) (string, error) {
	var v string

	err := withDevice(dvInd, func(dev registry.Device) error {
		var err error
		v, err = sysfs.ReadStringLine(dev.DeviceDir, dev.HwmonDir, kind, 0)

		return err
	})

	return v, err
}

// FirmwareVersionGet returns the fw_version key/value block.
func FirmwareVersionGet(dvInd int) (map[string]string, error) {
	var v map[string]string

	err := withDevice(dvInd, func(dev registry.Device) error {
		var err error
		v, err = sysfs.ReadKeyValueBlock(dev.DeviceDir, dev.HwmonDir, catalog.DevFirmwareVersion, 0)

		return err
	})

	return v, err
}

// --- temperature / voltage --------------------------------------------

// TemperatureGet returns a sensor's temperature in millidegrees Celsius.
func TemperatureGet(dvInd, sensorIdx int) (int64, error) {
	var v int64

	err := instrument("temp_get", func() error {
		return withDevice(dvInd, func(dev registry.Device) error {
			var err error
			v, err = sysfs.ReadScalarI64(dev.DeviceDir, dev.HwmonDir, catalog.DevTempInput, sensorIdx)

			return err
		})
	})

	return v, err
}

// TemperatureCriticalGet returns a sensor's critical-threshold temperature.
func TemperatureCriticalGet(dvInd, sensorIdx int) (int64, error) {
	var v int64

	err := withDevice(dvInd, func(dev registry.Device) error {
		var err error
		v, err = sysfs.ReadScalarI64(dev.DeviceDir, dev.HwmonDir, catalog.DevTempCritical, sensorIdx)

		return err
	})

	return v, err
}

// VoltageGet returns a sensor's voltage in millivolts.
func VoltageGet(dvInd, sensorIdx int) (uint64, error) {
	var v uint64

	err := withDevice(dvInd, func(dev registry.Device) error {
		var err error
		v, err = sysfs.ReadScalarU64(dev.DeviceDir, dev.HwmonDir, catalog.DevVoltInput, sensorIdx)

		return err
	})

	return v, err
}

// --- fan ---------------------------------------------------------------

// FanSpeedGet returns the current PWM duty cycle (0-255).
func FanSpeedGet(dvInd, sensorIdx int) (uint64, error) {
	var v uint64

	err := withDevice(dvInd, func(dev registry.Device) error {
		var err error
		v, err = sysfs.ReadScalarU64(dev.DeviceDir, dev.HwmonDir, catalog.DevFanSpeed, sensorIdx)

		return err
	})

	return v, err
}

// FanSpeedMaxGet returns the maximum fan RPM (spec.md §8 scenario 2).
func FanSpeedMaxGet(dvInd, sensorIdx int) (uint64, error) {
	var v uint64

	err := withDevice(dvInd, func(dev registry.Device) error {
		var err error
		v, err = sysfs.ReadScalarU64(dev.DeviceDir, dev.HwmonDir, catalog.DevFanSpeedMax, sensorIdx)

		return err
	})

	return v, err
}

// FanRPMGet returns the fan's measured RPM.
func FanRPMGet(dvInd, sensorIdx int) (uint64, error) {
	var v uint64

	err := withDevice(dvInd, func(dev registry.Device) error {
		var err error
		v, err = sysfs.ReadScalarU64(dev.DeviceDir, dev.HwmonDir, catalog.DevFanRPM, sensorIdx)

		return err
	})

	return v, err
}

// FanSpeedSet sets the PWM duty cycle (spec.md §8 scenario 2).
func FanSpeedSet(dvInd, sensorIdx int, speed uint64) error {
	return instrument("fan_speed_set", func() error {
		return withDevice(dvInd, func(dev registry.Device) error {
			return sysfs.SetFanSpeed(dev.HwmonDir, speed)
		})
	})
}

// FanReset restores automatic fan control.
func FanReset(dvInd, sensorIdx int) error {
	return withDevice(dvInd, func(dev registry.Device) error {
		return sysfs.ResetFan(dev.HwmonDir)
	})
}

// --- power ---------------------------------------------------------------

// PowerCapGet returns the current power cap in microwatts.
func PowerCapGet(dvInd int) (uint64, error) { return readScalarU64Hwmon(dvInd, catalog.DevPowerCap) }

// PowerCapRangeGet returns the [min, max] settable power cap in microwatts.
func PowerCapRangeGet(dvInd int) (minCap, maxCap uint64, err error) {
	err = withDevice(dvInd, func(dev registry.Device) error {
		var e error

		minCap, e = sysfs.ReadScalarU64(dev.DeviceDir, dev.HwmonDir, catalog.DevPowerCapMin, 0)
		if e != nil {
			return e
		}

		maxCap, e = sysfs.ReadScalarU64(dev.DeviceDir, dev.HwmonDir, catalog.DevPowerCapMax, 0)

		return e
	})

	return minCap, maxCap, err
}

// PowerCapSet writes a new power cap, in microwatts.
func PowerCapSet(dvInd int, microWatts uint64) error {
	return withDevice(dvInd, func(dev registry.Device) error {
		return sysfs.WriteScalar(dev.DeviceDir, dev.HwmonDir, catalog.DevPowerCap, microWatts)
	})
}

// PowerAverageGet returns the sliding-window average socket power.
func PowerAverageGet(dvInd int) (uint64, error) { return readScalarU64Hwmon(dvInd, catalog.DevPowerAverage) }

// PowerInstantGet returns the instantaneous socket power.
func PowerInstantGet(dvInd int) (uint64, error) { return readScalarU64Hwmon(dvInd, catalog.DevPowerInstant) }

func readScalarU64Hwmon(dvInd int, kind catalog.AttrKind) (uint64, error) {
	var v uint64

	err := withDevice(dvInd, func(dev registry.Device) error {
		var err error
		v, err = sysfs.ReadScalarU64(dev.DeviceDir, dev.HwmonDir, kind, 0)

		return err
	})

	return v, err
}

// --- perf level / overdrive --------------------------------------------

// PerfLevelGet returns the current power/performance policy.
func PerfLevelGet(dvInd int) (PerfLevel, error) {
	v, err := readLine(dvInd, catalog.DevPerfLevel)

	return PerfLevel(v), err
}

// PerfLevelSet sets the power/performance policy (spec.md §8 scenario 3).
func PerfLevelSet(dvInd int, level PerfLevel) error {
	return withDevice(dvInd, func(dev registry.Device) error {
		return sysfs.WriteString(dev.DeviceDir, dev.HwmonDir, catalog.DevPerfLevel, string(level))
	})
}

// OverdriveLevelGet returns the device's parsed overdrive clock/voltage
// table.
func OverdriveLevelGet(dvInd int) (sysfs.ODClkVoltage, error) {
	var v sysfs.ODClkVoltage

	err := withDevice(dvInd, func(dev registry.Device) error {
		var err error
		v, err = sysfs.ReadODClkVoltage(dev.DeviceDir, catalog.DevOverDriveLevel)

		return err
	})

	return v, err
}

// OverdriveCurveGet is the dedicated OD curve façade call (SPEC_FULL.md
// §3 supplement, grounded on original_source/.../volt_freq_curv_read.cc).
func OverdriveCurveGet(dvInd int) (sysfs.ODClkVoltage, error) {
	var v sysfs.ODClkVoltage

	err := withDevice(dvInd, func(dev registry.Device) error {
		var err error
		v, err = sysfs.ReadODClkVoltage(dev.DeviceDir, catalog.DevOverDriveClkVoltage)

		return err
	})

	return v, err
}

// --- clocks --------------------------------------------------------------

// ClockFreqGet returns the supported frequency list for a clock domain
// (spec.md §8 scenario 3).
func ClockFreqGet(dvInd int, domain ClockDomain) (sysfs.FrequencyList, error) {
	kind, ok := domain.attrKind()
	if !ok {
		return sysfs.FrequencyList{}, fmt.Errorf("%w: unknown clock domain", status.ErrInvalidArgs)
	}

	var v sysfs.FrequencyList

	err := withDevice(dvInd, func(dev registry.Device) error {
		var err error
		v, err = sysfs.ReadFrequencyList(dev.DeviceDir, dev.HwmonDir, kind)

		return err
	})

	return v, err
}

// ClockFreqSet forces manual perf level and writes the clock-enable
// bitmask for a clock domain (spec.md §8 scenario 3).
func ClockFreqSet(dvInd int, domain ClockDomain, mask uint64) error {
	kind, ok := domain.attrKind()
	if !ok {
		return fmt.Errorf("%w: unknown clock domain", status.ErrInvalidArgs)
	}

	return withDevice(dvInd, func(dev registry.Device) error {
		return sysfs.SetClockFreqMask(dev.DeviceDir, dev.HwmonDir, kind, mask)
	})
}

// --- memory --------------------------------------------------------------

func (k MemoryKind) totalAttr() catalog.AttrKind {
	switch k {
	case MemoryVisVRAM:
		return catalog.DevMemVisVramTotal
	case MemoryGTT:
		return catalog.DevMemGttTotal
	default:
		return catalog.DevMemTotal
	}
}

func (k MemoryKind) usedAttr() catalog.AttrKind {
	switch k {
	case MemoryVisVRAM:
		return catalog.DevMemVisVramUsed
	case MemoryGTT:
		return catalog.DevMemGttUsed
	default:
		return catalog.DevMemUsed
	}
}

// MemoryTotalGet returns the total byte capacity of a memory pool.
func MemoryTotalGet(dvInd int, kind MemoryKind) (uint64, error) {
	return readScalarU64Device(dvInd, kind.totalAttr())
}

// MemoryUsageGet returns the used byte count of a memory pool.
func MemoryUsageGet(dvInd int, kind MemoryKind) (uint64, error) {
	return readScalarU64Device(dvInd, kind.usedAttr())
}

func readScalarU64Device(dvInd int, kind catalog.AttrKind) (uint64, error) {
	var v uint64

	err := withDevice(dvInd, func(dev registry.Device) error {
		var err error
		v, err = sysfs.ReadScalarU64(dev.DeviceDir, dev.HwmonDir, kind, 0)

		return err
	})

	return v, err
}

// --- ECC / RAS -------------------------------------------------------------

// EccCountGet returns the parsed ECC error counters.
func EccCountGet(dvInd int) (map[string]string, error) {
	var v map[string]string

	err := withDevice(dvInd, func(dev registry.Device) error {
		var err error
		v, err = sysfs.ReadKeyValueBlock(dev.DeviceDir, dev.HwmonDir, catalog.DevEccCount, 0)

		return err
	})

	return v, err
}

// RasFeaturesGet returns the RAS feature-support bitmask.
func RasFeaturesGet(dvInd int) (uint64, error) { return readScalarU64Device(dvInd, catalog.DevRasFeatures) }

// --- GPU metrics -----------------------------------------------------------

// GpuMetricsGet reads and decodes the binary gpu_metrics blob (spec.md §8
// scenario 4).
func GpuMetricsGet(dvInd int) (gpumetrics.Metrics, error) {
	var m gpumetrics.Metrics

	err := instrument("gpu_metrics_info_get", func() error {
		return withDevice(dvInd, func(dev registry.Device) error {
			buf := make([]byte, 4096)

			n, err := sysfs.ReadBlob(dev.DeviceDir, dev.HwmonDir, catalog.DevGpuMetrics, buf)
			if err != nil {
				return err
			}

			m, err = gpumetrics.Decode(buf[:n])

			return err
		})
	})

	return m, err
}

// --- partitions --------------------------------------------------------

// ComputePartitionGet/Set and MemoryPartitionGet/Set round-trip the
// current partition mode (spec.md §8 P8).
func ComputePartitionGet(dvInd int) (string, error) {
	return readLine(dvInd, catalog.DevComputePartitionCurrent)
}

func ComputePartitionSet(dvInd int, kind string) error {
	return withDevice(dvInd, func(dev registry.Device) error {
		return sysfs.WriteString(dev.DeviceDir, dev.HwmonDir, catalog.DevComputePartitionCurrent, kind)
	})
}

func ComputePartitionAvailableGet(dvInd int) (string, error) {
	return readLine(dvInd, catalog.DevComputePartitionAvailable)
}

func MemoryPartitionGet(dvInd int) (string, error) {
	return readLine(dvInd, catalog.DevMemoryPartitionCurrent)
}

func MemoryPartitionSet(dvInd int, kind string) error {
	return withDevice(dvInd, func(dev registry.Device) error {
		return sysfs.WriteString(dev.DeviceDir, dev.HwmonDir, catalog.DevMemoryPartitionCurrent, kind)
	})
}

func MemoryPartitionAvailableGet(dvInd int) (string, error) {
	return readLine(dvInd, catalog.DevMemoryPartitionAvailable)
}

// --- topology ------------------------------------------------------------

// NumaNodeGet returns the NUMA node the device is affined to, or -1.
func NumaNodeGet(dvInd int) (int64, error) {
	var v int64

	err := withDevice(dvInd, func(dev registry.Device) error {
		var err error
		v, err = sysfs.ReadScalarI64(dev.DeviceDir, dev.HwmonDir, catalog.DevNumaNode, 0)

		return err
	})

	return v, err
}

// TopoLinkWeightGet and TopoLinkTypeGet query the link between two
// devices, acquiring both mutexes in ascending index order (spec.md §5).
func TopoLinkWeightGet(dvIndSrc, dvIndDst int) (uint64, error) {
	var v uint64

	err := withDevices(dvIndSrc, dvIndDst, func(a, b registry.Device) error {
		var err error
		v, err = sysfs.ReadScalarU64(a.DeviceDir, a.HwmonDir, catalog.DevTopoLinkWeight, 0)

		return err
	})

	return v, err
}

func TopoLinkTypeGet(dvIndSrc, dvIndDst int) (string, error) {
	var v string

	err := withDevices(dvIndSrc, dvIndDst, func(a, b registry.Device) error {
		var err error
		v, err = sysfs.ReadStringLine(a.DeviceDir, a.HwmonDir, catalog.DevTopoLinkType, 0)

		return err
	})

	return v, err
}

// --- XGMI ------------------------------------------------------------------

// XgmiErrorStatusGet returns the current XGMI error-status value.
func XgmiErrorStatusGet(dvInd int) (uint64, error) { return readScalarU64Device(dvInd, catalog.DevXgmiErrorStatus) }

// XgmiErrorStatusReset clears the XGMI error-status register (spec.md
// §4.1/§3 supplement, original_source xgmi_read_write.cc).
func XgmiErrorStatusReset(dvInd int) error {
	return withDevice(dvInd, func(dev registry.Device) error {
		return sysfs.WriteScalar(dev.DeviceDir, dev.HwmonDir, catalog.DevXgmiErrorStatus, 1)
	})
}

// XgmiHiveIDGet returns the device's XGMI hive identifier.
func XgmiHiveIDGet(dvInd int) (uint64, error) { return readScalarU64Device(dvInd, catalog.DevXgmiHiveID) }

// --- PCIe ------------------------------------------------------------------

// PcieBandwidthGet returns the parsed pcie_bw key/value block.
func PcieBandwidthGet(dvInd int) (map[string]string, error) {
	var v map[string]string

	err := withDevice(dvInd, func(dev registry.Device) error {
		var err error
		v, err = sysfs.ReadKeyValueBlock(dev.DeviceDir, dev.HwmonDir, catalog.DevPcieBandwidth, 0)

		return err
	})

	return v, err
}

// PcieReplayCountGet returns the cumulative PCIe replay count.
func PcieReplayCountGet(dvInd int) (uint64, error) {
	return readScalarU64Device(dvInd, catalog.DevPcieReplayCount)
}

// --- perf counters -----------------------------------------------------

func perfEngine(dvInd int) (*perfcounter.Engine, registry.Device, error) {
	dev, err := device(dvInd)
	if err != nil {
		return nil, registry.Device{}, err
	}

	lib.mu.Lock()
	defer lib.mu.Unlock()

	eng, ok := lib.perfEngines[dvInd]
	if !ok {
		return nil, registry.Device{}, fmt.Errorf("%w: no perf-counter engine registered for device %d", status.ErrNotSupported, dvInd)
	}

	return eng, dev, nil
}

// RegisterPerfEngine attaches a perf-counter engine to a device index,
// replacing any engine already registered for it (Init registers one per
// device whose PMUs perfcounter.DiscoverPMUs resolves).
func RegisterPerfEngine(dvInd int, eng *perfcounter.Engine) {
	lib.mu.Lock()
	defer lib.mu.Unlock()

	lib.perfEngines[dvInd] = eng
}

// CounterGroupSupported reports whether a device exposes an event group
// (spec.md §8 scenario 5).
func CounterGroupSupported(dvInd int, group perfcounter.Group) error {
	eng, _, err := perfEngine(dvInd)
	if err != nil {
		return err
	}

	if !eng.GroupSupported(group) {
		return fmt.Errorf("%w: event group not supported", status.ErrNotSupported)
	}

	return nil
}

// CounterAvailableCountersGet returns how many more counters can be
// created for a group right now.
func CounterAvailableCountersGet(dvInd int, group perfcounter.Group) (int, error) {
	eng, _, err := perfEngine(dvInd)
	if err != nil {
		return 0, err
	}

	return eng.AvailableCounters(group)
}

// CounterCreate opens a new perf-counter handle for an event.
func CounterCreate(dvInd int, event perfcounter.Event) (*perfcounter.Handle, error) {
	eng, _, err := perfEngine(dvInd)
	if err != nil {
		return nil, err
	}

	return eng.Create(event)
}

// --- event notification -------------------------------------------------

// RegisterEventOpener installs the function used to open a device's
// kernel event file; production callers point this at the kfd event
// node, tests substitute a regular file.
func RegisterEventOpener(openFunc func(deviceIndex int) (*eventpump.Pump, error)) {
	// Pumps are created lazily per device on first EventNotificationInit,
	// using this factory, so each device owns an independent fd set.
	lib.mu.Lock()
	defer lib.mu.Unlock()

	lib.eventOpenFactory = openFunc
}

// EventNotificationInit opens the device's event fd (spec.md §4.7 init).
func EventNotificationInit(dvInd int) error {
	dev, err := device(dvInd)
	if err != nil {
		return err
	}

	lib.mu.Lock()
	factory := lib.eventOpenFactory
	_, exists := lib.pumps[dev.Index]
	lib.mu.Unlock()

	if exists {
		return nil
	}

	if factory == nil {
		return fmt.Errorf("%w: no event-pump opener registered", status.ErrInitError)
	}

	pump, err := factory(dev.Index)
	if err != nil {
		return fmt.Errorf("%w: %s", status.ErrInitError, err)
	}

	if err := pump.Init(dev.Index); err != nil {
		return err
	}

	lib.mu.Lock()
	lib.pumps[dev.Index] = pump
	lib.mu.Unlock()

	return nil
}

// EventNotificationMaskSet writes the per-device interest bitmask
// (spec.md §4.7 mask_set).
func EventNotificationMaskSet(dvInd int, mask uint64) error {
	dev, err := device(dvInd)
	if err != nil {
		return err
	}

	lib.mu.Lock()
	pump, ok := lib.pumps[dev.Index]
	lib.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: device %d has no event pump initialized", status.ErrInitError, dev.Index)
	}

	return pump.SetMask(dev.Index, mask)
}

// EventNotificationGet polls every initialized device's event fd (spec.md
// §4.7 get, §8 scenario 6).
func EventNotificationGet(timeoutMS int, bufCap int) ([]eventpump.Record, error) {
	lib.mu.Lock()
	pumps := make([]*eventpump.Pump, 0, len(lib.pumps))
	for _, p := range lib.pumps {
		pumps = append(pumps, p)
	}
	lib.mu.Unlock()

	if len(pumps) == 0 {
		return nil, fmt.Errorf("%w: no devices initialized for event notification", status.ErrNoData)
	}

	// EventNotificationInit creates one pump per device; fan the call out
	// to every initialized device's pump and merge.
	var (
		all      []eventpump.Record
		lastErr  error
		anyData  bool
	)

	for _, p := range pumps {
		remaining := bufCap - len(all)
		if remaining <= 0 {
			break
		}

		recs, err := p.Get(time.Duration(timeoutMS)*time.Millisecond, remaining)
		if err != nil {
			lastErr = err

			continue
		}

		anyData = true

		all = append(all, recs...)
	}

	if !anyData {
		return nil, lastErr
	}

	return all, nil
}

// EventNotificationStop closes a device's event fd (spec.md §4.7 stop).
func EventNotificationStop(dvInd int) error {
	dev, err := device(dvInd)
	if err != nil {
		return err
	}

	lib.mu.Lock()
	pump, ok := lib.pumps[dev.Index]
	if ok {
		delete(lib.pumps, dev.Index)
	}
	lib.mu.Unlock()

	if !ok {
		return nil
	}

	return pump.Stop(dev.Index)
}

// --- introspection -------------------------------------------------------

// FunctionSupported is the direct convenience call (SPEC_FULL.md §3
// supplement, original_source api_support_read.cc).
func FunctionSupported(dvInd int, function, variant, subVariant string) (bool, error) {
	lib.mu.Lock()
	introReg := lib.introspectReg
	lib.mu.Unlock()

	if introReg == nil {
		return false, fmt.Errorf("%w: library not initialized", status.ErrInitError)
	}

	tree, err := introReg.Get(dvInd)
	if err != nil {
		return false, err
	}

	return tree.Supported(function, variant, subVariant), nil
}

// FunctionsIterator opens an iterator over a device's supported functions.
func FunctionsIterator(dvInd int) (*introspect.Iterator, error) {
	lib.mu.Lock()
	introReg := lib.introspectReg
	lib.mu.Unlock()

	if introReg == nil {
		return nil, fmt.Errorf("%w: library not initialized", status.ErrInitError)
	}

	tree, err := introReg.Get(dvInd)
	if err != nil {
		return nil, err
	}

	return tree.Functions(), nil
}

// buildFunctionTree constructs the per-device function-support tree from
// its probed attribute-support bitmap (spec.md §4.8: built at
// device-registration time).
func buildFunctionTree(support registry.SupportBitmap) *introspect.Tree {
	b := introspect.NewBuilder()

	b.AddFunction("num_monitor_devices")
	b.AddFunction("pci_id_get")
	b.AddFunction("device_id_get")

	if support[catalog.DevTempInput] {
		b.AddVariant("temp_metric_get", "current")
		b.AddSubVariant("temp_metric_get", "current", "edge")
	}

	if support[catalog.DevFanSpeed] {
		b.AddFunction("fan_speed_get")
		b.AddFunction("fan_speed_set")
	}

	if support[catalog.DevGpuSClk] {
		b.AddVariant("gpu_clk_freq_get", "sys")
	}

	if support[catalog.DevGpuMClk] {
		b.AddVariant("gpu_clk_freq_get", "mem")
	}

	if support[catalog.DevPowerCap] {
		b.AddFunction("power_cap_get")
		b.AddFunction("power_cap_set")
	}

	if support[catalog.DevGpuMetrics] {
		b.AddFunction("gpu_metrics_info_get")
	}

	if support[catalog.DevXgmiErrorStatus] {
		b.AddFunction("counter_group_supported")
	}

	return b.Build()
}

// timeNow is a seam over time.Now so tests can hold it fixed if needed;
// production always uses the real clock.
var timeNow = time.Now
