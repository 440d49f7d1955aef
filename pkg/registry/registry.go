// Package registry implements the device-discovery layer (spec.md §4.4):
// it scans /sys/class/drm/card* for AMD GPUs, resolves each to a BDF and
// hwmon sibling, probes catalog support, and assigns stable dense indices.
//
// Grounded on pkg/collector/gpu.go's vendor/BDF handling in the teacher
// repo, reworked from "shell out to rocm-smi/amd-smi and parse JSON" into
// a direct sysfs walk, since this library talks to the kernel directly.
package registry

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/rocmtools/gosmi/pkg/catalog"
	"github.com/rocmtools/gosmi/pkg/gosmi/status"
	"github.com/rocmtools/gosmi/pkg/procmutex"
)

// amdVendorID is the PCI-SIG vendor ID for Advanced Micro Devices.
const amdVendorID = 0x1002

var cardDirRegex = regexp.MustCompile(`^card(\d+)$`)

// bdfRegex matches the domain:bus:device.function suffix of a DRM device
// symlink target, e.g. ".../0000:03:00.0".
var bdfRegex = regexp.MustCompile(`([0-9a-fA-F]{4}):([0-9a-fA-F]{2}):([0-9a-fA-F]{2})\.([0-9a-fA-F])$`)

// BDF is a PCI domain/bus/device/function address.
type BDF struct {
	Domain   uint32
	Bus      uint32
	Device   uint32
	Function uint32
}

// Packed returns the 64-bit packed representation spec.md §8 scenario 1
// expects from pci_id_get: domain<<32 | bus<<8 | device<<3 | function.
func (b BDF) Packed() uint64 {
	return uint64(b.Domain)<<32 | uint64(b.Bus)<<8 | uint64(b.Device)<<3 | uint64(b.Function)
}

func (b BDF) String() string {
	return fmt.Sprintf("%04x:%02x:%02x.%x", b.Domain, b.Bus, b.Device, b.Function)
}

// SupportBitmap records, per attribute kind, whether it probed as present
// on a device at registration time.
type SupportBitmap map[catalog.AttrKind]bool

// Device is one discovered GPU.
type Device struct {
	Index     int
	BDF       BDF
	CardNum   int
	DeviceDir string
	HwmonDir  string
	Support   SupportBitmap
	Mutex     *procmutex.Mutex
}

// Registry holds the dense, stable set of devices discovered at Discover
// time. Devices are never added or removed after Discover returns.
type Registry struct {
	devices []Device
}

// Options configures discovery.
type Options struct {
	// SysRoot overrides "/sys", for tests.
	SysRoot string
	// AllGPUs accepts any vendor, not just AMD (spec.md §4.9 ALL_GPUS flag).
	AllGPUs bool
	// FailFastMutex selects fail-fast behavior for every device mutex
	// opened during discovery (spec.md §4.9 RESRV_TEST1 flag).
	FailFastMutex bool
	Logger        *slog.Logger
}

// Discover walks /sys/class/drm/card*, in ascending numeric order, and
// builds the device table (spec.md §4.4).
func Discover(opts Options) (*Registry, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sysRoot := opts.SysRoot
	if sysRoot == "" {
		sysRoot = "/sys"
	}

	root, err := catalog.NewRoot(sysRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: opening sysfs root %s: %s", status.ErrFileError, sysRoot, err)
	}

	drmPath := root.DRMPath()

	entries, err := os.ReadDir(drmPath)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %s", status.ErrFileError, drmPath, err)
	}

	type candidate struct {
		num int
		dir string
	}

	var candidates []candidate

	for _, e := range entries {
		m := cardDirRegex.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}

		num, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}

		candidates = append(candidates, candidate{num: num, dir: filepath.Join(drmPath, e.Name())})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].num < candidates[j].num })

	reg := &Registry{}

	for _, c := range candidates {
		deviceDir := filepath.Join(c.dir, "device")

		vendor, err := readHexAttr(filepath.Join(deviceDir, "vendor"))
		if err != nil {
			logger.Debug("skipping DRM card with unreadable vendor", "card", c.dir, "err", err)

			continue
		}

		if !opts.AllGPUs && vendor != amdVendorID {
			continue
		}

		bdf, err := resolveBDF(deviceDir)
		if err != nil {
			logger.Debug("skipping DRM card with unresolvable BDF", "card", c.dir, "err", err)

			continue
		}

		hwmonDir, _ := findHwmon(deviceDir)

		idx := len(reg.devices)

		mtx, err := procmutex.Open(bdf.Domain, bdf.Bus, bdf.Device, bdf.Function, opts.FailFastMutex)
		if err != nil {
			return nil, err
		}

		dev := Device{
			Index:     idx,
			BDF:       bdf,
			CardNum:   c.num,
			DeviceDir: deviceDir,
			HwmonDir:  hwmonDir,
			Support:   probeSupport(deviceDir, hwmonDir),
			Mutex:     mtx,
		}

		reg.devices = append(reg.devices, dev)
	}

	return reg, nil
}

// resolveBDF resolves the card's BDF via its device/ symlink target
// (spec.md §4.4 step 3).
func resolveBDF(deviceDir string) (BDF, error) {
	target, err := filepath.EvalSymlinks(deviceDir)
	if err != nil {
		return BDF{}, err
	}

	m := bdfRegex.FindStringSubmatch(target)
	if m == nil {
		return BDF{}, fmt.Errorf("%w: no BDF suffix in %s", status.ErrUnexpectedData, target)
	}

	domain, _ := strconv.ParseUint(m[1], 16, 32)
	bus, _ := strconv.ParseUint(m[2], 16, 32)
	dev, _ := strconv.ParseUint(m[3], 16, 32)
	fn, _ := strconv.ParseUint(m[4], 16, 32)

	return BDF{Domain: uint32(domain), Bus: uint32(bus), Device: uint32(dev), Function: uint32(fn)}, nil
}

// findHwmon locates the card's device/hwmon/hwmon<M> sibling, if any
// (spec.md §4.4 step 4).
func findHwmon(deviceDir string) (string, error) {
	hwmonRoot := filepath.Join(deviceDir, "hwmon")

	entries, err := os.ReadDir(hwmonRoot)
	if err != nil {
		return "", err
	}

	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "hwmon") {
			return filepath.Join(hwmonRoot, e.Name()), nil
		}
	}

	return "", fmt.Errorf("%w: no hwmon sibling under %s", status.ErrNotFound, hwmonRoot)
}

// probeSupport marks, for every catalog attribute, whether its resolved
// path exists on this device (spec.md §4.4 step 5).
func probeSupport(deviceDir, hwmonDir string) SupportBitmap {
	kinds := []catalog.AttrKind{
		catalog.DevID, catalog.DevVendorID, catalog.DevSubsystemVendorID, catalog.DevSubsystemID,
		catalog.DevRevision, catalog.DevUniqueID, catalog.DevSerialNumber, catalog.DevVbiosVersion,
		catalog.DevFirmwareVersion, catalog.DevProductName, catalog.DevProductNumber,
		catalog.DevPerfLevel, catalog.DevOverDriveLevel, catalog.DevOverDriveClkVoltage,
		catalog.DevGpuSClk, catalog.DevGpuMClk, catalog.DevGpuFClk, catalog.DevGpuSocClk,
		catalog.DevGpuDcefClk, catalog.DevGpuPcie,
		catalog.DevPowerCap, catalog.DevPowerCapMin, catalog.DevPowerCapMax, catalog.DevPowerCapDefault,
		catalog.DevPowerAverage, catalog.DevPowerInstant,
		catalog.DevTempInput, catalog.DevTempLabel, catalog.DevTempCritical,
		catalog.DevVoltInput,
		catalog.DevFanSpeed, catalog.DevFanSpeedMax, catalog.DevFanRPM, catalog.DevFanEnable,
		catalog.DevMemTotal, catalog.DevMemUsed, catalog.DevMemVisVramTotal, catalog.DevMemVisVramUsed,
		catalog.DevMemGttTotal, catalog.DevMemGttUsed,
		catalog.DevEccCount, catalog.DevRasFeatures, catalog.DevGpuMetrics,
		catalog.DevComputePartitionCurrent, catalog.DevComputePartitionAvailable,
		catalog.DevMemoryPartitionCurrent, catalog.DevMemoryPartitionAvailable,
		catalog.DevNumaNode, catalog.DevTopoLinkWeight, catalog.DevTopoLinkType,
		catalog.DevXgmiErrorStatus, catalog.DevXgmiHiveID,
		catalog.DevPcieBandwidth, catalog.DevPcieReplayCount,
	}

	support := make(SupportBitmap, len(kinds))

	for _, k := range kinds {
		support[k] = catalog.SupportedWhen(deviceDir, hwmonDir, k, 1)
	}

	return support
}

func readHexAttr(path string) (uint64, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	line := strings.TrimSpace(string(raw))
	line = strings.TrimPrefix(strings.ToLower(line), "0x")

	return strconv.ParseUint(line, 16, 64)
}

// Count returns the number of discovered devices (num_monitor_devices).
func (r *Registry) Count() int {
	return len(r.devices)
}

// Device returns the device at index i, or status.ErrInvalidArgs if out
// of range.
func (r *Registry) Device(i int) (Device, error) {
	if i < 0 || i >= len(r.devices) {
		return Device{}, fmt.Errorf("%w: device index %d out of range [0,%d)", status.ErrInvalidArgs, i, len(r.devices))
	}

	return r.devices[i], nil
}

// Devices returns a read-only view of all discovered devices, for
// iteration by callers such as pkg/promexport.
func (r *Registry) Devices() []Device {
	return append([]Device(nil), r.devices...)
}

// Close releases every device's mutex handle.
func (r *Registry) Close() error {
	var firstErr error

	for _, d := range r.devices {
		if err := d.Mutex.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
