// Package catalog holds the static table mapping each logical GPU attribute
// to the sysfs path it lives at, how it is parsed, its unit, and whether
// (and how) it can be written back.
//
// This is C1 in the design: a closed enumeration of attribute kinds with a
// record per kind, built once at package init and never mutated.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/procfs/sysfs"
)

// AttrKind enumerates every device attribute the catalog knows about.
type AttrKind int

const (
	DevID AttrKind = iota
	DevVendorID
	DevSubsystemVendorID
	DevSubsystemID
	DevRevision
	DevUniqueID
	DevSerialNumber
	DevVbiosVersion
	DevFirmwareVersion
	DevProductName
	DevProductNumber

	DevPerfLevel
	DevOverDriveLevel
	DevOverDriveClkVoltage

	DevGpuSClk
	DevGpuMClk
	DevGpuFClk
	DevGpuSocClk
	DevGpuDcefClk
	DevGpuPcie

	DevPowerCap
	DevPowerCapMin
	DevPowerCapMax
	DevPowerCapDefault
	DevPowerAverage
	DevPowerInstant

	DevTempInput
	DevTempLabel
	DevTempCritical

	DevVoltInput

	DevFanSpeed
	DevFanSpeedMax
	DevFanRPM
	DevFanEnable

	DevMemTotal
	DevMemUsed
	DevMemVisVramTotal
	DevMemVisVramUsed
	DevMemGttTotal
	DevMemGttUsed

	DevEccCount
	DevRasFeatures

	DevGpuMetrics

	DevComputePartitionCurrent
	DevComputePartitionAvailable
	DevMemoryPartitionCurrent
	DevMemoryPartitionAvailable

	DevNumaNode
	DevTopoLinkWeight
	DevTopoLinkType

	DevXgmiErrorStatus
	DevXgmiHiveID

	DevPcieBandwidth
	DevPcieReplayCount
)

// Direction states whether the attribute may be read, written, or both.
type Direction int

const (
	ReadOnly Direction = iota
	WriteOnly
	ReadWrite
)

// Location states which device subdirectory a path template is rooted at.
type Location int

const (
	// DeviceDir is /sys/class/drm/card<N>/device/.
	DeviceDir Location = iota
	// HwmonDir is the device's device/hwmon/hwmon<M>/ sibling.
	HwmonDir
)

// Parser names the decoding strategy for an attribute's raw file contents.
type Parser int

const (
	ParserScalarU64 Parser = iota
	ParserScalarI64
	ParserHexU64
	ParserStringLine
	ParserFrequencyList
	ParserKeyValueBlock
	ParserBinaryMetrics
	ParserPPODClkVoltage
)

// Unit names the physical unit a scalar reading is normalized to.
type Unit int

const (
	UnitNone Unit = iota
	UnitMilliCelsius
	UnitMilliVolt
	UnitMicroWatt
	UnitHertz
	UnitRaw255
	UnitBytes
)

// CompanionRule describes a write that must happen before the attribute's
// own write, e.g. toggling pwm1_enable to manual mode before writing pwm1.
type CompanionRule struct {
	Location Location
	Path     string
	Value    string
}

// Descriptor is the static record for one attribute kind.
type Descriptor struct {
	Kind         AttrKind
	Location     Location
	PathTemplate string // may contain a single %d sensor-index slot
	Direction    Direction
	Parser       Parser
	Unit         Unit
	NeedsRoot    bool
	Companion    *CompanionRule
}

func (d Descriptor) Writable() bool {
	return d.Direction == WriteOnly || d.Direction == ReadWrite
}

var table = map[AttrKind]Descriptor{
	DevID:                {Kind: DevID, Location: DeviceDir, PathTemplate: "device", Direction: ReadOnly, Parser: ParserHexU64},
	DevVendorID:          {Kind: DevVendorID, Location: DeviceDir, PathTemplate: "vendor", Direction: ReadOnly, Parser: ParserHexU64},
	DevSubsystemVendorID: {Kind: DevSubsystemVendorID, Location: DeviceDir, PathTemplate: "subsystem_vendor", Direction: ReadOnly, Parser: ParserHexU64},
	DevSubsystemID:       {Kind: DevSubsystemID, Location: DeviceDir, PathTemplate: "subsystem_device", Direction: ReadOnly, Parser: ParserHexU64},
	DevRevision:          {Kind: DevRevision, Location: DeviceDir, PathTemplate: "revision", Direction: ReadOnly, Parser: ParserHexU64},
	DevUniqueID:          {Kind: DevUniqueID, Location: DeviceDir, PathTemplate: "unique_id", Direction: ReadOnly, Parser: ParserHexU64},
	DevSerialNumber:      {Kind: DevSerialNumber, Location: DeviceDir, PathTemplate: "serial_number", Direction: ReadOnly, Parser: ParserStringLine},
	DevVbiosVersion:      {Kind: DevVbiosVersion, Location: DeviceDir, PathTemplate: "vbios_version", Direction: ReadOnly, Parser: ParserStringLine},
	DevFirmwareVersion:   {Kind: DevFirmwareVersion, Location: DeviceDir, PathTemplate: "fw_version", Direction: ReadOnly, Parser: ParserKeyValueBlock},
	DevProductName:       {Kind: DevProductName, Location: DeviceDir, PathTemplate: "product_name", Direction: ReadOnly, Parser: ParserStringLine},
	DevProductNumber:     {Kind: DevProductNumber, Location: DeviceDir, PathTemplate: "product_number", Direction: ReadOnly, Parser: ParserStringLine},

	DevPerfLevel:           {Kind: DevPerfLevel, Location: DeviceDir, PathTemplate: "power_dpm_force_performance_level", Direction: ReadWrite, Parser: ParserStringLine, NeedsRoot: true},
	DevOverDriveLevel:      {Kind: DevOverDriveLevel, Location: DeviceDir, PathTemplate: "pp_od_clk_voltage", Direction: ReadOnly, Parser: ParserPPODClkVoltage},
	DevOverDriveClkVoltage: {Kind: DevOverDriveClkVoltage, Location: DeviceDir, PathTemplate: "pp_od_clk_voltage", Direction: ReadWrite, Parser: ParserPPODClkVoltage, NeedsRoot: true},

	DevGpuSClk:    {Kind: DevGpuSClk, Location: DeviceDir, PathTemplate: "pp_dpm_sclk", Direction: ReadWrite, Parser: ParserFrequencyList, Unit: UnitHertz, NeedsRoot: true, Companion: &CompanionRule{Location: DeviceDir, Path: "power_dpm_force_performance_level", Value: "manual"}},
	DevGpuMClk:    {Kind: DevGpuMClk, Location: DeviceDir, PathTemplate: "pp_dpm_mclk", Direction: ReadWrite, Parser: ParserFrequencyList, Unit: UnitHertz, NeedsRoot: true, Companion: &CompanionRule{Location: DeviceDir, Path: "power_dpm_force_performance_level", Value: "manual"}},
	DevGpuFClk:    {Kind: DevGpuFClk, Location: DeviceDir, PathTemplate: "pp_dpm_fclk", Direction: ReadWrite, Parser: ParserFrequencyList, Unit: UnitHertz, NeedsRoot: true, Companion: &CompanionRule{Location: DeviceDir, Path: "power_dpm_force_performance_level", Value: "manual"}},
	DevGpuSocClk:  {Kind: DevGpuSocClk, Location: DeviceDir, PathTemplate: "pp_dpm_socclk", Direction: ReadWrite, Parser: ParserFrequencyList, Unit: UnitHertz, NeedsRoot: true, Companion: &CompanionRule{Location: DeviceDir, Path: "power_dpm_force_performance_level", Value: "manual"}},
	DevGpuDcefClk: {Kind: DevGpuDcefClk, Location: DeviceDir, PathTemplate: "pp_dpm_dcefclk", Direction: ReadOnly, Parser: ParserFrequencyList, Unit: UnitHertz},
	DevGpuPcie:    {Kind: DevGpuPcie, Location: DeviceDir, PathTemplate: "pp_dpm_pcie", Direction: ReadWrite, Parser: ParserFrequencyList, NeedsRoot: true, Companion: &CompanionRule{Location: DeviceDir, Path: "power_dpm_force_performance_level", Value: "manual"}},

	DevPowerCap:        {Kind: DevPowerCap, Location: HwmonDir, PathTemplate: "power1_cap", Direction: ReadWrite, Parser: ParserScalarU64, Unit: UnitMicroWatt, NeedsRoot: true},
	DevPowerCapMin:     {Kind: DevPowerCapMin, Location: HwmonDir, PathTemplate: "power1_cap_min", Direction: ReadOnly, Parser: ParserScalarU64, Unit: UnitMicroWatt},
	DevPowerCapMax:     {Kind: DevPowerCapMax, Location: HwmonDir, PathTemplate: "power1_cap_max", Direction: ReadOnly, Parser: ParserScalarU64, Unit: UnitMicroWatt},
	DevPowerCapDefault: {Kind: DevPowerCapDefault, Location: HwmonDir, PathTemplate: "power1_cap_default", Direction: ReadOnly, Parser: ParserScalarU64, Unit: UnitMicroWatt},
	DevPowerAverage:    {Kind: DevPowerAverage, Location: HwmonDir, PathTemplate: "power1_average", Direction: ReadOnly, Parser: ParserScalarU64, Unit: UnitMicroWatt},
	DevPowerInstant:    {Kind: DevPowerInstant, Location: HwmonDir, PathTemplate: "power1_input", Direction: ReadOnly, Parser: ParserScalarU64, Unit: UnitMicroWatt},

	DevTempInput:    {Kind: DevTempInput, Location: HwmonDir, PathTemplate: "temp%d_input", Direction: ReadOnly, Parser: ParserScalarI64, Unit: UnitMilliCelsius},
	DevTempLabel:    {Kind: DevTempLabel, Location: HwmonDir, PathTemplate: "temp%d_label", Direction: ReadOnly, Parser: ParserStringLine},
	DevTempCritical: {Kind: DevTempCritical, Location: HwmonDir, PathTemplate: "temp%d_crit", Direction: ReadOnly, Parser: ParserScalarI64, Unit: UnitMilliCelsius},

	DevVoltInput: {Kind: DevVoltInput, Location: HwmonDir, PathTemplate: "in0_input", Direction: ReadOnly, Parser: ParserScalarU64, Unit: UnitMilliVolt},

	DevFanSpeed:    {Kind: DevFanSpeed, Location: HwmonDir, PathTemplate: "pwm1", Direction: ReadWrite, Parser: ParserScalarU64, Unit: UnitRaw255, NeedsRoot: true, Companion: &CompanionRule{Location: HwmonDir, Path: "pwm1_enable", Value: "1"}},
	DevFanSpeedMax: {Kind: DevFanSpeedMax, Location: HwmonDir, PathTemplate: "fan1_max", Direction: ReadOnly, Parser: ParserScalarU64, Unit: UnitRaw255},
	DevFanRPM:      {Kind: DevFanRPM, Location: HwmonDir, PathTemplate: "fan1_input", Direction: ReadOnly, Parser: ParserScalarU64},
	DevFanEnable:   {Kind: DevFanEnable, Location: HwmonDir, PathTemplate: "pwm1_enable", Direction: ReadWrite, Parser: ParserScalarU64, NeedsRoot: true},

	DevMemTotal:        {Kind: DevMemTotal, Location: DeviceDir, PathTemplate: "mem_info_vram_total", Direction: ReadOnly, Parser: ParserScalarU64, Unit: UnitBytes},
	DevMemUsed:         {Kind: DevMemUsed, Location: DeviceDir, PathTemplate: "mem_info_vram_used", Direction: ReadOnly, Parser: ParserScalarU64, Unit: UnitBytes},
	DevMemVisVramTotal: {Kind: DevMemVisVramTotal, Location: DeviceDir, PathTemplate: "mem_info_vis_vram_total", Direction: ReadOnly, Parser: ParserScalarU64, Unit: UnitBytes},
	DevMemVisVramUsed:  {Kind: DevMemVisVramUsed, Location: DeviceDir, PathTemplate: "mem_info_vis_vram_used", Direction: ReadOnly, Parser: ParserScalarU64, Unit: UnitBytes},
	DevMemGttTotal:     {Kind: DevMemGttTotal, Location: DeviceDir, PathTemplate: "mem_info_gtt_total", Direction: ReadOnly, Parser: ParserScalarU64, Unit: UnitBytes},
	DevMemGttUsed:      {Kind: DevMemGttUsed, Location: DeviceDir, PathTemplate: "mem_info_gtt_used", Direction: ReadOnly, Parser: ParserScalarU64, Unit: UnitBytes},

	DevEccCount:    {Kind: DevEccCount, Location: DeviceDir, PathTemplate: "ras/gfx_err_count", Direction: ReadOnly, Parser: ParserKeyValueBlock},
	DevRasFeatures: {Kind: DevRasFeatures, Location: DeviceDir, PathTemplate: "ras/features", Direction: ReadOnly, Parser: ParserHexU64},

	DevGpuMetrics: {Kind: DevGpuMetrics, Location: DeviceDir, PathTemplate: "gpu_metrics", Direction: ReadOnly, Parser: ParserBinaryMetrics},

	DevComputePartitionCurrent:   {Kind: DevComputePartitionCurrent, Location: DeviceDir, PathTemplate: "current_compute_partition", Direction: ReadWrite, Parser: ParserStringLine, NeedsRoot: true},
	DevComputePartitionAvailable: {Kind: DevComputePartitionAvailable, Location: DeviceDir, PathTemplate: "available_compute_partition", Direction: ReadOnly, Parser: ParserStringLine},
	DevMemoryPartitionCurrent:    {Kind: DevMemoryPartitionCurrent, Location: DeviceDir, PathTemplate: "current_memory_partition", Direction: ReadWrite, Parser: ParserStringLine, NeedsRoot: true},
	DevMemoryPartitionAvailable:  {Kind: DevMemoryPartitionAvailable, Location: DeviceDir, PathTemplate: "available_memory_partition", Direction: ReadOnly, Parser: ParserStringLine},

	DevNumaNode:       {Kind: DevNumaNode, Location: DeviceDir, PathTemplate: "numa_node", Direction: ReadOnly, Parser: ParserScalarI64},
	DevTopoLinkWeight: {Kind: DevTopoLinkWeight, Location: DeviceDir, PathTemplate: "link/weight", Direction: ReadOnly, Parser: ParserScalarU64},
	DevTopoLinkType:   {Kind: DevTopoLinkType, Location: DeviceDir, PathTemplate: "link/type", Direction: ReadOnly, Parser: ParserStringLine},

	DevXgmiErrorStatus: {Kind: DevXgmiErrorStatus, Location: DeviceDir, PathTemplate: "xgmi_error", Direction: ReadWrite, Parser: ParserScalarU64, NeedsRoot: true},
	DevXgmiHiveID:      {Kind: DevXgmiHiveID, Location: DeviceDir, PathTemplate: "xgmi_hive_id", Direction: ReadOnly, Parser: ParserScalarU64},

	DevPcieBandwidth:   {Kind: DevPcieBandwidth, Location: DeviceDir, PathTemplate: "pcie_bw", Direction: ReadOnly, Parser: ParserKeyValueBlock},
	DevPcieReplayCount: {Kind: DevPcieReplayCount, Location: DeviceDir, PathTemplate: "pcie_replay_count", Direction: ReadOnly, Parser: ParserScalarU64},
}

// Lookup returns the static descriptor for the given attribute kind.
func Lookup(kind AttrKind) (Descriptor, bool) {
	d, ok := table[kind]

	return d, ok
}

// Root wraps a sysfs mountpoint (normally "/sys") the same way
// prometheus/procfs/sysfs.FS wraps "/sys" for other subsystems; tests
// override it to point at a fixture tree.
type Root struct {
	fs sysfs.FS
}

// NewRoot opens the sysfs root at mountPoint ("/sys" in production,
// a fixture directory under test).
func NewRoot(mountPoint string) (Root, error) {
	fs, err := sysfs.NewFS(mountPoint)
	if err != nil {
		return Root{}, err
	}

	return Root{fs: fs}, nil
}

// DRMPath returns the path to /sys/class/drm under this root.
func (r Root) DRMPath() string {
	return r.fs.Path("class", "drm")
}

// ResolvePath builds the absolute path for an attribute, substituting
// sensorIdx into the single %d slot if the template has one.
func ResolvePath(deviceDir, hwmonDir string, d Descriptor, sensorIdx int) string {
	tail := d.PathTemplate
	if hasSlot(tail) {
		tail = sprintfSlot(tail, sensorIdx)
	}

	base := deviceDir
	if d.Location == HwmonDir {
		base = hwmonDir
	}

	return filepath.Join(base, tail)
}

func hasSlot(tmpl string) bool {
	return strings.Contains(tmpl, "%d")
}

func sprintfSlot(tmpl string, idx int) string {
	return fmt.Sprintf(tmpl, idx)
}

// SupportedWhen probes whether the attribute's resolved path exists and is
// accessible, the registration-time "supported-when" predicate of §4.1.
func SupportedWhen(deviceDir, hwmonDir string, kind AttrKind, sensorIdx int) bool {
	d, ok := Lookup(kind)
	if !ok {
		return false
	}

	path := ResolvePath(deviceDir, hwmonDir, d, sensorIdx)

	_, err := os.Stat(path)

	return err == nil
}
