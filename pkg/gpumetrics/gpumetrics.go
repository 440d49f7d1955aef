// Package gpumetrics decodes the binary gpu_metrics sysfs blob (spec.md
// §4.5): a small versioned header followed by a payload whose layout
// depends on (format_revision, content_revision). Older content revisions
// are widened into one canonical struct, with absent fields carrying the
// sentinel value for their width.
package gpumetrics

import (
	"encoding/binary"
	"fmt"

	"github.com/rocmtools/gosmi/pkg/gosmi/status"
)

// Header is the common prefix of every gpu_metrics revision.
type Header struct {
	StructureSize   uint16
	FormatRevision  uint8
	ContentRevision uint8
}

const headerSize = 4

// Known format revisions; any other value fails to decode per spec.md §4.5
// step 2 and the Open Question in spec.md §9 (future revisions are left
// undefined rather than guessed at).
const (
	FormatRevision1 = 1
	FormatRevision2 = 2
)

// Sentinel values marking "not present in this content revision", the
// width's maximum value per spec.md §4.5 step 3.
const (
	sentinelU16 = uint16(0xFFFF)
	sentinelU32 = uint32(0xFFFFFFFF)
	sentinelU64 = uint64(0xFFFFFFFFFFFFFFFF)
)

// HBMInstances is the number of per-instance HBM temperature/activity
// readings the canonical struct carries.
const HBMInstances = 4

// XGMILinks is the number of XGMI link accumulators the canonical struct
// carries.
const XGMILinks = 8

// PartitionSlots is the number of per-partition statistics slots, large
// enough for the widest compute-partition mode (CPX, 8-way).
const PartitionSlots = 8

// Metrics is the canonical, fully populated in-memory form every
// supported revision is widened into.
type Metrics struct {
	Header Header

	TempEdge    uint16
	TempHotspot uint16
	TempMem     uint16
	TempVrGfx   uint16
	TempVrSoc   uint16
	TempVrMem   uint16
	TempHBM     [HBMInstances]uint16

	AverageGfxActivity uint16
	AverageMemActivity uint16
	InstantGfxActivity uint16
	InstantMemActivity uint16

	AverageSocketPowerW uint16
	CurrentSocketPowerW uint16
	EnergyAccumulator   uint64

	AverageGfxClockMHz uint16
	AverageSocClockMHz uint16
	AverageUMCClockMHz uint16
	AverageVclk0ClockMHz uint16
	AverageDclk0ClockMHz uint16

	CurrentGfxClockMHz uint16
	CurrentSocClockMHz uint16
	CurrentUMCClockMHz uint16
	CurrentVclk0ClockMHz uint16
	CurrentDclk0ClockMHz uint16

	ThrottleStatusCompact uint32
	ThrottleStatusVrTemp  uint32
	ThrottleStatusPower   uint32
	ThrottleStatusThermal uint32

	CurrentFanSpeedRPM uint16

	PCIeLinkWidth uint16
	PCIeLinkSpeed uint16 // 0.1 GT/s units

	XGMILinkWidth [XGMILinks]uint16
	XGMILinkSpeed [XGMILinks]uint16

	GfxActivityAccumulator uint64
	MemActivityAccumulator uint64

	XGMIReadDataAccumulator  [XGMILinks]uint64
	XGMIWriteDataAccumulator [XGMILinks]uint64

	FirmwareTimestamp uint64

	PartitionGfxActivity [PartitionSlots]uint16
	PartitionMemActivity [PartitionSlots]uint16
}

// schema describes one (format_revision, content_revision) on-disk
// layout: its expected structure_size and a decode function producing the
// canonical Metrics with sentinels for fields it does not carry.
type schema struct {
	size   int
	decode func(payload []byte, hdr Header) (Metrics, error)
}

var schemas = map[[2]uint8]schema{
	{FormatRevision1, 1}: {size: 96, decode: decodeV1Content1},
	{FormatRevision1, 3}: {size: 270, decode: decodeV1Content3},
	{FormatRevision2, 1}: {size: 128, decode: decodeV2Content1},
}

// DecodeHeader reads and validates only the 4-byte header, used to
// negotiate which content-revision-specific calls a caller may issue
// without paying for a full decode (spec.md §4.5 step 6).
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < headerSize {
		return Header{}, fmt.Errorf("%w: gpu_metrics blob shorter than header (%d bytes)", status.ErrUnexpectedSize, len(b))
	}

	h := Header{
		StructureSize:   binary.LittleEndian.Uint16(b[0:2]),
		FormatRevision:  b[2],
		ContentRevision: b[3],
	}

	if h.FormatRevision != FormatRevision1 && h.FormatRevision != FormatRevision2 {
		return Header{}, fmt.Errorf("%w: unknown format_revision %d", status.ErrUnexpectedData, h.FormatRevision)
	}

	return h, nil
}

// Decode validates the header and payload and returns the canonical,
// fully widened Metrics (spec.md §4.5 steps 1-5).
func Decode(b []byte) (Metrics, error) {
	hdr, err := DecodeHeader(b)
	if err != nil {
		return Metrics{}, err
	}

	sch, ok := schemas[[2]uint8{hdr.FormatRevision, hdr.ContentRevision}]
	if !ok {
		return Metrics{}, fmt.Errorf(
			"%w: unsupported (format_revision=%d, content_revision=%d)",
			status.ErrNotSupported, hdr.FormatRevision, hdr.ContentRevision,
		)
	}

	if int(hdr.StructureSize) != sch.size {
		return Metrics{}, fmt.Errorf(
			"%w: structure_size %d does not match schema size %d for (format_revision=%d, content_revision=%d)",
			status.ErrUnexpectedSize, hdr.StructureSize, sch.size, hdr.FormatRevision, hdr.ContentRevision,
		)
	}

	if len(b) < sch.size {
		return Metrics{}, fmt.Errorf("%w: blob is %d bytes, schema needs %d", status.ErrUnexpectedSize, len(b), sch.size)
	}

	return sch.decode(b[headerSize:sch.size], hdr)
}

// sentinelMetrics returns a Metrics with every field set to its width's
// sentinel, the base every decode* function starts from before filling in
// what its revision actually carries (spec.md §4.5 step 3).
func sentinelMetrics(hdr Header) Metrics {
	m := Metrics{Header: hdr}

	m.TempEdge, m.TempHotspot, m.TempMem = sentinelU16, sentinelU16, sentinelU16
	m.TempVrGfx, m.TempVrSoc, m.TempVrMem = sentinelU16, sentinelU16, sentinelU16

	for i := range m.TempHBM {
		m.TempHBM[i] = sentinelU16
	}

	m.AverageGfxActivity, m.AverageMemActivity = sentinelU16, sentinelU16
	m.InstantGfxActivity, m.InstantMemActivity = sentinelU16, sentinelU16

	m.AverageSocketPowerW, m.CurrentSocketPowerW = sentinelU16, sentinelU16
	m.EnergyAccumulator = sentinelU64

	m.AverageGfxClockMHz, m.AverageSocClockMHz, m.AverageUMCClockMHz = sentinelU16, sentinelU16, sentinelU16
	m.AverageVclk0ClockMHz, m.AverageDclk0ClockMHz = sentinelU16, sentinelU16
	m.CurrentGfxClockMHz, m.CurrentSocClockMHz, m.CurrentUMCClockMHz = sentinelU16, sentinelU16, sentinelU16
	m.CurrentVclk0ClockMHz, m.CurrentDclk0ClockMHz = sentinelU16, sentinelU16

	m.ThrottleStatusCompact = sentinelU32
	m.ThrottleStatusVrTemp, m.ThrottleStatusPower, m.ThrottleStatusThermal = sentinelU32, sentinelU32, sentinelU32

	m.CurrentFanSpeedRPM = sentinelU16
	m.PCIeLinkWidth, m.PCIeLinkSpeed = sentinelU16, sentinelU16

	for i := range m.XGMILinkWidth {
		m.XGMILinkWidth[i] = sentinelU16
		m.XGMILinkSpeed[i] = sentinelU16
		m.XGMIReadDataAccumulator[i] = sentinelU64
		m.XGMIWriteDataAccumulator[i] = sentinelU64
	}

	m.GfxActivityAccumulator, m.MemActivityAccumulator = sentinelU64, sentinelU64
	m.FirmwareTimestamp = sentinelU64

	for i := range m.PartitionGfxActivity {
		m.PartitionGfxActivity[i] = sentinelU16
		m.PartitionMemActivity[i] = sentinelU16
	}

	return m
}

// decodeV1Content1 is the oldest, smallest layout: temperatures, average
// activity, average clocks, and a compact throttle status only.
func decodeV1Content1(p []byte, hdr Header) (Metrics, error) {
	m := sentinelMetrics(hdr)

	r := newReader(p)

	m.TempEdge = r.u16()
	m.TempHotspot = r.u16()
	m.TempMem = r.u16()
	m.TempVrGfx = r.u16()
	m.TempVrSoc = r.u16()
	m.TempVrMem = r.u16()

	m.AverageGfxActivity = r.u16()
	m.AverageMemActivity = r.u16()

	m.AverageSocketPowerW = r.u16()

	m.AverageGfxClockMHz = r.u16()
	m.AverageSocClockMHz = r.u16()
	m.AverageUMCClockMHz = r.u16()

	m.ThrottleStatusCompact = r.u32()

	m.CurrentFanSpeedRPM = r.u16()

	m.PCIeLinkWidth = r.u16()
	m.PCIeLinkSpeed = r.u16()

	m.GfxActivityAccumulator = r.u64()
	m.MemActivityAccumulator = r.u64()

	m.FirmwareTimestamp = r.u64()

	return m, r.err
}

// decodeV1Content3 is the canonical, fully populated layout this package
// models Metrics on: everything decodeV1Content1 has, plus HBM
// per-instance temperatures, instantaneous activity, current clocks,
// independent throttle bitfields, and per-link XGMI accumulators.
func decodeV1Content3(p []byte, hdr Header) (Metrics, error) {
	m := sentinelMetrics(hdr)

	r := newReader(p)

	m.TempEdge = r.u16()
	m.TempHotspot = r.u16()
	m.TempMem = r.u16()
	m.TempVrGfx = r.u16()
	m.TempVrSoc = r.u16()
	m.TempVrMem = r.u16()

	for i := range m.TempHBM {
		m.TempHBM[i] = r.u16()
	}

	m.AverageGfxActivity = r.u16()
	m.AverageMemActivity = r.u16()
	m.InstantGfxActivity = r.u16()
	m.InstantMemActivity = r.u16()

	m.AverageSocketPowerW = r.u16()
	m.CurrentSocketPowerW = r.u16()
	m.EnergyAccumulator = r.u64()

	m.AverageGfxClockMHz = r.u16()
	m.AverageSocClockMHz = r.u16()
	m.AverageUMCClockMHz = r.u16()
	m.AverageVclk0ClockMHz = r.u16()
	m.AverageDclk0ClockMHz = r.u16()

	m.CurrentGfxClockMHz = r.u16()
	m.CurrentSocClockMHz = r.u16()
	m.CurrentUMCClockMHz = r.u16()
	m.CurrentVclk0ClockMHz = r.u16()
	m.CurrentDclk0ClockMHz = r.u16()

	m.ThrottleStatusCompact = r.u32()
	m.ThrottleStatusVrTemp = r.u32()
	m.ThrottleStatusPower = r.u32()
	m.ThrottleStatusThermal = r.u32()

	m.CurrentFanSpeedRPM = r.u16()

	m.PCIeLinkWidth = r.u16()
	m.PCIeLinkSpeed = r.u16()

	for i := range m.XGMILinkWidth {
		m.XGMILinkWidth[i] = r.u16()
	}

	for i := range m.XGMILinkSpeed {
		m.XGMILinkSpeed[i] = r.u16()
	}

	m.GfxActivityAccumulator = r.u64()
	m.MemActivityAccumulator = r.u64()

	for i := range m.XGMIReadDataAccumulator {
		m.XGMIReadDataAccumulator[i] = r.u64()
	}

	for i := range m.XGMIWriteDataAccumulator {
		m.XGMIWriteDataAccumulator[i] = r.u64()
	}

	m.FirmwareTimestamp = r.u64()

	return m, r.err
}

// decodeV2Content1 is format_revision 2's first content revision, which
// adds per-partition activity statistics in addition to the v1.1
// system-wide counters.
func decodeV2Content1(p []byte, hdr Header) (Metrics, error) {
	m, err := decodeV1Content1(p[:headerV1Content1PayloadSize()], hdr)
	if err != nil {
		return Metrics{}, err
	}

	r := newReader(p[headerV1Content1PayloadSize():])

	for i := range m.PartitionGfxActivity {
		m.PartitionGfxActivity[i] = r.u16()
	}

	for i := range m.PartitionMemActivity {
		m.PartitionMemActivity[i] = r.u16()
	}

	return m, r.err
}

func headerV1Content1PayloadSize() int {
	return schemas[[2]uint8{FormatRevision1, 1}].size - headerSize
}

// reader is a tiny little-endian cursor over a byte slice that records the
// first short-read error instead of panicking, so decode* functions read
// in a straight line without per-field error checks.
type reader struct {
	b   []byte
	off int
	err error
}

func newReader(b []byte) *reader {
	return &reader{b: b}
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}

	if r.off+n > len(r.b) {
		r.err = fmt.Errorf("%w: gpu_metrics payload truncated at offset %d", status.ErrUnexpectedSize, r.off)

		return false
	}

	return true
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}

	v := binary.LittleEndian.Uint16(r.b[r.off:])
	r.off += 2

	return v
}

func (r *reader) u32() uint32 {
	if !r.need(4) {
		return 0
	}

	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4

	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}

	v := binary.LittleEndian.Uint64(r.b[r.off:])
	r.off += 8

	return v
}
