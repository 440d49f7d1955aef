// Package perfcounter wraps the kernel perf-event interface for the
// fabric-throughput event groups (spec.md §4.6): one kernel perf-event file
// descriptor per handle, grouped by event family, with per-group
// counter-availability accounting.
//
// Grounded on the teacher's pkg/collector/perf.go, which checks
// kernel.perf_event_paranoid via procfs before ever calling
// perf_event_open and wraps event lifetimes in a dedicated type; this
// package follows the same paranoid-sysctl gate but opens raw XGMI PMU
// events via golang.org/x/sys/unix instead of github.com/mahendrapaipuri/perf-utils,
// whose profiler set is fixed to well-known CPU hardware/software/cache
// events and has no way to address an arbitrary raw PMU type/config pair
// (see DESIGN.md).
package perfcounter

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
	"kernel.org/pub/linux/libs/security/libcap/cap"

	"github.com/rocmtools/gosmi/pkg/gosmi/status"
)

// Group is a closed enumeration of fabric perf-event families.
type Group int

const (
	GroupXGMIDataIn Group = iota
	GroupXGMIDataOut
)

func (g Group) String() string {
	switch g {
	case GroupXGMIDataIn:
		return "XGMI_DATA_IN"
	case GroupXGMIDataOut:
		return "XGMI_DATA_OUT"
	default:
		return "UNKNOWN"
	}
}

// Event identifies one countable event within a group: one per XGMI
// link/neighbor.
type Event struct {
	Group Group
	Link  int
}

// perfType and the per-link config base hold the raw PMU type/config pairs
// the amdgpu driver publishes under
// /sys/bus/event_source/devices/amdgpu_xgmi_<n>/; DiscoverPMUs populates
// them per device.
type pmuInfo struct {
	perfType   uint32
	configBase uint64
}

// Engine manages perf-event handles for one device.
type Engine struct {
	mu sync.Mutex

	capacity    map[Group]int
	outstanding map[Group]int
	pmus        map[Group]pmuInfo

	paranoidChecked bool
	paranoidOK      bool
	fs              procfs.FS
}

// NewEngine constructs an Engine for a device whose fabric PMU types have
// already been resolved from sysfs (spec.md §4.6 groups are a closed
// enumeration; each group's capacity is the number of links the device
// reports for it).
func NewEngine(fs procfs.FS, linkCount map[Group]int, pmus map[Group]pmuInfo) *Engine {
	capacity := make(map[Group]int, len(linkCount))
	outstanding := make(map[Group]int, len(linkCount))

	for g, n := range linkCount {
		capacity[g] = n
		outstanding[g] = 0
	}

	return &Engine{capacity: capacity, outstanding: outstanding, pmus: pmus, fs: fs}
}

// checkCapability gates perf_event_open on kernel.perf_event_paranoid and
// CAP_PERFMON the same way the teacher's perf.go gates its own profilers,
// generalized to a reusable precondition check.
func (e *Engine) checkCapability() error {
	if e.paranoidChecked {
		if !e.paranoidOK {
			return fmt.Errorf("%w: perf_event_open disabled by kernel.perf_event_paranoid", status.ErrPermission)
		}

		return nil
	}

	e.paranoidChecked = true

	paranoid, err := e.fs.SysctlInts("kernel.perf_event_paranoid")
	if err != nil {
		return fmt.Errorf("%w: reading kernel.perf_event_paranoid: %s", status.ErrPermission, err)
	}

	if len(paranoid) == 1 && paranoid[0] > 2 {
		return fmt.Errorf("%w: perf_event_paranoid=%d forbids perf_event_open outside root/CAP_SYS_ADMIN", status.ErrPermission, paranoid[0])
	}

	iab := cap.GetProc()

	perfmon, err := iab.GetFlag(cap.Effective, cap.PERFMON)
	if err != nil || !perfmon {
		sysadmin, serr := iab.GetFlag(cap.Effective, cap.SYS_ADMIN)
		if serr != nil || !sysadmin {
			e.paranoidOK = false

			return fmt.Errorf("%w: process has neither CAP_PERFMON nor CAP_SYS_ADMIN", status.ErrPermission)
		}
	}

	e.paranoidOK = true

	return nil
}

// GroupSupported reports whether the device exposes this event group at
// all (spec.md §4.6 group_supported).
func (e *Engine) GroupSupported(g Group) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	_, ok := e.capacity[g]

	return ok
}

// AvailableCounters returns how many more Create calls will succeed right
// now for this group (spec.md §4.6 available_counters).
func (e *Engine) AvailableCounters(g Group) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	capacity, ok := e.capacity[g]
	if !ok {
		return 0, fmt.Errorf("%w: event group %s not supported on this device", status.ErrNotSupported, g)
	}

	return capacity - e.outstanding[g], nil
}

// Handle is an opaque token for one open perf-event counter. The caller
// must Destroy every Handle it creates.
type Handle struct {
	engine *Engine
	event  Event
	fd     int

	started  bool
	baseline uint64
}

// perfReadFormat mirrors the kernel's read_format layout when
// PERF_FORMAT_TOTAL_TIME_ENABLED|PERF_FORMAT_TOTAL_TIME_RUNNING are set:
// value, time_enabled, time_running, each a little-endian uint64.
type perfReadFormat struct {
	Value        uint64
	TimeEnabled  uint64
	TimeRunning  uint64
}

// Create opens a kernel perf-event fd for one event, in a disabled state,
// and decrements the group's availability by one (spec.md §4.6 create).
func (e *Engine) Create(ev Event) (*Handle, error) {
	e.mu.Lock()

	capacity, ok := e.capacity[ev.Group]
	if !ok {
		e.mu.Unlock()

		return nil, fmt.Errorf("%w: event group %s not supported on this device", status.ErrNotSupported, ev.Group)
	}

	if e.outstanding[ev.Group] >= capacity {
		e.mu.Unlock()

		return nil, fmt.Errorf("%w: no counters available in group %s", status.ErrOutOfResources, ev.Group)
	}

	pmu := e.pmus[ev.Group]

	e.mu.Unlock()

	if err := e.checkCapability(); err != nil {
		return nil, err
	}

	attr :=&unix.PerfEventAttr{
		Type:        pmu.perfType,
		Size:        uint32(unsafe.Sizeof(unix.PerfEventAttr{})),
		Config:      pmu.configBase + uint64(ev.Link),
		Bits:        unix.PerfBitDisabled,
		Read_format: unix.PERF_FORMAT_TOTAL_TIME_ENABLED | unix.PERF_FORMAT_TOTAL_TIME_RUNNING,
	}

	fd, err := unix.PerfEventOpen(attr, -1, 0, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("%w: perf_event_open for %s link %d: %s", status.ErrPermission, ev.Group, ev.Link, err)
	}

	e.mu.Lock()
	e.outstanding[ev.Group]++
	e.mu.Unlock()

	return &Handle{engine: e, event: ev, fd: fd}, nil
}

// Start enables counting (spec.md §4.6 control START).
func (h *Handle) Start() error {
	if err := unix.IoctlSetInt(h.fd, unix.PERF_EVENT_IOC_RESET, 0); err != nil {
		return fmt.Errorf("%w: PERF_EVENT_IOC_RESET: %s", status.ErrInternalException, err)
	}

	if err := unix.IoctlSetInt(h.fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		return fmt.Errorf("%w: PERF_EVENT_IOC_ENABLE: %s", status.ErrInternalException, err)
	}

	h.started = true
	h.baseline = 0

	return nil
}

// Stop disables counting (spec.md §4.6 control STOP). The handle remembers
// its last-read snapshot so a subsequent Read still reports a delta.
func (h *Handle) Stop() error {
	if err := unix.IoctlSetInt(h.fd, unix.PERF_EVENT_IOC_DISABLE, 0); err != nil {
		return fmt.Errorf("%w: PERF_EVENT_IOC_DISABLE: %s", status.ErrInternalException, err)
	}

	return nil
}

// Reading is one sample from Read: the delta in counted value since the
// last Start or Read, and the enabled/running time accumulated by the
// kernel for this handle.
type Reading struct {
	Value            uint64
	TimeEnabledNanos uint64
	TimeRunningNanos uint64
}

// Read returns counts accumulated since the last Start or Read (spec.md
// §4.6 read): the kernel interface is cumulative, so this keeps an
// internal baseline and subtracts it on each call (spec.md §9's Open
// Question about read-before-start, resolved here as zero value with
// time_running == 0).
func (h *Handle) Read() (Reading, error) {
	if !h.started {
		return Reading{}, nil
	}

	buf := make([]byte, 24)

	n, err := unix.Read(h.fd, buf)
	if err != nil {
		return Reading{}, fmt.Errorf("%w: reading perf fd: %s", status.ErrFileError, err)
	}

	if n != len(buf) {
		return Reading{}, fmt.Errorf("%w: short perf read (%d bytes)", status.ErrUnexpectedSize, n)
	}

	raw := decodeReadFormat(buf)

	delta := raw.Value - h.baseline
	h.baseline = raw.Value

	return Reading{
		Value:            delta,
		TimeEnabledNanos: raw.TimeEnabled,
		TimeRunningNanos: raw.TimeRunning,
	}, nil
}

// Destroy closes the fd and reclaims the availability slot (spec.md §4.6
// destroy).
func (h *Handle) Destroy() error {
	h.engine.mu.Lock()
	h.engine.outstanding[h.event.Group]--
	h.engine.mu.Unlock()

	return unix.Close(h.fd)
}

func decodeReadFormat(buf []byte) perfReadFormat {
	le := func(b []byte) uint64 {
		var v uint64
		for i := 7; i >= 0; i-- {
			v = v<<8 | uint64(b[i])
		}

		return v
	}

	return perfReadFormat{
		Value:       le(buf[0:8]),
		TimeEnabled: le(buf[8:16]),
		TimeRunning: le(buf[16:24]),
	}
}
