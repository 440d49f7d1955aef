// Package eventpump implements the event-notification pump (spec.md
// §4.7): one kernel event file descriptor per device, a caller-settable
// interest bitmask, and a polling Get that drains readable records across
// every initialized device in one call.
//
// Grounded on the teacher's pkg/collector/hwmon.go raw-file-descriptor
// handling for the read side and on golang.org/x/sys/unix.Poll for
// multiplexing, the same package the rest of this module already uses for
// sysfs I/O.
package eventpump

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/rocmtools/gosmi/pkg/gosmi/status"
)

// maxMessageLen bounds the ASCII message embedded in each event record
// (spec.md §4.7 get: "message is a bounded ASCII line, ≤ 64 bytes").
const maxMessageLen = 64

// recordSize is (device-index uint32, event-type uint32, message [64]byte).
const recordSize = 4 + 4 + maxMessageLen

// EventType is a closed enumeration of kernel-reported notification kinds.
type EventType uint32

const (
	EventVMFault EventType = 1 << iota
	EventThermalThrottle
	EventPreReset
	EventPostReset
)

// Record is one delivered notification.
type Record struct {
	DeviceIndex int
	Type        EventType
	Message     string
}

type deviceState struct {
	file *os.File
	mask uint64
}

// Pump multiplexes event notifications across every initialized device.
type Pump struct {
	mu      sync.Mutex
	devices map[int]*deviceState

	// openFunc opens the per-device kernel event file; overridden in tests
	// to avoid requiring a real kfd event node.
	openFunc func(deviceIndex int) (*os.File, error)
}

// New constructs a Pump. openFunc opens the kernel event file for a given
// device index; pkg/gosmi's default opener opens the kfd device node
// (<devRoot>/kfd), tests substitute a regular file.
func New(openFunc func(deviceIndex int) (*os.File, error)) *Pump {
	return &Pump{devices: make(map[int]*deviceState), openFunc: openFunc}
}

// Init opens the device's event fd. Repeated Init calls without an
// intervening Stop are idempotent (spec.md §4.7 init).
func (p *Pump) Init(deviceIndex int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.devices[deviceIndex]; ok {
		return nil
	}

	f, err := p.openFunc(deviceIndex)
	if err != nil {
		return fmt.Errorf("%w: opening event fd for device %d: %s", status.ErrInitError, deviceIndex, err)
	}

	p.devices[deviceIndex] = &deviceState{file: f}

	return nil
}

// SetMask writes a little-endian 64-bit interest bitmask to the device's
// event fd (spec.md §4.7 mask_set). Requires a prior Init.
func (p *Pump) SetMask(deviceIndex int, mask uint64) error {
	p.mu.Lock()
	st, ok := p.devices[deviceIndex]
	p.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: device %d has no event pump initialized", status.ErrInitError, deviceIndex)
	}

	var buf [8]byte

	binary.LittleEndian.PutUint64(buf[:], mask)

	if _, err := st.file.WriteAt(buf[:], 0); err != nil {
		return fmt.Errorf("%w: writing event mask for device %d: %s", status.ErrFileError, deviceIndex, err)
	}

	st.mask = mask

	return nil
}

// Get polls all initialized device fds with the given timeout and drains
// up to cap total event records across all of them (spec.md §4.7 get).
func (p *Pump) Get(timeout time.Duration, cap int) ([]Record, error) {
	p.mu.Lock()

	fds := make([]unix.PollFd, 0, len(p.devices))
	indexByFd := make(map[int32]int, len(p.devices))

	for idx, st := range p.devices {
		fd := int32(st.file.Fd())
		fds = append(fds, unix.PollFd{Fd: fd, Events: unix.POLLIN})
		indexByFd[fd] = idx
	}

	p.mu.Unlock()

	if len(fds) == 0 {
		return nil, fmt.Errorf("%w: no devices initialized for event notification", status.ErrNoData)
	}

	deadline := time.Now().Add(timeout)

	var (
		records []Record
		pending bool
	)

	for {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}

		n, err := unix.Poll(fds, int(remaining.Milliseconds()))
		if err != nil {
			if err == unix.EINTR {
				continue
			}

			return nil, fmt.Errorf("%w: poll: %s", status.ErrInternalException, err)
		}

		if n > 0 {
			for _, pfd := range fds {
				if pfd.Revents&unix.POLLIN == 0 {
					continue
				}

				idx := indexByFd[pfd.Fd]

				read, more, err := readRecords(pfd.Fd, idx, cap-len(records))
				if err != nil {
					return nil, err
				}

				records = append(records, read...)

				if more {
					pending = true
				}

				if len(records) >= cap {
					break
				}
			}
		}

		if len(records) >= cap || time.Now().After(deadline) {
			break
		}
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("%w: no events within timeout", status.ErrNoData)
	}

	if pending || len(records) > cap {
		return records[:cap], fmt.Errorf("%w: more events pending than buf_cap=%d", status.ErrInsufficientSize, cap)
	}

	return records, nil
}

// readRecords reads up to `limit` fixed-size (device-index, event-type,
// message) records from one readable fd, reporting whether more bytes
// remained available for this fd after hitting the limit.
func readRecords(fd int32, deviceIndex, limit int) ([]Record, bool, error) {
	if limit <= 0 {
		return nil, true, nil
	}

	var records []Record

	for len(records) < limit {
		buf := make([]byte, recordSize)

		n, err := unix.Read(int(fd), buf)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
				break
			}

			return nil, false, fmt.Errorf("%w: reading event record: %s", status.ErrFileError, err)
		}

		if n == 0 {
			break
		}

		if n != recordSize {
			return nil, false, fmt.Errorf("%w: event record is %d bytes, want %d", status.ErrUnexpectedSize, n, recordSize)
		}

		typ := EventType(binary.LittleEndian.Uint32(buf[4:8]))
		msg := buf[8:recordSize]

		end := 0
		for end < len(msg) && msg[end] != 0 {
			end++
		}

		records = append(records, Record{
			DeviceIndex: deviceIndex,
			Type:        typ,
			Message:     string(msg[:end]),
		})
	}

	// A subsequent poll would tell us definitively; treat hitting the
	// caller's limit as "more may be pending" so Get can report
	// insufficient-size rather than silently truncating.
	more := len(records) == limit

	return records, more, nil
}

// Stop closes the device's event fd and clears its state; subsequent Get
// calls ignore that device (spec.md §4.7 stop).
func (p *Pump) Stop(deviceIndex int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.devices[deviceIndex]
	if !ok {
		return nil
	}

	delete(p.devices, deviceIndex)

	return st.file.Close()
}
