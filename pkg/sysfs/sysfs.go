// Package sysfs implements the typed sysfs/hwmon access layer: it resolves
// a catalog descriptor to a path, performs the read or write, and decodes
// or encodes the value per the descriptor's parser.
//
// Every exported function here assumes the caller already holds the
// device's cross-process mutex (pkg/procmutex); this package does no
// locking of its own, per spec.md §4.2.
package sysfs

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/rocmtools/gosmi/pkg/catalog"
	"github.com/rocmtools/gosmi/pkg/gosmi/status"
)

// FrequencyEntry is one line of a frequency-list file.
type FrequencyEntry struct {
	Index int
	Hz    uint64
}

// FrequencyList is the decoded form of a pp_dpm_* style file.
type FrequencyList struct {
	Entries      []FrequencyEntry
	CurrentIndex int
	DeepSleep    bool
}

// ODCurvePoint is one (frequency, voltage) point on an overdrive curve.
type ODCurvePoint struct {
	Hz     uint64
	MilliV uint64
}

// ODClkVoltage is the decoded pp_od_clk_voltage file.
type ODClkVoltage struct {
	SclkCurve    []ODCurvePoint
	MclkCurve    []ODCurvePoint
	VddcCurve    []ODCurvePoint
	SclkRangeHz  [2]uint64
	MclkRangeHz  [2]uint64
	VddcRangeMv  [2]uint64
}

var freqLineRegex = regexp.MustCompile(`^\s*(\d+)\s*:\s*([0-9.]+)\s*([a-zA-Z]*)\s*(\*?)\s*$`)

// readFile reads the full contents of a sysfs file via raw read(2) calls,
// the way pkg/collector/hwmon.go's sysReadFile avoids os.ReadFile's
// poll-on-EAGAIN behavior for broken hwmon drivers. Unlike hwmon's fixed
// 128-byte read, this grows the buffer to accommodate longer files such
// as pp_od_clk_voltage or gpu_metrics.
func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, mapErrno(err)
	}
	defer f.Close()

	var out bytes.Buffer

	chunk := make([]byte, 4096)

	for {
		n, err := unix.Read(int(f.Fd()), chunk)
		if n > 0 {
			out.Write(chunk[:n])
		}

		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}

			return nil, mapErrno(err)
		}

		if n <= 0 {
			break
		}
	}

	return out.Bytes(), nil
}

// writeFile writes the full contents to a sysfs file with a single
// write(2) call, the conventional sysfs contract (short writes are not
// meaningful for these attribute files).
func writeFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return mapErrno(err)
	}
	defer f.Close()

	if _, err := unix.Write(int(f.Fd()), data); err != nil {
		return mapErrno(err)
	}

	return nil
}

// mapErrno implements the filesystem error-mapping table of spec.md §4.2/§7.
func mapErrno(err error) error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ENOENT:
			return fmt.Errorf("%w: %s", status.ErrNotSupported, err)
		case syscall.EACCES, syscall.EPERM:
			return fmt.Errorf("%w: %s", status.ErrPermission, err)
		case syscall.EBUSY:
			return fmt.Errorf("%w: %s", status.ErrBusy, err)
		case syscall.EINTR:
			return fmt.Errorf("%w: %s", status.ErrInterrupt, err)
		}
	}

	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", status.ErrNotSupported, err)
	}

	if errors.Is(err, os.ErrPermission) {
		return fmt.Errorf("%w: %s", status.ErrPermission, err)
	}

	return fmt.Errorf("%w: %s", status.ErrFileError, err)
}

func resolve(deviceDir, hwmonDir string, kind catalog.AttrKind, sensorIdx int) (catalog.Descriptor, string, error) {
	d, ok := catalog.Lookup(kind)
	if !ok {
		return catalog.Descriptor{}, "", status.ErrInvalidArgs
	}

	return d, catalog.ResolvePath(deviceDir, hwmonDir, d, sensorIdx), nil
}

// ReadScalarU64 reads and parses a decimal or hex scalar attribute,
// applying unit normalization (spec.md §4.2's unit contracts: values enter
// and leave in the kernel's own convention — millidegrees, millivolts,
// microwatts — no conversion is performed here beyond parsing).
func ReadScalarU64(deviceDir, hwmonDir string, kind catalog.AttrKind, sensorIdx int) (uint64, error) {
	d, path, err := resolve(deviceDir, hwmonDir, kind, sensorIdx)
	if err != nil {
		return 0, err
	}

	raw, err := readFile(path)
	if err != nil {
		return 0, err
	}

	line := strings.TrimSpace(string(raw))
	if line == "" {
		return 0, fmt.Errorf("%w: empty file %s", status.ErrUnexpectedData, path)
	}

	var v uint64

	switch d.Parser {
	case catalog.ParserHexU64:
		line = strings.TrimPrefix(strings.ToLower(line), "0x")

		v, err = strconv.ParseUint(line, 16, 64)
	default:
		v, err = strconv.ParseUint(line, 10, 64)
	}

	if err != nil {
		return 0, fmt.Errorf("%w: %s: %s", status.ErrUnexpectedData, path, err)
	}

	return v, nil
}

// ReadScalarI64 is ReadScalarU64 for signed scalars (temperatures can be
// negative on some sensors, NUMA node can be -1 for no affinity).
func ReadScalarI64(deviceDir, hwmonDir string, kind catalog.AttrKind, sensorIdx int) (int64, error) {
	_, path, err := resolve(deviceDir, hwmonDir, kind, sensorIdx)
	if err != nil {
		return 0, err
	}

	raw, err := readFile(path)
	if err != nil {
		return 0, err
	}

	line := strings.TrimSpace(string(raw))
	if line == "" {
		return 0, fmt.Errorf("%w: empty file %s", status.ErrUnexpectedData, path)
	}

	v, err := strconv.ParseInt(line, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %s", status.ErrUnexpectedData, path, err)
	}

	return v, nil
}

// ReadStringLine reads a single line of text (VBIOS version, serial, …).
func ReadStringLine(deviceDir, hwmonDir string, kind catalog.AttrKind, sensorIdx int) (string, error) {
	_, path, err := resolve(deviceDir, hwmonDir, kind, sensorIdx)
	if err != nil {
		return "", err
	}

	raw, err := readFile(path)
	if err != nil {
		return "", err
	}

	line := strings.TrimSpace(string(raw))
	if line == "" {
		return "", fmt.Errorf("%w: empty file %s", status.ErrUnexpectedData, path)
	}

	return line, nil
}

// ReadKeyValueBlock parses a "key: value" per-line file.
func ReadKeyValueBlock(deviceDir, hwmonDir string, kind catalog.AttrKind, sensorIdx int) (map[string]string, error) {
	_, path, err := resolve(deviceDir, hwmonDir, kind, sensorIdx)
	if err != nil {
		return nil, err
	}

	raw, err := readFile(path)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string)

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}

		out[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}

	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no key/value pairs in %s", status.ErrUnexpectedData, path)
	}

	return out, nil
}

// freqToHz converts a numeric value with an Hz/MHz/GHz suffix (case
// insensitive) to canonical Hz.
func freqToHz(value string, suffix string) (uint64, error) {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, err
	}

	switch strings.ToLower(suffix) {
	case "", "hz":
		// already Hz
	case "mhz":
		f *= 1e6
	case "ghz":
		f *= 1e9
	default:
		return 0, fmt.Errorf("unrecognized frequency suffix %q", suffix)
	}

	return uint64(f), nil
}

// ReadFrequencyList parses a multi-line "<index>: <freq><suffix>[*]" file,
// where exactly one line is marked current with a trailing '*'. An
// optional "*:" line only sets DeepSleep: it adds no entry to the list and
// does not shift the indices of the other lines.
func ReadFrequencyList(deviceDir, hwmonDir string, kind catalog.AttrKind) (FrequencyList, error) {
	_, path, err := resolve(deviceDir, hwmonDir, kind, 0)
	if err != nil {
		return FrequencyList{}, err
	}

	raw, err := readFile(path)
	if err != nil {
		return FrequencyList{}, err
	}

	var list FrequencyList

	currentSeen := false

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "*:") {
			list.DeepSleep = true

			continue
		}

		m := freqLineRegex.FindStringSubmatch(line)
		if m == nil {
			return FrequencyList{}, fmt.Errorf("%w: malformed frequency line %q in %s", status.ErrUnexpectedData, line, path)
		}

		idx, err := strconv.Atoi(m[1])
		if err != nil {
			return FrequencyList{}, fmt.Errorf("%w: %s", status.ErrUnexpectedData, err)
		}

		hz, err := freqToHz(m[2], m[3])
		if err != nil {
			return FrequencyList{}, fmt.Errorf("%w: %s", status.ErrUnexpectedData, err)
		}

		list.Entries = append(list.Entries, FrequencyEntry{Index: idx, Hz: hz})

		if m[4] == "*" {
			if currentSeen {
				return FrequencyList{}, fmt.Errorf("%w: more than one current marker in %s", status.ErrUnexpectedData, path)
			}

			currentSeen = true
			list.CurrentIndex = idx
		}
	}

	if len(list.Entries) == 0 {
		return FrequencyList{}, fmt.Errorf("%w: empty frequency list %s", status.ErrUnexpectedData, path)
	}

	if !currentSeen {
		return FrequencyList{}, fmt.Errorf("%w: no current marker in %s", status.ErrUnexpectedData, path)
	}

	return list, nil
}

var (
	odSectionRegex = regexp.MustCompile(`^(OD_SCLK|OD_MCLK|OD_VDDC_CURVE|OD_RANGE):\s*$`)
	odPointRegex   = regexp.MustCompile(`^\s*\d+\s*:\s*([0-9]+)Mhz\s*(?:([0-9]+)mV)?\s*$`)
	odRangeRegex   = regexp.MustCompile(`^\s*(SCLK|MCLK|VDDC_CURVE_SCLK|VDDC_CURVE_VOLT)\s*:\s*([0-9]+)(?:Mhz|mV)\s+([0-9]+)(?:Mhz|mV)\s*$`)
)

// ReadODClkVoltage parses the pp_od_clk_voltage file, whose sections are
// OD_SCLK, OD_MCLK, OD_VDDC_CURVE, and OD_RANGE (spec.md §4.1).
func ReadODClkVoltage(deviceDir string, kind catalog.AttrKind) (ODClkVoltage, error) {
	_, path, err := resolve(deviceDir, "", kind, 0)
	if err != nil {
		return ODClkVoltage{}, err
	}

	raw, err := readFile(path)
	if err != nil {
		return ODClkVoltage{}, err
	}

	var (
		od      ODClkVoltage
		section string
	)

	scanner := bufio.NewScanner(bytes.NewReader(raw))
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if trimmed == "" {
			continue
		}

		if m := odSectionRegex.FindStringSubmatch(trimmed); m != nil {
			section = m[1]

			continue
		}

		switch section {
		case "OD_SCLK", "OD_MCLK", "OD_VDDC_CURVE":
			m := odPointRegex.FindStringSubmatch(trimmed)
			if m == nil {
				continue
			}

			hz, err := freqToHz(m[1], "mhz")
			if err != nil {
				return ODClkVoltage{}, fmt.Errorf("%w: %s", status.ErrUnexpectedData, err)
			}

			var mv uint64
			if m[2] != "" {
				mv, _ = strconv.ParseUint(m[2], 10, 64)
			}

			point := ODCurvePoint{Hz: hz, MilliV: mv}

			switch section {
			case "OD_SCLK":
				od.SclkCurve = append(od.SclkCurve, point)
			case "OD_MCLK":
				od.MclkCurve = append(od.MclkCurve, point)
			case "OD_VDDC_CURVE":
				od.VddcCurve = append(od.VddcCurve, point)
			}
		case "OD_RANGE":
			m := odRangeRegex.FindStringSubmatch(trimmed)
			if m == nil {
				continue
			}

			lo, _ := strconv.ParseUint(m[2], 10, 64)
			hi, _ := strconv.ParseUint(m[3], 10, 64)

			switch m[1] {
			case "SCLK":
				od.SclkRangeHz = [2]uint64{lo * 1e6, hi * 1e6}
			case "MCLK":
				od.MclkRangeHz = [2]uint64{lo * 1e6, hi * 1e6}
			case "VDDC_CURVE_VOLT":
				od.VddcRangeMv = [2]uint64{lo, hi}
			}
		}
	}

	if len(od.SclkCurve) == 0 && len(od.MclkCurve) == 0 {
		return ODClkVoltage{}, fmt.Errorf("%w: no OD curve data in %s", status.ErrUnexpectedData, path)
	}

	return od, nil
}

// ReadBlob reads an entire file as raw bytes into the caller's buffer,
// returning the number of bytes read or status.ErrInsufficientSize if buf
// is too small.
func ReadBlob(deviceDir, hwmonDir string, kind catalog.AttrKind, buf []byte) (int, error) {
	_, path, err := resolve(deviceDir, hwmonDir, kind, 0)
	if err != nil {
		return 0, err
	}

	raw, err := readFile(path)
	if err != nil {
		return 0, err
	}

	if len(raw) > len(buf) {
		return len(raw), fmt.Errorf("%w: need %d bytes, have %d", status.ErrInsufficientSize, len(raw), len(buf))
	}

	return copy(buf, raw), nil
}

// WriteScalar formats and writes a scalar value, applying any companion
// write the descriptor requires first (spec.md §4.2's fan and
// clock-frequency write protocols).
func WriteScalar(deviceDir, hwmonDir string, kind catalog.AttrKind, value uint64) error {
	d, path, err := resolve(deviceDir, hwmonDir, kind, 0)
	if err != nil {
		return err
	}

	if !d.Writable() {
		return fmt.Errorf("%w: %v is read-only", status.ErrInvalidArgs, kind)
	}

	if d.Companion != nil {
		companionBase := deviceDir
		if d.Companion.Location == catalog.HwmonDir {
			companionBase = hwmonDir
		}

		if err := writeFile(companionBase+"/"+d.Companion.Path, []byte(d.Companion.Value)); err != nil {
			return err
		}
	}

	return writeFile(path, []byte(strconv.FormatUint(value, 10)))
}

// WriteString writes a string-valued attribute (perf level names,
// partition kind names).
func WriteString(deviceDir, hwmonDir string, kind catalog.AttrKind, value string) error {
	d, path, err := resolve(deviceDir, hwmonDir, kind, 0)
	if err != nil {
		return err
	}

	if !d.Writable() {
		return fmt.Errorf("%w: %v is read-only", status.ErrInvalidArgs, kind)
	}

	return writeFile(path, []byte(value))
}

// WriteMask writes a clock-enable bitmask as a space-separated list of set
// bit indices, the format pp_dpm_* files expect (spec.md §4.2).
func WriteMask(deviceDir, hwmonDir string, kind catalog.AttrKind, mask uint64) error {
	d, path, err := resolve(deviceDir, hwmonDir, kind, 0)
	if err != nil {
		return err
	}

	if d.Companion != nil {
		companionBase := deviceDir
		if d.Companion.Location == catalog.HwmonDir {
			companionBase = hwmonDir
		}

		if err := writeFile(companionBase+"/"+d.Companion.Path, []byte(d.Companion.Value)); err != nil {
			return err
		}
	}

	var bits []string

	for i := 0; i < 64; i++ {
		if mask&(1<<uint(i)) != 0 {
			bits = append(bits, strconv.Itoa(i))
		}
	}

	return writeFile(path, []byte(strings.Join(bits, " ")))
}

// SetFanSpeed encapsulates the two-step fan write protocol: write 1 to
// pwm1_enable (manual mode), then write the PWM target to pwm1.
func SetFanSpeed(hwmonDir string, pwm uint64) error {
	return WriteScalar("", hwmonDir, catalog.DevFanSpeed, pwm)
}

// ResetFan writes 2 to pwm1_enable, restoring automatic fan control.
func ResetFan(hwmonDir string) error {
	d, path, err := resolve("", hwmonDir, catalog.DevFanEnable, 0)
	if err != nil {
		return err
	}

	_ = d

	return writeFile(path, []byte("2"))
}

// SetClockFreqMask encapsulates the clock-frequency write protocol: force
// manual perf level, then write the mask. Callers who want auto mode back
// must call WriteString(..., DevPerfLevel, "auto") explicitly afterward.
func SetClockFreqMask(deviceDir, hwmonDir string, kind catalog.AttrKind, mask uint64) error {
	return WriteMask(deviceDir, hwmonDir, kind, mask)
}
