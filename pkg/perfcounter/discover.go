package perfcounter

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/rocmtools/gosmi/pkg/gosmi/status"
)

// eventSourceRoot is where the kernel publishes dynamic PMUs, including
// the one amdgpu registers per XGMI-capable card.
const eventSourceRoot = "bus/event_source/devices"

var eventFileRegex = regexp.MustCompile(`^xgmi_link(\d+)_(data_out|data_in)$`)

// DiscoverPMUs resolves the amdgpu_xgmi_<cardNum> PMU's type and per-link
// event configs from sysfs, the information NewEngine needs to open real
// perf-event fds. Returns (nil, nil, status.ErrNotSupported) when the card
// has no XGMI PMU registered, the common case for single-GPU boxes or
// GPUs without an XGMI fabric.
func DiscoverPMUs(sysRoot string, cardNum int) (map[Group]pmuInfo, map[Group]int, error) {
	if sysRoot == "" {
		sysRoot = "/sys"
	}

	pmuDir := filepath.Join(sysRoot, eventSourceRoot, fmt.Sprintf("amdgpu_xgmi_%d", cardNum))

	typeRaw, err := os.ReadFile(filepath.Join(pmuDir, "type"))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: no amdgpu_xgmi PMU for card %d: %s", status.ErrNotSupported, cardNum, err)
	}

	perfType, err := strconv.ParseUint(strings.TrimSpace(string(typeRaw)), 10, 32)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: parsing PMU type for card %d: %s", status.ErrUnexpectedData, cardNum, err)
	}

	eventsDir := filepath.Join(pmuDir, "events")

	entries, err := os.ReadDir(eventsDir)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: listing %s: %s", status.ErrFileError, eventsDir, err)
	}

	configs := map[Group]map[int]uint64{
		GroupXGMIDataIn:  {},
		GroupXGMIDataOut: {},
	}

	for _, e := range entries {
		m := eventFileRegex.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}

		link, _ := strconv.Atoi(m[1])

		group := GroupXGMIDataIn
		if m[2] == "data_out" {
			group = GroupXGMIDataOut
		}

		config, err := readEventConfig(filepath.Join(eventsDir, e.Name()))
		if err != nil {
			return nil, nil, err
		}

		configs[group][link] = config
	}

	pmus := make(map[Group]pmuInfo)
	linkCount := make(map[Group]int)

	for group, byLink := range configs {
		if len(byLink) == 0 {
			continue
		}

		base := minConfig(byLink)
		pmus[group] = pmuInfo{perfType: uint32(perfType), configBase: base}
		linkCount[group] = len(byLink)
	}

	if len(pmus) == 0 {
		return nil, nil, fmt.Errorf("%w: amdgpu_xgmi PMU for card %d has no usable events", status.ErrNotSupported, cardNum)
	}

	return pmus, linkCount, nil
}

// readEventConfig parses a PMU events/<name> file, "config=0x<hex>".
func readEventConfig(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %s", status.ErrFileError, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, fmt.Errorf("%w: empty event descriptor %s", status.ErrUnexpectedData, path)
	}

	line := strings.TrimSpace(scanner.Text())

	const prefix = "config="
	if !strings.HasPrefix(line, prefix) {
		return 0, fmt.Errorf("%w: unrecognized event descriptor %q in %s", status.ErrUnexpectedData, line, path)
	}

	hex := strings.TrimPrefix(strings.TrimPrefix(line[len(prefix):], "0x"), "0X")

	v, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: parsing config in %s: %s", status.ErrUnexpectedData, path, err)
	}

	return v, nil
}

func minConfig(byLink map[int]uint64) uint64 {
	first := true

	var min uint64

	for link, cfg := range byLink {
		base := cfg - uint64(link)

		if first || base < min {
			min = base
			first = false
		}
	}

	return min
}
