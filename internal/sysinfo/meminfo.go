// Package sysinfo reports best-effort host resource figures for get_health:
// memory usage from /proc/meminfo and the 1-minute load average from
// /proc/loadavg. Both degrade to a zero value (not an error) on platforms
// where the file is unavailable, since get_health must still answer.
package sysinfo

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Memory is a point-in-time memory snapshot in bytes.
type Memory struct {
	TotalBytes     uint64
	AvailableBytes uint64
}

// ReadMemory reads /proc/meminfo. ok is false when the file is unavailable
// (e.g. non-Linux), in which case callers should omit memory from their output.
func ReadMemory() (mem Memory, ok bool) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return Memory{}, false
	}
	defer func() { _ = f.Close() }()

	total, available, err := readMemInfoFrom(f)
	if err != nil {
		return Memory{}, false
	}
	return Memory{TotalBytes: total, AvailableBytes: available}, true
}

func readMemInfoFrom(r io.Reader) (total, available uint64, err error) {
	var foundTotal, foundAvailable bool
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "MemTotal:"):
			val, perr := parseMemInfoLine(line)
			if perr != nil {
				return 0, 0, fmt.Errorf("parsing MemTotal: %w", perr)
			}
			total = val
			foundTotal = true
		case strings.HasPrefix(line, "MemAvailable:"):
			val, perr := parseMemInfoLine(line)
			if perr != nil {
				return 0, 0, fmt.Errorf("parsing MemAvailable: %w", perr)
			}
			available = val
			foundAvailable = true
		}
		if foundTotal && foundAvailable {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, 0, fmt.Errorf("reading meminfo: %w", err)
	}
	if !foundTotal || !foundAvailable {
		return 0, 0, fmt.Errorf("missing required fields (MemTotal=%t, MemAvailable=%t)", foundTotal, foundAvailable)
	}
	return total, available, nil
}

func parseMemInfoLine(line string) (uint64, error) {
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return 0, fmt.Errorf("unexpected format: %q", line)
	}
	val, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing value from %q: %w", line, err)
	}
	if len(parts) >= 3 && strings.EqualFold(parts[2], "kB") {
		val *= 1024
	}
	return val, nil
}

// LoadAverage1 returns the 1-minute load average from /proc/loadavg.
// ok is false when unavailable.
func LoadAverage1() (load float64, ok bool) {
	raw, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0, false
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return 0, false
	}
	val, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, false
	}
	return val, true
}
