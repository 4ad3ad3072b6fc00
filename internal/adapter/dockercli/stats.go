package dockercli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/youlyank/corebase/internal/domain/environment"
)

// parseStats parses one line of `docker stats --format "{{.CPUPerc}}|{{.MemUsage}}|{{.NetIO}}"`,
// e.g. "1.25%|24.5MiB / 512MiB|1.2kB / 3.4kB".
func parseStats(line string) (*environment.ResourceSnapshot, error) {
	parts := strings.Split(line, "|")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed stats line %q", line)
	}

	cpu, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(parts[0]), "%"), 64)
	if err != nil {
		return nil, fmt.Errorf("cpu %q: %w", parts[0], err)
	}

	memUsed, memLimit, err := parsePair(parts[1])
	if err != nil {
		return nil, fmt.Errorf("mem %q: %w", parts[1], err)
	}

	netRx, netTx, err := parsePair(parts[2])
	if err != nil {
		return nil, fmt.Errorf("net %q: %w", parts[2], err)
	}

	return &environment.ResourceSnapshot{
		CPUPercent:       cpu,
		MemoryUsedBytes:  memUsed,
		MemoryLimitBytes: memLimit,
		NetRxBytes:       netRx,
		NetTxBytes:       netTx,
	}, nil
}

// parsePair parses a "12.3MiB / 512MiB" style value pair.
func parsePair(s string) (int64, int64, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed pair %q", s)
	}
	a, err := parseBytes(strings.TrimSpace(parts[0]))
	if err != nil {
		return 0, 0, err
	}
	b, err := parseBytes(strings.TrimSpace(parts[1]))
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

// byteUnits maps docker's size suffixes to multipliers. Longer suffixes must
// be checked first.
var byteUnits = []struct {
	suffix string
	mult   float64
}{
	{"GiB", 1 << 30},
	{"MiB", 1 << 20},
	{"KiB", 1 << 10},
	{"GB", 1e9},
	{"MB", 1e6},
	{"kB", 1e3},
	{"B", 1},
}

// parseBytes converts docker's human sizes ("24.5MiB", "1.2kB", "0B") to bytes.
func parseBytes(s string) (int64, error) {
	for _, u := range byteUnits {
		if strings.HasSuffix(s, u.suffix) {
			num := strings.TrimSpace(strings.TrimSuffix(s, u.suffix))
			f, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("size %q: %w", s, err)
			}
			return int64(f * u.mult), nil
		}
	}
	return 0, fmt.Errorf("unknown size unit in %q", s)
}
