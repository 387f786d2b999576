package link

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sarchlab/akita/v4/sim"
)

var latencyUnits = map[string]float64{
	"ps": 1e-12,
	"ns": 1e-9,
	"us": 1e-6,
	"ms": 1e-3,
	"s":  1,
}

// ParseLatency converts a duration string such as "50ps" or "2 ns" into
// simulated seconds. Supported units are ps, ns, us, ms, and s.
func ParseLatency(s string) (sim.VTimeInSec, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return 0, fmt.Errorf("empty latency string")
	}

	cut := len(trimmed)
	for cut > 0 {
		c := trimmed[cut-1]
		if c >= '0' && c <= '9' || c == '.' {
			break
		}
		cut--
	}

	numPart := strings.TrimSpace(trimmed[:cut])
	unitPart := strings.TrimSpace(trimmed[cut:])

	scale, ok := latencyUnits[unitPart]
	if !ok {
		return 0, fmt.Errorf("unknown latency unit %q in %q", unitPart, s)
	}

	value, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("bad latency value %q: %w", s, err)
	}
	if value < 0 {
		return 0, fmt.Errorf("negative latency %q", s)
	}

	return sim.VTimeInSec(value * scale), nil
}

// MustParseLatency is ParseLatency for latencies known at construction
// time. It panics on a malformed string.
func MustParseLatency(s string) sim.VTimeInSec {
	t, err := ParseLatency(s)
	if err != nil {
		panic(err)
	}
	return t
}
