package scanning

import (
	"strconv"
	"strings"

	"github.com/anstrom/reconpipe/internal/errors"
)

const (
	minPort = 1
	maxPort = 65535

	// Port validation constants.
	expectedPortRangeParts = 2
)

// ParsePortRange parses a "<low>-<high>" expression. Surrounding whitespace is
// tolerated, bounds are never clamped and the low bound must be strictly below
// the high bound.
func ParsePortRange(expr string) (PortRange, error) {
	trimmed := strings.TrimSpace(expr)

	parts := strings.Split(trimmed, "-")
	if len(parts) != expectedPortRangeParts || !isDigits(parts[0]) || !isDigits(parts[1]) {
		return PortRange{}, errors.ErrPortSyntax(expr)
	}

	low, lowErr := strconv.ParseUint(parts[0], 10, 32)
	high, highErr := strconv.ParseUint(parts[1], 10, 32)
	if lowErr != nil || highErr != nil {
		// Digits only, so the only possible failure is overflow
		return PortRange{}, errors.ErrPortRange(expr, "port number out of range 1-65535")
	}

	switch {
	case low < minPort:
		return PortRange{}, errors.ErrPortRange(expr, "low port must be at least 1")
	case high > maxPort:
		return PortRange{}, errors.ErrPortRange(expr, "high port must be at most 65535")
	case low >= high:
		return PortRange{}, errors.ErrPortRange(expr, "low port must be below high port")
	}

	return PortRange{Low: uint16(low), High: uint16(high)}, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
