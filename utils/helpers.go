package utils

import (
	"fmt"
	"net"
	"time"
)

func IsValidInterval(interval string) bool {
	switch interval {
	case "Minute", "Hour", "Day", "Week", "Month", "Quarter", "Year":
		return true
	default:
		return false
	}
}

// DefaultStatsWindow is how far back stats queries look when no start is given.
const DefaultStatsWindow = 7 * 24 * time.Hour

// ParseTimeRange reads RFC3339 start/end query values. Empty start means DefaultStatsWindow
// before now; empty end means now.
func ParseTimeRange(startParam, endParam string, now time.Time) (start, end time.Time, err error) {
	end = now.UTC()
	if endParam != "" {
		end, err = time.Parse(time.RFC3339, endParam)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid 'end' timestamp format. Use RFC3339 (e.g., 2006-01-02T15:04:05Z)")
		}
	}

	start = now.UTC().Add(-DefaultStatsWindow)
	if startParam != "" {
		start, err = time.Parse(time.RFC3339, startParam)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid 'start' timestamp format. Use RFC3339 (e.g., 2006-01-02T15:04:05Z)")
		}
	}

	if start.After(end) {
		return time.Time{}, time.Time{}, fmt.Errorf("'start' must not be after 'end'")
	}
	return start, end, nil
}

// AnonymizeIP zeroes the host part of an address: the last octet for IPv4, everything past
// the /48 for IPv6. Unparseable input comes back empty.
func AnonymizeIP(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	if v4 := parsed.To4(); v4 != nil {
		return v4.Mask(net.CIDRMask(24, 32)).String()
	}
	return parsed.Mask(net.CIDRMask(48, 128)).String()
}
