package storage

import (
	"fmt"
	"time"
)

// zonelessLayouts are accepted after RFC 3339. Fractional seconds after the
// seconds field parse without a layout of their own.
var zonelessLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// ParseTimestamp parses an RFC 3339 timestamp, or an ISO 8601 one without
// a zone offset, which is read as local time.
func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range zonelessLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrMalformedData, s)
}
