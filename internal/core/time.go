package core

import "time"

// TimeFormat is the canonical timestamp encoding used in the durable store
// and KV records. Always UTC, fixed width so encoded values compare and sort
// the same as the instants they represent.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// FormatTime encodes t in the canonical format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeFormat)
}

// ParseTime decodes a canonical timestamp.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeFormat, s)
}

// NowFormatted returns the current time in the canonical format.
func NowFormatted() string {
	return FormatTime(time.Now())
}
