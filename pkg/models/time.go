package models

import "time"

// ToMillis converts t to integer milliseconds since the Unix epoch, the
// storage representation of every timestamp column.
func ToMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromMillis converts stored milliseconds back to a UTC time.
func FromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// FromMillisPtr converts a nullable milliseconds column.
func FromMillisPtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := FromMillis(*ms)
	return &t
}

// MinuteBucket returns the one-minute bucket of t used by the dedup
// constraint and the anomaly detector.
func MinuteBucket(t time.Time) int64 {
	return t.UnixMilli() / 60000
}
