// Package clock provides the monotonic tick, wall-clock, and timescale
// helpers shared by the RTCP sender-report generator and the segment
// packetizer.
package clock

import (
	"fmt"
	"time"
)

// ntpEpochOffset is the number of seconds between the NTP epoch (1900-01-01)
// and the Unix epoch (1970-01-01).
const ntpEpochOffset = 2208988800

// MonotonicMillis returns a monotonic millisecond tick suitable for ordering
// events within a process lifetime. It is not comparable across processes.
func MonotonicMillis() int64 {
	return processStart.UnixMilli() + monotonicNow().Sub(processStart).Milliseconds()
}

// processStart anchors MonotonicMillis: its wall-clock reading gives the
// tick a Unix-millisecond base, and the time elapsed since it is measured
// on Go's monotonic clock, so wall-clock steps do not move the tick.
var processStart = time.Now()

// WallMillis returns the wall-clock time in milliseconds since the Unix
// epoch.
func WallMillis() int64 {
	return time.Now().UnixMilli()
}

// ISO8601Seconds formats t as "YYYY-MM-DDTHH:MM:SSZ" (second precision, UTC).
func ISO8601Seconds(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

// ISO8601Millis formats t as "YYYY-MM-DDTHH:MM:SS.sssZ" (millisecond
// precision, UTC).
func ISO8601Millis(t time.Time) string {
	return fmt.Sprintf("%s.%03dZ", t.UTC().Format("2006-01-02T15:04:05"), t.UTC().Nanosecond()/int(time.Millisecond))
}

// NTPTimestamp converts a wall-clock time into the 64-bit NTP timestamp used
// by RTCP Sender Reports: seconds since 1900 in the high 32 bits, fractional
// seconds in the low 32.
func NTPTimestamp(t time.Time) uint64 {
	secs := uint64(t.Unix()) + ntpEpochOffset
	frac := uint64(float64(t.Nanosecond()) / float64(time.Second) * (1 << 32))
	return (secs << 32) | (frac & 0xFFFFFFFF)
}

// ConvertTimeScale rescales a timestamp expressed in one timebase into
// another. Timebases are clock rates in Hz (ticks per second), so
// to = from * (toTimebase / fromTimebase). Returns 0 defensively when
// fromTimebase is 0, guarding against division by zero. Monotonic in
// `from`.
func ConvertTimeScale(from int64, fromTimebase, toTimebase uint64) int64 {
	if fromTimebase == 0 {
		return 0
	}
	return int64(float64(from) * (float64(toTimebase) / float64(fromTimebase)))
}

// monotonicNow is split out so tests can't accidentally rely on wall-clock
// semantics for ordering.
func monotonicNow() time.Time {
	return time.Now()
}
