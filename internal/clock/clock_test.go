package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestISO8601Seconds(t *testing.T) {
	ts := time.Date(2026, 7, 31, 12, 30, 45, 0, time.UTC)
	require.Equal(t, "2026-07-31T12:30:45Z", ISO8601Seconds(ts))
}

func TestISO8601Millis(t *testing.T) {
	ts := time.Date(2026, 7, 31, 12, 30, 45, 123_000_000, time.UTC)
	require.Equal(t, "2026-07-31T12:30:45.123Z", ISO8601Millis(ts))
}

func TestNTPTimestamp_EpochOffset(t *testing.T) {
	unixEpoch := time.Unix(0, 0).UTC()
	got := NTPTimestamp(unixEpoch)
	require.Equal(t, uint64(ntpEpochOffset)<<32, got)
}

func TestNTPTimestamp_Monotonic(t *testing.T) {
	t1 := time.Unix(1000, 0)
	t2 := time.Unix(1001, 0)
	require.Less(t, NTPTimestamp(t1), NTPTimestamp(t2))
}

func TestConvertTimeScale_SameTimebase(t *testing.T) {
	require.Equal(t, int64(1000), ConvertTimeScale(1000, 90000, 90000))
}

func TestConvertTimeScale_DownToUp(t *testing.T) {
	// 90000 Hz -> 48000 Hz: halving the rate roughly halves the ticks.
	got := ConvertTimeScale(90000, 90000, 48000)
	require.InDelta(t, 48000, got, 1)
}

func TestConvertTimeScale_ZeroFromTimebaseIsDefensive(t *testing.T) {
	require.Equal(t, int64(0), ConvertTimeScale(1000, 0, 90000))
}

func TestWallMillis_NotZero(t *testing.T) {
	require.Greater(t, WallMillis(), int64(0))
}

func TestMonotonicMillis_NotZero(t *testing.T) {
	require.Greater(t, MonotonicMillis(), int64(0))
}
