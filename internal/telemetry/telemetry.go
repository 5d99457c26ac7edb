// Package telemetry writes the operator-facing statistics log described
// in spec §6: CSV lines for CONN_COUNT, REQUEST, and SESSION events. The
// field layout is part of the external contract and must be preserved.
package telemetry

import (
	"encoding/csv"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/streamforge/rtc-egress/internal/clock"
)

// Severity tags a telemetry line's log level.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// SessionAction distinguishes the two SESSION event actions spec §6
// names explicitly.
type SessionAction string

const (
	ActionCreateClientSession SessionAction = "createClientSession"
	ActionDeleteClientSession SessionAction = "deleteClientSession"
)

// Log is the statistics log writer. One Log is normally shared by an
// entire Publisher; its methods are safe for concurrent use from the message
// thread, the 1Hz timer, and request-handling goroutines alike.
type Log struct {
	mu  sync.Mutex
	w   *csv.Writer
}

// NewLog wraps out (typically an *os.File opened for append) in a CSV
// writer. Flush is called after every line so a crash does not lose the
// most recent telemetry.
func NewLog(out io.Writer) *Log {
	return &Log{w: csv.NewWriter(out)}
}

func (l *Log) write(fields []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_ = l.w.Write(fields)
	l.w.Flush()
}

// ConnCount emits the 1Hz CONN_COUNT line the Publisher's periodic timer
// produces (spec §4.4, §5).
func (l *Log) ConnCount(publisherName string, connectedSessions int64) {
	l.write([]string{
		clock.ISO8601Millis(time.Now()),
		"Publisher",
		"CONN_COUNT",
		string(SeverityInfo),
		publisherName,
		strconv.FormatInt(connectedSessions, 10),
	})
}

// StreamConnCount emits a per-stream live-viewer gauge alongside the
// publisher-wide CONN_COUNT line, recovered from the original's
// live/playback split (SPEC_FULL.md §4): one line per stream name, every
// 1Hz tick, tagged "Stream" rather than "Publisher" so existing
// consumers of the publisher-wide line are unaffected.
func (l *Log) StreamConnCount(streamName string, connectedSessions int64) {
	l.write([]string{
		clock.ISO8601Millis(time.Now()),
		"Stream",
		"CONN_COUNT",
		string(SeverityInfo),
		streamName,
		strconv.FormatInt(connectedSessions, 10),
	})
}

// Request emits the REQUEST line on a successful OnRequestOffer (spec
// §6).
func (l *Log) Request(vhost, app, streamName string, sessionID uint64) {
	l.write([]string{
		clock.ISO8601Millis(time.Now()),
		"Publisher",
		"REQUEST",
		string(SeverityInfo),
		vhost, app, streamName,
		strconv.FormatUint(sessionID, 10),
	})
}

// Session emits a SESSION line with the given action, tagging lifecycle
// transitions an operator cares about (spec §6, §8 scenario 5).
func (l *Log) Session(action SessionAction, vhost, app, streamName string, sessionID uint64) {
	l.write([]string{
		clock.ISO8601Millis(time.Now()),
		"Publisher",
		"SESSION",
		string(SeverityInfo),
		string(action),
		vhost, app, streamName,
		strconv.FormatUint(sessionID, 10),
	})
}

// ConnectionCounter is an atomic gauge of currently connected sessions,
// incremented on createClientSession and decremented on
// deleteClientSession, read by the 1Hz timer (spec §5: "Publisher-level
// counters for connected sessions: atomic").
type ConnectionCounter struct {
	n atomic.Int64
}

func (c *ConnectionCounter) Inc() int64 { return c.n.Add(1) }
func (c *ConnectionCounter) Dec() int64 { return c.n.Add(-1) }
func (c *ConnectionCounter) Load() int64 { return c.n.Load() }
