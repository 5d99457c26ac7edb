package originpull

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pion/rtp"
)

const (
	// catchupThreshold is the queue depth at which the pacer starts
	// draining faster than real time to absorb an accumulated backlog.
	catchupThreshold = 5
	// catchupSpeedMultiplier is how much faster than nominal the pacer
	// drains once in catch-up mode.
	catchupSpeedMultiplier = 1.1
	// maxPacketDelay bounds the pacing delay so a timestamp anomaly in
	// the origin stream cannot stall delivery indefinitely.
	maxPacketDelay = 200 * time.Millisecond
)

// pacedPacket is one RTP packet queued for paced delivery, tagged with
// the clock rate needed to convert its RTP timestamp into wall-clock
// delay.
type pacedPacket struct {
	packet    *rtp.Packet
	clockRate uint32
}

// pacer smooths RTP delivery from a bursty TCP origin (RTSP) back to
// real time, using RTP timestamp deltas rather than arrival time. It
// absorbs short bursts in a small channel buffer and, once the backlog
// reaches catchupThreshold, drains faster than real time until it has
// caught up.
type pacer struct {
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	queue chan *pacedPacket
	write func(pkt *rtp.Packet) error

	first      bool
	lastTS     uint32
	lastSentAt time.Time

	statsMu       sync.Mutex
	sent          uint64
	burstsAbsorbed uint64
	catchupEvents uint64
}

func newPacer(ctx context.Context, logger *slog.Logger, write func(pkt *rtp.Packet) error) *pacer {
	ctx, cancel := context.WithCancel(ctx)
	return &pacer{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		queue:  make(chan *pacedPacket, 64),
		write:  write,
		first:  true,
	}
}

func (p *pacer) Start() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop()
	}()
}

func (p *pacer) Stop() {
	p.cancel()
	p.wg.Wait()
}

// Enqueue queues a packet for paced delivery, blocking (with backpressure
// toward the origin reader) if the buffer is already full.
func (p *pacer) Enqueue(packet *rtp.Packet, clockRate uint32) error {
	pp := &pacedPacket{packet: packet, clockRate: clockRate}
	select {
	case p.queue <- pp:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	default:
		p.statsMu.Lock()
		p.burstsAbsorbed++
		p.statsMu.Unlock()
		select {
		case p.queue <- pp:
			return nil
		case <-p.ctx.Done():
			return p.ctx.Err()
		}
	}
}

func (p *pacer) loop() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case pp := <-p.queue:
			if err := p.send(pp); err != nil {
				p.logger.Warn("originpull: pacer send failed", "error", err)
			}
		}
	}
}

func (p *pacer) send(pp *pacedPacket) error {
	if p.write == nil {
		return fmt.Errorf("originpull: pacer write callback not set")
	}

	now := time.Now()
	if p.first {
		p.first = false
		p.lastTS = pp.packet.Timestamp
		p.lastSentAt = now
		return p.emit(pp)
	}

	delay := p.calculateDelay(pp, now)
	if len(p.queue) >= catchupThreshold {
		delay = time.Duration(float64(delay) / catchupSpeedMultiplier)
		p.statsMu.Lock()
		p.catchupEvents++
		p.statsMu.Unlock()
	}
	if delay > maxPacketDelay {
		delay = maxPacketDelay
	}
	if delay < 0 {
		delay = 0
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-p.ctx.Done():
			return p.ctx.Err()
		}
	}

	p.lastTS = pp.packet.Timestamp
	p.lastSentAt = time.Now()
	return p.emit(pp)
}

func (p *pacer) emit(pp *pacedPacket) error {
	if err := p.write(pp.packet); err != nil {
		return err
	}
	p.statsMu.Lock()
	p.sent++
	p.statsMu.Unlock()
	return nil
}

// calculateDelay converts the RTP timestamp delta since the last sent
// packet into a wall-clock duration at pp's clock rate, then subtracts
// however much wall-clock time has actually elapsed.
func (p *pacer) calculateDelay(pp *pacedPacket, now time.Time) time.Duration {
	var tsDelta uint32
	if pp.packet.Timestamp >= p.lastTS {
		tsDelta = pp.packet.Timestamp - p.lastTS
	} else {
		tsDelta = (0xFFFFFFFF - p.lastTS) + pp.packet.Timestamp + 1
	}

	timestampDelay := time.Duration(tsDelta) * time.Second / time.Duration(pp.clockRate)
	actualElapsed := now.Sub(p.lastSentAt)
	return timestampDelay - actualElapsed
}

// Stats reports cumulative pacer counters, useful for diagnostics.
type pacerStats struct {
	Sent           uint64
	BurstsAbsorbed uint64
	CatchupEvents  uint64
}

func (p *pacer) Stats() pacerStats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	return pacerStats{Sent: p.sent, BurstsAbsorbed: p.burstsAbsorbed, CatchupEvents: p.catchupEvents}
}
