package originpull

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"

	"github.com/streamforge/rtc-egress/internal/rtpdata"
	"github.com/streamforge/rtc-egress/internal/segment"
	"github.com/streamforge/rtc-egress/internal/stream"
)

const (
	videoClockRate = 90000 // H.264 RTP clock rate
	audioClockRate = 48000 // Opus/AAC RTP clock rate used by this core
)

// Puller implements application.OriginPuller against an RTSP origin. The
// origin URL is built from a template containing {vhost}/{app}/{name}
// placeholders, substituted per pull.
type Puller struct {
	urlTemplate string
	logger      *slog.Logger

	mu          sync.Mutex
	packetizers map[string]*segment.Packetizer
}

// New constructs a Puller. urlTemplate is an rtsp:// or rtsps:// URL
// containing "{vhost}", "{app}", "{name}" placeholders, e.g.
// "rtsp://origin.internal/{vhost}/{app}/{name}".
func New(urlTemplate string, logger *slog.Logger) *Puller {
	return &Puller{
		urlTemplate: urlTemplate,
		logger:      logger,
		packetizers: make(map[string]*segment.Packetizer),
	}
}

// Packetizer returns the segment ring built from a previously pulled
// stream's origin frames, or nil if name was never pulled.
func (p *Puller) Packetizer(vhost, app, name string) *segment.Packetizer {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.packetizers[packetizerKey(vhost, app, name)]
}

func packetizerKey(vhost, app, name string) string { return vhost + "/" + app + "/" + name }

// PullStream connects to the templated RTSP origin for (vhost, app,
// name), negotiates tracks, and returns a Stream that is fed from a
// background pull goroutine until the origin read loop ends. It
// satisfies application.OriginPuller.
func (p *Puller) PullStream(vhost, app, name string) (*stream.Stream, error) {
	url := strings.NewReplacer("{vhost}", vhost, "{app}", app, "{name}", name).Replace(p.urlTemplate)

	client := newRTSPClient(url, p.logger)

	connectCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Connect(connectCtx); err != nil {
		return nil, fmt.Errorf("originpull: connect %s: %w", url, err)
	}
	if err := client.SetupTracks(connectCtx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("originpull: setup tracks %s: %w", url, err)
	}

	s := stream.New(vhost, app, name, p.logger)
	for _, ch := range client.channels {
		if ch.MediaType == "video" {
			s.AddTrack("video", &stream.Track{CodecID: "h264", Timebase: videoClockRate})
		} else if ch.MediaType == "audio" {
			s.AddTrack("audio", &stream.Track{CodecID: "opus", Timebase: audioClockRate})
		}
	}

	packetizer := segment.NewPacketizer(6)
	p.mu.Lock()
	p.packetizers[packetizerKey(vhost, app, name)] = packetizer
	p.mu.Unlock()

	pullCtx := context.Background()
	videoPacer := newPacer(pullCtx, p.logger, func(pkt *rtp.Packet) error {
		return publishRTP(s, pkt)
	})
	audioPacer := newPacer(pullCtx, p.logger, func(pkt *rtp.Packet) error {
		return publishRTP(s, pkt)
	})
	videoPacer.Start()
	audioPacer.Start()

	videoDepk := newVideoDepacketizer()
	videoDepk.OnFrame = func(frame []byte, keyframe bool) {
		item := segment.NewSegmentItem(0, 0, frame)
		packetizer.AppendVideo(item, nil)
	}
	audioDepk := newAudioDepacketizer()
	audioDepk.OnFrame = func(frame []byte) {
		item := segment.NewSegmentItem(0, 0, frame)
		packetizer.AppendAudio(item, nil)
	}

	client.OnRTPPacket = func(channel byte, pkt *rtp.Packet) {
		ch, ok := client.channels[channel]
		if !ok {
			return
		}
		switch ch.MediaType {
		case "video":
			if err := videoPacer.Enqueue(pkt, videoClockRate); err != nil {
				p.logger.Warn("originpull: video pacer enqueue failed", "error", err)
			}
			if err := videoDepk.ProcessPacket(pkt); err != nil {
				p.logger.Warn("originpull: video depacketize failed", "error", err)
			}
		case "audio":
			if err := audioPacer.Enqueue(pkt, audioClockRate); err != nil {
				p.logger.Warn("originpull: audio pacer enqueue failed", "error", err)
			}
			if err := audioDepk.ProcessPacket(pkt); err != nil {
				p.logger.Warn("originpull: audio depacketize failed", "error", err)
			}
		}
	}

	if err := client.Play(connectCtx); err != nil {
		videoPacer.Stop()
		audioPacer.Stop()
		_ = client.Close()
		return nil, fmt.Errorf("originpull: play %s: %w", url, err)
	}

	go func() {
		defer videoPacer.Stop()
		defer audioPacer.Stop()
		defer client.Close()

		if err := client.ReadPackets(pullCtx); err != nil {
			p.logger.Warn("originpull: read loop ended", "stream", name, "error", err)
		}
	}()

	s.MarkReady()
	return s, nil
}

func publishRTP(s *stream.Stream, pkt *rtp.Packet) error {
	rp, err := rtpdata.NewRtpPacketFromHeader(pkt)
	if err != nil {
		return fmt.Errorf("originpull: wrap rtp packet: %w", err)
	}
	s.PublishRTP(rp)
	return nil
}
