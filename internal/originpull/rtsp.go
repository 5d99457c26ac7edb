// Package originpull implements an application.OriginPuller backed by an
// upstream RTSP origin: it pulls an RTSP announcement, paces the
// resulting RTP by its own timestamps (the origin delivers over TCP and
// can burst), and feeds both the live per-session fan-out and the HTTP
// segment ring from the same packets.
package originpull

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
)

// rtspChannel is one RTP/RTCP channel pair set up against the origin.
type rtspChannel struct {
	ID          byte
	MediaType   string // "video" or "audio"
	Control     string
	PayloadType uint8
}

// rtspClient is a minimal RTSP/1.0 client speaking interleaved TCP
// transport, the only transport this egress core needs from an origin
// (no separate UDP listener to manage per pulled stream).
type rtspClient struct {
	url      string
	baseURL  string // Content-Base from DESCRIBE, used for SETUP/PLAY
	logger   *slog.Logger
	conn     net.Conn
	reader   *bufio.Reader
	session  string
	cseq     int
	channels map[byte]*rtspChannel

	keepaliveInterval time.Duration
	keepaliveCancel   context.CancelFunc

	writeMu sync.Mutex

	// OnRTPPacket is invoked for every RTP packet received on an even
	// (video/audio data, as opposed to RTCP) channel.
	OnRTPPacket func(channel byte, packet *rtp.Packet)
}

func newRTSPClient(rtspURL string, logger *slog.Logger) *rtspClient {
	return &rtspClient{
		url:               rtspURL,
		logger:            logger,
		channels:          make(map[byte]*rtspChannel),
		keepaliveInterval: 25 * time.Second,
	}
}

func (c *rtspClient) Connect(ctx context.Context) error {
	u, err := url.Parse(c.url)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}

	var username, password string
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}

	port := u.Port()
	if port == "" {
		if u.Scheme == "rtsps" {
			port = "443"
		} else {
			port = "554"
		}
	}
	addr := net.JoinHostPort(u.Hostname(), port)

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}

	var conn net.Conn
	if u.Scheme == "rtsps" {
		conn, err = tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: u.Hostname()})
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	c.conn = conn
	c.reader = bufio.NewReaderSize(conn, 65536)
	c.logger.Debug("connected to rtsp origin", "remote_addr", conn.RemoteAddr(), "tls", u.Scheme == "rtsps")

	if err := c.options(); err != nil {
		return fmt.Errorf("OPTIONS: %w", err)
	}
	if err := c.describe(username, password); err != nil {
		return fmt.Errorf("DESCRIBE: %w", err)
	}
	return nil
}

func (c *rtspClient) SetupTracks(ctx context.Context) error {
	for channelID, ch := range c.channels {
		if err := c.setupTrack(channelID, ch); err != nil {
			return fmt.Errorf("setup track %d: %w", channelID, err)
		}
	}
	return nil
}

// Play starts streaming. Unlike the request/response helpers, it writes
// the PLAY request and returns without reading a response: the origin
// begins sending RTP immediately, and the response is consumed inline by
// ReadPackets alongside the interleaved data.
func (c *rtspClient) Play(ctx context.Context) error {
	playURL := c.baseURL
	if u, err := url.Parse(playURL); err == nil {
		if !strings.HasSuffix(u.Path, "/") {
			u.Path += "/"
		}
		playURL = u.String()
	}

	req := c.newRequest("PLAY", playURL)
	req.Header["Range"] = "npt=0.000-"
	if err := c.writeRequest(req); err != nil {
		return fmt.Errorf("PLAY: %w", err)
	}

	c.startKeepalive(ctx)
	return nil
}

func (c *rtspClient) startKeepalive(ctx context.Context) {
	keepaliveCtx, cancel := context.WithCancel(ctx)
	c.keepaliveCancel = cancel

	go func() {
		ticker := time.NewTicker(c.keepaliveInterval)
		defer ticker.Stop()
		for {
			select {
			case <-keepaliveCtx.Done():
				return
			case <-ticker.C:
				req := c.newRequest("OPTIONS", c.url)
				if err := c.writeRequest(req); err != nil {
					c.logger.Warn("keepalive OPTIONS failed", "error", err)
					return
				}
			}
		}
	}()
}

// ReadPackets reads interleaved RTP/RTCP frames until ctx is cancelled or
// the connection is closed by the origin.
func (c *rtspClient) ReadPackets(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := c.conn.SetReadDeadline(time.Now().Add(10 * time.Second)); err != nil {
			return fmt.Errorf("set read deadline: %w", err)
		}

		buf4, err := c.reader.Peek(4)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("peek: %w", err)
		}

		if buf4[0] != '$' {
			if string(buf4) == "RTSP" {
				if _, err := c.readResponseNoDeadline(); err != nil {
					return fmt.Errorf("read response: %w", err)
				}
				continue
			}
			if _, err := c.reader.ReadByte(); err != nil {
				return fmt.Errorf("discard unexpected byte: %w", err)
			}
			continue
		}

		channel := buf4[1]
		size := binary.BigEndian.Uint16(buf4[2:4])
		if _, err := c.reader.Discard(4); err != nil {
			return fmt.Errorf("discard header: %w", err)
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(c.reader, payload); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read payload: %w", err)
		}

		if channel%2 == 0 {
			pkt := &rtp.Packet{}
			if err := pkt.Unmarshal(payload); err != nil {
				c.logger.Warn("discarding malformed rtp packet", "channel", channel, "error", err)
				continue
			}
			if c.OnRTPPacket != nil {
				c.OnRTPPacket(channel, pkt)
			}
		}
	}
}

func (c *rtspClient) Close() error {
	if c.keepaliveCancel != nil {
		c.keepaliveCancel()
		c.keepaliveCancel = nil
	}
	if c.conn != nil {
		_ = c.writeRequest(c.newRequest("TEARDOWN", c.url))
		return c.conn.Close()
	}
	return nil
}

func (c *rtspClient) options() error {
	_, err := c.do(c.newRequest("OPTIONS", c.url))
	return err
}

func (c *rtspClient) describe(username, password string) error {
	req := c.newRequest("DESCRIBE", c.url)
	req.Header["Accept"] = "application/sdp"
	if username != "" {
		encoded := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		req.Header["Authorization"] = "Basic " + encoded
	}

	resp, err := c.do(req)
	if err != nil {
		return err
	}

	if contentBase := resp.Header["Content-Base"]; contentBase != "" {
		c.baseURL = strings.TrimSpace(contentBase)
	} else {
		c.baseURL = c.url
	}

	return c.parseSDP(string(resp.Body))
}

func (c *rtspClient) parseSDP(sdp string) error {
	var channelID byte
	for _, line := range strings.Split(sdp, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "m=") {
			parts := strings.Fields(line)
			if len(parts) >= 4 {
				var pt uint8
				if ptVal, err := strconv.Atoi(parts[3]); err == nil {
					pt = uint8(ptVal)
				}
				c.channels[channelID] = &rtspChannel{ID: channelID, MediaType: parts[0][2:], PayloadType: pt}
				channelID += 2
			}
		}

		if strings.HasPrefix(line, "a=control:") {
			control := strings.TrimPrefix(line, "a=control:")
			if ch, ok := c.channels[channelID-2]; ok {
				ch.Control = control
			}
		}
	}
	return nil
}

func (c *rtspClient) setupTrack(channelID byte, ch *rtspChannel) error {
	u, _ := url.Parse(c.baseURL)
	if !strings.HasPrefix(ch.Control, "rtsp://") && !strings.HasPrefix(ch.Control, "rtsps://") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(ch.Control, "/")
	} else {
		u, _ = url.Parse(ch.Control)
	}

	req := c.newRequest("SETUP", u.String())
	req.Header["Transport"] = fmt.Sprintf("RTP/AVP/TCP;unicast;interleaved=%d-%d", channelID, channelID+1)

	resp, err := c.do(req)
	if err != nil {
		return err
	}

	if c.session == "" {
		if session := resp.Header["Session"]; session != "" {
			if idx := strings.IndexByte(session, ';'); idx > 0 {
				c.session = session[:idx]
			} else {
				c.session = session
			}
		}
	}
	return nil
}

func (c *rtspClient) newRequest(method, url string) *rtspRequest {
	c.cseq++
	return &rtspRequest{Method: method, URL: url, Header: make(map[string]string), CSeq: c.cseq}
}

func (c *rtspClient) do(req *rtspRequest) (*rtspResponse, error) {
	if err := c.writeRequest(req); err != nil {
		return nil, err
	}
	return c.readResponse()
}

func (c *rtspClient) writeRequest(req *rtspRequest) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.session != "" {
		req.Header["Session"] = c.session
	}

	var buf strings.Builder
	fmt.Fprintf(&buf, "%s %s RTSP/1.0\r\n", req.Method, req.URL)
	fmt.Fprintf(&buf, "CSeq: %d\r\n", req.CSeq)
	buf.WriteString("User-Agent: rtc-egress-originpull/1.0\r\n")
	for k, v := range req.Header {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}
	buf.WriteString("\r\n")

	if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	_, err := c.conn.Write([]byte(buf.String()))
	return err
}

func (c *rtspClient) readResponse() (*rtspResponse, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(15 * time.Second)); err != nil {
		return nil, err
	}
	return c.readResponseNoDeadline()
}

func (c *rtspClient) readResponseNoDeadline() (*rtspResponse, error) {
	statusLine, err := c.reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	parts := strings.SplitN(strings.TrimSpace(statusLine), " ", 3)
	if len(parts) < 2 {
		return nil, fmt.Errorf("invalid status line: %s", statusLine)
	}
	statusCode, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("invalid status code: %s", parts[1])
	}

	resp := &rtspResponse{StatusCode: statusCode, Header: make(map[string]string)}
	var contentLength int
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if idx := strings.IndexByte(line, ':'); idx > 0 {
			key := strings.TrimSpace(line[:idx])
			value := strings.TrimSpace(line[idx+1:])
			resp.Header[key] = value
			if key == "Content-Length" {
				contentLength, _ = strconv.Atoi(value)
			}
		}
	}

	if contentLength > 0 {
		body := make([]byte, contentLength)
		if _, err := io.ReadFull(c.reader, body); err != nil {
			return nil, err
		}
		resp.Body = body
	}

	if statusCode != 200 {
		return nil, fmt.Errorf("rtsp error: %d", statusCode)
	}
	return resp, nil
}

type rtspRequest struct {
	Method string
	URL    string
	Header map[string]string
	CSeq   int
}

type rtspResponse struct {
	StatusCode int
	Header     map[string]string
	Body       []byte
}
