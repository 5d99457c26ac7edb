// Package config loads the egress process's YAML configuration file: bind
// addresses, ICE candidates, worker counts, TLS cert paths, the signed
// policy secret, segment ring sizes, and the RTCP SR interval.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the egress process configuration tree.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	ICE       ICEConfig       `yaml:"ice"`
	Signing   SigningConfig   `yaml:"signing"`
	Segment   SegmentConfig   `yaml:"segment"`
	RTCP      RTCPConfig      `yaml:"rtcp"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Origin    OriginConfig    `yaml:"origin"`
	Codecs    CodecConfig     `yaml:"codecs"`
}

// CodecConfig is the codec-id allow-list OnGetBitrate sums a session's
// tracks against (spec §4.4: "video: VP8/H.264 configured; audio:
// Opus"). An empty AllowedCodecIDs falls back to publisher.DefaultCodecs.
type CodecConfig struct {
	AllowedCodecIDs []string `yaml:"allowed_codec_ids"`
}

// ServerConfig holds the signalling API's listen configuration.
type ServerConfig struct {
	// BindAddress is the plain (non-TLS) signalling listen address, e.g.
	// ":3333".
	BindAddress string `yaml:"bind_address"`
	// TLSBindAddress is the HTTPS signalling listen address. When set
	// together with TLSCertFile/TLSKeyFile, the server listens on both
	// BindAddress and TLSBindAddress (they must differ).
	TLSBindAddress string `yaml:"tls_bind_address"`
	TLSCertFile    string `yaml:"tls_cert_file"`
	TLSKeyFile     string `yaml:"tls_key_file"`
	Workers        int    `yaml:"workers"`
}

// ICEConfig holds the shared UDP ICE transport's configuration.
type ICEConfig struct {
	// BindAddress is the shared UDP socket every Session's SessionNode
	// chain terminates into, e.g. ":10000".
	BindAddress string   `yaml:"bind_address"`
	Candidates  []string `yaml:"candidates"`
}

// SigningConfig holds the signed-policy/signed-token validation secret. An
// empty Secret disables validation (Outcome Off), matching spec behavior
// for deployments that don't require signed playback URLs.
type SigningConfig struct {
	Secret string `yaml:"secret"`
}

// SegmentConfig holds the segment ring buffer sizing shared by every
// Track's Packetizer, and the HTTP address the playlist/segment server
// listens on. An empty HTTPBindAddress disables HTTP segment serving.
type SegmentConfig struct {
	Count           int    `yaml:"count"`
	HTTPBindAddress string `yaml:"http_bind_address"`
}

// RTCPConfig holds the sender-report emission policy.
type RTCPConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
	PacketThreshold int `yaml:"packet_threshold"`
	ByteThreshold   int `yaml:"byte_threshold"`
}

// Interval returns the configured SR interval, defaulting to 5 seconds
// when unset.
func (c RTCPConfig) Interval() time.Duration {
	if c.IntervalSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.IntervalSeconds) * time.Second
}

// TelemetryConfig holds the CSV telemetry log's output path.
type TelemetryConfig struct {
	LogFile string `yaml:"log_file"`
}

// OriginConfig holds the upstream RTSP origin an Application pulls from
// when a requested stream isn't already local. An empty URLTemplate
// disables origin pulling: applications then only serve streams a
// publisher has already pushed in.
type OriginConfig struct {
	// URLTemplate is an rtsp:// or rtsps:// URL containing "{vhost}",
	// "{app}", "{name}" placeholders, e.g.
	// "rtsp://origin.internal/{vhost}/{app}/{name}".
	URLTemplate string `yaml:"url_template"`
}

// Load reads and parses a YAML configuration file at path, then validates
// it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a Config pre-populated with the same defaults Load
// applies before overlaying the YAML file, so callers constructing a
// Config programmatically (tests, embedders) get the same baseline.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddress: ":3333",
			Workers:     4,
		},
		ICE: ICEConfig{
			BindAddress: ":10000",
		},
		Segment: SegmentConfig{
			Count: 10,
		},
		RTCP: RTCPConfig{
			IntervalSeconds: 5,
			PacketThreshold: 0,
			ByteThreshold:   0,
		},
	}
}

// Validate checks that all required configuration fields are present and
// internally consistent.
func (c *Config) Validate() error {
	if c.Server.BindAddress == "" && c.Server.TLSBindAddress == "" {
		return fmt.Errorf("config: server.bind_address or server.tls_bind_address is required")
	}
	if c.Server.TLSBindAddress != "" {
		if c.Server.TLSCertFile == "" || c.Server.TLSKeyFile == "" {
			return fmt.Errorf("config: server.tls_bind_address requires tls_cert_file and tls_key_file")
		}
		if c.Server.TLSBindAddress == c.Server.BindAddress {
			return fmt.Errorf("config: server.tls_bind_address must differ from server.bind_address")
		}
	}
	if c.ICE.BindAddress == "" {
		return fmt.Errorf("config: ice.bind_address is required")
	}
	if c.Segment.Count <= 0 {
		return fmt.Errorf("config: segment.count must be positive")
	}
	if c.Server.Workers <= 0 {
		return fmt.Errorf("config: server.workers must be positive")
	}
	return nil
}
