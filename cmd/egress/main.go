package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/streamforge/rtc-egress/internal/application"
	"github.com/streamforge/rtc-egress/internal/auth"
	"github.com/streamforge/rtc-egress/internal/originpull"
	"github.com/streamforge/rtc-egress/internal/publisher"
	"github.com/streamforge/rtc-egress/internal/rtpdata"
	"github.com/streamforge/rtc-egress/internal/segmenthttp"
	"github.com/streamforge/rtc-egress/internal/signalhttp"
	"github.com/streamforge/rtc-egress/internal/telemetry"
	"github.com/streamforge/rtc-egress/pkg/config"
	"github.com/streamforge/rtc-egress/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// run brings up every sub-resource (telemetry log, segment HTTP listener,
// ICE port, plain and TLS signalling listeners) in order, recording each
// one's release function in started. On any failure it unwinds started in
// reverse and returns the error instead of exiting directly, so a later
// failure never leaves an earlier-started server running -- the
// rollback-on-partial-start policy spec §7 requires of Publisher.Start,
// applied here across the full set of listening servers main assembles
// around it.
func run() error {
	fs := flag.NewFlagSet("egress", flag.ExitOnError)
	logFlags := logger.RegisterFlags(fs)
	configPath := fs.String("config", "egress.yaml", "Path to the YAML configuration file")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "WebRTC segment egress server\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
		logger.PrintUsageExamples()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		return fmt.Errorf("parsing flags: %w", err)
	}

	logConfig, err := logFlags.ToConfig()
	if err != nil {
		return fmt.Errorf("configuring logger: %w", err)
	}

	log, err := logger.New(logConfig)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer log.Close()
	logger.SetDefault(log)

	log.Info("starting rtc-egress", "log_config", logFlags.String())

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	log.Info("configuration loaded", "config_path", *configPath)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// started accumulates one release function per sub-resource that has
	// successfully come up, most-recently-started last. rollback runs
	// them in reverse so a later failure tears down everything that
	// preceded it, never leaving an orphaned listener behind.
	var started []func()
	rollback := func() {
		for i := len(started) - 1; i >= 0; i-- {
			started[i]()
		}
	}

	telemetryLog, telemetryFile, err := openTelemetry(cfg.Telemetry.LogFile)
	if err != nil {
		return fmt.Errorf("opening telemetry log: %w", err)
	}
	if telemetryFile != nil {
		started = append(started, func() { telemetryFile.Close() })
	}

	validator := auth.NewValidator(cfg.Signing.Secret)

	srPolicy := rtpdata.SRPolicy{
		Interval:       cfg.RTCP.Interval(),
		PacketInterval: uint32(cfg.RTCP.PacketThreshold),
		ByteInterval:   uint32(cfg.RTCP.ByteThreshold),
	}

	pub := (*publisher.Publisher)(nil)
	onFailed := func(sessionID uint64) {
		if pub != nil {
			pub.DisconnectSession(sessionID)
		}
	}

	builder, err := newSessionBuilder(nil, srPolicy, onFailed, log.Logger)
	if err != nil {
		rollback()
		return fmt.Errorf("initializing session builder: %w", err)
	}

	pub = publisher.New("egress", validator, telemetryLog, builder.Build, cfg.Codecs.AllowedCodecIDs, log.Logger)

	var originPuller application.OriginPuller
	var puller *originpull.Puller
	if cfg.Origin.URLTemplate != "" {
		puller = originpull.New(cfg.Origin.URLTemplate, log.Logger)
		originPuller = puller
	}

	app := application.New("default", "app", originPuller, log.Logger)
	pub.AddApplication(app)

	if puller != nil && cfg.Segment.HTTPBindAddress != "" {
		segServer := segmenthttp.New(puller, log.Logger)
		if err := segServer.ListenAndServe(cfg.Segment.HTTPBindAddress); err != nil {
			rollback()
			return fmt.Errorf("starting segment HTTP listener: %w", err)
		}
		started = append(started, func() { shutdownWithTimeout(segServer.Shutdown) })
	}

	if err := pub.Start(cfg.ICE.BindAddress, cfg.ICE.Candidates); err != nil {
		rollback()
		return fmt.Errorf("starting publisher: %w", err)
	}
	started = append(started, func() { _ = pub.Stop() })

	builder.SetIcePort(pub.IcePort())

	signalServer := signalhttp.New(pub, log.Logger)
	if err := signalServer.ListenAndServe(cfg.Server.BindAddress); err != nil {
		rollback()
		return fmt.Errorf("starting signalling listener: %w", err)
	}
	started = append(started, func() { shutdownWithTimeout(signalServer.Shutdown) })

	if cfg.Server.TLSBindAddress != "" {
		if err := signalServer.ListenAndServeTLS(cfg.Server.TLSBindAddress, cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile); err != nil {
			rollback()
			return fmt.Errorf("starting TLS signalling listener: %w", err)
		}
	}

	log.Info("rtc-egress running",
		"signalling_address", cfg.Server.BindAddress,
		"ice_address", cfg.ICE.BindAddress)

	<-ctx.Done()
	log.Info("shutting down")
	rollback()
	return nil
}

// shutdownWithTimeout runs a graceful shutdown function under a bounded
// context, for rollback paths that don't have a caller-supplied context
// to use.
func shutdownWithTimeout(shutdown func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}

// openTelemetry opens path for append, returning nil/nil if no path is
// configured (telemetry becomes a no-op in that case, since
// telemetry.Log tolerates a nil *Log receiver check at every call site
// in the publisher).
func openTelemetry(path string) (*telemetry.Log, *os.File, error) {
	if path == "" {
		return nil, nil, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open telemetry log %s: %w", path, err)
	}
	return telemetry.NewLog(f), f, nil
}
