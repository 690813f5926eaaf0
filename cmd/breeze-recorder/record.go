package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/breeze-rmm/recorder/internal/capture"
	"github.com/breeze-rmm/recorder/internal/catalog"
	"github.com/breeze-rmm/recorder/internal/config"
	"github.com/breeze-rmm/recorder/internal/delivery"
	"github.com/breeze-rmm/recorder/internal/handoff"
	"github.com/breeze-rmm/recorder/internal/httpapi"
	"github.com/breeze-rmm/recorder/internal/logging"
	"github.com/breeze-rmm/recorder/internal/resource"
	"github.com/breeze-rmm/recorder/internal/segwriter"
	"github.com/breeze-rmm/recorder/internal/source"
	"github.com/breeze-rmm/recorder/internal/storage/providers"
	"github.com/breeze-rmm/recorder/internal/telemetry"
)

var log = logging.L("main")

// handoffGrace is added to the transcode timeout when waiting for the
// compression queue to drain after capture ends.
const handoffGrace = 2 * time.Minute

func initLogging(cfg config.LogConfig) (io.Closer, error) {
	if cfg.File == "" {
		logging.Init(cfg.Format, cfg.Level, os.Stdout)
		return nil, nil
	}
	rw, err := logging.NewRotatingWriter(cfg.File, cfg.MaxSizeMB, cfg.MaxBackups)
	if err != nil {
		return nil, err
	}
	logging.Init(cfg.Format, cfg.Level, io.MultiWriter(os.Stdout, rw))
	return rw, nil
}

func newSessionID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return time.Now().UTC().Format("20060102T150405") + "-" + hex.EncodeToString(b)
}

func runRecord() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logCloser, err := initLogging(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	defer logging.Sync()

	if result := cfg.ValidateTiered(); result.HasFatals() {
		return fmt.Errorf("invalid configuration: %w", errors.Join(result.Fatals...))
	}
	settings, err := cfg.Settings()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Writer.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Delivery: catalog, log and the optional remote provider.
	sinks := delivery.Multi{delivery.LogSink{}}
	if cfg.Catalog.Driver == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.Catalog.DSN), 0o755); err != nil {
			return fmt.Errorf("create catalog directory: %w", err)
		}
	}
	store, err := catalog.Open(ctx, cfg.Catalog)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	if store != nil {
		defer store.Close()
		sinks = append(sinks, delivery.CatalogSink{Store: store})
	}
	provider, err := providers.New(cfg.Delivery.Provider)
	if err != nil {
		return fmt.Errorf("configure storage provider: %w", err)
	}
	if provider != nil {
		upload := delivery.NewUploadSink(provider, cfg.Delivery.Prefix, cfg.Delivery.Retry)
		upload.RemoveLocal = cfg.Delivery.RemoveLocal
		sinks = append(sinks, upload)
		log.Info("remote delivery enabled", zap.String("provider", provider.Name()))
	}

	// Compression handoff.
	table, err := loadPresetTable(cfg)
	if err != nil {
		return err
	}
	var tx handoff.Transcoder
	if cfg.Compression.Enabled {
		ff, err := handoff.NewFFmpegTranscoder(cfg.Compression.FFmpeg)
		if err != nil {
			log.Warn("compression disabled, segments are delivered raw", zap.Error(err))
		} else {
			tx = ff
		}
	}
	proc := handoff.NewProcessor(cfg.Compression.Config, table, tx)

	// Telemetry.
	hub := telemetry.NewWSHub(originChecker(cfg.Telemetry.AllowedOrigins))
	defer hub.Close()
	reporter := telemetry.NewReporter(telemetry.Options{MinInterval: cfg.Telemetry.MinInterval}, telemetry.NewLogListener(), hub)

	dispatcher := handoff.NewDispatcher(proc, sinks, reporter, handoff.DispatcherOptions{
		Workers:   cfg.Compression.Workers,
		QueueSize: cfg.Compression.QueueSize,
	})

	// Capture source.
	var (
		acquirer capture.StreamAcquirer
		sources  capture.SourceFactory
		ingest   *source.Ingest
	)
	switch cfg.Capture.Source {
	case config.SourceWebRTC:
		ingest, err = source.NewIngest(source.IngestOptions{
			ICEServers:     cfg.Capture.WebRTC.ICEServers,
			MirrorAudio:    cfg.Capture.WebRTC.MirrorAudio,
			GatherTimeout:  cfg.Capture.WebRTC.GatherTimeout,
			AcquireTimeout: cfg.Capture.WebRTC.AcquireTimeout,
		})
		if err != nil {
			return fmt.Errorf("start WebRTC ingest: %w", err)
		}
		defer ingest.Close()
		acquirer, sources = ingest, source.TrackSources{}
	default:
		if settings.Encoding.Container == "" {
			settings.Encoding = pickContainer(cfg.Capture.FFmpeg, settings.Encoding)
		}
		acquirer = &source.FFmpegAcquirer{Binary: cfg.Capture.FFmpeg}
		sources = source.NewFFmpegSources()
	}

	writer := segwriter.New(segwriter.NewDirDestination(cfg.Writer.OutputDir), segwriter.Options{
		OpenTimeout: cfg.Writer.OpenTimeout,
		SyncEvery:   cfg.Writer.SyncEvery,
	})

	var guard capture.ResourceGuard
	if settings.ResourceCheckInterval > 0 {
		guard = resource.NewGuard(cfg.Writer.OutputDir, cfg.Resources.Limits)
	}

	sessionID := newSessionID()
	ctrl, err := capture.NewController(sessionID, settings, capture.Deps{
		Acquirer: acquirer,
		Sources:  sources,
		Writer:   writer,
		Handoff:  dispatcher,
		Reporter: reporter,
		Guard:    guard,
	})
	if err != nil {
		return err
	}

	// Status API.
	var api *httpapi.Server
	if cfg.Telemetry.ListenAddr != "" {
		opts := httpapi.Options{
			Addr:               cfg.Telemetry.ListenAddr,
			AllowedOrigins:     cfg.Telemetry.AllowedOrigins,
			Telemetry:          hub,
			CompressionPresets: table.All(),
			SplitPresets:       config.SplitPresets(),
		}
		if ingest != nil {
			opts.Ingest = ingest
		}
		api = httpapi.New(opts)
		api.SetSession(ctrl)
		go func() {
			if err := api.ListenAndServe(); err != nil {
				log.Error("HTTP API stopped", zap.Error(err))
			}
		}()
	}

	// First signal stops gracefully, a second aborts.
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case <-sigChan:
		case <-ctrl.Done():
			return
		}
		log.Info("stopping capture session, press Ctrl+C again to abort")
		ctrl.Stop()
		select {
		case <-sigChan:
			log.Warn("aborting capture session")
			cancel()
		case <-ctrl.Done():
		}
	}()

	sessLog := logging.WithSession(log, sessionID)
	sessLog.Info("capture session starting",
		zap.String("source", cfg.Capture.Source),
		zap.String("container", settings.Encoding.Container),
		zap.String("output", cfg.Writer.OutputDir))

	runErr := ctrl.Run(ctx)

	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.Compression.Timeout+handoffGrace)
	if err := dispatcher.Wait(waitCtx); err != nil {
		sessLog.Warn("compression handoff did not finish", zap.Error(err))
	}
	dispatcher.Close(waitCtx)
	waitCancel()

	if api != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := api.Shutdown(shutdownCtx); err != nil {
			sessLog.Warn("HTTP API shutdown failed", zap.Error(err))
		}
		shutdownCancel()
	}

	stats := ctrl.Snapshot()
	sessLog.Info("capture session ended",
		zap.String("status", stats.Status),
		zap.Int("segments", stats.SegmentCount),
		zap.Int64(logging.KeyBytes, stats.TotalBytes),
		zap.Duration("duration", stats.Duration))

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

// pickContainer chooses the first container the host ffmpeg can mux.
func pickContainer(binary string, enc capture.EncodingParams) capture.EncodingParams {
	muxers, err := source.ProbeMuxers(binary)
	if err != nil {
		log.Warn("could not list ffmpeg muxers, assuming webm", zap.Error(err))
		enc.Container = "webm"
		return enc
	}
	c, ok := source.PickCandidate("", source.DefaultCandidates, func(name string) bool { return muxers[name] })
	if !ok {
		enc.Container = "webm"
		return enc
	}
	enc.Container = c.Container
	if enc.MimeType == "" {
		enc.MimeType = c.MimeType
	}
	return enc
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 || slices.Contains(allowed, "*") {
		return nil
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}
