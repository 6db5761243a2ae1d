package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/yeti47/chunkvault/capture"
	"github.com/yeti47/chunkvault/ccc/db"
	"github.com/yeti47/chunkvault/ccc/logging"
	"github.com/yeti47/chunkvault/config"
	"github.com/yeti47/chunkvault/events"
	"github.com/yeti47/chunkvault/metrics"
	"github.com/yeti47/chunkvault/notifications"
	"github.com/yeti47/chunkvault/recording"
	"github.com/yeti47/chunkvault/segments"
	"github.com/yeti47/chunkvault/sessions"
	"github.com/yeti47/chunkvault/settings"
	"github.com/yeti47/chunkvault/syncqueue"
	"github.com/yeti47/chunkvault/transport"
)

// app holds every wired component of one process.
type app struct {
	cfg      *config.Config
	logger   logging.Logger
	db       *sql.DB
	bus      *events.Bus
	settings *settings.SQLiteStore
	segments *segments.SQLiteStore
	queue    *syncqueue.SQLiteSyncQueue
	service  *sessions.Service
	metrics  *metrics.Metrics
	// worker always runs the periodic eviction check; it uploads only when sync is enabled.
	worker *transport.SyncWorker
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	cfg.Override(overrides)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newApp(cfg *config.Config, logName string) (*app, error) {
	logger := logging.CreateLogger(logging.ParseLogLevel(cfg.LogLevel), cfg.LogPath, logName)

	database, err := db.Open(cfg.DatabaseDriver, cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	a := &app{
		cfg:    cfg,
		logger: logger,
		db:     database,
		bus:    events.NewBus(logger),
	}
	if err := a.wire(); err != nil {
		database.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	cfg := a.cfg

	settingsStore, err := settings.NewSQLiteStore(a.db, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create settings store: %w", err)
	}
	a.settings = settingsStore

	storeOpts := segments.StoreOptions{WarningPercent: cfg.Storage.WarningThresholdPercent}
	if cfg.Storage.CacheBytes > 0 {
		storeOpts.Cache = segments.NewPayloadCache(cfg.Storage.CacheBytes, a.logger)
	}
	if cfg.Storage.PayloadSecret != "" {
		codec, err := segments.NewAESPayloadCodec(cfg.Storage.PayloadSecret)
		if err != nil {
			return fmt.Errorf("failed to create payload codec: %w", err)
		}
		storeOpts.Codec = codec
	}
	segmentStore, err := segments.NewSQLiteStore(a.db, settingsStore, a.logger, storeOpts)
	if err != nil {
		return fmt.Errorf("failed to create segment store: %w", err)
	}
	a.segments = segmentStore

	queue, err := syncqueue.NewSQLiteSyncQueue(a.db, segmentStore, a.logger, syncqueue.Options{})
	if err != nil {
		return fmt.Errorf("failed to create sync queue: %w", err)
	}
	a.queue = queue

	if cfg.MetricsEnabled {
		a.metrics = metrics.New()
		a.metrics.Attach(a.bus)
	}

	eviction := segments.NewEvictionPolicy(segmentStore, a.storageNotifier(), a.bus, a.logger)

	a.service = sessions.NewService(sessions.Dependencies{
		Source:    a.captureSource(),
		Settings:  settingsStore,
		Segments:  segmentStore,
		Queue:     queue,
		Eviction:  eviction,
		Publisher: a.bus,
	}, a.logger, sessions.Options{
		TargetFraction: cfg.Storage.TargetFraction,
		Segmenter:      recording.Options{},
	})

	a.worker = a.syncWorker()
	return nil
}

func (a *app) captureSource() capture.Source {
	if a.cfg.Capture.Mock {
		src := capture.NewMockSource(a.cfg.Capture.MimeType)
		src.AutoInterval = 250 * time.Millisecond
		src.AutoChunk = make([]byte, 4096)
		a.logger.Info("Using mock capture source")
		return src
	}
	return capture.NewCommandSource(a.cfg.Capture.Command, a.cfg.Capture.Args, a.cfg.Capture.MimeType, a.logger)
}

func (a *app) storageNotifier() notifications.StorageNotifier {
	smtpCfg := a.cfg.SMTP
	if !smtpCfg.Enabled() {
		return notifications.NopStorageNotifier
	}
	sender := notifications.NewSmtpSender(smtpCfg.Host, smtpCfg.Port, smtpCfg.Username, smtpCfg.Password, smtpCfg.From)
	return notifications.NewEmailStorageNotifier(notifications.StorageNotificationSettings{
		Recipient:        smtpCfg.To,
		MinInterval:      time.Duration(smtpCfg.MinIntervalMinutes) * time.Minute,
		WarningThreshold: float64(a.cfg.Storage.WarningThresholdPercent) / 100,
	}, sender, a.logger)
}

func (a *app) syncWorker() *transport.SyncWorker {
	cfg := a.cfg
	deps := transport.WorkerDependencies{
		Queue:     a.queue,
		Segments:  a.segments,
		Settings:  a.settings,
		Evictor:   a.service,
		Publisher: a.bus,
	}
	if a.metrics != nil {
		deps.Observer = a.metrics
	}

	interval := time.Duration(cfg.Storage.EvictionIntervalSeconds) * time.Second
	if cfg.Sync.Enabled {
		deps.Uploader = transport.NewHTTPUploader(cfg.Sync.RemoteURL, cfg.Sync.APIKey,
			time.Duration(cfg.Sync.TimeoutSeconds)*time.Second)
		interval = time.Duration(cfg.Sync.IntervalSeconds) * time.Second
	}

	return transport.NewSyncWorker(deps, a.logger, transport.WorkerOptions{
		BatchSize:      cfg.Sync.BatchSize,
		Concurrency:    cfg.Sync.Concurrency,
		Interval:       interval,
		TargetFraction: cfg.Storage.TargetFraction,
	})
}

// syncEnabled reports whether the worker has an uploader.
func (a *app) syncEnabled() bool {
	return a.cfg.Sync.Enabled
}

func (a *app) Close() {
	a.worker.Stop()
	a.service.Close(context.Background())
	if err := a.db.Close(); err != nil {
		a.logger.Warn("Failed to close database", "error", err)
	}
}
