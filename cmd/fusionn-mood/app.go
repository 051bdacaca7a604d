package main

import (
	"database/sql"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/fusionn-mood/internal/client/apprise"
	"github.com/fusionn-mood/internal/config"
	"github.com/fusionn-mood/internal/db"
	"github.com/fusionn-mood/internal/executor"
	"github.com/fusionn-mood/internal/queue"
	"github.com/fusionn-mood/internal/service/processor"
	"github.com/fusionn-mood/internal/worker"
	"github.com/fusionn-mood/pkg/logger"
)

const configPollInterval = 10 * time.Second

// app holds the components shared by the long-running commands.
type app struct {
	cfgMgr *config.Manager
	cfg    *config.Config
	db     *sql.DB
	store  *queue.Store
}

// openApp loads config and opens the migrated job store. pollInterval 0
// disables hot-reload, for one-shot commands.
func openApp(pollInterval time.Duration) (*app, error) {
	logger.Infof("📁 Loading config: %s", configPath)
	cfgMgr, err := config.NewManager(configPath, pollInterval)
	if err != nil {
		return nil, errors.Wrap(err, "config")
	}
	cfg := cfgMgr.Get()

	conn, err := db.Open(cfg.Database.Path, logger.Named("db"))
	if err != nil {
		cfgMgr.Stop()
		return nil, errors.Wrap(err, "open database")
	}
	if err := db.Migrate(conn, logger.Named("db")); err != nil {
		_ = conn.Close()
		cfgMgr.Stop()
		return nil, errors.Wrap(err, "migrate database")
	}

	return &app{cfgMgr: cfgMgr, cfg: cfg, db: conn, store: queue.NewStore(conn)}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		logger.Warnf("⚠️ Closing database: %v", err)
	}
	a.cfgMgr.Stop()
}

// newWorker wires the pipeline behind a worker. Notification settings
// follow config reloads; the rest needs a restart.
func (a *app) newWorker(workerCfg config.WorkerConfig) (*worker.Worker, error) {
	fetcher, err := executor.NewFetcher(a.cfg.Fetcher, true)
	if err != nil {
		return nil, err
	}
	if y, ok := fetcher.(*executor.YtDlp); ok {
		if err := y.CheckBinary(); err != nil {
			logger.Warnf("⚠️ %v; fetches will fail until it is installed", err)
		}
	}
	scorer, err := executor.NewScorer(a.cfg.Scorer)
	if err != nil {
		return nil, err
	}

	notifier := apprise.NewClient(a.cfg.Apprise)
	if a.cfg.Apprise.Enabled {
		logger.Infof("🔔 Notifications: enabled (key=%s)", a.cfg.Apprise.Key)
	} else {
		logger.Info("🔔 Notifications: disabled")
	}
	a.cfgMgr.OnChange(func(_, cur *config.Config) {
		notifier.SetConfig(cur.Apprise)
	})

	proc := processor.New(a.cfg, a.store, fetcher, scorer, notifier)
	return worker.New(a.store, proc, workerCfg), nil
}

func (a *app) logPipeline() {
	logger.Infof("🗄️  Database: %s", a.cfg.Database.Path)
	logger.Infof("📥 Fetcher: %s", a.cfg.Fetcher.Provider)
	if a.cfg.Scorer.RateLimitRPM > 0 {
		logger.Infof("🎭 Scorer: %s (rate limit: %d RPM)", a.cfg.Scorer.Provider, a.cfg.Scorer.RateLimitRPM)
	} else {
		logger.Infof("🎭 Scorer: %s", a.cfg.Scorer.Provider)
	}
	logger.Infof("🔁 Retry: %d attempt(s), backoff %s up to %s",
		a.cfg.Retry.MaxAttempts, a.cfg.Retry.InitialBackoff, a.cfg.Retry.MaxBackoff)
}
