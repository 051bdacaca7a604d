package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/fusionn-mood/internal/handler"
	"github.com/fusionn-mood/internal/projection"
	"github.com/fusionn-mood/internal/service/intake"
	"github.com/fusionn-mood/internal/version"
	"github.com/fusionn-mood/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start the HTTP API. By default an in-process worker runs alongside it
and is woken as soon as jobs are submitted. Pass --worker=false to run the
API alone and scale workers as separate processes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		withWorker, _ := cmd.Flags().GetBool("worker")
		return runServe(withWorker)
	},
}

func init() {
	serveCmd.Flags().Bool("worker", true, "Run claim loops in this process")
}

func runServe(withWorker bool) error {
	version.PrintBanner(nil)

	a, err := openApp(configPollInterval)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var notifier intake.Notifier
	var workerDone chan error // nil without a worker, so it never fires
	if withWorker {
		w, err := a.newWorker(cfg.Worker)
		if err != nil {
			return err
		}
		notifier = w
		workerDone = make(chan error, 1)
		go func() { workerDone <- w.Run(ctx) }()
	}

	if os.Getenv("ENV") == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger())

	h := handler.New(intake.New(a.store, notifier), projection.New(a.store), a.store)
	h.RegisterRoutes(router)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Print startup info
	logger.Info("")
	a.logPipeline()
	if withWorker {
		logger.Infof("👷 Worker: %d loop(s) in-process", cfg.Worker.Workers)
	} else {
		logger.Info("👷 Worker: disabled (run `fusionn-mood worker` separately)")
	}
	logger.Info("")
	logger.Infof("🌐 API server: http://localhost:%d", cfg.Server.Port)
	logger.Infof("   POST /api/v1/jobs              - Queue video references")
	logger.Infof("   GET  /api/v1/jobs/:id          - Job detail with sentiment timeline")
	logger.Infof("   POST /api/v1/retry/failed      - Re-queue failed jobs")
	logger.Info("")
	logger.Info("────────────────────────────────────────────────────────────────")
	logger.Info("✅  Ready! Waiting for jobs...")
	logger.Info("────────────────────────────────────────────────────────────────")

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serverErr:
		runErr = errors.Wrap(err, "server")
	case err := <-workerDone:
		// only a halted worker returns before ctx ends
		if err != nil {
			runErr = errors.Wrap(err, "worker")
		}
		workerDone = nil
	}
	stop()

	logger.Info("")
	logger.Info("🛑 Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("❌ Shutdown error: %v", err)
	}
	if workerDone != nil {
		select {
		case <-workerDone:
		case <-shutdownCtx.Done():
			logger.Warn("⚠️ Worker did not stop in time; stale recovery will pick up its jobs")
		}
	}

	if runErr != nil {
		logger.Errorf("❌ %v", runErr)
		return runErr
	}
	logger.Info("👋 Goodbye!")
	return nil
}

// requestLogger returns a gin middleware for logging HTTP requests
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		if path != "/api/v1/health" || status >= 400 {
			latency := time.Since(start)
			logger.Debugf("HTTP %s %s → %d (%v)", c.Request.Method, path, status, latency)
		}
	}
}
