// renderexport/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"renderexport/admission"
	"renderexport/api"
	"renderexport/browser"
	"renderexport/config"
	"renderexport/export"
	"renderexport/ffmpeg"
	"renderexport/job"
	"renderexport/logger"
	"renderexport/pipeline"
	"renderexport/workspace"
)

func main() {
	// 1. Load configuration. A .env file is optional.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("Failed to read .env: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	appLog, err := logger.New(logger.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		File:    cfg.LogFile,
		Source:  cfg.LogSource,
		Service: "renderexport",
	})
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer appLog.Close()

	// 2. Workspace root; anything left there by a previous process is orphaned.
	ws, err := workspace.NewManager(cfg.TempRoot, workspace.Thresholds{
		MinIdleCPU:  cfg.ThrottleCPU,
		MinFreeMem:  cfg.ThrottleFreeMem,
		MinFreeDisk: cfg.ThrottleFreeDisk,
	}, appLog)
	if err != nil {
		log.Fatalf("Failed to initialize workspace: %v", err)
	}
	if err := ws.Purge(); err != nil {
		appLog.Warn("could not purge stale workspaces", "error", err.Error())
	}

	// 3. Capture pipeline: ffmpeg first, the browser encodes through it.
	ffmpegRunner, err := ffmpeg.NewRunner(cfg, appLog)
	if err != nil {
		log.Fatalf("Failed to initialize ffmpeg runner: %v", err)
	}
	launcher, err := browser.NewLauncher(cfg.ChromePath, cfg.BrowserFlags, ffmpegRunner, appLog)
	if err != nil {
		log.Fatalf("Failed to initialize browser launcher: %v", err)
	}
	capture := pipeline.New(launcher, ffmpegRunner, pipeline.Options{
		NavigationTimeout: cfg.NavigationTimeout,
		MaxConcurrent:     cfg.MaxConcurrentCaptures,
	}, appLog)

	// 4. Admission.
	var store admission.Store
	var rdb *redis.Client
	switch cfg.RateLimitBackend {
	case "redis":
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			appLog.Warn("redis unreachable at startup, requests will be admitted until it recovers", "addr", cfg.RedisAddr, "error", err.Error())
		}
		cancel()
		store = admission.NewRedisStore(rdb, "renderexport:ratelimit")
	default:
		store = admission.NewMemoryStore()
	}
	limiter := admission.NewLimiter(store, cfg.RateLimitMax, cfg.RateLimitWindow, appLog)

	// 5. Registry and coordinator.
	registry := job.NewRegistry(cfg.AbandonAfter, ws, appLog)
	coordinator := export.New(limiter, ws, capture, registry, export.Options{
		RenderBaseURL:  cfg.RenderBaseURL,
		MaxDuration:    cfg.MaxDuration,
		MaxPreRollWait: cfg.MaxPreRollWait,
		MaxFPS:         cfg.MaxFPS,
	}, appLog)

	// 6. Set up router and server
	router := api.SetupRouter(coordinator, cfg, appLog)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	limiter.Start(ctx)

	go func() {
		appLog.Info("server starting", "port", cfg.Port, "render_base_url", cfg.RenderBaseURL, "rate_limit_backend", cfg.RateLimitBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	// 7. Wait for interrupt signal for graceful shutdown
	<-ctx.Done()
	stop()
	appLog.Info("shutting down gracefully, press Ctrl+C again to force")

	// In-flight captures are cancelled by the coordinator, so the server
	// only has to wait for their teardown.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	coordDone := make(chan struct{})
	go func() {
		defer close(coordDone)
		if err := coordinator.Shutdown(shutdownCtx); err != nil {
			appLog.Warn("export coordinator did not stop cleanly", "error", err.Error())
		}
	}()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		appLog.Error("server forced to shutdown", "error", err.Error())
	}
	<-coordDone
	if rdb != nil {
		_ = rdb.Close()
	}

	appLog.Info("server exiting")
}
