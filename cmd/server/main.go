package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/stemsi/examroom/internal/config"
	"github.com/stemsi/examroom/internal/database"
	"github.com/stemsi/examroom/internal/handler"
	"github.com/stemsi/examroom/internal/logger"
	"github.com/stemsi/examroom/internal/repository"
	"github.com/stemsi/examroom/internal/router"
	"github.com/stemsi/examroom/internal/service"
	"github.com/stemsi/examroom/internal/validator"
	"github.com/stemsi/examroom/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat, cfg.LogFile)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Bool("auto_submit_expired", cfg.AutoSubmitExpired).
		Msg("Starting exam room server")

	// ─── Initialize Validator ──────────────────────────────────────────
	if err := validator.Setup(); err != nil {
		log.Fatal().Err(err).Msg("Failed to set up validator")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	if err := os.MkdirAll(cfg.ProctorDir, 0o750); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.ProctorDir).Msg("Failed to create proctor frame directory")
	}

	// ─── Initialize Repositories ───────────────────────────────────────
	adminRepo := repository.NewAdminRepository(pool)
	examRepo := repository.NewExamRepository(pool)
	sessionRepo := repository.NewExamSessionRepository(pool)
	resultRepo := repository.NewResultRepository(pool)
	frameRepo := repository.NewProctorFrameRepository(pool)
	monitorRepo := repository.NewMonitorRepository(pool)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg, adminRepo)
	examService := service.NewExamService(examRepo, rdb, log)
	monitorService := service.NewMonitorService(monitorRepo, rdb, log)
	sessionService := service.NewExamSessionService(cfg, sessionRepo, examService, monitorService, rdb, log)
	proctorService := service.NewProctorService(cfg, frameRepo, monitorService, rdb, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Auth:          handler.NewAuthHandler(authService),
		StudentPortal: handler.NewStudentPortalHandler(sessionService, examService),
		Exam:          handler.NewExamHandler(examService, sessionService, proctorService),
		Monitor:       handler.NewMonitorHandler(examService, monitorService, log),
		WS:            handler.NewWSHandler(cfg, examService, sessionService, proctorService, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	for _, w := range []interface{ Start(context.Context) }{
		worker.NewProgressWorker(sessionRepo, rdb, log),
		worker.NewResultWorker(resultRepo, rdb, log),
		worker.NewFrameWorker(frameRepo, rdb, log),
	} {
		workers.Add(1)
		go func() {
			defer workers.Done()
			w.Start(workerCtx)
		}()
	}

	// ─── Prewarm Redis Caches ─────────────────────────────────────────
	// Load all published exams into Redis BEFORE accepting traffic.
	if err := examService.PrewarmAllCaches(ctx); err != nil {
		log.Warn().Err(err).Msg("Cache prewarm failed")
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	stop := make(chan struct{})
	r := router.SetupRouter(authService, rdb, handlers, cfg, log, stop)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (10s timeout). Hijacked WebSocket
	// connections are not tracked by Shutdown and close with the process.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	close(stop)

	// 2. Stop background workers; each flushes what it has buffered.
	workerCancel()
	workers.Wait()

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
