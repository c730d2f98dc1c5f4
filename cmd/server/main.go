package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/executor"
	"github.com/stemsi/exstem-proctor/internal/export"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/proctor"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExStem Proctor")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

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

	// ─── Initialize Repositories ───────────────────────────────────────
	examRepo := repository.NewExamRepository(pool)
	submissionRepo := repository.NewSubmissionRepository(pool)
	draftRepo := repository.NewAnswerDraftRepository(pool)
	integrityRepo := repository.NewIntegrityRepository(pool)
	monitorRepo := repository.NewMonitorRepository(pool)

	// ─── Initialize Execution Backends ─────────────────────────────────
	backends, closeBackends := buildBackends(ctx, cfg.Executor, log)
	defer closeBackends()

	// ─── Initialize Transcript Exporter ────────────────────────────────
	exporter := buildExporter(cfg.Export, log)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	examService := service.NewExamService(examRepo, rdb, cfg.Session.ExamCacheTTL, log)
	sessionService := service.NewSessionService(cfg.Session, service.SessionDeps{
		Exams:       examService,
		Auth:        authService,
		Submissions: submissionRepo,
		Drafts:      draftRepo,
		Backends:    backends,
		Exporter:    exporter,
		Redis:       rdb,
	}, log)
	monitorService := service.NewMonitorService(monitorRepo, sessionService)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(sessionService, log),
		WS:      handler.NewWSHandler(sessionService, log, cfg.AllowedOrigins),
		Monitor: handler.NewMonitorHandler(rdb, examService, monitorService, log),
		System:  handler.NewSystemHandler(pool, rdb, sessionService, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	integrityWorker := worker.NewIntegrityWorker(integrityRepo, rdb, worker.Options{}, log)
	autosaveWorker := worker.NewAutosaveWorker(draftRepo, rdb, worker.Options{}, log)
	submissionWorker := worker.NewSubmissionWorker(submissionRepo, rdb, worker.Options{}, log)

	for _, start := range []func(context.Context){
		integrityWorker.Start,
		autosaveWorker.Start,
		submissionWorker.Start,
	} {
		workers.Add(1)
		go func(start func(context.Context)) {
			defer workers.Done()
			start(workerCtx)
		}(start)
	}

	// ─── Prewarm Redis Caches ─────────────────────────────────────────
	// Load all published exams into Redis BEFORE accepting traffic.
	// This avoids race conditions from lazy loading under thundering herd.
	if err := examService.PrewarmAllCaches(ctx); err != nil {
		log.Warn().Err(err).Msg("Cache prewarm failed")
	}

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(ctx, authService, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout). Hijacked WebSocket
	// connections are not waited for.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Release live sessions. Their Redis keys stay so candidates can
	// resume on another instance.
	sessionService.Close()

	// 3. Stop background workers and wait for queues to drain.
	workerCancel()
	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("Workers did not drain in time")
	}

	log.Info().Msg("Shutdown complete")
}

// buildBackends wires the Python backend selected by EXEC_PYTHON_MODE and the
// SQL backend when a warehouse is configured.
func buildBackends(ctx context.Context, cfg config.ExecutorConfig, log zerolog.Logger) (map[model.Language]executor.Backend, func()) {
	backends := make(map[model.Language]executor.Backend)
	closeFn := func() {}

	switch cfg.PythonMode {
	case "docker":
		docker, err := executor.NewDockerBackend(ctx, executor.DockerConfig{
			Image:      cfg.DockerPythonImage,
			RunTimeout: cfg.RunTimeout,
		}, log)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize Docker backend")
		}
		backends[model.LanguagePython] = docker
		closeFn = func() {
			if err := docker.Close(); err != nil {
				log.Warn().Err(err).Msg("Docker client close failed")
			}
		}
	default:
		backends[model.LanguagePython] = executor.NewPistonBackend(executor.PistonConfig{
			BaseURL:    cfg.PistonURL,
			Version:    cfg.PistonPythonVersion,
			RunTimeout: cfg.RunTimeout,
		})
	}

	if cfg.SQLEnabled() {
		backends[model.LanguageSQL] = executor.NewStatementBackend(executor.StatementConfig{
			BaseURL:     cfg.SQLAPIURL,
			Token:       cfg.SQLAPIToken,
			WarehouseID: cfg.SQLWarehouseID,
			Poll: executor.PollPolicy{
				Interval:    cfg.SQLPollInterval,
				MaxAttempts: cfg.SQLPollMaxAttempts,
			},
		}, log)
	} else {
		log.Warn().Msg("SQL warehouse not configured, SQL exams cannot run code")
	}

	log.Info().
		Str("python_mode", cfg.PythonMode).
		Bool("sql", cfg.SQLEnabled()).
		Msg("Execution backends ready")
	return backends, closeFn
}

// buildExporter returns nil when transcripts are disabled. The nil interface
// matters: a typed nil would be called by the controller.
func buildExporter(cfg config.ExportConfig, log zerolog.Logger) proctor.TranscriptExporter {
	format, err := export.ParseFormat(cfg.Format)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid export format")
	}
	if format == export.FormatNone {
		log.Info().Msg("Transcript export disabled")
		return nil
	}

	exp, err := export.New(cfg.Dir, format, cfg.FontPath, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize transcript exporter")
	}
	return exp
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
