package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/erp/dte/internal/application/issuance"
	"github.com/erp/dte/internal/infrastructure/auth"
	"github.com/erp/dte/internal/infrastructure/authority"
	"github.com/erp/dte/internal/infrastructure/cache"
	"github.com/erp/dte/internal/infrastructure/caf"
	"github.com/erp/dte/internal/infrastructure/config"
	"github.com/erp/dte/internal/infrastructure/envelope"
	"github.com/erp/dte/internal/infrastructure/event"
	"github.com/erp/dte/internal/infrastructure/keystore"
	"github.com/erp/dte/internal/infrastructure/logger"
	"github.com/erp/dte/internal/infrastructure/persistence"
	"github.com/erp/dte/internal/infrastructure/scheduler"
	"github.com/erp/dte/internal/infrastructure/signing"
	"github.com/erp/dte/internal/infrastructure/storage"
	"github.com/erp/dte/internal/infrastructure/telemetry"
	"github.com/erp/dte/internal/infrastructure/xmldte"
	"github.com/erp/dte/internal/interfaces/http/handler"
	"github.com/erp/dte/internal/interfaces/http/middleware"
	"github.com/erp/dte/internal/interfaces/http/router"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

const (
	shutdownTimeout     = 30 * time.Second
	outboxRelayInterval = 2 * time.Second
	outboxCleanupEvery  = time.Hour
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	baseLog, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}

	if err := run(cfg, baseLog); err != nil {
		baseLog.Error("DTE engine stopped with error", zap.Error(err))
		_ = baseLog.Sync()
		os.Exit(1)
	}
	_ = baseLog.Sync()
}

func run(cfg *config.Config, baseLog *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers, err := telemetry.Setup(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    version,
		Insecure:          cfg.Telemetry.Insecure,
		MetricsInterval:   cfg.Telemetry.MetricsInterval,
	}, baseLog)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := providers.Shutdown(sctx); err != nil {
			baseLog.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()
	log := providers.BridgeLogger(baseLog, logger.ParseLevel(cfg.Log.Level))

	profiler, err := telemetry.NewProfiler(telemetry.ProfilerConfig{
		Enabled:           cfg.Telemetry.Profiling.Enabled,
		ServerAddress:     cfg.Telemetry.Profiling.ServerAddress,
		ApplicationName:   cfg.Telemetry.ServiceName,
		BasicAuthUser:     cfg.Telemetry.Profiling.BasicAuthUser,
		BasicAuthPassword: cfg.Telemetry.Profiling.BasicAuthPassword,
		ProfileTypes:      cfg.Telemetry.Profiling.ProfileTypes,
	}, log)
	if err != nil {
		return fmt.Errorf("profiler: %w", err)
	}
	defer func() {
		if err := profiler.Stop(); err != nil {
			log.Warn("Profiler shutdown failed", zap.Error(err))
		}
	}()
	if profiler.Enabled() && cfg.Telemetry.Profiling.SpanProfiles {
		providers.EnableSpanProfiles()
	}

	log.Info("Starting DTE engine",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("version", version),
		zap.String("authority", cfg.Authority.BaseURL),
		zap.String("company", cfg.Company.RUT),
	)

	db, err := persistence.NewDatabase(&cfg.Database, log, logger.MapGormLogLevel(cfg.Log.Level))
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	if db.Driver == "sqlite" {
		if err := db.AutoMigrate(); err != nil {
			return fmt.Errorf("sqlite schema: %w", err)
		}
	}
	if cfg.Telemetry.DBTraceEnabled {
		if err := telemetry.InstrumentGorm(db.DB, db.Driver); err != nil {
			return fmt.Errorf("database tracing: %w", err)
		}
	}
	log.Info("Database connected", zap.String("driver", db.Driver))

	coord, err := cache.NewCoordinationFactory(cfg.Redis, cache.WithLogger(log)).Create()
	if err != nil {
		return err
	}
	defer func() { _ = coord.Close() }()

	sealer, err := keystore.NewAgeSealer(cfg.Company.AgeRecipient, cfg.Company.AgeIdentity)
	if err != nil {
		return fmt.Errorf("key sealer: %w", err)
	}
	companyKey, err := keystore.LoadCompanyKey(keystore.CompanyKeyConfig{
		Path:           cfg.Company.CertificatePath,
		Password:       cfg.Company.CertificatePassword,
		RevokedSerials: cfg.Company.RevokedSerials,
	}, sealer)
	if err != nil {
		return fmt.Errorf("company certificate: %w", err)
	}
	trusted, err := caf.LoadTrustedKeys(cfg.CAF.TrustedKeys)
	if err != nil {
		return fmt.Errorf("authority keys: %w", err)
	}

	client, err := authority.NewClient(authority.Config{
		BaseURL:        cfg.Authority.BaseURL,
		RequestTimeout: cfg.Authority.RequestTimeout,
		MaxAttempts:    cfg.Authority.MaxAttempts,
		InitialBackoff: cfg.Authority.InitialBackoff,
		MaxBackoff:     cfg.Authority.MaxBackoff,
		RetryWindow:    cfg.Authority.RetryWindow,
		TokenTTL:       cfg.Authority.TokenTTL,
		SenderRUT:      cfg.Company.SenderRUT,
		CompanyRUT:     cfg.Company.RUT,
	}, companyKey, authority.WithTokenCache(coord.Tokens), authority.WithLogger(log))
	if err != nil {
		return fmt.Errorf("authority client: %w", err)
	}

	archive, err := newArchive(ctx, cfg, log)
	if err != nil {
		return err
	}

	dteMetrics, err := telemetry.NewDTEMetrics(providers.Meter("dte"))
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// Events reach subscribers through the outbox relay only.
	processed := cache.NewProcessedEvents(coord.Replays)
	bus := event.NewInMemoryEventBus(log)
	bus.Subscribe(event.NewIdempotentHandler("metrics", dteMetrics, processed, log))
	bus.Subscribe(event.NewIdempotentHandler("audit", event.NewLoggingHandler(log), processed, log))
	relay := event.NewOutboxRelay(event.NewGormOutboxRepository(db.DB), bus, event.NewDTESerializer(),
		event.DefaultOutboxRelayConfig(), log)

	repos := persistence.NewRepositories(db.DB)
	scope := persistence.NewGormTransactionScope(db.DB)
	opts := []issuance.Option{
		issuance.WithLogger(log),
		issuance.WithArchive(archive),
		issuance.WithMetrics(dteMetrics),
	}

	cafs := issuance.NewCAFService(scope, repos, caf.NewVerifier(trusted), sealer, cfg.CAF.CAFValidity(), opts...)
	docs := issuance.NewDocumentService(scope, repos,
		xmldte.NewBuilder(xmldte.NewValidator()), signing.NewSigner(), caf.NewKeyLoader(sealer),
		companyKey, cfg.CAF.LowStockThreshold, opts...)
	pipeline := issuance.NewPipeline(scope, repos,
		envelope.NewPackager(envelope.Config{
			MaxDocuments:     cfg.Envelope.MaxDocuments,
			SenderRUT:        cfg.Company.SenderRUT,
			ResolutionNumber: cfg.Authority.ResolutionNumber,
			ResolutionDate:   cfg.Authority.ResolutionDate,
		}),
		client, coord.Locks, companyKey,
		issuance.PipelineConfig{
			PackBatch: cfg.Envelope.PackBatch,
			PollBatch: cfg.Scheduler.PollBatch,
			SLAWindow: cfg.Authority.SLAWindow,
		}, opts...)

	workers, err := scheduler.NewWorkers(log, backgroundTasks(cfg, cafs, pipeline, relay, log)...)
	if err != nil {
		return err
	}
	if cfg.Scheduler.Enabled {
		if err := workers.Start(ctx); err != nil {
			return err
		}
	} else {
		log.Warn("Background workers disabled; documents stay SIGNED until dispatched by another instance")
	}

	tokens, err := auth.NewJWTService(cfg.JWT)
	if err != nil {
		return fmt.Errorf("operator tokens: %w", err)
	}

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine, err := router.NewAPI(router.APIConfig{
		Logger:    log,
		Version:   version,
		CAFs:      cafs,
		Documents: docs,
		Poller:    pipeline,
		Health: map[string]handler.HealthCheck{
			"database": db.Ping,
			"redis":    coord.Ping,
		},
		Tokens:         tokens,
		Replays:        coord.Replays,
		IdempotencyTTL: cfg.HTTP.IdempotencyTTL,
		Tracing: middleware.TracingConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			Enabled:     cfg.Telemetry.Enabled,
		},
		Meter:       providers.Meter("dte-http"),
		MaxBodySize: cfg.HTTP.MaxBodySize,
		RateLimit:   cfg.HTTP.RateLimit,
		RateBurst:   cfg.HTTP.RateBurst,
		Swagger: middleware.SwaggerConfig{
			Enabled:     cfg.Swagger.Enabled,
			RequireAuth: cfg.Swagger.RequireAuth,
			AllowedIPs:  cfg.Swagger.AllowedIPs,
		},
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutting down server...")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}
	if cfg.Scheduler.Enabled {
		if err := workers.Stop(sctx); err != nil {
			log.Error("Workers did not stop in time", zap.Error(err))
		}
	}
	log.Info("Server exited gracefully")
	return nil
}

func newArchive(ctx context.Context, cfg *config.Config, log *zap.Logger) (issuance.Archive, error) {
	if !cfg.Storage.Enabled {
		log.Warn("S3 archive disabled; signed documents are kept in memory only")
		return storage.NewMemoryArchive(), nil
	}
	s3, err := storage.NewS3Archive(&cfg.Storage, storage.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("archive: %w", err)
	}
	if err := s3.EnsureBucket(ctx); err != nil {
		return nil, fmt.Errorf("archive bucket: %w", err)
	}
	return s3, nil
}

func backgroundTasks(cfg *config.Config, cafs *issuance.CAFService, pipeline *issuance.Pipeline, relay *event.OutboxRelay, log *zap.Logger) []scheduler.Task {
	tasks := []scheduler.Task{
		{
			Name:       "dispatch",
			Interval:   cfg.Scheduler.DispatchInterval,
			RunAtStart: true,
			Run:        pipeline.Dispatch,
		},
		{
			Name:     "poll",
			Interval: cfg.Scheduler.PollInterval,
			Run: func(ctx context.Context) error {
				_, err := pipeline.PollDue(ctx)
				return err
			},
		},
		{
			Name:       "outbox-relay",
			Interval:   outboxRelayInterval,
			RunAtStart: true,
			Run: func(ctx context.Context) error {
				_, err := relay.RunOnce(ctx)
				return err
			},
		},
		{
			Name:     "outbox-cleanup",
			Interval: outboxCleanupEvery,
			Run: func(ctx context.Context) error {
				_, err := relay.Cleanup(ctx)
				return err
			},
		},
	}

	if cfg.Scheduler.VoidedReportPolicy == config.VoidedReportScheduled {
		tasks = append(tasks, scheduler.Task{
			Name:     "voided-report",
			Interval: cfg.Scheduler.VoidedReportInterval,
			Run: func(ctx context.Context) error {
				n, err := cafs.ArchiveVoidedReports(ctx)
				if n > 0 {
					log.Info("Voided folio reports archived", zap.Int("reports", n))
				}
				return err
			},
		})
	}
	for i := range tasks {
		tasks[i].Run = telemetry.LabelTask(tasks[i].Name, tasks[i].Run)
	}
	return tasks
}
