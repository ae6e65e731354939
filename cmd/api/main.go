package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"querymon/services/orchestrator/internal/analysis"
	"querymon/services/orchestrator/internal/api"
	"querymon/services/orchestrator/internal/artifacts"
	"querymon/services/orchestrator/internal/config"
	"querymon/services/orchestrator/internal/pipeline"
	"querymon/services/orchestrator/internal/projectkey"
	"querymon/services/orchestrator/internal/queue"
	"querymon/services/orchestrator/internal/store"
)

func main() {
	cfg := config.Load()

	ctx := context.Background()
	db, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := store.Migrate(db.Pool()); err != nil {
		log.Fatalf("database migration failed: %v", err)
	}

	queueNames := queue.QueueNames{
		Capture:  cfg.CaptureQueueName,
		Slack:    cfg.SlackQueueName,
		Analysis: cfg.AnalysisQueueName,
	}
	redisQueue, err := queue.NewRedisProducer(cfg.RedisAddr, queueNames)
	if err != nil {
		log.Printf("redis queues unavailable (%v), continuing with noop producer", err)
		redisQueue = nil
	}

	var producer queue.Producer
	var queueStats queue.StatsProvider
	var redriver api.DeadLetterRedriver
	if redisQueue == nil {
		producer = queue.NewNoopProducer()
	} else {
		producer = redisQueue
		queueStats = redisQueue
		redriver = redisQueue
	}
	defer producer.Close()

	artifactStore := newArtifactStore(ctx, cfg)
	defer artifactStore.Close()

	reportLinks := api.NewReportLinkSigner(
		cfg.ReportTokenSecret,
		cfg.PublicBaseURL,
		time.Duration(cfg.ReportTokenTTLSeconds)*time.Second,
	)
	trigger := analysis.NewClient(
		cfg.AnalysisWebhookURL,
		cfg.AnalysisWebhookAuthHeader,
		time.Duration(cfg.AnalysisTimeoutSeconds)*time.Second,
	)
	orchestrator := pipeline.NewOrchestrator(db, producer, trigger, func(report store.AnalyzeReport) (string, error) {
		return reportLinks.SignURL(report.ID)
	})

	handler := api.NewHandler(api.HandlerOptions{
		Store:              db,
		Producer:           producer,
		Orchestrator:       orchestrator,
		ArtifactStore:      artifactStore,
		KeyValidator:       projectkey.NewValidator(db),
		QueueStats:         queueStats,
		Redriver:           redriver,
		ReportLinks:        reportLinks,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		AdminAPIKey:        cfg.AdminAPIKey,
		InternalAPIKey:     cfg.InternalAPIKey,
		SlackSigningSecret: cfg.SlackSigningSecret,
		RateLimitPerSec:    cfg.RateLimitRequestsPerSec,
		RateLimitBurst:     cfg.RateLimitBurst,
		EventRetentionDays: cfg.EventRetentionDays,
	})

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startMaintenanceLoops(shutdownCtx, db, producer, cfg)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("orchestrator listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}()

	<-shutdownCtx.Done()
	ctxTimeout, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxTimeout); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func newArtifactStore(ctx context.Context, cfg config.Config) artifacts.Store {
	if cfg.S3Bucket == "" {
		log.Printf("no S3 bucket configured, report files disabled")
		return artifacts.NewNoopStore()
	}

	s3Store, err := artifacts.NewS3Store(ctx, cfg.S3Region, cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket)
	if err != nil {
		log.Printf("s3 store unavailable (%v), report files disabled", err)
		return artifacts.NewNoopStore()
	}

	if cfg.EventRetentionDays > 0 {
		lifecycleCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := s3Store.EnsureLifecyclePolicy(lifecycleCtx, cfg.EventRetentionDays, []string{"reports/"}); err != nil {
			log.Printf("s3 lifecycle policy setup failed: %v", err)
		}
	}

	return s3Store
}
