package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"querymon/services/orchestrator/internal/analysis"
	"querymon/services/orchestrator/internal/api"
	"querymon/services/orchestrator/internal/config"
	"querymon/services/orchestrator/internal/pipeline"
	"querymon/services/orchestrator/internal/queue"
	"querymon/services/orchestrator/internal/slack"
	"querymon/services/orchestrator/internal/store"
)

func main() {
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	queueNames := queue.QueueNames{
		Capture:  cfg.CaptureQueueName,
		Slack:    cfg.SlackQueueName,
		Analysis: cfg.AnalysisQueueName,
	}
	producer, err := queue.NewRedisProducer(cfg.RedisAddr, queueNames)
	if err != nil {
		log.Fatalf("redis connection failed: %v", err)
	}
	defer producer.Close()

	slackClient := slack.NewClient(cfg.SlackAPIBaseURL, cfg.SlackBotToken)
	if !slackClient.Enabled() {
		log.Printf("no slack bot token configured, notifications will be dropped")
	}

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

	processor := pipeline.NewProcessor(db, producer)
	orchestrator := pipeline.NewOrchestrator(db, producer, trigger, func(report store.AnalyzeReport) (string, error) {
		return reportLinks.SignURL(report.ID)
	})

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "worker"
	}

	group, groupCtx := errgroup.WithContext(ctx)
	runConsumer(group, groupCtx, cfg.RedisAddr, queueNames.Capture, hostname, captureHandler(processor))
	runConsumer(group, groupCtx, cfg.RedisAddr, queueNames.Slack, hostname, slackHandler(slackClient))
	runConsumer(group, groupCtx, cfg.RedisAddr, queueNames.Analysis, hostname, analysisHandler(orchestrator))

	log.Printf("worker consuming queues capture=%s slack=%s analysis=%s", queueNames.Capture, queueNames.Slack, queueNames.Analysis)
	if err := group.Wait(); err != nil && ctx.Err() == nil {
		log.Fatalf("worker failed: %v", err)
	}
}

func runConsumer(group *errgroup.Group, ctx context.Context, redisAddr, queueName, hostname string, handler queue.Handler) {
	group.Go(func() error {
		consumer, err := queue.NewConsumer(redisAddr, queueName, handler, queue.ConsumerOptions{
			ConsumerName: hostname + ":" + queueName,
		})
		if err != nil {
			return fmt.Errorf("consumer %s: %w", queueName, err)
		}
		defer consumer.Close()

		if err := consumer.Run(ctx); err != nil && ctx.Err() == nil {
			return fmt.Errorf("consumer %s: %w", queueName, err)
		}
		return nil
	})
}

func captureHandler(processor *pipeline.Processor) queue.Handler {
	return func(ctx context.Context, envelope queue.Envelope) error {
		switch envelope.Kind {
		case queue.KindCaptureEvent:
			job := queue.CaptureJob{}
			if err := json.Unmarshal(envelope.Payload, &job); err != nil {
				return fmt.Errorf("decode capture job: %w", err)
			}
			return processor.ProcessCapture(ctx, job)
		default:
			return fmt.Errorf("unexpected job kind %q on capture queue", envelope.Kind)
		}
	}
}

func slackHandler(client *slack.Client) queue.Handler {
	return func(ctx context.Context, envelope queue.Envelope) error {
		switch envelope.Kind {
		case queue.KindSendSlackMessage:
			job := queue.SlackMessageJob{}
			if err := json.Unmarshal(envelope.Payload, &job); err != nil {
				return fmt.Errorf("decode slack job: %w", err)
			}
			if !client.Enabled() {
				log.Printf("slack disabled, dropping message channel=%s", job.ChannelID)
				return nil
			}
			return client.PostMessage(ctx, job.ChannelID, job.ThreadTs, job.Blocks)
		default:
			return fmt.Errorf("unexpected job kind %q on slack queue", envelope.Kind)
		}
	}
}

func analysisHandler(orchestrator *pipeline.Orchestrator) queue.Handler {
	return func(ctx context.Context, envelope queue.Envelope) error {
		switch envelope.Kind {
		case queue.KindTriggerAnalysis:
			job := queue.AnalysisTriggerJob{}
			if err := json.Unmarshal(envelope.Payload, &job); err != nil {
				return fmt.Errorf("decode analysis trigger: %w", err)
			}
			return orchestrator.ProcessTrigger(ctx, job)
		default:
			return fmt.Errorf("unexpected job kind %q on analysis queue", envelope.Kind)
		}
	}
}
