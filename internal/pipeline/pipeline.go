// Package pipeline implements the worker-side processing behind the
// capture endpoint: fingerprinting, transaction aggregation, event
// persistence, and notification fan-out.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"querymon/services/orchestrator/internal/fingerprint"
	"querymon/services/orchestrator/internal/queue"
	"querymon/services/orchestrator/internal/severity"
	"querymon/services/orchestrator/internal/slack"
	"querymon/services/orchestrator/internal/store"
)

// CaptureStore persists one capture atomically: the aggregate upsert
// and the event append either both happen or neither does.
// ErrDuplicateEvent signals a redelivered job whose event row already
// exists.
type CaptureStore interface {
	RecordCapture(ctx context.Context, signature string, event store.QueryTransactionEvent) (store.QueryTransaction, store.QueryTransactionEvent, error)
}

// Processor handles capture jobs pulled off the queue.
type Processor struct {
	captures CaptureStore
	producer queue.Producer
}

func NewProcessor(captures CaptureStore, producer queue.Producer) *Processor {
	return &Processor{captures: captures, producer: producer}
}

// ProcessCapture aggregates one reported occurrence and fans the alert
// out to the project's channels. Persistence failure fails the job so
// the queue retries it; notification enqueue failures are logged per
// channel and never fail the job.
func (p *Processor) ProcessCapture(ctx context.Context, job queue.CaptureJob) error {
	eventSeverity := severity.Classify(job.ExecutionTimeMs)

	event := store.QueryTransactionEvent{
		ID:              uuid.NewString(),
		Project:         job.Project,
		QueryID:         job.QueryID,
		RawQuery:        job.RawQuery,
		Parameters:      job.Parameters,
		ExecutionTimeMs: job.ExecutionTimeMs,
		StackTrace:      job.StackTrace,
		Timestamp:       job.Timestamp,
		ReceivedAt:      time.Now().UTC(),
		ContextType:     job.ContextType,
		Environment:     job.Environment,
		ApplicationName: job.ApplicationName,
		Version:         job.Version,
		SourceAPIKey:    job.MaskedKey,
		Severity:        eventSeverity,
		ExecutionPlan:   job.ExecutionPlan,
	}
	if event.Parameters == nil {
		event.Parameters = map[string]any{}
	}

	signature := fingerprint.Generate(fingerprint.Input{
		ProjectID:    job.Project.ID,
		ProjectKeyID: job.ProjectKeyID,
		Environment:  job.Environment,
		StackTrace:   job.StackTrace,
		Parameters:   job.Parameters,
	})

	transaction, stored, err := p.captures.RecordCapture(ctx, signature, event)
	if err != nil {
		if errors.Is(err, store.ErrDuplicateEvent) {
			// Redelivery of an already-processed job; nothing to redo.
			log.Printf("capture redelivered project=%s queryId=%s, skipping", job.Project.ID, job.QueryID)
			return nil
		}
		return fmt.Errorf("record capture: %w", err)
	}

	log.Printf(
		"capture recorded project=%s transaction=%s occurrence=%d severity=%s",
		job.Project.ID, transaction.ID, transaction.OccurrenceCount, stored.Severity,
	)

	p.fanOutAlert(ctx, job.Project, stored)
	return nil
}

// fanOutAlert enqueues one Slack job per subscribed channel. A failure
// for one channel never blocks the others.
func (p *Processor) fanOutAlert(ctx context.Context, project store.ProjectSnapshot, event store.QueryTransactionEvent) {
	channelIDs := make([]string, 0, len(project.SlackChannelIDs))
	for _, channelID := range project.SlackChannelIDs {
		if strings.TrimSpace(channelID) != "" {
			channelIDs = append(channelIDs, channelID)
		}
	}
	if len(channelIDs) == 0 {
		return
	}

	blocks, err := slack.MarshalBlocks(slack.EventAlert(project, event))
	if err != nil {
		log.Printf("alert blocks marshal failed event=%s err=%v", event.ID, err)
		return
	}

	for _, channelID := range channelIDs {
		if err := p.producer.EnqueueSlackMessage(ctx, queue.SlackMessageJob{
			ChannelID: channelID,
			Blocks:    blocks,
		}); err != nil {
			log.Printf("alert enqueue failed event=%s channel=%s err=%v", event.ID, channelID, err)
		}
	}
}
