package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"querymon/services/orchestrator/internal/store"
)

// Kind is the closed set of job types. Workers dispatch on it with an
// exhaustive switch; unknown kinds are dead-lettered immediately.
type Kind string

const (
	KindCaptureEvent     Kind = "capture_event"
	KindSendSlackMessage Kind = "send_slack_message"
	KindTriggerAnalysis  Kind = "trigger_analysis"
)

// Envelope wraps every stream entry. Attempt counts deliveries that
// have already failed; the consumer bumps it on retry.
type Envelope struct {
	Kind       Kind            `json:"kind"`
	Attempt    int             `json:"attempt"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Payload    json.RawMessage `json:"payload"`
}

// CaptureJob carries one reported slow-query occurrence plus the
// project state snapshotted at capture time.
type CaptureJob struct {
	Project         store.ProjectSnapshot `json:"project"`
	ProjectKeyID    string                `json:"projectKeyId"`
	MaskedKey       string                `json:"maskedKey"`
	QueryID         string                `json:"queryId"`
	RawQuery        string                `json:"rawQuery"`
	Parameters      map[string]any        `json:"parameters,omitempty"`
	ExecutionTimeMs int                   `json:"executionTimeMs"`
	StackTrace      []string              `json:"stackTrace,omitempty"`
	Timestamp       time.Time             `json:"timestamp"`
	ContextType     string                `json:"contextType"`
	Environment     string                `json:"environment"`
	ApplicationName string                `json:"applicationName,omitempty"`
	Version         string                `json:"version,omitempty"`
	ExecutionPlan   *store.ExecutionPlan  `json:"executionPlan,omitempty"`
}

// SlackMessageJob posts one message to one channel. Fan-out to N
// channels is N independent jobs so a failing channel never blocks the
// others.
type SlackMessageJob struct {
	ChannelID string          `json:"channelId"`
	ThreadTs  string          `json:"threadTs,omitempty"`
	Blocks    json.RawMessage `json:"blocks"`
}

// AnalysisTriggerJob asks the worker to fire the external analysis
// webhook for one event, on behalf of one requester.
type AnalysisTriggerJob struct {
	EventID        string `json:"eventId"`
	SlackUserID    string `json:"slackUserId"`
	SlackChannelID string `json:"slackChannelId"`
	SlackMessageTs string `json:"slackMessageTs,omitempty"`
}

type Producer interface {
	EnqueueCapture(ctx context.Context, job CaptureJob) error
	EnqueueSlackMessage(ctx context.Context, job SlackMessageJob) error
	EnqueueAnalysisTrigger(ctx context.Context, job AnalysisTriggerJob) error
	Close() error
}

// QueueDepths is one queue's depth snapshot for metrics.
type QueueDepths struct {
	StreamDepth int64 `json:"streamDepth"`
	Pending     int64 `json:"pending"`
	RetryDepth  int64 `json:"retryDepth"`
	FailedDepth int64 `json:"failedDepth"`
}

type Stats struct {
	Capture  QueueDepths `json:"capture"`
	Slack    QueueDepths `json:"slack"`
	Analysis QueueDepths `json:"analysis"`
}

type StatsProvider interface {
	QueueStats(ctx context.Context) (Stats, error)
}

func marshalEnvelope(kind Kind, payload any) (string, error) {
	encodedPayload, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	envelope := Envelope{
		Kind:       kind,
		Attempt:    0,
		EnqueuedAt: time.Now().UTC(),
		Payload:    encodedPayload,
	}
	encoded, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("marshal %s envelope: %w", kind, err)
	}
	return string(encoded), nil
}

type NoopProducer struct{}

func NewNoopProducer() *NoopProducer {
	return &NoopProducer{}
}

func (p *NoopProducer) EnqueueCapture(_ context.Context, _ CaptureJob) error {
	return nil
}

func (p *NoopProducer) EnqueueSlackMessage(_ context.Context, _ SlackMessageJob) error {
	return nil
}

func (p *NoopProducer) EnqueueAnalysisTrigger(_ context.Context, _ AnalysisTriggerJob) error {
	return nil
}

func (p *NoopProducer) Close() error {
	return nil
}
