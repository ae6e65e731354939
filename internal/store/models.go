package store

import (
	"time"

	"querymon/services/orchestrator/internal/severity"
)

type Project struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Platform        string    `json:"platform"`
	SlackChannelIDs []string  `json:"slackChannelIds"`
	CreatedAt       time.Time `json:"createdAt"`
}

type ProjectKey struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"projectId"`
	Name       string     `json:"name"`
	HashedKey  string     `json:"-"`
	MaskedKey  string     `json:"maskedKey"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

type TransactionStatus string

const (
	TransactionOpen         TransactionStatus = "open"
	TransactionAcknowledged TransactionStatus = "acknowledged"
	TransactionResolved     TransactionStatus = "resolved"
)

func (s TransactionStatus) Valid() bool {
	switch s {
	case TransactionOpen, TransactionAcknowledged, TransactionResolved:
		return true
	default:
		return false
	}
}

// QueryTransaction is the aggregated record for one call-site signature.
// Exactly one exists per (project, signature).
type QueryTransaction struct {
	ID                   string            `json:"id"`
	ProjectID            string            `json:"projectId"`
	RawQuery             string            `json:"rawQuery"`
	Parameters           map[string]any    `json:"parameters"`
	Signature            string            `json:"signature"`
	Description          string            `json:"description,omitempty"`
	Status               TransactionStatus `json:"status"`
	FirstOccurrence      time.Time         `json:"firstOccurrence"`
	OccurrenceCount      int               `json:"occurrenceCount"`
	TotalExecutionTime   float64           `json:"totalExecutionTime"`
	AverageExecutionTime float64           `json:"averageExecutionTime"`
	MaxExecutionTime     float64           `json:"maxExecutionTime"`
	MinExecutionTime     float64           `json:"minExecutionTime"`
	Environment          string            `json:"environment"`
	Severity             severity.Severity `json:"severity"`
	Assignee             string            `json:"assignee,omitempty"`
	Tags                 []string          `json:"tags,omitempty"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

// ProjectSnapshot is embedded in each event at capture time. It is a
// copy, not a live reference: history must reflect the project's state
// when the event was captured.
type ProjectSnapshot struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Platform        string   `json:"platform"`
	SlackChannelIDs []string `json:"slackChannelIds"`
}

type ExecutionPlan struct {
	DatabaseProvider string `json:"databaseProvider"`
	PlanFormat       string `json:"planFormat"`
	Content          string `json:"content"`
}

// QueryTransactionEvent is one captured occurrence, immutable after
// creation.
type QueryTransactionEvent struct {
	ID              string            `json:"id"`
	TransactionID   string            `json:"transactionId"`
	Project         ProjectSnapshot   `json:"project"`
	QueryID         string            `json:"queryId"`
	RawQuery        string            `json:"rawQuery"`
	Parameters      map[string]any    `json:"parameters"`
	ExecutionTimeMs int               `json:"executionTimeMs"`
	StackTrace      []string          `json:"stackTrace,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
	ReceivedAt      time.Time         `json:"receivedAt"`
	ContextType     string            `json:"contextType"`
	Environment     string            `json:"environment"`
	ApplicationName string            `json:"applicationName,omitempty"`
	Version         string            `json:"version,omitempty"`
	SourceAPIKey    string            `json:"sourceApiKey"`
	Severity        severity.Severity `json:"severity"`
	ExecutionPlan   *ExecutionPlan    `json:"executionPlan,omitempty"`
}

// AnalyzeReport links an event to its stored AI-analysis artifact.
// At most one exists per event.
type AnalyzeReport struct {
	ID          string    `json:"id"`
	EventID     string    `json:"eventId"`
	ArtifactKey string    `json:"artifactKey"`
	CreatedAt   time.Time `json:"createdAt"`
}

// AnalyzeRequest records one requester waiting for an event's analysis
// to complete. Every waiter is notified when the callback arrives.
type AnalyzeRequest struct {
	ID             string     `json:"id"`
	EventID        string     `json:"eventId"`
	SlackUserID    string     `json:"slackUserId"`
	SlackChannelID string     `json:"slackChannelId"`
	SlackMessageTs string     `json:"slackMessageTs,omitempty"`
	NotifiedAt     *time.Time `json:"notifiedAt,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
}

// EventFilter drives the operator-facing event listing.
type EventFilter struct {
	ProjectID string
	Search    string
	Severity  severity.Severity
	Sort      string
	Page      int
	PerPage   int
}

type Page[T any] struct {
	Items      []T `json:"items"`
	Total      int `json:"total"`
	Page       int `json:"page"`
	PerPage    int `json:"perPage"`
	TotalPages int `json:"totalPages"`
}

type CleanupResult struct {
	DeletedEvents  int `json:"deletedEvents"`
	DeletedReports int `json:"deletedReports"`
	RetentionDays  int `json:"retentionDays"`
}
