package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"querymon/services/orchestrator/internal/analysis"
	"querymon/services/orchestrator/internal/queue"
	"querymon/services/orchestrator/internal/slack"
	"querymon/services/orchestrator/internal/store"
)

// AnalysisStore is the persistence surface the orchestrator needs.
// Lookup methods return pgx.ErrNoRows when the row is absent.
type AnalysisStore interface {
	GetEvent(ctx context.Context, id string) (store.QueryTransactionEvent, error)
	GetEventsByIDs(ctx context.Context, ids []string) ([]store.QueryTransactionEvent, error)
	GetReportByEventID(ctx context.Context, eventID string) (store.AnalyzeReport, error)
	CreateReport(ctx context.Context, eventID, artifactKey string) (store.AnalyzeReport, bool, error)
	TryMarkDispatched(ctx context.Context, eventID string) (bool, error)
	ClearDispatch(ctx context.Context, eventID string) error
	AddAnalyzeRequest(ctx context.Context, request store.AnalyzeRequest) (store.AnalyzeRequest, error)
	PendingAnalyzeRequests(ctx context.Context, eventID string) ([]store.AnalyzeRequest, error)
	MarkRequestsNotified(ctx context.Context, ids []string) error
}

// ReportLinker signs a time-limited download URL for a stored report.
type ReportLinker func(report store.AnalyzeReport) (string, error)

// Requester identifies who asked for an analysis and where the answer
// should be posted.
type Requester struct {
	SlackUserID    string
	SlackChannelID string
	SlackMessageTs string
}

// EventsNotFoundError rejects an analyze request referencing unknown
// event ids. The whole batch fails so the caller sees every bad id at
// once.
type EventsNotFoundError struct {
	MissingIDs []string
}

func (e *EventsNotFoundError) Error() string {
	return fmt.Sprintf("events not found: %s", strings.Join(e.MissingIDs, ", "))
}

// RequestResult summarizes one analyze request batch.
type RequestResult struct {
	Queued       int `json:"queued"`
	AlreadyReady int `json:"alreadyReady"`
}

// Orchestrator coordinates the analyze lifecycle: request intake,
// single-dispatch webhook triggering, and callback fan-out. Any number
// of requesters may ask for the same event; at most one external
// analysis runs for it, and every requester gets notified.
type Orchestrator struct {
	analyses AnalysisStore
	producer queue.Producer
	trigger  analysis.Trigger
	linker   ReportLinker
}

func NewOrchestrator(analyses AnalysisStore, producer queue.Producer, trigger analysis.Trigger, linker ReportLinker) *Orchestrator {
	return &Orchestrator{
		analyses: analyses,
		producer: producer,
		trigger:  trigger,
		linker:   linker,
	}
}

// RequestAnalysis registers the requester against each event and
// enqueues trigger jobs for events without a finished report. Events
// already analyzed are answered immediately without re-running
// anything.
func (o *Orchestrator) RequestAnalysis(ctx context.Context, eventIDs []string, requester Requester) (RequestResult, error) {
	result := RequestResult{}
	if len(eventIDs) == 0 {
		return result, errors.New("no event ids given")
	}

	events, err := o.analyses.GetEventsByIDs(ctx, eventIDs)
	if err != nil {
		return result, fmt.Errorf("load events: %w", err)
	}
	if missing := missingIDs(eventIDs, events); len(missing) > 0 {
		return result, &EventsNotFoundError{MissingIDs: missing}
	}

	for _, event := range events {
		report, err := o.analyses.GetReportByEventID(ctx, event.ID)
		switch {
		case err == nil:
			if err := o.notifyReady(ctx, requester, event, report); err != nil {
				return result, err
			}
			result.AlreadyReady++
		case errors.Is(err, pgx.ErrNoRows):
			if _, err := o.analyses.AddAnalyzeRequest(ctx, store.AnalyzeRequest{
				EventID:        event.ID,
				SlackUserID:    requester.SlackUserID,
				SlackChannelID: requester.SlackChannelID,
				SlackMessageTs: requester.SlackMessageTs,
			}); err != nil {
				return result, fmt.Errorf("register analyze request: %w", err)
			}
			if err := o.producer.EnqueueAnalysisTrigger(ctx, queue.AnalysisTriggerJob{
				EventID:        event.ID,
				SlackUserID:    requester.SlackUserID,
				SlackChannelID: requester.SlackChannelID,
				SlackMessageTs: requester.SlackMessageTs,
			}); err != nil {
				return result, fmt.Errorf("enqueue analysis trigger: %w", err)
			}
			result.Queued++
		default:
			return result, fmt.Errorf("check report for event %s: %w", event.ID, err)
		}
	}
	return result, nil
}

// ProcessTrigger runs one trigger job from the queue. Only the first
// job per event fires the external webhook; later jobs for the same
// event find the dispatch marker set and do nothing, because their
// requesters are already on the waiters list.
func (o *Orchestrator) ProcessTrigger(ctx context.Context, job queue.AnalysisTriggerJob) error {
	event, err := o.analyses.GetEvent(ctx, job.EventID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Event expired between request and processing.
			log.Printf("analysis trigger dropped, event %s no longer exists", job.EventID)
			return nil
		}
		return fmt.Errorf("load event %s: %w", job.EventID, err)
	}

	// The callback may have landed while this job sat in the queue.
	report, err := o.analyses.GetReportByEventID(ctx, job.EventID)
	if err == nil {
		return o.notifyReady(ctx, Requester{
			SlackUserID:    job.SlackUserID,
			SlackChannelID: job.SlackChannelID,
			SlackMessageTs: job.SlackMessageTs,
		}, event, report)
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("check report for event %s: %w", job.EventID, err)
	}

	won, err := o.analyses.TryMarkDispatched(ctx, job.EventID)
	if err != nil {
		return fmt.Errorf("mark dispatched event %s: %w", job.EventID, err)
	}
	if !won {
		return nil
	}

	err = o.trigger.TriggerAnalysis(ctx, analysis.TriggerRequest{
		EventID:        event.ID,
		QueryID:        event.QueryID,
		RawQuery:       event.RawQuery,
		Environment:    event.Environment,
		SlackUserID:    job.SlackUserID,
		SlackChannelID: job.SlackChannelID,
		SlackMessageTs: job.SlackMessageTs,
	})
	if err != nil {
		// Release the marker so the retried job can fire again.
		if clearErr := o.analyses.ClearDispatch(ctx, job.EventID); clearErr != nil {
			log.Printf("clear dispatch failed event=%s err=%v", job.EventID, clearErr)
		}
		return fmt.Errorf("trigger analysis for event %s: %w", job.EventID, err)
	}
	return nil
}

// HandleCallback stores the finished report and notifies every waiter
// registered for the event. Duplicate callbacks reuse the stored
// report and simply re-drain whatever waiters are still pending.
func (o *Orchestrator) HandleCallback(ctx context.Context, eventID, artifactKey string) (store.AnalyzeReport, error) {
	report, created, err := o.analyses.CreateReport(ctx, eventID, artifactKey)
	if err != nil {
		return store.AnalyzeReport{}, fmt.Errorf("store report: %w", err)
	}
	if !created {
		log.Printf("duplicate analysis callback event=%s report=%s", eventID, report.ID)
	}

	event, err := o.analyses.GetEvent(ctx, eventID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			log.Printf("report %s stored for expired event %s, skipping notifications", report.ID, eventID)
			return report, nil
		}
		return report, fmt.Errorf("load event %s: %w", eventID, err)
	}

	waiters, err := o.analyses.PendingAnalyzeRequests(ctx, eventID)
	if err != nil {
		return report, fmt.Errorf("load waiters for event %s: %w", eventID, err)
	}

	notified := make([]string, 0, len(waiters))
	for _, waiter := range waiters {
		err := o.notifyReady(ctx, Requester{
			SlackUserID:    waiter.SlackUserID,
			SlackChannelID: waiter.SlackChannelID,
			SlackMessageTs: waiter.SlackMessageTs,
		}, event, report)
		if err != nil {
			// Leave this waiter pending; the stale-dispatch sweep or a
			// duplicate callback can still reach them.
			log.Printf("waiter notify failed event=%s request=%s err=%v", eventID, waiter.ID, err)
			continue
		}
		notified = append(notified, waiter.ID)
	}
	if len(notified) > 0 {
		if err := o.analyses.MarkRequestsNotified(ctx, notified); err != nil {
			return report, fmt.Errorf("mark waiters notified: %w", err)
		}
	}
	return report, nil
}

func (o *Orchestrator) notifyReady(ctx context.Context, requester Requester, event store.QueryTransactionEvent, report store.AnalyzeReport) error {
	reportURL, err := o.linker(report)
	if err != nil {
		return fmt.Errorf("sign report link: %w", err)
	}
	blocks, err := slack.MarshalBlocks(slack.AnalysisComplete(requester.SlackUserID, event, reportURL))
	if err != nil {
		return fmt.Errorf("marshal analysis blocks: %w", err)
	}
	return o.producer.EnqueueSlackMessage(ctx, queue.SlackMessageJob{
		ChannelID: requester.SlackChannelID,
		ThreadTs:  requester.SlackMessageTs,
		Blocks:    blocks,
	})
}

func missingIDs(requested []string, found []store.QueryTransactionEvent) []string {
	present := make(map[string]bool, len(found))
	for _, event := range found {
		present[event.ID] = true
	}
	missing := []string{}
	for _, id := range requested {
		if !present[id] {
			missing = append(missing, id)
		}
	}
	sort.Strings(missing)
	return missing
}
