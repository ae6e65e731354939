package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"querymon/services/orchestrator/internal/analysis"
	"querymon/services/orchestrator/internal/queue"
	"querymon/services/orchestrator/internal/severity"
	"querymon/services/orchestrator/internal/store"
)

// memCaptureStore mirrors the Postgres upsert semantics: one
// transaction per (project, signature), idempotent event inserts.
type memCaptureStore struct {
	mu           sync.Mutex
	transactions map[string]*store.QueryTransaction
	events       map[string]store.QueryTransactionEvent
	seen         map[string]bool
}

func newMemCaptureStore() *memCaptureStore {
	return &memCaptureStore{
		transactions: map[string]*store.QueryTransaction{},
		events:       map[string]store.QueryTransactionEvent{},
		seen:         map[string]bool{},
	}
}

func (m *memCaptureStore) RecordCapture(_ context.Context, signature string, event store.QueryTransactionEvent) (store.QueryTransaction, store.QueryTransactionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dedupeKey := fmt.Sprintf("%s|%s|%d", event.Project.ID, event.QueryID, event.Timestamp.UnixMilli())
	if m.seen[dedupeKey] {
		return store.QueryTransaction{}, store.QueryTransactionEvent{}, store.ErrDuplicateEvent
	}
	m.seen[dedupeKey] = true

	txKey := event.Project.ID + "|" + signature
	elapsed := float64(event.ExecutionTimeMs)
	tx, ok := m.transactions[txKey]
	if !ok {
		tx = &store.QueryTransaction{
			ID:                   "tx-" + signature[:8],
			ProjectID:            event.Project.ID,
			RawQuery:             event.RawQuery,
			Signature:            signature,
			Status:               store.TransactionOpen,
			FirstOccurrence:      event.Timestamp,
			OccurrenceCount:      1,
			TotalExecutionTime:   elapsed,
			AverageExecutionTime: elapsed,
			MaxExecutionTime:     elapsed,
			MinExecutionTime:     elapsed,
			Environment:          event.Environment,
			Severity:             event.Severity,
		}
		m.transactions[txKey] = tx
	} else {
		tx.OccurrenceCount++
		tx.TotalExecutionTime += elapsed
		tx.AverageExecutionTime = tx.TotalExecutionTime / float64(tx.OccurrenceCount)
		tx.MaxExecutionTime = math.Max(tx.MaxExecutionTime, elapsed)
		tx.MinExecutionTime = math.Min(tx.MinExecutionTime, elapsed)
		tx.Severity = severity.Classify(int(tx.MaxExecutionTime))
	}

	event.TransactionID = tx.ID
	m.events[event.ID] = event
	return *tx, event, nil
}

func (m *memCaptureStore) transactionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transactions)
}

func (m *memCaptureStore) onlyTransaction(t *testing.T) store.QueryTransaction {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.transactions) != 1 {
		t.Fatalf("want exactly 1 transaction, have %d", len(m.transactions))
	}
	for _, tx := range m.transactions {
		return *tx
	}
	panic("unreachable")
}

type memProducer struct {
	mu        sync.Mutex
	slackJobs []queue.SlackMessageJob
	triggers  []queue.AnalysisTriggerJob
	failSlack bool
}

func (m *memProducer) EnqueueCapture(_ context.Context, _ queue.CaptureJob) error {
	return nil
}

func (m *memProducer) EnqueueSlackMessage(_ context.Context, job queue.SlackMessageJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSlack {
		return errors.New("redis unavailable")
	}
	m.slackJobs = append(m.slackJobs, job)
	return nil
}

func (m *memProducer) EnqueueAnalysisTrigger(_ context.Context, job queue.AnalysisTriggerJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.triggers = append(m.triggers, job)
	return nil
}

func (m *memProducer) Close() error { return nil }

func (m *memProducer) slackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slackJobs)
}

func captureJob(queryID string, elapsedMs int) queue.CaptureJob {
	return queue.CaptureJob{
		Project: store.ProjectSnapshot{
			ID:              "proj-1",
			Name:            "billing",
			Platform:        "node",
			SlackChannelIDs: []string{"C001", "C002"},
		},
		ProjectKeyID:    "key-1",
		MaskedKey:       "qm_l****90ab",
		QueryID:         queryID,
		RawQuery:        "SELECT * FROM invoices WHERE customer_id = $1",
		Parameters:      map[string]any{"customerId": 42},
		ExecutionTimeMs: elapsedMs,
		StackTrace:      []string{"invoice.service.ts:88", "billing.controller.ts:31"},
		Timestamp:       time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC).Add(time.Duration(len(queryID)) * time.Millisecond),
		ContextType:     "http",
		Environment:     "production",
	}
}

func TestProcessCaptureAggregates(t *testing.T) {
	captures := newMemCaptureStore()
	producer := &memProducer{}
	processor := NewProcessor(captures, producer)
	ctx := context.Background()

	for i, elapsed := range []int{1500, 500, 3000} {
		job := captureJob(fmt.Sprintf("q-%d", i), elapsed)
		if err := processor.ProcessCapture(ctx, job); err != nil {
			t.Fatalf("process capture %d: %v", i, err)
		}
	}

	tx := captures.onlyTransaction(t)
	if tx.OccurrenceCount != 3 {
		t.Errorf("occurrence count = %d, want 3", tx.OccurrenceCount)
	}
	if tx.TotalExecutionTime != 5000 {
		t.Errorf("total = %v, want 5000", tx.TotalExecutionTime)
	}
	wantAvg := 5000.0 / 3.0
	if math.Abs(tx.AverageExecutionTime-wantAvg) > 0.001 {
		t.Errorf("average = %v, want %v", tx.AverageExecutionTime, wantAvg)
	}
	if tx.MaxExecutionTime != 3000 || tx.MinExecutionTime != 500 {
		t.Errorf("max/min = %v/%v, want 3000/500", tx.MaxExecutionTime, tx.MinExecutionTime)
	}
	if tx.Severity != severity.High {
		t.Errorf("severity = %s, want high", tx.Severity)
	}
	// Two channels, three events.
	if got := producer.slackCount(); got != 6 {
		t.Errorf("slack jobs = %d, want 6", got)
	}
}

func TestProcessCaptureConcurrentFirstSightings(t *testing.T) {
	captures := newMemCaptureStore()
	processor := NewProcessor(captures, &memProducer{})
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- processor.ProcessCapture(ctx, captureJob(fmt.Sprintf("concurrent-%d", i), 1200))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("process capture: %v", err)
		}
	}

	if got := captures.transactionCount(); got != 1 {
		t.Fatalf("transactions = %d, want 1", got)
	}
	if tx := captures.onlyTransaction(t); tx.OccurrenceCount != workers {
		t.Errorf("occurrence count = %d, want %d", tx.OccurrenceCount, workers)
	}
}

func TestProcessCaptureDuplicateDelivery(t *testing.T) {
	captures := newMemCaptureStore()
	producer := &memProducer{}
	processor := NewProcessor(captures, producer)
	ctx := context.Background()

	job := captureJob("q-dup", 2500)
	if err := processor.ProcessCapture(ctx, job); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := processor.ProcessCapture(ctx, job); err != nil {
		t.Fatalf("redelivery should succeed silently, got %v", err)
	}

	if tx := captures.onlyTransaction(t); tx.OccurrenceCount != 1 {
		t.Errorf("occurrence count = %d, want 1 after redelivery", tx.OccurrenceCount)
	}
	if got := producer.slackCount(); got != 2 {
		t.Errorf("slack jobs = %d, want 2 (one per channel, first delivery only)", got)
	}
}

func TestProcessCaptureWithoutChannels(t *testing.T) {
	producer := &memProducer{}
	processor := NewProcessor(newMemCaptureStore(), producer)

	job := captureJob("q-quiet", 1100)
	job.Project.SlackChannelIDs = nil
	if err := processor.ProcessCapture(context.Background(), job); err != nil {
		t.Fatalf("process capture: %v", err)
	}
	if got := producer.slackCount(); got != 0 {
		t.Errorf("slack jobs = %d, want 0", got)
	}
}

func TestProcessCaptureSlackEnqueueFailureDoesNotFailJob(t *testing.T) {
	captures := newMemCaptureStore()
	processor := NewProcessor(captures, &memProducer{failSlack: true})

	if err := processor.ProcessCapture(context.Background(), captureJob("q-degraded", 1300)); err != nil {
		t.Fatalf("capture must survive notification enqueue failure, got %v", err)
	}
	if got := captures.transactionCount(); got != 1 {
		t.Errorf("transactions = %d, want 1", got)
	}
}

// memAnalysisStore backs the orchestrator tests.
type memAnalysisStore struct {
	mu         sync.Mutex
	events     map[string]store.QueryTransactionEvent
	reports    map[string]store.AnalyzeReport
	dispatched map[string]bool
	requests   []store.AnalyzeRequest
	nextID     int
}

func newMemAnalysisStore(events ...store.QueryTransactionEvent) *memAnalysisStore {
	m := &memAnalysisStore{
		events:     map[string]store.QueryTransactionEvent{},
		reports:    map[string]store.AnalyzeReport{},
		dispatched: map[string]bool{},
	}
	for _, event := range events {
		m.events[event.ID] = event
	}
	return m
}

func (m *memAnalysisStore) GetEvent(_ context.Context, id string) (store.QueryTransactionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	event, ok := m.events[id]
	if !ok {
		return store.QueryTransactionEvent{}, pgx.ErrNoRows
	}
	return event, nil
}

func (m *memAnalysisStore) GetEventsByIDs(_ context.Context, ids []string) ([]store.QueryTransactionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := []store.QueryTransactionEvent{}
	for _, id := range ids {
		if event, ok := m.events[id]; ok {
			found = append(found, event)
		}
	}
	return found, nil
}

func (m *memAnalysisStore) GetReportByEventID(_ context.Context, eventID string) (store.AnalyzeReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	report, ok := m.reports[eventID]
	if !ok {
		return store.AnalyzeReport{}, pgx.ErrNoRows
	}
	return report, nil
}

func (m *memAnalysisStore) CreateReport(_ context.Context, eventID, artifactKey string) (store.AnalyzeReport, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if report, ok := m.reports[eventID]; ok {
		return report, false, nil
	}
	m.nextID++
	report := store.AnalyzeReport{
		ID:          fmt.Sprintf("report-%d", m.nextID),
		EventID:     eventID,
		ArtifactKey: artifactKey,
		CreatedAt:   time.Now().UTC(),
	}
	m.reports[eventID] = report
	return report, true, nil
}

func (m *memAnalysisStore) TryMarkDispatched(_ context.Context, eventID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dispatched[eventID] {
		return false, nil
	}
	m.dispatched[eventID] = true
	return true, nil
}

func (m *memAnalysisStore) ClearDispatch(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dispatched, eventID)
	return nil
}

func (m *memAnalysisStore) AddAnalyzeRequest(_ context.Context, request store.AnalyzeRequest) (store.AnalyzeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	request.ID = fmt.Sprintf("request-%d", m.nextID)
	request.CreatedAt = time.Now().UTC()
	m.requests = append(m.requests, request)
	return request, nil
}

func (m *memAnalysisStore) PendingAnalyzeRequests(_ context.Context, eventID string) ([]store.AnalyzeRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := []store.AnalyzeRequest{}
	for _, request := range m.requests {
		if request.EventID == eventID && request.NotifiedAt == nil {
			pending = append(pending, request)
		}
	}
	return pending, nil
}

func (m *memAnalysisStore) MarkRequestsNotified(_ context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for i := range m.requests {
		for _, id := range ids {
			if m.requests[i].ID == id {
				m.requests[i].NotifiedAt = &now
			}
		}
	}
	return nil
}

type memTrigger struct {
	mu       sync.Mutex
	requests []analysis.TriggerRequest
	err      error
}

func (m *memTrigger) TriggerAnalysis(_ context.Context, request analysis.TriggerRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.requests = append(m.requests, request)
	return nil
}

func (m *memTrigger) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func testLinker(report store.AnalyzeReport) (string, error) {
	return "https://querymon.test/v1/reports/" + report.ID + "/file?token=signed", nil
}

func analyzableEvent(id string) store.QueryTransactionEvent {
	return store.QueryTransactionEvent{
		ID:       id,
		QueryID:  "q-" + id,
		RawQuery: "SELECT * FROM orders",
		Project:  store.ProjectSnapshot{ID: "proj-1", Name: "billing"},
		Severity: severity.Medium,
	}
}

func TestRequestAnalysisUnknownEvents(t *testing.T) {
	analyses := newMemAnalysisStore(analyzableEvent("ev-known"))
	orch := NewOrchestrator(analyses, &memProducer{}, &memTrigger{}, testLinker)

	_, err := orch.RequestAnalysis(context.Background(), []string{"ev-known", "ev-ghost", "ev-absent"}, Requester{SlackUserID: "U1", SlackChannelID: "C1"})
	var notFound *EventsNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("want EventsNotFoundError, got %v", err)
	}
	if len(notFound.MissingIDs) != 2 || notFound.MissingIDs[0] != "ev-absent" || notFound.MissingIDs[1] != "ev-ghost" {
		t.Errorf("missing ids = %v, want [ev-absent ev-ghost]", notFound.MissingIDs)
	}
	// Nothing should have been queued for the partially-valid batch.
	if len(analyses.requests) != 0 {
		t.Errorf("requests registered = %d, want 0", len(analyses.requests))
	}
}

func TestRequestAnalysisQueuesTrigger(t *testing.T) {
	analyses := newMemAnalysisStore(analyzableEvent("ev-1"))
	producer := &memProducer{}
	orch := NewOrchestrator(analyses, producer, &memTrigger{}, testLinker)

	requester := Requester{SlackUserID: "U42", SlackChannelID: "C9", SlackMessageTs: "1700.0001"}
	result, err := orch.RequestAnalysis(context.Background(), []string{"ev-1"}, requester)
	if err != nil {
		t.Fatalf("request analysis: %v", err)
	}
	if result.Queued != 1 || result.AlreadyReady != 0 {
		t.Errorf("result = %+v, want queued=1 ready=0", result)
	}
	if len(analyses.requests) != 1 || analyses.requests[0].SlackUserID != "U42" {
		t.Fatalf("waiter not registered: %+v", analyses.requests)
	}
	if len(producer.triggers) != 1 || producer.triggers[0].EventID != "ev-1" {
		t.Fatalf("trigger not enqueued: %+v", producer.triggers)
	}
}

func TestRequestAnalysisExistingReport(t *testing.T) {
	analyses := newMemAnalysisStore(analyzableEvent("ev-1"))
	analyses.reports["ev-1"] = store.AnalyzeReport{ID: "report-7", EventID: "ev-1", ArtifactKey: "reports/ev-1.md"}
	producer := &memProducer{}
	orch := NewOrchestrator(analyses, producer, &memTrigger{}, testLinker)

	result, err := orch.RequestAnalysis(context.Background(), []string{"ev-1"}, Requester{SlackUserID: "U1", SlackChannelID: "C1"})
	if err != nil {
		t.Fatalf("request analysis: %v", err)
	}
	if result.AlreadyReady != 1 || result.Queued != 0 {
		t.Errorf("result = %+v, want ready=1 queued=0", result)
	}
	if got := producer.slackCount(); got != 1 {
		t.Errorf("slack jobs = %d, want 1 immediate notification", got)
	}
	if len(producer.triggers) != 0 {
		t.Errorf("triggers = %d, want 0 for an already-analyzed event", len(producer.triggers))
	}
}

func TestProcessTriggerSingleDispatch(t *testing.T) {
	analyses := newMemAnalysisStore(analyzableEvent("ev-1"))
	trigger := &memTrigger{}
	orch := NewOrchestrator(analyses, &memProducer{}, trigger, testLinker)
	ctx := context.Background()

	first := queue.AnalysisTriggerJob{EventID: "ev-1", SlackUserID: "U1", SlackChannelID: "C1"}
	second := queue.AnalysisTriggerJob{EventID: "ev-1", SlackUserID: "U2", SlackChannelID: "C2"}
	if err := orch.ProcessTrigger(ctx, first); err != nil {
		t.Fatalf("first trigger job: %v", err)
	}
	if err := orch.ProcessTrigger(ctx, second); err != nil {
		t.Fatalf("second trigger job: %v", err)
	}

	if got := trigger.callCount(); got != 1 {
		t.Errorf("external webhook calls = %d, want exactly 1", got)
	}
}

func TestProcessTriggerFailureReleasesDispatch(t *testing.T) {
	analyses := newMemAnalysisStore(analyzableEvent("ev-1"))
	trigger := &memTrigger{err: errors.New("webhook 502")}
	orch := NewOrchestrator(analyses, &memProducer{}, trigger, testLinker)
	ctx := context.Background()

	job := queue.AnalysisTriggerJob{EventID: "ev-1", SlackUserID: "U1", SlackChannelID: "C1"}
	if err := orch.ProcessTrigger(ctx, job); err == nil {
		t.Fatal("want error when the webhook fails")
	}
	if analyses.dispatched["ev-1"] {
		t.Fatal("dispatch marker must be released after a failed trigger")
	}

	trigger.err = nil
	if err := orch.ProcessTrigger(ctx, job); err != nil {
		t.Fatalf("retried trigger job: %v", err)
	}
	if got := trigger.callCount(); got != 1 {
		t.Errorf("external webhook calls = %d, want 1 after retry", got)
	}
}

func TestProcessTriggerWithFinishedReportNotifiesDirectly(t *testing.T) {
	analyses := newMemAnalysisStore(analyzableEvent("ev-1"))
	analyses.reports["ev-1"] = store.AnalyzeReport{ID: "report-9", EventID: "ev-1"}
	producer := &memProducer{}
	trigger := &memTrigger{}
	orch := NewOrchestrator(analyses, producer, trigger, testLinker)

	job := queue.AnalysisTriggerJob{EventID: "ev-1", SlackUserID: "U5", SlackChannelID: "C5", SlackMessageTs: "1700.5"}
	if err := orch.ProcessTrigger(context.Background(), job); err != nil {
		t.Fatalf("process trigger: %v", err)
	}
	if got := trigger.callCount(); got != 0 {
		t.Errorf("webhook calls = %d, want 0 when the report already exists", got)
	}
	if got := producer.slackCount(); got != 1 {
		t.Fatalf("slack jobs = %d, want 1", got)
	}
	if producer.slackJobs[0].ChannelID != "C5" || producer.slackJobs[0].ThreadTs != "1700.5" {
		t.Errorf("notification went to %s/%s, want C5/1700.5", producer.slackJobs[0].ChannelID, producer.slackJobs[0].ThreadTs)
	}
}

func TestProcessTriggerExpiredEvent(t *testing.T) {
	orch := NewOrchestrator(newMemAnalysisStore(), &memProducer{}, &memTrigger{}, testLinker)
	err := orch.ProcessTrigger(context.Background(), queue.AnalysisTriggerJob{EventID: "ev-gone"})
	if err != nil {
		t.Fatalf("trigger for a deleted event should be dropped, got %v", err)
	}
}

func TestHandleCallbackNotifiesAllWaiters(t *testing.T) {
	analyses := newMemAnalysisStore(analyzableEvent("ev-1"))
	producer := &memProducer{}
	orch := NewOrchestrator(analyses, producer, &memTrigger{}, testLinker)
	ctx := context.Background()

	for _, requester := range []Requester{
		{SlackUserID: "U1", SlackChannelID: "C1", SlackMessageTs: "1700.1"},
		{SlackUserID: "U2", SlackChannelID: "C2", SlackMessageTs: "1700.2"},
	} {
		if _, err := analyses.AddAnalyzeRequest(ctx, store.AnalyzeRequest{
			EventID:        "ev-1",
			SlackUserID:    requester.SlackUserID,
			SlackChannelID: requester.SlackChannelID,
			SlackMessageTs: requester.SlackMessageTs,
		}); err != nil {
			t.Fatalf("seed waiter: %v", err)
		}
	}

	report, err := orch.HandleCallback(ctx, "ev-1", "reports/ev-1.md")
	if err != nil {
		t.Fatalf("handle callback: %v", err)
	}
	if report.ArtifactKey != "reports/ev-1.md" {
		t.Errorf("artifact key = %s", report.ArtifactKey)
	}
	if got := producer.slackCount(); got != 2 {
		t.Fatalf("slack jobs = %d, want one per waiter", got)
	}
	for _, request := range analyses.requests {
		if request.NotifiedAt == nil {
			t.Errorf("waiter %s not marked notified", request.ID)
		}
	}
}

func TestHandleCallbackDuplicate(t *testing.T) {
	analyses := newMemAnalysisStore(analyzableEvent("ev-1"))
	producer := &memProducer{}
	orch := NewOrchestrator(analyses, producer, &memTrigger{}, testLinker)
	ctx := context.Background()

	first, err := orch.HandleCallback(ctx, "ev-1", "reports/ev-1.md")
	if err != nil {
		t.Fatalf("first callback: %v", err)
	}
	second, err := orch.HandleCallback(ctx, "ev-1", "reports/ev-1-v2.md")
	if err != nil {
		t.Fatalf("duplicate callback: %v", err)
	}
	if second.ID != first.ID || second.ArtifactKey != first.ArtifactKey {
		t.Errorf("duplicate callback produced a different report: %+v vs %+v", second, first)
	}
	if len(analyses.reports) != 1 {
		t.Errorf("reports stored = %d, want 1", len(analyses.reports))
	}
}
