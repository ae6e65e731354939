package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5"

	"querymon/services/orchestrator/internal/artifacts"
	"querymon/services/orchestrator/internal/pipeline"
	"querymon/services/orchestrator/internal/projectkey"
	"querymon/services/orchestrator/internal/queue"
	"querymon/services/orchestrator/internal/severity"
	"querymon/services/orchestrator/internal/slack"
	"querymon/services/orchestrator/internal/store"
)

// DeadLetterRedriver moves dead-lettered queue entries back onto their
// streams.
type DeadLetterRedriver interface {
	RedriveDeadLetters(ctx context.Context, limit int) (int, error)
}

type Handler struct {
	store         *store.Postgres
	producer      queue.Producer
	orchestrator  *pipeline.Orchestrator
	artifactStore artifacts.Store
	keys          *projectkey.Validator
	queueStats    queue.StatsProvider
	redriver      DeadLetterRedriver
	reportLinks   *ReportLinkSigner
	metrics       *apiMetrics
	rateLimiter   *apiRateLimiter

	corsAllowedOrigins []string
	adminAPIKey        string
	internalAPIKey     string
	slackSigningSecret string
	retentionDays      int
}

type HandlerOptions struct {
	Store              *store.Postgres
	Producer           queue.Producer
	Orchestrator       *pipeline.Orchestrator
	ArtifactStore      artifacts.Store
	KeyValidator       *projectkey.Validator
	QueueStats         queue.StatsProvider
	Redriver           DeadLetterRedriver
	ReportLinks        *ReportLinkSigner
	CORSAllowedOrigins []string
	AdminAPIKey        string
	InternalAPIKey     string
	SlackSigningSecret string
	RateLimitPerSec    float64
	RateLimitBurst     int
	EventRetentionDays int
}

func NewHandler(opts HandlerOptions) *Handler {
	h := &Handler{
		store:              opts.Store,
		producer:           opts.Producer,
		orchestrator:       opts.Orchestrator,
		artifactStore:      opts.ArtifactStore,
		keys:               opts.KeyValidator,
		queueStats:         opts.QueueStats,
		redriver:           opts.Redriver,
		reportLinks:        opts.ReportLinks,
		rateLimiter:        newAPIRateLimiter(opts.RateLimitPerSec, opts.RateLimitBurst),
		corsAllowedOrigins: opts.CORSAllowedOrigins,
		adminAPIKey:        opts.AdminAPIKey,
		internalAPIKey:     opts.InternalAPIKey,
		slackSigningSecret: opts.SlackSigningSecret,
		retentionDays:      opts.EventRetentionDays,
	}
	h.metrics = newAPIMetrics(opts.QueueStats)
	if h.rateLimiter != nil {
		h.rateLimiter.onLimited = func() { h.metrics.rateLimitedTotal.Add(1) }
	}
	return h
}

func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(15 * time.Second))
	if h.rateLimiter != nil {
		r.Use(h.rateLimiter.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   h.corsAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Querymon-Key", "X-Querymon-Project", "X-Querymon-Admin", "X-Querymon-Internal"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", h.healthz)
	r.Get("/metrics", h.metrics.handleMetrics)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/public/query-events", h.captureQueryEvent)

		r.Post("/slack/interactive", h.slackInteractive)
		r.Get("/reports/{reportID}/file", h.getReportFile)

		r.With(h.requireInternalAccess).Post("/internal/analysis-callbacks", h.analysisCallback)

		r.Group(func(r chi.Router) {
			r.Use(h.requireAdminAccess)

			r.Get("/query-events", h.listQueryEvents)
			r.Get("/query-events/{eventID}", h.getQueryEvent)
			r.Post("/query-events/ai-analyze", h.aiAnalyzeQueryEvents)

			r.Get("/query-transactions", h.listQueryTransactions)
			r.Get("/query-transactions/{transactionID}", h.getQueryTransaction)
			r.Patch("/query-transactions/{transactionID}/status", h.updateTransactionStatus)

			r.Route("/admin", func(r chi.Router) {
				r.Get("/projects", h.listProjects)
				r.Post("/projects", h.createProject)
				r.Post("/projects/{projectID}/slack-channels", h.setProjectSlackChannels)
				r.Get("/projects/{projectID}/keys", h.listProjectKeys)
				r.Post("/projects/{projectID}/keys", h.createProjectKey)
				r.Delete("/projects/{projectID}/keys/{keyID}", h.deleteProjectKey)
				r.Get("/queues", h.getQueueHealth)
				r.Post("/queues/redrive", h.redriveDeadLetters)
				r.Post("/maintenance/cleanup", h.cleanupExpiredEvents)
			})
		})
	})

	return r
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Health(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "down"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type captureRequest struct {
	QueryID         string               `json:"queryId"`
	RawQuery        string               `json:"rawQuery"`
	Parameters      map[string]any       `json:"parameters"`
	ExecutionTimeMs int                  `json:"executionTimeMs"`
	StackTrace      []string             `json:"stackTrace"`
	Timestamp       time.Time            `json:"timestamp"`
	ContextType     string               `json:"contextType"`
	Environment     string               `json:"environment"`
	ApplicationName string               `json:"applicationName"`
	Version         string               `json:"version"`
	ExecutionPlan   *store.ExecutionPlan `json:"executionPlan"`
}

// captureQueryEvent authenticates the reporting SDK, validates the
// payload, and hands the event to the capture queue. The endpoint does
// no aggregation itself so a slow database never slows down the
// application reporting against it.
func (h *Handler) captureQueryEvent(w http.ResponseWriter, r *http.Request) {
	projectID := strings.TrimSpace(r.Header.Get("X-Querymon-Project"))
	plainKey := strings.TrimSpace(r.Header.Get("X-Querymon-Key"))
	if projectID == "" || plainKey == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	project, err := h.store.GetProject(r.Context(), projectID)
	if err != nil {
		// Unknown project and bad key look the same to the caller.
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	key, err := h.keys.Validate(r.Context(), plainKey, projectID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "key validation failed"})
		return
	}
	if key == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	payload := captureRequest{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	queryID := strings.TrimSpace(payload.QueryID)
	rawQuery := strings.TrimSpace(payload.RawQuery)
	switch {
	case queryID == "" || rawQuery == "":
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "queryId and rawQuery are required"})
		return
	case payload.ExecutionTimeMs <= 0:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "executionTimeMs must be positive"})
		return
	case payload.Timestamp.IsZero():
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "timestamp is required"})
		return
	}

	environment := strings.TrimSpace(payload.Environment)
	if environment == "" {
		environment = "production"
	}

	job := queue.CaptureJob{
		Project: store.ProjectSnapshot{
			ID:              project.ID,
			Name:            project.Name,
			Platform:        project.Platform,
			SlackChannelIDs: project.SlackChannelIDs,
		},
		ProjectKeyID:    key.ID,
		MaskedKey:       key.MaskedKey,
		QueryID:         queryID,
		RawQuery:        rawQuery,
		Parameters:      sanitizeParameters(payload.Parameters),
		ExecutionTimeMs: payload.ExecutionTimeMs,
		StackTrace:      payload.StackTrace,
		Timestamp:       payload.Timestamp.UTC(),
		ContextType:     strings.TrimSpace(payload.ContextType),
		Environment:     environment,
		ApplicationName: strings.TrimSpace(payload.ApplicationName),
		Version:         strings.TrimSpace(payload.Version),
		ExecutionPlan:   payload.ExecutionPlan,
	}

	if err := h.producer.EnqueueCapture(r.Context(), job); err != nil {
		h.metrics.captureQueueErrorsTotal.Add(1)
		log.Printf("capture enqueue failed project=%s queryId=%s err=%v", project.ID, queryID, err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "capture queue unavailable"})
		return
	}

	h.metrics.capturesAcceptedTotal.Add(1)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "accepted",
		"queryId": queryID,
	})
}

func (h *Handler) listQueryEvents(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filter := store.EventFilter{
		ProjectID: strings.TrimSpace(query.Get("projectId")),
		Search:    strings.TrimSpace(query.Get("search")),
		Sort:      strings.TrimSpace(query.Get("sort")),
		Page:      queryInt(query, "page", 1),
		PerPage:   queryInt(query, "perPage", 25),
	}
	if raw := strings.TrimSpace(query.Get("severity")); raw != "" {
		candidate := severity.Severity(raw)
		if !candidate.Valid() {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid severity"})
			return
		}
		filter.Severity = candidate
	}

	page, err := h.store.ListEvents(r.Context(), filter)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "events lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) getQueryEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.store.GetEvent(r.Context(), chi.URLParam(r, "eventID"))
	if err != nil {
		writeLookupError(w, err, "event")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"event": event})
}

type aiAnalyzeRequest struct {
	EventIDs       []string `json:"eventIds"`
	SlackUserID    string   `json:"slackUserId"`
	SlackChannelID string   `json:"slackChannelId"`
	SlackMessageTs string   `json:"slackMessageTs"`
}

func (h *Handler) aiAnalyzeQueryEvents(w http.ResponseWriter, r *http.Request) {
	payload := aiAnalyzeRequest{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}
	if len(payload.EventIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "eventIds is required"})
		return
	}

	result, err := h.orchestrator.RequestAnalysis(r.Context(), payload.EventIDs, pipeline.Requester{
		SlackUserID:    strings.TrimSpace(payload.SlackUserID),
		SlackChannelID: strings.TrimSpace(payload.SlackChannelID),
		SlackMessageTs: strings.TrimSpace(payload.SlackMessageTs),
	})
	if err != nil {
		var notFound *pipeline.EventsNotFoundError
		if errors.As(err, &notFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error":      "events not found",
				"missingIds": notFound.MissingIDs,
			})
			return
		}
		log.Printf("analyze request failed err=%v", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "analyze request failed"})
		return
	}

	h.metrics.analyzeRequestsTotal.Add(1)
	writeJSON(w, http.StatusAccepted, result)
}

func (h *Handler) listQueryTransactions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	page, err := h.store.ListTransactions(
		r.Context(),
		strings.TrimSpace(query.Get("projectId")),
		queryInt(query, "page", 1),
		queryInt(query, "perPage", 25),
	)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "transactions lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) getQueryTransaction(w http.ResponseWriter, r *http.Request) {
	transaction, err := h.store.GetTransaction(r.Context(), chi.URLParam(r, "transactionID"))
	if err != nil {
		writeLookupError(w, err, "transaction")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": transaction})
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

func (h *Handler) updateTransactionStatus(w http.ResponseWriter, r *http.Request) {
	payload := updateStatusRequest{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	status := store.TransactionStatus(strings.TrimSpace(payload.Status))
	if !status.Valid() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "status must be open, acknowledged, or resolved"})
		return
	}

	transaction, err := h.store.UpdateTransactionStatus(r.Context(), chi.URLParam(r, "transactionID"), status)
	if err != nil {
		writeLookupError(w, err, "transaction")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transaction": transaction})
}

func (h *Handler) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ListProjects(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "projects lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

type createProjectRequest struct {
	Name     string `json:"name"`
	Platform string `json:"platform"`
}

func (h *Handler) createProject(w http.ResponseWriter, r *http.Request) {
	payload := createProjectRequest{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	name := strings.TrimSpace(payload.Name)
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name is required"})
		return
	}
	platform := strings.TrimSpace(payload.Platform)
	if platform == "" {
		platform = "node"
	}

	project, err := h.store.CreateProject(r.Context(), name, platform)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "project creation failed"})
		return
	}

	// Every project starts with one usable key; the plaintext is shown
	// exactly once.
	pair, err := projectkey.Generate()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "key generation failed"})
		return
	}
	key, err := h.store.CreateProjectKey(r.Context(), project.ID, "default", pair.HashedKey, pair.MaskedKey)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "key creation failed"})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"project": project,
		"key":     key,
		"apiKey":  pair.PlainKey,
	})
}

type slackChannelsRequest struct {
	ChannelIDs []string `json:"channelIds"`
}

func (h *Handler) setProjectSlackChannels(w http.ResponseWriter, r *http.Request) {
	payload := slackChannelsRequest{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	channelIDs := make([]string, 0, len(payload.ChannelIDs))
	for _, channelID := range payload.ChannelIDs {
		if trimmed := strings.TrimSpace(channelID); trimmed != "" {
			channelIDs = append(channelIDs, trimmed)
		}
	}

	project, err := h.store.SetProjectSlackChannels(r.Context(), chi.URLParam(r, "projectID"), channelIDs)
	if err != nil {
		writeLookupError(w, err, "project")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": project})
}

func (h *Handler) listProjectKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.ListProjectKeys(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "project keys lookup failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": keys})
}

type createProjectKeyRequest struct {
	Name string `json:"name"`
}

func (h *Handler) createProjectKey(w http.ResponseWriter, r *http.Request) {
	payload := createProjectKeyRequest{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	name := strings.TrimSpace(payload.Name)
	if name == "" {
		name = "project-key"
	}

	pair, err := projectkey.Generate()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "key generation failed"})
		return
	}

	key, err := h.store.CreateProjectKey(r.Context(), chi.URLParam(r, "projectID"), name, pair.HashedKey, pair.MaskedKey)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "key creation failed"})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"key":    key,
		"apiKey": pair.PlainKey,
	})
}

func (h *Handler) deleteProjectKey(w http.ResponseWriter, r *http.Request) {
	err := h.store.DeleteProjectKey(r.Context(), chi.URLParam(r, "projectID"), chi.URLParam(r, "keyID"))
	if err != nil {
		writeLookupError(w, err, "key")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getQueueHealth(w http.ResponseWriter, r *http.Request) {
	if h.queueStats == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "queue stats unavailable"})
		return
	}

	stats, err := h.queueStats.QueueStats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "queue stats lookup failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status": queueHealthStatus(stats),
		"queues": stats,
	})
}

func queueHealthStatus(stats queue.Stats) string {
	status := "ok"
	for _, depths := range []queue.QueueDepths{stats.Capture, stats.Slack, stats.Analysis} {
		if depths.FailedDepth > 0 {
			return "critical"
		}
		if depths.Pending > 50 || depths.RetryDepth > 10 {
			status = "warning"
		}
	}
	return status
}

type redriveRequest struct {
	Limit int `json:"limit"`
}

func (h *Handler) redriveDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.redriver == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "redrive unavailable"})
		return
	}

	payload := redriveRequest{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	redriven, err := h.redriver.RedriveDeadLetters(r.Context(), payload.Limit)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "redrive failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"redriven": redriven})
}

func (h *Handler) cleanupExpiredEvents(w http.ResponseWriter, r *http.Request) {
	result, err := h.store.CleanupExpiredEvents(r.Context(), h.retentionDays)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	h.metrics.cleanupRunsTotal.Add(1)
	h.metrics.cleanupDeletedRowsTotal.Add(int64(result.DeletedEvents + result.DeletedReports))
	writeJSON(w, http.StatusOK, result)
}

type analysisCallbackRequest struct {
	EventID        string `json:"eventId"`
	ArtifactKey    string `json:"artifactKey"`
	ReportMarkdown string `json:"reportMarkdown"`
}

// analysisCallback receives the finished report from the external
// analysis service. The report arrives either as an object key the
// service uploaded itself, or inline as markdown which we store.
func (h *Handler) analysisCallback(w http.ResponseWriter, r *http.Request) {
	payload := analysisCallbackRequest{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	eventID := strings.TrimSpace(payload.EventID)
	artifactKey := strings.TrimSpace(payload.ArtifactKey)
	if eventID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "eventId is required"})
		return
	}
	if artifactKey == "" && strings.TrimSpace(payload.ReportMarkdown) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "artifactKey or reportMarkdown is required"})
		return
	}

	if artifactKey == "" {
		artifactKey = "reports/" + eventID + ".md"
		err := h.artifactStore.StoreObject(r.Context(), artifactKey, []byte(payload.ReportMarkdown), "text/markdown")
		if err != nil {
			if errors.Is(err, artifacts.ErrNotConfigured) {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "artifact store unavailable"})
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "report upload failed"})
			return
		}
	}

	report, err := h.orchestrator.HandleCallback(r.Context(), eventID, artifactKey)
	if err != nil {
		log.Printf("analysis callback failed event=%s err=%v", eventID, err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "callback processing failed"})
		return
	}

	h.metrics.analysisCallbacksTotal.Add(1)
	writeJSON(w, http.StatusAccepted, map[string]any{"report": report})
}

type slackInteractionPayload struct {
	Type string `json:"type"`
	User struct {
		ID string `json:"id"`
	} `json:"user"`
	Channel struct {
		ID string `json:"id"`
	} `json:"channel"`
	Message struct {
		Ts string `json:"ts"`
	} `json:"message"`
	Actions []struct {
		ActionID string `json:"action_id"`
		Value    string `json:"value"`
	} `json:"actions"`
}

// slackInteractive handles button clicks from alert messages. Slack
// expects a fast 200; the actual work rides the analysis queue.
func (h *Handler) slackInteractive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	ok := slack.VerifySignature(
		h.slackSigningSecret,
		r.Header.Get("X-Slack-Request-Timestamp"),
		r.Header.Get("X-Slack-Signature"),
		body,
	)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
		return
	}

	form, err := url.ParseQuery(string(body))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	interaction := slackInteractionPayload{}
	if err := json.Unmarshal([]byte(form.Get("payload")), &interaction); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		return
	}

	for _, action := range interaction.Actions {
		if action.ActionID != slack.ActionAIAnalyze {
			continue
		}
		h.metrics.slackInteractionsTotal.Add(1)

		event, err := h.store.GetEventByQueryID(r.Context(), strings.TrimSpace(action.Value))
		if err != nil {
			log.Printf("slack interaction for unknown query=%s err=%v", action.Value, err)
			continue
		}

		_, err = h.orchestrator.RequestAnalysis(r.Context(), []string{event.ID}, pipeline.Requester{
			SlackUserID:    interaction.User.ID,
			SlackChannelID: interaction.Channel.ID,
			SlackMessageTs: interaction.Message.Ts,
		})
		if err != nil {
			log.Printf("slack-triggered analyze failed event=%s err=%v", event.ID, err)
		}
	}

	// Always 200 after a verified request; Slack retries anything else.
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) getReportFile(w http.ResponseWriter, r *http.Request) {
	reportID := chi.URLParam(r, "reportID")

	claims, err := h.reportLinks.verifyToken(r.URL.Query().Get("token"))
	if err != nil || claims.ReportID != reportID {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid or expired token"})
		return
	}

	report, err := h.store.GetReport(r.Context(), reportID)
	if err != nil {
		writeLookupError(w, err, "report")
		return
	}

	content, contentType, err := h.artifactStore.LoadObject(r.Context(), report.ArtifactKey)
	if err != nil {
		if errors.Is(err, artifacts.ErrNotConfigured) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "artifact store unavailable"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "unable to load report"})
		return
	}

	if contentType == "" {
		contentType = "text/markdown; charset=utf-8"
	}

	h.metrics.reportDownloadsTotal.Add(1)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=60")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (h *Handler) requireInternalAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(h.internalAPIKey) == "" {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "internal endpoints disabled"})
			return
		}

		provided := strings.TrimSpace(r.Header.Get("X-Querymon-Internal"))
		if provided == h.internalAPIKey {
			next.ServeHTTP(w, r)
			return
		}

		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	})
}

func (h *Handler) requireAdminAccess(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(h.adminAPIKey) == "" {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin endpoints disabled"})
			return
		}

		provided := strings.TrimSpace(r.Header.Get("X-Querymon-Admin"))
		if provided == h.adminAPIKey {
			next.ServeHTTP(w, r)
			return
		}

		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeLookupError(w http.ResponseWriter, err error, kind string) {
	if errors.Is(err, pgx.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": kind + " not found"})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
}

func queryInt(values url.Values, key string, fallback int) int {
	raw := strings.TrimSpace(values.Get(key))
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 1 {
		return fallback
	}
	return parsed
}
