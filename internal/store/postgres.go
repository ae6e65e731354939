package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicateEvent is returned when a capture job is redelivered and
// its (project, query id, client timestamp) event row already exists.
var ErrDuplicateEvent = errors.New("query transaction event already recorded")

type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pool.Ping(ctxPing); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) Health(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Pool() *pgxpool.Pool {
	return p.pool
}

// --- projects and keys -------------------------------------------------

func (p *Postgres) CreateProject(ctx context.Context, name, platform string) (Project, error) {
	project := Project{}
	err := p.pool.QueryRow(
		ctx,
		`INSERT INTO projects (id, name, platform)
		 VALUES ($1, $2, $3)
		 RETURNING id, name, platform, slack_channel_ids, created_at`,
		uuid.NewString(),
		name,
		platform,
	).Scan(&project.ID, &project.Name, &project.Platform, &project.SlackChannelIDs, &project.CreatedAt)
	if err != nil {
		return Project{}, err
	}
	return project, nil
}

func (p *Postgres) GetProject(ctx context.Context, id string) (Project, error) {
	project := Project{}
	err := p.pool.QueryRow(
		ctx,
		`SELECT id, name, platform, slack_channel_ids, created_at
		 FROM projects
		 WHERE id = $1`,
		id,
	).Scan(&project.ID, &project.Name, &project.Platform, &project.SlackChannelIDs, &project.CreatedAt)
	if err != nil {
		return Project{}, err
	}
	return project, nil
}

func (p *Postgres) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := p.pool.Query(
		ctx,
		`SELECT id, name, platform, slack_channel_ids, created_at
		 FROM projects
		 ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]Project, 0)
	for rows.Next() {
		var project Project
		if err := rows.Scan(&project.ID, &project.Name, &project.Platform, &project.SlackChannelIDs, &project.CreatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, project)
	}
	return projects, rows.Err()
}

func (p *Postgres) SetProjectSlackChannels(ctx context.Context, projectID string, channelIDs []string) (Project, error) {
	if channelIDs == nil {
		channelIDs = []string{}
	}

	project := Project{}
	err := p.pool.QueryRow(
		ctx,
		`UPDATE projects
		 SET slack_channel_ids = $2
		 WHERE id = $1
		 RETURNING id, name, platform, slack_channel_ids, created_at`,
		projectID,
		channelIDs,
	).Scan(&project.ID, &project.Name, &project.Platform, &project.SlackChannelIDs, &project.CreatedAt)
	if err != nil {
		return Project{}, err
	}
	return project, nil
}

func (p *Postgres) CreateProjectKey(ctx context.Context, projectID, name, hashedKey, maskedKey string) (ProjectKey, error) {
	key := ProjectKey{}
	err := p.pool.QueryRow(
		ctx,
		`INSERT INTO project_keys (id, project_id, name, hashed_key, masked_key)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, project_id, name, hashed_key, masked_key, last_used_at, created_at`,
		uuid.NewString(),
		projectID,
		name,
		hashedKey,
		maskedKey,
	).Scan(&key.ID, &key.ProjectID, &key.Name, &key.HashedKey, &key.MaskedKey, &key.LastUsedAt, &key.CreatedAt)
	if err != nil {
		return ProjectKey{}, err
	}
	return key, nil
}

// ListProjectKeys returns every key for a project, hashes included.
// Key validation is an O(keys-per-project) scan against the hashes.
func (p *Postgres) ListProjectKeys(ctx context.Context, projectID string) ([]ProjectKey, error) {
	rows, err := p.pool.Query(
		ctx,
		`SELECT id, project_id, name, hashed_key, masked_key, last_used_at, created_at
		 FROM project_keys
		 WHERE project_id = $1
		 ORDER BY created_at ASC`,
		projectID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]ProjectKey, 0)
	for rows.Next() {
		var key ProjectKey
		if err := rows.Scan(&key.ID, &key.ProjectID, &key.Name, &key.HashedKey, &key.MaskedKey, &key.LastUsedAt, &key.CreatedAt); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (p *Postgres) DeleteProjectKey(ctx context.Context, projectID, keyID string) error {
	tag, err := p.pool.Exec(
		ctx,
		`DELETE FROM project_keys WHERE id = $1 AND project_id = $2`,
		keyID,
		projectID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (p *Postgres) TouchProjectKey(ctx context.Context, keyID string) error {
	_, err := p.pool.Exec(
		ctx,
		`UPDATE project_keys SET last_used_at = now() WHERE id = $1`,
		keyID,
	)
	return err
}

// --- capture pipeline --------------------------------------------------

// RecordCapture runs the aggregation read-modify-write and the event
// append in one database transaction. The transaction upsert is a single
// atomic statement, so concurrent first sightings of a new signature
// serialize on the (project_id, signature) unique index instead of
// creating duplicates. If the event's idempotency key already exists the
// whole transaction rolls back (including the aggregate bump) and
// ErrDuplicateEvent is returned.
func (p *Postgres) RecordCapture(
	ctx context.Context,
	signature string,
	event QueryTransactionEvent,
) (QueryTransaction, QueryTransactionEvent, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return QueryTransaction{}, QueryTransactionEvent{}, err
	}
	defer tx.Rollback(ctx)

	transaction := QueryTransaction{}
	err = tx.QueryRow(
		ctx,
		`INSERT INTO query_transactions (
		    id, project_id, raw_query, parameters, signature,
		    first_occurrence, occurrence_count,
		    total_execution_time, average_execution_time,
		    max_execution_time, min_execution_time,
		    environment, severity, status
		 )
		 VALUES ($1, $2, $3, $4, $5, now(), 1, $6, $6, $6, $6, $7, $8, 'open')
		 ON CONFLICT (project_id, signature) DO UPDATE
		 SET occurrence_count = query_transactions.occurrence_count + 1,
		     total_execution_time = query_transactions.total_execution_time + EXCLUDED.total_execution_time,
		     average_execution_time = (query_transactions.total_execution_time + EXCLUDED.total_execution_time)
		         / (query_transactions.occurrence_count + 1),
		     max_execution_time = GREATEST(query_transactions.max_execution_time, EXCLUDED.max_execution_time),
		     min_execution_time = LEAST(query_transactions.min_execution_time, EXCLUDED.min_execution_time),
		     severity = CASE
		         WHEN EXCLUDED.max_execution_time > query_transactions.max_execution_time
		         THEN EXCLUDED.severity
		         ELSE query_transactions.severity
		     END,
		     updated_at = now()
		 RETURNING id, project_id, raw_query, parameters, signature, description,
		           status, first_occurrence, occurrence_count,
		           total_execution_time, average_execution_time,
		           max_execution_time, min_execution_time,
		           environment, severity, assignee, tags, created_at, updated_at`,
		uuid.NewString(),
		event.Project.ID,
		event.RawQuery,
		event.Parameters,
		signature,
		float64(event.ExecutionTimeMs),
		event.Environment,
		string(event.Severity),
	).Scan(
		&transaction.ID,
		&transaction.ProjectID,
		&transaction.RawQuery,
		&transaction.Parameters,
		&transaction.Signature,
		&transaction.Description,
		&transaction.Status,
		&transaction.FirstOccurrence,
		&transaction.OccurrenceCount,
		&transaction.TotalExecutionTime,
		&transaction.AverageExecutionTime,
		&transaction.MaxExecutionTime,
		&transaction.MinExecutionTime,
		&transaction.Environment,
		&transaction.Severity,
		&transaction.Assignee,
		&transaction.Tags,
		&transaction.CreatedAt,
		&transaction.UpdatedAt,
	)
	if err != nil {
		return QueryTransaction{}, QueryTransactionEvent{}, err
	}

	event.TransactionID = transaction.ID
	tag, err := tx.Exec(
		ctx,
		`INSERT INTO query_transaction_events (
		    id, transaction_id, project_snapshot, project_id, query_id,
		    raw_query, parameters, execution_time_ms, stack_trace,
		    client_timestamp, received_at, context_type, environment,
		    application_name, version, source_api_key, severity, execution_plan
		 )
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		 ON CONFLICT (project_id, query_id, client_timestamp) DO NOTHING`,
		event.ID,
		event.TransactionID,
		event.Project,
		event.Project.ID,
		event.QueryID,
		event.RawQuery,
		event.Parameters,
		event.ExecutionTimeMs,
		event.StackTrace,
		event.Timestamp,
		event.ReceivedAt,
		event.ContextType,
		event.Environment,
		event.ApplicationName,
		event.Version,
		event.SourceAPIKey,
		string(event.Severity),
		event.ExecutionPlan,
	)
	if err != nil {
		return QueryTransaction{}, QueryTransactionEvent{}, err
	}
	if tag.RowsAffected() == 0 {
		return QueryTransaction{}, QueryTransactionEvent{}, ErrDuplicateEvent
	}

	if err := tx.Commit(ctx); err != nil {
		return QueryTransaction{}, QueryTransactionEvent{}, err
	}
	return transaction, event, nil
}

// --- events ------------------------------------------------------------

const eventColumns = `id, transaction_id, project_snapshot, query_id, raw_query,
	parameters, execution_time_ms, stack_trace, client_timestamp, received_at,
	context_type, environment, application_name, version, source_api_key,
	severity, execution_plan`

func scanEvent(row pgx.Row) (QueryTransactionEvent, error) {
	event := QueryTransactionEvent{}
	err := row.Scan(
		&event.ID,
		&event.TransactionID,
		&event.Project,
		&event.QueryID,
		&event.RawQuery,
		&event.Parameters,
		&event.ExecutionTimeMs,
		&event.StackTrace,
		&event.Timestamp,
		&event.ReceivedAt,
		&event.ContextType,
		&event.Environment,
		&event.ApplicationName,
		&event.Version,
		&event.SourceAPIKey,
		&event.Severity,
		&event.ExecutionPlan,
	)
	return event, err
}

func (p *Postgres) GetEvent(ctx context.Context, id string) (QueryTransactionEvent, error) {
	row := p.pool.QueryRow(
		ctx,
		`SELECT `+eventColumns+` FROM query_transaction_events WHERE id = $1`,
		id,
	)
	return scanEvent(row)
}

func (p *Postgres) GetEventsByIDs(ctx context.Context, ids []string) ([]QueryTransactionEvent, error) {
	rows, err := p.pool.Query(
		ctx,
		`SELECT `+eventColumns+` FROM query_transaction_events WHERE id = ANY($1)`,
		ids,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := make([]QueryTransactionEvent, 0, len(ids))
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (p *Postgres) GetEventByQueryID(ctx context.Context, queryID string) (QueryTransactionEvent, error) {
	row := p.pool.QueryRow(
		ctx,
		`SELECT `+eventColumns+`
		 FROM query_transaction_events
		 WHERE query_id = $1
		 ORDER BY received_at DESC
		 LIMIT 1`,
		queryID,
	)
	return scanEvent(row)
}

func (p *Postgres) ListEvents(ctx context.Context, filter EventFilter) (Page[QueryTransactionEvent], error) {
	page := filter.Page
	if page < 1 {
		page = 1
	}
	perPage := filter.PerPage
	if perPage < 1 {
		perPage = 25
	}
	if perPage > 100 {
		perPage = 100
	}

	conditions := []string{"TRUE"}
	args := []any{}

	if filter.ProjectID != "" {
		args = append(args, filter.ProjectID)
		conditions = append(conditions, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if filter.Search != "" {
		args = append(args, "%"+filter.Search+"%")
		conditions = append(conditions, fmt.Sprintf("(raw_query ILIKE $%d OR environment ILIKE $%d)", len(args), len(args)))
	}
	if filter.Severity != "" {
		args = append(args, string(filter.Severity))
		conditions = append(conditions, fmt.Sprintf("severity = $%d", len(args)))
	}
	where := strings.Join(conditions, " AND ")

	total := 0
	err := p.pool.QueryRow(
		ctx,
		`SELECT COUNT(*) FROM query_transaction_events WHERE `+where,
		args...,
	).Scan(&total)
	if err != nil {
		return Page[QueryTransactionEvent]{}, err
	}

	args = append(args, perPage, (page-1)*perPage)
	rows, err := p.pool.Query(
		ctx,
		`SELECT `+eventColumns+`
		 FROM query_transaction_events
		 WHERE `+where+`
		 ORDER BY `+eventOrderClause(filter.Sort)+`
		 LIMIT $`+fmt.Sprint(len(args)-1)+` OFFSET $`+fmt.Sprint(len(args)),
		args...,
	)
	if err != nil {
		return Page[QueryTransactionEvent]{}, err
	}
	defer rows.Close()

	items := make([]QueryTransactionEvent, 0, perPage)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return Page[QueryTransactionEvent]{}, err
		}
		items = append(items, event)
	}
	if rows.Err() != nil {
		return Page[QueryTransactionEvent]{}, rows.Err()
	}

	totalPages := (total + perPage - 1) / perPage
	return Page[QueryTransactionEvent]{
		Items:      items,
		Total:      total,
		Page:       page,
		PerPage:    perPage,
		TotalPages: totalPages,
	}, nil
}

// eventOrderClause maps the public sort parameter onto an allowlisted
// ORDER BY. Unknown values fall back to newest-first.
func eventOrderClause(sort string) string {
	switch sort {
	case "name":
		return "application_name ASC, received_at DESC"
	case "-name":
		return "application_name DESC, received_at DESC"
	case "severity":
		return "severity ASC, received_at DESC"
	case "-severity":
		return "severity DESC, received_at DESC"
	case "receivedAt":
		return "received_at ASC"
	case "", "-receivedAt":
		return "received_at DESC"
	case "timestamp":
		return "client_timestamp ASC"
	case "-timestamp":
		return "client_timestamp DESC"
	default:
		return "received_at DESC"
	}
}

// --- transactions ------------------------------------------------------

func (p *Postgres) GetTransaction(ctx context.Context, id string) (QueryTransaction, error) {
	return p.scanTransactionRow(p.pool.QueryRow(
		ctx,
		`SELECT `+transactionColumns+` FROM query_transactions WHERE id = $1`,
		id,
	))
}

func (p *Postgres) GetTransactionBySignature(ctx context.Context, projectID, signature string) (QueryTransaction, error) {
	return p.scanTransactionRow(p.pool.QueryRow(
		ctx,
		`SELECT `+transactionColumns+`
		 FROM query_transactions
		 WHERE project_id = $1 AND signature = $2`,
		projectID,
		signature,
	))
}

func (p *Postgres) ListTransactions(ctx context.Context, projectID string, page, perPage int) (Page[QueryTransaction], error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = 25
	}
	if perPage > 100 {
		perPage = 100
	}

	where := "TRUE"
	args := []any{}
	if projectID != "" {
		args = append(args, projectID)
		where = "project_id = $1"
	}

	total := 0
	if err := p.pool.QueryRow(
		ctx,
		`SELECT COUNT(*) FROM query_transactions WHERE `+where,
		args...,
	).Scan(&total); err != nil {
		return Page[QueryTransaction]{}, err
	}

	args = append(args, perPage, (page-1)*perPage)
	rows, err := p.pool.Query(
		ctx,
		`SELECT `+transactionColumns+`
		 FROM query_transactions
		 WHERE `+where+`
		 ORDER BY updated_at DESC
		 LIMIT $`+fmt.Sprint(len(args)-1)+` OFFSET $`+fmt.Sprint(len(args)),
		args...,
	)
	if err != nil {
		return Page[QueryTransaction]{}, err
	}
	defer rows.Close()

	items := make([]QueryTransaction, 0, perPage)
	for rows.Next() {
		transaction, err := p.scanTransactionRow(rows)
		if err != nil {
			return Page[QueryTransaction]{}, err
		}
		items = append(items, transaction)
	}
	if rows.Err() != nil {
		return Page[QueryTransaction]{}, rows.Err()
	}

	return Page[QueryTransaction]{
		Items:      items,
		Total:      total,
		Page:       page,
		PerPage:    perPage,
		TotalPages: (total + perPage - 1) / perPage,
	}, nil
}

func (p *Postgres) UpdateTransactionStatus(ctx context.Context, id string, status TransactionStatus) (QueryTransaction, error) {
	return p.scanTransactionRow(p.pool.QueryRow(
		ctx,
		`UPDATE query_transactions
		 SET status = $2, updated_at = now()
		 WHERE id = $1
		 RETURNING `+transactionColumns,
		id,
		string(status),
	))
}

const transactionColumns = `id, project_id, raw_query, parameters, signature, description,
	status, first_occurrence, occurrence_count, total_execution_time,
	average_execution_time, max_execution_time, min_execution_time,
	environment, severity, assignee, tags, created_at, updated_at`

func (p *Postgres) scanTransactionRow(row pgx.Row) (QueryTransaction, error) {
	transaction := QueryTransaction{}
	err := row.Scan(
		&transaction.ID,
		&transaction.ProjectID,
		&transaction.RawQuery,
		&transaction.Parameters,
		&transaction.Signature,
		&transaction.Description,
		&transaction.Status,
		&transaction.FirstOccurrence,
		&transaction.OccurrenceCount,
		&transaction.TotalExecutionTime,
		&transaction.AverageExecutionTime,
		&transaction.MaxExecutionTime,
		&transaction.MinExecutionTime,
		&transaction.Environment,
		&transaction.Severity,
		&transaction.Assignee,
		&transaction.Tags,
		&transaction.CreatedAt,
		&transaction.UpdatedAt,
	)
	return transaction, err
}

// --- analysis bookkeeping ----------------------------------------------

// GetReportByEventID returns pgx.ErrNoRows when no report exists yet.
func (p *Postgres) GetReportByEventID(ctx context.Context, eventID string) (AnalyzeReport, error) {
	report := AnalyzeReport{}
	err := p.pool.QueryRow(
		ctx,
		`SELECT id, event_id, artifact_key, created_at
		 FROM analyze_reports
		 WHERE event_id = $1`,
		eventID,
	).Scan(&report.ID, &report.EventID, &report.ArtifactKey, &report.CreatedAt)
	if err != nil {
		return AnalyzeReport{}, err
	}
	return report, nil
}

func (p *Postgres) GetReport(ctx context.Context, id string) (AnalyzeReport, error) {
	report := AnalyzeReport{}
	err := p.pool.QueryRow(
		ctx,
		`SELECT id, event_id, artifact_key, created_at
		 FROM analyze_reports
		 WHERE id = $1`,
		id,
	).Scan(&report.ID, &report.EventID, &report.ArtifactKey, &report.CreatedAt)
	if err != nil {
		return AnalyzeReport{}, err
	}
	return report, nil
}

// CreateReport is idempotent per event id: a duplicate callback reuses
// the stored report instead of creating a second one.
func (p *Postgres) CreateReport(ctx context.Context, eventID, artifactKey string) (AnalyzeReport, bool, error) {
	tag, err := p.pool.Exec(
		ctx,
		`INSERT INTO analyze_reports (id, event_id, artifact_key)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (event_id) DO NOTHING`,
		uuid.NewString(),
		eventID,
		artifactKey,
	)
	if err != nil {
		return AnalyzeReport{}, false, err
	}

	report, err := p.GetReportByEventID(ctx, eventID)
	if err != nil {
		return AnalyzeReport{}, false, err
	}
	return report, tag.RowsAffected() == 1, nil
}

// TryMarkDispatched elects the single requester whose job triggers the
// external analysis call. It reports true exactly once per event.
func (p *Postgres) TryMarkDispatched(ctx context.Context, eventID string) (bool, error) {
	tag, err := p.pool.Exec(
		ctx,
		`INSERT INTO analyze_dispatches (event_id)
		 VALUES ($1)
		 ON CONFLICT (event_id) DO NOTHING`,
		eventID,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ClearDispatch releases the dispatch marker after a failed webhook
// call so a retried job can re-trigger the analysis.
func (p *Postgres) ClearDispatch(ctx context.Context, eventID string) error {
	_, err := p.pool.Exec(
		ctx,
		`DELETE FROM analyze_dispatches WHERE event_id = $1`,
		eventID,
	)
	return err
}

func (p *Postgres) AddAnalyzeRequest(ctx context.Context, request AnalyzeRequest) (AnalyzeRequest, error) {
	request.ID = uuid.NewString()
	err := p.pool.QueryRow(
		ctx,
		`INSERT INTO analyze_requests (id, event_id, slack_user_id, slack_channel_id, slack_message_ts)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		request.ID,
		request.EventID,
		request.SlackUserID,
		request.SlackChannelID,
		request.SlackMessageTs,
	).Scan(&request.CreatedAt)
	if err != nil {
		return AnalyzeRequest{}, err
	}
	return request, nil
}

// PendingAnalyzeRequests lists waiters for an event that have not been
// notified yet.
func (p *Postgres) PendingAnalyzeRequests(ctx context.Context, eventID string) ([]AnalyzeRequest, error) {
	rows, err := p.pool.Query(
		ctx,
		`SELECT id, event_id, slack_user_id, slack_channel_id, slack_message_ts, notified_at, created_at
		 FROM analyze_requests
		 WHERE event_id = $1 AND notified_at IS NULL
		 ORDER BY created_at ASC`,
		eventID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	requests := make([]AnalyzeRequest, 0)
	for rows.Next() {
		var request AnalyzeRequest
		if err := rows.Scan(
			&request.ID,
			&request.EventID,
			&request.SlackUserID,
			&request.SlackChannelID,
			&request.SlackMessageTs,
			&request.NotifiedAt,
			&request.CreatedAt,
		); err != nil {
			return nil, err
		}
		requests = append(requests, request)
	}
	return requests, rows.Err()
}

func (p *Postgres) MarkRequestsNotified(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.pool.Exec(
		ctx,
		`UPDATE analyze_requests SET notified_at = now() WHERE id = ANY($1)`,
		ids,
	)
	return err
}

// StaleDispatchedEventIDs lists events whose external analysis was
// triggered before the cutoff but never called back. The maintenance
// loop logs these; nothing auto-recovers them.
func (p *Postgres) StaleDispatchedEventIDs(ctx context.Context, olderThan time.Time) ([]string, error) {
	rows, err := p.pool.Query(
		ctx,
		`SELECT d.event_id
		 FROM analyze_dispatches d
		 LEFT JOIN analyze_reports r ON r.event_id = d.event_id
		 WHERE r.id IS NULL AND d.dispatched_at < $1
		 ORDER BY d.dispatched_at ASC`,
		olderThan,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- maintenance -------------------------------------------------------

// CleanupExpiredEvents deletes events (and their reports, via cascade)
// older than the retention window. Administrative action; the capture
// pipeline itself never deletes.
func (p *Postgres) CleanupExpiredEvents(ctx context.Context, retentionDays int) (CleanupResult, error) {
	if retentionDays < 1 {
		return CleanupResult{}, fmt.Errorf("retentionDays must be >= 1")
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	deletedReports := 0
	err := p.pool.QueryRow(
		ctx,
		`WITH doomed AS (
		    SELECT id FROM query_transaction_events WHERE received_at < $1
		 )
		 SELECT COUNT(*) FROM analyze_reports WHERE event_id IN (SELECT id FROM doomed)`,
		cutoff,
	).Scan(&deletedReports)
	if err != nil {
		return CleanupResult{}, err
	}

	tag, err := p.pool.Exec(
		ctx,
		`DELETE FROM query_transaction_events WHERE received_at < $1`,
		cutoff,
	)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{
		DeletedEvents:  int(tag.RowsAffected()),
		DeletedReports: deletedReports,
		RetentionDays:  retentionDays,
	}, nil
}
