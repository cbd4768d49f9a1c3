package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/bedah-kym/flowcore/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	def, err := json.Marshal(wf.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, definition, status, created_at, activated_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, string(def), string(wf.Status),
		timeOrNow(wf.CreatedAt), nullTime(wf.ActivatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf := &Workflow{}
	var (
		defJSON     string
		status      string
		activatedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, definition, status, created_at, activated_at, updated_at
		 FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &wf.Name, &defJSON, &status, &wf.CreatedAt, &activatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf.Status = schema.WorkflowStatus(status)
	if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if activatedAt.Valid {
		wf.ActivatedAt = &activatedAt.Time
	}
	return wf, nil
}

func (s *LibSQLStore) UpdateWorkflowStatus(ctx context.Context, id string, status schema.WorkflowStatus) error {
	var query string
	if status == schema.WorkflowStatusActive {
		query = `UPDATE workflows SET status = ?, activated_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	} else {
		query = `UPDATE workflows SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	}
	res, err := s.db.ExecContext(ctx, query, string(status), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}

	query := `SELECT id, name, definition, status, created_at, activated_at, updated_at FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Workflow
	for rows.Next() {
		wf := &Workflow{}
		var (
			defJSON     string
			status      string
			activatedAt sql.NullTime
		)
		if err := rows.Scan(&wf.ID, &wf.Name, &defJSON, &status, &wf.CreatedAt, &activatedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		wf.Status = schema.WorkflowStatus(status)
		if err := json.Unmarshal([]byte(defJSON), &wf.Definition); err != nil {
			return nil, fmt.Errorf("unmarshal definition: %w", err)
		}
		if activatedAt.Valid {
			wf.ActivatedAt = &activatedAt.Time
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Trigger registrations ---

func (s *LibSQLStore) CreateRegistration(ctx context.Context, reg *TriggerRegistration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trigger_registrations
		 (id, workflow_id, trigger_index, type, service, event, secret, cron_expression, timezone, next_run_at, active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		reg.ID, reg.WorkflowID, reg.TriggerIndex, string(reg.Type),
		nullStr(reg.Service), nullStr(reg.Event), nullStr(reg.Secret),
		nullStr(reg.Cron), nullStr(reg.Timezone), nullTime(reg.NextRunAt),
		boolToInt(reg.Active), timeOrNow(reg.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetRegistration(ctx context.Context, id string) (*TriggerRegistration, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, trigger_index, type, service, event, secret, cron_expression, timezone,
		        next_run_at, last_run_at, last_run_status, active, created_at
		 FROM trigger_registrations WHERE id = ?`, id)
	reg, err := scanRegistration(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("trigger registration", id)
	}
	return reg, err
}

func (s *LibSQLStore) ListRegistrations(ctx context.Context, workflowID string) ([]*TriggerRegistration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, trigger_index, type, service, event, secret, cron_expression, timezone,
		        next_run_at, last_run_at, last_run_status, active, created_at
		 FROM trigger_registrations WHERE workflow_id = ? ORDER BY trigger_index`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TriggerRegistration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

// DeactivateRegistrations disables every registration of a workflow and
// clears schedule next-run handles so no future firing remains pending.
func (s *LibSQLStore) DeactivateRegistrations(ctx context.Context, workflowID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE trigger_registrations SET active = 0, next_run_at = NULL WHERE workflow_id = ?`,
		workflowID)
	return err
}

func (s *LibSQLStore) ListDueSchedules(ctx context.Context, now time.Time) ([]*TriggerRegistration, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, trigger_index, type, service, event, secret, cron_expression, timezone,
		        next_run_at, last_run_at, last_run_status, active, created_at
		 FROM trigger_registrations
		 WHERE active = 1 AND type = 'schedule' AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY next_run_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TriggerRegistration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) UpdateScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time, status string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE trigger_registrations SET last_run_at = ?, next_run_at = ?, last_run_status = ? WHERE id = ?`,
		lastRun, nextRun, status, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "trigger registration", id)
}

// scannable covers *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanRegistration(row scannable) (*TriggerRegistration, error) {
	reg := &TriggerRegistration{}
	var (
		regType                       string
		service, event, secret        sql.NullString
		cronExpr, timezone, runStatus sql.NullString
		nextRun, lastRun              sql.NullTime
		active                        int
	)
	err := row.Scan(&reg.ID, &reg.WorkflowID, &reg.TriggerIndex, &regType,
		&service, &event, &secret, &cronExpr, &timezone,
		&nextRun, &lastRun, &runStatus, &active, &reg.CreatedAt)
	if err != nil {
		return nil, err
	}
	reg.Type = schema.TriggerType(regType)
	reg.Service = service.String
	reg.Event = event.String
	reg.Secret = secret.String
	reg.Cron = cronExpr.String
	reg.Timezone = timezone.String
	reg.LastRunStatus = runStatus.String
	reg.Active = active != 0
	if nextRun.Valid {
		reg.NextRunAt = &nextRun.Time
	}
	if lastRun.Valid {
		reg.LastRunAt = &lastRun.Time
	}
	return reg, nil
}

// --- Executions ---

func (s *LibSQLStore) CreateExecution(ctx context.Context, rec *schema.ExecutionRecord) error {
	payload, err := json.Marshal(rec.TriggerPayload)
	if err != nil {
		return fmt.Errorf("marshal trigger payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (id, workflow_id, trigger_type, trigger_payload, idempotency_key, status, error, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.WorkflowID, string(rec.TriggerType), string(payload),
		nullStr(rec.IdempotencyKey), string(rec.Status), nullStr(rec.Error),
		timeOrNow(rec.CreatedAt), nullTime(rec.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*schema.ExecutionRecord, error) {
	rec, err := s.scanExecutionRow(ctx,
		`SELECT id, workflow_id, trigger_type, trigger_payload, idempotency_key, status, error, created_at, completed_at
		 FROM executions WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadStepResults(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *LibSQLStore) FindExecutionByIdempotencyKey(ctx context.Context, workflowID, key string) (*schema.ExecutionRecord, error) {
	rec, err := s.scanExecutionRow(ctx,
		`SELECT id, workflow_id, trigger_type, trigger_payload, idempotency_key, status, error, created_at, completed_at
		 FROM executions WHERE workflow_id = ? AND idempotency_key = ?`, workflowID, key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadStepResults(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *LibSQLStore) scanExecutionRow(ctx context.Context, query string, args ...any) (*schema.ExecutionRecord, error) {
	rec := &schema.ExecutionRecord{}
	var (
		trigType, payloadJSON string
		status                string
		idemKey, errMsg       sql.NullString
		completedAt           sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&rec.ID, &rec.WorkflowID, &trigType, &payloadJSON, &idemKey,
		&status, &errMsg, &rec.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	rec.TriggerType = schema.TriggerType(trigType)
	rec.Status = schema.ExecutionStatus(status)
	rec.IdempotencyKey = idemKey.String
	rec.Error = errMsg.String
	if err := json.Unmarshal([]byte(payloadJSON), &rec.TriggerPayload); err != nil {
		return nil, fmt.Errorf("unmarshal trigger payload: %w", err)
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	return rec, nil
}

func (s *LibSQLStore) loadStepResults(ctx context.Context, rec *schema.ExecutionRecord) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, status, output, error, started_at, duration_ms
		 FROM step_results WHERE execution_id = ? ORDER BY seq`, rec.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var sr schema.StepResult
		var status string
		var output, errMsg sql.NullString
		if err := rows.Scan(&sr.StepID, &status, &output, &errMsg, &sr.StartedAt, &sr.DurationMs); err != nil {
			return err
		}
		sr.Status = schema.StepStatus(status)
		sr.Output = rawOrNil(output)
		sr.Error = errMsg.String
		rec.StepResults = append(rec.StepResults, sr)
	}
	return rows.Err()
}

// AppendStepResult checkpoints one step outcome. The (execution, seq)
// primary key makes the write idempotent on step re-entry.
func (s *LibSQLStore) AppendStepResult(ctx context.Context, executionID string, seq int, res *schema.StepResult, amount *float64) error {
	var amt any
	if amount != nil {
		amt = *amount
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_results (execution_id, seq, step_id, status, output, error, amount, started_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, seq) DO UPDATE SET
		   status=excluded.status, output=excluded.output, error=excluded.error,
		   amount=excluded.amount, duration_ms=excluded.duration_ms`,
		executionID, seq, res.StepID, string(res.Status),
		nullRaw(res.Output), nullStr(res.Error), amt,
		timeOrNow(res.StartedAt), res.DurationMs,
	)
	return err
}

// FinalizeExecution moves a record out of running. Terminal records are
// immutable: the guard refuses to overwrite a finished run.
func (s *LibSQLStore) FinalizeExecution(ctx context.Context, id string, status schema.ExecutionStatus, errMsg string, completedAt time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, error = ?, completed_at = ? WHERE id = ? AND status = 'running'`,
		string(status), nullStr(errMsg), completedAt, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q is not running", id)
	}
	return nil
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*schema.ExecutionRecord, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, workflow_id, trigger_type, trigger_payload, idempotency_key, status, error, created_at, completed_at FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	} else if filter.Offset > 0 {
		query += " LIMIT -1"
	}
	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET %d", filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*schema.ExecutionRecord
	for rows.Next() {
		rec := &schema.ExecutionRecord{}
		var (
			trigType, payloadJSON string
			status                string
			idemKey, errMsg       sql.NullString
			completedAt           sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.WorkflowID, &trigType, &payloadJSON, &idemKey,
			&status, &errMsg, &rec.CreatedAt, &completedAt); err != nil {
			return nil, err
		}
		rec.TriggerType = schema.TriggerType(trigType)
		rec.Status = schema.ExecutionStatus(status)
		rec.IdempotencyKey = idemKey.String
		rec.Error = errMsg.String
		if err := json.Unmarshal([]byte(payloadJSON), &rec.TriggerPayload); err != nil {
			return nil, fmt.Errorf("unmarshal trigger payload: %w", err)
		}
		if completedAt.Valid {
			rec.CompletedAt = &completedAt.Time
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *LibSQLStore) SumSensitiveSpend(ctx context.Context, workflowID string, since time.Time) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(sr.amount)
		 FROM step_results sr
		 JOIN executions e ON e.id = sr.execution_id
		 WHERE e.workflow_id = ? AND sr.amount IS NOT NULL
		   AND sr.status != 'failed' AND sr.started_at >= ?`,
		workflowID, since,
	).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Float64, nil
}

// --- Dialog state ---

func (s *LibSQLStore) GetDialogState(ctx context.Context, user, conversation, domain string) (*DialogEntry, error) {
	entry := &DialogEntry{User: user, Conversation: conversation, Domain: domain}
	var paramsJSON string
	err := s.db.QueryRowContext(ctx,
		`SELECT parameters, last_updated FROM dialog_state
		 WHERE user_id = ? AND conversation_id = ? AND domain = ?`,
		user, conversation, domain,
	).Scan(&paramsJSON, &entry.LastUpdated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(paramsJSON), &entry.Parameters); err != nil {
		return nil, fmt.Errorf("unmarshal dialog parameters: %w", err)
	}
	return entry, nil
}

func (s *LibSQLStore) PutDialogState(ctx context.Context, entry *DialogEntry) error {
	params, err := marshalMapOrDefault(entry.Parameters)
	if err != nil {
		return fmt.Errorf("marshal dialog parameters: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dialog_state (user_id, conversation_id, domain, parameters, last_updated)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, conversation_id, domain) DO UPDATE SET
		   parameters=excluded.parameters, last_updated=excluded.last_updated`,
		entry.User, entry.Conversation, entry.Domain, string(params), timeOrNow(entry.LastUpdated),
	)
	return err
}

// UpdateDialogState runs fn inside a write transaction so concurrent
// dispatches cannot interleave their read-modify-write cycles.
func (s *LibSQLStore) UpdateDialogState(ctx context.Context, user, conversation, domain string, fn func(current *DialogEntry) (*DialogEntry, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current *DialogEntry
	var paramsJSON string
	entry := &DialogEntry{User: user, Conversation: conversation, Domain: domain}
	err = tx.QueryRowContext(ctx,
		`SELECT parameters, last_updated FROM dialog_state
		 WHERE user_id = ? AND conversation_id = ? AND domain = ?`,
		user, conversation, domain,
	).Scan(&paramsJSON, &entry.LastUpdated)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return err
	default:
		if err := json.Unmarshal([]byte(paramsJSON), &entry.Parameters); err != nil {
			return fmt.Errorf("unmarshal dialog parameters: %w", err)
		}
		current = entry
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM dialog_state WHERE user_id = ? AND conversation_id = ? AND domain = ?`,
			user, conversation, domain); err != nil {
			return err
		}
		return tx.Commit()
	}

	params, err := marshalMapOrDefault(next.Parameters)
	if err != nil {
		return fmt.Errorf("marshal dialog parameters: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO dialog_state (user_id, conversation_id, domain, parameters, last_updated)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, conversation_id, domain) DO UPDATE SET
		   parameters=excluded.parameters, last_updated=excluded.last_updated`,
		user, conversation, domain, string(params), timeOrNow(next.LastUpdated)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *LibSQLStore) DeleteDialogState(ctx context.Context, user, conversation, domain string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM dialog_state WHERE user_id = ? AND conversation_id = ? AND domain = ?`,
		user, conversation, domain)
	return err
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
