package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ashita-ai/kaizen/internal/model"
	"github.com/ashita-ai/kaizen/internal/storage"
)

// InsertInvocation writes one invocation.
func (s *Store) InsertInvocation(ctx context.Context, inv model.Invocation) error {
	inv = storage.PrepareInvocation(inv)
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations (id, tool_name, latency_ms, success, quality_score, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		inv.ID, inv.ToolName, inv.LatencyMs, boolInt(inv.Success), inv.QualityScore, formatTime(inv.CreatedAt))
	return classify("insert invocation", err)
}

// InsertInvocations writes invs as multi-row INSERTs of at most
// storage.InvocationChunkSize rows, all inside one transaction.
func (s *Store) InsertInvocations(ctx context.Context, invs []model.Invocation) (int64, error) {
	if len(invs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, storage.Wrap(storage.KindConnection, "begin invocation batch", err)
	}
	defer func() { _ = tx.Rollback() }()

	var total int64
	for _, chunk := range storage.ChunkInvocations(invs, storage.InvocationChunkSize) {
		var b strings.Builder
		b.WriteString(`INSERT INTO invocations (id, tool_name, latency_ms, success, quality_score, created_at) VALUES `)
		args := make([]any, 0, len(chunk)*storage.InvocationColumns)
		for i, inv := range chunk {
			inv = storage.PrepareInvocation(inv)
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString("(?, ?, ?, ?, ?, ?)")
			args = append(args, inv.ID, inv.ToolName, inv.LatencyMs, boolInt(inv.Success), inv.QualityScore, formatTime(inv.CreatedAt))
		}

		res, err := tx.ExecContext(ctx, b.String(), args...)
		if err != nil {
			return 0, classify("insert invocation batch", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, storage.Wrap(storage.KindQuery, "insert invocation batch", err)
		}
		total += n
	}

	if err := tx.Commit(); err != nil {
		return 0, storage.Wrap(storage.KindQuery, "commit invocation batch", err)
	}
	return total, nil
}

// GetRecentInvocations returns up to limit invocations, newest first.
func (s *Store) GetRecentInvocations(ctx context.Context, limit int) ([]model.Invocation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tool_name, latency_ms, success, quality_score, created_at
		 FROM invocations ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, classify("get recent invocations", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Invocation
	for rows.Next() {
		var (
			inv     model.Invocation
			success int
			quality sql.NullFloat64
			created string
		)
		if err := rows.Scan(&inv.ID, &inv.ToolName, &inv.LatencyMs, &success, &quality, &created); err != nil {
			return nil, storage.Wrap(storage.KindQuery, "scan invocation", err)
		}
		inv.Success = success != 0
		if quality.Valid {
			q := quality.Float64
			inv.QualityScore = &q
		}
		if inv.CreatedAt, err = parseTime(created); err != nil {
			return nil, storage.Wrap(storage.KindInternal, "parse invocation time", err)
		}
		out = append(out, inv)
	}
	return out, classify("get recent invocations", rows.Err())
}

// CountInvocationsSince counts invocations at or after since.
func (s *Store) CountInvocationsSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM invocations WHERE created_at >= ?`, formatTime(since)).Scan(&n)
	return n, classify("count invocations", err)
}

// PurgeInvocations deletes invocations created before cutoff in batches.
func (s *Store) PurgeInvocations(ctx context.Context, before time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = storage.DefaultPurgeBatchSize
	}
	var total int64
	for {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM invocations WHERE id IN (
				SELECT id FROM invocations WHERE created_at < ? LIMIT ?)`,
			formatTime(before), batchSize)
		if err != nil {
			return total, classify("purge invocations", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, classify("purge invocations", err)
		}
		total += n
		if n < int64(batchSize) {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

const diagnosisColumns = `id, trigger_type, trigger_json, severity, description, suspected_cause,
	action_type, action_json, action_rationale, status, created_at, updated_at`

// CreateDiagnosis inserts a diagnosis row.
func (s *Store) CreateDiagnosis(ctx context.Context, rec model.DiagnosisRecord) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	if rec.Status == "" {
		rec.Status = model.DiagnosisPending
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO diagnoses (`+diagnosisColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TriggerType, string(rec.TriggerJSON), rec.Severity, rec.Description,
		nullString(rec.SuspectedCause), rec.ActionType, string(rec.ActionJSON),
		nullString(rec.ActionRationale), string(rec.Status),
		formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	return classify("create diagnosis", err)
}

// GetDiagnosis loads one diagnosis by id.
func (s *Store) GetDiagnosis(ctx context.Context, id string) (model.DiagnosisRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+diagnosisColumns+` FROM diagnoses WHERE id = ?`, id)
	rec, err := scanDiagnosis(row)
	if err != nil {
		return model.DiagnosisRecord{}, classify("get diagnosis", err)
	}
	return rec, nil
}

// ListDiagnosesByStatus returns diagnoses in status, newest first.
func (s *Store) ListDiagnosesByStatus(ctx context.Context, status model.DiagnosisStatus, limit int) ([]model.DiagnosisRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+diagnosisColumns+` FROM diagnoses WHERE status = ?
		 ORDER BY created_at DESC LIMIT ?`, string(status), limit)
	if err != nil {
		return nil, classify("list diagnoses", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.DiagnosisRecord
	for rows.Next() {
		rec, err := scanDiagnosis(rows)
		if err != nil {
			return nil, classify("scan diagnosis", err)
		}
		out = append(out, rec)
	}
	return out, classify("list diagnoses", rows.Err())
}

// UpdateDiagnosisStatus sets status and bumps updated_at.
func (s *Store) UpdateDiagnosisStatus(ctx context.Context, id string, status model.DiagnosisStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE diagnoses SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), formatTime(time.Now()), id)
	if err != nil {
		return classify("update diagnosis status", err)
	}
	return rowsAffected("update diagnosis status", res)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDiagnosis(row scanner) (model.DiagnosisRecord, error) {
	var (
		rec                  model.DiagnosisRecord
		triggerJSON, action  string
		cause, rationale     sql.NullString
		status               string
		createdAt, updatedAt string
	)
	if err := row.Scan(&rec.ID, &rec.TriggerType, &triggerJSON, &rec.Severity, &rec.Description,
		&cause, &rec.ActionType, &action, &rationale, &status, &createdAt, &updatedAt); err != nil {
		return model.DiagnosisRecord{}, err
	}
	rec.TriggerJSON = []byte(triggerJSON)
	rec.ActionJSON = []byte(action)
	rec.SuspectedCause = stringPtr(cause)
	rec.ActionRationale = stringPtr(rationale)
	rec.Status = model.DiagnosisStatus(status)

	var err error
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.DiagnosisRecord{}, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.DiagnosisRecord{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return rec, nil
}

const actionColumns = `id, diagnosis_id, action_type, action_json, outcome, pre_metrics_json,
	post_metrics_json, execution_time_ms, error_message, created_at, updated_at`

// CreateAction inserts an action row.
func (s *Store) CreateAction(ctx context.Context, rec model.ActionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO actions (`+actionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.DiagnosisID, rec.ActionType, string(rec.ActionJSON), string(rec.Outcome),
		nullText(rec.PreMetricsJSON), nullText(rec.PostMetricsJSON), rec.ExecutionTimeMs,
		nullString(rec.ErrorMessage), formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt))
	return classify("create action", err)
}

// GetAction loads one action by id.
func (s *Store) GetAction(ctx context.Context, id string) (model.ActionRecord, error) {
	rec, err := scanAction(s.db.QueryRowContext(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = ?`, id))
	if err != nil {
		return model.ActionRecord{}, classify("get action", err)
	}
	return rec, nil
}

// GetActionByDiagnosis loads the action recorded for a diagnosis.
func (s *Store) GetActionByDiagnosis(ctx context.Context, diagnosisID string) (model.ActionRecord, error) {
	rec, err := scanAction(s.db.QueryRowContext(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE diagnosis_id = ?`, diagnosisID))
	if err != nil {
		return model.ActionRecord{}, classify("get action by diagnosis", err)
	}
	return rec, nil
}

// ListActionsByOutcome returns actions with outcome, newest first.
func (s *Store) ListActionsByOutcome(ctx context.Context, outcome model.ActionOutcome, limit int) ([]model.ActionRecord, error) {
	return s.listActions(ctx, "list actions by outcome",
		`SELECT `+actionColumns+` FROM actions WHERE outcome = ? ORDER BY created_at DESC LIMIT ?`,
		string(outcome), limit)
}

// ListRecentActions returns the most recent actions regardless of outcome.
func (s *Store) ListRecentActions(ctx context.Context, limit int) ([]model.ActionRecord, error) {
	return s.listActions(ctx, "list recent actions",
		`SELECT `+actionColumns+` FROM actions ORDER BY created_at DESC LIMIT ?`, limit)
}

func (s *Store) listActions(ctx context.Context, op, query string, args ...any) ([]model.ActionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ActionRecord
	for rows.Next() {
		rec, err := scanAction(rows)
		if err != nil {
			return nil, classify(op, err)
		}
		out = append(out, rec)
	}
	return out, classify(op, rows.Err())
}

// UpdateActionOutcome sets outcome and error message.
func (s *Store) UpdateActionOutcome(ctx context.Context, id string, outcome model.ActionOutcome, errorMessage *string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE actions SET outcome = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		string(outcome), nullString(errorMessage), formatTime(time.Now()), id)
	if err != nil {
		return classify("update action outcome", err)
	}
	return rowsAffected("update action outcome", res)
}

// FinishAction stores the outcome, post metrics and timing of an action.
func (s *Store) FinishAction(ctx context.Context, id string, r storage.ActionResult) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE actions SET outcome = ?, action_json = COALESCE(?, action_json), post_metrics_json = ?,
		        execution_time_ms = ?, error_message = ?, updated_at = ?
		 WHERE id = ?`,
		string(r.Outcome), nullText(r.ActionJSON), nullText(r.PostMetrics), r.ExecutionTimeMs,
		nullString(r.ErrorMessage), formatTime(time.Now()), id)
	if err != nil {
		return classify("finish action", err)
	}
	return rowsAffected("finish action", res)
}

func scanAction(row scanner) (model.ActionRecord, error) {
	var (
		rec                  model.ActionRecord
		actionJSON, outcome  string
		pre, post, errMsg    sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&rec.ID, &rec.DiagnosisID, &rec.ActionType, &actionJSON, &outcome,
		&pre, &post, &rec.ExecutionTimeMs, &errMsg, &createdAt, &updatedAt); err != nil {
		return model.ActionRecord{}, err
	}
	rec.ActionJSON = []byte(actionJSON)
	rec.Outcome = model.ActionOutcome(outcome)
	rec.PreMetricsJSON = textBytes(pre)
	rec.PostMetricsJSON = textBytes(post)
	rec.ErrorMessage = stringPtr(errMsg)

	var err error
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.ActionRecord{}, fmt.Errorf("parse created_at: %w", err)
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return model.ActionRecord{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return rec, nil
}

const learningColumns = `id, action_id, reward_value, confidence, lessons_json, recommendations_json, created_at`

// CreateLearning inserts a learning row.
func (s *Store) CreateLearning(ctx context.Context, rec model.LearningRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO learnings (`+learningColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ActionID, rec.RewardValue, rec.Confidence,
		string(rec.LessonsJSON), string(rec.RecommendationsJSON), formatTime(rec.CreatedAt))
	return classify("create learning", err)
}

// ListLearningsByAction returns the learnings recorded for an action.
func (s *Store) ListLearningsByAction(ctx context.Context, actionID string) ([]model.LearningRecord, error) {
	return s.listLearnings(ctx, "list learnings by action",
		`SELECT `+learningColumns+` FROM learnings WHERE action_id = ? ORDER BY created_at DESC`, actionID)
}

// ListRecentLearnings returns the most recent learnings, newest first.
func (s *Store) ListRecentLearnings(ctx context.Context, limit int) ([]model.LearningRecord, error) {
	return s.listLearnings(ctx, "list recent learnings",
		`SELECT `+learningColumns+` FROM learnings ORDER BY created_at DESC LIMIT ?`, limit)
}

func (s *Store) listLearnings(ctx context.Context, op, query string, args ...any) ([]model.LearningRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.LearningRecord
	for rows.Next() {
		var (
			rec           model.LearningRecord
			lessons, recs string
			createdAt     string
		)
		if err := rows.Scan(&rec.ID, &rec.ActionID, &rec.RewardValue, &rec.Confidence,
			&lessons, &recs, &createdAt); err != nil {
			return nil, classify(op, err)
		}
		rec.LessonsJSON = []byte(lessons)
		rec.RecommendationsJSON = []byte(recs)
		if rec.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, storage.Wrap(storage.KindInternal, op, err)
		}
		out = append(out, rec)
	}
	return out, classify(op, rows.Err())
}

// UpsertConfigOverride writes or replaces the override at rec.Key.
func (s *Store) UpsertConfigOverride(ctx context.Context, rec model.ConfigOverrideRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config_overrides (key, value_json, applied_by_action, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET
		   value_json = excluded.value_json,
		   applied_by_action = excluded.applied_by_action,
		   updated_at = excluded.updated_at`,
		rec.Key, string(rec.ValueJSON), nullString(rec.AppliedByAction), formatTime(rec.UpdatedAt))
	return classify("upsert config override", err)
}

// GetConfigOverride loads one override by key.
func (s *Store) GetConfigOverride(ctx context.Context, key string) (model.ConfigOverrideRecord, error) {
	rec, err := scanOverride(s.db.QueryRowContext(ctx,
		`SELECT key, value_json, applied_by_action, updated_at FROM config_overrides WHERE key = ?`, key))
	if err != nil {
		return model.ConfigOverrideRecord{}, classify("get config override", err)
	}
	return rec, nil
}

// ListConfigOverrides returns every override ordered by key.
func (s *Store) ListConfigOverrides(ctx context.Context) ([]model.ConfigOverrideRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value_json, applied_by_action, updated_at FROM config_overrides ORDER BY key`)
	if err != nil {
		return nil, classify("list config overrides", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.ConfigOverrideRecord
	for rows.Next() {
		rec, err := scanOverride(rows)
		if err != nil {
			return nil, classify("list config overrides", err)
		}
		out = append(out, rec)
	}
	return out, classify("list config overrides", rows.Err())
}

// DeleteConfigOverride removes the override at key.
func (s *Store) DeleteConfigOverride(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM config_overrides WHERE key = ?`, key)
	if err != nil {
		return classify("delete config override", err)
	}
	return rowsAffected("delete config override", res)
}

func scanOverride(row scanner) (model.ConfigOverrideRecord, error) {
	var (
		rec       model.ConfigOverrideRecord
		value     string
		appliedBy sql.NullString
		updatedAt string
	)
	if err := row.Scan(&rec.Key, &value, &appliedBy, &updatedAt); err != nil {
		return model.ConfigOverrideRecord{}, err
	}
	rec.ValueJSON = []byte(value)
	rec.AppliedByAction = stringPtr(appliedBy)
	t, err := parseTime(updatedAt)
	if err != nil {
		return model.ConfigOverrideRecord{}, fmt.Errorf("parse updated_at: %w", err)
	}
	rec.UpdatedAt = t
	return rec, nil
}
