package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kaizen/internal/model"
	"github.com/ashita-ai/kaizen/internal/storage"
)

var invocationColumns = []string{"id", "tool_name", "latency_ms", "success", "quality_score", "created_at"}

// InsertInvocation writes one invocation.
func (s *Store) InsertInvocation(ctx context.Context, inv model.Invocation) error {
	inv = storage.PrepareInvocation(inv)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO invocations (id, tool_name, latency_ms, success, quality_score, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		inv.ID, inv.ToolName, inv.LatencyMs, inv.Success, inv.QualityScore, inv.CreatedAt)
	return classify("insert invocation", err)
}

// InsertInvocations streams invs with COPY. COPY has no bind-parameter
// ceiling, so the batch is not chunked.
func (s *Store) InsertInvocations(ctx context.Context, invs []model.Invocation) (int64, error) {
	if len(invs) == 0 {
		return 0, nil
	}

	rows := make([][]any, len(invs))
	for i, inv := range invs {
		inv = storage.PrepareInvocation(inv)
		rows[i] = []any{inv.ID, inv.ToolName, inv.LatencyMs, inv.Success, inv.QualityScore, inv.CreatedAt}
	}

	copyCtx, copyCancel := context.WithTimeout(ctx, copyTimeout)
	n, err := s.pool.CopyFrom(copyCtx, pgx.Identifier{"invocations"}, invocationColumns, pgx.CopyFromRows(rows))
	copyCancel()
	if err != nil {
		return 0, classify("copy invocations", err)
	}
	return n, nil
}

// GetRecentInvocations returns up to limit invocations, newest first.
func (s *Store) GetRecentInvocations(ctx context.Context, limit int) ([]model.Invocation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tool_name, latency_ms, success, quality_score, created_at
		 FROM invocations ORDER BY created_at DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, classify("get recent invocations", err)
	}
	defer rows.Close()

	var out []model.Invocation
	for rows.Next() {
		var inv model.Invocation
		if err := rows.Scan(&inv.ID, &inv.ToolName, &inv.LatencyMs, &inv.Success, &inv.QualityScore, &inv.CreatedAt); err != nil {
			return nil, classify("scan invocation", err)
		}
		out = append(out, inv)
	}
	return out, classify("get recent invocations", rows.Err())
}

// CountInvocationsSince counts invocations at or after since.
func (s *Store) CountInvocationsSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM invocations WHERE created_at >= $1`, since).Scan(&n)
	return n, classify("count invocations", err)
}

// PurgeInvocations deletes invocations created before cutoff in batches.
func (s *Store) PurgeInvocations(ctx context.Context, before time.Time, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = storage.DefaultPurgeBatchSize
	}
	var total int64
	for {
		tag, err := s.pool.Exec(ctx,
			`DELETE FROM invocations WHERE id IN (
				SELECT id FROM invocations WHERE created_at < $1 LIMIT $2)`,
			before, batchSize)
		if err != nil {
			return total, classify("purge invocations", err)
		}
		n := tag.RowsAffected()
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
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	if rec.Status == "" {
		rec.Status = model.DiagnosisPending
	}
	err := WithRetry(ctx, defaultMaxRetries, defaultRetryDelay, func() error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO diagnoses (`+diagnosisColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			rec.ID, rec.TriggerType, rec.TriggerJSON, rec.Severity, rec.Description, rec.SuspectedCause,
			rec.ActionType, rec.ActionJSON, rec.ActionRationale, string(rec.Status), rec.CreatedAt, rec.UpdatedAt)
		return err
	})
	return classify("create diagnosis", err)
}

// GetDiagnosis loads one diagnosis by id.
func (s *Store) GetDiagnosis(ctx context.Context, id string) (model.DiagnosisRecord, error) {
	rec, err := scanDiagnosis(s.pool.QueryRow(ctx, `SELECT `+diagnosisColumns+` FROM diagnoses WHERE id = $1`, id))
	if err != nil {
		return model.DiagnosisRecord{}, classify("get diagnosis", err)
	}
	return rec, nil
}

// ListDiagnosesByStatus returns diagnoses in status, newest first.
func (s *Store) ListDiagnosesByStatus(ctx context.Context, status model.DiagnosisStatus, limit int) ([]model.DiagnosisRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+diagnosisColumns+` FROM diagnoses WHERE status = $1 ORDER BY created_at DESC LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, classify("list diagnoses", err)
	}
	defer rows.Close()

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
	tag, err := s.pool.Exec(ctx,
		`UPDATE diagnoses SET status = $1, updated_at = now() WHERE id = $2`, string(status), id)
	if err != nil {
		return classify("update diagnosis status", err)
	}
	return requireRow("update diagnosis status", tag)
}

func scanDiagnosis(row pgx.Row) (model.DiagnosisRecord, error) {
	var (
		rec    model.DiagnosisRecord
		status string
	)
	err := row.Scan(&rec.ID, &rec.TriggerType, &rec.TriggerJSON, &rec.Severity, &rec.Description,
		&rec.SuspectedCause, &rec.ActionType, &rec.ActionJSON, &rec.ActionRationale, &status,
		&rec.CreatedAt, &rec.UpdatedAt)
	rec.Status = model.DiagnosisStatus(status)
	return rec, err
}

const actionColumns = `id, diagnosis_id, action_type, action_json, outcome, pre_metrics_json,
	post_metrics_json, execution_time_ms, error_message, created_at, updated_at`

// CreateAction inserts an action row.
func (s *Store) CreateAction(ctx context.Context, rec model.ActionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	err := WithRetry(ctx, defaultMaxRetries, defaultRetryDelay, func() error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO actions (`+actionColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			rec.ID, rec.DiagnosisID, rec.ActionType, rec.ActionJSON, string(rec.Outcome),
			nullJSON(rec.PreMetricsJSON), nullJSON(rec.PostMetricsJSON), rec.ExecutionTimeMs,
			rec.ErrorMessage, rec.CreatedAt, rec.UpdatedAt)
		return err
	})
	return classify("create action", err)
}

// GetAction loads one action by id.
func (s *Store) GetAction(ctx context.Context, id string) (model.ActionRecord, error) {
	rec, err := scanAction(s.pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = $1`, id))
	if err != nil {
		return model.ActionRecord{}, classify("get action", err)
	}
	return rec, nil
}

// GetActionByDiagnosis loads the action recorded for a diagnosis.
func (s *Store) GetActionByDiagnosis(ctx context.Context, diagnosisID string) (model.ActionRecord, error) {
	rec, err := scanAction(s.pool.QueryRow(ctx,
		`SELECT `+actionColumns+` FROM actions WHERE diagnosis_id = $1`, diagnosisID))
	if err != nil {
		return model.ActionRecord{}, classify("get action by diagnosis", err)
	}
	return rec, nil
}

// ListActionsByOutcome returns actions with outcome, newest first.
func (s *Store) ListActionsByOutcome(ctx context.Context, outcome model.ActionOutcome, limit int) ([]model.ActionRecord, error) {
	return s.listActions(ctx, "list actions by outcome",
		`SELECT `+actionColumns+` FROM actions WHERE outcome = $1 ORDER BY created_at DESC LIMIT $2`,
		string(outcome), limit)
}

// ListRecentActions returns the most recent actions regardless of outcome.
func (s *Store) ListRecentActions(ctx context.Context, limit int) ([]model.ActionRecord, error) {
	return s.listActions(ctx, "list recent actions",
		`SELECT `+actionColumns+` FROM actions ORDER BY created_at DESC LIMIT $1`, limit)
}

func (s *Store) listActions(ctx context.Context, op, query string, args ...any) ([]model.ActionRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

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
	tag, err := s.pool.Exec(ctx,
		`UPDATE actions SET outcome = $1, error_message = $2, updated_at = now() WHERE id = $3`,
		string(outcome), errorMessage, id)
	if err != nil {
		return classify("update action outcome", err)
	}
	return requireRow("update action outcome", tag)
}

// FinishAction stores the outcome, post metrics and timing of an action.
func (s *Store) FinishAction(ctx context.Context, id string, r storage.ActionResult) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE actions SET outcome = $1, action_json = COALESCE($2::jsonb, action_json), post_metrics_json = $3,
		        execution_time_ms = $4, error_message = $5, updated_at = now()
		 WHERE id = $6`,
		string(r.Outcome), nullJSON(r.ActionJSON), nullJSON(r.PostMetrics), r.ExecutionTimeMs, r.ErrorMessage, id)
	if err != nil {
		return classify("finish action", err)
	}
	return requireRow("finish action", tag)
}

func scanAction(row pgx.Row) (model.ActionRecord, error) {
	var (
		rec       model.ActionRecord
		outcome   string
		pre, post []byte
	)
	err := row.Scan(&rec.ID, &rec.DiagnosisID, &rec.ActionType, &rec.ActionJSON, &outcome,
		&pre, &post, &rec.ExecutionTimeMs, &rec.ErrorMessage,
		&rec.CreatedAt, &rec.UpdatedAt)
	rec.Outcome = model.ActionOutcome(outcome)
	rec.PreMetricsJSON = pre
	rec.PostMetricsJSON = post
	return rec, err
}

const learningColumns = `id, action_id, reward_value, confidence, lessons_json, recommendations_json, created_at`

// CreateLearning inserts a learning row.
func (s *Store) CreateLearning(ctx context.Context, rec model.LearningRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO learnings (`+learningColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.ActionID, rec.RewardValue, rec.Confidence, rec.LessonsJSON, rec.RecommendationsJSON, rec.CreatedAt)
	return classify("create learning", err)
}

// ListLearningsByAction returns the learnings recorded for an action.
func (s *Store) ListLearningsByAction(ctx context.Context, actionID string) ([]model.LearningRecord, error) {
	return s.listLearnings(ctx, "list learnings by action",
		`SELECT `+learningColumns+` FROM learnings WHERE action_id = $1 ORDER BY created_at DESC`, actionID)
}

// ListRecentLearnings returns the most recent learnings, newest first.
func (s *Store) ListRecentLearnings(ctx context.Context, limit int) ([]model.LearningRecord, error) {
	return s.listLearnings(ctx, "list recent learnings",
		`SELECT `+learningColumns+` FROM learnings ORDER BY created_at DESC LIMIT $1`, limit)
}

func (s *Store) listLearnings(ctx context.Context, op, query string, args ...any) ([]model.LearningRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, classify(op, err)
	}
	defer rows.Close()

	var out []model.LearningRecord
	for rows.Next() {
		var rec model.LearningRecord
		if err := rows.Scan(&rec.ID, &rec.ActionID, &rec.RewardValue, &rec.Confidence,
			&rec.LessonsJSON, &rec.RecommendationsJSON, &rec.CreatedAt); err != nil {
			return nil, classify(op, err)
		}
		out = append(out, rec)
	}
	return out, classify(op, rows.Err())
}

// UpsertConfigOverride writes or replaces the override at rec.Key.
func (s *Store) UpsertConfigOverride(ctx context.Context, rec model.ConfigOverrideRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	err := WithRetry(ctx, defaultMaxRetries, defaultRetryDelay, func() error {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO config_overrides (key, value_json, applied_by_action, updated_at)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (key) DO UPDATE SET
			   value_json = EXCLUDED.value_json,
			   applied_by_action = EXCLUDED.applied_by_action,
			   updated_at = EXCLUDED.updated_at`,
			rec.Key, rec.ValueJSON, rec.AppliedByAction, rec.UpdatedAt)
		return err
	})
	return classify("upsert config override", err)
}

// GetConfigOverride loads one override by key.
func (s *Store) GetConfigOverride(ctx context.Context, key string) (model.ConfigOverrideRecord, error) {
	var rec model.ConfigOverrideRecord
	err := s.pool.QueryRow(ctx,
		`SELECT key, value_json, applied_by_action, updated_at FROM config_overrides WHERE key = $1`, key,
	).Scan(&rec.Key, &rec.ValueJSON, &rec.AppliedByAction, &rec.UpdatedAt)
	if err != nil {
		return model.ConfigOverrideRecord{}, classify("get config override", err)
	}
	return rec, nil
}

// ListConfigOverrides returns every override ordered by key.
func (s *Store) ListConfigOverrides(ctx context.Context) ([]model.ConfigOverrideRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, value_json, applied_by_action, updated_at FROM config_overrides ORDER BY key`)
	if err != nil {
		return nil, classify("list config overrides", err)
	}
	defer rows.Close()

	var out []model.ConfigOverrideRecord
	for rows.Next() {
		var rec model.ConfigOverrideRecord
		if err := rows.Scan(&rec.Key, &rec.ValueJSON, &rec.AppliedByAction, &rec.UpdatedAt); err != nil {
			return nil, classify("list config overrides", err)
		}
		out = append(out, rec)
	}
	return out, classify("list config overrides", rows.Err())
}

// DeleteConfigOverride removes the override at key.
func (s *Store) DeleteConfigOverride(ctx context.Context, key string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM config_overrides WHERE key = $1`, key)
	if err != nil {
		return classify("delete config override", err)
	}
	return requireRow("delete config override", tag)
}

// nullJSON sends an empty document as SQL NULL.
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
