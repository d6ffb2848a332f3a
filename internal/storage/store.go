// Package storage defines the persistence contract of the self-improvement
// loop and the pieces shared by its engines (sqlite, postgres): error kinds,
// the migration runner and invocation batching.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ashita-ai/kaizen/internal/model"
)

// Store is the durable log of invocations, diagnoses, actions, learnings and
// config overrides. Implementations must be safe for concurrent use; the
// connection pool bounds how many writers run at once.
type Store interface {
	// InsertInvocation writes a single invocation row.
	InsertInvocation(ctx context.Context, inv model.Invocation) error
	// InsertInvocations bulk-inserts invocations, chunked below the engine's
	// bind-parameter ceiling. Returns the number of rows written.
	InsertInvocations(ctx context.Context, invs []model.Invocation) (int64, error)
	// GetRecentInvocations returns up to limit invocations, newest first.
	GetRecentInvocations(ctx context.Context, limit int) ([]model.Invocation, error)
	// CountInvocationsSince counts invocations created at or after since.
	CountInvocationsSince(ctx context.Context, since time.Time) (int64, error)
	// PurgeInvocations deletes invocations created before cutoff, batchSize
	// rows per statement so no single delete holds locks for long. Returns
	// the number of rows removed.
	PurgeInvocations(ctx context.Context, before time.Time, batchSize int) (int64, error)

	CreateDiagnosis(ctx context.Context, rec model.DiagnosisRecord) error
	GetDiagnosis(ctx context.Context, id string) (model.DiagnosisRecord, error)
	// ListDiagnosesByStatus returns diagnoses in status, newest first.
	ListDiagnosesByStatus(ctx context.Context, status model.DiagnosisStatus, limit int) ([]model.DiagnosisRecord, error)
	UpdateDiagnosisStatus(ctx context.Context, id string, status model.DiagnosisStatus) error

	// CreateAction fails with ErrConflict when the diagnosis already has an
	// action and ErrConstraint when the diagnosis does not exist.
	CreateAction(ctx context.Context, rec model.ActionRecord) error
	GetAction(ctx context.Context, id string) (model.ActionRecord, error)
	GetActionByDiagnosis(ctx context.Context, diagnosisID string) (model.ActionRecord, error)
	ListActionsByOutcome(ctx context.Context, outcome model.ActionOutcome, limit int) ([]model.ActionRecord, error)
	ListRecentActions(ctx context.Context, limit int) ([]model.ActionRecord, error)
	UpdateActionOutcome(ctx context.Context, id string, outcome model.ActionOutcome, errorMessage *string) error
	// FinishAction records the measured result of an action created as pending.
	FinishAction(ctx context.Context, id string, res ActionResult) error

	// CreateLearning fails with ErrConstraint when the action does not exist.
	CreateLearning(ctx context.Context, rec model.LearningRecord) error
	ListLearningsByAction(ctx context.Context, actionID string) ([]model.LearningRecord, error)
	ListRecentLearnings(ctx context.Context, limit int) ([]model.LearningRecord, error)

	// UpsertConfigOverride is last-writer-wins on Key.
	UpsertConfigOverride(ctx context.Context, rec model.ConfigOverrideRecord) error
	GetConfigOverride(ctx context.Context, key string) (model.ConfigOverrideRecord, error)
	ListConfigOverrides(ctx context.Context) ([]model.ConfigOverrideRecord, error)
	DeleteConfigOverride(ctx context.Context, key string) error

	Ping(ctx context.Context) error
	Close() error
}

// DefaultPurgeBatchSize is used when PurgeInvocations is given batchSize <= 0.
const DefaultPurgeBatchSize = 1000

// ActionResult is what FinishAction writes back onto a pending action row.
type ActionResult struct {
	Outcome model.ActionOutcome
	// ActionJSON replaces the stored action when set. The executor fills in
	// the values it overwrote, and rollback reads them back from here.
	ActionJSON      json.RawMessage
	PostMetrics     json.RawMessage
	ExecutionTimeMs int64
	ErrorMessage    *string
}
