package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DiagnosisStatus is the lifecycle state of a SelfDiagnosis:
// pending -> approved|rejected -> executed|failed -> rolled_back.
type DiagnosisStatus string

const (
	DiagnosisPending    DiagnosisStatus = "pending"
	DiagnosisApproved   DiagnosisStatus = "approved"
	DiagnosisRejected   DiagnosisStatus = "rejected"
	DiagnosisExecuted   DiagnosisStatus = "executed"
	DiagnosisFailed     DiagnosisStatus = "failed"
	DiagnosisRolledBack DiagnosisStatus = "rolled_back"
)

var diagnosisTransitions = map[DiagnosisStatus][]DiagnosisStatus{
	DiagnosisPending:  {DiagnosisApproved, DiagnosisRejected},
	DiagnosisApproved: {DiagnosisExecuted, DiagnosisFailed},
	DiagnosisExecuted: {DiagnosisRolledBack},
}

// CanTransition reports whether moving from s to next follows the lifecycle.
func (s DiagnosisStatus) CanTransition(next DiagnosisStatus) bool {
	for _, allowed := range diagnosisTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transition is possible.
func (s DiagnosisStatus) IsTerminal() bool {
	return len(diagnosisTransitions[s]) == 0
}

// SelfDiagnosis is a proposed explanation plus corrective action for a
// detected health anomaly. Severity is fixed at construction from the trigger.
type SelfDiagnosis struct {
	ID              string          `json:"id"`
	Trigger         TriggerMetric   `json:"trigger"`
	Severity        Severity        `json:"severity"`
	Description     string          `json:"description"`
	SuspectedCause  string          `json:"suspected_cause,omitempty"`
	Action          SuggestedAction `json:"suggested_action"`
	ActionRationale string          `json:"action_rationale,omitempty"`
	Status          DiagnosisStatus `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
}

// NewDiagnosis builds a pending diagnosis with a fresh id.
func NewDiagnosis(trigger TriggerMetric, description string, action SuggestedAction) *SelfDiagnosis {
	return &SelfDiagnosis{
		ID:          uuid.NewString(),
		Trigger:     trigger,
		Severity:    trigger.Severity(),
		Description: description,
		Action:      action,
		Status:      DiagnosisPending,
		CreatedAt:   time.Now().UTC(),
	}
}

// Transition moves the diagnosis to next or returns an error naming both states.
func (d *SelfDiagnosis) Transition(next DiagnosisStatus) error {
	if !d.Status.CanTransition(next) {
		return fmt.Errorf("model: diagnosis %s cannot move from %s to %s", d.ID, d.Status, next)
	}
	d.Status = next
	return nil
}

// Record converts the diagnosis into its durable row.
func (d *SelfDiagnosis) Record() (DiagnosisRecord, error) {
	triggerJSON, err := json.Marshal(d.Trigger)
	if err != nil {
		return DiagnosisRecord{}, fmt.Errorf("model: encode trigger: %w", err)
	}
	actionJSON, err := json.Marshal(d.Action)
	if err != nil {
		return DiagnosisRecord{}, fmt.Errorf("model: encode action: %w", err)
	}
	return DiagnosisRecord{
		ID:              d.ID,
		TriggerType:     string(d.Trigger.MetricType()),
		TriggerJSON:     triggerJSON,
		Severity:        d.Severity.String(),
		Description:     d.Description,
		SuspectedCause:  optionalString(d.SuspectedCause),
		ActionType:      string(d.Action.ActionType()),
		ActionJSON:      actionJSON,
		ActionRationale: optionalString(d.ActionRationale),
		Status:          d.Status,
		CreatedAt:       d.CreatedAt,
	}, nil
}

// DiagnosisFromRecord rebuilds a diagnosis from its durable row.
func DiagnosisFromRecord(r DiagnosisRecord) (*SelfDiagnosis, error) {
	trigger, err := UnmarshalTrigger(r.TriggerJSON)
	if err != nil {
		return nil, err
	}
	action, err := UnmarshalAction(r.ActionJSON)
	if err != nil {
		return nil, err
	}
	sev, err := ParseSeverity(r.Severity)
	if err != nil {
		sev = trigger.Severity()
	}
	d := &SelfDiagnosis{
		ID:          r.ID,
		Trigger:     trigger,
		Severity:    sev,
		Description: r.Description,
		Action:      action,
		Status:      r.Status,
		CreatedAt:   r.CreatedAt,
	}
	if r.SuspectedCause != nil {
		d.SuspectedCause = *r.SuspectedCause
	}
	if r.ActionRationale != nil {
		d.ActionRationale = *r.ActionRationale
	}
	return d, nil
}

func (d *SelfDiagnosis) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID              string          `json:"id"`
		Trigger         json.RawMessage `json:"trigger"`
		Severity        Severity        `json:"severity"`
		Description     string          `json:"description"`
		SuspectedCause  string          `json:"suspected_cause"`
		Action          json.RawMessage `json:"suggested_action"`
		ActionRationale string          `json:"action_rationale"`
		Status          DiagnosisStatus `json:"status"`
		CreatedAt       time.Time       `json:"created_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("model: decode diagnosis: %w", err)
	}
	trigger, err := UnmarshalTrigger(raw.Trigger)
	if err != nil {
		return err
	}
	action, err := UnmarshalAction(raw.Action)
	if err != nil {
		return err
	}
	*d = SelfDiagnosis{
		ID:              raw.ID,
		Trigger:         trigger,
		Severity:        raw.Severity,
		Description:     raw.Description,
		SuspectedCause:  raw.SuspectedCause,
		Action:          action,
		ActionRationale: raw.ActionRationale,
		Status:          raw.Status,
		CreatedAt:       raw.CreatedAt,
	}
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
