package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/verity-labs/dossier/consult"
	"github.com/verity-labs/dossier/pipeline"
	"github.com/verity-labs/dossier/pipeline/failure"
)

// AuditKind identifies what an audit record describes.
type AuditKind string

const (
	AuditStageResult  AuditKind = "stage-result"
	AuditError        AuditKind = "error"
	AuditConsultation AuditKind = "consultation"
	AuditTransition   AuditKind = "transition"
)

// AuditRecord is one entry in the audit trail. The engine emits records
// suitable for tamper-evidence; signing happens outside the core.
type AuditRecord struct {
	ID      string          `json:"id"`
	Kind    AuditKind       `json:"kind"`
	RunID   string          `json:"run_id"`
	ItemID  string          `json:"item_id"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload"`
}

// AuditSink receives every StageResult, ErrorRecord, and consultation
// resolution produced by the engine.
type AuditSink interface {
	Append(ctx context.Context, rec *AuditRecord) error
}

func newAuditRecord(kind AuditKind, runID, itemID string, payload any) (*AuditRecord, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal audit payload: %w", err)
	}
	return &AuditRecord{
		ID:      fmt.Sprintf("a-%s", uuid.New().String()[:8]),
		Kind:    kind,
		RunID:   runID,
		ItemID:  itemID,
		At:      time.Now().UTC(),
		Payload: data,
	}, nil
}

// NewStageResultRecord builds an audit record for a stage attempt.
func NewStageResultRecord(runID string, sr *pipeline.StageResult) (*AuditRecord, error) {
	return newAuditRecord(AuditStageResult, runID, sr.ItemID, sr)
}

// NewErrorRecord builds an audit record for a classified failure.
func NewErrorRecord(runID, itemID string, er *failure.ErrorRecord) (*AuditRecord, error) {
	return newAuditRecord(AuditError, runID, itemID, er)
}

// NewConsultationRecord builds an audit record for a consultation resolution.
func NewConsultationRecord(runID string, resp *consult.Response) (*AuditRecord, error) {
	return newAuditRecord(AuditConsultation, runID, resp.ItemID, resp)
}

// NewTransitionRecord builds an audit record for a stage transition.
func NewTransitionRecord(ev *pipeline.StageTransitionEvent) (*AuditRecord, error) {
	return newAuditRecord(AuditTransition, ev.RunID, ev.ItemID, ev)
}

// SubjectAuditPrefix is the prefix for published audit records; the full
// subject is audit.append.<kind>.
const SubjectAuditPrefix = "audit.append"

// NATSAuditSink publishes audit records to per-kind subjects so a signing
// service can consume and seal them.
type NATSAuditSink struct {
	nc *nats.Conn
}

// NewNATSAuditSink creates a sink over an existing connection.
func NewNATSAuditSink(nc *nats.Conn) *NATSAuditSink {
	return &NATSAuditSink{nc: nc}
}

// Append publishes the record.
func (s *NATSAuditSink) Append(_ context.Context, rec *AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	subject := fmt.Sprintf("%s.%s", SubjectAuditPrefix, rec.Kind)
	if err := s.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish audit record: %w", err)
	}
	return nil
}

// NopAuditSink discards records. Used when no audit backend is configured.
type NopAuditSink struct{}

// Append discards the record.
func (NopAuditSink) Append(context.Context, *AuditRecord) error { return nil }
