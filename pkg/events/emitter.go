// Package events emits merge lifecycle audit events. Emission is
// best-effort: every publish is bounded by a timeout and a failure is
// logged, never surfaced to the operation that triggered it.
package events

import (
	"context"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/kinstack/briar/pkg/kafka"
	"github.com/kinstack/briar/pkg/models"
	"github.com/kinstack/briar/pkg/tracing"
)

// SchemaVersion is the current event schema version
const SchemaVersion = "1.0"

// Emitter publishes merge audit events
type Emitter struct {
	producer *kafka.Producer
	logger   ectologger.Logger
	timeout  time.Duration
}

// NewEmitter creates a new audit event emitter
func NewEmitter(producer *kafka.Producer, timeout time.Duration, logger ectologger.Logger) *Emitter {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Emitter{
		producer: producer,
		logger:   logger,
		timeout:  timeout,
	}
}

// EmitProposalLifecycle emits an event for a proposal state change.
func (e *Emitter) EmitProposalLifecycle(ctx context.Context, eventType EventType, proposal *models.MergeProposal, actorID string, details map[string]any) {
	event := &kafka.AuditEvent{
		EventType:     string(eventType),
		SchemaVersion: SchemaVersion,
		TenantID:      proposal.TenantID,
		EntityType:    string(proposal.EntityType),
		SourceID:      proposal.SourceID,
		TargetID:      proposal.TargetID,
		ProposalID:    proposal.ID,
		ActorID:       actorID,
		Details:       details,
	}
	e.publish(ctx, event)
}

// EmitMergeExecuted emits the execution event carrying the undo pointer.
func (e *Emitter) EmitMergeExecuted(ctx context.Context, proposal *models.MergeProposal, record *models.MergeRecord, actorID string) {
	event := &kafka.AuditEvent{
		EventType:     string(EventTypeMergeExecuted),
		SchemaVersion: SchemaVersion,
		TenantID:      record.TenantID,
		EntityType:    string(proposal.EntityType),
		SourceID:      record.SourceID,
		TargetID:      record.TargetID,
		ProposalID:    record.ProposalID,
		MergeRecordID: record.ID,
		ActorID:       actorID,
		Details: map[string]any{
			"reassigned_references": record.ReassignedReferenceCounts.Total(),
			"fields_changed":        len(record.FieldDiff),
		},
	}
	e.publish(ctx, event)
}

// EmitMergeUndone emits the undo event for a merge record.
func (e *Emitter) EmitMergeUndone(ctx context.Context, record *models.MergeRecord, actorID string) {
	event := &kafka.AuditEvent{
		EventType:     string(EventTypeMergeUndone),
		SchemaVersion: SchemaVersion,
		TenantID:      record.TenantID,
		SourceID:      record.SourceID,
		TargetID:      record.TargetID,
		ProposalID:    record.ProposalID,
		MergeRecordID: record.ID,
		ActorID:       actorID,
	}
	e.publish(ctx, event)
}

// EmitCollisionRunCompleted emits a summary event for a detection run.
func (e *Emitter) EmitCollisionRunCompleted(ctx context.Context, tenantID string, actorID string, details map[string]any) {
	event := &kafka.AuditEvent{
		EventType:     string(EventTypeCollisionRunCompleted),
		SchemaVersion: SchemaVersion,
		TenantID:      tenantID,
		ActorID:       actorID,
		Details:       details,
	}
	e.publish(ctx, event)
}

func (e *Emitter) publish(ctx context.Context, event *kafka.AuditEvent) {
	ctx, span := tracing.StartSpan(ctx, "events.Emitter.publish")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	if err := e.producer.PublishAuditEvent(ctx, event); err != nil {
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"event_type": event.EventType,
		}).Warn("Audit event dropped")
	}
}
