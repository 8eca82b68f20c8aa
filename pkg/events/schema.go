package events

// EventType defines the type of audit event
type EventType string

const (
	EventTypeMergeProposed EventType = "merge.proposed"
	EventTypeMergeAccepted EventType = "merge.accepted"
	EventTypeMergeRejected EventType = "merge.rejected"
	EventTypeMergeExecuted EventType = "merge.executed"
	EventTypeMergeFailed   EventType = "merge.failed"
	EventTypeMergeUndone   EventType = "merge.undone"

	EventTypeCollisionRunCompleted EventType = "collision.run_completed"
)
