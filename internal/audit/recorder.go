// Package audit appends structured workflow events. Audit failures are logged
// and never block the operation that produced them.
package audit

import (
	"context"

	"github.com/rs/zerolog"

	"custodian/api/internal/store"
)

const (
	EventReviewersAssigned   = "review.reviewers_assigned"
	EventReviewersReassigned = "review.reviewers_reassigned"
	EventDecisionSubmitted   = "review.decision_submitted"
	EventReviewCompleted     = "review.completed"
	EventVersionPatched      = "review.version_patched"
	EventCycleOpened         = "review.cycle_opened"
	EventDocumentPublished   = "document.published"
	EventDocumentCreated     = "document.created"
	EventVersionAdded        = "document.version_added"
)

const (
	StatusSuccess = "SUCCESS"
	StatusFailure = "FAILURE"
)

type Event struct {
	Type    string
	Targets []store.AuditTarget
	Details map[string]any
	Status  string
	ActorID string
}

type eventStore interface {
	InsertAuditEvent(context.Context, store.AuditEvent) error
}

type Recorder struct {
	store  eventStore
	logger zerolog.Logger
}

func NewRecorder(store eventStore, logger zerolog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger.With().Str("component", "audit").Logger()}
}

// Record persists one audit event. Errors are swallowed after logging.
func (r *Recorder) Record(ctx context.Context, event Event) {
	if event.Status == "" {
		event.Status = StatusSuccess
	}
	err := r.store.InsertAuditEvent(ctx, store.AuditEvent{
		EventType: event.Type,
		Targets:   event.Targets,
		Details:   event.Details,
		Status:    event.Status,
		ActorID:   event.ActorID,
	})
	if err != nil {
		r.logger.Error().Err(err).Str("event_type", event.Type).Msg("audit write failed")
	}
}

func DocumentTarget(id string) store.AuditTarget { return store.AuditTarget{Type: "document", ID: id} }
func VersionTarget(id string) store.AuditTarget  { return store.AuditTarget{Type: "version", ID: id} }
func ReviewTarget(id string) store.AuditTarget   { return store.AuditTarget{Type: "review", ID: id} }
