// Package review implements the document review lifecycle: assigning
// reviewers, collecting decisions, finalizing approvals and patching rejected
// versions into fresh review cycles.
package review

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"custodian/api/internal/audit"
	"custodian/api/internal/metrics"
	"custodian/api/internal/store"
	"custodian/api/internal/util"
)

type dataStore interface {
	GetDocument(context.Context, string) (store.Document, error)
	GetVersion(context.Context, string) (store.Version, error)
	GetReview(context.Context, string) (store.Review, error)
	ListReviewsForVersion(context.Context, string, string) ([]store.Review, error)
	CreateReviews(context.Context, []store.Review) error
	AddDocumentReviewers(context.Context, string, []string) error
	ReplaceReviewers(context.Context, string, string, []store.Review, time.Time) ([]store.Review, int, error)
	UpdateDocumentStatus(context.Context, string, string) (store.Document, error)
	RecordDecision(context.Context, string, string, string, time.Time) (store.Review, error)
	CompleteReview(context.Context, store.CompleteReviewParams) (store.CompleteReviewResult, error)
	PatchReview(context.Context, store.PatchReviewParams) (store.PatchReviewResult, error)
	PublishDocument(context.Context, string, time.Time, *time.Time) (store.Document, error)
}

type fileStore interface {
	Rename(ctx context.Context, oldKey, newName string) (newKey, url string, err error)
}

type notifier interface {
	ReviewAssigned(context.Context, store.Document, store.Review)
	DecisionSubmitted(context.Context, string, store.Document, store.Review)
}

type auditor interface {
	Record(context.Context, audit.Event)
}

type Engine struct {
	store            dataStore
	files            fileStore
	notifier         notifier
	audit            auditor
	metrics          *metrics.Metrics
	logger           zerolog.Logger
	requireUnanimous bool
	now              func() time.Time
}

func NewEngine(
	dataStore dataStore,
	files fileStore,
	notifier notifier,
	auditor auditor,
	m *metrics.Metrics,
	logger zerolog.Logger,
	requireUnanimous bool,
) *Engine {
	return &Engine{
		store:            dataStore,
		files:            files,
		notifier:         notifier,
		audit:            auditor,
		metrics:          m,
		logger:           logger.With().Str("component", "review").Logger(),
		requireUnanimous: requireUnanimous,
		now:              time.Now,
	}
}

// AssignReviewers opens one pending review per reviewer against a document
// version and moves the document into IN_REVIEW.
func (e *Engine) AssignReviewers(ctx context.Context, documentID, versionID string, reviewerIDs []string, dueDate *time.Time, assignedBy string) ([]store.Review, error) {
	if len(reviewerIDs) == 0 {
		return nil, invalid("at least one reviewer is required")
	}

	doc, version, err := e.resolveVersion(ctx, documentID, versionID)
	if err != nil {
		return nil, err
	}

	reviews := buildReviews(doc.ID, version.ID, reviewerIDs, dueDate, assignedBy)
	if err := e.store.CreateReviews(ctx, reviews); err != nil {
		return nil, err
	}
	if err := e.store.AddDocumentReviewers(ctx, doc.ID, reviewerIDs); err != nil {
		return nil, err
	}

	if doc.Status != store.StatusInReview {
		if doc, err = e.store.UpdateDocumentStatus(ctx, doc.ID, store.StatusInReview); err != nil {
			return nil, err
		}
	}

	for _, item := range reviews {
		e.notifier.ReviewAssigned(ctx, doc, item)
	}
	e.metrics.ReviewsAssigned.Add(float64(len(reviews)))
	e.audit.Record(ctx, audit.Event{
		Type:    audit.EventReviewersAssigned,
		Targets: []store.AuditTarget{audit.DocumentTarget(doc.ID), audit.VersionTarget(version.ID)},
		Details: map[string]any{"reviewers": reviewerIDs, "dueDate": dueDate},
		ActorID: assignedBy,
	})
	return reviews, nil
}

// ReassignReviewers reconciles the pending reviewer set for a version. Only
// undecided reviews that are not yet due are replaced; decided reviews are
// never touched.
func (e *Engine) ReassignReviewers(ctx context.Context, documentID, versionID string, reviewerIDs []string, dueDate *time.Time, assignedBy string) (added []store.Review, removed int, err error) {
	if len(reviewerIDs) == 0 {
		return nil, 0, invalid("at least one reviewer is required")
	}

	doc, version, err := e.resolveVersion(ctx, documentID, versionID)
	if err != nil {
		return nil, 0, err
	}

	candidates := buildReviews(doc.ID, version.ID, reviewerIDs, dueDate, assignedBy)
	added, removed, err = e.store.ReplaceReviewers(ctx, doc.ID, version.ID, candidates, e.now())
	if err != nil {
		return nil, 0, err
	}

	for _, item := range added {
		e.notifier.ReviewAssigned(ctx, doc, item)
	}
	e.metrics.ReviewsAssigned.Add(float64(len(added)))
	e.audit.Record(ctx, audit.Event{
		Type:    audit.EventReviewersReassigned,
		Targets: []store.AuditTarget{audit.DocumentTarget(doc.ID), audit.VersionTarget(version.ID)},
		Details: map[string]any{"reviewers": reviewerIDs, "added": len(added), "removed": removed},
		ActorID: assignedBy,
	})
	return added, removed, nil
}

// SubmitDecision records a reviewer's verdict. The document status is not
// changed; finalization is a separate, explicit step.
func (e *Engine) SubmitDecision(ctx context.Context, reviewID, decision, comment, actorID string) (store.Review, error) {
	if decision != store.DecisionApprove && decision != store.DecisionReject {
		return store.Review{}, invalid("decision must be APPROVE or REJECT")
	}

	item, err := e.getReview(ctx, reviewID)
	if err != nil {
		return store.Review{}, err
	}
	if item.IsCompleted {
		return store.Review{}, conflict("review already completed")
	}
	if item.Decided() {
		return store.Review{}, conflict("decision already submitted")
	}

	updated, err := e.store.RecordDecision(ctx, reviewID, decision, comment, e.now())
	if errors.Is(err, store.ErrAlreadyCompleted) {
		return store.Review{}, conflict("decision already submitted")
	}
	if err != nil {
		return store.Review{}, err
	}
	e.metrics.DecisionsTotal.WithLabelValues(decision).Inc()

	doc, err := e.store.GetDocument(ctx, updated.DocumentID)
	if err != nil {
		e.logger.Error().Err(err).Str("document", updated.DocumentID).Msg("load document for decision side effects")
	} else if updated.AssignedBy != "" {
		e.notifier.DecisionSubmitted(ctx, updated.AssignedBy, doc, updated)
	}

	e.audit.Record(ctx, audit.Event{
		Type:    audit.EventDecisionSubmitted,
		Targets: []store.AuditTarget{audit.DocumentTarget(updated.DocumentID), audit.ReviewTarget(updated.ID)},
		Details: map[string]any{"decision": decision, "comment": comment},
		ActorID: actorID,
	})
	return updated, nil
}

// Complete finalizes a review: it creates the durable Approval record,
// promotes the document to APPROVED and marks the review completed, as one
// transaction. With unanimity required, every review for the same document
// version must already carry an APPROVE decision.
func (e *Engine) Complete(ctx context.Context, reviewID, actorID string) (store.CompleteReviewResult, error) {
	item, err := e.getReview(ctx, reviewID)
	if err != nil {
		return store.CompleteReviewResult{}, err
	}
	if item.IsCompleted {
		return store.CompleteReviewResult{}, conflict("review already completed")
	}

	if e.requireUnanimous {
		siblings, err := e.store.ListReviewsForVersion(ctx, item.DocumentID, item.VersionID)
		if err != nil {
			return store.CompleteReviewResult{}, err
		}
		for _, sibling := range siblings {
			if sibling.IsCompleted {
				continue
			}
			if sibling.Decision != store.DecisionApprove {
				return store.CompleteReviewResult{}, conflict(
					fmt.Sprintf("review %s has not approved this version", sibling.ID))
			}
		}
	}

	result, err := e.store.CompleteReview(ctx, store.CompleteReviewParams{
		ApprovalID:  util.NewID("apv"),
		ReviewID:    item.ID,
		DocumentID:  item.DocumentID,
		VersionID:   item.VersionID,
		CompletedBy: actorID,
		Now:         e.now(),
	})
	if errors.Is(err, store.ErrAlreadyCompleted) {
		return store.CompleteReviewResult{}, conflict("review already completed")
	}
	if err != nil {
		return store.CompleteReviewResult{}, err
	}
	e.metrics.ApprovalsTotal.Inc()

	e.audit.Record(ctx, audit.Event{
		Type: audit.EventReviewCompleted,
		Targets: []store.AuditTarget{
			audit.DocumentTarget(item.DocumentID),
			audit.VersionTarget(item.VersionID),
			audit.ReviewTarget(item.ID),
		},
		Details: map[string]any{
			"approvalId": result.Approval.ID,
			"changes":    diffDocuments(result.DocumentBefore, result.DocumentAfter),
		},
		ActorID: actorID,
	})
	return result, nil
}

// Patch turns a rejected review into a fresh cycle: the stored file is
// renamed to the corrected label, a new current version supersedes the old
// one, and the same reviewer receives a new pending review. The triggering
// review is completed without an Approval.
//
// The rename runs before any row changes; if it fails nothing is mutated.
// The database steps then run in a single transaction.
func (e *Engine) Patch(ctx context.Context, reviewID, actorID, newLabel, comment string) (store.PatchReviewResult, error) {
	if newLabel == "" {
		return store.PatchReviewResult{}, invalid("a version label is required")
	}

	item, err := e.getReview(ctx, reviewID)
	if err != nil {
		return store.PatchReviewResult{}, err
	}
	if item.IsCompleted {
		return store.PatchReviewResult{}, conflict("review already completed")
	}

	version, err := e.store.GetVersion(ctx, item.VersionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.PatchReviewResult{}, notFound("version not found")
		}
		return store.PatchReviewResult{}, err
	}

	newKey, url, err := e.files.Rename(ctx, version.FileKey, newLabel)
	if err != nil {
		return store.PatchReviewResult{}, fmt.Errorf("rename version file: %w", err)
	}

	result, err := e.store.PatchReview(ctx, store.PatchReviewParams{
		ReviewID:   item.ID,
		DocumentID: item.DocumentID,
		OldVersion: version,
		NewVersion: store.Version{
			ID:      util.NewID("ver"),
			Label:   newLabel,
			FileKey: newKey,
			FileURL: url,
		},
		NewReviewID: util.NewID("rev"),
		CompletedBy: actorID,
		Now:         e.now(),
	})
	if errors.Is(err, store.ErrAlreadyCompleted) {
		return store.PatchReviewResult{}, conflict("review already completed")
	}
	if err != nil {
		return store.PatchReviewResult{}, err
	}
	e.metrics.PatchesTotal.Inc()

	e.notifier.ReviewAssigned(ctx, result.Document, result.Review)
	e.audit.Record(ctx, audit.Event{
		Type: audit.EventVersionPatched,
		Targets: []store.AuditTarget{
			audit.DocumentTarget(item.DocumentID),
			audit.VersionTarget(result.Version.ID),
			audit.ReviewTarget(item.ID),
		},
		Details: map[string]any{
			"label":       newLabel,
			"comment":     comment,
			"supersedes":  version.ID,
			"newReviewId": result.Review.ID,
		},
		ActorID: actorID,
	})
	return result, nil
}

// Publish marks an approved document as published and schedules its next
// review when a frequency is configured.
func (e *Engine) Publish(ctx context.Context, documentID, actorID string) (store.Document, error) {
	doc, err := e.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Document{}, notFound("document not found")
		}
		return store.Document{}, err
	}
	if doc.Status != store.StatusApproved {
		return store.Document{}, conflict("only approved documents can be published")
	}

	now := e.now()
	var next *time.Time
	if due, ok := store.NextReviewDate(now, doc.ReviewFrequency); ok {
		next = &due
	}

	published, err := e.store.PublishDocument(ctx, documentID, now, next)
	if errors.Is(err, store.ErrInvalidState) {
		return store.Document{}, conflict("only approved documents can be published")
	}
	if err != nil {
		return store.Document{}, err
	}

	e.audit.Record(ctx, audit.Event{
		Type:    audit.EventDocumentPublished,
		Targets: []store.AuditTarget{audit.DocumentTarget(documentID)},
		Details: map[string]any{"nextReviewDate": next},
		ActorID: actorID,
	})
	return published, nil
}

func (e *Engine) getReview(ctx context.Context, reviewID string) (store.Review, error) {
	item, err := e.store.GetReview(ctx, reviewID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Review{}, notFound("review not found")
	}
	if err != nil {
		return store.Review{}, err
	}
	return item, nil
}

func (e *Engine) resolveVersion(ctx context.Context, documentID, versionID string) (store.Document, store.Version, error) {
	doc, err := e.store.GetDocument(ctx, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Document{}, store.Version{}, notFound("document not found")
	}
	if err != nil {
		return store.Document{}, store.Version{}, err
	}

	version, err := e.store.GetVersion(ctx, versionID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Document{}, store.Version{}, notFound("version not found")
	}
	if err != nil {
		return store.Document{}, store.Version{}, err
	}
	if version.DocumentID != doc.ID {
		return store.Document{}, store.Version{}, notFound("version does not belong to document")
	}
	return doc, version, nil
}

func buildReviews(documentID, versionID string, reviewerIDs []string, dueDate *time.Time, assignedBy string) []store.Review {
	reviews := make([]store.Review, 0, len(reviewerIDs))
	for _, reviewerID := range reviewerIDs {
		reviews = append(reviews, store.Review{
			ID:         util.NewID("rev"),
			DocumentID: documentID,
			VersionID:  versionID,
			ReviewerID: reviewerID,
			AssignedBy: assignedBy,
			DueDate:    dueDate,
		})
	}
	return reviews
}

func diffDocuments(before, after store.Document) map[string]any {
	changes := map[string]any{}
	if before.Status != after.Status {
		changes["status"] = map[string]string{"from": before.Status, "to": after.Status}
	}
	if before.Published != after.Published {
		changes["published"] = map[string]bool{"from": before.Published, "to": after.Published}
	}
	return changes
}
