// Package schedule opens new review cycles for documents whose next review
// date has passed, and reminds reviewers of due-soon reviews. The decision of
// whether a document gets a new cycle is a pure function over a snapshot, so
// it can be tested without a scheduler or a database.
package schedule

import (
	"time"

	"custodian/api/internal/store"
)

// Skip reasons reported by PlanCycle.
const (
	SkipNoFrequency = "no_frequency"
	SkipNoDueDate   = "no_due_date"
	SkipNoVersion   = "no_version"
	SkipOpenCycle   = "open_cycle"
)

// Snapshot is the read-only state PlanCycle decides over.
type Snapshot struct {
	Document       store.Document
	CurrentVersion *store.Version
	// OpenReviews are the incomplete, undecided reviews for the current
	// version.
	OpenReviews []store.Review
	// ReviewerIDs are the document's registered reviewers.
	ReviewerIDs []string
}

// CyclePlan describes one cycle to open: advance the document's next review
// date and create a review per reviewer against the current version, due at
// the new date.
type CyclePlan struct {
	DocumentID     string
	VersionID      string
	NextReviewDate time.Time
	ReviewerIDs    []string
}

// PlanCycle decides whether a due document gets a new review cycle. A nil
// plan comes with a skip reason.
func PlanCycle(snap Snapshot, now time.Time) (*CyclePlan, string) {
	doc := snap.Document
	if doc.ReviewFrequency == "" {
		return nil, SkipNoFrequency
	}
	if doc.NextReviewDate == nil {
		return nil, SkipNoDueDate
	}

	next, ok := store.NextReviewDate(*doc.NextReviewDate, doc.ReviewFrequency)
	if !ok {
		return nil, SkipNoFrequency
	}

	if snap.CurrentVersion == nil {
		return nil, SkipNoVersion
	}

	// Idempotency guard: an undecided review due today or later means a cycle
	// is already open for this version. Day granularity, so a sweep later the
	// same day does not double-open.
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	for _, item := range snap.OpenReviews {
		if item.DueDate != nil && !item.DueDate.Before(today) {
			return nil, SkipOpenCycle
		}
	}

	return &CyclePlan{
		DocumentID:     doc.ID,
		VersionID:      snap.CurrentVersion.ID,
		NextReviewDate: next,
		ReviewerIDs:    snap.ReviewerIDs,
	}, ""
}
