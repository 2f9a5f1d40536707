package store

import "time"

// Document lifecycle statuses.
const (
	StatusDraft    = "DRAFT"
	StatusInReview = "IN_REVIEW"
	StatusApproved = "APPROVED"
	StatusExpired  = "EXPIRED"
)

// Review decisions. A review's decision column is NULL until the reviewer acts.
const (
	DecisionApprove = "APPROVE"
	DecisionReject  = "REJECT"
)

// Review frequency units used to advance a document's next review date.
const (
	FreqDaily     = "DAILY"
	FreqWeekly    = "WEEKLY"
	FreqMonthly   = "MONTHLY"
	FreqQuarterly = "QUARTERLY"
	FreqAnnual    = "ANNUAL"
)

// NextReviewDate advances a review date by one frequency unit. The second
// return is false for an empty or unknown unit.
func NextReviewDate(from time.Time, frequency string) (time.Time, bool) {
	switch frequency {
	case FreqDaily:
		return from.AddDate(0, 0, 1), true
	case FreqWeekly:
		return from.AddDate(0, 0, 7), true
	case FreqMonthly:
		return from.AddDate(0, 1, 0), true
	case FreqQuarterly:
		return from.AddDate(0, 3, 0), true
	case FreqAnnual:
		return from.AddDate(1, 0, 0), true
	}
	return time.Time{}, false
}

type User struct {
	ID          string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

type Document struct {
	ID              string
	Title           string
	Description     string
	Status          string
	Published       bool
	PublicationDate *time.Time
	NextReviewDate  *time.Time
	ReviewFrequency string
	OwnerID         string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Version is an immutable content snapshot. Only the is_current flag ever
// changes after insert, and only inside the transactions that promote a
// successor.
type Version struct {
	ID         string
	DocumentID string
	Label      string
	FileKey    string
	FileURL    string
	IsCurrent  bool
	CreatedBy  string
	CreatedAt  time.Time
}

type Review struct {
	ID          string
	DocumentID  string
	VersionID   string
	ReviewerID  string
	AssignedBy  string
	Decision    string
	Comment     string
	DueDate     *time.Time
	DecidedAt   *time.Time
	IsCompleted bool
	CompletedAt *time.Time
	CompletedBy string
	CreatedAt   time.Time
}

// Decided reports whether the reviewer has acted on this review.
func (r Review) Decided() bool {
	return r.Decision != ""
}

type Approval struct {
	ID         string
	DocumentID string
	VersionID  string
	ApproverID string
	ApprovedAt time.Time
}

type AuditTarget struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

type AuditEvent struct {
	ID        int64
	EventType string
	Targets   []AuditTarget
	Details   map[string]any
	Status    string
	ActorID   string
	CreatedAt time.Time
}

type Notification struct {
	ID          string
	RecipientID string
	Kind        string
	Subject     string
	Body        string
	ReviewID    string
	SentAt      *time.Time
	CreatedAt   time.Time
}

// CompleteReviewParams carries the finalize sequence executed in one
// transaction: approval insert, document promotion, review completion.
type CompleteReviewParams struct {
	ApprovalID  string
	ReviewID    string
	DocumentID  string
	VersionID   string
	CompletedBy string
	Now         time.Time
}

type CompleteReviewResult struct {
	Approval       Approval
	Review         Review
	DocumentBefore Document
	DocumentAfter  Document
}

// PatchReviewParams carries the patch sequence: complete the triggering
// review, retire the current version, promote the corrected one, open a
// fresh review for the same reviewer.
type PatchReviewParams struct {
	ReviewID    string
	DocumentID  string
	OldVersion  Version
	NewVersion  Version
	NewReviewID string
	CompletedBy string
	Now         time.Time
}

type PatchReviewResult struct {
	Version  Version
	Review   Review
	Document Document
}
