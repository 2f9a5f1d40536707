package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for guarded state transitions. The engine pre-checks state,
// but every conditional UPDATE re-checks inside its transaction so a racing
// request cannot slip through.
var (
	ErrAlreadyCompleted = errors.New("review already completed")
	ErrInvalidState     = errors.New("invalid document state")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- users ----

func (s *PostgresStore) InsertUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO NOTHING
	`, user.ID, user.DisplayName, user.Email)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, created_at FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, display_name, email, created_at FROM users ORDER BY display_name
	`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.DisplayName, &user.Email, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}
	return items, nil
}

// ---- documents ----

const documentColumns = `id, title, description, status, published, publication_date, next_review_date, review_frequency, owner_id, created_at, updated_at`

func scanDocument(row interface{ Scan(...any) error }) (Document, error) {
	var item Document
	var frequency sql.NullString
	err := row.Scan(
		&item.ID,
		&item.Title,
		&item.Description,
		&item.Status,
		&item.Published,
		&item.PublicationDate,
		&item.NextReviewDate,
		&frequency,
		&item.OwnerID,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Document{}, err
	}
	item.ReviewFrequency = frequency.String
	return item, nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, item Document) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, description, status, review_frequency, next_review_date, owner_id)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7)
	`, item.ID, item.Title, item.Description, item.Status, item.ReviewFrequency, item.NextReviewDate, item.OwnerID)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id=$1`, documentID)
	return scanDocument(row)
}

func (s *PostgresStore) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+documentColumns+` FROM documents ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		item, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpdateDocumentStatus(ctx context.Context, documentID, status string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE documents SET status=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING `+documentColumns+`
	`, documentID, status)
	item, err := scanDocument(row)
	if err != nil {
		return Document{}, fmt.Errorf("update document status: %w", err)
	}
	return item, nil
}

// PublishDocument flips the published flag. The status guard lives in the
// statement so a racing demotion cannot publish a non-approved document.
func (s *PostgresStore) PublishDocument(ctx context.Context, documentID string, publishedAt time.Time, nextReview *time.Time) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE documents
		SET published=TRUE, publication_date=$2, next_review_date=COALESCE($3, next_review_date), updated_at=NOW()
		WHERE id=$1 AND status=$4
		RETURNING `+documentColumns+`
	`, documentID, publishedAt, nextReview, StatusApproved)
	item, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, ErrInvalidState
	}
	if err != nil {
		return Document{}, fmt.Errorf("publish document: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) ListDocumentReviewers(ctx context.Context, documentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id FROM document_reviewers WHERE document_id=$1 ORDER BY user_id
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list document reviewers: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan reviewer: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviewers: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) AddDocumentReviewers(ctx context.Context, documentID string, reviewerIDs []string) error {
	for _, reviewerID := range reviewerIDs {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO document_reviewers (document_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, documentID, reviewerID)
		if err != nil {
			return fmt.Errorf("add document reviewer: %w", err)
		}
	}
	return nil
}

// ListDocumentsDueForReview returns unpublished draft/in-review documents
// whose next review date has passed.
func (s *PostgresStore) ListDocumentsDueForReview(ctx context.Context, now time.Time) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents
		WHERE published=FALSE
			AND status IN ($1, $2)
			AND next_review_date IS NOT NULL
			AND next_review_date <= $3
		ORDER BY next_review_date
	`, StatusDraft, StatusInReview, now)
	if err != nil {
		return nil, fmt.Errorf("list documents due for review: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		item, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due documents: %w", err)
	}
	return items, nil
}

// ---- versions ----

const versionColumns = `id, document_id, label, file_key, file_url, is_current, created_by, created_at`

func scanVersion(row interface{ Scan(...any) error }) (Version, error) {
	var item Version
	err := row.Scan(
		&item.ID,
		&item.DocumentID,
		&item.Label,
		&item.FileKey,
		&item.FileURL,
		&item.IsCurrent,
		&item.CreatedBy,
		&item.CreatedAt,
	)
	if err != nil {
		return Version{}, err
	}
	return item, nil
}

// AddVersion inserts a new current version, clearing the previous current
// flag in the same transaction.
func (s *PostgresStore) AddVersion(ctx context.Context, item Version) (Version, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Version{}, fmt.Errorf("begin add version: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE document_versions SET is_current=FALSE WHERE document_id=$1 AND is_current
	`, item.DocumentID); err != nil {
		return Version{}, fmt.Errorf("retire current version: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO document_versions (id, document_id, label, file_key, file_url, is_current, created_by)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)
		RETURNING `+versionColumns+`
	`, item.ID, item.DocumentID, item.Label, item.FileKey, item.FileURL, item.CreatedBy)
	created, err := scanVersion(row)
	if err != nil {
		return Version{}, fmt.Errorf("insert version: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Version{}, fmt.Errorf("commit add version: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, versionID string) (Version, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+versionColumns+` FROM document_versions WHERE id=$1`, versionID)
	return scanVersion(row)
}

func (s *PostgresStore) GetCurrentVersion(ctx context.Context, documentID string) (*Version, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+` FROM document_versions WHERE document_id=$1 AND is_current
	`, documentID)
	item, err := scanVersion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get current version: %w", err)
	}
	return &item, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, documentID string) ([]Version, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+` FROM document_versions WHERE document_id=$1 ORDER BY created_at DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]Version, 0)
	for rows.Next() {
		item, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

// ---- reviews ----

const reviewColumns = `id, document_id, version_id, reviewer_id, assigned_by, decision, comment, due_date, decided_at, is_completed, completed_at, completed_by, created_at`

func scanReview(row interface{ Scan(...any) error }) (Review, error) {
	var item Review
	var assignedBy, decision, completedBy sql.NullString
	err := row.Scan(
		&item.ID,
		&item.DocumentID,
		&item.VersionID,
		&item.ReviewerID,
		&assignedBy,
		&decision,
		&item.Comment,
		&item.DueDate,
		&item.DecidedAt,
		&item.IsCompleted,
		&item.CompletedAt,
		&completedBy,
		&item.CreatedAt,
	)
	if err != nil {
		return Review{}, err
	}
	item.AssignedBy = assignedBy.String
	item.Decision = decision.String
	item.CompletedBy = completedBy.String
	return item, nil
}

func insertReview(ctx context.Context, q interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, item Review) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO reviews (id, document_id, version_id, reviewer_id, assigned_by, due_date)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
	`, item.ID, item.DocumentID, item.VersionID, item.ReviewerID, item.AssignedBy, item.DueDate)
	if err != nil {
		return fmt.Errorf("insert review: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateReviews(ctx context.Context, items []Review) error {
	for _, item := range items {
		if err := insertReview(ctx, s.db, item); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) GetReview(ctx context.Context, reviewID string) (Review, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id=$1`, reviewID)
	return scanReview(row)
}

func (s *PostgresStore) ListReviewsForVersion(ctx context.Context, documentID, versionID string) ([]Review, error) {
	return s.listReviews(ctx, `
		SELECT `+reviewColumns+` FROM reviews
		WHERE document_id=$1 AND version_id=$2
		ORDER BY created_at
	`, documentID, versionID)
}

func (s *PostgresStore) ListReviewsForDocument(ctx context.Context, documentID string) ([]Review, error) {
	return s.listReviews(ctx, `
		SELECT `+reviewColumns+` FROM reviews
		WHERE document_id=$1
		ORDER BY created_at DESC
	`, documentID)
}

// ListOpenReviews returns incomplete, undecided reviews for a document version.
func (s *PostgresStore) ListOpenReviews(ctx context.Context, documentID, versionID string) ([]Review, error) {
	return s.listReviews(ctx, `
		SELECT `+reviewColumns+` FROM reviews
		WHERE document_id=$1 AND version_id=$2 AND is_completed=FALSE AND decision IS NULL
		ORDER BY created_at
	`, documentID, versionID)
}

// ListReviewsDueWithin returns incomplete reviews whose due date falls inside
// [from, to), for the reminder sweep.
func (s *PostgresStore) ListReviewsDueWithin(ctx context.Context, from, to time.Time) ([]Review, error) {
	return s.listReviews(ctx, `
		SELECT `+reviewColumns+` FROM reviews
		WHERE is_completed=FALSE AND due_date >= $1 AND due_date < $2
		ORDER BY due_date
	`, from, to)
}

func (s *PostgresStore) listReviews(ctx context.Context, query string, args ...any) ([]Review, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list reviews: %w", err)
	}
	defer rows.Close()

	items := make([]Review, 0)
	for rows.Next() {
		item, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reviews: %w", err)
	}
	return items, nil
}

// RecordDecision sets a review's verdict. The WHERE clause enforces decision
// immutability; zero rows means the review was already decided or completed.
func (s *PostgresStore) RecordDecision(ctx context.Context, reviewID, decision, comment string, at time.Time) (Review, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE reviews SET decision=$2, comment=$3, decided_at=$4
		WHERE id=$1 AND is_completed=FALSE AND decision IS NULL
		RETURNING `+reviewColumns+`
	`, reviewID, decision, comment, at)
	item, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Review{}, ErrAlreadyCompleted
	}
	if err != nil {
		return Review{}, fmt.Errorf("record decision: %w", err)
	}
	return item, nil
}

// ReplaceReviewers reconciles the pending, not-yet-due reviews for a document
// version against a new reviewer set in one transaction. Decided or already
// due reviews are left untouched.
func (s *PostgresStore) ReplaceReviewers(ctx context.Context, documentID, versionID string, reviews []Review, now time.Time) (added []Review, removed int, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("begin replace reviewers: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, reviewer_id FROM reviews
		WHERE document_id=$1 AND version_id=$2
			AND is_completed=FALSE AND decision IS NULL
			AND due_date IS NOT NULL AND due_date > $3
		FOR UPDATE
	`, documentID, versionID, now)
	if err != nil {
		return nil, 0, fmt.Errorf("select pending reviews: %w", err)
	}
	pending := map[string]string{}
	for rows.Next() {
		var id, reviewerID string
		if err := rows.Scan(&id, &reviewerID); err != nil {
			rows.Close()
			return nil, 0, fmt.Errorf("scan pending review: %w", err)
		}
		pending[reviewerID] = id
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, 0, fmt.Errorf("iterate pending reviews: %w", err)
	}
	rows.Close()

	wanted := map[string]bool{}
	for _, item := range reviews {
		wanted[item.ReviewerID] = true
	}

	for reviewerID, reviewID := range pending {
		if wanted[reviewerID] {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM reviews WHERE id=$1`, reviewID); err != nil {
			return nil, 0, fmt.Errorf("delete superseded review: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM document_reviewers WHERE document_id=$1 AND user_id=$2
		`, documentID, reviewerID); err != nil {
			return nil, 0, fmt.Errorf("deregister reviewer: %w", err)
		}
		removed++
	}

	for _, item := range reviews {
		if _, exists := pending[item.ReviewerID]; exists {
			continue
		}
		if err := insertReview(ctx, tx, item); err != nil {
			return nil, 0, err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO document_reviewers (document_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, documentID, item.ReviewerID); err != nil {
			return nil, 0, fmt.Errorf("register reviewer: %w", err)
		}
		added = append(added, item)
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("commit replace reviewers: %w", err)
	}
	return added, removed, nil
}

// CompleteReview finalizes a review: approval insert, document promotion and
// review completion happen in one transaction or not at all.
func (s *PostgresStore) CompleteReview(ctx context.Context, p CompleteReviewParams) (CompleteReviewResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return CompleteReviewResult{}, fmt.Errorf("begin complete review: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	before, err := scanDocument(tx.QueryRowContext(ctx, `
		SELECT `+documentColumns+` FROM documents WHERE id=$1 FOR UPDATE
	`, p.DocumentID))
	if err != nil {
		return CompleteReviewResult{}, fmt.Errorf("lock document: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE reviews SET is_completed=TRUE, completed_at=$2, completed_by=$3
		WHERE id=$1 AND is_completed=FALSE
	`, p.ReviewID, p.Now, p.CompletedBy)
	if err != nil {
		return CompleteReviewResult{}, fmt.Errorf("complete review: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return CompleteReviewResult{}, ErrAlreadyCompleted
	}

	var approval Approval
	err = tx.QueryRowContext(ctx, `
		INSERT INTO approvals (id, document_id, version_id, approver_id, approved_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, document_id, version_id, approver_id, approved_at
	`, p.ApprovalID, p.DocumentID, p.VersionID, p.CompletedBy, p.Now).Scan(
		&approval.ID, &approval.DocumentID, &approval.VersionID, &approval.ApproverID, &approval.ApprovedAt,
	)
	if err != nil {
		return CompleteReviewResult{}, fmt.Errorf("insert approval: %w", err)
	}

	after, err := scanDocument(tx.QueryRowContext(ctx, `
		UPDATE documents SET status=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING `+documentColumns+`
	`, p.DocumentID, StatusApproved))
	if err != nil {
		return CompleteReviewResult{}, fmt.Errorf("promote document: %w", err)
	}

	review, err := scanReview(tx.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id=$1`, p.ReviewID))
	if err != nil {
		return CompleteReviewResult{}, fmt.Errorf("reload review: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return CompleteReviewResult{}, fmt.Errorf("commit complete review: %w", err)
	}
	return CompleteReviewResult{
		Approval:       approval,
		Review:         review,
		DocumentBefore: before,
		DocumentAfter:  after,
	}, nil
}

// PatchReview runs the rejection path in one transaction: complete the
// triggering review without an approval, retire the old current version,
// promote the corrected one and open a fresh review for the same reviewer.
func (s *PostgresStore) PatchReview(ctx context.Context, p PatchReviewParams) (PatchReviewResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return PatchReviewResult{}, fmt.Errorf("begin patch review: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, `
		UPDATE reviews SET is_completed=TRUE, completed_at=$2, completed_by=$3
		WHERE id=$1 AND is_completed=FALSE
	`, p.ReviewID, p.Now, p.CompletedBy)
	if err != nil {
		return PatchReviewResult{}, fmt.Errorf("complete rejected review: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return PatchReviewResult{}, ErrAlreadyCompleted
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE document_versions SET is_current=FALSE WHERE id=$1
	`, p.OldVersion.ID); err != nil {
		return PatchReviewResult{}, fmt.Errorf("retire version: %w", err)
	}

	version, err := scanVersion(tx.QueryRowContext(ctx, `
		INSERT INTO document_versions (id, document_id, label, file_key, file_url, is_current, created_by)
		VALUES ($1, $2, $3, $4, $5, TRUE, $6)
		RETURNING `+versionColumns+`
	`, p.NewVersion.ID, p.DocumentID, p.NewVersion.Label, p.NewVersion.FileKey, p.NewVersion.FileURL, p.CompletedBy))
	if err != nil {
		return PatchReviewResult{}, fmt.Errorf("insert patched version: %w", err)
	}

	triggering, err := scanReview(tx.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id=$1`, p.ReviewID))
	if err != nil {
		return PatchReviewResult{}, fmt.Errorf("reload rejected review: %w", err)
	}

	if err := insertReview(ctx, tx, Review{
		ID:         p.NewReviewID,
		DocumentID: p.DocumentID,
		VersionID:  version.ID,
		ReviewerID: triggering.ReviewerID,
		AssignedBy: triggering.AssignedBy,
	}); err != nil {
		return PatchReviewResult{}, err
	}

	document, err := scanDocument(tx.QueryRowContext(ctx, `
		UPDATE documents SET status=$2, updated_at=NOW()
		WHERE id=$1
		RETURNING `+documentColumns+`
	`, p.DocumentID, StatusInReview))
	if err != nil {
		return PatchReviewResult{}, fmt.Errorf("reopen document: %w", err)
	}

	review, err := scanReview(tx.QueryRowContext(ctx, `SELECT `+reviewColumns+` FROM reviews WHERE id=$1`, p.NewReviewID))
	if err != nil {
		return PatchReviewResult{}, fmt.Errorf("reload new review: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return PatchReviewResult{}, fmt.Errorf("commit patch review: %w", err)
	}
	return PatchReviewResult{Version: version, Review: review, Document: document}, nil
}

// OpenReviewCycle advances the document's next review date and creates the
// cycle's reviews together, used by the scheduled generator.
func (s *PostgresStore) OpenReviewCycle(ctx context.Context, documentID string, nextReview time.Time, reviews []Review) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin open cycle: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		UPDATE documents SET next_review_date=$2, updated_at=NOW() WHERE id=$1
	`, documentID, nextReview); err != nil {
		return fmt.Errorf("advance next review date: %w", err)
	}
	for _, item := range reviews {
		if err := insertReview(ctx, tx, item); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit open cycle: %w", err)
	}
	return nil
}

// ---- approvals ----

func (s *PostgresStore) ListApprovals(ctx context.Context, documentID string) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, version_id, approver_id, approved_at
		FROM approvals
		WHERE document_id=$1
		ORDER BY approved_at DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	items := make([]Approval, 0)
	for rows.Next() {
		var item Approval
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.VersionID, &item.ApproverID, &item.ApprovedAt); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return items, nil
}

// ---- audit ----

func (s *PostgresStore) InsertAuditEvent(ctx context.Context, event AuditEvent) error {
	targets, err := json.Marshal(event.Targets)
	if err != nil {
		return fmt.Errorf("marshal audit targets: %w", err)
	}
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_events (event_type, targets, details, status, actor_id)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''))
	`, event.EventType, targets, details, event.Status, event.ActorID)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEvents(ctx context.Context, documentID string, limit int) ([]AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT id, event_type, targets, details, status, COALESCE(actor_id, ''), created_at
		FROM audit_events
	`
	args := []any{}
	if documentID != "" {
		query += ` WHERE targets @> $1`
		target, err := json.Marshal([]AuditTarget{{Type: "document", ID: documentID}})
		if err != nil {
			return nil, fmt.Errorf("marshal audit filter: %w", err)
		}
		args = append(args, target)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	items := make([]AuditEvent, 0)
	for rows.Next() {
		var item AuditEvent
		var targets, details []byte
		if err := rows.Scan(&item.ID, &item.EventType, &targets, &details, &item.Status, &item.ActorID, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		if err := json.Unmarshal(targets, &item.Targets); err != nil {
			return nil, fmt.Errorf("unmarshal audit targets: %w", err)
		}
		if err := json.Unmarshal(details, &item.Details); err != nil {
			return nil, fmt.Errorf("unmarshal audit details: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return items, nil
}

// ---- notifications ----

func (s *PostgresStore) InsertNotification(ctx context.Context, item Notification) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, recipient_id, kind, subject, body, review_id)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''))
	`, item.ID, item.RecipientID, item.Kind, item.Subject, item.Body, item.ReviewID)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkNotificationSent(ctx context.Context, notificationID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET sent_at=$2 WHERE id=$1
	`, notificationID, at)
	if err != nil {
		return fmt.Errorf("mark notification sent: %w", err)
	}
	return nil
}
