package review

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"custodian/api/internal/audit"
	"custodian/api/internal/logging"
	"custodian/api/internal/metrics"
	"custodian/api/internal/store"
)

type fakeStore struct {
	getDocumentFn           func(context.Context, string) (store.Document, error)
	getVersionFn            func(context.Context, string) (store.Version, error)
	getReviewFn             func(context.Context, string) (store.Review, error)
	listReviewsForVersionFn func(context.Context, string, string) ([]store.Review, error)
	createReviewsFn         func(context.Context, []store.Review) error
	addDocumentReviewersFn  func(context.Context, string, []string) error
	replaceReviewersFn      func(context.Context, string, string, []store.Review, time.Time) ([]store.Review, int, error)
	updateDocumentStatusFn  func(context.Context, string, string) (store.Document, error)
	recordDecisionFn        func(context.Context, string, string, string, time.Time) (store.Review, error)
	completeReviewFn        func(context.Context, store.CompleteReviewParams) (store.CompleteReviewResult, error)
	patchReviewFn           func(context.Context, store.PatchReviewParams) (store.PatchReviewResult, error)
	publishDocumentFn       func(context.Context, string, time.Time, *time.Time) (store.Document, error)
}

func (f *fakeStore) GetDocument(ctx context.Context, id string) (store.Document, error) {
	if f.getDocumentFn != nil {
		return f.getDocumentFn(ctx, id)
	}
	return store.Document{}, sql.ErrNoRows
}

func (f *fakeStore) GetVersion(ctx context.Context, id string) (store.Version, error) {
	if f.getVersionFn != nil {
		return f.getVersionFn(ctx, id)
	}
	return store.Version{}, sql.ErrNoRows
}

func (f *fakeStore) GetReview(ctx context.Context, id string) (store.Review, error) {
	if f.getReviewFn != nil {
		return f.getReviewFn(ctx, id)
	}
	return store.Review{}, sql.ErrNoRows
}

func (f *fakeStore) ListReviewsForVersion(ctx context.Context, documentID, versionID string) ([]store.Review, error) {
	if f.listReviewsForVersionFn != nil {
		return f.listReviewsForVersionFn(ctx, documentID, versionID)
	}
	return nil, nil
}

func (f *fakeStore) CreateReviews(ctx context.Context, reviews []store.Review) error {
	if f.createReviewsFn != nil {
		return f.createReviewsFn(ctx, reviews)
	}
	return nil
}

func (f *fakeStore) AddDocumentReviewers(ctx context.Context, documentID string, reviewerIDs []string) error {
	if f.addDocumentReviewersFn != nil {
		return f.addDocumentReviewersFn(ctx, documentID, reviewerIDs)
	}
	return nil
}

func (f *fakeStore) ReplaceReviewers(ctx context.Context, documentID, versionID string, reviews []store.Review, now time.Time) ([]store.Review, int, error) {
	if f.replaceReviewersFn != nil {
		return f.replaceReviewersFn(ctx, documentID, versionID, reviews, now)
	}
	return nil, 0, nil
}

func (f *fakeStore) UpdateDocumentStatus(ctx context.Context, documentID, status string) (store.Document, error) {
	if f.updateDocumentStatusFn != nil {
		return f.updateDocumentStatusFn(ctx, documentID, status)
	}
	return store.Document{ID: documentID, Status: status}, nil
}

func (f *fakeStore) RecordDecision(ctx context.Context, reviewID, decision, comment string, now time.Time) (store.Review, error) {
	if f.recordDecisionFn != nil {
		return f.recordDecisionFn(ctx, reviewID, decision, comment, now)
	}
	return store.Review{}, store.ErrAlreadyCompleted
}

func (f *fakeStore) CompleteReview(ctx context.Context, p store.CompleteReviewParams) (store.CompleteReviewResult, error) {
	if f.completeReviewFn != nil {
		return f.completeReviewFn(ctx, p)
	}
	return store.CompleteReviewResult{}, store.ErrAlreadyCompleted
}

func (f *fakeStore) PatchReview(ctx context.Context, p store.PatchReviewParams) (store.PatchReviewResult, error) {
	if f.patchReviewFn != nil {
		return f.patchReviewFn(ctx, p)
	}
	return store.PatchReviewResult{}, store.ErrAlreadyCompleted
}

func (f *fakeStore) PublishDocument(ctx context.Context, documentID string, now time.Time, next *time.Time) (store.Document, error) {
	if f.publishDocumentFn != nil {
		return f.publishDocumentFn(ctx, documentID, now, next)
	}
	return store.Document{}, store.ErrInvalidState
}

type fakeFiles struct {
	renameFn func(context.Context, string, string) (string, string, error)
}

func (f *fakeFiles) Rename(ctx context.Context, oldKey, newName string) (string, string, error) {
	if f.renameFn != nil {
		return f.renameFn(ctx, oldKey, newName)
	}
	return oldKey, "", nil
}

type fakeNotifier struct {
	assigned  []store.Review
	decisions []string
}

func (f *fakeNotifier) ReviewAssigned(_ context.Context, _ store.Document, review store.Review) {
	f.assigned = append(f.assigned, review)
}

func (f *fakeNotifier) DecisionSubmitted(_ context.Context, recipientID string, _ store.Document, _ store.Review) {
	f.decisions = append(f.decisions, recipientID)
}

type fakeAuditor struct {
	events []audit.Event
}

func (f *fakeAuditor) Record(_ context.Context, event audit.Event) {
	f.events = append(f.events, event)
}

func newTestEngine(t *testing.T, dataStore *fakeStore, files *fakeFiles) (*Engine, *fakeNotifier, *fakeAuditor) {
	t.Helper()
	if files == nil {
		files = &fakeFiles{}
	}
	notifier := &fakeNotifier{}
	auditor := &fakeAuditor{}
	logger := logging.NewWithOutput("error", false, io.Discard)
	engine := NewEngine(dataStore, files, notifier, auditor, metrics.New(), logger, true)
	return engine, notifier, auditor
}

func domainStatus(t *testing.T, err error) int {
	t.Helper()
	var domainErr *DomainError
	require.ErrorAs(t, err, &domainErr)
	return domainErr.Status
}

func TestAssignReviewersCreatesPendingReviews(t *testing.T) {
	var created []store.Review
	var statusUpdates []string
	dataStore := &fakeStore{
		getDocumentFn: func(_ context.Context, id string) (store.Document, error) {
			return store.Document{ID: id, Status: store.StatusDraft}, nil
		},
		getVersionFn: func(_ context.Context, id string) (store.Version, error) {
			return store.Version{ID: id, DocumentID: "doc_1", IsCurrent: true}, nil
		},
		createReviewsFn: func(_ context.Context, reviews []store.Review) error {
			created = reviews
			return nil
		},
		updateDocumentStatusFn: func(_ context.Context, id, status string) (store.Document, error) {
			statusUpdates = append(statusUpdates, status)
			return store.Document{ID: id, Status: status}, nil
		},
	}
	engine, notifier, auditor := newTestEngine(t, dataStore, nil)

	reviews, err := engine.AssignReviewers(context.Background(), "doc_1", "ver_1", []string{"usr_a", "usr_b"}, nil, "usr_owner")
	require.NoError(t, err)
	require.Len(t, reviews, 2)
	assert.Equal(t, created, reviews)
	for _, item := range reviews {
		assert.False(t, item.Decided())
		assert.False(t, item.IsCompleted)
		assert.Equal(t, "usr_owner", item.AssignedBy)
	}
	assert.Equal(t, []string{store.StatusInReview}, statusUpdates)
	assert.Len(t, notifier.assigned, 2)
	require.Len(t, auditor.events, 1)
	assert.Equal(t, audit.EventReviewersAssigned, auditor.events[0].Type)
}

func TestAssignReviewersRejectsEmptySet(t *testing.T) {
	engine, _, _ := newTestEngine(t, &fakeStore{}, nil)

	_, err := engine.AssignReviewers(context.Background(), "doc_1", "ver_1", nil, nil, "usr_owner")
	assert.Equal(t, 400, domainStatus(t, err))
}

func TestAssignReviewersRejectsForeignVersion(t *testing.T) {
	dataStore := &fakeStore{
		getDocumentFn: func(_ context.Context, id string) (store.Document, error) {
			return store.Document{ID: id, Status: store.StatusDraft}, nil
		},
		getVersionFn: func(_ context.Context, id string) (store.Version, error) {
			return store.Version{ID: id, DocumentID: "doc_other"}, nil
		},
	}
	engine, _, _ := newTestEngine(t, dataStore, nil)

	_, err := engine.AssignReviewers(context.Background(), "doc_1", "ver_1", []string{"usr_a"}, nil, "usr_owner")
	assert.Equal(t, 404, domainStatus(t, err))
}

func TestReassignReviewersNotifiesOnlyAdded(t *testing.T) {
	dataStore := &fakeStore{
		getDocumentFn: func(_ context.Context, id string) (store.Document, error) {
			return store.Document{ID: id, Status: store.StatusInReview}, nil
		},
		getVersionFn: func(_ context.Context, id string) (store.Version, error) {
			return store.Version{ID: id, DocumentID: "doc_1", IsCurrent: true}, nil
		},
		replaceReviewersFn: func(_ context.Context, _, _ string, candidates []store.Review, _ time.Time) ([]store.Review, int, error) {
			// usr_a already holds a review; only usr_c is new
			for _, item := range candidates {
				if item.ReviewerID == "usr_c" {
					return []store.Review{item}, 1, nil
				}
			}
			return nil, 0, nil
		},
	}
	engine, notifier, _ := newTestEngine(t, dataStore, nil)

	added, removed, err := engine.ReassignReviewers(context.Background(), "doc_1", "ver_1", []string{"usr_a", "usr_c"}, nil, "usr_owner")
	require.NoError(t, err)
	require.Len(t, added, 1)
	assert.Equal(t, "usr_c", added[0].ReviewerID)
	assert.Equal(t, 1, removed)
	require.Len(t, notifier.assigned, 1)
	assert.Equal(t, "usr_c", notifier.assigned[0].ReviewerID)
}

func TestSubmitDecisionValidatesVerdict(t *testing.T) {
	engine, _, _ := newTestEngine(t, &fakeStore{}, nil)

	_, err := engine.SubmitDecision(context.Background(), "rev_1", "MAYBE", "", "usr_a")
	assert.Equal(t, 400, domainStatus(t, err))
}

func TestSubmitDecisionIsImmutable(t *testing.T) {
	decided := time.Now()
	dataStore := &fakeStore{
		getReviewFn: func(_ context.Context, id string) (store.Review, error) {
			return store.Review{ID: id, Decision: store.DecisionApprove, DecidedAt: &decided}, nil
		},
	}
	engine, _, auditor := newTestEngine(t, dataStore, nil)

	_, err := engine.SubmitDecision(context.Background(), "rev_1", store.DecisionReject, "changed my mind", "usr_a")
	assert.Equal(t, 409, domainStatus(t, err))
	assert.Empty(t, auditor.events)
}

func TestSubmitDecisionLosesRaceToConcurrentWriter(t *testing.T) {
	dataStore := &fakeStore{
		getReviewFn: func(_ context.Context, id string) (store.Review, error) {
			return store.Review{ID: id}, nil
		},
		recordDecisionFn: func(context.Context, string, string, string, time.Time) (store.Review, error) {
			return store.Review{}, store.ErrAlreadyCompleted
		},
	}
	engine, _, _ := newTestEngine(t, dataStore, nil)

	_, err := engine.SubmitDecision(context.Background(), "rev_1", store.DecisionApprove, "", "usr_a")
	assert.Equal(t, 409, domainStatus(t, err))
}

func TestSubmitDecisionNotifiesAssigner(t *testing.T) {
	dataStore := &fakeStore{
		getReviewFn: func(_ context.Context, id string) (store.Review, error) {
			return store.Review{ID: id, DocumentID: "doc_1", AssignedBy: "usr_owner"}, nil
		},
		recordDecisionFn: func(_ context.Context, id, decision, comment string, now time.Time) (store.Review, error) {
			return store.Review{ID: id, DocumentID: "doc_1", AssignedBy: "usr_owner", Decision: decision, Comment: comment, DecidedAt: &now}, nil
		},
		getDocumentFn: func(_ context.Context, id string) (store.Document, error) {
			return store.Document{ID: id, Status: store.StatusInReview}, nil
		},
	}
	engine, notifier, auditor := newTestEngine(t, dataStore, nil)

	updated, err := engine.SubmitDecision(context.Background(), "rev_1", store.DecisionApprove, "looks good", "usr_a")
	require.NoError(t, err)
	assert.True(t, updated.Decided())
	assert.Equal(t, []string{"usr_owner"}, notifier.decisions)
	require.Len(t, auditor.events, 1)
	assert.Equal(t, audit.EventDecisionSubmitted, auditor.events[0].Type)
}

func TestCompleteCreatesApprovalAndPromotesDocument(t *testing.T) {
	var params store.CompleteReviewParams
	dataStore := &fakeStore{
		getReviewFn: func(_ context.Context, id string) (store.Review, error) {
			return store.Review{ID: id, DocumentID: "doc_1", VersionID: "ver_1", Decision: store.DecisionApprove}, nil
		},
		listReviewsForVersionFn: func(context.Context, string, string) ([]store.Review, error) {
			return []store.Review{
				{ID: "rev_1", Decision: store.DecisionApprove},
				{ID: "rev_2", Decision: store.DecisionApprove},
			}, nil
		},
		completeReviewFn: func(_ context.Context, p store.CompleteReviewParams) (store.CompleteReviewResult, error) {
			params = p
			return store.CompleteReviewResult{
				Approval:       store.Approval{ID: p.ApprovalID, DocumentID: p.DocumentID, VersionID: p.VersionID},
				Review:         store.Review{ID: p.ReviewID, IsCompleted: true},
				DocumentBefore: store.Document{ID: p.DocumentID, Status: store.StatusInReview},
				DocumentAfter:  store.Document{ID: p.DocumentID, Status: store.StatusApproved},
			}, nil
		},
	}
	engine, _, auditor := newTestEngine(t, dataStore, nil)

	result, err := engine.Complete(context.Background(), "rev_1", "usr_a")
	require.NoError(t, err)
	assert.NotEmpty(t, params.ApprovalID)
	assert.Equal(t, "usr_a", params.CompletedBy)
	assert.True(t, result.Review.IsCompleted)
	assert.Equal(t, store.StatusApproved, result.DocumentAfter.Status)
	require.Len(t, auditor.events, 1)
	assert.Equal(t, audit.EventReviewCompleted, auditor.events[0].Type)
}

func TestCompleteRequiresUnanimousApproval(t *testing.T) {
	dataStore := &fakeStore{
		getReviewFn: func(_ context.Context, id string) (store.Review, error) {
			return store.Review{ID: id, DocumentID: "doc_1", VersionID: "ver_1", Decision: store.DecisionApprove}, nil
		},
		listReviewsForVersionFn: func(context.Context, string, string) ([]store.Review, error) {
			return []store.Review{
				{ID: "rev_1", Decision: store.DecisionApprove},
				{ID: "rev_2"}, // undecided
			}, nil
		},
	}
	engine, _, _ := newTestEngine(t, dataStore, nil)

	_, err := engine.Complete(context.Background(), "rev_1", "usr_a")
	assert.Equal(t, 409, domainStatus(t, err))
}

func TestCompleteIsIdempotentConflict(t *testing.T) {
	completed := time.Now()
	calls := 0
	dataStore := &fakeStore{
		getReviewFn: func(_ context.Context, id string) (store.Review, error) {
			return store.Review{ID: id, IsCompleted: true, CompletedAt: &completed}, nil
		},
		completeReviewFn: func(context.Context, store.CompleteReviewParams) (store.CompleteReviewResult, error) {
			calls++
			return store.CompleteReviewResult{}, nil
		},
	}
	engine, _, auditor := newTestEngine(t, dataStore, nil)

	_, err := engine.Complete(context.Background(), "rev_1", "usr_a")
	assert.Equal(t, 409, domainStatus(t, err))
	// no second approval may be written
	assert.Zero(t, calls)
	assert.Empty(t, auditor.events)
}

func TestPatchRenamesFileThenOpensNewCycle(t *testing.T) {
	var renamed []string
	var params store.PatchReviewParams
	dataStore := &fakeStore{
		getReviewFn: func(_ context.Context, id string) (store.Review, error) {
			return store.Review{ID: id, DocumentID: "doc_1", VersionID: "ver_1", ReviewerID: "usr_a", Decision: store.DecisionReject}, nil
		},
		getVersionFn: func(_ context.Context, id string) (store.Version, error) {
			return store.Version{ID: id, DocumentID: "doc_1", Label: "policy-v1.pdf", FileKey: "uploads/x/policy-v1.pdf", IsCurrent: true}, nil
		},
		patchReviewFn: func(_ context.Context, p store.PatchReviewParams) (store.PatchReviewResult, error) {
			params = p
			return store.PatchReviewResult{
				Version:  store.Version{ID: p.NewVersion.ID, DocumentID: p.DocumentID, Label: p.NewVersion.Label, IsCurrent: true},
				Review:   store.Review{ID: p.NewReviewID, DocumentID: p.DocumentID, VersionID: p.NewVersion.ID, ReviewerID: "usr_a"},
				Document: store.Document{ID: p.DocumentID, Status: store.StatusInReview},
			}, nil
		},
	}
	files := &fakeFiles{
		renameFn: func(_ context.Context, oldKey, newName string) (string, string, error) {
			renamed = append(renamed, oldKey, newName)
			return "uploads/x/policy-v2.pdf", "https://files/policy-v2.pdf", nil
		},
	}
	engine, notifier, auditor := newTestEngine(t, dataStore, files)

	result, err := engine.Patch(context.Background(), "rev_1", "usr_owner", "policy-v2.pdf", "fixed section 4")
	require.NoError(t, err)
	assert.Equal(t, []string{"uploads/x/policy-v1.pdf", "policy-v2.pdf"}, renamed)
	assert.Equal(t, "uploads/x/policy-v2.pdf", params.NewVersion.FileKey)
	assert.NotEqual(t, "ver_1", result.Version.ID)
	assert.Equal(t, "usr_a", result.Review.ReviewerID)
	assert.False(t, result.Review.Decided())
	require.Len(t, notifier.assigned, 1)
	assert.Equal(t, result.Review.ID, notifier.assigned[0].ID)
	require.Len(t, auditor.events, 1)
	assert.Equal(t, audit.EventVersionPatched, auditor.events[0].Type)
}

func TestPatchAbortsWhenRenameFails(t *testing.T) {
	patched := 0
	dataStore := &fakeStore{
		getReviewFn: func(_ context.Context, id string) (store.Review, error) {
			return store.Review{ID: id, DocumentID: "doc_1", VersionID: "ver_1", Decision: store.DecisionReject}, nil
		},
		getVersionFn: func(_ context.Context, id string) (store.Version, error) {
			return store.Version{ID: id, DocumentID: "doc_1", FileKey: "uploads/x/a.pdf"}, nil
		},
		patchReviewFn: func(context.Context, store.PatchReviewParams) (store.PatchReviewResult, error) {
			patched++
			return store.PatchReviewResult{}, nil
		},
	}
	files := &fakeFiles{
		renameFn: func(context.Context, string, string) (string, string, error) {
			return "", "", errors.New("storage unreachable")
		},
	}
	engine, _, auditor := newTestEngine(t, dataStore, files)

	_, err := engine.Patch(context.Background(), "rev_1", "usr_owner", "b.pdf", "")
	require.Error(t, err)
	assert.Zero(t, patched)
	assert.Empty(t, auditor.events)
}

func TestPatchRejectsCompletedReview(t *testing.T) {
	dataStore := &fakeStore{
		getReviewFn: func(_ context.Context, id string) (store.Review, error) {
			return store.Review{ID: id, IsCompleted: true}, nil
		},
	}
	engine, _, _ := newTestEngine(t, dataStore, nil)

	_, err := engine.Patch(context.Background(), "rev_1", "usr_owner", "b.pdf", "")
	assert.Equal(t, 409, domainStatus(t, err))
}

func TestPublishRequiresApprovedStatus(t *testing.T) {
	dataStore := &fakeStore{
		getDocumentFn: func(_ context.Context, id string) (store.Document, error) {
			return store.Document{ID: id, Status: store.StatusInReview}, nil
		},
	}
	engine, _, _ := newTestEngine(t, dataStore, nil)

	_, err := engine.Publish(context.Background(), "doc_1", "usr_owner")
	assert.Equal(t, 409, domainStatus(t, err))
}

func TestPublishSchedulesNextReview(t *testing.T) {
	var gotNext *time.Time
	dataStore := &fakeStore{
		getDocumentFn: func(_ context.Context, id string) (store.Document, error) {
			return store.Document{ID: id, Status: store.StatusApproved, ReviewFrequency: store.FreqMonthly}, nil
		},
		publishDocumentFn: func(_ context.Context, id string, now time.Time, next *time.Time) (store.Document, error) {
			gotNext = next
			return store.Document{ID: id, Status: store.StatusApproved, Published: true, PublicationDate: &now, NextReviewDate: next}, nil
		},
	}
	engine, _, auditor := newTestEngine(t, dataStore, nil)
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	engine.now = func() time.Time { return now }

	published, err := engine.Publish(context.Background(), "doc_1", "usr_owner")
	require.NoError(t, err)
	assert.True(t, published.Published)
	require.NotNil(t, gotNext)
	assert.Equal(t, now.AddDate(0, 1, 0), *gotNext)
	require.Len(t, auditor.events, 1)
	assert.Equal(t, audit.EventDocumentPublished, auditor.events[0].Type)
}
