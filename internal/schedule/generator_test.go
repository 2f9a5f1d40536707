package schedule

import (
	"context"
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

type fakeGeneratorStore struct {
	documents   []store.Document
	versions    map[string]*store.Version
	openReviews map[string][]store.Review
	reviewers   map[string][]string

	cycles []openedCycle
	fail   map[string]error
}

type openedCycle struct {
	documentID string
	nextDate   time.Time
	reviews    []store.Review
}

func (f *fakeGeneratorStore) ListDocumentsDueForReview(context.Context, time.Time) ([]store.Document, error) {
	return f.documents, nil
}

func (f *fakeGeneratorStore) GetCurrentVersion(_ context.Context, documentID string) (*store.Version, error) {
	return f.versions[documentID], nil
}

func (f *fakeGeneratorStore) ListOpenReviews(_ context.Context, documentID, _ string) ([]store.Review, error) {
	return f.openReviews[documentID], nil
}

func (f *fakeGeneratorStore) ListDocumentReviewers(_ context.Context, documentID string) ([]string, error) {
	return f.reviewers[documentID], nil
}

func (f *fakeGeneratorStore) OpenReviewCycle(_ context.Context, documentID string, nextDate time.Time, reviews []store.Review) error {
	if err := f.fail[documentID]; err != nil {
		return err
	}
	f.cycles = append(f.cycles, openedCycle{documentID: documentID, nextDate: nextDate, reviews: reviews})
	// mimic the transaction: reviews are now open, date advanced
	f.openReviews[documentID] = append(f.openReviews[documentID], reviews...)
	for i := range f.documents {
		if f.documents[i].ID == documentID {
			next := nextDate
			f.documents[i].NextReviewDate = &next
		}
	}
	return nil
}

type fakeCycleNotifier struct {
	assigned []store.Review
}

func (f *fakeCycleNotifier) ReviewAssigned(_ context.Context, _ store.Document, review store.Review) {
	f.assigned = append(f.assigned, review)
}

type fakeCycleAuditor struct {
	events []audit.Event
}

func (f *fakeCycleAuditor) Record(_ context.Context, event audit.Event) {
	f.events = append(f.events, event)
}

type fakeLock struct {
	acquired bool
	released bool
	err      error
}

func (f *fakeLock) TryAcquire(context.Context) (func(), bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	if !f.acquired {
		return nil, false, nil
	}
	return func() { f.released = true }, true, nil
}

func dailyDocument(id string) store.Document {
	return store.Document{
		ID:              id,
		Status:          store.StatusInReview,
		ReviewFrequency: store.FreqDaily,
		NextReviewDate:  datePtr(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)),
	}
}

func newSweepFixture(docs ...store.Document) (*fakeGeneratorStore, *Generator, *fakeCycleNotifier, *fakeCycleAuditor) {
	dataStore := &fakeGeneratorStore{
		documents:   docs,
		versions:    map[string]*store.Version{},
		openReviews: map[string][]store.Review{},
		reviewers:   map[string][]string{},
		fail:        map[string]error{},
	}
	for _, doc := range docs {
		dataStore.versions[doc.ID] = &store.Version{ID: "ver_" + doc.ID, DocumentID: doc.ID, IsCurrent: true}
		dataStore.reviewers[doc.ID] = []string{"usr_a", "usr_b"}
	}
	notifier := &fakeCycleNotifier{}
	auditor := &fakeCycleAuditor{}
	logger := logging.NewWithOutput("error", false, io.Discard)
	generator := NewGenerator(dataStore, nil, notifier, auditor, metrics.New(), logger)
	return dataStore, generator, notifier, auditor
}

func TestSweepOpensOneCyclePerDueDocument(t *testing.T) {
	dataStore, generator, notifier, auditor := newSweepFixture(dailyDocument("doc_1"))
	generator.now = func() time.Time { return time.Date(2025, 1, 2, 3, 0, 0, 0, time.UTC) }

	require.NoError(t, generator.Run(context.Background()))

	require.Len(t, dataStore.cycles, 1)
	cycle := dataStore.cycles[0]
	assert.Equal(t, "doc_1", cycle.documentID)
	assert.Equal(t, time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), cycle.nextDate)
	require.Len(t, cycle.reviews, 2)
	for _, item := range cycle.reviews {
		assert.Equal(t, "ver_doc_1", item.VersionID)
		require.NotNil(t, item.DueDate)
		assert.Equal(t, cycle.nextDate, *item.DueDate)
		assert.False(t, item.Decided())
	}
	assert.Len(t, notifier.assigned, 2)
	require.Len(t, auditor.events, 1)
	assert.Equal(t, audit.EventCycleOpened, auditor.events[0].Type)
}

func TestSweepIsIdempotentAcrossRuns(t *testing.T) {
	dataStore, generator, _, _ := newSweepFixture(dailyDocument("doc_1"))
	generator.now = func() time.Time { return time.Date(2025, 1, 2, 3, 0, 0, 0, time.UTC) }

	require.NoError(t, generator.Run(context.Background()))
	require.NoError(t, generator.Run(context.Background()))

	assert.Len(t, dataStore.cycles, 1)
}

func TestSweepContinuesPastFailingDocument(t *testing.T) {
	dataStore, generator, _, _ := newSweepFixture(dailyDocument("doc_bad"), dailyDocument("doc_good"))
	dataStore.fail["doc_bad"] = errors.New("deadlock detected")
	generator.now = func() time.Time { return time.Date(2025, 1, 2, 3, 0, 0, 0, time.UTC) }

	require.NoError(t, generator.Run(context.Background()))

	require.Len(t, dataStore.cycles, 1)
	assert.Equal(t, "doc_good", dataStore.cycles[0].documentID)
}

func TestSweepNeverTouchesDocumentWithoutFrequency(t *testing.T) {
	doc := dailyDocument("doc_1")
	doc.ReviewFrequency = ""
	dataStore, generator, notifier, auditor := newSweepFixture(doc)
	generator.now = func() time.Time { return time.Date(2025, 1, 2, 3, 0, 0, 0, time.UTC) }

	require.NoError(t, generator.Run(context.Background()))

	assert.Empty(t, dataStore.cycles)
	assert.Empty(t, notifier.assigned)
	assert.Empty(t, auditor.events)
	require.NotNil(t, dataStore.documents[0].NextReviewDate)
	assert.Equal(t, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), *dataStore.documents[0].NextReviewDate)
}

func TestSweepSkipsDocumentWithoutVersion(t *testing.T) {
	dataStore, generator, notifier, _ := newSweepFixture(dailyDocument("doc_1"))
	dataStore.versions["doc_1"] = nil
	generator.now = func() time.Time { return time.Date(2025, 1, 2, 3, 0, 0, 0, time.UTC) }

	require.NoError(t, generator.Run(context.Background()))

	assert.Empty(t, dataStore.cycles)
	assert.Empty(t, notifier.assigned)
}

func TestSweepHonorsRunLock(t *testing.T) {
	dataStore, generator, _, _ := newSweepFixture(dailyDocument("doc_1"))
	heldElsewhere := &fakeLock{acquired: false}
	generator.lock = heldElsewhere
	generator.now = func() time.Time { return time.Date(2025, 1, 2, 3, 0, 0, 0, time.UTC) }

	require.NoError(t, generator.Run(context.Background()))
	assert.Empty(t, dataStore.cycles)

	held := &fakeLock{acquired: true}
	generator.lock = held
	require.NoError(t, generator.Run(context.Background()))
	assert.Len(t, dataStore.cycles, 1)
	assert.True(t, held.released)
}

func TestSweepReturnsLockError(t *testing.T) {
	_, generator, _, _ := newSweepFixture(dailyDocument("doc_1"))
	generator.lock = &fakeLock{err: errors.New("redis unreachable")}

	assert.Error(t, generator.Run(context.Background()))
}

type fakeReminderStore struct {
	reviews   []store.Review
	documents map[string]store.Document
	loads     int
}

func (f *fakeReminderStore) ListReviewsDueWithin(context.Context, time.Time, time.Time) ([]store.Review, error) {
	return f.reviews, nil
}

func (f *fakeReminderStore) GetDocument(_ context.Context, documentID string) (store.Document, error) {
	f.loads++
	doc, ok := f.documents[documentID]
	if !ok {
		return store.Document{}, errors.New("not found")
	}
	return doc, nil
}

type fakeReminderNotifier struct {
	reminders []store.Review
}

func (f *fakeReminderNotifier) ReviewReminder(_ context.Context, _ store.Document, review store.Review) {
	f.reminders = append(f.reminders, review)
}

func TestReminderNudgesDueSoonReviews(t *testing.T) {
	due := time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)
	dataStore := &fakeReminderStore{
		reviews: []store.Review{
			{ID: "rev_1", DocumentID: "doc_1", ReviewerID: "usr_a", DueDate: &due},
			{ID: "rev_2", DocumentID: "doc_1", ReviewerID: "usr_b", DueDate: &due},
		},
		documents: map[string]store.Document{"doc_1": {ID: "doc_1", Title: "Access Policy"}},
	}
	notifier := &fakeReminderNotifier{}
	logger := logging.NewWithOutput("error", false, io.Discard)
	reminder := NewReminder(dataStore, notifier, metrics.New(), logger, 48*time.Hour)

	require.NoError(t, reminder.Run(context.Background()))
	assert.Len(t, notifier.reminders, 2)
	// document is loaded once per sweep, not once per review
	assert.Equal(t, 1, dataStore.loads)
}
