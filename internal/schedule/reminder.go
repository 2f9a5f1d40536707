package schedule

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"custodian/api/internal/metrics"
	"custodian/api/internal/store"
)

type reminderStore interface {
	ListReviewsDueWithin(context.Context, time.Time, time.Time) ([]store.Review, error)
	GetDocument(context.Context, string) (store.Document, error)
}

type reminderNotifier interface {
	ReviewReminder(context.Context, store.Document, store.Review)
}

// Reminder sends a nudge for every incomplete review due inside the
// look-ahead window. It has no state-machine effect.
type Reminder struct {
	store    reminderStore
	notifier reminderNotifier
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	window   time.Duration
	now      func() time.Time
}

func NewReminder(dataStore reminderStore, notifier reminderNotifier, m *metrics.Metrics, logger zerolog.Logger, window time.Duration) *Reminder {
	if window <= 0 {
		window = 48 * time.Hour
	}
	return &Reminder{
		store:    dataStore,
		notifier: notifier,
		metrics:  m,
		logger:   logger.With().Str("component", "reminder").Logger(),
		window:   window,
		now:      time.Now,
	}
}

func (r *Reminder) Run(ctx context.Context) error {
	now := r.now()
	reviews, err := r.store.ListReviewsDueWithin(ctx, now, now.Add(r.window))
	if err != nil {
		return err
	}

	documents := map[string]store.Document{}
	sent := 0
	for _, item := range reviews {
		doc, ok := documents[item.DocumentID]
		if !ok {
			doc, err = r.store.GetDocument(ctx, item.DocumentID)
			if err != nil {
				r.logger.Error().Err(err).Str("document", item.DocumentID).Msg("load document for reminder")
				continue
			}
			documents[item.DocumentID] = doc
		}
		r.notifier.ReviewReminder(ctx, doc, item)
		sent++
	}

	r.metrics.RemindersSent.Add(float64(sent))
	r.logger.Info().Int("reviews", len(reviews)).Int("reminders", sent).Msg("reminder sweep finished")
	return nil
}
