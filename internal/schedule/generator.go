package schedule

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"custodian/api/internal/audit"
	"custodian/api/internal/metrics"
	"custodian/api/internal/store"
	"custodian/api/internal/util"
)

type generatorStore interface {
	ListDocumentsDueForReview(context.Context, time.Time) ([]store.Document, error)
	GetCurrentVersion(context.Context, string) (*store.Version, error)
	ListOpenReviews(context.Context, string, string) ([]store.Review, error)
	ListDocumentReviewers(context.Context, string) ([]string, error)
	OpenReviewCycle(context.Context, string, time.Time, []store.Review) error
}

// RunLock serializes sweeps across replicas. A nil lock disables locking.
type RunLock interface {
	TryAcquire(ctx context.Context) (release func(), acquired bool, err error)
}

type cycleNotifier interface {
	ReviewAssigned(context.Context, store.Document, store.Review)
}

type auditor interface {
	Record(context.Context, audit.Event)
}

// Generator is the scheduled review generator. Each document is processed
// independently; one document's failure never stops the sweep.
type Generator struct {
	store    generatorStore
	lock     RunLock
	notifier cycleNotifier
	audit    auditor
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	now      func() time.Time
}

func NewGenerator(
	dataStore generatorStore,
	lock RunLock,
	notifier cycleNotifier,
	auditor auditor,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Generator {
	return &Generator{
		store:    dataStore,
		lock:     lock,
		notifier: notifier,
		audit:    auditor,
		metrics:  m,
		logger:   logger.With().Str("component", "generator").Logger(),
		now:      time.Now,
	}
}

// Run performs one sweep over all due documents.
func (g *Generator) Run(ctx context.Context) error {
	if g.lock != nil {
		release, acquired, err := g.lock.TryAcquire(ctx)
		if err != nil {
			return err
		}
		if !acquired {
			g.logger.Info().Msg("sweep already running elsewhere, skipping")
			return nil
		}
		defer release()
	}

	started := g.now()
	defer func() {
		g.metrics.GeneratorDuration.Observe(time.Since(started).Seconds())
	}()

	documents, err := g.store.ListDocumentsDueForReview(ctx, started)
	if err != nil {
		return err
	}

	created := 0
	for _, doc := range documents {
		opened, err := g.processDocument(ctx, doc, started)
		if err != nil {
			g.logger.Error().Err(err).Str("document", doc.ID).Msg("open review cycle failed")
			continue
		}
		if opened {
			created++
		}
	}

	g.metrics.CyclesCreated.Add(float64(created))
	g.logger.Info().Int("documents", len(documents)).Int("cycles_created", created).Msg("review sweep finished")
	return nil
}

func (g *Generator) processDocument(ctx context.Context, doc store.Document, now time.Time) (bool, error) {
	snap := Snapshot{Document: doc}

	version, err := g.store.GetCurrentVersion(ctx, doc.ID)
	if err != nil {
		return false, err
	}
	snap.CurrentVersion = version
	if version != nil {
		if snap.OpenReviews, err = g.store.ListOpenReviews(ctx, doc.ID, version.ID); err != nil {
			return false, err
		}
	}
	if snap.ReviewerIDs, err = g.store.ListDocumentReviewers(ctx, doc.ID); err != nil {
		return false, err
	}

	plan, skip := PlanCycle(snap, now)
	if plan == nil {
		g.metrics.GeneratorSkips.WithLabelValues(skip).Inc()
		g.logger.Debug().Str("document", doc.ID).Str("reason", skip).Msg("document skipped")
		return false, nil
	}

	reviews := make([]store.Review, 0, len(plan.ReviewerIDs))
	for _, reviewerID := range plan.ReviewerIDs {
		due := plan.NextReviewDate
		reviews = append(reviews, store.Review{
			ID:         util.NewID("rev"),
			DocumentID: plan.DocumentID,
			VersionID:  plan.VersionID,
			ReviewerID: reviewerID,
			DueDate:    &due,
		})
	}

	if err := g.store.OpenReviewCycle(ctx, plan.DocumentID, plan.NextReviewDate, reviews); err != nil {
		return false, err
	}

	for _, item := range reviews {
		g.notifier.ReviewAssigned(ctx, doc, item)
	}
	g.audit.Record(ctx, audit.Event{
		Type:    audit.EventCycleOpened,
		Targets: []store.AuditTarget{audit.DocumentTarget(plan.DocumentID), audit.VersionTarget(plan.VersionID)},
		Details: map[string]any{
			"nextReviewDate": plan.NextReviewDate,
			"reviewers":      plan.ReviewerIDs,
		},
	})
	return true, nil
}
