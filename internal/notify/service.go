// Package notify records workflow notifications and delivers them by email on
// a best-effort basis. A notification row is always written; delivery failures
// are logged and never surfaced to lifecycle operations.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"custodian/api/internal/store"
	"custodian/api/internal/util"
)

const (
	KindReviewAssigned    = "review.assigned"
	KindDecisionSubmitted = "review.decision"
	KindReviewReminder    = "review.reminder"
)

type notificationStore interface {
	GetUser(context.Context, string) (store.User, error)
	InsertNotification(context.Context, store.Notification) error
	MarkNotificationSent(context.Context, string, time.Time) error
}

type Service struct {
	store  notificationStore
	mailer *Mailer
	logger zerolog.Logger
	now    func() time.Time
}

func NewService(store notificationStore, mailer *Mailer, logger zerolog.Logger) *Service {
	return &Service{
		store:  store,
		mailer: mailer,
		logger: logger.With().Str("component", "notify").Logger(),
		now:    time.Now,
	}
}

// ReviewAssigned notifies a reviewer that a review was opened for them.
func (s *Service) ReviewAssigned(ctx context.Context, doc store.Document, review store.Review) {
	detail := fmt.Sprintf("A review of %q has been assigned to you.", doc.Title)
	subject := fmt.Sprintf("Review requested: %s", doc.Title)
	s.dispatch(ctx, review.ReviewerID, KindReviewAssigned, subject, detail, doc, review)
}

// DecisionSubmitted notifies the assigning user that a reviewer acted.
func (s *Service) DecisionSubmitted(ctx context.Context, recipientID string, doc store.Document, review store.Review) {
	detail := fmt.Sprintf("A reviewer submitted %s for %q.", review.Decision, doc.Title)
	subject := fmt.Sprintf("Review decision on %s", doc.Title)
	s.dispatch(ctx, recipientID, KindDecisionSubmitted, subject, detail, doc, review)
}

// ReviewReminder nudges a reviewer whose review is due soon.
func (s *Service) ReviewReminder(ctx context.Context, doc store.Document, review store.Review) {
	detail := fmt.Sprintf("Your review of %q is due soon.", doc.Title)
	subject := fmt.Sprintf("Review due soon: %s", doc.Title)
	s.dispatch(ctx, review.ReviewerID, KindReviewReminder, subject, detail, doc, review)
}

func (s *Service) dispatch(ctx context.Context, recipientID, kind, subject, detail string, doc store.Document, review store.Review) {
	recipient, err := s.store.GetUser(ctx, recipientID)
	if err != nil {
		s.logger.Error().Err(err).Str("recipient", recipientID).Str("kind", kind).Msg("lookup recipient failed")
		return
	}

	dueDate := ""
	if review.DueDate != nil {
		dueDate = review.DueDate.Format("2 Jan 2006")
	}

	body, err := renderTemplate(reviewEmailTemplate, reviewEmailData{
		AppName:       "Custodian",
		ReviewerName:  recipient.DisplayName,
		DocumentTitle: doc.Title,
		DueDate:       dueDate,
		Detail:        detail,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("kind", kind).Msg("render notification failed")
		body = detail
	}

	notification := store.Notification{
		ID:          util.NewID("ntf"),
		RecipientID: recipientID,
		Kind:        kind,
		Subject:     subject,
		Body:        body,
		ReviewID:    review.ID,
	}
	if err := s.store.InsertNotification(ctx, notification); err != nil {
		s.logger.Error().Err(err).Str("kind", kind).Msg("persist notification failed")
		return
	}

	if s.mailer == nil || !s.mailer.IsConfigured() {
		return
	}
	if err := s.mailer.SendHTMLEmail([]string{recipient.Email}, subject, body); err != nil {
		s.logger.Error().Err(err).Str("recipient", recipient.Email).Str("kind", kind).Msg("email delivery failed")
		return
	}
	if err := s.store.MarkNotificationSent(ctx, notification.ID, s.now()); err != nil {
		s.logger.Error().Err(err).Str("notification", notification.ID).Msg("mark sent failed")
	}
}
