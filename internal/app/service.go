// Package app carries the HTTP surface and the document/user CRUD that
// surrounds the review lifecycle engine.
package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"custodian/api/internal/audit"
	"custodian/api/internal/review"
	"custodian/api/internal/search"
	"custodian/api/internal/store"
	"custodian/api/internal/util"
)

type dataStore interface {
	InsertUser(context.Context, store.User) error
	GetUser(context.Context, string) (store.User, error)
	ListUsers(context.Context) ([]store.User, error)
	InsertDocument(context.Context, store.Document) error
	GetDocument(context.Context, string) (store.Document, error)
	ListDocuments(context.Context) ([]store.Document, error)
	AddVersion(context.Context, store.Version) (store.Version, error)
	ListVersions(context.Context, string) ([]store.Version, error)
	GetCurrentVersion(context.Context, string) (*store.Version, error)
	ListReviewsForDocument(context.Context, string) ([]store.Review, error)
	ListApprovals(context.Context, string) ([]store.Approval, error)
	ListDocumentReviewers(context.Context, string) ([]string, error)
	ListAuditEvents(context.Context, string, int) ([]store.AuditEvent, error)
	Ping(context.Context) error
}

type uploader interface {
	PresignUpload(ctx context.Context, fileName string) (uploadURL, key string, err error)
}

type auditor interface {
	Record(context.Context, audit.Event)
}

type Service struct {
	store  dataStore
	files  uploader
	search *search.Service
	audit  auditor
	logger zerolog.Logger
}

func NewService(dataStore dataStore, files uploader, searchService *search.Service, auditor auditor, logger zerolog.Logger) *Service {
	return &Service{
		store:  dataStore,
		files:  files,
		search: searchService,
		audit:  auditor,
		logger: logger.With().Str("component", "app").Logger(),
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap pushes the current document set into the search index.
func (s *Service) Bootstrap(ctx context.Context) error {
	documents, err := s.store.ListDocuments(ctx)
	if err != nil {
		return err
	}
	records := make([]search.DocumentRecord, 0, len(documents))
	for _, doc := range documents {
		records = append(records, searchRecord(doc))
	}
	s.search.ReindexAll(records)
	return nil
}

type CreateUserInput struct {
	DisplayName string `json:"displayName"`
	Email       string `json:"email"`
}

func (s *Service) CreateUser(ctx context.Context, input CreateUserInput) (store.User, error) {
	name := strings.TrimSpace(input.DisplayName)
	email := strings.TrimSpace(input.Email)
	if name == "" || email == "" {
		return store.User{}, &review.DomainError{Status: http.StatusBadRequest, Code: "INVALID_INPUT", Message: "displayName and email are required"}
	}

	user := store.User{ID: util.NewID("usr"), DisplayName: name, Email: email}
	if err := s.store.InsertUser(ctx, user); err != nil {
		return store.User{}, err
	}
	return user, nil
}

func (s *Service) ListUsers(ctx context.Context) ([]store.User, error) {
	return s.store.ListUsers(ctx)
}

type CreateDocumentInput struct {
	Title           string     `json:"title"`
	Description     string     `json:"description"`
	ReviewFrequency string     `json:"reviewFrequency"`
	NextReviewDate  *time.Time `json:"nextReviewDate"`
	OwnerID         string     `json:"ownerId"`
}

func (s *Service) CreateDocument(ctx context.Context, input CreateDocumentInput, actorID string) (store.Document, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.Document{}, &review.DomainError{Status: http.StatusBadRequest, Code: "INVALID_INPUT", Message: "title is required"}
	}
	if input.ReviewFrequency != "" {
		if _, ok := store.NextReviewDate(time.Now(), input.ReviewFrequency); !ok {
			return store.Document{}, &review.DomainError{Status: http.StatusBadRequest, Code: "INVALID_INPUT", Message: "unknown review frequency"}
		}
	}

	if _, err := s.store.GetUser(ctx, input.OwnerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Document{}, &review.DomainError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "owner not found"}
		}
		return store.Document{}, err
	}

	doc := store.Document{
		ID:              util.NewID("doc"),
		Title:           title,
		Description:     strings.TrimSpace(input.Description),
		Status:          store.StatusDraft,
		ReviewFrequency: input.ReviewFrequency,
		NextReviewDate:  input.NextReviewDate,
		OwnerID:         input.OwnerID,
	}
	if err := s.store.InsertDocument(ctx, doc); err != nil {
		return store.Document{}, err
	}

	created, err := s.store.GetDocument(ctx, doc.ID)
	if err != nil {
		return store.Document{}, err
	}

	s.search.IndexDocument(searchRecord(created))
	s.audit.Record(ctx, audit.Event{
		Type:    audit.EventDocumentCreated,
		Targets: []store.AuditTarget{audit.DocumentTarget(created.ID)},
		Details: map[string]any{"title": created.Title},
		ActorID: actorID,
	})
	return created, nil
}

func (s *Service) ListDocuments(ctx context.Context) ([]store.Document, error) {
	return s.store.ListDocuments(ctx)
}

// GetDocumentDetail assembles the full document view: current version,
// reviewers, review history and approvals.
func (s *Service) GetDocumentDetail(ctx context.Context, documentID string) (map[string]any, error) {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &review.DomainError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "document not found"}
		}
		return nil, err
	}

	current, err := s.store.GetCurrentVersion(ctx, documentID)
	if err != nil {
		return nil, err
	}
	reviewers, err := s.store.ListDocumentReviewers(ctx, documentID)
	if err != nil {
		return nil, err
	}
	reviews, err := s.store.ListReviewsForDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	approvals, err := s.store.ListApprovals(ctx, documentID)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"document":       doc,
		"currentVersion": current,
		"reviewers":      reviewers,
		"reviews":        reviews,
		"approvals":      approvals,
	}, nil
}

type AddVersionInput struct {
	Label   string `json:"label"`
	FileKey string `json:"fileKey"`
	FileURL string `json:"fileUrl"`
}

func (s *Service) AddVersion(ctx context.Context, documentID string, input AddVersionInput, actorID string) (store.Version, error) {
	if strings.TrimSpace(input.Label) == "" || strings.TrimSpace(input.FileKey) == "" {
		return store.Version{}, &review.DomainError{Status: http.StatusBadRequest, Code: "INVALID_INPUT", Message: "label and fileKey are required"}
	}

	if _, err := s.store.GetDocument(ctx, documentID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Version{}, &review.DomainError{Status: http.StatusNotFound, Code: "NOT_FOUND", Message: "document not found"}
		}
		return store.Version{}, err
	}

	version, err := s.store.AddVersion(ctx, store.Version{
		ID:         util.NewID("ver"),
		DocumentID: documentID,
		Label:      strings.TrimSpace(input.Label),
		FileKey:    input.FileKey,
		FileURL:    input.FileURL,
		CreatedBy:  actorID,
	})
	if err != nil {
		return store.Version{}, err
	}

	s.audit.Record(ctx, audit.Event{
		Type:    audit.EventVersionAdded,
		Targets: []store.AuditTarget{audit.DocumentTarget(documentID), audit.VersionTarget(version.ID)},
		Details: map[string]any{"label": version.Label},
		ActorID: actorID,
	})
	return version, nil
}

func (s *Service) ListVersions(ctx context.Context, documentID string) ([]store.Version, error) {
	return s.store.ListVersions(ctx, documentID)
}

func (s *Service) ListReviews(ctx context.Context, documentID string) ([]store.Review, error) {
	return s.store.ListReviewsForDocument(ctx, documentID)
}

func (s *Service) ListApprovals(ctx context.Context, documentID string) ([]store.Approval, error) {
	return s.store.ListApprovals(ctx, documentID)
}

func (s *Service) PresignUpload(ctx context.Context, fileName string) (string, string, error) {
	if strings.TrimSpace(fileName) == "" {
		return "", "", &review.DomainError{Status: http.StatusBadRequest, Code: "INVALID_INPUT", Message: "fileName is required"}
	}
	return s.files.PresignUpload(ctx, fileName)
}

func (s *Service) Search(q search.Query) search.Response {
	return s.search.Search(q)
}

func (s *Service) AuditTrail(ctx context.Context, documentID string, limit int) ([]store.AuditEvent, error) {
	return s.store.ListAuditEvents(ctx, documentID, limit)
}

func searchRecord(doc store.Document) search.DocumentRecord {
	return search.DocumentRecord{
		ID:          doc.ID,
		Title:       doc.Title,
		Description: doc.Description,
		Status:      doc.Status,
	}
}
