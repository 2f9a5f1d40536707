package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"custodian/api/internal/metrics"
	"custodian/api/internal/review"
	"custodian/api/internal/search"
	"custodian/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	engine     *review.Engine
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	corsOrigin string
}

func NewHTTPServer(service *Service, engine *review.Engine, m *metrics.Metrics, logger zerolog.Logger, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		engine:     engine,
		metrics:    m,
		logger:     logger.With().Str("component", "http").Logger(),
		corsOrigin: corsOrigin,
	}
}

func (s *HTTPServer) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.recovery)
	r.Use(s.requestLog)
	r.Use(s.cors)

	r.Get("/api/health", s.handleHealth)
	r.Get("/api/ready", s.handleReady)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/users", s.handleCreateUser)
		r.Get("/users", s.handleListUsers)

		r.Post("/documents", s.handleCreateDocument)
		r.Get("/documents", s.handleListDocuments)
		r.Get("/documents/search", s.handleSearch)
		r.Get("/documents/{documentID}", s.handleGetDocument)
		r.Post("/documents/{documentID}/versions", s.handleAddVersion)
		r.Get("/documents/{documentID}/versions", s.handleListVersions)
		r.Post("/documents/{documentID}/reviewers", s.handleAssignReviewers)
		r.Put("/documents/{documentID}/reviewers", s.handleReassignReviewers)
		r.Get("/documents/{documentID}/reviews", s.handleListReviews)
		r.Get("/documents/{documentID}/approvals", s.handleListApprovals)
		r.Post("/documents/{documentID}/publish", s.handlePublish)
		r.Get("/audit", s.handleAuditTrail)

		r.Post("/reviews/{reviewID}/decision", s.handleSubmitDecision)
		r.Post("/reviews/{reviewID}/complete", s.handleComplete)
		r.Post("/reviews/{reviewID}/patch", s.handlePatch)

		r.Post("/uploads/presign", s.handlePresignUpload)
	})

	return r
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.service.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *HTTPServer) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var input CreateUserInput
	if !decodeBody(w, r, &input) {
		return
	}
	user, err := s.service.CreateUser(r.Context(), input)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *HTTPServer) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.service.ListUsers(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}

func (s *HTTPServer) handleCreateDocument(w http.ResponseWriter, r *http.Request) {
	var input CreateDocumentInput
	if !decodeBody(w, r, &input) {
		return
	}
	doc, err := s.service.CreateDocument(r.Context(), input, actorID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *HTTPServer) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.service.ListDocuments(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *HTTPServer) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	detail, err := s.service.GetDocumentDetail(r.Context(), chi.URLParam(r, "documentID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	resp := s.service.Search(search.Query{
		Text:   r.URL.Query().Get("q"),
		Status: r.URL.Query().Get("status"),
		Limit:  limit,
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleAddVersion(w http.ResponseWriter, r *http.Request) {
	var input AddVersionInput
	if !decodeBody(w, r, &input) {
		return
	}
	version, err := s.service.AddVersion(r.Context(), chi.URLParam(r, "documentID"), input, actorID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, version)
}

func (s *HTTPServer) handleListVersions(w http.ResponseWriter, r *http.Request) {
	versions, err := s.service.ListVersions(r.Context(), chi.URLParam(r, "documentID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, versions)
}

type assignReviewersInput struct {
	VersionID   string     `json:"versionId"`
	ReviewerIDs []string   `json:"reviewerIds"`
	DueDate     *time.Time `json:"dueDate"`
}

func (s *HTTPServer) handleAssignReviewers(w http.ResponseWriter, r *http.Request) {
	var input assignReviewersInput
	if !decodeBody(w, r, &input) {
		return
	}
	reviews, err := s.engine.AssignReviewers(r.Context(), chi.URLParam(r, "documentID"), input.VersionID, input.ReviewerIDs, input.DueDate, actorID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, reviews)
}

func (s *HTTPServer) handleReassignReviewers(w http.ResponseWriter, r *http.Request) {
	var input assignReviewersInput
	if !decodeBody(w, r, &input) {
		return
	}
	added, removed, err := s.engine.ReassignReviewers(r.Context(), chi.URLParam(r, "documentID"), input.VersionID, input.ReviewerIDs, input.DueDate, actorID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": added, "removed": removed})
}

func (s *HTTPServer) handleListReviews(w http.ResponseWriter, r *http.Request) {
	reviews, err := s.service.ListReviews(r.Context(), chi.URLParam(r, "documentID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, reviews)
}

func (s *HTTPServer) handleListApprovals(w http.ResponseWriter, r *http.Request) {
	approvals, err := s.service.ListApprovals(r.Context(), chi.URLParam(r, "documentID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, approvals)
}

func (s *HTTPServer) handlePublish(w http.ResponseWriter, r *http.Request) {
	doc, err := s.engine.Publish(r.Context(), chi.URLParam(r, "documentID"), actorID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *HTTPServer) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	events, err := s.service.AuditTrail(r.Context(), r.URL.Query().Get("documentId"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

type decisionInput struct {
	Decision string `json:"decision"`
	Comment  string `json:"comment"`
}

func (s *HTTPServer) handleSubmitDecision(w http.ResponseWriter, r *http.Request) {
	var input decisionInput
	if !decodeBody(w, r, &input) {
		return
	}
	rev, err := s.engine.SubmitDecision(r.Context(), chi.URLParam(r, "reviewID"), input.Decision, input.Comment, actorID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rev)
}

func (s *HTTPServer) handleComplete(w http.ResponseWriter, r *http.Request) {
	result, err := s.engine.Complete(r.Context(), chi.URLParam(r, "reviewID"), actorID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"approval": result.Approval,
		"review":   result.Review,
		"document": result.DocumentAfter,
	})
}

type patchInput struct {
	NewLabel string `json:"newLabel"`
	Comment  string `json:"comment"`
}

func (s *HTTPServer) handlePatch(w http.ResponseWriter, r *http.Request) {
	var input patchInput
	if !decodeBody(w, r, &input) {
		return
	}
	result, err := s.engine.Patch(r.Context(), chi.URLParam(r, "reviewID"), actorID(r), input.NewLabel, input.Comment)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"version":  result.Version,
		"review":   result.Review,
		"document": result.Document,
	})
}

type presignInput struct {
	FileName string `json:"fileName"`
}

func (s *HTTPServer) handlePresignUpload(w http.ResponseWriter, r *http.Request) {
	var input presignInput
	if !decodeBody(w, r, &input) {
		return
	}
	uploadURL, key, err := s.service.PresignUpload(r.Context(), input.FileName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"uploadUrl": uploadURL, "fileKey": key})
}

func actorID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Actor-Id"))
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"code": "INVALID_INPUT", "error": "invalid request body"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *HTTPServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var domainErr *review.DomainError
	if errors.As(err, &domainErr) {
		writeJSON(w, domainErr.Status, map[string]string{"code": domainErr.Code, "error": domainErr.Message})
		return
	}
	if errors.Is(err, sql.ErrNoRows) {
		writeJSON(w, http.StatusNotFound, map[string]string{"code": "NOT_FOUND", "error": "resource not found"})
		return
	}
	if errors.Is(err, store.ErrAlreadyCompleted) {
		writeJSON(w, http.StatusConflict, map[string]string{"code": "CONFLICT", "error": "review already completed"})
		return
	}
	if errors.Is(err, store.ErrInvalidState) {
		writeJSON(w, http.StatusConflict, map[string]string{"code": "CONFLICT", "error": "document is not in the required state"})
		return
	}
	s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
	writeJSON(w, http.StatusInternalServerError, map[string]string{"code": "INTERNAL", "error": "internal server error"})
}

func (s *HTTPServer) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func (s *HTTPServer) recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error().Any("panic", rec).Str("path", r.URL.Path).Msg("handler panicked")
				writeJSON(w, http.StatusInternalServerError, map[string]string{"code": "INTERNAL", "error": "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *HTTPServer) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.corsOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Actor-Id")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
