// Package api exposes the cloud sync HTTP endpoints devices reconcile against.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"example.com/heatsync/internal/auth"
	"example.com/heatsync/internal/remote"
	"example.com/heatsync/internal/wire"
)

// maxBodyBytes bounds a single pushed record.
const maxBodyBytes = 1 << 20

// Option configures the Handler.
type Option func(*Handler)

// WithPageLimit sets the page size used when a pull does not specify one.
func WithPageLimit(limit int) Option {
	return func(h *Handler) {
		if limit > 0 {
			h.pageLimit = limit
		}
	}
}

// WithLogger overrides the handler logger.
func WithLogger(logger *log.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// Handler coordinates HTTP requests with the remote service.
type Handler struct {
	service   *remote.Service
	pageLimit int
	logger    *log.Logger
}

// NewHandler builds a Handler.
func NewHandler(service *remote.Service, opts ...Option) *Handler {
	h := &Handler{
		service:   service,
		pageLimit: remote.DefaultPageLimit,
		logger:    log.New(log.Writer(), "[api] ", log.LstdFlags|log.Lshortfile),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes wires endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/sessions", h.sessions)
	mux.HandleFunc("/v1/sessions/changes", h.changes)
	mux.HandleFunc("/healthz", healthz)
}

func healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) sessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeSessionsWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope sessions:write required")
		return
	}

	var rec wire.Record
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&rec); err != nil {
		pushCounter.WithLabelValues("malformed").Inc()
		writeError(w, http.StatusBadRequest, "invalid_request", "unable to parse body")
		return
	}

	res, err := h.service.Push(r.Context(), claims.AccountID, rec)
	if err != nil {
		if errors.Is(err, wire.ErrMalformedRecord) {
			pushCounter.WithLabelValues("malformed").Inc()
			writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}
		pushCounter.WithLabelValues("error").Inc()
		h.logger.Printf("push account=%s key=%s: %v", claims.AccountID, rec.WorkoutKey, err)
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	pushCounter.WithLabelValues(string(res.Outcome)).Inc()
	writeJSON(w, http.StatusOK, PushResponse{
		WorkoutKey: rec.WorkoutKey,
		Outcome:    string(res.Outcome),
		Seq:        res.Seq,
	})
}

func (h *Handler) changes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "unsupported method")
		return
	}

	claims, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
		return
	}
	if !claims.HasScope(auth.ScopeSessionsRead) && !claims.HasScope(auth.ScopeSessionsWrite) {
		writeError(w, http.StatusForbidden, "forbidden", "scope sessions:read required")
		return
	}

	limit := h.pageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "validation_failed", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	page, err := h.service.Pull(r.Context(), claims.AccountID, r.URL.Query().Get("since"), limit)
	if err != nil {
		if errors.Is(err, remote.ErrInvalidToken) {
			writeError(w, http.StatusBadRequest, "validation_failed", "invalid since token")
			return
		}
		h.logger.Printf("pull account=%s: %v", claims.AccountID, err)
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	pulledCounter.Add(float64(len(page.Records)))
	writeJSON(w, http.StatusOK, page)
}

// PushResponse is the body returned for POST /v1/sessions. Any outcome means the
// cloud now holds a version at least as new as the pushed one.
type PushResponse struct {
	WorkoutKey string `json:"workoutKey"`
	Outcome    string `json:"outcome"`
	Seq        int64  `json:"seq,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Type   string `json:"type"`
	Detail string `json:"detail"`
}

func writeError(w http.ResponseWriter, status int, code, detail string) {
	writeJSON(w, status, ErrorResponse{Type: code, Detail: detail})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
