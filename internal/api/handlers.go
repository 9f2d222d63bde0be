package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"livecast/internal/livestream"
	"livecast/internal/observability/logging"
)

// OwnerHeader carries the caller identity set by the upstream gateway.
const OwnerHeader = "X-Owner-Id"

// StreamManager is the job lifecycle the handlers drive.
type StreamManager interface {
	Create(def livestream.StreamDefinition) (int64, error)
	Cancel(id int64) bool
	Stop(id int64) bool
	Snapshot(owner string) []livestream.View
}

// StreamStore is the persistence the handlers read.
type StreamStore interface {
	StreamDefinition(ctx context.Context, id int64) (livestream.StreamDefinition, error)
	StreamOwner(ctx context.Context, id int64) (string, error)
	ListHistory(ctx context.Context, owner string, limit int) ([]livestream.HistoryRecord, error)
	Ping(ctx context.Context) error
}

// Config wires a Handler.
type Config struct {
	Manager StreamManager
	Store   StreamStore
	Logger  *slog.Logger
	// ControlTokenHash, when set, requires every /api request to carry a
	// matching bearer token.
	ControlTokenHash string
	// HealthTimeout bounds the repository ping behind /healthz.
	HealthTimeout time.Duration
}

// Handler serves the stream control API.
type Handler struct {
	manager       StreamManager
	store         StreamStore
	logger        *slog.Logger
	guard         *tokenGuard
	healthTimeout time.Duration
}

// NewHandler validates cfg and builds a Handler.
func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Manager == nil || cfg.Store == nil {
		return nil, errors.New("api: manager and store are required")
	}
	guard, err := newTokenGuard(cfg.ControlTokenHash)
	if err != nil {
		return nil, fmt.Errorf("api: control token hash: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.HealthTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Handler{
		manager:       cfg.Manager,
		store:         cfg.Store,
		logger:        logger,
		guard:         guard,
		healthTimeout: timeout,
	}, nil
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("POST /api/streams/{id}/start", h.protect(h.startStream))
	mux.Handle("POST /api/streams/{id}/cancel", h.protect(h.cancelStream))
	mux.Handle("POST /api/streams/{id}/stop", h.protect(h.stopStream))
	mux.Handle("GET /api/streams/status", h.protect(h.streamStatus))
	mux.Handle("GET /api/streams/history", h.protect(h.streamHistory))
	mux.HandleFunc("GET /healthz", h.health)
}

// protect enforces the control token and resolves the caller's owner id.
func (h *Handler) protect(next func(http.ResponseWriter, *http.Request, string)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.guard != nil && !h.guard.allow(bearerToken(r)) {
			writeError(w, http.StatusUnauthorized, ErrInvalidToken)
			return
		}
		owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
		if owner == "" {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("%s header is required", OwnerHeader))
			return
		}
		r = r.WithContext(logging.ContextWithOwnerID(r.Context(), owner))
		next(w, r, owner)
	})
}

type startResponse struct {
	ID int64 `json:"id"`
}

func (h *Handler) startStream(w http.ResponseWriter, r *http.Request, owner string) {
	id, err := parseStreamID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	def, err := h.store.StreamDefinition(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	if def.Owner != owner {
		writeError(w, http.StatusForbidden, errors.New("stream belongs to another owner"))
		return
	}

	accepted, err := h.manager.Create(def)
	switch {
	case errors.Is(err, livestream.ErrConflict):
		writeError(w, http.StatusConflict, err)
		return
	case errors.Is(err, livestream.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		h.requestLogger(r).Error("failed to create stream job", "stream_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, errors.New("failed to start stream"))
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{ID: accepted})
}

type cancelResponse struct {
	ID        int64 `json:"id"`
	Cancelled bool  `json:"cancelled"`
}

type stopResponse struct {
	ID      int64 `json:"id"`
	Stopped bool  `json:"stopped"`
}

func (h *Handler) cancelStream(w http.ResponseWriter, r *http.Request, owner string) {
	id, ok := h.ownedStream(w, r, owner)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{ID: id, Cancelled: h.manager.Cancel(id)})
}

func (h *Handler) stopStream(w http.ResponseWriter, r *http.Request, owner string) {
	id, ok := h.ownedStream(w, r, owner)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, stopResponse{ID: id, Stopped: h.manager.Stop(id)})
}

// ownedStream resolves the path id and checks it belongs to owner, writing
// the error response when it does not.
func (h *Handler) ownedStream(w http.ResponseWriter, r *http.Request, owner string) (int64, bool) {
	id, err := parseStreamID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return 0, false
	}
	streamOwner, err := h.store.StreamOwner(r.Context(), id)
	if err != nil {
		h.writeStoreError(w, r, err)
		return 0, false
	}
	if streamOwner != owner {
		writeError(w, http.StatusForbidden, errors.New("stream belongs to another owner"))
		return 0, false
	}
	return id, true
}

func (h *Handler) streamStatus(w http.ResponseWriter, r *http.Request, owner string) {
	writeJSON(w, http.StatusOK, h.manager.Snapshot(owner))
}

func (h *Handler) streamHistory(w http.ResponseWriter, r *http.Request, owner string) {
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("%w: limit %q", livestream.ErrParse, raw))
			return
		}
		limit = parsed
	}
	records, err := h.store.ListHistory(r.Context(), owner, limit)
	if err != nil {
		h.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

type healthResponse struct {
	Status  string `json:"status"`
	Storage string `json:"storage"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.healthTimeout)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.requestLogger(r).Warn("storage health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded", Storage: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "ok", Storage: "ok"})
}

func (h *Handler) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, livestream.ErrStreamNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	h.requestLogger(r).Error("storage request failed", "error", err)
	writeError(w, http.StatusInternalServerError, errors.New("storage unavailable"))
}

func (h *Handler) requestLogger(r *http.Request) *slog.Logger {
	return logging.WithContext(r.Context(), h.logger)
}

func parseStreamID(r *http.Request) (int64, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: stream id %q", livestream.ErrParse, raw)
	}
	return id, nil
}
