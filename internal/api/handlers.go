package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"

	"streamrelay/internal/events"
	"streamrelay/internal/job"
	"streamrelay/internal/launcher"
	"streamrelay/internal/observability/logging"
	"streamrelay/internal/observability/metrics"
	"streamrelay/internal/supervisor"
)

// Supervisor is the session core the API fronts.
type Supervisor interface {
	Create(ctx context.Context, spec job.Spec) (string, error)
	List() []supervisor.SessionInfo
	Stop(ctx context.Context, id string) error
	CapturePreview(ctx context.Context, id string) (string, bool, error)
}

// Config wires a Handler.
type Config struct {
	Supervisor Supervisor
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	// Token is either a plain bearer token or a HashToken result. Empty
	// disables authentication.
	Token        string
	RateLimit    RateLimitConfig
	HealthChecks map[string]HealthCheck

	newRequestID idGenerator
}

// Handler serves the control API.
type Handler struct {
	supervisor Supervisor
	logger     *slog.Logger
	checks     map[string]HealthCheck
	root       http.Handler
}

// New builds the routed and fully wrapped control API handler.
func New(cfg Config) (*Handler, error) {
	if cfg.Supervisor == nil {
		return nil, errors.New("api: supervisor is required")
	}
	verifier, err := newTokenVerifier(cfg.Token)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}

	h := &Handler{
		supervisor: cfg.Supervisor,
		logger:     logger,
		checks:     cfg.HealthChecks,
	}

	sessions := http.NewServeMux()
	sessions.HandleFunc("POST /v1/sessions", h.handleCreate)
	sessions.HandleFunc("GET /v1/sessions", h.handleList)
	sessions.HandleFunc("DELETE /v1/sessions/{id}", h.handleStop)
	sessions.HandleFunc("GET /v1/sessions/{id}/preview", h.handlePreview)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)
	mux.Handle("GET /metrics", recorder.Handler())
	mux.Handle("/v1/", rateLimitMiddleware(newLimiter(cfg.RateLimit), authMiddleware(verifier, sessions)))

	var root http.Handler = securityHeadersMiddleware(mux)
	root = metrics.HTTPMiddleware(recorder, root)
	root = logging.RequestLogger(logging.RequestLoggerConfig{Logger: logger})(root)
	root = requestIDMiddleware(logger, cfg.newRequestID, root)
	h.root = root
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.root.ServeHTTP(w, r)
}

type createRequest struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Decryption  string `json:"decryption,omitempty"`
	Title       string `json:"title,omitempty"`
	SourceKind  string `json:"sourceKind,omitempty"`
}

type createResponse struct {
	SessionID string `json:"sessionId"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	spec := job.Spec{
		SessionID:   job.NewID(),
		Source:      req.Source,
		Destination: req.Destination,
		Decryption:  req.Decryption,
		Title:       req.Title,
		SourceKind:  job.SourceKind(req.SourceKind),
	}
	id, err := h.supervisor.Create(r.Context(), spec)
	if err != nil {
		h.fail(w, r, "create session", err)
		return
	}

	w.Header().Set("Location", "/v1/sessions/"+id)
	writeJSON(w, http.StatusCreated, createResponse{SessionID: id})
}

type sessionView struct {
	supervisor.SessionInfo
	Elapsed        string `json:"elapsed"`
	ElapsedSeconds int64  `json:"elapsedSeconds"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	infos := h.supervisor.List()
	views := make([]sessionView, 0, len(infos))
	for _, info := range infos {
		views = append(views, sessionView{
			SessionInfo:    info,
			Elapsed:        events.FormatElapsed(info.Elapsed),
			ElapsedSeconds: int64(info.Elapsed.Seconds()),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) handleStop(w http.ResponseWriter, r *http.Request) {
	r, id := h.withSession(r)
	// a client hanging up must not cut the grace period short
	ctx := context.WithoutCancel(r.Context())
	if err := h.supervisor.Stop(ctx, id); err != nil {
		h.fail(w, r, "stop session", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePreview(w http.ResponseWriter, r *http.Request) {
	r, id := h.withSession(r)
	path, ok, err := h.supervisor.CapturePreview(r.Context(), id)
	if err != nil {
		h.fail(w, r, "capture preview", err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		h.fail(w, r, "open preview", err)
		return
	}
	defer f.Close()
	stat, err := f.Stat()
	if err != nil {
		h.fail(w, r, "stat preview", err)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeContent(w, r, "", stat.ModTime(), f)
}

// withSession records the path's session ID on the request context and its
// logger.
func (h *Handler) withSession(r *http.Request) (*http.Request, string) {
	id := r.PathValue("id")
	ctx := logging.ContextWithSessionID(r.Context(), id)
	if _, ok := logging.SessionIDFromContext(ctx); !ok {
		return r, id
	}
	logger := logging.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	ctx = logging.ContextWithLogger(ctx, logging.WithSession(logger, id))
	return r.WithContext(ctx), id
}

// statusFor maps supervisor errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, job.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, supervisor.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrDuplicate):
		return http.StatusConflict
	case errors.Is(err, launcher.ErrLaunchFailed):
		return http.StatusBadGateway
	case errors.Is(err, supervisor.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, action string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger := logging.LoggerFromContext(r.Context())
		if logger == nil {
			logger = h.logger
		}
		logger.Error(action, "error", err, "status", status)
	}
	writeError(w, status, err)
}
