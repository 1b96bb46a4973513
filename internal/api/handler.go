package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kindful-app/kindful/internal/circuitbreaker"
	"github.com/kindful-app/kindful/internal/db"
	"github.com/kindful-app/kindful/internal/delivery"
	"github.com/kindful-app/kindful/internal/schedule"
)

// SendRepository is the store surface the API handlers read from.
type SendRepository interface {
	GetScheduledSend(ctx context.Context, id uuid.UUID) (*db.ScheduledSend, error)
	GetPendingSendsForToday(ctx context.Context, now time.Time) ([]*db.ScheduledSend, error)
	GetFailedSendsToRetry(ctx context.Context, maxRetries int) ([]*db.ScheduledSend, error)
	GetStats(ctx context.Context, maxRetries int) (*db.SchedulerStats, error)
}

// SchedulerService runs one scheduling pass on demand.
type SchedulerService interface {
	ScheduleUpcomingReminders(ctx context.Context, now time.Time) (schedule.Counts, error)
}

// DeliveryController routes signals and status queries to in-flight
// deliveries.
type DeliveryController interface {
	DispatchDue(ctx context.Context, now time.Time) (int, error)
	Pause(id uuid.UUID) error
	Resume(id uuid.UUID) error
	Cancel(ctx context.Context, id uuid.UUID) error
	Status(ctx context.Context, id uuid.UUID) (delivery.Status, error)
	Running() int
}

// RunGuard is the best-effort mutual exclusion around manual trigger
// endpoints. Optional: a nil guard means triggers always run.
type RunGuard interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, name string) error
}

// ErrorResponse represents an error in problem+json format.
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers.
type Handler struct {
	logger       *zap.Logger
	repo         SendRepository
	scheduler    SchedulerService
	dispatcher   DeliveryController
	runGuard     RunGuard // nil if Redis not configured
	breakerStats func() []circuitbreaker.Stats
	maxRetries   int
}

// HandlerOption configures optional handler dependencies.
type HandlerOption func(*Handler)

// WithRunGuard guards the manual trigger endpoints with a run lock.
func WithRunGuard(guard RunGuard) HandlerOption {
	return func(h *Handler) { h.runGuard = guard }
}

// WithBreakerStats exposes circuit breaker state on the stats endpoint.
func WithBreakerStats(fn func() []circuitbreaker.Stats) HandlerOption {
	return func(h *Handler) { h.breakerStats = fn }
}

// NewHandler creates a new API handler.
func NewHandler(logger *zap.Logger, repo SendRepository, scheduler SchedulerService, dispatcher DeliveryController, maxRetries int, opts ...HandlerOption) *Handler {
	h := &Handler{
		logger:     logger,
		repo:       repo,
		scheduler:  scheduler,
		dispatcher: dispatcher,
		maxRetries: maxRetries,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RunScheduler handles POST /v1/scheduler/run. It runs one scheduling
// pass immediately; the cron trigger goes through the same path.
func (h *Handler) RunScheduler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.runGuard != nil {
		ok, err := h.runGuard.Acquire(ctx, "scheduler", 5*time.Minute)
		if err != nil {
			h.logger.Warn("run lock unavailable, proceeding", zap.Error(err))
		} else if !ok {
			h.writeError(w, http.StatusConflict, "run_in_progress",
				"Scheduling pass already running",
				"Another scheduling pass holds the run lock")
			return
		} else {
			defer func() {
				if err := h.runGuard.Release(context.WithoutCancel(ctx), "scheduler"); err != nil {
					h.logger.Warn("failed to release run lock", zap.Error(err))
				}
			}()
		}
	}

	counts, err := h.scheduler.ScheduleUpcomingReminders(ctx, time.Now().UTC())
	if err != nil {
		h.logger.Error("scheduling pass failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "scheduler_error", "Scheduling pass failed", "")
		return
	}

	h.writeJSON(w, http.StatusOK, counts)
}

// RunDispatcher handles POST /v1/dispatcher/run. It dispatches sends
// that are due right now, ahead of the next poll tick.
func (h *Handler) RunDispatcher(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	started, err := h.dispatcher.DispatchDue(ctx, time.Now().UTC())
	if err != nil {
		h.logger.Error("manual dispatch failed", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "dispatch_error", "Dispatch failed", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]int{"started": started})
}

// GetStats handles GET /v1/scheduler/stats.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := h.repo.GetStats(ctx, h.maxRetries)
	if err != nil {
		h.logger.Error("failed to load stats", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load stats", "")
		return
	}

	resp := map[string]any{
		"sends":            stats,
		"running_machines": h.dispatcher.Running(),
	}
	if h.breakerStats != nil {
		resp["breakers"] = h.breakerStats()
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// ListPendingSends handles GET /v1/sends/pending. It returns the sends
// scheduled for the current UTC day that have not reached a terminal
// state.
func (h *Handler) ListPendingSends(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sends, err := h.repo.GetPendingSendsForToday(ctx, time.Now().UTC())
	if err != nil {
		h.logger.Error("failed to list pending sends", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list pending sends", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  sends,
		"count": len(sends),
	})
}

// ListFailedSends handles GET /v1/sends/failed. It returns failed sends
// still within the retry budget.
func (h *Handler) ListFailedSends(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sends, err := h.repo.GetFailedSendsToRetry(ctx, h.maxRetries)
	if err != nil {
		h.logger.Error("failed to list failed sends", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list failed sends", "")
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"data":  sends,
		"count": len(sends),
	})
}

// GetSend handles GET /v1/sends/{id}.
func (h *Handler) GetSend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.sendID(w, r)
	if !ok {
		return
	}

	send, err := h.repo.GetScheduledSend(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrSendNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Scheduled send not found", "")
			return
		}
		h.logger.Error("failed to get send", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get send", "")
		return
	}

	h.writeJSON(w, http.StatusOK, send)
}

// GetSendStatus handles GET /v1/sends/{id}/status. For an in-flight
// delivery it reports the live machine view; otherwise the status is
// derived from the stored row.
func (h *Handler) GetSendStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.sendID(w, r)
	if !ok {
		return
	}

	status, err := h.dispatcher.Status(ctx, id)
	if err != nil {
		if errors.Is(err, db.ErrSendNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Scheduled send not found", "")
			return
		}
		h.logger.Error("failed to get send status", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "status_error", "Failed to get send status", "")
		return
	}

	h.writeJSON(w, http.StatusOK, status)
}

// PauseSend handles POST /v1/sends/{id}/pause.
func (h *Handler) PauseSend(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sendID(w, r)
	if !ok {
		return
	}

	if err := h.dispatcher.Pause(id); err != nil {
		if errors.Is(err, delivery.ErrNotRunning) {
			h.writeError(w, http.StatusConflict, "not_running", "Delivery is not in flight",
				"Pause only applies while the delivery countdown is running")
			return
		}
		h.logger.Error("failed to pause send", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "signal_error", "Failed to pause send", "")
		return
	}

	h.logger.Info("send paused", zap.String("id", id.String()))
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "signal": "paused"})
}

// ResumeSend handles POST /v1/sends/{id}/resume.
func (h *Handler) ResumeSend(w http.ResponseWriter, r *http.Request) {
	id, ok := h.sendID(w, r)
	if !ok {
		return
	}

	if err := h.dispatcher.Resume(id); err != nil {
		if errors.Is(err, delivery.ErrNotRunning) {
			h.writeError(w, http.StatusConflict, "not_running", "Delivery is not in flight",
				"Resume only applies while the delivery countdown is running")
			return
		}
		h.logger.Error("failed to resume send", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "signal_error", "Failed to resume send", "")
		return
	}

	h.logger.Info("send resumed", zap.String("id", id.String()))
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "signal": "resumed"})
}

// CancelSend handles POST /v1/sends/{id}/cancel. Works on both
// in-flight deliveries and stored sends that have not been dispatched
// yet.
func (h *Handler) CancelSend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, ok := h.sendID(w, r)
	if !ok {
		return
	}

	if err := h.dispatcher.Cancel(ctx, id); err != nil {
		if errors.Is(err, db.ErrSendNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Scheduled send not found", "")
			return
		}
		if errors.Is(err, db.ErrAlreadyTerminal) {
			h.writeError(w, http.StatusConflict, "already_terminal", "Send already finished", "A sent, failed, or canceled send cannot be canceled")
			return
		}
		h.logger.Error("failed to cancel send", zap.Error(err), zap.String("id", id.String()))
		h.writeError(w, http.StatusInternalServerError, "signal_error", "Failed to cancel send", "")
		return
	}

	h.logger.Info("send canceled", zap.String("id", id.String()))
	h.writeJSON(w, http.StatusOK, map[string]string{"id": id.String(), "signal": "canceled"})
}

func (h *Handler) sendID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idStr := chi.URLParam(r, "id")
	id, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid send ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
