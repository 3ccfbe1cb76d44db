package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/PiKa919/paddle-ui/internal/domain"
	"github.com/PiKa919/paddle-ui/internal/middleware"
	"github.com/PiKa919/paddle-ui/internal/usecases"
)

const maxBodyBytes = 1 << 20

type createBatchRequest struct {
	JobType string         `json:"job_type" validate:"required"`
	Files   []string       `json:"files" validate:"required,min=1,dive,required"`
	Options map[string]any `json:"options"`
}

type createBatchResponse struct {
	JobID     string           `json:"job_id"`
	JobType   domain.JobKind   `json:"job_type"`
	FileCount int              `json:"file_count"`
	Status    domain.JobStatus `json:"status"`
}

type processRequest struct {
	Lang    string `json:"lang" validate:"omitempty,max=32"`
	Version string `json:"version" validate:"omitempty,max=64"`
	Async   bool   `json:"async"`
}

type exportRequest struct {
	OutputDir string `json:"output_dir" validate:"omitempty,max=4096"`
}

// BatchHandler handles HTTP requests for batch jobs
type BatchHandler struct {
	usecase  *usecases.BatchUsecase
	health   domain.HealthChecker
	validate *validator.Validate
	logger   *zap.Logger
}

// NewBatchHandler creates a new batch handler. health may be nil when jobs are kept in memory only.
func NewBatchHandler(usecase *usecases.BatchUsecase, health domain.HealthChecker, logger *zap.Logger) *BatchHandler {
	return &BatchHandler{
		usecase:  usecase,
		health:   health,
		validate: validator.New(),
		logger:   logger,
	}
}

// Routes mounts the batch endpoints on r
func (h *BatchHandler) Routes(r chi.Router) {
	r.Get("/", h.ListBatches)
	r.Post("/create", h.CreateBatch)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", h.GetBatch)
		r.Delete("/", h.DeleteBatch)
		r.Post("/process", h.ProcessBatch)
		r.Post("/cancel", h.CancelBatch)
		r.Post("/export", h.ExportBatch)
	})
}

// IsProcessRoute reports whether r triggers a batch pass, which holds the request open
func IsProcessRoute(r *http.Request) bool {
	return r.Method == http.MethodPost && strings.HasSuffix(strings.TrimRight(r.URL.Path, "/"), "/process")
}

// CreateBatch handles POST /batch/create
func (h *BatchHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	var req createBatchRequest
	if err := h.decode(r, &req, false); err != nil {
		h.logger.Warn("invalid create request",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		h.respondError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}

	snap, err := h.usecase.CreateJob(ctx, req.JobType, req.Files, req.Options)
	if err != nil {
		h.fail(w, err, "failed to create batch", requestID)
		return
	}

	h.respondJSON(w, http.StatusCreated, createBatchResponse{
		JobID:     snap.JobID,
		JobType:   snap.JobType,
		FileCount: snap.Total,
		Status:    snap.Status,
	}, requestID)
}

// ProcessBatch handles POST /batch/{id}/process
func (h *BatchHandler) ProcessBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)
	id := chi.URLParam(r, "id")

	var req processRequest
	if err := h.decode(r, &req, true); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}
	params := domain.EngineParams{Lang: req.Lang, Version: req.Version}

	var (
		snap *domain.JobSnapshot
		err  error
	)
	if req.Async {
		snap, err = h.usecase.ProcessAsync(ctx, id, params)
	} else {
		snap, err = h.usecase.Process(ctx, id, params)
	}
	if err != nil {
		h.fail(w, err, "failed to process batch", requestID)
		return
	}

	status := http.StatusOK
	if req.Async {
		status = http.StatusAccepted
	}
	h.respondJSON(w, status, snap, requestID)
}

// GetBatch handles GET /batch/{id}
func (h *BatchHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	snap, err := h.usecase.GetJob(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err, "failed to get batch", requestID)
		return
	}
	h.respondJSON(w, http.StatusOK, snap, requestID)
}

// ListBatches handles GET /batch
func (h *BatchHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.respondJSON(w, http.StatusOK, map[string]any{
		"jobs": h.usecase.ListJobs(ctx),
	}, middleware.GetRequestID(ctx))
}

// CancelBatch handles POST /batch/{id}/cancel
func (h *BatchHandler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	ok, err := h.usecase.CancelJob(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, err, "failed to cancel batch", requestID)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]bool{"success": ok}, requestID)
}

// DeleteBatch handles DELETE /batch/{id}
func (h *BatchHandler) DeleteBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	if err := h.usecase.DeleteJob(ctx, chi.URLParam(r, "id")); err != nil {
		h.fail(w, err, "failed to delete batch", requestID)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]bool{"success": true}, requestID)
}

// ExportBatch handles POST /batch/{id}/export
func (h *BatchHandler) ExportBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestID(ctx)

	var req exportRequest
	if err := h.decode(r, &req, true); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error(), requestID)
		return
	}

	result, err := h.usecase.ExportJob(ctx, chi.URLParam(r, "id"), req.OutputDir)
	if err != nil {
		h.fail(w, err, "failed to export batch", requestID)
		return
	}
	h.respondJSON(w, http.StatusOK, result, requestID)
}

// Health handles GET /health
func (h *BatchHandler) Health(w http.ResponseWriter, r *http.Request) {
	requestID := middleware.GetRequestID(r.Context())

	store := "memory"
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health.CheckConnection(ctx); err != nil {
			h.logger.Error("job repository unhealthy",
				zap.String("request_id", requestID),
				zap.Error(err),
			)
			h.respondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			}, requestID)
			return
		}
		store = "ok"
	}

	h.respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"store":  store,
	}, requestID)
}

// decode reads a JSON body into v and validates it. An empty body is accepted when optional.
func (h *BatchHandler) decode(r *http.Request, v any, optional bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			return fmt.Errorf("invalid request body: %w", err)
		}
	}
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fmt.Errorf("field %s failed %s validation", strings.ToLower(fe.Field()), fe.Tag())
		}
		return err
	}
	return nil
}

// fail maps a usecase error to an HTTP status
func (h *BatchHandler) fail(w http.ResponseWriter, err error, message, requestID string) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(message,
			zap.String("request_id", requestID),
			zap.Error(err),
		)
		h.respondError(w, status, message, requestID)
		return
	}
	h.logger.Warn(message,
		zap.String("request_id", requestID),
		zap.Int("status", status),
		zap.Error(err),
	)
	h.respondError(w, status, err.Error(), requestID)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidJobKind), errors.Is(err, domain.ErrEngineConfig):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, domain.ErrEngineUnavailable), errors.Is(err, domain.ErrProcessingShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondJSON sends a JSON response
func (h *BatchHandler) respondJSON(w http.ResponseWriter, status int, data interface{}, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response",
			zap.String("request_id", requestID),
			zap.Error(err),
		)
	}
}

// respondError sends an error response
func (h *BatchHandler) respondError(w http.ResponseWriter, status int, message, requestID string) {
	h.respondJSON(w, status, map[string]string{
		"error":      message,
		"request_id": requestID,
	}, requestID)
}
