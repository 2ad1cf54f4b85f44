package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/forgelab/agentforge/internal/export"
	"github.com/forgelab/agentforge/internal/pipeline"
	"github.com/forgelab/agentforge/internal/status"
	"github.com/forgelab/agentforge/internal/task"
	"github.com/forgelab/agentforge/internal/upload"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var validate = validator.New()

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	store    *task.Store
	engine   *pipeline.Engine
	hub      *status.Hub
	exporter *export.Generator
	uploads  *upload.Store
	maxBytes int64
	version  string
	backends map[string]bool
	logger   *zap.Logger
}

// NewHandler creates a new API handler. backends reports which optional
// integrations were configured, for the health endpoint.
func NewHandler(
	store *task.Store,
	engine *pipeline.Engine,
	hub *status.Hub,
	exporter *export.Generator,
	uploads *upload.Store,
	maxBytes int64,
	version string,
	backends map[string]bool,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		store:    store,
		engine:   engine,
		hub:      hub,
		exporter: exporter,
		uploads:  uploads,
		maxBytes: maxBytes,
		version:  version,
		backends: backends,
		logger:   logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Post("/tasks", h.submitTask)
		r.Get("/tasks", h.listTasks)
		r.Get("/tasks/{taskID}", h.getTask)
		r.Post("/tasks/{taskID}/cancel", h.cancelTask)
		r.Get("/tasks/{taskID}/export", h.exportTask)
	})
	r.Get("/ws/tasks/{taskID}", h.subscribeTask)

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"service":  "agentforge",
		"version":  h.version,
		"backends": h.backends,
	})
}

// submission carries the validated text part of a task submission.
type submission struct {
	Instructions string `validate:"required,min=20,max=5000"`
}

type submitResponse struct {
	TaskID    string      `json:"task_id"`
	Status    task.Status `json:"status"`
	Poll      string      `json:"poll"`
	Subscribe string      `json:"subscribe"`
}

func (h *Handler) submitTask(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+1<<20)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_submission", "malformed or oversized request body")
		return
	}

	sub := submission{Instructions: strings.TrimSpace(r.FormValue("instructions"))}
	if err := validate.Struct(sub); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_submission",
			"instructions must be between 20 and 5000 characters")
		return
	}

	file, header, err := r.FormFile("document")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_submission", "document file is required")
		return
	}
	defer file.Close()

	id := uuid.New().String()
	path, size, err := h.uploads.Save(id, header.Filename, file, h.maxBytes)
	if err != nil {
		if errors.Is(err, upload.ErrTooLarge) {
			writeError(w, http.StatusBadRequest, "invalid_submission", "document exceeds size limit")
			return
		}
		h.logger.Error("document store failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "could not store document")
		return
	}
	if size == 0 {
		h.uploads.Remove(path)
		writeError(w, http.StatusBadRequest, "invalid_submission", "document is empty")
		return
	}

	v := h.store.Create(task.CreateParams{
		ID:           id,
		Instructions: sub.Instructions,
		Document:     task.Document{Name: header.Filename, Path: path, Size: size},
		Steps:        h.engine.StepNames(),
	})
	if _, err := h.engine.Start(id); err != nil {
		h.logger.Error("pipeline start failed", zap.String("task", id), zap.Error(err))
	}

	writeJSON(w, http.StatusAccepted, submitResponse{
		TaskID:    v.TaskID,
		Status:    v.Status,
		Poll:      "/api/v1/tasks/" + id,
		Subscribe: "/ws/tasks/" + id,
	})
}

func (h *Handler) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.store.List())
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	v, err := h.hub.Snapshot(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "task_not_found", "no task with id "+id)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) cancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	v, err := h.engine.Cancel(id)
	if err != nil {
		if errors.Is(err, task.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "task_not_found", "no task with id "+id)
			return
		}
		h.logger.Error("cancel failed", zap.String("task", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) exportTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	format := r.URL.Query().Get("format")
	if format == "" {
		format = string(export.FormatJSON)
	}

	v, err := h.hub.Snapshot(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "task_not_found", "no task with id "+id)
		return
	}

	payload, contentType, err := h.exporter.Render(v, export.Format(format))
	switch {
	case errors.Is(err, export.ErrNotReady):
		writeError(w, http.StatusConflict, "not_ready", "task is not complete")
		return
	case errors.Is(err, export.ErrUnknownFormat):
		writeError(w, http.StatusBadRequest, "unknown_format",
			fmt.Sprintf("format must be one of %v", export.Formats()))
		return
	case err != nil:
		h.logger.Error("export failed", zap.String("task", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "export failed")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%s_%s.%s", id, format, exportExt(contentType)))
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

func exportExt(contentType string) string {
	if strings.Contains(contentType, "yaml") {
		return "yaml"
	}
	return "json"
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
