package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/kalambet/ramble/internal/events"
	"github.com/kalambet/ramble/internal/library"
	"github.com/kalambet/ramble/internal/storage"
)

const maxRequestBodySize = 1 << 20  // 1MB
const maxUploadSize = 512 << 20     // 512MB
const maxMultipartMemory = 32 << 20 // 32MB

// Pipeline is the transcription queue as seen by the API.
type Pipeline interface {
	RetryTranscription(ctx context.Context, recordingID string) error
	Resume(ctx context.Context)
	Jobs() ([]storage.TranscriptionJob, error)
	IsProcessing() bool
	HasActiveWork() bool
}

// Webhooks is the webhook tracker as seen by the API.
type Webhooks interface {
	RetryWebhook(ctx context.Context, recordingID string) error
	ActiveCount() int
}

// Deps holds dependencies for the app API.
type Deps struct {
	Store    *storage.Store
	Library  *library.Library
	Pipeline Pipeline
	Webhooks Webhooks
	Events   *events.Bus
	Token    string

	// BaseContext bounds work started by requests. Queue and retry loops
	// outlive the request that started them, so they never run under the
	// request context.
	BaseContext context.Context

	// MaxWebhookRetries decides which failed deliveries count as exhausted
	// in stats.
	MaxWebhookRetries int
}

type ImportRequest struct {
	Path     string  `json:"path" validate:"required"`
	Duration float64 `json:"duration" validate:"gte=0"`
}

type QueueStatus struct {
	Processing           bool                       `json:"processing"`
	ActiveWork           bool                       `json:"active_work"`
	ActiveWebhookRetries int                        `json:"active_webhook_retries"`
	Jobs                 []storage.TranscriptionJob `json:"jobs"`
}

// NewAppHandler returns the daemon's HTTP API. /health is public; every
// other route requires the bearer token.
func NewAppHandler(deps Deps) http.Handler {
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}
	if deps.Events == nil {
		deps.Events = events.NewBus(0)
	}
	validate := validator.New()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Get("/recordings", handleListRecordings(deps))
		r.Post("/recordings", handleImport(deps, validate))
		r.Delete("/recordings", handleDeleteAll(deps))
		r.Get("/recordings/export", handleExport(deps))
		r.Get("/recordings/{id}", handleGetRecording(deps))
		r.Delete("/recordings/{id}", handleDeleteRecording(deps))
		r.Post("/recordings/{id}/retry-transcription", handleRetryTranscription(deps))
		r.Post("/recordings/{id}/retry-webhook", handleRetryWebhook(deps))

		r.Get("/queue", handleQueue(deps))
		r.Post("/queue/resume", handleResume(deps))
		r.Get("/stats", handleStats(deps))
		r.Get("/events", handleEvents(deps, upgrader))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func handleListRecordings(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 50, 500)
		offset := parseIntParam(r, "offset", 0, 0)
		status := storage.TranscriptionStatus(r.URL.Query().Get("status"))

		recs, err := deps.Store.ListRecordings()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list recordings: %v", err)
			return
		}

		out := []storage.Recording{}
		for _, rec := range recs {
			if status != "" && rec.TranscriptionStatus != status {
				continue
			}
			out = append(out, rec)
		}
		if offset >= len(out) {
			out = []storage.Recording{}
		} else {
			out = out[offset:]
		}
		if len(out) > limit {
			out = out[:limit]
		}

		writeJSON(w, http.StatusOK, out)
	}
}

func handleImport(deps Deps, validate *validator.Validate) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var (
			rec storage.Recording
			err error
		)
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
			rec, err = importUpload(deps, w, r)
		} else {
			rec, err = importPath(deps, validate, w, r)
		}

		var reqErr *requestError
		switch {
		case errors.As(err, &reqErr):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", reqErr.msg)
		case errors.Is(err, os.ErrNotExist):
			httpError(w, http.StatusBadRequest, "invalid_request_error", "audio file not found")
		case err != nil && rec.ID == "":
			httpError(w, http.StatusInternalServerError, "api_error", "failed to import recording: %v", err)
		case err != nil:
			// Saved but not queued; a manual retry picks it up.
			httpError(w, http.StatusInternalServerError, "api_error", "recording %s saved but not queued: %v", rec.ID, err)
		default:
			writeJSON(w, http.StatusCreated, rec)
		}
	}
}

type requestError struct{ msg string }

func (e *requestError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &requestError{msg: fmt.Sprintf(format, args...)}
}

func importPath(deps Deps, validate *validator.Validate, w http.ResponseWriter, r *http.Request) (storage.Recording, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	defer r.Body.Close()

	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return storage.Recording{}, badRequest("invalid request body: %v", err)
	}
	if err := validate.Struct(req); err != nil {
		return storage.Recording{}, badRequest("invalid import request: %v", err)
	}
	if !filepath.IsAbs(req.Path) {
		return storage.Recording{}, badRequest("path must be absolute")
	}
	return deps.Library.ImportFile(deps.BaseContext, req.Path, req.Duration)
}

func importUpload(deps Deps, w http.ResponseWriter, r *http.Request) (storage.Recording, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		return storage.Recording{}, badRequest("invalid multipart body: %v", err)
	}
	defer r.MultipartForm.RemoveAll()

	duration, err := strconv.ParseFloat(r.FormValue("duration"), 64)
	if err != nil || duration < 0 {
		return storage.Recording{}, badRequest("duration must be a non-negative number of seconds")
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return storage.Recording{}, badRequest("file is required")
	}
	defer file.Close()

	return deps.Library.Import(deps.BaseContext, file, filepath.Ext(header.Filename), duration)
}

func handleGetRecording(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec, err := deps.Store.GetRecording(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "recording not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get recording: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleDeleteRecording(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Library.Delete(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "recording not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete recording: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleDeleteAll(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Library.DeleteAll()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "deleted %d recordings before failing: %v", n, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
	}
}

func handleExport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Disposition", `attachment; filename="ramble-export.json"`)
		if err := deps.Library.Export(w); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to export recordings: %v", err)
		}
	}
}

func handleRetryTranscription(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := deps.Pipeline.RetryTranscription(deps.BaseContext, id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "recording not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to retry transcription: %v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "queued"})
	}
}

func handleRetryWebhook(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		err := deps.Webhooks.RetryWebhook(deps.BaseContext, id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "recording not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to retry webhook: %v", err)
			return
		}

		rec, err := deps.Store.GetRecording(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get recording: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	}
}

func handleQueue(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := deps.Pipeline.Jobs()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list jobs: %v", err)
			return
		}
		if jobs == nil {
			jobs = []storage.TranscriptionJob{}
		}
		writeJSON(w, http.StatusOK, QueueStatus{
			Processing:           deps.Pipeline.IsProcessing(),
			ActiveWork:           deps.Pipeline.HasActiveWork(),
			ActiveWebhookRetries: deps.Webhooks.ActiveCount(),
			Jobs:                 jobs,
		})
	}
}

func handleResume(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Pipeline.Resume(deps.BaseContext)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "resumed"})
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Library.Stats(deps.MaxWebhookRetries)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute stats: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}
