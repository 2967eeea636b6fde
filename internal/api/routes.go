package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/AmanK-tech/TubeAgent/internal/config"
	"github.com/AmanK-tech/TubeAgent/internal/engine"
	"github.com/AmanK-tech/TubeAgent/internal/jobs"
	"github.com/AmanK-tech/TubeAgent/internal/manifest"
)

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Repository, cfg.Logger))

		r.Get("/status", statusHandler(cfg))
		r.Post("/jobs", submitJobHandler(cfg))
		r.Get("/jobs", listJobsHandler(cfg))
		r.Get("/jobs/{id}", getJobHandler(cfg))
		r.Get("/jobs/{id}/manifest", manifestHandler(cfg))
		r.Get("/jobs/{id}/events", eventsHandler(cfg))
		r.Post("/jobs/{id}/cancel", cancelJobHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: config.Version,
			UptimeS: uptime,
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, _ := cfg.Repository.ListJobs(r.Context(), 10)

		state := "idle"
		var activeJob *JobResponse
		jobsRunning := 0
		lastError := ""

		for _, j := range list {
			if j.Status == jobs.StatusRunning {
				state = "processing"
				resp := JobToResponse(j)
				activeJob = &resp
				jobsRunning++
			}
			if j.Status == jobs.StatusFailed && lastError == "" {
				lastError = j.Error
			}
		}

		if lastError != "" && state == "idle" {
			state = "error"
		}

		WriteJSON(w, http.StatusOK, StatusResponse{
			State:       state,
			LastError:   lastError,
			JobsRunning: jobsRunning,
			ActiveJob:   activeJob,
		})
	}
}

func submitJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		if req.SourceURI == "" {
			WriteError(w, http.StatusBadRequest, "source_uri is required", "BAD_REQUEST")
			return
		}

		jobID, err := cfg.Engine.Submit(r.Context(), engine.SubmitRequest{
			SourceURI: req.SourceURI,
			Question:  req.Question,
		})
		if errors.Is(err, engine.ErrJobRunning) {
			WriteJSON(w, http.StatusConflict, SubmitJobResponse{JobID: jobID})
			return
		}
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}

		WriteJSON(w, http.StatusAccepted, SubmitJobResponse{JobID: jobID})
	}
}

func listJobsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := cfg.Repository.ListJobs(r.Context(), 50)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list jobs", "INTERNAL_ERROR")
			return
		}

		resp := JobsResponse{Jobs: make([]JobResponse, len(list))}
		for i, j := range list {
			resp.Jobs[i] = JobToResponse(j)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		job, err := cfg.Repository.GetJob(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to get job", "INTERNAL_ERROR")
			return
		}
		if job == nil {
			WriteError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
			return
		}
		WriteJSON(w, http.StatusOK, JobToResponse(job))
	}
}

func manifestHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		m, err := cfg.Engine.Manifest(r.Context(), id)
		if errors.Is(err, engine.ErrJobNotFound) {
			WriteError(w, http.StatusNotFound, "no manifest for job", "NOT_FOUND")
			return
		}
		if errors.Is(err, manifest.ErrCorrupt) {
			WriteError(w, http.StatusConflict, "manifest corrupt, job must be re-planned", "CONFLICT")
			return
		}
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to read manifest", "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, m)
	}
}

func cancelJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := cfg.Engine.Cancel(id); err != nil {
			WriteError(w, http.StatusNotFound, "job not running", "NOT_FOUND")
			return
		}
		WriteJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	}
}

// eventsHandler streams ProgressStep transitions as server-sent events,
// terminating with the job's final answer or error.
func eventsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		flusher, ok := w.(http.Flusher)
		if !ok {
			WriteError(w, http.StatusInternalServerError, "streaming unsupported", "INTERNAL_ERROR")
			return
		}

		tracker := cfg.Engine.Tracker(id)
		if tracker == nil {
			// Job is not running; report its stored terminal state once.
			job, err := cfg.Repository.GetJob(r.Context(), id)
			if err != nil || job == nil {
				WriteError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
				return
			}
			sseHeaders(w)
			writeSSE(w, map[string]any{
				"job_id":   job.ID,
				"terminal": true,
				"status":   job.Status,
				"error":    job.Error,
			})
			flusher.Flush()
			return
		}

		events, cancel := tracker.Subscribe()
		defer cancel()

		sseHeaders(w)

		// Replay the current step states so late subscribers see history.
		for _, step := range tracker.Snapshot() {
			writeSSE(w, map[string]any{"job_id": id, "step": step})
		}
		flusher.Flush()

		for {
			select {
			case <-r.Context().Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				writeSSE(w, ev)
				flusher.Flush()
				if ev.Terminal {
					return
				}
			}
		}
	}
}

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

func writeSSE(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	w.Write([]byte("data: "))
	w.Write(data)
	w.Write([]byte("\n\n"))
}
