package api

import (
	"encoding/json"
	"net/http"

	"github.com/AmanK-tech/TubeAgent/internal/jobs"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
}

type StatusResponse struct {
	State       string       `json:"state"`
	LastError   string       `json:"last_error,omitempty"`
	JobsRunning int          `json:"jobs_running"`
	ActiveJob   *JobResponse `json:"active_job,omitempty"`
}

type SubmitJobRequest struct {
	SourceURI string `json:"source_uri"`
	Question  string `json:"question,omitempty"`
}

type SubmitJobResponse struct {
	JobID string `json:"job_id"`
}

type JobResponse struct {
	ID         string  `json:"id"`
	SourceURI  string  `json:"source_uri"`
	Question   string  `json:"question,omitempty"`
	Title      string  `json:"title,omitempty"`
	DurationS  float64 `json:"duration_seconds,omitempty"`
	Strategy   string  `json:"strategy,omitempty"`
	Status     string  `json:"status"`
	Error      string  `json:"error,omitempty"`
	AnswerPath string  `json:"answer_path,omitempty"`
	CreatedAt  string  `json:"created_at"`
	UpdatedAt  string  `json:"updated_at"`
}

type JobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func JobToResponse(j *jobs.Job) JobResponse {
	return JobResponse{
		ID:         j.ID,
		SourceURI:  j.SourceURI,
		Question:   j.Question,
		Title:      j.Title,
		DurationS:  j.DurationS,
		Strategy:   j.Strategy,
		Status:     j.Status,
		Error:      j.Error,
		AnswerPath: j.AnswerPath,
		CreatedAt:  j.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		UpdatedAt:  j.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
	}
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, message, code string) {
	WriteJSON(w, status, ErrorResponse{Error: message, Code: code})
}
