// Package jobs persists the registry of pipeline runs: one row per video
// job, keyed by an identifier derived from the source URI so repeat requests
// hit the same cached artifacts.
package jobs

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Job is one pipeline run for one video.
type Job struct {
	ID         string    `json:"id"`
	SourceURI  string    `json:"source_uri"`
	Question   string    `json:"question,omitempty"`
	Title      string    `json:"title,omitempty"`
	DurationS  float64   `json:"duration_seconds,omitempty"`
	Strategy   string    `json:"strategy,omitempty"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	AnswerPath string    `json:"answer_path,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// DeriveID returns the stable job identifier for a source URI: the first 16
// hex chars of its SHA-256. Stable IDs are what make manifest reuse work.
func DeriveID(sourceURI string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(sourceURI)))
	return hex.EncodeToString(sum[:])[:16]
}
