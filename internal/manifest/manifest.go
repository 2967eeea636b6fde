// Package manifest persists the chunk plan and completion state of a job.
// The manifest is the single source of truth for what work remains: re-running
// a job against an existing manifest must never redo completed chunks.
package manifest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/AmanK-tech/TubeAgent/internal/plan"
)

// SchemaVersion is bumped on incompatible manifest layout changes. A manifest
// with a different version is discarded and re-planned.
const SchemaVersion = 1

const (
	StrategyUnresolved = "unresolved"
	StrategyDirect     = "direct"
	StrategyMapReduce  = "map_reduce"
)

// ErrNotFound is returned when no manifest exists for a job.
var ErrNotFound = errors.New("manifest not found")

// ErrCorrupt is returned when a manifest file exists but cannot be decoded.
// A corrupt manifest is fatal for resume; the caller re-plans from scratch.
var ErrCorrupt = errors.New("manifest corrupt")

// Manifest describes one job's chunk plan and progress.
type Manifest struct {
	Version   int              `json:"version"`
	JobID     string           `json:"job_id"`
	SourceURI string           `json:"source_uri"`
	Duration  float64          `json:"duration_seconds"`
	Strategy  string           `json:"strategy"`
	Chunks    []plan.ChunkSpec `json:"chunks"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// QuestionFingerprint returns the stable identifier stored with a cached
// chunk summary: the first 16 hex chars of the trimmed question's SHA-256.
// Chunk transcripts are question-independent and cache across requests, but
// summaries are written with the question in the prompt, so a repeat request
// with a different question must not reuse them.
func QuestionFingerprint(question string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(question)))
	return hex.EncodeToString(sum[:])[:16]
}

// Chunk returns the chunk with the given key, or nil.
func (m *Manifest) Chunk(key plan.Key) *plan.ChunkSpec {
	for i := range m.Chunks {
		if m.Chunks[i].Key() == key {
			return &m.Chunks[i]
		}
	}
	return nil
}

// DoneChunks returns completed chunks in canonical (Index, SubIndex) order.
func (m *Manifest) DoneChunks() []plan.ChunkSpec {
	var done []plan.ChunkSpec
	for _, c := range m.Chunks {
		if c.Status == plan.StatusDone {
			done = append(done, c)
		}
	}
	plan.SortChunks(done)
	return done
}

// Remaining reports how many chunks are not yet in a terminal state.
func (m *Manifest) Remaining() int {
	n := 0
	for _, c := range m.Chunks {
		if c.Status == plan.StatusPending || c.Status == plan.StatusRunning {
			n++
		}
	}
	return n
}

// Store is the persistence contract for manifests. Implementations must
// serialize concurrent mutations of the same job so no update is lost, and
// must write atomically so a crash mid-write never leaves a torn manifest.
type Store interface {
	// LoadOrCreate returns the existing manifest for jobID when one with a
	// compatible version exists (reused=true, chunkPlan ignored), otherwise
	// persists and returns a fresh manifest built from chunkPlan.
	LoadOrCreate(ctx context.Context, m Manifest) (got *Manifest, reused bool, err error)

	// Read returns the current manifest state.
	Read(ctx context.Context, jobID string) (*Manifest, error)

	// MarkChunk applies mutate to one chunk under the job lock and rewrites
	// the manifest atomically. It returns the updated manifest.
	MarkChunk(ctx context.Context, jobID string, key plan.Key, mutate func(*plan.ChunkSpec)) (*Manifest, error)

	// ReplaceChunk marks the parent chunk failed and inserts its re-split
	// children in its place, preserving coverage of the original span.
	ReplaceChunk(ctx context.Context, jobID string, key plan.Key, children []plan.ChunkSpec) (*Manifest, error)

	// SetStrategy records the chosen synthesis strategy, decided once per job.
	SetStrategy(ctx context.Context, jobID, strategy string) error
}
