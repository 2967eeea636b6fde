// Package plan computes time-bounded chunk boundaries over a media duration.
// Planning is pure: the same duration and tuning always yield the same plan.
package plan

import (
	"fmt"
	"math"
	"sort"
)

const (
	StatusPending = "pending"
	StatusRunning = "running"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// A trailing chunk shorter than this merges into its predecessor rather than
// being sent to the provider on its own.
const minTailSeconds = 30.0

// ChunkSpec is one time window of source media processed as one ASR unit.
// Ordering is canonical by (Index, SubIndex); re-split children keep the
// parent's Index and take SubIndex 1..n.
type ChunkSpec struct {
	Index          int     `json:"index"`
	SubIndex       int     `json:"sub_index,omitempty"`
	StartSeconds   float64 `json:"start_seconds"`
	EndSeconds     float64 `json:"end_seconds"`
	OverlapSeconds float64 `json:"overlap_seconds"`
	MediaPath      string  `json:"media_path,omitempty"`
	TranscriptPath string  `json:"transcript_path,omitempty"`
	SummaryPath    string  `json:"summary_path,omitempty"`
	// SummaryQuestion fingerprints the question the cached summary answers,
	// so a repeat request with a new question regenerates it.
	SummaryQuestion string `json:"summary_question,omitempty"`
	Status          string `json:"status"`
	AttemptCount    int    `json:"attempt_count"`
	Error           string `json:"error,omitempty"`
}

// Key identifies a chunk within a plan.
type Key struct {
	Index    int `json:"index"`
	SubIndex int `json:"sub_index"`
}

func (c ChunkSpec) Key() Key {
	return Key{Index: c.Index, SubIndex: c.SubIndex}
}

func (k Key) String() string {
	if k.SubIndex == 0 {
		return fmt.Sprintf("%d", k.Index)
	}
	return fmt.Sprintf("%d.%d", k.Index, k.SubIndex)
}

// Span returns the chunk duration in seconds.
func (c ChunkSpec) Span() float64 {
	return c.EndSeconds - c.StartSeconds
}

// Less orders chunks by (Index, SubIndex).
func (c ChunkSpec) Less(other ChunkSpec) bool {
	if c.Index != other.Index {
		return c.Index < other.Index
	}
	return c.SubIndex < other.SubIndex
}

// Compute returns an ordered chunk plan covering [0, durationSeconds] with no
// gaps. Each span is at most targetSeconds and consecutive spans overlap by
// overlapSeconds so no words are lost at boundaries. A duration at or below
// the target yields exactly one chunk.
func Compute(durationSeconds, targetSeconds, overlapSeconds float64) ([]ChunkSpec, error) {
	if durationSeconds <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %g", durationSeconds)
	}
	if targetSeconds <= 0 {
		return nil, fmt.Errorf("target chunk seconds must be positive, got %g", targetSeconds)
	}
	if overlapSeconds < 0 || overlapSeconds >= targetSeconds {
		return nil, fmt.Errorf("overlap %g out of range for target %g", overlapSeconds, targetSeconds)
	}

	var chunks []ChunkSpec
	t := 0.0
	for t < durationSeconds {
		end := math.Min(durationSeconds, t+targetSeconds)
		chunks = append(chunks, ChunkSpec{
			Index:          len(chunks),
			StartSeconds:   t,
			EndSeconds:     end,
			OverlapSeconds: overlapSeconds,
			Status:         StatusPending,
		})
		if end >= durationSeconds {
			break
		}
		t = end - overlapSeconds
	}

	// Merge a stub tail into its predecessor.
	if n := len(chunks); n >= 2 && chunks[n-1].Span() < minTailSeconds {
		chunks[n-2].EndSeconds = chunks[n-1].EndSeconds
		chunks = chunks[:n-1]
	}

	return chunks, nil
}

// Resplit divides a failed chunk into ceil(span/subTargetSeconds) children of
// roughly equal span that cover the parent's window exactly. Children inherit
// the parent's Index and take SubIndex 1..n; interior boundaries are extended
// backwards by overlapSeconds so coverage has no seams.
func Resplit(parent ChunkSpec, subTargetSeconds, overlapSeconds float64) ([]ChunkSpec, error) {
	span := parent.Span()
	if span <= 0 {
		return nil, fmt.Errorf("chunk %s has non-positive span", parent.Key())
	}
	if subTargetSeconds <= 0 {
		return nil, fmt.Errorf("sub target seconds must be positive, got %g", subTargetSeconds)
	}

	n := int(math.Ceil(span / subTargetSeconds))
	if n < 2 {
		n = 2
	}
	base := span / float64(n)

	children := make([]ChunkSpec, 0, n)
	for i := 0; i < n; i++ {
		start := parent.StartSeconds + float64(i)*base
		end := parent.StartSeconds + float64(i+1)*base
		if i == n-1 {
			end = parent.EndSeconds
		}
		if i > 0 {
			start = math.Max(parent.StartSeconds, start-overlapSeconds)
		}
		children = append(children, ChunkSpec{
			Index:          parent.Index,
			SubIndex:       i + 1,
			StartSeconds:   start,
			EndSeconds:     end,
			OverlapSeconds: overlapSeconds,
			Status:         StatusPending,
		})
	}

	return children, nil
}

// SortChunks orders a plan by the canonical (Index, SubIndex) key in place.
func SortChunks(chunks []ChunkSpec) {
	sort.Slice(chunks, func(i, j int) bool {
		return chunks[i].Less(chunks[j])
	})
}

// Coverage reports the lowest start and highest end across the given chunks.
func Coverage(chunks []ChunkSpec) (start, end float64) {
	if len(chunks) == 0 {
		return 0, 0
	}
	start, end = chunks[0].StartSeconds, chunks[0].EndSeconds
	for _, c := range chunks[1:] {
		start = math.Min(start, c.StartSeconds)
		end = math.Max(end, c.EndSeconds)
	}
	return start, end
}
