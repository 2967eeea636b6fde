// Package transcribe executes the ASR call for every pending chunk under a
// bounded concurrency limit, with per-call timeouts, retry with exponential
// backoff, and re-splitting of chunks that keep failing transiently.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/AmanK-tech/TubeAgent/internal/asr"
	"github.com/AmanK-tech/TubeAgent/internal/logging"
	"github.com/AmanK-tech/TubeAgent/internal/manifest"
	"github.com/AmanK-tech/TubeAgent/internal/media"
	"github.com/AmanK-tech/TubeAgent/internal/plan"
)

// Config holds the scheduler's tuning constants.
type Config struct {
	Concurrency       int
	MaxAttempts       int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	TimeoutFactor     float64
	TimeoutMin        time.Duration
	SubChunkSeconds   float64
	ResplitMinSeconds float64
	OverlapSeconds    float64

	Language      string
	WithSummaries bool
	Question      string
}

// Job is the unit the scheduler runs: a manifest-backed chunk plan plus the
// extracted source audio.
type Job struct {
	ID        string
	AudioPath string
	Dir       string
}

// Result is the outcome of a scheduler run.
type Result struct {
	// Transcript is the ordered concatenation of all done chunk transcripts.
	Transcript string
	// Failed lists chunks that exhausted every recovery path. Siblings still
	// completed; the covered regions are simply missing from the transcript.
	Failed []plan.Key
}

// Scheduler drives chunk transcription against the manifest store.
type Scheduler struct {
	store    manifest.Store
	provider asr.Provider
	ffmpeg   media.FFmpeg
	cfg      Config
	logger   *slog.Logger

	// sleep is swapped out in tests to avoid real backoff delays.
	sleep func(ctx context.Context, d time.Duration) error

	// OnChunkDone, when set, is called after every chunk reaches a terminal
	// state with the counts of terminal and total chunks.
	OnChunkDone func(terminal, total int)
}

func NewScheduler(store manifest.Store, provider asr.Provider, ffmpeg media.FFmpeg, cfg Config, logger *slog.Logger) *Scheduler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Scheduler{
		store:    store,
		provider: provider,
		ffmpeg:   ffmpeg,
		cfg:      cfg,
		logger:   logger,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run transcribes every schedulable chunk and assembles the combined
// transcript in canonical order. Chunks already done are never re-submitted.
// A cancelled context stops new submissions immediately; chunks not yet done
// stay pending/running in the manifest and are safely resumable.
func (s *Scheduler) Run(ctx context.Context, job Job) (*Result, error) {
	// Passes repeat because a re-split inserts fresh pending children.
	for {
		m, err := s.store.Read(ctx, job.ID)
		if err != nil {
			return nil, fmt.Errorf("read manifest: %w", err)
		}

		var batch []plan.ChunkSpec
		for _, c := range m.Chunks {
			// A chunk left running by a crash or cancellation is schedulable.
			if c.Status == plan.StatusPending || c.Status == plan.StatusRunning {
				batch = append(batch, c)
			}
		}
		if len(batch) == 0 {
			break
		}

		if err := s.runPass(ctx, job, batch, len(m.Chunks)); err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	return s.collect(ctx, job)
}

// runPass executes one batch of chunks under the concurrency limit. A chunk
// whose manifest updates cannot be persisted fails the whole pass; leaving it
// pending would just re-schedule it against the same broken store.
func (s *Scheduler) runPass(ctx context.Context, job Job, batch []plan.ChunkSpec, total int) error {
	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup
	var errMu sync.Mutex
	var firstErr error

	for _, c := range batch {
		select {
		case <-ctx.Done():
			wg.Wait()
			return firstErr
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(c plan.ChunkSpec) {
			defer wg.Done()
			defer func() { <-sem }()

			if err := s.processChunk(ctx, job, c); err != nil {
				errMu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				errMu.Unlock()
			}
			if s.OnChunkDone != nil {
				if m, err := s.store.Read(ctx, job.ID); err == nil {
					terminal := 0
					for _, mc := range m.Chunks {
						if mc.Status == plan.StatusDone || mc.Status == plan.StatusFailed {
							terminal++
						}
					}
					s.OnChunkDone(terminal, len(m.Chunks))
				}
			}
		}(c)
	}

	wg.Wait()
	return firstErr
}

// processChunk runs the full per-chunk algorithm: materialize audio, mark
// running, call the provider with retry/backoff, then either persist the
// transcript, re-split, or mark the chunk failed. The returned error is
// non-nil only for manifest storage failures, which are fatal for the job.
func (s *Scheduler) processChunk(ctx context.Context, job Job, c plan.ChunkSpec) error {
	logger := logging.WithChunk(logging.WithJobID(s.logger, job.ID), c.Index, c.SubIndex)

	audioPath, err := s.ensureArtifact(ctx, job, &c)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		logger.Error("chunk audio materialization failed", "error", err)
		return s.markFailed(ctx, job.ID, c.Key(), fmt.Sprintf("materialize audio: %v", err))
	}

	attempts := c.AttemptCount
	for {
		if ctx.Err() != nil {
			return nil
		}

		attempts++
		if _, err := s.store.MarkChunk(ctx, job.ID, c.Key(), func(cs *plan.ChunkSpec) {
			cs.Status = plan.StatusRunning
			cs.MediaPath = audioPath
			cs.AttemptCount = attempts
		}); err != nil {
			logger.Error("manifest update failed", "error", err)
			return fmt.Errorf("mark chunk %s running: %w", c.Key(), err)
		}

		result, err := s.transcribeOnce(ctx, c, audioPath)
		if err == nil {
			if err := s.persistSuccess(ctx, job, c, result); err != nil {
				logger.Error("persisting chunk transcript failed", "error", err)
				return s.markFailed(ctx, job.ID, c.Key(), fmt.Sprintf("persist transcript: %v", err))
			}
			return nil
		}
		if ctx.Err() != nil {
			// Cancelled mid-call; leave the chunk running for resume.
			return nil
		}

		kind := asr.Classify(err)
		logger.Warn("chunk transcription attempt failed",
			"attempt", attempts,
			"kind", kind.String(),
			"error", err,
		)

		if kind == asr.KindFatal {
			return s.markFailed(ctx, job.ID, c.Key(), err.Error())
		}

		if attempts >= s.cfg.MaxAttempts {
			return s.escalate(ctx, job, c, err, logger)
		}

		if serr := s.sleep(ctx, s.backoff(attempts)); serr != nil {
			return nil
		}
	}
}

// escalate handles a chunk that exhausted its transient retries: re-split
// when the span allows it, otherwise surface the failure for this region
// without aborting siblings.
func (s *Scheduler) escalate(ctx context.Context, job Job, c plan.ChunkSpec, cause error, logger *slog.Logger) error {
	if c.Span() > s.cfg.ResplitMinSeconds && c.SubIndex == 0 {
		children, err := plan.Resplit(c, s.cfg.SubChunkSeconds, s.cfg.OverlapSeconds)
		if err == nil {
			if _, rerr := s.store.ReplaceChunk(ctx, job.ID, c.Key(), children); rerr == nil {
				logger.Info("re-split failed chunk", "children", len(children), "cause", cause.Error())
				return nil
			} else {
				err = rerr
			}
		}
		logger.Error("re-split failed, marking chunk failed", "error", err)
	}
	return s.markFailed(ctx, job.ID, c.Key(), fmt.Sprintf("retries exhausted: %v", cause))
}

func (s *Scheduler) transcribeOnce(ctx context.Context, c plan.ChunkSpec, audioPath string) (*asr.TranscribeResult, error) {
	timeout := time.Duration(c.Span() * s.cfg.TimeoutFactor * float64(time.Second))
	if timeout < s.cfg.TimeoutMin {
		timeout = s.cfg.TimeoutMin
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return s.provider.Transcribe(callCtx, asr.TranscribeRequest{
		AudioPath:    audioPath,
		Language:     s.cfg.Language,
		StartSeconds: c.StartSeconds,
		EndSeconds:   c.EndSeconds,
		WithSummary:  s.cfg.WithSummaries,
		Question:     s.cfg.Question,
	})
}

// ensureArtifact cuts the chunk's audio window out of the job's extracted
// audio unless a previous run already materialized it.
func (s *Scheduler) ensureArtifact(ctx context.Context, job Job, c *plan.ChunkSpec) (string, error) {
	if c.MediaPath != "" {
		if _, err := os.Stat(c.MediaPath); err == nil {
			return c.MediaPath, nil
		}
	}

	out := filepath.Join(job.Dir, "chunks", fmt.Sprintf("chunk_%s.wav", c.Key()))
	if _, err := os.Stat(out); err == nil {
		return out, nil
	}
	if err := s.ffmpeg.Cut(ctx, job.AudioPath, out, c.StartSeconds, c.EndSeconds); err != nil {
		return "", err
	}
	return out, nil
}

func (s *Scheduler) persistSuccess(ctx context.Context, job Job, c plan.ChunkSpec, result *asr.TranscribeResult) error {
	transcriptPath := filepath.Join(job.Dir, "transcripts", fmt.Sprintf("chunk_%s.txt", c.Key()))
	if err := writeFile(transcriptPath, result.Text); err != nil {
		return err
	}

	summaryPath := ""
	if result.Summary != "" {
		summaryPath = filepath.Join(job.Dir, "summaries", fmt.Sprintf("chunk_%s.txt", c.Key()))
		if err := writeFile(summaryPath, result.Summary); err != nil {
			return err
		}
	}

	_, err := s.store.MarkChunk(ctx, job.ID, c.Key(), func(cs *plan.ChunkSpec) {
		cs.Status = plan.StatusDone
		cs.TranscriptPath = transcriptPath
		cs.SummaryPath = summaryPath
		if summaryPath != "" {
			cs.SummaryQuestion = manifest.QuestionFingerprint(s.cfg.Question)
		}
		cs.Error = ""
	})
	return err
}

// markFailed records a chunk's terminal failure. Its own store error is fatal
// for the job: a chunk that cannot be marked failed would be re-scheduled on
// the next pass.
func (s *Scheduler) markFailed(ctx context.Context, jobID string, key plan.Key, reason string) error {
	if _, err := s.store.MarkChunk(ctx, jobID, key, func(cs *plan.ChunkSpec) {
		cs.Status = plan.StatusFailed
		cs.Error = reason
	}); err != nil {
		s.logger.Error("marking chunk failed did not persist", "job_id", jobID, "chunk", key.String(), "error", err)
		return fmt.Errorf("mark chunk %s failed: %w", key, err)
	}
	return nil
}

func (s *Scheduler) backoff(attempt int) time.Duration {
	d := s.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= s.cfg.BackoffMax {
			return s.cfg.BackoffMax
		}
	}
	if d > s.cfg.BackoffMax {
		d = s.cfg.BackoffMax
	}
	return d
}

// collect assembles the ordered combined transcript from all done chunks.
// Ordering is by (Index, SubIndex), never by completion order.
func (s *Scheduler) collect(ctx context.Context, job Job) (*Result, error) {
	m, err := s.store.Read(ctx, job.ID)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var parts []string
	for _, c := range m.DoneChunks() {
		data, err := os.ReadFile(c.TranscriptPath)
		if err != nil {
			return nil, fmt.Errorf("read transcript for chunk %s: %w", c.Key(), err)
		}
		if text := strings.TrimSpace(string(data)); text != "" {
			parts = append(parts, text)
		}
	}

	result := &Result{Transcript: strings.Join(parts, "\n\n")}
	for _, c := range m.Chunks {
		// Re-split parents carry failed status; only leaves count here.
		if c.Status == plan.StatusFailed && !hasChildren(m.Chunks, c) {
			result.Failed = append(result.Failed, c.Key())
		}
	}
	return result, nil
}

func hasChildren(chunks []plan.ChunkSpec, parent plan.ChunkSpec) bool {
	if parent.SubIndex != 0 {
		return false
	}
	for _, c := range chunks {
		if c.Index == parent.Index && c.SubIndex > 0 {
			return true
		}
	}
	return false
}

func writeFile(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0644)
}

// ErrNoChunksDone reports a run where not a single chunk succeeded.
var ErrNoChunksDone = errors.New("no chunks transcribed successfully")
