// Package engine orchestrates one pipeline run per video: fetch, strategy
// selection, chunked transcription when needed, synthesis, and emission of
// the final answer, with per-job cancellation.
package engine

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
	"github.com/AmanK-tech/TubeAgent/internal/config"
	"github.com/AmanK-tech/TubeAgent/internal/jobs"
	"github.com/AmanK-tech/TubeAgent/internal/logging"
	"github.com/AmanK-tech/TubeAgent/internal/manifest"
	"github.com/AmanK-tech/TubeAgent/internal/media"
	"github.com/AmanK-tech/TubeAgent/internal/plan"
	"github.com/AmanK-tech/TubeAgent/internal/progress"
	"github.com/AmanK-tech/TubeAgent/internal/source"
	"github.com/AmanK-tech/TubeAgent/internal/summarize"
	"github.com/AmanK-tech/TubeAgent/internal/transcribe"
)

// ErrJobRunning is returned when a job for the same source is in flight.
var ErrJobRunning = errors.New("job already running")

// ErrJobNotFound is returned for operations on unknown jobs.
var ErrJobNotFound = errors.New("job not found")

// SubmitRequest starts one pipeline run.
type SubmitRequest struct {
	SourceURI string
	Question  string
}

// Engine wires the pipeline components together and tracks running jobs.
type Engine struct {
	repo       jobs.Repository
	store      *manifest.FileStore
	resolver   func(uri string) source.Resolver
	provider   asr.Provider
	ffmpeg     media.FFmpeg
	summarizer *summarize.Summarizer
	pipe       config.Pipeline
	logger     *slog.Logger

	mu      sync.Mutex
	running map[string]*runningJob
}

type runningJob struct {
	cancel  context.CancelFunc
	tracker *progress.Tracker
}

// Options collects the engine's collaborators.
type Options struct {
	Repo     jobs.Repository
	Store    *manifest.FileStore
	Resolver func(uri string) source.Resolver
	Provider asr.Provider
	FFmpeg   media.FFmpeg
	Pipeline config.Pipeline
	Logger   *slog.Logger
}

func New(opts Options) *Engine {
	e := &Engine{
		repo:     opts.Repo,
		store:    opts.Store,
		resolver: opts.Resolver,
		provider: opts.Provider,
		ffmpeg:   opts.FFmpeg,
		pipe:     opts.Pipeline,
		logger:   opts.Logger,
		running:  make(map[string]*runningJob),
	}
	e.summarizer = summarize.NewSummarizer(opts.Provider, opts.Store, summarize.Config{
		MaxAttempts: opts.Pipeline.MaxAttempts,
		BackoffBase: opts.Pipeline.BackoffBase(),
		BackoffMax:  opts.Pipeline.BackoffMax(),
	}, logging.WithComponent(opts.Logger, "summarize"))
	return e
}

// Submit registers the job and starts the pipeline asynchronously. The job ID
// is derived from the source URI, so a repeat request reuses the same cached
// manifest and artifacts.
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	jobID := jobs.DeriveID(req.SourceURI)

	e.mu.Lock()
	if _, ok := e.running[jobID]; ok {
		e.mu.Unlock()
		return jobID, ErrJobRunning
	}

	tracker := progress.NewTracker(jobID)
	runCtx, cancel := context.WithCancel(context.Background())
	e.running[jobID] = &runningJob{cancel: cancel, tracker: tracker}
	e.mu.Unlock()

	if err := e.upsertJob(ctx, jobID, req); err != nil {
		e.finishRun(jobID)
		cancel()
		return "", fmt.Errorf("register job: %w", err)
	}

	go e.run(runCtx, jobID, req, tracker)
	return jobID, nil
}

func (e *Engine) upsertJob(ctx context.Context, jobID string, req SubmitRequest) error {
	existing, err := e.repo.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if existing != nil {
		return e.repo.UpdateJobStatus(ctx, jobID, jobs.StatusRunning, "")
	}
	now := time.Now().UTC()
	return e.repo.CreateJob(ctx, &jobs.Job{
		ID:        jobID,
		SourceURI: req.SourceURI,
		Question:  req.Question,
		Status:    jobs.StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	})
}

// Cancel stops submission of new chunk work for the job immediately.
// In-flight provider calls are abandoned; the manifest stays resumable.
func (e *Engine) Cancel(jobID string) error {
	e.mu.Lock()
	rj, ok := e.running[jobID]
	e.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	rj.cancel()
	return nil
}

// Tracker returns the progress tracker of a running job, or nil.
func (e *Engine) Tracker(jobID string) *progress.Tracker {
	e.mu.Lock()
	defer e.mu.Unlock()
	if rj, ok := e.running[jobID]; ok {
		return rj.tracker
	}
	return nil
}

// Manifest returns a job's manifest for inspection and resumption.
func (e *Engine) Manifest(ctx context.Context, jobID string) (*manifest.Manifest, error) {
	m, err := e.store.Read(ctx, jobID)
	if errors.Is(err, manifest.ErrNotFound) {
		return nil, ErrJobNotFound
	}
	return m, err
}

func (e *Engine) finishRun(jobID string) {
	e.mu.Lock()
	delete(e.running, jobID)
	e.mu.Unlock()
}

func (e *Engine) run(ctx context.Context, jobID string, req SubmitRequest, tracker *progress.Tracker) {
	logger := logging.WithJobID(e.logger, jobID)
	defer func() {
		e.finishRun(jobID)
		// Give subscribers a moment to drain the terminal event.
		go func() {
			time.Sleep(2 * time.Second)
			tracker.Close()
		}()
	}()

	answer, err := e.execute(ctx, jobID, req, tracker, logger)
	bg := context.Background()

	switch {
	case err == nil:
		if uerr := e.repo.UpdateJobStatus(bg, jobID, jobs.StatusCompleted, ""); uerr != nil {
			logger.Error("failed to mark job completed", "error", uerr)
		}
		tracker.Finish(answer)
		logger.Info("job completed")
	case ctx.Err() != nil:
		if uerr := e.repo.UpdateJobStatus(bg, jobID, jobs.StatusCancelled, "cancelled"); uerr != nil {
			logger.Error("failed to mark job cancelled", "error", uerr)
		}
		tracker.FinishError("job cancelled")
		logger.Info("job cancelled")
	default:
		if uerr := e.repo.UpdateJobStatus(bg, jobID, jobs.StatusFailed, err.Error()); uerr != nil {
			logger.Error("failed to mark job failed", "error", uerr)
		}
		tracker.FinishError(err.Error())
		logger.Error("job failed", "error", err)
	}
}

// execute runs the pipeline stages and returns the final answer.
func (e *Engine) execute(ctx context.Context, jobID string, req SubmitRequest, tracker *progress.Tracker, logger *slog.Logger) (string, error) {
	tracker.Begin(progress.StepFetch)
	med, err := e.resolver(req.SourceURI).Resolve(ctx, req.SourceURI)
	if err != nil {
		tracker.Fail(progress.StepFetch, err.Error())
		return "", fmt.Errorf("fetch source: %w", err)
	}
	tracker.Done(progress.StepFetch, fmt.Sprintf("duration %.0fs", med.DurationSeconds))

	if err := e.repo.UpdateJobMedia(ctx, jobID, med.Title, med.DurationSeconds); err != nil {
		logger.Warn("failed to record media metadata", "error", err)
	}

	strategy := summarize.SelectStrategy(med.DurationSeconds, e.pipe.DirectThresholdMinutes)
	if err := e.repo.UpdateJobStrategy(ctx, jobID, strategy); err != nil {
		logger.Warn("failed to record strategy", "error", err)
	}
	logger.Info("strategy selected", "strategy", strategy, "duration_s", med.DurationSeconds)

	question := req.Question

	if strategy == manifest.StrategyDirect {
		tracker.Begin(progress.StepSummariseDirect)
		answer, derr := e.summarizer.Direct(ctx, req.SourceURI, question)
		if derr == nil {
			// Record the decision so inspection shows how the answer was made.
			if _, _, merr := e.store.LoadOrCreate(ctx, manifest.Manifest{
				JobID:     jobID,
				SourceURI: req.SourceURI,
				Duration:  med.DurationSeconds,
				Strategy:  manifest.StrategyDirect,
			}); merr != nil {
				logger.Warn("failed to persist direct manifest", "error", merr)
			}
			tracker.Done(progress.StepSummariseDirect, "")
			return e.emit(ctx, jobID, answer, tracker)
		}
		if ctx.Err() != nil {
			return "", derr
		}
		// Cross-cutting fallback: any direct failure routes the same job
		// through the chunked pipeline instead of failing the request.
		tracker.Fail(progress.StepSummariseDirect, derr.Error())
		logger.Warn("direct synthesis failed, falling back to chunked pipeline", "error", derr)
	}

	answer, err := e.runChunked(ctx, jobID, med, question, tracker, logger)
	if err != nil {
		return "", err
	}
	return e.emit(ctx, jobID, answer, tracker)
}

func (e *Engine) runChunked(ctx context.Context, jobID string, med *source.Media, question string, tracker *progress.Tracker, logger *slog.Logger) (string, error) {
	jobDir := e.store.JobDir(jobID)

	tracker.Begin(progress.StepExtract)
	chunkPlan, err := plan.Compute(med.DurationSeconds, e.pipe.TargetChunkSeconds, e.pipe.OverlapSeconds)
	if err != nil {
		tracker.Fail(progress.StepExtract, err.Error())
		return "", fmt.Errorf("plan chunks: %w", err)
	}

	m, reused, err := e.store.LoadOrCreate(ctx, manifest.Manifest{
		JobID:     jobID,
		SourceURI: med.SourceURI,
		Duration:  med.DurationSeconds,
		Strategy:  manifest.StrategyMapReduce,
		Chunks:    chunkPlan,
	})
	if err != nil {
		tracker.Fail(progress.StepExtract, err.Error())
		return "", fmt.Errorf("load or create manifest: %w", err)
	}
	if reused {
		logger.Info("reusing existing manifest", "chunks", len(m.Chunks), "remaining", m.Remaining())
	}
	if m.Strategy != manifest.StrategyMapReduce {
		if err := e.store.SetStrategy(ctx, jobID, manifest.StrategyMapReduce); err != nil {
			logger.Warn("failed to record strategy in manifest", "error", err)
		}
	}

	audioPath := filepath.Join(jobDir, "audio.wav")
	if _, serr := os.Stat(audioPath); serr != nil {
		if err := e.ffmpeg.ExtractAudio(ctx, med.LocalPath, audioPath); err != nil {
			tracker.Fail(progress.StepExtract, err.Error())
			return "", fmt.Errorf("extract audio: %w", err)
		}
	}
	tracker.Done(progress.StepExtract, fmt.Sprintf("%d chunks", len(m.Chunks)))

	tracker.Begin(progress.StepTranscribe)
	sched := transcribe.NewScheduler(e.store, e.provider, e.ffmpeg, transcribe.Config{
		Concurrency:       e.pipe.Concurrency,
		MaxAttempts:       e.pipe.MaxAttempts,
		BackoffBase:       e.pipe.BackoffBase(),
		BackoffMax:        e.pipe.BackoffMax(),
		TimeoutFactor:     e.pipe.TimeoutFactor,
		TimeoutMin:        e.pipe.TimeoutMin(),
		SubChunkSeconds:   e.pipe.SubChunkSeconds,
		ResplitMinSeconds: e.pipe.ResplitMinSeconds,
		OverlapSeconds:    e.pipe.OverlapSeconds,
		WithSummaries:     true,
		Question:          question,
	}, logging.WithComponent(e.logger, "transcribe"))

	result, err := sched.Run(ctx, transcribe.Job{ID: jobID, AudioPath: audioPath, Dir: jobDir})
	if err != nil {
		tracker.Fail(progress.StepTranscribe, err.Error())
		return "", fmt.Errorf("transcribe chunks: %w", err)
	}
	if result.Transcript == "" {
		tracker.Fail(progress.StepTranscribe, "no chunks transcribed")
		return "", transcribe.ErrNoChunksDone
	}

	note := ""
	if len(result.Failed) > 0 {
		// Partial-failure tolerance: completed siblings still feed synthesis,
		// but the missing regions are surfaced.
		note = fmt.Sprintf("%d region(s) failed: %s", len(result.Failed), joinKeys(result.Failed))
		logger.Warn("transcription finished with failed regions", "failed", note)
	}
	tracker.Done(progress.StepTranscribe, note)

	tracker.Begin(progress.StepSummariseMapReduce)
	answer, err := e.summarizer.MapReduce(ctx, jobID, jobDir, question)
	if err != nil {
		tracker.Fail(progress.StepSummariseMapReduce, err.Error())
		return "", fmt.Errorf("map-reduce synthesis: %w", err)
	}
	tracker.Done(progress.StepSummariseMapReduce, "")

	if note != "" {
		answer += "\n\n_Note: some regions of the video could not be transcribed (" + note + ")._"
	}
	return answer, nil
}

// emit writes the final answer artifact and records its path.
func (e *Engine) emit(ctx context.Context, jobID, answer string, tracker *progress.Tracker) (string, error) {
	tracker.Begin(progress.StepEmit)

	answerPath := filepath.Join(e.store.JobDir(jobID), "answer.md")
	if err := os.MkdirAll(filepath.Dir(answerPath), 0755); err != nil {
		tracker.Fail(progress.StepEmit, err.Error())
		return "", fmt.Errorf("create job dir: %w", err)
	}
	if err := os.WriteFile(answerPath, []byte(strings.TrimSpace(answer)+"\n"), 0644); err != nil {
		tracker.Fail(progress.StepEmit, err.Error())
		return "", fmt.Errorf("write answer: %w", err)
	}
	if err := e.repo.UpdateJobAnswer(ctx, jobID, answerPath); err != nil {
		e.logger.Warn("failed to record answer path", "job_id", jobID, "error", err)
	}

	tracker.Done(progress.StepEmit, answerPath)
	return answer, nil
}

func joinKeys(keys []plan.Key) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k.String()
	}
	return strings.Join(parts, ", ")
}
