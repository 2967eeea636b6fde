// Package summarize chooses the synthesis strategy for a job and produces the
// final grounded answer, either with one direct call against the source or by
// map-reduce over per-chunk summaries.
package summarize

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AmanK-tech/TubeAgent/internal/asr"
	"github.com/AmanK-tech/TubeAgent/internal/manifest"
	"github.com/AmanK-tech/TubeAgent/internal/plan"
)

// SelectStrategy is a pure function of duration and the configured threshold:
// media at or under the threshold takes the cheap direct path, everything
// longer takes map-reduce. The choice is recorded once per job.
func SelectStrategy(durationSeconds float64, thresholdMinutes int) string {
	if durationSeconds <= float64(thresholdMinutes)*60 {
		return manifest.StrategyDirect
	}
	return manifest.StrategyMapReduce
}

// Config holds the summarizer's tuning constants.
type Config struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxTokens   int
}

// Summarizer issues the synthesis calls.
type Summarizer struct {
	provider asr.Provider
	store    manifest.Store
	cfg      Config
	logger   *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
}

func NewSummarizer(provider asr.Provider, store manifest.Store, cfg Config, logger *slog.Logger) *Summarizer {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Summarizer{
		provider: provider,
		store:    store,
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

// Direct performs the single synthesis call referencing the original media.
// Any failure here means the caller falls back to the chunked pipeline; it is
// never retried as a direct call.
func (s *Summarizer) Direct(ctx context.Context, sourceURI, question string) (string, error) {
	answer, err := s.provider.Direct(ctx, asr.DirectRequest{
		SourceURI: sourceURI,
		Question:  question,
	})
	if err != nil {
		return "", fmt.Errorf("direct synthesis: %w", err)
	}
	return answer, nil
}

// MapReduce ensures every done chunk has a summary, then issues exactly one
// reduction call over the concatenated summaries. The reduction is retried
// with backoff on transient errors; a fatal error fails the job while the
// chunk artifacts stay cached for the next request.
func (s *Summarizer) MapReduce(ctx context.Context, jobID, jobDir, question string) (string, error) {
	m, err := s.store.Read(ctx, jobID)
	if err != nil {
		return "", fmt.Errorf("read manifest: %w", err)
	}

	done := m.DoneChunks()
	if len(done) == 0 {
		return "", fmt.Errorf("no transcribed chunks to summarize")
	}

	// Summaries cached for an earlier question are stale for this one.
	qfp := manifest.QuestionFingerprint(question)
	generated := 0
	for _, c := range done {
		if c.SummaryPath != "" && c.SummaryQuestion == qfp {
			continue
		}
		if err := s.summarizeChunk(ctx, jobID, jobDir, c, question); err != nil {
			return "", err
		}
		generated++
	}
	if generated > 0 {
		s.logger.Info("generated missing chunk summaries", "job_id", jobID, "count", generated)
		if m, err = s.store.Read(ctx, jobID); err != nil {
			return "", fmt.Errorf("re-read manifest: %w", err)
		}
		done = m.DoneChunks()
	}

	prompt, err := s.reducePrompt(done, question)
	if err != nil {
		return "", err
	}

	return s.completeWithRetry(ctx, asr.CompleteRequest{
		System:    reduceSystem,
		Prompt:    prompt,
		MaxTokens: s.cfg.MaxTokens,
	})
}

// summarizeChunk produces and persists the summary for one chunk whose
// transcription call did not return one.
func (s *Summarizer) summarizeChunk(ctx context.Context, jobID, jobDir string, c plan.ChunkSpec, question string) error {
	data, err := os.ReadFile(c.TranscriptPath)
	if err != nil {
		return fmt.Errorf("read transcript for chunk %s: %w", c.Key(), err)
	}

	prompt := fmt.Sprintf("Transcript chunk (%s–%s)\nTranscript:\n%s",
		formatTimestamp(c.StartSeconds), formatTimestamp(c.EndSeconds), strings.TrimSpace(string(data)))
	if question != "" {
		prompt = "User request:\n" + question + "\n\n" + prompt
	}

	summary, err := s.completeWithRetry(ctx, asr.CompleteRequest{
		System: chunkSystem,
		Prompt: prompt,
	})
	if err != nil {
		return fmt.Errorf("summarize chunk %s: %w", c.Key(), err)
	}

	summaryPath := filepath.Join(jobDir, "summaries", fmt.Sprintf("chunk_%s.txt", c.Key()))
	if err := os.MkdirAll(filepath.Dir(summaryPath), 0755); err != nil {
		return err
	}
	if err := os.WriteFile(summaryPath, []byte(summary+"\n"), 0644); err != nil {
		return fmt.Errorf("write chunk summary: %w", err)
	}

	_, err = s.store.MarkChunk(ctx, jobID, c.Key(), func(cs *plan.ChunkSpec) {
		cs.SummaryPath = summaryPath
		cs.SummaryQuestion = manifest.QuestionFingerprint(question)
	})
	return err
}

func (s *Summarizer) completeWithRetry(ctx context.Context, req asr.CompleteRequest) (string, error) {
	var lastErr error
	delay := s.cfg.BackoffBase
	for attempt := 1; attempt <= s.cfg.MaxAttempts; attempt++ {
		answer, err := s.provider.Complete(ctx, req)
		if err == nil {
			return answer, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return "", err
		}
		if asr.Classify(err) == asr.KindFatal {
			return "", err
		}
		if attempt == s.cfg.MaxAttempts {
			break
		}
		s.logger.Warn("synthesis call failed, retrying", "attempt", attempt, "error", err)
		if serr := s.sleep(ctx, delay); serr != nil {
			return "", serr
		}
		delay *= 2
		if delay > s.cfg.BackoffMax {
			delay = s.cfg.BackoffMax
		}
	}
	return "", fmt.Errorf("synthesis failed after %d attempts: %w", s.cfg.MaxAttempts, lastErr)
}

// reducePrompt concatenates per-chunk summaries, not full transcripts, to
// bound the prompt size of the single reduction call.
func (s *Summarizer) reducePrompt(done []plan.ChunkSpec, question string) (string, error) {
	var b strings.Builder
	b.WriteString("User request:\n")
	if question != "" {
		b.WriteString(question)
	} else {
		b.WriteString("Summarize the video.")
	}
	b.WriteString("\n\nBelow are per-chunk summaries of the video in order.\n")
	b.WriteString("Use only information from these chunks; do not invent facts.\n\nCHUNKS:\n")

	for i, c := range done {
		summary := ""
		if c.SummaryPath != "" {
			data, err := os.ReadFile(c.SummaryPath)
			if err != nil {
				return "", fmt.Errorf("read summary for chunk %s: %w", c.Key(), err)
			}
			summary = strings.TrimSpace(string(data))
		}
		fmt.Fprintf(&b, "---\nChunk %d  [start=%s, end=%s]\n%s\n",
			i+1, formatTimestamp(c.StartSeconds), formatTimestamp(c.EndSeconds), summary)
	}

	return b.String(), nil
}

const chunkSystem = "You summarize transcript chunks of a longer video. Be concise, " +
	"keep concrete facts, names and numbers, and never invent content that is not " +
	"in the transcript."

const reduceSystem = "You synthesize one final answer from ordered chunk summaries " +
	"of a video. Ground every claim in the chunks, keep the answer coherent across " +
	"chunk boundaries, and reference timestamps where useful."

func formatTimestamp(seconds float64) string {
	total := int(seconds)
	h := total / 3600
	m := (total % 3600) / 60
	sec := total % 60
	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, m, sec)
	}
	return fmt.Sprintf("%02d:%02d", m, sec)
}
