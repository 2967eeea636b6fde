package transcribe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/AmanK-tech/TubeAgent/internal/asr"
	"github.com/AmanK-tech/TubeAgent/internal/manifest"
	"github.com/AmanK-tech/TubeAgent/internal/media"
	"github.com/AmanK-tech/TubeAgent/internal/plan"
)

type fakeProvider struct {
	transcribeFn func(ctx context.Context, req asr.TranscribeRequest) (*asr.TranscribeResult, error)
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) Transcribe(ctx context.Context, req asr.TranscribeRequest) (*asr.TranscribeResult, error) {
	return p.transcribeFn(ctx, req)
}

func (p *fakeProvider) Complete(ctx context.Context, req asr.CompleteRequest) (string, error) {
	return "", errors.New("not implemented")
}

func (p *fakeProvider) Direct(ctx context.Context, req asr.DirectRequest) (string, error) {
	return "", asr.ErrDirectUnsupported
}

type fakeFFmpeg struct {
	cuts atomic.Int64
}

func (f *fakeFFmpeg) Probe(ctx context.Context, path string) (*media.ProbeResult, error) {
	return &media.ProbeResult{DurationSeconds: 3600}, nil
}

func (f *fakeFFmpeg) ExtractAudio(ctx context.Context, inputPath, outputPath string) error {
	return os.WriteFile(outputPath, []byte("wav"), 0644)
}

func (f *fakeFFmpeg) Cut(ctx context.Context, inputPath, outputPath string, startSeconds, endSeconds float64) error {
	f.cuts.Add(1)
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(outputPath, []byte("wav"), 0644)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		Concurrency:       2,
		MaxAttempts:       3,
		BackoffBase:       time.Millisecond,
		BackoffMax:        4 * time.Millisecond,
		TimeoutFactor:     1.5,
		TimeoutMin:        time.Minute,
		SubChunkSeconds:   1200,
		ResplitMinSeconds: 300,
		OverlapSeconds:    2,
	}
}

// newTestJob seeds a manifest from a chunk plan and returns the job and store.
func newTestJob(t *testing.T, duration, target float64) (*manifest.FileStore, Job) {
	t.Helper()
	store := manifest.NewFileStore(t.TempDir(), 3, testLogger())

	chunks, err := plan.Compute(duration, target, 2)
	if err != nil {
		t.Fatal(err)
	}
	m := manifest.Manifest{
		JobID:    "job1",
		Duration: duration,
		Chunks:   chunks,
	}
	if _, _, err := store.LoadOrCreate(context.Background(), m); err != nil {
		t.Fatal(err)
	}

	job := Job{ID: "job1", Dir: store.JobDir("job1"), AudioPath: filepath.Join(store.JobDir("job1"), "audio.wav")}
	if err := os.WriteFile(job.AudioPath, []byte("wav"), 0644); err != nil {
		t.Fatal(err)
	}
	return store, job
}

func newTestScheduler(store manifest.Store, provider asr.Provider, cfg Config) *Scheduler {
	s := NewScheduler(store, provider, &fakeFFmpeg{}, cfg, testLogger())
	s.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return s
}

func TestRun_TranscribesAllChunksInOrder(t *testing.T) {
	store, job := newTestJob(t, 5400, 1800) // three chunks

	provider := &fakeProvider{
		transcribeFn: func(ctx context.Context, req asr.TranscribeRequest) (*asr.TranscribeResult, error) {
			// Finish later chunks first so assembly order cannot ride on
			// completion order.
			time.Sleep(time.Duration(5400-req.StartSeconds) * time.Microsecond)
			return &asr.TranscribeResult{Text: fmt.Sprintf("segment starting at %.0f", req.StartSeconds)}, nil
		},
	}

	s := newTestScheduler(store, provider, testConfig())
	result, err := s.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(result.Failed) != 0 {
		t.Errorf("failed chunks: %v", result.Failed)
	}

	parts := strings.Split(result.Transcript, "\n\n")
	if len(parts) != 3 {
		t.Fatalf("got %d transcript parts, want 3", len(parts))
	}
	var prev float64 = -1
	for _, p := range parts {
		var start float64
		if _, err := fmt.Sscanf(p, "segment starting at %f", &start); err != nil {
			t.Fatalf("unexpected part %q", p)
		}
		if start <= prev {
			t.Errorf("transcript out of order: %g after %g", start, prev)
		}
		prev = start
	}

	m, err := store.Read(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range m.Chunks {
		if c.Status != plan.StatusDone {
			t.Errorf("chunk %s status = %q, want done", c.Key(), c.Status)
		}
		if c.AttemptCount != 1 {
			t.Errorf("chunk %s attempt_count = %d, want 1", c.Key(), c.AttemptCount)
		}
	}
}

func TestRun_ConcurrencyNeverExceedsLimit(t *testing.T) {
	store, job := newTestJob(t, 7200, 1500) // five chunks

	var inFlight, peak atomic.Int64
	provider := &fakeProvider{
		transcribeFn: func(ctx context.Context, req asr.TranscribeRequest) (*asr.TranscribeResult, error) {
			n := inFlight.Add(1)
			defer inFlight.Add(-1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			return &asr.TranscribeResult{Text: "ok"}, nil
		},
	}

	cfg := testConfig()
	cfg.Concurrency = 2
	s := newTestScheduler(store, provider, cfg)
	if _, err := s.Run(context.Background(), job); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", got)
	}
}

func TestRun_TransientFailureRetriesThenSucceeds(t *testing.T) {
	store, job := newTestJob(t, 900, 1800) // single chunk

	var calls atomic.Int64
	provider := &fakeProvider{
		transcribeFn: func(ctx context.Context, req asr.TranscribeRequest) (*asr.TranscribeResult, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("quota exceeded, retry later")
			}
			return &asr.TranscribeResult{Text: "recovered"}, nil
		},
	}

	s := newTestScheduler(store, provider, testConfig())
	result, err := s.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if result.Transcript != "recovered" {
		t.Errorf("transcript = %q", result.Transcript)
	}
	if calls.Load() != 3 {
		t.Errorf("provider calls = %d, want 3", calls.Load())
	}

	m, _ := store.Read(context.Background(), job.ID)
	c := m.Chunk(plan.Key{Index: 0})
	if c.Status != plan.StatusDone {
		t.Errorf("status = %q, want done", c.Status)
	}
	if c.AttemptCount != 3 {
		t.Errorf("attempt_count = %d, want 3", c.AttemptCount)
	}
}

func TestRun_FatalFailureNeverRetries(t *testing.T) {
	store, job := newTestJob(t, 900, 1800)

	var calls atomic.Int64
	provider := &fakeProvider{
		transcribeFn: func(ctx context.Context, req asr.TranscribeRequest) (*asr.TranscribeResult, error) {
			calls.Add(1)
			return nil, errors.New("unsupported audio codec")
		},
	}

	s := newTestScheduler(store, provider, testConfig())
	_, err := s.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("provider calls = %d, want 1", calls.Load())
	}

	m, _ := store.Read(context.Background(), job.ID)
	c := m.Chunk(plan.Key{Index: 0})
	if c.Status != plan.StatusFailed {
		t.Errorf("status = %q, want failed", c.Status)
	}
	if c.Error == "" {
		t.Error("failed chunk has no recorded error")
	}
}

func TestRun_ExhaustedRetriesTriggerResplit(t *testing.T) {
	store, job := newTestJob(t, 1800, 1800) // one chunk of 1800s, above resplit minimum

	provider := &fakeProvider{
		transcribeFn: func(ctx context.Context, req asr.TranscribeRequest) (*asr.TranscribeResult, error) {
			// The full-span chunk always fails transiently; its halves succeed.
			if req.EndSeconds-req.StartSeconds > 1000 {
				return nil, errors.New("rate limit hit")
			}
			return &asr.TranscribeResult{Text: fmt.Sprintf("sub %.0f", req.StartSeconds)}, nil
		},
	}

	s := newTestScheduler(store, provider, testConfig())
	result, err := s.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if len(result.Failed) != 0 {
		t.Errorf("failed chunks: %v", result.Failed)
	}

	m, _ := store.Read(context.Background(), job.ID)
	parent := m.Chunk(plan.Key{Index: 0})
	if parent.Status != plan.StatusFailed {
		t.Errorf("parent status = %q, want failed", parent.Status)
	}
	var children int
	for _, c := range m.Chunks {
		if c.SubIndex > 0 {
			children++
			if c.Status != plan.StatusDone {
				t.Errorf("child %s status = %q, want done", c.Key(), c.Status)
			}
		}
	}
	if children != 2 {
		t.Errorf("children = %d, want 2", children)
	}
	if !strings.Contains(result.Transcript, "sub 0") {
		t.Errorf("transcript missing child output: %q", result.Transcript)
	}
}

func TestRun_ChildFailureDoesNotResplitAgain(t *testing.T) {
	store, job := newTestJob(t, 1800, 1800)

	provider := &fakeProvider{
		transcribeFn: func(ctx context.Context, req asr.TranscribeRequest) (*asr.TranscribeResult, error) {
			return nil, errors.New("rate limit hit")
		},
	}

	s := newTestScheduler(store, provider, testConfig())
	result, err := s.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	m, _ := store.Read(context.Background(), job.ID)
	// One parent plus one level of children; children must not re-split.
	if len(m.Chunks) != 3 {
		t.Fatalf("chunk count = %d, want 3", len(m.Chunks))
	}
	for _, c := range m.Chunks {
		if c.Status != plan.StatusFailed {
			t.Errorf("chunk %s status = %q, want failed", c.Key(), c.Status)
		}
	}
	// Only the leaf children are reported; the re-split parent is covered.
	if len(result.Failed) != 2 {
		t.Errorf("failed = %v, want the two children", result.Failed)
	}
}

func TestRun_DoneChunksAreNeverResubmitted(t *testing.T) {
	store, job := newTestJob(t, 3600, 1800) // two chunks

	ctx := context.Background()
	transcriptPath := filepath.Join(job.Dir, "transcripts", "chunk_0.txt")
	if err := os.MkdirAll(filepath.Dir(transcriptPath), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(transcriptPath, []byte("already transcribed\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := store.MarkChunk(ctx, job.ID, plan.Key{Index: 0}, func(c *plan.ChunkSpec) {
		c.Status = plan.StatusDone
		c.TranscriptPath = transcriptPath
		c.AttemptCount = 1
	}); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var starts []float64
	provider := &fakeProvider{
		transcribeFn: func(ctx context.Context, req asr.TranscribeRequest) (*asr.TranscribeResult, error) {
			mu.Lock()
			starts = append(starts, req.StartSeconds)
			mu.Unlock()
			return &asr.TranscribeResult{Text: "fresh"}, nil
		},
	}

	s := newTestScheduler(store, provider, testConfig())
	result, err := s.Run(ctx, job)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}

	if len(starts) != 1 || starts[0] != 1798 {
		t.Errorf("provider called for %v, want only [1798]", starts)
	}
	if !strings.HasPrefix(result.Transcript, "already transcribed") {
		t.Errorf("transcript does not start with cached chunk: %q", result.Transcript)
	}
}

func TestRun_CancellationLeavesChunksResumable(t *testing.T) {
	store, job := newTestJob(t, 3600, 1800)

	ctx, cancel := context.WithCancel(context.Background())
	provider := &fakeProvider{
		transcribeFn: func(ctx context.Context, req asr.TranscribeRequest) (*asr.TranscribeResult, error) {
			cancel()
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	cfg := testConfig()
	cfg.Concurrency = 1
	s := newTestScheduler(store, provider, cfg)
	if _, err := s.Run(ctx, job); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}

	m, err := store.Read(context.Background(), job.ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range m.Chunks {
		if c.Status == plan.StatusDone || c.Status == plan.StatusFailed {
			t.Errorf("chunk %s reached terminal state %q after cancellation", c.Key(), c.Status)
		}
	}
}

func TestRun_ReusesMaterializedChunkAudio(t *testing.T) {
	store, job := newTestJob(t, 900, 1800)

	var calls atomic.Int64
	provider := &fakeProvider{
		transcribeFn: func(ctx context.Context, req asr.TranscribeRequest) (*asr.TranscribeResult, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("quota exceeded")
			}
			return &asr.TranscribeResult{Text: "ok"}, nil
		},
	}

	ff := &fakeFFmpeg{}
	s := NewScheduler(store, provider, ff, testConfig(), testLogger())
	s.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	if _, err := s.Run(context.Background(), job); err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if got := ff.cuts.Load(); got != 1 {
		t.Errorf("ffmpeg cut calls = %d, want 1", got)
	}
}

// brokenMarkStore delegates to a real store but refuses every chunk update,
// as a store on a failing disk would after its internal write retries.
type brokenMarkStore struct {
	manifest.Store
	reads atomic.Int64
}

func (s *brokenMarkStore) Read(ctx context.Context, jobID string) (*manifest.Manifest, error) {
	s.reads.Add(1)
	return s.Store.Read(ctx, jobID)
}

func (s *brokenMarkStore) MarkChunk(ctx context.Context, jobID string, key plan.Key, mutate func(*plan.ChunkSpec)) (*manifest.Manifest, error) {
	return nil, errors.New("disk full")
}

func TestRun_PersistentStoreErrorFailsRun(t *testing.T) {
	realStore, job := newTestJob(t, 900, 1800)
	store := &brokenMarkStore{Store: realStore}

	provider := &fakeProvider{
		transcribeFn: func(ctx context.Context, req asr.TranscribeRequest) (*asr.TranscribeResult, error) {
			return &asr.TranscribeResult{Text: "ok"}, nil
		},
	}

	s := newTestScheduler(store, provider, testConfig())
	done := make(chan error, 1)
	go func() {
		_, err := s.Run(context.Background(), job)
		done <- err
	}()

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "disk full") {
			t.Fatalf("Run error = %v, want wrapped store error", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run kept re-scheduling the chunk instead of failing")
	}

	// One scheduling pass, no retry loop against the broken store.
	if got := store.reads.Load(); got > 2 {
		t.Errorf("manifest reads = %d, want a single pass", got)
	}
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	s := &Scheduler{cfg: Config{BackoffBase: 2 * time.Second, BackoffMax: 60 * time.Second}}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{6, 60 * time.Second},
		{10, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := s.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %s, want %s", tt.attempt, got, tt.want)
		}
	}
}
