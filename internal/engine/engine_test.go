package engine

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
	"testing"
	"time"

	"github.com/AmanK-tech/TubeAgent/internal/asr"
	"github.com/AmanK-tech/TubeAgent/internal/config"
	"github.com/AmanK-tech/TubeAgent/internal/jobs"
	"github.com/AmanK-tech/TubeAgent/internal/manifest"
	"github.com/AmanK-tech/TubeAgent/internal/media"
	"github.com/AmanK-tech/TubeAgent/internal/source"
)

type memRepo struct {
	mu     sync.Mutex
	jobs   map[string]*jobs.Job
	config map[string]string
}

func newMemRepo() *memRepo {
	return &memRepo{jobs: make(map[string]*jobs.Job), config: make(map[string]string)}
}

func (r *memRepo) CreateJob(ctx context.Context, j *jobs.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *j
	r.jobs[j.ID] = &copied
	return nil
}

func (r *memRepo) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, nil
	}
	copied := *j
	return &copied, nil
}

func (r *memRepo) ListJobs(ctx context.Context, limit int) ([]*jobs.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*jobs.Job
	for _, j := range r.jobs {
		copied := *j
		out = append(out, &copied)
	}
	return out, nil
}

func (r *memRepo) UpdateJobStatus(ctx context.Context, id, status, errorMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		j.Status = status
		j.Error = errorMsg
	}
	return nil
}

func (r *memRepo) UpdateJobMedia(ctx context.Context, id, title string, durationSeconds float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		j.Title = title
		j.DurationS = durationSeconds
	}
	return nil
}

func (r *memRepo) UpdateJobStrategy(ctx context.Context, id, strategy string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		j.Strategy = strategy
	}
	return nil
}

func (r *memRepo) UpdateJobAnswer(ctx context.Context, id, answerPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[id]; ok {
		j.AnswerPath = answerPath
	}
	return nil
}

func (r *memRepo) GetConfig(ctx context.Context, key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.config[key], nil
}

func (r *memRepo) SetConfig(ctx context.Context, key, value string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.config[key] = value
	return nil
}

type stubProvider struct {
	mu          sync.Mutex
	directCalls int
	transcribes int

	directFn func(ctx context.Context, req asr.DirectRequest) (string, error)
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Transcribe(ctx context.Context, req asr.TranscribeRequest) (*asr.TranscribeResult, error) {
	p.mu.Lock()
	p.transcribes++
	p.mu.Unlock()
	return &asr.TranscribeResult{
		Text:    fmt.Sprintf("words from %.0f to %.0f", req.StartSeconds, req.EndSeconds),
		Summary: fmt.Sprintf("summary %.0f", req.StartSeconds),
	}, nil
}

func (p *stubProvider) Complete(ctx context.Context, req asr.CompleteRequest) (string, error) {
	return "synthesized answer", nil
}

func (p *stubProvider) Direct(ctx context.Context, req asr.DirectRequest) (string, error) {
	p.mu.Lock()
	p.directCalls++
	p.mu.Unlock()
	if p.directFn == nil {
		return "", asr.ErrDirectUnsupported
	}
	return p.directFn(ctx, req)
}

type stubFFmpeg struct {
	duration float64
}

func (f *stubFFmpeg) Probe(ctx context.Context, path string) (*media.ProbeResult, error) {
	return &media.ProbeResult{DurationSeconds: f.duration}, nil
}

func (f *stubFFmpeg) ExtractAudio(ctx context.Context, inputPath, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(outputPath, []byte("wav"), 0644)
}

func (f *stubFFmpeg) Cut(ctx context.Context, inputPath, outputPath string, startSeconds, endSeconds float64) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(outputPath, []byte("wav"), 0644)
}

type stubResolver struct {
	duration float64
	err      error
}

func (r *stubResolver) Resolve(ctx context.Context, sourceURI string) (*source.Media, error) {
	if r.err != nil {
		return nil, r.err
	}
	return &source.Media{
		SourceURI:       sourceURI,
		LocalPath:       "/dev/null",
		DurationSeconds: r.duration,
		Title:           "test video",
	}, nil
}

func testPipeline() config.Pipeline {
	p := config.Pipeline{
		TargetChunkSeconds: 1800,
		OverlapSeconds:     2,
		BackoffBaseSeconds: 0.001,
		BackoffMaxSeconds:  0.004,
	}
	if err := p.Validate(); err != nil {
		panic(err)
	}
	return p
}

func newTestEngine(t *testing.T, provider asr.Provider, duration float64) (*Engine, *memRepo, *manifest.FileStore) {
	t.Helper()
	repo := newMemRepo()
	store := manifest.NewFileStore(t.TempDir(), 3, slog.New(slog.NewTextHandler(io.Discard, nil)))
	resolver := &stubResolver{duration: duration}

	e := New(Options{
		Repo:     repo,
		Store:    store,
		Resolver: func(uri string) source.Resolver { return resolver },
		Provider: provider,
		FFmpeg:   &stubFFmpeg{duration: duration},
		Pipeline: testPipeline(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return e, repo, store
}

func waitForTerminal(t *testing.T, repo *memRepo, jobID string) *jobs.Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		j, err := repo.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatal(err)
		}
		if j != nil {
			switch j.Status {
			case jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusCancelled:
				return j
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never reached a terminal state")
	return nil
}

func TestEngine_ShortVideoTakesDirectPath(t *testing.T) {
	provider := &stubProvider{
		directFn: func(ctx context.Context, req asr.DirectRequest) (string, error) {
			return "direct answer", nil
		},
	}
	e, repo, store := newTestEngine(t, provider, 600) // under the 20 minute threshold

	jobID, err := e.Submit(context.Background(), SubmitRequest{SourceURI: "https://example.com/v", Question: "q"})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	j := waitForTerminal(t, repo, jobID)
	if j.Status != jobs.StatusCompleted {
		t.Fatalf("status = %q (%s), want completed", j.Status, j.Error)
	}
	if j.Strategy != manifest.StrategyDirect {
		t.Errorf("strategy = %q, want direct", j.Strategy)
	}
	if provider.transcribes != 0 {
		t.Errorf("transcribe calls = %d, want 0 on the direct path", provider.transcribes)
	}

	m, err := store.Read(context.Background(), jobID)
	if err != nil {
		t.Fatalf("manifest read error: %v", err)
	}
	if m.Strategy != manifest.StrategyDirect || len(m.Chunks) != 0 {
		t.Errorf("manifest = strategy %q with %d chunks, want chunkless direct", m.Strategy, len(m.Chunks))
	}

	data, err := os.ReadFile(j.AnswerPath)
	if err != nil {
		t.Fatalf("answer artifact missing: %v", err)
	}
	if strings.TrimSpace(string(data)) != "direct answer" {
		t.Errorf("answer artifact = %q", data)
	}
}

func TestEngine_DirectFailureFallsBackToChunked(t *testing.T) {
	provider := &stubProvider{} // Direct always returns ErrDirectUnsupported
	e, repo, store := newTestEngine(t, provider, 600)

	jobID, err := e.Submit(context.Background(), SubmitRequest{SourceURI: "https://example.com/v"})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	j := waitForTerminal(t, repo, jobID)
	if j.Status != jobs.StatusCompleted {
		t.Fatalf("status = %q (%s), want completed", j.Status, j.Error)
	}
	if provider.directCalls != 1 {
		t.Errorf("direct calls = %d, want 1", provider.directCalls)
	}
	if provider.transcribes == 0 {
		t.Error("fallback never reached chunked transcription")
	}

	m, err := store.Read(context.Background(), jobID)
	if err != nil {
		t.Fatal(err)
	}
	if m.Strategy != manifest.StrategyMapReduce {
		t.Errorf("manifest strategy = %q, want map_reduce", m.Strategy)
	}
	if len(m.Chunks) == 0 {
		t.Error("fallback produced no chunk plan")
	}
}

func TestEngine_LongVideoUsesMapReduce(t *testing.T) {
	provider := &stubProvider{}
	e, repo, _ := newTestEngine(t, provider, 5400)

	jobID, err := e.Submit(context.Background(), SubmitRequest{SourceURI: "https://example.com/long"})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	j := waitForTerminal(t, repo, jobID)
	if j.Status != jobs.StatusCompleted {
		t.Fatalf("status = %q (%s), want completed", j.Status, j.Error)
	}
	if j.Strategy != manifest.StrategyMapReduce {
		t.Errorf("strategy = %q, want map_reduce", j.Strategy)
	}
	if provider.directCalls != 0 {
		t.Errorf("direct calls = %d, want 0 for a long video", provider.directCalls)
	}
	if provider.transcribes != 3 {
		t.Errorf("transcribe calls = %d, want 3 chunks", provider.transcribes)
	}
}

func TestEngine_DuplicateSubmitWhileRunning(t *testing.T) {
	release := make(chan struct{})
	provider := &stubProvider{
		directFn: func(ctx context.Context, req asr.DirectRequest) (string, error) {
			select {
			case <-release:
			case <-ctx.Done():
			}
			return "answer", nil
		},
	}
	e, repo, _ := newTestEngine(t, provider, 600)

	jobID, err := e.Submit(context.Background(), SubmitRequest{SourceURI: "https://example.com/v"})
	if err != nil {
		t.Fatalf("first Submit error: %v", err)
	}

	dupID, err := e.Submit(context.Background(), SubmitRequest{SourceURI: "https://example.com/v"})
	if !errors.Is(err, ErrJobRunning) {
		t.Errorf("second Submit = %v, want ErrJobRunning", err)
	}
	if dupID != jobID {
		t.Errorf("duplicate returned id %q, want %q", dupID, jobID)
	}

	close(release)
	waitForTerminal(t, repo, jobID)
}

func TestEngine_CancelMarksJobCancelled(t *testing.T) {
	started := make(chan struct{})
	provider := &stubProvider{
		directFn: func(ctx context.Context, req asr.DirectRequest) (string, error) {
			close(started)
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	e, repo, _ := newTestEngine(t, provider, 600)

	jobID, err := e.Submit(context.Background(), SubmitRequest{SourceURI: "https://example.com/v"})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	<-started
	if err := e.Cancel(jobID); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}

	j := waitForTerminal(t, repo, jobID)
	if j.Status != jobs.StatusCancelled {
		t.Errorf("status = %q, want cancelled", j.Status)
	}

	// The running entry is removed shortly after the status flips.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := e.Cancel(jobID); errors.Is(err, ErrJobNotFound) {
			break
		}
		if time.Now().After(deadline) {
			t.Error("Cancel after completion never reported ErrJobNotFound")
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEngine_FetchFailureFailsJob(t *testing.T) {
	repo := newMemRepo()
	store := manifest.NewFileStore(t.TempDir(), 3, slog.New(slog.NewTextHandler(io.Discard, nil)))
	resolver := &stubResolver{err: source.ErrUnavailable}

	e := New(Options{
		Repo:     repo,
		Store:    store,
		Resolver: func(uri string) source.Resolver { return resolver },
		Provider: &stubProvider{},
		FFmpeg:   &stubFFmpeg{},
		Pipeline: testPipeline(),
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	})

	jobID, err := e.Submit(context.Background(), SubmitRequest{SourceURI: "https://example.com/gone"})
	if err != nil {
		t.Fatalf("Submit error: %v", err)
	}

	j := waitForTerminal(t, repo, jobID)
	if j.Status != jobs.StatusFailed {
		t.Fatalf("status = %q, want failed", j.Status)
	}
	if !strings.Contains(j.Error, "unavailable") {
		t.Errorf("error = %q, want unavailable cause", j.Error)
	}
}
