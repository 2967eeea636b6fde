package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/AmanK-tech/TubeAgent/internal/plan"
)

const manifestFilename = "manifest.json"

// FileStore keeps one manifest.json per job under baseDir/<job_id>/.
// All mutations for a job funnel through a per-job mutex; writes go to a
// temp file first and are renamed into place.
type FileStore struct {
	baseDir string
	retries int
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates a FileStore rooted at baseDir. Transient write
// failures are retried up to retries times before surfacing as fatal.
func NewFileStore(baseDir string, retries int, logger *slog.Logger) *FileStore {
	if retries < 1 {
		retries = 1
	}
	return &FileStore{
		baseDir: baseDir,
		retries: retries,
		logger:  logger,
		locks:   make(map[string]*sync.Mutex),
	}
}

// JobDir returns the directory holding a job's manifest and artifacts.
func (s *FileStore) JobDir(jobID string) string {
	return filepath.Join(s.baseDir, jobID)
}

func (s *FileStore) path(jobID string) string {
	return filepath.Join(s.JobDir(jobID), manifestFilename)
}

func (s *FileStore) lock(jobID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[jobID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[jobID] = l
	}
	return l
}

func (s *FileStore) LoadOrCreate(ctx context.Context, m Manifest) (*Manifest, bool, error) {
	l := s.lock(m.JobID)
	l.Lock()
	defer l.Unlock()

	existing, err := s.read(m.JobID)
	switch {
	case err == nil:
		// A chunkless manifest only records a direct-strategy decision; a
		// chunked run must re-plan rather than inherit it.
		if existing.Version == SchemaVersion && (len(existing.Chunks) > 0 || len(m.Chunks) == 0) {
			return existing, true, nil
		}
		s.logger.Warn("discarding incompatible manifest",
			"job_id", m.JobID, "version", existing.Version, "chunks", len(existing.Chunks))
	case errors.Is(err, ErrNotFound):
		// fall through to create
	default:
		return nil, false, err
	}

	now := time.Now().UTC()
	m.Version = SchemaVersion
	m.CreatedAt = now
	m.UpdatedAt = now
	if m.Strategy == "" {
		m.Strategy = StrategyUnresolved
	}
	if err := s.write(ctx, &m); err != nil {
		return nil, false, err
	}
	return &m, false, nil
}

func (s *FileStore) Read(ctx context.Context, jobID string) (*Manifest, error) {
	l := s.lock(jobID)
	l.Lock()
	defer l.Unlock()
	return s.read(jobID)
}

func (s *FileStore) MarkChunk(ctx context.Context, jobID string, key plan.Key, mutate func(*plan.ChunkSpec)) (*Manifest, error) {
	l := s.lock(jobID)
	l.Lock()
	defer l.Unlock()

	m, err := s.read(jobID)
	if err != nil {
		return nil, err
	}

	c := m.Chunk(key)
	if c == nil {
		return nil, fmt.Errorf("chunk %s not in manifest for job %s", key, jobID)
	}
	mutate(c)

	if err := s.write(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *FileStore) ReplaceChunk(ctx context.Context, jobID string, key plan.Key, children []plan.ChunkSpec) (*Manifest, error) {
	l := s.lock(jobID)
	l.Lock()
	defer l.Unlock()

	m, err := s.read(jobID)
	if err != nil {
		return nil, err
	}

	parent := m.Chunk(key)
	if parent == nil {
		return nil, fmt.Errorf("chunk %s not in manifest for job %s", key, jobID)
	}
	if start, end := plan.Coverage(children); start != parent.StartSeconds || end != parent.EndSeconds {
		return nil, fmt.Errorf("children cover [%g, %g], parent chunk %s spans [%g, %g]",
			start, end, key, parent.StartSeconds, parent.EndSeconds)
	}
	parent.Status = plan.StatusFailed

	m.Chunks = append(m.Chunks, children...)
	plan.SortChunks(m.Chunks)

	if err := s.write(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *FileStore) SetStrategy(ctx context.Context, jobID, strategy string) error {
	l := s.lock(jobID)
	l.Lock()
	defer l.Unlock()

	m, err := s.read(jobID)
	if err != nil {
		return err
	}
	m.Strategy = strategy
	return s.write(ctx, m)
}

func (s *FileStore) read(jobID string) (*Manifest, error) {
	data, err := os.ReadFile(s.path(jobID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read manifest for job %s: %w", jobID, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: job %s: %v", ErrCorrupt, jobID, err)
	}
	return &m, nil
}

// write replaces the manifest atomically: marshal to a temp file in the same
// directory, fsync, rename over the old file. Retried on transient failures.
func (s *FileStore) write(ctx context.Context, m *Manifest) error {
	m.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest for job %s: %w", m.JobID, err)
	}

	dir := s.JobDir(m.JobID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < s.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if lastErr = s.writeOnce(dir, data); lastErr == nil {
			return nil
		}
		s.logger.Warn("manifest write failed",
			"job_id", m.JobID, "attempt", attempt+1, "error", lastErr)
	}
	return fmt.Errorf("write manifest for job %s after %d attempts: %w", m.JobID, s.retries, lastErr)
}

func (s *FileStore) writeOnce(dir string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".manifest-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, filepath.Join(dir, manifestFilename))
}
