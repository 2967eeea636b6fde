package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/AmanK-tech/TubeAgent/internal/media"
)

const maxStderrBytes = 8 * 1024

// unavailableMarkers are yt-dlp stderr fragments that mean the content can
// never be fetched, regardless of retries.
var unavailableMarkers = []string{
	"private video",
	"video unavailable",
	"this video is unavailable",
	"has been removed",
	"not available in your country",
	"sign in to confirm your age",
	"members-only",
}

// Downloader fetches remote media with yt-dlp into a cache directory and
// probes the result for duration.
type Downloader struct {
	binPath  string
	cacheDir string
	probe    media.FFmpeg
	logger   *slog.Logger
}

func NewDownloader(cacheDir string, probe media.FFmpeg, logger *slog.Logger) (*Downloader, error) {
	binPath, err := exec.LookPath("yt-dlp")
	if err != nil {
		return nil, fmt.Errorf("yt-dlp not found on PATH: %w", err)
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	return &Downloader{binPath: binPath, cacheDir: cacheDir, probe: probe, logger: logger}, nil
}

func (d *Downloader) Resolve(ctx context.Context, sourceURI string) (*Media, error) {
	outTemplate := filepath.Join(d.cacheDir, "%(id)s.%(ext)s")

	cmd := exec.CommandContext(ctx, d.binPath,
		"--no-playlist",
		"--no-progress",
		"-f", "bestaudio/best",
		"--print", "after_move:filepath",
		"--print", "title",
		"-o", outTemplate,
		sourceURI,
	)

	var stdout bytes.Buffer
	var stderrBuf bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = io.Writer(&tailWriter{w: &stderrBuf, limit: maxStderrBytes})

	d.logger.Info("fetching source media", "uri", sourceURI)

	if err := cmd.Run(); err != nil {
		stderr := stderrBuf.String()
		lowered := strings.ToLower(stderr)
		for _, marker := range unavailableMarkers {
			if strings.Contains(lowered, marker) {
				return nil, fmt.Errorf("%w: %s", ErrUnavailable, lastLine(stderr))
			}
		}
		return nil, fmt.Errorf("yt-dlp failed: %w: %s", err, lastLine(stderr))
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	if len(lines) < 1 || strings.TrimSpace(lines[0]) == "" {
		return nil, fmt.Errorf("yt-dlp produced no output path")
	}
	localPath := strings.TrimSpace(lines[0])
	title := ""
	if len(lines) > 1 {
		title = strings.TrimSpace(lines[1])
	}

	probed, err := d.probe.Probe(ctx, localPath)
	if err != nil {
		return nil, fmt.Errorf("probe downloaded media: %w", err)
	}

	d.logger.Info("source media fetched",
		"uri", sourceURI,
		"duration_s", probed.DurationSeconds,
		"title", title,
	)

	return &Media{
		SourceURI:       sourceURI,
		LocalPath:       localPath,
		DurationSeconds: probed.DurationSeconds,
		Title:           title,
	}, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return strings.TrimSpace(lines[len(lines)-1])
}

// tailWriter keeps only the last `limit` bytes written.
type tailWriter struct {
	w     *bytes.Buffer
	limit int
}

func (tw *tailWriter) Write(p []byte) (int, error) {
	n := len(p)
	tw.w.Write(p)
	if tw.w.Len() > tw.limit {
		b := tw.w.Bytes()
		tw.w.Reset()
		tw.w.Write(b[len(b)-tw.limit:])
	}
	return n, nil
}
