// Package media shells out to ffmpeg/ffprobe for probing, audio extraction
// and chunk cutting, with structured result capture.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
)

const maxStderrBytes = 8 * 1024 // 8 KB tail of stderr kept for diagnostics

// ASR target format: mono 16 kHz PCM WAV.
const (
	asrSampleRate = 16000
	asrChannels   = 1
)

// ProbeResult holds the container-level metadata the pipeline needs.
type ProbeResult struct {
	DurationSeconds float64
	Format          string
	BitRate         int64
}

// FFmpeg is the media toolbox boundary. The real implementation execs
// ffmpeg/ffprobe; tests substitute fakes.
type FFmpeg interface {
	// Probe reads duration and format metadata from a media file.
	Probe(ctx context.Context, path string) (*ProbeResult, error)

	// ExtractAudio converts a media file into the ASR target WAV format.
	ExtractAudio(ctx context.Context, inputPath, outputPath string) error

	// Cut writes the [startSeconds, endSeconds] window of a WAV file to
	// outputPath in the ASR target format.
	Cut(ctx context.Context, inputPath, outputPath string, startSeconds, endSeconds float64) error
}

// ExecFFmpeg is the production FFmpeg backed by the ffmpeg and ffprobe
// binaries on PATH.
type ExecFFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	logger      *slog.Logger
}

func NewExecFFmpeg(logger *slog.Logger) (*ExecFFmpeg, error) {
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found on PATH: %w", err)
	}
	ffprobePath, err := exec.LookPath("ffprobe")
	if err != nil {
		return nil, fmt.Errorf("ffprobe not found on PATH: %w", err)
	}
	return &ExecFFmpeg{ffmpegPath: ffmpegPath, ffprobePath: ffprobePath, logger: logger}, nil
}

type ffprobeFormat struct {
	Format struct {
		Duration   string `json:"duration"`
		FormatName string `json:"format_name"`
		BitRate    string `json:"bit_rate"`
	} `json:"format"`
}

func (f *ExecFFmpeg) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	out, stderrTail, err := f.run(ctx, f.ffprobePath,
		"-v", "error",
		"-show_format",
		"-of", "json",
		path,
	)
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w: %s", filepath.Base(path), err, stderrTail)
	}

	var parsed ffprobeFormat
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("parse ffprobe output: %w", err)
	}

	dur, err := strconv.ParseFloat(parsed.Format.Duration, 64)
	if err != nil {
		return nil, fmt.Errorf("parse duration %q: %w", parsed.Format.Duration, err)
	}
	bitRate, _ := strconv.ParseInt(parsed.Format.BitRate, 10, 64)

	return &ProbeResult{
		DurationSeconds: dur,
		Format:          parsed.Format.FormatName,
		BitRate:         bitRate,
	}, nil
}

func (f *ExecFFmpeg) ExtractAudio(ctx context.Context, inputPath, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	_, stderrTail, err := f.run(ctx, f.ffmpegPath,
		"-y",
		"-i", inputPath,
		"-vn",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(asrSampleRate),
		"-ac", strconv.Itoa(asrChannels),
		outputPath,
	)
	if err != nil {
		return fmt.Errorf("extract audio from %s: %w: %s", filepath.Base(inputPath), err, stderrTail)
	}
	return nil
}

func (f *ExecFFmpeg) Cut(ctx context.Context, inputPath, outputPath string, startSeconds, endSeconds float64) error {
	if endSeconds <= startSeconds {
		return fmt.Errorf("invalid cut window [%g, %g]", startSeconds, endSeconds)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	_, stderrTail, err := f.run(ctx, f.ffmpegPath,
		"-y",
		"-ss", formatSeconds(startSeconds),
		"-to", formatSeconds(endSeconds),
		"-i", inputPath,
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(asrSampleRate),
		"-ac", strconv.Itoa(asrChannels),
		outputPath,
	)
	if err != nil {
		return fmt.Errorf("cut [%g, %g] from %s: %w: %s",
			startSeconds, endSeconds, filepath.Base(inputPath), err, stderrTail)
	}
	return nil
}

// run executes a command capturing stdout fully and only the stderr tail.
func (f *ExecFFmpeg) run(ctx context.Context, bin string, args ...string) ([]byte, string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)

	var stdout bytes.Buffer
	var stderrBuf bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = io.Writer(&limitedWriter{w: &stderrBuf, limit: maxStderrBytes})

	f.logger.Debug("executing media command", "bin", filepath.Base(bin), "args", args)

	err := cmd.Run()
	return stdout.Bytes(), stderrBuf.String(), err
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

// limitedWriter is an io.Writer that keeps only the last `limit` bytes.
type limitedWriter struct {
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		// Keep only the tail
		b := lw.w.Bytes()
		lw.w.Reset()
		lw.w.Write(b[len(b)-lw.limit:])
	}
	return n, nil
}
