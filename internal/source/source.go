// Package source resolves a remote video identifier into local media plus
// duration metadata. Source failures are fatal to the whole job and never
// retried.
package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/AmanK-tech/TubeAgent/internal/media"
)

// ErrUnavailable marks private, removed or otherwise blocked content.
var ErrUnavailable = errors.New("source content unavailable")

// Media is what the pipeline consumes from a resolved source.
type Media struct {
	SourceURI       string  `json:"source_uri"`
	LocalPath       string  `json:"local_path"`
	DurationSeconds float64 `json:"duration_seconds"`
	Title           string  `json:"title,omitempty"`
}

// Resolver turns a source URI into local media.
type Resolver interface {
	Resolve(ctx context.Context, sourceURI string) (*Media, error)
}

// NewResolver picks the resolver for a URI: remote URLs go through yt-dlp,
// anything else is treated as a local file path.
func NewResolver(uri string, downloader *Downloader, probe media.FFmpeg) Resolver {
	if IsRemote(uri) {
		return downloader
	}
	return &LocalResolver{probe: probe}
}

// IsRemote reports whether a source URI needs downloading.
func IsRemote(uri string) bool {
	return strings.HasPrefix(uri, "http://") || strings.HasPrefix(uri, "https://")
}

// LocalResolver accepts an already-local media file.
type LocalResolver struct {
	probe media.FFmpeg
}

func NewLocalResolver(probe media.FFmpeg) *LocalResolver {
	return &LocalResolver{probe: probe}
}

func (r *LocalResolver) Resolve(ctx context.Context, sourceURI string) (*Media, error) {
	info, err := os.Stat(sourceURI)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrUnavailable, sourceURI)
	}

	probed, err := r.probe.Probe(ctx, sourceURI)
	if err != nil {
		return nil, fmt.Errorf("probe local media: %w", err)
	}

	return &Media{
		SourceURI:       sourceURI,
		LocalPath:       sourceURI,
		DurationSeconds: probed.DurationSeconds,
	}, nil
}
