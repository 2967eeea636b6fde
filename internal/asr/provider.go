// Package asr wraps the external speech-recognition and synthesis providers
// behind one interface, and classifies their failures as transient or fatal.
package asr

import (
	"context"
	"errors"
)

// ErrDirectUnsupported is returned by providers that cannot reference remote
// media in a single synthesis call. It is fatal for the direct attempt and
// triggers the chunked fallback.
var ErrDirectUnsupported = errors.New("provider does not support direct media synthesis")

// TranscribeRequest asks for the transcript of one chunk's audio artifact.
type TranscribeRequest struct {
	AudioPath    string
	Language     string
	StartSeconds float64
	EndSeconds   float64

	// WithSummary asks the provider to also produce a short chunk summary
	// from the same call when it can.
	WithSummary bool
	Question    string
}

// TranscribeResult is the text produced for one chunk. Summary is empty when
// the provider did not produce one.
type TranscribeResult struct {
	Text    string
	Summary string
}

// CompleteRequest is a plain text-generation call (chunk summaries and the
// final reduction).
type CompleteRequest struct {
	System    string
	Prompt    string
	MaxTokens int
}

// DirectRequest is a single synthesis call referencing the original media,
// bypassing chunked transcription entirely.
type DirectRequest struct {
	SourceURI string
	Question  string
}

// Provider is the external ASR/LLM boundary.
type Provider interface {
	Name() string
	Transcribe(ctx context.Context, req TranscribeRequest) (*TranscribeResult, error)
	Complete(ctx context.Context, req CompleteRequest) (string, error)
	Direct(ctx context.Context, req DirectRequest) (string, error)
}
