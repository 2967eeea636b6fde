package asr

import (
	"context"
	"errors"
	"net"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

// Kind is the retry class of a provider failure.
type Kind int

const (
	// KindTransient covers rate limits, quota exhaustion, throttling, and
	// temporary unavailability. Retried with backoff.
	KindTransient Kind = iota
	// KindFatal covers malformed input and permanent rejection. Never retried.
	KindFatal
)

func (k Kind) String() string {
	if k == KindTransient {
		return "transient"
	}
	return "fatal"
}

// transientMarkers are substrings that identify a retryable failure when no
// structured status code is available.
var transientMarkers = []string{
	"quota",
	"rate limit",
	"rate_limit",
	"too many requests",
	"resource_exhausted",
	"resource exhausted",
	"overloaded",
	"unavailable",
	"temporarily",
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"eof",
}

// Classify maps a provider error to its retry class. Unknown errors are
// fatal: retrying a request the provider rejected outright only burns quota.
func Classify(err error) Kind {
	if err == nil {
		return KindFatal
	}

	if errors.Is(err, ErrDirectUnsupported) {
		return KindFatal
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	if errors.Is(err, context.Canceled) {
		return KindFatal
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return classifyStatus(reqErr.HTTPStatusCode)
	}
	var genaiErr genai.APIError
	if errors.As(err, &genaiErr) {
		return classifyStatus(genaiErr.Code)
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return KindTransient
		}
	}
	return KindFatal
}

func classifyStatus(status int) Kind {
	switch {
	case status == 408 || status == 429:
		return KindTransient
	case status >= 500:
		return KindTransient
	case status == 0:
		// No response at all; assume a network-level hiccup.
		return KindTransient
	default:
		return KindFatal
	}
}
