package asr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider transcribes chunk audio with Whisper and synthesizes text
// with chat completions. It cannot reference remote media directly, so the
// direct strategy always falls back to the chunked pipeline.
type OpenAIProvider struct {
	client    *openai.Client
	chatModel string
	logger    *slog.Logger
}

// NewOpenAIProvider builds a provider against the OpenAI API. baseURL may
// point at any OpenAI-compatible endpoint; empty means the default.
func NewOpenAIProvider(apiKey, baseURL, chatModel string, logger *slog.Logger) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai provider requires an API key")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{
		client:    openai.NewClientWithConfig(cfg),
		chatModel: chatModel,
		logger:    logger,
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Transcribe(ctx context.Context, req TranscribeRequest) (*TranscribeResult, error) {
	resp, err := p.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    openai.Whisper1,
		FilePath: req.AudioPath,
		Language: req.Language,
	})
	if err != nil {
		return nil, fmt.Errorf("whisper transcription: %w", err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return nil, fmt.Errorf("empty transcription result for %s", req.AudioPath)
	}

	result := &TranscribeResult{Text: text}

	// Whisper returns only text, so the chunk summary takes a second,
	// cheaper chat call.
	if req.WithSummary {
		summary, err := p.Complete(ctx, CompleteRequest{
			System: chunkSummarySystem,
			Prompt: chunkSummaryPrompt(req, text),
		})
		if err != nil {
			p.logger.Warn("chunk summary call failed, continuing with transcript only", "error", err)
		} else {
			result.Summary = summary
		}
	}

	return result, nil
}

func (p *OpenAIProvider) Complete(ctx context.Context, req CompleteRequest) (string, error) {
	chatReq := openai.ChatCompletionRequest{
		Model: p.chatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: req.System},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (p *OpenAIProvider) Direct(ctx context.Context, req DirectRequest) (string, error) {
	return "", ErrDirectUnsupported
}
