package asr

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"
)

const filePollInterval = 2 * time.Second

// GeminiProvider uploads chunk audio to the Files API and prompts the model
// for a transcript. It supports the direct strategy by passing the source URI
// straight to the model.
type GeminiProvider struct {
	client *genai.Client
	model  string
	logger *slog.Logger
}

func NewGeminiProvider(ctx context.Context, apiKey, model string, logger *slog.Logger) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini provider requires an API key")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiProvider{client: client, model: model, logger: logger}, nil
}

func (p *GeminiProvider) Name() string { return "gemini" }

func (p *GeminiProvider) Transcribe(ctx context.Context, req TranscribeRequest) (*TranscribeResult, error) {
	file, err := p.client.Files.UploadFromPath(ctx, req.AudioPath, &genai.UploadFileConfig{
		MIMEType: "audio/wav",
	})
	if err != nil {
		return nil, fmt.Errorf("upload chunk audio: %w", err)
	}

	// Uploaded files are processed asynchronously; wait until usable.
	for file.State == genai.FileStateProcessing {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(filePollInterval):
		}
		file, err = p.client.Files.Get(ctx, file.Name, nil)
		if err != nil {
			return nil, fmt.Errorf("poll uploaded file: %w", err)
		}
	}
	if file.State == genai.FileStateFailed {
		return nil, fmt.Errorf("uploaded file %s failed provider-side processing", file.Name)
	}

	prompt := transcribePrompt(req)
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromURI(file.URI, file.MIMEType),
			genai.NewPartFromText(prompt),
		}, genai.RoleUser),
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, nil)
	if err != nil {
		return nil, fmt.Errorf("gemini transcription: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return nil, fmt.Errorf("empty transcription result for %s", req.AudioPath)
	}

	result := &TranscribeResult{Text: text}
	if req.WithSummary {
		result.Text, result.Summary = splitTranscriptSummary(text)
	}
	return result, nil
}

func (p *GeminiProvider) Complete(ctx context.Context, req CompleteRequest) (string, error) {
	var cfg *genai.GenerateContentConfig
	if req.System != "" || req.MaxTokens > 0 {
		cfg = &genai.GenerateContentConfig{}
		if req.System != "" {
			cfg.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
		}
		if req.MaxTokens > 0 {
			cfg.MaxOutputTokens = int32(req.MaxTokens)
		}
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(req.Prompt), cfg)
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("empty response from gemini")
	}
	return text, nil
}

func (p *GeminiProvider) Direct(ctx context.Context, req DirectRequest) (string, error) {
	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromURI(req.SourceURI, "video/*"),
			genai.NewPartFromText(directPrompt(req.Question)),
		}, genai.RoleUser),
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("direct synthesis: %w", err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", fmt.Errorf("empty direct synthesis result")
	}
	return text, nil
}

// splitTranscriptSummary separates the model's combined transcript+summary
// response. When the summary marker is missing the whole text is treated as
// transcript.
func splitTranscriptSummary(text string) (transcript, summary string) {
	const marker = "SUMMARY:"
	idx := strings.LastIndex(text, marker)
	if idx < 0 {
		return text, ""
	}
	transcript = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(text[:idx]), "TRANSCRIPT:"))
	summary = strings.TrimSpace(text[idx+len(marker):])
	return transcript, summary
}
