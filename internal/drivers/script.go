package drivers

import (
	"context"
	"fmt"
	"strings"

	"resty.dev/v3"

	"content-pipeline/internal/config"
	"content-pipeline/internal/models"
)

// ScriptWriter produces the spoken script for a candidate.
type ScriptWriter interface {
	WriteScript(ctx context.Context, ref models.CandidateRef) (string, error)
}

// ChatScriptWriter calls an OpenAI-compatible chat completions endpoint.
type ChatScriptWriter struct {
	client *resty.Client
	model  string
}

func NewChatScriptWriter(ep config.Endpoint, model string) *ChatScriptWriter {
	return &ChatScriptWriter{client: newClient(ep), model: model}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

const scriptSystemPrompt = "You write scripts for 30 to 45 second vertical marketing videos read by a presenter. " +
	"Reply with the spoken text only, no stage directions."

func (w *ChatScriptWriter) WriteScript(ctx context.Context, ref models.CandidateRef) (string, error) {
	if strings.TrimSpace(ref.Title) == "" && strings.TrimSpace(ref.Summary) == "" {
		return "", Rejected("script", "write", "candidate has neither title nor summary")
	}
	prompt := fmt.Sprintf("Kind: %s\nTitle: %s\nSummary: %s\nSource: %s", ref.Kind, ref.Title, ref.Summary, ref.SourceURL)

	var out chatResponse
	resp, err := w.client.R().
		SetContext(ctx).
		SetBody(chatRequest{
			Model: w.model,
			Messages: []chatMessage{
				{Role: "system", Content: scriptSystemPrompt},
				{Role: "user", Content: prompt},
			},
		}).
		SetResult(&out).
		Post("/chat/completions")
	if err := classify("script", "write", resp, err); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", Unavailable("script", "write", "empty completion", nil)
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}
