package transcribe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"google.golang.org/genai"
)

const DefaultGeminiModel = "gemini-2.0-flash"

const geminiPrompt = "Transcribe this audio recording verbatim. Reply with the transcript text only, without commentary or timestamps."

// Gemini transcribes audio through the Gemini API. It reports no
// no-speech probability, so its results always pass the quality gate.
type Gemini struct {
	client *genai.Client
	model  string
}

// NewGemini creates a Gemini provider. An empty model picks the default and
// an empty baseURL the public Gemini API endpoint.
func NewGemini(ctx context.Context, apiKey, baseURL, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, errors.New("gemini API key not configured")
	}
	if model == "" {
		model = DefaultGeminiModel
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: baseURL},
	})
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}
	return &Gemini{client: client, model: model}, nil
}

// Transcribe sends the audio inline and returns the model's transcript.
func (g *Gemini) Transcribe(ctx context.Context, audioPath string) (Result, error) {
	data, err := os.ReadFile(audioPath)
	if err != nil {
		return Result{}, fmt.Errorf("reading audio file: %w", err)
	}

	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{Text: geminiPrompt},
			{InlineData: &genai.Blob{Data: data, MIMEType: audioMIMEType(audioPath)}},
		},
	}}

	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return Result{}, fmt.Errorf("gemini generate content: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Result{}, errors.New("gemini returned no content")
	}
	if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
		return Result{}, errors.New("gemini blocked the transcription by safety filters")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	return Result{Text: strings.TrimSpace(sb.String())}, nil
}
