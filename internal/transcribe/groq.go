package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	DefaultGroqBaseURL = "https://api.groq.com/openai/v1"
	DefaultGroqModel   = "whisper-large-v3-turbo"
)

const groqTimeout = 120 * time.Second

// Groq talks to an OpenAI-compatible /audio/transcriptions endpoint.
type Groq struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewGroq creates a Groq client. Empty baseURL and model pick the defaults.
func NewGroq(apiKey, baseURL, model string) *Groq {
	if baseURL == "" {
		baseURL = DefaultGroqBaseURL
	}
	if model == "" {
		model = DefaultGroqModel
	}
	return &Groq{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: groqTimeout},
	}
}

// verboseResponse mirrors the verbose_json transcription response.
type verboseResponse struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Segments []segment `json:"segments"`
}

type segment struct {
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	NoSpeechProb float64 `json:"no_speech_prob"`
}

// Transcribe uploads the file and returns the transcription.
func (g *Groq) Transcribe(ctx context.Context, audioPath string) (Result, error) {
	if g.apiKey == "" {
		return Result{}, errors.New("groq API key not configured")
	}

	body, contentType, err := g.buildForm(audioPath)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/audio/transcriptions", body)
	if err != nil {
		return Result{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", contentType)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("sending transcription request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Result{}, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var parsed verboseResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Result{}, fmt.Errorf("decoding transcription response: %w", err)
	}

	return Result{
		Text:                strings.TrimSpace(parsed.Text),
		Language:            parsed.Language,
		NoSpeechProbability: noSpeechProbability(parsed.Segments),
	}, nil
}

func (g *Groq) buildForm(audioPath string) (io.Reader, string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, "", fmt.Errorf("opening audio file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if err := w.WriteField("model", g.model); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("response_format", "verbose_json"); err != nil {
		return nil, "", err
	}
	part, err := w.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", fmt.Errorf("reading audio file: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// noSpeechProbability is the duration-weighted mean of the segment values,
// nil without segments.
func noSpeechProbability(segments []segment) *float64 {
	if len(segments) == 0 {
		return nil
	}
	var weighted, total, plain float64
	for _, s := range segments {
		d := s.End - s.Start
		if d > 0 {
			weighted += s.NoSpeechProb * d
			total += d
		}
		plain += s.NoSpeechProb
	}
	p := plain / float64(len(segments))
	if total > 0 {
		p = weighted / total
	}
	return &p
}
