package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/ramble/internal/library"
	"github.com/kalambet/ramble/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store             *storage.Store
	Library           *library.Library
	Pipeline          Pipeline
	Webhooks          Webhooks
	BaseContext       context.Context
	MaxWebhookRetries int
}

// NewMCPServer creates an MCP server with all ramble tools and resources registered.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	if deps.BaseContext == nil {
		deps.BaseContext = context.Background()
	}

	s := server.NewMCPServer(
		"ramble",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("ramble: voice recordings transcribed locally and delivered to a webhook."),
		server.WithRecovery(),
	)

	// Tools
	s.AddTool(
		mcp.NewTool("list_recordings",
			mcp.WithDescription("List recordings, newest first, with their transcription and delivery state."),
			mcp.WithString("status", mcp.Description("Only list recordings in this status (pending, uploading, processing, completed, failed)")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpListRecordings(deps),
	)

	s.AddTool(
		mcp.NewTool("get_transcript",
			mcp.WithDescription("Return the transcript of a completed recording."),
			mcp.WithString("id", mcp.Description("Recording ID"), mcp.Required()),
		),
		mcpGetTranscript(deps),
	)

	s.AddTool(
		mcp.NewTool("retry_transcription",
			mcp.WithDescription("Put a recording back into the transcription queue with a fresh retry budget."),
			mcp.WithString("id", mcp.Description("Recording ID"), mcp.Required()),
		),
		mcpRetryTranscription(deps),
	)

	s.AddTool(
		mcp.NewTool("retry_webhook",
			mcp.WithDescription("Reset webhook retries for a recording and deliver it now."),
			mcp.WithString("id", mcp.Description("Recording ID"), mcp.Required()),
		),
		mcpRetryWebhook(deps),
	)

	// Resources
	s.AddResource(
		mcp.NewResource(
			"ramble://queue",
			"Transcription Queue",
			mcp.WithResourceDescription("Pending transcription jobs in processing order"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceQueue(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"ramble://stats",
			"Library Stats",
			mcp.WithResourceDescription("Recording counts, total duration, estimated cost and delivery totals"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceStats(deps),
	)

	return s
}

type recordingSummary struct {
	ID            string  `json:"id"`
	CreatedAt     string  `json:"created_at"`
	Duration      float64 `json:"duration"`
	Status        string  `json:"status"`
	Preview       string  `json:"preview,omitempty"`
	WebhookStatus string  `json:"webhook_status"`
}

func mcpListRecordings(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status := storage.TranscriptionStatus(req.GetString("status", ""))
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		recs, err := deps.Store.ListRecordings()
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list recordings: %v", err)), nil
		}

		summaries := []recordingSummary{}
		for _, r := range recs {
			if status != "" && r.TranscriptionStatus != status {
				continue
			}
			if len(summaries) == limit {
				break
			}
			summaries = append(summaries, summarize(r, deps.MaxWebhookRetries))
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func summarize(r storage.Recording, maxWebhookRetries int) recordingSummary {
	s := recordingSummary{
		ID:            r.ID,
		CreatedAt:     r.CreatedAt.Format(time.RFC3339),
		Duration:      r.Duration,
		Status:        string(r.TranscriptionStatus),
		WebhookStatus: "none",
	}
	if r.Transcription != nil {
		s.Preview = *r.Transcription
		if utf8.RuneCountInString(s.Preview) > 200 {
			runes := []rune(s.Preview)
			s.Preview = string(runes[:200]) + "..."
		}
	}
	if last, ok := r.LastWebhookAttempt(); ok {
		switch {
		case last.Success:
			s.WebhookStatus = "delivered"
		case r.WebhookRetriesExhausted(maxWebhookRetries):
			s.WebhookStatus = "exhausted"
		default:
			s.WebhookStatus = "retrying"
		}
	}
	return s
}

func mcpGetTranscript(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}

		rec, err := deps.Store.GetRecording(id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("recording %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get recording: %v", err)), nil
		}
		if rec.TranscriptionStatus != storage.StatusCompleted || rec.Transcription == nil {
			return mcpError(fmt.Sprintf("recording %s has no transcript (status %s)", id, rec.TranscriptionStatus)), nil
		}
		return mcpText(*rec.Transcription), nil
	}
}

func mcpRetryTranscription(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		if err := deps.Pipeline.RetryTranscription(deps.BaseContext, id); err != nil {
			return mcpError(fmt.Sprintf("retry failed: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Queued recording %s for transcription", id)), nil
	}
}

func mcpRetryWebhook(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return mcpError("id is required"), nil
		}
		if err := deps.Webhooks.RetryWebhook(deps.BaseContext, id); err != nil {
			return mcpError(fmt.Sprintf("retry failed: %v", err)), nil
		}

		rec, err := deps.Store.GetRecording(id)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get recording: %v", err)), nil
		}
		last, ok := rec.LastWebhookAttempt()
		switch {
		case !ok:
			return mcpText("Webhook is not configured; nothing was sent"), nil
		case last.Success:
			return mcpText(fmt.Sprintf("Delivered recording %s", id)), nil
		default:
			return mcpText(fmt.Sprintf("Delivery of %s failed (%s); retry scheduled", id, last.ErrorMessage)), nil
		}
	}
}

func mcpResourceQueue(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		jobs, err := deps.Pipeline.Jobs()
		if err != nil {
			return nil, fmt.Errorf("failed to list jobs: %w", err)
		}
		if jobs == nil {
			jobs = []storage.TranscriptionJob{}
		}

		b, err := json.Marshal(QueueStatus{
			Processing:           deps.Pipeline.IsProcessing(),
			ActiveWork:           deps.Pipeline.HasActiveWork(),
			ActiveWebhookRetries: deps.Webhooks.ActiveCount(),
			Jobs:                 jobs,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal queue: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpResourceStats(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		st, err := deps.Library.Stats(deps.MaxWebhookRetries)
		if err != nil {
			return nil, fmt.Errorf("failed to compute stats: %w", err)
		}

		b, err := json.Marshal(st)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal stats: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
