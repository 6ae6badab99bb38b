package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/ramble/internal/config"
	"github.com/kalambet/ramble/internal/events"
	"github.com/kalambet/ramble/internal/library"
	"github.com/kalambet/ramble/internal/storage"
)

// --- import ---

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import an audio file and queue it for transcription",
	Long: `Import an audio file and queue it for transcription.

Examples:
  ramble import ./memo.m4a --duration 42.5
  ramble import ~/Voice/standup.wav --duration 310`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		duration, _ := cmd.Flags().GetFloat64("duration")
		if duration < 0 {
			return fmt.Errorf("--duration must not be negative")
		}

		path, err := filepath.Abs(args[0])
		if err != nil {
			return fmt.Errorf("resolving path: %w", err)
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("reading audio file: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/recordings", map[string]any{
			"path":     path,
			"duration": duration,
		})
		if err != nil {
			return err
		}

		var rec storage.Recording
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}

		printSuccess("Queued recording %s", rec.ID)
		return nil
	},
}

func init() {
	importCmd.Flags().Float64("duration", 0, "recording length in seconds")
}

// --- recordings ---

var recordingsCmd = &cobra.Command{
	Use:     "recordings",
	Aliases: []string{"rec"},
	Short:   "Inspect and manage recordings",
}

var recordingsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recordings, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		status, _ := cmd.Flags().GetString("status")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("limit", fmt.Sprint(limit))
		if status != "" {
			q.Set("status", status)
		}
		resp, err := client.get(cmd.Context(), "/recordings?"+q.Encode())
		if err != nil {
			return err
		}

		var recs []storage.Recording
		if err := decodeJSON(resp, &recs); err != nil {
			return err
		}

		if len(recs) == 0 {
			fmt.Println("No recordings found.")
			return nil
		}

		for _, r := range recs {
			fmt.Println(recordingLine(r))
		}
		return nil
	},
}

func recordingLine(r storage.Recording) string {
	id := r.ID
	if len(id) > 8 {
		id = id[:8]
	}
	preview := ""
	if r.Transcription != nil {
		preview = strings.ReplaceAll(*r.Transcription, "\n", " ")
		if len([]rune(preview)) > 60 {
			preview = string([]rune(preview)[:60]) + "..."
		}
	}
	return fmt.Sprintf("%s  %s  %8s  %s  %s",
		colorize(colorCyan, id),
		r.CreatedAt.Local().Format("2006-01-02 15:04"),
		formatDuration(r.Duration),
		colorize(statusColor(string(r.TranscriptionStatus)), fmt.Sprintf("%-10s", r.TranscriptionStatus)),
		preview,
	)
}

var recordingsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single recording",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/recordings/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var rec any
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rec)
	},
}

var recordingsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a recording, its queued job and its audio",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/recordings/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted recording %s", args[0])
		return nil
	},
}

var recordingsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all recordings as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/recordings/export")
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(resp.Body)
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, errorMessage(body))
		}

		var writer io.Writer = os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			writer = f
		}

		if _, err := io.Copy(writer, resp.Body); err != nil {
			return fmt.Errorf("writing export: %w", err)
		}

		if output != "" {
			printSuccess("Recordings exported to %s", output)
		}
		return nil
	},
}

var recordingsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete all recordings",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL recordings and their audio. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Deleting recordings...")
		resp, err := client.delete(cmd.Context(), "/recordings")
		if err != nil {
			return err
		}

		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted %d recording(s)", result["deleted"])
		return nil
	},
}

func init() {
	recordingsListCmd.Flags().Int("limit", 20, "maximum number of recordings to list")
	recordingsListCmd.Flags().String("status", "", "only list recordings in this status")
	recordingsExportCmd.Flags().String("output", "", "output file path (default: stdout)")
	recordingsPurgeCmd.Flags().Bool("confirm", false, "confirm deletion")
	recordingsCmd.AddCommand(recordingsListCmd)
	recordingsCmd.AddCommand(recordingsShowCmd)
	recordingsCmd.AddCommand(recordingsDeleteCmd)
	recordingsCmd.AddCommand(recordingsExportCmd)
	recordingsCmd.AddCommand(recordingsPurgeCmd)
}

// --- retry ---

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Manually retry a failed stage",
}

var retryTranscriptionCmd = &cobra.Command{
	Use:   "transcription <id>",
	Short: "Queue a recording for transcription with a fresh retry budget",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/recordings/"+url.PathEscape(args[0])+"/retry-transcription", nil)
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued recording %s for transcription", args[0])
		return nil
	},
}

var retryWebhookCmd = &cobra.Command{
	Use:   "webhook <id>",
	Short: "Reset webhook retries and deliver a recording now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/recordings/"+url.PathEscape(args[0])+"/retry-webhook", nil)
		if err != nil {
			return err
		}

		var rec storage.Recording
		if err := decodeJSON(resp, &rec); err != nil {
			return err
		}

		last, ok := rec.LastWebhookAttempt()
		switch {
		case !ok:
			printWarning("Webhook is not configured; nothing was sent")
		case last.Success:
			printSuccess("Delivered recording %s", rec.ID)
		default:
			printError("Delivery failed: %s", last.ErrorMessage)
			if rec.NextWebhookRetryAt != nil {
				printStatus("Next retry", "%s", rec.NextWebhookRetryAt.Local().Format(time.RFC3339))
			}
		}
		return nil
	},
}

func init() {
	retryCmd.AddCommand(retryTranscriptionCmd)
	retryCmd.AddCommand(retryWebhookCmd)
}

// --- queue ---

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Show the transcription queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printPipelineStatus(cmd.Context(), client)

		resp, err := client.get(cmd.Context(), "/queue")
		if err != nil {
			return err
		}
		var qs struct {
			Jobs []storage.TranscriptionJob `json:"jobs"`
		}
		if err := decodeJSON(resp, &qs); err != nil {
			return err
		}
		for i, j := range qs.Jobs {
			line := fmt.Sprintf("%2d. %s  retries=%d", i+1, j.RecordingID, j.RetryCount)
			if j.NextRetryAt != nil {
				line += "  next=" + j.NextRetryAt.Local().Format(time.Kitchen)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var queueResumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume processing and sweep due webhook retries",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/queue/resume", nil)
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queue resumed")
		return nil
	},
}

func init() {
	queueCmd.AddCommand(queueResumeCmd)
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show library totals and estimated cost",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/stats")
		if err != nil {
			return err
		}

		var st library.Stats
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}

		printStatus("Recordings", "%d", st.Recordings)
		for _, s := range []storage.TranscriptionStatus{
			storage.StatusPending, storage.StatusUploading, storage.StatusProcessing,
			storage.StatusCompleted, storage.StatusFailed,
		} {
			if n := st.ByStatus[s]; n > 0 {
				printStatus("  "+string(s), "%d", n)
			}
		}
		printStatus("Audio", "%s", formatDuration(st.TotalDuration))
		printStatus("Estimated cost", "$%.4f", st.EstimatedCostUSD)
		printStatus("Delivered", "%d", st.WebhookDelivered)
		printStatus("Pending retry", "%d", st.WebhookPending)
		printStatus("Exhausted", "%d", st.WebhookExhausted)
		return nil
	},
}

// --- events ---

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow pipeline events from the running daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		since, _ := cmd.Flags().GetInt64("since")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		conn, err := client.dialEvents(ctx, since)
		if err != nil {
			return err
		}
		defer conn.Close()
		go func() {
			<-ctx.Done()
			conn.Close()
		}()

		for {
			var e events.Event
			if err := conn.ReadJSON(&e); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("event stream closed: %w", err)
			}
			fmt.Println(eventLine(e))
		}
	},
}

func eventLine(e events.Event) string {
	line := fmt.Sprintf("%s %5d %-18s %s",
		e.Timestamp.Local().Format("15:04:05"),
		e.Seq,
		colorize(colorBold, string(e.Type)),
		e.RecordingID,
	)
	if e.Status != "" {
		line += " " + colorize(statusColor(e.Status), e.Status)
	}
	if e.Message != "" {
		line += " " + e.Message
	}
	return line
}

func init() {
	eventsCmd.Flags().Int64("since", 0, "replay retained events after this sequence number")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
