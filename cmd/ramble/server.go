package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/ramble/internal/api"
	"github.com/kalambet/ramble/internal/config"
	"github.com/kalambet/ramble/internal/events"
	"github.com/kalambet/ramble/internal/library"
	"github.com/kalambet/ramble/internal/lifecycle"
	"github.com/kalambet/ramble/internal/queue"
	"github.com/kalambet/ramble/internal/retry"
	"github.com/kalambet/ramble/internal/storage"
	"github.com/kalambet/ramble/internal/transcribe"
	"github.com/kalambet/ramble/internal/webhook"
)

const maxConnections = 64

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ramble daemon (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		mcp, _ := cmd.Flags().GetBool("mcp")
		return runServer(mcp)
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running ramble daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return stopServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show ramble daemon and pipeline status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus(cmd.Context())
	},
}

var wakeCmd = &cobra.Command{
	Use:   "wake",
	Short: "Drain pending work once within a time budget, then exit",
	Long: `Run the pipeline once without the daemon: resume queued transcriptions and
due webhook retries, wait for them to finish, and exit when idle or when the
budget runs out. Work cut off by the budget stays persisted for the next wake.

Intended for cron or launchd when the daemon is not running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		budget, _ := cmd.Flags().GetDuration("budget")
		return runWake(budget)
	},
}

func init() {
	serveCmd.Flags().Bool("mcp", false, "also serve MCP over stdio")
	wakeCmd.Flags().Duration("budget", 0, "wall-clock budget (default from lifecycle.wake_budget)")
}

func pidFilePath(dataDir string) string {
	return filepath.Join(dataDir, "ramble.pid")
}

func writePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func removePIDFile(path string) {
	os.Remove(path)
}

func setupLogging(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

func healthURL(cfg config.Config) string {
	return fmt.Sprintf("http://127.0.0.1:%d/health", cfg.Server.Port)
}

// daemonRunning reports whether something answers the daemon's health check.
func daemonRunning(cfg config.Config) bool {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(healthURL(cfg))
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// pipelineApp is the wired pipeline shared by serve and wake.
type pipelineApp struct {
	store   *storage.Store
	bus     *events.Bus
	tracker *queue.WebhookTracker
	queue   *queue.Queue
	library *library.Library
	host    *lifecycle.Host
}

func buildPipeline(ctx context.Context, cfg config.Config) (*pipelineApp, error) {
	if err := cfg.RequireTranscriptionKey(); err != nil {
		return nil, err
	}

	provider, err := transcribe.New(ctx, transcribe.Config{
		Provider: cfg.Transcription.Provider,
		APIKey:   cfg.Transcription.APIKey,
		BaseURL:  cfg.Transcription.BaseURL,
		Model:    cfg.Transcription.Model,
	})
	if err != nil {
		return nil, fmt.Errorf("creating transcription provider: %w", err)
	}

	token := cfg.Webhook.Token
	if token == "" && cfg.Webhook.URL != "" {
		if token, err = config.GetWebhookToken(config.NewKeychain()); err != nil {
			return nil, fmt.Errorf("getting webhook token: %w", err)
		}
	}
	sender := webhook.NewSender(cfg.Webhook.URL, token, cfg.WebhookTimeout())
	if !sender.Configured() {
		slog.Warn("webhook URL not configured; transcripts will not be delivered")
	}

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	bus := events.NewBus(0)
	tracker := queue.NewWebhookTracker(store, sender, queue.TrackerConfig{Events: bus})
	q := queue.New(store, provider, tracker, queue.Config{
		QualityThreshold: cfg.Transcription.QualityThreshold,
		Events:           bus,
	})
	lib, err := library.New(store, q, cfg.Storage.DataDir, bus)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &pipelineApp{
		store:   store,
		bus:     bus,
		tracker: tracker,
		queue:   q,
		library: lib,
		host:    lifecycle.New(q, 0),
	}, nil
}

func (a *pipelineApp) close() {
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

func runServer(withMCP bool) error {
	fmt.Fprintf(os.Stderr, "ramble version %s\n", version)

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	apiToken, err := config.GetAPIToken(config.NewKeychain())
	if err != nil {
		return fmt.Errorf("initializing API token: %w", err)
	}
	slog.Info("API bearer token available")

	pidPath := pidFilePath(cfg.Storage.DataDir)
	if daemonRunning(cfg) {
		if pid, pidErr := readPIDFile(pidPath); pidErr == nil {
			printWarning("ramble is already running (PID %d)", pid)
			return fmt.Errorf("server already running (PID %d)", pid)
		}
		printWarning("ramble is already running on port %d", cfg.Server.Port)
		return fmt.Errorf("server already running on port %d", cfg.Server.Port)
	}
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(pidPath)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Pipeline work outlives the signal so in-flight jobs get a drain window.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	app, err := buildPipeline(workCtx, cfg)
	if err != nil {
		return err
	}
	defer app.close()

	maxWebhookRetries := retry.Webhook().MaxTotal
	handler := api.NewAppHandler(api.Deps{
		Store:             app.store,
		Library:           app.library,
		Pipeline:          app.queue,
		Webhooks:          app.tracker,
		Events:            app.bus,
		Token:             apiToken,
		BaseContext:       workCtx,
		MaxWebhookRetries: maxWebhookRetries,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	ln = netutil.LimitListener(ln, maxConnections)
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	if withMCP {
		mcpSrv := api.NewMCPServer(api.MCPDeps{
			Store:             app.store,
			Library:           app.library,
			Pipeline:          app.queue,
			Webhooks:          app.tracker,
			BaseContext:       workCtx,
			MaxWebhookRetries: maxWebhookRetries,
		})
		stdioSrv := server.NewStdioServer(mcpSrv)
		go func() {
			if err := stdioSrv.Listen(sigCtx, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("MCP stdio server error", "error", err)
			}
		}()
		slog.Info("MCP server started (stdio transport)")
	}

	app.host.Foreground(workCtx)
	go app.host.RunPeriodic(workCtx, cfg.WakeInterval())

	g, gCtx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "ramble listening on %s\n", addr)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gCtx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	serveErr := g.Wait()

	if !app.host.Drain(context.Background(), cfg.WakeBudget()) {
		slog.Warn("work still in flight at shutdown; it resumes on next start")
	}
	cancelWork()
	app.queue.Wait()
	app.tracker.Wait()
	return serveErr
}

func runWake(budget time.Duration) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogging(cfg.Log.Level)

	if daemonRunning(cfg) {
		return fmt.Errorf("ramble daemon is running on port %d and processes work itself", cfg.Server.Port)
	}
	if budget <= 0 {
		budget = cfg.WakeBudget()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.close()

	start := time.Now()
	idle := app.host.Wake(ctx, budget)

	// Work cancelled by the budget still needs to record its outcome.
	app.host.Drain(context.Background(), 5*time.Second)
	app.queue.Wait()
	app.tracker.Wait()

	if !idle {
		printWarning("Budget of %s expired; remaining work stays queued", budget)
		return nil
	}
	printSuccess("Pipeline idle after %s", time.Since(start).Round(time.Millisecond))
	return nil
}

func stopServer() error {
	cfg, err := config.Load()
	if err != nil {
		printError("could not load config: %v", err)
		return err
	}

	pidPath := pidFilePath(cfg.Storage.DataDir)
	pid, err := readPIDFile(pidPath)
	if err != nil {
		printError("ramble is not running (no PID file)")
		return fmt.Errorf("not running: %w", err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		printError("could not find process %d", pid)
		return err
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		printError("could not stop ramble (PID %d): %v", pid, err)
		removePIDFile(pidPath)
		return err
	}

	printSuccess("Sent stop signal to ramble (PID %d)", pid)
	return nil
}

func showStatus(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	running := daemonRunning(cfg)
	if running {
		printStatus("Server", "running on port %d", cfg.Server.Port)
	} else {
		printStatus("Server", "stopped")
	}
	printStatus("Provider", "%s", cfg.Transcription.Provider)
	if cfg.Webhook.URL != "" {
		printStatus("Webhook", "%s", cfg.Webhook.URL)
	} else {
		printStatus("Webhook", "%s", colorize(colorYellow, "not configured"))
	}

	if running {
		client, err := newAPIClient()
		if err == nil {
			printPipelineStatus(ctx, client)
		}
	}

	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}

func printPipelineStatus(ctx context.Context, client *apiClient) {
	if resp, err := client.get(ctx, "/queue"); err == nil {
		var qs api.QueueStatus
		if decodeJSON(resp, &qs) == nil {
			state := "idle"
			if qs.Processing {
				state = "transcribing"
			}
			printStatus("Queue", "%d job(s), %s", len(qs.Jobs), state)
			printStatus("Webhook retries", "%d active", qs.ActiveWebhookRetries)
		}
	}
	if resp, err := client.get(ctx, "/stats"); err == nil {
		var st library.Stats
		if decodeJSON(resp, &st) == nil {
			printStatus("Recordings", "%d (%s of audio, ~$%.2f)", st.Recordings, formatDuration(st.TotalDuration), st.EstimatedCostUSD)
			printStatus("Deliveries", "%d delivered, %d pending, %d exhausted", st.WebhookDelivered, st.WebhookPending, st.WebhookExhausted)
		}
	}
}
