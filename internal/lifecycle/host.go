// Package lifecycle drives the pipeline from process events: foregrounding,
// periodic background wakes under a time budget, and suspension.
package lifecycle

import (
	"context"
	"log/slog"
	"time"
)

const (
	// DefaultBudget is the wall-clock window granted to a background wake.
	DefaultBudget = 25 * time.Second
	// DefaultInterval is how often periodic wakes fire.
	DefaultInterval = 15 * time.Minute
	// DefaultPollInterval is how often active work is polled within a budget.
	DefaultPollInterval = time.Second
)

// Worker is the pipeline surface the host drives.
type Worker interface {
	Resume(ctx context.Context)
	HasActiveWork() bool
}

// Host adapts process lifecycle events to Worker calls.
type Host struct {
	worker Worker
	poll   time.Duration
	logger *slog.Logger
}

// New creates a Host. If poll is <= 0, it defaults to DefaultPollInterval.
func New(w Worker, poll time.Duration) *Host {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	return &Host{worker: w, poll: poll, logger: slog.Default()}
}

// Foreground resumes pending work. ctx bounds the work it starts.
func (h *Host) Foreground(ctx context.Context) {
	h.worker.Resume(ctx)
}

// Wake resumes pending work under budget and waits for it to drain. It
// returns true when the worker went idle, false when the budget expired; in
// that case work started by this wake is cancelled and left for the next one.
func (h *Host) Wake(ctx context.Context, budget time.Duration) bool {
	if budget <= 0 {
		budget = DefaultBudget
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	h.worker.Resume(ctx)
	idle := h.waitIdle(ctx)
	if !idle {
		h.logger.Warn("wake budget expired with work in flight", "budget", budget)
	}
	return idle
}

// Drain waits up to budget for in-flight work to finish without starting
// anything new. It reports whether the worker went idle.
func (h *Host) Drain(ctx context.Context, budget time.Duration) bool {
	if budget <= 0 {
		budget = DefaultBudget
	}
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	return h.waitIdle(ctx)
}

// RunPeriodic resumes work every interval until ctx is cancelled. Work it
// starts runs under ctx with no budget.
func (h *Host) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.logger.Debug("periodic wake")
			h.worker.Resume(ctx)
		}
	}
}

func (h *Host) waitIdle(ctx context.Context) bool {
	ticker := time.NewTicker(h.poll)
	defer ticker.Stop()

	for {
		if !h.worker.HasActiveWork() {
			return true
		}
		select {
		case <-ctx.Done():
			return !h.worker.HasActiveWork()
		case <-ticker.C:
		}
	}
}
