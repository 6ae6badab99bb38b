// Package retry computes backoff delays for transcription and webhook delivery.
package retry

import "time"

// Policy is a stepped backoff schedule. Steps[n] is the delay before retry n
// (0-indexed); counts past the table reuse the last step.
//
// Webhook delivery uses two phases: the first MaxAutoscheduled retries follow
// Steps and are armed in-process, later ones follow BackgroundSteps and wait
// for a periodic wake. MaxTotal caps retries overall; zero means MaxAttempts
// alone applies.
type Policy struct {
	Steps            []time.Duration
	BackgroundSteps  []time.Duration
	MaxAutoscheduled int
	MaxAttempts      int
	MaxTotal         int
}

var inAppSteps = []time.Duration{
	5 * time.Second,
	15 * time.Second,
	45 * time.Second,
	90 * time.Second,
	180 * time.Second,
}

// Transcription is the schedule for failed transcription attempts. A job
// fails permanently once its retry count reaches MaxAttempts.
func Transcription() Policy {
	return Policy{
		Steps:       inAppSteps,
		MaxAttempts: 5,
	}
}

// Webhook is the two-phase schedule for failed webhook deliveries.
func Webhook() Policy {
	return Policy{
		Steps: inAppSteps,
		BackgroundSteps: []time.Duration{
			5 * time.Minute,
			10 * time.Minute,
			20 * time.Minute,
			30 * time.Minute,
		},
		MaxAutoscheduled: 5,
		MaxTotal:         15,
	}
}

// Delay returns the wait before retry n (0-indexed).
func (p Policy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if len(p.BackgroundSteps) > 0 && n >= p.MaxAutoscheduled {
		return step(p.BackgroundSteps, n-p.MaxAutoscheduled)
	}
	return step(p.Steps, n)
}

// Exhausted reports whether count failures used up the budget.
func (p Policy) Exhausted(count int) bool {
	if p.MaxTotal > 0 {
		return count >= p.MaxTotal
	}
	return p.MaxAttempts > 0 && count >= p.MaxAttempts
}

// Autoscheduled reports whether the retry following count failures is armed
// in-process rather than left to the next wake.
func (p Policy) Autoscheduled(count int) bool {
	if len(p.BackgroundSteps) == 0 {
		return true
	}
	return count <= p.MaxAutoscheduled
}

// Phase names the schedule phase for count failures, for logging.
func (p Policy) Phase(count int) string {
	if p.Autoscheduled(count) {
		return "in_app"
	}
	return "background"
}

func step(steps []time.Duration, i int) time.Duration {
	if len(steps) == 0 {
		return 0
	}
	if i >= len(steps) {
		return steps[len(steps)-1]
	}
	return steps[i]
}
