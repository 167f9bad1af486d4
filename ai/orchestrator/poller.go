package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/staymate/concierge/ai/assistant"
)

const (
	defaultPollInterval = time.Second
	defaultPollTimeout  = 30 * time.Second
)

// RunPoller waits for a remote run to reach a terminal state.
//
// One bound is authoritative: the wall-clock timeout. The attempt cap is
// derived from timeout/interval as a safety net in case the interval and the
// clock drift apart; whichever triggers first stops polling with PollTimeout.
type RunPoller struct {
	gateway  assistant.Gateway
	interval time.Duration
	timeout  time.Duration
}

// NewRunPoller creates a poller. Zero interval/timeout fall back to the
// defaults (1s, 30s).
func NewRunPoller(gateway assistant.Gateway, interval, timeout time.Duration) *RunPoller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	if timeout <= 0 {
		timeout = defaultPollTimeout
	}
	return &RunPoller{gateway: gateway, interval: interval, timeout: timeout}
}

// Await polls the run until it reaches a terminal state.
//
// Returns the terminal run on completion; a typed error for provider-reported
// failure (RunFailed), exhausted bounds (PollTimeout), or an unreachable
// gateway (AssistantUnavailable). When the caller's context is cancelled
// (thread switch, teardown) the context error is returned as-is: abandoned
// work is not a user-visible failure.
func (p *RunPoller) Await(ctx context.Context, threadToken string, run *assistant.Run) (*assistant.Run, error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	maxAttempts := int(p.timeout/p.interval) + 1
	current := run

	for attempt := 0; ; attempt++ {
		switch current.Status {
		case assistant.RunStatusCompleted:
			return current, nil
		case assistant.RunStatusFailed:
			return nil, &Error{Kind: KindRunFailed, Detail: current.LastErrorMessage}
		case assistant.RunStatusCancelled:
			return nil, &Error{Kind: KindRunFailed, Detail: "run was cancelled"}
		}

		if attempt >= maxAttempts {
			slog.Warn("run poller: attempt cap reached",
				"run_id", current.ID,
				"attempts", attempt,
			)
			return nil, Ef(KindPollTimeout, "run %s not terminal after %d polls", current.ID, attempt)
		}

		// Check cancellation before each wait so a thread switch or teardown
		// stops the loop without issuing another status request.
		select {
		case <-waitCtx.Done():
			return nil, p.doneError(ctx, waitCtx, current)
		case <-time.After(p.interval):
		}

		next, err := p.gateway.GetRunStatus(waitCtx, threadToken, current.ID)
		if err != nil {
			if waitCtx.Err() != nil {
				return nil, p.doneError(ctx, waitCtx, current)
			}
			return nil, E(KindAssistantUnavailable, err)
		}
		current = next
	}
}

// doneError distinguishes the caller abandoning the poll from the poll
// timing out: only the latter is a user-visible failure.
func (p *RunPoller) doneError(parent, waitCtx context.Context, run *assistant.Run) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if waitCtx.Err() == context.DeadlineExceeded {
		return Ef(KindPollTimeout, "run %s not terminal after %s", run.ID, p.timeout)
	}
	return waitCtx.Err()
}
