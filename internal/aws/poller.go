package aws

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// StateHandle is a resource whose state is observed by polling.
type StateHandle interface {
	ID() string
	State() string
	Refresh(ctx context.Context) error
}

// Poller waits for a set of handles to reach a target state, checking at a
// fixed interval until a deadline.
type Poller struct {
	logger *zap.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPoller creates a poller using the wall clock.
func NewPoller(logger *zap.Logger) *Poller {
	return &Poller{
		logger: logger,
		now:    time.Now,
		sleep:  sleepContext,
	}
}

// WaitForState refreshes every handle not yet in target until all of them
// report it or timeout elapses. It returns nil as soon as every handle
// matches, without sleeping; an empty handle set matches immediately.
//
// A failing Refresh aborts the wait and its error is returned. When the
// deadline passes with handles still pending a *TimeoutError is returned.
// Cancelling ctx interrupts the sleep between checks.
func (p *Poller) WaitForState(ctx context.Context, handles []StateHandle, target string, timeout, interval time.Duration) error {
	if len(handles) == 0 {
		return nil
	}

	start := p.now()
	deadline := start.Add(timeout)
	pending := handles

	for {
		for _, h := range pending {
			if err := h.Refresh(ctx); err != nil {
				return fmt.Errorf("refreshing %s while waiting for %s: %w", h.ID(), target, err)
			}
		}

		wrong := pending[:0:0]
		for _, h := range pending {
			if h.State() != target {
				wrong = append(wrong, h)
			}
		}
		pending = wrong

		if len(pending) == 0 {
			p.logger.Debug("All handles reached target state",
				zap.String("target_state", target),
				zap.Int("count", len(handles)),
				zap.Duration("elapsed", p.now().Sub(start)))
			return nil
		}

		if now := p.now(); now.After(deadline) {
			return &TimeoutError{
				TargetState: target,
				Elapsed:     now.Sub(start),
				Pending:     ids(pending),
			}
		}

		p.logger.Info("Waiting for instances to change state",
			zap.String("target_state", target),
			zap.String("pending", describe(pending)))

		if err := p.sleep(ctx, interval); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func ids(handles []StateHandle) []string {
	out := make([]string, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.ID())
	}
	return out
}

// describe renders handles as "id state, id state".
func describe(handles []StateHandle) string {
	parts := make([]string, 0, len(handles))
	for _, h := range handles {
		parts = append(parts, h.ID()+" "+h.State())
	}
	return strings.Join(parts, ", ")
}
