package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/loqalabs/loqa-scribe/internal/policy"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// invocation calls the recognizer for one attempt, retrying transient
// failures with exponential backoff. Each call gets its own timeout.
type invocation struct {
	o      *Orchestrator
	policy *policy.Policy
	req    stt.Request
	log    *slog.Logger
	calls  atomic.Int32
}

func (inv *invocation) run(ctx context.Context) (*stt.Result, error) {
	var out stt.Result
	op := func() error {
		inv.calls.Add(1)
		callCtx, cancel := context.WithTimeout(ctx, inv.policy.AttemptTimeout())
		defer cancel()
		res, err := inv.o.recognizer.Transcribe(callCtx, inv.req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		out = res
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = inv.policy.RetryBaseDelay()
	b.MaxInterval = 8 * inv.policy.RetryBaseDelay()
	b.MaxElapsedTime = 0
	retry := backoff.WithContext(backoff.WithMaxRetries(b, uint64(inv.policy.MaxRetries)), ctx)

	notify := func(err error, wait time.Duration) {
		inv.o.metrics.recordRetry(ctx, inv.req.Tier.Name)
		inv.log.Warn("recognizer call failed, retrying",
			slog.String("tier", inv.req.Tier.Name),
			slog.Int("call", int(inv.calls.Load())),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()))
	}
	if err := backoff.RetryNotify(op, retry, notify); err != nil {
		if !errors.Is(err, stt.ErrBackend) {
			err = fmt.Errorf("%w: %w", stt.ErrBackend, err)
		}
		return nil, fmt.Errorf("tier %s after %d calls: %w", inv.req.Tier.Name, inv.calls.Load(), err)
	}
	return &out, nil
}

func (inv *invocation) retries() int {
	if n := int(inv.calls.Load()) - 1; n > 0 {
		return n
	}
	return 0
}
