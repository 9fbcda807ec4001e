package sync

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/schaermu/starsync/internal/github"
)

type attemptResult int

const (
	attemptStarred attemptResult = iota
	attemptSkipped
)

// rateLimitBackOff waits exactly as long as the last rate-limited response
// asked for. It never gives up on its own.
type rateLimitBackOff struct {
	delay time.Duration
}

func (b *rateLimitBackOff) NextBackOff() time.Duration { return b.delay }

func (b *rateLimitBackOff) Reset() { b.delay = backoff.Stop }

// sleepTimer drives backoff waits through the engine's sleep function.
// C stays empty when the sleep was interrupted so the context wins.
type sleepTimer struct {
	ctx   context.Context
	sleep func(context.Context, time.Duration) error
	c     chan time.Time
}

func (t *sleepTimer) Start(d time.Duration) {
	t.c = make(chan time.Time, 1)
	if t.sleep(t.ctx, d) == nil {
		t.c <- time.Now()
	}
}

func (t *sleepTimer) Stop() {}

func (t *sleepTimer) C() <-chan time.Time { return t.c }

// attemptWithBackoff runs action until it succeeds or fails with something
// other than a rate limit. Each rate-limited attempt waits for the delay the
// API asked for and retries the same action; there is no retry cap.
func (e *Engine) attemptWithBackoff(ctx context.Context, logger *slog.Logger, action func(context.Context) error) (attemptResult, error) {
	limit := &rateLimitBackOff{}
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := action(ctx)
		if err == nil {
			return nil
		}
		delay, limited := github.RetryDelay(err, e.now(), e.cfg.Sync.FallbackBackoff)
		if !limited {
			return backoff.Permanent(err)
		}
		limit.delay = delay
		return err
	}

	attempt := 0
	notify := func(_ error, delay time.Duration) {
		attempt++
		logger.Warn("rate limit exceeded, backing off",
			"attempt", attempt,
			"retry_in", delay.String())
		e.progress.Update("rate limited, retrying in " + delay.String())
	}

	timer := &sleepTimer{ctx: ctx, sleep: e.sleep}
	if err := backoff.RetryNotifyWithTimer(operation, backoff.WithContext(limit, ctx), notify, timer); err != nil {
		return attemptSkipped, err
	}
	return attemptStarred, nil
}
