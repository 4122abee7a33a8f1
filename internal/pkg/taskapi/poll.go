package taskapi

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/RedeemFox/internal/pkg/env"
)

const (
	DefaultPollAttempts = 20
	DefaultPollInterval = 3 * time.Second
)

type PollConfig struct {
	Attempts int
	Interval time.Duration
}

func LoadPollConfig() PollConfig {
	return PollConfig{
		Attempts: env.GetEnvInt("TASK_POLL_ATTEMPTS", DefaultPollAttempts),
		Interval: env.GetEnvDuration("TASK_POLL_INTERVAL", DefaultPollInterval),
	}
}

// Poll checks the task until it is terminal, the attempt budget is spent or
// ctx is done. A failed status call uses up an attempt but does not end the
// loop. onStatus, if set, sees every non-terminal status.
func Poll(ctx context.Context, api API, kind Kind, taskID string, cfg PollConfig, onStatus func(*Status)) (*Status, error) {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultPollAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		st, err := api.Status(ctx, kind, taskID)
		switch {
		case err != nil:
			lastErr = err
			log.Warnf("[TaskAPI] %s task %s poll %d/%d failed: %v", kind, taskID, attempt, cfg.Attempts, err)
		case st.Terminal():
			return st, nil
		case onStatus != nil:
			onStatus(st)
		}

		if attempt == cfg.Attempts {
			break
		}
		if err := wait(ctx, cfg.Interval); err != nil {
			return nil, err
		}
	}

	if lastErr != nil {
		return nil, fmt.Errorf("%w: %s task %s: last error: %v", ErrTaskTimeout, kind, taskID, lastErr)
	}
	return nil, fmt.Errorf("%w: %s task %s after %d attempts", ErrTaskTimeout, kind, taskID, cfg.Attempts)
}

func wait(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil || d <= 0 {
		return err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
