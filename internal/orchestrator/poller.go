package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/cuongbtq/restyle-pipeline/internal/domain"
)

// CheckFunc inspects a remote operation once. done stops the loop; a non-nil
// error aborts it. Transient failures should be swallowed by the check.
type CheckFunc func(ctx context.Context) (done bool, err error)

// Poll runs check immediately and then on every interval tick until it is done,
// fails, or ceiling elapses. Exceeding the ceiling yields a TIMEOUT error.
func Poll(ctx context.Context, interval, ceiling time.Duration, check CheckFunc) error {
	if interval <= 0 {
		return errors.New("poll interval must be positive")
	}

	pollCtx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := check(pollCtx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-pollCtx.Done():
			return expired(ctx, ceiling)
		case <-ticker.C:
		}
	}
}

func expired(parent context.Context, ceiling time.Duration) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return parent.Err()
	}
	return domain.NewError(domain.CodeTimeout, "provider did not finish within %s", ceiling)
}
