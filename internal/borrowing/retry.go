package borrowing

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	dbpkg "github.com/angelmondragon/shelfledger-backend/pkg/db"
)

const retryJitterPercent = 20

// retryPolicy replays a whole transaction after the database aborted it for
// serialization or deadlock. Every other error ends the loop immediately.
type retryPolicy struct {
	attempts int
	base     time.Duration
}

func (p retryPolicy) backoff() retry.Backoff {
	attempts := p.attempts
	if attempts < 1 {
		attempts = 1
	}
	base := p.base
	if base <= 0 {
		base = time.Millisecond
	}
	b := retry.NewExponential(base)
	b = retry.WithJitterPercent(retryJitterPercent, b)
	return retry.WithMaxRetries(uint64(attempts-1), b)
}

// run calls fn until it succeeds, fails with a non-retryable error, or the
// attempt budget is spent. onRetry fires before each replay.
func (p retryPolicy) run(ctx context.Context, onRetry func(ctx context.Context, attempt int, err error), fn func(ctx context.Context) error) error {
	attempt := 0
	return retry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !dbpkg.IsSerializationFailure(err) {
			return err
		}
		if attempt < p.attempts && onRetry != nil {
			onRetry(ctx, attempt, err)
		}
		return retry.RetryableError(err)
	})
}
