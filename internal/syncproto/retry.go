package syncproto

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/oxcart/dvcs/internal/dvcserr"
)

// maxRPCAttempts is spec.md §4.8's "retried with exponential backoff up to
// a fixed cap (default 5)".
const maxRPCAttempts = 5

// withRetry runs fn with exponential backoff, retrying only dvcserr.Error
// values tagged TransportError — every other kind (RemoteAhead,
// BranchLocked, AuthError, ...) is a permanent failure the caller must act
// on, not a transient network blip.
func withRetry(ctx context.Context, fn func(context.Context) error) error {
	b, err := retry.NewExponential(100 * time.Millisecond)
	if err != nil {
		return err
	}
	b = retry.WithMaxRetries(maxRPCAttempts, b)
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if dvcserr.KindOf(err) == dvcserr.TransportError {
			return retry.RetryableError(err)
		}
		return err
	})
}

// withRetryValue is withRetry for RPCs that return a value alongside error.
func withRetryValue[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := withRetry(ctx, func(ctx context.Context) error {
		v, ferr := fn(ctx)
		if ferr != nil {
			return ferr
		}
		result = v
		return nil
	})
	return result, err
}
