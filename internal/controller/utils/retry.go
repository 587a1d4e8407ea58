package utils

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/sladg/pgvault-operator/internal/constants"
)

// RetryOnConflict runs operation again with exponential backoff while it
// fails with a conflict. Any other error ends the retries.
func RetryOnConflict(ctx context.Context, operation func() error) error {
	backoffConfig := backoff.NewExponentialBackOff()
	backoffConfig.InitialInterval = 250 * time.Millisecond
	backoffConfig.MaxInterval = 1 * time.Second
	backoffConfig.MaxElapsedTime = 10 * time.Second
	backoffConfig.Multiplier = 2.0

	return backoff.Retry(func() error {
		err := operation()
		if err != nil && errors.IsConflict(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(backoffConfig, ctx))
}

// WaitFor polls condition until it reports done. Exceeding timeout yields a
// RetryableError; cancellation of ctx is returned as is.
func WaitFor(ctx context.Context, interval, timeout time.Duration, what string, condition wait.ConditionWithContextFunc) error {
	err := wait.PollUntilContextTimeout(ctx, interval, timeout, true, condition)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if wait.Interrupted(err) {
		return NewRetryable(constants.ProvisioningRetryDelay, "timed out after %s waiting for %s", timeout, what)
	}
	return err
}
