package pikamq

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is a reusable retry policy: a predicate plus a fixed wait,
// decoupled from any single call site. MaxAttempts == -1 means "retry
// until ctx's deadline".
type Policy struct {
	MaxAttempts int
	WaitFixed   time.Duration
	ShouldRetry func(error) bool
}

// Run executes op, retrying per the policy until it succeeds, a
// non-retryable error is returned, attempts are exhausted, or ctx is
// done. onRetry, if non-nil, is called with each retryable error
// before the wait (used by the notification sender to re-declare
// topology between attempts).
func (p Policy) Run(ctx context.Context, op func() error, onRetry func(error)) error {
	if p.MaxAttempts == 0 {
		return op()
	}

	wrapped := func() error {
		err := op()
		if err == nil {
			return nil
		}
		if p.ShouldRetry != nil && !p.ShouldRetry(err) {
			return backoff.Permanent(err)
		}
		if onRetry != nil {
			onRetry(err)
		}
		return err
	}

	b := backoff.BackOff(&backoff.ConstantBackOff{Interval: p.WaitFixed})
	if p.MaxAttempts > 0 {
		// first attempt plus (MaxAttempts-1) retries == MaxAttempts tries.
		b = backoff.WithMaxRetries(b, uint64(p.MaxAttempts-1))
	}
	b = backoff.WithContext(b, ctx)

	err := backoff.Retry(wrapped, b)
	// backoff reports a spent deadline as ctx.Err(); callers only ever
	// see MessagingTimeout for an exceeded deadline.
	if err == context.DeadlineExceeded || err == context.Canceled {
		return &MessagingTimeout{Reason: err.Error()}
	}
	return err
}

// rpcSendRetryPredicate retries ConnectionException and
// MessageDeliveryFailure, the two transient kinds an RPC publish can
// produce.
func rpcSendRetryPredicate(err error) bool {
	switch err.(type) {
	case *ConnectionException, *MessageDeliveryFailure:
		return true
	default:
		return false
	}
}

// rpcReplyRetryPredicate retries any transport error when sending a
// reply back to a caller.
func rpcReplyRetryPredicate(err error) bool {
	switch err.(type) {
	case *ConnectionException, *MessageDeliveryFailure, *MessageRejectedException:
		return true
	default:
		return false
	}
}

// notificationRetryPredicate retries transport errors and, on
// ExchangeNotFoundException/RoutingException, additionally triggers a
// topology re-declare via onRetry before the next attempt.
func notificationRetryPredicate(err error) bool {
	switch err.(type) {
	case *ConnectionException, *MessageDeliveryFailure, *MessageRejectedException,
		*ExchangeNotFoundException, *RoutingException:
		return true
	default:
		return false
	}
}
