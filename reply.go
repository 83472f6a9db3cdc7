package pikamq

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// waiterResult is what a waiter receives once its reply arrives: a raw
// success payload, or the reconstructed/generic error the reply
// represented.
type waiterResult struct {
	body json.RawMessage
	err  error
}

// waiter blocks a single RPC call on its correlated reply, carrying
// its own deadline so late replies can be told apart from timeouts.
type waiter struct {
	msgID    string
	deadline time.Time
	resultCh chan waiterResult
}

// wait blocks until the reply arrives, the waiter's own deadline
// passes, or ctx is done, whichever comes first.
func (w *waiter) wait(ctx context.Context) (json.RawMessage, error) {
	var deadlineCh <-chan time.Time
	if !w.deadline.IsZero() {
		remaining := time.Until(w.deadline)
		if remaining <= 0 {
			return nil, &MessagingTimeout{Reason: "reply deadline already passed"}
		}
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		deadlineCh = timer.C
	}

	select {
	case res := <-w.resultCh:
		return res.body, res.err
	case <-deadlineCh:
		return nil, &MessagingTimeout{Reason: "timed out waiting for reply"}
	case <-ctx.Done():
		return nil, &MessagingTimeout{Reason: ctx.Err().Error()}
	}
}

// ReplyListener owns the one reply queue a driver instance listens on
// and correlates incoming replies to outstanding call waiters by
// correlation id.
type ReplyListener struct {
	engine         *Engine
	poller         *ReplyPoller
	connectPolicy  Policy
	allowedModules []string

	startOnce sync.Once
	startDone chan struct{}
	startErr  error

	mu      sync.Mutex
	waiters map[string]*waiter
}

// NewReplyListener builds a listener; it does not connect until the
// first call needing its queue name or pump.
func NewReplyListener(e *Engine) *ReplyListener {
	return &ReplyListener{
		engine: e,
		poller: NewReplyPoller(e),
		connectPolicy: Policy{
			MaxAttempts: -1,
			WaitFixed:   e.conf.RPCReplyRetryDelay,
		},
		allowedModules: e.conf.AllowedRemoteModules,
		waiters:        make(map[string]*waiter),
		startDone:      make(chan struct{}),
	}
}

// ensureStarted connects the reply poller exactly once and launches
// its pump goroutine: connect before first use, retry until connected.
func (rl *ReplyListener) ensureStarted(ctx context.Context) error {
	rl.startOnce.Do(func() {
		err := rl.poller.Start(ctx, rl.connectPolicy)
		rl.startErr = err
		if err == nil {
			go rl.pump()
		}
		close(rl.startDone)
	})
	<-rl.startDone
	return rl.startErr
}

// ReplyQueueName returns the caller's private reply queue name,
// connecting on first use.
func (rl *ReplyListener) ReplyQueueName(ctx context.Context) (string, error) {
	if err := rl.ensureStarted(ctx); err != nil {
		return "", err
	}
	return rl.poller.QueueName(), nil
}

// RegisterWaiter registers a waiter for msgID before the corresponding
// request is published, so a reply arriving before Send returns is
// never missed.
func (rl *ReplyListener) RegisterWaiter(msgID string, deadline time.Time) *waiter {
	w := &waiter{msgID: msgID, deadline: deadline, resultCh: make(chan waiterResult, 1)}
	rl.mu.Lock()
	rl.waiters[msgID] = w
	rl.mu.Unlock()
	return w
}

// deregister removes a waiter once its Send call has returned (reply
// received, deadline expired, or ctx canceled), so a late or duplicate
// reply finds nothing to deliver to.
func (rl *ReplyListener) deregister(msgID string) {
	rl.mu.Lock()
	delete(rl.waiters, msgID)
	rl.mu.Unlock()
}

// pump is the single background goroutine draining the reply poller
// and fanning each delivery out to its waiter.
func (rl *ReplyListener) pump() {
	ctx := context.Background()
	for {
		d, err := rl.poller.Poll(ctx)
		if err != nil {
			return
		}
		rl.dispatch(*d)
	}
}

func (rl *ReplyListener) dispatch(d amqp.Delivery) {
	correlationID := d.CorrelationId

	rl.mu.Lock()
	w, ok := rl.waiters[correlationID]
	if ok {
		delete(rl.waiters, correlationID)
	}
	rl.mu.Unlock()

	if !ok {
		slog.Warn("reply with no matching waiter, dropping", "correlation_id", correlationID)
		return
	}

	raw, failErr, parseErr := parseReply(d.Body, rl.allowedModules)
	switch {
	case parseErr != nil:
		w.resultCh <- waiterResult{err: parseErr}
	case failErr != nil:
		w.resultCh <- waiterResult{err: failErr}
	default:
		w.resultCh <- waiterResult{body: raw}
	}
}

// Cleanup stops the reply poller and fails every outstanding waiter
// with a MessagingTimeout rather than leaving them blocked forever.
func (rl *ReplyListener) Cleanup() {
	rl.poller.Cleanup()

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for id, w := range rl.waiters {
		select {
		case w.resultCh <- waiterResult{err: &MessagingTimeout{Reason: "reply listener cleaned up"}}:
		default:
		}
		delete(rl.waiters, id)
	}
}
