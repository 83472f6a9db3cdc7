package pikamq

import (
	"context"
	"encoding/json"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Driver is the top-level façade: Send, SendNotification, Listen,
// ListenForNotifications and Cleanup, built on top of Engine, the
// outgoing pipeline and the reply listener. One Driver is meant to be
// built once per process and shared by every caller.
type Driver struct {
	engine        *Engine
	replyListener *ReplyListener

	mu                  sync.Mutex
	servicePollers      []*RPCServicePoller
	notificationPollers []*NotificationPoller
	closed              bool
}

// NewDriver builds an Engine from conf and wires up a fresh reply
// listener, without connecting anything yet.
func NewDriver(conf *Config) (*Driver, error) {
	engine, err := NewEngine(conf)
	if err != nil {
		return nil, err
	}
	return &Driver{
		engine:        engine,
		replyListener: NewReplyListener(engine),
	}, nil
}

// Send publishes an RPC request to target and, when waitForReply is
// true, blocks for the correlated reply. ctx's deadline governs both
// the publish attempt and the reply wait. retry overrides
// conf.DefaultRPCRetryAttempts for this call alone when non-nil; pass
// nil to use the configured default.
func (d *Driver) Send(ctx context.Context, target Target, callCtx Context, payload Payload, waitForReply bool, retry *int) (json.RawMessage, error) {
	env := Envelope{Context: callCtx, Payload: payload}
	maxAttempts := d.engine.conf.DefaultRPCRetryAttempts
	if retry != nil {
		maxAttempts = *retry
	}
	policy := Policy{
		MaxAttempts: maxAttempts,
		WaitFixed:   d.engine.conf.RPCRetryDelay,
		ShouldRetry: rpcSendRetryPredicate,
	}

	var replyListener *ReplyListener
	if waitForReply {
		replyListener = d.replyListener
	}

	return d.engine.sendRPC(ctx, target, env, waitForReply, replyListener, policy)
}

// SendNotification publishes a fire-and-forget event to the
// notification exchange for (target, priority).
func (d *Driver) SendNotification(ctx context.Context, tp TargetPriority, eventCtx Context, payload Payload) error {
	env := Envelope{Context: eventCtx, Payload: payload}
	policy := Policy{
		MaxAttempts: d.engine.conf.DefaultNotificationRetryAttempts,
		WaitFixed:   d.engine.conf.NotificationRetryDelay,
		ShouldRetry: notificationRetryPredicate,
	}
	return d.engine.sendNotification(ctx, tp, env, policy)
}

// Listen starts an RPC service poller for target and tracks it for
// Cleanup. The returned poller's Poll method is how the caller's
// dispatch loop pulls requests.
func (d *Driver) Listen(ctx context.Context, target Target, noAck bool) (*RPCServicePoller, error) {
	p := NewRPCServicePoller(d.engine, target, noAck, d.engine.conf.RPCListenerPrefetchCount)
	if err := p.Start(ctx); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.servicePollers = append(d.servicePollers, p)
	d.mu.Unlock()

	return p, nil
}

// ListenForNotifications starts a notification poller for (target,
// priority), optionally sharing queueNameOverride with other listener
// processes.
func (d *Driver) ListenForNotifications(ctx context.Context, tp TargetPriority, queueNameOverride string) (*NotificationPoller, error) {
	p := NewNotificationPoller(d.engine, tp, queueNameOverride, 0)
	if err := p.Start(ctx); err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.notificationPollers = append(d.notificationPollers, p)
	d.mu.Unlock()

	return p, nil
}

// Reply answers an RPC request previously received from a Listen
// poller with a success result. A delivery with no ReplyTo came from a
// cast (no reply expected) and Reply is then a no-op.
func (d *Driver) Reply(ctx context.Context, delivery *amqp.Delivery, result any) error {
	if delivery.ReplyTo == "" {
		return nil
	}
	body, err := marshalReplySuccess(result)
	if err != nil {
		return err
	}
	return d.engine.sendReply(ctx, delivery.ReplyTo, delivery.CorrelationId, body, d.replyPolicy())
}

// ReplyError answers an RPC request with a failure envelope, trace
// being an optional stack/frame list for diagnostics.
func (d *Driver) ReplyError(ctx context.Context, delivery *amqp.Delivery, failure error, trace []string) error {
	if delivery.ReplyTo == "" {
		return nil
	}
	body, err := marshalReplyFailure(failure, trace)
	if err != nil {
		return err
	}
	return d.engine.sendReply(ctx, delivery.ReplyTo, delivery.CorrelationId, body, d.replyPolicy())
}

func (d *Driver) replyPolicy() Policy {
	return Policy{
		MaxAttempts: d.engine.conf.RPCReplyRetryAttempts,
		WaitFixed:   d.engine.conf.RPCReplyRetryDelay,
		ShouldRetry: rpcReplyRetryPredicate,
	}
}

// DecodeRequest unmarshals a service poller delivery's body back into
// its (context, payload) envelope.
func DecodeRequest(delivery amqp.Delivery) (Envelope, error) {
	return UnmarshalEnvelope(delivery.Body)
}

// Cleanup stops every poller this driver started, tears down the reply
// listener, and closes both connection pools. Safe to call more than
// once.
func (d *Driver) Cleanup() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	servicePollers := d.servicePollers
	notificationPollers := d.notificationPollers
	d.servicePollers = nil
	d.notificationPollers = nil
	d.mu.Unlock()

	for _, p := range servicePollers {
		p.Cleanup()
	}
	for _, p := range notificationPollers {
		p.Cleanup()
	}
	d.replyListener.Cleanup()
	d.engine.ConfirmPool.Close()
	d.engine.NoConfirmPool.Close()
}
