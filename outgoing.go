package pikamq

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const protocolVersion = "1.0"

// publishParams bundles what the generic publish pipeline needs,
// independent of whether the caller is an RPC call, an RPC reply or a
// notification.
type publishParams struct {
	Exchange   string
	RoutingKey string
	Properties amqp.Publishing
	Confirm    bool
	Mandatory  bool

	// NackReason builds the error a broker nack-on-confirm is reported
	// as. Defaults to MessageRejectedException; the RPC send path
	// overrides it to MessageDeliveryFailure so its retry predicate,
	// which only retries ConnectionException/MessageDeliveryFailure,
	// actually fires on a nacked publish.
	NackReason func(reason string) error
}

// publish builds on the pool to acquire a connection, publish with the
// requested confirm/mandatory semantics, and report broker-level
// failures as the driver's own error kinds.
func (e *Engine) publish(ctx context.Context, pool *ConnectionPool, p publishParams) (err error) {
	acquireCtx, cancel := e.boundedByPoolTimeout(ctx)
	defer cancel()

	l, err := pool.Acquire(acquireCtx)
	if err != nil {
		return asMessagingTimeout(err)
	}
	// A connectivity-class failure means the channel itself may be
	// wedged, so the lease must not go back into the pool for reuse;
	// anything else (routing/reject/local timeout) leaves the channel
	// healthy and the connection is returned as usual.
	defer func() {
		if isConnectivityError(err) {
			l.Discard()
		} else {
			l.Release()
		}
	}()

	ch := l.Channel()

	var returns chan amqp.Return
	if p.Mandatory {
		returns = ch.NotifyReturn(make(chan amqp.Return, 1))
	}

	if p.Confirm {
		confirmation, confirmErr := ch.PublishWithDeferredConfirmWithContext(
			ctx, p.Exchange, p.RoutingKey, p.Mandatory, false, p.Properties,
		)
		if confirmErr != nil {
			return &ConnectionException{Reason: confirmErr.Error()}
		}

		select {
		case ret := <-returns:
			return &RoutingException{Exchange: ret.Exchange, RoutingKey: ret.RoutingKey}
		case <-confirmation.Done():
			if !confirmation.Acked() {
				nackReason := p.NackReason
				if nackReason == nil {
					nackReason = func(reason string) error { return &MessageRejectedException{Reason: reason} }
				}
				return nackReason("broker nacked publish")
			}
			return nil
		case <-ctx.Done():
			return &MessagingTimeout{Reason: "publish confirm"}
		}
	}

	if pubErr := ch.PublishWithContext(ctx, p.Exchange, p.RoutingKey, p.Mandatory, false, p.Properties); pubErr != nil {
		return &ConnectionException{Reason: pubErr.Error()}
	}

	if p.Mandatory {
		select {
		case ret := <-returns:
			return &RoutingException{Exchange: ret.Exchange, RoutingKey: ret.RoutingKey}
		case <-time.After(50 * time.Millisecond):
		case <-ctx.Done():
			return &MessagingTimeout{Reason: "publish return wait"}
		}
	}

	return nil
}

// expirationMillis computes the "expiration" AMQP property (a TTL in
// milliseconds) from an absolute deadline, returning ("", nil) when
// there is no deadline and a MessagingTimeout when the deadline has
// already passed.
func expirationMillis(deadline time.Time) (string, error) {
	if deadline.IsZero() {
		return "", nil
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return "", &MessagingTimeout{Reason: "deadline already passed"}
	}
	return strconv.FormatInt(remaining.Milliseconds(), 10), nil
}

// sendRPC publishes an RPC request, optionally registers a reply
// waiter, and blocks for the reply when one is expected.
func (e *Engine) sendRPC(
	ctx context.Context,
	target Target,
	env Envelope,
	waitForReply bool,
	replyListener *ReplyListener,
	policy Policy,
) (json.RawMessage, error) {
	msgID := newUUID()

	body, err := env.Marshal()
	if err != nil {
		return nil, err
	}

	props := amqp.Publishing{
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		DeliveryMode:    amqp.Transient,
		Headers:         amqp.Table{"version": protocolVersion},
		MessageId:       msgID,
		CorrelationId:   msgID,
	}

	deadline, hasDeadline := ctx.Deadline()
	if hasDeadline {
		exp, err := expirationMillis(deadline)
		if err != nil {
			return nil, err
		}
		props.Expiration = exp
	}

	var w *waiter
	if waitForReply && replyListener != nil {
		qname, err := replyListener.ReplyQueueName(ctx)
		if err != nil {
			return nil, err
		}
		props.ReplyTo = qname
		if hasDeadline {
			w = replyListener.RegisterWaiter(msgID, deadline)
		} else {
			w = replyListener.RegisterWaiter(msgID, time.Time{})
		}
		defer replyListener.deregister(msgID)
	}

	exchange, routingKey := e.rpcPublishTarget(target, false)

	err = policy.Run(ctx, func() error {
		return e.publish(ctx, e.ConfirmPool, publishParams{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Properties: withBody(props, body),
			Confirm:    true,
			Mandatory:  true,
			NackReason: func(reason string) error { return &MessageDeliveryFailure{Reason: reason} },
		})
	}, nil)
	if err != nil {
		return nil, err
	}

	if w == nil {
		return nil, nil
	}

	return w.wait(ctx)
}

// rpcPublishTarget resolves which exchange/routing-key a publisher
// should use for target, matching the three ways a consumer queue can
// be bound: plain topic, per-server, or fanout broadcast.
func (e *Engine) rpcPublishTarget(t Target, noAck bool) (exchange, routingKey string) {
	if t.Fanout {
		return e.rpcExchangeName(t, true, noAck), ""
	}
	return e.rpcExchangeName(t, false, noAck), e.rpcQueueName(t.Topic, t.Server, noAck)
}

// sendReply publishes a reply envelope into the reply exchange, routed
// by the client's reply queue name.
func (e *Engine) sendReply(ctx context.Context, replyQueue, correlationID string, body []byte, policy Policy) error {
	props := amqp.Publishing{
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		DeliveryMode:    amqp.Transient,
		Headers:         amqp.Table{"version": protocolVersion},
		MessageId:       newUUID(),
		CorrelationId:   correlationID,
		Body:            body,
	}

	return policy.Run(ctx, func() error {
		return e.publish(ctx, e.ConfirmPool, publishParams{
			Exchange:   e.replyExchangeName(),
			RoutingKey: replyQueue,
			Properties: props,
			Confirm:    true,
			Mandatory:  false,
		})
	}, nil)
}

// sendNotification publishes to the notification exchange with
// confirm+mandatory, re-declaring topology on
// ExchangeNotFoundException/RoutingException between attempts.
func (e *Engine) sendNotification(ctx context.Context, tp TargetPriority, env Envelope, policy Policy) error {
	body, err := env.Marshal()
	if err != nil {
		return err
	}

	props := amqp.Publishing{
		ContentType:     "application/json",
		ContentEncoding: "utf-8",
		Headers:         amqp.Table{"version": protocolVersion},
		MessageId:       newUUID(),
	}
	if e.conf.NotificationPersistence {
		props.DeliveryMode = amqp.Persistent
	} else {
		props.DeliveryMode = amqp.Transient
	}
	props = withBody(props, body)

	exchange := e.notificationExchangeName(tp.Target)
	routingKey := notificationRoutingKey(tp.Target.Topic, tp.Priority)

	return policy.Run(ctx, func() error {
		return e.publish(ctx, e.ConfirmPool, publishParams{
			Exchange:   exchange,
			RoutingKey: routingKey,
			Properties: props,
			Confirm:    true,
			Mandatory:  true,
		})
	}, func(err error) {
		switch err.(type) {
		case *ExchangeNotFoundException, *RoutingException:
			declareCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if derr := e.declareNotificationBinding(declareCtx, tp); derr != nil {
				slog.Warn("unable to re-declare notification topology", "topic", tp.Target.Topic, "error", derr)
			}
		}
	})
}

// declareNotificationBinding re-declares the notification exchange and
// queue for a (target, priority) pair, used as the notification retry
// policy's recovery step.
func (e *Engine) declareNotificationBinding(ctx context.Context, tp TargetPriority) error {
	l, err := e.NoConfirmPool.Acquire(ctx)
	if err != nil {
		return asMessagingTimeout(err)
	}
	defer l.Release()

	routingKey := notificationRoutingKey(tp.Target.Topic, tp.Priority)
	return e.DeclareQueueBinding(
		l.Channel(),
		e.notificationExchangeName(tp.Target),
		routingKey,
		routingKey,
		"direct",
		e.conf.NotificationPersistence,
		0,
	)
}

func withBody(p amqp.Publishing, body []byte) amqp.Publishing {
	p.Body = body
	return p
}
