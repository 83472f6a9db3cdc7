package pikamq

import (
	"context"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// pollerState tracks the consumer lifecycle: a poller is Idle until
// Start, Running while consuming, Reconnecting while its channel is
// down and being re-established, Stopped once told to quit, and
// Cleaned once its resources are released.
type pollerState int

const (
	pollerIdle pollerState = iota
	pollerRunning
	pollerReconnecting
	pollerStopped
	pollerCleaned
)

// queueDeclareFunc declares whatever topology a concrete poller needs
// on ch and returns the queue name to consume from. Each concrete
// poller (RPC service, reply, notification) supplies its own.
type queueDeclareFunc func(ctx context.Context, ch *amqp.Channel) (queueName string, err error)

// poller is the shared machinery behind RPCServicePoller, ReplyPoller
// and NotificationPoller: a dedicated reader goroutine feeds a buffer
// that Poll drains under a sync.Cond, so broker I/O never blocks
// Stop/Cleanup and application polling never blocks the reader.
type poller struct {
	engine        *Engine
	declare       queueDeclareFunc
	noAck         bool
	prefetchCount int
	consumerTag   string

	mu     sync.Mutex
	cond   *sync.Cond
	state  pollerState
	buffer []amqp.Delivery

	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string

	reconnectPolicy Policy
}

func newPoller(e *Engine, noAck bool, prefetchCount int, declare queueDeclareFunc) *poller {
	p := &poller{
		engine:        e,
		declare:       declare,
		noAck:         noAck,
		prefetchCount: prefetchCount,
		consumerTag:   newUUID(),
		state:         pollerIdle,
	}
	p.cond = sync.NewCond(&p.mu)
	p.reconnectPolicy = Policy{
		MaxAttempts: -1,
		WaitFixed:   e.conf.HostConnectionReconnectDelay,
		ShouldRetry: func(error) bool {
			// Stop/Cleanup during a broker outage must end the
			// reconnect loop, not leave it dialing forever.
			s := p.State()
			return s != pollerStopped && s != pollerCleaned
		},
	}
	return p
}

// Start connects, declares topology and launches the reader and
// close-watcher goroutines. Calling Start on an already-running poller
// is a no-op.
func (p *poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.state == pollerRunning || p.state == pollerReconnecting {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	if err := p.connect(ctx); err != nil {
		p.setState(pollerStopped)
		return err
	}

	p.setState(pollerRunning)
	return nil
}

// connect dials, declares and begins consuming, wiring the resulting
// delivery channel and close notification into the background
// goroutines. On return the poller has a live channel or an error.
func (p *poller) connect(ctx context.Context) error {
	conn, ch, err := p.engine.CreateConnection(ctx, true)
	if err != nil {
		return err
	}

	queue, err := p.declare(ctx, ch)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	if p.prefetchCount > 0 {
		if err := ch.Qos(p.prefetchCount, 0, false); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return err
		}
	}

	deliveries, err := ch.Consume(queue, p.consumerTag, p.noAck, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}

	closeNotify := ch.NotifyClose(make(chan *amqp.Error, 1))

	p.mu.Lock()
	p.conn = conn
	p.channel = ch
	p.queue = queue
	p.mu.Unlock()

	go p.readLoop(deliveries)
	go p.watchClose(closeNotify)

	return nil
}

// readLoop feeds every delivery into the shared buffer and wakes
// anyone blocked in Poll. It exits when the broker closes the
// underlying deliveries channel, which happens exactly when
// watchClose's NotifyClose fires.
func (p *poller) readLoop(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		p.mu.Lock()
		if p.state == pollerStopped || p.state == pollerCleaned {
			p.mu.Unlock()
			if !p.noAck {
				_ = d.Reject(true)
			}
			continue
		}
		p.buffer = append(p.buffer, d)
		p.cond.Broadcast()
		p.mu.Unlock()
	}
}

// watchClose waits for the channel to report closed, then drives
// reconnection. Buffered deliveries that still require an ack are
// dropped on reconnect: they can no longer be acked on the channel
// that produced them, and the broker requeues a connection's unacked
// messages on its own when the connection is lost.
func (p *poller) watchClose(closeNotify chan *amqp.Error) {
	closeErr := <-closeNotify

	p.mu.Lock()
	if p.state == pollerStopped || p.state == pollerCleaned {
		p.mu.Unlock()
		return
	}
	p.state = pollerReconnecting
	if !p.noAck {
		p.buffer = nil
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	slog.Warn("poller channel closed, reconnecting", "consumer_tag", p.consumerTag, "error", closeErr)

	ctx := context.Background()
	err := p.reconnectPolicy.Run(ctx, func() error {
		return p.connect(ctx)
	}, func(err error) {
		slog.Warn("poller reconnect attempt failed", "consumer_tag", p.consumerTag, "error", err)
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == pollerStopped || p.state == pollerCleaned {
		// Stop won the race; drop whatever connection the retry loop
		// may have just established.
		if p.channel != nil {
			_ = p.channel.Close()
		}
		if p.conn != nil {
			_ = p.conn.Close()
		}
		return
	}
	if err != nil {
		p.state = pollerStopped
		p.cond.Broadcast()
		return
	}
	p.state = pollerRunning
	p.cond.Broadcast()
}

// Poll blocks until a delivery is available, the poller is stopped, or
// ctx is done.
func (p *poller) Poll(ctx context.Context) (*amqp.Delivery, error) {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if len(p.buffer) > 0 {
			d := p.buffer[0]
			p.buffer = p.buffer[1:]
			return &d, nil
		}
		if p.state == pollerStopped || p.state == pollerCleaned {
			return nil, &ConnectionException{Reason: "poller is stopped"}
		}
		if err := ctx.Err(); err != nil {
			return nil, &MessagingTimeout{Reason: err.Error()}
		}
		p.cond.Wait()
	}
}

func (p *poller) setState(s pollerState) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

func (p *poller) State() pollerState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Stop halts consumption and closes the underlying channel/connection.
// Buffered, already-delivered messages remain available to Poll until
// drained.
func (p *poller) Stop() {
	p.mu.Lock()
	if p.state == pollerStopped || p.state == pollerCleaned {
		p.mu.Unlock()
		return
	}
	p.state = pollerStopped
	conn, ch := p.conn, p.channel
	p.cond.Broadcast()
	p.mu.Unlock()

	if ch != nil {
		_ = ch.Cancel(p.consumerTag, false)
		_ = ch.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
}

// Cleanup stops the poller (if not already) and marks it Cleaned,
// discarding any buffered deliveries.
func (p *poller) Cleanup() {
	p.Stop()
	p.mu.Lock()
	p.state = pollerCleaned
	p.buffer = nil
	p.cond.Broadcast()
	p.mu.Unlock()
}

// RPCServicePoller consumes RPC requests for one Target shape (plain
// topic, per-server, or fanout, whichever target describes).
type RPCServicePoller struct {
	*poller
}

// NewRPCServicePoller builds a poller that declares and consumes the
// RPC queue for target.
func NewRPCServicePoller(e *Engine, target Target, noAck bool, prefetchCount int) *RPCServicePoller {
	return &RPCServicePoller{poller: newPoller(e, noAck, prefetchCount, e.rpcQueueDeclare(target, noAck))}
}

// ReplyPoller owns the caller's private reply queue: a freshly named,
// auto-delete queue bound into the reply exchange. Its Start eagerly
// retries until connected, so replies are never lost because the queue
// was not yet declared.
type ReplyPoller struct {
	*poller
	nameMu    sync.Mutex
	queueName string
}

// NewReplyPoller builds a reply poller; its queue name is only known
// once Start has declared it, so callers needing the name read
// QueueName after Start returns. The name is generated once and then
// reused across reconnects: requests already published carry it as
// their reply_to, so a reconnect must re-declare the same queue, not a
// fresh one.
func NewReplyPoller(e *Engine) *ReplyPoller {
	rp := &ReplyPoller{}
	rp.poller = newPoller(e, true, e.conf.RPCReplyListenerPrefetchCount, func(ctx context.Context, ch *amqp.Channel) (string, error) {
		rp.nameMu.Lock()
		queueName := rp.queueName
		if queueName == "" {
			queueName = e.newReplyQueueName()
			rp.queueName = queueName
		}
		rp.nameMu.Unlock()
		if err := e.DeclareQueueBinding(
			ch, e.replyExchangeName(), queueName, queueName, "direct", false, e.conf.RPCQueueExpiration, true,
		); err != nil {
			return "", err
		}
		return queueName, nil
	})
	return rp
}

// QueueName returns the currently declared reply queue name, empty
// until Start has connected at least once.
func (rp *ReplyPoller) QueueName() string {
	rp.nameMu.Lock()
	defer rp.nameMu.Unlock()
	return rp.queueName
}

// Start retries connecting per policy instead of failing on the first
// broker hiccup, since a reply listener with no queue means every
// outstanding RPC call is unable to receive its answer.
func (rp *ReplyPoller) Start(ctx context.Context, policy Policy) error {
	return policy.Run(ctx, func() error { return rp.poller.Start(ctx) }, func(err error) {
		slog.Warn("reply poller connect attempt failed", "error", err)
	})
}

// NotificationPoller consumes notifications for a (target, priority)
// pair, optionally against an explicit shared queue name: multiple
// listeners sharing one queue compete for deliveries instead of each
// getting their own copy.
type NotificationPoller struct {
	*poller
}

// NewNotificationPoller builds a notification poller. queueNameOverride,
// when non-empty, replaces the default per-(topic,priority) queue name
// so several independent listener processes can share one
// competing-consumers queue.
func NewNotificationPoller(e *Engine, tp TargetPriority, queueNameOverride string, prefetchCount int) *NotificationPoller {
	declare := func(ctx context.Context, ch *amqp.Channel) (string, error) {
		routingKey := notificationRoutingKey(tp.Target.Topic, tp.Priority)
		queue := routingKey
		if queueNameOverride != "" {
			queue = queueNameOverride
		}
		if err := e.DeclareQueueBinding(
			ch, e.notificationExchangeName(tp.Target), queue, routingKey, "direct", e.conf.NotificationPersistence, 0,
		); err != nil {
			return "", err
		}
		return queue, nil
	}
	return &NotificationPoller{poller: newPoller(e, false, prefetchCount, declare)}
}

// rpcQueueDeclare returns the topology-declare step for an RPC
// listener on target, mirroring rpcPublishTarget's exchange/
// routing-key resolution so publisher and consumer agree on topology.
func (e *Engine) rpcQueueDeclare(target Target, noAck bool) queueDeclareFunc {
	return func(ctx context.Context, ch *amqp.Channel) (string, error) {
		exchange, queue, routingKey, exchangeType := e.rpcListenTopology(target, noAck)
		if err := e.DeclareQueueBinding(ch, exchange, queue, routingKey, exchangeType, false, e.conf.RPCQueueExpiration); err != nil {
			return "", err
		}
		return queue, nil
	}
}

// rpcListenTopology resolves the exchange/queue/routing-key/type an
// RPC listener for target must declare.
func (e *Engine) rpcListenTopology(t Target, noAck bool) (exchange, queue, routingKey, exchangeType string) {
	if t.Fanout {
		return e.rpcExchangeName(t, true, noAck), e.rpcQueueName(t.Topic, t.Server, noAck), "", "fanout"
	}
	queue = e.rpcQueueName(t.Topic, t.Server, noAck)
	return e.rpcExchangeName(t, false, noAck), queue, queue, "direct"
}
