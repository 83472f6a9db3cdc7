package pikamq

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Engine holds process-wide configuration, vends connections, declares
// topology and owns the two connection pools (with and without
// publisher confirms). It is the one connection factory shared by
// every poller and both pools.
type Engine struct {
	conf *Config

	ConfirmPool   *ConnectionPool
	NoConfirmPool *ConnectionPool
}

// NewEngine validates conf, applies defaults and builds the two pools.
func NewEngine(conf *Config) (*Engine, error) {
	conf.ApplyDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	e := &Engine{conf: conf}

	e.ConfirmPool = NewConnectionPool(
		func(ctx context.Context) (*amqp.Connection, *amqp.Channel, error) {
			return e.createConnection(ctx, false, true)
		},
		conf.PoolMaxSize, conf.PoolMaxOverflow, conf.PoolRecycle, conf.PoolStale,
	)
	e.NoConfirmPool = NewConnectionPool(
		func(ctx context.Context) (*amqp.Connection, *amqp.Channel, error) {
			return e.createConnection(ctx, false, false)
		},
		conf.PoolMaxSize, conf.PoolMaxOverflow, conf.PoolRecycle, conf.PoolStale,
	)

	return e, nil
}

// createConnection dials a fresh connection, tries each configured
// host in order with HostConnectionReconnectDelay between attempts,
// opens one channel and optionally switches it into confirm-select
// mode. forListening distinguishes listener connections from caller
// connections; both kinds share the same socket and heartbeat timeouts
// since amqp091-go exposes one Dial hook per connection, not one per
// logical role.
func (e *Engine) createConnection(ctx context.Context, forListening, confirm bool) (*amqp.Connection, *amqp.Channel, error) {
	var lastErr error
	for _, host := range e.conf.Hosts {
		if host == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, nil, &ConnectionException{Reason: err.Error()}
		}

		amqpConf := amqp.Config{
			Heartbeat: e.conf.HeartbeatInterval,
			Locale:    "en_US",
			Dial:      e.dialer(),
		}
		if e.conf.ChannelMax > 0 {
			amqpConf.ChannelMax = uint16(e.conf.ChannelMax)
		}
		if e.conf.FrameMax > 0 {
			amqpConf.FrameSize = e.conf.FrameMax
		}
		if e.conf.SSL && e.conf.SSLOptions != nil {
			amqpConf.TLSClientConfig = e.buildTLSConfig()
		}

		conn, err := amqp.DialConfig(host, amqpConf)
		if err != nil {
			slog.Warn("unable to dial amqp host", "host", host, "error", err)
			lastErr = err
			select {
			case <-time.After(e.conf.HostConnectionReconnectDelay):
			case <-ctx.Done():
				return nil, nil, &ConnectionException{Reason: ctx.Err().Error()}
			}
			continue
		}

		ch, err := conn.Channel()
		if err != nil {
			_ = conn.Close()
			lastErr = err
			continue
		}

		if confirm {
			if err := ch.Confirm(false); err != nil {
				_ = ch.Close()
				_ = conn.Close()
				lastErr = err
				continue
			}
		}

		slog.Debug("connected to amqp host", "host", host, "listening", forListening, "confirm", confirm)
		return conn, ch, nil
	}

	reason := "no hosts configured"
	if lastErr != nil {
		reason = lastErr.Error()
	}
	return nil, nil, &ConnectionException{Reason: reason}
}

// dialer builds the amqp091-go Dial hook: a plain net.DialTimeout
// bounded by SocketTimeout, plus a connection deadline bounded by
// TCPUserTimeout covering the TLS/AMQP handshake (cleared once
// amqp091-go completes the handshake).
func (e *Engine) dialer() func(network, addr string) (net.Conn, error) {
	socketTimeout := e.conf.SocketTimeout
	handshakeTimeout := e.conf.TCPUserTimeout
	return func(network, addr string) (net.Conn, error) {
		conn, err := net.DialTimeout(network, addr, socketTimeout)
		if err != nil {
			return nil, err
		}
		if handshakeTimeout > 0 {
			if err := conn.SetDeadline(time.Now().Add(handshakeTimeout)); err != nil {
				_ = conn.Close()
				return nil, err
			}
		}
		return conn, nil
	}
}

func (e *Engine) buildTLSConfig() *tls.Config {
	opts := e.conf.SSLOptions
	cfg := &tls.Config{InsecureSkipVerify: !opts.Verify}
	if opts.CertFile != "" && opts.KeyFile != "" {
		if cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile); err == nil {
			cfg.Certificates = append(cfg.Certificates, cert)
		} else {
			slog.Warn("unable to load client certificate", "error", err)
		}
	}
	return cfg
}

// boundedByPoolTimeout returns a context that expires no later than
// PoolTimeout from now, even when ctx itself carries no deadline or a
// longer one: pool_timeout bounds the acquire wait specifically,
// independent of whatever overall call deadline the caller set.
func (e *Engine) boundedByPoolTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.conf.PoolTimeout <= 0 {
		return ctx, func() {}
	}
	deadline := time.Now().Add(e.conf.PoolTimeout)
	if existing, ok := ctx.Deadline(); ok && existing.Before(deadline) {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

// CreateConnection is the public entry point used by pollers, which
// own a long-lived connection directly, never through a pool.
func (e *Engine) CreateConnection(ctx context.Context, forListening bool) (*amqp.Connection, *amqp.Channel, error) {
	return e.createConnection(ctx, forListening, false)
}

// DeclareQueueBinding idempotently declares exchange+queue+binding on
// ch, classifying broker errors into the driver's own error kinds.
// autoDelete is optional and defaults to false.
func (e *Engine) DeclareQueueBinding(ch *amqp.Channel, exchange, queue, routingKey, exchangeType string, durable bool, queueExpiration time.Duration, autoDelete ...bool) error {
	del := false
	if len(autoDelete) > 0 {
		del = autoDelete[0]
	}

	if err := ch.ExchangeDeclare(exchange, exchangeType, durable, false, false, false, nil); err != nil {
		return classifyDeclareError(err, exchange, "")
	}

	var args amqp.Table
	if queueExpiration > 0 {
		args = amqp.Table{"x-expires": int64(queueExpiration / time.Millisecond)}
	}

	if _, err := ch.QueueDeclare(queue, durable, del, false, false, args); err != nil {
		return classifyDeclareError(err, exchange, queue)
	}

	bindingKey := routingKey
	if exchangeType == "fanout" {
		bindingKey = ""
	}
	if err := ch.QueueBind(queue, bindingKey, exchange, false, nil); err != nil {
		return classifyDeclareError(err, exchange, queue)
	}

	return nil
}

// classifyDeclareError translates the broker's NOT_FOUND/
// PRECONDITION_FAILED AMQP reply codes into the driver's own exception
// kinds.
func classifyDeclareError(err error, exchange, queue string) error {
	if amqpErr, ok := err.(*amqp.Error); ok {
		switch amqpErr.Code {
		case amqp.NotFound:
			return &ExchangeNotFoundException{Exchange: exchange}
		case amqp.PreconditionFailed:
			return &RoutingException{Exchange: exchange, RoutingKey: queue}
		}
	}
	return &ConnectionException{Reason: err.Error()}
}
