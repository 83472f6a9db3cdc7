package pikamq

import "fmt"

// ConnectionException reports a transport/connection failure: socket
// error, handshake error, heartbeat loss, or a broker close with a
// recoverable code.
type ConnectionException struct {
	Reason string
}

func (e *ConnectionException) Error() string {
	return fmt.Sprintf("connection error: %s", e.Reason)
}

// MessageDeliveryFailure reports a broker nack on confirm, or a
// publish-level I/O error after the connection was already established.
type MessageDeliveryFailure struct {
	Reason string
}

func (e *MessageDeliveryFailure) Error() string {
	return fmt.Sprintf("message delivery failure: %s", e.Reason)
}

// ExchangeNotFoundException reports a broker NOT_FOUND for a referenced
// exchange.
type ExchangeNotFoundException struct {
	Exchange string
}

func (e *ExchangeNotFoundException) Error() string {
	return fmt.Sprintf("exchange not found: %s", e.Exchange)
}

// RoutingException reports a mandatory publish returned by the broker
// because no queue was bound for the routing key.
type RoutingException struct {
	Exchange   string
	RoutingKey string
}

func (e *RoutingException) Error() string {
	return fmt.Sprintf("no route for exchange %q routing key %q", e.Exchange, e.RoutingKey)
}

// MessageRejectedException reports a broker nack on a publisher confirm.
type MessageRejectedException struct {
	Reason string
}

func (e *MessageRejectedException) Error() string {
	return fmt.Sprintf("message rejected: %s", e.Reason)
}

// MessagingTimeout reports a deadline exceeded at any suspending
// operation (pool acquire, publish confirm, poll, reply wait, retry).
type MessagingTimeout struct {
	Reason string
}

func (e *MessagingTimeout) Error() string {
	if e.Reason == "" {
		return "messaging timeout"
	}
	return fmt.Sprintf("messaging timeout: %s", e.Reason)
}

// RemoteError is reconstructed from a reply failure envelope whose
// origin module is not in the configured allowlist, or whose class
// cannot be mapped back to a locally known error kind.
type RemoteError struct {
	Message string
	Class   string
	Module  string
	Trace   []string
}

func (e *RemoteError) Error() string {
	if e.Class != "" {
		return fmt.Sprintf("%s: %s", e.Class, e.Message)
	}
	return e.Message
}

// poolTimeout is the connection pool's own sentinel for "no slot became
// free in time". The driver boundary converts it to MessagingTimeout;
// it never otherwise escapes this package.
type poolTimeout struct {
	Reason string
}

func (e *poolTimeout) Error() string {
	return fmt.Sprintf("pool timeout: %s", e.Reason)
}

// asMessagingTimeout maps a poolTimeout (or anything else) to the
// public MessagingTimeout kind at the driver boundary.
func asMessagingTimeout(err error) error {
	if err == nil {
		return nil
	}
	if pt, ok := err.(*poolTimeout); ok {
		return &MessagingTimeout{Reason: pt.Reason}
	}
	return err
}

// isConnectivityError reports whether err should invalidate a pooled
// connection / trigger poller reconnection, as opposed to being an
// application-level error that leaves the connection usable.
func isConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	switch err.(type) {
	case *ConnectionException:
		return true
	}
	return false
}
