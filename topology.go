package pikamq

import "fmt"

// Target identifies a destination queue family for RPC or an exchange
// for notifications. Topic is required; Server selects a per-server
// queue within the topic family; Fanout requests broadcast delivery.
type Target struct {
	Exchange string
	Topic    string
	Server   string
	Fanout   bool
}

// exchangeOrDefault returns t.Exchange if set, otherwise def.
func (t Target) exchangeOrDefault(def string) string {
	if t.Exchange != "" {
		return t.Exchange
	}
	return def
}

// rpcExchangeName returns the RPC exchange name for a (fanout, noAck)
// variant of the target. Direct and fanout variants, and ack/no-ack
// variants, are distinct exchanges so that declaring one never
// conflicts with the semantics of another.
func (e *Engine) rpcExchangeName(t Target, fanout, noAck bool) string {
	name := t.exchangeOrDefault(e.conf.DefaultRPCExchange)
	if fanout {
		name += "_fanout"
	}
	if noAck {
		name += "_no_ack"
	}
	return name
}

// rpcQueueName returns "<topic>[.<server>][.no_ack]".
func (e *Engine) rpcQueueName(topic, server string, noAck bool) string {
	name := topic
	if server != "" {
		name = fmt.Sprintf("%s.%s", name, server)
	}
	if noAck {
		name += ".no_ack"
	}
	return name
}

// replyExchangeName returns the shared reply exchange name.
func (e *Engine) replyExchangeName() string {
	return e.conf.RPCReplyExchange
}

// newReplyQueueName returns a fresh, process-unique reply queue name.
func (e *Engine) newReplyQueueName() string {
	return fmt.Sprintf("reply_%s", newUUID())
}

// notificationExchangeName returns the notification exchange for a target.
func (e *Engine) notificationExchangeName(t Target) string {
	return t.exchangeOrDefault(e.conf.DefaultNotificationExchange)
}

// notificationRoutingKey returns "<topic>.<priority>".
func notificationRoutingKey(topic, priority string) string {
	return fmt.Sprintf("%s.%s", topic, priority)
}

// TargetPriority pairs a notification Target with its priority level
// (e.g. "info", "warn", "error"), matching the routing key convention
// "<topic>.<priority>".
type TargetPriority struct {
	Target   Target
	Priority string
}
