package pikamq

import (
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// contextKeyPrefix marks a wire-body key as caller context rather than
// payload, per the envelope convention: "_$_request_id" on the wire is
// the context key "request_id" off the wire.
const contextKeyPrefix = "_$_"

// Context is caller-supplied correlation metadata (request id, auth
// token, tracing headers, ...).
type Context map[string]any

// Payload is the application-level message body.
type Payload map[string]any

// Envelope is the tagged-record replacement for string-prefix
// gymnastics: callers work with two plain maps, and Marshal/
// UnmarshalEnvelope take care of the "_$_" wire convention so that the
// body stays compatible with existing consumers.
type Envelope struct {
	Context Context
	Payload Payload
}

// Marshal serialises the envelope to the single-object wire body:
// context keys are prefixed, payload keys are emitted as-is.
func (e Envelope) Marshal() ([]byte, error) {
	flat := make(map[string]any, len(e.Context)+len(e.Payload))
	for k, v := range e.Payload {
		flat[k] = v
	}
	for k, v := range e.Context {
		flat[contextKeyPrefix+k] = v
	}
	body, err := json.Marshal(flat)
	if err != nil {
		return nil, errors.Wrap(err, "unable to marshal envelope")
	}
	return body, nil
}

// UnmarshalEnvelope parses a wire body back into (context, payload),
// partitioning on the "_$_" key prefix.
func UnmarshalEnvelope(body []byte) (Envelope, error) {
	var flat map[string]any
	if err := json.Unmarshal(body, &flat); err != nil {
		return Envelope{}, errors.Wrap(err, "unable to unmarshal envelope")
	}

	env := Envelope{
		Context: make(Context),
		Payload: make(Payload),
	}
	for k, v := range flat {
		if strings.HasPrefix(k, contextKeyPrefix) {
			env.Context[strings.TrimPrefix(k, contextKeyPrefix)] = v
		} else {
			env.Payload[k] = v
		}
	}
	return env, nil
}

// replyWire is the on-the-wire shape of a reply: either a success
// result or a failure record, never both.
type replyWire struct {
	Success json.RawMessage `json:"s,omitempty"`
	Failure *failureWire    `json:"e,omitempty"`
}

// failureWire mirrors the exception re-raise convention: message,
// trace, class name and origin module.
type failureWire struct {
	Message string   `json:"s"`
	Trace   []string `json:"t"`
	Class   string   `json:"c"`
	Module  string   `json:"m"`
}

// marshalReplySuccess builds the `{"s": <result>}` reply body.
func marshalReplySuccess(result any) ([]byte, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, errors.Wrap(err, "unable to marshal reply result")
	}
	body, err := json.Marshal(replyWire{Success: raw})
	if err != nil {
		return nil, errors.Wrap(err, "unable to marshal reply envelope")
	}
	return body, nil
}

// marshalReplyFailure builds the `{"e": {...}}` reply body for err,
// using message/class/module information when err is a *RemoteError
// (the common case for a re-raised remote failure); otherwise the
// message is err.Error(), the class is the Go type name and the module
// is left empty.
func marshalReplyFailure(err error, trace []string) ([]byte, error) {
	fw := &failureWire{
		Message: err.Error(),
		Trace:   trace,
	}
	if re, ok := err.(*RemoteError); ok {
		fw.Message = re.Message
		fw.Class = re.Class
		fw.Module = re.Module
	} else {
		fw.Class = errorClassName(err)
	}
	body, merr := json.Marshal(replyWire{Failure: fw})
	if merr != nil {
		return nil, errors.Wrap(merr, "unable to marshal reply failure envelope")
	}
	return body, nil
}

// errorClassName returns a short Go-ish type name for an error value,
// used as the "c" field when no richer classification is available.
func errorClassName(err error) string {
	switch err.(type) {
	case *ConnectionException:
		return "ConnectionException"
	case *MessageDeliveryFailure:
		return "MessageDeliveryFailure"
	case *ExchangeNotFoundException:
		return "ExchangeNotFoundException"
	case *RoutingException:
		return "RoutingException"
	case *MessageRejectedException:
		return "MessageRejectedException"
	case *MessagingTimeout:
		return "MessagingTimeout"
	default:
		return "Error"
	}
}

// parseReply decodes a reply body into either a raw success result or
// a reconstructed failure. A blank failure module (the driver's own
// framework exceptions never set one) always reconstructs; a non-blank
// module reconstructs only when present in allowedModules, otherwise
// it surfaces as an opaque RemoteError.
func parseReply(body []byte, allowedModules []string) (json.RawMessage, error, error) {
	var wire replyWire
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, nil, errors.Wrap(err, "unable to unmarshal reply envelope")
	}

	if wire.Failure != nil {
		if wire.Failure.Module != "" && !moduleAllowed(wire.Failure.Module, allowedModules) {
			return nil, &RemoteError{
				Message: wire.Failure.Message,
				Class:   wire.Failure.Class,
				Module:  wire.Failure.Module,
				Trace:   wire.Failure.Trace,
			}, nil
		}
		return nil, reconstructFailure(wire.Failure), nil
	}

	return wire.Success, nil, nil
}

// moduleAllowed reports whether module is present in allowed (empty
// allowed means nothing is trusted, matching a conservative default).
func moduleAllowed(module string, allowed []string) bool {
	for _, m := range allowed {
		if m == module {
			return true
		}
	}
	return false
}

// reconstructFailure maps a whitelisted failure class back to its
// local kind when recognised, falling back to RemoteError otherwise.
func reconstructFailure(fw *failureWire) error {
	switch fw.Class {
	case "ConnectionException":
		return &ConnectionException{Reason: fw.Message}
	case "MessageDeliveryFailure":
		return &MessageDeliveryFailure{Reason: fw.Message}
	case "ExchangeNotFoundException":
		return &ExchangeNotFoundException{Exchange: fw.Message}
	case "RoutingException":
		return &RoutingException{Exchange: fw.Message}
	case "MessageRejectedException":
		return &MessageRejectedException{Reason: fw.Message}
	case "MessagingTimeout":
		return &MessagingTimeout{Reason: fw.Message}
	default:
		return &RemoteError{
			Message: fw.Message,
			Class:   fw.Class,
			Module:  fw.Module,
			Trace:   fw.Trace,
		}
	}
}
