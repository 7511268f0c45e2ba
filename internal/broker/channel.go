package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/open-matchmaking/pathfinder/pkg/wire"
)

// ChannelHandle wraps one AMQP channel exclusively owned by a single Session
// Handler. Publish serializes concurrent publishers on the channel: AMQP
// channels are not safe for concurrent use, and serializing keeps the
// publish/confirm pairing unambiguous without tracking delivery tags.
type ChannelHandle struct {
	ID int

	ch       *amqp.Channel
	confirms chan amqp.Confirmation
	returns  chan amqp.Return

	// Lost is fired at most once, with the reason the owning connection
	// went away. Session Handlers select on it alongside their own work.
	Lost chan error

	publishMu sync.Mutex
}

// Publish sends msg to exchange with routingKey, marked mandatory so an
// unroutable message is returned rather than silently dropped (see
// SPEC_FULL §12), and waits for the broker's publisher-confirm or a 5s
// timeout.
func (h *ChannelHandle) Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error {
	h.publishMu.Lock()
	defer h.publishMu.Unlock()

	if err := h.ch.Publish(exchange, routingKey, true, false, msg); err != nil {
		return wire.Wrap(wire.BrokerChannelClosed, "publish", err)
	}

	select {
	case confirm, ok := <-h.confirms:
		if !ok {
			return wire.New(wire.BrokerChannelClosed, "channel closed while awaiting publish confirm")
		}
		if !confirm.Ack {
			return wire.New(wire.BrokerChannelClosed, "broker nacked publish")
		}
		return nil
	case ret := <-h.returns:
		return wire.New(wire.BrokerChannelClosed, fmt.Sprintf("unroutable publish: %s", ret.ReplyText))
	case <-time.After(publishConfirmTimeout):
		return wire.New(wire.BrokerPublishTimeout, "no publish confirmation within 5s")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeclareReplyQueue declares the session's exclusive, auto-delete reply
// queue and binds it to responseExchange with the queue's own generated
// name as routing key, per spec §4.6 step 3 and SPEC_FULL §12's response-
// exchange bind supplement. It sets basic.qos prefetch to 64 (spec §4.5).
func (h *ChannelHandle) DeclareReplyQueue(responseExchange string) (string, error) {
	// Declare-if-absent with passive=false, per spec §9 open question 3:
	// ExchangeDeclare is idempotent when the exchange already exists with
	// matching properties.
	if err := h.ch.ExchangeDeclare(responseExchange, "direct", true, false, false, false, nil); err != nil {
		return "", wire.Wrap(wire.BrokerChannelClosed, "declare response exchange", err)
	}

	q, err := h.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return "", wire.Wrap(wire.BrokerChannelClosed, "declare reply queue", err)
	}

	if err := h.ch.QueueBind(q.Name, q.Name, responseExchange, false, nil); err != nil {
		return "", wire.Wrap(wire.BrokerChannelClosed, "bind reply queue", err)
	}

	if err := h.ch.Qos(64, 0, false); err != nil {
		return "", wire.Wrap(wire.BrokerChannelClosed, "set qos", err)
	}

	return q.Name, nil
}
