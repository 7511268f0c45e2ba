package broker

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// replySinkCapacity is the per-session bounded delivery channel capacity
// (spec §4.5/§5), matched to the qos/prefetch of 64 set on each session's
// channel so a slow session applies backpressure via broker credit rather
// than an unbounded backlog.
const replySinkCapacity = 64

// ReplyRouter owns the consumer goroutine for every active session's reply
// queue and demultiplexes at session granularity: it forwards every raw,
// unacknowledged delivery into that session's bounded sink. The actual
// correlation-id lookup and ack-on-dispatch happen in the Session Handler,
// which guards that session's inflight map with its own mutex.
type ReplyRouter struct {
	log *logrus.Entry

	mu       sync.Mutex
	sessions map[string]*registration
}

type registration struct {
	sink   chan amqp.Delivery
	cancel func()
}

func NewReplyRouter(log *logrus.Entry) *ReplyRouter {
	return &ReplyRouter{
		log:      log,
		sessions: make(map[string]*registration),
	}
}

// Register starts a consumer on replyQueue (assumed already declared
// exclusive/auto-delete with qos=64 by the caller) and returns a bounded
// channel of raw deliveries for sessionID. The consumer goroutine exits
// when the channel's delivery stream closes (connection/channel loss) or
// Unregister is called.
func (r *ReplyRouter) Register(handle *ChannelHandle, sessionID, replyQueue string) (<-chan amqp.Delivery, error) {
	deliveries, err := handle.ch.Consume(replyQueue, "pathfinder-"+sessionID, false, true, false, false, nil)
	if err != nil {
		return nil, err
	}

	sink := make(chan amqp.Delivery, replySinkCapacity)
	done := make(chan struct{})

	r.mu.Lock()
	r.sessions[sessionID] = &registration{
		sink:   sink,
		cancel: sync.OnceFunc(func() { close(done) }),
	}
	r.mu.Unlock()

	go func() {
		defer close(sink)
		for {
			select {
			case d, ok := <-deliveries:
				if !ok {
					return
				}
				select {
				case sink <- d:
				case <-done:
					return
				}
			case <-done:
				return
			}
		}
	}()

	return sink, nil
}

// Unregister cancels the session's consumer and removes its registration.
// Idempotent: unregistering an unknown or already-unregistered session is a
// no-op.
func (r *ReplyRouter) Unregister(sessionID string) {
	r.mu.Lock()
	reg, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()

	if ok {
		reg.cancel()
	}
}
