// Package session implements the Session Handler (spec §4.6): the
// request/response correlation engine for one accepted WebSocket
// connection. It owns the client's dedicated AMQP channel and reply queue,
// drives token validation, publication, response pairing, and frame relay.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/open-matchmaking/pathfinder/internal/authclient"
	"github.com/open-matchmaking/pathfinder/internal/endpoint"
	"github.com/open-matchmaking/pathfinder/internal/tokencache"
	"github.com/open-matchmaking/pathfinder/internal/wsconn"
	"github.com/open-matchmaking/pathfinder/pkg/wire"
)

// Publisher is the channel-scoped capability a Session needs to send a
// request and await its broker publish-confirm. *broker.ChannelHandle
// satisfies this.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, msg amqp.Publishing) error
}

// Unregisterer is the Reply Router capability a Session needs at teardown.
// *broker.ReplyRouter satisfies this.
type Unregisterer interface {
	Unregister(sessionID string)
}

// result is what a RequestSlot's one-shot completion port carries: either a
// raw reply body or the error that ended the wait.
type result struct {
	body []byte
	err  error
}

// slot is the concrete RequestSlot of spec §3: a live correlation id awaiting
// exactly one reply.
type slot struct {
	correlationID string
	kind          wire.RequestKind
	createdAt     time.Time
	completion    chan result
}

// Deps bundles the process-wide collaborators a Session needs, all
// constructed once at startup and shared across every session.
type Deps struct {
	ReplyRouter Unregisterer
	Router      *endpoint.Router
	TokenCache  *tokencache.Cache

	AuthExchange   string
	AuthRoutingKey string
	AuthTimeout    time.Duration
	RequestTimeout time.Duration

	Log *logrus.Logger
}

// Session is one accepted WebSocket connection's correlation engine. All
// inflight-map mutations are guarded by mu; this trades the design note's
// lock-free ideal for a simple, demonstrably correct implementation (see
// DESIGN.md).
type Session struct {
	ID string

	conn         *wsconn.Conn
	channel      Publisher
	channelLost  <-chan error
	closeChannel func(ctx context.Context)
	replyQueue   string
	replySink    <-chan amqp.Delivery

	deps Deps
	auth *authclient.Client
	log  *logrus.Entry

	mu       sync.Mutex
	inflight map[string]*slot
	dropped  uint64

	wg        sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

// New accepts ownership of conn, channel, and replyQueue/replySink (already
// declared and registered by the caller) and builds the session's own Auth
// Client bound to its correlation machinery. channelLost fires when the
// owning broker connection dies; closeChannel releases the AMQP channel at
// teardown (typically connMgr.CloseChannel bound to this session's handle).
func New(id string, conn *wsconn.Conn, channel Publisher, channelLost <-chan error, closeChannel func(context.Context), replyQueue string, replySink <-chan amqp.Delivery, deps Deps) *Session {
	s := &Session{
		ID:           id,
		conn:         conn,
		channel:      channel,
		channelLost:  channelLost,
		closeChannel: closeChannel,
		replyQueue:   replyQueue,
		replySink:    replySink,
		deps:         deps,
		inflight:     make(map[string]*slot),
		done:         make(chan struct{}),
		log:          deps.Log.WithField("component", "session").WithField("session_id", id),
	}
	s.auth = authclient.New(s, deps.AuthExchange, deps.AuthRoutingKey, deps.AuthTimeout)
	return s
}

// Run drives the session until the client disconnects, the broker channel
// is lost, or ctx is canceled, then tears everything down.
func (s *Session) Run(ctx context.Context) {
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.dispatchLoop()
	go s.watchChannelLoss(sessionCtx)

	for {
		payload, binary, err := s.conn.Read()
		if err != nil {
			s.teardown(wire.New(wire.SessionClosed, "client disconnected"))
			return
		}
		if binary {
			frame := wire.ErrorFrame{Error: wire.ErrorBody{Code: "unsupported_frame", Message: "binary frames are not supported"}}
			if b, err := json.Marshal(frame); err == nil {
				_ = s.conn.Write(sessionCtx, b)
			}
			continue
		}

		s.wg.Add(1)
		go func(payload []byte) {
			defer s.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.WithField("panic", r).Error("panic handling frame")
				}
			}()
			s.handleFrame(sessionCtx, payload)
		}(payload)

		select {
		case <-s.done:
			return
		default:
		}
	}
}

func (s *Session) watchChannelLoss(ctx context.Context) {
	select {
	case err := <-s.channelLost:
		if err == nil {
			err = wire.New(wire.BrokerConnectionLost, "channel lost")
		}
		s.teardown(err)
	case <-ctx.Done():
		s.teardown(wire.New(wire.SessionClosed, "session context canceled"))
	case <-s.done:
	}
}

// handleFrame runs the per-frame pipeline of spec §4.6 steps a-f.
func (s *Session) handleFrame(ctx context.Context, payload []byte) {
	var in wire.EnvelopeIn
	if err := json.Unmarshal(payload, &in); err != nil {
		s.sendError(ctx, wire.BadRequest, "malformed json")
		return
	}
	if in.URL == "" {
		s.sendError(ctx, wire.BadRequest, "url is required")
		return
	}

	spec, err := s.deps.Router.Resolve(in.URL)
	if err != nil {
		s.sendError(ctx, wire.UnknownEndpoint, fmt.Sprintf("no endpoint for url %q", in.URL))
		return
	}

	var permissions []string
	if spec.TokenRequired {
		if in.Token == "" {
			s.sendError(ctx, wire.Unauthorized, "token is required")
			return
		}
		perms, err := s.deps.TokenCache.GetOrValidate(ctx, in.Token, s.auth.Validate)
		if err != nil {
			s.sendError(ctx, wire.KindOf(err), err.Error())
			return
		}
		permissions = perms
	}

	buildBody := func(corrID string) ([]byte, error) {
		headers := map[string]any{"url": spec.URL, "correlation_id": corrID, "reply_to": s.replyQueue}
		if permissions != nil {
			headers["permissions"] = permissions
		}
		out := wire.EnvelopeOut{Data: in.Data, Permissions: permissions, Headers: headers}
		return json.Marshal(out)
	}

	reply, err := s.Request(ctx, wire.KindUser, s.deps.RequestTimeout, spec.RequestExchange, spec.RoutingKey, buildBody)
	if err != nil {
		s.sendError(ctx, wire.KindOf(err), err.Error())
		return
	}

	_ = s.conn.Write(ctx, reply)
}

// Request mints a correlation id, registers a slot, builds and publishes the
// body, and awaits the matched reply or timeout. buildBody runs after the
// correlation id is minted so the JSON body's headers map can carry
// correlation_id/reply_to alongside the AMQP-level properties (spec §3). It
// implements authclient.Requester, so the Auth Client's sub-requests share
// exactly this machinery, just with a distinguishable kind and their own
// exchange/routing key/timeout (spec §4.3).
func (s *Session) Request(ctx context.Context, kind wire.RequestKind, timeout time.Duration, exchange, routingKey string, buildBody func(corrID string) ([]byte, error)) ([]byte, error) {
	corrID := uuid.NewString()
	sl := &slot{
		correlationID: corrID,
		kind:          kind,
		createdAt:     time.Now(),
		completion:    make(chan result, 1),
	}
	s.insert(sl)

	payload, err := buildBody(corrID)
	if err != nil {
		s.remove(corrID)
		return nil, wire.Wrap(wire.InternalError, "failed to encode request", err)
	}

	msg := amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: corrID,
		ReplyTo:       s.replyQueue,
		Body:          payload,
		Headers: amqp.Table{
			"correlation_id": corrID,
			"reply_to":       s.replyQueue,
		},
	}

	if err := s.channel.Publish(ctx, exchange, routingKey, msg); err != nil {
		s.remove(corrID)
		return nil, err
	}

	select {
	case res := <-sl.completion:
		return res.body, res.err
	case <-time.After(timeout):
		s.remove(corrID)
		return nil, wire.New(wire.UpstreamTimeout, "no reply within deadline")
	case <-ctx.Done():
		s.remove(corrID)
		return nil, ctx.Err()
	case <-s.done:
		s.remove(corrID)
		return nil, wire.New(wire.SessionClosed, "session closed while awaiting reply")
	}
}

// dispatchLoop drains the Reply Router's per-session sink, looks the
// delivery's correlation id up in inflight, acks it immediately either way
// (ack-on-dispatch, spec §4.5), and fulfills the matched slot on a hit.
func (s *Session) dispatchLoop() {
	for d := range s.replySink {
		sl := s.popByCorrelationID(d.CorrelationId)
		d.Ack(false)

		if sl == nil {
			s.mu.Lock()
			s.dropped++
			s.mu.Unlock()
			s.log.WithField("correlation_id", d.CorrelationId).Warn("dropped reply: no matching inflight request")
			continue
		}

		select {
		case sl.completion <- result{body: d.Body}:
		default:
			// Slot already resolved by a racing timeout; drop silently.
		}
	}
}

func (s *Session) insert(sl *slot) {
	s.mu.Lock()
	s.inflight[sl.correlationID] = sl
	s.mu.Unlock()
}

func (s *Session) remove(corrID string) {
	s.mu.Lock()
	delete(s.inflight, corrID)
	s.mu.Unlock()
}

func (s *Session) popByCorrelationID(corrID string) *slot {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.inflight[corrID]
	if !ok {
		return nil
	}
	delete(s.inflight, corrID)
	return sl
}

func (s *Session) sendError(ctx context.Context, kind wire.Kind, message string) {
	frame := wire.NewErrorFrame(kind, message)
	b, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = s.conn.Write(ctx, b)
}

// teardown cascades SessionClosed to all inflight slots, unregisters from
// the Reply Router, releases the channel, and closes the WebSocket. It runs
// exactly once regardless of which exit path triggers it (client close,
// broker loss, or supervisor shutdown), satisfying the guaranteed-release
// invariant of spec §4.6.
func (s *Session) teardown(cause error) {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		slots := s.inflight
		s.inflight = make(map[string]*slot)
		s.mu.Unlock()

		for _, sl := range slots {
			select {
			case sl.completion <- result{err: wire.New(wire.SessionClosed, "session terminated")}:
			default:
			}
		}

		s.deps.ReplyRouter.Unregister(s.ID)

		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.closeChannel(closeCtx)
		cancel()

		code := closeCodeFor(cause)
		_ = s.conn.CloseWithCode(code, wire.KindOf(cause).Code())

		s.wg.Wait()
	})
}

// Close is the external entry point supervisors use to force-terminate a
// session (e.g. on SIGINT/SIGTERM drain).
func (s *Session) Close(cause error) {
	s.teardown(cause)
}

func closeCodeFor(cause error) int {
	switch wire.KindOf(cause) {
	case wire.ServerShutdown:
		return 1001
	case wire.BrokerConnectionLost, wire.InternalError:
		return 1011
	case wire.Unauthorized:
		return 1008
	default:
		return 1000
	}
}

// Dropped reports how many reply deliveries were acked and discarded for
// lacking a matching inflight slot (spec §4.5 miss path).
func (s *Session) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// InflightCount reports the current number of live slots, used by tests
// asserting the bounded-memory invariant (spec §8 property 6).
func (s *Session) InflightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inflight)
}
