// Package supervisor implements the Proxy Supervisor (spec §4.7): it binds
// the listening socket, accepts WebSocket handshakes, spawns one Session
// Handler per connection, tracks the live set, and drains it on shutdown.
package supervisor

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/open-matchmaking/pathfinder/internal/broker"
	"github.com/open-matchmaking/pathfinder/internal/endpoint"
	"github.com/open-matchmaking/pathfinder/internal/session"
	"github.com/open-matchmaking/pathfinder/internal/tokencache"
	"github.com/open-matchmaking/pathfinder/internal/wsconn"
	"github.com/open-matchmaking/pathfinder/pkg/wire"
)

// drainTimeout bounds how long shutdown waits for the live sessions'
// going-away teardowns to finish, per spec §4.7.
const drainTimeout = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin:      func(r *http.Request) bool { return true },
	HandshakeTimeout: 10 * time.Second,
}

// Deps bundles the process-wide collaborators every spawned Session shares.
type Deps struct {
	ConnMgr     *broker.Manager
	ReplyRouter *broker.ReplyRouter
	Router      *endpoint.Router
	TokenCache  *tokencache.Cache

	AuthExchange     string
	AuthRoutingKey   string
	AuthTimeout      time.Duration
	RequestTimeout   time.Duration
	ResponseExchange string

	Log *logrus.Logger
}

// Supervisor owns the HTTP listener and the live set of active sessions.
type Supervisor struct {
	deps Deps
	log  *logrus.Entry

	httpServer *http.Server

	mu       sync.Mutex
	sessions map[string]*session.Session
	closed   bool
}

// New builds a Supervisor bound to addr (host:port). tlsConfig is nil unless
// spec §6's `secured` option is set, in which case the listener terminates
// TLS before the WebSocket handshake.
func New(addr string, tlsConfig *tls.Config, deps Deps) *Supervisor {
	s := &Supervisor{
		deps:     deps,
		log:      deps.Log.WithField("component", "supervisor"),
		sessions: make(map[string]*session.Session),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)

	s.httpServer = &http.Server{
		Addr:      addr,
		Handler:   mux,
		TLSConfig: tlsConfig,
	}
	return s
}

// Run accepts connections until ctx is canceled, then drains the live set
// and returns once every session has closed or drainTimeout elapses.
func (s *Supervisor) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpServer.Addr, err)
	}
	if s.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, s.httpServer.TLSConfig)
	}

	serveErrCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
		}
	}()
	s.log.WithField("addr", s.httpServer.Addr).Info("accepting websocket connections")

	select {
	case <-ctx.Done():
	case err := <-serveErrCh:
		return err
	}

	return s.shutdown()
}

// shutdown stops accepting new connections, closes every live session with
// going-away (1001), and waits up to drainTimeout for those teardowns to
// finish. Sessions still tearing down when drainTimeout elapses are not
// closed any further; shutdown returns and leaves them to finish.
func (s *Supervisor) shutdown() error {
	s.log.Info("shutting down: draining active sessions")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)

	s.mu.Lock()
	s.closed = true
	live := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range live {
		wg.Add(1)
		go func(sess *session.Session) {
			defer wg.Done()
			sess.Close(wire.New(wire.ServerShutdown, "supervisor shutting down"))
		}(sess)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("all sessions drained")
	case <-time.After(drainTimeout):
		s.log.Warn("drain timeout elapsed, returning with sessions still closing")
	}
	return nil
}

// handleUpgrade performs the WebSocket handshake, opens the session's AMQP
// channel and reply queue, and spawns its Session Handler.
func (s *Supervisor) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	id := uuid.NewString()
	log := s.log.WithField("session_id", id)

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	handle, err := s.deps.ConnMgr.OpenChannel(ctx)
	if err != nil {
		log.WithError(err).Error("failed to open broker channel for session")
		ws.Close()
		return
	}

	replyQueue, err := handle.DeclareReplyQueue(s.deps.ResponseExchange)
	if err != nil {
		log.WithError(err).Error("failed to declare reply queue")
		s.deps.ConnMgr.CloseChannel(context.Background(), handle)
		ws.Close()
		return
	}

	replySink, err := s.deps.ReplyRouter.Register(handle, id, replyQueue)
	if err != nil {
		log.WithError(err).Error("failed to register reply consumer")
		s.deps.ConnMgr.CloseChannel(context.Background(), handle)
		ws.Close()
		return
	}

	conn := wsconn.New(ws)
	closeChannel := func(ctx context.Context) {
		s.deps.ConnMgr.CloseChannel(ctx, handle)
	}

	sess := session.New(id, conn, handle, handle.Lost, closeChannel, replyQueue, replySink, session.Deps{
		ReplyRouter:    s.deps.ReplyRouter,
		Router:         s.deps.Router,
		TokenCache:     s.deps.TokenCache,
		AuthExchange:   s.deps.AuthExchange,
		AuthRoutingKey: s.deps.AuthRoutingKey,
		AuthTimeout:    s.deps.AuthTimeout,
		RequestTimeout: s.deps.RequestTimeout,
		Log:            s.deps.Log,
	})

	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	log.Info("session established")

	// r.Context() is canceled as soon as this handler returns, so the session
	// runs on its own context; shutdown ends it through Close.
	go func() {
		sess.Run(context.Background())
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		log.Info("session closed")
	}()
}

// liveCount reports the number of active sessions, used by tests.
func (s *Supervisor) liveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
