// Package bridge exposes the command dispatcher and the engine event stream
// over a websocket, so a host UI running in another process can drive a
// duplex session.
//
// Wire format (JSON text frames):
//
//	client → server  {"id":"1","method":"playTts","args":{"text":"hi"}}
//	server → client  {"id":"1","result":{"ok":true,"requestId":"tts_…"}}
//	server → client  {"event":{"event":"ttsStarted","sessionId":"s1",…}}
//
// Commands from one client run in arrival order. Replies are never dropped;
// events are, for clients whose send queue is full.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/MrWong99/duplexvoice/internal/command"
	"github.com/MrWong99/duplexvoice/internal/engine"
	"github.com/MrWong99/duplexvoice/internal/observe"
)

const (
	defaultQueueSize = 256
	defaultRate      = 50
	defaultBurst     = 20
	readLimit        = 1 << 20
	writeTimeout     = 5 * time.Second
)

// Error codes the bridge itself puts in a result.
const (
	CodeNotImplemented = "not_implemented"
	CodeRateLimited    = "rate_limited"
	CodeBadRequest     = "invalid_request"
	CodeEngineClosed   = "engine_closed"
)

// Dispatcher runs one host command. [*command.Dispatcher] implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, method string, args map[string]any) (engine.Result, error)
}

type request struct {
	ID     string         `json:"id"`
	Method string         `json:"method"`
	Args   map[string]any `json:"args"`
}

type reply struct {
	ID     string        `json:"id"`
	Result engine.Result `json:"result"`
}

type push struct {
	Event engine.Envelope `json:"event"`
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Server.
type Option func(*Server)

// WithRateLimit limits each client to rps commands per second with the given
// burst. A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		s.rate = rate.Limit(rps)
		if rps <= 0 {
			s.rate = rate.Inf
		}
		if burst > 0 {
			s.burst = burst
		}
	}
}

// WithQueueSize sets how many outbound messages each client may have
// pending before events are dropped.
func WithQueueSize(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.queueSize = n
		}
	}
}

// WithMetrics records client counts to m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithOriginPatterns allows cross-origin websocket handshakes from hosts
// matching patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// ── Server ─────────────────────────────────────────────────────────────────────

// Server is an [http.Handler] serving the bridge protocol. It also
// implements [engine.Emitter]: every emitted envelope is pushed to all
// connected clients.
type Server struct {
	d         Dispatcher
	log       *slog.Logger
	metrics   *observe.Metrics
	rate      rate.Limit
	burst     int
	queueSize int
	origins   []string

	mu      sync.RWMutex
	clients map[string]*client
	closed  bool
}

var (
	_ http.Handler   = (*Server)(nil)
	_ engine.Emitter = (*Server)(nil)
)

// New returns a Server dispatching commands to d.
func New(d Dispatcher, opts ...Option) *Server {
	s := &Server{
		d:         d,
		log:       slog.Default(),
		rate:      defaultRate,
		burst:     defaultBurst,
		queueSize: defaultQueueSize,
		clients:   make(map[string]*client),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// SetDispatcher replaces the command dispatcher. It must be called before
// the server accepts connections.
func (s *Server) SetDispatcher(d Dispatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.d = d
}

// client is one websocket connection.
type client struct {
	id      string
	conn    *websocket.Conn
	out     chan []byte
	limiter *rate.Limiter
	dropped atomic.Int64
}

// ServeHTTP upgrades the request and serves the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.log.Warn("bridge: accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	conn.SetReadLimit(readLimit)

	c := &client{
		id:      uuid.NewString(),
		conn:    conn,
		out:     make(chan []byte, s.queueSize),
		limiter: rate.NewLimiter(s.rate, s.burst),
	}
	if !s.register(c) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer s.unregister(c)

	log := s.log.With("client_id", c.id)
	log.Info("bridge: client connected", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go s.writeLoop(ctx, cancel, c, log)

	err = s.readLoop(ctx, c)
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		log.Info("bridge: client disconnected")
	default:
		if ctx.Err() == nil {
			log.Warn("bridge: client read failed", "err", err)
		}
	}
	if n := c.dropped.Load(); n > 0 {
		log.Info("bridge: events dropped for slow client", "count", n)
	}
	conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) register(c *client) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.clients[c.id] = c
	s.metrics.BridgeClients.Add(context.Background(), 1)
	return true
}

func (s *Server) unregister(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.id]; ok {
		delete(s.clients, c.id)
		s.metrics.BridgeClients.Add(context.Background(), -1)
	}
}

func (s *Server) readLoop(ctx context.Context, c *client) error {
	for {
		typ, data, err := c.conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ != websocket.MessageText {
			s.send(ctx, c, reply{Result: failure(CodeBadRequest, "binary frames are not supported")})
			continue
		}
		var req request
		if err := json.Unmarshal(data, &req); err != nil {
			s.send(ctx, c, reply{Result: failure(CodeBadRequest, "malformed request: "+err.Error())})
			continue
		}
		if req.Method == "" {
			s.send(ctx, c, reply{ID: req.ID, Result: failure(CodeBadRequest, "method is required")})
			continue
		}
		if !c.limiter.Allow() {
			s.send(ctx, c, reply{ID: req.ID, Result: failure(CodeRateLimited, "too many commands")})
			continue
		}
		s.send(ctx, c, reply{ID: req.ID, Result: s.dispatch(ctx, req)})
	}
}

func (s *Server) dispatch(ctx context.Context, req request) engine.Result {
	s.mu.RLock()
	d := s.d
	s.mu.RUnlock()
	if d == nil {
		return failure(CodeEngineClosed, "no dispatcher")
	}
	r, err := d.Dispatch(ctx, req.Method, req.Args)
	switch {
	case err == nil:
		return r
	case errors.Is(err, command.ErrNotImplemented):
		return failure(CodeNotImplemented, err.Error())
	case errors.Is(err, engine.ErrClosed):
		return failure(CodeEngineClosed, err.Error())
	default:
		return failure(engine.MapError("", err.Error()).RawCode, err.Error())
	}
}

func failure(code, message string) engine.Result {
	return engine.Result{"ok": false, "error": code, "message": message}
}

// send queues a reply, waiting for room. Replies are not dropped.
func (s *Server) send(ctx context.Context, c *client, rep reply) {
	b, err := json.Marshal(rep)
	if err != nil {
		s.log.Error("bridge: marshal reply", "client_id", c.id, "err", err)
		return
	}
	select {
	case c.out <- b:
	case <-ctx.Done():
	}
}

func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, c *client, log *slog.Logger) {
	defer cancel()
	for {
		select {
		case b := <-c.out:
			wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
			err := c.conn.Write(wctx, websocket.MessageText, b)
			wcancel()
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("bridge: write failed", "err", err)
				}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Emit implements [engine.Emitter] by broadcasting env.
func (s *Server) Emit(env engine.Envelope) { s.Broadcast(env) }

// Broadcast pushes env to every connected client. It never blocks: a client
// whose queue is full misses the event.
func (s *Server) Broadcast(env engine.Envelope) {
	b, err := json.Marshal(push{Event: env})
	if err != nil {
		s.log.Error("bridge: marshal event", "event", env.Event, "err", err)
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.clients {
		select {
		case c.out <- b:
		default:
			c.dropped.Add(1)
		}
	}
}

// Clients returns the number of connected clients.
func (s *Server) Clients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// Close disconnects every client and refuses new ones.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for _, c := range s.clients {
		conns = append(conns, c.conn)
	}
	s.mu.Unlock()
	for _, conn := range conns {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
