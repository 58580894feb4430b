package libstem

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"golang.org/x/time/rate"
)

const (
	hubMaxFrameSize = 1 << 20
	hubWriteWait    = 10 * time.Second
)

type RateLimitConfig struct {
	// Limit is the number of set frames per second per session. 0 disables it.
	Limit float64 `yaml:"limit"`
	Burst int     `yaml:"burst"`
}

type HubConfig struct {
	Addr        string `yaml:"addr"`
	Path        string `yaml:"path"`
	MetricsPath string `yaml:"metricsPath"`
	// MaxSessions caps concurrent sessions. 0 means unlimited.
	MaxSessions  int             `yaml:"maxSessions"`
	SendBuffer   int             `yaml:"sendBuffer"`
	PingInterval time.Duration   `yaml:"pingInterval"`
	RateLimit    RateLimitConfig `yaml:"rateLimit"`
}

// Hub serves one MemoryStorage scope to remote contexts over websockets.
// Each session receives a snapshot on connect and a mutation frame for every
// later change; set frames from any session are written to the scope.
type Hub struct {
	cfg      HubConfig
	scope    *MemoryStorage
	logger   Logger
	metrics  *Metrics
	gatherer prometheus.Gatherer
	upgrader websocket.FastHTTPUpgrader

	mu       sync.Mutex
	reserved int
	sessions map[string]*hubSession
}

type HubOption func(*Hub)

func WithHubLogger(logger Logger) HubOption {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithHubMetrics records hub metrics on m and serves g on the metrics path.
func WithHubMetrics(m *Metrics, g prometheus.Gatherer) HubOption {
	return func(h *Hub) {
		h.metrics = m
		h.gatherer = g
	}
}

func NewHub(cfg HubConfig, scope *MemoryStorage, opts ...HubOption) *Hub {
	if cfg.Path == "" {
		cfg.Path = "/ws"
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}

	h := &Hub{
		cfg:      cfg,
		scope:    scope,
		logger:   noopLogger{},
		sessions: make(map[string]*hubSession),
		upgrader: websocket.FastHTTPUpgrader{
			CheckOrigin: func(*fasthttp.RequestCtx) bool { return true },
		},
	}

	for _, opt := range opts {
		opt(h)
	}

	h.logger = h.logger.WithField("component", "hub")

	return h
}

// Handler routes the websocket and metrics endpoints.
func (h *Hub) Handler() fasthttp.RequestHandler {
	var metricsHandler fasthttp.RequestHandler
	if h.gatherer != nil && h.cfg.MetricsPath != "" {
		metricsHandler = fasthttpadaptor.NewFastHTTPHandler(
			promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}),
		)
	}

	return func(ctx *fasthttp.RequestCtx) {
		path := string(ctx.Path())

		switch {
		case path == h.cfg.Path:
			h.serveWs(ctx)
		case metricsHandler != nil && path == h.cfg.MetricsPath:
			metricsHandler(ctx)
		default:
			ctx.Error("not found", fasthttp.StatusNotFound)
		}
	}
}

// Serve accepts connections on ln until ctx is done.
func (h *Hub) Serve(ctx context.Context, ln net.Listener) error {
	server := &fasthttp.Server{
		Handler: h.Handler(),
		Name:    "stemhub",
	}

	errC := make(chan error, 1)
	go func() {
		errC <- server.Serve(ln)
	}()

	h.logger.Infof("listening on %s", ln.Addr())

	select {
	case err := <-errC:
		return err
	case <-ctx.Done():
		h.closeSessions()
		return server.Shutdown()
	}
}

func (h *Hub) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "cannot listen on %s", h.cfg.Addr)
	}
	return h.Serve(ctx, ln)
}

// Sessions returns the number of open sessions.
func (h *Hub) Sessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func (h *Hub) serveWs(ctx *fasthttp.RequestCtx) {
	if !h.reserve() {
		h.logger.Warnf("max sessions reached (%d), rejecting %s", h.cfg.MaxSessions, ctx.RemoteAddr())
		ctx.Error("too many sessions", fasthttp.StatusServiceUnavailable)
		return
	}

	err := h.upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		s := newHubSession(h, conn)

		h.register(s)
		defer h.unregister(s)

		s.serve()
	})
	if err != nil {
		h.release()
		h.logger.Errorf("cannot upgrade connection from %s: %s", ctx.RemoteAddr(), err)
	}
}

func (h *Hub) reserve() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cfg.MaxSessions > 0 && h.reserved >= h.cfg.MaxSessions {
		return false
	}
	h.reserved++
	return true
}

func (h *Hub) release() {
	h.mu.Lock()
	h.reserved--
	h.mu.Unlock()
}

func (h *Hub) register(s *hubSession) {
	h.mu.Lock()
	h.sessions[s.id] = s
	h.mu.Unlock()

	h.metrics.hubSessionDelta(1)
	s.logger.Infoln("session opened")
}

func (h *Hub) unregister(s *hubSession) {
	h.mu.Lock()
	delete(h.sessions, s.id)
	h.reserved--
	h.mu.Unlock()

	h.metrics.hubSessionDelta(-1)
	s.logger.Infoln("session closed")
}

func (h *Hub) closeSessions() {
	h.mu.Lock()
	sessions := make([]*hubSession, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

func (h *Hub) newLimiter() *rate.Limiter {
	if h.cfg.RateLimit.Limit <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}

	burst := h.cfg.RateLimit.Burst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(h.cfg.RateLimit.Limit), burst)
}

// hubSession is one remote context connected to the hub.
type hubSession struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	logger  Logger
	limiter *rate.Limiter
	send    chan []byte

	done      chan struct{}
	closeOnce sync.Once
}

func newHubSession(h *Hub, conn *websocket.Conn) *hubSession {
	id := uuid.NewString()

	return &hubSession{
		id:      id,
		hub:     h,
		conn:    conn,
		logger:  h.logger.WithField("session", id).WithField("remote", conn.RemoteAddr().String()),
		limiter: h.newLimiter(),
		send:    make(chan []byte, h.cfg.SendBuffer),
		done:    make(chan struct{}),
	}
}

// serve blocks until the connection is gone.
func (s *hubSession) serve() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer s.close()

	// Watch before taking the snapshot so no mutation falls in between;
	// the client ignores mutations it already has.
	cancelWatch, err := s.hub.scope.Watch(ctx, s.forward(ctx))
	if err != nil {
		s.logger.Errorf("cannot watch scope: %s", err)
		return
	}
	defer cancelWatch()

	s.enqueue(Frame{Op: OpSnapshot, Entries: s.hub.scope.Snapshot()})

	go s.writePump()
	s.readPump(ctx)
}

func (s *hubSession) forward(ctx context.Context) WatchFunc {
	return func(m Mutation) {
		v, err := s.hub.scope.Get(ctx, m.Key)
		switch {
		case errors.Is(err, ErrKeyNotFound):
			s.enqueue(Frame{Op: OpMutation, Key: m.Key, Deleted: true})
		case err != nil:
			s.logger.Errorf("cannot read %s: %s", m.Key, err)
		default:
			s.enqueue(Frame{Op: OpMutation, Key: m.Key, Value: v})
		}
	}
}

// enqueue queues f for the write pump. A session that cannot keep up is
// closed; the client resyncs from the snapshot when it reconnects.
func (s *hubSession) enqueue(f Frame) {
	bts, err := f.Encode()
	if err != nil {
		s.logger.Errorf("cannot encode %s frame: %s", f.Op, err)
		return
	}

	select {
	case <-s.done:
	case s.send <- bts:
		s.hub.metrics.hubFrame("out", string(f.Op))
	default:
		s.logger.Warnf("send buffer full, closing slow session")
		s.close()
	}
}

func (s *hubSession) readPump(ctx context.Context) {
	s.conn.SetReadLimit(hubMaxFrameSize)

	if wait := s.pongWait(); wait > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(wait))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(wait))
		})
	}

	for {
		_, bts, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Warnf("read error: %s", err)
			}
			return
		}

		if wait := s.pongWait(); wait > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(wait))
		}

		s.handleFrame(ctx, bts)
	}
}

func (s *hubSession) handleFrame(ctx context.Context, bts []byte) {
	f, err := DecodeFrame(bts)
	if err != nil {
		s.enqueue(Frame{Op: OpError, Error: err.Error()})
		return
	}

	s.hub.metrics.hubFrame("in", string(f.Op))

	if f.Op != OpSet {
		s.enqueue(Frame{Op: OpError, Error: "unexpected op " + string(f.Op)})
		return
	}

	if !s.limiter.Allow() {
		s.logger.Warnf("rate limit exceeded, dropping set of %s", f.Key)
		s.enqueue(Frame{Op: OpError, ID: f.ID, Key: f.Key, Error: ErrRateLimit.Error()})
		return
	}

	if err := s.hub.scope.Set(ctx, f.Key, f.Value); err != nil {
		s.enqueue(Frame{Op: OpError, ID: f.ID, Key: f.Key, Error: err.Error()})
		return
	}

	if f.ID != "" {
		s.enqueue(Frame{Op: OpAck, ID: f.ID, Key: f.Key})
	}
}

func (s *hubSession) writePump() {
	var tick <-chan time.Time
	if s.hub.cfg.PingInterval > 0 {
		ticker := time.NewTicker(s.hub.cfg.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	defer s.close()

	for {
		select {
		case <-s.done:
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(hubWriteWait))
			return
		case bts := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, bts); err != nil {
				s.logger.Warnf("write error: %s", err)
				return
			}
		case <-tick:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(hubWriteWait)); err != nil {
				s.logger.Warnf("ping error: %s", err)
				return
			}
		}
	}
}

// pongWait is how long the hub waits for any traffic before giving up on a
// session. Only enforced when the hub pings.
func (s *hubSession) pongWait() time.Duration {
	if s.hub.cfg.PingInterval <= 0 {
		return 0
	}
	return s.hub.cfg.PingInterval * 10 / 9 * 2
}

func (s *hubSession) close() {
	s.closeOnce.Do(func() {
		close(s.done)
		// unblock readPump; writePump sends the close frame on its way out
		_ = s.conn.SetReadDeadline(time.Now())
	})
}
