package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/adradan/chatty/internal/envelope"
	"github.com/adradan/chatty/internal/protocol"
	"github.com/adradan/chatty/internal/registry"
	"github.com/adradan/chatty/internal/session"
)

// outbox is the registry.Handle of one websocket connection. Deliver never
// blocks; a full buffer evicts the connection.
type outbox struct {
	ch        chan envelope.Envelope
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	evicted bool
}

func newOutbox(size int) *outbox {
	if size < 1 {
		size = 1
	}
	return &outbox{
		ch:   make(chan envelope.Envelope, size),
		done: make(chan struct{}),
	}
}

func (o *outbox) Deliver(env envelope.Envelope) bool {
	select {
	case <-o.done:
		return false
	default:
	}
	select {
	case o.ch <- env:
		return true
	default:
		o.mu.Lock()
		o.evicted = true
		o.mu.Unlock()
		o.Close()
		return false
	}
}

// Close stops further deliveries. The channel itself is never closed since
// routing goroutines may still hold the handle.
func (o *outbox) Close() {
	o.closeOnce.Do(func() { close(o.done) })
}

func (o *outbox) wasEvicted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.evicted
}

// transportError carries the close code to send before dropping a socket.
type transportError struct {
	code   int
	reason string
}

func (e *transportError) Error() string {
	return e.reason
}

var (
	errBinaryFrame  = &transportError{code: websocket.CloseUnsupportedData, reason: "binary frames are not supported"}
	errHeartbeat    = &transportError{code: websocket.CloseGoingAway, reason: "heartbeat timeout"}
	errBackpressure = &transportError{code: websocket.ClosePolicyViolation, reason: "send buffer full"}
	errShutdown     = &transportError{code: websocket.CloseGoingAway, reason: "relay shutting down"}
	errSaturated    = &transportError{code: websocket.CloseTryAgainLater, reason: "no session identity available"}
)

type readEventKind int

const (
	readFrame readEventKind = iota
	readAlive
	readFailed
)

// readEvent is what the reader goroutine hands to the connection loop.
type readEvent struct {
	kind readEventKind
	at   time.Time
	data []byte
	err  error
}

// wsConn is one client socket. The goroutine running serve owns the endpoint
// and is the only writer of data frames; control frames go through
// WriteControl, which gorilla allows concurrently.
type wsConn struct {
	srv    *RelayServer
	ws     *websocket.Conn
	log    *zap.Logger
	connID string
	box    *outbox
	ep     *session.Endpoint
	events chan readEvent
}

func (s *RelayServer) handleWebsocket(w http.ResponseWriter, req *http.Request) {
	ws, err := s.upgrader.Upgrade(w, req, nil)
	if err != nil {
		s.metrics.recordError("upgrade")
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.NewString()
	c := &wsConn{
		srv:    s,
		ws:     ws,
		log:    s.log.With(zap.String("conn_id", connID)),
		connID: connID,
		box:    newOutbox(s.cfg.Session.SendBuffer),
		events: make(chan readEvent, 1),
	}
	c.ep = session.New(s.registry, c.box, session.Options{
		Log:      c.log,
		Observer: s.metrics,
		Timeout:  s.cfg.Heartbeat.Timeout,
	})

	s.conns.Add(1)
	defer s.conns.Done()
	c.serve(s.connCtx, req)
}

func (c *wsConn) serve(parent context.Context, req *http.Request) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer c.ws.Close()

	c.ws.SetReadLimit(c.srv.cfg.Session.MaxMessageBytes)

	id, err := c.ep.Open(registry.Presence{
		ConnID:   c.connID,
		Remote:   req.RemoteAddr,
		Metadata: map[string]string{"user_agent": req.UserAgent()},
	})
	if err != nil {
		if errors.Is(err, registry.ErrIdentitySpaceExhausted) {
			c.srv.markSaturated(true)
			c.log.Error("session registration failed", zap.Error(err))
		} else {
			c.log.Warn("session registration failed", zap.Error(err))
		}
		c.srv.metrics.recordError("register")
		c.closeWith(errSaturated)
		return
	}
	c.srv.markSaturated(false)
	c.log = c.log.With(zap.Stringer("session_id", id))
	c.srv.metrics.incSession()
	defer c.srv.metrics.decSession()
	// Deregister before the socket is released.
	defer c.box.Close()
	defer c.ep.Close()

	c.log.Info("session connected", zap.String("remote", req.RemoteAddr))

	// StartedSession goes out before the first command is read.
	if err := c.drainOutbox(); err != nil {
		c.log.Debug("initial write failed", zap.Error(err))
		return
	}

	go c.readLoop(ctx)

	cause := c.loop(ctx)
	var terr *transportError
	if errors.As(cause, &terr) {
		c.srv.metrics.recordError(closeLabel(terr))
		c.closeWith(terr)
	}
	c.log.Info("session disconnected",
		zap.Stringer("peer", c.ep.Peer()),
		zap.Stringer("phase", c.ep.Phase()),
		zap.NamedError("cause", cause))
}

func (c *wsConn) loop(ctx context.Context) error {
	ticker := time.NewTicker(c.srv.cfg.Heartbeat.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errShutdown
		case <-c.box.done:
			if c.box.wasEvicted() {
				c.srv.metrics.recordEviction()
				c.log.Warn("evicting slow session")
				return errBackpressure
			}
			return nil
		case env := <-c.box.ch:
			if err := c.writeAll(c.ep.HandleInbound(env)); err != nil {
				return err
			}
		case ev := <-c.events:
			c.ep.Touch(ev.at)
			switch ev.kind {
			case readAlive:
			case readFrame:
				if err := c.handleFrame(ev.data); err != nil {
					return err
				}
			case readFailed:
				return c.readFailure(ev.err)
			}
		case now := <-ticker.C:
			if c.ep.Expired(now) {
				c.srv.metrics.recordHeartbeatTimeout()
				c.log.Info("heartbeat timeout", zap.Time("last_seen", c.ep.LastSeen()))
				return errHeartbeat
			}
			if err := c.ws.WriteControl(websocket.PingMessage, nil, now.Add(c.srv.cfg.Session.WriteTimeout)); err != nil {
				return err
			}
		}
	}
}

func (c *wsConn) handleFrame(data []byte) error {
	start := time.Now()
	cmd, err := protocol.ParseCommand(data)
	if err != nil {
		c.srv.metrics.recordError("malformed")
		c.log.Debug("dropping client frame", zap.Error(err))
		return nil
	}
	out := c.ep.HandleCommand(cmd)
	c.srv.metrics.observeLatency(cmd.Name(), time.Since(start))
	return c.writeAll(out)
}

func (c *wsConn) readFailure(err error) error {
	var terr *transportError
	switch {
	case errors.As(err, &terr):
		c.log.Info("rejecting client frame", zap.String("reason", terr.reason))
		return terr
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		c.log.Debug("client closed connection")
		return nil
	default:
		c.srv.metrics.recordError("transport")
		c.log.Debug("read failed", zap.Error(err))
		return nil
	}
}

// readLoop runs on its own goroutine. Ping and pong handlers execute inside
// ReadMessage and so also report from here.
func (c *wsConn) readLoop(ctx context.Context) {
	c.ws.SetPongHandler(func(string) error {
		c.emit(ctx, readEvent{kind: readAlive, at: time.Now()})
		return nil
	})
	c.ws.SetPingHandler(func(appData string) error {
		c.emit(ctx, readEvent{kind: readAlive, at: time.Now()})
		err := c.ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(c.srv.cfg.Session.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			c.emit(ctx, readEvent{kind: readFailed, at: time.Now(), err: err})
			return
		}
		if mt == websocket.BinaryMessage {
			c.emit(ctx, readEvent{kind: readFailed, at: time.Now(), err: errBinaryFrame})
			return
		}
		if !c.emit(ctx, readEvent{kind: readFrame, at: time.Now(), data: data}) {
			return
		}
	}
}

func (c *wsConn) emit(ctx context.Context, ev readEvent) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *wsConn) drainOutbox() error {
	for {
		select {
		case env := <-c.box.ch:
			if err := c.write(env); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *wsConn) writeAll(envs []envelope.Envelope) error {
	for _, env := range envs {
		if err := c.write(env); err != nil {
			return err
		}
	}
	return nil
}

func (c *wsConn) write(env envelope.Envelope) error {
	data, err := protocol.Encode(c.ep.Identity(), env)
	if err != nil {
		c.log.Warn("dropping unencodable envelope", zap.String("kind", string(env.Kind())), zap.Error(err))
		return nil
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.srv.cfg.Session.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) closeWith(terr *transportError) {
	msg := websocket.FormatCloseMessage(terr.code, terr.reason)
	if err := c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.srv.cfg.Session.WriteTimeout)); err != nil &&
		!errors.Is(err, websocket.ErrCloseSent) {
		c.log.Debug("close frame not sent", zap.Error(err))
	}
}

func closeLabel(terr *transportError) string {
	switch terr {
	case errBinaryFrame:
		return "binary_frame"
	case errHeartbeat:
		return "heartbeat"
	case errBackpressure:
		return "backpressure"
	case errShutdown:
		return "shutdown"
	case errSaturated:
		return "saturated"
	default:
		return "transport"
	}
}

func newUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
		}
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return originSet[origin]
		},
	}
}
