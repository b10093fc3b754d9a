package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/adradan/chatty/internal/config"
	"github.com/adradan/chatty/internal/envelope"
	"github.com/adradan/chatty/internal/protocol"
	"github.com/adradan/chatty/internal/registry"
)

func TestHelloEndpointWithCORS(t *testing.T) {
	_, ts := startTestRelay(t, nil, nil)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Origin", "https://chat.example.com")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get /: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || string(body) != helloBody {
		t.Fatalf("expected 200 %q, got %d %q", helloBody, resp.StatusCode, body)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("expected permissive CORS, got %q", got)
	}
}

func TestStartedSessionIsFirstFrame(t *testing.T) {
	srv, ts := startTestRelay(t, nil, nil)

	a := dialRelay(t, ts)
	if !a.id.IsSet() {
		t.Fatal("expected a non-zero identity")
	}
	if !srv.registry.Exists(a.id) {
		t.Fatalf("expected %d registered", a.id)
	}
}

func TestJoinUnknownRecipient(t *testing.T) {
	_, ts := startTestRelay(t, nil, nil)
	a := dialRelay(t, ts)

	a.send(protocol.Join{Recipient: 999})
	in, p := a.next()
	if in.Command != protocol.FrameNoRecipient || p.Recipient != 999 {
		t.Fatalf("expected NoRecipient{999}, got %s %+v", in.Command, p)
	}
}

func TestMessageWithoutPeer(t *testing.T) {
	_, ts := startTestRelay(t, nil, nil)
	a := dialRelay(t, ts)
	b := dialRelay(t, ts)

	a.send(protocol.Message{Text: "hello?"})
	in, p := a.next()
	if in.Command != protocol.FrameNoPeerBound || p.Recipient != envelope.Unset {
		t.Fatalf("expected NoPeerBound with recipient 0, got %s %+v", in.Command, p)
	}

	// B's next frame must be the join, proving the message went nowhere.
	a.send(protocol.Join{Recipient: b.id})
	in, _ = b.next()
	if in.Command != protocol.FrameJoin || in.Sender != a.id {
		t.Fatalf("expected Join from %d, got %s from %d", a.id, in.Command, in.Sender)
	}
}

func TestJoinThenMessage(t *testing.T) {
	_, ts := startTestRelay(t, nil, nil)
	a := dialRelay(t, ts)
	b := dialRelay(t, ts)

	a.send(protocol.Join{Recipient: b.id})
	in, p := a.next()
	if in.Command != protocol.FrameSuccess || !strings.Contains(p.Text, b.id.String()) {
		t.Fatalf("expected Success naming %d, got %s %+v", b.id, in.Command, p)
	}
	in, p = b.next()
	if in.Command != protocol.FrameJoin || in.Sender != a.id || p.Recipient != b.id {
		t.Fatalf("expected Join from A, got %s %d %+v", in.Command, in.Sender, p)
	}

	a.send(protocol.Message{Text: "hi"})
	in, p = b.next()
	if in.Command != protocol.FrameChatMessage || in.Sender != a.id || p.Message != "hi" || p.Timestamp.IsZero() {
		t.Fatalf("expected ChatMessage hi from A, got %s %d %+v", in.Command, in.Sender, p)
	}
	in, p = a.next()
	if in.Command != protocol.FrameMessageSent || p.Text != protocol.MessageSentText {
		t.Fatalf("expected MessageSent, got %s %+v", in.Command, p)
	}
}

func TestHandshakeOverWebsocket(t *testing.T) {
	_, ts := startTestRelay(t, nil, nil)
	a := dialRelay(t, ts)
	b := dialRelay(t, ts)

	a.send(protocol.Syn{InviterKey: "pub-a", Recipient: b.id})
	in, p := b.next()
	if in.Command != protocol.FrameSyn || in.Sender != a.id || p.InviterKey != "pub-a" {
		t.Fatalf("expected Syn from A, got %s %d %+v", in.Command, in.Sender, p)
	}

	b.send(protocol.SynAck{InviterKey: "pub-a", RecipientKey: "pub-b", Recipient: a.id})
	in, p = a.next()
	if in.Command != protocol.FrameSynAck || in.Sender != b.id || p.RecipientKey != "pub-b" {
		t.Fatalf("expected SynAck from B, got %s %d %+v", in.Command, in.Sender, p)
	}

	in, p = b.next()
	if in.Command != protocol.FrameAck || in.Sender != a.id || p.RecipientKey != "pub-b" {
		t.Fatalf("expected Ack from A, got %s %d %+v", in.Command, in.Sender, p)
	}

	// Both sides are bound; chat flows in each direction.
	b.send(protocol.Message{Text: "from b"})
	in, p = a.next()
	if in.Command != protocol.FrameChatMessage || in.Sender != b.id || p.Message != "from b" {
		t.Fatalf("expected chat from B, got %s %d %+v", in.Command, in.Sender, p)
	}
	if in, _ = b.next(); in.Command != protocol.FrameMessageSent {
		t.Fatalf("expected MessageSent for B, got %s", in.Command)
	}
	a.send(protocol.Message{Text: "from a"})
	in, p = b.next()
	if in.Command != protocol.FrameChatMessage || in.Sender != a.id || p.Message != "from a" {
		t.Fatalf("expected chat from A, got %s %d %+v", in.Command, in.Sender, p)
	}
}

func TestMalformedFrameIsIgnored(t *testing.T) {
	_, ts := startTestRelay(t, nil, nil)
	a := dialRelay(t, ts)

	if err := a.ws.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := a.ws.WriteMessage(websocket.TextMessage, []byte(`{"command":"Dance"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	a.send(protocol.Join{Recipient: 4})
	in, _ := a.next()
	if in.Command != protocol.FrameNoRecipient {
		t.Fatalf("expected session to survive malformed frames, got %s", in.Command)
	}
}

func TestBinaryFrameClosesSession(t *testing.T) {
	srv, ts := startTestRelay(t, nil, nil)
	a := dialRelay(t, ts)

	if err := a.ws.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectClose(t, a.ws, websocket.CloseUnsupportedData)
	waitFor(t, func() bool { return !srv.registry.Exists(a.id) })
}

func TestDisconnectDeregisters(t *testing.T) {
	srv, ts := startTestRelay(t, nil, nil)
	a := dialRelay(t, ts)
	b := dialRelay(t, ts)

	_ = a.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
	_ = a.ws.Close()
	waitFor(t, func() bool { return !srv.registry.Exists(a.id) })

	b.send(protocol.Join{Recipient: a.id})
	in, p := b.next()
	if in.Command != protocol.FrameNoRecipient || p.Recipient != a.id {
		t.Fatalf("expected NoRecipient for departed A, got %s %+v", in.Command, p)
	}
}

func TestHeartbeatTimeoutDeregisters(t *testing.T) {
	srv, ts := startTestRelay(t, func(cfg *config.Config) {
		cfg.Heartbeat.Interval = 30 * time.Millisecond
		cfg.Heartbeat.Timeout = 100 * time.Millisecond
	}, nil)

	a := dialRelay(t, ts)
	// Pings go unanswered.
	a.ws.SetPingHandler(func(string) error { return nil })
	waitFor(t, func() bool { return !srv.registry.Exists(a.id) })
	expectClose(t, a.ws, websocket.CloseGoingAway)
}

func TestHeartbeatKeepsResponsiveClient(t *testing.T) {
	srv, ts := startTestRelay(t, func(cfg *config.Config) {
		cfg.Heartbeat.Interval = 30 * time.Millisecond
		cfg.Heartbeat.Timeout = 100 * time.Millisecond
	}, nil)

	a := dialRelay(t, ts)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			// Reading lets the client answer pings.
			if _, _, err := a.ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(350 * time.Millisecond)
	if !srv.registry.Exists(a.id) {
		t.Fatal("expected responsive client to stay registered")
	}
	_ = a.ws.Close()
	<-done
}

func TestIdentityExhaustionRefusesConnection(t *testing.T) {
	reg := registry.New(registry.WithMaxIdentity(1))
	srv, ts := startTestRelay(t, nil, reg)
	srv.ready.Store(true)

	a := dialRelay(t, ts)
	if a.id != 1 {
		t.Fatalf("expected the only identity, got %d", a.id)
	}

	ws := dialRaw(t, ts)
	expectClose(t, ws, websocket.CloseTryAgainLater)
	if srv.Ready() {
		t.Fatal("expected relay to report not ready once saturated")
	}

	_ = a.ws.Close()
	waitFor(t, func() bool { return reg.Len() == 0 })
	b := dialRelay(t, ts)
	if b.id != 1 || !srv.Ready() {
		t.Fatalf("expected identity reuse and readiness, got id=%d ready=%v", b.id, srv.Ready())
	}
}

func TestOutboxEvictsWhenFull(t *testing.T) {
	box := newOutbox(1)
	if !box.Deliver(envelope.NoPeerBound{}) {
		t.Fatal("expected first delivery to fit")
	}
	if box.Deliver(envelope.NoPeerBound{}) || !box.wasEvicted() {
		t.Fatal("expected overflow to evict")
	}
	select {
	case <-box.done:
	default:
		t.Fatal("expected eviction to close the outbox")
	}

	closed := newOutbox(4)
	closed.Close()
	closed.Close()
	if closed.Deliver(envelope.NoPeerBound{}) || closed.wasEvicted() {
		t.Fatal("expected closed outbox to refuse without eviction")
	}
}

func TestSlowReaderIsDropped(t *testing.T) {
	srv, ts := startTestRelay(t, func(cfg *config.Config) {
		cfg.Session.SendBuffer = 1
		cfg.Session.WriteTimeout = 200 * time.Millisecond
	}, nil)
	a := dialRelay(t, ts)
	b := dialRelay(t, ts)

	a.send(protocol.Join{Recipient: b.id})
	a.next()

	// B never reads. Once the socket buffers fill, its writer stalls and
	// further routing overflows its outbox.
	payload := strings.Repeat("x", 60*1024)
	for i := 0; i < 400 && srv.registry.Exists(b.id); i++ {
		a.send(protocol.Message{Text: payload})
	}
	waitFor(t, func() bool { return !srv.registry.Exists(b.id) })
	if !srv.registry.Exists(a.id) {
		t.Fatal("expected the fast sender to stay connected")
	}
}

func TestShutdownClosesSessions(t *testing.T) {
	srv, ts := startTestRelay(t, nil, nil)
	a := dialRelay(t, ts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)

	expectClose(t, a.ws, websocket.CloseGoingAway)
	if srv.registry.Len() != 0 {
		t.Fatalf("expected empty registry after shutdown, got %d", srv.registry.Len())
	}
}

func TestServeLifecycle(t *testing.T) {
	cfg := config.Default()
	cfg.Admin.Address = ""
	srv := NewRelayServer(cfg, testLogger(t), nil)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, lis) }()

	waitFor(t, srv.Ready)
	resp, err := http.Get("http://" + lis.Addr().String() + "/")
	if err != nil {
		t.Fatalf("get /: %v", err)
	}
	resp.Body.Close()

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("expected clean stop, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	if srv.Ready() {
		t.Fatal("expected not ready after shutdown")
	}
}

func TestAdminEndpoints(t *testing.T) {
	srv, ts := startTestRelay(t, nil, nil)
	admin := httptest.NewServer(srv.AdminHandler())
	t.Cleanup(admin.Close)

	if code, body := httpGet(t, admin.URL+"/healthz"); code != http.StatusOK || body != "ok" {
		t.Fatalf("healthz: %d %q", code, body)
	}
	if code, _ := httpGet(t, admin.URL+"/readyz"); code != http.StatusServiceUnavailable {
		t.Fatalf("expected not ready before serving, got %d", code)
	}

	if code, _ := httpGet(t, ts.URL+"/"); code != http.StatusOK {
		t.Fatalf("hello: %d", code)
	}
	a := dialRelay(t, ts)
	b := dialRelay(t, ts)
	a.send(protocol.Join{Recipient: b.id})
	a.next()

	code, body := httpGet(t, admin.URL+"/sessions")
	if code != http.StatusOK {
		t.Fatalf("sessions: %d", code)
	}
	var listing struct {
		Count    int                 `json:"count"`
		Sessions []registry.Presence `json:"sessions"`
	}
	if err := json.Unmarshal([]byte(body), &listing); err != nil {
		t.Fatalf("decode sessions: %v", err)
	}
	if listing.Count != 2 || len(listing.Sessions) != 2 {
		t.Fatalf("expected two sessions, got %+v", listing)
	}
	for _, p := range listing.Sessions {
		if p.ConnID == "" {
			t.Fatalf("expected conn id in presence %+v", p)
		}
		if p.Identity == a.id && p.Peer != b.id {
			t.Fatalf("expected A's peer %d, got %d", b.id, p.Peer)
		}
	}

	_, metrics := httpGet(t, admin.URL+"/metrics")
	for _, name := range []string{"chatty_sessions_active 2", "chatty_envelopes_routed_total", "chatty_http_requests_total"} {
		if !strings.Contains(metrics, name) {
			t.Fatalf("expected %q in metrics output", name)
		}
	}
}

type relayClient struct {
	t  *testing.T
	ws *websocket.Conn
	id envelope.Identity
}

func startTestRelay(t *testing.T, mutate func(*config.Config), reg *registry.Registry) (*RelayServer, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Admin.Address = ""
	if mutate != nil {
		mutate(&cfg)
	}
	srv := NewRelayServer(cfg, testLogger(t), reg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		ts.Close()
	})
	return srv, ts
}

// testLogger drops debug output so late request logs cannot outlive the test.
func testLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
}

func dialRaw(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + config.Default().WSPath
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func dialRelay(t *testing.T, ts *httptest.Server) *relayClient {
	t.Helper()
	c := &relayClient{t: t, ws: dialRaw(t, ts)}
	in, p := c.next()
	if in.Command != protocol.FrameStartedSession {
		t.Fatalf("expected StartedSession first, got %s", in.Command)
	}
	if in.Sender != p.Identity {
		t.Fatalf("expected sender %d to equal identity %d", in.Sender, p.Identity)
	}
	c.id = p.Identity
	return c
}

func (c *relayClient) send(cmd protocol.Command) {
	c.t.Helper()
	data, err := protocol.EncodeCommand(cmd)
	if err != nil {
		c.t.Fatalf("encode %s: %v", cmd.Name(), err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("write %s: %v", cmd.Name(), err)
	}
}

func (c *relayClient) next() (protocol.Incoming, protocol.Payload) {
	c.t.Helper()
	_ = c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	if mt != websocket.TextMessage {
		c.t.Fatalf("expected text frame, got type %d", mt)
	}
	in, err := protocol.DecodeFrame(data)
	if err != nil {
		c.t.Fatalf("decode %s: %v", data, err)
	}
	p, err := in.Payload()
	if err != nil {
		c.t.Fatalf("payload %s: %v", data, err)
	}
	return in, p
}

func expectClose(t *testing.T, ws *websocket.Conn, code int) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		if !errors.As(err, &ce) {
			t.Fatalf("expected close %d, got %v", code, err)
		}
		if ce.Code != code {
			t.Fatalf("expected close %d, got %d (%s)", code, ce.Code, ce.Text)
		}
		return
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func httpGet(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s: %v", url, err)
	}
	return resp.StatusCode, string(body)
}
