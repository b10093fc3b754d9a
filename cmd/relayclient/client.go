package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/adradan/chatty/internal/crypto/kex"
	"github.com/adradan/chatty/internal/envelope"
	"github.com/adradan/chatty/internal/protocol"
)

const writeWait = 10 * time.Second

var errNoRecipient = errors.New("recipient not connected")

// client is one relay session driven from the command line. Only the run loop
// writes to the socket.
type client struct {
	ws  *websocket.Conn
	id  envelope.Identity
	log *zap.Logger
	out io.Writer

	keys    map[envelope.Identity]kex.KeyPair
	offered envelope.Identity
	peer    envelope.Identity

	// oneShot ends the loop after the first MessageSent.
	oneShot bool
	done    bool

	onBound func(peer envelope.Identity, safetyCode string)

	outMu sync.Mutex
}

type incoming struct {
	in  protocol.Incoming
	p   protocol.Payload
	err error
}

func dialRelay(ctx context.Context, url string, log *zap.Logger, out io.Writer) (*client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &client{
		ws:   ws,
		log:  log,
		out:  out,
		keys: make(map[envelope.Identity]kex.KeyPair),
	}

	in, p, err := c.read()
	if err != nil {
		ws.Close()
		return nil, err
	}
	if in.Command != protocol.FrameStartedSession {
		ws.Close()
		return nil, fmt.Errorf("expected %s, got %s", protocol.FrameStartedSession, in.Command)
	}
	c.id = p.Identity
	c.log = c.log.With(zap.Stringer("session_id", c.id))
	c.printf("session %s\n", c.id)
	return c, nil
}

func (c *client) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	return c.ws.Close()
}

// offer proposes a handshake to target and then chats.
func (c *client) offer(ctx context.Context, target envelope.Identity, lines <-chan string) error {
	kp, err := kex.GenerateKeyPair(nil)
	if err != nil {
		return err
	}
	c.keys[target] = kp
	c.offered = target
	if err := c.send(protocol.Syn{InviterKey: kp.Encode(), Recipient: target}); err != nil {
		return err
	}
	return c.run(ctx, lines)
}

// join binds to target without a handshake and sends one message.
func (c *client) join(ctx context.Context, target envelope.Identity, message string) error {
	c.oneShot = true
	if err := c.send(protocol.Join{Recipient: target}); err != nil {
		return err
	}
	if err := c.send(protocol.Message{Text: message}); err != nil {
		return err
	}
	return c.run(ctx, nil)
}

func (c *client) run(ctx context.Context, lines <-chan string) error {
	frames := make(chan incoming, 1)
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.readLoop(readCtx, frames)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if line == "" {
				continue
			}
			if err := c.send(protocol.Message{Text: line}); err != nil {
				return err
			}
		case f := <-frames:
			if f.err != nil {
				if websocket.IsCloseError(f.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.printf("relay closed the session\n")
					return nil
				}
				return f.err
			}
			if err := c.handle(f.in, f.p); err != nil {
				return err
			}
			if c.done {
				return nil
			}
		}
	}
}

func (c *client) handle(in protocol.Incoming, p protocol.Payload) error {
	switch in.Command {
	case protocol.FrameSyn:
		return c.answerOffer(in.Sender, p.InviterKey)
	case protocol.FrameSynAck:
		return c.completeOffer(in.Sender, p)
	case protocol.FrameAck:
		c.printf("handshake confirmed by %s\n", in.Sender)
	case protocol.FrameJoin:
		c.peer = in.Sender
		c.printf("%s joined\n", in.Sender)
	case protocol.FrameSuccess:
		c.printf("%s\n", p.Text)
	case protocol.FrameChatMessage:
		c.printf("[%s] %s: %s\n", p.Timestamp.Local().Format(time.Kitchen), in.Sender, p.Message)
	case protocol.FrameMessageSent:
		if c.oneShot {
			c.done = true
		}
	case protocol.FrameNoRecipient:
		c.printf("no session %s on the relay\n", p.Recipient)
		if c.oneShot || p.Recipient == c.offered {
			return fmt.Errorf("%w: %s", errNoRecipient, p.Recipient)
		}
	case protocol.FrameNoPeerBound:
		c.printf("not bound to a peer yet\n")
	case protocol.FrameInviteDM:
		c.printf("%s invites you to a direct chat\n", in.Sender)
	default:
		c.log.Debug("unhandled frame", zap.String("command", in.Command))
	}
	return nil
}

// answerOffer counters an inbound offer with a fresh key pair.
func (c *client) answerOffer(from envelope.Identity, inviterKey string) error {
	peerPub, err := kex.DecodePublic(inviterKey)
	if err != nil {
		c.log.Warn("ignoring offer with unusable key", zap.Stringer("from", from), zap.Error(err))
		return nil
	}
	kp, err := kex.GenerateKeyPair(nil)
	if err != nil {
		return err
	}
	if err := c.send(protocol.SynAck{InviterKey: inviterKey, RecipientKey: kp.Encode(), Recipient: from}); err != nil {
		return err
	}
	c.keys[from] = kp
	return c.bound(from, kp, peerPub)
}

func (c *client) completeOffer(from envelope.Identity, p protocol.Payload) error {
	kp, ok := c.keys[from]
	if !ok || from != c.offered {
		c.log.Debug("counter without a matching offer", zap.Stringer("from", from))
		return nil
	}
	if p.InviterKey != kp.Encode() {
		c.log.Warn("counter echoes a different key", zap.Stringer("from", from))
		return nil
	}
	peerPub, err := kex.DecodePublic(p.RecipientKey)
	if err != nil {
		return fmt.Errorf("counter from %s: %w", from, err)
	}
	c.offered = envelope.Unset
	return c.bound(from, kp, peerPub)
}

func (c *client) bound(peer envelope.Identity, kp kex.KeyPair, peerPub []byte) error {
	code, err := kex.Agree(kp, peerPub)
	if err != nil {
		return fmt.Errorf("key agreement with %s: %w", peer, err)
	}
	c.peer = peer
	c.printf("bound to %s, safety code %s\n", peer, code)
	if c.onBound != nil {
		c.onBound(peer, code)
	}
	return nil
}

func (c *client) readLoop(ctx context.Context, frames chan<- incoming) {
	for {
		in, p, err := c.read()
		select {
		case frames <- incoming{in: in, p: p, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *client) read() (protocol.Incoming, protocol.Payload, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return protocol.Incoming{}, protocol.Payload{}, err
	}
	in, err := protocol.DecodeFrame(data)
	if err != nil {
		return protocol.Incoming{}, protocol.Payload{}, err
	}
	p, err := in.Payload()
	return in, p, err
}

func (c *client) send(cmd protocol.Command) error {
	data, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return err
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s: %w", cmd.Name(), err)
	}
	return nil
}

func (c *client) printf(format string, args ...any) {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}
