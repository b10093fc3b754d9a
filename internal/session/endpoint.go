// Package session drives one relay connection: registration, the offer /
// counter / confirm rendezvous, direct joins, chat relay, and liveness.
//
// An Endpoint is owned by a single goroutine. Nothing in it is locked; the
// transport feeds it client commands and routed envelopes from that goroutine
// and writes whatever it returns back to the client.
package session

import (
	"time"

	"go.uber.org/zap"

	"github.com/adradan/chatty/internal/envelope"
	"github.com/adradan/chatty/internal/protocol"
	"github.com/adradan/chatty/internal/registry"
)

// Phase is the handshake state of an endpoint.
type Phase int

const (
	Idle Phase = iota
	OfferSent
	Bound
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case OfferSent:
		return "offer_sent"
	case Bound:
		return "bound"
	default:
		return "unknown"
	}
}

const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatTimeout  = 10 * time.Second
)

// Router is the slice of the registry an endpoint needs.
type Router interface {
	Register(h registry.Handle, meta registry.Presence) (envelope.Identity, error)
	Deregister(id envelope.Identity) bool
	Route(from, to envelope.Identity, build registry.Builder) bool
	SetPeer(id, peer envelope.Identity) bool
}

// Observer receives routing outcomes. Implementations must not block.
type Observer interface {
	Routed(kind envelope.Kind)
	Missed(kind envelope.Kind)
}

// Options configures an Endpoint.
type Options struct {
	Log      *zap.Logger
	Observer Observer
	Timeout  time.Duration
	Now      func() time.Time
}

// Endpoint is the per-connection half of the relay.
type Endpoint struct {
	router  Router
	handle  registry.Handle
	log     *zap.Logger
	obs     Observer
	nowFn   func() time.Time
	timeout time.Duration

	id       envelope.Identity
	peer     envelope.Identity
	phase    Phase
	pending  envelope.Identity
	invitee  envelope.Identity
	lastSeen time.Time
	closed   bool
}

// New creates an unregistered endpoint that will receive envelopes through handle.
func New(router Router, handle registry.Handle, opts Options) *Endpoint {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultHeartbeatTimeout
	}
	return &Endpoint{
		router:   router,
		handle:   handle,
		log:      opts.Log,
		obs:      opts.Observer,
		nowFn:    opts.Now,
		timeout:  opts.Timeout,
		lastSeen: opts.Now(),
	}
}

// Open registers the endpoint. The registry queues SessionStarted on the
// handle before Open returns.
func (e *Endpoint) Open(meta registry.Presence) (envelope.Identity, error) {
	id, err := e.router.Register(e.handle, meta)
	if err != nil {
		return envelope.Unset, err
	}
	e.id = id
	e.log = e.log.With(zap.Stringer("session_id", id))
	e.log.Debug("session registered")
	return id, nil
}

// Identity is the relay-assigned identity, Unset before Open.
func (e *Endpoint) Identity() envelope.Identity { return e.id }

// Peer is the identity chat messages are relayed to, Unset until bound.
func (e *Endpoint) Peer() envelope.Identity { return e.peer }

// Phase reports the handshake state.
func (e *Endpoint) Phase() Phase { return e.phase }

// Touch records transport-level activity.
func (e *Endpoint) Touch(now time.Time) {
	if now.After(e.lastSeen) {
		e.lastSeen = now
	}
}

// LastSeen is the most recent activity timestamp.
func (e *Endpoint) LastSeen() time.Time { return e.lastSeen }

// Expired reports whether no activity was seen for longer than the timeout.
func (e *Endpoint) Expired(now time.Time) bool {
	return now.Sub(e.lastSeen) > e.timeout
}

// Close deregisters the endpoint. Safe to call more than once.
func (e *Endpoint) Close() {
	if e.closed {
		return
	}
	e.closed = true
	if e.id.IsSet() {
		e.router.Deregister(e.id)
		e.log.Debug("session deregistered", zap.Stringer("phase", e.phase))
	}
}

// Closed reports whether Close ran.
func (e *Endpoint) Closed() bool { return e.closed }

// HandleCommand applies one client command and returns the envelopes to write
// back to this endpoint's client. Routing misses are reported by the registry
// through the handle, not in the returned slice.
func (e *Endpoint) HandleCommand(cmd protocol.Command) []envelope.Envelope {
	if e.closed || !e.id.IsSet() {
		return nil
	}

	switch c := cmd.(type) {
	case protocol.Join:
		return e.join(c.Recipient)
	case protocol.Message:
		return e.sendMessage(c.Text)
	case protocol.Syn:
		e.propose(c.Recipient, c.InviterKey)
		return nil
	case protocol.SynAck:
		e.counter(c.Recipient, c.InviterKey, c.RecipientKey)
		return nil
	case protocol.Ack:
		if e.confirm(c.Recipient, c.RecipientKey) {
			e.bind(c.Recipient)
		}
		return nil
	case protocol.InviteDM:
		target := c.Recipient
		if e.route(target, func(from envelope.Identity) envelope.Envelope {
			return envelope.DMInvite{From: from, Target: target}
		}) {
			e.invitee = target
		}
		return nil
	case protocol.AcceptDM:
		inviter := c.Inviter
		if e.route(inviter, func(from envelope.Identity) envelope.Envelope {
			return envelope.DMAccepted{From: from, Target: inviter}
		}) {
			e.bind(inviter)
		}
		return nil
	case protocol.RejectDM:
		inviter := c.Inviter
		e.route(inviter, func(from envelope.Identity) envelope.Envelope {
			return envelope.DMRejected{From: from, Target: inviter}
		})
		return nil
	default:
		e.log.Debug("ignoring unknown command")
		return nil
	}
}

// HandleInbound processes an envelope routed to this endpoint and returns what
// should be written to the client.
func (e *Endpoint) HandleInbound(env envelope.Envelope) []envelope.Envelope {
	if e.closed {
		return nil
	}

	switch in := env.(type) {
	case envelope.HandshakeCounter:
		if e.phase == OfferSent && in.From == e.pending {
			e.pending = envelope.Unset
			if e.confirm(in.From, in.CounterKey) {
				e.bind(in.From)
			} else {
				e.settle()
			}
		} else {
			e.log.Debug("counter outside of a pending offer",
				zap.Stringer("from", in.From),
				zap.Stringer("phase", e.phase))
		}
	case envelope.DMAccepted:
		if in.From == e.invitee {
			e.invitee = envelope.Unset
			e.bind(in.From)
		}
	case envelope.DMRejected:
		if in.From == e.invitee {
			e.invitee = envelope.Unset
		}
	case envelope.NoRecipient:
		if e.phase == OfferSent && in.Target == e.pending {
			e.pending = envelope.Unset
			e.settle()
		}
	}
	return []envelope.Envelope{env}
}

func (e *Endpoint) join(target envelope.Identity) []envelope.Envelope {
	e.bind(target)
	if !e.route(target, func(from envelope.Identity) envelope.Envelope {
		return envelope.Joined{From: from, Target: target}
	}) {
		return nil
	}
	return []envelope.Envelope{envelope.JoinAck{Target: target}}
}

func (e *Endpoint) sendMessage(text string) []envelope.Envelope {
	if !e.peer.IsSet() {
		e.miss(envelope.KindChatMessage)
		return []envelope.Envelope{envelope.NoPeerBound{}}
	}
	sentAt := e.nowFn()
	if !e.route(e.peer, func(from envelope.Identity) envelope.Envelope {
		return envelope.ChatMessage{From: from, Text: text, Timestamp: sentAt}
	}) {
		return nil
	}
	return []envelope.Envelope{envelope.MessageAck{Text: protocol.MessageSentText}}
}

func (e *Endpoint) propose(target envelope.Identity, key string) {
	if e.route(target, func(from envelope.Identity) envelope.Envelope {
		return envelope.HandshakeOffer{From: from, ProposedKey: key, Target: target}
	}) {
		e.phase = OfferSent
		e.pending = target
	}
}

func (e *Endpoint) counter(target envelope.Identity, theirKey, myKey string) {
	if e.route(target, func(from envelope.Identity) envelope.Envelope {
		return envelope.HandshakeCounter{From: from, ProposedKey: theirKey, CounterKey: myKey, Target: target}
	}) {
		e.bind(target)
	}
}

func (e *Endpoint) confirm(target envelope.Identity, counterKey string) bool {
	return e.route(target, func(from envelope.Identity) envelope.Envelope {
		return envelope.HandshakeConfirm{From: from, CounterKey: counterKey, Target: target}
	})
}

func (e *Endpoint) bind(peer envelope.Identity) {
	e.peer = peer
	e.phase = Bound
	e.pending = envelope.Unset
	e.router.SetPeer(e.id, peer)
}

// settle drops back to Bound or Idle after an abandoned offer.
func (e *Endpoint) settle() {
	if e.peer.IsSet() {
		e.phase = Bound
		return
	}
	e.phase = Idle
}

func (e *Endpoint) route(to envelope.Identity, build registry.Builder) bool {
	var kind envelope.Kind
	ok := e.router.Route(e.id, to, func(from envelope.Identity) envelope.Envelope {
		env := build(from)
		kind = env.Kind()
		return env
	})
	if ok {
		e.routed(kind)
		return true
	}
	if kind == "" {
		kind = build(e.id).Kind()
	}
	e.miss(kind)
	e.log.Debug("route missed", zap.Stringer("target", to), zap.String("kind", string(kind)))
	return false
}

func (e *Endpoint) routed(kind envelope.Kind) {
	if e.obs != nil {
		e.obs.Routed(kind)
	}
}

func (e *Endpoint) miss(kind envelope.Kind) {
	if e.obs != nil {
		e.obs.Missed(kind)
	}
}
