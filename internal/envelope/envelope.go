// Package envelope defines the relay-level events exchanged between the session
// registry and connection endpoints. Envelopes are in-memory values only; the
// wire representation lives in package protocol.
package envelope

import (
	"strconv"
	"time"
)

// Identity names a live relay session. The zero value means "unset" and is never
// assigned to a registration.
type Identity uint64

// Unset is the identity carried by endpoints that have not registered or bound a peer.
const Unset Identity = 0

// IsSet reports whether the identity was assigned.
func (id Identity) IsSet() bool { return id != Unset }

func (id Identity) String() string { return strconv.FormatUint(uint64(id), 10) }

// Kind labels an envelope variant for logging and metrics.
type Kind string

const (
	KindSessionStarted   Kind = "session_started"
	KindNoRecipient      Kind = "no_recipient"
	KindNoPeerBound      Kind = "no_peer_bound"
	KindHandshakeOffer   Kind = "handshake_offer"
	KindHandshakeCounter Kind = "handshake_counter"
	KindHandshakeConfirm Kind = "handshake_confirm"
	KindChatMessage      Kind = "chat_message"
	KindMessageAck       Kind = "message_ack"
	KindJoined           Kind = "joined"
	KindJoinAck          Kind = "join_ack"
	KindDMInvite         Kind = "dm_invite"
	KindDMAccepted       Kind = "dm_accepted"
	KindDMRejected       Kind = "dm_rejected"
)

// Envelope is one relay event addressed to exactly one session.
type Envelope interface {
	Kind() Kind
	// Origin is the session the envelope was routed from, or Unset for
	// envelopes the relay generates on its own behalf.
	Origin() Identity
	isEnvelope()
}

// SessionStarted announces the identity assigned at registration.
type SessionStarted struct {
	Identity Identity
}

// NoRecipient reports that Target was not reachable when a route was attempted.
type NoRecipient struct {
	Target Identity
}

// NoPeerBound reports a chat message sent before any peer was bound.
type NoPeerBound struct{}

// HandshakeOffer is the first step of the rendezvous.
type HandshakeOffer struct {
	From        Identity
	ProposedKey string
	Target      Identity
}

// HandshakeCounter answers an offer with the responder's own key material.
type HandshakeCounter struct {
	From        Identity
	ProposedKey string
	CounterKey  string
	Target      Identity
}

// HandshakeConfirm closes the rendezvous; CounterKey echoes the responder's material.
type HandshakeConfirm struct {
	From       Identity
	CounterKey string
	Target     Identity
}

// ChatMessage carries an opaque chat payload between bound peers.
type ChatMessage struct {
	From      Identity
	Text      string
	Timestamp time.Time
}

// MessageAck confirms to the sender that a chat message was handed to the peer.
type MessageAck struct {
	Text string
}

// Joined notifies Target that From bound it directly, without a handshake.
type Joined struct {
	From   Identity
	Target Identity
}

// JoinAck confirms a direct join to the joining session.
type JoinAck struct {
	Target Identity
}

// DMInvite asks Target to accept a direct-message binding with From.
type DMInvite struct {
	From   Identity
	Target Identity
}

// DMAccepted tells the inviter that From accepted the invitation.
type DMAccepted struct {
	From   Identity
	Target Identity
}

// DMRejected tells the inviter that From declined the invitation.
type DMRejected struct {
	From   Identity
	Target Identity
}

func (SessionStarted) Kind() Kind   { return KindSessionStarted }
func (NoRecipient) Kind() Kind      { return KindNoRecipient }
func (NoPeerBound) Kind() Kind      { return KindNoPeerBound }
func (HandshakeOffer) Kind() Kind   { return KindHandshakeOffer }
func (HandshakeCounter) Kind() Kind { return KindHandshakeCounter }
func (HandshakeConfirm) Kind() Kind { return KindHandshakeConfirm }
func (ChatMessage) Kind() Kind      { return KindChatMessage }
func (MessageAck) Kind() Kind       { return KindMessageAck }
func (Joined) Kind() Kind           { return KindJoined }
func (JoinAck) Kind() Kind          { return KindJoinAck }
func (DMInvite) Kind() Kind         { return KindDMInvite }
func (DMAccepted) Kind() Kind       { return KindDMAccepted }
func (DMRejected) Kind() Kind       { return KindDMRejected }

func (SessionStarted) Origin() Identity     { return Unset }
func (NoRecipient) Origin() Identity        { return Unset }
func (NoPeerBound) Origin() Identity        { return Unset }
func (e HandshakeOffer) Origin() Identity   { return e.From }
func (e HandshakeCounter) Origin() Identity { return e.From }
func (e HandshakeConfirm) Origin() Identity { return e.From }
func (e ChatMessage) Origin() Identity      { return e.From }
func (MessageAck) Origin() Identity         { return Unset }
func (e Joined) Origin() Identity           { return e.From }
func (JoinAck) Origin() Identity            { return Unset }
func (e DMInvite) Origin() Identity         { return e.From }
func (e DMAccepted) Origin() Identity       { return e.From }
func (e DMRejected) Origin() Identity       { return e.From }

func (SessionStarted) isEnvelope()   {}
func (NoRecipient) isEnvelope()      {}
func (NoPeerBound) isEnvelope()      {}
func (HandshakeOffer) isEnvelope()   {}
func (HandshakeCounter) isEnvelope() {}
func (HandshakeConfirm) isEnvelope() {}
func (ChatMessage) isEnvelope()      {}
func (MessageAck) isEnvelope()       {}
func (Joined) isEnvelope()           {}
func (JoinAck) isEnvelope()          {}
func (DMInvite) isEnvelope()         {}
func (DMAccepted) isEnvelope()       {}
func (DMRejected) isEnvelope()       {}
