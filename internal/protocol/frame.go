package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adradan/chatty/internal/envelope"
)

// Command names used on the relay to client direction.
const (
	FrameStartedSession = "StartedSession"
	FrameJoin           = "Join"
	FrameNoRecipient    = "NoRecipient"
	FrameNoPeerBound    = "NoPeerBound"
	FrameChatMessage    = "ChatMessage"
	FrameMessageSent    = "MessageSent"
	FrameSyn            = "Syn"
	FrameSynAck         = "SynAck"
	FrameAck            = "Ack"
	FrameSuccess        = "Success"
	FrameInviteDM       = "InviteDM"
	FrameAcceptDM       = "AcceptDM"
	FrameRejectDM       = "RejectDM"
)

// MessageSentText is the body of the MessageSent acknowledgement.
const MessageSentText = "Message sent."

var ErrUnsupportedEnvelope = errors.New("unsupported envelope")

// Frame is the relay to client wire shape.
type Frame struct {
	Sender  envelope.Identity `json:"sender"`
	Message any               `json:"message"`
	Command string            `json:"command"`
}

type identityBody struct {
	Identity envelope.Identity `json:"identity"`
}

type recipientBody struct {
	Recipient envelope.Identity `json:"recipient"`
}

type chatBody struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

type synBody struct {
	InviterKey string            `json:"inviterKey"`
	Recipient  envelope.Identity `json:"recipient"`
}

type synAckBody struct {
	InviterKey   string            `json:"inviterKey"`
	RecipientKey string            `json:"recipientKey"`
	Recipient    envelope.Identity `json:"recipient"`
}

type ackBody struct {
	RecipientKey string            `json:"recipientKey"`
	Recipient    envelope.Identity `json:"recipient"`
}

type inviteBody struct {
	Inviter   envelope.Identity `json:"inviter"`
	Recipient envelope.Identity `json:"recipient"`
}

// FrameFor converts env into the frame written to the client owning self.
// Relay-generated envelopes carry self as their sender.
func FrameFor(self envelope.Identity, env envelope.Envelope) (Frame, error) {
	sender := env.Origin()
	if !sender.IsSet() {
		sender = self
	}

	switch e := env.(type) {
	case envelope.SessionStarted:
		return Frame{Sender: e.Identity, Command: FrameStartedSession, Message: identityBody{Identity: e.Identity}}, nil
	case envelope.NoRecipient:
		return Frame{Sender: sender, Command: FrameNoRecipient, Message: recipientBody{Recipient: e.Target}}, nil
	case envelope.NoPeerBound:
		return Frame{Sender: sender, Command: FrameNoPeerBound, Message: recipientBody{Recipient: envelope.Unset}}, nil
	case envelope.HandshakeOffer:
		return Frame{Sender: sender, Command: FrameSyn, Message: synBody{InviterKey: e.ProposedKey, Recipient: e.Target}}, nil
	case envelope.HandshakeCounter:
		return Frame{Sender: sender, Command: FrameSynAck, Message: synAckBody{
			InviterKey:   e.ProposedKey,
			RecipientKey: e.CounterKey,
			Recipient:    e.Target,
		}}, nil
	case envelope.HandshakeConfirm:
		return Frame{Sender: sender, Command: FrameAck, Message: ackBody{RecipientKey: e.CounterKey, Recipient: e.Target}}, nil
	case envelope.ChatMessage:
		return Frame{Sender: sender, Command: FrameChatMessage, Message: chatBody{Message: e.Text, Timestamp: e.Timestamp.UTC()}}, nil
	case envelope.MessageAck:
		return Frame{Sender: sender, Command: FrameMessageSent, Message: e.Text}, nil
	case envelope.Joined:
		return Frame{Sender: sender, Command: FrameJoin, Message: recipientBody{Recipient: e.Target}}, nil
	case envelope.JoinAck:
		return Frame{Sender: sender, Command: FrameSuccess, Message: fmt.Sprintf("DM created with %s.", e.Target)}, nil
	case envelope.DMInvite:
		return Frame{Sender: sender, Command: FrameInviteDM, Message: inviteBody{Inviter: e.From, Recipient: e.Target}}, nil
	case envelope.DMAccepted:
		return Frame{Sender: sender, Command: FrameAcceptDM, Message: inviteBody{Inviter: e.Target, Recipient: e.From}}, nil
	case envelope.DMRejected:
		return Frame{Sender: sender, Command: FrameRejectDM, Message: inviteBody{Inviter: e.Target, Recipient: e.From}}, nil
	default:
		return Frame{}, fmt.Errorf("%w: %T", ErrUnsupportedEnvelope, env)
	}
}

// Encode renders env as a JSON text frame for the client owning self.
func Encode(self envelope.Identity, env envelope.Envelope) ([]byte, error) {
	frame, err := FrameFor(self, env)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame)
}

// Incoming is a relay frame as seen by a client.
type Incoming struct {
	Sender  envelope.Identity `json:"sender"`
	Command string            `json:"command"`
	Message json.RawMessage   `json:"message"`
}

// Payload is the union of all message bodies. Text holds plain string bodies.
type Payload struct {
	Identity     envelope.Identity `json:"identity"`
	Recipient    envelope.Identity `json:"recipient"`
	Inviter      envelope.Identity `json:"inviter"`
	Message      string            `json:"message"`
	Timestamp    time.Time         `json:"timestamp"`
	InviterKey   string            `json:"inviterKey"`
	RecipientKey string            `json:"recipientKey"`
	Text         string            `json:"-"`
}

// DecodeFrame parses a relay frame.
func DecodeFrame(data []byte) (Incoming, error) {
	var in Incoming
	if err := json.Unmarshal(data, &in); err != nil {
		return Incoming{}, fmt.Errorf("decode frame: %w", err)
	}
	if in.Command == "" {
		return Incoming{}, errors.New("decode frame: command missing")
	}
	return in, nil
}

// Payload decodes the message body.
func (in Incoming) Payload() (Payload, error) {
	var p Payload
	if len(in.Message) == 0 || string(in.Message) == "null" {
		return p, nil
	}
	if in.Message[0] == '"' {
		if err := json.Unmarshal(in.Message, &p.Text); err != nil {
			return Payload{}, fmt.Errorf("decode %s body: %w", in.Command, err)
		}
		return p, nil
	}
	if err := json.Unmarshal(in.Message, &p); err != nil {
		return Payload{}, fmt.Errorf("decode %s body: %w", in.Command, err)
	}
	return p, nil
}
