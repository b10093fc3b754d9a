// Package protocol maps the relay's JSON text frames to commands and envelopes.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/adradan/chatty/internal/envelope"
)

// Command names understood on the client to relay direction.
const (
	CommandJoin     = "Join"
	CommandMessage  = "Message"
	CommandSyn      = "Syn"
	CommandSynAck   = "SynAck"
	CommandAck      = "Ack"
	CommandInviteDM = "InviteDM"
	CommandAcceptDM = "AcceptDM"
	CommandRejectDM = "RejectDM"
	CommandUnknown  = "Unknown"
)

var (
	ErrMalformedCommand = errors.New("malformed command")
	ErrMissingField     = errors.New("missing required field")
)

// Command is one decoded client instruction.
type Command interface {
	Name() string
	isCommand()
}

// Join binds the sender to Recipient without a handshake.
type Join struct {
	Recipient envelope.Identity
}

// Message relays Text to the bound peer.
type Message struct {
	Text string
}

// Syn proposes a handshake to Recipient.
type Syn struct {
	InviterKey string
	Recipient  envelope.Identity
}

// SynAck counters an offer received from Recipient.
type SynAck struct {
	InviterKey   string
	RecipientKey string
	Recipient    envelope.Identity
}

// Ack confirms a counter received from Recipient.
type Ack struct {
	RecipientKey string
	Recipient    envelope.Identity
}

// InviteDM asks Recipient for a direct-message binding.
type InviteDM struct {
	Recipient envelope.Identity
}

// AcceptDM accepts an invitation from Inviter.
type AcceptDM struct {
	Inviter envelope.Identity
}

// RejectDM declines an invitation from Inviter.
type RejectDM struct {
	Inviter envelope.Identity
}

// Unknown stands in for anything that could not be decoded.
type Unknown struct{}

func (Join) Name() string     { return CommandJoin }
func (Message) Name() string  { return CommandMessage }
func (Syn) Name() string      { return CommandSyn }
func (SynAck) Name() string   { return CommandSynAck }
func (Ack) Name() string      { return CommandAck }
func (InviteDM) Name() string { return CommandInviteDM }
func (AcceptDM) Name() string { return CommandAcceptDM }
func (RejectDM) Name() string { return CommandRejectDM }
func (Unknown) Name() string  { return CommandUnknown }

func (Join) isCommand()     {}
func (Message) isCommand()  {}
func (Syn) isCommand()      {}
func (SynAck) isCommand()   {}
func (Ack) isCommand()      {}
func (InviteDM) isCommand() {}
func (AcceptDM) isCommand() {}
func (RejectDM) isCommand() {}
func (Unknown) isCommand()  {}

type rawCommand struct {
	Command      string  `json:"command"`
	Recipient    *wireID `json:"recipient,omitempty"`
	Inviter      *wireID `json:"inviter,omitempty"`
	Message      *string `json:"message,omitempty"`
	InviterKey   *string `json:"inviterKey,omitempty"`
	RecipientKey *string `json:"recipientKey,omitempty"`
}

// ParseCommand decodes one text frame. Anything it cannot understand comes back
// as Unknown together with the reason, which callers only log.
func ParseCommand(data []byte) (Command, error) {
	data = bytes.TrimSpace(data)
	var raw rawCommand
	if err := json.Unmarshal(data, &raw); err != nil {
		return Unknown{}, fmt.Errorf("%w: %v", ErrMalformedCommand, err)
	}

	switch raw.Command {
	case CommandJoin:
		if raw.Recipient == nil {
			return Unknown{}, missing(raw.Command, "recipient")
		}
		return Join{Recipient: raw.Recipient.identity()}, nil
	case CommandMessage:
		if raw.Message == nil {
			return Unknown{}, missing(raw.Command, "message")
		}
		return Message{Text: *raw.Message}, nil
	case CommandSyn:
		if raw.Recipient == nil || raw.InviterKey == nil {
			return Unknown{}, missing(raw.Command, "recipient, inviterKey")
		}
		return Syn{InviterKey: *raw.InviterKey, Recipient: raw.Recipient.identity()}, nil
	case CommandSynAck:
		if raw.Recipient == nil || raw.InviterKey == nil || raw.RecipientKey == nil {
			return Unknown{}, missing(raw.Command, "recipient, inviterKey, recipientKey")
		}
		return SynAck{
			InviterKey:   *raw.InviterKey,
			RecipientKey: *raw.RecipientKey,
			Recipient:    raw.Recipient.identity(),
		}, nil
	case CommandAck:
		if raw.Recipient == nil || raw.RecipientKey == nil {
			return Unknown{}, missing(raw.Command, "recipient, recipientKey")
		}
		return Ack{RecipientKey: *raw.RecipientKey, Recipient: raw.Recipient.identity()}, nil
	case CommandInviteDM:
		if raw.Recipient == nil {
			return Unknown{}, missing(raw.Command, "recipient")
		}
		return InviteDM{Recipient: raw.Recipient.identity()}, nil
	case CommandAcceptDM:
		if raw.Inviter == nil {
			return Unknown{}, missing(raw.Command, "inviter")
		}
		return AcceptDM{Inviter: raw.Inviter.identity()}, nil
	case CommandRejectDM:
		if raw.Inviter == nil {
			return Unknown{}, missing(raw.Command, "inviter")
		}
		return RejectDM{Inviter: raw.Inviter.identity()}, nil
	default:
		return Unknown{}, fmt.Errorf("%w: unsupported command %q", ErrMalformedCommand, raw.Command)
	}
}

// EncodeCommand renders cmd as a client frame.
func EncodeCommand(cmd Command) ([]byte, error) {
	raw := rawCommand{Command: cmd.Name()}
	switch c := cmd.(type) {
	case Join:
		raw.Recipient = idPtr(c.Recipient)
	case Message:
		raw.Message = &c.Text
	case Syn:
		raw.InviterKey = &c.InviterKey
		raw.Recipient = idPtr(c.Recipient)
	case SynAck:
		raw.InviterKey = &c.InviterKey
		raw.RecipientKey = &c.RecipientKey
		raw.Recipient = idPtr(c.Recipient)
	case Ack:
		raw.RecipientKey = &c.RecipientKey
		raw.Recipient = idPtr(c.Recipient)
	case InviteDM:
		raw.Recipient = idPtr(c.Recipient)
	case AcceptDM:
		raw.Inviter = idPtr(c.Inviter)
	case RejectDM:
		raw.Inviter = idPtr(c.Inviter)
	default:
		return nil, fmt.Errorf("encode command %s: %w", cmd.Name(), ErrMalformedCommand)
	}
	return json.Marshal(raw)
}

func missing(command, fields string) error {
	return fmt.Errorf("%w: %s requires %s", ErrMissingField, command, fields)
}

// wireID accepts identities as JSON numbers or decimal strings.
type wireID envelope.Identity

func (w *wireID) UnmarshalJSON(data []byte) error {
	s := string(bytes.TrimSpace(data))
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		unquoted, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		s = unquoted
	}
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid identity %q: %w", s, err)
	}
	*w = wireID(n)
	return nil
}

func (w wireID) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatUint(uint64(w), 10)), nil
}

func (w *wireID) identity() envelope.Identity { return envelope.Identity(*w) }

func idPtr(id envelope.Identity) *wireID {
	w := wireID(id)
	return &w
}
