package registry

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/adradan/chatty/internal/envelope"
)

// MaxIdentity is the largest identity handed out by default. Identities stay
// within the exactly representable range of a float64 so browser clients can
// echo them back without rounding.
const MaxIdentity = envelope.Identity(1<<53 - 1)

const defaultMaxAttempts = 64

var (
	// ErrIdentitySpaceExhausted means no free identity could be drawn. The relay
	// treats this as fatal rather than a per-connection error.
	ErrIdentitySpaceExhausted = errors.New("identity space exhausted")
	errNilHandle              = errors.New("handle is required")
)

// Handle pushes envelopes to one live connection.
type Handle interface {
	// Deliver queues env without blocking and reports whether it was accepted.
	Deliver(env envelope.Envelope) bool
	// Close signals the connection to shut down.
	Close()
}

// Builder produces the envelope for a route once the origin is known.
type Builder func(from envelope.Identity) envelope.Envelope

// Option customizes a Registry.
type Option func(*Registry)

// WithRand replaces the entropy source used to draw identities.
func WithRand(r io.Reader) Option {
	return func(reg *Registry) {
		if r != nil {
			reg.rand = r
		}
	}
}

// WithMaxIdentity bounds the identity space to [1, max].
func WithMaxIdentity(max envelope.Identity) Option {
	return func(reg *Registry) {
		if max > 0 {
			reg.maxID = max
		}
	}
}

// WithMaxAttempts bounds how many colliding draws Register tolerates.
func WithMaxAttempts(n int) Option {
	return func(reg *Registry) {
		if n > 0 {
			reg.attempts = n
		}
	}
}

// WithClock overrides the time source used to stamp presences.
func WithClock(now func() time.Time) Option {
	return func(reg *Registry) {
		if now != nil {
			reg.nowFn = now
		}
	}
}

// Registry owns the identity to connection mapping. Every operation holds the
// same lock, so a route either observes a registration or its removal, never
// a half-removed entry.
type Registry struct {
	mu       sync.Mutex
	sessions map[envelope.Identity]*entry
	rand     io.Reader
	maxID    envelope.Identity
	attempts int
	nowFn    func() time.Time
}

type entry struct {
	handle   Handle
	presence Presence
}

// New builds an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		sessions: make(map[envelope.Identity]*entry),
		rand:     rand.Reader,
		maxID:    MaxIdentity,
		attempts: defaultMaxAttempts,
		nowFn:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register assigns a fresh identity to h and queues SessionStarted on it
// before returning.
func (r *Registry) Register(h Handle, meta Presence) (envelope.Identity, error) {
	if h == nil {
		return envelope.Unset, errNilHandle
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	id, err := r.nextIdentity()
	if err != nil {
		return envelope.Unset, err
	}

	meta.Identity = id
	meta.Peer = envelope.Unset
	if meta.ConnectedAt.IsZero() {
		meta.ConnectedAt = r.nowFn()
	}
	meta.Metadata = cloneMetadata(meta.Metadata)
	r.sessions[id] = &entry{handle: h, presence: meta}

	h.Deliver(envelope.SessionStarted{Identity: id})
	return id, nil
}

// Deregister removes id. Unknown identities are ignored.
func (r *Registry) Deregister(id envelope.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Route delivers build(from) to to. When to is absent or refuses the envelope,
// NoRecipient{to} goes back to from instead and Route reports false.
func (r *Registry) Route(from, to envelope.Identity, build Builder) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if target, ok := r.sessions[to]; ok && build != nil {
		if target.handle.Deliver(build(from)) {
			return true
		}
	}
	if sender, ok := r.sessions[from]; ok {
		sender.handle.Deliver(envelope.NoRecipient{Target: to})
	}
	return false
}

// Exists reports whether id is currently registered.
func (r *Registry) Exists(id envelope.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.sessions[id]
	return ok
}

// Len returns the number of live registrations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) nextIdentity() (envelope.Identity, error) {
	if uint64(len(r.sessions)) >= uint64(r.maxID) {
		return envelope.Unset, ErrIdentitySpaceExhausted
	}
	limit := new(big.Int).SetUint64(uint64(r.maxID))
	for i := 0; i < r.attempts; i++ {
		n, err := rand.Int(r.rand, limit)
		if err != nil {
			return envelope.Unset, fmt.Errorf("draw identity: %w", err)
		}
		id := envelope.Identity(n.Uint64() + 1)
		if _, taken := r.sessions[id]; !taken {
			return id, nil
		}
	}
	return envelope.Unset, ErrIdentitySpaceExhausted
}

// List enumerates live presences ordered by identity.
func (r *Registry) List() []Presence {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Presence, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.presence.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}
