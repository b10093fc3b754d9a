package registry

import (
	"time"

	"github.com/adradan/chatty/internal/envelope"
)

// Presence describes a registered connection for the admin listing. Routing
// never reads it.
type Presence struct {
	Identity    envelope.Identity `json:"identity"`
	ConnID      string            `json:"conn_id"`
	Remote      string            `json:"remote,omitempty"`
	Peer        envelope.Identity `json:"peer,omitempty"`
	ConnectedAt time.Time         `json:"connected_at"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// SetPeer records the peer id is currently bound to. It returns false when id
// is not registered.
func (r *Registry) SetPeer(id, peer envelope.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return false
	}
	e.presence.Peer = peer
	return true
}

// Presence fetches the presence recorded for id.
func (r *Registry) Presence(id envelope.Identity) (Presence, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok {
		return Presence{}, false
	}
	return e.presence.clone(), true
}

func (p Presence) clone() Presence {
	p.Metadata = cloneMetadata(p.Metadata)
	return p
}

// clone metadata to avoid external mutation
func cloneMetadata(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
