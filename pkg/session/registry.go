package session

import (
	"slices"

	"github.com/giongto35/synthmesh/pkg/com"
)

// Registry keeps at most one live session per remote node id.
// Sessions leave it only through the manager teardown.
type Registry struct {
	sessions *com.Map[string, *PeerSession]
}

func NewRegistry() *Registry { return &Registry{sessions: com.NewMap[string, *PeerSession]()} }

// Find returns the session of the node or nil.
func (r *Registry) Find(id string) *PeerSession {
	s, err := r.sessions.Find(id)
	if err != nil {
		return nil
	}
	return s
}

// Create atomically adds a new session for the node unless it has a live one.
// A session which is still being torn down is replaced.
// Returns the session under the id and true if it was made by this call.
func (r *Registry) Create(id string, fn func() *PeerSession) (*PeerSession, bool) {
	return r.sessions.PutUnless(id,
		func(s *PeerSession) bool { return !s.ended.Load() },
		func(old *PeerSession) *PeerSession {
			s := fn()
			s.prev = old
			return s
		})
}

// remove deletes exactly this session, a newer one under the same id stays.
func (r *Registry) remove(s *PeerSession) bool {
	return r.sessions.RemoveIf(s.id, func(v *PeerSession) bool { return v == s })
}

// holds tells if the session is still the registered one.
func (r *Registry) holds(s *PeerSession) bool { return r.Find(s.id) == s }

func (r *Registry) values() []*PeerSession { return r.sessions.Values() }

// Connected returns sorted ids of connected peers.
func (r *Registry) Connected() []string {
	var ids []string
	for _, s := range r.values() {
		if s.IsConnected() {
			ids = append(ids, s.id)
		}
	}
	slices.Sort(ids)
	return ids
}

// Infos returns a copy of every session sorted by id.
func (r *Registry) Infos() []Info {
	var out []Info
	for _, s := range r.values() {
		out = append(out, s.Info())
	}
	slices.SortFunc(out, func(a, b Info) int {
		switch {
		case a.Id < b.Id:
			return -1
		case a.Id > b.Id:
			return 1
		}
		return 0
	})
	return out
}
