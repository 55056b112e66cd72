// Package registry holds the in-memory answer to "who is in room R right
// now". Sessions are ephemeral: losing the process loses every session, but
// never the durable operation log.
package registry

import (
	"math/rand"
	"strings"
	"sync"
	"unicode"
)

// avatarPalette is the fixed set of display colors assigned on join.
var avatarPalette = []string{
	"#4f46e5",
	"#0891b2",
	"#7c3aed",
	"#c026d3",
	"#db2777",
	"#e11d48",
	"#ea580c",
	"#d97706",
	"#65a30d",
	"#16a34a",
	"#059669",
}

// Session is one live (connection, participant) membership in a room.
type Session struct {
	ConnectionID  string `json:"id"`
	ParticipantID string `json:"userId"`
	Name          string `json:"name"`
	Color         string `json:"color"`
	Initial       string `json:"initial"`
}

// Registry is the per-room session table. It is owned by the server process,
// created with it and torn down with it; callers receive it by handle, never
// through a package-level singleton.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Session
	pick  func(n int) int
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		rooms: make(map[string]map[string]Session),
		pick:  rand.Intn,
	}
}

// Join admits a connection into a room and returns its session. If the
// participant already has a live session under a different connection, that
// stale entry is evicted first (last connection wins); the evicted connection
// id is returned so the caller can announce the departure. Join never fails;
// an absent room is created empty.
func (r *Registry) Join(roomKey, connectionID, participantID, displayName string) (Session, string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.rooms[roomKey]
	if !ok {
		sessions = make(map[string]Session)
		r.rooms[roomKey] = sessions
	}

	if participantID == "" {
		participantID = connectionID
	}

	evicted := ""
	for existingConn, session := range sessions {
		if session.ParticipantID == participantID && existingConn != connectionID {
			delete(sessions, existingConn)
			evicted = existingConn
			break
		}
	}

	session := Session{
		ConnectionID:  connectionID,
		ParticipantID: participantID,
		Name:          displayName,
		Color:         avatarPalette[r.pick(len(avatarPalette))],
		Initial:       nameInitial(displayName),
	}
	sessions[connectionID] = session
	return session, evicted
}

// Leave removes the session for a connection. When the room becomes empty its
// in-memory entry is discarded; the persisted room record is untouched.
func (r *Registry) Leave(roomKey, connectionID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions, ok := r.rooms[roomKey]
	if !ok {
		return Session{}, false
	}
	session, ok := sessions[connectionID]
	if !ok {
		return Session{}, false
	}
	delete(sessions, connectionID)
	if len(sessions) == 0 {
		delete(r.rooms, roomKey)
	}
	return session, true
}

// Lookup returns the session for a connection in a room.
func (r *Registry) Lookup(roomKey, connectionID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.rooms[roomKey][connectionID]
	return session, ok
}

// Members returns every session currently in the room.
func (r *Registry) Members(roomKey string) []Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := r.rooms[roomKey]
	members := make([]Session, 0, len(sessions))
	for _, session := range sessions {
		members = append(members, session)
	}
	return members
}

// MemberCount returns the number of live sessions in the room.
func (r *Registry) MemberCount(roomKey string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[roomKey])
}

func nameInitial(displayName string) string {
	for _, r := range strings.TrimSpace(displayName) {
		return string(unicode.ToUpper(r))
	}
	return "?"
}
