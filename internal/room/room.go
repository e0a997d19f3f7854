// Package room implements RoomHub: the per-call WebSocket endpoint that
// fans out WebRTC signaling and chat, tracks presence, and bridges join/
// leave/chat events into the MessageLog and SummaryOrchestrator.
package room

import (
	"context"
	"sync"

	"k8s.io/utils/set"

	"github.com/webcall/coordination/internal/metrics"
	"github.com/webcall/coordination/internal/types"
)

// VisitRecorder persists a user's visit to a room, skipped for ephemeral
// call-invite scratch rooms. Persistence itself is an external
// collaborator outside this module's scope; nil disables recording.
type VisitRecorder interface {
	RecordVisit(ctx context.Context, roomID, userID string)
}

// Room is one call's live state: its member sockets, display names, and
// the subset flagged as AI agents. All mutation happens from a member's
// own read-loop goroutine; other readers snapshot under the mutex before
// iterating, per SPEC_FULL.md's concurrency model.
type Room struct {
	id string

	mu           sync.Mutex
	members      map[types.ConnID]*Client
	displayNames map[types.ConnID]string
	agents       set.Set[types.ConnID]
	agentOwner   map[string]types.ConnID // userID -> agent ConnID
}

func newRoom(id string) *Room {
	return &Room{
		id:           id,
		members:      make(map[types.ConnID]*Client),
		displayNames: make(map[types.ConnID]string),
		agents:       set.New[types.ConnID](),
		agentOwner:   make(map[string]types.ConnID),
	}
}

// join installs client as a member with the given ConnId and display
// name, recording agent ownership when applicable. Returns false if the
// ConnId was already registered (duplicate join).
func (r *Room) join(client *Client, connID types.ConnID, displayName string, isAgent bool, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.members[connID]; exists {
		return false
	}
	r.members[connID] = client
	r.displayNames[connID] = displayName
	if isAgent {
		r.agents.Insert(connID)
		if userID != "" {
			r.agentOwner[userID] = connID
		}
	}
	metrics.RoomParticipants.WithLabelValues(r.id).Set(float64(len(r.members)))
	return true
}

// leave removes client's ConnId from the room, clearing agent ownership
// if it was one. Returns true if the room is now empty.
func (r *Room) leave(connID types.ConnID, userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.members, connID)
	delete(r.displayNames, connID)
	if r.agents.Has(connID) {
		r.agents.Delete(connID)
		if userID != "" {
			if owner, ok := r.agentOwner[userID]; ok && owner == connID {
				delete(r.agentOwner, userID)
			}
		}
	}
	empty := len(r.members) == 0
	metrics.RoomParticipants.WithLabelValues(r.id).Set(float64(len(r.members)))
	return empty
}

// snapshotMembers returns a copy of the current member list so callers
// can iterate (e.g. to drop a dead socket) without holding the lock.
func (r *Room) snapshotMembers() []*Client {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Client, 0, len(r.members))
	for _, c := range r.members {
		out = append(out, c)
	}
	return out
}

// snapshotPresence builds the presence frame contents: every member's
// user-facing id, the display-name map, and the agent ConnId list.
func (r *Room) snapshotPresence() (users []string, names map[string]string, agentIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	users = make([]string, 0, len(r.members))
	names = make(map[string]string, len(r.displayNames))
	for connID := range r.members {
		users = append(users, string(connID))
	}
	for connID, name := range r.displayNames {
		names[string(connID)] = name
	}
	for _, connID := range r.agents.UnsortedList() {
		agentIDs = append(agentIDs, string(connID))
	}
	return users, names, agentIDs
}

func (r *Room) displayNameFor(connID types.ConnID) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.displayNames[connID]
}

func (r *Room) isEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members) == 0
}
