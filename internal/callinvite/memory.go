package callinvite

import (
	"context"
	"sync"

	"github.com/webcall/coordination/internal/types"
)

// DefaultMemoryTTLMs is the pending-invite lifetime for the in-memory
// backend: the client-side ring timeout (25s) plus a small margin.
const DefaultMemoryTTLMs = 30_000

// MemoryService is the in-process Service backend: a single map guarded
// by a mutex, keyed by room, with lazy TTL-based eviction on read.
type MemoryService struct {
	mu       sync.Mutex
	pending  map[types.RoomID]Invite
	notifier types.InviteNotifier
	clock    types.Clock
	ttlMs    int64
}

// NewMemoryService constructs a MemoryService notifying via notifier. A
// zero ttlMs falls back to DefaultMemoryTTLMs.
func NewMemoryService(notifier types.InviteNotifier, clock types.Clock, ttlMs int64) *MemoryService {
	if clock == nil {
		clock = types.SystemClock{}
	}
	if ttlMs <= 0 {
		ttlMs = DefaultMemoryTTLMs
	}
	return &MemoryService{
		pending:  make(map[types.RoomID]Invite),
		notifier: notifier,
		clock:    clock,
		ttlMs:    ttlMs,
	}
}

// Invite records a pending invite and notifies listeners.
func (s *MemoryService) Invite(ctx context.Context, fromUserID, toUserID types.UserID, roomID types.RoomID, fromUsername, fromEmail string) error {
	ts := s.clock.NowMs()
	inv := Invite{
		RoomID:       roomID,
		FromUserID:   fromUserID,
		ToUserID:     toUserID,
		FromUsername: fromUsername,
		FromEmail:    fromEmail,
		CreatedAt:    ts,
	}

	s.mu.Lock()
	s.pending[roomID] = inv
	s.mu.Unlock()

	if s.notifier != nil {
		s.notifier.NotifyInvite(ctx, fromUserID, toUserID, roomID, fromUsername, fromEmail, ts)
	}
	return nil
}

func (s *MemoryService) finalize(roomID types.RoomID) {
	s.mu.Lock()
	delete(s.pending, roomID)
	s.mu.Unlock()
}

// Accept removes the pending invite and notifies listeners.
func (s *MemoryService) Accept(ctx context.Context, fromUserID, toUserID types.UserID, roomID types.RoomID) error {
	s.finalize(roomID)
	if s.notifier != nil {
		s.notifier.NotifyAccept(ctx, fromUserID, toUserID, roomID)
	}
	return nil
}

// Decline removes the pending invite and notifies listeners.
func (s *MemoryService) Decline(ctx context.Context, fromUserID, toUserID types.UserID, roomID types.RoomID) error {
	s.finalize(roomID)
	if s.notifier != nil {
		s.notifier.NotifyDecline(ctx, fromUserID, toUserID, roomID)
	}
	return nil
}

// Cancel removes the pending invite and notifies listeners.
func (s *MemoryService) Cancel(ctx context.Context, fromUserID, toUserID types.UserID, roomID types.RoomID) error {
	s.finalize(roomID)
	if s.notifier != nil {
		s.notifier.NotifyCancel(ctx, fromUserID, toUserID, roomID)
	}
	return nil
}

// ListPendingFor returns every non-expired invite involving userID,
// purging anything older than the configured TTL along the way.
func (s *MemoryService) ListPendingFor(ctx context.Context, userID types.UserID) ([]Invite, error) {
	now := s.clock.NowMs()

	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []types.RoomID
	for roomID, inv := range s.pending {
		if now-inv.CreatedAt > s.ttlMs {
			stale = append(stale, roomID)
		}
	}
	for _, roomID := range stale {
		delete(s.pending, roomID)
	}

	var out []Invite
	for _, inv := range s.pending {
		if inv.FromUserID == userID || inv.ToUserID == userID {
			out = append(out, inv)
		}
	}
	return out, nil
}

var _ Service = (*MemoryService)(nil)
