package callinvite

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/webcall/coordination/internal/types"
	"github.com/redis/go-redis/v9"
)

// DefaultRedisTTLSec is the pending-invite lifetime for the Redis
// backend: long enough to survive a brief disconnect/reconnect cycle.
const DefaultRedisTTLSec = 15 * 60

// RedisService is the external Service backend. Storage layout:
//
//	hash call_invite:{roomId}       -> fromUserId,toUserId,fromUsername,fromEmail,ts
//	zset call_invite_user:{userId}  -> score=ts member=roomId
//
// TTLs are refreshed on every write so a room's invite and both user
// indexes expire together.
type RedisService struct {
	client   *redis.Client
	notifier types.InviteNotifier
	ttl      time.Duration
}

// NewRedisService constructs a RedisService against an existing client.
// A zero ttlSec falls back to DefaultRedisTTLSec.
func NewRedisService(client *redis.Client, notifier types.InviteNotifier, ttlSec int) *RedisService {
	if ttlSec <= 0 {
		ttlSec = DefaultRedisTTLSec
	}
	return &RedisService{client: client, notifier: notifier, ttl: time.Duration(ttlSec) * time.Second}
}

func hashKey(roomID types.RoomID) string      { return fmt.Sprintf("call_invite:%s", roomID) }
func userIndexKey(userID types.UserID) string { return fmt.Sprintf("call_invite_user:%s", userID) }

// Invite records a pending invite in Redis and notifies listeners.
func (s *RedisService) Invite(ctx context.Context, fromUserID, toUserID types.UserID, roomID types.RoomID, fromUsername, fromEmail string) error {
	ts := time.Now().Unix()
	k := hashKey(roomID)

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, k, map[string]interface{}{
		"fromUserId":   string(fromUserID),
		"toUserId":     string(toUserID),
		"fromUsername": fromUsername,
		"fromEmail":    fromEmail,
		"ts":           ts,
	})
	pipe.Expire(ctx, k, s.ttl)
	fromIdx := userIndexKey(fromUserID)
	toIdx := userIndexKey(toUserID)
	pipe.ZAdd(ctx, fromIdx, redis.Z{Score: float64(ts), Member: string(roomID)})
	pipe.ZAdd(ctx, toIdx, redis.Z{Score: float64(ts), Member: string(roomID)})
	pipe.Expire(ctx, fromIdx, s.ttl)
	pipe.Expire(ctx, toIdx, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("call invite: write invite: %w", err)
	}

	if s.notifier != nil {
		s.notifier.NotifyInvite(ctx, fromUserID, toUserID, roomID, fromUsername, fromEmail, ts*1000)
	}
	return nil
}

// finalize removes the hash and both user-index entries for a room,
// looking up the participants from the hash itself since the caller may
// not have both IDs (e.g. cancel only always carries them, but this
// keeps accept/decline robust to partial data).
func (s *RedisService) finalize(ctx context.Context, roomID types.RoomID) error {
	k := hashKey(roomID)
	data, err := s.client.HGetAll(ctx, k).Result()
	if err != nil {
		return fmt.Errorf("call invite: read invite: %w", err)
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, k)
	if fu, ok := data["fromUserId"]; ok && fu != "" {
		pipe.ZRem(ctx, userIndexKey(types.UserID(fu)), string(roomID))
	}
	if tu, ok := data["toUserId"]; ok && tu != "" {
		pipe.ZRem(ctx, userIndexKey(types.UserID(tu)), string(roomID))
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Accept finalizes the invite in Redis and notifies listeners.
func (s *RedisService) Accept(ctx context.Context, fromUserID, toUserID types.UserID, roomID types.RoomID) error {
	if err := s.finalize(ctx, roomID); err != nil {
		return err
	}
	if s.notifier != nil {
		s.notifier.NotifyAccept(ctx, fromUserID, toUserID, roomID)
	}
	return nil
}

// Decline finalizes the invite in Redis and notifies listeners.
func (s *RedisService) Decline(ctx context.Context, fromUserID, toUserID types.UserID, roomID types.RoomID) error {
	if err := s.finalize(ctx, roomID); err != nil {
		return err
	}
	if s.notifier != nil {
		s.notifier.NotifyDecline(ctx, fromUserID, toUserID, roomID)
	}
	return nil
}

// Cancel finalizes the invite in Redis and notifies listeners.
func (s *RedisService) Cancel(ctx context.Context, fromUserID, toUserID types.UserID, roomID types.RoomID) error {
	if err := s.finalize(ctx, roomID); err != nil {
		return err
	}
	if s.notifier != nil {
		s.notifier.NotifyCancel(ctx, fromUserID, toUserID, roomID)
	}
	return nil
}

// ListPendingFor scans a user's zset index for rooms within the TTL
// window and hydrates each from its hash.
func (s *RedisService) ListPendingFor(ctx context.Context, userID types.UserID) ([]Invite, error) {
	idxKey := userIndexKey(userID)
	now := time.Now().Unix()
	minScore := now - int64(s.ttl.Seconds()) - 5

	roomIDs, err := s.client.ZRangeByScore(ctx, idxKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(minScore, 10),
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("call invite: list pending: %w", err)
	}

	out := make([]Invite, 0, len(roomIDs))
	for _, rid := range roomIDs {
		data, err := s.client.HGetAll(ctx, hashKey(types.RoomID(rid))).Result()
		if err != nil || len(data) == 0 {
			continue
		}
		ts, _ := strconv.ParseInt(data["ts"], 10, 64)
		out = append(out, Invite{
			RoomID:       types.RoomID(rid),
			FromUserID:   types.UserID(data["fromUserId"]),
			ToUserID:     types.UserID(data["toUserId"]),
			FromUsername: data["fromUsername"],
			FromEmail:    data["fromEmail"],
			CreatedAt:    ts * 1000,
		})
	}
	return out, nil
}

var _ Service = (*RedisService)(nil)
