package cache

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache mirrors the relay's volatile awareness state into Redis so
// other services can see who is editing which document. The relay's in-room
// records stay authoritative; everything here carries a logical TTL and is
// reaped when it lapses, so nothing outlives its session by more than the
// TTL even if the relay dies without cleanup.
type PresenceCache interface {
	AddMember(ctx context.Context, docID, sessionID, name, color string, ttl time.Duration) error
	RemoveMember(ctx context.Context, docID, sessionID string) error
	GetAliveMembers(ctx context.Context, docID string) ([]PresenceMember, error)
	SetCursor(ctx context.Context, docID, sessionID string, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, docID, sessionID string) ([]byte, error)
}

type PresenceMember struct {
	SessionID string `json:"sessionId"`
	Name      string `json:"name"`
	Color     string `json:"color"`
}

type memberInfo struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

type redisPresence struct {
	rdb *redis.Client
}

func NewRedisPresence(rdb *redis.Client) PresenceCache {
	return &redisPresence{rdb: rdb}
}

// AddMember registers or refreshes a session. Refreshing the TTL is the
// same call with a new deadline.
func (p *redisPresence) AddMember(ctx context.Context, docID, sessionID, name, color string, ttl time.Duration) error {
	info, err := json.Marshal(memberInfo{Name: name, Color: color})
	if err != nil {
		return err
	}
	expireAt := time.Now().Add(ttl).Unix()
	tx := p.rdb.TxPipeline()
	// ZSET score = expireAt (unix seconds), a logical TTL per member.
	tx.ZAdd(ctx, roomKey(docID), redis.Z{Score: float64(expireAt), Member: sessionID})
	tx.HSet(ctx, membersKey(docID), sessionID, info)
	_, err = tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, docID, sessionID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(docID), sessionID)
	tx.HDel(ctx, membersKey(docID), sessionID)
	tx.Del(ctx, cursorKey(docID, sessionID))
	_, err := tx.Exec(ctx)
	return err
}

// Members whose logical expiry has lapsed are reaped atomically before the
// alive set is read.
var reapScript = redis.NewScript(`
-- KEYS[1] = roomKey(docID)
-- KEYS[2] = membersKey(docID)
-- ARGV[1] = now (unix seconds)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

func (p *redisPresence) GetAliveMembers(ctx context.Context, docID string) ([]PresenceMember, error) {
	now := time.Now().Unix()

	_, err := reapScript.Run(ctx, p.rdb, []string{roomKey(docID), membersKey(docID)}, now).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	aliveIDs, err := p.rdb.ZRangeByScore(ctx, roomKey(docID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	infos, err := p.rdb.HMGet(ctx, membersKey(docID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, v := range infos {
		m := PresenceMember{SessionID: aliveIDs[i]}
		if raw, ok := v.(string); ok {
			var info memberInfo
			if json.Unmarshal([]byte(raw), &info) == nil {
				m.Name = info.Name
				m.Color = info.Color
			}
		}
		members = append(members, m)
	}
	return members, nil
}

func (p *redisPresence) SetCursor(ctx context.Context, docID, sessionID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(docID, sessionID), jsonData, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, docID, sessionID string) ([]byte, error) {
	return p.rdb.Get(ctx, cursorKey(docID, sessionID)).Bytes()
}
