package cache

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// PresenceCache 保存房间在线成员和光标。Relay 实例不持有这份状态，
// 全放在 Redis 里，多实例部署时大家看到的是同一份。
type PresenceCache interface {
	AddMember(ctx context.Context, roomID, userID, displayName string, ttl time.Duration) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	GetAliveMembersWithNames(ctx context.Context, roomID string) ([]PresenceMember, error)
	SetCursor(ctx context.Context, roomID, userID string, jsonData []byte, ttl time.Duration) error
	GetCursor(ctx context.Context, roomID, userID string) ([]byte, error)
}

type PresenceMember struct {
	UserID      string
	DisplayName string
}

// 具体实现：基于 redis 的 PresenceCache
type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceCache {
	return &redisPresence{rdb: rdb}
}

func (p *redisPresence) AddMember(ctx context.Context, roomID, userID, displayName string, ttl time.Duration) error {
	// 心跳刷新 TTL 也直接调用 AddMember
	tx := p.rdb.TxPipeline()
	// ZSET score 使用 expireAt（Unix 秒），表达"逻辑 TTL"
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, memberKey(roomID), redis.Z{Score: float64(expireAt), Member: userID})
	tx.HSet(ctx, namesKey(roomID), userID, displayName)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) RemoveMember(ctx context.Context, roomID, userID string) error {
	tx := p.rdb.TxPipeline()
	tx.ZRem(ctx, memberKey(roomID), userID)
	tx.HDel(ctx, namesKey(roomID), userID)
	_, err := tx.Exec(ctx)
	return err
}

func (p *redisPresence) SetCursor(ctx context.Context, roomID, userID string, jsonData []byte, ttl time.Duration) error {
	return p.rdb.Set(ctx, cursorKey(roomID, userID), jsonData, ttl).Err()
}

func (p *redisPresence) GetCursor(ctx context.Context, roomID, userID string) ([]byte, error) {
	cursor, err := p.rdb.Get(ctx, cursorKey(roomID, userID)).Bytes()
	if err != nil {
		return nil, err
	}
	return cursor, nil
}

func (p *redisPresence) GetAliveMembersWithNames(ctx context.Context, roomID string) ([]PresenceMember, error) {
	// step1: 清理过期成员。约定 score=expireAt（Unix 秒），expireAt <= now 视为过期
	now := time.Now().Unix()
	luaScript := `
	-- KEYS[1] = memberKey(roomID)
	-- KEYS[2] = namesKey(roomID)
	-- ARGV[1] = now (unix seconds)

	local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	if #expired > 0 then
		redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
		redis.call("HDEL", KEYS[2], unpack(expired))
	end
	return #expired
	`

	script := redis.NewScript(luaScript)
	_, err := script.Run(ctx, p.rdb, []string{memberKey(roomID), namesKey(roomID)}, now).Int()
	if err != nil && err != redis.Nil {
		return nil, err
	}

	// step2: 查询在线成员
	aliveIDs, err := p.rdb.ZRangeByScore(ctx, memberKey(roomID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10), // > now
		Max: "+inf",
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	if len(aliveIDs) == 0 {
		return nil, nil
	}

	// step3: 批量取名字
	names, err := p.rdb.HMGet(ctx, namesKey(roomID), aliveIDs...).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]PresenceMember, 0, len(aliveIDs))
	for i, v := range names {
		name := ""
		if v != nil {
			name, _ = v.(string)
		}
		members = append(members, PresenceMember{UserID: aliveIDs[i], DisplayName: name})
	}
	return members, nil
}
