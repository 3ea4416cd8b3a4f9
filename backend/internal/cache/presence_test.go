package cache

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
)

func newTestPresence(t *testing.T) (PresenceCache, *redis.Client) {
	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:6379"})
	// 若 Redis 未启动则跳过
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	return NewRedisPresence(rdb), rdb
}

func TestPresence_AddAndListMembers(t *testing.T) {
	p, rdb := newTestPresence(t)
	ctx := context.Background()
	roomID := "test-room-members"
	defer rdb.Del(ctx, memberKey(roomID), namesKey(roomID))

	if err := p.AddMember(ctx, roomID, "user-1", "Alice", 30*time.Second); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}
	if err := p.AddMember(ctx, roomID, "user-2", "Bob", 30*time.Second); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}
	// user-3 的 TTL 已经过期，应被 Lua 脚本清掉
	if err := p.AddMember(ctx, roomID, "user-3", "Carol", -time.Second); err != nil {
		t.Fatalf("AddMember error: %v", err)
	}

	members, err := p.GetAliveMembersWithNames(ctx, roomID)
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames error: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("members = %v, want 2 个", members)
	}
	names := map[string]string{}
	for _, m := range members {
		names[m.UserID] = m.DisplayName
	}
	if names["user-1"] != "Alice" || names["user-2"] != "Bob" {
		t.Fatalf("names = %v", names)
	}

	if err := p.RemoveMember(ctx, roomID, "user-1"); err != nil {
		t.Fatalf("RemoveMember error: %v", err)
	}
	members, err = p.GetAliveMembersWithNames(ctx, roomID)
	if err != nil {
		t.Fatalf("GetAliveMembersWithNames error: %v", err)
	}
	if len(members) != 1 || members[0].UserID != "user-2" {
		t.Fatalf("members = %v, want 只剩 user-2", members)
	}
}

func TestPresence_CursorRoundTrip(t *testing.T) {
	p, rdb := newTestPresence(t)
	ctx := context.Background()
	roomID := "test-room-cursor"
	defer rdb.Del(ctx, cursorKey(roomID, "user-1"))

	payload := []byte(`{"userId":"user-1","blockId":"block1","offset":4}`)
	if err := p.SetCursor(ctx, roomID, "user-1", payload, 10*time.Second); err != nil {
		t.Fatalf("SetCursor error: %v", err)
	}
	got, err := p.GetCursor(ctx, roomID, "user-1")
	if err != nil {
		t.Fatalf("GetCursor error: %v", err)
	}
	if string(got) != string(payload) {
		t.Fatalf("cursor = %s, want %s", got, payload)
	}
}
