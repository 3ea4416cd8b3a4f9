package cache

import "fmt"

// 键语义：
// - memberKey(roomID):  房间在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(roomID):   房间内 userId→displayName 映射（Hash）
// - cursorKey(roomID, userID): 该用户在房间里的光标（String，JSON，带 TTL）

const (
	keyMemberFmt = "presence:room:{roomID:%s}"        // ZSet<userId, expireAtUnix>
	keyNamesFmt  = "presence:room:names:{roomID:%s}"  // Hash<userId -> displayName>
	keyCursorFmt = "presence:cursor:{roomID:%s}:%s"   // String(JSON)
)

func memberKey(roomID string) string { return fmt.Sprintf(keyMemberFmt, roomID) }
func namesKey(roomID string) string  { return fmt.Sprintf(keyNamesFmt, roomID) }
func cursorKey(roomID, userID string) string {
	return fmt.Sprintf(keyCursorFmt, roomID, userID)
}
