package ws

import (
	"sync"
)

// Hub 维护 roomId 到活跃连接集合的映射，负责房间内扇出。
// 成员资格的权威数据在 room.Registry；Hub 只管这台实例上的活连接。
type Hub struct {
	// 读写锁保护 rooms，加入/离开/广播都先加锁
	mu sync.RWMutex
	// roomId -> set of connections
	// 存连接而不是 userID：一个用户可开多个标签页/设备，广播要逐连接发
	rooms map[string]map[*Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入指定房间
func (h *Hub) Join(roomID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*Conn]struct{})
	}
	h.rooms[roomID][c] = struct{}{}
}

// Leave 将连接从指定房间移除。这里只清本地连接表，
// 房间本身的删除由 Registry 的过期清扫负责。
func (h *Hub) Leave(roomID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[roomID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

func (h *Hub) members(roomID string) []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*Conn, 0, len(h.rooms[roomID]))
	for c := range h.rooms[roomID] {
		conns = append(conns, c)
	}
	return conns
}

// BroadcastOperation 把操作发给房间内除发送者以外的所有连接。
// 慢连接在 SendEnqueue 里会被判定掉线，不会拖住其他接收方。
func (h *Hub) BroadcastOperation(roomID string, sender *Conn, msg OpBroadcastMessage) {
	for _, c := range h.members(roomID) {
		if c == sender {
			continue
		}
		c.SendEnqueue(msg)
	}
}

// BroadcastPresence 成员列表变化发给房间内所有人（包括触发者）
func (h *Hub) BroadcastPresence(roomID string, members []PresenceMember) {
	msg := PresenceMessage{Type: FramePresence, RoomID: roomID, Members: members}
	for _, c := range h.members(roomID) {
		c.SendEnqueue(msg)
	}
}

// BroadcastCursor 光标更新发给除本人之外的连接
func (h *Hub) BroadcastCursor(roomID string, sender *Conn, userID string, cursor Cursor) {
	msg := PresenceMessage{Type: FramePresence, RoomID: roomID, UserID: userID, Cursor: &cursor}
	for _, c := range h.members(roomID) {
		if c == sender {
			continue
		}
		c.SendEnqueue(msg)
	}
}

// CloseRoom 在房间被清扫时断开残留连接
func (h *Hub) CloseRoom(roomID string) {
	for _, c := range h.members(roomID) {
		c.SendEnqueue(ErrorMessage{Type: FrameError, Code: "ROOM_EXPIRED", Content: "room expired, start a new session"})
		c.Close()
	}
	h.mu.Lock()
	delete(h.rooms, roomID)
	h.mu.Unlock()
}
