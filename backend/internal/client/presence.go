package client

import (
	"sort"
	"sync"
	"time"

	"noteCollab/backend/internal/oplog"
	"noteCollab/backend/internal/ws"
)

// 超过这个时长没有心跳/操作，协作者标记为不活跃（但不删除，
// "刚刚离开"的人在房间存续期间一直可见）
const defaultActiveTimeout = 30 * time.Second

// Collaborator 是派生出来的协作者视图，非权威数据
type Collaborator struct {
	UserID      string
	DisplayName string
	AvatarRef   string
	IsActive    bool
	LastSeenAt  time.Time
}

type memberRecord struct {
	displayName string
	avatarRef   string
	lastSeenAt  time.Time
}

// Tracker 从连接和操作流量里派生协作状态：谁在线、谁的光标在哪、
// 本地还有哪些操作没被 relay 确认。全部是临时状态，不持久化。
type Tracker struct {
	mu            sync.RWMutex
	connected     bool
	collaborating bool
	activeTimeout time.Duration

	members map[string]*memberRecord
	cursors map[string]ws.Cursor
	// 本地已创建但还没收到 ack 的操作（UI 用来显示"同步中"）
	pending map[string]oplog.Operation
}

func NewTracker(activeTimeout time.Duration) *Tracker {
	if activeTimeout <= 0 {
		activeTimeout = defaultActiveTimeout
	}
	return &Tracker{
		activeTimeout: activeTimeout,
		members:       make(map[string]*memberRecord),
		cursors:       make(map[string]ws.Cursor),
		pending:       make(map[string]oplog.Operation),
	}
}

func (t *Tracker) SetConnected(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = v
}

func (t *Tracker) SetCollaborating(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.collaborating = v
}

func (t *Tracker) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

func (t *Tracker) IsCollaborating() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.collaborating
}

// UpdateMembers 用服务端下发的成员列表刷新 lastSeen。
// 没出现在列表里的老成员保留原记录，靠 activeTimeout 自然变灰。
func (t *Tracker) UpdateMembers(members []ws.PresenceMember) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, m := range members {
		rec, ok := t.members[m.UserID]
		if !ok {
			rec = &memberRecord{}
			t.members[m.UserID] = rec
		}
		if m.DisplayName != "" {
			rec.displayName = m.DisplayName
		}
		rec.lastSeenAt = now
	}
}

// Touch 记录某个用户的活动（收到了他的操作或光标）
func (t *Tracker) Touch(userID string) {
	if userID == "" {
		return
	}
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.members[userID]
	if !ok {
		rec = &memberRecord{}
		t.members[userID] = rec
	}
	rec.lastSeenAt = now
}

func (t *Tracker) UpdateCursor(cursor ws.Cursor) {
	if cursor.UserID == "" {
		return
	}
	t.mu.Lock()
	t.cursors[cursor.UserID] = cursor
	t.mu.Unlock()
	t.Touch(cursor.UserID)
}

func (t *Tracker) Cursor(userID string) (ws.Cursor, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	c, ok := t.cursors[userID]
	return c, ok
}

// Collaborators 返回按 userId 排序的协作者快照
func (t *Tracker) Collaborators() []Collaborator {
	now := time.Now()
	t.mu.RLock()
	out := make([]Collaborator, 0, len(t.members))
	for id, rec := range t.members {
		out = append(out, Collaborator{
			UserID:      id,
			DisplayName: rec.displayName,
			AvatarRef:   rec.avatarRef,
			IsActive:    now.Sub(rec.lastSeenAt) <= t.activeTimeout,
			LastSeenAt:  rec.lastSeenAt,
		})
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// MarkPending 记录一条等待 relay 确认的本地操作
func (t *Tracker) MarkPending(op oplog.Operation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending[op.ID] = op
}

// Ack 清掉一条已确认的操作
func (t *Tracker) Ack(opID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, opID)
}

// PendingOperations 返回未确认操作，按全序排列（重连后按这个顺序补发）
func (t *Tracker) PendingOperations() []oplog.Operation {
	t.mu.RLock()
	out := make([]oplog.Operation, 0, len(t.pending))
	for _, op := range t.pending {
		out = append(out, op)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
