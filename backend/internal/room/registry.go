package room

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Ref 指向房间绑定的文档
type Ref struct {
	WorkspaceID string `json:"workspaceId"`
	FileID      string `json:"fileId"`
}

func (r Ref) Key() string { return r.WorkspaceID + "/" + r.FileID }

// Room 是注册表对外返回的快照，内部状态不外泄
type Room struct {
	ID           string    `json:"roomId"`
	Ref          Ref       `json:"documentRef"`
	CreatedBy    string    `json:"createdBy"`
	CreatedAt    time.Time `json:"createdAt"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Participants []string  `json:"participants"`
}

func (r Room) Expired(now time.Time) bool { return now.After(r.ExpiresAt) }

// Journal 可选：把房间的创建/清扫落到外部存储做审计，失败只打日志不影响主流程
type Journal interface {
	RoomCreated(ctx context.Context, r Room) error
	RoomSwept(ctx context.Context, roomID string) error
}

// roomState 是注册表内部的可变状态
type roomState struct {
	id        string
	ref       Ref
	createdBy string
	createdAt time.Time
	expiresAt time.Time
	// connectionId 集合。存连接而不是用户：同一用户可以开多个标签页
	participants map[string]struct{}
}

func (s *roomState) snapshot() Room {
	members := make([]string, 0, len(s.participants))
	for id := range s.participants {
		members = append(members, id)
	}
	return Room{
		ID:           s.id,
		Ref:          s.ref,
		CreatedBy:    s.createdBy,
		CreatedAt:    s.createdAt,
		ExpiresAt:    s.expiresAt,
		Participants: members,
	}
}

// Registry 管理全部房间。进程启动时构造一次，注入到 Relay —— 不做包级单例，
// 这样测试可以各建各的实例互不干扰。
// join/leave/sweep 对房间表的修改都在同一把锁里完成，防止并发丢更新。
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*roomState // roomId -> state
	byRef map[string]string     // ref key -> roomId

	ttl     time.Duration
	journal Journal
	// 同一个文档并发发起协作时，只允许一个 goroutine 真正建房
	sf singleflight.Group

	sweepOnce sync.Once
	done      chan struct{}
}

func NewRegistry(ttl time.Duration, journal Journal) *Registry {
	return &Registry{
		rooms:   make(map[string]*roomState),
		byRef:   make(map[string]string),
		ttl:     ttl,
		journal: journal,
		done:    make(chan struct{}),
	}
}

// CreateOrGetRoom 返回该文档现存且未过期的房间；没有就新建一个，
// expiresAt = now + ttl。并发调用同一个 ref 只会建一个房间。
func (r *Registry) CreateOrGetRoom(ctx context.Context, ref Ref, createdBy string) (Room, error) {
	v, err, _ := r.sf.Do(ref.Key(), func() (interface{}, error) {
		now := time.Now()

		r.mu.Lock()
		defer r.mu.Unlock()

		if id, ok := r.byRef[ref.Key()]; ok {
			if st, ok := r.rooms[id]; ok && !now.After(st.expiresAt) {
				return st.snapshot(), nil
			}
			// 过期房间：从索引摘掉，等 sweep 真正回收
			delete(r.byRef, ref.Key())
		}

		st := &roomState{
			id:           uuid.NewString(),
			ref:          ref,
			createdBy:    createdBy,
			createdAt:    now,
			expiresAt:    now.Add(r.ttl),
			participants: make(map[string]struct{}),
		}
		r.rooms[st.id] = st
		r.byRef[ref.Key()] = st.id

		snap := st.snapshot()
		if r.journal != nil {
			if err := r.journal.RoomCreated(ctx, snap); err != nil {
				log.Printf("room journal create failed (room=%s): %v", st.id, err)
			}
		}
		return snap, nil
	})
	if err != nil {
		return Room{}, err
	}
	return v.(Room), nil
}

// Join 把连接加入房间；房间不存在或已过期返回 false
func (r *Registry) Join(roomID, connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.rooms[roomID]
	if !ok || time.Now().After(st.expiresAt) {
		return false
	}
	st.participants[connectionID] = struct{}{}
	return true
}

// Leave 把连接移出房间。就算房间空了也不删 —— 客户端短暂掉线还会回来，
// 回收只由过期清扫负责。
func (r *Registry) Leave(roomID, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.rooms[roomID]; ok {
		delete(st.participants, connectionID)
	}
}

// Get 按房间 ID 查询
func (r *Registry) Get(roomID string) (Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.rooms[roomID]
	if !ok {
		return Room{}, false
	}
	return st.snapshot(), true
}

// GetByRef 按文档查询（只返回未过期的房间）
func (r *Registry) GetByRef(ref Ref) (Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byRef[ref.Key()]
	if !ok {
		return Room{}, false
	}
	st, ok := r.rooms[id]
	if !ok || time.Now().After(st.expiresAt) {
		return Room{}, false
	}
	return st.snapshot(), true
}

// FindByParticipant 找到某个连接所在的房间
func (r *Registry) FindByParticipant(connectionID string) (Room, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, st := range r.rooms {
		if _, ok := st.participants[connectionID]; ok {
			return st.snapshot(), true
		}
	}
	return Room{}, false
}

// SweepExpired 删掉所有 expiresAt 已过的房间，返回被删房间的 ID。
// 整个清扫是一个临界区，不会和 join/leave 交错。
func (r *Registry) SweepExpired(ctx context.Context) []string {
	now := time.Now()
	var swept []string

	r.mu.Lock()
	for id, st := range r.rooms {
		if now.After(st.expiresAt) {
			delete(r.rooms, id)
			if cur, ok := r.byRef[st.ref.Key()]; ok && cur == id {
				delete(r.byRef, st.ref.Key())
			}
			swept = append(swept, id)
		}
	}
	r.mu.Unlock()

	if r.journal != nil {
		for _, id := range swept {
			if err := r.journal.RoomSwept(ctx, id); err != nil {
				log.Printf("room journal sweep failed (room=%s): %v", id, err)
			}
		}
	}
	return swept
}

// StartSweeper 启动独立的定时清扫循环，和请求流量无关。
// 回调用清扫实际删掉的列表驱动，保证每个被删房间都通知到上层
// （断开残留连接、释放操作日志），不会有房间被删了却没人知道。
func (r *Registry) StartSweeper(interval time.Duration, onSwept func(roomID string)) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				swept := r.SweepExpired(context.Background())
				if len(swept) > 0 {
					log.Printf("room sweep: removed %d expired rooms", len(swept))
				}
				if onSwept != nil {
					for _, id := range swept {
						onSwept(id)
					}
				}
			case <-r.done:
				return
			}
		}
	}()
}

// StopSweeper 停掉清扫循环（会话收尾时调用）
func (r *Registry) StopSweeper() {
	r.sweepOnce.Do(func() { close(r.done) })
}
