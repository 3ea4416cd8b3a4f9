package ws

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"noteCollab/backend/internal/auth"
	"noteCollab/backend/internal/cache"
	"noteCollab/backend/internal/collab"
	"noteCollab/backend/internal/oplog"
	"noteCollab/backend/internal/room"
)

const (
	// 单次写超时：写不动的连接按掉线处理，不允许拖住房间里其他人
	writeWait = 10 * time.Second
	// 心跳刷新出的 presence TTL
	presenceTTL = 600 * time.Second
)

type Conn struct {
	ws       *websocket.Conn
	hub      *Hub
	registry *room.Registry
	svc      collab.Service
	sem      *collab.SemaphoreControl
	presence cache.PresenceCache // 可为 nil（没配 Redis 时只做本进程广播）

	connID   string
	roomID   string
	identity auth.Identity

	// send 是出站队列，writeLoop 独占消费
	send chan OutboundMessage

	mu     sync.Mutex
	closed bool
}

func NewConn(ws *websocket.Conn, hub *Hub, registry *room.Registry, svc collab.Service,
	sem *collab.SemaphoreControl, presence cache.PresenceCache,
	connID, roomID string, identity auth.Identity) *Conn {
	return &Conn{
		ws:       ws,
		hub:      hub,
		registry: registry,
		svc:      svc,
		sem:      sem,
		presence: presence,
		connID:   connID,
		roomID:   roomID,
		identity: identity,
		send:     make(chan OutboundMessage, 32),
	}
}

// SendEnqueue 往出站队列放一条消息。
// 队列满说明接收方写不动了（慢消费或已死），按掉线处理：关连接，
// 绝不在这里阻塞 —— 广播方可能正拿着 Hub 的锁。
func (c *Conn) SendEnqueue(msg OutboundMessage) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.send <- msg:
		c.mu.Unlock()
	default:
		c.closed = true
		close(c.send)
		c.mu.Unlock()
		log.Printf("slow connection, dropping (conn=%s room=%s)", c.connID, c.roomID)
		_ = c.ws.Close()
	}
}

// Close 幂等关闭：关掉出站队列，writeLoop 排空后负责关底层连接
// （直接关 socket 会把还没写出去的帧丢掉，比如房间过期的错误帧）
func (c *Conn) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

func (c *Conn) writeLoop() {
	defer c.ws.Close()
	for msg := range c.send {
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.ws.WriteJSON(msg); err != nil {
			log.Printf("write error (conn=%s room=%s): %v", c.connID, c.roomID, err)
			_ = c.ws.Close()
			// 继续排空队列，让挂起的 SendEnqueue 不会卡住
			for range c.send {
			}
			return
		}
	}
}

// readLoop 阻塞到连接关闭。读错误（网络层）终止连接；
// 单帧解析错误只丢那一帧，连接继续。
func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		c.hub.Leave(c.roomID, c)
		// 只把连接移出房间，房间本身留到过期清扫（容忍客户端短暂掉线重连）
		c.registry.Leave(c.roomID, c.connID)
		c.Close()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("read error (conn=%s room=%s): %v", c.connID, c.roomID, err)
			}
			return
		}

		frame, err := ParseClientFrame(data)
		if err != nil {
			// 一条坏消息不断连接
			log.Printf("drop malformed frame (conn=%s room=%s): %v", c.connID, c.roomID, err)
			continue
		}

		switch frame.Type {
		case FrameOperation:
			c.handleOperation(ctx, *frame.Op)

		case FrameHeartbeat:
			c.handleHeartbeat(ctx)

		case FrameCursor:
			c.handleCursor(ctx, *frame.Cursor)

		case FrameResync:
			c.handleResync(ctx, frame.SinceClock)
		}
	}
}

func (c *Conn) handleOperation(ctx context.Context, op oplog.Operation) {
	submitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()

	if err := c.sem.Acquire(submitCtx); err != nil {
		c.SendEnqueue(ErrorMessage{Type: FrameError, Code: "BUSY", Content: err.Error()})
		return
	}
	defer c.sem.Release()

	applied, clock, err := c.svc.Submit(submitCtx, c.roomID, op)
	if err != nil {
		c.SendEnqueue(ErrorMessage{Type: FrameError, Code: "SUBMIT_FAILED", Content: err.Error()})
		return
	}

	// 先 ack 发送者（让它清 pending），再广播给房间里其他人。
	// 重复提交 applied=false：照样 ack，但不再广播。
	c.SendEnqueue(OpAckMessage{Type: FrameOpAck, OpID: op.ID, Applied: applied, Clock: clock})
	if applied {
		c.hub.BroadcastOperation(c.roomID, c, OpBroadcastMessage{Type: FrameOperation, RoomID: c.roomID, Op: op})
	}

	// 有操作就说明人还活着，顺手刷新 presence TTL
	if c.presence != nil {
		if err := c.presence.AddMember(ctx, c.roomID, c.identity.SubjectID, c.identity.DisplayName, presenceTTL); err != nil {
			log.Printf("presence refresh error: %v", err)
		}
	}
}

func (c *Conn) handleHeartbeat(ctx context.Context) {
	if c.presence == nil {
		return
	}
	if err := c.presence.AddMember(ctx, c.roomID, c.identity.SubjectID, c.identity.DisplayName, presenceTTL); err != nil {
		log.Printf("add member error: %v", err)
		return
	}
	members, err := c.presence.GetAliveMembersWithNames(ctx, c.roomID)
	if err != nil {
		log.Printf("get members error: %v", err)
		return
	}
	out := make([]PresenceMember, len(members))
	for i, m := range members {
		out[i] = PresenceMember{UserID: m.UserID, DisplayName: m.DisplayName}
	}
	c.hub.BroadcastPresence(c.roomID, out)
}

func (c *Conn) handleCursor(ctx context.Context, cursor Cursor) {
	cursor.UserID = c.identity.SubjectID
	if c.presence != nil {
		if data, err := json.Marshal(cursor); err == nil {
			if err := c.presence.SetCursor(ctx, c.roomID, c.identity.SubjectID, data, presenceTTL); err != nil {
				log.Printf("set cursor error: %v", err)
			}
		}
	}
	c.hub.BroadcastCursor(c.roomID, c, c.identity.SubjectID, cursor)
}

func (c *Conn) handleResync(ctx context.Context, sinceClock uint64) {
	ops, err := c.svc.OperationsSince(ctx, c.roomID, sinceClock)
	if err != nil && err != collab.ErrRoomNotFound {
		c.SendEnqueue(ErrorMessage{Type: FrameError, Code: "RESYNC_FAILED", Content: err.Error()})
		return
	}
	clock, _ := c.svc.CurrentClock(ctx, c.roomID)
	if ops == nil {
		ops = []oplog.Operation{}
	}
	c.SendEnqueue(ResyncResultMessage{Type: FrameResyncResult, Ops: ops, Clock: clock})
}
