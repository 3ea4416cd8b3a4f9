package client

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"noteCollab/backend/internal/oplog"
	"noteCollab/backend/internal/ws"
)

var ErrNotConnected = errors.New("NOT_CONNECTED")

// serverFrame 解码服务端下发的各种帧（按 type 区分）
type serverFrame struct {
	Type         string              `json:"type"`
	ConnectionID string              `json:"connectionId"`
	RoomID       string              `json:"roomId"`
	Clock        uint64              `json:"clock"`
	Op           *oplog.Operation    `json:"op"`
	Ops          []oplog.Operation   `json:"ops"`
	OpID         string              `json:"opId"`
	Applied      bool                `json:"applied"`
	Members      []ws.PresenceMember `json:"members"`
	UserID       string              `json:"userId"`
	Cursor       *ws.Cursor          `json:"cursor"`
	Code         string              `json:"code"`
	Content      string              `json:"content"`
}

// Session 是客户端的一次文档协作会话：
// 持有本地操作日志、presence 派生状态和重连控制器。
// 编辑器 UI 调 Edit 产生操作，读 Log() 渲染文档，读 Tracker() 画协作者。
type Session struct {
	wsURL   string // 完整的 ws 地址（带 join token）
	log     *oplog.Log
	tracker *Tracker
	ctrl    *Controller

	// gorilla 的连接同一时刻只允许一个写入者；
	// Edit / 心跳 / 光标 / 重连补发可能并发，写之前必须拿这把锁
	writeMu sync.Mutex

	mu           sync.Mutex
	conn         *websocket.Conn
	connectionID string
	roomID       string
	// 从服务端看到的最新时钟（welcome/ack/resync/广播里取最大），
	// 重连后拿它做 operationsSince 的起点
	serverClock uint64
	lastError   string
	closed      bool
}

func NewSession(wsURL, clientID string, cfg ReconnectConfig) *Session {
	s := &Session{
		wsURL:   wsURL,
		log:     oplog.NewLog(clientID),
		tracker: NewTracker(0),
	}
	s.ctrl = NewController(cfg, s.dial, func(state State) {
		s.tracker.SetConnected(state == StateConnected)
	})
	return s
}

func (s *Session) Log() *oplog.Log   { return s.log }
func (s *Session) Tracker() *Tracker { return s.tracker }
func (s *Session) State() State      { return s.ctrl.State() }

func (s *Session) RoomID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

func (s *Session) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

// Connect 建立首次连接
func (s *Session) Connect(ctx context.Context) error {
	return s.ctrl.Connect(ctx)
}

// Reconnect 手动重连（failed 状态下用户点"重新连接"）
func (s *Session) Reconnect(ctx context.Context) error {
	return s.ctrl.Reconnect(ctx)
}

func (s *Session) Close() {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	s.ctrl.Stop()
	if conn != nil {
		_ = conn.Close()
	}
	s.tracker.SetConnected(false)
	s.tracker.SetCollaborating(false)
}

// dial 重建传输并完成双向追平。Controller 的每次（重）连接都走这里：
// 1. 拨号，等 welcome
// 2. 补发本地 pending 操作
// 3. 发 resync 拉取断线期间错过的操作
// 追平的两个方向都发出去之后重连才算完成。
func (s *Session) dial(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return err
	}

	// 第一帧必须是 welcome（或者 error：房间没了，不该再自动重试）
	var f serverFrame
	if err := conn.ReadJSON(&f); err != nil {
		_ = conn.Close()
		return err
	}
	if f.Type == ws.FrameError {
		_ = conn.Close()
		s.mu.Lock()
		s.lastError = f.Code
		s.mu.Unlock()
		return errors.New(f.Code)
	}
	if f.Type != ws.FrameWelcome {
		_ = conn.Close()
		return errors.New("unexpected first frame: " + f.Type)
	}

	s.mu.Lock()
	old := s.conn
	s.conn = conn
	s.connectionID = f.ConnectionID
	s.roomID = f.RoomID
	sinceClock := s.serverClock
	s.lastError = ""
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	s.tracker.SetConnected(true)
	s.tracker.SetCollaborating(true)

	go s.readLoop(conn)

	// 双向追平：先把断线期间本地攒下的操作补发出去
	for _, op := range s.tracker.PendingOperations() {
		op := op
		if err := s.writeFrame(conn, ws.ClientFrame{Type: ws.FrameOperation, Op: &op}); err != nil {
			return err
		}
	}
	// 再拉取自己错过的
	return s.writeFrame(conn, ws.ClientFrame{Type: ws.FrameResync, SinceClock: sinceClock})
}

func (s *Session) writeFrame(conn *websocket.Conn, frame ws.ClientFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Edit 由编辑器调用：把一次本地编辑记入日志并发给 relay。
// 掉线时操作留在 pending 里，重连后统一补发。
func (s *Session) Edit(kind oplog.Kind, blockID string, position *int, content string) oplog.Operation {
	op := s.log.Append(kind, blockID, position, content)
	s.tracker.MarkPending(op)

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil && s.ctrl.State() == StateConnected {
		if err := s.writeFrame(conn, ws.ClientFrame{Type: ws.FrameOperation, Op: &op}); err != nil {
			log.Printf("send operation failed, will flush on reconnect: %v", err)
		}
	}
	return op
}

// SendHeartbeat 刷新自己的 presence（由上层定时调用）
func (s *Session) SendHeartbeat() error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return s.writeFrame(conn, ws.ClientFrame{Type: ws.FrameHeartbeat})
}

// SendCursor 上报自己的光标位置
func (s *Session) SendCursor(blockID string, offset int) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return s.writeFrame(conn, ws.ClientFrame{Type: ws.FrameCursor, Cursor: &ws.Cursor{BlockID: blockID, Offset: offset}})
}

func (s *Session) bumpServerClock(clock uint64) {
	s.mu.Lock()
	if clock > s.serverClock {
		s.serverClock = clock
	}
	s.mu.Unlock()
}

func (s *Session) readLoop(conn *websocket.Conn) {
	for {
		var f serverFrame
		if err := conn.ReadJSON(&f); err != nil {
			s.mu.Lock()
			stale := conn != s.conn // 被新连接替换掉的旧 readLoop 直接退出
			closed := s.closed
			s.mu.Unlock()
			if stale || closed {
				return
			}
			s.tracker.SetConnected(false)
			s.ctrl.OnDisconnect()
			return
		}

		switch f.Type {
		case ws.FrameOperation:
			if f.Op != nil {
				s.log.Apply(*f.Op)
				s.tracker.Touch(f.Op.OriginClientID)
				s.bumpServerClock(f.Op.LogicalClock)
			}

		case ws.FrameOpAck:
			s.tracker.Ack(f.OpID)
			s.bumpServerClock(f.Clock)

		case ws.FrameResyncResult:
			for _, op := range f.Ops {
				s.log.Apply(op)
			}
			s.bumpServerClock(f.Clock)

		case ws.FramePresence:
			if len(f.Members) > 0 {
				s.tracker.UpdateMembers(f.Members)
			}
			if f.Cursor != nil {
				cursor := *f.Cursor
				if cursor.UserID == "" {
					cursor.UserID = f.UserID
				}
				s.tracker.UpdateCursor(cursor)
			}

		case ws.FrameWelcome:
			s.bumpServerClock(f.Clock)

		case ws.FrameError:
			s.mu.Lock()
			s.lastError = f.Code
			s.mu.Unlock()
			log.Printf("server error frame: %s %s", f.Code, f.Content)

		default:
			// 未知帧：忽略
		}
	}
}
