package ws

import (
	"encoding/json"
	"errors"
	"fmt"

	"noteCollab/backend/internal/oplog"
)

// 帧类型。welcome/presence/op_ack/resync_result 只出不进，
// cursor/heartbeat/resync 只进不出，operation 双向。
const (
	FrameWelcome      = "welcome"
	FrameOperation    = "operation"
	FrameOpAck        = "op_ack"
	FramePresence     = "presence"
	FrameCursor       = "cursor"
	FrameHeartbeat    = "heartbeat"
	FrameResync       = "resync"
	FrameResyncResult = "resync_result"
	FrameError        = "error"
)

var ErrMalformedFrame = errors.New("MALFORMED_FRAME")

// Cursor 是瞬时状态：每次更新整体覆盖，不留历史
type Cursor struct {
	UserID  string `json:"userId,omitempty"`
	BlockID string `json:"blockId"`
	Offset  int    `json:"offset"`
}

// ClientFrame 是入站帧的带标签联合：type 决定哪个字段有效，
// ParseClientFrame 在传输边界做校验，不合法的帧不会流到后面
type ClientFrame struct {
	Type       string           `json:"type"`
	Op         *oplog.Operation `json:"op,omitempty"`
	Cursor     *Cursor          `json:"cursor,omitempty"`
	SinceClock uint64           `json:"sinceClock,omitempty"`
}

// ParseClientFrame 解析并校验一帧。返回错误的帧直接丢弃（连接不受影响）。
func ParseClientFrame(data []byte) (ClientFrame, error) {
	var f ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return ClientFrame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	switch f.Type {
	case FrameOperation:
		if f.Op == nil || !f.Op.Valid() {
			return ClientFrame{}, fmt.Errorf("%w: invalid operation payload", ErrMalformedFrame)
		}
	case FrameCursor:
		if f.Cursor == nil || f.Cursor.BlockID == "" || f.Cursor.Offset < 0 {
			return ClientFrame{}, fmt.Errorf("%w: invalid cursor payload", ErrMalformedFrame)
		}
	case FrameHeartbeat, FrameResync:
		// 无额外载荷
	default:
		return ClientFrame{}, fmt.Errorf("%w: unknown frame type %q", ErrMalformedFrame, f.Type)
	}
	return f, nil
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func (m WelcomeMessage) MessageType() string      { return m.Type }
func (m OpBroadcastMessage) MessageType() string  { return m.Type }
func (m OpAckMessage) MessageType() string        { return m.Type }
func (m PresenceMessage) MessageType() string     { return m.Type }
func (m ResyncResultMessage) MessageType() string { return m.Type }
func (m ErrorMessage) MessageType() string        { return m.Type }

// WelcomeMessage 在连接建立后下发分配的 connectionId 和房间信息
type WelcomeMessage struct {
	Type         string `json:"type"` // 固定 "welcome"
	ConnectionID string `json:"connectionId"`
	RoomID       string `json:"roomId"`
	Clock        uint64 `json:"clock"` // 房间日志当前时钟，客户端以此判断要不要 resync
}

// OpBroadcastMessage 把一条已入日志的操作推给房间内其他连接
// （不回给发送者本人，发送者本地已经有了）
type OpBroadcastMessage struct {
	Type   string          `json:"type"` // 固定 "operation"
	RoomID string          `json:"roomId"`
	Op     oplog.Operation `json:"op"`
}

// OpAckMessage 回给发送者：操作已进入房间日志，可以从 pending 里清掉
type OpAckMessage struct {
	Type    string `json:"type"` // 固定 "op_ack"
	OpID    string `json:"opId"`
	Applied bool   `json:"applied"` // false 表示重复提交（同样可以清 pending）
	Clock   uint64 `json:"clock"`
}

type PresenceMember struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

type PresenceMessage struct {
	Type    string           `json:"type"` // 固定 "presence"
	RoomID  string           `json:"roomId"`
	Members []PresenceMember `json:"members,omitempty"`
	UserID  string           `json:"userId,omitempty"`
	Cursor  *Cursor          `json:"cursor,omitempty"`
}

type ResyncResultMessage struct {
	Type  string            `json:"type"` // 固定 "resync_result"
	Ops   []oplog.Operation `json:"ops"`
	Clock uint64            `json:"clock"`
}

type ErrorMessage struct {
	Type    string `json:"type"` // 固定 "error"
	Code    string `json:"code"`
	Content string `json:"content,omitempty"`
}
