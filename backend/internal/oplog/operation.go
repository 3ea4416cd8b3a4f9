package oplog

import (
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
	KindUpdate Kind = "update"
)

// Operation 是一条不可变的编辑记录。创建之后不会再修改，ID 是去重键。
// Position 只对 insert/delete 有意义（块内偏移量），update 时为 nil。
type Operation struct {
	ID             string    `json:"id"`
	Kind           Kind      `json:"kind"`
	BlockID        string    `json:"blockId"`
	Position       *int      `json:"position,omitempty"`
	Content        string    `json:"content,omitempty"`
	OriginClientID string    `json:"originClientId"`
	// 每个客户端自己的单调递增序号，只用来做确定性排序，不表达因果关系
	LogicalClock uint64    `json:"logicalClock"`
	Timestamp    time.Time `json:"timestamp"`
}

// NewOperationID 在客户端生成全局唯一 ID，跨客户端不会冲突
func NewOperationID() string {
	return uuid.NewString()
}

// Valid 在传输边界做校验：insert/delete 必须带 position，update 不需要
func (op Operation) Valid() bool {
	if op.ID == "" || op.BlockID == "" || op.OriginClientID == "" {
		return false
	}
	switch op.Kind {
	case KindInsert, KindDelete:
		return op.Position != nil && *op.Position >= 0
	case KindUpdate:
		return true
	default:
		return false
	}
}

// Less 定义全序：logicalClock 升序 → 时间戳升序 → originClientId 字典序。
// 所有副本拿到同一批操作后排序结果必须一致，这是整个同步协议的正确性基础。
func (op Operation) Less(other Operation) bool {
	if op.LogicalClock != other.LogicalClock {
		return op.LogicalClock < other.LogicalClock
	}
	if !op.Timestamp.Equal(other.Timestamp) {
		return op.Timestamp.Before(other.Timestamp)
	}
	return op.OriginClientID < other.OriginClientID
}
