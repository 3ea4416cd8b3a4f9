package collab

import (
	"time"

	"noteCollab/backend/internal/oplog"
)

// RoomOpEvent 是发往 Kafka 的"操作已应用"事件，
// 供其他 Relay 实例或离线消费方（索引、审计）订阅
type RoomOpEvent struct {
	EventType    string          `json:"eventType"` // 固定 "OP_APPLIED"
	RoomID       string          `json:"roomId"`
	OperationID  string          `json:"operationId"`
	OriginClient string          `json:"originClientId"`
	LogicalClock uint64          `json:"logicalClock"`
	Op           oplog.Operation `json:"op"`
	AppliedAt    time.Time       `json:"appliedAt"`
}
