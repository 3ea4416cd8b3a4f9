package collab

import (
	"context"
	"errors"
	"sync"

	"noteCollab/backend/internal/oplog"
)

var ErrRoomNotFound = errors.New("ROOM_NOT_FOUND")

// Service 是 Relay 侧的同步引擎：为每个房间维护一份操作日志，
// 供重连客户端做 operationsSince 追平。日志只存内存，房间清扫时一起丢弃。
type Service interface {
	// Submit 把一条操作记入房间日志。重复操作返回 applied=false（幂等，不算错误）。
	Submit(ctx context.Context, roomID string, op oplog.Operation) (applied bool, clock uint64, err error)

	// OperationsSince 返回 logicalClock > sinceClock 的全部操作，按全序排列
	OperationsSince(ctx context.Context, roomID string, sinceClock uint64) ([]oplog.Operation, error)

	CurrentClock(ctx context.Context, roomID string) (uint64, error)

	// DropRoom 在房间被清扫时释放对应的日志
	DropRoom(roomID string)
}

// 内存实现：持有所有房间的日志
type InMemoryService struct {
	mu   sync.RWMutex
	logs map[string]*oplog.Log

	// 依赖注入，可为 nil（没配 Kafka 时跳过事件分发）
	dispatcher *KafkaDispatcher
}

func NewInMemoryService(dispatcher *KafkaDispatcher) *InMemoryService {
	return &InMemoryService{
		logs:       make(map[string]*oplog.Log),
		dispatcher: dispatcher,
	}
}

// 获取或创建指定房间的日志。服务端不产生本地操作，clientID 留空。
func (s *InMemoryService) getOrCreateLog(roomID string) *oplog.Log {
	s.mu.RLock()
	l := s.logs[roomID]
	s.mu.RUnlock()
	if l != nil {
		return l
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l = s.logs[roomID]; l == nil {
		l = oplog.NewLog("")
		s.logs[roomID] = l
	}
	return l
}

func (s *InMemoryService) Submit(ctx context.Context, roomID string, op oplog.Operation) (bool, uint64, error) {
	l := s.getOrCreateLog(roomID)
	applied := l.Apply(op)

	// 只有首次应用才往 Kafka 发事件，重复提交不会产生重复事件
	if applied && s.dispatcher != nil {
		if err := s.dispatcher.Enqueue(ctx, RoomOpEvent{
			EventType:    "OP_APPLIED",
			RoomID:       roomID,
			OperationID:  op.ID,
			OriginClient: op.OriginClientID,
			LogicalClock: op.LogicalClock,
			Op:           op,
			AppliedAt:    op.Timestamp,
		}); err != nil {
			// Kafka 不要求强一致性，入队失败只记录，不影响广播
			logDroppedEvent(roomID, op.ID, err)
		}
	}
	return applied, l.Clock(), nil
}

func (s *InMemoryService) OperationsSince(ctx context.Context, roomID string, sinceClock uint64) ([]oplog.Operation, error) {
	s.mu.RLock()
	l := s.logs[roomID]
	s.mu.RUnlock()
	if l == nil {
		return nil, ErrRoomNotFound
	}
	return l.OperationsSince(sinceClock), nil
}

func (s *InMemoryService) CurrentClock(ctx context.Context, roomID string) (uint64, error) {
	s.mu.RLock()
	l := s.logs[roomID]
	s.mu.RUnlock()
	if l == nil {
		return 0, nil
	}
	return l.Clock(), nil
}

func (s *InMemoryService) DropRoom(roomID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.logs, roomID)
}
