package oplog

import (
	"sort"
	"sync"
	"time"
)

// Log 是单个文档同步会话的操作日志。
// 一个会话（一个客户端 + 一个文档）独占一个 Log，不跨文档共享。
// Append 和 Apply 可能同时来自用户编辑路径和网络入站路径，
// 内部只做幂等的集合插入 + clock 取最大值，用一把锁就足够安全。
type Log struct {
	mu       sync.RWMutex
	clientID string
	clock    uint64
	// id -> Operation，插入顺序无关，唯一性由 id 保证
	operations map[string]Operation
}

// Snapshot 是日志的完整可序列化状态，用于传输或重新同步
type Snapshot struct {
	Clock      uint64      `json:"clock"`
	Operations []Operation `json:"operations"`
}

func NewLog(clientID string) *Log {
	return &Log{
		clientID:   clientID,
		operations: make(map[string]Operation),
	}
}

func (l *Log) ClientID() string {
	return l.clientID
}

func (l *Log) Clock() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.clock
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.operations)
}

// Append 创建一条本地操作：分配新 ID，clock+1 同时作为新的 clock 和操作的 logicalClock
func (l *Log) Append(kind Kind, blockID string, position *int, content string) Operation {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.clock++
	op := Operation{
		ID:             NewOperationID(),
		Kind:           kind,
		BlockID:        blockID,
		Position:       position,
		Content:        content,
		OriginClientID: l.clientID,
		LogicalClock:   l.clock,
		Timestamp:      time.Now(),
	}
	l.operations[op.ID] = op
	return op
}

// Apply 接收一条（本地或远端的）操作。
// 重复 ID 直接当 no-op 返回 false —— 传输层乱序、重发都不会破坏状态。
func (l *Log) Apply(op Operation) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.applyLocked(op)
}

func (l *Log) applyLocked(op Operation) bool {
	if _, ok := l.operations[op.ID]; ok {
		return false
	}
	l.operations[op.ID] = op
	if op.LogicalClock > l.clock {
		l.clock = op.LogicalClock
	}
	return true
}

// OperationsOrdered 按全序返回全部操作（见 Operation.Less）
func (l *Log) OperationsOrdered() []Operation {
	l.mu.RLock()
	ops := make([]Operation, 0, len(l.operations))
	for _, op := range l.operations {
		ops = append(ops, op)
	}
	l.mu.RUnlock()

	sort.Slice(ops, func(i, j int) bool { return ops[i].Less(ops[j]) })
	return ops
}

// OperationsForBlock 返回指定块的操作，顺序与 OperationsOrdered 一致
func (l *Log) OperationsForBlock(blockID string) []Operation {
	all := l.OperationsOrdered()
	out := make([]Operation, 0, len(all))
	for _, op := range all {
		if op.BlockID == blockID {
			out = append(out, op)
		}
	}
	return out
}

// OperationsSince 返回 logicalClock > clock 的全部操作，用于重连后的追平
func (l *Log) OperationsSince(clock uint64) []Operation {
	all := l.OperationsOrdered()
	out := make([]Operation, 0, len(all))
	for _, op := range all {
		if op.LogicalClock > clock {
			out = append(out, op)
		}
	}
	return out
}

func (l *Log) Snapshot() Snapshot {
	return Snapshot{
		Clock:      l.Clock(),
		Operations: l.OperationsOrdered(),
	}
}

// Restore 通过 Apply 逐条回放快照（保持幂等），不直接覆盖内部状态
func (l *Log) Restore(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, op := range s.Operations {
		l.applyLocked(op)
	}
	if s.Clock > l.clock {
		l.clock = s.Clock
	}
}

// Merge 把另一个日志的全部操作合并进来，同样走 Apply 的幂等路径
func (l *Log) Merge(other *Log) {
	for _, op := range other.OperationsOrdered() {
		l.Apply(op)
	}
}
