package collab

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
)

// 只实现 SendMessage，其他方法用不到
type fakeProducer struct {
	sarama.SyncProducer
	mu   sync.Mutex
	msgs []*sarama.ProducerMessage
	fail int // 前 fail 次调用返回错误
}

func (f *fakeProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return 0, 0, sarama.ErrOutOfBrokers
	}
	f.msgs = append(f.msgs, msg)
	return 0, int64(len(f.msgs)), nil
}

func (f *fakeProducer) sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("条件在超时前未满足")
}

func TestKafkaDispatcher_SendsEvent(t *testing.T) {
	p := &fakeProducer{}
	d := NewKafkaDispatcher(p, "room-ops", nil, KafkaDispatcherOptions{
		QueueSize: 16, Workers: 2, MaxRetry: 1,
		BaseBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond,
	})

	evt := RoomOpEvent{EventType: "OP_APPLIED", RoomID: "room-1", OperationID: "op-1", Op: testOp("op-1", 1)}
	if err := d.Enqueue(context.Background(), evt); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}

	waitFor(t, func() bool { return p.sent() == 1 })

	p.mu.Lock()
	msg := p.msgs[0]
	p.mu.Unlock()

	key, _ := msg.Key.Encode()
	if string(key) != "room-1" {
		t.Fatalf("key = %s, want room-1（按房间分区）", key)
	}
	raw, _ := msg.Value.Encode()
	var got RoomOpEvent
	if err := json.Unmarshal(raw, &got); err != nil {
		t.Fatalf("事件不是合法 JSON: %v", err)
	}
	if got.OperationID != "op-1" || got.RoomID != "room-1" {
		t.Fatalf("event = %+v", got)
	}
}

func TestKafkaDispatcher_RetriesThenSucceeds(t *testing.T) {
	p := &fakeProducer{fail: 2}
	d := NewKafkaDispatcher(p, "room-ops", NewSemaphoreControl(), KafkaDispatcherOptions{
		QueueSize: 4, Workers: 1, MaxRetry: 3,
		BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond,
	})

	if err := d.Enqueue(context.Background(), RoomOpEvent{RoomID: "room-1", OperationID: "op-1"}); err != nil {
		t.Fatalf("Enqueue error: %v", err)
	}
	// 前两次失败，第三次成功
	waitFor(t, func() bool { return p.sent() == 1 })
}

func TestKafkaDispatcher_EnqueueTimeout(t *testing.T) {
	// 不启动 worker（Workers: 0），队列塞满后 Enqueue 必须尊重 ctx
	d := &KafkaDispatcher{queue: make(chan RoomOpEvent, 1)}
	_ = d.Enqueue(context.Background(), RoomOpEvent{OperationID: "op-1"})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := d.Enqueue(ctx, RoomOpEvent{OperationID: "op-2"}); err == nil {
		t.Fatalf("队列满时 Enqueue 应在 ctx 超时后返回错误")
	}
}
