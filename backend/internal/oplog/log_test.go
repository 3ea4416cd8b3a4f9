package oplog

import (
	"testing"
	"time"
)

func intp(v int) *int { return &v }

func makeOp(id, clientID string, clock uint64, ts time.Time) Operation {
	return Operation{
		ID:             id,
		Kind:           KindInsert,
		BlockID:        "block1",
		Position:       intp(0),
		Content:        "x",
		OriginClientID: clientID,
		LogicalClock:   clock,
		Timestamp:      ts,
	}
}

func TestLog_AppendAdvancesClock(t *testing.T) {
	l := NewLog("client-a")

	op1 := l.Append(KindInsert, "block1", intp(0), "hi")
	if op1.LogicalClock != 1 {
		t.Fatalf("LogicalClock = %d, want 1", op1.LogicalClock)
	}
	if l.Clock() != 1 {
		t.Fatalf("Clock() = %d, want 1", l.Clock())
	}

	op2 := l.Append(KindUpdate, "block1", nil, "hello")
	if op2.LogicalClock != 2 {
		t.Fatalf("LogicalClock = %d, want 2", op2.LogicalClock)
	}
	if op1.ID == op2.ID {
		t.Fatalf("两次 Append 生成了相同的 ID: %s", op1.ID)
	}
}

// 全序确定性：同一批操作不管按什么顺序 Apply，排序结果必须一致
func TestLog_OrderedDeterministic(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	ops := []Operation{
		makeOp("op-1", "client-b", 2, base.Add(time.Second)),
		makeOp("op-2", "client-a", 1, base),
		makeOp("op-3", "client-a", 2, base.Add(time.Second)), // 与 op-1 同 clock 同时间戳，按 clientId 决胜
		makeOp("op-4", "client-c", 1, base.Add(2*time.Second)),
	}

	l1 := NewLog("client-a")
	for _, op := range ops {
		l1.Apply(op)
	}

	// 逆序再来一遍
	l2 := NewLog("client-b")
	for i := len(ops) - 1; i >= 0; i-- {
		l2.Apply(ops[i])
	}

	got1 := l1.OperationsOrdered()
	got2 := l2.OperationsOrdered()
	if len(got1) != len(ops) || len(got2) != len(ops) {
		t.Fatalf("len = %d / %d, want %d", len(got1), len(got2), len(ops))
	}
	for i := range got1 {
		if got1[i].ID != got2[i].ID {
			t.Fatalf("位置 %d 顺序不一致: %s vs %s", i, got1[i].ID, got2[i].ID)
		}
	}

	want := []string{"op-2", "op-4", "op-3", "op-1"}
	for i, id := range want {
		if got1[i].ID != id {
			t.Fatalf("位置 %d = %s, want %s", i, got1[i].ID, id)
		}
	}
}

func TestLog_ApplyIdempotent(t *testing.T) {
	l := NewLog("client-a")
	op := makeOp("op-1", "client-b", 3, time.Now())

	if !l.Apply(op) {
		t.Fatalf("第一次 Apply 应返回 true")
	}
	if l.Apply(op) {
		t.Fatalf("重复 Apply 应返回 false")
	}
	if l.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", l.Len())
	}
	if l.Clock() != 3 {
		t.Fatalf("Clock() = %d, want 3", l.Clock())
	}
}

// clock 单调性：任何 Apply 序列之后，clock >= 所有已存操作的 logicalClock
func TestLog_ClockMonotonic(t *testing.T) {
	l := NewLog("client-a")
	l.Apply(makeOp("op-1", "client-b", 7, time.Now()))
	l.Apply(makeOp("op-2", "client-c", 2, time.Now()))
	l.Apply(makeOp("op-3", "client-b", 5, time.Now()))

	if l.Clock() != 7 {
		t.Fatalf("Clock() = %d, want 7", l.Clock())
	}
	for _, op := range l.OperationsOrdered() {
		if op.LogicalClock > l.Clock() {
			t.Fatalf("clock %d 小于操作 %s 的 logicalClock %d", l.Clock(), op.ID, op.LogicalClock)
		}
	}
}

func TestLog_SnapshotRestoreRoundTrip(t *testing.T) {
	l := NewLog("client-a")
	l.Append(KindInsert, "block1", intp(0), "hello")
	l.Append(KindInsert, "block2", intp(5), "world")
	l.Apply(makeOp("op-r", "client-b", 9, time.Now()))

	snap := l.Snapshot()

	restored := NewLog("client-x")
	restored.Restore(snap)

	if restored.Clock() != l.Clock() {
		t.Fatalf("Clock() = %d, want %d", restored.Clock(), l.Clock())
	}
	a, b := l.OperationsOrdered(), restored.OperationsOrdered()
	if len(a) != len(b) {
		t.Fatalf("len = %d, want %d", len(b), len(a))
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			t.Fatalf("位置 %d: %s vs %s", i, a[i].ID, b[i].ID)
		}
	}

	// 再 Restore 一次也不会重复
	restored.Restore(snap)
	if restored.Len() != l.Len() {
		t.Fatalf("重复 Restore 后 Len() = %d, want %d", restored.Len(), l.Len())
	}
}

func TestLog_OperationsSince(t *testing.T) {
	base := time.Now()
	l := NewLog("client-a")
	l.Apply(makeOp("op-1", "client-b", 1, base))
	l.Apply(makeOp("op-2", "client-b", 2, base.Add(time.Second)))
	l.Apply(makeOp("op-3", "client-c", 3, base.Add(2*time.Second)))

	got := l.OperationsSince(1)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "op-2" || got[1].ID != "op-3" {
		t.Fatalf("got %s, %s, want op-2, op-3", got[0].ID, got[1].ID)
	}

	if n := len(l.OperationsSince(3)); n != 0 {
		t.Fatalf("OperationsSince(3) len = %d, want 0", n)
	}
}

func TestLog_OperationsForBlock(t *testing.T) {
	l := NewLog("client-a")
	l.Append(KindInsert, "block1", intp(0), "a")
	l.Append(KindInsert, "block2", intp(0), "b")
	l.Append(KindDelete, "block1", intp(0), "")

	got := l.OperationsForBlock("block1")
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	for _, op := range got {
		if op.BlockID != "block1" {
			t.Fatalf("BlockID = %s, want block1", op.BlockID)
		}
	}
	if got[0].LogicalClock > got[1].LogicalClock {
		t.Fatalf("块内顺序应与全序一致")
	}
}

func TestLog_Merge(t *testing.T) {
	a := NewLog("client-a")
	a.Append(KindInsert, "block1", intp(0), "from-a")

	b := NewLog("client-b")
	b.Append(KindInsert, "block1", intp(0), "from-b")
	b.Merge(a)

	if b.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", b.Len())
	}
	// 重复 Merge 幂等
	b.Merge(a)
	if b.Len() != 2 {
		t.Fatalf("重复 Merge 后 Len() = %d, want 2", b.Len())
	}
}

func TestOperation_Valid(t *testing.T) {
	ok := makeOp("op-1", "client-a", 1, time.Now())
	if !ok.Valid() {
		t.Fatalf("合法 insert 操作被判为无效")
	}

	noPos := ok
	noPos.Position = nil
	if noPos.Valid() {
		t.Fatalf("缺 position 的 insert 应无效")
	}

	upd := ok
	upd.Kind = KindUpdate
	upd.Position = nil
	if !upd.Valid() {
		t.Fatalf("update 不需要 position")
	}

	bad := ok
	bad.Kind = Kind("rename")
	if bad.Valid() {
		t.Fatalf("未知 kind 应无效")
	}

	anon := ok
	anon.OriginClientID = ""
	if anon.Valid() {
		t.Fatalf("缺 originClientId 应无效")
	}
}
