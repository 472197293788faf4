package midirouter

import "testing"

func TestQueuePushPopFIFOOrder(t *testing.T) {
	q := newWorkQueue(4)
	closed := false
	q.push(forwardJob{srcDev: 1})
	q.push(forwardJob{srcDev: 2})
	q.push(forwardJob{srcDev: 3})

	first, ok := q.pop(&closed)
	if !ok || first.srcDev != 1 {
		t.Fatalf("expected first job srcDev=1, got %+v ok=%v", first, ok)
	}
	second, ok := q.pop(&closed)
	if !ok || second.srcDev != 2 {
		t.Fatalf("expected second job srcDev=2, got %+v ok=%v", second, ok)
	}
}

func TestQueueOverflowDropsOldest(t *testing.T) {
	q := newWorkQueue(2)
	q.push(forwardJob{srcDev: 1})
	q.push(forwardJob{srcDev: 2})
	droppedThird := q.push(forwardJob{srcDev: 3})

	if !droppedThird {
		t.Fatal("expected pushing a 3rd job into a 2-capacity queue to report a drop")
	}
	if got := q.droppedCount(); got != 1 {
		t.Fatalf("droppedCount() = %d, want 1", got)
	}
	if got := q.len(); got != 2 {
		t.Fatalf("len() = %d, want 2 (at capacity)", got)
	}

	closed := false
	first, _ := q.pop(&closed)
	if first.srcDev != 2 {
		t.Fatalf("expected oldest (srcDev=1) to have been dropped, leaving srcDev=2 first, got %+v", first)
	}
}

func TestQueuePopUnblocksOnClose(t *testing.T) {
	q := newWorkQueue(4)
	closed := false

	done := make(chan struct{})
	go func() {
		_, ok := q.pop(&closed)
		if ok {
			t.Error("expected pop to return ok=false after close")
		}
		close(done)
	}()

	q.mu.Lock()
	closed = true
	q.mu.Unlock()
	q.wake()
	<-done
}
