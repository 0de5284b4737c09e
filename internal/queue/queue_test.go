package queue

import (
	"errors"
	"testing"
)

func TestHighPriorityBypassesNormalQueue(t *testing.T) {
	q := New()
	const tid = "lace_20260730_aaaaaa"
	q.Enqueue(tid, Item{Content: "normal-1", Priority: Normal})
	q.Enqueue(tid, Item{Content: "normal-2", Priority: Normal})
	q.Enqueue(tid, Item{Content: "urgent", Priority: High})

	item, ok := q.Next(tid)
	if !ok || item.Content != "urgent" {
		t.Fatalf("expected high priority item first, got %+v", item)
	}
	item, ok = q.Next(tid)
	if !ok || item.Content != "normal-1" {
		t.Fatalf("expected normal-1 next, got %+v", item)
	}
}

func TestWithinClassOrderIsPreserved(t *testing.T) {
	q := New()
	const tid = "lace_20260730_bbbbbb"
	q.Enqueue(tid, Item{Content: "h1", Priority: High})
	q.Enqueue(tid, Item{Content: "h2", Priority: High})

	first, _ := q.Next(tid)
	second, _ := q.Next(tid)
	if first.Content != "h1" || second.Content != "h2" {
		t.Fatalf("expected FIFO order within a priority class, got %s then %s", first.Content, second.Content)
	}
}

func TestNextOnEmptyQueueReturnsFalse(t *testing.T) {
	q := New()
	if _, ok := q.Next("lace_20260730_cccccc"); ok {
		t.Fatal("expected false for an empty queue")
	}
}

func TestDropOldestOnOverflow(t *testing.T) {
	q := New()
	const tid = "lace_20260730_dddddd"
	q.SetSettings(tid, Settings{MaxItems: 2, DropPolicy: DropOldest})
	q.Enqueue(tid, Item{Content: "1", Priority: Normal})
	q.Enqueue(tid, Item{Content: "2", Priority: Normal})
	q.Enqueue(tid, Item{Content: "3", Priority: Normal})

	if q.Size(tid) != 2 {
		t.Fatalf("expected size capped at 2, got %d", q.Size(tid))
	}
	item, _ := q.Next(tid)
	if item.Content != "2" {
		t.Fatalf("expected oldest item dropped, front should be '2', got %s", item.Content)
	}
}

func TestDropNewestOnOverflow(t *testing.T) {
	q := New()
	const tid = "lace_20260730_eeeeee"
	q.SetSettings(tid, Settings{MaxItems: 1, DropPolicy: DropNewest})
	q.Enqueue(tid, Item{Content: "1", Priority: Normal})
	q.Enqueue(tid, Item{Content: "2", Priority: Normal})

	item, _ := q.Next(tid)
	if item.Content != "1" {
		t.Fatalf("expected the original item to survive, got %s", item.Content)
	}
}

func TestAdmitBypassesQueueWhenIdle(t *testing.T) {
	q := New()
	const tid = "lace_20260730_ffffff"

	dispatchNow, err := q.Admit(tid, true, Item{Content: "hi", Priority: Normal}, false)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if !dispatchNow {
		t.Fatal("expected an idle engine to dispatch immediately")
	}
	if q.Size(tid) != 0 {
		t.Fatalf("expected nothing enqueued on the idle-bypass path, got size %d", q.Size(tid))
	}
}

func TestAdmitEnqueuesWhenBusyAndOptedIn(t *testing.T) {
	q := New()
	const tid = "lace_20260730_gggggg"

	dispatchNow, err := q.Admit(tid, false, Item{Content: "hi", Priority: Normal}, true)
	if err != nil {
		t.Fatalf("Admit: %v", err)
	}
	if dispatchNow {
		t.Fatal("expected a busy engine not to dispatch immediately")
	}
	stats := q.GetQueueStats(tid)
	if stats.QueueLength != 1 {
		t.Fatalf("expected the message to be enqueued, got queue length %d", stats.QueueLength)
	}
}

func TestAdmitRejectsWhenBusyAndNotOptedIn(t *testing.T) {
	q := New()
	const tid = "lace_20260730_hhhhhh"

	dispatchNow, err := q.Admit(tid, false, Item{Content: "hi", Priority: Normal}, false)
	if dispatchNow {
		t.Fatal("expected a busy, non-opted-in submission not to dispatch")
	}
	if !errors.Is(err, ErrBusyRejected) {
		t.Fatalf("expected ErrBusyRejected, got %v", err)
	}
	if q.Size(tid) != 0 {
		t.Fatalf("expected a rejected message not to be enqueued, got size %d", q.Size(tid))
	}
}

func TestGetQueueStatsCountsHighPrioritySeparately(t *testing.T) {
	q := New()
	const tid = "lace_20260730_iiiiii"
	q.Enqueue(tid, Item{Content: "n1", Priority: Normal})
	q.Enqueue(tid, Item{Content: "h1", Priority: High})
	q.Enqueue(tid, Item{Content: "h2", Priority: High})

	stats := q.GetQueueStats(tid)
	if stats.QueueLength != 3 {
		t.Fatalf("expected queue length 3, got %d", stats.QueueLength)
	}
	if stats.HighPriorityCount != 2 {
		t.Fatalf("expected high priority count 2, got %d", stats.HighPriorityCount)
	}
}
