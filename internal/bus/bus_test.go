package bus

import (
	"context"
	"testing"
	"time"
)

func TestPublishDeliversInOrder(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(SubjectToolStarted, 4)
	defer unsub()

	ctx := context.Background()
	b.Publish(ctx, "t1", SubjectToolStarted, "a")
	b.Publish(ctx, "t1", SubjectToolStarted, "b")
	b.Publish(ctx, "t1", SubjectToolStarted, "c")

	for _, want := range []string{"a", "b", "c"} {
		select {
		case evt := <-ch:
			if evt.Payload != want {
				t.Fatalf("expected %v, got %v", want, evt.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestCoalescableSubjectDropsUnderBackpressure(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(SubjectTurnProgress, 1)
	defer unsub()

	ctx := context.Background()
	for i := 0; i < 10; i++ {
		b.Publish(ctx, "t1", SubjectTurnProgress, i)
	}

	// Only the most recent value should be observable; earlier ones were
	// dropped rather than blocking the publisher.
	select {
	case evt := <-ch:
		if evt.Payload != 9 {
			t.Fatalf("expected last published value to survive, got %v", evt.Payload)
		}
	default:
		t.Fatal("expected at least one coalesced event to be delivered")
	}
}

func TestNonCoalescableSubjectNeverDrops(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(SubjectTurnCompleted, 1)
	defer unsub()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		b.Publish(context.Background(), "t1", SubjectTurnCompleted, 1)
		b.Publish(ctx, "t1", SubjectTurnCompleted, 2) // blocks until ctx expires or drained
		close(done)
	}()

	// Drain the first event so the second publish can proceed without
	// waiting for ctx to expire.
	<-ch
	<-ch
	<-done
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(SubjectToolFinished, 1)
	unsub()

	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed after unsubscribe")
	}
}
