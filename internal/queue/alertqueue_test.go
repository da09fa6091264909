package queue

import (
	"context"
	"testing"
	"time"

	"github.com/sawpanic/liquidwatch/internal/domain"
)

func sig(symbol string) domain.TradingSignal {
	return domain.TradingSignal{Symbol: symbol}
}

func TestGetReturnsHighestPriorityFirst(t *testing.T) {
	q := NewQueue(10)
	q.Put(sig("LOW"), 3, 3)
	q.Put(sig("HIGH"), 1, 3)
	q.Put(sig("MID"), 2, 3)

	item, ok := q.Get(0)
	if !ok || item.Signal.Symbol != "HIGH" {
		t.Fatalf("expected HIGH (priority 1) first, got %+v, ok=%v", item, ok)
	}
	item, _ = q.Get(0)
	if item.Signal.Symbol != "MID" {
		t.Errorf("expected MID (priority 2) second, got %+v", item)
	}
	item, _ = q.Get(0)
	if item.Signal.Symbol != "LOW" {
		t.Errorf("expected LOW (priority 3) third, got %+v", item)
	}
}

func TestGetIsFIFOWithinSamePriority(t *testing.T) {
	q := NewQueue(10)
	q.Put(sig("FIRST"), 1, 3)
	q.Put(sig("SECOND"), 1, 3)

	item, _ := q.Get(0)
	if item.Signal.Symbol != "FIRST" {
		t.Errorf("expected FIRST enqueued to dequeue first, got %+v", item)
	}
	item, _ = q.Get(0)
	if item.Signal.Symbol != "SECOND" {
		t.Errorf("expected SECOND enqueued to dequeue second, got %+v", item)
	}
}

func TestGetEmptyTimesOutReturnsFalse(t *testing.T) {
	q := NewQueue(10)
	_, ok := q.Get(10 * time.Millisecond)
	if ok {
		t.Error("expected Get on an empty queue to time out and return false")
	}
}

func TestPutFullReturnsErrQueueFullAfterTimeout(t *testing.T) {
	q := NewQueue(1)
	if err := q.Put(sig("A"), 1, 3); err != nil {
		t.Fatalf("expected the first Put to succeed, got %v", err)
	}
	start := time.Now()
	err := q.Put(sig("B"), 1, 3)
	if err != ErrQueueFull {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 900*time.Millisecond {
		t.Errorf("expected Put to wait near the 1s deadline before giving up, only waited %v", elapsed)
	}
	dropped, _ := q.Stats()
	if dropped != 1 {
		t.Errorf("expected 1 dropped-full count, got %d", dropped)
	}
}

func TestPutUnblocksWhenRoomFreesUp(t *testing.T) {
	q := NewQueue(1)
	q.Put(sig("A"), 1, 3)

	done := make(chan error, 1)
	go func() { done <- q.Put(sig("B"), 1, 3) }()

	time.Sleep(20 * time.Millisecond)
	q.Get(0) // frees a slot

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected the blocked Put to succeed once a slot freed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the blocked Put to unblock once a slot freed")
	}
}

func TestRetryRequeuesWithDemotedPriority(t *testing.T) {
	q := NewQueue(10)
	q.Put(sig("A"), 1, 3)
	item, _ := q.Get(0)

	if err := q.Retry(context.Background(), item); err != nil {
		t.Fatalf("expected Retry to succeed, got %v", err)
	}
	requeued, ok := q.Get(0)
	if !ok {
		t.Fatal("expected the retried item to be requeued")
	}
	if requeued.Priority != 2 {
		t.Errorf("expected priority demoted from 1 to 2, got %d", requeued.Priority)
	}
	if requeued.RetryCount != 1 {
		t.Errorf("expected retry count incremented to 1, got %d", requeued.RetryCount)
	}
}

func TestRetryDemotionCapsAtMinPriority(t *testing.T) {
	q := NewQueue(10)
	q.Put(sig("A"), 3, 5)
	item, _ := q.Get(0)

	q.Retry(context.Background(), item)
	requeued, _ := q.Get(0)
	if requeued.Priority != minPriority {
		t.Errorf("expected priority capped at minPriority=%d, got %d", minPriority, requeued.Priority)
	}
}

func TestRetryDropsAfterMaxRetries(t *testing.T) {
	q := NewQueue(10)
	item := &Item{Signal: sig("A"), Priority: 1, RetryCount: 3, MaxRetries: 3}

	if err := q.Retry(context.Background(), item); err != nil {
		t.Fatalf("expected Retry to return nil once MaxRetries is reached, got %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("expected the item to be dropped rather than requeued, queue len=%d", q.Len())
	}
	_, droppedRetries := q.Stats()
	if droppedRetries != 1 {
		t.Errorf("expected 1 dropped-retry count, got %d", droppedRetries)
	}
}
