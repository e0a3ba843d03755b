package reply

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

func TestDedup_EmptyIDSkipped(t *testing.T) {
	d := NewDedup(10)
	d.Record("")
	if d.Seen("") {
		t.Fatal("empty id must never be seen")
	}
	if dup, _ := d.CheckAndRecord(context.Background(), ""); dup {
		t.Fatal("empty id must never be a duplicate")
	}
	if d.Len() != 0 {
		t.Fatalf("expected empty guard, got %d", d.Len())
	}
}

func TestDedup_CheckAndRecord(t *testing.T) {
	d := NewDedup(10)
	ctx := context.Background()
	if dup, _ := d.CheckAndRecord(ctx, "A1"); dup {
		t.Fatal("first delivery reported as duplicate")
	}
	for i := 0; i < 3; i++ {
		if dup, _ := d.CheckAndRecord(ctx, "A1"); !dup {
			t.Fatalf("redelivery %d not detected", i)
		}
	}
}

func TestDedup_EvictsOldestHalf(t *testing.T) {
	const capacity = 1000
	d := NewDedup(capacity)
	for i := 1; i <= capacity+1; i++ {
		d.Record(fmt.Sprintf("id-%d", i))
		if d.Len() > capacity {
			t.Fatalf("size %d exceeds capacity after insert %d", d.Len(), i)
		}
	}
	if !d.Seen(fmt.Sprintf("id-%d", capacity+1)) {
		t.Fatal("newest id must be present")
	}
	if d.Seen("id-1") {
		t.Fatal("oldest id must be evicted")
	}
	// oldest half (ids 1..500) dropped as a batch
	if d.Seen("id-500") || !d.Seen("id-501") {
		t.Fatal("eviction boundary not at the oldest half")
	}
	if d.Len() != capacity+1-capacity/2 {
		t.Fatalf("unexpected size %d", d.Len())
	}
}

func TestDedup_SmallCapacityStaysBounded(t *testing.T) {
	for _, capacity := range []int{1, 2, 3} {
		t.Run(fmt.Sprintf("capacity=%d", capacity), func(t *testing.T) {
			d := NewDedup(capacity)
			for i := 1; i <= 10; i++ {
				id := fmt.Sprintf("id-%d", i)
				if dup, _ := d.CheckAndRecord(context.Background(), id); dup {
					t.Fatalf("fresh id %s reported as duplicate", id)
				}
				if d.Len() > capacity {
					t.Fatalf("size %d exceeds capacity %d after insert %d", d.Len(), capacity, i)
				}
				if !d.Seen(id) {
					t.Fatalf("newest id %s must be present", id)
				}
			}
		})
	}
}

func TestDedup_ConcurrentSingleWinner(t *testing.T) {
	d := NewDedup(100)
	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if dup, _ := d.CheckAndRecord(context.Background(), "M"); !dup {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	if winners.Load() != 1 {
		t.Fatalf("expected exactly one first delivery, got %d", winners.Load())
	}
}
