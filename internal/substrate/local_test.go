package substrate

import (
	"context"
	"sync"
	"testing"
)

func TestLocalBarrierReleasesAllRanks(t *testing.T) {
	const n = 5
	group := NewLocalGroup(n)

	var wg sync.WaitGroup
	wg.Add(n)
	for _, c := range group {
		c := c
		go func() {
			defer wg.Done()
			if err := c.Barrier(context.Background()); err != nil {
				t.Errorf("barrier: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestLocalExclusiveScanUint64(t *testing.T) {
	const n = 4
	group := NewLocalGroup(n)
	local := []uint64{10, 20, 30, 40}

	got := make([]uint64, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i, c := range group {
		i, c := i, c
		go func() {
			defer wg.Done()
			v, err := c.ExclusiveScanUint64(context.Background(), local[i])
			if err != nil {
				t.Errorf("scan: %v", err)
				return
			}
			got[i] = v
		}()
	}
	wg.Wait()

	want := []uint64{0, 10, 30, 60}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("rank %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestLocalAllReduceSumUint64(t *testing.T) {
	const n = 3
	group := NewLocalGroup(n)

	got := make([]uint64, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i, c := range group {
		i, c := i, c
		go func() {
			defer wg.Done()
			v, err := c.AllReduceSumUint64(context.Background(), uint64(i+1))
			if err != nil {
				t.Errorf("allreduce: %v", err)
				return
			}
			got[i] = v
		}()
	}
	wg.Wait()

	for i, v := range got {
		if v != 6 {
			t.Errorf("rank %d: got %d, want 6", i, v)
		}
	}
}

func TestLocalAllTrue(t *testing.T) {
	const n = 3
	group := NewLocalGroup(n)
	local := []bool{true, false, true}

	got := make([]bool, n)
	var wg sync.WaitGroup
	wg.Add(n)
	for i, c := range group {
		i, c := i, c
		go func() {
			defer wg.Done()
			v, err := c.AllTrue(context.Background(), local[i])
			if err != nil {
				t.Errorf("alltrue: %v", err)
				return
			}
			got[i] = v
		}()
	}
	wg.Wait()

	for i, v := range got {
		if v {
			t.Errorf("rank %d: got true, want false (one rank passed false)", i)
		}
	}
}

func TestLocalWorkQueueDrainsExactlyOnce(t *testing.T) {
	const n = 3
	group := NewLocalGroup(n)

	initial := [][][]byte{
		{[]byte("a"), []byte("b"), []byte("c")},
		{},
		{[]byte("d")},
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	var wg sync.WaitGroup
	wg.Add(n)
	for i, c := range group {
		i, c := i, c
		go func() {
			defer wg.Done()
			ctx := context.Background()
			q, err := c.NewWorkQueue(ctx, initial[i])
			if err != nil {
				t.Errorf("new work queue: %v", err)
				return
			}
			for {
				item, ok, err := q.Dequeue(ctx)
				if err != nil {
					t.Errorf("dequeue: %v", err)
					return
				}
				if !ok {
					break
				}
				mu.Lock()
				seen[string(item)]++
				mu.Unlock()
			}
			if err := q.Close(ctx); err != nil {
				t.Errorf("close: %v", err)
			}
		}()
	}
	wg.Wait()

	want := map[string]int{"a": 1, "b": 1, "c": 1, "d": 1}
	if len(seen) != len(want) {
		t.Fatalf("got %d distinct items, want %d: %v", len(seen), len(want), seen)
	}
	for k, v := range want {
		if seen[k] != v {
			t.Errorf("item %q: seen %d times, want %d", k, seen[k], v)
		}
	}
}
