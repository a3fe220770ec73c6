package camera

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestQueue_Order(t *testing.T) {
	q := newQueue[int]()
	for i := 0; i < 5; i++ {
		q.Post(i)
	}
	if q.Len() != 5 {
		t.Fatalf("Expected 5 items, got %d", q.Len())
	}

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		v, err := q.Wait(ctx)
		if err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
		if v != i {
			t.Errorf("Expected %d, got %d", i, v)
		}
	}
}

func TestQueue_WaitBlocksUntilPost(t *testing.T) {
	q := newQueue[string]()

	got := make(chan string)
	go func() {
		v, _ := q.Wait(context.Background())
		got <- v
	}()

	time.Sleep(5 * time.Millisecond)
	q.Post("frame")

	select {
	case v := <-got:
		if v != "frame" {
			t.Errorf("Expected frame, got %s", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Post")
	}
}

func TestQueue_WaitContext(t *testing.T) {
	q := newQueue[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := q.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
}

func TestQueue_ClearAndClose(t *testing.T) {
	q := newQueue[int]()
	q.Post(1)
	q.Post(2)

	cleared := q.Clear()
	if len(cleared) != 2 || q.Len() != 0 {
		t.Errorf("Expected Clear to return 2 items and empty the queue, got %v (len %d)", cleared, q.Len())
	}

	// 閉じた後も残りは取り出せる
	q.Post(3)
	q.Close()
	q.Close()
	if v, err := q.Wait(context.Background()); err != nil || v != 3 {
		t.Errorf("Expected remaining item 3, got %d (%v)", v, err)
	}
	if _, err := q.Wait(context.Background()); !errors.Is(err, errQueueClosed) {
		t.Errorf("Expected errQueueClosed, got %v", err)
	}
}

func TestQueue_ConcurrentPost(t *testing.T) {
	q := newQueue[int]()
	const producers, each = 8, 100

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < each; i++ {
				q.Post(i)
			}
		}()
	}

	received := 0
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for received < producers*each {
		if _, err := q.Wait(ctx); err != nil {
			t.Fatalf("Wait failed after %d items: %v", received, err)
		}
		received++
	}
	wg.Wait()
}
