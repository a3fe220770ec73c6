package camera

import (
	"context"
	"errors"
	"sync"
)

var errQueueClosed = errors.New("キューは閉じられています")

// queue はスレッドセーフな無制限のブロッキングFIFO
// Post はブロックせず、Wait は要素が来るかコンテキストが終わるまで待つ
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
	done   chan struct{}
	closed bool
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Post は要素を末尾に追加する
func (q *queue[T]) Post(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
	q.signal()
}

// Wait は先頭の要素を取り出す
func (q *queue[T]) Wait(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()

			// 他の待機者を起こす
			if more {
				q.signal()
			}
			return v, nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, errQueueClosed
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Clear は全ての要素を取り除いて返す
func (q *queue[T]) Clear() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.items
	q.items = nil
	return items
}

// Len は要素数を返す
func (q *queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close は待機者を解放する。残りの要素は取り出せる
func (q *queue[T]) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *queue[T]) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
