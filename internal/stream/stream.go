package stream

import (
	"context"
	"sync"
)

const defaultBuffer = 16

// Stream fans values out to all active subscribers. Slow subscribers drop values.
type Stream[T any] struct {
	mu     sync.RWMutex
	subs   map[int]chan T
	next   int
	buffer int
	closed bool
}

// New initialises an empty stream. A non-positive buffer uses the default.
func New[T any](buffer int) *Stream[T] {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Stream[T]{subs: make(map[int]chan T), buffer: buffer}
}

// Subscribe registers a subscriber and returns a channel which will receive values.
// The channel is closed when the provided context ends or the stream is closed.
func (s *Stream[T]) Subscribe(ctx context.Context) <-chan T {
	ch := make(chan T, s.buffer)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch
	}
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
		s.mu.Unlock()
	}()

	return ch
}

// Publish fans the value out to all subscribers and reports how many received it.
func (s *Stream[T]) Publish(v T) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	delivered := 0
	for _, ch := range s.subs {
		select {
		case ch <- v:
			delivered++
		default:
		}
	}
	return delivered
}

// Subscribers returns the number of live subscriptions.
func (s *Stream[T]) Subscribers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Close ends every subscription. Later subscriptions are closed immediately.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
