package main

import (
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// TraysUpdate is published after a report changed the printer state
type TraysUpdate struct {
	Snapshot        *PrinterSnapshot
	PrevReadingBits BitFlags
	NewReadingBits  BitFlags
	NewlyReading    []int
}

// ConnectivityChange is published when the printer goes silent or comes back
type ConnectivityChange struct {
	Connected bool
}

// Subscription receives the events of one Bus subscriber
type Subscription[T any] struct {
	C       <-chan T
	ch      chan T
	dropped atomic.Uint64
}

// Dropped counts the events this subscriber missed because it fell behind
func (s *Subscription[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// Bus fans events out to subscribers. Publish never blocks: a subscriber whose buffer
// is full misses the event.
type Bus[T any] struct {
	name string
	mu   sync.RWMutex
	subs map[*Subscription[T]]struct{}
	buf  int
}

func NewBus[T any](name string, buf int) *Bus[T] {
	if buf <= 0 {
		buf = EventBufferSize
	}
	return &Bus[T]{
		name: name,
		subs: make(map[*Subscription[T]]struct{}),
		buf:  buf,
	}
}

func (b *Bus[T]) Subscribe() *Subscription[T] {
	ch := make(chan T, b.buf)
	sub := &Subscription[T]{C: ch, ch: ch}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscriber and closes its channel
func (b *Bus[T]) Unsubscribe(sub *Subscription[T]) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; !ok {
		return
	}
	delete(b.subs, sub)
	close(sub.ch)
}

func (b *Bus[T]) Publish(event T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			n := sub.dropped.Add(1)
			log.Warnf("Subscriber of %s events is behind, dropped %d so far", b.name, n)
		}
	}
}

// Events groups the buses shared by the session, the tag loop and their consumers
type Events struct {
	Trays        *Bus[TraysUpdate]
	Tag          *Bus[TagStatus]
	Connectivity *Bus[ConnectivityChange]
}

func NewEvents() *Events {
	return &Events{
		Trays:        NewBus[TraysUpdate]("tray", EventBufferSize),
		Tag:          NewBus[TagStatus]("tag", EventBufferSize),
		Connectivity: NewBus[ConnectivityChange]("connectivity", EventBufferSize),
	}
}
