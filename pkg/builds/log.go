package builds

import (
	"context"
	"sync"
)

// subscriber queues events for one live stream. A forwarding goroutine
// moves them to ch, so a slow reader delays only itself and never loses
// events.
type subscriber struct {
	ch   chan Event
	wake chan struct{}
	done chan struct{}
	once sync.Once

	mu     sync.Mutex
	queue  []Event
	closed bool
}

func newSubscriber(history []Event) *subscriber {
	sub := &subscriber{
		ch:    make(chan Event, 16),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		queue: append([]Event(nil), history...),
	}
	go sub.forward()
	return sub
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

// finish closes the stream once every queued event has been delivered.
func (s *subscriber) finish() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

// stop closes the stream without delivering what is still queued.
func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) forward() {
	defer close(s.ch)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.ch <- ev:
		case <-s.done:
			return
		}
	}
}

// Log appends interaction log events to a Store and fans them out to live
// subscribers.
type Log struct {
	store Store

	mu   sync.Mutex
	subs map[string][]*subscriber
}

func NewLog(store Store) *Log {
	return &Log{store: store, subs: make(map[string][]*subscriber)}
}

// Store returns the backing store.
func (l *Log) Store() Store {
	return l.store
}

// Append persists ev and broadcasts it. It never waits on a subscriber.
func (l *Log) Append(ctx context.Context, id string, ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.store.AppendEvent(ctx, id, ev); err != nil {
		return err
	}
	for _, sub := range l.subs[id] {
		sub.push(ev)
	}
	return nil
}

// Subscribe replays the build's history and then follows it live. The
// channel is closed once the build has finished. The returned func
// unsubscribes early.
func (l *Log) Subscribe(ctx context.Context, id string) (<-chan Event, func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	build, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	history, err := l.store.Events(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	if build.Status.Finished() {
		ch := make(chan Event, len(history))
		for _, ev := range history {
			ch <- ev
		}
		close(ch)
		return ch, func() {}, nil
	}

	sub := newSubscriber(history)
	l.subs[id] = append(l.subs[id], sub)
	return sub.ch, func() { l.unsubscribe(id, sub) }, nil
}

func (l *Log) unsubscribe(id string, target *subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	target.stop()
	subs := l.subs[id]
	for i, sub := range subs {
		if sub == target {
			l.subs[id] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(l.subs[id]) == 0 {
		delete(l.subs, id)
	}
}

// Close ends every live subscription of a build after its queued events
// have been delivered.
func (l *Log) Close(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, sub := range l.subs[id] {
		sub.finish()
	}
	delete(l.subs, id)
}
