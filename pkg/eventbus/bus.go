package eventbus

import "sync"

// Filter decides whether a given event should reach a particular
// subscriber. nil matches everything.
type Filter func(EmittedEvent) bool

// ByName returns a Filter matching events whose Name() equals name.
func ByName(name string) Filter {
	return func(e EmittedEvent) bool { return e.Name() == name }
}

// ByPropertyChange returns a Filter matching PropertyChange events for one
// named property — the "name == PropertyChange && data.name == X" predicate
// from §4.B used to build per-property observation streams.
func ByPropertyChange(propName string) Filter {
	return func(e EmittedEvent) bool {
		pc, ok := e.(PropertyChange)
		return ok && pc.PropertyName == propName
	}
}

// Subscription is a cold, filtered observer of a Subject. Next, Complete and
// Error are delivered strictly sequentially and Complete/Error fire at most
// once, never followed by Next.
type Subscription struct {
	bus *Subject

	mu       sync.Mutex
	filter   Filter
	next     func(EmittedEvent)
	complete func()
	onError  func(error)
	done     bool

	queue chan func()
	stop  chan struct{}
	wg    sync.WaitGroup

	onUnsubscribe func() // releases transport-level resources
}

// Unsubscribe is idempotent. It stops further delivery and, the first time
// it is called, runs the resource-release hook attached at subscribe time.
func (s *Subscription) Unsubscribe() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.mu.Unlock()

	s.bus.remove(s)
	close(s.stop)
	s.wg.Wait()
	if s.onUnsubscribe != nil {
		s.onUnsubscribe()
	}
}

// OnUnsubscribe attaches a resource-release hook invoked exactly once by
// Unsubscribe (covers a long-poll socket, an MQTT subscription, etc).
func (s *Subscription) OnUnsubscribe(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onUnsubscribe = fn
}

func (s *Subscription) deliver(work func()) {
	select {
	case s.queue <- work:
	case <-s.stop:
	}
}

func (s *Subscription) run() {
	defer s.wg.Done()
	for {
		select {
		case work := <-s.queue:
			work()
		case <-s.stop:
			return
		}
	}
}

// Subject is a per-ExposedThing multicast point. Emit fans out to every
// live subscription matching its filter; Complete/Error finalize every live
// subscription exactly once and subsequent Emit calls are no-ops.
type Subject struct {
	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

func NewSubject() *Subject {
	return &Subject{subs: map[*Subscription]struct{}{}}
}

// Subscribe registers next/complete/error callbacks filtered by filter (nil
// = all events). Subscriptions are cold: only events emitted after this
// call are seen.
func (b *Subject) Subscribe(filter Filter, next func(EmittedEvent), complete func(), onError func(error)) *Subscription {
	s := &Subscription{
		bus: b, filter: filter, next: next, complete: complete, onError: onError,
		queue: make(chan func(), 64),
		stop:  make(chan struct{}),
	}
	s.wg.Add(1)
	go s.run()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		// Bus already finalized: deliver a terminal call immediately so the
		// contract ("exactly one of complete/error eventually") still holds.
		s.deliver(func() { s.finalizeComplete() })
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

func (b *Subject) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s)
}

// Emit delivers event to every subscription whose filter matches.
func (b *Subject) Emit(event EmittedEvent) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	targets := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		s.mu.Lock()
		filter := s.filter
		nextFn := s.next
		done := s.done
		s.mu.Unlock()
		if done || (filter != nil && !filter(event)) {
			continue
		}
		s.deliver(func() {
			s.mu.Lock()
			finalized := s.done
			s.mu.Unlock()
			if finalized || nextFn == nil {
				return
			}
			nextFn(event)
		})
	}
}

// Complete finalizes every live subscription with complete(), exactly once
// per subscription, then marks the bus closed: later subscribers receive an
// immediate complete (cold, but the producer has already finished).
func (b *Subject) Complete() {
	b.mu.Lock()
	b.closed = true
	targets := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		targets = append(targets, s)
	}
	b.subs = map[*Subscription]struct{}{}
	b.mu.Unlock()

	for _, s := range targets {
		s.deliver(func() { s.finalizeComplete() })
	}
}

// Error finalizes every live subscription with error(err), exactly once.
func (b *Subject) Error(err error) {
	b.mu.Lock()
	b.closed = true
	targets := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		targets = append(targets, s)
	}
	b.subs = map[*Subscription]struct{}{}
	b.mu.Unlock()

	for _, s := range targets {
		s.deliver(func() { s.finalizeError(err) })
	}
}

func (s *Subscription) finalizeComplete() {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	fn := s.complete
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *Subscription) finalizeError(err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	fn := s.onError
	s.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
