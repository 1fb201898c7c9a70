package relay

import (
	"fmt"
	"sync"
)

// fakeBus is an in-test Bus that records every handle it hands out.
type fakeBus struct {
	mu       sync.Mutex
	types    map[string]bool
	services map[string]func(args []byte) ([]byte, error)

	subs []*fakeSub
	pubs []*fakePub

	subscribeCalls int
	publisherCalls int
}

func newFakeBus(types ...string) *fakeBus {
	b := &fakeBus{
		types:    make(map[string]bool),
		services: make(map[string]func([]byte) ([]byte, error)),
	}
	for _, t := range types {
		b.types[t] = true
	}
	return b
}

func (b *fakeBus) registerService(name string, fn func(args []byte) ([]byte, error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.services[name] = fn
}

func (b *fakeBus) ResolveType(msgType string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.types[msgType] {
		return fmt.Errorf("unknown type %q", msgType)
	}
	return nil
}

func (b *fakeBus) Subscribe(topic, msgType string, queue int, fn func([]byte)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribeCalls++
	s := &fakeSub{topic: topic, msgType: msgType, fn: fn}
	b.subs = append(b.subs, s)
	return s, nil
}

func (b *fakeBus) Publisher(topic, msgType string, queue int) (Publisher, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publisherCalls++
	p := &fakePub{topic: topic, msgType: msgType}
	b.pubs = append(b.pubs, p)
	return p, nil
}

// CallService completes asynchronously on its own goroutine, matching
// the contract the bridge is built against.
func (b *fakeBus) CallService(name string, args []byte, onSuccess func([]byte), onFailure func(error)) {
	b.mu.Lock()
	fn, ok := b.services[name]
	b.mu.Unlock()
	go func() {
		if !ok {
			onFailure(fmt.Errorf("no such service %q", name))
			return
		}
		result, err := fn(args)
		if err != nil {
			onFailure(err)
			return
		}
		onSuccess(result)
	}()
}

// openSubs returns the subscriptions that have not been closed.
func (b *fakeBus) openSubs() []*fakeSub {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*fakeSub
	for _, s := range b.subs {
		if !s.closed {
			out = append(out, s)
		}
	}
	return out
}

func (b *fakeBus) openPubs() []*fakePub {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*fakePub
	for _, p := range b.pubs {
		if !p.closed {
			out = append(out, p)
		}
	}
	return out
}

// publishLocal simulates local bus traffic arriving on every open
// subscription for topic.
func (b *fakeBus) publishLocal(topic string, payload []byte) {
	for _, s := range b.openSubs() {
		if s.topic == topic {
			s.fn(payload)
		}
	}
}

type fakeSub struct {
	topic   string
	msgType string
	fn      func([]byte)
	closed  bool
}

func (s *fakeSub) Close() error {
	s.closed = true
	return nil
}

type fakePub struct {
	mu        sync.Mutex
	topic     string
	msgType   string
	published [][]byte
	closed    bool
}

func (p *fakePub) Publish(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return fmt.Errorf("publisher for %s is closed", p.topic)
	}
	p.published = append(p.published, payload)
	return nil
}

func (p *fakePub) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePub) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

// fakeUplink records forwarded envelopes.
type fakeUplink struct {
	mu   sync.Mutex
	envs []Envelope
}

func (u *fakeUplink) Forward(env Envelope) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.envs = append(u.envs, env)
}

func (u *fakeUplink) forwarded() []Envelope {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]Envelope, len(u.envs))
	copy(out, u.envs)
	return out
}

// fakeStore records every snapshot and can preload a sequence for Read.
type fakeStore struct {
	mu     sync.Mutex
	writes int
	last   []Descriptor
	seeded []Descriptor
	hasRun bool
}

func (s *fakeStore) Write(descriptors []Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	s.last = append([]Descriptor(nil), descriptors...)
	s.hasRun = true
	return nil
}

func (s *fakeStore) Read() ([]Descriptor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seeded != nil {
		return append([]Descriptor(nil), s.seeded...), true, nil
	}
	if !s.hasRun {
		return nil, false, nil
	}
	return append([]Descriptor(nil), s.last...), true, nil
}

func (s *fakeStore) writeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *fakeStore) lastWrite() []Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Descriptor(nil), s.last...)
}
