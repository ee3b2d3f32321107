// Package event carries the live event stream of one job.
//
// Events flow from the sandbox towards consumers (stage transitions, output
// chunks, exits, asynchronous errors); stdin writes and signals flow from
// consumers back to the running process.
package event

import (
	"sync"
)

// Kind identifies an event type.
type Kind string

const (
	KindStage  Kind = "stage"
	KindStdout Kind = "stdout"
	KindStderr Kind = "stderr"
	KindExit   Kind = "exit"
	KindError  Kind = "error"
	KindWebApp Kind = "webApp"
)

// Stage names emitted on the bus.
const (
	StageCompile = "compile"
	StageInstall = "install"
	StageExecute = "execute"
)

// ExitInfo is the payload of a KindExit event.
type ExitInfo struct {
	Error  string `json:"error,omitempty"`
	Code   *int   `json:"code"`
	Signal string `json:"signal"`
}

// Event is one item of the job stream.
type Event struct {
	Kind    Kind
	Stage   string
	Data    []byte
	Exit    *ExitInfo
	Message string
	URL     string
}

// Handler is invoked synchronously in emit order. It must not block.
type Handler func(Event)

const (
	defaultSubscriptionBuffer = 256
	controlBuffer             = 64
)

// Bus fans events out to handlers and channel subscribers. Channel
// subscribers that fall behind are dropped instead of stalling the producer.
type Bus struct {
	mu       sync.Mutex
	handlers []*handlerEntry
	subs     map[*Subscription]struct{}
	closed   bool

	stdin   chan []byte
	signals chan string
	done    chan struct{}
}

type handlerEntry struct {
	fn Handler
}

// NewBus creates an open bus.
func NewBus() *Bus {
	return &Bus{
		subs:    make(map[*Subscription]struct{}),
		stdin:   make(chan []byte, controlBuffer),
		signals: make(chan string, controlBuffer),
		done:    make(chan struct{}),
	}
}

// Handle registers a synchronous handler and returns a function removing it.
func (b *Bus) Handle(fn Handler) func() {
	entry := &handlerEntry{fn: fn}
	b.mu.Lock()
	b.handlers = append(b.handlers, entry)
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, h := range b.handlers {
			if h == entry {
				b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
				return
			}
		}
	}
}

// Subscribe registers a buffered channel subscriber. buffer <= 0 uses the default size.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = defaultSubscriptionBuffer
	}
	sub := &Subscription{bus: b, ch: make(chan Event, buffer)}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Emit delivers ev to every handler, then to every channel subscriber.
func (b *Bus) Emit(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, h := range b.handlers {
		h.fn(ev)
	}
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped = true
			delete(b.subs, sub)
			close(sub.ch)
		}
	}
}

// EmitStage announces the start of a stage.
func (b *Bus) EmitStage(stage string) {
	b.Emit(Event{Kind: KindStage, Stage: stage})
}

// EmitExit announces the end of a stage.
func (b *Bus) EmitExit(stage string, info ExitInfo) {
	b.Emit(Event{Kind: KindExit, Stage: stage, Exit: &info})
}

// EmitError reports an asynchronous error without ending the job.
func (b *Bus) EmitError(message string) {
	b.Emit(Event{Kind: KindError, Message: message})
}

// WriteStdin queues data for the running process. It reports false once the bus is closed.
func (b *Bus) WriteStdin(data []byte) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.stdin <- data:
		return true
	case <-b.done:
		return false
	}
}

// Signal queues a signal name for the running process.
func (b *Bus) Signal(name string) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.signals <- name:
		return true
	case <-b.done:
		return false
	}
}

// Stdin is read by the process side.
func (b *Bus) Stdin() <-chan []byte {
	return b.stdin
}

// Signals is read by the process side.
func (b *Bus) Signals() <-chan string {
	return b.signals
}

// Done is closed when the bus is closed.
func (b *Bus) Done() <-chan struct{} {
	return b.done
}

// Close stops delivery and closes every subscription channel. Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
	b.handlers = nil
}

// Subscription is a channel subscriber of a Bus.
type Subscription struct {
	bus     *Bus
	ch      chan Event
	dropped bool
}

// Events returns the receive channel. It is closed on Close, on bus close,
// or when the subscriber fell behind.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// Dropped reports whether the subscriber was removed for falling behind.
func (s *Subscription) Dropped() bool {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return s.dropped
}

// Close detaches the subscriber.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s]; ok {
		delete(s.bus.subs, s)
		close(s.ch)
	}
}
