package mux

import (
	"fmt"
	"time"

	"k8s.io/klog/v2"
)

type Logger interface {
	Info(format string, args ...interface{})
}

// Klog reports dropped values as klog warnings.
type Klog struct{}

func (Klog) Info(format string, args ...interface{}) {
	klog.WarningDepth(1, fmt.Sprintf(format, args...))
}

// AwaitReply carries a request to the goroutine owning some state and the
// channel the owner answers on.
type AwaitReply[T, U any] struct {
	value T
	reply chan U
}

func NewAwaitReply[T, U any](value T) AwaitReply[T, U] {
	// buffered so the owner never blocks on a caller that gave up
	return AwaitReply[T, U]{value: value, reply: make(chan U, 1)}
}

func (ar AwaitReply[T, U]) Value() T {
	return ar.value
}

// Reply must be called exactly once.
func (ar AwaitReply[T, U]) Reply(value U) {
	ar.reply <- value
	close(ar.reply)
}

func (ar AwaitReply[T, U]) Await() U {
	return <-ar.reply
}

type ack[T any] = AwaitReply[T, struct{}]

type Sink[T any] interface {
	Submit(T) error
	Close()
}

type mappedSink[U, T any] struct {
	sink Sink[T]
	f    func(U) T
}

func (s *mappedSink[U, T]) Submit(v U) error { return s.sink.Submit(s.f(v)) }
func (s *mappedSink[U, T]) Close()           { s.sink.Close() }

// ThenSink adapts a Sink[T] into a Sink[U] by mapping every value with f.
func ThenSink[U, T any](sink Sink[T], f func(U) T) Sink[U] {
	return &mappedSink[U, T]{sink, f}
}

type chanSink[T any] chan<- T

func (c chanSink[T]) Submit(v T) error {
	c <- v
	return nil
}

func (c chanSink[T]) Close() {
	close(c)
}

// SinkFromChan returns a sink that blocks on ch and closes it on Close.
func SinkFromChan[T any](ch chan<- T) Sink[T] {
	return chanSink[T](ch)
}

type Source[T any] interface {
	Subscribe(Sink[T]) CancelFunc
}

type CancelFunc func()

func ChainCancelFunc(cf1, cf2 func(), cfs ...func()) CancelFunc {
	return func() {
		for _, cf := range append([]func(){cf1, cf2}, cfs...) {
			if cf != nil {
				cf()
			}
		}
	}
}

// Option configures a Mux at construction.
type Option[T any] func(*Mux[T])

// Buffered lets Submit return before the mux goroutine picks the value up
// while fewer than size values are pending.
func Buffered[T any](size int) Option[T] {
	return func(m *Mux[T]) { m.pending = size }
}

func WithLogger[T any](logger Logger) Option[T] {
	return func(m *Mux[T]) { m.logger = logger }
}

// ReplayLast makes the mux hand the most recently submitted value to every
// new subscriber before any further values. Useful for state snapshots.
func ReplayLast[T any]() Option[T] {
	return func(m *Mux[T]) { m.replay = true }
}

// WithSubmitTimeout bounds how long Submit waits for the mux goroutine.
func WithSubmitTimeout[T any](d time.Duration) Option[T] {
	return func(m *Mux[T]) { m.timeout = d }
}

// Mux fans values submitted from any goroutine out to every subscribed sink.
// Delivery happens on the mux goroutine, in submission order.
type Mux[T any] struct {
	values chan T
	attach chan ack[Sink[T]]
	detach chan ack[Sink[T]]
	closed chan struct{}

	sinks map[Sink[T]]struct{}
	last  *T

	replay  bool
	pending int
	timeout time.Duration
	logger  Logger
}

func Make[T any](opts ...Option[T]) *Mux[T] {
	m := &Mux[T]{timeout: time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.values = make(chan T, m.pending)
	m.attach = make(chan ack[Sink[T]])
	m.detach = make(chan ack[Sink[T]])
	m.closed = make(chan struct{})
	m.sinks = make(map[Sink[T]]struct{})

	go m.run()
	return m
}

func (m *Mux[T]) run() {
	defer func() {
		for sink := range m.sinks {
			delete(m.sinks, sink)
			sink.Close()
		}
	}()

	for {
		select {
		case v := <-m.values:
			m.deliver(v)
		case req, ok := <-m.attach:
			if !ok {
				return
			}
			m.add(req.Value())
			req.Reply(struct{}{})
		case req := <-m.detach:
			m.remove(req.Value())
			req.Reply(struct{}{})
		}
	}
}

func (m *Mux[T]) deliver(v T) {
	if m.replay {
		m.last = &v
	}
	for sink := range m.sinks {
		if err := sink.Submit(v); err != nil {
			m.error("error submitting value %v: %v", v, err)
		}
	}
}

func (m *Mux[T]) add(sink Sink[T]) {
	if m.last != nil {
		if err := sink.Submit(*m.last); err != nil {
			m.error("error replaying value %v: %v", *m.last, err)
		}
	}
	m.sinks[sink] = struct{}{}
}

func (m *Mux[T]) remove(sink Sink[T]) {
	if _, ok := m.sinks[sink]; ok {
		delete(m.sinks, sink)
		sink.Close()
	}
}

func (m *Mux[T]) error(format string, args ...any) error {
	if m.logger != nil {
		m.logger.Info(format, args...)
	}
	return fmt.Errorf(format, args...)
}

// Close stops the mux and closes every subscribed sink. Subscribe must not
// be called afterwards.
func (m *Mux[T]) Close() {
	close(m.closed)
	close(m.attach)
}

func (m *Mux[T]) Submit(v T) error {
	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case m.values <- v:
		return nil
	case <-m.closed:
		return m.error("mux is closed, dropping value %v", v)
	case <-timer.C:
		return m.error("timed out submitting value %v after %s", v, m.timeout)
	}
}

// Subscribe returns once sink is registered; with ReplayLast it has already
// received the last value by then.
func (m *Mux[T]) Subscribe(sink Sink[T]) CancelFunc {
	req := NewAwaitReply[Sink[T], struct{}](sink)
	m.attach <- req
	req.Await()

	return func() {
		req := NewAwaitReply[Sink[T], struct{}](sink)
		select {
		case m.detach <- req:
			req.Await()
		case <-m.closed:
		}
	}
}
