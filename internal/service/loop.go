package service

import (
	"context"
	"errors"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/storage-manager/internal/mux"
	"github.com/ydb-platform/storage-manager/internal/populator"
	"github.com/ydb-platform/storage-manager/internal/udev"
)

var ErrStopped = errors.New("service loop is stopped")

// Service is the surface exposed to clients.
type Service interface {
	Reset(ctx context.Context) error
	Exit(ctx context.Context) error
	ListDevices(ctx context.Context) ([]string, error)
	ResolveDevice(ctx context.Context, spec string) (string, error)
	RemoveDevice(ctx context.Context, path string) error
	InitializeDisk(ctx context.Context, path string) error
	DescribeObject(ctx context.Context, path string) (ObjectProperties, error)
}

type request interface {
	isRequest()
}

type resetRequest struct{}
type exitRequest struct{}
type listRequest struct{}
type resolveRequest struct{ spec string }
type removeRequest struct{ path string }
type initializeRequest struct{ path string }
type describeRequest struct{ path string }

func (resetRequest) isRequest()      {}
func (exitRequest) isRequest()       {}
func (listRequest) isRequest()       {}
func (resolveRequest) isRequest()    {}
func (removeRequest) isRequest()     {}
func (initializeRequest) isRequest() {}
func (describeRequest) isRequest()   {}

type reply struct {
	value any
	err   error
}

// Loop owns a Manager and runs every request and uevent against it on one
// goroutine, one at a time.
type Loop struct {
	manager   *Manager
	requests  chan mux.AwaitReply[request, reply]
	events    chan udev.Event
	snapshots *mux.Mux[Snapshot]
	last      Snapshot
	published bool
	done      chan struct{}
}

var _ Service = (*Loop)(nil)

func NewLoop(manager *Manager) *Loop {
	return &Loop{
		manager:   manager,
		requests:  make(chan mux.AwaitReply[request, reply]),
		events:    make(chan udev.Event, 256),
		snapshots: mux.Make(mux.ReplayLast[Snapshot](), mux.WithLogger[Snapshot](mux.Klog{})),
		done:      make(chan struct{}),
	}
}

// Events is the sink uevents are submitted to. Closing it only stops event
// handling.
func (l *Loop) Events() mux.Sink[udev.Event] {
	return mux.SinkFromChan(l.events)
}

// Snapshots publishes the exported devices whenever they change. New
// subscribers get the current state first.
func (l *Loop) Snapshots() mux.Source[Snapshot] {
	return l.snapshots
}

// Run discovers the devices and then serves requests and uevents until ctx is
// done.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	defer l.snapshots.Close()

	if _, err := l.manager.Populate(ctx); err != nil {
		return err
	}
	l.publish()

	events := l.events
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				klog.Warning("uevent stream closed")
				events = nil
				continue
			}
			l.handleEvent(ctx, ev)
		case ar := <-l.requests:
			ar.Reply(l.serve(ctx, ar.Value()))
		}
		l.publish()
	}
}

// handleEvent resets the tree when an event leaves it out of sync with its
// exports.
func (l *Loop) handleEvent(ctx context.Context, ev udev.Event) {
	err := l.manager.HandleEvent(ctx, ev)
	if err == nil || populator.Recoverable(err) {
		return
	}
	klog.Errorf("Failed to handle %s event for %s, resetting: %v", ev.Action(), ev.Record().Id(), err)
	if err := l.manager.Reset(ctx); err != nil {
		klog.Errorf("Failed to reset device tree: %v", err)
	}
}

func (l *Loop) serve(ctx context.Context, req request) reply {
	m := l.manager
	switch r := req.(type) {
	case resetRequest:
		return reply{err: m.Reset(ctx)}
	case exitRequest:
		m.Exit()
		return reply{}
	case listRequest:
		return reply{value: m.ListDevices()}
	case resolveRequest:
		path, err := m.ResolveDevice(r.spec)
		return reply{value: path, err: err}
	case removeRequest:
		return reply{err: m.RemoveDevice(r.path)}
	case initializeRequest:
		return reply{err: m.InitializeDisk(ctx, r.path)}
	case describeRequest:
		props, err := m.DescribeObject(r.path)
		return reply{value: props, err: err}
	}
	return reply{err: errors.New("unknown request")}
}

func (l *Loop) publish() {
	snap := l.manager.Snapshot()
	if l.published && snap.Equal(l.last) {
		return
	}
	l.last, l.published = snap, true
	if err := l.snapshots.Submit(snap); err != nil {
		klog.Errorf("Failed to publish device snapshot: %v", err)
	}
}

func (l *Loop) call(ctx context.Context, req request) (any, error) {
	await := mux.NewAwaitReply[request, reply](req)
	select {
	case l.requests <- await:
	case <-l.done:
		return nil, ErrStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r := await.Await()
	return r.value, r.err
}

func (l *Loop) Reset(ctx context.Context) error {
	_, err := l.call(ctx, resetRequest{})
	return err
}

func (l *Loop) Exit(ctx context.Context) error {
	_, err := l.call(ctx, exitRequest{})
	return err
}

func (l *Loop) ListDevices(ctx context.Context) ([]string, error) {
	v, err := l.call(ctx, listRequest{})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (l *Loop) ResolveDevice(ctx context.Context, spec string) (string, error) {
	v, err := l.call(ctx, resolveRequest{spec})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (l *Loop) RemoveDevice(ctx context.Context, path string) error {
	_, err := l.call(ctx, removeRequest{path})
	return err
}

func (l *Loop) InitializeDisk(ctx context.Context, path string) error {
	_, err := l.call(ctx, initializeRequest{path})
	return err
}

func (l *Loop) DescribeObject(ctx context.Context, path string) (ObjectProperties, error) {
	v, err := l.call(ctx, describeRequest{path})
	if err != nil {
		return ObjectProperties{}, err
	}
	return v.(ObjectProperties), nil
}
