package blockdev

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Fake is an in-memory Native. It records every call and answers Info from
// Volumes, keyed by backing device path.
type Fake struct {
	mu sync.Mutex

	Volumes map[string]Info
	// Failures makes the named operation ("remove", "info", ...) fail.
	Failures map[string]error
	Calls    []string
}

func NewFake() *Fake {
	return &Fake{
		Volumes:  map[string]Info{},
		Failures: map[string]error{},
	}
}

func (f *Fake) record(op string, args ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, strings.TrimSpace(op+" "+strings.Join(args, " ")))
	if err, ok := f.Failures[op]; ok {
		return &Error{Op: op, Name: strings.Join(args, " "), Err: err}
	}
	return nil
}

func (f *Fake) Remove(_ context.Context, kind, name string) error {
	return f.record("remove", kind, name)
}

func (f *Fake) Info(_ context.Context, path string) (Info, error) {
	if err := f.record("info", path); err != nil {
		return Info{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.Volumes[path]
	if !ok {
		return Info{}, &Error{Op: "info", Kind: KindVDO, Name: path, Err: ErrNotFound}
	}
	return info, nil
}

func (f *Fake) Wipe(_ context.Context, path string) error {
	return f.record("wipe", path)
}

func (f *Fake) InitializeDisk(_ context.Context, path, label string) error {
	if label == "" {
		return fmt.Errorf("no label for %s", path)
	}
	return f.record("initialize-disk", path, label)
}
