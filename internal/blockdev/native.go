package blockdev

import (
	"context"
	"errors"
	"fmt"
)

const (
	KindVDO = "vdo"
	KindDM  = "dm"
)

var (
	ErrUnsupported = errors.New("unsupported device kind")
	ErrNotFound    = errors.New("no such device")
)

// Error is a failed native call. Populators treat it as a per-record failure.
type Error struct {
	Op   string
	Kind string
	Name string
	Err  error
}

func (e *Error) Error() string {
	if e.Kind == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Name, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Op, e.Kind, e.Name, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Info is the metadata a native layer reports about an aggregate device
// found on a backing device.
type Info struct {
	Name          string
	UUID          string
	Device        string
	Compression   bool
	Deduplication bool
	Active        bool
}

// Native is the boundary to the tools that change devices on disk. All calls
// are synchronous.
type Native interface {
	// Remove tears down the aggregate device of the given kind.
	Remove(ctx context.Context, kind, name string) error
	// Info describes the aggregate device stored on the backing device at
	// path. ErrNotFound when there is none.
	Info(ctx context.Context, path string) (Info, error)
	// Wipe removes every signature from the device at path.
	Wipe(ctx context.Context, path string) error
	// InitializeDisk wipes the disk at path and writes an empty label.
	InitializeDisk(ctx context.Context, path, label string) error
}
