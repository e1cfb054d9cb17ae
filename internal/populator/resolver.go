package populator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ydb-platform/storage-manager/internal/devicetree"
	"github.com/ydb-platform/storage-manager/internal/udev"
)

var (
	ErrDependencyCycle = errors.New("dependency cycle")
	// ErrMissingDependency means none of the declared slaves has a record.
	ErrMissingDependency = errors.New("missing dependency")
	// ErrIncompleteDependencies means some slaves are present and some are
	// not yet. The record is retried on the next pass.
	ErrIncompleteDependencies = errors.New("incomplete dependency set")
)

// HandleFunc makes sure the device of a record is in the tree and returns it.
type HandleFunc func(ctx context.Context, rec udev.Record) (*devicetree.Device, error)

// Resolver walks the dependencies of records depth first. It remembers the
// records currently being resolved so that a device depending on itself is
// reported instead of recursing forever.
type Resolver struct {
	source udev.Source
	stack  []udev.Id
	onPath map[udev.Id]bool
}

func NewResolver(source udev.Source) *Resolver {
	return &Resolver{
		source: source,
		onPath: make(map[udev.Id]bool),
	}
}

// Enter marks id as being resolved. It fails when id is already on the path.
func (r *Resolver) Enter(id udev.Id) error {
	if r.onPath[id] {
		return r.cycle(id)
	}
	r.onPath[id] = true
	r.stack = append(r.stack, id)
	return nil
}

func (r *Resolver) cycle(id udev.Id) error {
	path := append(append([]udev.Id{}, r.stack...), id)
	return fmt.Errorf("%w: %v", ErrDependencyCycle, path)
}

func (r *Resolver) Leave(id udev.Id) {
	delete(r.onPath, id)
	if n := len(r.stack); n > 0 && r.stack[n-1] == id {
		r.stack = r.stack[:n-1]
	}
}

func (r *Resolver) Resolving(id udev.Id) bool {
	return r.onPath[id]
}

// Parents resolves every dependency of rec through handle, in declaration
// order. Nothing is returned unless all dependencies resolved.
func (r *Resolver) Parents(ctx context.Context, rec udev.Record, handle HandleFunc) ([]*devicetree.Device, error) {
	deps := rec.Dependencies()
	parents := make([]*devicetree.Device, 0, len(deps))
	var missing []udev.Id

	for _, id := range deps {
		if r.onPath[id] {
			return nil, r.cycle(id)
		}
		slave, ok := r.source.Record(id)
		if !ok {
			missing = append(missing, id)
			continue
		}
		dev, err := handle(ctx, slave)
		if err != nil {
			return nil, fmt.Errorf("slave %s of %s: %w", id, rec.Id(), err)
		}
		parents = append(parents, dev)
	}

	switch {
	case len(deps) > 0 && len(missing) == len(deps):
		return nil, fmt.Errorf("%w: %s needs %v", ErrMissingDependency, rec.Id(), missing)
	case len(missing) > 0:
		return nil, fmt.Errorf("%w: %s misses %v", ErrIncompleteDependencies, rec.Id(), missing)
	case len(parents) < rec.ExpectedSlaves():
		return nil, fmt.Errorf("%w: %s has %d of %d members", ErrIncompleteDependencies, rec.Id(), len(parents), rec.ExpectedSlaves())
	}
	return parents, nil
}
