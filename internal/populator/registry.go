package populator

import (
	"errors"
	"fmt"
	"sort"

	"github.com/ydb-platform/storage-manager/internal/udev"
)

var (
	// ErrNoMatch means the record is of a kind nothing handles. It is a skip,
	// not a failure.
	ErrNoMatch        = errors.New("no populator matches")
	ErrAmbiguousMatch = errors.New("populators with equal priority match")
)

// Registry keeps populators ordered by descending priority. Populators of
// equal priority keep registration order.
type Registry struct {
	populators []Populator
}

func NewRegistry(populators ...Populator) (*Registry, error) {
	r := &Registry{}
	for _, p := range populators {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// DefaultRegistry holds every populator this package provides.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(
		VDODevice(), MDDevice(), DMDevice(), PartitionDevice(), DiskDevice(),
		VDOFormat(), MDMemberFormat(), DiskLabelFormat(), GenericFormat(),
	)
	if err != nil {
		panic(err)
	}
	return r
}

func (r *Registry) Register(p Populator) error {
	for _, existing := range r.populators {
		if existing.Name() == p.Name() && existing.Category() == p.Category() {
			return fmt.Errorf("%s populator %q is already registered", p.Category(), p.Name())
		}
	}
	r.populators = append(r.populators, p)
	sort.SliceStable(r.populators, func(i, j int) bool {
		return r.populators[i].Priority() > r.populators[j].Priority()
	})
	return nil
}

// Select returns the highest-priority populator of the category matching rec.
// It does not touch the tree.
func (r *Registry) Select(category Category, rec udev.Record) (Populator, error) {
	var selected Populator
	for _, p := range r.populators {
		if p.Category() != category || !p.Matches(rec) {
			continue
		}
		if selected == nil {
			selected = p
			continue
		}
		if p.Priority() == selected.Priority() {
			return nil, fmt.Errorf("%w: %s and %s for %s", ErrAmbiguousMatch, selected.Name(), p.Name(), rec.Id())
		}
		break
	}
	if selected == nil {
		return nil, fmt.Errorf("%w: %s %s", ErrNoMatch, category, rec.Id())
	}
	return selected, nil
}

func (r *Registry) Populators() []Populator {
	res := make([]Populator, len(r.populators))
	copy(res, r.populators)
	return res
}
