package populator

import (
	"context"

	"github.com/ydb-platform/storage-manager/internal/blockdev"
	"github.com/ydb-platform/storage-manager/internal/devicetree"
	"github.com/ydb-platform/storage-manager/internal/mux"
	"github.com/ydb-platform/storage-manager/internal/udev"
)

type Category int

const (
	CategoryDevice Category = iota
	CategoryFormat
)

func (c Category) String() string {
	if c == CategoryFormat {
		return "format"
	}
	return "device"
}

// Env is what a populator may consult while constructing. Populators never
// add anything to the tree themselves.
type Env struct {
	Tree   *devicetree.Tree
	Source udev.Source
	Native blockdev.Native
}

// Result of a construction. Device populators set Device. Format populators
// set Format and, when the format carries another device, Device for the
// device stacked on top of it.
type Result struct {
	Device *devicetree.Device
	Format *devicetree.Format
}

// Populator turns a matching record into a device or a format. For device
// populators parents holds the resolved dependencies of the record; for
// format populators it holds the single device the format was found on.
type Populator interface {
	Name() string
	Category() Category
	Priority() int
	Matches(udev.Record) bool
	Construct(ctx context.Context, env Env, rec udev.Record, parents []*devicetree.Device) (Result, error)
}

// rule carries the selection half of a populator.
type rule struct {
	name     string
	category Category
	priority int
	match    mux.FilterFunc[udev.Record]
}

func (r rule) Name() string {
	return r.name
}

func (r rule) Category() Category {
	return r.category
}

func (r rule) Priority() int {
	return r.priority
}

func (r rule) Matches(rec udev.Record) bool {
	return r.match(rec)
}
