package export

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/storage-manager/internal/devicetree"
	"github.com/ydb-platform/storage-manager/internal/mux"
)

var (
	// ErrExportNotFound means an entity was removed that was never exported.
	ErrExportNotFound = errors.New("export not found")
	// ErrExportExists means an entity was added twice.
	ErrExportExists = errors.New("export already exists")
)

type ChangeType int

const (
	Added ChangeType = iota
	Removed
)

func (t ChangeType) String() string {
	if t == Removed {
		return "removed"
	}
	return "added"
}

// Change is delivered to observers after an object was added, and while a
// removed object is still tombstoned.
type Change struct {
	Type   ChangeType
	Object *Object
}

type registry struct {
	objects map[devicetree.ID]*Object
	order   []devicetree.ID
}

func newRegistry() *registry {
	return &registry{objects: make(map[devicetree.ID]*Object)}
}

func (r *registry) add(obj *Object) {
	r.objects[obj.id] = obj
	r.order = append(r.order, obj.id)
}

func (r *registry) delete(id devicetree.ID) {
	delete(r.objects, id)
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i:i], r.order[i+1:]...)
			return
		}
	}
}

func (r *registry) list() []*Object {
	res := make([]*Object, 0, len(r.order))
	for _, id := range r.order {
		res = append(res, r.objects[id])
	}
	return res
}

// Synchronizer keeps one exported object per device, format and action of
// a tree. It reacts to tree events synchronously, so the export set always
// matches a state the tree was in.
type Synchronizer struct {
	tree     *devicetree.Tree
	registry map[Kind]*registry

	observers mux.Fanout[Change]
	cancel    mux.CancelFunc
}

func New(tree *devicetree.Tree) *Synchronizer {
	s := &Synchronizer{
		tree: tree,
		registry: map[Kind]*registry{
			KindDevice: newRegistry(),
			KindFormat: newRegistry(),
			KindAction: newRegistry(),
		},
	}
	s.cancel = tree.Observe(s.handle)
	return s
}

// Close stops following the tree.
func (s *Synchronizer) Close() {
	s.cancel()
}

// Observe registers fn for every export change.
func (s *Synchronizer) Observe(fn mux.HandlerFunc[Change]) mux.CancelFunc {
	return s.observers.Add(fn)
}

func (s *Synchronizer) handle(ev devicetree.Event) error {
	switch ev.Type {
	case devicetree.DeviceAdded:
		return s.add(&Object{kind: KindDevice, id: ev.Device.ID(), device: ev.Device})
	case devicetree.DeviceRemoved:
		return s.deviceRemoved(ev.Device)
	case devicetree.FormatAdded:
		return s.add(&Object{kind: KindFormat, id: ev.Format.ID(), format: ev.Format})
	case devicetree.FormatRemoved:
		return s.remove(KindFormat, ev.Format.ID())
	case devicetree.ActionAdded:
		return s.add(&Object{kind: KindAction, id: ev.Action.ID(), action: ev.Action})
	case devicetree.ActionRemoved, devicetree.ActionExecuted:
		return s.remove(KindAction, ev.Action.ID())
	}
	return fmt.Errorf("unknown event %s", ev.Type)
}

func (s *Synchronizer) add(obj *Object) error {
	r := s.registry[obj.kind]
	if existing, ok := r.objects[obj.id]; ok {
		return fmt.Errorf("%w: %s", ErrExportExists, existing.Path())
	}
	r.add(obj)
	klog.V(4).Infof("Exported %s", obj.Path())
	return s.observers.Emit(Change{Type: Added, Object: obj})
}

func (s *Synchronizer) remove(kind Kind, id devicetree.ID) error {
	r := s.registry[kind]
	obj, ok := r.objects[id]
	if !ok || obj.removed {
		return fmt.Errorf("%w: %s %d", ErrExportNotFound, kind, id)
	}
	obj.removed = true
	defer r.delete(id)
	klog.V(4).Infof("Unexporting %s", obj.Path())
	return s.observers.Emit(Change{Type: Removed, Object: obj})
}

// deviceRemoved removes the export of the device format first when the
// format is still exported.
func (s *Synchronizer) deviceRemoved(dev *devicetree.Device) error {
	obj, ok := s.registry[KindDevice].objects[dev.ID()]
	if !ok || obj.removed {
		return fmt.Errorf("%w: device %s (%d)", ErrExportNotFound, dev.Name, dev.ID())
	}
	if f := dev.Format(); f != nil {
		if fobj, ok := s.registry[KindFormat].objects[f.ID()]; ok && !fobj.removed {
			if err := s.remove(KindFormat, f.ID()); err != nil {
				return err
			}
		}
	}
	return s.remove(KindDevice, dev.ID())
}

// List returns the objects of a kind in export order. Tombstoned objects
// are only included on request.
func (s *Synchronizer) List(kind Kind, includeRemoved bool) []*Object {
	objs := s.registry[kind].list()
	if includeRemoved {
		return objs
	}
	return mux.Select(objs, func(o *Object) bool { return !o.removed })
}

func (s *Synchronizer) ByID(kind Kind, id devicetree.ID) (*Object, bool) {
	obj, ok := s.registry[kind].objects[id]
	return obj, ok
}

// Lookup returns the object currently exported at path.
func (s *Synchronizer) Lookup(path string) (*Object, bool) {
	kind, id, removed, err := ParsePath(path)
	if err != nil {
		return nil, false
	}
	obj, ok := s.ByID(kind, id)
	if !ok || obj.removed != removed {
		return nil, false
	}
	return obj, true
}

// Reset unexports every device, then every remaining action, and calls
// rebuild to repopulate the tree. Nothing exported before the reset is left
// when rebuild starts.
func (s *Synchronizer) Reset(rebuild func() error) error {
	for _, obj := range s.List(KindDevice, false) {
		if err := s.deviceRemoved(obj.device); err != nil {
			return err
		}
	}
	for _, kind := range []Kind{KindFormat, KindAction} {
		for _, obj := range s.List(kind, false) {
			klog.Warningf("Dropping stale export %s", obj.Path())
			if err := s.remove(kind, obj.id); err != nil {
				return err
			}
		}
	}
	return rebuild()
}
