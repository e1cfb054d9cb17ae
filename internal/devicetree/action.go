package devicetree

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/storage-manager/internal/blockdev"
)

var ErrUnknownAction = errors.New("action is not scheduled")

type ActionType string

const (
	ActionDestroyDevice  ActionType = "destroy-device"
	ActionInitializeDisk ActionType = "initialize-disk"
)

// Action is a scheduled change of a device on disk. It keeps a snapshot of
// the target so it can run after the device left the tree.
type Action struct {
	id ID

	Type       ActionType
	Device     ID
	DeviceName string
	DeviceKind Kind
	Path       string
}

func NewAction(typ ActionType, dev *Device) *Action {
	return &Action{
		Type:       typ,
		Device:     dev.id,
		DeviceName: dev.Name,
		DeviceKind: dev.Kind,
		Path:       dev.Path(),
	}
}

func (a *Action) ID() ID {
	return a.id
}

func (a *Action) String() string {
	return fmt.Sprintf("%s %s (%s)", a.Type, a.DeviceName, a.Path)
}

func (t *Tree) Actions() []*Action {
	res := make([]*Action, len(t.actions))
	copy(res, t.actions)
	return res
}

func (t *Tree) ActionByID(id ID) *Action {
	for _, a := range t.actions {
		if a.id == id {
			return a
		}
	}
	return nil
}

// Schedule appends the action to the queue.
func (t *Tree) Schedule(a *Action) error {
	a.id = t.nextID()
	t.actions = append(t.actions, a)
	klog.V(3).Infof("Scheduled action %d: %s", a.id, a)
	return t.emit(Event{Type: ActionAdded, Action: a})
}

func (t *Tree) dequeue(a *Action) bool {
	for i, queued := range t.actions {
		if queued == a {
			t.actions = append(t.actions[:i:i], t.actions[i+1:]...)
			return true
		}
	}
	return false
}

// Cancel drops a scheduled action without running it.
func (t *Tree) Cancel(a *Action) error {
	if !t.dequeue(a) {
		return fmt.Errorf("%s: %w", a, ErrUnknownAction)
	}
	klog.V(3).Infof("Cancelled action %d: %s", a.id, a)
	return t.emit(Event{Type: ActionRemoved, Action: a})
}

// Process runs the queued actions in the order they were scheduled. The
// first failing action stays queued and its error is returned.
func (t *Tree) Process(ctx context.Context, native blockdev.Native) error {
	for len(t.actions) > 0 {
		a := t.actions[0]
		klog.Infof("Executing action %d: %s", a.id, a)
		if err := t.execute(ctx, native, a); err != nil {
			return fmt.Errorf("action %d (%s): %w", a.id, a, err)
		}
		t.dequeue(a)
		if err := t.emit(Event{Type: ActionExecuted, Action: a}); err != nil {
			return err
		}
	}
	return nil
}

func nativeKind(k Kind) string {
	switch k {
	case KindVDO:
		return blockdev.KindVDO
	case KindDM:
		return blockdev.KindDM
	}
	return string(k)
}

func (t *Tree) execute(ctx context.Context, native blockdev.Native, a *Action) error {
	dev := t.devices[a.Device]
	switch a.Type {
	case ActionDestroyDevice:
		if err := native.Remove(ctx, nativeKind(a.DeviceKind), a.DeviceName); err != nil {
			return err
		}
		if dev != nil {
			return t.RemoveDevice(dev)
		}
		return nil
	case ActionInitializeDisk:
		return native.InitializeDisk(ctx, a.Path, "gpt")
	}
	return fmt.Errorf("unknown action type %q", a.Type)
}
