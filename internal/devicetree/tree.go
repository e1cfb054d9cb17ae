package devicetree

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/storage-manager/internal/mux"
	"github.com/ydb-platform/storage-manager/internal/udev"
)

var (
	ErrUnknownDevice = errors.New("device is not in the tree")
	ErrDuplicateName = errors.New("device name is already taken")
	ErrHasChildren   = errors.New("device has children")
)

// Tree owns every device, format and action it holds. Mutations notify
// observers synchronously, in mutation order, before returning. A Tree is not
// safe for concurrent use.
type Tree struct {
	lastID  ID
	devices map[ID]*Device
	order   []ID
	actions []*Action

	events mux.Fanout[Event]
}

func New() *Tree {
	return &Tree{
		devices: make(map[ID]*Device),
	}
}

// Observe registers fn for every mutation event. An error returned by fn is
// returned from the mutating call.
func (t *Tree) Observe(fn mux.HandlerFunc[Event]) mux.CancelFunc {
	return t.events.Add(fn)
}

func (t *Tree) nextID() ID {
	t.lastID++
	return t.lastID
}

func (t *Tree) emit(ev Event) error {
	if err := t.events.Emit(ev); err != nil {
		return fmt.Errorf("%s observer failed: %w", ev.Type, err)
	}
	return nil
}

// AddDevice assigns the device an ID and inserts it. Parents must already be
// in the tree.
func (t *Tree) AddDevice(dev *Device) error {
	if dev.id != 0 {
		if _, ok := t.devices[dev.id]; ok {
			return fmt.Errorf("%s: already in the tree", dev)
		}
	}
	for _, p := range dev.parents {
		if _, ok := t.devices[p]; !ok {
			return fmt.Errorf("parent %d of %s: %w", p, dev.Name, ErrUnknownDevice)
		}
	}
	if t.DeviceByName(dev.Name) != nil {
		return fmt.Errorf("%s: %w", dev.Name, ErrDuplicateName)
	}

	dev.id = t.nextID()
	t.devices[dev.id] = dev
	t.order = append(t.order, dev.id)
	klog.V(4).Infof("Added %s", dev)

	return t.emit(Event{Type: DeviceAdded, Device: dev})
}

// SetFormat attaches f to dev, replacing the current format. A nil f removes
// the current format.
func (t *Tree) SetFormat(dev *Device, f *Format) error {
	if err := t.check(dev); err != nil {
		return err
	}
	if old := dev.format; old != nil {
		dev.format = nil
		old.device = 0
		if err := t.emit(Event{Type: FormatRemoved, Format: old}); err != nil {
			return err
		}
	}
	if f == nil {
		return nil
	}
	f.id = t.nextID()
	f.device = dev.id
	dev.format = f
	return t.emit(Event{Type: FormatAdded, Format: f})
}

func (t *Tree) check(dev *Device) error {
	if dev == nil || t.devices[dev.id] != dev {
		return ErrUnknownDevice
	}
	return nil
}

// RemoveDevice removes a device that nothing depends on. The format stays
// attached to the removed device while observers are notified.
func (t *Tree) RemoveDevice(dev *Device) error {
	if err := t.check(dev); err != nil {
		return err
	}
	if children := t.Children(dev); len(children) > 0 {
		return fmt.Errorf("%s: %w", dev.Name, ErrHasChildren)
	}

	delete(t.devices, dev.id)
	for i, id := range t.order {
		if id == dev.id {
			t.order = append(t.order[:i:i], t.order[i+1:]...)
			break
		}
	}
	klog.V(4).Infof("Removed %s", dev)
	return t.emit(Event{Type: DeviceRemoved, Device: dev})
}

// RecursiveRemove removes dev and everything built on it, leaves first.
func (t *Tree) RecursiveRemove(dev *Device) error {
	if err := t.check(dev); err != nil {
		return err
	}
	for _, child := range t.Children(dev) {
		// a child reachable through two parents may be gone already
		if t.devices[child.id] != child {
			continue
		}
		if err := t.RecursiveRemove(child); err != nil {
			return err
		}
	}
	return t.RemoveDevice(dev)
}

func (t *Tree) Rename(dev *Device, name string) error {
	if err := t.check(dev); err != nil {
		return err
	}
	if dev.Name == name {
		return nil
	}
	if t.DeviceByName(name) != nil {
		return fmt.Errorf("%s: %w", name, ErrDuplicateName)
	}
	klog.V(3).Infof("Renaming %s to %s", dev.Name, name)
	dev.Name = name
	return nil
}

// Reset drops every device, format and action without notifying observers.
func (t *Tree) Reset() {
	t.devices = make(map[ID]*Device)
	t.order = nil
	t.actions = nil
}

// Devices returns the devices in insertion order.
func (t *Tree) Devices() []*Device {
	res := make([]*Device, 0, len(t.order))
	for _, id := range t.order {
		res = append(res, t.devices[id])
	}
	return res
}

func (t *Tree) find(filter mux.FilterFunc[*Device]) *Device {
	for _, id := range t.order {
		if dev := t.devices[id]; filter(dev) {
			return dev
		}
	}
	return nil
}

func (t *Tree) DeviceByID(id ID) *Device {
	return t.devices[id]
}

func (t *Tree) DeviceByName(name string) *Device {
	if name == "" {
		return nil
	}
	return t.find(func(d *Device) bool { return d.Name == name })
}

// DeviceByUUID returns the first device inserted with the given UUID.
func (t *Tree) DeviceByUUID(uuid string) *Device {
	if uuid == "" {
		return nil
	}
	return t.find(func(d *Device) bool { return d.UUID == uuid })
}

func (t *Tree) DeviceBySysfsPath(sysfsPath string) *Device {
	if sysfsPath == "" {
		return nil
	}
	return t.find(func(d *Device) bool { return d.SysfsPath == sysfsPath })
}

// Children returns the devices that have dev as a parent.
func (t *Tree) Children(dev *Device) []*Device {
	var res []*Device
	for _, id := range t.order {
		if d := t.devices[id]; d.dependsOn(dev.id) {
			res = append(res, d)
		}
	}
	return res
}

// Resolve finds the device a user-supplied specifier refers to: a name, a
// /dev or /dev/mapper path, UUID=, LABEL= or a sysfs path.
func (t *Tree) Resolve(spec string) *Device {
	spec = strings.TrimSpace(spec)
	switch {
	case spec == "":
		return nil
	case strings.HasPrefix(spec, "UUID="):
		uuid := udev.NormalizeUUID(strings.Trim(strings.TrimPrefix(spec, "UUID="), `"`))
		if dev := t.DeviceByUUID(uuid); dev != nil {
			return dev
		}
		return t.find(func(d *Device) bool { return d.format != nil && d.format.UUID == uuid })
	case strings.HasPrefix(spec, "LABEL="):
		label := strings.Trim(strings.TrimPrefix(spec, "LABEL="), `"`)
		return t.find(func(d *Device) bool { return d.format != nil && label != "" && d.format.Label == label })
	case strings.HasPrefix(spec, "/sys/"):
		return t.DeviceBySysfsPath(spec)
	case strings.HasPrefix(spec, "/dev/"):
		if dev := t.find(func(d *Device) bool { return d.Path() == spec }); dev != nil {
			return dev
		}
		return t.DeviceByName(path.Base(spec))
	}
	return t.DeviceByName(spec)
}
