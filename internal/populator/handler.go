package populator

import (
	"context"
	"fmt"
	"strings"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/storage-manager/internal/mux"
	"github.com/ydb-platform/storage-manager/internal/udev"
)

// Mask suppresses uevents. An empty Device matches every device and an empty
// Action every action.
type Mask struct {
	Device string `yaml:"device,omitempty"`
	Action string `yaml:"action,omitempty"`
}

func (m Mask) Matches(ev udev.Event) bool {
	rec := ev.Record()
	if m.Device != "" && m.Device != string(rec.Id()) && m.Device != rec.Name() {
		return false
	}
	return m.Action == "" || m.Action == ev.Action()
}

func (m Mask) String() string {
	return fmt.Sprintf("Mask[Device=%q, Action=%q]", m.Device, m.Action)
}

// AddMask starts suppressing events matching m until the returned function
// is called.
func (b *Builder) AddMask(m Mask) mux.CancelFunc {
	entry := &m
	b.masks = append(b.masks, entry)
	return func() {
		for i, e := range b.masks {
			if e == entry {
				b.masks = append(b.masks[:i:i], b.masks[i+1:]...)
				return
			}
		}
	}
}

func (b *Builder) masked(ev udev.Event) bool {
	for _, m := range b.masks {
		if m.Matches(ev) {
			return true
		}
	}
	return false
}

// HandleEvent brings the tree up to date with one uevent. Per-record failures
// are logged; only tree consistency errors are returned.
func (b *Builder) HandleEvent(ctx context.Context, ev udev.Event) error {
	rec := ev.Record()
	if b.masked(ev) {
		klog.V(4).Infof("Masked %s event for %s", ev.Action(), rec.Id())
		return nil
	}
	if rec.Subsystem() != udev.BlockSubsystem {
		return nil
	}
	klog.V(3).Infof("Handling %s event for %s", ev.Action(), rec)

	switch ev.(type) {
	case udev.Added:
		return b.deviceAdded(ctx, rec, false)
	case udev.Changed:
		return b.deviceChanged(ctx, rec)
	case udev.Removed:
		b.deviceRemoved(rec)
	}
	return nil
}

func (b *Builder) deviceAdded(ctx context.Context, rec udev.Record, force bool) error {
	// dm and md devices only carry their names once the change event
	// following the add arrives
	if !force && (rec.IsDM() || rec.IsMD()) {
		klog.V(3).Infof("Ignoring add event for %s", rec.Id())
		return nil
	}
	if dev := b.env.Tree.DeviceByName(rec.Name()); dev != nil && dev.Exists && dev.Active() {
		klog.Infof("%s is already in the tree", rec.Name())
		return nil
	}
	_, err := b.HandleRecord(ctx, rec)
	return b.settle(rec, err)
}

func (b *Builder) deviceChanged(ctx context.Context, rec udev.Record) error {
	if strings.HasPrefix(rec.Name(), "temporary-cryptsetup-") {
		return nil
	}

	tree := b.env.Tree
	dev := tree.DeviceBySysfsPath(rec.SysfsPath())
	if dev == nil {
		dev = tree.DeviceByName(rec.Name())
		if dev != nil && !dev.Active() {
			dev.SysfsPath = rec.SysfsPath()
		}
	}
	if dev == nil {
		named := (rec.IsMD() && rec.HasProperty(udev.PropertyMDUUID)) ||
			(rec.IsDM() && rec.HasProperty(udev.PropertyDMName))
		if named || (!rec.IsDM() && !rec.IsMD()) {
			return b.deviceAdded(ctx, rec, true)
		}
		klog.V(3).Infof("Ignoring change event for unknown %s", rec.Id())
		return nil
	}

	b.refresh(dev, rec)

	var oldType, oldUUID string
	if f := dev.Format(); f != nil {
		oldType, oldUUID = f.Type, f.UUID
	}
	newType, newUUID := FormatTypeOf(rec), rec.FormatUUID()
	typeChanged := newType != oldType && !(oldType == FormatDiskLabel && hasDiskLabel(rec))
	uuidChanged := oldUUID != "" && oldUUID != newUUID

	if !typeChanged {
		if f := dev.Format(); f != nil {
			f.UUID = newUUID
			f.Label = rec.Property(udev.PropertyFSLabel)
		}
	}
	if !typeChanged && !uuidChanged {
		return nil
	}

	klog.Infof("%s was reformatted from %q to %q", dev.Name, oldType, newType)
	for _, child := range tree.Children(dev) {
		if tree.DeviceByID(child.ID()) != child {
			continue
		}
		if err := tree.RecursiveRemove(child); err != nil {
			return err
		}
	}
	if err := tree.SetFormat(dev, nil); err != nil {
		return err
	}
	return b.settle(rec, b.handleFormat(ctx, rec, dev))
}

// deviceRemoved treats a remove event as a deactivation. Destruction shows
// up as a change of the parent.
func (b *Builder) deviceRemoved(rec udev.Record) {
	dev := b.env.Tree.DeviceBySysfsPath(rec.SysfsPath())
	if dev == nil {
		dev = b.env.Tree.DeviceByName(rec.Name())
	}
	if dev == nil {
		return
	}
	klog.V(2).Infof("%s was deactivated", dev.Name)
	dev.SysfsPath = ""
}
