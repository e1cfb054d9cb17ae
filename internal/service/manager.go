package service

import (
	"context"
	"errors"
	"fmt"
	"path"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/storage-manager/internal/blockdev"
	"github.com/ydb-platform/storage-manager/internal/devicetree"
	"github.com/ydb-platform/storage-manager/internal/export"
	"github.com/ydb-platform/storage-manager/internal/populator"
	"github.com/ydb-platform/storage-manager/internal/udev"
)

var (
	ErrDeviceLookupFailed = errors.New("device lookup failed")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrObjectNotFound     = errors.New("object not found")
	ErrNotDisk            = errors.New("not a disk")
)

type Config struct {
	Source   udev.Source
	Native   blockdev.Native
	Registry *populator.Registry
	Masks    []populator.Mask
	// Exit is called by Exit. It must not block.
	Exit func()
}

// Manager owns the device tree and its exports. It is not safe for concurrent
// use; Loop serializes access to it.
type Manager struct {
	tree    *devicetree.Tree
	exports *export.Synchronizer
	builder *populator.Builder
	source  udev.Source
	native  blockdev.Native
	exit    func()
}

func NewManager(cfg Config) *Manager {
	registry := cfg.Registry
	if registry == nil {
		registry = populator.DefaultRegistry()
	}
	exit := cfg.Exit
	if exit == nil {
		exit = func() {}
	}
	tree := devicetree.New()
	env := populator.Env{Tree: tree, Source: cfg.Source, Native: cfg.Native}
	return &Manager{
		tree:    tree,
		exports: export.New(tree),
		builder: populator.NewBuilder(env, registry, populator.WithMasks(cfg.Masks...)),
		source:  cfg.Source,
		native:  cfg.Native,
		exit:    exit,
	}
}

func (m *Manager) Exports() *export.Synchronizer {
	return m.exports
}

// Populate discovers every device of the source.
func (m *Manager) Populate(ctx context.Context) (populator.Stats, error) {
	stats, err := m.builder.Populate(ctx)
	if err != nil {
		return stats, err
	}
	klog.Infof("Discovery finished: %s", stats)
	return stats, nil
}

// Reset drops the whole tree with its exports and discovers it again.
func (m *Manager) Reset(ctx context.Context) error {
	klog.Info("Resetting device tree")
	return m.exports.Reset(func() error {
		m.tree.Reset()
		_, err := m.Populate(ctx)
		return err
	})
}

func (m *Manager) Exit() {
	klog.Info("Exit requested")
	m.exit()
}

func (m *Manager) HandleEvent(ctx context.Context, ev udev.Event) error {
	return m.builder.HandleEvent(ctx, ev)
}

// ListDevices returns the paths of every exported device.
func (m *Manager) ListDevices() []string {
	objs := m.exports.List(export.KindDevice, false)
	res := make([]string, 0, len(objs))
	for _, obj := range objs {
		res = append(res, obj.Path())
	}
	return res
}

func (m *Manager) ResolveDevice(spec string) (string, error) {
	dev := m.tree.Resolve(spec)
	if dev == nil {
		return "", fmt.Errorf("%w: no device was found that matches the device descriptor %q", ErrDeviceLookupFailed, spec)
	}
	obj, ok := m.exports.ByID(export.KindDevice, dev.ID())
	if !ok {
		return "", fmt.Errorf("%w: %s is not exported", ErrDeviceNotFound, dev.Name)
	}
	return obj.Path(), nil
}

func (m *Manager) device(objectPath string) (*devicetree.Device, error) {
	obj, ok := m.exports.Lookup(objectPath)
	if !ok || obj.Kind() != export.KindDevice || obj.Removed() {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, objectPath)
	}
	return obj.Device(), nil
}

// RemoveDevice removes the device and everything built on it from the tree.
// Nothing is changed on disk.
func (m *Manager) RemoveDevice(objectPath string) error {
	dev, err := m.device(objectPath)
	if err != nil {
		return err
	}
	klog.Infof("Removing %s (%s)", dev.Name, objectPath)
	return m.tree.RecursiveRemove(dev)
}

// InitializeDisk removes the disk with everything on it, writes an empty
// disk label through the native layer and discovers the disk again under a
// new object path.
func (m *Manager) InitializeDisk(ctx context.Context, objectPath string) error {
	dev, err := m.device(objectPath)
	if err != nil {
		return err
	}
	if dev.Kind != devicetree.KindDisk {
		return fmt.Errorf("%w: %s is a %s", ErrNotDisk, dev.Name, dev.Kind)
	}
	// aggregates stacked on the disk are torn down before it is wiped
	var actions []*devicetree.Action
	for _, stacked := range m.stacked(dev) {
		if stacked.Kind == devicetree.KindVDO || stacked.Kind == devicetree.KindDM {
			actions = append(actions, devicetree.NewAction(devicetree.ActionDestroyDevice, stacked))
		}
	}
	actions = append(actions, devicetree.NewAction(devicetree.ActionInitializeDisk, dev))
	id := udev.Id(path.Base(dev.SysfsPath))
	if dev.SysfsPath == "" {
		id = udev.Id(dev.Name)
	}

	if err := m.RemoveDevice(objectPath); err != nil {
		return err
	}
	for _, action := range actions {
		if err := m.tree.Schedule(action); err != nil {
			return err
		}
	}
	if err := m.tree.Process(ctx, m.native); err != nil {
		for _, action := range m.tree.Actions() {
			if cerr := m.tree.Cancel(action); cerr != nil {
				klog.Errorf("Failed to cancel %s: %v", action, cerr)
			}
		}
		// the disk was not wiped, bring back whatever is still on it
		if rerr := m.restore(ctx, id); rerr != nil {
			klog.Errorf("Failed to rediscover %s: %v", id, rerr)
		}
		return err
	}

	disk, err := m.rediscover(ctx, id)
	if err != nil || disk == nil {
		return err
	}
	// the record still describes the old content until the change uevent
	// for the wiped disk arrives; that event only refreshes the label UUID
	for _, child := range m.tree.Children(disk) {
		if err := m.tree.RecursiveRemove(child); err != nil {
			return err
		}
	}
	label := devicetree.NewFormat(populator.FormatDiskLabel, "", "")
	label.Attrs["label"] = "gpt"
	return m.tree.SetFormat(disk, label)
}

// stacked returns every device built on dev, the topmost ones first.
func (m *Manager) stacked(dev *devicetree.Device) []*devicetree.Device {
	var res []*devicetree.Device
	seen := make(map[devicetree.ID]bool)
	var walk func(*devicetree.Device)
	walk = func(d *devicetree.Device) {
		for _, child := range m.tree.Children(d) {
			if seen[child.ID()] {
				continue
			}
			seen[child.ID()] = true
			walk(child)
			res = append(res, child)
		}
	}
	walk(dev)
	return res
}

// rediscover handles the current record of id. Recoverable failures are
// logged and yield a nil device.
func (m *Manager) rediscover(ctx context.Context, id udev.Id) (*devicetree.Device, error) {
	rec, ok := m.source.Record(id)
	if !ok {
		klog.Warningf("No record for %s", id)
		return nil, nil
	}
	dev, err := m.builder.HandleRecord(ctx, rec)
	if err != nil {
		if populator.Recoverable(err) {
			klog.Errorf("Failed to rediscover %s: %v", id, err)
			return nil, nil
		}
		return nil, err
	}
	return dev, nil
}

// restore rediscovers the device id and every device stacked on it, in sysfs
// order. Devices elsewhere in the tree are left alone.
func (m *Manager) restore(ctx context.Context, id udev.Id) error {
	if _, err := m.rediscover(ctx, id); err != nil {
		return err
	}
	records := make(map[udev.Id]udev.Record)
	for _, rec := range m.source.Records() {
		records[rec.Id()] = rec
	}
	reaches := make(map[udev.Id]bool)
	var stackedOn func(rec udev.Record, visiting map[udev.Id]bool) bool
	stackedOn = func(rec udev.Record, visiting map[udev.Id]bool) bool {
		if r, ok := reaches[rec.Id()]; ok {
			return r
		}
		visiting[rec.Id()] = true
		res := false
		for _, dep := range rec.Dependencies() {
			if dep == id {
				res = true
				break
			}
			if parent, ok := records[dep]; ok && !visiting[dep] && stackedOn(parent, visiting) {
				res = true
				break
			}
		}
		reaches[rec.Id()] = res
		return res
	}

	for _, rec := range m.source.Records() {
		if rec.Id() == id || !stackedOn(rec, make(map[udev.Id]bool)) {
			continue
		}
		if _, err := m.rediscover(ctx, rec.Id()); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot describes the exported devices.
func (m *Manager) Snapshot() Snapshot {
	objs := m.exports.List(export.KindDevice, false)
	res := make(Snapshot, 0, len(objs))
	for _, obj := range objs {
		dev := obj.Device()
		info := DeviceInfo{
			Path:    obj.Path(),
			Name:    dev.Name,
			Kind:    string(dev.Kind),
			DevNode: dev.Path(),
			UUID:    dev.UUID,
			Active:  dev.Active(),
		}
		if f := dev.Format(); f != nil {
			info.Format = f.Type
		}
		res = append(res, info)
	}
	return res
}
