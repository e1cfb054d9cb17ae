package populator

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/storage-manager/internal/devicetree"
	"github.com/ydb-platform/storage-manager/internal/udev"
)

// ErrConstruction wraps a failure of a populator or of the native layer
// while building one record. Discovery continues with the other records.
var ErrConstruction = errors.New("construction failed")

// Recoverable reports whether err only concerns the record it was returned
// for. Anything else means the tree or its observers are inconsistent.
func Recoverable(err error) bool {
	for _, target := range []error{
		ErrNoMatch,
		ErrAmbiguousMatch,
		ErrDependencyCycle,
		ErrMissingDependency,
		ErrIncompleteDependencies,
		ErrConstruction,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Deferred reports whether the record may succeed once more records appear.
func Deferred(err error) bool {
	return errors.Is(err, ErrIncompleteDependencies) || errors.Is(err, ErrMissingDependency)
}

type Stats struct {
	Created  int
	Deferred int
	Skipped  int
	Failed   int
}

func (s Stats) String() string {
	return fmt.Sprintf("created=%d deferred=%d skipped=%d failed=%d", s.Created, s.Deferred, s.Skipped, s.Failed)
}

// Builder turns records into devices and formats of the tree.
type Builder struct {
	env      Env
	registry *Registry
	resolver *Resolver
	masks    []*Mask

	// format failures since the last Populate
	failed int
}

type Option func(*Builder)

func WithMasks(masks ...Mask) Option {
	return func(b *Builder) {
		for _, m := range masks {
			b.AddMask(m)
		}
	}
}

func NewBuilder(env Env, registry *Registry, opts ...Option) *Builder {
	b := &Builder{
		env:      env,
		registry: registry,
		resolver: NewResolver(env.Source),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// HandleRecord makes sure the device of rec, its dependencies and its format
// are in the tree. Handling a record twice refreshes the existing device.
func (b *Builder) HandleRecord(ctx context.Context, rec udev.Record) (*devicetree.Device, error) {
	return b.handle(ctx, rec)
}

func (b *Builder) handle(ctx context.Context, rec udev.Record) (*devicetree.Device, error) {
	if dev := b.env.Tree.DeviceBySysfsPath(rec.SysfsPath()); dev != nil {
		b.refresh(dev, rec)
		return dev, b.handleFormat(ctx, rec, dev)
	}

	p, err := b.registry.Select(CategoryDevice, rec)
	if err != nil {
		return nil, err
	}
	if err := b.resolver.Enter(rec.Id()); err != nil {
		return nil, err
	}
	defer b.resolver.Leave(rec.Id())

	parents, err := b.resolver.Parents(ctx, rec, b.handle)
	if err != nil {
		return nil, err
	}

	dev := b.lookup(rec)
	if dev == nil {
		res, err := p.Construct(ctx, b.env, rec, parents)
		if err == nil && res.Device == nil {
			err = errors.New("no device constructed")
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s populator on %s: %w", ErrConstruction, p.Name(), rec.Id(), err)
		}
		dev = res.Device
		if err := b.addDevice(dev); err != nil {
			return nil, err
		}
		klog.V(2).Infof("Added %s device %s for %s", dev.Kind, dev.Name, rec.Id())
	}
	return dev, b.handleFormat(ctx, rec, dev)
}

func (b *Builder) addDevice(dev *devicetree.Device) error {
	err := b.env.Tree.AddDevice(dev)
	if errors.Is(err, devicetree.ErrDuplicateName) || errors.Is(err, devicetree.ErrUnknownDevice) {
		return fmt.Errorf("%w: %w", ErrConstruction, err)
	}
	return err
}

// refresh updates what may change while a device stays the same.
func (b *Builder) refresh(dev *devicetree.Device, rec udev.Record) {
	if dev.Name != rec.Name() {
		if err := b.env.Tree.Rename(dev, rec.Name()); err != nil {
			klog.Warningf("Failed to rename %s to %s: %v", dev.Name, rec.Name(), err)
		}
	}
	dev.SysfsPath = rec.SysfsPath()
	dev.DevNode = rec.DevNode()
}

// lookup finds a device that was built for rec through another code path:
// by name first, by UUID next. A UUID match takes the name from rec.
func (b *Builder) lookup(rec udev.Record) *devicetree.Device {
	if dev := b.env.Tree.DeviceByName(rec.Name()); dev != nil {
		b.refresh(dev, rec)
		return dev
	}
	uuid := rec.UUID()
	if uuid == "" {
		return nil
	}
	dev := b.env.Tree.DeviceByUUID(uuid)
	if dev == nil {
		return nil
	}
	if n := b.countUUID(uuid); n > 1 {
		klog.Warningf("%d devices share UUID %s, using %s for %s", n, uuid, dev.Name, rec.Id())
	}
	klog.V(2).Infof("Found %s for %s by UUID %s", dev.Name, rec.Name(), uuid)
	b.refresh(dev, rec)
	return dev
}

func (b *Builder) countUUID(uuid string) int {
	n := 0
	for _, dev := range b.env.Tree.Devices() {
		if dev.UUID == uuid {
			n++
		}
	}
	return n
}

// handleFormat attaches the format found on rec to dev unless dev has one.
// Format failures leave dev in place and are only logged.
func (b *Builder) handleFormat(ctx context.Context, rec udev.Record, dev *devicetree.Device) error {
	if dev.Format() != nil {
		return nil
	}
	p, err := b.registry.Select(CategoryFormat, rec)
	if errors.Is(err, ErrNoMatch) {
		return nil
	}
	if err != nil {
		klog.Errorf("Failed to select format populator for %s: %v", dev.Name, err)
		b.failed++
		return nil
	}

	res, err := p.Construct(ctx, b.env, rec, []*devicetree.Device{dev})
	if err == nil && res.Format == nil {
		err = errors.New("no format constructed")
	}
	if err != nil {
		klog.Errorf("Failed to construct %s format on %s: %v", p.Name(), dev.Name, err)
		b.failed++
		return nil
	}
	if err := b.env.Tree.SetFormat(dev, res.Format); err != nil {
		return err
	}
	klog.V(2).Infof("Added %s format to %s", res.Format.Type, dev.Name)

	if res.Device != nil {
		return b.addStacked(ctx, res.Device)
	}
	return nil
}

// addStacked adds a device that a format carries and, if the device is
// active, handles its record as well.
func (b *Builder) addStacked(ctx context.Context, dev *devicetree.Device) error {
	if err := b.addDevice(dev); err != nil {
		if Recoverable(err) {
			klog.Errorf("Failed to add %s: %v", dev.Name, err)
			b.failed++
			return nil
		}
		return err
	}
	klog.V(2).Infof("Added %s device %s", dev.Kind, dev.Name)

	rec, ok := b.recordByName(dev.Name)
	if !ok {
		klog.V(2).Infof("%s is not active", dev.Name)
		return nil
	}
	dev.SysfsPath = rec.SysfsPath()
	dev.DevNode = rec.DevNode()
	if b.resolver.Resolving(rec.Id()) {
		// the caller is handling this record already
		return nil
	}
	_, err := b.handle(ctx, rec)
	return b.settle(rec, err)
}

func (b *Builder) recordByName(name string) (udev.Record, bool) {
	for _, rec := range b.env.Source.Records() {
		if rec.Name() == name {
			return rec, true
		}
	}
	return udev.Record{}, false
}

// settle logs per-record failures and passes everything else through.
func (b *Builder) settle(rec udev.Record, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNoMatch):
		klog.V(4).Infof("Skipping %s: %v", rec.Id(), err)
		return nil
	case Deferred(err):
		klog.V(2).Infof("Deferring %s: %v", rec.Id(), err)
		return nil
	case Recoverable(err):
		klog.Errorf("Failed to handle %s: %v", rec.Id(), err)
		return nil
	}
	return err
}

// Populate runs passes over every record of the source until a pass adds no
// device. Records whose dependencies are not all present yet are retried on
// the next pass.
func (b *Builder) Populate(ctx context.Context) (Stats, error) {
	var stats Stats
	b.failed = 0
	before := len(b.env.Tree.Devices())

	pending := b.env.Source.Records()
	for pass := 1; len(pending) > 0; pass++ {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		known := len(b.env.Tree.Devices())
		var deferred []udev.Record
		for _, rec := range pending {
			_, err := b.handle(ctx, rec)
			switch {
			case err == nil:
			case Deferred(err):
				deferred = append(deferred, rec)
			case errors.Is(err, ErrNoMatch):
				klog.V(4).Infof("Skipping %s: %v", rec.Id(), err)
				stats.Skipped++
			case Recoverable(err):
				klog.Errorf("Failed to handle %s: %v", rec.Id(), err)
				stats.Failed++
			default:
				return stats, err
			}
		}
		klog.V(3).Infof("Pass %d: %d records deferred", pass, len(deferred))
		pending = deferred
		if len(b.env.Tree.Devices()) == known {
			break
		}
	}

	for _, rec := range pending {
		klog.V(2).Infof("Deferring %s until its dependencies appear", rec.Id())
	}
	stats.Deferred = len(pending)
	stats.Created = len(b.env.Tree.Devices()) - before
	stats.Failed += b.failed
	return stats, nil
}
