package populator

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/storage-manager/internal/devicetree"
	"github.com/ydb-platform/storage-manager/internal/mux"
	"github.com/ydb-platform/storage-manager/internal/udev"
)

type constructFunc func(ctx context.Context, env Env, rec udev.Record, parents []*devicetree.Device) (Result, error)

type populator struct {
	rule
	construct constructFunc
}

func (p *populator) Construct(ctx context.Context, env Env, rec udev.Record, parents []*devicetree.Device) (Result, error) {
	return p.construct(ctx, env, rec, parents)
}

func newDevice(rec udev.Record, kind devicetree.Kind, parents []*devicetree.Device) *devicetree.Device {
	dev := devicetree.NewDevice(rec.Name(), kind, parents...)
	dev.UUID = rec.UUID()
	dev.SysfsPath = rec.SysfsPath()
	dev.DevNode = rec.DevNode()
	return dev
}

func DiskDevice() Populator {
	return &populator{
		rule: rule{
			name:     "disk",
			category: CategoryDevice,
			priority: 30,
			match:    mux.And(isWholeDisk, mux.Not(isDM), mux.Not(isMD)),
		},
		construct: func(_ context.Context, _ Env, rec udev.Record, parents []*devicetree.Device) (Result, error) {
			dev := newDevice(rec, devicetree.KindDisk, parents)
			if model := rec.Property(udev.PropertyModel); model != "" {
				dev.Attrs["model"] = model
			}
			if serial := rec.Property(udev.PropertyShortSerial); serial != "" {
				dev.Attrs["serial"] = serial
			}
			return Result{Device: dev}, nil
		},
	}
}

func PartitionDevice() Populator {
	return &populator{
		rule: rule{
			name:     "partition",
			category: CategoryDevice,
			priority: 40,
			match:    isPartition,
		},
		construct: func(_ context.Context, _ Env, rec udev.Record, parents []*devicetree.Device) (Result, error) {
			if len(parents) != 1 {
				return Result{}, fmt.Errorf("partition %s has %d parents", rec.Name(), len(parents))
			}
			dev := newDevice(rec, devicetree.KindPartition, parents)
			if num := rec.Property(udev.PropertyPartEntryNum); num != "" {
				dev.Attrs["number"] = num
			}
			if name := rec.Property(udev.PropertyPartName); name != "" {
				dev.Attrs["partname"] = name
			}
			return Result{Device: dev}, nil
		},
	}
}

// DMDevice handles plain device-mapper mappings.
func DMDevice() Populator {
	return &populator{
		rule: rule{
			name:     "dm",
			category: CategoryDevice,
			priority: 50,
			match:    mux.And(isDM, mux.Not(isPartition), mux.Not(isForeignDM), mux.Not(isVDO)),
		},
		construct: func(_ context.Context, _ Env, rec udev.Record, parents []*devicetree.Device) (Result, error) {
			if len(parents) == 0 {
				return Result{}, fmt.Errorf("dm device %s has no slaves", rec.Name())
			}
			dev := newDevice(rec, devicetree.KindDM, parents)
			if target := rec.DMTarget(); target != "" {
				dev.Attrs["target"] = target
			}
			return Result{Device: dev}, nil
		},
	}
}

func MDDevice() Populator {
	return &populator{
		rule: rule{
			name:     "md",
			category: CategoryDevice,
			priority: 60,
			match:    mux.And(isMD, mux.Not(isPartition), hasProperty(udev.PropertyMDLevel)),
		},
		construct: func(_ context.Context, _ Env, rec udev.Record, parents []*devicetree.Device) (Result, error) {
			dev := newDevice(rec, devicetree.KindMD, parents)
			dev.Attrs["level"] = rec.Property(udev.PropertyMDLevel)
			if n := rec.Property(udev.PropertyMDDevices); n != "" {
				dev.Attrs["members"] = n
			}
			return Result{Device: dev}, nil
		},
	}
}

// VDODevice handles active VDO volumes. The volume is usually already known
// from the vdo format on its backing device; construction only happens when
// that lookup failed.
func VDODevice() Populator {
	return &populator{
		rule: rule{
			name:     "vdo",
			category: CategoryDevice,
			priority: 100,
			match:    isVDO,
		},
		construct: func(ctx context.Context, env Env, rec udev.Record, parents []*devicetree.Device) (Result, error) {
			if len(parents) != 1 {
				return Result{}, fmt.Errorf("vdo %s has %d slaves", rec.Name(), len(parents))
			}
			dev := newDevice(rec, devicetree.KindVDO, parents)
			info, err := env.Native.Info(ctx, parents[0].Path())
			if err != nil {
				klog.V(2).Infof("No vdo info for %s on %s: %v", rec.Name(), parents[0].Path(), err)
				return Result{Device: dev}, nil
			}
			setVDOAttrs(dev, info.Compression, info.Deduplication)
			return Result{Device: dev}, nil
		},
	}
}

func setVDOAttrs(dev *devicetree.Device, compression, deduplication bool) {
	dev.Attrs["compression"] = fmt.Sprint(compression)
	dev.Attrs["deduplication"] = fmt.Sprint(deduplication)
}
