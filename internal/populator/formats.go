package populator

import (
	"context"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/storage-manager/internal/devicetree"
	"github.com/ydb-platform/storage-manager/internal/mux"
	"github.com/ydb-platform/storage-manager/internal/udev"
)

const (
	FormatVDO       = "vdo"
	FormatMDMember  = "mdmember"
	FormatDiskLabel = "disklabel"

	fsTypeVDO      = "vdo"
	fsTypeMDMember = "linux_raid_member"
)

var hasDiskLabel = mux.And(hasProperty(udev.PropertyPartTable), mux.Not(isPartition))

// FormatTypeOf is the format type the record describes, empty when the
// device carries no recognizable content.
func FormatTypeOf(rec udev.Record) string {
	switch {
	case fsType(fsTypeVDO)(rec):
		return FormatVDO
	case fsType(fsTypeMDMember)(rec):
		return FormatMDMember
	case hasDiskLabel(rec):
		return FormatDiskLabel
	}
	return rec.Property(udev.PropertyFSType)
}

func newFormat(rec udev.Record) *devicetree.Format {
	return devicetree.NewFormat(FormatTypeOf(rec), rec.FormatUUID(), rec.Property(udev.PropertyFSLabel))
}

func GenericFormat() Populator {
	return &populator{
		rule: rule{
			name:     "generic",
			category: CategoryFormat,
			priority: 0,
			match:    hasProperty(udev.PropertyFSType),
		},
		construct: func(_ context.Context, _ Env, rec udev.Record, _ []*devicetree.Device) (Result, error) {
			return Result{Format: newFormat(rec)}, nil
		},
	}
}

func DiskLabelFormat() Populator {
	return &populator{
		rule: rule{
			name:     FormatDiskLabel,
			category: CategoryFormat,
			priority: 80,
			match:    hasDiskLabel,
		},
		construct: func(_ context.Context, _ Env, rec udev.Record, _ []*devicetree.Device) (Result, error) {
			f := newFormat(rec)
			f.Attrs["label"] = rec.Property(udev.PropertyPartTable)
			return Result{Format: f}, nil
		},
	}
}

func MDMemberFormat() Populator {
	return &populator{
		rule: rule{
			name:     FormatMDMember,
			category: CategoryFormat,
			priority: 90,
			match:    fsType(fsTypeMDMember),
		},
		construct: func(_ context.Context, _ Env, rec udev.Record, _ []*devicetree.Device) (Result, error) {
			f := newFormat(rec)
			if array := rec.Property(udev.PropertyMDUUID); array != "" {
				f.Attrs["array"] = array
			}
			return Result{Format: f}, nil
		},
	}
}

// VDOFormat attaches the vdo format and builds the VDO volume stored on the
// device from what the native layer reports about it.
func VDOFormat() Populator {
	return &populator{
		rule: rule{
			name:     FormatVDO,
			category: CategoryFormat,
			priority: 100,
			match:    fsType(fsTypeVDO),
		},
		construct: func(ctx context.Context, env Env, rec udev.Record, parents []*devicetree.Device) (Result, error) {
			if len(parents) != 1 {
				return Result{}, fmt.Errorf("vdo format on %d devices", len(parents))
			}
			backing := parents[0]
			res := Result{Format: newFormat(rec)}

			info, err := env.Native.Info(ctx, backing.Path())
			if err != nil {
				klog.V(2).Infof("No vdo volume on %s: %v", backing.Path(), err)
				return res, nil
			}
			if existing := env.Tree.DeviceByName(info.Name); existing != nil {
				klog.Warningf("vdo %s on %s is already known as %s", info.Name, backing.Name, existing)
				return res, nil
			}

			vdo := devicetree.NewDevice(info.Name, devicetree.KindVDO, backing)
			vdo.UUID = udev.NormalizeUUID(info.UUID)
			setVDOAttrs(vdo, info.Compression, info.Deduplication)
			if !info.Active {
				vdo.Attrs["active"] = "false"
			}
			res.Device = vdo
			return res, nil
		},
	}
}
