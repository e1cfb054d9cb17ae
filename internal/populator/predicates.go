package populator

import (
	"strings"

	"github.com/ydb-platform/storage-manager/internal/mux"
	"github.com/ydb-platform/storage-manager/internal/udev"
)

type predicate = mux.FilterFunc[udev.Record]

var (
	isDM predicate = func(rec udev.Record) bool {
		return rec.IsDM()
	}
	isMD predicate = func(rec udev.Record) bool {
		return rec.IsMD() && !rec.IsDM()
	}
	isPartition predicate = func(rec udev.Record) bool {
		return rec.IsPartition()
	}
	isWholeDisk predicate = func(rec udev.Record) bool {
		return rec.DevType() == udev.DeviceTypeDisk
	}
)

func dmTarget(targets ...string) predicate {
	return func(rec udev.Record) bool {
		target := strings.ToUpper(rec.DMTarget())
		for _, t := range targets {
			if target == t {
				return true
			}
		}
		return false
	}
}

var (
	isVDO = mux.And(isDM, dmTarget("VDO"))
	// owned by stacks this service does not model
	isForeignDM = dmTarget("CRYPT", "LVM", "MPATH", "DMRAID")
)

func hasProperty(key string) predicate {
	return func(rec udev.Record) bool {
		return rec.Property(key) != ""
	}
}

func fsType(types ...string) predicate {
	return func(rec udev.Record) bool {
		v := rec.Property(udev.PropertyFSType)
		for _, t := range types {
			if v == t {
				return true
			}
		}
		return false
	}
}
