package export

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ydb-platform/storage-manager/internal/devicetree"
)

const (
	BasePath = "/ydb/StorageManager1"

	DevicePathBase        = BasePath + "/Devices"
	RemovedDevicePathBase = BasePath + "/RemovedDevices"
	FormatPathBase        = BasePath + "/Formats"
	RemovedFormatPathBase = BasePath + "/RemovedFormats"
	ActionPathBase        = BasePath + "/Actions"
)

type Kind int

const (
	KindDevice Kind = iota
	KindFormat
	KindAction
)

func (k Kind) String() string {
	switch k {
	case KindDevice:
		return "device"
	case KindFormat:
		return "format"
	case KindAction:
		return "action"
	}
	return "unknown"
}

func (k Kind) base(removed bool) string {
	switch {
	case k == KindDevice && removed:
		return RemovedDevicePathBase
	case k == KindDevice:
		return DevicePathBase
	case k == KindFormat && removed:
		return RemovedFormatPathBase
	case k == KindFormat:
		return FormatPathBase
	}
	return ActionPathBase
}

// Object is the exported counterpart of one device, format or action.
type Object struct {
	kind    Kind
	id      devicetree.ID
	removed bool

	device *devicetree.Device
	format *devicetree.Format
	action *devicetree.Action
}

func (o *Object) Kind() Kind {
	return o.kind
}

func (o *Object) ID() devicetree.ID {
	return o.id
}

// Removed is only ever true while the removal of the entity is being
// handled.
func (o *Object) Removed() bool {
	return o.removed
}

func (o *Object) Path() string {
	return fmt.Sprintf("%s/%d", o.kind.base(o.removed), o.id)
}

func (o *Object) Device() *devicetree.Device {
	return o.device
}

func (o *Object) Format() *devicetree.Format {
	return o.format
}

func (o *Object) Action() *devicetree.Action {
	return o.action
}

func (o *Object) String() string {
	return fmt.Sprintf("Object[Path=%s, Kind=%s]", o.Path(), o.kind)
}

// ParsePath splits an object path into kind, id and tombstone flag.
func ParsePath(path string) (Kind, devicetree.ID, bool, error) {
	for _, candidate := range []struct {
		kind    Kind
		removed bool
	}{
		{KindDevice, false},
		{KindDevice, true},
		{KindFormat, false},
		{KindFormat, true},
		{KindAction, false},
	} {
		prefix := candidate.kind.base(candidate.removed) + "/"
		if !strings.HasPrefix(path, prefix) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimPrefix(path, prefix), 10, 64)
		if err != nil || id == 0 {
			return 0, 0, false, fmt.Errorf("malformed object path %q", path)
		}
		return candidate.kind, devicetree.ID(id), candidate.removed, nil
	}
	return 0, 0, false, fmt.Errorf("unknown object path %q", path)
}
