package devicetree

import (
	"fmt"
	"path"
)

// ID identifies a device, format or action. IDs come from one counter per
// tree and are never reused, not even across Reset.
type ID uint64

type Kind string

const (
	KindDisk      Kind = "disk"
	KindPartition Kind = "partition"
	KindDM        Kind = "dm"
	KindMD        Kind = "md"
	KindVDO       Kind = "vdo"
)

// Device is a node of the tree. Parents are held by ID and resolved through
// the tree that owns the device.
type Device struct {
	id      ID
	parents []ID
	format  *Format

	Name   string
	Kind   Kind
	UUID   string
	Exists bool
	// SysfsPath is empty while the device is inactive.
	SysfsPath string
	DevNode   string
	Attrs     map[string]string
}

// NewDevice returns a device that is not yet part of any tree.
func NewDevice(name string, kind Kind, parents ...*Device) *Device {
	ids := make([]ID, 0, len(parents))
	for _, p := range parents {
		ids = append(ids, p.id)
	}
	return &Device{
		parents: ids,
		Name:    name,
		Kind:    kind,
		Exists:  true,
		Attrs:   map[string]string{},
	}
}

func (d *Device) ID() ID {
	return d.id
}

func (d *Device) Parents() []ID {
	res := make([]ID, len(d.parents))
	copy(res, d.parents)
	return res
}

func (d *Device) Format() *Format {
	return d.format
}

func (d *Device) dependsOn(id ID) bool {
	for _, p := range d.parents {
		if p == id {
			return true
		}
	}
	return false
}

// Path is the /dev node of the device.
func (d *Device) Path() string {
	if d.DevNode != "" {
		return d.DevNode
	}
	if d.Kind == KindDM || d.Kind == KindVDO {
		return path.Join("/dev/mapper", d.Name)
	}
	return path.Join("/dev", d.Name)
}

func (d *Device) Active() bool {
	return d.SysfsPath != ""
}

func (d *Device) String() string {
	return fmt.Sprintf("Device[ID=%d, Name=%s, Kind=%s, Parents=%v]", d.id, d.Name, d.Kind, d.parents)
}

// Format is the content found on a device. It is attached to at most one
// device at a time.
type Format struct {
	id     ID
	device ID

	Type   string
	UUID   string
	Label  string
	Exists bool
	Attrs  map[string]string
}

func NewFormat(typ, uuid, label string) *Format {
	return &Format{
		Type:   typ,
		UUID:   uuid,
		Label:  label,
		Exists: true,
		Attrs:  map[string]string{},
	}
}

func (f *Format) ID() ID {
	return f.id
}

// Device is the ID of the owning device, zero while detached.
func (f *Format) Device() ID {
	return f.device
}

func (f *Format) String() string {
	return fmt.Sprintf("Format[ID=%d, Type=%s, UUID=%s, Device=%d]", f.id, f.Type, f.UUID, f.device)
}
