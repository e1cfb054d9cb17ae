package service

import (
	"fmt"

	"github.com/ydb-platform/storage-manager/internal/devicetree"
	"github.com/ydb-platform/storage-manager/internal/export"
)

// DeviceInfo is what consumers outside the service loop learn about an
// exported device.
type DeviceInfo struct {
	Path    string `json:"path" yaml:"path"`
	Name    string `json:"name" yaml:"name"`
	Kind    string `json:"kind" yaml:"kind"`
	DevNode string `json:"devNode" yaml:"devNode"`
	UUID    string `json:"uuid,omitempty" yaml:"uuid,omitempty"`
	Format  string `json:"format,omitempty" yaml:"format,omitempty"`
	Active  bool   `json:"active" yaml:"active"`
}

type Snapshot []DeviceInfo

func (s Snapshot) Equal(other Snapshot) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// ObjectProperties describes one exported object.
type ObjectProperties struct {
	Path        string            `json:"path" yaml:"path"`
	Kind        string            `json:"kind" yaml:"kind"`
	Name        string            `json:"name,omitempty" yaml:"name,omitempty"`
	Type        string            `json:"type" yaml:"type"`
	UUID        string            `json:"uuid,omitempty" yaml:"uuid,omitempty"`
	Label       string            `json:"label,omitempty" yaml:"label,omitempty"`
	Exists      bool              `json:"exists" yaml:"exists"`
	SysfsPath   string            `json:"sysfsPath,omitempty" yaml:"sysfsPath,omitempty"`
	DevNode     string            `json:"devNode,omitempty" yaml:"devNode,omitempty"`
	Parents     []string          `json:"parents,omitempty" yaml:"parents,omitempty"`
	Children    []string          `json:"children,omitempty" yaml:"children,omitempty"`
	Device      string            `json:"device,omitempty" yaml:"device,omitempty"`
	Format      string            `json:"format,omitempty" yaml:"format,omitempty"`
	Description string            `json:"description,omitempty" yaml:"description,omitempty"`
	Attrs       map[string]string `json:"attrs,omitempty" yaml:"attrs,omitempty"`
}

func (m *Manager) devicePath(id devicetree.ID) string {
	if obj, ok := m.exports.ByID(export.KindDevice, id); ok {
		return obj.Path()
	}
	return ""
}

func (m *Manager) formatPath(f *devicetree.Format) string {
	if f == nil {
		return ""
	}
	if obj, ok := m.exports.ByID(export.KindFormat, f.ID()); ok {
		return obj.Path()
	}
	return ""
}

// DescribeObject returns the properties of the object exported at path.
func (m *Manager) DescribeObject(path string) (ObjectProperties, error) {
	obj, ok := m.exports.Lookup(path)
	if !ok {
		return ObjectProperties{}, fmt.Errorf("%w: %s", ErrObjectNotFound, path)
	}
	props := ObjectProperties{
		Path: obj.Path(),
		Kind: obj.Kind().String(),
	}

	switch obj.Kind() {
	case export.KindDevice:
		dev := obj.Device()
		props.Name = dev.Name
		props.Type = string(dev.Kind)
		props.UUID = dev.UUID
		props.Exists = dev.Exists
		props.SysfsPath = dev.SysfsPath
		props.DevNode = dev.Path()
		props.Format = m.formatPath(dev.Format())
		props.Attrs = dev.Attrs
		for _, p := range dev.Parents() {
			props.Parents = append(props.Parents, m.devicePath(p))
		}
		for _, c := range m.tree.Children(dev) {
			props.Children = append(props.Children, m.devicePath(c.ID()))
		}
	case export.KindFormat:
		f := obj.Format()
		props.Type = f.Type
		props.UUID = f.UUID
		props.Label = f.Label
		props.Exists = f.Exists
		props.Device = m.devicePath(f.Device())
		props.Attrs = f.Attrs
	case export.KindAction:
		a := obj.Action()
		props.Type = string(a.Type)
		props.Name = a.DeviceName
		props.Description = a.String()
		props.Device = m.devicePath(a.Device)
	}
	return props, nil
}
