package server

import (
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ydb-platform/storage-manager/internal/service"
)

func pathList(paths []string) *structpb.ListValue {
	res := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(paths))}
	for _, p := range paths {
		res.Values = append(res.Values, structpb.NewStringValue(p))
	}
	return res
}

func fromPathList(list *structpb.ListValue) []string {
	res := make([]string, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		res = append(res, v.GetStringValue())
	}
	return res
}

func anyList(ss []string) []any {
	res := make([]any, len(ss))
	for i, s := range ss {
		res[i] = s
	}
	return res
}

// propertiesStruct keys follow the json tags of service.ObjectProperties.
func propertiesStruct(p service.ObjectProperties) (*structpb.Struct, error) {
	attrs := make(map[string]any, len(p.Attrs))
	for k, v := range p.Attrs {
		attrs[k] = v
	}
	return structpb.NewStruct(map[string]any{
		"path":        p.Path,
		"kind":        p.Kind,
		"name":        p.Name,
		"type":        p.Type,
		"uuid":        p.UUID,
		"label":       p.Label,
		"exists":      p.Exists,
		"sysfsPath":   p.SysfsPath,
		"devNode":     p.DevNode,
		"parents":     anyList(p.Parents),
		"children":    anyList(p.Children),
		"device":      p.Device,
		"format":      p.Format,
		"description": p.Description,
		"attrs":       attrs,
	})
}

func fromPropertiesStruct(s *structpb.Struct) service.ObjectProperties {
	fields := s.GetFields()
	str := func(key string) string { return fields[key].GetStringValue() }
	list := func(key string) []string {
		values := fields[key].GetListValue().GetValues()
		if len(values) == 0 {
			return nil
		}
		res := make([]string, 0, len(values))
		for _, v := range values {
			res = append(res, v.GetStringValue())
		}
		return res
	}

	p := service.ObjectProperties{
		Path:        str("path"),
		Kind:        str("kind"),
		Name:        str("name"),
		Type:        str("type"),
		UUID:        str("uuid"),
		Label:       str("label"),
		Exists:      fields["exists"].GetBoolValue(),
		SysfsPath:   str("sysfsPath"),
		DevNode:     str("devNode"),
		Parents:     list("parents"),
		Children:    list("children"),
		Device:      str("device"),
		Format:      str("format"),
		Description: str("description"),
	}
	if attrs := fields["attrs"].GetStructValue().GetFields(); len(attrs) > 0 {
		p.Attrs = make(map[string]string, len(attrs))
		for k, v := range attrs {
			p.Attrs[k] = v.GetStringValue()
		}
	}
	return p
}
