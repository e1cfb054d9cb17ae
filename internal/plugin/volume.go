package plugin

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"slices"
	"strings"

	"github.com/kennygrant/sanitize"

	"k8s.io/klog/v2"
	pluginapi "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"

	"github.com/ydb-platform/storage-manager/internal/service"
)

// FromDevice maps an exported device to plugin entities. A nil result means
// the device is not handled.
type FromDevice[T any] func(dev service.DeviceInfo) (T, error)

// volume is an exported device handed to containers.
type volume struct {
	domain string
	label  string
	dev    service.DeviceInfo
}

func (v *volume) Id() Id {
	return Id(v.dev.Name)
}

func (v *volume) Health() Health {
	if v.dev.Active {
		return Healthy{}
	}
	return Unhealthy{}
}

func sanitizeEnv(s string) string {
	replacer := strings.NewReplacer(".", "_", "-", "_", "/", "_")
	return strings.ToUpper(replacer.Replace(s))
}

func (v *volume) envName(env string) string {
	return sanitizeEnv(v.domain) + "_" + sanitizeEnv(v.dev.Kind) + "_" + sanitizeEnv(v.dev.Name) + "_" + env
}

func (v *volume) containerPath() string {
	return path.Join("/dev", "allocated", v.domain, v.dev.Kind, sanitize.BaseName(v.label), sanitize.BaseName(v.dev.Name))
}

func (v *volume) Allocate(context.Context) (*pluginapi.ContainerAllocateResponse, error) {
	if v.dev.DevNode == "" {
		return nil, fmt.Errorf("device %s has no device node", v.dev.Name)
	}
	containerPath := v.containerPath()
	response := &pluginapi.ContainerAllocateResponse{
		Devices: []*pluginapi.DeviceSpec{{
			HostPath:      v.dev.DevNode,
			ContainerPath: containerPath,
			Permissions:   "rw",
		}},
		Envs: map[string]string{
			v.envName("PATH"):   containerPath,
			v.envName("OBJECT"): v.dev.Path,
		},
		Annotations: map[string]string{
			v.domain + "/object": v.dev.Path,
		},
	}
	if v.dev.UUID != "" {
		response.Envs[v.envName("UUID")] = v.dev.UUID
	}
	if v.dev.Format != "" {
		response.Envs[v.envName("FORMAT")] = v.dev.Format
	}

	klog.Infof("Allocated %s %s", v.dev.Kind, v.dev.Name)
	klog.V(2).Infof("%+v", response)

	return response, nil
}

// matchLabel returns the label of a device of one of kinds whose name
// matches: the first capturing group, or the whole match.
func matchLabel(dev service.DeviceInfo, kinds []string, matcher *regexp.Regexp) (string, bool) {
	if len(kinds) > 0 && !slices.Contains(kinds, dev.Kind) {
		return "", false
	}
	matches := matcher.FindStringSubmatch(dev.Name)
	if len(matches) == 0 {
		return "", false
	}
	if len(matches) > 1 {
		return matches[1], true
	}
	return matches[0], true
}

// KindMatcherTemplater puts devices with the same kind and label into one
// resource named <domain>/<kind>-<label>.
func KindMatcherTemplater(domain string, kinds []string, matcher *regexp.Regexp) FromDevice[*ResourceTemplate] {
	return func(dev service.DeviceInfo) (*ResourceTemplate, error) {
		label, ok := matchLabel(dev, kinds, matcher)
		if !ok {
			return nil, nil
		}
		if label == "" {
			return nil, fmt.Errorf("device %s matched %q with an empty label", dev.Name, matcher)
		}
		return &ResourceTemplate{
			Domain: domain,
			Prefix: fmt.Sprintf("%s-%s", dev.Kind, sanitize.BaseName(label)),
		}, nil
	}
}

func KindMatcherInstances(domain string, kinds []string, matcher *regexp.Regexp) FromDevice[[]*volume] {
	return func(dev service.DeviceInfo) ([]*volume, error) {
		label, ok := matchLabel(dev, kinds, matcher)
		if !ok {
			return nil, nil
		}
		return []*volume{{domain: domain, label: label, dev: dev}}, nil
	}
}
