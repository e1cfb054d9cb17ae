package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ydb-platform/storage-manager/internal/devicetree"
	"github.com/ydb-platform/storage-manager/internal/populator"
	"github.com/ydb-platform/storage-manager/internal/udev"
)

const (
	defaultSocket  = "/run/storage-manager/storage-manager.sock"
	defaultHealthz = ":8080"
)

// ConfigFlag is a flag.Value selecting where the configuration is read
// from: "file:<path>", "env:<VARIABLE>" or "stdin".
type ConfigFlag struct {
	scheme string
	arg    string
}

func (cf *ConfigFlag) Set(value string) error {
	scheme, arg, _ := strings.Cut(value, ":")
	switch {
	case scheme == "file" && arg != "", scheme == "env" && arg != "":
	case value == "stdin":
		arg = ""
	default:
		return fmt.Errorf("invalid config source: %s", value)
	}
	cf.scheme, cf.arg = scheme, arg
	return nil
}

func (cf *ConfigFlag) String() string {
	if cf.arg == "" {
		return cf.scheme
	}
	return cf.scheme + ":" + cf.arg
}

func (cf *ConfigFlag) isSet() bool {
	return cf.scheme != ""
}

func (cf *ConfigFlag) open() (io.ReadCloser, error) {
	switch cf.scheme {
	case "file":
		return os.Open(cf.arg)
	case "env":
		data, ok := os.LookupEnv(cf.arg)
		if !ok || data == "" {
			return nil, fmt.Errorf("config: environment variable %s is not set", cf.arg)
		}
		return io.NopCloser(strings.NewReader(data)), nil
	case "stdin":
		return io.NopCloser(os.Stdin), nil
	}
	return nil, errors.New("config source is not set")
}

var (
	deviceDomainRegex = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

	deviceKinds = []string{
		string(devicetree.KindDisk),
		string(devicetree.KindPartition),
		string(devicetree.KindDM),
		string(devicetree.KindMD),
		string(devicetree.KindVDO),
	}
	maskActions = []string{udev.ActionAdd, udev.ActionChange, udev.ActionRemove}
)

type ResourceConfig struct {
	Kinds   []string `yaml:"kinds"`
	Matcher string   `yaml:"matcher"` // regular expression over device names
	Domain  string   `yaml:"domain,omitempty"`

	matcher *regexp.Regexp
}

func (rc *ResourceConfig) validate() error {
	var errs error
	for i, kind := range rc.Kinds {
		if !slices.Contains(deviceKinds, kind) {
			errs = errors.Join(errs, fmt.Errorf(".kinds[%d]: %q must be one of %v", i, kind, deviceKinds))
		}
	}
	if rc.Domain != "" && !deviceDomainRegex.MatchString(rc.Domain) {
		errs = errors.Join(errs, fmt.Errorf(".domain: %q must be a valid domain name", rc.Domain))
	}
	matcher, err := regexp.Compile(rc.Matcher)
	if err != nil {
		return errors.Join(errs, fmt.Errorf(".matcher: %q must be a valid regexp: %w", rc.Matcher, err))
	}
	if matcher.NumSubexp() > 1 {
		errs = errors.Join(errs, fmt.Errorf(".matcher: %q must have at most one capturing group", rc.Matcher))
	}
	rc.matcher = matcher
	return errs
}

type KubeletConfig struct {
	Enabled   bool             `yaml:"enabled"`
	Domain    string           `yaml:"domain"`
	PluginDir string           `yaml:"pluginDir,omitempty"`
	Resources []ResourceConfig `yaml:"resources"`
}

func (kc *KubeletConfig) validate() error {
	if !kc.Enabled {
		return nil
	}
	var errs error
	if !deviceDomainRegex.MatchString(kc.Domain) {
		errs = errors.Join(errs, fmt.Errorf(".domain: %q must be a valid domain name", kc.Domain))
	}
	for i := range kc.Resources {
		if err := kc.Resources[i].validate(); err != nil {
			errs = errors.Join(errs, fmt.Errorf(".resources[%d]%w", i, err))
		}
	}
	return errs
}

type Config struct {
	Socket  string           `yaml:"socket"`
	Healthz string           `yaml:"healthz"`
	Masks   []populator.Mask `yaml:"masks"`
	Kubelet KubeletConfig    `yaml:"kubelet"`
}

func (c *Config) validate() error {
	var errs error
	if c.Socket == "" {
		c.Socket = defaultSocket
	}
	if c.Healthz == "" {
		c.Healthz = defaultHealthz
	}
	for i, m := range c.Masks {
		if m.Device == "" && m.Action == "" {
			errs = errors.Join(errs, fmt.Errorf(".masks[%d]: device or action must be set", i))
		}
		if m.Action != "" && !slices.Contains(maskActions, m.Action) {
			errs = errors.Join(errs, fmt.Errorf(".masks[%d].action: %q must be one of %v", i, m.Action, maskActions))
		}
	}
	if err := c.Kubelet.validate(); err != nil {
		errs = errors.Join(errs, fmt.Errorf(".kubelet%w", err))
	}
	return errs
}

func parseConfig(reader io.Reader) (*Config, error) {
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	config := &Config{}
	if err := decoder.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}
