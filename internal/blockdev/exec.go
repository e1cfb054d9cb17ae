package blockdev

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Runner runs a command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return stdout.Bytes(), nil
}

// PathResolver returns the canonical form of a device path.
type PathResolver func(path string) (string, error)

// Exec implements Native on top of vdo, dmsetup, wipefs and parted.
type Exec struct {
	run     Runner
	resolve PathResolver
}

type ExecOption func(*Exec)

func WithRunner(r Runner) ExecOption {
	return func(e *Exec) {
		e.run = r
	}
}

// WithPathResolver replaces filepath.EvalSymlinks when matching the storage
// devices reported by the tools against device nodes.
func WithPathResolver(r PathResolver) ExecOption {
	return func(e *Exec) {
		e.resolve = r
	}
}

func NewExec(opts ...ExecOption) *Exec {
	e := &Exec{run: run, resolve: filepath.EvalSymlinks}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Exec) call(ctx context.Context, op, kind, name, cmd string, args ...string) ([]byte, error) {
	klog.V(3).Infof("Running %s %s", cmd, strings.Join(args, " "))
	out, err := e.run(ctx, cmd, args...)
	if err != nil {
		return nil, &Error{Op: op, Kind: kind, Name: name, Err: err}
	}
	return out, nil
}

func (e *Exec) Remove(ctx context.Context, kind, name string) error {
	switch kind {
	case KindVDO:
		_, err := e.call(ctx, "remove", kind, name, "vdo", "remove", "--name="+name, "--force")
		return err
	case KindDM:
		_, err := e.call(ctx, "remove", kind, name, "dmsetup", "remove", name)
		return err
	}
	return &Error{Op: "remove", Kind: kind, Name: name, Err: ErrUnsupported}
}

type vdoStatus struct {
	VDOs map[string]vdoVolume `yaml:"VDOs"`
}

type vdoVolume struct {
	StorageDevice string `yaml:"Storage device"`
	UUID          string `yaml:"UUID"`
	Compression   string `yaml:"Compression"`
	Deduplication string `yaml:"Deduplication"`
	Activate      string `yaml:"Activate"`
}

// Info looks the backing device up in `vdo status`.
func (e *Exec) Info(ctx context.Context, path string) (Info, error) {
	out, err := e.call(ctx, "info", KindVDO, path, "vdo", "status")
	if err != nil {
		return Info{}, err
	}
	return parseVDOStatus(out, path, e.canonical)
}

// canonical resolves symlinks such as /dev/disk/by-id entries. Paths that
// cannot be resolved are compared as they are.
func (e *Exec) canonical(path string) string {
	resolved, err := e.resolve(path)
	if err != nil {
		klog.V(4).Infof("Cannot resolve %s: %v", path, err)
		return path
	}
	return resolved
}

func parseVDOStatus(data []byte, path string, canonical func(string) string) (Info, error) {
	var status vdoStatus
	if err := yaml.Unmarshal(data, &status); err != nil {
		return Info{}, &Error{Op: "info", Kind: KindVDO, Name: path, Err: err}
	}
	target := canonical(path)
	for name, vol := range status.VDOs {
		if vol.StorageDevice != path && canonical(vol.StorageDevice) != target {
			continue
		}
		return Info{
			Name:          name,
			UUID:          vol.UUID,
			Device:        vol.StorageDevice,
			Compression:   vol.Compression == "enabled",
			Deduplication: vol.Deduplication == "enabled",
			Active:        vol.Activate != "disabled",
		}, nil
	}
	return Info{}, &Error{Op: "info", Kind: KindVDO, Name: path, Err: ErrNotFound}
}

func (e *Exec) Wipe(ctx context.Context, path string) error {
	_, err := e.call(ctx, "wipe", "", path, "wipefs", "-a", path)
	return err
}

func (e *Exec) InitializeDisk(ctx context.Context, path, label string) error {
	if err := e.Wipe(ctx, path); err != nil {
		return err
	}
	if label == "" {
		label = "gpt"
	}
	_, err := e.call(ctx, "initialize-disk", "", path, "parted", "-s", path, "mklabel", label)
	return err
}
