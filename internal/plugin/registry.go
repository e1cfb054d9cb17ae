package plugin

import (
	"context"
	"fmt"
	"maps"
	"net/http"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/fsnotify/fsnotify"
	"k8s.io/klog/v2"

	pluginapi "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"
)

const registerTimeout = 5 * time.Second

// Registry serves one device plugin per resource and keeps them registered
// with the kubelet.
type Registry struct {
	ctx     context.Context
	wg      *sync.WaitGroup
	dir     string
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	plugins map[string]*plugin
}

// register advertises the plugin socket to the kubelet.
func (r *Registry) register(plugin *plugin) error {
	kubeletAddr := "unix://" + filepath.Join(r.dir, filepath.Base(pluginapi.KubeletSocket))
	conn, err := grpc.NewClient(kubeletAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		klog.Errorf("Failed to connect to %q: %v", kubeletAddr, err)
		return err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			klog.Errorf("Failed to close connection: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(r.ctx, registerTimeout)
	defer cancel()
	_, err = pluginapi.NewRegistrationClient(conn).Register(ctx, &pluginapi.RegisterRequest{
		ResourceName: plugin.resource.Name(),
		Version:      pluginapi.Version,
		Endpoint:     socketName(plugin.resource),
		Options:      &pluginapi.DevicePluginOptions{},
	}, grpc.WaitForReady(true))
	if err != nil {
		klog.Errorf("Failed to register %s with kubelet: %v", plugin.resource.Name(), err)
		return fmt.Errorf("failed to register with kubelet: %w", err)
	}
	klog.Infof("Registered resource %s with kubelet", plugin.resource.Name())
	return nil
}

// hup restarts and registers every plugin. A restarted kubelet removes all
// plugin sockets, see
// https://kubernetes.io/docs/concepts/extend-kubernetes/compute-storage-net/device-plugins/#handling-kubelet-restarts
func (r *Registry) hup() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, old := range r.plugins {
		old.stop()
		restarted, err := newPlugin(r.ctx, r.wg, r.dir, old.resource)
		if err != nil {
			klog.Errorf("Failed to restart plugin for %s: %v", name, err)
			continue
		}
		r.plugins[name] = restarted
		if err := r.register(restarted); err != nil {
			klog.Errorf("Failed to register %s: %v", name, err)
		}
	}
}

// NewRegistry starts watching dir (the kubelet device plugin directory when
// empty) for kubelet restarts until ctx is done.
func NewRegistry(ctx context.Context, wg *sync.WaitGroup, dir string) (*Registry, error) {
	if dir == "" {
		dir = pluginapi.DevicePluginPath
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		klog.Errorf("Failed to create fsnotify watcher: %v", err)
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	registry := &Registry{
		ctx:     ctx,
		wg:      wg,
		dir:     dir,
		watcher: watcher,
		plugins: make(map[string]*plugin),
	}
	kubeletSocket := filepath.Join(dir, filepath.Base(pluginapi.KubeletSocket))

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name == kubeletSocket && event.Op&fsnotify.Create != 0 {
					klog.Info("Kubelet restarted, registering plugins again")
					registry.hup()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				klog.Errorf("Plugin directory watch failed: %v", err)
			case <-ctx.Done():
				return
			}
		}
	}()

	return registry, nil
}

// Healthz probes every served plugin and reports the ones that do not
// answer.
func (r *Registry) Healthz(resp http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	plugins := slices.Collect(maps.Values(r.plugins))
	r.mu.Unlock()

	var failures []error
	for _, p := range plugins {
		if err := p.probe(req.Context()); err != nil {
			failures = append(failures, err)
		}
	}
	if len(failures) == 0 {
		resp.WriteHeader(http.StatusOK)
		return
	}
	resp.WriteHeader(http.StatusInternalServerError)
	for _, err := range failures {
		fmt.Fprintln(resp, err)
	}
}

// Add serves a plugin for resource and registers it with the kubelet. Names
// must be unique.
func (r *Registry) Add(resource Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[resource.Name()]; ok {
		return fmt.Errorf("resource with name %q already exists", resource.Name())
	}
	plugin, err := newPlugin(r.ctx, r.wg, r.dir, resource)
	if err != nil {
		return err
	}
	r.plugins[resource.Name()] = plugin
	if err := r.register(plugin); err != nil {
		return err
	}
	return nil
}
