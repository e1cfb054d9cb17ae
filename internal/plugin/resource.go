package plugin

import (
	"context"
	"sort"
	"sync"

	pluginapi "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"

	"github.com/ydb-platform/storage-manager/internal/mux"
)

type Health interface {
	String() string
	sealed()
}

type Healthy struct{}

func (Healthy) sealed() {}

func (Healthy) String() string {
	return pluginapi.Healthy
}

type Unhealthy struct{}

func (Unhealthy) sealed() {}

func (Unhealthy) String() string {
	return pluginapi.Unhealthy
}

type Id string

// Instance is one allocatable unit of a resource.
type Instance interface {
	Id() Id
	Health() Health
	Allocate(context.Context) (*pluginapi.ContainerAllocateResponse, error)
}

type healthInstance struct {
	Instance
	health Health
}

func (h *healthInstance) Health() Health {
	if _, ok := h.health.(Healthy); ok {
		return h.Instance.Health()
	}
	return h.health
}

// HealthEvent replaces the health of the listed instances.
type HealthEvent struct {
	Instances []Instance
	Health
}

type Resource interface {
	mux.Sink[HealthEvent]
	Name() string
	Instances() map[Id]Instance
	ListAndWatch(context.Context) <-chan []Instance
}

type ResourceTemplate struct {
	Domain string
	Prefix string
}

func (t ResourceTemplate) Name() string {
	return t.Domain + "/" + t.Prefix
}

type resource struct {
	template ResourceTemplate

	mu        sync.Mutex
	instances map[Id]Instance
	updates   *mux.Mux[[]Instance]
}

func newResource(template ResourceTemplate, instances ...Instance) *resource {
	r := &resource{
		template:  template,
		instances: make(map[Id]Instance),
		updates:   mux.Make(mux.ReplayLast[[]Instance](), mux.WithLogger[[]Instance](mux.Klog{})),
	}
	for _, instance := range instances {
		r.instances[instance.Id()] = &healthInstance{instance, Healthy{}}
	}
	r.publish()
	return r
}

func (r *resource) Name() string {
	return r.template.Name()
}

func (r *resource) Instances() map[Id]Instance {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make(map[Id]Instance, len(r.instances))
	for id, instance := range r.instances {
		res[id] = instance
	}
	return res
}

func (r *resource) Submit(ev HealthEvent) error {
	r.mu.Lock()
	for _, instance := range ev.Instances {
		r.instances[instance.Id()] = &healthInstance{instance, ev.Health}
	}
	r.mu.Unlock()
	return r.publish()
}

func (r *resource) publish() error {
	r.mu.Lock()
	list := make([]Instance, 0, len(r.instances))
	for _, instance := range r.instances {
		list = append(list, instance)
	}
	r.mu.Unlock()
	sort.Slice(list, func(i, j int) bool { return list[i].Id() < list[j].Id() })
	return r.updates.Submit(list)
}

// ListAndWatch streams the full instance list, starting with the current
// one, until ctx is done.
func (r *resource) ListAndWatch(ctx context.Context) <-chan []Instance {
	in := make(chan []Instance, 1)
	out := make(chan []Instance, 1)
	cancel := r.updates.Subscribe(mux.SinkFromChan(in))
	go func() {
		defer close(out)
		defer func() {
			// keep the mux unblocked until the subscription is gone
			go func() {
				for range in {
				}
			}()
			cancel()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case list, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- list:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (r *resource) Close() {
	r.updates.Close()
}
