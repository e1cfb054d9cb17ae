package plugin

import (
	"k8s.io/klog/v2"

	"github.com/ydb-platform/storage-manager/internal/mux"
	"github.com/ydb-platform/storage-manager/internal/service"
)

// Registrar accepts new resources. Registry is the production one.
type Registrar interface {
	Add(Resource) error
}

// Scatter routes the devices of each snapshot to resources, creating a
// resource the first time one of its devices shows up. Instances of devices
// that disappear are reported unhealthy.
type Scatter[T Instance] struct {
	templater FromDevice[*ResourceTemplate]
	mapper    FromDevice[[]T]
	registry  Registrar
	routes    map[ResourceTemplate]Resource
	// last known instances per resource
	current map[ResourceTemplate]map[Id]Instance
}

func NewScatter[T Instance](
	snapshots mux.Source[service.Snapshot],
	registry Registrar,
	templater FromDevice[*ResourceTemplate],
	mapper FromDevice[[]T],
) mux.CancelFunc {
	scatter := &Scatter[T]{
		templater: templater,
		mapper:    mapper,
		registry:  registry,
		routes:    make(map[ResourceTemplate]Resource),
		current:   make(map[ResourceTemplate]map[Id]Instance),
	}
	ch := make(chan service.Snapshot)

	go scatter.run(ch)

	return snapshots.Subscribe(mux.SinkFromChan(ch))
}

func unpack[T Instance](instances ...T) []Instance {
	result := make([]Instance, len(instances))
	for i, instance := range instances {
		result[i] = instance
	}
	return result
}

func (s *Scatter[T]) group(snap service.Snapshot) map[ResourceTemplate][]Instance {
	groups := make(map[ResourceTemplate][]Instance)
	for _, dev := range snap {
		template, err := s.templater(dev)
		if err != nil {
			klog.Errorf("Failed to create resource template for device %s: %v", dev.Name, err)
			continue
		}
		if template == nil {
			klog.V(5).Infof("Unmatched device %s", dev.Name)
			continue
		}
		instances, err := s.mapper(dev)
		if err != nil {
			klog.Errorf("Failed to map device %s to instances: %v", dev.Name, err)
			continue
		}
		groups[*template] = append(groups[*template], unpack(instances...)...)
	}
	return groups
}

func (s *Scatter[T]) apply(snap service.Snapshot) {
	groups := s.group(snap)

	for template, instances := range groups {
		res, ok := s.routes[template]
		if !ok {
			created := newResource(template, instances...)
			if err := s.registry.Add(created); err != nil {
				klog.Errorf("Failed to add resource %s: %v", created.Name(), err)
				created.Close()
				continue
			}
			s.routes[template] = created
			s.current[template] = byId(instances)
			continue
		}
		if err := res.Submit(HealthEvent{Instances: instances, Health: Healthy{}}); err != nil {
			klog.Errorf("Failed to update resource %s: %v", res.Name(), err)
		}
		s.current[template] = byId(instances)
	}

	for template, res := range s.routes {
		seen := byId(groups[template])
		gone := make([]Instance, 0)
		for id, instance := range s.current[template] {
			if _, ok := seen[id]; !ok {
				gone = append(gone, instance)
			}
		}
		if len(gone) == 0 {
			continue
		}
		klog.V(2).Infof("Resource %s lost %d instances", res.Name(), len(gone))
		if err := res.Submit(HealthEvent{Instances: gone, Health: Unhealthy{}}); err != nil {
			klog.Errorf("Failed to update resource %s: %v", res.Name(), err)
		}
		s.current[template] = seen
	}
}

func byId(instances []Instance) map[Id]Instance {
	res := make(map[Id]Instance, len(instances))
	for _, instance := range instances {
		res[instance.Id()] = instance
	}
	return res
}

func (s *Scatter[T]) run(ch <-chan service.Snapshot) {
	for snap := range ch {
		s.apply(snap)
	}
}
