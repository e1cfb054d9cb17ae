package plugin

import (
	"context"
	"fmt"
	"maps"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	"github.com/kennygrant/sanitize"

	"k8s.io/klog/v2"
	pluginapi "k8s.io/kubelet/pkg/apis/deviceplugin/v1beta1"
)

// plugin serves one resource over the kubelet device plugin API on its own
// unix socket.
type plugin struct {
	resource Resource
	socket   string
	server   *grpc.Server
	cancel   context.CancelFunc
}

func socketName(resource Resource) string {
	return sanitize.BaseName(resource.Name()) + ".sock"
}

func newPlugin(ctx context.Context, wg *sync.WaitGroup, dir string, resource Resource) (*plugin, error) {
	socket := filepath.Join(dir, socketName(resource))
	if err := os.Remove(socket); err != nil && !os.IsNotExist(err) {
		klog.Errorf("%q: cannot remove stale socket %q: %v", resource.Name(), socket, err)
		return nil, fmt.Errorf("remove stale socket %s: %w", socket, err)
	}
	listener, err := net.Listen("unix", socket)
	if err != nil {
		klog.Errorf("%q: cannot listen on %q: %v", resource.Name(), socket, err)
		return nil, fmt.Errorf("listen on %s: %w", socket, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &plugin{
		resource: resource,
		socket:   socket,
		server:   grpc.NewServer(),
		cancel:   cancel,
	}
	pluginapi.RegisterDevicePluginServer(p.server, p)

	klog.Infof("%q: serving device plugin on %q", resource.Name(), socket)
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := p.server.Serve(listener); err != nil {
			klog.Errorf("%q: device plugin server exited: %v", resource.Name(), err)
		}
	}()
	go func() {
		defer wg.Done()
		<-ctx.Done()
		p.server.Stop()
	}()
	return p, nil
}

// stop returns once the socket is closed, so a new plugin can take it over.
func (p *plugin) stop() {
	klog.Infof("%q: stopping device plugin", p.resource.Name())
	p.cancel()
	p.server.Stop()
}

func (*plugin) GetDevicePluginOptions(context.Context, *pluginapi.Empty) (*pluginapi.DevicePluginOptions, error) {
	return &pluginapi.DevicePluginOptions{}, nil
}

func (*plugin) GetPreferredAllocation(context.Context, *pluginapi.PreferredAllocationRequest) (*pluginapi.PreferredAllocationResponse, error) {
	return &pluginapi.PreferredAllocationResponse{}, nil
}

func (*plugin) PreStartContainer(context.Context, *pluginapi.PreStartContainerRequest) (*pluginapi.PreStartContainerResponse, error) {
	return &pluginapi.PreStartContainerResponse{}, nil
}

func toPluginDevices(instances []Instance) []*pluginapi.Device {
	res := make([]*pluginapi.Device, 0, len(instances))
	for _, instance := range instances {
		res = append(res, &pluginapi.Device{
			ID:     string(instance.Id()),
			Health: instance.Health().String(),
		})
	}
	return res
}

func (p *plugin) ListAndWatch(_ *pluginapi.Empty, stream pluginapi.DevicePlugin_ListAndWatchServer) error {
	name := p.resource.Name()
	for instances := range p.resource.ListAndWatch(stream.Context()) {
		devices := toPluginDevices(instances)
		klog.V(2).Infof("%q: advertising %d volumes", name, len(devices))
		if err := stream.Send(&pluginapi.ListAndWatchResponse{Devices: devices}); err != nil {
			klog.Errorf("%q: ListAndWatch send failed: %v", name, err)
			return err
		}
	}
	klog.Infof("%q: ListAndWatch stream closed", name)
	return nil
}

func mergeResponses(dst, src *pluginapi.ContainerAllocateResponse) {
	dst.Devices = append(dst.Devices, src.Devices...)
	dst.Mounts = append(dst.Mounts, src.Mounts...)
	if len(src.Envs) > 0 {
		if dst.Envs == nil {
			dst.Envs = make(map[string]string, len(src.Envs))
		}
		maps.Copy(dst.Envs, src.Envs)
	}
	if len(src.Annotations) > 0 {
		if dst.Annotations == nil {
			dst.Annotations = make(map[string]string, len(src.Annotations))
		}
		maps.Copy(dst.Annotations, src.Annotations)
	}
}

// allocateContainer merges the responses of every requested volume. Only
// healthy volumes can be handed out.
func (p *plugin) allocateContainer(ctx context.Context, instances map[Id]Instance, ids []string) (*pluginapi.ContainerAllocateResponse, error) {
	res := &pluginapi.ContainerAllocateResponse{}
	for _, id := range ids {
		instance, ok := instances[Id(id)]
		if !ok {
			return nil, status.Errorf(codes.NotFound, "volume %q not found", id)
		}
		if _, healthy := instance.Health().(Healthy); !healthy {
			return nil, status.Errorf(codes.FailedPrecondition, "volume %q is %s", id, instance.Health())
		}
		single, err := instance.Allocate(ctx)
		if err != nil {
			return nil, status.Errorf(codes.Internal, "allocate volume %q: %s", id, err)
		}
		mergeResponses(res, single)
	}
	return res, nil
}

func (p *plugin) Allocate(ctx context.Context, request *pluginapi.AllocateRequest) (*pluginapi.AllocateResponse, error) {
	name := p.resource.Name()
	klog.V(2).Infof("%q: allocate %+v", name, request)

	instances := p.resource.Instances()
	response := &pluginapi.AllocateResponse{
		ContainerResponses: make([]*pluginapi.ContainerAllocateResponse, 0, len(request.ContainerRequests)),
	}
	for _, req := range request.ContainerRequests {
		res, err := p.allocateContainer(ctx, instances, req.DevicesIDs)
		if err != nil {
			klog.Errorf("%q: %v", name, err)
			return nil, err
		}
		response.ContainerResponses = append(response.ContainerResponses, res)
	}
	klog.Infof("%q: allocated %d container requests", name, len(response.ContainerResponses))
	return response, nil
}

// probe checks that the plugin answers on its socket.
func (p *plugin) probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	conn, err := grpc.NewClient("unix://"+p.socket, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("dial %s: %w", p.socket, err)
	}
	defer conn.Close()

	client := pluginapi.NewDevicePluginClient(conn)
	if _, err := client.GetDevicePluginOptions(ctx, &pluginapi.Empty{}, grpc.WaitForReady(true)); err != nil {
		return fmt.Errorf("probe %q: %w", p.resource.Name(), err)
	}
	return nil
}
