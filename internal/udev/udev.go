package udev

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	libudev "github.com/jochenvg/go-udev"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/storage-manager/internal/mux"
)

type udevDiscovery struct {
	udev libudev.Udev

	mu    sync.RWMutex
	state map[Id]Record // written only by the monitor goroutine

	mux    *mux.Mux[Event]
	cancel context.CancelFunc
	done   chan struct{}
}

// NewDiscovery enumerates the block devices known to udev and starts a
// monitor goroutine that keeps the state current. The goroutine is tracked
// by wg.
func NewDiscovery(wg *sync.WaitGroup) (Discovery, error) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &udevDiscovery{
		state: make(map[Id]Record),
		mux: mux.Make(
			mux.Buffered[Event](64),
			mux.WithSubmitTimeout[Event](5*time.Second),
			mux.WithLogger[Event](mux.Klog{}),
		),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	enum := d.udev.NewEnumerate()
	if err := enum.AddMatchSubsystem(BlockSubsystem); err != nil {
		cancel()
		klog.Errorf("Failed to filter udev enumeration by subsystem: %v", err)
		return nil, err
	}
	if err := enum.AddMatchIsInitialized(); err != nil {
		cancel()
		klog.Errorf("Failed to filter udev enumeration by initialization: %v", err)
		return nil, err
	}

	devs, err := enum.Devices()
	if err != nil {
		cancel()
		klog.Errorf("Failed to enumerate devices: %v", err)
		return nil, err
	}

	for _, dev := range devs {
		if dev == nil {
			klog.Error("udev device is nil!")
			continue
		}
		rec, err := recordFromDevice(dev)
		if err != nil {
			klog.Errorf("Skipping udev device %q: %v", dev.Syspath(), err)
			continue
		}
		d.state[rec.Id()] = rec
	}
	klog.V(2).Infof("Enumerated %d block devices", len(d.state))

	wg.Add(1)
	go d.monitor(ctx, wg)

	return d, nil
}

func recordFromDevice(dev *libudev.Device) (Record, error) {
	props := dev.Properties()
	if props == nil {
		props = make(map[string]string)
	}
	if props[PropertyDevPath] == "" {
		props[PropertyDevPath] = strings.TrimPrefix(dev.Syspath(), "/sys")
	}
	if props[PropertyDevType] == "" {
		props[PropertyDevType] = dev.Devtype()
	}
	if props[PropertyDevName] == "" && dev.Devnode() != "" {
		props[PropertyDevName] = dev.Devnode()
	}
	return NewRecord(props, readSlaves(dev.Syspath())...)
}

// readSlaves lists <syspath>/slaves, which holds one entry per device the
// kernel stacked this one on.
func readSlaves(syspath string) []Id {
	entries, err := os.ReadDir(filepath.Join(syspath, "slaves"))
	if err != nil {
		if !os.IsNotExist(err) {
			klog.V(4).Infof("Failed to read slaves of %q: %v", syspath, err)
		}
		return nil
	}
	res := make([]Id, 0, len(entries))
	for _, entry := range entries {
		res = append(res, Id(entry.Name()))
	}
	return res
}

func (d *udevDiscovery) Close() {
	d.cancel()
	<-d.done
}

func (d *udevDiscovery) Record(id Id) (Record, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.state[id]
	return r, ok
}

func (d *udevDiscovery) Records() []Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return sortedRecords(d.state)
}

func (d *udevDiscovery) Subscribe(sink mux.Sink[Event]) mux.CancelFunc {
	return d.mux.Subscribe(sink)
}

func (d *udevDiscovery) apply(dev *libudev.Device) Event {
	switch dev.Action() {
	case ActionAdd, ActionOnline, ActionChange:
		if !dev.IsInitialized() {
			klog.V(4).Infof("Ignoring uninitialized device %s", dev.Syspath())
			return nil
		}
		rec, err := recordFromDevice(dev)
		if err != nil {
			klog.Errorf("Failed to build record for %q: %v", dev.Syspath(), err)
			return nil
		}
		if v := klog.V(5); v.Enabled() {
			v.Infof("Updated %s", rec.Debug())
		}
		d.mu.Lock()
		_, known := d.state[rec.Id()]
		d.state[rec.Id()] = rec
		d.mu.Unlock()
		if dev.Action() == ActionChange || known {
			return Changed{rec}
		}
		return Added{rec}
	case ActionRemove, ActionOffline:
		id := Id(filepath.Base(dev.Syspath()))
		d.mu.Lock()
		rec, known := d.state[id]
		delete(d.state, id)
		d.mu.Unlock()
		if !known {
			var err error
			if rec, err = recordFromDevice(dev); err != nil {
				return nil
			}
		}
		return Removed{rec}
	}
	return nil
}

func (d *udevDiscovery) monitor(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	defer close(d.done)
	defer d.mux.Close()

	devChan, errChan, err := d.connect(ctx)
	if err != nil {
		klog.Errorf("Failed to create device channel: %v", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case dev, ok := <-devChan:
			if !ok {
				return
			}
			klog.V(5).Infof("Received device event (%s): %s", dev.Action(), dev.Syspath())
			if ev := d.apply(dev); ev != nil {
				if err := d.mux.Submit(ev); err != nil {
					klog.Errorf("Failed to deliver %s event for %s: %v", ev.Action(), ev.Record().Id(), err)
				}
			}
		case err := <-errChan:
			klog.Errorf("Error from udev monitor, will try to retry connecting to udev: %v", err)
			for {
				devChan, errChan, err = d.connect(ctx)
				if err == nil {
					break
				}
				klog.Errorf("Failed to create device channel, retrying: %v", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(1 * time.Second):
				}
			}
			klog.Infof("Successfully reconnected to udev")
		}
	}
}

func (d *udevDiscovery) connect(ctx context.Context) (<-chan *libudev.Device, <-chan error, error) {
	mon := d.udev.NewMonitorFromNetlink("udev")
	if err := mon.FilterAddMatchSubsystem(BlockSubsystem); err != nil {
		return nil, nil, err
	}
	return mon.DeviceChan(ctx)
}
