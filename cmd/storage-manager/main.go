package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"k8s.io/klog/v2"

	"github.com/ydb-platform/storage-manager/internal/blockdev"
	"github.com/ydb-platform/storage-manager/internal/mux"
	"github.com/ydb-platform/storage-manager/internal/plugin"
	"github.com/ydb-platform/storage-manager/internal/server"
	"github.com/ydb-platform/storage-manager/internal/service"
	"github.com/ydb-platform/storage-manager/internal/udev"
)

func main() {
	flags := initFlags()
	if err := run(flags.config); err != nil {
		klog.Fatalf("storage-manager failed: %v", err)
	}
	klog.Info("storage-manager stopped")
}

func run(config *Config) error {
	appContext, appCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer appCancel()
	appWaitGroup := &sync.WaitGroup{}
	defer appWaitGroup.Wait()

	// udev discovery looks up devices and listens for system events
	devDiscovery, err := udev.NewDiscovery(appWaitGroup)
	if err != nil {
		return fmt.Errorf("failed to start udev discovery: %w", err)
	}

	loop := service.NewLoop(service.NewManager(service.Config{
		Source: devDiscovery,
		Native: blockdev.NewExec(),
		Masks:  config.Masks,
		Exit:   appCancel,
	}))
	unsubscribe := devDiscovery.Subscribe(loop.Events())
	defer func() {
		devDiscovery.Close()
		unsubscribe()
	}()

	group, ctx := errgroup.WithContext(appContext)
	group.Go(func() error {
		defer appCancel()
		return loop.Run(ctx)
	})

	srv := server.New(loop)
	if err := srv.Serve(ctx, appWaitGroup, config.Socket); err != nil {
		appCancel()
		return errors.Join(err, group.Wait())
	}

	healthz := []http.HandlerFunc{srv.Healthz}
	cancel := mux.CancelFunc(func() {})
	if config.Kubelet.Enabled {
		// Registry creates a separate plugin for each resource registered
		registry, err := plugin.NewRegistry(ctx, appWaitGroup, config.Kubelet.PluginDir)
		if err != nil {
			appCancel()
			return errors.Join(fmt.Errorf("failed to create plugin registry: %w", err), group.Wait())
		}
		healthz = append(healthz, registry.Healthz)
		for _, res := range config.Kubelet.Resources {
			domain := res.Domain
			if domain == "" {
				domain = config.Kubelet.Domain
			}
			cancel = mux.ChainCancelFunc(
				plugin.NewScatter(
					loop.Snapshots(),
					registry,
					plugin.KindMatcherTemplater(domain, res.Kinds, res.matcher),
					plugin.KindMatcherInstances(domain, res.Kinds, res.matcher),
				),
				cancel,
			)
		}
	}
	defer cancel()

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/healthz", chainHealthz(healthz...))
	httpServer := &http.Server{Addr: config.Healthz, Handler: httpMux, ReadHeaderTimeout: 5 * time.Second}
	group.Go(func() error {
		klog.Infof("Starting /healthz server on %s", config.Healthz)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start /healthz server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

// chainHealthz answers with the first failing check.
func chainHealthz(checks ...http.HandlerFunc) http.HandlerFunc {
	return func(resp http.ResponseWriter, req *http.Request) {
		for _, check := range checks {
			rec := &statusRecorder{ResponseWriter: resp, status: http.StatusOK}
			check(rec, req)
			if rec.written {
				return
			}
		}
		resp.WriteHeader(http.StatusOK)
	}
}

// statusRecorder passes failing responses through and swallows successful
// ones.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	if status != http.StatusOK {
		r.written = true
		r.ResponseWriter.WriteHeader(status)
	}
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status != http.StatusOK {
		return r.ResponseWriter.Write(b)
	}
	return len(b), nil
}

type FlagValues struct {
	Config ConfigFlag

	config *Config
}

func initFlags() FlagValues {
	var values FlagValues
	flags := flag.NewFlagSet("storage-manager", flag.ExitOnError)
	klog.InitFlags(flags)
	flags.Var(&values.Config, "config", `configuration source (in form "file:<path>", "env:<ENV_VARIABLE>" or "stdin")`)
	_ = flags.Parse(os.Args[1:])
	if !values.Config.isSet() {
		fmt.Fprintln(flags.Output(), "--config is required")
		flags.Usage()
		os.Exit(2)
	}

	config, err := loadConfig(&values.Config)
	if err != nil {
		klog.Fatalf("Cannot load --config %s: %v", values.Config.String(), err)
	}
	values.config = config
	return values
}

func loadConfig(source *ConfigFlag) (*Config, error) {
	reader, err := source.open()
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	return parseConfig(reader)
}
