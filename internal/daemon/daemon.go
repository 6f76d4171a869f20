package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/loom-ai/loom/internal/catalog"
	"github.com/loom-ai/loom/internal/config"
	"github.com/loom-ai/loom/internal/delivery"
	"github.com/loom-ai/loom/internal/eventbus"
	"github.com/loom-ai/loom/internal/knowledge"
	"github.com/loom-ai/loom/internal/modelclient"
	"github.com/loom-ai/loom/internal/pipeline"
	"github.com/loom-ai/loom/internal/procutil"
	"github.com/loom-ai/loom/internal/registry"
	"github.com/loom-ai/loom/internal/retrieval"
	daemonruntime "github.com/loom-ai/loom/internal/runtime"
	"github.com/loom-ai/loom/internal/selector"
	"github.com/loom-ai/loom/internal/server"
)

// serviceOpTimeout bounds context deadlines for service lifecycle operations
// (restart, graceful shutdown).
const serviceOpTimeout = 5 * time.Second

// Options groups dependencies required to construct a Daemon.
type Options struct {
	Settings config.Settings
	Logger   *log.Logger
}

// Daemon wires the orchestrator components together and owns their lifecycle.
type Daemon struct {
	logger        *log.Logger
	settings      config.Settings
	instancePaths config.InstancePaths

	eventBus  *eventbus.Bus
	store     *registry.Store
	catalog   *catalog.Catalog
	knowledge *knowledge.Store
	hub       *delivery.Hub
	pipeline  *pipeline.Pipeline
	apiServer *server.APIServer

	serviceHost *daemonruntime.ServiceHost
	lifecycle   *daemonruntime.Lifecycle

	ctx    context.Context
	cancel context.CancelFunc

	errMu  sync.Mutex
	runErr error
}

// New creates a daemon instance from the given settings.
func New(opts Options) (*Daemon, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	paths, err := config.EnsureInstanceDirs("")
	if err != nil {
		return nil, fmt.Errorf("daemon: prepare instance directories: %w", err)
	}

	bus := eventbus.New()
	store := registry.NewStore(registry.WithEventBus(bus), registry.WithLogger(logger))
	cat := catalog.New(catalog.WithLogger(logger))

	dbPath := opts.Settings.KnowledgeDBPath
	if dbPath == "" {
		dbPath = paths.KnowledgeDB
	}
	know, err := knowledge.Open(knowledge.Options{DBPath: dbPath})
	if err != nil {
		return nil, fmt.Errorf("daemon: open knowledge store: %w", err)
	}

	chain := buildModelChain(opts.Settings)

	var arbiter selector.Arbiter
	selectorOpts := []selector.Option{selector.WithLogger(logger)}
	if chain.Configured() {
		arbiter = pipeline.NewModelArbiter(chain)
		selectorOpts = append(selectorOpts, selector.WithArbiter(arbiter))
	} else {
		logger.Printf("[Daemon] No model providers configured, device arbitration and generation are degraded")
	}
	sel := selector.New(store, selectorOpts...)

	hub := delivery.NewHub(delivery.WithEventBus(bus), delivery.WithLogger(logger))

	pipe := pipeline.New(pipeline.Deps{
		Store:     store,
		Catalog:   cat,
		Knowledge: know,
		Engine:    retrieval.NewEngine(),
		Selector:  sel,
		Client:    chain,
		Hub:       hub,
		Bus:       bus,
		Logger:    logger,
	})

	apiServer := server.New(opts.Settings.Binding, opts.Settings.Port, server.Deps{
		Store:     store,
		Catalog:   cat,
		Knowledge: know,
		Pipeline:  pipe,
		Hub:       hub,
		Arbiter:   arbiter,
		Logger:    logger,
	})

	host := daemonruntime.NewServiceHost()

	if err := host.Register("api_server", func(ctx context.Context) (daemonruntime.Service, error) {
		return apiServer, nil
	}); err != nil {
		return nil, err
	}

	if err := host.Register("regenerator", func(ctx context.Context) (daemonruntime.Service, error) {
		return pipeline.NewRegenerator(pipe, bus), nil
	}); err != nil {
		return nil, err
	}

	return &Daemon{
		logger:        logger,
		settings:      opts.Settings,
		instancePaths: paths,
		eventBus:      bus,
		store:         store,
		catalog:       cat,
		knowledge:     know,
		hub:           hub,
		pipeline:      pipe,
		apiServer:     apiServer,
		serviceHost:   host,
		lifecycle:     daemonruntime.NewLifecycle(),
	}, nil
}

func buildModelChain(settings config.Settings) *modelclient.Chain {
	var providers []modelclient.Client
	if settings.PrimaryEndpoint != "" {
		providers = append(providers, modelclient.NewHTTPProvider(
			"primary", settings.PrimaryEndpoint, settings.PrimaryAPIKey, settings.PrimaryModel))
	}
	if settings.SecondaryEndpoint != "" {
		providers = append(providers, modelclient.NewHTTPProvider(
			"secondary", settings.SecondaryEndpoint, "", settings.SecondaryModel))
	}
	return modelclient.NewChain(providers)
}

// Start runs the daemon until Shutdown is called or a service fails fatally.
func (d *Daemon) Start() error {
	if err := daemonruntime.WritePIDFile(d.instancePaths.Lock, os.Getpid()); err != nil {
		return fmt.Errorf("daemon: write pid file: %w", err)
	}
	defer daemonruntime.RemovePIDFile(d.instancePaths.Lock)

	d.ctx, d.cancel = context.WithCancel(context.Background())

	if err := d.serviceHost.Start(d.ctx); err != nil {
		d.cancel()
		return fmt.Errorf("daemon: start services: %w", err)
	}
	d.watchHostErrors()

	d.logger.Printf("[Daemon] Running on %s:%d", d.settings.Binding, d.apiServer.Port())

	<-d.lifecycle.Done()

	if d.cancel != nil {
		d.cancel()
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), serviceOpTimeout)
	if err := d.serviceHost.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "daemon: service shutdown error: %v\n", err)
		d.setRunError(err)
	}
	cancel()

	d.hub.Shutdown()

	if err := d.knowledge.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "daemon: knowledge store close error: %v\n", err)
	}

	d.eventBus.Shutdown()

	return d.getRunError()
}

// Shutdown signals the daemon to stop.
func (d *Daemon) Shutdown() error {
	d.lifecycle.Shutdown()
	if d.cancel != nil {
		d.cancel()
	}
	return nil
}

// APIServer returns the HTTP server.
func (d *Daemon) APIServer() *server.APIServer {
	return d.apiServer
}

// ServiceHost returns the runtime service host.
func (d *Daemon) ServiceHost() *daemonruntime.ServiceHost {
	return d.serviceHost
}

func (d *Daemon) watchHostErrors() {
	go func() {
		for err := range d.serviceHost.Errors() {
			if err == nil {
				continue
			}
			d.setRunError(err)
			fmt.Fprintf(os.Stderr, "%v\n", err)
			d.lifecycle.Shutdown()
			if d.cancel != nil {
				d.cancel()
			}
		}
	}()
}

func (d *Daemon) setRunError(err error) {
	if err == nil {
		return
	}

	d.errMu.Lock()
	defer d.errMu.Unlock()
	if d.runErr == nil {
		d.runErr = err
	}
}

func (d *Daemon) getRunError() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.runErr
}

// IsRunning checks whether a daemon is already running for the default instance.
func IsRunning(settings config.Settings) bool {
	address := net.JoinHostPort(settings.Binding, strconv.Itoa(settings.Port))
	client := &http.Client{Timeout: time.Second}
	if resp, err := client.Get("http://" + address + "/daemon/status"); err == nil {
		resp.Body.Close()
		return true
	}

	paths := config.GetInstancePaths("")
	data, err := os.ReadFile(paths.Lock)
	if err != nil {
		return false
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		os.Remove(paths.Lock)
		return false
	}

	if !procutil.IsProcessAlive(pid) {
		os.Remove(paths.Lock)
		return false
	}

	return true
}

// StopRunning terminates a running daemon using its pid file. It returns
// false when no daemon appears to be running.
func StopRunning() (bool, error) {
	paths := config.GetInstancePaths("")
	data, err := os.ReadFile(paths.Lock)
	if err != nil {
		return false, nil
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		os.Remove(paths.Lock)
		return false, nil
	}

	if !procutil.IsProcessAlive(pid) {
		os.Remove(paths.Lock)
		return false, nil
	}

	if err := procutil.TerminateByPID(pid); err != nil {
		return true, fmt.Errorf("daemon: terminate pid %d: %w", pid, err)
	}
	return true, nil
}
