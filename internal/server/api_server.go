package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/loom-ai/loom/internal/catalog"
	"github.com/loom-ai/loom/internal/delivery"
	"github.com/loom-ai/loom/internal/knowledge"
	"github.com/loom-ai/loom/internal/pipeline"
	"github.com/loom-ai/loom/internal/registry"
	"github.com/loom-ai/loom/internal/selector"
	"github.com/loom-ai/loom/internal/version"
)

// APIServer exposes the orchestrator's HTTP surface: registration, UI
// generation, action introspection, the retrieval corpus, the generation and
// device-selection backends, and the websocket delivery endpoint.
type APIServer struct {
	logger  *log.Logger
	binding string
	port    int

	store     *registry.Store
	catalog   *catalog.Catalog
	knowledge *knowledge.Store
	pipeline  *pipeline.Pipeline
	hub       *delivery.Hub
	arbiter   selector.Arbiter

	startTime time.Time

	mu         sync.Mutex
	httpServer *http.Server
	actualPort int
}

// Deps collects the server's collaborators.
type Deps struct {
	Store     *registry.Store
	Catalog   *catalog.Catalog
	Knowledge *knowledge.Store
	Pipeline  *pipeline.Pipeline
	Hub       *delivery.Hub
	Arbiter   selector.Arbiter
	Logger    *log.Logger
}

// New constructs an API server bound to the given address.
func New(binding string, port int, deps Deps) *APIServer {
	logger := deps.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &APIServer{
		logger:    logger,
		binding:   binding,
		port:      port,
		store:     deps.Store,
		catalog:   deps.Catalog,
		knowledge: deps.Knowledge,
		pipeline:  deps.Pipeline,
		hub:       deps.Hub,
		arbiter:   deps.Arbiter,
		startTime: time.Now(),
	}
}

// Handler builds the route table. Exposed so tests can serve it directly.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/register/service", s.handleRegisterService)
	mux.HandleFunc("/register/device", s.handleRegisterDevice)
	mux.HandleFunc("/register/thing", s.handleRegisterThing)
	mux.HandleFunc("/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/generate-ui", s.handleGenerateUI)
	mux.HandleFunc("/refresh", s.handleRefresh)
	mux.HandleFunc("/things/", s.handleThingSubroutes)
	mux.HandleFunc("/actions/", s.handleAction)
	mux.HandleFunc("/documents", s.handleDocuments)
	mux.HandleFunc("/documents/", s.handleDocumentByID)
	mux.HandleFunc("/query", s.handleQuery)
	mux.HandleFunc("/select-device", s.handleSelectDevice)
	mux.HandleFunc("/capabilities/", s.handleCapabilitySummary)
	mux.HandleFunc("/registry", s.handleRegistrySnapshot)
	mux.HandleFunc("/daemon/status", s.handleDaemonStatus)
	mux.HandleFunc("/ws", s.hub.HandleWebSocket)
	return mux
}

// Start begins serving. It returns once the listener is bound; serving
// continues in the background until Shutdown.
func (s *APIServer) Start(ctx context.Context) error {
	address := net.JoinHostPort(s.binding, strconv.Itoa(s.port))

	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", address, err)
	}

	srv := &http.Server{Handler: s.Handler()}

	s.mu.Lock()
	s.httpServer = srv
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		s.actualPort = tcpAddr.Port
	}
	s.mu.Unlock()

	s.logger.Printf("[APIServer] Listening on %s (version %s)", listener.Addr(), version.String())

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("[APIServer] Serve stopped: %v", err)
		}
	}()
	return nil
}

// Port returns the bound port, useful when the configured port was 0.
func (s *APIServer) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.actualPort
}

// Shutdown stops the HTTP server gracefully.
func (s *APIServer) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
