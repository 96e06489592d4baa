// Package server exposes the client surface: a websocket command channel,
// one-shot REST endpoints and the metrics listener, all through one gin
// engine.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"conductor/internal/broadcast"
	"conductor/internal/bus"
	"conductor/internal/logging"
	"conductor/internal/metrics"
	"conductor/internal/orchestrator"
	"conductor/internal/registry"
	"conductor/internal/task"
)

// Deps are the components the server fronts.
type Deps struct {
	Registry     *registry.Registry
	Tasks        *task.Manager
	Orchestrator *orchestrator.Orchestrator
	Broadcaster  *broadcast.Broadcaster
	Bus          *bus.Bus
	Metrics      *metrics.Metrics
	Logger       logging.Logger
}

// Server owns the HTTP listener and the websocket connection set.
type Server struct {
	deps   Deps
	logger logging.Logger

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	startTime  time.Time

	connMu sync.Mutex
	conns  map[*conn]struct{}

	stopFanout func()
	wg         sync.WaitGroup
}

// New builds the engine and routes. Call Start to listen.
func New(deps Deps) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	corsConfig.AllowWebSockets = true
	engine.Use(cors.New(corsConfig))

	s := &Server{
		deps:   deps,
		logger: logging.OrNop(deps.Logger),
		engine: engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		startTime: time.Now(),
		conns:     make(map[*conn]struct{}),
	}

	engine.GET("/ws", s.handleWS)
	engine.GET("/api/state", s.handleState)
	engine.GET("/api/health", s.handleHealth)
	if deps.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	return s
}

// Start begins serving on addr and fanning out snapshots and activity to
// websocket peers. It returns once the listener stops.
func (s *Server) Start(addr string) error {
	s.startFanout()
	s.httpServer = &http.Server{Addr: addr, Handler: s.engine}
	s.logger.Info("listening on %s", addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains the listener and closes every websocket peer.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.stopFanout != nil {
		s.stopFanout()
	}
	s.connMu.Lock()
	for c := range s.conns {
		c.close()
	}
	s.connMu.Unlock()
	s.wg.Wait()

	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// startFanout subscribes once to the broadcaster and the bus and relays to
// every connection.
func (s *Server) startFanout() {
	snapshots, cancelSnaps := s.deps.Broadcaster.Subscribe()
	cancelEvents := s.deps.Bus.Subscribe(func(ev bus.Event) {
		s.fanout(typeActivityLog, ev)
	})
	s.stopFanout = func() {
		cancelSnaps()
		cancelEvents()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for snap := range snapshots {
			s.fanout(typeStateFull, snap)
			if s.deps.Metrics != nil {
				s.deps.Metrics.SnapshotsSent.Inc()
			}
		}
	}()
}

func (s *Server) fanout(msgType string, payload any) {
	frame, err := encodeFrame(msgType, payload)
	if err != nil {
		s.logger.Warn("encode %s frame: %v", msgType, err)
		return
	}
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for c := range s.conns {
		c.send(frame)
	}
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Broadcaster.Compose())
}

func (s *Server) handleHealth(c *gin.Context) {
	agents := make(map[string]string)
	for _, a := range s.deps.Registry.List() {
		agents[a.Config.ID] = string(a.Status)
	}
	counts := make(map[string]int)
	for _, t := range s.deps.Tasks.List() {
		counts[string(t.Status)]++
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"uptimeSeconds": int(time.Since(s.startTime).Seconds()),
		"agents":        agents,
		"tasks":         counts,
		"archivedTasks": s.deps.Tasks.ArchivedCount(),
	})
}

func (s *Server) register(c *conn) {
	s.connMu.Lock()
	s.conns[c] = struct{}{}
	n := len(s.conns)
	s.connMu.Unlock()
	s.logger.Info("websocket peer %s connected (%d total)", c.id, n)
}

func (s *Server) unregister(c *conn) {
	s.connMu.Lock()
	if _, ok := s.conns[c]; ok {
		delete(s.conns, c)
	}
	n := len(s.conns)
	s.connMu.Unlock()
	s.logger.Info("websocket peer %s disconnected (%d total)", c.id, n)
}

// Addr reports the configured listen address, for logs.
func (s *Server) Addr() string {
	if s.httpServer == nil {
		return ""
	}
	return s.httpServer.Addr
}
