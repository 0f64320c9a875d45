package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/haasonsaas/switchboard/internal/agent"
	"github.com/haasonsaas/switchboard/internal/config"
	"github.com/haasonsaas/switchboard/internal/dedupe"
	"github.com/haasonsaas/switchboard/internal/observability"
	"github.com/haasonsaas/switchboard/internal/protocol"
	"github.com/haasonsaas/switchboard/internal/sessions"
)

// MainSessionKey is the default session advertised in the handshake snapshot.
const MainSessionKey = "main"

// PresenceEntry is one authenticated peer as seen by every client.
type PresenceEntry struct {
	InstanceID string   `json:"instanceId"`
	Host       string   `json:"host"`
	Version    string   `json:"version"`
	Platform   string   `json:"platform"`
	Mode       string   `json:"mode"`
	TS         int64    `json:"ts"`
	Reason     string   `json:"reason"`
	Roles      []string `json:"roles,omitempty"`
	Scopes     []string `json:"scopes,omitempty"`
}

type presenceRecord struct {
	conn  *conn
	entry PresenceEntry
}

// Deps carries the collaborators a Server needs.
type Deps struct {
	Config   *config.Config
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Gatherer prometheus.Gatherer
	Store    *sessions.Store
	Dedupe   *dedupe.Cache
	Engine   *agent.Engine
	Bus      *Bus
}

// Server is the gateway process: WebSocket control plane plus HTTP surface.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *observability.Metrics
	gatherer prometheus.Gatherer
	store    *sessions.Store
	dedupe   *dedupe.Cache
	engine   *agent.Engine
	bus      *Bus
	router   *router

	upgrader  websocket.Upgrader
	httpSrv   *http.Server
	startedAt time.Time

	mu           sync.Mutex
	conns        map[*conn]struct{}
	presence     []*presenceRecord
	stateVersion protocol.StateVersion
	closed       bool

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer wires a gateway server. Deps.Config, Store, Dedupe, Engine, and
// Bus are required.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:      deps.Config,
		logger:   logger,
		metrics:  deps.Metrics,
		gatherer: gatherer,
		store:    deps.Store,
		dedupe:   deps.Dedupe,
		engine:   deps.Engine,
		bus:      deps.Bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 32 << 10,
			// The control plane speaks to trusted local tooling; origin
			// checks belong to a fronting proxy.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		startedAt: time.Now(),
		conns:     make(map[*conn]struct{}),
		stopChan:  make(chan struct{}),
	}
	s.router = newRouter(s)
	return s
}

// Handler returns the root HTTP handler: known endpoints plus the WebSocket
// fallthrough.
func (s *Server) Handler() http.Handler {
	return s.buildMux()
}

// ListenAndServe binds the configured address, starts the periodic emitters,
// and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	addr := net.JoinHostPort(s.cfg.Hostname, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.logger.Info("gateway listening", "addr", addr, "authMode", s.cfg.AuthMode())

	s.StartPeriodics()
	s.httpSrv = &http.Server{Handler: s.Handler()}
	if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// StartPeriodics launches the tick, health, and dedupe-sweep emitters.
func (s *Server) StartPeriodics() {
	s.periodic("tick", s.cfg.TickInterval(), func() {
		s.bus.PublishDropIfSlow("tick", map[string]any{"ts": time.Now().UnixMilli()}, nil)
	})
	s.periodic("health", s.cfg.HealthRefreshInterval(), func() {
		sv := s.bumpHealth()
		s.bus.PublishDropIfSlow("health", s.healthPayload(), &sv)
	})
	s.periodic("dedupe-sweep", s.cfg.DedupeTTL(), func() {
		if n := s.dedupe.Sweep(); n > 0 {
			s.logger.Debug("swept idempotency keys", "expired", n)
		}
	})
}

// periodic runs fn on a fixed interval until shutdown; a panicking task logs
// and keeps its schedule.
func (s *Server) periodic(name string, every time.Duration, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopChan:
				return
			case <-ticker.C:
				func() {
					defer func() {
						if r := recover(); r != nil {
							s.logger.Error("periodic task panicked", "task", name, "panic", r)
						}
					}()
					fn()
				}()
			}
		}
	}()
}

// Shutdown drains: broadcast the shutdown event, stop emitters, cancel runs,
// and close every socket with 1012.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.logger.Info("shutting down")
	s.bus.Publish("shutdown", map[string]any{"reason": "server_stop"})

	s.stopOnce.Do(func() { close(s.stopChan) })
	s.wg.Wait()

	s.engine.Shutdown()

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close(websocket.CloseServiceRestart, "server_stop")
	}

	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// serveWS upgrades one HTTP request into the connection state machine.
func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "error", err)
		return
	}
	c := newConn(s, ws)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ws.Close()
		return
	}
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	c.serve()
}

// checkAuth applies the configured credential, if any.
func (s *Server) checkAuth(params *connectParams) bool {
	switch s.cfg.AuthMode() {
	case "token":
		return secretsEqual(params.Auth.Token, s.cfg.AuthToken)
	case "password":
		return secretsEqual(params.Auth.Password, s.cfg.AuthPassword)
	default:
		return true
	}
}

// authenticate registers the connection on the bus, records its presence
// entry, and builds the hello-ok snapshot. The presence version bump happens
// inside the same critical section as the list mutation.
func (s *Server) authenticate(c *conn, params *connectParams) map[string]any {
	entry := PresenceEntry{
		InstanceID: params.Client.ID,
		Host:       c.remoteHost(),
		Version:    params.Client.Version,
		Platform:   params.Client.Platform,
		Mode:       params.Client.Mode,
		TS:         time.Now().UnixMilli(),
		Reason:     "connect",
		Scopes:     params.Scopes,
	}
	if params.Role != "" {
		entry.Roles = []string{params.Role}
	}

	s.mu.Lock()
	for _, rec := range s.presence {
		if rec.entry.InstanceID == entry.InstanceID {
			// instanceId must stay unique across the presence list.
			entry.InstanceID = entry.InstanceID + "#" + c.id[:8]
			break
		}
	}
	s.presence = append(s.presence, &presenceRecord{conn: c, entry: entry})
	s.stateVersion.Presence++
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.bus.subscribe(c)
	if s.metrics != nil {
		s.metrics.ConnectionsActive.WithLabelValues("pending").Dec()
		s.metrics.ConnectionsActive.WithLabelValues("authenticated").Inc()
	}

	return map[string]any{
		"type":     "hello-ok",
		"protocol": protocol.Version,
		"server": map[string]any{
			"version": Version,
			"connId":  c.id,
		},
		"features": map[string]any{
			"methods": s.router.methods,
			"events":  knownEvents,
		},
		"snapshot": snapshot,
		"policy": map[string]any{
			"maxPayload":       s.cfg.MaxPayload,
			"maxBufferedBytes": s.cfg.MaxBufferedBytes,
			"tickIntervalMs":   s.cfg.TickIntervalMs,
		},
	}
}

// snapshotLocked builds the handshake snapshot. Caller holds s.mu.
func (s *Server) snapshotLocked() map[string]any {
	return map[string]any{
		"presence":     s.presenceEntriesLocked(),
		"health":       map[string]any{},
		"stateVersion": s.stateVersion,
		"uptimeMs":     time.Since(s.startedAt).Milliseconds(),
		"authMode":     s.cfg.AuthMode(),
		"sessionDefaults": map[string]any{
			"mainSessionKey": MainSessionKey,
		},
	}
}

func (s *Server) presenceEntriesLocked() []PresenceEntry {
	out := make([]PresenceEntry, 0, len(s.presence))
	for _, rec := range s.presence {
		out = append(out, rec.entry)
	}
	return out
}

// dropConn tears down a finished connection and, if it was authenticated,
// removes its presence entry and notifies peers.
func (s *Server) dropConn(c *conn) {
	c.close(websocket.CloseAbnormalClosure, "connection closed")
	s.bus.unsubscribe(c)

	s.mu.Lock()
	delete(s.conns, c)
	wasPresent := false
	for i, rec := range s.presence {
		if rec.conn == c {
			s.presence = append(s.presence[:i], s.presence[i+1:]...)
			s.stateVersion.Presence++
			wasPresent = true
			break
		}
	}
	s.mu.Unlock()

	if s.metrics != nil {
		if wasPresent {
			s.metrics.ConnectionsActive.WithLabelValues("authenticated").Dec()
		} else {
			s.metrics.ConnectionsActive.WithLabelValues("pending").Dec()
		}
	}
	if wasPresent {
		s.broadcastPresence()
		c.logger.Info("client disconnected")
	}
}

// broadcastPresence publishes the current presence list with its state
// version. dropIfSlow: a stale presence view heals on the next change.
func (s *Server) broadcastPresence() {
	s.mu.Lock()
	entries := s.presenceEntriesLocked()
	sv := s.stateVersion
	s.mu.Unlock()
	s.bus.PublishDropIfSlow("presence", map[string]any{
		"presence": entries,
		"count":    len(entries),
	}, &sv)
}

func (s *Server) bumpHealth() protocol.StateVersion {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stateVersion.Health++
	return s.stateVersion
}

func (s *Server) healthPayload() map[string]any {
	counts := s.engine.Counts()
	return map[string]any{
		"ok":       true,
		"ts":       time.Now().UnixMilli(),
		"uptimeMs": time.Since(s.startedAt).Milliseconds(),
		"runs": map[string]any{
			"running": counts[agent.RunRunning],
		},
	}
}

// Version is reported in the hello-ok server block and by the CLI.
var Version = "dev"
