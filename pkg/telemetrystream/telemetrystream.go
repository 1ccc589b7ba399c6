// Package telemetrystream exposes a WebSocket feed of Worker Pool
// failure events, generalizing master/internal/http/telemetry_server.go's
// per-worker CPU/memory/GPU broadcast into a cluster-membership broadcast:
// this cluster's nodes are spec §4.2 Worker Pool entries, not Docker
// containers, so there is no per-task resource gauge to stream, but the
// same "push to every connected client" shape applies to worker failure
// events. Attach and detach are not streamed; a client sees current
// membership only in the snapshot sent when it connects.
package telemetrystream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Codesmith28/mbrace/pkg/mlog"
	"github.com/Codesmith28/mbrace/pkg/workerpool"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NodeLister is the subset of clustermanager.Manager this package needs
// for the initial snapshot sent to a newly connected client.
type NodeLister interface {
	GetAllNodes() []NodeSnapshot
}

// NodeSnapshot is one node's admin-facing state, reported over the wire
// in place of clustermanager.NodeInfo so this package doesn't import
// clustermanager (which sits above it in the dependency graph, owning
// the Pool this package only reads events from).
type NodeSnapshot struct {
	NodeId      string `json:"node_id"`
	Address     string `json:"address"`
	Permissions uint8  `json:"permissions"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Server streams workerpool.FailureEvent notifications, plus a snapshot
// of current membership on connect, to any number of WebSocket clients.
type Server struct {
	pool   *workerpool.Pool
	nodes  NodeLister
	server *http.Server

	mu      sync.Mutex
	clients map[*client]bool
}

// New builds a telemetry stream server listening on addr, reading
// failure events off pool and initial snapshots off nodes.
func New(addr string, pool *workerpool.Pool, nodes NodeLister) *Server {
	s := &Server{pool: pool, nodes: nodes, clients: make(map[*client]bool)}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws/telemetry", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealth)
	s.server = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Run serves the telemetry stream and broadcasts Worker Pool failure
// events until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	go s.broadcastFailures(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	log := mlog.Component("telemetrystream")
	log.Info().Str("addr", s.server.Addr).Msg("telemetry stream listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) broadcastFailures(ctx context.Context) {
	events := s.pool.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(map[string]string{"event": "worker_failure", "node_id": ev.WorkerId})
			if err != nil {
				continue
			}
			s.broadcast(payload)
		}
	}
}

func (s *Server) broadcast(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		select {
		case c.send <- payload:
		default:
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		mlog.Component("telemetrystream").Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 32)}
	s.registerClient(c)
	defer s.unregisterClient(c)

	if snapshot, err := json.Marshal(map[string]interface{}{"event": "snapshot", "nodes": s.nodes.GetAllNodes()}); err == nil {
		select {
		case c.send <- snapshot:
		default:
		}
	}

	go s.writePump(c)
	s.readPump(c)
}

func (s *Server) registerClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = true
}

func (s *Server) unregisterClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		close(c.send)
	}
	c.conn.Close()
}

func (s *Server) readPump(c *client) {
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(54 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
