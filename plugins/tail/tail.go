// Package tail implements the tail log module. Clients connect over a
// WebSocket and receive every log record as a JSON text message.
package tail

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"firestige.xyz/pktforge/internal/log"
	"firestige.xyz/pktforge/pkg/module"
)

// Name is the module name.
const Name = "tail"

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Module streams log records to WebSocket clients.
type Module struct {
	level  slog.Level
	buffer int

	listener net.Listener
	server   *http.Server

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool

	dropped atomic.Uint64
}

// New returns an uninitialized module.
func New() module.Descriptor {
	return &Module{}
}

// Info implements module.Descriptor.
func (m *Module) Info() module.Info {
	return module.Info{
		Name:        Name,
		Description: "Stream log records to WebSocket clients",
		Author:      "pktforge",
		Kind:        module.KindLog,
	}
}

// Init implements module.Descriptor.
//
//	--listen addr   address to serve on (default 127.0.0.1:9092)
//	--path p        WebSocket endpoint (default /logs)
//	--level l       minimum level (default info)
//	--buffer n      records queued per client before dropping
func (m *Module) Init(args []string) error {
	fs := pflag.NewFlagSet(Name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	listen := fs.String("listen", "127.0.0.1:9092", "listen address")
	path := fs.String("path", "/logs", "endpoint path")
	level := fs.String("level", "info", "minimum level")
	buffer := fs.Int("buffer", 256, "records queued per client")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("tail module args: %w", err)
	}
	lvl, err := log.ParseLevel(*level)
	if err != nil {
		return fmt.Errorf("tail module args: %w", err)
	}
	if *buffer <= 0 {
		return fmt.Errorf("tail module args: --buffer must be positive")
	}

	listener, err := net.Listen("tcp", *listen)
	if err != nil {
		return fmt.Errorf("failed to start tail server: %w", err)
	}

	m.level = lvl
	m.buffer = *buffer
	m.clients = make(map[*client]struct{})
	m.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(*path, m.handleWS)
	m.server = &http.Server{Handler: mux}

	go func() {
		if err := m.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("tail server failed", "error", err)
		}
	}()

	slog.Info("tail log module started", "addr", listener.Addr().String(), "path", *path)
	return nil
}

// Addr returns the address the server listens on.
func (m *Module) Addr() string {
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// Clients returns the number of connected clients.
func (m *Module) Clients() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

// Dropped returns how many records were discarded for slow clients.
func (m *Module) Dropped() uint64 {
	return m.dropped.Load()
}

func (m *Module) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &client{conn: conn, send: make(chan []byte, m.buffer)}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.clients[c] = struct{}{}
	m.mu.Unlock()

	go m.writeLoop(c)
	go m.readLoop(c)
}

// readLoop discards client input and notices disconnects.
func (m *Module) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			m.remove(c)
			return
		}
	}
}

func (m *Module) writeLoop(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			m.remove(c)
			for range c.send {
			}
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "module unloaded"))
}

// remove unregisters c and ends its write loop. Safe to call twice.
func (m *Module) remove(c *client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.clients[c]; ok {
		delete(m.clients, c)
		close(c.send)
	}
}

// Cleanup implements module.Descriptor.
func (m *Module) Cleanup() {
	m.mu.Lock()
	m.closed = true
	for c := range m.clients {
		delete(m.clients, c)
		close(c.send)
	}
	m.mu.Unlock()

	if m.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		if err := m.server.Shutdown(ctx); err != nil {
			slog.Error("tail server shutdown failed", "error", err)
		}
	}
	slog.Info("tail log module stopped", "dropped", m.dropped.Load())
}

// Enabled implements module.LogSink.
func (m *Module) Enabled(level slog.Level) bool {
	return level >= m.level
}

// Emit implements module.LogSink. It never blocks on a client.
func (m *Module) Emit(_ context.Context, r slog.Record) error {
	out := map[string]any{
		"time":  r.Time.Format(time.RFC3339Nano),
		"level": r.Level.String(),
		"msg":   r.Message,
	}
	if attrs := log.Attrs(r); len(attrs) > 0 {
		out["attrs"] = attrs
	}
	msg, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("encode record failed: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for c := range m.clients {
		select {
		case c.send <- msg:
		default:
			m.dropped.Add(1)
		}
	}
	return nil
}
