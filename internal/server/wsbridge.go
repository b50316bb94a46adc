// Package server exposes the WebSocket bridge: an optional HTTP listener
// that carries the same frame protocol as the TCP port, one envelope per
// WebSocket text message, for clients that cannot open raw sockets.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cipherchat/cipherchat/internal/protocol"
)

// wsFrameConn adapts a WebSocket connection to the FrameConn transport.
// Message boundaries come from the WebSocket layer, so frames need no
// newline delimiter; the envelope encoding is otherwise identical.
type wsFrameConn struct {
	conn *websocket.Conn
}

func (c *wsFrameConn) ReadFrame() (*protocol.Envelope, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Unmarshal(data)
}

func (c *wsFrameConn) WriteFrame(env *protocol.Envelope) error {
	frame, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsFrameConn) SetReadDeadline(t time.Time) error { return c.conn.SetReadDeadline(t) }

func (c *wsFrameConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *wsFrameConn) Close() error { return c.conn.Close() }

// WSBridge serves the WebSocket endpoint and hands upgraded connections to
// the relay's ordinary per-connection worker.
type WSBridge struct {
	srv      *Server
	upgrader websocket.Upgrader
	origins  *originPolicy
	httpSrv  *http.Server
}

// NewWSBridge wires a bridge to the relay using the relay's configured
// origin allow-list and listen address.
func NewWSBridge(srv *Server) *WSBridge {
	b := &WSBridge{
		srv:     srv,
		origins: newOriginPolicy(srv.cfg.AllowedOrigins, srv.log),
	}
	b.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     b.checkOrigin,
	}
	b.httpSrv = &http.Server{
		Addr:         srv.cfg.WSAddr,
		Handler:      b.routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return b
}

func (b *WSBridge) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", b.healthHandler)
	mux.HandleFunc("/ws", b.upgradeHandler)
	return mux
}

func (b *WSBridge) healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "CipherChat relay is running!")
}

// upgradeHandler upgrades the HTTP request and runs the standard connection
// worker: handshake, authentication, routing.
func (b *WSBridge) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.srv.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(int64(b.srv.cfg.MaxFrameSize))

	b.srv.wg.Add(1)
	go func() {
		defer b.srv.wg.Done()
		b.srv.handleConn(&wsFrameConn{conn: conn})
	}()
}

func (b *WSBridge) checkOrigin(r *http.Request) bool {
	if b.origins.allowed(r.Header.Get("Origin")) {
		return true
	}
	b.srv.log.Warn("blocked websocket connection from disallowed origin", "origin", r.Header.Get("Origin"))
	return false
}

// ListenAndServe blocks serving the bridge until Shutdown.
func (b *WSBridge) ListenAndServe() error {
	b.srv.log.Info("websocket bridge listening", "addr", b.httpSrv.Addr)
	err := b.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler returns the bridge's HTTP handler, for mounting under a test
// server.
func (b *WSBridge) Handler() http.Handler { return b.httpSrv.Handler }

// Shutdown stops the HTTP listener without interrupting sessions already
// handed to the relay; those are closed by the relay's own Shutdown.
func (b *WSBridge) Shutdown(ctx context.Context) error {
	return b.httpSrv.Shutdown(ctx)
}
