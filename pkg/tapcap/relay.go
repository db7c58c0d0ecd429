package tapcap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	relayClientQueue  = 64
	relayWriteTimeout = 2 * time.Second
	relayShutdownWait = 3 * time.Second
)

// Relay fans captured PCM out to websocket clients. Each binary message is
// one chunk of interleaved samples in the format served at /format.
// A client that falls behind loses messages instead of slowing the others.
type Relay struct {
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader

	format atomic.Pointer[StreamFormat]

	mu      sync.Mutex
	clients map[*relayClient]struct{}

	sent    atomic.Uint64
	dropped atomic.Uint64
}

type relayClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *relayClient) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

func NewRelay(logger *zap.SugaredLogger) *Relay {
	r := &Relay{
		logger:  logger.Named("relay"),
		clients: map[*relayClient]struct{}{},
	}

	r.upgrader = websocket.Upgrader{
		CheckOrigin: r.checkOrigin,
	}

	return r
}

// SetFormat publishes the format of the PCM that follows.
func (r *Relay) SetFormat(format StreamFormat) {
	r.format.Store(&format)
}

// checkOrigin allows same-origin, localhost and private network origins.
func (r *Relay) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	// same-origin requests omit the Origin header
	if origin == "" {
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		r.logger.Warnw("Rejected websocket connection: invalid origin URL", "origin", origin)
		return false
	}

	host := u.Hostname()

	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	requestHost := req.Host
	if h, _, err := net.SplitHostPort(requestHost); err == nil {
		requestHost = h
	}
	if host == requestHost {
		return true
	}

	ip := net.ParseIP(host)
	if ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		return true
	}

	r.logger.Warnw("Rejected websocket connection", "origin", origin, "host", host)
	return false
}

// Handler serves /pcm (websocket) and /format (JSON).
func (r *Relay) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/pcm", r.servePCM)
	mux.HandleFunc("/format", r.serveFormat)
	return mux
}

func (r *Relay) serveFormat(w http.ResponseWriter, req *http.Request) {
	format := r.format.Load()
	if format == nil {
		http.Error(w, "capture not running", http.StatusServiceUnavailable)
		return
	}

	r.mu.Lock()
	clients := len(r.clients)
	r.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		StreamFormat
		Description string `json:"description"`
		Clients     int    `json:"clients"`
	}{*format, format.String(), clients})
}

func (r *Relay) servePCM(w http.ResponseWriter, req *http.Request) {
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Debugw("Websocket upgrade failed", "remote", req.RemoteAddr, "error", err)
		return
	}

	client := &relayClient{
		conn: conn,
		send: make(chan []byte, relayClientQueue),
	}

	r.mu.Lock()
	r.clients[client] = struct{}{}
	total := len(r.clients)
	r.mu.Unlock()

	r.logger.Infow("Relay client connected", "remote", req.RemoteAddr, "clients", total)

	go r.writeLoop(client)
	r.readLoop(client)
}

// readLoop discards client input and notices when the client goes away.
func (r *Relay) readLoop(client *relayClient) {
	defer r.remove(client)

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Debugw("Relay client read failed", "error", err)
			}
			return
		}
	}
}

func (r *Relay) writeLoop(client *relayClient) {
	defer client.conn.Close()

	for msg := range client.send {
		_ = client.conn.SetWriteDeadline(time.Now().Add(relayWriteTimeout))

		if err := client.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			r.logger.Debugw("Relay client write failed", "error", err)
			r.remove(client)
			return
		}

		r.sent.Add(1)
	}

	_ = client.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "capture stopped"),
		time.Now().Add(relayWriteTimeout))
}

func (r *Relay) remove(client *relayClient) {
	r.mu.Lock()
	_, ok := r.clients[client]
	delete(r.clients, client)
	total := len(r.clients)
	r.mu.Unlock()

	if ok {
		client.close()
		r.logger.Infow("Relay client disconnected", "clients", total)
	}
}

// Broadcast queues a copy of pcm for every client. It never blocks; clients
// with a full queue miss this chunk. It matches the Drain callback signature.
func (r *Relay) Broadcast(pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.clients) == 0 {
		return nil
	}

	msg := make([]byte, len(pcm))
	copy(msg, pcm)

	for client := range r.clients {
		select {
		case client.send <- msg:
		default:
			r.dropped.Add(1)
		}
	}

	return nil
}

// Clients returns the number of connected clients.
func (r *Relay) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.clients)
}

// Dropped returns how many client messages were skipped because a client was behind.
func (r *Relay) Dropped() uint64 {
	return r.dropped.Load()
}

// Serve listens on addr until ctx is done, then disconnects every client.
func (r *Relay) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		r.logger.Warnw("Failed to listen", "addr", addr, "error", err)
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	server := &http.Server{
		Handler:           r.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.logger.Infow("Relay listening", "addr", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve relay: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	r.logger.Debug("Shutting down relay")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), relayShutdownWait)
	defer cancel()

	// hijacked websocket connections are not closed by Shutdown
	r.mu.Lock()
	for client := range r.clients {
		delete(r.clients, client)
		client.close()
	}
	r.mu.Unlock()

	if err := server.Shutdown(shutdownCtx); err != nil {
		r.logger.Warnw("Failed to shut down relay cleanly", "error", err)
		return fmt.Errorf("shut down relay: %w", err)
	}

	r.logger.Infow("Relay stopped", "messagesSent", r.sent.Load(), "messagesDropped", r.dropped.Load())

	return nil
}
