// Package wsbridge exposes the mock broker over a real WebSocket endpoint so
// out-of-process clients (a browser under manual debugging, a load driver)
// can join a harness run next to the in-process sessions.
package wsbridge

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"loomboard/harness/internal/broker"
	"loomboard/harness/internal/logging"
	"loomboard/harness/internal/message"
)

const (
	// sendBuffer bounds per-client outbound queues; slow consumers are
	// disconnected rather than allowed to stall the run.
	sendBuffer = 256
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Options configures the bridge endpoint.
type Options struct {
	Logger *logging.Logger
}

// Bridge is an http.Handler that upgrades each request to a WebSocket and
// registers it with the shared broker as one more connection.
type Bridge struct {
	broker *broker.Broker
	logger *logging.Logger

	mu   sync.Mutex
	seq  int
	open int
}

// New constructs a bridge in front of the supplied broker.
func New(b *broker.Broker, opts Options) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewTestLogger()
	}
	return &Bridge{
		broker: b,
		logger: logger.With(logging.String("component", "wsbridge")),
	}
}

// OpenClients reports how many bridged sockets are currently attached.
func (br *Bridge) OpenClients() int {
	if br == nil {
		return 0
	}
	br.mu.Lock()
	defer br.mu.Unlock()
	return br.open
}

func (br *Bridge) nextID(r *http.Request) string {
	if id := r.URL.Query().Get("conn"); id != "" {
		return id
	}
	br.mu.Lock()
	defer br.mu.Unlock()
	br.seq++
	return fmt.Sprintf("ws-%d", br.seq)
}

// ServeHTTP upgrades the request and bridges frames both ways until either
// side disconnects.
func (br *Bridge) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if br == nil || br.broker == nil {
		http.Error(w, "bridge unavailable", http.StatusServiceUnavailable)
		return
	}
	sock, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		br.logger.Warn("websocket upgrade failed", logging.Error(err))
		return
	}

	id := br.nextID(r)
	conn, err := br.broker.AddConnection(id)
	if err != nil {
		br.logger.Warn("bridge registration rejected", logging.String("conn_id", id), logging.Error(err))
		_ = sock.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()))
		_ = sock.Close()
		return
	}
	conn.Initialize()

	br.mu.Lock()
	br.open++
	br.mu.Unlock()
	br.logger.Info("bridged client attached", logging.String("conn_id", id))

	send := make(chan []byte, sendBuffer)
	done := make(chan struct{})
	var detachOnce sync.Once
	detach := func() {
		detachOnce.Do(func() { close(done) })
	}

	//1.- Inbound deliveries from the broker are fanned into the write pump.
	conn.SetOnMessage(func(msg *message.Message) {
		data, err := msg.Encode()
		if err != nil {
			return
		}
		select {
		case send <- data:
		case <-done:
		default:
			//2.- The client cannot keep up; cut it loose instead of blocking
			// the delivery path.
			br.logger.Warn("bridged client too slow, dropping", logging.String("conn_id", id))
			conn.Close()
		}
	})
	conn.OnClosed(detach)

	// reader
	go func() {
		defer func() {
			br.broker.RemoveConnection(id)
			br.mu.Lock()
			br.open--
			br.mu.Unlock()
		}()
		for {
			_, data, err := sock.ReadMessage()
			if err != nil {
				br.logger.Debug("bridged client read ended", logging.String("conn_id", id), logging.Error(err))
				return
			}
			//3.- Malformed frames are dropped inside the channel, matching the
			// tolerance applied to in-process clients.
			_ = conn.SendRaw(data)
		}
	}()

	// writer
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer func() {
			ticker.Stop()
			_ = sock.Close()
		}()
		for {
			select {
			case <-done:
				_ = sock.WriteMessage(websocket.CloseMessage, []byte{})
				return
			case data := <-send:
				if err := sock.WriteMessage(websocket.TextMessage, data); err != nil {
					return
				}
			case <-ticker.C:
				if err := sock.WriteMessage(websocket.PingMessage, []byte{}); err != nil {
					return
				}
			}
		}
	}()
}

// Attach registers the bridge on the given mux under /ws.
func (br *Bridge) Attach(mux *http.ServeMux) {
	if br == nil || mux == nil {
		return
	}
	mux.Handle("/ws", br)
}
