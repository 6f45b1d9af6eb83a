package httpapi

import (
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/SuperSonnix71/Xnake/internal/events"
)

// Event-stream connection tuning.
const (
	wsSubscribeBuffer = 64
	wsWriteWait       = 10 * time.Second
	wsPingPeriod      = 30 * time.Second
	wsPongWait        = 60 * time.Second
)

// wsHub fans pipeline events out to websocket subscribers. A subscriber
// that cannot keep up silently misses events; the stream is operational
// telemetry, not a durable feed.
type wsHub struct {
	logger   *log.Logger
	bus      *events.Bus
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func newWSHub(logger *log.Logger, bus *events.Bus) *wsHub {
	return &wsHub{
		logger: logger.WithPrefix("events"),
		bus:    bus,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

func (h *wsHub) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "err", err)
		return
	}
	h.track(conn)
	ch, cancel := h.bus.Subscribe(wsSubscribeBuffer)

	done := make(chan struct{})
	go h.readLoop(conn, done)
	go h.writeLoop(conn, ch, cancel, done)
}

func (h *wsHub) track(conn *websocket.Conn) {
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
}

func (h *wsHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	conn.Close()
}

// closeAll tears down every live connection during shutdown.
func (h *wsHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns {
		conn.Close()
	}
	h.conns = make(map[*websocket.Conn]struct{})
}

// readLoop discards client frames; its only job is noticing the close.
func (h *wsHub) readLoop(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *wsHub) writeLoop(conn *websocket.Conn, ch <-chan events.Event, cancel func(), done <-chan struct{}) {
	ping := time.NewTicker(wsPingPeriod)
	defer func() {
		ping.Stop()
		cancel()
		h.drop(conn)
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
