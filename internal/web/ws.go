package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"tempest-go-station/internal/engine"
)

// eventHub fans engine events out to connected UI sockets as JSON. A
// single goroutine owns the client set; attach, detach, and publish all
// go through channels, so the set carries no lock.
type eventHub struct {
	logger *slog.Logger

	attach  chan *uiClient
	detach  chan *uiClient
	publish chan engine.Event

	done     chan struct{}
	stopOnce sync.Once
}

// uiClient is one browser socket. out is sized for a rapid-wind burst
// (one frame every 3 seconds plus whatever else the engine emits); a
// client that cannot drain it is evicted rather than stalling fan-out.
type uiClient struct {
	conn *websocket.Conn
	out  chan []byte
}

func newEventHub(logger *slog.Logger) *eventHub {
	return &eventHub{
		logger:  logger,
		attach:  make(chan *uiClient),
		detach:  make(chan *uiClient),
		publish: make(chan engine.Event, 256),
		done:    make(chan struct{}),
	}
}

// Run owns the client set until Stop.
func (h *eventHub) Run() {
	clients := make(map[*uiClient]struct{})
	for {
		select {
		case <-h.done:
			for c := range clients {
				close(c.out)
			}
			return

		case c := <-h.attach:
			clients[c] = struct{}{}
			h.logger.Debug("ui client connected", "total", len(clients))

		case c := <-h.detach:
			if _, ok := clients[c]; ok {
				delete(clients, c)
				close(c.out)
			}
			h.logger.Debug("ui client disconnected", "total", len(clients))

		case ev := <-h.publish:
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Error("event marshal", "type", ev.Type, "err", err)
				continue
			}
			for c := range clients {
				select {
				case c.out <- data:
				default:
					delete(clients, c)
					close(c.out)
					h.logger.Warn("ui client evicted, send queue full", "type", ev.Type)
				}
			}
		}
	}
}

// Stop shuts the hub down. Safe to call more than once.
func (h *eventHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Publish queues an event for fan-out. It never blocks the engine's emit
// path: when the queue is full the event is dropped, since clients can
// re-read the REST surface at any time.
func (h *eventHub) Publish(ev engine.Event) {
	select {
	case h.publish <- ev:
	default:
		h.logger.Warn("event queue full, dropping", "type", ev.Type)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// Without configured origins nhooyr enforces same-origin itself.
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	client := &uiClient{conn: conn, out: make(chan []byte, 32)}
	select {
	case s.hub.attach <- client:
	case <-s.hub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go client.writeLoop()
	s.readUntilClosed(client)
}

func (c *uiClient) writeLoop() {
	for msg := range c.out {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	// out closed by the hub; close the socket cleanly.
	c.conn.Close(websocket.StatusNormalClosure, "")
}

// readUntilClosed blocks until the peer goes away. The stream is
// broadcast-only, so inbound frames are drained and ignored.
func (s *Server) readUntilClosed(client *uiClient) {
	defer func() {
		select {
		case s.hub.detach <- client:
		case <-s.hub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-s.hub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		if _, _, err := client.conn.Read(ctx); err != nil {
			return
		}
	}
}
