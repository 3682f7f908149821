package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"tempest-go-station/internal/model"
)

// DefaultURL points at the public Tempest WebSocket API.
const DefaultURL = "wss://ws.weatherflow.com/swd/data"

// State is the adapter lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Callbacks are installed by the orchestrator before Start.
//
// OnConnectFailed fires when a connection could not be established;
// OnConnectionLost fires when an established connection drops without
// Stop being called. A clean Stop fires neither, so the orchestrator can
// tell "never connected" from "lost connection" from "asked to stop".
type Callbacks struct {
	OnObservation    func(model.Observation)
	OnRapidWind      func(model.RapidWind)
	OnLightning      func(model.LightningStrike)
	OnRainStart      func(model.RainStartEvent)
	OnConnectFailed  func(error)
	OnConnectionLost func(error)
}

// Adapter subscribes to push observations and rapid wind for one device
// over the cloud WebSocket channel.
type Adapter struct {
	url       string
	token     string
	callbacks Callbacks
	logger    *slog.Logger

	mu         sync.Mutex
	state      State
	gen        uint64
	conn       *websocket.Conn
	cancel     context.CancelFunc
	dialCancel context.CancelFunc
	stopping   bool
	deviceID   int
	wg         sync.WaitGroup
}

// NewAdapter creates a WebSocket adapter. url may be empty for DefaultURL.
func NewAdapter(url, token string, cb Callbacks, logger *slog.Logger) *Adapter {
	if url == "" {
		url = DefaultURL
	}
	return &Adapter{
		url:       url,
		token:     token,
		callbacks: cb,
		logger:    logger.With("component", "ws"),
		state:     StateDisconnected,
	}
}

// State returns the current lifecycle state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Start connects, authenticates via the token query parameter, and
// subscribes to observations and rapid wind for deviceID. On failure the
// adapter lands in StateError and OnConnectFailed fires.
func (a *Adapter) Start(ctx context.Context, deviceID int) error {
	a.mu.Lock()
	if a.state == StateConnected || a.state == StateConnecting {
		a.mu.Unlock()
		return nil
	}
	a.state = StateConnecting
	a.stopping = false
	a.deviceID = deviceID
	// Each Start gets its own generation; Stop bumps it, so a dial that
	// was in flight when Stop ran can never commit its connection.
	a.gen++
	gen := a.gen
	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	a.dialCancel = dialCancel
	a.mu.Unlock()
	defer dialCancel()

	err := a.connect(dialCtx, deviceID, gen)
	if err != nil {
		a.mu.Lock()
		superseded := a.gen != gen || a.stopping
		if !superseded {
			a.state = StateError
		}
		a.mu.Unlock()
		if superseded {
			// Stop (or a newer Start) took over; the adapter is not in
			// an error state and the orchestrator must not react.
			return err
		}
		if a.callbacks.OnConnectFailed != nil {
			a.callbacks.OnConnectFailed(err)
		}
		return err
	}
	return nil
}

func (a *Adapter) connect(dialCtx context.Context, deviceID int, gen uint64) error {
	u, err := url.Parse(a.url)
	if err != nil {
		return fmt.Errorf("ws url: %w", err)
	}
	q := u.Query()
	q.Set("token", a.token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(dialCtx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("ws dial: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	// Subscribe before handing the connection to the read loop so no
	// frame is racing the subscription acks.
	for _, cmdType := range []string{"listen_start", "listen_rapid_start"} {
		cmd := map[string]any{"type": cmdType, "device_id": deviceID, "id": fmt.Sprintf("%s-%d", cmdType, deviceID)}
		if err := wsjson.Write(dialCtx, conn, cmd); err != nil {
			conn.Close(websocket.StatusInternalError, "subscribe failed")
			return fmt.Errorf("ws subscribe %s: %w", cmdType, err)
		}
	}

	loopCtx, loopCancel := context.WithCancel(context.Background())

	a.mu.Lock()
	if a.gen != gen || a.stopping {
		a.mu.Unlock()
		loopCancel()
		conn.Close(websocket.StatusNormalClosure, "")
		return fmt.Errorf("ws connect superseded")
	}
	a.conn = conn
	a.cancel = loopCancel
	a.state = StateConnected
	a.mu.Unlock()

	a.logger.Info("connected", "device", deviceID)

	a.wg.Add(1)
	go a.readLoop(loopCtx, conn)
	return nil
}

// Stop unsubscribes and closes cleanly. Idempotent; safe from a
// disconnected state. OnConnectionLost does not fire for a Stop-initiated
// close.
func (a *Adapter) Stop() {
	a.mu.Lock()
	a.stopping = true
	a.gen++
	conn := a.conn
	cancel := a.cancel
	dialCancel := a.dialCancel
	a.conn = nil
	a.cancel = nil
	a.dialCancel = nil
	deviceID := a.deviceID
	a.mu.Unlock()

	if dialCancel != nil {
		dialCancel()
	}
	if conn != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
		cmd := map[string]any{"type": "listen_stop", "device_id": deviceID}
		if err := wsjson.Write(stopCtx, conn, cmd); err != nil {
			a.logger.Debug("listen_stop write failed", "err", err)
		}
		stopCancel()
		conn.Close(websocket.StatusNormalClosure, "")
	}
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()

	a.mu.Lock()
	a.state = StateDisconnected
	a.mu.Unlock()
}

func (a *Adapter) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer a.wg.Done()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			a.mu.Lock()
			stopping := a.stopping
			if !stopping {
				a.state = StateError
			}
			a.mu.Unlock()
			if stopping {
				return
			}
			a.logger.Warn("connection lost", "err", err)
			if a.callbacks.OnConnectionLost != nil {
				a.callbacks.OnConnectionLost(err)
			}
			return
		}
		a.handle(data)
	}
}
