package udp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"tempest-go-station/internal/model"
)

// DefaultPort is the port Tempest hubs broadcast on.
const DefaultPort = 50222

// State is the adapter lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateListening    State = "listening"
	StateError        State = "error"
)

// Callbacks are installed by the orchestrator before Start. Unset slots
// are skipped.
type Callbacks struct {
	OnObservation  func(model.Observation)
	OnRapidWind    func(model.RapidWind)
	OnLightning    func(model.LightningStrike)
	OnRainStart    func(model.RainStartEvent)
	OnHubStatus    func(HubStatus)
	OnDeviceStatus func(DeviceStatus)
}

// Adapter binds a broadcast-capable UDP socket and dispatches decoded
// frames. Multiple listeners may share the port on one host, so the socket
// is opened with SO_REUSEADDR and SO_REUSEPORT.
type Adapter struct {
	port      int
	decoder   *Decoder
	callbacks Callbacks
	logger    *slog.Logger

	mu      sync.Mutex
	state   State
	lastErr error
	conn    net.PacketConn
	allow   map[string]struct{}
	wg      sync.WaitGroup
}

// NewAdapter creates a UDP adapter listening on port (0 means DefaultPort).
func NewAdapter(port int, decoder *Decoder, cb Callbacks, logger *slog.Logger) *Adapter {
	if port == 0 {
		port = DefaultPort
	}
	return &Adapter{
		port:      port,
		decoder:   decoder,
		callbacks: cb,
		logger:    logger.With("component", "udp"),
		state:     StateDisconnected,
	}
}

// SetAllowList replaces the serial-number allow-list. An empty list admits
// every device. hub_status frames are always admitted regardless of the
// list, so hub metadata survives station-scoped filtering.
func (a *Adapter) SetAllowList(serials []string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(serials) == 0 {
		a.allow = nil
		return
	}
	a.allow = make(map[string]struct{}, len(serials))
	for _, s := range serials {
		a.allow[s] = struct{}{}
	}
}

// SetDeviceIDs replaces the decoder's configured serial→ID mapping.
func (a *Adapter) SetDeviceIDs(ids map[string]int) {
	a.decoder.SetSerialMap(ids)
}

// State returns the current lifecycle state.
func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// LastError returns the error recorded at the last transition to
// StateError (typically a bind failure, which is user-actionable).
func (a *Adapter) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// Start binds the socket and launches the read loop. A bind failure moves
// the adapter to StateError and is returned; Restart retries it.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateListening || a.state == StateConnecting {
		return nil
	}
	a.state = StateConnecting

	lc := net.ListenConfig{Control: reuseAddr}
	conn, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf(":%d", a.port))
	if err != nil {
		a.state = StateError
		a.lastErr = err
		return fmt.Errorf("udp bind :%d: %w", a.port, err)
	}

	a.conn = conn
	a.state = StateListening
	a.lastErr = nil
	a.logger.Info("listening for broadcasts", "port", a.port)

	a.wg.Add(1)
	go a.readLoop(conn)
	return nil
}

// Stop closes the socket and waits for the read loop to exit. Safe to call
// repeatedly and from a disconnected state.
func (a *Adapter) Stop() {
	a.mu.Lock()
	conn := a.conn
	a.conn = nil
	if a.state == StateListening || a.state == StateConnecting {
		a.state = StateDisconnected
	}
	a.mu.Unlock()

	// Close first to unblock the in-flight ReadFrom, then wait for the
	// loop to drain; the loop recognizes net.ErrClosed as a clean stop.
	if conn != nil {
		conn.Close()
	}
	a.wg.Wait()
}

// Restart stops and rebinds, clearing a previous StateError.
func (a *Adapter) Restart(ctx context.Context) error {
	a.Stop()
	a.mu.Lock()
	a.state = StateDisconnected
	a.mu.Unlock()
	return a.Start(ctx)
}

func (a *Adapter) readLoop(conn net.PacketConn) {
	defer a.wg.Done()
	buf := make([]byte, 2048)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.logger.Error("read failed", "err", err)
			a.mu.Lock()
			a.state = StateError
			a.lastErr = err
			a.mu.Unlock()
			return
		}
		a.handle(buf[:n])
	}
}

// handle filters by serial, decodes, and dispatches. It performs no
// blocking I/O: callbacks must hand work off if they need to block.
func (a *Adapter) handle(data []byte) {
	var head struct {
		Type         string `json:"type"`
		SerialNumber string `json:"serial_number"`
		HubSN        string `json:"hub_sn"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		a.logger.Warn("dropping malformed datagram", "err", err)
		return
	}
	serial := head.SerialNumber
	if serial == "" {
		serial = head.HubSN
	}
	if !a.allowed(serial, head.Type) {
		return
	}

	msg, err := a.decoder.Decode(data)
	if err != nil {
		a.logger.Warn("dropping undecodable frame", "type", head.Type, "serial", serial, "err", err)
		return
	}
	if msg == nil {
		return
	}

	switch {
	case len(msg.Observations) > 0:
		if a.callbacks.OnObservation != nil {
			for _, o := range msg.Observations {
				a.callbacks.OnObservation(o)
			}
		}
	case msg.RapidWind != nil:
		if a.callbacks.OnRapidWind != nil {
			a.callbacks.OnRapidWind(*msg.RapidWind)
		}
	case msg.Strike != nil:
		if a.callbacks.OnLightning != nil {
			a.callbacks.OnLightning(*msg.Strike)
		}
	case msg.RainStart != nil:
		if a.callbacks.OnRainStart != nil {
			a.callbacks.OnRainStart(*msg.RainStart)
		}
	case msg.HubStatus != nil:
		if a.callbacks.OnHubStatus != nil {
			a.callbacks.OnHubStatus(*msg.HubStatus)
		}
	case msg.DeviceStatus != nil:
		if a.callbacks.OnDeviceStatus != nil {
			a.callbacks.OnDeviceStatus(*msg.DeviceStatus)
		}
	}
}

func (a *Adapter) allowed(serial, msgType string) bool {
	if msgType == "hub_status" {
		return true
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.allow == nil {
		return true
	}
	_, ok := a.allow[serial]
	return ok
}

func reuseAddr(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}
