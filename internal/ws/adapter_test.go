package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"tempest-go-station/internal/model"
)

// wsTestServer accepts one connection, verifies the subscription
// handshake, pushes one obs_st frame, and records the listen_stop.
type wsTestServer struct {
	srv       *httptest.Server
	gotToken  chan string
	subscribe chan string
	stopped   chan struct{}
}

func newWSTestServer(t *testing.T) *wsTestServer {
	t.Helper()
	s := &wsTestServer{
		gotToken:  make(chan string, 1),
		subscribe: make(chan string, 4),
		stopped:   make(chan struct{}, 1),
	}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.gotToken <- r.URL.Query().Get("token")
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		for i := 0; i < 2; i++ {
			var cmd map[string]any
			if err := wsjson.Read(ctx, conn, &cmd); err != nil {
				t.Errorf("read subscribe: %v", err)
				return
			}
			typ, _ := cmd["type"].(string)
			s.subscribe <- typ
		}

		frame := map[string]any{
			"type":      "obs_st",
			"device_id": 42,
			"obs": [][]any{{
				1700000060, 0.5, 1.2, 2.4, 180, 3, 1005.0, 20.0, 65,
				12000, 3.5, 450, 0.5, 1, 2.0, 4, 2.7, 1,
			}},
		}
		if err := wsjson.Write(ctx, conn, frame); err != nil {
			t.Errorf("write frame: %v", err)
			return
		}

		// Wait for listen_stop or the close.
		var cmd map[string]any
		if err := wsjson.Read(ctx, conn, &cmd); err == nil {
			if typ, _ := cmd["type"].(string); typ == "listen_stop" {
				s.stopped <- struct{}{}
			}
		}
		conn.Read(ctx) // drain until close
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func TestAdapterSubscribeReceiveStop(t *testing.T) {
	srv := newWSTestServer(t)

	obsCh := make(chan model.Observation, 1)
	// Reserved characters in the token must survive the query encoding.
	const token = "test+token/with=reserved&chars"
	a := NewAdapter(srv.srv.URL, token, Callbacks{
		OnObservation: func(o model.Observation) {
			select {
			case obsCh <- o:
			default:
			}
		},
		OnConnectionLost: func(err error) { t.Errorf("unexpected connection lost: %v", err) },
	}, testLogger())

	if err := a.Start(context.Background(), 42); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := a.State(); got != StateConnected {
		t.Fatalf("State = %q, want connected", got)
	}
	if tok := <-srv.gotToken; tok != token {
		t.Errorf("token = %q, want %q", tok, token)
	}

	// Both subscription commands, in order, before any frame handling.
	if typ := <-srv.subscribe; typ != "listen_start" {
		t.Errorf("first subscribe = %q, want listen_start", typ)
	}
	if typ := <-srv.subscribe; typ != "listen_rapid_start" {
		t.Errorf("second subscribe = %q, want listen_rapid_start", typ)
	}

	select {
	case o := <-obsCh:
		if o.DeviceID != 42 || o.Source != model.SourceWebSocket {
			t.Errorf("observation = %+v", o)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for pushed observation")
	}

	// Start is idempotent while connected.
	if err := a.Start(context.Background(), 42); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	a.Stop()
	if got := a.State(); got != StateDisconnected {
		t.Errorf("State after Stop = %q, want disconnected", got)
	}
	select {
	case <-srv.stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw listen_stop")
	}
	a.Stop() // idempotent
}

func TestAdapterStopCancelsInFlightStart(t *testing.T) {
	// Track which device subscriptions the server considers live. A slow
	// accept keeps the first dial in flight long enough for Stop to land
	// in the middle of it.
	var mu sync.Mutex
	live := map[int]bool{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		device := 0
		for {
			var cmd map[string]any
			if err := wsjson.Read(ctx, conn, &cmd); err != nil {
				break
			}
			typ, _ := cmd["type"].(string)
			id, _ := cmd["device_id"].(float64)
			mu.Lock()
			switch typ {
			case "listen_start":
				device = int(id)
				live[device] = true
			case "listen_stop":
				live[int(id)] = false
			}
			mu.Unlock()
		}
		mu.Lock()
		if device != 0 {
			live[device] = false
		}
		mu.Unlock()
	}))
	defer srv.Close()

	a := NewAdapter(srv.URL, "tok", Callbacks{
		OnConnectFailed: func(err error) { t.Errorf("OnConnectFailed fired for a superseded dial: %v", err) },
	}, testLogger())

	firstDone := make(chan error, 1)
	go func() { firstDone <- a.Start(context.Background(), 1) }()
	time.Sleep(100 * time.Millisecond)
	a.Stop()

	if err := a.Start(context.Background(), 2); err != nil {
		t.Fatalf("Start after Stop: %v", err)
	}
	if got := a.State(); got != StateConnected {
		t.Fatalf("State = %q, want connected", got)
	}

	select {
	case <-firstDone:
	case <-time.After(2 * time.Second):
		t.Fatal("superseded Start never returned")
	}

	// The superseded device must not stay subscribed alongside the new one.
	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		d1, d2 := live[1], live[2]
		mu.Unlock()
		if !d1 && d2 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("live subscriptions after switch: device1=%v device2=%v, want only device2", d1, d2)
		case <-time.After(20 * time.Millisecond):
		}
	}

	stopped := make(chan struct{})
	go func() {
		a.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}
	if got := a.State(); got != StateDisconnected {
		t.Errorf("State after final Stop = %q, want disconnected", got)
	}
}

func TestAdapterConnectFailed(t *testing.T) {
	// A plain HTTP handler that refuses the upgrade.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no websocket here", http.StatusBadRequest)
	}))
	defer srv.Close()

	failed := make(chan error, 1)
	a := NewAdapter(srv.URL, "tok", Callbacks{
		OnConnectFailed: func(err error) { failed <- err },
	}, testLogger())

	if err := a.Start(context.Background(), 42); err == nil {
		t.Fatal("Start succeeded against a non-websocket server")
	}
	if got := a.State(); got != StateError {
		t.Errorf("State = %q, want error", got)
	}
	select {
	case <-failed:
	case <-time.After(time.Second):
		t.Fatal("OnConnectFailed never fired")
	}
}

func TestAdapterConnectionLost(t *testing.T) {
	accepted := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		// Drain the two subscribe commands, then hand the conn over for a
		// hard kill.
		for i := 0; i < 2; i++ {
			var cmd json.RawMessage
			if err := wsjson.Read(ctx, conn, &cmd); err != nil {
				return
			}
		}
		accepted <- conn
		conn.Read(ctx)
	}))
	defer srv.Close()

	lost := make(chan error, 1)
	a := NewAdapter(srv.URL, "tok", Callbacks{
		OnConnectionLost: func(err error) { lost <- err },
	}, testLogger())
	if err := a.Start(context.Background(), 42); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn := <-accepted
	conn.Close(websocket.StatusGoingAway, "server shutdown")

	select {
	case <-lost:
	case <-time.After(2 * time.Second):
		t.Fatal("OnConnectionLost never fired")
	}
	if got := a.State(); got != StateError {
		t.Errorf("State = %q, want error after loss", got)
	}
}
