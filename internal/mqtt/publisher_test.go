package mqtt

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"tempest-go-station/internal/engine"
	"tempest-go-station/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeToken is an already-completed paho token.
type fakeToken struct{}

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (fakeToken) Error() error { return nil }

type published struct {
	topic    string
	payload  string
	retained bool
}

// fakeClient records publishes; everything else is a no-op.
type fakeClient struct {
	pahomqtt.Client
	mu   sync.Mutex
	msgs []published
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token {
	var body string
	switch v := payload.(type) {
	case string:
		body = v
	case []byte:
		body = string(v)
	}
	f.mu.Lock()
	f.msgs = append(f.msgs, published{topic: topic, payload: body, retained: retained})
	f.mu.Unlock()
	return fakeToken{}
}

func (f *fakeClient) Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token {
	return fakeToken{}
}

func (f *fakeClient) Disconnect(quiesce uint) {}

func (f *fakeClient) byTopic(topic string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, m := range f.msgs {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// fakeState is a scriptable stateSource.
type fakeState struct {
	bus      *engine.EventBus
	obs      model.Observation
	conn     model.ConnectionType
	forecast *model.ForecastResponse
	station  *model.Station
	refresh  int
}

func (f *fakeState) Events() *engine.EventBus { return f.bus }

func (f *fakeState) Resolve(model.FieldSources) model.Observation { return f.obs }

func (f *fakeState) ConnectionType() model.ConnectionType { return f.conn }

func (f *fakeState) CurrentForecast() (model.ForecastResponse, bool) {
	if f.forecast == nil {
		return model.ForecastResponse{}, false
	}
	return *f.forecast, true
}

func (f *fakeState) SelectedStation() (model.Station, bool) {
	if f.station == nil {
		return model.Station{}, false
	}
	return *f.station, true
}

func (f *fakeState) Refresh(context.Context) { f.refresh++ }

func newTestPublisher(state *fakeState) (*Publisher, *fakeClient) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &fakeClient{}
	p := &Publisher{
		client: client,
		eng:    state,
		prefix: "tempest",
		logger: testLogger(),
		ctx:    ctx,
		cancel: cancel,
	}
	return p, client
}

func TestPublisherObservationTopicRetained(t *testing.T) {
	state := &fakeState{
		bus:     engine.NewEventBus(testLogger()),
		station: &model.Station{StationID: 100},
		obs: model.Observation{
			DeviceID:    42,
			Source:      model.SourceUDP,
			Temperature: model.Float(295.65),
		},
		conn: model.ConnectionUDP,
	}
	p, client := newTestPublisher(state)
	p.Start()
	defer p.Stop()

	state.bus.Emit(engine.Event{Type: engine.EventObservation, Data: state.obs})

	msgs := client.byTopic("tempest/100/observation")
	if len(msgs) != 1 {
		t.Fatalf("observation publishes = %d, want 1", len(msgs))
	}
	if !msgs[0].retained {
		t.Error("observation not retained")
	}
	var o model.Observation
	if err := json.Unmarshal([]byte(msgs[0].payload), &o); err != nil {
		t.Fatalf("payload not JSON: %v", err)
	}
	if o.Temperature == nil || *o.Temperature != 295.65 {
		t.Errorf("payload temperature = %v, want 295.65", o.Temperature)
	}
}

func TestPublisherEventTopics(t *testing.T) {
	state := &fakeState{
		bus:     engine.NewEventBus(testLogger()),
		station: &model.Station{StationID: 100},
	}
	p, client := newTestPublisher(state)
	p.Start()
	defer p.Stop()

	state.bus.Emit(engine.Event{Type: engine.EventRapidWind, Data: model.RapidWind{Speed: 2.3}})
	state.bus.Emit(engine.Event{Type: engine.EventLightning, Data: model.LightningStrike{Distance: 8000}})
	state.bus.Emit(engine.Event{Type: engine.EventRainStart, Data: model.RainStartEvent{}})
	state.bus.Emit(engine.Event{Type: engine.EventConnection, Data: "udp"})
	state.bus.Emit(engine.Event{Type: engine.EventError, Data: "fetch failed"})

	tests := []struct {
		topic    string
		retained bool
	}{
		{"tempest/100/rapid_wind", false},
		{"tempest/100/event/lightning", false},
		{"tempest/100/event/rain_start", false},
		{"tempest/100/connection", true},
		{"tempest/100/last_error", true},
	}
	for _, tt := range tests {
		msgs := client.byTopic(tt.topic)
		if len(msgs) == 0 {
			t.Errorf("nothing published to %s", tt.topic)
			continue
		}
		if msgs[0].retained != tt.retained {
			t.Errorf("%s retained = %v, want %v", tt.topic, msgs[0].retained, tt.retained)
		}
	}
}

func TestPublisherSnapshotOnStationChange(t *testing.T) {
	state := &fakeState{
		bus:      engine.NewEventBus(testLogger()),
		station:  &model.Station{StationID: 200},
		conn:     model.ConnectionRest,
		forecast: &model.ForecastResponse{FetchedAt: time.Unix(1700000000, 0).UTC()},
	}
	p, client := newTestPublisher(state)
	p.Start()
	defer p.Stop()

	state.bus.Emit(engine.Event{Type: engine.EventStationChange, Data: *state.station})

	for _, topic := range []string{"tempest/200/observation", "tempest/200/connection", "tempest/200/forecast"} {
		if len(client.byTopic(topic)) == 0 {
			t.Errorf("snapshot missed %s", topic)
		}
	}
	conn := client.byTopic("tempest/200/connection")
	if conn[0].payload != "rest" {
		t.Errorf("connection payload = %q, want rest", conn[0].payload)
	}
}

func TestPublisherTopicWithoutStation(t *testing.T) {
	state := &fakeState{bus: engine.NewEventBus(testLogger())}
	p, _ := newTestPublisher(state)
	defer p.Stop()

	if got := p.stationTopic("observation"); got != "tempest/observation" {
		t.Errorf("stationTopic = %q, want tempest/observation", got)
	}
	state.station = &model.Station{StationID: 7}
	if got := p.stationTopic("observation"); got != "tempest/7/observation" {
		t.Errorf("stationTopic = %q, want tempest/7/observation", got)
	}
}

func TestPublisherStopMarksBridgeOffline(t *testing.T) {
	state := &fakeState{bus: engine.NewEventBus(testLogger())}
	p, client := newTestPublisher(state)
	p.Start()
	p.Stop()

	msgs := client.byTopic("tempest/bridge/state")
	if len(msgs) == 0 {
		t.Fatal("no bridge state published on Stop")
	}
	last := msgs[len(msgs)-1]
	if last.payload != "offline" || !last.retained {
		t.Errorf("bridge state = %+v, want retained offline", last)
	}
}
