package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"tempest-go-station/internal/engine"
	"tempest-go-station/internal/model"
)

// Config holds MQTT publisher configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
	ClientID    string
}

// stateSource is the slice of the engine the publisher reads from.
type stateSource interface {
	Events() *engine.EventBus
	Resolve(sources model.FieldSources) model.Observation
	ConnectionType() model.ConnectionType
	CurrentForecast() (model.ForecastResponse, bool)
	SelectedStation() (model.Station, bool)
	Refresh(ctx context.Context)
}

// Publisher mirrors engine state onto an MQTT broker: the merged current
// observation, rapid wind ticks, lightning and rain events, and the
// connection type. Observation and connection topics are retained so late
// subscribers get the last known value; a last-will marks the bridge
// offline if the process dies.
type Publisher struct {
	client pahomqtt.Client
	eng    stateSource
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPublisher creates and connects an MQTT publisher.
func NewPublisher(eng *engine.Engine, cfg Config, logger *slog.Logger) (*Publisher, error) {
	ctx, cancel := context.WithCancel(context.Background())
	if cfg.ClientID == "" {
		cfg.ClientID = "tempest-go-station"
	}
	p := &Publisher{
		eng:    eng,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
		ctx:    ctx,
		cancel: cancel,
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(cfg.TopicPrefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			p.logger.Info("MQTT connected")
			p.publishBridgeState("online")
			p.publishSnapshot()
			p.subscribeCommands()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			p.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}

	p.client = client
	return p, nil
}

// Start subscribes to engine events and begins publishing.
func (p *Publisher) Start() {
	p.unsub = p.eng.Events().OnAll(p.handleEvent)
	p.logger.Info("MQTT publisher started", "prefix", p.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (p *Publisher) Stop() {
	p.cancel()
	if p.unsub != nil {
		p.unsub()
	}
	p.publishBridgeState("offline")
	p.client.Disconnect(1000)
	p.logger.Info("MQTT publisher stopped")
}

func (p *Publisher) handleEvent(event engine.Event) {
	switch event.Type {
	case engine.EventObservation, engine.EventRapidWind:
		p.publishObservation()
		if event.Type == engine.EventRapidWind {
			p.publishJSON(p.stationTopic("rapid_wind"), event.Data, false)
		}
	case engine.EventLightning:
		p.publishJSON(p.stationTopic("event/lightning"), event.Data, false)
	case engine.EventRainStart:
		p.publishJSON(p.stationTopic("event/rain_start"), event.Data, false)
	case engine.EventForecast:
		p.publishJSON(p.stationTopic("forecast"), event.Data, true)
	case engine.EventConnection:
		p.publish(p.stationTopic("connection"), fmt.Sprintf("%v", event.Data), true)
	case engine.EventStationChange:
		p.publishSnapshot()
	case engine.EventError:
		p.publish(p.stationTopic("last_error"), fmt.Sprintf("%v", event.Data), true)
	}
}

// publishSnapshot republishes all retained topics, used on (re)connect and
// station switch.
func (p *Publisher) publishSnapshot() {
	p.publishObservation()
	p.publish(p.stationTopic("connection"), p.eng.ConnectionType().String(), true)
	if f, ok := p.eng.CurrentForecast(); ok {
		p.publishJSON(p.stationTopic("forecast"), f, true)
	}
}

func (p *Publisher) publishObservation() {
	merged := p.eng.Resolve(model.FieldSources{})
	p.publishJSON(p.stationTopic("observation"), merged, true)
}

// subscribeCommands accepts a single inbound command: a refresh trigger.
func (p *Publisher) subscribeCommands() {
	topic := p.prefix + "/refresh/set"
	token := p.client.Subscribe(topic, 0, func(_ pahomqtt.Client, _ pahomqtt.Message) {
		p.logger.Info("refresh requested via MQTT")
		p.eng.Refresh(p.ctx)
	})
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		p.logger.Warn("subscribe failed", "topic", topic, "err", token.Error())
	}
}

func (p *Publisher) stationTopic(suffix string) string {
	if st, ok := p.eng.SelectedStation(); ok {
		return fmt.Sprintf("%s/%d/%s", p.prefix, st.StationID, suffix)
	}
	return fmt.Sprintf("%s/%s", p.prefix, suffix)
}

func (p *Publisher) publishBridgeState(state string) {
	p.publish(p.prefix+"/bridge/state", state, true)
}

func (p *Publisher) publish(topic, payload string, retained bool) {
	token := p.client.Publish(topic, 0, retained, payload)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		p.logger.Warn("publish failed", "topic", topic, "err", token.Error())
	}
}

func (p *Publisher) publishJSON(topic string, v any, retained bool) {
	data, err := json.Marshal(v)
	if err != nil {
		p.logger.Error("marshal payload", "topic", topic, "err", err)
		return
	}
	token := p.client.Publish(topic, 0, retained, data)
	if token.WaitTimeout(5*time.Second) && token.Error() != nil {
		p.logger.Warn("publish failed", "topic", topic, "err", token.Error())
	}
}
