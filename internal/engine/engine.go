package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tempest-go-station/internal/cache"
	"tempest-go-station/internal/model"
	"tempest-go-station/internal/rest"
	"tempest-go-station/internal/udp"
	"tempest-go-station/internal/ws"
)

// RestClient is the REST API collaborator. Implementations raise typed
// errors (rest.APIError, rest.AuthError) on HTTP or auth failure.
type RestClient interface {
	Stations(ctx context.Context) ([]model.Station, error)
	StationObservation(ctx context.Context, stationID int) (model.Observation, error)
	Forecast(ctx context.Context, stationID int) (model.ForecastResponse, error)
	DeviceObservations(ctx context.Context, deviceID int, from, to time.Time) ([]model.Observation, error)
	ValidateToken(ctx context.Context) (bool, error)
}

// UDPTransport is the local-broadcast adapter as seen by the engine.
type UDPTransport interface {
	Start(ctx context.Context) error
	Stop()
	Restart(ctx context.Context) error
	SetAllowList(serials []string)
	SetDeviceIDs(ids map[string]int)
	State() udp.State
	LastError() error
}

// WSTransport is the cloud push adapter as seen by the engine.
type WSTransport interface {
	Start(ctx context.Context, deviceID int) error
	Stop()
	State() ws.State
}

// Config holds engine behaviour knobs.
type Config struct {
	StationID       int  // preferred station; 0 selects the first listed
	UDPEnabled      bool // listen for local broadcasts from the start
	RefreshInterval time.Duration
}

// Engine orchestrates the three transports, fuses their observations, and
// is the single consumer-facing surface. All state mutation is serialized
// behind one mutex; transport callbacks and REST completions funnel
// through it, and events are emitted only after the mutex is released, so
// observers always see committed state.
type Engine struct {
	restc  RestClient
	cache  *cache.Cache
	events *EventBus
	cfg    Config
	logger *slog.Logger

	udpT UDPTransport
	wsT  WSTransport

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	stations   []model.Station
	selected   *model.Station
	store      *DeviceStore
	strikes    strikeRing
	lastRain   *model.RainStartEvent
	forecast   *model.ForecastResponse
	hubStatus  *udp.HubStatus
	devStatus  map[string]udp.DeviceStatus
	connType   model.ConnectionType
	lastError  string
	lastRestOK bool
	udpEnabled bool
	authFailed bool
	serialByID map[int]string
	idBySerial map[string]int

	scheduler *Scheduler
}

// New creates an Engine. Transports are attached separately because their
// callbacks point back at the engine.
func New(restc RestClient, kv *cache.Cache, events *EventBus, cfg Config, logger *slog.Logger) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		restc:      restc,
		cache:      kv,
		events:     events,
		cfg:        cfg,
		logger:     logger.With("component", "engine"),
		ctx:        ctx,
		cancel:     cancel,
		store:      NewDeviceStore(),
		devStatus:  make(map[string]udp.DeviceStatus),
		connType:   model.ConnectionNone,
		udpEnabled: cfg.UDPEnabled,
		serialByID: make(map[int]string),
		idBySerial: make(map[string]int),
	}
}

// AttachTransports installs the UDP and WebSocket adapters. Either may be
// nil when that transport is disabled outright.
func (e *Engine) AttachTransports(udpT UDPTransport, wsT WSTransport) {
	e.udpT = udpT
	e.wsT = wsT
}

// Events returns the engine's event bus.
func (e *Engine) Events() *EventBus { return e.events }

// Start populates state from the cache, refreshes the station list, selects
// the initial station, and begins the periodic refresh. Cached data is
// loaded first so consumers see something before any network call returns.
func (e *Engine) Start(ctx context.Context) error {
	var udpLast bool
	if err := e.cache.GetSetting("udp_enabled", &udpLast); err == nil {
		e.mu.Lock()
		e.udpEnabled = udpLast
		e.mu.Unlock()
	}

	if cached, _, err := e.cache.GetStations(); err == nil && len(cached) > 0 {
		e.mu.Lock()
		e.stations = cached
		e.mu.Unlock()
		e.logger.Info("loaded stations from cache", "count", len(cached))
		e.events.Emit(Event{Type: EventStations, Data: cached})
	}

	if err := e.refreshStations(ctx); err != nil {
		e.logger.Warn("station list refresh failed, using cache", "err", err)
	}

	e.mu.Lock()
	stationID := e.cfg.StationID
	if stationID == 0 {
		// Prefer the station the user had selected last run.
		var last int
		if err := e.cache.GetSetting("selected_station", &last); err == nil {
			stationID = last
		}
	}
	if stationID == 0 && len(e.stations) > 0 {
		stationID = e.stations[0].StationID
	}
	e.mu.Unlock()

	if stationID != 0 {
		if err := e.selectStation(ctx, stationID, true); err != nil {
			e.logger.Warn("initial station selection failed", "station", stationID, "err", err)
		}
	}

	e.scheduler = NewScheduler(e.cfg.RefreshInterval, func() {
		e.refresh(e.ctx)
	}, e.logger)
	if err := e.scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	return nil
}

// Stop shuts the scheduler and both push transports down. Idempotent.
func (e *Engine) Stop() {
	if e.scheduler != nil {
		e.scheduler.Stop()
	}
	if e.wsT != nil {
		e.wsT.Stop()
	}
	if e.udpT != nil {
		e.udpT.Stop()
	}
	e.cancel()
}

// refreshStations fetches the station list and caches it.
func (e *Engine) refreshStations(ctx context.Context) error {
	stations, err := e.restc.Stations(ctx)
	if err != nil {
		e.recordFetchError(err)
		return err
	}
	e.mu.Lock()
	e.stations = stations
	e.lastRestOK = true
	e.mu.Unlock()

	go func() {
		if err := e.cache.PutStations(stations); err != nil {
			e.logger.Warn("cache stations", "err", err)
		}
	}()
	e.events.Emit(Event{Type: EventStations, Data: stations})
	return nil
}

// SelectStation switches to another station: disconnect push
// subscriptions, drop all station-scoped state, resubscribe, restart UDP
// with the new allow-list, fetch fresh data once, and leave the periodic
// refresh running.
func (e *Engine) SelectStation(ctx context.Context, stationID int) error {
	return e.selectStation(ctx, stationID, false)
}

func (e *Engine) selectStation(ctx context.Context, stationID int, initial bool) error {
	e.mu.Lock()
	var station *model.Station
	for i := range e.stations {
		if e.stations[i].StationID == stationID {
			station = &e.stations[i]
			break
		}
	}
	if station == nil {
		e.mu.Unlock()
		return fmt.Errorf("select station %d: unknown station", stationID)
	}
	st := *station
	e.mu.Unlock()

	if !initial && e.wsT != nil {
		e.wsT.Stop()
	}

	// Clear station-scoped state. The stations list and settings survive.
	e.mu.Lock()
	e.selected = &st
	e.store.Clear()
	e.strikes.Clear()
	e.devStatus = make(map[string]udp.DeviceStatus)
	e.lastRain = nil
	e.forecast = nil
	e.lastError = ""
	e.serialByID = make(map[int]string, len(st.Devices))
	e.idBySerial = make(map[string]int, len(st.Devices))
	for _, d := range st.Devices {
		e.serialByID[d.DeviceID] = d.SerialNumber
		e.idBySerial[d.SerialNumber] = d.DeviceID
	}
	udpEnabled := e.udpEnabled
	e.mu.Unlock()

	if !initial {
		if err := e.cache.ClearStationScoped(); err != nil {
			e.logger.Warn("clear station-scoped cache", "err", err)
		}
	} else {
		e.loadStationCache(st)
	}
	if err := e.cache.PutSetting("selected_station", st.StationID); err != nil {
		e.logger.Warn("persist selected station", "err", err)
	}
	e.events.Emit(Event{Type: EventStationChange, Data: st})

	// Resubscribe the push channel for the new station's Tempest unit.
	if e.wsT != nil {
		if dev, ok := st.TempestDevice(); ok {
			go func() {
				if err := e.wsT.Start(e.ctx, dev.DeviceID); err != nil {
					e.logger.Warn("websocket subscribe failed", "device", dev.DeviceID, "err", err)
				}
				e.recomputeConnection()
			}()
		}
	}

	// Restart UDP with the new station's sensor allow-list.
	if e.udpT != nil {
		sensors := st.SensorDevices()
		serials := make([]string, 0, len(sensors))
		ids := make(map[string]int, len(sensors))
		for _, d := range sensors {
			serials = append(serials, d.SerialNumber)
			ids[d.SerialNumber] = d.DeviceID
		}
		e.udpT.SetAllowList(serials)
		e.udpT.SetDeviceIDs(ids)
		if udpEnabled {
			if err := e.udpT.Restart(ctx); err != nil {
				e.recordFetchError(fmt.Errorf("udp restart: %w", err))
			}
		}
	}
	e.recomputeConnection()

	// One REST pull so the new station is populated without waiting for
	// the next scheduler tick.
	e.refresh(ctx)
	return nil
}

// loadStationCache warms the in-memory state from cached observations and
// forecast for a freshly selected station. Expired entries still load:
// stale beats empty until a live fetch lands.
func (e *Engine) loadStationCache(st model.Station) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, d := range st.SensorDevices() {
		if o, _, err := e.cache.GetObservation(d.DeviceID); err == nil {
			e.store.Update(d.SerialNumber, o)
		} else if !errors.Is(err, cache.ErrNotFound) {
			e.logger.Warn("load cached observation", "device", d.DeviceID, "err", err)
		}
	}
	if f, _, err := e.cache.GetForecast(st.StationID); err == nil {
		e.forecast = &f
	}
}

// Refresh forces a REST observation+forecast fetch regardless of cache
// TTLs (manual pull-to-refresh).
func (e *Engine) Refresh(ctx context.Context) {
	e.refresh(ctx)
}

// refresh performs the REST observation+forecast fetch for the selected
// station. It is the only blocking-and-waiting operation in the engine and
// never runs while holding the mutex, so push receive loops are never
// stalled behind it.
func (e *Engine) refresh(ctx context.Context) {
	e.mu.Lock()
	sel := e.selected
	halted := e.authFailed
	e.mu.Unlock()
	if sel == nil {
		return
	}
	if halted {
		e.logger.Debug("refresh skipped: authentication required")
		return
	}
	stationID := sel.StationID

	obs, err := e.restc.StationObservation(ctx, stationID)
	if err != nil {
		e.recordFetchError(err)
	} else {
		e.applyObservation(obs)
		e.mu.Lock()
		e.lastRestOK = true
		e.lastError = ""
		e.mu.Unlock()
	}

	fc, err := e.restc.Forecast(ctx, stationID)
	if err != nil {
		e.recordFetchError(err)
		e.loadForecastFallback(stationID)
	} else {
		e.mu.Lock()
		e.forecast = &fc
		e.lastRestOK = true
		e.mu.Unlock()
		go func() {
			if err := e.cache.PutForecast(stationID, fc); err != nil {
				e.logger.Warn("cache forecast", "err", err)
			}
		}()
		e.events.Emit(Event{Type: EventForecast, Data: fc})
	}

	e.recomputeConnection()
}

// loadForecastFallback serves the cached forecast when a live fetch fails.
// Staleness is advisory: an expired snapshot is still better than nothing.
func (e *Engine) loadForecastFallback(stationID int) {
	e.mu.Lock()
	have := e.forecast != nil
	e.mu.Unlock()
	if have {
		return
	}
	f, meta, err := e.cache.GetForecast(stationID)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.forecast = &f
	e.mu.Unlock()
	e.logger.Info("serving cached forecast after fetch failure", "cached_at", meta.CachedAt, "expired", meta.Expired)
	e.events.Emit(Event{Type: EventForecast, Data: f})
}

// recordFetchError files a failed fetch: auth failures halt further REST
// fetches until re-authenticated, everything else becomes the
// consumer-visible last-error string. Neither unwinds into consumer code.
func (e *Engine) recordFetchError(err error) {
	var authErr *rest.AuthError
	e.mu.Lock()
	e.lastError = err.Error()
	if errors.As(err, &authErr) {
		e.authFailed = true
	}
	auth := e.authFailed
	e.mu.Unlock()

	if auth {
		e.logger.Error("authentication failed; refresh halted until re-validated", "err", err)
	} else {
		e.logger.Warn("fetch failed", "err", err)
	}
	e.events.Emit(Event{Type: EventError, Data: err.Error()})
}

// ValidateToken re-checks the API token and, on success, lifts the
// auth-failure halt.
func (e *Engine) ValidateToken(ctx context.Context) (bool, error) {
	ok, err := e.restc.ValidateToken(ctx)
	if err != nil {
		return false, err
	}
	if ok {
		e.mu.Lock()
		e.authFailed = false
		e.mu.Unlock()
	}
	return ok, nil
}

// Logout clears every cache box and all in-memory station state.
func (e *Engine) Logout() error {
	if e.wsT != nil {
		e.wsT.Stop()
	}
	if e.udpT != nil {
		e.udpT.Stop()
	}
	e.mu.Lock()
	e.stations = nil
	e.selected = nil
	e.store.Clear()
	e.strikes.Clear()
	e.devStatus = make(map[string]udp.DeviceStatus)
	e.lastRain = nil
	e.forecast = nil
	e.lastError = ""
	e.lastRestOK = false
	e.connType = model.ConnectionNone
	e.mu.Unlock()
	return e.cache.Clear()
}

// SetUDPEnabled toggles the local broadcast listener. Disabling freezes
// whatever UDP last reported, so either direction triggers an immediate
// REST refresh to put a live value back in front of consumers.
func (e *Engine) SetUDPEnabled(ctx context.Context, enabled bool) error {
	e.mu.Lock()
	e.udpEnabled = enabled
	e.mu.Unlock()

	var startErr error
	if e.udpT != nil {
		if enabled {
			startErr = e.udpT.Restart(ctx)
			if startErr != nil {
				e.recordFetchError(startErr)
			}
		} else {
			e.udpT.Stop()
		}
	}
	if err := e.cache.PutSetting("udp_enabled", enabled); err != nil {
		e.logger.Warn("persist udp toggle", "err", err)
	}
	e.recomputeConnection()
	e.events.Emit(Event{Type: EventUDPToggle, Data: enabled})

	e.refresh(ctx)
	return startErr
}

// recomputeConnection derives the best active transport. WebSocket has
// strict priority over UDP; REST counts only while fetches are succeeding.
func (e *Engine) recomputeConnection() {
	e.mu.Lock()
	ct := model.ConnectionNone
	if e.lastRestOK {
		ct = model.ConnectionRest
	}
	if e.udpT != nil && e.udpT.State() == udp.StateListening {
		ct = model.ConnectionUDP
	}
	if e.wsT != nil && e.wsT.State() == ws.StateConnected {
		ct = model.ConnectionWebSocket
	}
	changed := ct != e.connType
	e.connType = ct
	e.mu.Unlock()

	if changed {
		e.logger.Info("connection type changed", "type", ct.String())
		e.events.Emit(Event{Type: EventConnection, Data: ct.String()})
	}
}

// applyObservation commits a full observation from any transport, then
// persists and notifies.
func (e *Engine) applyObservation(o model.Observation) {
	e.mu.Lock()
	serial := e.serialByID[o.DeviceID]
	e.store.Update(serial, o)
	e.mu.Unlock()

	go func() {
		if err := e.cache.PutObservation(o.DeviceID, o); err != nil {
			e.logger.Warn("cache observation", "device", o.DeviceID, "err", err)
		}
	}()
	e.events.Emit(Event{Type: EventObservation, Data: o})
}

// HandleObservation is the adapter callback for full observations.
func (e *Engine) HandleObservation(o model.Observation) {
	e.applyObservation(o)
	e.recomputeConnection()
}

// HandleRapidWind merges a wind-only frame into the device's existing
// observation, preserving every non-wind field; a full observation is
// minutes away and must not be erased by a 3-second wind tick.
func (e *Engine) HandleRapidWind(rw model.RapidWind) {
	e.mu.Lock()
	serial := e.serialByID[rw.DeviceID]
	base, ok := e.store.Get(serial)
	var merged model.Observation
	if ok {
		merged = base.WithRapidWind(rw)
	} else {
		merged = model.Observation{
			Timestamp:     rw.Timestamp,
			DeviceID:      rw.DeviceID,
			Source:        rw.Source,
			WindAvg:       model.Float(rw.Speed),
			WindDirection: model.Float(rw.Direction),
		}
	}
	e.store.Update(serial, merged)
	e.mu.Unlock()

	go func() {
		if err := e.cache.PutObservation(rw.DeviceID, merged); err != nil {
			e.logger.Warn("cache observation", "device", rw.DeviceID, "err", err)
		}
	}()
	e.events.Emit(Event{Type: EventRapidWind, Data: rw})
}

// HandleLightning records a strike in the bounded history.
func (e *Engine) HandleLightning(s model.LightningStrike) {
	e.mu.Lock()
	e.strikes.Add(s)
	e.mu.Unlock()
	e.events.Emit(Event{Type: EventLightning, Data: s})
}

// HandleRainStart keeps only the most recent rain-start event.
func (e *Engine) HandleRainStart(ev model.RainStartEvent) {
	e.mu.Lock()
	e.lastRain = &ev
	e.mu.Unlock()
	e.events.Emit(Event{Type: EventRainStart, Data: ev})
}

// HandleHubStatus retains the latest hub metadata for status surfaces.
func (e *Engine) HandleHubStatus(h udp.HubStatus) {
	e.mu.Lock()
	e.hubStatus = &h
	e.mu.Unlock()
}

// HandleDeviceStatus retains the latest per-device metadata, keyed by the
// sensor's serial.
func (e *Engine) HandleDeviceStatus(d udp.DeviceStatus) {
	e.mu.Lock()
	e.devStatus[d.SerialNumber] = d
	e.mu.Unlock()
}

// HandleWSConnectFailed reacts to a push channel that could not be
// established: degrade the connection type and run a one-shot REST fetch
// so the consumer-visible observation is not stuck stale. The fetch is a
// correctness fallback, independent of the connection-type bookkeeping.
func (e *Engine) HandleWSConnectFailed(err error) {
	e.mu.Lock()
	e.lastError = err.Error()
	e.mu.Unlock()
	e.recomputeConnection()
	go e.refresh(e.ctx)
}

// HandleWSConnectionLost reacts to a dropped push channel: degrade to UDP
// if it is listening, else whatever remains.
func (e *Engine) HandleWSConnectionLost(err error) {
	e.mu.Lock()
	e.lastError = err.Error()
	e.mu.Unlock()
	e.recomputeConnection()
}

// Consumer-facing accessors.

// ConnectionType returns the best currently active transport.
func (e *Engine) ConnectionType() model.ConnectionType {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connType
}

// CurrentObservation returns the most recently received observation.
func (e *Engine) CurrentObservation() (model.Observation, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Current()
}

// DeviceObservations returns the latest observation per device serial.
func (e *Engine) DeviceObservations() map[string]model.Observation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.All()
}

// Resolve merges the per-device observations into one logical observation
// using the supplied field sources.
func (e *Engine) Resolve(sources model.FieldSources) model.Observation {
	e.mu.Lock()
	snap := e.store.Snapshot()
	e.mu.Unlock()
	return Resolve(snap, sources)
}

// DeviceHistory fetches historical observations for one device over a
// half-open [from, to) range, straight from the REST API.
func (e *Engine) DeviceHistory(ctx context.Context, deviceID int, from, to time.Time) ([]model.Observation, error) {
	obs, err := e.restc.DeviceObservations(ctx, deviceID, from, to)
	if err != nil {
		e.recordFetchError(err)
		return nil, err
	}
	return obs, nil
}

// LightningStrikes returns the bounded strike history, newest first.
func (e *Engine) LightningStrikes() []model.LightningStrike {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.strikes.List()
}

// LastRainStart returns the most recent rain-start event.
func (e *Engine) LastRainStart() (model.RainStartEvent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastRain == nil {
		return model.RainStartEvent{}, false
	}
	return *e.lastRain, true
}

// Stations returns the last known station list.
func (e *Engine) Stations() []model.Station {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.Station, len(e.stations))
	copy(out, e.stations)
	return out
}

// SelectedStation returns the currently selected station.
func (e *Engine) SelectedStation() (model.Station, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.selected == nil {
		return model.Station{}, false
	}
	return *e.selected, true
}

// CurrentForecast returns the latest forecast snapshot.
func (e *Engine) CurrentForecast() (model.ForecastResponse, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.forecast == nil {
		return model.ForecastResponse{}, false
	}
	return *e.forecast, true
}

// HubStatus returns the last hub metadata heard over UDP.
func (e *Engine) HubStatus() (udp.HubStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hubStatus == nil {
		return udp.HubStatus{}, false
	}
	return *e.hubStatus, true
}

// DeviceStatuses returns the last per-device metadata heard over UDP,
// keyed by serial.
func (e *Engine) DeviceStatuses() map[string]udp.DeviceStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]udp.DeviceStatus, len(e.devStatus))
	for serial, d := range e.devStatus {
		out[serial] = d
	}
	return out
}

// LastError returns the consumer-visible error string; empty when healthy.
func (e *Engine) LastError() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastError
}

// UDPEnabled reports whether the broadcast listener is switched on. A true
// value with the adapter in an error state means the bind failed, which is
// a different condition than "UDP not enabled".
func (e *Engine) UDPEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.udpEnabled
}
