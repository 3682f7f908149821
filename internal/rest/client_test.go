package rest

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL, Token: "test-token", Timeout: 5 * time.Second}, testLogger())
}

func TestStations(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/stations" {
			t.Errorf("path = %q, want /stations", r.URL.Path)
		}
		if got := r.URL.Query().Get("token"); got != "test-token" {
			t.Errorf("token = %q, want test-token", got)
		}
		w.Write([]byte(`{"stations":[{
			"station_id":100,"name":"Backyard","latitude":52.1,"longitude":4.3,"timezone":"Europe/Amsterdam",
			"devices":[
				{"device_id":1,"serial_number":"HB-00000001","device_type":"HB"},
				{"device_id":42,"serial_number":"ST-00004567","device_type":"ST"},
				{"device_id":43,"serial_number":"AR-00001234","device_type":""}
			]
		}]}`))
	}))

	stations, err := c.Stations(context.Background())
	if err != nil {
		t.Fatalf("Stations: %v", err)
	}
	if len(stations) != 1 {
		t.Fatalf("got %d stations, want 1", len(stations))
	}
	st := stations[0]
	if st.StationID != 100 || st.Name != "Backyard" || st.Timezone != "Europe/Amsterdam" {
		t.Errorf("station = %+v", st)
	}
	if len(st.Devices) != 3 {
		t.Fatalf("got %d devices, want 3", len(st.Devices))
	}
	if st.Devices[0].DeviceType != "Hub" || st.Devices[1].DeviceType != "Tempest" {
		t.Errorf("device types = %q/%q", st.Devices[0].DeviceType, st.Devices[1].DeviceType)
	}
	// Empty device_type code falls back to the serial prefix.
	if st.Devices[2].DeviceType != "Air" {
		t.Errorf("device type from serial = %q, want Air", st.Devices[2].DeviceType)
	}
}

func TestStationObservationNormalizesUnits(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/observations/station/100" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Write([]byte(`{"obs":[{
			"timestamp":1700000000,
			"air_temperature":22.5,
			"relative_humidity":55,
			"station_pressure":1013.2,
			"wind_avg":1.2,
			"precip":3.0,
			"precip_accum_local_day":2.5,
			"lightning_strike_last_distance":12,
			"lightning_strike_count_last_3hr":4,
			"feels_like":21.0,
			"device_id":42
		}]}`))
	}))

	o, err := c.StationObservation(context.Background(), 100)
	if err != nil {
		t.Fatalf("StationObservation: %v", err)
	}
	check := func(name string, got *float64, want float64) {
		t.Helper()
		if got == nil {
			t.Errorf("%s is nil", name)
			return
		}
		if math.Abs(*got-want) > 1e-9 {
			t.Errorf("%s = %v, want %v", name, *got, want)
		}
	}
	check("Temperature", o.Temperature, 295.65)
	check("Humidity", o.Humidity, 0.55)
	check("StationPressure", o.StationPressure, 101320)
	check("WindAvg", o.WindAvg, 1.2)
	check("RainRate", o.RainRate, 0.003)
	check("RainAccumulated", o.RainAccumulated, 0.0025)
	check("LightningDistance", o.LightningDistance, 12000)
	check("FeelsLike", o.FeelsLike, 294.15)
	if o.LightningCount == nil || *o.LightningCount != 4 {
		t.Errorf("LightningCount = %v, want 4", o.LightningCount)
	}
	// Sensors the backend omitted stay nil.
	if o.UV != nil || o.SeaLevelPressure != nil {
		t.Error("omitted fields decoded to non-nil")
	}
	if o.DeviceID != 42 {
		t.Errorf("DeviceID = %d, want 42", o.DeviceID)
	}
}

func TestStationObservationEmpty(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"obs":[]}`))
	}))
	_, err := c.StationObservation(context.Background(), 100)
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
}

func TestForecastClampsAndConverts(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("station_id"); got != "100" {
			t.Errorf("station_id = %q, want 100", got)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(forecastBody(80, 12)) // over both bounds
	}))

	f, err := c.Forecast(context.Background(), 100)
	if err != nil {
		t.Fatalf("Forecast: %v", err)
	}
	if len(f.HourlyForecasts) != 72 {
		t.Errorf("hourly = %d, want 72", len(f.HourlyForecasts))
	}
	if len(f.DailyForecasts) != 10 {
		t.Errorf("daily = %d, want 10", len(f.DailyForecasts))
	}
	h := f.HourlyForecasts[0]
	if math.Abs(h.Temperature-288.15) > 1e-9 {
		t.Errorf("hourly Temperature = %v K, want 288.15", h.Temperature)
	}
	if math.Abs(h.PrecipProbability-0.4) > 1e-9 {
		t.Errorf("hourly PrecipProbability = %v, want 0.4", h.PrecipProbability)
	}
	if f.FetchedAt.IsZero() {
		t.Error("FetchedAt not stamped")
	}
}

func forecastBody(hours, days int) []byte {
	body := []byte(`{"forecast":{"hourly":[`)
	for i := 0; i < hours; i++ {
		if i > 0 {
			body = append(body, ',')
		}
		body = append(body, []byte(`{"time":1700000000,"conditions":"Clear","air_temperature":15.0,"feels_like":14.0,"relative_humidity":60,"precip_probability":40}`)...)
	}
	body = append(body, []byte(`],"daily":[`)...)
	for i := 0; i < days; i++ {
		if i > 0 {
			body = append(body, ',')
		}
		body = append(body, []byte(`{"day_start_local":1700000000,"air_temp_high":18.0,"air_temp_low":9.0,"precip_probability":20,"sunrise":1700020000,"sunset":1700050000}`)...)
	}
	body = append(body, []byte(`]}}`)...)
	return body
}

func TestDeviceObservations(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/observations/device/42" {
			t.Errorf("path = %q", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("time_start") == "" || q.Get("time_end") == "" {
			t.Error("time range params missing")
		}
		// Second element is too short and must be dropped.
		w.Write([]byte(`{"obs":[
			[1700000000,0.5,1.2,2.4,180,3,1005.0,20.0,65,12000,3.5,450,0.5,0,2.0,4,2.7,1],
			[1700000060,0.5]
		]}`))
	}))

	obs, err := c.DeviceObservations(context.Background(), 42, time.Unix(1699990000, 0), time.Unix(1700090000, 0))
	if err != nil {
		t.Fatalf("DeviceObservations: %v", err)
	}
	if len(obs) != 1 {
		t.Fatalf("got %d observations, want 1 (malformed element dropped)", len(obs))
	}
	o := obs[0]
	if o.Temperature == nil || math.Abs(*o.Temperature-293.15) > 1e-9 {
		t.Errorf("Temperature = %v, want 293.15", o.Temperature)
	}
	if o.Source != "rest" {
		t.Errorf("Source = %q, want rest", o.Source)
	}
}

func TestAuthError(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusForbidden} {
		c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			w.Write([]byte(`{"status":{"status_message":"UNAUTHORIZED"}}`))
		}))
		_, err := c.Stations(context.Background())
		var authErr *AuthError
		if !errors.As(err, &authErr) {
			t.Fatalf("status %d: err = %v, want AuthError", status, err)
		}
		if authErr.Message != "UNAUTHORIZED" {
			t.Errorf("Message = %q, want body status_message", authErr.Message)
		}
	}
}

func TestAPIErrorCarriesStatus(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	_, err := c.Stations(context.Background())
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want APIError", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want 502", apiErr.StatusCode)
	}
}

func TestValidateToken(t *testing.T) {
	ok := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"stations":[]}`))
	}))
	valid, err := ok.ValidateToken(context.Background())
	if err != nil || !valid {
		t.Errorf("ValidateToken = (%v, %v), want (true, nil)", valid, err)
	}

	rejected := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	valid, err = rejected.ValidateToken(context.Background())
	if err != nil {
		t.Fatalf("definitive rejection should not error: %v", err)
	}
	if valid {
		t.Error("rejected token reported valid")
	}
}
