package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"tempest-go-station/internal/model"
)

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// statusView is the health summary consumers poll.
type statusView struct {
	Version        string `json:"version,omitempty"`
	ConnectionType string `json:"connection_type"`
	StationID      int    `json:"station_id,omitempty"`
	StationName    string `json:"station_name,omitempty"`
	UDPEnabled     bool   `json:"udp_enabled"`
	LastError      string `json:"last_error,omitempty"`
	DeviceCount    int    `json:"device_count"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	v := statusView{
		Version:        s.version,
		ConnectionType: s.engine.ConnectionType().String(),
		UDPEnabled:     s.engine.UDPEnabled(),
		LastError:      s.engine.LastError(),
		DeviceCount:    len(s.engine.DeviceObservations()),
	}
	if st, ok := s.engine.SelectedStation(); ok {
		v.StationID = st.StationID
		v.StationName = st.Name
	}
	s.writeJSON(w, http.StatusOK, v)
}

// handleObservation returns the merged station observation. Per-category
// pins come in as optional query parameters carrying device serials, e.g.
// ?temperature=AR-00001234; absent parameters resolve automatically.
func (s *Server) handleObservation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	pick := func(name string) model.FieldSource {
		if serial := q.Get(name); serial != "" {
			return model.Pinned(serial)
		}
		return model.Auto()
	}
	sources := model.FieldSources{
		Temperature: pick("temperature"),
		Humidity:    pick("humidity"),
		Pressure:    pick("pressure"),
		Wind:        pick("wind"),
		Light:       pick("light"),
		Rain:        pick("rain"),
		Lightning:   pick("lightning"),
	}
	s.writeJSON(w, http.StatusOK, s.engine.Resolve(sources))
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.DeviceObservations())
}

func (s *Server) handleForecast(w http.ResponseWriter, r *http.Request) {
	f, ok := s.engine.CurrentForecast()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no forecast available")
		return
	}
	s.writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleLightning(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.LightningStrikes())
}

func (s *Server) handleRain(w http.ResponseWriter, r *http.Request) {
	ev, ok := s.engine.LastRainStart()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no rain start recorded")
		return
	}
	s.writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleStations(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.Stations())
}

// handleHistory serves historical observations for one device. The range
// is half-open [from, to); "hours" is a shortcut for a range ending now.
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	deviceID, err := strconv.Atoi(q.Get("device"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "device must be a numeric device id")
		return
	}
	hours := 24
	if h := q.Get("hours"); h != "" {
		hours, err = strconv.Atoi(h)
		if err != nil || hours <= 0 {
			s.writeError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
	}
	to := time.Now()
	from := to.Add(-time.Duration(hours) * time.Hour)
	obs, err := s.engine.DeviceHistory(r.Context(), deviceID, from, to)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, obs)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s.engine.Refresh(r.Context())
	s.writeJSON(w, http.StatusOK, map[string]string{
		"connection_type": s.engine.ConnectionType().String(),
		"last_error":      s.engine.LastError(),
	})
}

func (s *Server) handleSelectStation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		StationID int `json:"station_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := s.engine.SelectStation(r.Context(), body.StationID); err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"selected": strconv.Itoa(body.StationID)})
}

func (s *Server) handleUDPToggle(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid body: "+err.Error())
		return
	}
	if err := s.engine.SetUDPEnabled(r.Context(), body.Enabled); err != nil {
		// Bind failures are user-actionable (port conflict); report them
		// but leave the toggle applied.
		s.writeJSON(w, http.StatusConflict, map[string]any{
			"enabled": body.Enabled,
			"error":   err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]bool{"enabled": body.Enabled})
}
