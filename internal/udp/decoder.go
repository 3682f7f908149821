package udp

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tempest-go-station/internal/model"
)

// Minimum element counts per positional schema. Frames may carry trailing
// extra fields from newer firmware; those are ignored, but a frame shorter
// than its schema is rejected before any index access.
const (
	obsStLen     = 18
	obsAirLen    = 8
	obsSkyLen    = 13
	rapidWindLen = 3
	evtStrikeLen = 3
	evtPrecipLen = 1
)

// envelope is the top-level shape shared by all broadcast datagrams.
// Observation arrays use pointer elements because the station emits JSON
// null for sensors it could not read.
type envelope struct {
	Type         string       `json:"type"`
	SerialNumber string       `json:"serial_number"`
	HubSN        string       `json:"hub_sn"`
	Obs          [][]*float64 `json:"obs"`
	Ob           []*float64   `json:"ob"`
	Evt          []*float64   `json:"evt"`
}

// HubStatus is opaque hub metadata, retained raw for status surfaces.
type HubStatus struct {
	SerialNumber string          `json:"serial_number"`
	ReceivedAt   time.Time       `json:"received_at"`
	Raw          json.RawMessage `json:"raw"`
}

// DeviceStatus is opaque per-device metadata (battery, RSSI, sensor flags).
type DeviceStatus struct {
	SerialNumber string          `json:"serial_number"`
	ReceivedAt   time.Time       `json:"received_at"`
	Raw          json.RawMessage `json:"raw"`
}

// Message is the decoded form of one datagram. Exactly one of the payload
// fields is set, according to Type.
type Message struct {
	Type         string
	SerialNumber string
	DeviceID     int

	Observations []model.Observation
	RapidWind    *model.RapidWind
	Strike       *model.LightningStrike
	RainStart    *model.RainStartEvent
	HubStatus    *HubStatus
	DeviceStatus *DeviceStatus
}

// Decoder turns broadcast datagrams into model values. It performs no
// network I/O. Decoders normalize units to SI (Kelvin, Pascals, meters,
// ratios) so every downstream consumer sees one unit system.
type Decoder struct {
	mu         sync.RWMutex
	serialToID map[string]int
	logger     *slog.Logger
}

// NewDecoder creates a Decoder. serialToID is the configured serial-number
// to device-ID mapping resolved from the station's device list; it may be
// nil, in which case IDs are derived from the serial itself (see DeviceID).
func NewDecoder(serialToID map[string]int, logger *slog.Logger) *Decoder {
	return &Decoder{serialToID: serialToID, logger: logger}
}

// SetSerialMap replaces the configured serial→ID mapping. Called on
// station switch, concurrently with the read loop.
func (d *Decoder) SetSerialMap(serialToID map[string]int) {
	d.mu.Lock()
	d.serialToID = serialToID
	d.mu.Unlock()
}

// Decode parses one datagram. Unknown message types are dropped with a
// debug log and a nil Message; a malformed envelope returns an error. A
// malformed element inside a multi-element obs array drops only that
// element.
func (d *Decoder) Decode(raw []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("decode envelope: missing type")
	}

	serial := env.SerialNumber
	if serial == "" {
		serial = env.HubSN
	}
	msg := &Message{
		Type:         env.Type,
		SerialNumber: serial,
		DeviceID:     d.DeviceID(serial),
	}

	switch env.Type {
	case "obs_st":
		msg.Observations = d.decodeObsSet(env.Obs, msg.DeviceID, decodeObsST)
	case "obs_air":
		msg.Observations = d.decodeObsSet(env.Obs, msg.DeviceID, decodeObsAir)
	case "obs_sky":
		msg.Observations = d.decodeObsSet(env.Obs, msg.DeviceID, decodeObsSky)
	case "rapid_wind":
		rw, err := decodeRapidWind(env.Ob, msg.DeviceID)
		if err != nil {
			return nil, err
		}
		msg.RapidWind = rw
	case "evt_strike":
		st, err := decodeStrike(env.Evt, msg.DeviceID)
		if err != nil {
			return nil, err
		}
		msg.Strike = st
	case "evt_precip":
		rs, err := decodePrecip(env.Evt, msg.DeviceID)
		if err != nil {
			return nil, err
		}
		msg.RainStart = rs
	case "hub_status":
		msg.HubStatus = &HubStatus{SerialNumber: serial, ReceivedAt: time.Now(), Raw: append(json.RawMessage(nil), raw...)}
	case "device_status":
		msg.DeviceStatus = &DeviceStatus{SerialNumber: serial, ReceivedAt: time.Now(), Raw: append(json.RawMessage(nil), raw...)}
	default:
		d.logger.Debug("udp: dropping unknown message type", "type", env.Type, "serial", serial)
		return nil, nil
	}
	return msg, nil
}

// decodeObsSet decodes each element of a multi-observation frame
// independently: one bad element must not take down its siblings.
func (d *Decoder) decodeObsSet(obs [][]*float64, deviceID int, decode func([]*float64, int) (model.Observation, error)) []model.Observation {
	out := make([]model.Observation, 0, len(obs))
	for i, a := range obs {
		o, err := decode(a, deviceID)
		if err != nil {
			d.logger.Warn("udp: dropping malformed observation", "index", i, "err", err)
			continue
		}
		out = append(out, o)
	}
	return out
}

// obs_st positional schema (Tempest, full sensor suite):
//
//	0  epoch s          7  air temp °C       14 lightning avg dist km
//	1  wind lull m/s    8  RH %              15 lightning count
//	2  wind avg m/s     9  illuminance lux   16 battery V
//	3  wind gust m/s    10 UV index          17 report interval min
//	4  wind dir °       11 solar rad W/m²
//	5  wind sample s    12 rain prev min mm
//	6  pressure hPa     13 precip type
func decodeObsST(a []*float64, deviceID int) (model.Observation, error) {
	ts, err := obsTimestamp(a, obsStLen)
	if err != nil {
		return model.Observation{}, err
	}
	o := model.Observation{
		Timestamp:         ts,
		DeviceID:          deviceID,
		Source:            model.SourceUDP,
		WindLull:          a[1],
		WindAvg:           a[2],
		WindGust:          a[3],
		WindDirection:     a[4],
		StationPressure:   model.HPaToPa(a[6]),
		Temperature:       model.CelsiusToKelvin(a[7]),
		Humidity:          model.PctToRatio(a[8]),
		Illuminance:       a[9],
		UV:                a[10],
		SolarRadiation:    a[11],
		RainAccumulated:   model.MmToM(a[12]),
		RainRate:          minuteRainToRate(a[12]),
		PrecipType:        toInt(a[13]),
		LightningDistance: model.KmToM(a[14]),
		LightningCount:    toInt(a[15]),
		BatteryVolts:      a[16],
		ReportInterval:    toInt(a[17]),
	}
	return o, nil
}

// obs_air positional schema (legacy Air unit):
//
//	0 epoch s  1 pressure hPa  2 temp °C  3 RH %
//	4 lightning count  5 lightning avg dist km  6 battery V  7 interval min
func decodeObsAir(a []*float64, deviceID int) (model.Observation, error) {
	ts, err := obsTimestamp(a, obsAirLen)
	if err != nil {
		return model.Observation{}, err
	}
	o := model.Observation{
		Timestamp:         ts,
		DeviceID:          deviceID,
		Source:            model.SourceUDP,
		StationPressure:   model.HPaToPa(a[1]),
		Temperature:       model.CelsiusToKelvin(a[2]),
		Humidity:          model.PctToRatio(a[3]),
		LightningCount:    toInt(a[4]),
		LightningDistance: model.KmToM(a[5]),
		BatteryVolts:      a[6],
		ReportInterval:    toInt(a[7]),
	}
	return o, nil
}

// obs_sky positional schema (legacy Sky unit):
//
//	0 epoch s        4 wind lull m/s   8  battery V      12 precip type
//	1 illum. lux     5 wind avg m/s    9  interval min
//	2 UV index       6 wind gust m/s   10 solar rad W/m²
//	3 rain/min mm    7 wind dir °      11 day rain mm
func decodeObsSky(a []*float64, deviceID int) (model.Observation, error) {
	ts, err := obsTimestamp(a, obsSkyLen)
	if err != nil {
		return model.Observation{}, err
	}
	o := model.Observation{
		Timestamp:       ts,
		DeviceID:        deviceID,
		Source:          model.SourceUDP,
		Illuminance:     a[1],
		UV:              a[2],
		RainAccumulated: model.MmToM(a[3]),
		RainRate:        minuteRainToRate(a[3]),
		WindLull:        a[4],
		WindAvg:         a[5],
		WindGust:        a[6],
		WindDirection:   a[7],
		BatteryVolts:    a[8],
		ReportInterval:  toInt(a[9]),
		SolarRadiation:  a[10],
		PrecipType:      toInt(a[12]),
	}
	return o, nil
}

// rapid_wind ob schema: 0 epoch s, 1 speed m/s, 2 direction °.
func decodeRapidWind(a []*float64, deviceID int) (*model.RapidWind, error) {
	if len(a) < rapidWindLen {
		return nil, fmt.Errorf("rapid_wind: want %d fields, got %d", rapidWindLen, len(a))
	}
	ts, err := epoch(a[0])
	if err != nil {
		return nil, fmt.Errorf("rapid_wind: %w", err)
	}
	if a[1] == nil || a[2] == nil {
		return nil, fmt.Errorf("rapid_wind: null speed or direction")
	}
	return &model.RapidWind{
		Timestamp: ts,
		DeviceID:  deviceID,
		Source:    model.SourceUDP,
		Speed:     *a[1],
		Direction: *a[2],
	}, nil
}

// evt_strike evt schema: 0 epoch s, 1 distance km, 2 energy.
func decodeStrike(a []*float64, deviceID int) (*model.LightningStrike, error) {
	if len(a) < evtStrikeLen {
		return nil, fmt.Errorf("evt_strike: want %d fields, got %d", evtStrikeLen, len(a))
	}
	ts, err := epoch(a[0])
	if err != nil {
		return nil, fmt.Errorf("evt_strike: %w", err)
	}
	st := &model.LightningStrike{Timestamp: ts, DeviceID: deviceID}
	if a[1] != nil {
		st.Distance = *a[1] * 1000 // km -> m
	}
	if a[2] != nil {
		st.Energy = *a[2]
	}
	return st, nil
}

// evt_precip evt schema: 0 epoch s.
func decodePrecip(a []*float64, deviceID int) (*model.RainStartEvent, error) {
	if len(a) < evtPrecipLen {
		return nil, fmt.Errorf("evt_precip: want %d fields, got %d", evtPrecipLen, len(a))
	}
	ts, err := epoch(a[0])
	if err != nil {
		return nil, fmt.Errorf("evt_precip: %w", err)
	}
	return &model.RainStartEvent{Timestamp: ts, DeviceID: deviceID}, nil
}

func obsTimestamp(a []*float64, want int) (time.Time, error) {
	if len(a) < want {
		return time.Time{}, fmt.Errorf("want %d fields, got %d", want, len(a))
	}
	ts, err := epoch(a[0])
	if err != nil {
		return time.Time{}, err
	}
	return ts, nil
}

func epoch(v *float64) (time.Time, error) {
	if v == nil {
		return time.Time{}, fmt.Errorf("null timestamp")
	}
	return time.Unix(int64(*v), 0).UTC(), nil
}

// minuteRainToRate converts a one-minute rain accumulation in mm to a rate
// in m/h.
func minuteRainToRate(v *float64) *float64 {
	if v == nil {
		return nil
	}
	return model.Float(*v * 60 / 1000)
}

func toInt(v *float64) *int {
	if v == nil {
		return nil
	}
	return model.Int(int(*v))
}
