package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"tempest-go-station/internal/model"
)

// DefaultBaseURL points at the public Tempest REST API.
const DefaultBaseURL = "https://swd.weatherflow.com/swd/rest"

// APIError is a non-auth HTTP failure with a human-readable message.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// AuthError marks an invalid or expired token. Callers halt further
// fetches until re-authenticated.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error: %s", e.Message)
}

// Config configures the REST client.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration // per-call bound; calls fail rather than hang
}

// Client is a stateless request/response adapter over the REST API. Calls
// carry a bounded timeout and run through a circuit breaker so a flapping
// backend sheds load instead of queueing retries.
type Client struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewClient creates a REST client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}

	httpc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		SetQueryParam("token", cfg.Token)

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "tempest-rest",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     2 * time.Minute,
	})

	return &Client{http: httpc, breaker: cb, logger: logger.With("component", "rest")}
}

// get runs one GET through the breaker and decodes the body into out.
// Auth failures bypass breaker accounting for retryability: they will not
// heal on their own, so they are returned as-is.
func (c *Client) get(ctx context.Context, path string, params map[string]string, out any) error {
	_, err := c.breaker.Execute(func() (any, error) {
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(params).
			Get(path)
		if err != nil {
			return nil, fmt.Errorf("get %s: %w", path, err)
		}
		if resp.IsError() {
			return nil, errorFromResponse(resp)
		}
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		return nil, nil
	})
	return err
}

func errorFromResponse(resp *resty.Response) error {
	msg := http.StatusText(resp.StatusCode())
	var body struct {
		Status struct {
			StatusMessage string `json:"status_message"`
		} `json:"status"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err == nil && body.Status.StatusMessage != "" {
		msg = body.Status.StatusMessage
	}
	if resp.StatusCode() == http.StatusUnauthorized || resp.StatusCode() == http.StatusForbidden {
		return &AuthError{Message: msg}
	}
	return &APIError{StatusCode: resp.StatusCode(), Message: msg}
}

// Stations fetches the stations owned by the token.
func (c *Client) Stations(ctx context.Context) ([]model.Station, error) {
	var payload stationsPayload
	if err := c.get(ctx, "/stations", nil, &payload); err != nil {
		return nil, err
	}
	out := make([]model.Station, 0, len(payload.Stations))
	for _, s := range payload.Stations {
		out = append(out, s.toModel())
	}
	return out, nil
}

// StationObservation fetches the latest merged observation the backend has
// for the station.
func (c *Client) StationObservation(ctx context.Context, stationID int) (model.Observation, error) {
	var payload stationObsPayload
	path := fmt.Sprintf("/observations/station/%d", stationID)
	if err := c.get(ctx, path, nil, &payload); err != nil {
		return model.Observation{}, err
	}
	if len(payload.Obs) == 0 {
		return model.Observation{}, &APIError{StatusCode: http.StatusOK, Message: "station has no observations"}
	}
	return payload.Obs[0].toModel(), nil
}

// Forecast fetches the hourly and daily forecast for a station.
func (c *Client) Forecast(ctx context.Context, stationID int) (model.ForecastResponse, error) {
	var payload forecastPayload
	params := map[string]string{"station_id": fmt.Sprintf("%d", stationID)}
	if err := c.get(ctx, "/better_forecast", params, &payload); err != nil {
		return model.ForecastResponse{}, err
	}
	return payload.toModel(time.Now().UTC()), nil
}

// DeviceObservations fetches historical observations for one device over
// the half-open range [from, to).
func (c *Client) DeviceObservations(ctx context.Context, deviceID int, from, to time.Time) ([]model.Observation, error) {
	var payload deviceObsPayload
	path := fmt.Sprintf("/observations/device/%d", deviceID)
	params := map[string]string{
		"time_start": fmt.Sprintf("%d", from.Unix()),
		"time_end":   fmt.Sprintf("%d", to.Unix()),
	}
	if err := c.get(ctx, path, params, &payload); err != nil {
		return nil, err
	}
	out := make([]model.Observation, 0, len(payload.Obs))
	for _, a := range payload.Obs {
		o, err := decodeDeviceObs(a, deviceID)
		if err != nil {
			c.logger.Warn("dropping malformed device observation", "device", deviceID, "err", err)
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

// ValidateToken reports whether the token is accepted by the API. A false
// return with nil error means the token was definitively rejected.
func (c *Client) ValidateToken(ctx context.Context) (bool, error) {
	var payload stationsPayload
	err := c.get(ctx, "/stations", nil, &payload)
	if err == nil {
		return true, nil
	}
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return false, nil
	}
	return false, err
}
