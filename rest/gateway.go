package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tripkit/config"
	"tripkit/events"
	"tripkit/logger"
)

// StatusError carries a non-2xx response status and its body text.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status %d: %s", e.Code, e.Body)
}

// TimeoutError names the configured duration a request exceeded.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request timed out after %s", e.Timeout)
}

// TrackerStatus is the current state of one tracker as reported by the
// service. The nested diagnostics are schema-shaped but opaque to the SDK.
type TrackerStatus struct {
	DeviceID     string           `json:"deviceId"`
	State        string           `json:"state"`
	Odometer     float64          `json:"odometer"`
	LastPosition *events.Position `json:"lastPosition,omitempty"`
	ActiveTrip   json.RawMessage  `json:"activeTrip,omitempty"`
	Statistics   json.RawMessage  `json:"statistics,omitempty"`
	Health       json.RawMessage  `json:"health,omitempty"`
	Power        json.RawMessage  `json:"power,omitempty"`
}

// OdometerAdjustment reports the odometer before and after an offset change.
type OdometerAdjustment struct {
	DeviceID string  `json:"deviceId"`
	Before   float64 `json:"before"`
	After    float64 `json:"after"`
	Reason   string  `json:"reason,omitempty"`
}

// ServiceHealth is the service-wide health report.
type ServiceHealth struct {
	Status  string          `json:"status"`
	Details json.RawMessage `json:"details,omitempty"`
}

// ReportQuery filters trip and stop reports. An empty DeviceIDs slice means
// all devices. Zero From/To bounds are omitted from the query.
type ReportQuery struct {
	DeviceIDs []string
	From      time.Time
	To        time.Time
	TenantID  string
	ClientID  string
	FleetID   string
	Metadata  map[string]interface{}
}

func (q ReportQuery) values() (url.Values, error) {
	v := url.Values{}
	if len(q.DeviceIDs) == 0 {
		v.Set("deviceId", "all")
	} else {
		v.Set("deviceId", strings.Join(q.DeviceIDs, ","))
	}
	if !q.From.IsZero() {
		v.Set("from", q.From.Format(time.RFC3339))
	}
	if !q.To.IsZero() {
		v.Set("to", q.To.Format(time.RFC3339))
	}
	if q.TenantID != "" {
		v.Set("tenantId", q.TenantID)
	}
	if q.ClientID != "" {
		v.Set("clientId", q.ClientID)
	}
	if q.FleetID != "" {
		v.Set("fleetId", q.FleetID)
	}
	if len(q.Metadata) > 0 {
		encoded, err := json.Marshal(q.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to encode metadata filter: %w", err)
		}
		v.Set("metadata", string(encoded))
	}
	return v, nil
}

// Gateway issues timed requests against the service's query and
// configuration endpoints.
type Gateway struct {
	base    string
	timeout time.Duration
	headers map[string]string
	client  *http.Client
	log     logger.Logger
}

// NewGateway builds a gateway from resolved HTTP configuration. The base URL
// is normalized to carry no trailing slash. The headers map is copied so the
// caller cannot alter requests after construction.
func NewGateway(cfg config.HTTPConfig, log logger.Logger) *Gateway {
	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	return &Gateway{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		timeout: cfg.Timeout.Std(),
		headers: headers,
		client:  &http.Client{},
		log:     log,
	}
}

func (g *Gateway) do(ctx context.Context, method, path string, query url.Values, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	target := g.base + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range g.headers {
		req.Header.Set(k, v)
	}

	g.log.Debugf("[Gateway] %s %s", method, target)
	resp, err := g.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return &TimeoutError{Timeout: g.timeout}
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: string(data)}
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// TrackerStatus fetches the current status of one tracker.
func (g *Gateway) TrackerStatus(ctx context.Context, deviceID string) (TrackerStatus, error) {
	var status TrackerStatus
	path := fmt.Sprintf("/trackers/%s/status", url.PathEscape(deviceID))
	err := g.do(ctx, http.MethodGet, path, nil, nil, &status)
	return status, err
}

// SetOdometer applies an odometer offset with a reason string and returns
// the before/after values.
func (g *Gateway) SetOdometer(ctx context.Context, deviceID string, initialOdometer float64, reason string) (OdometerAdjustment, error) {
	var adj OdometerAdjustment
	path := fmt.Sprintf("/trackers/%s/odometer", url.PathEscape(deviceID))
	body := map[string]interface{}{
		"initialOdometer": initialOdometer,
		"reason":          reason,
	}
	err := g.do(ctx, http.MethodPost, path, nil, body, &adj)
	return adj, err
}

// Trips fetches trip reports matching the query.
func (g *Gateway) Trips(ctx context.Context, q ReportQuery) ([]events.TripCompleted, error) {
	values, err := q.values()
	if err != nil {
		return nil, err
	}
	var trips []events.TripCompleted
	if err := g.do(ctx, http.MethodGet, "/api/reports/trips", values, nil, &trips); err != nil {
		return nil, err
	}
	return trips, nil
}

// Stops fetches stop reports matching the query.
func (g *Gateway) Stops(ctx context.Context, q ReportQuery) ([]events.StopCompleted, error) {
	values, err := q.values()
	if err != nil {
		return nil, err
	}
	var stops []events.StopCompleted
	if err := g.do(ctx, http.MethodGet, "/api/reports/stops", values, nil, &stops); err != nil {
		return nil, err
	}
	return stops, nil
}

// ServiceHealth fetches the service-wide health report.
func (g *Gateway) ServiceHealth(ctx context.Context) (ServiceHealth, error) {
	var health ServiceHealth
	err := g.do(ctx, http.MethodGet, "/health", nil, nil, &health)
	return health, err
}
