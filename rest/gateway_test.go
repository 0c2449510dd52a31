package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tripkit/config"
	"tripkit/logger"
)

func testGateway(t *testing.T, handler http.HandlerFunc, timeout time.Duration) *Gateway {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	// Trailing slash on purpose; the gateway must normalize it away.
	return NewGateway(config.HTTPConfig{
		BaseURL: srv.URL + "/",
		Timeout: config.Duration(timeout),
		Headers: map[string]string{"X-Api-Key": "secret"},
	}, logger.Nop())
}

func TestTrackerStatus(t *testing.T) {
	var gotPath, gotHeader string
	g := testGateway(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHeader = r.Header.Get("X-Api-Key")
		w.Write([]byte(`{"deviceId":"veh-1","state":"moving","odometer":1234.5,"activeTrip":{"tripId":"t-1"}}`))
	}, 0)

	status, err := g.TrackerStatus(context.Background(), "veh-1")
	require.NoError(t, err)
	assert.Equal(t, "/trackers/veh-1/status", gotPath)
	assert.Equal(t, "secret", gotHeader)
	assert.Equal(t, "moving", status.State)
	assert.Equal(t, 1234.5, status.Odometer)
	assert.JSONEq(t, `{"tripId":"t-1"}`, string(status.ActiveTrip))
}

func TestStatusErrorCarriesCodeAndBody(t *testing.T) {
	g := testGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("tracker veh-9 unknown"))
	}, 0)

	_, err := g.TrackerStatus(context.Background(), "veh-9")
	var statusErr *StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusNotFound, statusErr.Code)
	assert.Equal(t, "tracker veh-9 unknown", statusErr.Body)
}

func TestTimeoutError(t *testing.T) {
	g := testGateway(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}, 50*time.Millisecond)

	_, err := g.ServiceHealth(context.Background())
	var timeoutErr *TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 50*time.Millisecond, timeoutErr.Timeout)
	assert.Contains(t, err.Error(), "50ms")
}

func TestSetOdometer(t *testing.T) {
	g := testGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/trackers/veh-1/odometer", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 50000.0, body["initialOdometer"])
		assert.Equal(t, "unit swap", body["reason"])

		w.Write([]byte(`{"deviceId":"veh-1","before":1234.5,"after":50000,"reason":"unit swap"}`))
	}, 0)

	adj, err := g.SetOdometer(context.Background(), "veh-1", 50000, "unit swap")
	require.NoError(t, err)
	assert.Equal(t, 1234.5, adj.Before)
	assert.Equal(t, 50000.0, adj.After)
}

func TestHeadersCopiedAtConstruction(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("X-Api-Key")
		w.Write([]byte(`{"status":"ok"}`))
	}))
	t.Cleanup(srv.Close)

	headers := map[string]string{"X-Api-Key": "secret"}
	g := NewGateway(config.HTTPConfig{
		BaseURL: srv.URL,
		Timeout: config.Duration(5 * time.Second),
		Headers: headers,
	}, logger.Nop())
	headers["X-Api-Key"] = "tampered"

	_, err := g.ServiceHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "secret", gotKey, "mutating the caller's map must not alter requests")
}

func TestTripsQueryString(t *testing.T) {
	var query string
	g := testGateway(t, func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.RawQuery
		assert.Equal(t, "/api/reports/trips", r.URL.Path)
		assert.Equal(t, "veh-1,veh-2,veh-3", r.URL.Query().Get("deviceId"))
		assert.Equal(t, "2026-08-01T00:00:00Z", r.URL.Query().Get("from"))
		assert.Equal(t, "2026-08-02T00:00:00Z", r.URL.Query().Get("to"))
		assert.Equal(t, "acme", r.URL.Query().Get("tenantId"))
		assert.JSONEq(t, `{"shift":"night"}`, r.URL.Query().Get("metadata"))
		w.Write([]byte(`[{"tripId":"t-1","deviceId":"veh-1","distanceMeters":4200}]`))
	}, 0)

	trips, err := g.Trips(context.Background(), ReportQuery{
		DeviceIDs: []string{"veh-1", "veh-2", "veh-3"},
		From:      time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		To:        time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC),
		TenantID:  "acme",
		Metadata:  map[string]interface{}{"shift": "night"},
	})
	require.NoError(t, err)
	require.Len(t, trips, 1)
	assert.Equal(t, "t-1", trips[0].TripID)
	assert.Equal(t, 4200.0, trips[0].DistanceMeters)
	assert.NotEmpty(t, query)
}

func TestStopsWildcardAndOmittedBounds(t *testing.T) {
	g := testGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/reports/stops", r.URL.Path)
		assert.Equal(t, "all", r.URL.Query().Get("deviceId"))
		_, hasFrom := r.URL.Query()["from"]
		assert.False(t, hasFrom, "zero time bound must be omitted")
		w.Write([]byte(`[]`))
	}, 0)

	stops, err := g.Stops(context.Background(), ReportQuery{})
	require.NoError(t, err)
	assert.Empty(t, stops)
}

func TestServiceHealth(t *testing.T) {
	g := testGateway(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.Write([]byte(`{"status":"ok","details":{"uptime":120}}`))
	}, 0)

	health, err := g.ServiceHealth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)
}
