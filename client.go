package tripkit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"tripkit/config"
	"tripkit/events"
	"tripkit/logger"
	"tripkit/pubsub"
	"tripkit/rest"
)

// ErrHTTPNotConfigured is returned by HTTP-dependent operations when no base
// URL was supplied. Always raised regardless of the error policy: it is a
// setup mistake, not a transient condition.
var ErrHTTPNotConfigured = errors.New("HTTP client not configured: no base URL was supplied")

// ErrNotConnected mirrors the envelope's sentinel for callers that want to
// test for it with errors.Is.
var ErrNotConnected = pubsub.ErrNotConnected

// HealthState classifies the transport connection for diagnostics.
type HealthState string

const (
	HealthConnected    HealthState = "connected"
	HealthDisconnected HealthState = "disconnected"
	HealthError        HealthState = "error"
)

// Health is the transport health report.
type Health struct {
	State HealthState `json:"state"`
	Host  string      `json:"host"`
	Port  int         `json:"port"`
	DB    int         `json:"db"`
}

// Client is the single entry point of the SDK. It composes the pub/sub
// envelope, the REST gateway and the offline queue, and enforces the
// connect/disconnect ordering between them.
type Client struct {
	cfg   config.Config
	log   logger.Logger
	env   *pubsub.Envelope
	queue *pubsub.Queue
	gw    *rest.Gateway

	mu        sync.Mutex
	connected bool
}

// New resolves the configuration and builds a client. No connection is made
// until Connect.
func New(cfg config.Config) (*Client, error) {
	resolved, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}
	c := &Client{
		cfg: resolved,
		log: resolved.Logger,
		env: pubsub.New(resolved.Redis, pubsub.Options{
			RetryOnError: resolved.RetryOnError,
			MaxRetries:   resolved.MaxRetries,
		}, resolved.Logger),
	}
	if resolved.Queue.Enabled {
		c.queue = pubsub.NewQueue(resolved.Queue, resolved.MaxRetries, resolved.Logger)
	}
	if resolved.HTTP != nil {
		c.gw = rest.NewGateway(*resolved.HTTP, resolved.Logger)
	}
	return c, nil
}

// Config returns a copy of the resolved configuration.
func (c *Client) Config() config.Config {
	return c.cfg
}

// Connect opens the publish and subscribe connections. Idempotent: a second
// call while connected logs a warning and changes nothing. A successful
// connect flushes the offline queue.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		c.log.Warnf("[Client] Connect called while already connected, ignoring")
		return nil
	}
	c.mu.Unlock()

	if err := c.env.Connect(ctx); err != nil {
		return c.fail(err)
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	if c.queue != nil {
		c.queue.Flush(func(channel string, payload json.RawMessage) error {
			return c.env.PublishRaw(ctx, channel, payload)
		})
	}
	return nil
}

// Disconnect tears down both envelope connections and resets connected and
// subscribed state unconditionally.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return c.env.Disconnect()
}

// Connected reports whether the client is inside a connect/disconnect window.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// PublishPosition sends one GPS position to the service.
func (c *Client) PublishPosition(ctx context.Context, p events.Position) error {
	return c.publish(ctx, events.ChannelPositionNew, p)
}

// PublishPositionBatch sends an ordered batch of positions as a single
// pipelined operation. All-or-nothing: a transport failure fails the whole
// batch.
func (c *Client) PublishPositionBatch(ctx context.Context, batch []events.Position) error {
	if len(batch) == 0 {
		return nil
	}
	payloads := make([][]byte, len(batch))
	for i, p := range batch {
		payload, err := json.Marshal(p)
		if err != nil {
			return c.fail(fmt.Errorf("failed to serialize batch element %d: %w", i, err))
		}
		payloads[i] = payload
	}
	if err := c.env.PublishRawBatch(ctx, events.ChannelPositionNew, payloads); err != nil {
		if c.queue != nil {
			for _, payload := range payloads {
				c.queue.Add(events.ChannelPositionNew, payload)
			}
		}
		return c.fail(err)
	}
	return nil
}

// PublishIgnition sends an ignition transition to the service.
func (c *Client) PublishIgnition(ctx context.Context, ev events.Ignition) error {
	return c.publish(ctx, events.ChannelIgnitionChanged, ev)
}

func (c *Client) publish(ctx context.Context, channel string, event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return c.fail(fmt.Errorf("failed to serialize event for %s: %w", channel, err))
	}
	if err := c.env.PublishRaw(ctx, channel, payload); err != nil {
		if c.queue != nil {
			c.queue.Add(channel, payload)
		}
		return c.fail(err)
	}
	return nil
}

// On registers a handler for a logical inbound channel and returns an id for
// Off. Registration is allowed at any time, including while subscribed.
func (c *Client) On(channel string, fn pubsub.Handler) int {
	return c.env.On(channel, fn)
}

// Off removes a handler registered with On.
func (c *Client) Off(channel string, id int) {
	c.env.Off(channel, id)
}

// Subscribe enters subscribed mode for every channel that has handlers.
func (c *Client) Subscribe(ctx context.Context) error {
	if err := c.env.Subscribe(ctx); err != nil {
		return c.fail(err)
	}
	return nil
}

// Unsubscribe cancels all active subscriptions. No-op when not subscribed.
func (c *Client) Unsubscribe() {
	c.env.Unsubscribe()
}

// Health probes the transport connection. Three states: connected (ping
// succeeded), disconnected (never connected or explicitly disconnected),
// error (connected but the liveness probe failed).
func (c *Client) Health(ctx context.Context) Health {
	h := Health{
		Host: c.cfg.Redis.Host,
		Port: c.cfg.Redis.Port,
		DB:   c.cfg.Redis.DB,
	}
	if !c.Connected() {
		h.State = HealthDisconnected
		return h
	}
	if err := c.env.Ping(ctx); err != nil {
		c.log.Errorf("[Client] Liveness probe failed: %v", err)
		h.State = HealthError
		return h
	}
	h.State = HealthConnected
	return h
}

// fail logs a transport failure and applies the configured error policy:
// with ThrowOnError false the error is swallowed so transient unavailability
// does not crash the publishing application.
func (c *Client) fail(err error) error {
	c.log.Errorf("[Client] %v", err)
	if c.cfg.ThrowOnError {
		return err
	}
	return nil
}

func (c *Client) gateway() (*rest.Gateway, error) {
	if c.gw == nil {
		return nil, ErrHTTPNotConfigured
	}
	return c.gw, nil
}

// TrackerStatus fetches one tracker's current status over HTTP.
func (c *Client) TrackerStatus(ctx context.Context, deviceID string) (rest.TrackerStatus, error) {
	gw, err := c.gateway()
	if err != nil {
		return rest.TrackerStatus{}, err
	}
	return gw.TrackerStatus(ctx, deviceID)
}

// SetOdometer applies an odometer offset with a reason string.
func (c *Client) SetOdometer(ctx context.Context, deviceID string, initialOdometer float64, reason string) (rest.OdometerAdjustment, error) {
	gw, err := c.gateway()
	if err != nil {
		return rest.OdometerAdjustment{}, err
	}
	return gw.SetOdometer(ctx, deviceID, initialOdometer, reason)
}

// Trips fetches trip reports matching the query.
func (c *Client) Trips(ctx context.Context, q rest.ReportQuery) ([]events.TripCompleted, error) {
	gw, err := c.gateway()
	if err != nil {
		return nil, err
	}
	return gw.Trips(ctx, q)
}

// Stops fetches stop reports matching the query.
func (c *Client) Stops(ctx context.Context, q rest.ReportQuery) ([]events.StopCompleted, error) {
	gw, err := c.gateway()
	if err != nil {
		return nil, err
	}
	return gw.Stops(ctx, q)
}

// ServiceHealth fetches the remote service's own health report over HTTP,
// as opposed to Health which probes the local transport connection.
func (c *Client) ServiceHealth(ctx context.Context) (rest.ServiceHealth, error) {
	gw, err := c.gateway()
	if err != nil {
		return rest.ServiceHealth{}, err
	}
	return gw.ServiceHealth(ctx)
}
