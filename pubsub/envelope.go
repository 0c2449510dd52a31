package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-redis/redis/v8"

	"tripkit/config"
	"tripkit/logger"
)

// ErrNotConnected is returned by publish/subscribe operations attempted
// outside the Connect/Disconnect window.
var ErrNotConnected = errors.New("not connected")

// Handler receives the parsed payload of an inbound message. Handlers run
// synchronously in registration order; a panicking handler is recovered and
// logged without affecting other handlers.
type Handler func(payload json.RawMessage)

type registration struct {
	id int
	fn Handler
}

// Envelope moves JSON events between this process and the remote service over
// prefixed redis channels. It owns two connections: one client for publish
// and pipeline commands, a second one exclusively for the subscribed stream,
// since a subscribed redis connection cannot issue other commands.
// Options are behavior flags for the envelope. Command retries are delegated
// to the redis client; RetryOnError false disables them entirely.
type Options struct {
	RetryOnError bool
	MaxRetries   int
}

type Envelope struct {
	cfg  config.RedisConfig
	opts Options
	log  logger.Logger

	mu        sync.Mutex
	pub       *redis.Client
	sub       *redis.Client
	stream    *redis.PubSub
	connected bool
	handlers  map[string][]registration
	nextID    int
}

// New creates an envelope. No connection is made until Connect.
func New(cfg config.RedisConfig, opts Options, log logger.Logger) *Envelope {
	return &Envelope{
		cfg:      cfg,
		opts:     opts,
		log:      log,
		handlers: make(map[string][]registration),
	}
}

func (e *Envelope) prefixed(channel string) string {
	return e.cfg.ChannelPrefix + channel
}

func (e *Envelope) stripPrefix(channel string) string {
	return strings.TrimPrefix(channel, e.cfg.ChannelPrefix)
}

// Connect opens both redis connections and verifies reachability with a ping
// on the command connection. Calling Connect while connected is a warned
// no-op; no second pair of connections is opened.
func (e *Envelope) Connect(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.connected {
		e.log.Warnf("[Envelope] Connect called while already connected, ignoring")
		return nil
	}

	opts := &redis.Options{
		Addr:       e.cfg.Addr(),
		DB:         e.cfg.DB,
		Username:   e.cfg.Username,
		Password:   e.cfg.Password,
		MaxRetries: -1,
	}
	if e.opts.RetryOnError {
		opts.MaxRetries = e.opts.MaxRetries
	}
	if e.cfg.DialTimeout > 0 {
		opts.DialTimeout = e.cfg.DialTimeout.Std()
	}
	if e.cfg.ReadTimeout > 0 {
		opts.ReadTimeout = e.cfg.ReadTimeout.Std()
	}
	if e.cfg.WriteTimeout > 0 {
		opts.WriteTimeout = e.cfg.WriteTimeout.Std()
	}
	if e.cfg.PoolSize > 0 {
		opts.PoolSize = e.cfg.PoolSize
	}

	pub := redis.NewClient(opts)
	if err := pub.Ping(ctx).Err(); err != nil {
		pub.Close()
		return fmt.Errorf("redis connection failed: %w", err)
	}

	e.pub = pub
	e.sub = redis.NewClient(opts)
	e.connected = true
	e.log.Infof("[Envelope] Connected to redis at %s (db %d)", e.cfg.Addr(), e.cfg.DB)
	return nil
}

// Disconnect tears down the subscription and both connections. Safe to call
// in any state.
func (e *Envelope) Disconnect() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stream != nil {
		if err := e.stream.Close(); err != nil {
			e.log.Errorf("[Envelope] Error closing subscription: %v", err)
		}
		e.stream = nil
	}
	var firstErr error
	if e.pub != nil {
		if err := e.pub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		e.pub = nil
	}
	if e.sub != nil {
		if err := e.sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		e.sub = nil
	}
	e.connected = false
	return firstErr
}

// Connected reports whether Connect succeeded and Disconnect has not run.
func (e *Envelope) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// Subscribed reports whether an inbound stream is active.
func (e *Envelope) Subscribed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stream != nil
}

// Ping probes liveness on the command connection.
func (e *Envelope) Ping(ctx context.Context) error {
	e.mu.Lock()
	pub := e.pub
	e.mu.Unlock()
	if pub == nil {
		return ErrNotConnected
	}
	return pub.Ping(ctx).Err()
}

// Publish serializes the event and sends it to the prefixed channel. Delivery
// to any subscriber is fire-and-forget; the call returns once the transport
// send completes.
func (e *Envelope) Publish(ctx context.Context, channel string, event interface{}) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize event for %s: %w", channel, err)
	}
	return e.PublishRaw(ctx, channel, payload)
}

// PublishRaw sends an already-serialized payload.
func (e *Envelope) PublishRaw(ctx context.Context, channel string, payload []byte) error {
	e.mu.Lock()
	pub := e.pub
	e.mu.Unlock()
	if pub == nil {
		return ErrNotConnected
	}
	if err := pub.Publish(ctx, e.prefixed(channel), payload).Err(); err != nil {
		return fmt.Errorf("publish to %s failed: %w", channel, err)
	}
	return nil
}

// PublishBatch sends an ordered batch of events for one logical channel as a
// single pipeline. The batch succeeds or fails as a whole.
func (e *Envelope) PublishBatch(ctx context.Context, channel string, batch []interface{}) error {
	if len(batch) == 0 {
		return nil
	}
	payloads := make([][]byte, len(batch))
	for i, event := range batch {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to serialize batch element %d for %s: %w", i, channel, err)
		}
		payloads[i] = payload
	}
	return e.PublishRawBatch(ctx, channel, payloads)
}

// PublishRawBatch sends already-serialized payloads as a single pipeline,
// preserving order. The batch succeeds or fails as a whole.
func (e *Envelope) PublishRawBatch(ctx context.Context, channel string, payloads [][]byte) error {
	if len(payloads) == 0 {
		return nil
	}
	e.mu.Lock()
	pub := e.pub
	e.mu.Unlock()
	if pub == nil {
		return ErrNotConnected
	}

	pipe := pub.Pipeline()
	target := e.prefixed(channel)
	for _, payload := range payloads {
		pipe.Publish(ctx, target, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("batch publish to %s failed: %w", channel, err)
	}
	return nil
}

// On registers a handler for a logical channel and returns an id usable with
// Off. Multiple handlers per channel are allowed and run in registration
// order. Registration is legal at any time, including while subscribed;
// channels that gain their first handler after Subscribe are picked up on the
// next Subscribe call.
func (e *Envelope) On(channel string, fn Handler) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextID++
	e.handlers[channel] = append(e.handlers[channel], registration{id: e.nextID, fn: fn})
	return e.nextID
}

// Off removes a previously registered handler. Unknown ids are ignored.
func (e *Envelope) Off(channel string, id int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	regs := e.handlers[channel]
	for i, reg := range regs {
		if reg.id == id {
			e.handlers[channel] = append(regs[:i], regs[i+1:]...)
			break
		}
	}
	if len(e.handlers[channel]) == 0 {
		delete(e.handlers, channel)
	}
}

// HandlerCount returns the number of handlers registered for a channel.
func (e *Envelope) HandlerCount(channel string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handlers[channel])
}

func (e *Envelope) channelsWithHandlers() []string {
	channels := make([]string, 0, len(e.handlers))
	for channel := range e.handlers {
		channels = append(channels, channel)
	}
	return channels
}

// Subscribe enters subscribed mode on the dedicated connection for every
// logical channel that currently has at least one handler, and starts the
// inbound dispatch loop. Subscribing with zero handlers or while already
// subscribed is a warned no-op.
func (e *Envelope) Subscribe(ctx context.Context) error {
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		return ErrNotConnected
	}
	if e.stream != nil {
		e.mu.Unlock()
		e.log.Warnf("[Envelope] Subscribe called while already subscribed, ignoring")
		return nil
	}
	channels := e.channelsWithHandlers()
	if len(channels) == 0 {
		e.mu.Unlock()
		e.log.Warnf("[Envelope] Subscribe called with no registered handlers, nothing to do")
		return nil
	}
	sub := e.sub
	prefixed := make([]string, len(channels))
	for i, channel := range channels {
		prefixed[i] = e.prefixed(channel)
	}
	e.mu.Unlock()

	// The handshake can block on a slow server; publishing and liveness
	// probes must not wait behind it, so it runs without the lock.
	stream := sub.Subscribe(ctx, prefixed...)
	if _, err := stream.Receive(ctx); err != nil {
		stream.Close()
		return fmt.Errorf("subscribe failed: %w", err)
	}

	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		stream.Close()
		return ErrNotConnected
	}
	if e.stream != nil {
		e.mu.Unlock()
		stream.Close()
		e.log.Warnf("[Envelope] Subscribe raced a concurrent subscription, ignoring")
		return nil
	}
	e.stream = stream
	e.mu.Unlock()
	e.log.Infof("[Envelope] Subscribed to %d channels", len(prefixed))

	go e.dispatchLoop(stream)
	return nil
}

// Unsubscribe cancels all active channel subscriptions. No-op when not
// subscribed.
func (e *Envelope) Unsubscribe() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stream == nil {
		return
	}
	if err := e.stream.Close(); err != nil {
		e.log.Errorf("[Envelope] Error closing subscription: %v", err)
	}
	e.stream = nil
	e.log.Infof("[Envelope] Unsubscribed")
}

func (e *Envelope) dispatchLoop(stream *redis.PubSub) {
	for msg := range stream.Channel() {
		e.dispatch(msg.Channel, msg.Payload)
	}
}

// dispatch routes one inbound message: strip the prefix, snapshot the handler
// set, parse, fan out. Messages for channels without handlers are dropped
// silently; malformed payloads are logged and dropped. Nothing in here may
// take down the loop.
func (e *Envelope) dispatch(channel, payload string) {
	logical := e.stripPrefix(channel)

	e.mu.Lock()
	regs := make([]registration, len(e.handlers[logical]))
	copy(regs, e.handlers[logical])
	e.mu.Unlock()

	if len(regs) == 0 {
		return
	}
	if !json.Valid([]byte(payload)) {
		e.log.Warnf("[Envelope] Dropping malformed payload on %s", logical)
		return
	}

	parsed := json.RawMessage(payload)
	for _, reg := range regs {
		e.invoke(logical, reg, parsed)
	}
}

func (e *Envelope) invoke(channel string, reg registration, payload json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Errorf("[Envelope] Handler for %s failed: %v", channel, r)
		}
	}()
	reg.fn(payload)
}
