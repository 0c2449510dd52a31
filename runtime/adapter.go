// Package runtime binds the SDK's lifecycle to a host application's
// start/stop sequence and offers declarative event-handler registration:
// components declare their bindings as a static list and the adapter wires
// them to the facade when the application starts.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"tripkit"
	"tripkit/config"
	"tripkit/pubsub"
)

// Binding ties one inbound channel to a handler.
type Binding struct {
	Channel string
	Handler pubsub.Handler
}

// Component is anything that declares event bindings. The adapter collects
// bindings from every registered component at Start.
type Component interface {
	EventBindings() []Binding
}

// ConfigFactory resolves configuration at start time, typically from other
// services that are only available once the host application is up.
type ConfigFactory func(ctx context.Context) (config.Config, error)

// Adapter owns a client for the host application: it builds and connects the
// client on Start, subscribes the declared bindings, and disconnects exactly
// once on Stop.
type Adapter struct {
	factory ConfigFactory

	mu         sync.Mutex
	components []Component
	client     *tripkit.Client
	stopOnce   sync.Once
}

// New creates an adapter with configuration known at setup time.
func New(cfg config.Config) *Adapter {
	return &Adapter{
		factory: func(context.Context) (config.Config, error) { return cfg, nil },
	}
}

// NewFromFactory creates an adapter whose configuration is resolved when the
// host application starts.
func NewFromFactory(factory ConfigFactory) *Adapter {
	return &Adapter{factory: factory}
}

// Register adds a component whose bindings are wired at Start. Must be
// called before Start.
func (a *Adapter) Register(c Component) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.components = append(a.components, c)
}

// Start resolves configuration, builds and connects the client, registers
// every declared binding and subscribes. The client is guaranteed connected
// before Start returns without error, independent of the error policy.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.client != nil {
		return errors.New("adapter already started")
	}

	cfg, err := a.factory(ctx)
	if err != nil {
		return fmt.Errorf("config factory failed: %w", err)
	}
	client, err := tripkit.New(cfg)
	if err != nil {
		return err
	}
	if err := client.Connect(ctx); err != nil {
		return err
	}
	if !client.Connected() {
		// The error policy may swallow the connect failure; a consumer must
		// never receive a disconnected facade.
		return errors.New("client did not connect")
	}

	bound := 0
	for _, component := range a.components {
		for _, b := range component.EventBindings() {
			client.On(b.Channel, b.Handler)
			bound++
		}
	}
	if bound > 0 {
		if err := client.Subscribe(ctx); err != nil {
			client.Disconnect()
			return err
		}
	}

	a.client = client
	return nil
}

// Client returns the connected facade, or nil before Start.
func (a *Adapter) Client() *tripkit.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client
}

// Stop disconnects the client. Safe to call multiple times; the client is
// disconnected exactly once.
func (a *Adapter) Stop() error {
	var err error
	a.stopOnce.Do(func() {
		a.mu.Lock()
		client := a.client
		a.mu.Unlock()
		if client != nil {
			err = client.Disconnect()
		}
	})
	return err
}
