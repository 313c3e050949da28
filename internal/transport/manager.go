// Package transport owns the single pub/sub client connection shared by all
// components. It exposes publish, subscribe-with-handler and a connection
// state change stream; reconnection uses an explicit exponential backoff
// policy instead of the client library's built-in one.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// State is the connection lifecycle state. Transitions are driven solely by
// the Manager; other components observe them through OnStateChange.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// ErrNotConnected is returned by Publish while the connection is down.
var ErrNotConnected = errors.New("transport: not connected")

// Handler is invoked for each message received on a subscribed topic.
type Handler func(topic string, payload []byte)

// Config lists the transport tunables.
type Config struct {
	BrokerURL         string
	ClientID          string
	ConnectTimeout    time.Duration
	PublishTimeout    time.Duration
	BackoffBase       time.Duration
	BackoffMultiplier float64
	BackoffMax        time.Duration
}

// pahoClient is the slice of the paho client the manager uses. paho's
// mqtt.Client satisfies it; tests install fakes.
type pahoClient interface {
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	IsConnected() bool
}

// Manager owns the broker connection and its subscriptions. Subscriptions
// survive reconnects; every transition into connected runs the installed
// on-connected hook (offline queue replay) before listeners are notified.
type Manager struct {
	logger *slog.Logger
	cfg    Config

	newClient func(*mqtt.ClientOptions) pahoClient

	mu           sync.Mutex
	client       pahoClient
	state        State
	listeners    map[int]func(State)
	nextListener int
	subs         map[string]Handler
	onConnected  func()
	reconnecting bool
	cancelRetry  context.CancelFunc
	closed       bool
}

// New constructs a manager. Zero config fields fall back to defaults.
func New(cfg Config, logger *slog.Logger) *Manager {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = 2.0
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 30 * time.Second
	}

	m := &Manager{
		logger:    logger,
		cfg:       cfg,
		state:     StateDisconnected,
		listeners: make(map[int]func(State)),
		subs:      make(map[string]Handler),
	}
	m.newClient = func(opts *mqtt.ClientOptions) pahoClient {
		return mqtt.NewClient(opts)
	}
	return m
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetOnConnected installs the hook run on every transition into connected,
// ahead of state-change listeners. The offline queue's replay is wired here.
func (m *Manager) SetOnConnected(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = fn
}

// OnStateChange registers a listener for connection state transitions and
// returns a function that removes it.
func (m *Manager) OnStateChange(fn func(State)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// Connect establishes the broker connection. A failed first attempt moves
// the manager into reconnecting and retries with backoff in the background;
// only configuration problems are returned as errors.
func (m *Manager) Connect() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return fmt.Errorf("transport: manager closed")
	}
	if m.cfg.BrokerURL == "" {
		m.mu.Unlock()
		return fmt.Errorf("transport: broker URL not configured")
	}
	if m.client == nil {
		m.client = m.newClient(m.clientOptions())
	}
	client := m.client
	m.mu.Unlock()

	m.transition(StateConnecting)

	if err := m.attempt(client); err != nil {
		m.logger.Warn("broker connect failed, retrying", "broker", m.cfg.BrokerURL, "error", err)
		m.transition(StateReconnecting)
		m.startReconnectLoop()
		return nil
	}

	m.handleConnected(client)
	return nil
}

// Disconnect tears down the connection and stops any pending reconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.cancelRetry != nil {
		m.cancelRetry()
		m.cancelRetry = nil
	}
	m.closed = true
	client := m.client
	m.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
	m.transition(StateDisconnected)
}

// Publish sends payload on topic with QoS 0. It fails with ErrNotConnected
// while the connection is down; callers decide whether to drop or enqueue.
func (m *Manager) Publish(topic string, payload []byte) error {
	m.mu.Lock()
	client := m.client
	m.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return ErrNotConnected
	}

	token := client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(m.cfg.PublishTimeout) {
		return fmt.Errorf("publish %s: %w", topic, ErrNotConnected)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe registers a handler for topic. The subscription is re-established
// on every reconnect; the returned function removes it.
func (m *Manager) Subscribe(topic string, handler Handler) func() {
	m.mu.Lock()
	m.subs[topic] = handler
	client := m.client
	m.mu.Unlock()

	if client != nil && client.IsConnected() {
		m.subscribeNow(client, topic)
	}

	return func() {
		m.mu.Lock()
		delete(m.subs, topic)
		client := m.client
		m.mu.Unlock()

		if client != nil && client.IsConnected() {
			client.Unsubscribe(topic)
		}
	}
}

// Subscriptions returns the currently registered topics, sorted.
func (m *Manager) Subscriptions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.subs))
	for topic := range m.subs {
		out = append(out, topic)
	}
	sort.Strings(out)
	return out
}

func (m *Manager) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(m.cfg.BrokerURL).
		SetClientID(m.cfg.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetOrderMatters(false).
		SetConnectTimeout(m.cfg.ConnectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			m.onConnectionLost(err)
		})
	return opts
}

func (m *Manager) attempt(client pahoClient) error {
	token := client.Connect()
	if !token.WaitTimeout(m.cfg.ConnectTimeout + time.Second) {
		return fmt.Errorf("connect timeout after %s", m.cfg.ConnectTimeout)
	}
	return token.Error()
}

// handleConnected re-establishes subscriptions and flushes the offline queue
// before any listener observes the connected state, so queued messages go
// out ahead of newly-originated traffic where possible.
func (m *Manager) handleConnected(client pahoClient) {
	m.mu.Lock()
	topics := make([]string, 0, len(m.subs))
	for topic := range m.subs {
		topics = append(topics, topic)
	}
	hook := m.onConnected
	m.mu.Unlock()

	for _, topic := range topics {
		m.subscribeNow(client, topic)
	}

	if hook != nil {
		hook()
	}

	m.transition(StateConnected)
}

func (m *Manager) subscribeNow(client pahoClient, topic string) {
	token := client.Subscribe(topic, 0, func(_ mqtt.Client, msg mqtt.Message) {
		m.dispatch(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(m.cfg.PublishTimeout) || token.Error() != nil {
		m.logger.Warn("subscribe failed", "topic", topic, "error", token.Error())
	}
}

// dispatch routes a received message to the registered handler, if the
// subscription is still active.
func (m *Manager) dispatch(topic string, payload []byte) {
	m.mu.Lock()
	handler, ok := m.subs[topic]
	m.mu.Unlock()
	if !ok {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("message handler panic", "topic", topic, "panic", r)
		}
	}()
	handler(topic, payload)
}

func (m *Manager) onConnectionLost(err error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return
	}

	m.logger.Warn("broker connection lost", "error", err)
	m.transition(StateReconnecting)
	m.startReconnectLoop()
}

// startReconnectLoop spawns at most one retry loop.
func (m *Manager) startReconnectLoop() {
	m.mu.Lock()
	if m.reconnecting || m.closed {
		m.mu.Unlock()
		return
	}
	m.reconnecting = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancelRetry = cancel
	client := m.client
	m.mu.Unlock()

	go m.reconnectLoop(ctx, client)
}

func (m *Manager) reconnectLoop(ctx context.Context, client pahoClient) {
	defer func() {
		m.mu.Lock()
		m.reconnecting = false
		m.mu.Unlock()
	}()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = m.cfg.BackoffBase
	policy.Multiplier = m.cfg.BackoffMultiplier
	policy.MaxInterval = m.cfg.BackoffMax
	policy.MaxElapsedTime = 0 // retry until cancelled
	policy.Reset()

	for {
		wait := policy.NextBackOff()
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if err := m.attempt(client); err != nil {
			m.logger.Warn("reconnect attempt failed", "error", err)
			continue
		}

		m.logger.Info("broker connection restored", "broker", m.cfg.BrokerURL)
		m.handleConnected(client)
		return
	}
}

func (m *Manager) transition(next State) {
	m.mu.Lock()
	if m.state == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	fns := make([]func(State), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(next)
	}
}
