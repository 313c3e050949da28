// Package heartbeat publishes this device's periodic liveness beacon and
// watches for the peer's. The two directions are independent: outbound
// beacons are fire-and-forget, and a watchdog declares the peer unreachable
// when no beacon arrives within the liveness window.
package heartbeat

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"salonpad/companion-sync/internal/model"
	"salonpad/companion-sync/internal/transport"
)

// Publisher is the outbound side of the transport the monitor beacons over.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Identity supplies the pairing details stamped into each beacon. It returns
// false while the device is unpaired, which suppresses beaconing.
type Identity func() (model.PairingRecord, bool)

// Config lists the per-role heartbeat tunables. The pad and the station use
// different intervals and windows.
type Config struct {
	// Interval between outbound beacons.
	Interval time.Duration
	// LivenessWindow is how long to wait for a peer beacon before declaring
	// the peer unreachable.
	LivenessWindow time.Duration
}

// TopicFunc derives the outbound beacon topic from the current pairing.
type TopicFunc func(model.PairingRecord) string

// Record is the transient view of peer liveness.
type Record struct {
	PeerReachable bool
	LastBeaconAt  time.Time
}

// Monitor runs the beacon loop and the inbound watchdog.
type Monitor struct {
	logger    *slog.Logger
	publisher Publisher
	cfg       Config
	topic     TopicFunc
	identity  Identity
	screen    func() string

	mu        sync.Mutex
	record    Record
	watchdog  *time.Timer
	listeners []func(reachable bool)
	stop      chan struct{}
	running   bool

	now func() time.Time
}

// New constructs a monitor. screen supplies the current UI screen included
// in each beacon payload.
func New(cfg Config, publisher Publisher, topic TopicFunc, identity Identity, screen func() string, logger *slog.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.LivenessWindow <= 0 {
		cfg.LivenessWindow = 15 * time.Second
	}
	if screen == nil {
		screen = func() string { return "" }
	}
	return &Monitor{
		logger:    logger,
		publisher: publisher,
		cfg:       cfg,
		topic:     topic,
		identity:  identity,
		screen:    screen,
		now:       time.Now,
	}
}

// Start launches the outbound beacon loop. Safe to call once per monitor.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	stop := m.stop
	m.mu.Unlock()

	go m.beaconLoop(stop)
}

// Stop halts the beacon loop and the watchdog.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
	m.mu.Unlock()
}

// Peer returns the current view of peer liveness.
func (m *Monitor) Peer() Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.record
}

// OnReachabilityChange registers a listener invoked whenever the peer
// flips between reachable and unreachable.
func (m *Monitor) OnReachabilityChange(fn func(reachable bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// HandleBeacon processes a received peer beacon: marks the peer reachable
// and resets the watchdog to the liveness window.
func (m *Monitor) HandleBeacon(payload []byte) {
	var beacon model.HeartbeatPayload
	if err := json.Unmarshal(payload, &beacon); err != nil {
		m.logger.Warn("peer beacon decode failed", "error", err)
		return
	}

	m.mu.Lock()
	wasReachable := m.record.PeerReachable
	m.record.PeerReachable = true
	m.record.LastBeaconAt = m.now()

	if m.watchdog != nil {
		m.watchdog.Stop()
	}
	m.watchdog = time.AfterFunc(m.cfg.LivenessWindow, m.watchdogFired)

	var fns []func(bool)
	if !wasReachable {
		fns = append(fns, m.listeners...)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(true)
	}

	if !wasReachable {
		m.logger.Info("peer reachable", "peer", beacon.DeviceID)
	}
}

// Reset clears liveness state, used whenever the underlying connection
// drops: stale peer state is meaningless without a transport.
func (m *Monitor) Reset() {
	m.mu.Lock()
	wasReachable := m.record.PeerReachable
	m.record = Record{}
	if m.watchdog != nil {
		m.watchdog.Stop()
		m.watchdog = nil
	}
	var fns []func(bool)
	if wasReachable {
		fns = append(fns, m.listeners...)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(false)
	}
}

func (m *Monitor) watchdogFired() {
	m.mu.Lock()
	if !m.record.PeerReachable {
		m.mu.Unlock()
		return
	}
	m.record.PeerReachable = false
	fns := append([]func(bool){}, m.listeners...)
	m.mu.Unlock()

	m.logger.Warn("peer beacon missed liveness window", "window", m.cfg.LivenessWindow)
	for _, fn := range fns {
		fn(false)
	}
}

func (m *Monitor) beaconLoop(stop chan struct{}) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	m.publishBeacon()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.publishBeacon()
		}
	}
}

// publishBeacon sends one beacon. Failures are logged and dropped: beacons
// are never queued because stale liveness data self-corrects on reconnect.
func (m *Monitor) publishBeacon() {
	pairing, ok := m.identity()
	if !ok {
		return
	}

	beacon := model.HeartbeatPayload{
		DeviceID:   pairing.DeviceID,
		DeviceName: pairing.DeviceName,
		SalonID:    pairing.SalonID,
		PairedTo:   pairing.StationID,
		Timestamp:  m.now().UTC(),
		Screen:     m.screen(),
	}

	payload, err := json.Marshal(beacon)
	if err != nil {
		m.logger.Error("encode beacon", "error", err)
		return
	}

	if err := m.publisher.Publish(m.topic(pairing), payload); err != nil {
		if !errors.Is(err, transport.ErrNotConnected) {
			m.logger.Debug("beacon publish failed", "error", err)
		}
		return
	}
}
