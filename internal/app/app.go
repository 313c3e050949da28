// Package app wires together the companion display services and manages
// their lifecycle. It connects the pairing registry, the broker transport,
// the offline queue, the heartbeat monitor and the transaction flow, and
// exposes the local status/control HTTP API.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/grandcat/zeroconf"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"salonpad/companion-sync/internal/config"
	"salonpad/companion-sync/internal/directory"
	"salonpad/companion-sync/internal/flow"
	"salonpad/companion-sync/internal/heartbeat"
	"salonpad/companion-sync/internal/metrics"
	"salonpad/companion-sync/internal/model"
	"salonpad/companion-sync/internal/pairing"
	"salonpad/companion-sync/internal/store"
	"salonpad/companion-sync/internal/syncqueue"
	"salonpad/companion-sync/internal/topics"
	"salonpad/companion-sync/internal/transport"
)

// App owns the companion display's long-lived components.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	kv       store.KV
	registry *pairing.Registry
	queue    *syncqueue.Queue
	manager  *transport.Manager
	monitor  *heartbeat.Monitor
	machine  *flow.Machine
	mdns     *zeroconf.Server

	mu         sync.Mutex
	subCancels []func()
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	return &App{cfg: cfg, logger: logger}
}

// Run starts all configured services and blocks until the context is
// cancelled or an error occurs.
func (a *App) Run(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}

	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return err
	}

	defer func() {
		if cerr := db.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	var dir directory.Client
	if a.cfg.DirectoryBaseURL != "" {
		dir = directory.NewHTTPClient(nil, a.cfg.DirectoryBaseURL, a.cfg.DirectoryAPIKey)
	} else {
		a.logger.Warn("no device directory configured, pairing runs in demo mode")
	}

	if err := a.init(ctx, db, dir); err != nil {
		return err
	}

	if err := a.manager.Connect(); err != nil {
		return err
	}
	a.monitor.Start()

	if rec, ok := a.registry.Pairing(); ok {
		a.attachStation(rec)
		a.logger.Info("restored pairing", "station", rec.StationID, "salon", rec.SalonID)
	}

	httpErrCh := make(chan error, 1)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler: a.routes(),
	}

	go func() {
		a.logger.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
		a.logger.Warn("mDNS advertisement unavailable", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("http server shutdown: %w", err)
			}
			a.logger.Info("http server stopped")

			a.teardown()
			return nil
		case err := <-httpErrCh:
			if err != nil {
				a.teardown()
				return err
			}
		}
	}
}

// init builds the components and wires their interactions. Split from Run so
// tests can assemble an app around an in-memory store.
func (a *App) init(ctx context.Context, kv store.KV, dir directory.Client) error {
	a.kv = kv

	registry, err := pairing.New(ctx, kv, dir, a.cfg.DeviceName, a.logger)
	if err != nil {
		return err
	}
	a.registry = registry

	queue, err := syncqueue.New(ctx, kv, a.logger,
		syncqueue.WithMaxAttempts(a.cfg.QueueMaxAttempts),
		syncqueue.WithOfflineAlertThreshold(a.cfg.OfflineAlertThreshold),
	)
	if err != nil {
		return err
	}
	a.queue = queue
	metrics.QueueDepth.Set(float64(queue.Len()))

	a.manager = transport.New(transport.Config{
		BrokerURL:         a.cfg.BrokerURL,
		ClientID:          "salonpad-" + registry.DeviceID(),
		BackoffBase:       a.cfg.BackoffBase,
		BackoffMultiplier: a.cfg.BackoffMultiplier,
		BackoffMax:        a.cfg.BackoffMax,
	}, a.logger)

	a.machine = flow.New(a.manager, meteredQueue{queue}, registry.Pairing, a.logger)

	a.monitor = heartbeat.New(
		heartbeat.Config{Interval: a.cfg.HeartbeatInterval, LivenessWindow: a.cfg.LivenessWindow},
		meteredPublisher{a.manager},
		func(rec model.PairingRecord) string {
			return topics.PadHeartbeat(rec.SalonID, rec.StationID)
		},
		registry.Pairing,
		a.machine.Screen,
		a.logger,
	)
	a.monitor.OnReachabilityChange(func(reachable bool) {
		metrics.SetPeerReachable(reachable)
	})

	queue.SetReplayHandler(func(topic string, payload json.RawMessage) (bool, error) {
		err := a.manager.Publish(topic, payload)
		if err == nil {
			return true, nil
		}
		if errors.Is(err, transport.ErrNotConnected) {
			return false, nil
		}
		return false, err
	})

	queue.SetOfflineAlertCallback(func(offlineFor time.Duration) {
		metrics.OfflineAlertsTotal.Inc()
		a.logger.Warn("device offline past alert threshold", "offline_for", offlineFor, "queued", queue.Len())
	})

	a.manager.SetOnConnected(func() {
		queue.StopOfflineTracking()
		result, err := queue.Replay(context.Background())
		if err != nil {
			a.logger.Error("offline queue replay", "error", err)
		}
		if result.Success > 0 || result.Failed > 0 {
			a.logger.Info("offline queue replayed", "delivered", result.Success, "dropped", result.Failed)
		}
		metrics.QueueReplayedTotal.WithLabelValues("success").Add(float64(result.Success))
		metrics.QueueReplayedTotal.WithLabelValues("failed").Add(float64(result.Failed))
		metrics.QueueDepth.Set(float64(queue.Len()))
	})

	a.manager.OnStateChange(func(s transport.State) {
		metrics.SetConnectionState(string(s))
		switch s {
		case transport.StateReconnecting, transport.StateDisconnected:
			queue.StartOfflineTracking()
			a.monitor.Reset()
		}
	})
	metrics.SetConnectionState(string(a.manager.State()))

	return nil
}

func (a *App) teardown() {
	a.stopMDNS()
	a.monitor.Stop()
	a.detachStation()
	a.manager.Disconnect()
}

// attachStation subscribes to the paired station's topics. Subscriptions
// survive reconnects inside the transport manager, so this runs once per
// pairing.
func (a *App) attachStation(rec model.PairingRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.subCancels) > 0 {
		return
	}

	inbound := []struct {
		event  string
		handle func(context.Context, []byte)
	}{
		{topics.EventTransaction, a.machine.HandleTransaction},
		{topics.EventPaymentResult, a.machine.HandlePaymentResult},
		{topics.EventCancel, a.machine.HandleCancel},
		{topics.EventSkipTip, a.machine.HandleSkipTip},
		{topics.EventSkipSignature, a.machine.HandleSkipSignature},
		{topics.EventForceComplete, a.machine.HandleForceComplete},
	}

	for _, route := range inbound {
		event, handle := route.event, route.handle
		cancel := a.manager.Subscribe(topics.PadEvent(rec.SalonID, rec.StationID, event), func(_ string, payload []byte) {
			metrics.FlowEventsTotal.WithLabelValues(event).Inc()
			handle(context.Background(), payload)
		})
		a.subCancels = append(a.subCancels, cancel)
	}

	a.subCancels = append(a.subCancels,
		a.manager.Subscribe(topics.StationHeartbeat(rec.SalonID, rec.StationID), func(_ string, payload []byte) {
			a.monitor.HandleBeacon(payload)
		}),
		a.manager.Subscribe(topics.PadUnpaired(rec.SalonID, rec.StationID, a.registry.DeviceID()), a.handleUnpairNotice),
	)
}

func (a *App) detachStation() {
	a.mu.Lock()
	cancels := a.subCancels
	a.subCancels = nil
	a.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// handleUnpairNotice processes a station-initiated unpair aimed at this
// device.
func (a *App) handleUnpairNotice(_ string, payload []byte) {
	var notice model.UnpairNotice
	if err := json.Unmarshal(payload, &notice); err != nil {
		a.logger.Warn("unpair notice decode failed", "error", err)
		return
	}
	if notice.DeviceID != "" && notice.DeviceID != a.registry.DeviceID() {
		return
	}

	a.logger.Info("unpaired by station", "reason", notice.Reason)
	a.dropPairing(context.Background())
}

// dropPairing clears the local pairing and everything scoped to it.
func (a *App) dropPairing(ctx context.Context) {
	if err := a.registry.Unpair(ctx); err != nil {
		a.logger.Error("unpair", "error", err)
	}
	a.detachStation()
	a.machine.Reset()
	a.monitor.Reset()
}

// meteredQueue counts enqueues and keeps the depth gauge current.
type meteredQueue struct {
	q *syncqueue.Queue
}

func (m meteredQueue) Enqueue(ctx context.Context, topic string, payload json.RawMessage, priority int) (string, error) {
	id, err := m.q.Enqueue(ctx, topic, payload, priority)
	if err == nil {
		metrics.QueueEnqueuedTotal.Inc()
		metrics.QueueDepth.Set(float64(m.q.Len()))
	}
	return id, err
}

// meteredPublisher counts outbound beacons.
type meteredPublisher struct {
	m *transport.Manager
}

func (p meteredPublisher) Publish(topic string, payload []byte) error {
	err := p.m.Publish(topic, payload)
	if err == nil {
		metrics.HeartbeatsSentTotal.Inc()
	}
	return err
}

func (a *App) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.handleReadyz).Methods(http.MethodGet)
	r.HandleFunc("/api/status", a.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/pair", a.handlePair).Methods(http.MethodPost)
	r.HandleFunc("/api/unpair", a.handleUnpair).Methods(http.MethodPost)
	r.HandleFunc("/api/device-name", a.handleDeviceName).Methods(http.MethodPost)
	r.HandleFunc("/api/queue", a.handleQueueSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/api/queue", a.handleQueueClear).Methods(http.MethodDelete)
	r.HandleFunc("/api/flow/confirm-receipt", a.handleConfirmReceipt).Methods(http.MethodPost)
	r.HandleFunc("/api/flow/tip", a.handleTip).Methods(http.MethodPost)
	r.HandleFunc("/api/flow/signature", a.handleSignature).Methods(http.MethodPost)
	r.HandleFunc("/api/flow/receipt-preference", a.handleReceiptPreference).Methods(http.MethodPost)
	r.HandleFunc("/api/flow/help", a.handleHelp).Methods(http.MethodPost)
	r.HandleFunc("/api/flow/split-payment", a.handleSplitPayment).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	return r
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.kv == nil || a.manager == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	rec, paired := a.registry.Pairing()
	peer := a.monitor.Peer()
	snap := a.machine.Current()

	response := struct {
		DeviceID        string               `json:"device_id"`
		Paired          bool                 `json:"paired"`
		Pairing         *model.PairingRecord `json:"pairing,omitempty"`
		ConnectionState string               `json:"connection_state"`
		PeerReachable   bool                 `json:"peer_reachable"`
		LastBeaconAt    *time.Time           `json:"last_beacon_at,omitempty"`
		Flow            flow.Snapshot        `json:"flow"`
		QueueDepth      int                  `json:"queue_depth"`
		OfflineFor      string               `json:"offline_for,omitempty"`
	}{
		DeviceID:        a.registry.DeviceID(),
		Paired:          paired,
		ConnectionState: string(a.manager.State()),
		PeerReachable:   peer.PeerReachable,
		Flow:            snap,
		QueueDepth:      a.queue.Len(),
	}
	if paired {
		response.Pairing = &rec
	}
	if !peer.LastBeaconAt.IsZero() {
		response.LastBeaconAt = &peer.LastBeaconAt
	}
	if d := a.queue.OfflineDuration(); d > 0 {
		response.OfflineFor = d.Round(time.Second).String()
	}

	writeJSON(w, http.StatusOK, response)
}

func (a *App) handlePair(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code        string `json:"code"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	wasPaired := a.registry.IsPaired()

	rec, err := a.registry.VerifyPairingCode(ctx, req.Code, req.DisplayName)
	switch {
	case errors.Is(err, pairing.ErrInvalidCode):
		http.Error(w, "invalid pairing code", http.StatusBadRequest)
		return
	case errors.Is(err, pairing.ErrDirectoryUnavailable):
		http.Error(w, "device directory unavailable", http.StatusBadGateway)
		return
	case err != nil:
		a.logger.Error("pair", "error", err)
		http.Error(w, "pairing failed", http.StatusInternalServerError)
		return
	}

	// re-pairing moves everything scoped to the old station over to the
	// new one: subscriptions, flow state, peer liveness
	if wasPaired {
		a.detachStation()
		a.machine.Reset()
		a.monitor.Reset()
	}
	a.attachStation(rec)
	a.logger.Info("paired", "station", rec.StationID, "salon", rec.SalonID)
	writeJSON(w, http.StatusOK, rec)
}

func (a *App) handleUnpair(w http.ResponseWriter, r *http.Request) {
	if !a.registry.IsPaired() {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	a.dropPairing(ctx)
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleDeviceName(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "name required", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	rec, err := a.registry.Rename(ctx, req.Name)
	if err != nil {
		a.logger.Error("rename device", "error", err)
		http.Error(w, "rename failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *App) handleQueueSnapshot(w http.ResponseWriter, r *http.Request) {
	messages := a.queue.Snapshot()
	response := struct {
		Depth    int                   `json:"depth"`
		Messages []model.QueuedMessage `json:"messages"`
	}{Depth: len(messages), Messages: messages}
	writeJSON(w, http.StatusOK, response)
}

func (a *App) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := a.queue.Clear(ctx); err != nil {
		a.logger.Error("clear queue", "error", err)
		http.Error(w, "failed to clear queue", http.StatusInternalServerError)
		return
	}
	metrics.QueueDepth.Set(0)
	w.WriteHeader(http.StatusNoContent)
}

// --- customer action endpoints, driven by the local UI ---

func (a *App) handleConfirmReceipt(w http.ResponseWriter, r *http.Request) {
	a.machine.ConfirmReceipt(r.Context())
	writeJSON(w, http.StatusOK, a.machine.Current())
}

func (a *App) handleTip(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount  int64   `json:"amount"`
		Percent float64 `json:"percent"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Amount < 0 {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	a.machine.SelectTip(r.Context(), req.Amount, req.Percent)
	writeJSON(w, http.StatusOK, a.machine.Current())
}

func (a *App) handleSignature(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Signature == "" {
		http.Error(w, "signature required", http.StatusBadRequest)
		return
	}
	a.machine.CaptureSignature(r.Context(), req.Signature)
	writeJSON(w, http.StatusOK, a.machine.Current())
}

func (a *App) handleReceiptPreference(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Preference string `json:"preference"`
		Email      string `json:"email"`
		Phone      string `json:"phone"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Preference == "" {
		http.Error(w, "preference required", http.StatusBadRequest)
		return
	}
	a.machine.SelectReceiptPreference(r.Context(), req.Preference, req.Email, req.Phone)
	writeJSON(w, http.StatusOK, a.machine.Current())
}

func (a *App) handleHelp(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	a.machine.RequestHelp(r.Context(), req.Reason)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

func (a *App) handleSplitPayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Parts int `json:"parts"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Parts < 2 {
		http.Error(w, "parts must be at least 2", http.StatusBadRequest)
		return
	}
	a.machine.RequestSplitPayment(r.Context(), req.Parts)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "requested"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
