// Package flow maps inbound protocol events from the staff station to the
// customer-facing transaction steps, and publishes the customer's choices
// back. Exactly one transaction's flow step is active at a time.
package flow

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"salonpad/companion-sync/internal/model"
	"salonpad/companion-sync/internal/topics"
)

// Outbound event priorities in the offline queue. Payment completion jumps
// ahead of other customer chatter.
const (
	PriorityCustomerEvent = 1
	PriorityCompletion    = 2
)

// Publisher is the direct outbound path.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Enqueuer is the offline fallback for transaction-scoped events, where
// loss is unacceptable.
type Enqueuer interface {
	Enqueue(ctx context.Context, topic string, payload json.RawMessage, priority int) (string, error)
}

// Identity supplies the current pairing. Outbound publishes are silent
// no-ops while unpaired.
type Identity func() (model.PairingRecord, bool)

// Snapshot is the observable flow state.
type Snapshot struct {
	Step          model.FlowStep
	Screen        string
	TransactionID string
	Active        bool
}

// Machine is the transaction flow state machine.
type Machine struct {
	logger    *slog.Logger
	publisher Publisher
	queue     Enqueuer
	identity  Identity

	mu           sync.Mutex
	step         model.FlowStep
	txn          model.TransactionReady
	active       bool
	lastScreen   string
	listeners    map[int]func(Snapshot)
	nextListener int

	now func() time.Time
}

// New constructs a machine in the waiting step.
func New(publisher Publisher, queue Enqueuer, identity Identity, logger *slog.Logger) *Machine {
	return &Machine{
		logger:    logger,
		publisher: publisher,
		queue:     queue,
		identity:  identity,
		step:      model.StepWaiting,
		listeners: make(map[int]func(Snapshot)),
		now:       time.Now,
	}
}

// Current returns the observable flow state.
func (m *Machine) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// Screen returns the screen currently shown, for the heartbeat payload.
func (m *Machine) Screen() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.step.Screen()
}

// Subscribe registers a listener for flow state changes and returns a
// function that removes it.
func (m *Machine) Subscribe(fn func(Snapshot)) func() {
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

// --- inbound events (station -> pad) ---

// HandleTransaction starts a new customer flow from a pushed checkout.
func (m *Machine) HandleTransaction(ctx context.Context, payload []byte) {
	var txn model.TransactionReady
	if err := json.Unmarshal(payload, &txn); err != nil {
		m.logger.Warn("transaction decode failed", "error", err)
		return
	}
	if txn.TransactionID == "" {
		m.logger.Warn("transaction event missing id")
		return
	}

	m.mu.Lock()
	m.txn = txn
	m.active = true
	m.step = model.StepReceipt
	m.mu.Unlock()

	m.logger.Info("transaction pushed to pad", "transaction", txn.TransactionID, "total", txn.Total)
	m.broadcast()
}

// HandlePaymentResult finishes or fails the active flow.
func (m *Machine) HandlePaymentResult(ctx context.Context, payload []byte) {
	var result model.PaymentResult
	if err := json.Unmarshal(payload, &result); err != nil {
		m.logger.Warn("payment result decode failed", "error", err)
		return
	}

	m.mu.Lock()
	if !m.active || m.txn.TransactionID != result.TransactionID {
		m.mu.Unlock()
		m.logger.Debug("payment result for inactive transaction", "transaction", result.TransactionID)
		return
	}
	txnID := m.txn.TransactionID
	if result.Approved {
		m.step = model.StepComplete
		m.active = false
	} else {
		m.step = model.StepFailed
	}
	m.mu.Unlock()

	if result.Approved {
		m.publishOrQueue(ctx, topics.EventComplete, model.TransactionComplete{
			TransactionID: txnID,
			Timestamp:     m.now().UTC(),
		}, PriorityCompletion)
	} else {
		m.logger.Warn("payment failed", "transaction", txnID, "reason", result.FailureReason)
	}
	m.broadcast()
}

// HandleCancel aborts the active flow on the station's request.
func (m *Machine) HandleCancel(ctx context.Context, payload []byte) {
	var cancel model.CancelEvent
	if err := json.Unmarshal(payload, &cancel); err != nil {
		m.logger.Warn("cancel decode failed", "error", err)
		return
	}

	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	m.step = model.StepCancelled
	m.active = false
	m.mu.Unlock()

	m.logger.Info("transaction cancelled by station", "transaction", cancel.TransactionID)
	m.broadcast()
}

// HandleSkipTip jumps past the tip step on a staff override.
func (m *Machine) HandleSkipTip(ctx context.Context, payload []byte) {
	m.handleOverride(ctx, payload, "skip tip", func() bool {
		if m.step != model.StepReceipt && m.step != model.StepTip {
			return false
		}
		m.step = model.StepSignature
		return true
	})
}

// HandleSkipSignature jumps past the signature step on a staff override.
func (m *Machine) HandleSkipSignature(ctx context.Context, payload []byte) {
	m.handleOverride(ctx, payload, "skip signature", func() bool {
		if m.step != model.StepReceipt && m.step != model.StepTip && m.step != model.StepSignature {
			return false
		}
		m.step = model.StepReceiptPreference
		return true
	})
}

// HandleForceComplete ends the flow on a staff override.
func (m *Machine) HandleForceComplete(ctx context.Context, payload []byte) {
	m.handleOverride(ctx, payload, "force complete", func() bool {
		m.step = model.StepComplete
		m.active = false
		return true
	})
}

func (m *Machine) handleOverride(ctx context.Context, payload []byte, name string, apply func() bool) {
	var override model.StaffOverride
	if err := json.Unmarshal(payload, &override); err != nil {
		m.logger.Warn("override decode failed", "event", name, "error", err)
		return
	}

	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	applied := apply()
	m.mu.Unlock()

	if applied {
		m.logger.Info("staff override applied", "event", name, "transaction", override.TransactionID)
		m.broadcast()
	}
}

// --- customer actions (pad -> station) ---

// ConfirmReceipt advances from the receipt view to tip selection.
func (m *Machine) ConfirmReceipt(ctx context.Context) {
	m.mu.Lock()
	if !m.active || m.step != model.StepReceipt {
		m.mu.Unlock()
		return
	}
	m.step = model.StepTip
	m.mu.Unlock()

	m.broadcast()
}

// SelectTip records the customer's tip and advances to signature.
func (m *Machine) SelectTip(ctx context.Context, amount int64, percent float64) {
	txnID, ok := m.advance([]model.FlowStep{model.StepReceipt, model.StepTip}, model.StepSignature)
	if !ok {
		return
	}

	m.publishOrQueue(ctx, topics.EventTip, model.TipSelected{
		TransactionID: txnID,
		TipAmount:     amount,
		TipPercent:    percent,
		Timestamp:     m.now().UTC(),
	}, PriorityCustomerEvent)
	m.broadcast()
}

// CaptureSignature records the customer's signature and advances to the
// receipt preference step.
func (m *Machine) CaptureSignature(ctx context.Context, signature string) {
	txnID, ok := m.advance([]model.FlowStep{model.StepSignature}, model.StepReceiptPreference)
	if !ok {
		return
	}

	m.publishOrQueue(ctx, topics.EventSignature, model.SignatureCaptured{
		TransactionID: txnID,
		Signature:     signature,
		Timestamp:     m.now().UTC(),
	}, PriorityCustomerEvent)
	m.broadcast()
}

// SelectReceiptPreference records the delivery choice and moves the flow to
// waiting for payment.
func (m *Machine) SelectReceiptPreference(ctx context.Context, preference, email, phone string) {
	txnID, ok := m.advance([]model.FlowStep{model.StepReceiptPreference}, model.StepWaitingPayment)
	if !ok {
		return
	}

	m.publishOrQueue(ctx, topics.EventReceiptPreference, model.ReceiptPreference{
		TransactionID: txnID,
		Preference:    preference,
		Email:         email,
		Phone:         phone,
		Timestamp:     m.now().UTC(),
	}, PriorityCustomerEvent)
	m.broadcast()
}

// RequestHelp calls for staff attention. Valid whenever the device is
// paired; a transaction id is attached when one is active.
func (m *Machine) RequestHelp(ctx context.Context, reason string) {
	if _, paired := m.identity(); !paired {
		return
	}

	m.mu.Lock()
	txnID := ""
	if m.active {
		txnID = m.txn.TransactionID
	}
	m.mu.Unlock()

	m.publishOrQueue(ctx, topics.EventHelp, model.HelpRequested{
		TransactionID: txnID,
		Reason:        reason,
		Timestamp:     m.now().UTC(),
	}, PriorityCustomerEvent)
}

// RequestSplitPayment asks the station to split the active charge.
func (m *Machine) RequestSplitPayment(ctx context.Context, parts int) {
	m.mu.Lock()
	if !m.active {
		m.mu.Unlock()
		return
	}
	txnID := m.txn.TransactionID
	m.mu.Unlock()

	if _, paired := m.identity(); !paired {
		return
	}

	m.publishOrQueue(ctx, topics.EventSplitPayment, model.SplitPaymentRequested{
		TransactionID: txnID,
		Parts:         parts,
		Timestamp:     m.now().UTC(),
	}, PriorityCustomerEvent)
}

// Reset clears the flow, used when the device is unpaired.
func (m *Machine) Reset() {
	m.mu.Lock()
	m.step = model.StepWaiting
	m.active = false
	m.txn = model.TransactionReady{}
	m.mu.Unlock()

	m.broadcast()
}

// advance moves the flow to next if an active transaction sits in one of
// the from steps. Without one this is a silent no-op: customer actions are
// fire-and-forget UI side effects, not errors.
func (m *Machine) advance(from []model.FlowStep, next model.FlowStep) (string, bool) {
	if _, paired := m.identity(); !paired {
		return "", false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		return "", false
	}
	valid := false
	for _, s := range from {
		if m.step == s {
			valid = true
			break
		}
	}
	if !valid {
		return "", false
	}
	m.step = next
	return m.txn.TransactionID, true
}

// publishOrQueue tries the direct path first and falls back to the offline
// outbox, so customer-entered data survives drop-outs.
func (m *Machine) publishOrQueue(ctx context.Context, event string, v any, priority int) {
	pairing, ok := m.identity()
	if !ok {
		return
	}

	payload, err := json.Marshal(v)
	if err != nil {
		m.logger.Error("encode outbound event", "event", event, "error", err)
		return
	}

	topic := topics.PadEvent(pairing.SalonID, pairing.StationID, event)
	if err := m.publisher.Publish(topic, payload); err == nil {
		return
	}

	id, err := m.queue.Enqueue(ctx, topic, payload, priority)
	if err != nil {
		m.logger.Error("enqueue outbound event", "event", event, "error", err)
		return
	}
	m.logger.Info("event queued for replay", "event", event, "id", id)
}

// broadcast publishes the pad's visible screen for the station operator
// view and notifies local listeners. Unchanged screens produce no publish.
func (m *Machine) broadcast() {
	pairing, paired := m.identity()

	m.mu.Lock()
	snap := m.snapshotLocked()
	changed := snap.Screen != m.lastScreen
	if changed {
		m.lastScreen = snap.Screen
	}
	fns := make([]func(Snapshot), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	if !changed {
		return
	}

	if paired {
		payload, err := json.Marshal(model.ScreenSync{
			Screen:        snap.Screen,
			TransactionID: snap.TransactionID,
			Timestamp:     m.now().UTC(),
		})
		if err == nil {
			// best effort: a missed screen sync is corrected by the next one
			if err := m.publisher.Publish(topics.PadEvent(pairing.SalonID, pairing.StationID, topics.EventScreen), payload); err != nil {
				m.logger.Debug("screen sync dropped", "screen", snap.Screen, "error", err)
			}
		}
	}

	for _, fn := range fns {
		fn(snap)
	}
}

func (m *Machine) snapshotLocked() Snapshot {
	snap := Snapshot{
		Step:   m.step,
		Screen: m.step.Screen(),
		Active: m.active,
	}
	if m.active || m.txn.TransactionID != "" {
		snap.TransactionID = m.txn.TransactionID
	}
	return snap
}
