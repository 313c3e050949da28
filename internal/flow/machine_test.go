package flow

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"salonpad/companion-sync/internal/model"
)

type fakePublisher struct {
	mu        sync.Mutex
	offline   bool
	published []publishedEvent
}

type publishedEvent struct {
	topic   string
	payload []byte
}

func (p *fakePublisher) Publish(topic string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.offline {
		return errors.New("not connected")
	}
	p.published = append(p.published, publishedEvent{topic: topic, payload: payload})
	return nil
}

func (p *fakePublisher) topics() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.published))
	for i, e := range p.published {
		out[i] = e.topic
	}
	return out
}

func (p *fakePublisher) countSuffix(suffix string) int {
	n := 0
	for _, topic := range p.topics() {
		if strings.HasSuffix(topic, suffix) {
			n++
		}
	}
	return n
}

type fakeEnqueuer struct {
	mu      sync.Mutex
	entries []queuedEntry
}

type queuedEntry struct {
	topic    string
	payload  json.RawMessage
	priority int
}

func (q *fakeEnqueuer) Enqueue(_ context.Context, topic string, payload json.RawMessage, priority int) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, queuedEntry{topic: topic, payload: payload, priority: priority})
	return "queued-id", nil
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(testWriter{t}, nil))
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func pairedIdentity() Identity {
	return func() (model.PairingRecord, bool) {
		return model.PairingRecord{StationID: "st-1", SalonID: "salon-1", DeviceID: "pad-1"}, true
	}
}

func unpairedIdentity() Identity {
	return func() (model.PairingRecord, bool) { return model.PairingRecord{}, false }
}

func newTestMachine(t *testing.T, identity Identity) (*Machine, *fakePublisher, *fakeEnqueuer) {
	t.Helper()
	publisher := &fakePublisher{}
	queue := &fakeEnqueuer{}
	return New(publisher, queue, identity, testLogger(t)), publisher, queue
}

func transactionPayload(t *testing.T, id string) []byte {
	t.Helper()
	raw, err := json.Marshal(model.TransactionReady{
		TransactionID: id,
		Total:         8500,
		Timestamp:     time.Now().UTC(),
	})
	require.NoError(t, err)
	return raw
}

func paymentPayload(t *testing.T, id string, approved bool) []byte {
	t.Helper()
	raw, err := json.Marshal(model.PaymentResult{
		TransactionID: id,
		Approved:      approved,
		Timestamp:     time.Now().UTC(),
	})
	require.NoError(t, err)
	return raw
}

func TestHappyPath(t *testing.T) {
	m, publisher, queue := newTestMachine(t, pairedIdentity())
	ctx := context.Background()

	require.Equal(t, model.StepWaiting, m.Current().Step)

	m.HandleTransaction(ctx, transactionPayload(t, "txn-1"))
	require.Equal(t, model.StepReceipt, m.Current().Step)
	require.Equal(t, "txn-1", m.Current().TransactionID)

	m.ConfirmReceipt(ctx)
	require.Equal(t, model.StepTip, m.Current().Step)

	m.SelectTip(ctx, 1500, 18)
	require.Equal(t, model.StepSignature, m.Current().Step)

	m.CaptureSignature(ctx, "c3RhcnQgc3Ryb2tlcw==")
	require.Equal(t, model.StepReceiptPreference, m.Current().Step)

	m.SelectReceiptPreference(ctx, "email", "client@example.com", "")
	require.Equal(t, model.StepWaitingPayment, m.Current().Step)

	m.HandlePaymentResult(ctx, paymentPayload(t, "txn-1", true))
	snap := m.Current()
	require.Equal(t, model.StepComplete, snap.Step)
	require.False(t, snap.Active)

	require.Equal(t, 1, publisher.countSuffix("/pad/tip"))
	require.Equal(t, 1, publisher.countSuffix("/pad/signature"))
	require.Equal(t, 1, publisher.countSuffix("/pad/receipt_preference"))
	require.Equal(t, 1, publisher.countSuffix("/pad/complete"))
	require.Empty(t, queue.entries)
}

func TestCustomerActionsNoopWithoutTransaction(t *testing.T) {
	m, publisher, queue := newTestMachine(t, pairedIdentity())
	ctx := context.Background()

	m.SelectTip(ctx, 500, 0)
	m.CaptureSignature(ctx, "sig")
	m.SelectReceiptPreference(ctx, "print", "", "")
	m.RequestSplitPayment(ctx, 2)

	require.Equal(t, model.StepWaiting, m.Current().Step)
	require.Empty(t, publisher.topics())
	require.Empty(t, queue.entries)
}

func TestCustomerActionsNoopWhileUnpaired(t *testing.T) {
	m, publisher, queue := newTestMachine(t, unpairedIdentity())
	ctx := context.Background()

	m.HandleTransaction(ctx, transactionPayload(t, "txn-1"))
	m.SelectTip(ctx, 500, 0)
	m.RequestHelp(ctx, "stuck")

	require.Empty(t, publisher.topics())
	require.Empty(t, queue.entries)
}

func TestOfflineEventsAreQueued(t *testing.T) {
	m, publisher, queue := newTestMachine(t, pairedIdentity())
	ctx := context.Background()

	m.HandleTransaction(ctx, transactionPayload(t, "txn-1"))
	publisher.mu.Lock()
	publisher.offline = true
	publisher.mu.Unlock()

	m.ConfirmReceipt(ctx)
	m.SelectTip(ctx, 1000, 0)
	m.HandlePaymentResult(ctx, paymentPayload(t, "txn-1", true))

	require.Len(t, queue.entries, 2)
	require.Contains(t, queue.entries[0].topic, "/pad/tip")
	require.Equal(t, PriorityCustomerEvent, queue.entries[0].priority)
	require.Contains(t, queue.entries[1].topic, "/pad/complete")
	require.Equal(t, PriorityCompletion, queue.entries[1].priority)
}

func TestPaymentFailure(t *testing.T) {
	m, _, _ := newTestMachine(t, pairedIdentity())
	ctx := context.Background()

	m.HandleTransaction(ctx, transactionPayload(t, "txn-1"))
	m.HandlePaymentResult(ctx, paymentPayload(t, "txn-1", false))

	snap := m.Current()
	require.Equal(t, model.StepFailed, snap.Step)
	require.True(t, snap.Active) // station may retry or cancel
}

func TestPaymentResultForOtherTransactionIgnored(t *testing.T) {
	m, _, _ := newTestMachine(t, pairedIdentity())
	ctx := context.Background()

	m.HandleTransaction(ctx, transactionPayload(t, "txn-1"))
	m.HandlePaymentResult(ctx, paymentPayload(t, "txn-other", true))

	require.Equal(t, model.StepReceipt, m.Current().Step)
}

func TestCancelClearsFlow(t *testing.T) {
	m, _, _ := newTestMachine(t, pairedIdentity())
	ctx := context.Background()

	m.HandleTransaction(ctx, transactionPayload(t, "txn-1"))
	raw, _ := json.Marshal(model.CancelEvent{TransactionID: "txn-1", Timestamp: time.Now()})
	m.HandleCancel(ctx, raw)

	snap := m.Current()
	require.Equal(t, model.StepCancelled, snap.Step)
	require.False(t, snap.Active)
}

func TestStaffOverrides(t *testing.T) {
	ctx := context.Background()
	override, _ := json.Marshal(model.StaffOverride{TransactionID: "txn-1", Timestamp: time.Now()})

	t.Run("skip tip", func(t *testing.T) {
		m, _, _ := newTestMachine(t, pairedIdentity())
		m.HandleTransaction(ctx, transactionPayload(t, "txn-1"))
		m.HandleSkipTip(ctx, override)
		require.Equal(t, model.StepSignature, m.Current().Step)
	})

	t.Run("skip signature", func(t *testing.T) {
		m, _, _ := newTestMachine(t, pairedIdentity())
		m.HandleTransaction(ctx, transactionPayload(t, "txn-1"))
		m.HandleSkipSignature(ctx, override)
		require.Equal(t, model.StepReceiptPreference, m.Current().Step)
	})

	t.Run("force complete", func(t *testing.T) {
		m, _, _ := newTestMachine(t, pairedIdentity())
		m.HandleTransaction(ctx, transactionPayload(t, "txn-1"))
		m.HandleForceComplete(ctx, override)
		snap := m.Current()
		require.Equal(t, model.StepComplete, snap.Step)
		require.False(t, snap.Active)
	})

	t.Run("ignored without transaction", func(t *testing.T) {
		m, _, _ := newTestMachine(t, pairedIdentity())
		m.HandleSkipTip(ctx, override)
		require.Equal(t, model.StepWaiting, m.Current().Step)
	})
}

func TestScreenSyncDeduplicated(t *testing.T) {
	m, publisher, _ := newTestMachine(t, pairedIdentity())
	ctx := context.Background()

	m.HandleTransaction(ctx, transactionPayload(t, "txn-1"))
	require.Equal(t, 1, publisher.countSuffix("/pad/screen"))

	// repeated push of the same transaction keeps the same screen
	m.HandleTransaction(ctx, transactionPayload(t, "txn-1"))
	require.Equal(t, 1, publisher.countSuffix("/pad/screen"))

	m.ConfirmReceipt(ctx)
	require.Equal(t, 2, publisher.countSuffix("/pad/screen"))
}

func TestSubscribeObservesStepChanges(t *testing.T) {
	m, _, _ := newTestMachine(t, pairedIdentity())
	ctx := context.Background()

	var mu sync.Mutex
	var steps []model.FlowStep
	unsubscribe := m.Subscribe(func(s Snapshot) {
		mu.Lock()
		steps = append(steps, s.Step)
		mu.Unlock()
	})

	m.HandleTransaction(ctx, transactionPayload(t, "txn-1"))
	m.ConfirmReceipt(ctx)
	unsubscribe()
	m.SelectTip(ctx, 100, 0)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []model.FlowStep{model.StepReceipt, model.StepTip}, steps)
}

func TestUnsubscribeReleasesListenerSlot(t *testing.T) {
	m, _, _ := newTestMachine(t, pairedIdentity())

	for i := 0; i < 100; i++ {
		unsubscribe := m.Subscribe(func(Snapshot) {})
		unsubscribe()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	require.Empty(t, m.listeners)
}

func TestHelpRequestWithoutTransaction(t *testing.T) {
	m, publisher, _ := newTestMachine(t, pairedIdentity())
	ctx := context.Background()

	m.RequestHelp(ctx, "price question")
	require.Equal(t, 1, publisher.countSuffix("/pad/help"))

	var help model.HelpRequested
	publisher.mu.Lock()
	require.NoError(t, json.Unmarshal(publisher.published[0].payload, &help))
	publisher.mu.Unlock()
	require.Empty(t, help.TransactionID)
	require.Equal(t, "price question", help.Reason)
}

func TestSplitPaymentRequiresTransaction(t *testing.T) {
	m, publisher, _ := newTestMachine(t, pairedIdentity())
	ctx := context.Background()

	m.HandleTransaction(ctx, transactionPayload(t, "txn-1"))
	m.RequestSplitPayment(ctx, 2)
	require.Equal(t, 1, publisher.countSuffix("/pad/split_payment"))

	var split model.SplitPaymentRequested
	for _, e := range func() []publishedEvent {
		publisher.mu.Lock()
		defer publisher.mu.Unlock()
		return append([]publishedEvent(nil), publisher.published...)
	}() {
		if strings.HasSuffix(e.topic, "/pad/split_payment") {
			require.NoError(t, json.Unmarshal(e.payload, &split))
		}
	}
	require.Equal(t, "txn-1", split.TransactionID)
	require.Equal(t, 2, split.Parts)
}
