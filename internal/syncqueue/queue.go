// Package syncqueue implements the durable offline outbox: protocol messages
// that could not be confirmed sent are held in priority order, persisted
// after every mutation, and replayed with a bounded per-message retry budget
// once connectivity returns. The queue also tracks how long the device has
// been offline and raises a one-shot alert past a threshold.
package syncqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"salonpad/companion-sync/internal/model"
	"salonpad/companion-sync/internal/store"
)

// DefaultMaxAttempts is the per-message delivery budget before the message
// is dropped and counted as failed.
const DefaultMaxAttempts = 3

// DefaultOfflineAlertThreshold is how long the device may be offline before
// the staff-facing alert fires.
const DefaultOfflineAlertThreshold = 30 * time.Second

// ReplayHandler attempts delivery of one queued message. Returning true
// confirms delivery; false or an error counts against the retry budget.
type ReplayHandler func(topic string, payload json.RawMessage) (bool, error)

// ReplayResult reports the outcome of one replay pass.
type ReplayResult struct {
	Success int
	Failed  int
}

// Queue is the offline outbox. All methods are safe for concurrent use.
type Queue struct {
	logger *slog.Logger
	kv     store.KV

	mu          sync.Mutex
	messages    []model.QueuedMessage
	maxAttempts int
	replay      ReplayHandler

	offlineSince   time.Time
	alertThreshold time.Duration
	alertFired     bool
	alertCallback  func(offlineFor time.Duration)
	alertTimer     *time.Timer

	now func() time.Time
}

// Option tunes queue construction.
type Option func(*Queue)

// WithMaxAttempts overrides the per-message delivery budget.
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithOfflineAlertThreshold overrides the offline alert threshold.
func WithOfflineAlertThreshold(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.alertThreshold = d
		}
	}
}

// New constructs a queue, restoring any entries persisted by a previous
// process.
func New(ctx context.Context, kv store.KV, logger *slog.Logger, opts ...Option) (*Queue, error) {
	q := &Queue{
		logger:         logger,
		kv:             kv,
		maxAttempts:    DefaultMaxAttempts,
		alertThreshold: DefaultOfflineAlertThreshold,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}

	restored, err := store.LoadQueue(ctx, kv)
	if err != nil {
		return nil, fmt.Errorf("restore offline queue: %w", err)
	}
	q.messages = restored
	q.sortLocked()

	if len(restored) > 0 {
		logger.Info("restored offline queue", "messages", len(restored))
	}
	return q, nil
}

// Enqueue inserts a message, persists the queue, and returns the message ID.
// Higher priority replays first; equal priorities keep insertion order.
func (q *Queue) Enqueue(ctx context.Context, topic string, payload json.RawMessage, priority int) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg := model.QueuedMessage{
		ID:         uuid.NewString(),
		Topic:      topic,
		Payload:    append(json.RawMessage(nil), payload...),
		Priority:   priority,
		EnqueuedAt: q.now().UTC(),
	}
	q.messages = append(q.messages, msg)
	q.sortLocked()

	if err := q.persistLocked(ctx); err != nil {
		// keep memory and the durable store in step: an entry the caller
		// was told failed must never replay later
		q.removeLocked(msg.ID)
		return "", err
	}

	q.logger.Debug("message queued", "id", msg.ID, "topic", topic, "priority", priority, "depth", len(q.messages))
	return msg.ID, nil
}

// Snapshot returns a defensive copy of the queue in replay order.
func (q *Queue) Snapshot() []model.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]model.QueuedMessage, len(q.messages))
	for i, msg := range q.messages {
		out[i] = msg
		out[i].Payload = append(json.RawMessage(nil), msg.Payload...)
	}
	return out
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// Remove deletes a message by ID. Removing an absent ID is a no-op.
func (q *Queue) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.removeLocked(id) {
		return nil
	}
	return q.persistLocked(ctx)
}

// Clear empties the queue and the durable store.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.messages = nil
	return q.kv.Remove(ctx, store.KeyOfflineQueue)
}

// SetReplayHandler installs the delivery strategy. Replay does nothing until
// a handler is set.
func (q *Queue) SetReplayHandler(fn ReplayHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.replay = fn
}

// Replay attempts delivery of every currently queued message in priority
// order, one at a time. Messages enqueued while a pass runs are picked up on
// the next pass. A message whose attempts reach the budget is dropped and
// counted as failed.
func (q *Queue) Replay(ctx context.Context) (ReplayResult, error) {
	q.mu.Lock()
	handler := q.replay
	pending := make([]string, len(q.messages))
	for i, msg := range q.messages {
		pending[i] = msg.ID
	}
	q.mu.Unlock()

	var result ReplayResult
	if handler == nil || len(pending) == 0 {
		return result, nil
	}

	for _, id := range pending {
		msg, ok := q.beginAttempt(ctx, id)
		if !ok {
			continue // removed since the pass started
		}

		delivered, err := invokeHandler(handler, msg.Topic, msg.Payload)
		if err != nil {
			q.logger.Warn("replay handler error", "id", msg.ID, "topic", msg.Topic, "error", err)
		}

		switch {
		case delivered:
			result.Success++
			if err := q.Remove(ctx, msg.ID); err != nil {
				return result, err
			}
			q.logger.Debug("replayed message", "id", msg.ID, "topic", msg.Topic, "attempt", msg.AttemptCount)
		case msg.AttemptCount >= q.maxAttempts:
			result.Failed++
			if err := q.Remove(ctx, msg.ID); err != nil {
				return result, err
			}
			q.logger.Warn("message dropped after retry budget", "id", msg.ID, "topic", msg.Topic, "attempts", msg.AttemptCount)
		}
	}

	return result, nil
}

// beginAttempt increments the attempt counter and persists the mutation,
// returning the updated message.
func (q *Queue) beginAttempt(ctx context.Context, id string) (model.QueuedMessage, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.messages {
		if q.messages[i].ID != id {
			continue
		}
		q.messages[i].AttemptCount++
		if err := q.persistLocked(ctx); err != nil {
			q.logger.Error("persist attempt count", "id", id, "error", err)
		}
		msg := q.messages[i]
		msg.Payload = append(json.RawMessage(nil), msg.Payload...)
		return msg, true
	}
	return model.QueuedMessage{}, false
}

// invokeHandler shields the replay loop from panicking handlers; a panic is
// treated the same as a false result.
func invokeHandler(fn ReplayHandler, topic string, payload json.RawMessage) (delivered bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			delivered = false
			err = fmt.Errorf("replay handler panic: %v", r)
		}
	}()
	return fn(topic, payload)
}

// StartOfflineTracking begins measuring the offline episode. A second call
// while already tracking has no effect on the original start time.
func (q *Queue) StartOfflineTracking() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.offlineSince.IsZero() {
		return
	}
	q.offlineSince = q.now()
	q.alertFired = false

	if q.alertCallback != nil {
		q.armAlertTimerLocked()
	}
}

// StopOfflineTracking ends the offline episode and re-arms the alert for the
// next one.
func (q *Queue) StopOfflineTracking() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.offlineSince = time.Time{}
	q.alertFired = false
	if q.alertTimer != nil {
		q.alertTimer.Stop()
		q.alertTimer = nil
	}
}

// OfflineDuration returns how long the device has been offline, or zero when
// not tracking.
func (q *Queue) OfflineDuration() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.offlineSince.IsZero() {
		return 0
	}
	return q.now().Sub(q.offlineSince)
}

// OfflineAlertThresholdReached reports whether the current offline episode
// has exceeded the alert threshold.
func (q *Queue) OfflineAlertThresholdReached() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.offlineSince.IsZero() {
		return false
	}
	return q.now().Sub(q.offlineSince) > q.alertThreshold
}

// SetOfflineAlertCallback installs the staff-facing alert, invoked exactly
// once per offline episode when the threshold is first crossed.
func (q *Queue) SetOfflineAlertCallback(fn func(offlineFor time.Duration)) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.alertCallback = fn
	if fn != nil && !q.offlineSince.IsZero() && !q.alertFired {
		q.armAlertTimerLocked()
	}
}

func (q *Queue) armAlertTimerLocked() {
	if q.alertTimer != nil {
		q.alertTimer.Stop()
	}

	remaining := q.alertThreshold - q.now().Sub(q.offlineSince)
	if remaining < 0 {
		remaining = 0
	}

	q.alertTimer = time.AfterFunc(remaining, func() {
		q.mu.Lock()
		fn := q.alertCallback
		fire := fn != nil && !q.offlineSince.IsZero() && !q.alertFired
		var offlineFor time.Duration
		if fire {
			q.alertFired = true
			offlineFor = q.now().Sub(q.offlineSince)
		}
		q.mu.Unlock()

		if fire {
			fn(offlineFor)
		}
	})
}

func (q *Queue) removeLocked(id string) bool {
	for i := range q.messages {
		if q.messages[i].ID == id {
			q.messages = append(q.messages[:i], q.messages[i+1:]...)
			return true
		}
	}
	return false
}

// sortLocked orders by descending priority; the stable sort keeps insertion
// order for equal priorities.
func (q *Queue) sortLocked() {
	sort.SliceStable(q.messages, func(i, j int) bool {
		return q.messages[i].Priority > q.messages[j].Priority
	})
}

func (q *Queue) persistLocked(ctx context.Context) error {
	if err := store.SaveQueue(ctx, q.kv, q.messages); err != nil {
		return fmt.Errorf("persist offline queue: %w", err)
	}
	return nil
}
