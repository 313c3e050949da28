// Package pairing verifies a human-entered pairing code against the remote
// device directory, registers this device against the paired station, and
// owns the locally persisted pairing record.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"salonpad/companion-sync/internal/directory"
	"salonpad/companion-sync/internal/model"
	"salonpad/companion-sync/internal/store"
)

var (
	// ErrInvalidCode means the pairing code resolved to no station entry.
	// Surfaced to the user; retrying with the same code will not help.
	ErrInvalidCode = errors.New("pairing: invalid code")
	// ErrDirectoryUnavailable means the remote directory could not be
	// reached. The user may retry manually.
	ErrDirectoryUnavailable = errors.New("pairing: directory unreachable")
)

// Registry owns this device's pairing state. All mutation of the local
// PairingRecord goes through it.
type Registry struct {
	logger     *slog.Logger
	kv         store.KV
	dir        directory.Client // nil when no backend is configured
	deviceName string

	mu       sync.Mutex
	record   model.PairingRecord
	paired   bool
	deviceID string

	now func() time.Time
}

// New constructs a registry, restoring the device identity and any persisted
// pairing record. A nil directory client selects local-only demo pairing.
func New(ctx context.Context, kv store.KV, dir directory.Client, deviceName string, logger *slog.Logger) (*Registry, error) {
	r := &Registry{
		logger:     logger,
		kv:         kv,
		dir:        dir,
		deviceName: deviceName,
		now:        time.Now,
	}

	id, ok, err := kv.Get(ctx, store.KeyDeviceID)
	if err != nil {
		return nil, fmt.Errorf("load device id: %w", err)
	}
	if !ok {
		id = uuid.NewString()
		if err := kv.Set(ctx, store.KeyDeviceID, id); err != nil {
			return nil, fmt.Errorf("persist device id: %w", err)
		}
		logger.Info("generated device identity", "device_id", id)
	}
	r.deviceID = id

	rec, ok, err := store.LoadPairingRecord(ctx, kv)
	if err != nil {
		return nil, err
	}
	if ok && rec.Valid() {
		r.record = rec
		r.paired = true
		logger.Info("restored pairing", "station", rec.StationID, "salon", rec.SalonID)
	}

	return r, nil
}

// DeviceID returns the stable local device fingerprint.
func (r *Registry) DeviceID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deviceID
}

// IsPaired reports whether a complete pairing record exists. A record
// missing either identifier counts as unpaired.
func (r *Registry) IsPaired() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paired && r.record.Valid()
}

// Pairing returns the current pairing record, if any.
func (r *Registry) Pairing() (model.PairingRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paired || !r.record.Valid() {
		return model.PairingRecord{}, false
	}
	return r.record, true
}

// NormalizeCode strips separators and uppercases a human-entered pairing
// code, e.g. "a7x-92k" -> "A7X92K".
func NormalizeCode(code string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(code) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// VerifyPairingCode resolves the code against the directory, registers this
// device, and persists the pairing record locally. With no directory
// configured it falls back to a local-only demo pairing.
func (r *Registry) VerifyPairingCode(ctx context.Context, code, displayName string) (model.PairingRecord, error) {
	normalized := NormalizeCode(code)
	if normalized == "" {
		return model.PairingRecord{}, ErrInvalidCode
	}

	if displayName == "" {
		displayName = r.deviceName
	}

	if r.dir == nil {
		return r.demoPairing(ctx, displayName)
	}

	station, err := r.dir.FindByPairingCode(ctx, normalized, directory.RoleStation)
	if errors.Is(err, directory.ErrNotFound) {
		return model.PairingRecord{}, ErrInvalidCode
	}
	if err != nil {
		return model.PairingRecord{}, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}

	// mirror this device into the directory; upsert keyed by
	// salon+fingerprint makes re-pairing idempotent
	pad := directory.Device{
		ID:          r.DeviceID(),
		SalonID:     station.SalonID,
		Role:        directory.RolePad,
		Name:        displayName,
		PairedTo:    station.ID,
		Fingerprint: r.DeviceID(),
	}
	if err := r.dir.UpsertDevice(ctx, pad); err != nil {
		return model.PairingRecord{}, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}

	record := model.PairingRecord{
		StationID:   station.ID,
		SalonID:     station.SalonID,
		StationName: station.Name,
		DeviceID:    r.DeviceID(),
		DeviceName:  displayName,
		PairedAt:    r.now().UTC(),
	}
	if err := r.save(ctx, record); err != nil {
		return model.PairingRecord{}, err
	}

	r.logger.Info("paired with station", "station", station.ID, "salon", station.SalonID)
	return record, nil
}

// demoPairing fabricates a local-only record so the rest of the system can
// be exercised without a backend.
func (r *Registry) demoPairing(ctx context.Context, displayName string) (model.PairingRecord, error) {
	record := model.PairingRecord{
		StationID:   "demo-station",
		SalonID:     "demo-salon",
		StationName: "Demo Station",
		DeviceID:    r.DeviceID(),
		DeviceName:  displayName,
		PairedAt:    r.now().UTC(),
	}
	if err := r.save(ctx, record); err != nil {
		return model.PairingRecord{}, err
	}

	r.logger.Warn("no directory configured, using demo pairing")
	return record, nil
}

// Rename updates this device's display name locally and mirrors it to the
// directory best-effort.
func (r *Registry) Rename(ctx context.Context, name string) (model.PairingRecord, error) {
	r.mu.Lock()
	if !r.paired {
		r.mu.Unlock()
		return model.PairingRecord{}, fmt.Errorf("pairing: not paired")
	}
	record := r.record
	record.DeviceName = name
	r.mu.Unlock()

	if err := r.save(ctx, record); err != nil {
		return model.PairingRecord{}, err
	}

	if r.dir != nil {
		pad := directory.Device{
			ID:          record.DeviceID,
			SalonID:     record.SalonID,
			Role:        directory.RolePad,
			Name:        name,
			PairedTo:    record.StationID,
			Fingerprint: record.DeviceID,
		}
		if err := r.dir.UpsertDevice(ctx, pad); err != nil {
			r.logger.Warn("directory rename failed", "error", err)
		}
	}

	return record, nil
}

// Unpair clears local pairing state. The remote directory update is
// best-effort: an unreachable directory never blocks unpairing.
func (r *Registry) Unpair(ctx context.Context) error {
	r.mu.Lock()
	record := r.record
	paired := r.paired
	r.record = model.PairingRecord{}
	r.paired = false
	r.mu.Unlock()

	if paired && r.dir != nil {
		pad := directory.Device{
			ID:          record.DeviceID,
			SalonID:     record.SalonID,
			Role:        directory.RolePad,
			Name:        record.DeviceName,
			Fingerprint: record.DeviceID,
		}
		if err := r.dir.UpsertDevice(ctx, pad); err != nil {
			r.logger.Warn("directory unpair update failed", "error", err)
		}
	}

	if err := r.kv.Remove(ctx, store.KeyPairingRecord); err != nil {
		return fmt.Errorf("clear pairing record: %w", err)
	}

	r.logger.Info("device unpaired")
	return nil
}

func (r *Registry) save(ctx context.Context, record model.PairingRecord) error {
	if err := store.SavePairingRecord(ctx, r.kv, record); err != nil {
		return err
	}
	r.mu.Lock()
	r.record = record
	r.paired = true
	r.mu.Unlock()
	return nil
}
