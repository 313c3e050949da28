package pairing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"salonpad/companion-sync/internal/directory"
	"salonpad/companion-sync/internal/store"
)

type fakeDirectory struct {
	mu       sync.Mutex
	stations map[string]directory.Device // keyed by pairing code
	upserts  []directory.Device
	down     bool
}

func (d *fakeDirectory) FindByPairingCode(_ context.Context, code, role string) (directory.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.down {
		return directory.Device{}, errors.New("connection refused")
	}
	dev, ok := d.stations[code]
	if !ok || dev.Role != role {
		return directory.Device{}, directory.ErrNotFound
	}
	return dev, nil
}

func (d *fakeDirectory) UpsertDevice(_ context.Context, dev directory.Device) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.down {
		return errors.New("connection refused")
	}
	d.upserts = append(d.upserts, dev)
	return nil
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

func stationDirectory() *fakeDirectory {
	return &fakeDirectory{stations: map[string]directory.Device{
		"A7X92K": {ID: "st-1", SalonID: "salon-1", Role: directory.RoleStation, Name: "Front Desk"},
	}}
}

func TestNormalizeCode(t *testing.T) {
	require.Equal(t, "A7X92K", NormalizeCode("A7X-92K"))
	require.Equal(t, "A7X92K", NormalizeCode(" a7x 92k "))
	require.Equal(t, "", NormalizeCode("---"))
}

func TestVerifyPairingCode(t *testing.T) {
	kv := store.NewMemory()
	dir := stationDirectory()
	ctx := context.Background()

	r, err := New(ctx, kv, dir, "Front Pad", testLogger(t))
	require.NoError(t, err)
	require.False(t, r.IsPaired())

	record, err := r.VerifyPairingCode(ctx, "A7X-92K", "")
	require.NoError(t, err)
	require.Equal(t, "st-1", record.StationID)
	require.Equal(t, "salon-1", record.SalonID)
	require.Equal(t, "Front Desk", record.StationName)
	require.Equal(t, "Front Pad", record.DeviceName)
	require.True(t, r.IsPaired())

	// remote mirror registered with pad role, keyed by salon+fingerprint
	require.Len(t, dir.upserts, 1)
	require.Equal(t, directory.RolePad, dir.upserts[0].Role)
	require.Equal(t, "salon-1", dir.upserts[0].SalonID)
	require.Equal(t, r.DeviceID(), dir.upserts[0].Fingerprint)
	require.Equal(t, "st-1", dir.upserts[0].PairedTo)

	// record persisted locally
	persisted, ok, err := store.LoadPairingRecord(ctx, kv)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, record, persisted)
}

func TestVerifyRejectsUnknownCode(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()

	r, err := New(ctx, kv, stationDirectory(), "Pad", testLogger(t))
	require.NoError(t, err)

	_, err = r.VerifyPairingCode(ctx, "ZZZ-999", "")
	require.ErrorIs(t, err, ErrInvalidCode)
	require.False(t, r.IsPaired())
}

func TestVerifyRejectsWrongRole(t *testing.T) {
	kv := store.NewMemory()
	dir := &fakeDirectory{stations: map[string]directory.Device{
		"A7X92K": {ID: "pad-x", SalonID: "salon-1", Role: directory.RolePad},
	}}
	ctx := context.Background()

	r, err := New(ctx, kv, dir, "Pad", testLogger(t))
	require.NoError(t, err)

	_, err = r.VerifyPairingCode(ctx, "A7X92K", "")
	require.ErrorIs(t, err, ErrInvalidCode)
}

func TestVerifySurfacesDirectoryOutage(t *testing.T) {
	kv := store.NewMemory()
	dir := stationDirectory()
	dir.down = true
	ctx := context.Background()

	r, err := New(ctx, kv, dir, "Pad", testLogger(t))
	require.NoError(t, err)

	_, err = r.VerifyPairingCode(ctx, "A7X-92K", "")
	require.ErrorIs(t, err, ErrDirectoryUnavailable)
	require.False(t, r.IsPaired())
}

func TestDemoPairingWithoutDirectory(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()

	r, err := New(ctx, kv, nil, "Pad", testLogger(t))
	require.NoError(t, err)

	record, err := r.VerifyPairingCode(ctx, "ANY-CODE", "")
	require.NoError(t, err)
	require.Equal(t, "demo-station", record.StationID)
	require.Equal(t, "demo-salon", record.SalonID)
	require.True(t, r.IsPaired())
}

func TestUnpairWithUnreachableDirectoryClearsLocalState(t *testing.T) {
	kv := store.NewMemory()
	dir := stationDirectory()
	ctx := context.Background()

	r, err := New(ctx, kv, dir, "Pad", testLogger(t))
	require.NoError(t, err)
	_, err = r.VerifyPairingCode(ctx, "A7X92K", "")
	require.NoError(t, err)

	dir.mu.Lock()
	dir.down = true
	dir.mu.Unlock()

	require.NoError(t, r.Unpair(ctx))
	require.False(t, r.IsPaired())

	_, ok, err := store.LoadPairingRecord(ctx, kv)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDeviceIDStableAcrossRestart(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()

	r1, err := New(ctx, kv, nil, "Pad", testLogger(t))
	require.NoError(t, err)
	r2, err := New(ctx, kv, nil, "Pad", testLogger(t))
	require.NoError(t, err)

	require.NotEmpty(t, r1.DeviceID())
	require.Equal(t, r1.DeviceID(), r2.DeviceID())
}

func TestPairingRestoredAcrossRestart(t *testing.T) {
	kv := store.NewMemory()
	ctx := context.Background()

	r1, err := New(ctx, kv, stationDirectory(), "Pad", testLogger(t))
	require.NoError(t, err)
	_, err = r1.VerifyPairingCode(ctx, "A7X92K", "")
	require.NoError(t, err)

	r2, err := New(ctx, kv, stationDirectory(), "Pad", testLogger(t))
	require.NoError(t, err)
	require.True(t, r2.IsPaired())

	rec, ok := r2.Pairing()
	require.True(t, ok)
	require.Equal(t, "st-1", rec.StationID)
}

func TestRename(t *testing.T) {
	kv := store.NewMemory()
	dir := stationDirectory()
	ctx := context.Background()

	r, err := New(ctx, kv, dir, "Pad", testLogger(t))
	require.NoError(t, err)
	_, err = r.VerifyPairingCode(ctx, "A7X92K", "")
	require.NoError(t, err)

	record, err := r.Rename(ctx, "Window Pad")
	require.NoError(t, err)
	require.Equal(t, "Window Pad", record.DeviceName)

	persisted, ok, err := store.LoadPairingRecord(ctx, kv)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Window Pad", persisted.DeviceName)
}
