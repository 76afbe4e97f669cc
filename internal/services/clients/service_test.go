package clients

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marekh/upshub/internal/models"
	"github.com/marekh/upshub/internal/state"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockNotifier struct {
	sent []models.Category
}

func (m *mockNotifier) Send(_ context.Context, _ models.GlobalSettings, category models.Category, _, _ string) error {
	m.sent = append(m.sent, category)
	return nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testTracker(t *testing.T, notifier *mockNotifier, now func() time.Time) *Impl {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client_status.json")
	return NewWithClock(path, notifier, testLogger(), now)
}

func testConfig(delayMinutes int) models.Config {
	return models.Config{
		Global: models.GlobalSettings{
			ClientStaleMinutes: 5,
			NotifyEnabled:      map[string]bool{},
		},
		WakeHosts: map[string]models.WakeHost{
			"WAKE_HOST_1": {
				Section:              "WAKE_HOST_1",
				Name:                 "nas",
				IP:                   "192.168.1.50",
				MAC:                  "AA:BB:CC:DD:EE:FF",
				AutoWOL:              true,
				ShutdownDelayMinutes: &delayMinutes,
			},
		},
	}
}

func TestRecord_UpsertPreservesOtherEntries(t *testing.T) {
	svc := testTracker(t, &mockNotifier{}, time.Now)

	require.NoError(t, svc.Record("192.168.1.50", models.ClientWOLSent))
	require.NoError(t, svc.Record("192.168.1.60", models.ClientWOLFailed))
	require.NoError(t, svc.Record("192.168.1.50", models.ClientShutdownPending))

	statuses, err := svc.Load()
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, models.ClientShutdownPending, statuses["192.168.1.50"].Status)
	assert.Equal(t, models.ClientWOLFailed, statuses["192.168.1.60"].Status)
}

func TestRecordReport_CarriesOptionalFields(t *testing.T) {
	svc := testTracker(t, &mockNotifier{}, time.Now)

	remaining := 120
	delay := 3
	require.NoError(t, svc.RecordReport(models.StatusReport{
		IP:               "192.168.1.50",
		Status:           models.ClientShutdownPending,
		RemainingSeconds: &remaining,
		ShutdownDelay:    &delay,
	}))

	statuses, err := svc.Load()
	require.NoError(t, err)
	entry := statuses["192.168.1.50"]
	require.NotNil(t, entry.RemainingSeconds)
	assert.Equal(t, 120, *entry.RemainingSeconds)
	require.NotNil(t, entry.ShutdownDelay)
	assert.Equal(t, 3, *entry.ShutdownDelay)
}

func TestLoad_MissingFile(t *testing.T) {
	svc := testTracker(t, &mockNotifier{}, time.Now)

	statuses, err := svc.Load()

	require.NoError(t, err)
	assert.Empty(t, statuses)
}

func TestLoad_CorruptFileTreatedAsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "client_status.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	svc := New(path, &mockNotifier{}, testLogger())

	statuses, err := svc.Load()

	require.NoError(t, err)
	assert.Empty(t, statuses)
}

func TestCheckAll_ShutdownNotifiedOnce(t *testing.T) {
	notifier := &mockNotifier{}
	svc := testTracker(t, notifier, time.Now)
	flags := state.NewFlagStore(filepath.Join(t.TempDir(), "flags"))

	require.NoError(t, svc.Record("192.168.1.50", models.ClientShutdownPending))

	cfg := testConfig(3)
	require.NoError(t, svc.CheckAll(context.Background(), cfg, flags))
	require.NoError(t, svc.CheckAll(context.Background(), cfg, flags))

	// The flag gates repeats within one outage episode
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, models.CategoryClientShutdown, notifier.sent[0])
	assert.True(t, flags.Get("SHUTDOWN_NOTIFIED_192_168_1_50"))
}

func TestCheckAll_StaleNotificationAndRecovery(t *testing.T) {
	notifier := &mockNotifier{}
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	svc := testTracker(t, notifier, func() time.Time { return now })
	flags := state.NewFlagStore(filepath.Join(t.TempDir(), "flags"))
	cfg := testConfig(3)

	require.NoError(t, svc.Record("192.168.1.50", "online"))

	// Fresh report: nothing to notify
	require.NoError(t, svc.CheckAll(context.Background(), cfg, flags))
	assert.Empty(t, notifier.sent)

	// Past the stale timeout: one notification, flag set
	now = now.Add(6 * time.Minute)
	require.NoError(t, svc.CheckAll(context.Background(), cfg, flags))
	require.NoError(t, svc.CheckAll(context.Background(), cfg, flags))
	require.Len(t, notifier.sent, 1)
	assert.Equal(t, models.CategoryClientStale, notifier.sent[0])
	assert.True(t, flags.Get("STALE_NOTIFIED_192_168_1_50"))

	// A fresh report clears the flag so a later staleness re-notifies
	require.NoError(t, svc.Record("192.168.1.50", "online"))
	require.NoError(t, svc.CheckAll(context.Background(), cfg, flags))
	assert.False(t, flags.Get("STALE_NOTIFIED_192_168_1_50"))

	now = now.Add(6 * time.Minute)
	require.NoError(t, svc.CheckAll(context.Background(), cfg, flags))
	assert.Len(t, notifier.sent, 2)
}

func TestCheckAll_IgnoresNonUPSClients(t *testing.T) {
	notifier := &mockNotifier{}
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	svc := testTracker(t, notifier, func() time.Time { return now })
	flags := state.NewFlagStore(filepath.Join(t.TempDir(), "flags"))

	cfg := testConfig(3)
	cfg.WakeHosts["WAKE_HOST_2"] = models.WakeHost{
		Section: "WAKE_HOST_2",
		Name:    "desktop",
		IP:      "192.168.1.60",
		MAC:     "11:22:33:44:55:66",
		AutoWOL: true,
	}
	require.NoError(t, svc.Record("192.168.1.60", models.ClientShutdownPending))

	require.NoError(t, svc.CheckAll(context.Background(), cfg, flags))

	// Hosts without a shutdown delay are not monitored
	assert.Empty(t, notifier.sent)
}

func TestCheckAll_EmptyStatusFileIsNoop(t *testing.T) {
	notifier := &mockNotifier{}
	svc := testTracker(t, notifier, time.Now)
	flags := state.NewFlagStore(filepath.Join(t.TempDir(), "flags"))

	require.NoError(t, svc.CheckAll(context.Background(), testConfig(3), flags))

	assert.Empty(t, notifier.sent)
}
