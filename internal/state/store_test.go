package state

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/marekh/upshub/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func TestStateStore_LoadMissingFile(t *testing.T) {
	store := NewStateStore(filepath.Join(t.TempDir(), "state"), testLogger())

	rec, err := store.Load()

	require.NoError(t, err)
	assert.Equal(t, models.StateNone, rec.State)
	assert.False(t, rec.Simulated)
	assert.Nil(t, rec.Schedule)
}

func TestStateStore_SaveLoadRoundTrip(t *testing.T) {
	store := NewStateStore(filepath.Join(t.TempDir(), "state"), testLogger())

	ts := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	end := time.Date(2025, 6, 1, 14, 0, 0, 0, time.UTC)
	rec := models.StateRecord{
		State:       models.StatePowerFail,
		Timestamp:   ts,
		Simulated:   true,
		Interrupted: true,
		Schedule: &models.InterruptedSchedule{
			Section:       "SCHEDULE_2",
			Name:          "maintenance window",
			EndTime:       end,
			InterruptedAt: ts,
		},
	}
	require.NoError(t, store.Save(rec))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, models.StatePowerFail, loaded.State)
	assert.True(t, loaded.Timestamp.Equal(ts))
	assert.True(t, loaded.Simulated)
	assert.True(t, loaded.Interrupted)
	require.NotNil(t, loaded.Schedule)
	assert.Equal(t, "SCHEDULE_2", loaded.Schedule.Section)
	assert.Equal(t, "maintenance window", loaded.Schedule.Name)
	assert.True(t, loaded.Schedule.EndTime.Equal(end))
}

func TestStateStore_SaveWithoutSchedule(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	store := NewStateStore(path, testLogger())

	rec := models.StateRecord{State: models.StatePowerRestored, Timestamp: time.Now()}
	require.NoError(t, store.Save(rec))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "INTERRUPTED_SCHEDULE=null")

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, models.StatePowerRestored, loaded.State)
	assert.Nil(t, loaded.Schedule)
}

func TestStateStore_LoadTolerantOfGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	content := "STATE=POWER_FAIL\nTIMESTAMP=garbage\nno equals here\nINTERRUPTED_SCHEDULE={broken json\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	store := NewStateStore(path, testLogger())
	rec, err := store.Load()

	require.NoError(t, err)
	assert.Equal(t, models.StatePowerFail, rec.State)
	assert.True(t, rec.Timestamp.IsZero())
	assert.Nil(t, rec.Schedule)
}

func TestStateStore_Clear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state")
	store := NewStateStore(path, testLogger())
	require.NoError(t, store.Save(models.StateRecord{State: models.StatePowerFail, Timestamp: time.Now()}))

	require.NoError(t, store.Clear())

	rec, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, models.StateNone, rec.State)
}

func TestDebounceStore_MarkAndLastSent(t *testing.T) {
	store := NewDebounceStore(filepath.Join(t.TempDir(), "notify.state"))

	assert.True(t, store.LastSent(models.CategoryAppError).IsZero())

	ts := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, store.MarkSent(models.CategoryAppError, ts))

	assert.True(t, store.LastSent(models.CategoryAppError).Equal(ts))
	// Other categories are unaffected
	assert.True(t, store.LastSent(models.CategoryPowerFail).IsZero())
}

func TestDebounceStore_PreservesOtherCategories(t *testing.T) {
	store := NewDebounceStore(filepath.Join(t.TempDir(), "notify.state"))

	first := time.Unix(1000, 0)
	second := time.Unix(2000, 0)
	require.NoError(t, store.MarkSent(models.CategoryAppError, first))
	require.NoError(t, store.MarkSent(models.CategoryPowerFail, second))
	require.NoError(t, store.MarkSent(models.CategoryAppError, second))

	assert.True(t, store.LastSent(models.CategoryAppError).Equal(second))
	assert.True(t, store.LastSent(models.CategoryPowerFail).Equal(second))
}

func TestFlagStore_SetSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags")
	store := NewFlagStore(path)

	store.Set("SHUTDOWN_NOTIFIED_192_168_1_50", true)
	store.Set("STALE_NOTIFIED_192_168_1_50", false)
	require.NoError(t, store.Save())

	fresh := NewFlagStore(path)
	require.NoError(t, fresh.Load())
	assert.True(t, fresh.Get("SHUTDOWN_NOTIFIED_192_168_1_50"))
	assert.False(t, fresh.Get("STALE_NOTIFIED_192_168_1_50"))
	assert.False(t, fresh.Get("NEVER_SET"))
}

func TestFlagStore_DeleteRemovesFlag(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags")
	store := NewFlagStore(path)

	store.Set("STALE_NOTIFIED_192_168_1_50", true)
	store.Delete("STALE_NOTIFIED_192_168_1_50")
	require.NoError(t, store.Save())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "STALE_NOTIFIED")
}

func TestFlagStore_Reset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flags")
	store := NewFlagStore(path)
	store.Set("SHUTDOWN_NOTIFIED_192_168_1_50", true)
	require.NoError(t, store.Save())

	require.NoError(t, store.Reset())

	assert.False(t, store.Get("SHUTDOWN_NOTIFIED_192_168_1_50"))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestFlagStore_LoadMissingFile(t *testing.T) {
	store := NewFlagStore(filepath.Join(t.TempDir(), "flags"))
	require.NoError(t, store.Load())
	assert.False(t, store.Get("ANYTHING"))
}
