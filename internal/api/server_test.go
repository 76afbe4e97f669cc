package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/marekh/upshub/internal/config"
	"github.com/marekh/upshub/internal/models"
	"github.com/marekh/upshub/internal/state"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "test-token"

type mockClients struct {
	statuses map[string]models.ClientStatus
	reports  []models.StatusReport
}

func (m *mockClients) Record(ip, status string) error {
	if m.statuses == nil {
		m.statuses = map[string]models.ClientStatus{}
	}
	m.statuses[ip] = models.ClientStatus{Status: status}
	return nil
}

func (m *mockClients) RecordReport(report models.StatusReport) error {
	m.reports = append(m.reports, report)
	return m.Record(report.IP, report.Status)
}

func (m *mockClients) Load() (map[string]models.ClientStatus, error) {
	if m.statuses == nil {
		return map[string]models.ClientStatus{}, nil
	}
	return m.statuses, nil
}

func (m *mockClients) CheckAll(context.Context, models.Config, *state.FlagStore) error {
	return nil
}

type mockWaker struct {
	woken   []string
	wakeErr error
}

func (m *mockWaker) WakeAll(context.Context, models.Config) ([]string, error) {
	return nil, nil
}

func (m *mockWaker) WakeHost(_ context.Context, host models.WakeHost, _ string) error {
	if m.wakeErr != nil {
		return m.wakeErr
	}
	m.woken = append(m.woken, host.Name)
	return nil
}

type mockProbe struct {
	reachable map[string]bool
}

func (m *mockProbe) Ping(_ context.Context, host string) bool {
	return m.reachable[host]
}

const apiTestConfig = `SENTINEL_HOSTS="192.168.1.1"
DEFAULT_BROADCAST_IP="192.168.1.255"
UPS_NAME="myups"

[WAKE_HOST_1]
NAME="nas"
IP="192.168.1.50"
MAC="AA:BB:CC:DD:EE:FF"
AUTO_WOL="true"
SHUTDOWN_DELAY_MINUTES="3"

[WAKE_HOST_2]
NAME="desktop"
IP="192.168.1.60"
MAC="11:22:33:44:55:66"
`

type apiFixture struct {
	router  *gin.Engine
	clients *mockClients
	waker   *mockWaker
	store   *config.Store
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfgPath := filepath.Join(t.TempDir(), "power_manager.conf")
	require.NoError(t, os.WriteFile(cfgPath, []byte(apiTestConfig), 0o644))

	logger := zerolog.New(io.Discard)
	store := config.NewStore(cfgPath, logger)
	clientsSvc := &mockClients{}
	waker := &mockWaker{}
	probe := &mockProbe{reachable: map[string]bool{"192.168.1.1": true, "192.168.1.50": true}}

	settings := models.Settings{
		APIToken: testToken,
		ServerIP: "192.168.1.10",
	}
	server := New(settings, store, clientsSvc, waker, probe, logger)

	return &apiFixture{
		router:  server.Router(),
		clients: clientsSvc,
		waker:   waker,
		store:   store,
	}
}

func (f *apiFixture) request(t *testing.T, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if authed {
		req.Header.Set("Authorization", "Bearer "+testToken)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestHealth_NoAuthRequired(t *testing.T) {
	f := newAPIFixture(t)

	w := f.request(t, http.MethodGet, "/health", "", false)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuth_MissingTokenRejected(t *testing.T) {
	f := newAPIFixture(t)

	w := f.request(t, http.MethodGet, "/config?ip=192.168.1.50", "", false)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAuth_WrongTokenRejected(t *testing.T) {
	f := newAPIFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/config?ip=192.168.1.50", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestClientConfig_KnownHost(t *testing.T) {
	f := newAPIFixture(t)

	w := f.request(t, http.MethodGet, "/config?ip=192.168.1.50", "", true)

	require.Equal(t, http.StatusOK, w.Code)
	var cfg models.ClientConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.Equal(t, 3, cfg.ShutdownDelayMinutes)
	assert.Equal(t, "myups@192.168.1.10", cfg.UPSName)
}

func TestClientConfig_DefaultDelay(t *testing.T) {
	f := newAPIFixture(t)

	// WAKE_HOST_2 has no explicit shutdown delay
	w := f.request(t, http.MethodGet, "/config?ip=192.168.1.60", "", true)

	require.Equal(t, http.StatusOK, w.Code)
	var cfg models.ClientConfig
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &cfg))
	assert.Equal(t, models.DefaultShutdownDelayMinutes, cfg.ShutdownDelayMinutes)
}

func TestClientConfig_UnknownHost(t *testing.T) {
	f := newAPIFixture(t)

	w := f.request(t, http.MethodGet, "/config?ip=10.9.9.9", "", true)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReportStatus(t *testing.T) {
	f := newAPIFixture(t)

	body := `{"ip":"192.168.1.50","status":"shutdown_pending","remaining_seconds":120}`
	w := f.request(t, http.MethodPost, "/status", body, true)

	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, f.clients.reports, 1)
	assert.Equal(t, "192.168.1.50", f.clients.reports[0].IP)
	assert.Equal(t, models.ClientShutdownPending, f.clients.reports[0].Status)
	require.NotNil(t, f.clients.reports[0].RemainingSeconds)
	assert.Equal(t, 120, *f.clients.reports[0].RemainingSeconds)
}

func TestReportStatus_MissingFieldsRejected(t *testing.T) {
	f := newAPIFixture(t)

	w := f.request(t, http.MethodPost, "/status", `{"ip":"192.168.1.50"}`, true)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, f.clients.reports)
}

func TestClientStatuses(t *testing.T) {
	f := newAPIFixture(t)
	require.NoError(t, f.clients.Record("192.168.1.50", models.ClientWOLSent))

	w := f.request(t, http.MethodGet, "/client_statuses", "", true)

	require.Equal(t, http.StatusOK, w.Code)
	var statuses map[string]models.ClientStatus
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &statuses))
	assert.Equal(t, models.ClientWOLSent, statuses["192.168.1.50"].Status)
}

func TestHostStatus(t *testing.T) {
	f := newAPIFixture(t)

	w := f.request(t, http.MethodGet, "/status", "", true)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		SentinelStatus map[string]bool `json:"sentinel_status"`
		WakeHostStatus map[string]bool `json:"wake_host_status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.SentinelStatus["192.168.1.1"])
	assert.True(t, resp.WakeHostStatus["WAKE_HOST_1"])
	assert.False(t, resp.WakeHostStatus["WAKE_HOST_2"])
}

func TestWakeHost_Manual(t *testing.T) {
	f := newAPIFixture(t)

	w := f.request(t, http.MethodPost, "/wol/WAKE_HOST_1", "", true)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"nas"}, f.waker.woken)
}

func TestWakeHost_UnknownSection(t *testing.T) {
	f := newAPIFixture(t)

	w := f.request(t, http.MethodPost, "/wol/WAKE_HOST_9", "", true)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWakeHost_SendFailure(t *testing.T) {
	f := newAPIFixture(t)
	f.waker.wakeErr = errors.New("no route to host")

	w := f.request(t, http.MethodPost, "/wol/WAKE_HOST_1", "", true)

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestHosts_Add(t *testing.T) {
	f := newAPIFixture(t)

	body := `{"name":"printer","ip":"192.168.1.70","mac":"DE:AD:BE:EF:00:01","shutdown_delay":2}`
	w := f.request(t, http.MethodPost, "/hosts", body, true)

	require.Equal(t, http.StatusCreated, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "WAKE_HOST_3", resp["section"])

	cfg, err := f.store.Load()
	require.NoError(t, err)
	host := cfg.WakeHosts["WAKE_HOST_3"]
	assert.Equal(t, "printer", host.Name)
	assert.True(t, host.AutoWOL)
	require.NotNil(t, host.ShutdownDelayMinutes)
	assert.Equal(t, 2, *host.ShutdownDelayMinutes)
}

func TestHosts_AddInvalidMAC(t *testing.T) {
	f := newAPIFixture(t)

	body := `{"name":"printer","ip":"192.168.1.70","mac":"garbage"}`
	w := f.request(t, http.MethodPost, "/hosts", body, true)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestHosts_Edit(t *testing.T) {
	f := newAPIFixture(t)

	body := `{"name":"nas-renamed","ip":"192.168.1.50","mac":"AA:BB:CC:DD:EE:FF","auto_wol":false}`
	w := f.request(t, http.MethodPut, "/hosts/WAKE_HOST_1", body, true)

	require.Equal(t, http.StatusOK, w.Code)
	cfg, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, "nas-renamed", cfg.WakeHosts["WAKE_HOST_1"].Name)
	assert.False(t, cfg.WakeHosts["WAKE_HOST_1"].AutoWOL)
}

func TestHosts_EditUnknown(t *testing.T) {
	f := newAPIFixture(t)

	body := `{"name":"x","ip":"192.168.1.70","mac":"DE:AD:BE:EF:00:01"}`
	w := f.request(t, http.MethodPut, "/hosts/WAKE_HOST_9", body, true)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHosts_Delete(t *testing.T) {
	f := newAPIFixture(t)

	w := f.request(t, http.MethodDelete, "/hosts/WAKE_HOST_2", "", true)

	require.Equal(t, http.StatusOK, w.Code)
	cfg, err := f.store.Load()
	require.NoError(t, err)
	assert.NotContains(t, cfg.WakeHosts, "WAKE_HOST_2")
	assert.Contains(t, cfg.WakeHosts, "WAKE_HOST_1")
}

func TestSchedules_AddOneTime(t *testing.T) {
	f := newAPIFixture(t)

	body := `{"name":"drill","type":"one-time","time":"02:00","action":"start","enabled":true,"date":"2025-07-01"}`
	w := f.request(t, http.MethodPost, "/schedules", body, true)

	require.Equal(t, http.StatusCreated, w.Code)
	cfg, err := f.store.Load()
	require.NoError(t, err)
	sch := cfg.Schedules["SCHEDULE_1"]
	assert.Equal(t, "drill", sch.Name)
	assert.Equal(t, models.ScheduleOneTime, sch.Type)
	assert.Equal(t, "2025-07-01", sch.Date)
	assert.True(t, sch.Enabled)
}

func TestSchedules_AddInvalidType(t *testing.T) {
	f := newAPIFixture(t)

	body := `{"name":"drill","type":"monthly","time":"02:00","action":"start"}`
	w := f.request(t, http.MethodPost, "/schedules", body, true)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSchedules_EditAndDelete(t *testing.T) {
	f := newAPIFixture(t)

	body := `{"name":"drill","type":"recurring","time":"02:00","action":"start","enabled":true,"day_of_week":"sunday"}`
	w := f.request(t, http.MethodPost, "/schedules", body, true)
	require.Equal(t, http.StatusCreated, w.Code)

	body = `{"name":"drill","type":"recurring","time":"03:00","action":"start","enabled":false,"day_of_week":"sunday"}`
	w = f.request(t, http.MethodPut, "/schedules/SCHEDULE_1", body, true)
	require.Equal(t, http.StatusOK, w.Code)

	cfg, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, "03:00", cfg.Schedules["SCHEDULE_1"].Time)
	assert.False(t, cfg.Schedules["SCHEDULE_1"].Enabled)

	w = f.request(t, http.MethodDelete, "/schedules/SCHEDULE_1", "", true)
	require.Equal(t, http.StatusOK, w.Code)

	cfg, err = f.store.Load()
	require.NoError(t, err)
	assert.Empty(t, cfg.Schedules)
}

func TestSettings_Get(t *testing.T) {
	f := newAPIFixture(t)

	w := f.request(t, http.MethodGet, "/settings", "", true)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "192.168.1.255", body["default_broadcast_ip"])
	assert.Equal(t, "myups", body["ups_name"])
	assert.Equal(t, false, body["simulation_mode"])
	// Credentials never leave the server
	assert.NotContains(t, w.Body.String(), "password")
}

func TestSettings_ToggleSimulationMode(t *testing.T) {
	f := newAPIFixture(t)

	w := f.request(t, http.MethodPut, "/settings", `{"simulation_mode":true}`, true)
	require.Equal(t, http.StatusOK, w.Code)

	cfg, err := f.store.Load()
	require.NoError(t, err)
	assert.True(t, cfg.Global.SimulationMode)

	w = f.request(t, http.MethodPut, "/settings", `{"simulation_mode":false}`, true)
	require.Equal(t, http.StatusOK, w.Code)

	cfg, err = f.store.Load()
	require.NoError(t, err)
	assert.False(t, cfg.Global.SimulationMode)
}

func TestSettings_PartialUpdatePreservesOtherKeys(t *testing.T) {
	f := newAPIFixture(t)

	body := `{"wol_delay_minutes":10,"notifications":{"power_fail":false}}`
	w := f.request(t, http.MethodPut, "/settings", body, true)
	require.Equal(t, http.StatusOK, w.Code)

	cfg, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Global.WOLDelayMinutes)
	assert.False(t, cfg.Global.NotifyEnabled["POWER_FAIL"])

	// Untouched keys and sections survive the in-place rewrite
	assert.Equal(t, "192.168.1.255", cfg.Global.DefaultBroadcastIP)
	assert.Equal(t, []string{"192.168.1.1"}, cfg.Global.SentinelHosts)
	assert.Len(t, cfg.WakeHosts, 2)
	assert.Equal(t, "nas", cfg.WakeHosts["WAKE_HOST_1"].Name)
}

func TestSettings_InvalidBroadcastRejected(t *testing.T) {
	f := newAPIFixture(t)

	w := f.request(t, http.MethodPut, "/settings", `{"default_broadcast_ip":"not-an-ip"}`, true)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	cfg, err := f.store.Load()
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.255", cfg.Global.DefaultBroadcastIP)
}

func TestSettings_InvalidTLSModeRejected(t *testing.T) {
	f := newAPIFixture(t)

	w := f.request(t, http.MethodPut, "/settings", `{"smtp_use_tls":"maybe"}`, true)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}
