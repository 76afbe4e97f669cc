// Package clients tracks the last-known status of UPS client machines.
package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/marekh/upshub/internal/models"
	"github.com/marekh/upshub/internal/services/notify"
	"github.com/marekh/upshub/internal/state"
	"github.com/rs/zerolog"
)

// Service defines the interface for the client status tracker.
type Service interface {
	Record(ip, status string) error
	RecordReport(report models.StatusReport) error
	Load() (map[string]models.ClientStatus, error)
	CheckAll(ctx context.Context, cfg models.Config, flags *state.FlagStore) error
}

// Impl implements the client status tracker over a JSON file store.
type Impl struct {
	path      string
	lock      *flock.Flock
	notifySvc notify.Service
	logger    zerolog.Logger
	now       func() time.Time
}

// New creates a client status tracker backed by the JSON file at path.
func New(path string, notifySvc notify.Service, logger zerolog.Logger) *Impl {
	return &Impl{
		path:      path,
		lock:      flock.New(path + ".lock"),
		notifySvc: notifySvc,
		logger:    logger,
		now:       time.Now,
	}
}

// NewWithClock creates a tracker with a custom clock (for testing).
func NewWithClock(path string, notifySvc notify.Service, logger zerolog.Logger, now func() time.Time) *Impl {
	svc := New(path, notifySvc, logger)
	svc.now = now
	return svc
}

// Load reads the full status map. Missing or corrupt files yield an empty
// map, never an error for the caller to handle.
func (s *Impl) Load() (map[string]models.ClientStatus, error) {
	statuses := map[string]models.ClientStatus{}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return statuses, nil
		}
		return statuses, fmt.Errorf("reading client status file: %w", err)
	}
	if err := json.Unmarshal(data, &statuses); err != nil {
		s.logger.Warn().Err(err).Msg("client status file corrupt, treating as empty")
		return map[string]models.ClientStatus{}, nil
	}
	return statuses, nil
}

// Record upserts one entry with the current UTC timestamp, preserving all
// other entries.
func (s *Impl) Record(ip, status string) error {
	return s.upsert(ip, models.ClientStatus{Status: status, Timestamp: s.now().UTC()})
}

// RecordReport upserts one entry from an inbound client status report.
func (s *Impl) RecordReport(report models.StatusReport) error {
	return s.upsert(report.IP, models.ClientStatus{
		Status:           report.Status,
		Timestamp:        s.now().UTC(),
		RemainingSeconds: report.RemainingSeconds,
		ShutdownDelay:    report.ShutdownDelay,
	})
}

func (s *Impl) upsert(ip string, entry models.ClientStatus) error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("locking client status store: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	statuses, err := s.Load()
	if err != nil {
		return err
	}
	statuses[ip] = entry

	data, err := json.MarshalIndent(statuses, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding client statuses: %w", err)
	}
	if err := writeFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("writing client status file: %w", err)
	}
	return nil
}

// CheckAll examines every monitored UPS client (wake hosts with a shutdown
// delay) and sends flag-gated shutdown and staleness notifications. A fresh
// report from a previously stale client clears its stale flag so a later
// staleness is re-notified.
func (s *Impl) CheckAll(ctx context.Context, cfg models.Config, flags *state.FlagStore) error {
	statuses, err := s.Load()
	if err != nil {
		return err
	}
	if len(statuses) == 0 {
		return nil
	}

	staleAfter := time.Duration(cfg.Global.ClientStaleMinutes) * time.Minute
	now := s.now().UTC()

	for _, section := range sortedSections(cfg.WakeHosts) {
		host := cfg.WakeHosts[section]
		if !host.IsUPSClient() || host.IP == "" {
			continue
		}
		entry, ok := statuses[host.IP]
		if !ok {
			continue
		}

		shutdownFlag := "SHUTDOWN_NOTIFIED_" + flagKey(host.IP)
		if entry.Status == models.ClientShutdownPending && !flags.Get(shutdownFlag) {
			_ = s.notifySvc.Send(ctx, cfg.Global, models.CategoryClientShutdown,
				"[UPS] ALERT: Client Shutdown",
				fmt.Sprintf("Client '%s' (%s) is shutting down.", host.Name, host.IP))
			flags.Set(shutdownFlag, true)
		}

		staleFlag := "STALE_NOTIFIED_" + flagKey(host.IP)
		if entry.Timestamp.IsZero() {
			continue
		}
		if now.Sub(entry.Timestamp) > staleAfter {
			if !flags.Get(staleFlag) {
				_ = s.notifySvc.Send(ctx, cfg.Global, models.CategoryClientStale,
					"[UPS] WARNING: Client Stale",
					fmt.Sprintf("Client '%s' (%s) has not reported in for over %d minutes.",
						host.Name, host.IP, cfg.Global.ClientStaleMinutes))
				flags.Set(staleFlag, true)
			}
		} else if flags.Get(staleFlag) {
			flags.Delete(staleFlag)
		}
	}

	return nil
}

func flagKey(ip string) string {
	return strings.ReplaceAll(ip, ".", "_")
}

func sortedSections(hosts map[string]models.WakeHost) []string {
	sections := make([]string, 0, len(hosts))
	for section := range hosts {
		sections = append(sections, section)
	}
	sort.Strings(sections)
	return sections
}

// writeFileAtomic writes via temp file + rename so concurrent readers never
// observe a partial JSON document.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
