// Package state persists the engine's power state record, the notification
// debounce timestamps and the per-client notification flags. Every load path
// tolerates missing or partially written files by falling back to defaults.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/marekh/upshub/internal/models"
	"github.com/rs/zerolog"
)

// StateStore persists the engine's StateRecord as newline-delimited
// KEY=VALUE pairs.
type StateStore struct {
	path   string
	lock   *flock.Flock
	logger zerolog.Logger
}

// NewStateStore creates a state store backed by the file at path.
func NewStateStore(path string, logger zerolog.Logger) *StateStore {
	return &StateStore{path: path, lock: flock.New(path + ".lock"), logger: logger}
}

// Load reads the persisted state record. A missing file yields a fresh
// record in StateNone; malformed lines are logged and skipped.
func (s *StateStore) Load() (models.StateRecord, error) {
	rec := models.StateRecord{}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return rec, nil
		}
		return rec, fmt.Errorf("reading state file: %w", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			s.logger.Warn().Str("line", line).Msg("skipping malformed state line")
			continue
		}
		switch key {
		case "STATE":
			rec.State = models.PowerState(value)
		case "TIMESTAMP":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				s.logger.Warn().Str("value", value).Msg("skipping malformed state timestamp")
				continue
			}
			rec.Timestamp = time.Unix(ts, 0)
		case "SIMULATION":
			rec.Simulated = value == "true"
		case "SIM_INTERRUPTED":
			rec.Interrupted = value == "true"
		case "INTERRUPTED_SCHEDULE":
			if value == "null" || value == "" {
				continue
			}
			var sch models.InterruptedSchedule
			if err := json.Unmarshal([]byte(value), &sch); err != nil {
				s.logger.Warn().Err(err).Msg("skipping malformed interrupted schedule")
				continue
			}
			rec.Schedule = &sch
		}
	}

	return rec, nil
}

// Save writes the state record atomically under the store lock.
func (s *StateStore) Save(rec models.StateRecord) error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("locking state store: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	sched := "null"
	if rec.Schedule != nil {
		data, err := json.Marshal(rec.Schedule)
		if err != nil {
			return fmt.Errorf("encoding interrupted schedule: %w", err)
		}
		sched = string(data)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "STATE=%s\n", rec.State)
	fmt.Fprintf(&b, "TIMESTAMP=%d\n", rec.Timestamp.Unix())
	fmt.Fprintf(&b, "SIMULATION=%t\n", rec.Simulated)
	fmt.Fprintf(&b, "SIM_INTERRUPTED=%t\n", rec.Interrupted)
	fmt.Fprintf(&b, "INTERRUPTED_SCHEDULE=%s\n", sched)

	if err := writeFileAtomic(s.path, []byte(b.String())); err != nil {
		return fmt.Errorf("writing state file: %w", err)
	}
	return nil
}

// Clear truncates the state file, returning the engine to its initial state.
func (s *StateStore) Clear() error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("locking state store: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	if err := os.WriteFile(s.path, nil, 0o644); err != nil {
		return fmt.Errorf("clearing state file: %w", err)
	}
	return nil
}

// DebounceStore maps a notification category to the unix timestamp of its
// last send attempt, as <CATEGORY>_LAST_SENT=<unix> lines.
type DebounceStore struct {
	path string
	lock *flock.Flock
}

// NewDebounceStore creates a debounce store backed by the file at path.
func NewDebounceStore(path string) *DebounceStore {
	return &DebounceStore{path: path, lock: flock.New(path + ".lock")}
}

// LastSent returns the last send timestamp for the category, or zero time.
func (d *DebounceStore) LastSent(category models.Category) time.Time {
	data, err := os.ReadFile(d.path)
	if err != nil {
		return time.Time{}
	}
	prefix := string(category) + "_LAST_SENT="
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, prefix) {
			continue
		}
		ts, err := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, prefix)), 10, 64)
		if err != nil {
			return time.Time{}
		}
		return time.Unix(ts, 0)
	}
	return time.Time{}
}

// MarkSent records now as the category's last send attempt, preserving the
// entries of other categories.
func (d *DebounceStore) MarkSent(category models.Category, now time.Time) error {
	if err := d.lock.Lock(); err != nil {
		return fmt.Errorf("locking debounce store: %w", err)
	}
	defer func() { _ = d.lock.Unlock() }()

	prefix := string(category) + "_LAST_SENT="
	var out []string
	if data, err := os.ReadFile(d.path); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if line != "" && !strings.HasPrefix(line, prefix) {
				out = append(out, line)
			}
		}
	}
	out = append(out, fmt.Sprintf("%s%d", prefix, now.Unix()))

	if err := writeFileAtomic(d.path, []byte(strings.Join(out, "\n")+"\n")); err != nil {
		return fmt.Errorf("writing debounce file: %w", err)
	}
	return nil
}

// FlagStore holds per-client notification flags as NAME=true|false lines.
// It is loaded once per cycle, mutated in memory and saved at the end.
type FlagStore struct {
	path  string
	lock  *flock.Flock
	flags map[string]bool
}

// NewFlagStore creates a flag store backed by the file at path.
func NewFlagStore(path string) *FlagStore {
	return &FlagStore{path: path, lock: flock.New(path + ".lock"), flags: map[string]bool{}}
}

// Load reads all flags from disk, replacing the in-memory set.
func (f *FlagStore) Load() error {
	f.flags = map[string]bool{}
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading flag file: %w", err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok || key == "" {
			continue
		}
		f.flags[key] = value == "true"
	}
	return nil
}

// Get reports whether the named flag is set.
func (f *FlagStore) Get(name string) bool {
	return f.flags[name]
}

// Set sets the named flag in memory.
func (f *FlagStore) Set(name string, value bool) {
	f.flags[name] = value
}

// Delete removes the named flag from memory.
func (f *FlagStore) Delete(name string) {
	delete(f.flags, name)
}

// Reset drops all flags, in memory and on disk. Called on every fresh
// power-fail transition so one outage episode notifies at most once per
// client and event.
func (f *FlagStore) Reset() error {
	f.flags = map[string]bool{}
	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("locking flag store: %w", err)
	}
	defer func() { _ = f.lock.Unlock() }()

	if err := os.WriteFile(f.path, nil, 0o644); err != nil {
		return fmt.Errorf("clearing flag file: %w", err)
	}
	return nil
}

// Save persists the in-memory flags.
func (f *FlagStore) Save() error {
	if err := f.lock.Lock(); err != nil {
		return fmt.Errorf("locking flag store: %w", err)
	}
	defer func() { _ = f.lock.Unlock() }()

	names := make([]string, 0, len(f.flags))
	for name := range f.flags {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s=%t\n", name, f.flags[name])
	}
	if err := writeFileAtomic(f.path, []byte(b.String())); err != nil {
		return fmt.Errorf("writing flag file: %w", err)
	}
	return nil
}

// writeFileAtomic writes to a temp file in the same directory and renames it
// over the target, so concurrent readers never observe a partial write.
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
