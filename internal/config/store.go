// Package config provides loading and saving of the power-manager
// configuration file and the app-level settings.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/marekh/upshub/internal/models"
	"github.com/rs/zerolog"
)

// Store reads and writes the line-oriented power-manager config file.
// Concurrent writers serialize on an advisory lock next to the file.
type Store struct {
	path   string
	lock   *flock.Flock
	logger zerolog.Logger
}

// NewStore creates a store for the config file at path.
func NewStore(path string, logger zerolog.Logger) *Store {
	return &Store{
		path:   path,
		lock:   flock.New(path + ".lock"),
		logger: logger,
	}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load parses the config file. A missing file is not an error: the engine
// must cope with first-run, so an empty config with defaults is returned.
func (s *Store) Load() (models.Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Debug().Str("file", s.path).Msg("config file absent, using defaults")
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config file: %w", err)
	}

	global := map[string]string{}
	wakeHosts := map[string]map[string]string{}
	schedules := map[string]map[string]string{}

	var section string
	for _, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			name := line[1 : len(line)-1]
			switch {
			case strings.HasPrefix(name, models.WakeHostPrefix):
				section = name
				wakeHosts[name] = map[string]string{}
			case strings.HasPrefix(name, models.SchedulePrefix):
				section = name
				schedules[name] = map[string]string{}
			default:
				// Unknown headers reset to global scope.
				section = ""
			}
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = unquote(value)

		switch {
		case section == "":
			global[key] = value
		case strings.HasPrefix(section, models.WakeHostPrefix):
			wakeHosts[section][key] = value
		default:
			schedules[section][key] = value
		}
	}

	applyGlobal(&cfg.Global, global)
	for name, params := range wakeHosts {
		cfg.WakeHosts[name] = parseWakeHost(name, params)
	}
	for name, params := range schedules {
		cfg.Schedules[name] = parseSchedule(name, params)
	}

	return cfg, nil
}

// SaveSetting updates a single key in place under the store lock, preserving
// every other line. section is empty for global keys. The key is appended to
// its scope if previously absent. Callers should re-load afterwards.
func (s *Store) SaveSetting(key, value, section string) error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("locking config store: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	data, err := os.ReadFile(s.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("reading config file: %w", err)
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) == 1 && lines[0] == "" {
		lines = nil
	}

	out, replaced := rewriteSetting(lines, key, value, section)
	if !replaced {
		out = appendSetting(out, key, value, section)
	}

	content := strings.Join(out, "\n") + "\n"
	if err := os.WriteFile(s.path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	s.logger.Debug().Str("key", key).Str("section", section).Msg("config setting saved")
	return nil
}

// rewriteSetting replaces key in the given scope, preserving all other lines.
func rewriteSetting(lines []string, key, value, section string) ([]string, bool) {
	out := make([]string, 0, len(lines))
	inScope := section == ""
	replaced := false

	for _, line := range lines {
		stripped := strings.TrimSpace(line)
		if strings.HasPrefix(stripped, "[") && strings.HasSuffix(stripped, "]") {
			inScope = stripped[1:len(stripped)-1] == section
		}

		if inScope && !replaced && !strings.HasPrefix(stripped, "#") {
			if k, _, ok := strings.Cut(stripped, "="); ok && strings.TrimSpace(k) == key {
				prefix, _, _ := strings.Cut(line, "=")
				out = append(out, fmt.Sprintf("%s=\"%s\"", prefix, value))
				replaced = true
				continue
			}
		}
		out = append(out, line)
	}
	return out, replaced
}

// appendSetting inserts key=value at the end of its scope. Global keys go
// before the first section header so they stay in global scope.
func appendSetting(lines []string, key, value, section string) []string {
	entry := fmt.Sprintf("%s=\"%s\"", key, value)

	if section == "" {
		for i, line := range lines {
			if strings.HasPrefix(strings.TrimSpace(line), "[") {
				out := make([]string, 0, len(lines)+1)
				out = append(out, lines[:i]...)
				out = append(out, entry)
				out = append(out, lines[i:]...)
				return out
			}
		}
		return append(lines, entry)
	}

	inScope := false
	last := -1
	for i, line := range lines {
		stripped := strings.TrimSpace(line)
		if strings.HasPrefix(stripped, "[") && strings.HasSuffix(stripped, "]") {
			inScope = stripped[1:len(stripped)-1] == section
			if inScope {
				last = i
			}
			continue
		}
		if inScope && stripped != "" {
			last = i
		}
	}
	if last == -1 {
		// Section does not exist yet; create it at the end.
		return append(lines, "", "["+section+"]", entry)
	}
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[:last+1]...)
	out = append(out, entry)
	out = append(out, lines[last+1:]...)
	return out
}

// Write rewrites the whole config file canonically. Used by the API layer
// for host and schedule CRUD; the engine only ever uses SaveSetting.
func (s *Store) Write(cfg models.Config) error {
	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("locking config store: %w", err)
	}
	defer func() { _ = s.lock.Unlock() }()

	var b strings.Builder
	b.WriteString("# === UPSHUB POWER MANAGER CONFIGURATION ===\n\n")

	for _, kv := range globalPairs(cfg.Global) {
		fmt.Fprintf(&b, "%s=\"%s\"\n", kv[0], kv[1])
	}

	b.WriteString("\n# === WAKE-ON-LAN HOST DEFINITIONS ===\n")
	for _, name := range sortedKeys(cfg.WakeHosts) {
		h := cfg.WakeHosts[name]
		fmt.Fprintf(&b, "\n[%s]\n", name)
		fmt.Fprintf(&b, "NAME=\"%s\"\n", h.Name)
		fmt.Fprintf(&b, "IP=\"%s\"\n", h.IP)
		fmt.Fprintf(&b, "MAC=\"%s\"\n", h.MAC)
		fmt.Fprintf(&b, "AUTO_WOL=\"%t\"\n", h.AutoWOL)
		if h.BroadcastIP != "" {
			fmt.Fprintf(&b, "BROADCAST_IP=\"%s\"\n", h.BroadcastIP)
		}
		if h.IgnoreSimulation {
			fmt.Fprintf(&b, "IGNORE_SIMULATION=\"true\"\n")
		}
		if h.ShutdownDelayMinutes != nil {
			fmt.Fprintf(&b, "SHUTDOWN_DELAY_MINUTES=\"%d\"\n", *h.ShutdownDelayMinutes)
		}
	}

	b.WriteString("\n# === POWER OUTAGE SIMULATION SCHEDULES ===\n")
	for _, name := range sortedKeys(cfg.Schedules) {
		sch := cfg.Schedules[name]
		fmt.Fprintf(&b, "\n[%s]\n", name)
		fmt.Fprintf(&b, "NAME=\"%s\"\n", sch.Name)
		fmt.Fprintf(&b, "TYPE=\"%s\"\n", sch.Type)
		fmt.Fprintf(&b, "TIME=\"%s\"\n", sch.Time)
		fmt.Fprintf(&b, "ACTION=\"%s\"\n", sch.Action)
		fmt.Fprintf(&b, "ENABLED=\"%t\"\n", sch.Enabled)
		if sch.Type == models.ScheduleOneTime {
			fmt.Fprintf(&b, "DATE=\"%s\"\n", sch.Date)
		} else {
			fmt.Fprintf(&b, "DAY_OF_WEEK=\"%s\"\n", sch.DayOfWeek)
		}
	}

	if err := os.WriteFile(s.path, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// NextSectionID returns the section name with the lowest unused integer
// suffix for the given prefix, e.g. WAKE_HOST_3.
func NextSectionID(prefix string, existing []string) string {
	used := map[int]bool{}
	for _, name := range existing {
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimPrefix(name, prefix)); err == nil {
			used[n] = true
		}
	}
	n := 1
	for used[n] {
		n++
	}
	return prefix + strconv.Itoa(n)
}

func defaultConfig() models.Config {
	return models.Config{
		Global: models.GlobalSettings{
			WOLDelayMinutes:    5,
			ClientStaleMinutes: 5,
			UPSStateFile:       "/var/run/nut/virtual.device",
			UPSDeviceName:      "ups",
			SMTP: models.SMTPSettings{
				Port:       587,
				SenderName: "UPS Server",
				UseTLS:     "auto",
			},
			NotifyEnabled: map[string]bool{},
		},
		WakeHosts: map[string]models.WakeHost{},
		Schedules: map[string]models.Schedule{},
	}
}

func applyGlobal(g *models.GlobalSettings, raw map[string]string) {
	for key, value := range raw {
		switch key {
		case "SENTINEL_HOSTS":
			g.SentinelHosts = strings.Fields(value)
		case "WOL_DELAY_MINUTES":
			g.WOLDelayMinutes = atoiOr(value, g.WOLDelayMinutes)
		case "CLIENT_STALE_TIMEOUT_MINUTES":
			g.ClientStaleMinutes = atoiOr(value, g.ClientStaleMinutes)
		case "DEFAULT_BROADCAST_IP":
			g.DefaultBroadcastIP = value
		case "POWER_SIMULATION_MODE":
			g.SimulationMode = parseBool(value)
		case "UPS_STATE_FILE":
			g.UPSStateFile = value
		case "UPS_NAME":
			g.UPSDeviceName = value
		case "SMTP_SERVER":
			g.SMTP.Server = value
		case "SMTP_PORT":
			g.SMTP.Port = atoiOr(value, g.SMTP.Port)
		case "SMTP_USER":
			g.SMTP.User = value
		case "SMTP_PASSWORD":
			g.SMTP.Password = value
		case "SMTP_SENDER_NAME":
			g.SMTP.SenderName = value
		case "SMTP_SENDER_EMAIL":
			g.SMTP.SenderEmail = value
		case "SMTP_RECIPIENTS":
			g.SMTP.Recipients = splitRecipients(value)
		case "SMTP_USE_TLS":
			g.SMTP.UseTLS = strings.ToLower(value)
		case "TELEGRAM_BOT_TOKEN":
			g.TelegramBotToken = value
		case "TELEGRAM_CHAT_ID":
			g.TelegramChatID = value
		default:
			if cat, ok := strings.CutPrefix(key, "NOTIFY_"); ok {
				g.NotifyEnabled[cat] = parseBool(value)
			}
		}
	}
}

func parseWakeHost(section string, params map[string]string) models.WakeHost {
	h := models.WakeHost{
		Section:          section,
		Name:             params["NAME"],
		IP:               params["IP"],
		MAC:              params["MAC"],
		BroadcastIP:      params["BROADCAST_IP"],
		AutoWOL:          true,
		IgnoreSimulation: parseBool(params["IGNORE_SIMULATION"]),
	}
	if v, ok := params["AUTO_WOL"]; ok {
		h.AutoWOL = parseBool(v)
	}
	if v, ok := params["SHUTDOWN_DELAY_MINUTES"]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			h.ShutdownDelayMinutes = &n
		}
	}
	return h
}

func parseSchedule(section string, params map[string]string) models.Schedule {
	return models.Schedule{
		Section:   section,
		Name:      params["NAME"],
		Type:      strings.ToLower(params["TYPE"]),
		Time:      params["TIME"],
		Action:    strings.ToLower(params["ACTION"]),
		Enabled:   parseBool(params["ENABLED"]),
		Date:      params["DATE"],
		DayOfWeek: strings.ToLower(params["DAY_OF_WEEK"]),
	}
}

func globalPairs(g models.GlobalSettings) [][2]string {
	pairs := [][2]string{
		{"SENTINEL_HOSTS", strings.Join(g.SentinelHosts, " ")},
		{"WOL_DELAY_MINUTES", strconv.Itoa(g.WOLDelayMinutes)},
		{"CLIENT_STALE_TIMEOUT_MINUTES", strconv.Itoa(g.ClientStaleMinutes)},
		{"DEFAULT_BROADCAST_IP", g.DefaultBroadcastIP},
		{"POWER_SIMULATION_MODE", strconv.FormatBool(g.SimulationMode)},
		{"UPS_STATE_FILE", g.UPSStateFile},
		{"UPS_NAME", g.UPSDeviceName},
		{"SMTP_SERVER", g.SMTP.Server},
		{"SMTP_PORT", strconv.Itoa(g.SMTP.Port)},
		{"SMTP_USER", g.SMTP.User},
		{"SMTP_PASSWORD", g.SMTP.Password},
		{"SMTP_SENDER_NAME", g.SMTP.SenderName},
		{"SMTP_SENDER_EMAIL", g.SMTP.SenderEmail},
		{"SMTP_RECIPIENTS", strings.Join(g.SMTP.Recipients, ",")},
		{"SMTP_USE_TLS", g.SMTP.UseTLS},
	}
	if g.TelegramBotToken != "" {
		pairs = append(pairs, [2]string{"TELEGRAM_BOT_TOKEN", g.TelegramBotToken})
	}
	if g.TelegramChatID != "" {
		pairs = append(pairs, [2]string{"TELEGRAM_CHAT_ID", g.TelegramChatID})
	}
	for _, cat := range sortedKeys(g.NotifyEnabled) {
		pairs = append(pairs, [2]string{"NOTIFY_" + cat, strconv.FormatBool(g.NotifyEnabled[cat])})
	}
	return pairs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func unquote(v string) string {
	v = strings.TrimSpace(v)
	v = strings.Trim(v, `"'`)
	return strings.TrimSpace(v)
}

func parseBool(v string) bool {
	return strings.EqualFold(strings.TrimSpace(v), "true")
}

func atoiOr(v string, fallback int) int {
	if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return n
	}
	return fallback
}

func splitRecipients(v string) []string {
	var out []string
	for _, r := range strings.Split(v, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}
