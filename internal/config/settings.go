package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/marekh/upshub/internal/models"
	"github.com/spf13/viper"
)

// SettingsParser handles app-level settings parsing.
type SettingsParser struct {
	v *viper.Viper
}

// NewSettingsParser creates a parser with defaults and UPSHUB_* env
// overrides registered.
func NewSettingsParser() *SettingsParser {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("files.config", "/etc/nut/power_manager.conf")
	v.SetDefault("files.state", "/var/run/nut/power_manager.state")
	v.SetDefault("files.notify_state", "/var/run/nut/notification.state")
	v.SetDefault("files.client_status", "/var/run/nut/client_status.json")
	v.SetDefault("files.client_notify_state", "/var/run/nut/client_notification.state")
	v.SetDefault("files.run_lock", "/var/run/nut/power_manager.lock")
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("poll.count", 4)
	v.SetDefault("poll.interval", 15*time.Second)
	v.SetDefault("poll.ping_timeout", 2*time.Second)

	v.SetEnvPrefix("UPSHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return &SettingsParser{v: v}
}

// LoadFile loads settings from a file path. An empty path loads pure
// defaults plus environment overrides.
func (p *SettingsParser) LoadFile(path string) (*models.Settings, error) {
	if path != "" {
		p.v.SetConfigFile(path)
		if err := p.v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading settings file: %w", err)
		}
	}
	return p.parse()
}

// LoadReader loads settings from a string (useful for testing).
func (p *SettingsParser) LoadReader(content string) (*models.Settings, error) {
	if err := p.v.ReadConfig(strings.NewReader(content)); err != nil {
		return nil, fmt.Errorf("reading settings: %w", err)
	}
	return p.parse()
}

func (p *SettingsParser) parse() (*models.Settings, error) {
	s := &models.Settings{
		ConfigFile:            p.v.GetString("files.config"),
		StateFile:             p.v.GetString("files.state"),
		NotifyStateFile:       p.v.GetString("files.notify_state"),
		ClientStatusFile:      p.v.GetString("files.client_status"),
		ClientNotifyStateFile: p.v.GetString("files.client_notify_state"),
		RunLockFile:           p.v.GetString("files.run_lock"),
		Listen:                p.v.GetString("server.listen"),
		APIToken:              p.v.GetString("server.api_token"),
		ServerIP:              p.v.GetString("server.ip"),
		PollCount:             p.v.GetInt("poll.count"),
		PollInterval:          p.v.GetDuration("poll.interval"),
		PingTimeout:           p.v.GetDuration("poll.ping_timeout"),
	}

	if s.PollCount < 1 {
		s.PollCount = 1
	}

	return s, nil
}

// ValidateForServe checks the settings the HTTP API cannot run without.
func ValidateForServe(s *models.Settings) error {
	if s.ServerIP == "" {
		return fmt.Errorf("server IP is required: set server.ip or the UPSHUB_SERVER_IP environment variable")
	}
	if s.APIToken == "" {
		return fmt.Errorf("API token is required: set server.api_token or the UPSHUB_SERVER_API_TOKEN environment variable")
	}
	return nil
}
