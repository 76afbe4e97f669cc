package main

import (
	"fmt"
	"net"
	"os"
	"sort"

	"github.com/marekh/upshub/internal/config"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the power-manager configuration",
	Long:  `Validate the power-manager configuration file without running a power check.`,
	RunE:  validateConfig,
}

func validateConfig(cmd *cobra.Command, args []string) error {
	settings, err := config.NewSettingsParser().LoadFile(settingsFile)
	if err != nil {
		log.Error().Err(err).Str("file", settingsFile).Msg("failed to load settings")
		return err
	}

	// Check if file exists
	if _, err := os.Stat(settings.ConfigFile); os.IsNotExist(err) {
		log.Error().Str("file", settings.ConfigFile).Msg("config file not found")
		return fmt.Errorf("config file not found: %s", settings.ConfigFile)
	}

	store := config.NewStore(settings.ConfigFile, log.Logger)
	cfg, err := store.Load()
	if err != nil {
		log.Error().Err(err).Str("file", settings.ConfigFile).Msg("failed to parse config")
		return err
	}

	var problems []string
	if len(cfg.Global.SentinelHosts) == 0 {
		problems = append(problems, "no sentinel hosts configured (SENTINEL_HOSTS)")
	}
	for _, section := range sortedKeys(cfg.WakeHosts) {
		host := cfg.WakeHosts[section]
		if host.IP == "" || net.ParseIP(host.IP) == nil {
			problems = append(problems, fmt.Sprintf("[%s] invalid or missing IP %q", section, host.IP))
		}
		if _, err := net.ParseMAC(host.MAC); err != nil {
			problems = append(problems, fmt.Sprintf("[%s] invalid or missing MAC %q", section, host.MAC))
		}
	}
	for _, section := range sortedKeys(cfg.Schedules) {
		sched := cfg.Schedules[section]
		if sched.Time == "" {
			problems = append(problems, fmt.Sprintf("[%s] missing TIME", section))
		}
		if sched.Type == "one-time" && sched.Date == "" {
			problems = append(problems, fmt.Sprintf("[%s] one-time schedule without DATE", section))
		}
	}

	if len(problems) > 0 {
		fmt.Println("Configuration has problems:")
		for _, p := range problems {
			fmt.Printf("  - %s\n", p)
		}
		return fmt.Errorf("%d configuration problem(s) found", len(problems))
	}

	// Print configuration summary
	fmt.Println("Configuration is valid!")
	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  Sentinel hosts: %v\n", cfg.Global.SentinelHosts)
	fmt.Printf("  WoL delay: %d minute(s)\n", cfg.Global.WOLDelayMinutes)
	fmt.Printf("  Client stale timeout: %d minute(s)\n", cfg.Global.ClientStaleMinutes)
	fmt.Printf("  Simulation mode: %v\n", cfg.Global.SimulationMode)
	fmt.Printf("  UPS indicator file: %s\n", cfg.Global.UPSStateFile)

	fmt.Println()
	fmt.Printf("Wake hosts (%d):\n", len(cfg.WakeHosts))
	for _, section := range sortedKeys(cfg.WakeHosts) {
		host := cfg.WakeHosts[section]
		fmt.Printf("  [%s] %s %s %s auto_wol=%v ups_client=%v\n",
			section, host.Name, host.IP, host.MAC, host.AutoWOL, host.IsUPSClient())
	}

	fmt.Println()
	fmt.Printf("Schedules (%d):\n", len(cfg.Schedules))
	for _, section := range sortedKeys(cfg.Schedules) {
		sched := cfg.Schedules[section]
		when := sched.Date
		if sched.Type == "recurring" {
			when = sched.DayOfWeek
		}
		fmt.Printf("  [%s] %s %s %s at %s (%s) enabled=%v\n",
			section, sched.Name, sched.Type, sched.Action, sched.Time, when, sched.Enabled)
	}

	fmt.Println()
	fmt.Println("Notifications:")
	fmt.Printf("  SMTP server: %s:%d\n", cfg.Global.SMTP.Server, cfg.Global.SMTP.Port)
	fmt.Printf("  Recipients: %v\n", cfg.Global.SMTP.Recipients)
	fmt.Printf("  Telegram: %v\n", cfg.Global.TelegramBotToken != "" && cfg.Global.TelegramChatID != "")
	for _, cat := range sortedKeys(cfg.Global.NotifyEnabled) {
		fmt.Printf("  NOTIFY_%s: %v\n", cat, cfg.Global.NotifyEnabled[cat])
	}

	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
