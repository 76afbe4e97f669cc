// Package wake provides Wake-on-LAN operations.
package wake

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/marekh/upshub/internal/models"
	"github.com/marekh/upshub/internal/services/notify"
	"github.com/marekh/upshub/internal/services/probe"
	"github.com/mdlayher/wol"
	"github.com/rs/zerolog"
)

// Service defines the interface for Wake-on-LAN operations.
type Service interface {
	WakeAll(ctx context.Context, cfg models.Config) ([]string, error)
	WakeHost(ctx context.Context, host models.WakeHost, defaultBroadcast string) error
}

// Client wraps the wol library for mocking.
type Client interface {
	Wake(broadcastIP string, mac net.HardwareAddr) error
}

// Tracker records the outcome of a wake attempt in the client status store.
type Tracker interface {
	Record(ip, status string) error
}

// DefaultClient is the default implementation using mdlayher/wol.
type DefaultClient struct{}

// Wake sends a magic packet to the specified MAC address.
func (c *DefaultClient) Wake(broadcastIP string, mac net.HardwareAddr) error {
	client, err := wol.NewClient()
	if err != nil {
		return fmt.Errorf("failed to create WOL client: %w", err)
	}
	defer func() { _ = client.Close() }()

	ip := net.ParseIP(broadcastIP)
	if ip == nil {
		return fmt.Errorf("invalid broadcast IP: %s", broadcastIP)
	}

	if err := client.Wake(ip.String()+":9", mac); err != nil {
		return fmt.Errorf("failed to send WOL packet: %w", err)
	}
	return nil
}

// Impl implements the wake Service.
type Impl struct {
	wolClient Client
	probeSvc  probe.Service
	tracker   Tracker
	notifySvc notify.Service
	logger    zerolog.Logger
}

// New creates a wake service.
func New(probeSvc probe.Service, tracker Tracker, notifySvc notify.Service, logger zerolog.Logger) *Impl {
	return &Impl{
		wolClient: &DefaultClient{},
		probeSvc:  probeSvc,
		tracker:   tracker,
		notifySvc: notifySvc,
		logger:    logger,
	}
}

// NewWithClient creates a wake service with a custom WOL client (for testing).
func NewWithClient(client Client, probeSvc probe.Service, tracker Tracker, notifySvc notify.Service, logger zerolog.Logger) *Impl {
	svc := New(probeSvc, tracker, notifySvc, logger)
	svc.wolClient = client
	return svc
}

// WakeAll runs the wake sequence over every configured wake host: hosts with
// auto-WoL disabled are skipped, and while simulation mode is active only
// hosts explicitly flagged to ignore simulation participate. Reachable hosts
// are skipped silently; for the rest a magic packet is sent and the outcome
// recorded in the client status store. One consolidated notification lists
// everyone woken.
func (s *Impl) WakeAll(ctx context.Context, cfg models.Config) ([]string, error) {
	simulating := cfg.Global.SimulationMode
	var woken []string

	for _, section := range sortedSections(cfg.WakeHosts) {
		host := cfg.WakeHosts[section]
		if !host.AutoWOL || host.IP == "" || host.MAC == "" {
			continue
		}
		if simulating && !host.IgnoreSimulation {
			s.logger.Debug().Str("host", host.Name).Msg("simulation active, skipping host")
			continue
		}
		if s.probeSvc.Ping(ctx, host.IP) {
			continue
		}

		broadcast := host.BroadcastIP
		if broadcast == "" {
			broadcast = cfg.Global.DefaultBroadcastIP
		}

		mac, err := net.ParseMAC(host.MAC)
		if err != nil {
			s.logger.Error().Err(err).Str("host", host.Name).Str("mac", host.MAC).Msg("invalid MAC address")
			s.recordStatus(host.IP, models.ClientWOLError)
			continue
		}

		s.logger.Info().Str("host", host.Name).Str("ip", host.IP).Str("broadcast", broadcast).Msg("sending WOL packet")
		if err := s.wolClient.Wake(broadcast, mac); err != nil {
			s.logger.Error().Err(err).Str("host", host.Name).Msg("WOL send failed")
			s.recordStatus(host.IP, models.ClientWOLFailed)
			continue
		}

		s.recordStatus(host.IP, models.ClientWOLSent)
		woken = append(woken, fmt.Sprintf("- %s (%s)", host.Name, host.IP))
	}

	if len(woken) > 0 {
		_ = s.notifySvc.Send(ctx, cfg.Global, models.CategoryPowerRestored,
			"[UPS] INFO: WoL Sequence Initiated",
			"Sent WoL signals to:\n\n"+strings.Join(woken, "\n"))
	}

	return woken, nil
}

// WakeHost sends a magic packet to one host unconditionally (the manual
// trigger exposed by the API).
func (s *Impl) WakeHost(_ context.Context, host models.WakeHost, defaultBroadcast string) error {
	mac, err := net.ParseMAC(host.MAC)
	if err != nil {
		return fmt.Errorf("invalid MAC address %q: %w", host.MAC, err)
	}

	broadcast := host.BroadcastIP
	if broadcast == "" {
		broadcast = defaultBroadcast
	}

	if err := s.wolClient.Wake(broadcast, mac); err != nil {
		s.recordStatus(host.IP, models.ClientWOLFailed)
		return err
	}
	s.recordStatus(host.IP, models.ClientWOLSent)
	return nil
}

func (s *Impl) recordStatus(ip, status string) {
	if ip == "" {
		return
	}
	if err := s.tracker.Record(ip, status); err != nil {
		s.logger.Error().Err(err).Str("ip", ip).Msg("could not record client status")
	}
}

func sortedSections(hosts map[string]models.WakeHost) []string {
	sections := make([]string, 0, len(hosts))
	for section := range hosts {
		sections = append(sections, section)
	}
	sort.Strings(sections)
	return sections
}
