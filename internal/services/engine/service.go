// Package engine implements the power-state reconciliation cycle.
package engine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/marekh/upshub/internal/config"
	"github.com/marekh/upshub/internal/models"
	"github.com/marekh/upshub/internal/services/clients"
	"github.com/marekh/upshub/internal/services/notify"
	"github.com/marekh/upshub/internal/services/probe"
	"github.com/marekh/upshub/internal/services/schedule"
	"github.com/marekh/upshub/internal/services/wake"
	"github.com/marekh/upshub/internal/state"
	"github.com/rs/zerolog"
)

// UPS status indicator lines, NUT dummy-ups format.
const (
	upsStatusOnBattery = "ups.status: OB LB"
	upsStatusOnline    = "ups.status: OL"
)

// Service defines the interface for the reconciliation engine.
type Service interface {
	RunCycle(ctx context.Context, evalSchedules bool) error
}

// Impl implements the engine Service. One RunCycle corresponds to one
// sub-poll of the outer scheduler invocation.
type Impl struct {
	cfgStore   *config.Store
	stateStore *state.StateStore
	flags      *state.FlagStore
	probeSvc   probe.Service
	notifySvc  notify.Service
	wakeSvc    wake.Service
	clientsSvc clients.Service
	logger     zerolog.Logger
	now        func() time.Time
}

// New creates an engine with real network services.
func New(settings models.Settings, logger zerolog.Logger) *Impl {
	cfgStore := config.NewStore(settings.ConfigFile, logger)
	debounce := state.NewDebounceStore(settings.NotifyStateFile)
	notifySvc := notify.New(debounce, logger)
	probeSvc := probe.New(settings.PingTimeout, logger)
	clientsSvc := clients.New(settings.ClientStatusFile, notifySvc, logger)
	wakeSvc := wake.New(probeSvc, clientsSvc, notifySvc, logger)

	return &Impl{
		cfgStore:   cfgStore,
		stateStore: state.NewStateStore(settings.StateFile, logger),
		flags:      state.NewFlagStore(settings.ClientNotifyStateFile),
		probeSvc:   probeSvc,
		notifySvc:  notifySvc,
		wakeSvc:    wakeSvc,
		clientsSvc: clientsSvc,
		logger:     logger,
		now:        time.Now,
	}
}

// NewWithServices creates an engine with custom services (for testing).
func NewWithServices(
	cfgStore *config.Store,
	stateStore *state.StateStore,
	flags *state.FlagStore,
	probeSvc probe.Service,
	notifySvc notify.Service,
	wakeSvc wake.Service,
	clientsSvc clients.Service,
	logger zerolog.Logger,
	now func() time.Time,
) *Impl {
	return &Impl{
		cfgStore:   cfgStore,
		stateStore: stateStore,
		flags:      flags,
		probeSvc:   probeSvc,
		notifySvc:  notifySvc,
		wakeSvc:    wakeSvc,
		clientsSvc: clientsSvc,
		logger:     logger,
		now:        now,
	}
}

// RunCycle executes one reconciliation pass. Schedules are evaluated only
// when evalSchedules is true (the first sub-poll of an invocation), so each
// schedule record fires at most once per outer cycle. Any failure or panic
// is logged and reported as a best-effort APP_ERROR notification.
func (e *Impl) RunCycle(ctx context.Context, evalSchedules bool) (err error) {
	e.logger.Info().Msg("power check initiated")
	defer e.logger.Info().Msg("power check finished")

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("power check panicked: %v", r)
			e.logger.Error().Str("panic", fmt.Sprint(r)).Msg("unhandled panic in power check")
			e.reportError(ctx, err)
		}
	}()

	if err := e.cycle(ctx, evalSchedules); err != nil {
		e.logger.Error().Err(err).Msg("power check failed")
		e.reportError(ctx, err)
		return err
	}
	return nil
}

func (e *Impl) cycle(ctx context.Context, evalSchedules bool) error {
	cfg, err := e.cfgStore.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if evalSchedules {
		cfg = e.applyDueSchedules(ctx, cfg)
	}

	rec, err := e.stateStore.Load()
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	if err := e.flags.Load(); err != nil {
		e.logger.Warn().Err(err).Msg("could not load client notification flags, starting empty")
	}

	status, interruption := e.determineStatus(ctx, &cfg)

	// A re-armed simulation keeps the computed status OFFLINE, so the wake
	// delay for POWER_RESTORED_SIM must be checked before branching on
	// status at all.
	if rec.State == models.StatePowerRestoredSim {
		e.writeUPSStatus(cfg, status.Offline)
		if e.wakeDelayElapsed(rec, cfg) {
			e.runWakeSequence(ctx, cfg)
		}
	} else if status.Offline {
		e.handleOffline(ctx, cfg, &rec, status, interruption)
	} else {
		e.handleOnline(ctx, cfg, &rec)
	}

	if err := e.clientsSvc.CheckAll(ctx, cfg, e.flags); err != nil {
		e.logger.Error().Err(err).Msg("client status check failed")
	}
	if err := e.flags.Save(); err != nil {
		return fmt.Errorf("saving client notification flags: %w", err)
	}
	return nil
}

// applyDueSchedules fires at most one due schedule action, toggling the
// simulation flag in the config store. One-time records are disabled after
// firing so they execute at most once.
func (e *Impl) applyDueSchedules(ctx context.Context, cfg models.Config) models.Config {
	due := schedule.Due(cfg.Schedules, e.now())
	if len(due) == 0 {
		return cfg
	}

	sch := due[0]
	e.logger.Info().Str("schedule", sch.Name).Str("action", sch.Action).Msg("schedule match")

	switch sch.Action {
	case models.ActionStart:
		e.saveSimulationMode(true)
		_ = e.notifySvc.Send(ctx, cfg.Global, models.CategorySimulationMode,
			"[UPS] INFO: Power Outage Simulation Started",
			fmt.Sprintf("Scheduled start of power outage simulation (%s).", sch.Name))
	case models.ActionStop:
		e.saveSimulationMode(false)
		_ = e.notifySvc.Send(ctx, cfg.Global, models.CategorySimulationMode,
			"[UPS] INFO: Power Outage Simulation Stopped",
			fmt.Sprintf("Scheduled stop of power outage simulation (%s).", sch.Name))
	default:
		e.logger.Warn().Str("action", sch.Action).Msg("unknown schedule action, ignoring")
		return cfg
	}

	if sch.Type == models.ScheduleOneTime {
		if err := e.cfgStore.SaveSetting("ENABLED", "false", sch.Section); err != nil {
			e.logger.Error().Err(err).Str("schedule", sch.Name).Msg("could not disable one-time schedule")
		}
	}

	reloaded, err := e.cfgStore.Load()
	if err != nil {
		e.logger.Error().Err(err).Msg("could not reload config after schedule action")
		return cfg
	}
	return reloaded
}

// determineStatus probes every sentinel host and resolves the cycle's power
// status. When a real outage is detected while a simulation is running, the
// simulation is suspended: its active window (enabled flag ignored) is
// recorded so restoration can resume it, and the simulation flag is forced
// off in the config store. The returned status still reflects the simulation
// flag as read at the top of the cycle.
func (e *Impl) determineStatus(ctx context.Context, cfg *models.Config) (models.PowerStatus, *models.InterruptedSchedule) {
	simulated := cfg.Global.SimulationMode

	realOffline := false
	if len(cfg.Global.SentinelHosts) == 0 {
		e.logger.Warn().Msg("no sentinel hosts configured, assuming mains power is present")
	} else {
		reachable := 0
		for _, host := range cfg.Global.SentinelHosts {
			if e.probeSvc.Ping(ctx, host) {
				reachable++
			}
		}
		realOffline = reachable == 0
		e.logger.Info().
			Int("reachable", reachable).
			Int("total", len(cfg.Global.SentinelHosts)).
			Bool("real_offline", realOffline).
			Msg("sentinel probe complete")
	}

	var interruption *models.InterruptedSchedule
	if simulated && realOffline {
		e.logger.Warn().Msg("real outage detected during simulation, suspending simulation")
		if win := schedule.ActiveWindow(cfg.Schedules, e.now()); win != nil {
			interruption = &models.InterruptedSchedule{
				Section:       win.Schedule.Section,
				Name:          win.Schedule.Name,
				EndTime:       win.End,
				InterruptedAt: e.now(),
			}
		}
		// Clear simulation whenever reality disagrees, window or not.
		e.saveSimulationMode(false)
		cfg.Global.SimulationMode = false
	}

	offline := (simulated && !realOffline) || realOffline
	if simulated && !realOffline {
		e.logger.Warn().Msg("power outage simulation active, forcing offline status")
	}

	return models.PowerStatus{Offline: offline, RealOffline: realOffline, Simulated: simulated}, interruption
}

func (e *Impl) handleOffline(ctx context.Context, cfg models.Config, rec *models.StateRecord, status models.PowerStatus, interruption *models.InterruptedSchedule) {
	simulatedOutage := status.Simulated && !status.RealOffline

	switch {
	case rec.State != models.StatePowerFail:
		e.logger.Warn().Bool("simulated", simulatedOutage).Msg("state change: power failure detected")
		if err := e.flags.Reset(); err != nil {
			e.logger.Error().Err(err).Msg("could not reset client notification flags")
		}

		if simulatedOutage {
			_ = e.notifySvc.Send(ctx, cfg.Global, models.CategorySimulationMode,
				"[UPS] INFO: Power Outage Simulation Active",
				"Simulation mode is on. The system behaves as if mains power were lost.")
		} else {
			_ = e.notifySvc.Send(ctx, cfg.Global, models.CategoryPowerFail,
				"[UPS] ALERT: Power Outage Detected",
				"All sentinel hosts are offline. System is on UPS power.")
		}

		*rec = models.StateRecord{
			State:       models.StatePowerFail,
			Timestamp:   e.now(),
			Simulated:   simulatedOutage,
			Interrupted: interruption != nil,
			Schedule:    interruption,
		}
		e.saveState(*rec)

	case interruption != nil && !rec.Interrupted:
		// Already in POWER_FAIL, but a real outage just interrupted a
		// simulation window: re-persist so the metadata is not lost. The
		// original transition timestamp is kept.
		rec.Interrupted = true
		rec.Schedule = interruption
		e.saveState(*rec)
	}

	e.writeUPSStatus(cfg, true)
}

func (e *Impl) handleOnline(ctx context.Context, cfg models.Config, rec *models.StateRecord) {
	e.writeUPSStatus(cfg, false)

	switch rec.State {
	case models.StateNone:
		return

	case models.StatePowerFail:
		elapsedMinutes := int(e.now().Sub(rec.Timestamp) / time.Minute)
		delay := cfg.Global.WOLDelayMinutes

		switch {
		case rec.Interrupted && rec.Schedule != nil && e.now().Before(rec.Schedule.EndTime):
			// The interrupted window is still open: re-arm the simulation.
			// Interruption metadata stays alive because the wake sequence is
			// still gated behind the WoL delay.
			e.logger.Info().Str("schedule", rec.Schedule.Name).Msg("power restored inside interrupted simulation window, resuming simulation")
			e.saveSimulationMode(true)
			cfg.Global.SimulationMode = true
			_ = e.notifySvc.Send(ctx, cfg.Global, models.CategorySimulationMode,
				"[UPS] INFO: Power Outage Simulation Resumed",
				fmt.Sprintf("Power restored after ~%d min. Resuming interrupted simulation '%s' until %s.",
					elapsedMinutes, rec.Schedule.Name, rec.Schedule.EndTime.Format("15:04")))
			*rec = models.StateRecord{
				State:       models.StatePowerRestoredSim,
				Timestamp:   e.now(),
				Simulated:   true,
				Interrupted: true,
				Schedule:    rec.Schedule,
			}

		case rec.Interrupted:
			// The window ended while power was out: plain restoration.
			e.logger.Info().Msg("state change: power restored, interrupted simulation window already over")
			_ = e.notifySvc.Send(ctx, cfg.Global, models.CategoryPowerRestored,
				"[UPS] INFO: Power Restored",
				fmt.Sprintf("Power restored after ~%d min. Waiting %d min before wake-up.", elapsedMinutes, delay))
			*rec = models.StateRecord{State: models.StatePowerRestored, Timestamp: e.now()}

		case rec.Simulated:
			e.logger.Info().Msg("state change: simulated outage ended")
			_ = e.notifySvc.Send(ctx, cfg.Global, models.CategorySimulationMode,
				"[UPS] INFO: Power Outage Simulation Stopped",
				fmt.Sprintf("Simulated outage ended after ~%d min. Waiting %d min before wake-up.", elapsedMinutes, delay))
			*rec = models.StateRecord{State: models.StatePowerRestored, Timestamp: e.now()}

		default:
			e.logger.Info().Msg("state change: power restoration detected")
			_ = e.notifySvc.Send(ctx, cfg.Global, models.CategoryPowerRestored,
				"[UPS] INFO: Power Restored",
				fmt.Sprintf("Power restored after ~%d min. Waiting %d min before wake-up.", elapsedMinutes, delay))
			*rec = models.StateRecord{State: models.StatePowerRestored, Timestamp: e.now()}
		}
		e.saveState(*rec)

	case models.StatePowerRestored:
		if e.wakeDelayElapsed(*rec, cfg) {
			e.runWakeSequence(ctx, cfg)
		}
	}
}

func (e *Impl) wakeDelayElapsed(rec models.StateRecord, cfg models.Config) bool {
	delay := time.Duration(cfg.Global.WOLDelayMinutes) * time.Minute
	return e.now().Sub(rec.Timestamp) >= delay
}

// runWakeSequence wakes the dependent machines and resets all per-episode
// state, returning the engine to its initial state.
func (e *Impl) runWakeSequence(ctx context.Context, cfg models.Config) {
	e.logger.Info().Msg("WoL delay passed, initiating wake-up sequence")

	if _, err := e.wakeSvc.WakeAll(ctx, cfg); err != nil {
		e.logger.Error().Err(err).Msg("wake sequence failed")
	}

	if err := e.stateStore.Clear(); err != nil {
		e.logger.Error().Err(err).Msg("could not clear state file")
	}
	if err := e.flags.Reset(); err != nil {
		e.logger.Error().Err(err).Msg("could not reset client notification flags")
	}
}

func (e *Impl) saveState(rec models.StateRecord) {
	if err := e.stateStore.Save(rec); err != nil {
		e.logger.Error().Err(err).Msg("could not persist state record")
	}
}

func (e *Impl) saveSimulationMode(on bool) {
	if err := e.cfgStore.SaveSetting("POWER_SIMULATION_MODE", fmt.Sprintf("%t", on), ""); err != nil {
		e.logger.Error().Err(err).Bool("on", on).Msg("could not save simulation mode")
	}
}

// writeUPSStatus rewrites the external UPS status indicator every cycle.
func (e *Impl) writeUPSStatus(cfg models.Config, onBattery bool) {
	line := upsStatusOnline
	if onBattery {
		line = upsStatusOnBattery
	}
	if err := os.WriteFile(cfg.Global.UPSStateFile, []byte(line+"\n"), 0o644); err != nil {
		e.logger.Error().Err(err).Str("file", cfg.Global.UPSStateFile).Msg("could not write UPS status file")
	}
}

// reportError sends a best-effort APP_ERROR notification. Nothing in here is
// allowed to escape, including panics from the notification path itself.
func (e *Impl) reportError(ctx context.Context, cycleErr error) {
	defer func() { _ = recover() }()

	cfg, err := e.cfgStore.Load()
	if err != nil {
		return
	}
	_ = e.notifySvc.Send(ctx, cfg.Global, models.CategoryAppError,
		"[UPS] CRITICAL: Power Check Failed",
		fmt.Sprintf("The power check cycle failed. Error: %v", cycleErr))
}
