package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/marekh/upshub/internal/config"
	"github.com/marekh/upshub/internal/services/engine"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Execute one power check invocation",
	Long: `Execute one power check invocation:
1. Acquire the run lock (exit silently if another invocation holds it)
2. Evaluate due schedules (first sub-poll only)
3. Probe the sentinel hosts and reconcile the power state
4. Update the UPS indicator file and send notifications
5. Wake hosts once the restore delay has elapsed
6. Check client shutdown and staleness

The invocation performs several sub-polls with a short sleep between them,
so a single external scheduler tick (typically every minute) covers the
whole interval.`,
	RunE: runPowerCheck,
}

func runPowerCheck(cmd *cobra.Command, args []string) error {
	settings, err := config.NewSettingsParser().LoadFile(settingsFile)
	if err != nil {
		log.Error().Err(err).Str("file", settingsFile).Msg("failed to load settings")
		return err
	}

	// A previous invocation still running means this tick has nothing to
	// do. Exit without noise so cron does not mail about overlaps.
	runLock := flock.New(settings.RunLockFile)
	locked, err := runLock.TryLock()
	if err != nil {
		log.Error().Err(err).Str("file", settings.RunLockFile).Msg("failed to acquire run lock")
		return err
	}
	if !locked {
		log.Debug().Msg("another invocation is running, exiting")
		return nil
	}
	defer runLock.Unlock() //nolint:errcheck

	// Set up context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Warn().Str("signal", sig.String()).Msg("received signal, shutting down")
		cancel()
	}()

	eng := engine.New(*settings, log.Logger)
	var lastErr error
	for i := 0; i < settings.PollCount; i++ {
		// Schedules fire on the first sub-poll only so each record
		// triggers at most once per invocation.
		if err := eng.RunCycle(ctx, i == 0); err != nil {
			log.Error().Err(err).Int("sub_poll", i).Msg("power check cycle failed")
			lastErr = err
		}
		if i == settings.PollCount-1 {
			break
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(settings.PollInterval):
		}
	}

	return lastErr
}
