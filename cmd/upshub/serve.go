package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marekh/upshub/internal/api"
	"github.com/marekh/upshub/internal/config"
	"github.com/marekh/upshub/internal/services/clients"
	"github.com/marekh/upshub/internal/services/notify"
	"github.com/marekh/upshub/internal/services/probe"
	"github.com/marekh/upshub/internal/services/wake"
	"github.com/marekh/upshub/internal/state"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownGrace = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Run the long-lived HTTP API that UPS clients poll for their
configuration and report their shutdown progress to. The API also exposes
host and schedule management and a manual Wake-on-LAN trigger.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	settings, err := config.NewSettingsParser().LoadFile(settingsFile)
	if err != nil {
		log.Error().Err(err).Str("file", settingsFile).Msg("failed to load settings")
		return err
	}
	if err := config.ValidateForServe(settings); err != nil {
		log.Error().Err(err).Msg("invalid settings")
		return err
	}

	cfgStore := config.NewStore(settings.ConfigFile, log.Logger)
	debounce := state.NewDebounceStore(settings.NotifyStateFile)
	notifySvc := notify.New(debounce, log.Logger)
	probeSvc := probe.New(settings.PingTimeout, log.Logger)
	clientsSvc := clients.New(settings.ClientStatusFile, notifySvc, log.Logger)
	wakeSvc := wake.New(probeSvc, clientsSvc, notifySvc, log.Logger)

	server := api.New(*settings, cfgStore, clientsSvc, wakeSvc, probeSvc, log.Logger)

	errChan := make(chan error, 1)
	go func() {
		if err := server.Run(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		log.Error().Err(err).Msg("API server failed")
		return err
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
		return err
	}

	log.Info().Msg("API server stopped")
	return nil
}
