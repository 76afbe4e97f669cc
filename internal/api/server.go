// Package api exposes the hub's configuration and status over HTTP.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/marekh/upshub/internal/config"
	"github.com/marekh/upshub/internal/models"
	"github.com/marekh/upshub/internal/services/clients"
	"github.com/marekh/upshub/internal/services/probe"
	"github.com/marekh/upshub/internal/services/wake"
	"github.com/rs/zerolog"
)

const (
	readHeaderTimeout = 10 * time.Second
	writeTimeout      = 30 * time.Second
	idleTimeout       = 60 * time.Second
)

// Server wires the HTTP layer to the hub's services.
type Server struct {
	settings   models.Settings
	cfgStore   *config.Store
	clientsSvc clients.Service
	wakeSvc    wake.Service
	probeSvc   probe.Service
	logger     zerolog.Logger

	httpServer *http.Server
}

// New constructs the API server with its dependencies.
func New(
	settings models.Settings,
	cfgStore *config.Store,
	clientsSvc clients.Service,
	wakeSvc wake.Service,
	probeSvc probe.Service,
	logger zerolog.Logger,
) *Server {
	return &Server{
		settings:   settings,
		cfgStore:   cfgStore,
		clientsSvc: clientsSvc,
		wakeSvc:    wakeSvc,
		probeSvc:   probeSvc,
		logger:     logger,
	}
}

// Router builds the Gin router with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", s.health)

	authed := router.Group("/", s.tokenMiddleware)
	{
		authed.GET("/config", s.clientConfig)
		authed.POST("/status", s.reportStatus)
		authed.GET("/client_statuses", s.clientStatuses)
		authed.GET("/status", s.hostStatus)
		authed.POST("/wol/:section", s.wakeHost)

		authed.GET("/settings", s.getSettings)
		authed.PUT("/settings", s.updateSettings)

		hosts := authed.Group("/hosts")
		{
			hosts.GET("", s.listHosts)
			hosts.POST("", s.addHost)
			hosts.PUT("/:section", s.editHost)
			hosts.DELETE("/:section", s.deleteHost)
		}

		schedules := authed.Group("/schedules")
		{
			schedules.GET("", s.listSchedules)
			schedules.POST("", s.addSchedule)
			schedules.PUT("/:section", s.editSchedule)
			schedules.DELETE("/:section", s.deleteSchedule)
		}
	}

	return router
}

// Run starts the HTTP server on the configured listen address.
func (s *Server) Run() error {
	s.httpServer = &http.Server{
		Addr:              s.settings.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       idleTimeout,
	}
	s.logger.Info().Str("listen", s.settings.Listen).Msg("API server starting")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server, letting in-flight requests finish.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// tokenMiddleware enforces the static bearer token.
func (s *Server) tokenMiddleware(c *gin.Context) {
	header := c.GetHeader("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] != s.settings.APIToken {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error": "missing or invalid API token",
		})
		return
	}
	c.Next()
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
