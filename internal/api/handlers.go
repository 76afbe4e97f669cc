package api

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/marekh/upshub/internal/models"
)

// clientConfig serves the per-client shutdown configuration. The client is
// identified by the ip query parameter, falling back to the requester's
// address (X-Forwarded-For aware via gin's ClientIP).
func (s *Server) clientConfig(c *gin.Context) {
	clientIP := c.Query("ip")
	if clientIP == "" {
		clientIP = c.ClientIP()
	}
	s.logger.Info().Str("ip", clientIP).Msg("configuration request")

	cfg, err := s.cfgStore.Load()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	for _, host := range cfg.WakeHosts {
		if host.IP != clientIP {
			continue
		}
		delay := models.DefaultShutdownDelayMinutes
		if host.ShutdownDelayMinutes != nil {
			delay = *host.ShutdownDelayMinutes
		}
		c.JSON(http.StatusOK, models.ClientConfig{
			ShutdownDelayMinutes: delay,
			UPSName:              fmt.Sprintf("%s@%s", cfg.Global.UPSDeviceName, s.settings.ServerIP),
		})
		return
	}

	c.JSON(http.StatusNotFound, gin.H{"error": "no configuration found for IP address " + clientIP})
}

// reportStatus upserts one client status entry from an inbound report.
func (s *Server) reportStatus(c *gin.Context) {
	var report models.StatusReport
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.clientsSvc.RecordReport(report); err != nil {
		s.logger.Error().Err(err).Str("ip", report.IP).Msg("could not record client status")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.logger.Info().Str("ip", report.IP).Str("status", report.Status).Msg("client status recorded")
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// clientStatuses returns the raw client status map.
func (s *Server) clientStatuses(c *gin.Context) {
	statuses, err := s.clientsSvc.Load()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, statuses)
}

// hostStatus probes all sentinel and wake hosts and returns their
// reachability.
func (s *Server) hostStatus(c *gin.Context) {
	cfg, err := s.cfgStore.Load()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	sentinelStatus := map[string]bool{}
	for _, host := range cfg.Global.SentinelHosts {
		sentinelStatus[host] = s.probeSvc.Ping(c.Request.Context(), host)
	}

	wakeHostStatus := map[string]bool{}
	for section, host := range cfg.WakeHosts {
		if host.IP != "" {
			wakeHostStatus[section] = s.probeSvc.Ping(c.Request.Context(), host.IP)
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"sentinel_status":  sentinelStatus,
		"wake_host_status": wakeHostStatus,
	})
}

// wakeHost sends a Wake-on-LAN packet to one configured host.
func (s *Server) wakeHost(c *gin.Context) {
	section := c.Param("section")

	cfg, err := s.cfgStore.Load()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	host, ok := cfg.WakeHosts[section]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "message": "host not found"})
		return
	}
	if host.MAC == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"success": false, "message": "MAC address not configured"})
		return
	}

	if err := s.wakeSvc.WakeHost(c.Request.Context(), host, cfg.Global.DefaultBroadcastIP); err != nil {
		s.logger.Error().Err(err).Str("host", host.Name).Msg("manual WOL failed")
		c.JSON(http.StatusBadGateway, gin.H{
			"success": false,
			"message": fmt.Sprintf("failed to send Wake-on-LAN to %s", host.Name),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("Wake-on-LAN sent to %s", host.Name),
	})
}
