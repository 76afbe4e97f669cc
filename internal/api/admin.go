package api

import (
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/marekh/upshub/internal/config"
	"github.com/marekh/upshub/internal/models"
)

// hostRequest is the payload for wake host create/update.
type hostRequest struct {
	Name             string `json:"name" binding:"required"`
	IP               string `json:"ip" binding:"required"`
	MAC              string `json:"mac" binding:"required"`
	AutoWOL          *bool  `json:"auto_wol"`
	BroadcastIP      string `json:"broadcast_ip"`
	IgnoreSimulation bool   `json:"ignore_simulation"`
	ShutdownDelay    *int   `json:"shutdown_delay"`
}

func (r hostRequest) validate() string {
	if net.ParseIP(r.IP) == nil {
		return "invalid IP address: " + r.IP
	}
	if _, err := net.ParseMAC(r.MAC); err != nil {
		return "invalid MAC address: " + r.MAC
	}
	if r.BroadcastIP != "" && net.ParseIP(r.BroadcastIP) == nil {
		return "invalid broadcast IP address: " + r.BroadcastIP
	}
	return ""
}

func (r hostRequest) toWakeHost(section string) models.WakeHost {
	autoWOL := true
	if r.AutoWOL != nil {
		autoWOL = *r.AutoWOL
	}
	return models.WakeHost{
		Section:              section,
		Name:                 r.Name,
		IP:                   r.IP,
		MAC:                  r.MAC,
		AutoWOL:              autoWOL,
		BroadcastIP:          r.BroadcastIP,
		IgnoreSimulation:     r.IgnoreSimulation,
		ShutdownDelayMinutes: r.ShutdownDelay,
	}
}

// scheduleRequest is the payload for schedule create/update.
type scheduleRequest struct {
	Name      string `json:"name" binding:"required"`
	Type      string `json:"type" binding:"required,oneof=one-time recurring"`
	Time      string `json:"time" binding:"required"`
	Action    string `json:"action" binding:"required,oneof=start stop"`
	Enabled   bool   `json:"enabled"`
	Date      string `json:"date"`
	DayOfWeek string `json:"day_of_week"`
}

func (r scheduleRequest) toSchedule(section string) models.Schedule {
	sch := models.Schedule{
		Section: section,
		Name:    r.Name,
		Type:    r.Type,
		Time:    r.Time,
		Action:  r.Action,
		Enabled: r.Enabled,
	}
	if r.Type == models.ScheduleOneTime {
		sch.Date = r.Date
	} else {
		sch.DayOfWeek = r.DayOfWeek
	}
	return sch
}

func (s *Server) listHosts(c *gin.Context) {
	cfg, err := s.cfgStore.Load()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg.WakeHosts)
}

func (s *Server) addHost(c *gin.Context) {
	var req hostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msg := req.validate(); msg != "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": msg})
		return
	}

	cfg, err := s.cfgStore.Load()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	section := config.NextSectionID(models.WakeHostPrefix, mapKeys(cfg.WakeHosts))
	cfg.WakeHosts[section] = req.toWakeHost(section)

	if err := s.cfgStore.Write(cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info().Str("section", section).Str("name", req.Name).Msg("wake host added")
	c.JSON(http.StatusCreated, gin.H{"section": section})
}

func (s *Server) editHost(c *gin.Context) {
	var req hostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msg := req.validate(); msg != "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": msg})
		return
	}

	section := c.Param("section")
	cfg, err := s.cfgStore.Load()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if _, ok := cfg.WakeHosts[section]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "host not found"})
		return
	}

	cfg.WakeHosts[section] = req.toWakeHost(section)
	if err := s.cfgStore.Write(cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) deleteHost(c *gin.Context) {
	section := c.Param("section")
	cfg, err := s.cfgStore.Load()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if _, ok := cfg.WakeHosts[section]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "host not found"})
		return
	}

	delete(cfg.WakeHosts, section)
	if err := s.cfgStore.Write(cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) listSchedules(c *gin.Context) {
	cfg, err := s.cfgStore.Load()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, cfg.Schedules)
}

func (s *Server) addSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	cfg, err := s.cfgStore.Load()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	section := config.NextSectionID(models.SchedulePrefix, mapKeys(cfg.Schedules))
	cfg.Schedules[section] = req.toSchedule(section)

	if err := s.cfgStore.Write(cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info().Str("section", section).Str("name", req.Name).Msg("schedule added")
	c.JSON(http.StatusCreated, gin.H{"section": section})
}

func (s *Server) editSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	section := c.Param("section")
	cfg, err := s.cfgStore.Load()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if _, ok := cfg.Schedules[section]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
		return
	}

	cfg.Schedules[section] = req.toSchedule(section)
	if err := s.cfgStore.Write(cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) deleteSchedule(c *gin.Context) {
	section := c.Param("section")
	cfg, err := s.cfgStore.Load()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if _, ok := cfg.Schedules[section]; !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "schedule not found"})
		return
	}

	delete(cfg.Schedules, section)
	if err := s.cfgStore.Write(cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// settingsRequest is the payload for a partial global settings update. Only
// the fields present in the request are written; everything else is left
// untouched in the config store.
type settingsRequest struct {
	SentinelHosts      *string         `json:"sentinel_hosts"`
	WOLDelayMinutes    *int            `json:"wol_delay_minutes"`
	ClientStaleMinutes *int            `json:"client_stale_timeout_minutes"`
	DefaultBroadcastIP *string         `json:"default_broadcast_ip"`
	SimulationMode     *bool           `json:"simulation_mode"`
	SMTPServer         *string         `json:"smtp_server"`
	SMTPPort           *int            `json:"smtp_port"`
	SMTPUser           *string         `json:"smtp_user"`
	SMTPPassword       *string         `json:"smtp_password"`
	SMTPSenderName     *string         `json:"smtp_sender_name"`
	SMTPSenderEmail    *string         `json:"smtp_sender_email"`
	SMTPRecipients     *string         `json:"smtp_recipients"`
	SMTPUseTLS         *string         `json:"smtp_use_tls"`
	TelegramBotToken   *string         `json:"telegram_bot_token"`
	TelegramChatID     *string         `json:"telegram_chat_id"`
	Notifications      map[string]bool `json:"notifications"`
}

func (r settingsRequest) validate() string {
	if r.DefaultBroadcastIP != nil && *r.DefaultBroadcastIP != "" && net.ParseIP(*r.DefaultBroadcastIP) == nil {
		return "invalid broadcast IP address: " + *r.DefaultBroadcastIP
	}
	if r.WOLDelayMinutes != nil && *r.WOLDelayMinutes < 0 {
		return "wol_delay_minutes must not be negative"
	}
	if r.ClientStaleMinutes != nil && *r.ClientStaleMinutes < 0 {
		return "client_stale_timeout_minutes must not be negative"
	}
	if r.SMTPUseTLS != nil {
		switch *r.SMTPUseTLS {
		case "true", "false", "auto":
		default:
			return `smtp_use_tls must be "true", "false" or "auto"`
		}
	}
	return ""
}

// changes flattens the request into config store key/value pairs, in a
// deterministic order so repeated updates produce the same file layout.
func (r settingsRequest) changes() [][2]string {
	var out [][2]string
	set := func(key, value string) { out = append(out, [2]string{key, value}) }

	if r.SentinelHosts != nil {
		set("SENTINEL_HOSTS", *r.SentinelHosts)
	}
	if r.WOLDelayMinutes != nil {
		set("WOL_DELAY_MINUTES", strconv.Itoa(*r.WOLDelayMinutes))
	}
	if r.ClientStaleMinutes != nil {
		set("CLIENT_STALE_TIMEOUT_MINUTES", strconv.Itoa(*r.ClientStaleMinutes))
	}
	if r.DefaultBroadcastIP != nil {
		set("DEFAULT_BROADCAST_IP", *r.DefaultBroadcastIP)
	}
	if r.SimulationMode != nil {
		set("POWER_SIMULATION_MODE", strconv.FormatBool(*r.SimulationMode))
	}
	if r.SMTPServer != nil {
		set("SMTP_SERVER", *r.SMTPServer)
	}
	if r.SMTPPort != nil {
		set("SMTP_PORT", strconv.Itoa(*r.SMTPPort))
	}
	if r.SMTPUser != nil {
		set("SMTP_USER", *r.SMTPUser)
	}
	if r.SMTPPassword != nil {
		set("SMTP_PASSWORD", *r.SMTPPassword)
	}
	if r.SMTPSenderName != nil {
		set("SMTP_SENDER_NAME", *r.SMTPSenderName)
	}
	if r.SMTPSenderEmail != nil {
		set("SMTP_SENDER_EMAIL", *r.SMTPSenderEmail)
	}
	if r.SMTPRecipients != nil {
		set("SMTP_RECIPIENTS", *r.SMTPRecipients)
	}
	if r.SMTPUseTLS != nil {
		set("SMTP_USE_TLS", *r.SMTPUseTLS)
	}
	if r.TelegramBotToken != nil {
		set("TELEGRAM_BOT_TOKEN", *r.TelegramBotToken)
	}
	if r.TelegramChatID != nil {
		set("TELEGRAM_CHAT_ID", *r.TelegramChatID)
	}

	categories := make([]string, 0, len(r.Notifications))
	for cat := range r.Notifications {
		categories = append(categories, cat)
	}
	sort.Strings(categories)
	for _, cat := range categories {
		set("NOTIFY_"+strings.ToUpper(cat), strconv.FormatBool(r.Notifications[cat]))
	}

	return out
}

func (s *Server) getSettings(c *gin.Context) {
	cfg, err := s.cfgStore.Load()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	g := cfg.Global
	c.JSON(http.StatusOK, gin.H{
		"sentinel_hosts":               g.SentinelHosts,
		"wol_delay_minutes":            g.WOLDelayMinutes,
		"client_stale_timeout_minutes": g.ClientStaleMinutes,
		"default_broadcast_ip":         g.DefaultBroadcastIP,
		"simulation_mode":              g.SimulationMode,
		"ups_name":                     g.UPSDeviceName,
		// The SMTP password stays server-side
		"smtp": gin.H{
			"server":       g.SMTP.Server,
			"port":         g.SMTP.Port,
			"user":         g.SMTP.User,
			"sender_name":  g.SMTP.SenderName,
			"sender_email": g.SMTP.SenderEmail,
			"recipients":   g.SMTP.Recipients,
			"use_tls":      g.SMTP.UseTLS,
		},
		"notifications":      g.NotifyEnabled,
		"telegram_bot_token": g.TelegramBotToken,
		"telegram_chat_id":   g.TelegramChatID,
	})
}

func (s *Server) updateSettings(c *gin.Context) {
	var req settingsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if msg := req.validate(); msg != "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": msg})
		return
	}

	changes := req.changes()
	for _, kv := range changes {
		if err := s.cfgStore.SaveSetting(kv[0], kv[1], ""); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
	}

	s.logger.Info().Int("keys", len(changes)).Msg("global settings updated")
	c.JSON(http.StatusOK, gin.H{"success": true, "updated": len(changes)})
}

func mapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
