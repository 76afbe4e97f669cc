// Package models contains the data structures used throughout upshub.
package models

// Section name prefixes in the power-manager config file.
const (
	WakeHostPrefix = "WAKE_HOST_"
	SchedulePrefix = "SCHEDULE_"
)

// Config holds the fully parsed power-manager configuration.
type Config struct {
	Global    GlobalSettings
	WakeHosts map[string]WakeHost // keyed by section name, e.g. WAKE_HOST_1
	Schedules map[string]Schedule // keyed by section name, e.g. SCHEDULE_1
}

// GlobalSettings holds the key=value pairs outside any section.
type GlobalSettings struct {
	SentinelHosts      []string
	WOLDelayMinutes    int
	ClientStaleMinutes int
	DefaultBroadcastIP string
	SimulationMode     bool
	UPSStateFile       string
	UPSDeviceName      string

	SMTP SMTPSettings

	// NotifyEnabled maps a notification category name (e.g. POWER_FAIL)
	// to its NOTIFY_<CATEGORY> flag.
	NotifyEnabled map[string]bool

	TelegramBotToken string
	TelegramChatID   string
}

// SMTPSettings holds the mail transport configuration.
type SMTPSettings struct {
	Server      string
	Port        int
	User        string
	Password    string
	SenderName  string
	SenderEmail string
	Recipients  []string
	UseTLS      string // "true", "false" or "auto"
}

// WakeHost is a machine the engine can power on via Wake-on-LAN.
// A non-nil ShutdownDelayMinutes marks the host as a monitored UPS client.
type WakeHost struct {
	Section              string
	Name                 string
	IP                   string
	MAC                  string
	AutoWOL              bool
	BroadcastIP          string // optional override of the global default
	IgnoreSimulation     bool
	ShutdownDelayMinutes *int
}

// IsUPSClient reports whether the host reports shutdown status to the hub.
func (h WakeHost) IsUPSClient() bool {
	return h.ShutdownDelayMinutes != nil
}

// Schedule types and actions.
const (
	ScheduleOneTime   = "one-time"
	ScheduleRecurring = "recurring"

	ActionStart = "start"
	ActionStop  = "stop"

	DayEveryday = "everyday"
)

// Schedule is a simulation start/stop entry.
type Schedule struct {
	Section   string
	Name      string
	Type      string // one-time | recurring
	Time      string // HH:MM
	Action    string // start | stop
	Enabled   bool
	Date      string // YYYY-MM-DD, one-time only
	DayOfWeek string // recurring only, lowercase day name or "everyday"
}
