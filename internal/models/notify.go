package models

// Category identifies a class of notification, gated by its
// NOTIFY_<CATEGORY> config flag.
type Category string

// Notification categories.
const (
	CategoryPowerFail      Category = "POWER_FAIL"
	CategoryPowerRestored  Category = "POWER_RESTORED"
	CategoryClientShutdown Category = "CLIENT_SHUTDOWN"
	CategoryClientStale    Category = "CLIENT_STALE"
	CategorySimulationMode Category = "SIMULATION_MODE"
	CategoryAppError       Category = "APP_ERROR"
)
