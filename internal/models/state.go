package models

import "time"

// PowerState is the persisted state of the reconciliation engine.
type PowerState string

// Engine states. StateNone is the initial state and the terminal state of
// every outage episode once a wake sequence has fully executed.
const (
	StateNone             PowerState = ""
	StatePowerFail        PowerState = "POWER_FAIL"
	StatePowerRestored    PowerState = "POWER_RESTORED"
	StatePowerRestoredSim PowerState = "POWER_RESTORED_SIM"
)

// InterruptedSchedule records which simulation window a real outage cut short,
// so the engine can re-arm the simulation after power returns.
type InterruptedSchedule struct {
	Section       string    `json:"section"`
	Name          string    `json:"name"`
	EndTime       time.Time `json:"end_time"`
	InterruptedAt time.Time `json:"interrupted_at"`
}

// StateRecord is the persistent power state, surviving process restarts.
type StateRecord struct {
	State       PowerState
	Timestamp   time.Time
	Simulated   bool // the prior offline period was a simulation
	Interrupted bool
	Schedule    *InterruptedSchedule
}

// PowerStatus is the per-cycle computed status of mains power.
type PowerStatus struct {
	Offline     bool
	RealOffline bool // zero sentinel hosts reachable
	Simulated   bool // simulation flag as read at the top of the cycle
}
