package models

import "time"

// Settings holds the app-level configuration: file locations, the HTTP API
// and the polling cadence. Loaded from YAML with UPSHUB_* env overrides.
type Settings struct {
	ConfigFile            string
	StateFile             string
	NotifyStateFile       string
	ClientStatusFile      string
	ClientNotifyStateFile string
	RunLockFile           string

	Listen   string
	APIToken string
	ServerIP string // from SERVER_IP / UPSHUB_SERVER_IP, required by the API

	PollCount    int
	PollInterval time.Duration
	PingTimeout  time.Duration
}
