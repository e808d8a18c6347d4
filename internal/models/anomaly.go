package models

import "time"

// DeviceFinding is the advisory analysis of one device
type DeviceFinding struct {
	DeviceID          string   `json:"deviceId"`
	Label             string   `json:"label"`
	IPCount           int      `json:"ipCount"`
	DatacenterIPs     int      `json:"datacenterIps"`
	DatacenterShare   float64  `json:"datacenterShare"`
	TopIP             string   `json:"topIp,omitempty"`
	TopIPTrafficShare float64  `json:"topIpTrafficShare"`
	Countries         []string `json:"countries,omitempty"`
	RecentIPs         int      `json:"recentIps"`
	Reasons           []string `json:"reasons,omitempty"`
}

// Suspicious reports whether any heuristic flagged the device
func (f *DeviceFinding) Suspicious() bool {
	return len(f.Reasons) > 0
}

// AnomalyReport is the read-only multilogin analysis of a user
type AnomalyReport struct {
	UserID        string    `json:"userId"`
	GeneratedAt   time.Time `json:"generatedAt"`
	ActiveDevices int       `json:"activeDevices"`
	DeviceLimit   *int      `json:"deviceLimit,omitempty"`
	Enforce       bool      `json:"enforce"`
	OverLimit     bool      `json:"overLimit"`
	// LimitExceeded is OverLimit while enforcement is on, which admission should make impossible
	LimitExceeded  bool            `json:"limitExceeded"`
	Devices        []DeviceFinding `json:"devices"`
	OutOfSyncNodes []NodeSyncState `json:"outOfSyncNodes,omitempty"`
}

// DeviceStatistics aggregates device usage of one user
type DeviceStatistics struct {
	UserID            string   `json:"userId"`
	TotalDevices      int      `json:"totalDevices"`
	ActiveDevices     int      `json:"activeDevices"`
	BlockedDevices    int      `json:"blockedDevices"`
	TotalIPs          int      `json:"totalIps"`
	UniqueCountries   []string `json:"uniqueCountries"`
	TotalTraffic      int64    `json:"totalTraffic"`
	SuspiciousDevices int      `json:"suspiciousDevices"`
}
