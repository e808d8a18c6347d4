package models

import (
	"sort"
	"time"
)

// AllowListVersion is the per-user policy row and its monotonic epoch.
// The fingerprint set is derived from non-blocked devices at read time.
type AllowListVersion struct {
	UserID      string    `json:"userId"`
	Epoch       int64     `json:"epoch"`
	DeviceLimit *int      `json:"deviceLimit,omitempty"`
	Enforce     bool      `json:"enforce"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// AllowListSnapshot is the allow-list of a user as of Epoch
type AllowListSnapshot struct {
	UserID       string   `json:"userId"`
	Epoch        int64    `json:"epoch"`
	DeviceLimit  *int     `json:"deviceLimit,omitempty"`
	Enforce      bool     `json:"enforce"`
	Fingerprints []string `json:"fingerprints"`
}

// Payload converts the snapshot into the message pushed to proxy nodes
func (s *AllowListSnapshot) Payload() AllowListPayload {
	fps := make([]string, len(s.Fingerprints))
	copy(fps, s.Fingerprints)
	sort.Strings(fps)

	return AllowListPayload{
		UserID:       s.UserID,
		Epoch:        s.Epoch,
		DeviceLimit:  s.DeviceLimit,
		Enforce:      s.Enforce,
		Fingerprints: fps,
	}
}

// Contains reports whether fingerprint is currently allowed
func (s *AllowListSnapshot) Contains(fingerprint string) bool {
	for _, fp := range s.Fingerprints {
		if fp == fingerprint {
			return true
		}
	}
	return false
}

// AllowListPayload is the (limit, fingerprints, enforce) tuple tagged with its epoch
type AllowListPayload struct {
	UserID       string   `json:"userId"`
	Epoch        int64    `json:"epoch"`
	DeviceLimit  *int     `json:"deviceLimit,omitempty"`
	Enforce      bool     `json:"enforce"`
	Fingerprints []string `json:"fingerprints"`
}

// ValidateDeviceLimit checks an operator supplied limit (nil means unlimited)
func ValidateDeviceLimit(limit *int) error {
	if limit != nil && *limit < 0 {
		return NewValidationError("deviceLimit", "must be zero or positive")
	}
	return nil
}
