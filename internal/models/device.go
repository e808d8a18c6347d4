package models

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// ClientType is the coarse platform of a proxy client
type ClientType string

const (
	ClientTypeAndroid ClientType = "android"
	ClientTypeIOS     ClientType = "ios"
	ClientTypeWindows ClientType = "windows"
	ClientTypeMacOS   ClientType = "macos"
	ClientTypeLinux   ClientType = "linux"
	ClientTypeOther   ClientType = "other"
)

// ParseClientType returns the ClientType for s, or false when s is not a known type
func ParseClientType(s string) (ClientType, bool) {
	switch ct := ClientType(strings.ToLower(strings.TrimSpace(s))); ct {
	case ClientTypeAndroid, ClientTypeIOS, ClientTypeWindows, ClientTypeMacOS, ClientTypeLinux, ClientTypeOther:
		return ct, true
	}
	return "", false
}

// Trust level bounds
const (
	MinTrustLevel = -100
	MaxTrustLevel = 100

	maxDisplayNameLength = 64
)

var fingerprintRegex = regexp.MustCompile(`^[a-f0-9]{64}$`)

// Device is one recognized client of one user
type Device struct {
	ID                 string     `json:"id"`
	UserID             string     `json:"userId"`
	Fingerprint        string     `json:"fingerprint"`
	FingerprintVersion int        `json:"fingerprintVersion"`
	DisplayName        *string    `json:"displayName,omitempty"`
	ClientName         string     `json:"clientName"`
	ClientType         ClientType `json:"clientType"`
	FirstSeenAt        time.Time  `json:"firstSeenAt"`
	LastSeenAt         time.Time  `json:"lastSeenAt"`
	LastNodeID         string     `json:"lastNodeId"`
	IsBlocked          bool       `json:"isBlocked"`
	TrustLevel         int        `json:"trustLevel"`
}

// NewDevice creates a device row for a fingerprint seen for the first time
func NewDevice(userID, fingerprint string, version int, clientName string, clientType ClientType, nodeID string) (*Device, error) {
	userID = strings.TrimSpace(userID)
	fingerprint = strings.ToLower(strings.TrimSpace(fingerprint))

	if userID == "" {
		return nil, NewValidationError("userId", "cannot be empty")
	}
	if !fingerprintRegex.MatchString(fingerprint) {
		return nil, NewValidationError("fingerprint", "must be 64 lowercase hex characters")
	}
	if version <= 0 {
		return nil, NewValidationError("fingerprintVersion", "must be positive")
	}
	if _, ok := ParseClientType(string(clientType)); !ok {
		clientType = ClientTypeOther
	}

	now := time.Now().UTC()
	return &Device{
		ID:                 uuid.New().String(),
		UserID:             userID,
		Fingerprint:        fingerprint,
		FingerprintVersion: version,
		ClientName:         clientName,
		ClientType:         clientType,
		FirstSeenAt:        now,
		LastSeenAt:         now,
		LastNodeID:         nodeID,
	}, nil
}

// ValidateTrustLevel checks that level is inside [MinTrustLevel, MaxTrustLevel]
func ValidateTrustLevel(level int) error {
	if level < MinTrustLevel || level > MaxTrustLevel {
		return NewValidationError("trustLevel", "must be between -100 and 100")
	}
	return nil
}

// NormalizeDisplayName trims name; an empty name clears the display name (nil)
func NormalizeDisplayName(name string) (*string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil
	}
	if utf8.RuneCountInString(name) > maxDisplayNameLength {
		return nil, NewValidationError("displayName", "must be at most 64 characters")
	}
	return &name, nil
}

// Label returns the operator-set name, falling back to the client name
func (d *Device) Label() string {
	if d.DisplayName != nil && *d.DisplayName != "" {
		return *d.DisplayName
	}
	if d.ClientName != "" {
		return d.ClientName
	}
	return "unknown"
}

// DeviceFilter narrows device listings and searches
type DeviceFilter struct {
	UserID       string
	NodeID       string
	IP           string
	CountryCode  string
	ClientType   ClientType
	IsBlocked    *bool
	IsDatacenter *bool
	From         *time.Time
	To           *time.Time
	Offset       int
	Limit        int
}

// DefaultDeviceListLimit caps listings when no limit is requested
const DefaultDeviceListLimit = 100
