package models

import (
	"net/netip"
	"strings"
	"time"
)

// IPEnrichment is the best-effort geo/ASN data for an address
type IPEnrichment struct {
	CountryCode  string `json:"countryCode,omitempty"`
	ASN          int64  `json:"asn,omitempty"`
	ASNOrg       string `json:"asnOrg,omitempty"`
	Region       string `json:"region,omitempty"`
	City         string `json:"city,omitempty"`
	IsDatacenter *bool  `json:"isDatacenter,omitempty"`
}

// DeviceIP is one observed source address of a device
type DeviceIP struct {
	DeviceID      string    `json:"deviceId"`
	IP            string    `json:"ip"`
	FirstSeenAt   time.Time `json:"firstSeenAt"`
	LastSeenAt    time.Time `json:"lastSeenAt"`
	ConnectCount  int64     `json:"connectCount"`
	UploadBytes   int64     `json:"uploadBytes"`
	DownloadBytes int64     `json:"downloadBytes"`
	IPEnrichment
}

// TotalBytes returns upload plus download traffic
func (ip *DeviceIP) TotalBytes() int64 {
	return ip.UploadBytes + ip.DownloadBytes
}

// Datacenter reports whether the address is known to belong to a datacenter
func (ip *DeviceIP) Datacenter() bool {
	return ip.IsDatacenter != nil && *ip.IsDatacenter
}

// IPSample is one connection observation to fold into a DeviceIP row
type IPSample struct {
	IP            string
	UploadBytes   int64
	DownloadBytes int64
	SeenAt        time.Time
	Enrichment    *IPEnrichment
}

// NormalizeIP parses and canonicalizes an IPv4/IPv6 address
func NormalizeIP(raw string) (string, error) {
	addr, err := netip.ParseAddr(strings.TrimSpace(raw))
	if err != nil {
		return "", NewValidationError("ip", "not a valid IP address")
	}
	return addr.Unmap().String(), nil
}
