package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/deviceguard/server/internal/models"
)

// FingerprintVersion is the current fingerprint scheme.
// Version 2 leaves user identity and OS guess out of the hash so one physical
// client yields the same fingerprint under every account and on every node,
// and length-prefixes every field.
const FingerprintVersion = 2

// FingerprintAttributes are the client attributes a node reports
type FingerprintAttributes struct {
	ClientName     string
	TLSFingerprint string
	UserAgent      string
}

// FingerprintService derives stable device identifiers from connection attributes
type FingerprintService struct {
	sha256Regex *regexp.Regexp
}

// NewFingerprintService creates a new FingerprintService
func NewFingerprintService() *FingerprintService {
	return &FingerprintService{
		sha256Regex: regexp.MustCompile(`^[a-f0-9]{64}$`),
	}
}

// Fingerprint returns the current-version fingerprint of attrs.
// Missing attributes are empty strings; it never fails.
func (s *FingerprintService) Fingerprint(attrs FingerprintAttributes) (string, int) {
	h := sha256.New()
	for _, f := range []string{"", attrs.ClientName, attrs.TLSFingerprint, "", attrs.UserAgent} {
		// Each field is written as <byte length>:<value> so no value can shift a boundary
		fmt.Fprintf(h, "%d:%s", len(f), f)
	}
	return hex.EncodeToString(h.Sum(nil)), FingerprintVersion
}

// LegacyFingerprintV1 reproduces the first scheme, which mixed the user id into the hash.
// It is only used to recognize rows created before the version 2 migration.
func (s *FingerprintService) LegacyFingerprintV1(userID, clientName, tlsFingerprint, osGuess, userAgent string) (string, int) {
	h := sha256.Sum256([]byte(strings.Join([]string{userID, clientName, tlsFingerprint, osGuess, userAgent}, "|")))
	return hex.EncodeToString(h[:]), 1
}

// NormalizeFingerprint normalizes a fingerprint string to lowercase
func (s *FingerprintService) NormalizeFingerprint(fp string) string {
	normalized := strings.TrimSpace(fp)

	// Remove "sha256:" prefix if present
	if strings.HasPrefix(strings.ToLower(normalized), "sha256:") {
		normalized = normalized[7:]
	}

	return strings.ToLower(normalized)
}

// IsValidFingerprint checks if a string is a valid fingerprint
func (s *FingerprintService) IsValidFingerprint(fp string) bool {
	if strings.TrimSpace(fp) == "" {
		return false
	}
	return s.sha256Regex.MatchString(s.NormalizeFingerprint(fp))
}

// ExtractClientName takes the product token of a user agent such as "v2rayNG/1.8.5"
func ExtractClientName(userAgent string) string {
	if userAgent == "" {
		return ""
	}
	if parts := strings.Split(userAgent, "/"); len(parts) >= 2 {
		if client := strings.TrimSpace(parts[0]); client != "" {
			return client
		}
	}
	if fields := strings.Fields(userAgent); len(fields) > 0 {
		return fields[0]
	}
	return ""
}

var clientNameCanon = map[string]string{
	"v2rayng":           "v2rayNG",
	"v2rayn":            "v2rayN",
	"clashx":            "ClashX",
	"clash for windows": "Clash for Windows",
	"clash-for-windows": "Clash for Windows",
	"shadowrocket":      "Shadowrocket",
	"quantumult":        "Quantumult",
	"sing-box":          "sing-box",
	"matsuri":           "Matsuri",
	"sagernet":          "SagerNet",
	"nekobox":           "NekoBox",
}

// NormalizeClientName maps spelling variants of known clients to one canonical name
func NormalizeClientName(name string) string {
	if canon, ok := clientNameCanon[strings.ToLower(strings.TrimSpace(name))]; ok {
		return canon
	}
	return name
}

// clientTypeKeywords is checked in order; the first matching platform wins
var clientTypeKeywords = []struct {
	clientType models.ClientType
	keywords   []string
}{
	{models.ClientTypeAndroid, []string{"android", "v2rayng", "matsuri", "sagernet"}},
	{models.ClientTypeIOS, []string{"ios", "iphone", "ipad", "shadowrocket", "quantumult"}},
	{models.ClientTypeWindows, []string{"windows", "v2rayn", "clash for windows", "clash-for-windows"}},
	{models.ClientTypeMacOS, []string{"macos", "darwin", "clashx"}},
	{models.ClientTypeLinux, []string{"linux", "ubuntu", "debian"}},
}

// GuessClientType infers the platform from the client name and user agent
func GuessClientType(clientName, userAgent string) models.ClientType {
	if clientName == "" && userAgent == "" {
		return models.ClientTypeOther
	}
	identifier := strings.ToLower(clientName + " " + userAgent)
	for _, group := range clientTypeKeywords {
		for _, kw := range group.keywords {
			if strings.Contains(identifier, kw) {
				return group.clientType
			}
		}
	}
	return models.ClientTypeOther
}
