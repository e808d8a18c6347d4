package services

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/deviceguard/server/internal/models"
	"github.com/stretchr/testify/assert"
)

func TestFingerprintService_Fingerprint(t *testing.T) {
	svc := NewFingerprintService()
	attrs := FingerprintAttributes{
		ClientName:     "v2rayNG",
		TLSFingerprint: "771,4865-4866,0-23-65281",
		UserAgent:      "v2rayNG/1.8.5",
	}

	t.Run("returns consistent fingerprint for same attributes", func(t *testing.T) {
		fp1, v1 := svc.Fingerprint(attrs)
		fp2, v2 := svc.Fingerprint(attrs)

		assert.Equal(t, fp1, fp2)
		assert.Equal(t, FingerprintVersion, v1)
		assert.Equal(t, v1, v2)
		assert.Len(t, fp1, 64)
		assert.Equal(t, strings.ToLower(fp1), fp1)
		assert.True(t, svc.IsValidFingerprint(fp1))
	})

	t.Run("differs when any attribute differs", func(t *testing.T) {
		base, _ := svc.Fingerprint(attrs)
		for _, changed := range []FingerprintAttributes{
			{ClientName: "Shadowrocket", TLSFingerprint: attrs.TLSFingerprint, UserAgent: attrs.UserAgent},
			{ClientName: attrs.ClientName, TLSFingerprint: "771,4865", UserAgent: attrs.UserAgent},
			{ClientName: attrs.ClientName, TLSFingerprint: attrs.TLSFingerprint, UserAgent: "v2rayNG/1.9.0"},
		} {
			fp, _ := svc.Fingerprint(changed)
			assert.NotEqual(t, base, fp)
		}
	})

	t.Run("separator inside a field does not move boundaries", func(t *testing.T) {
		pairs := [][2]FingerprintAttributes{
			{
				{ClientName: "a|b", TLSFingerprint: "c", UserAgent: "ua"},
				{ClientName: "a", TLSFingerprint: "b|c", UserAgent: "ua"},
			},
			{
				{ClientName: "v2rayNG", TLSFingerprint: "771|", UserAgent: "x"},
				{ClientName: "v2rayNG", TLSFingerprint: "771", UserAgent: "|x"},
			},
			{
				{ClientName: "1:a", TLSFingerprint: ""},
				{ClientName: "", TLSFingerprint: "1:a"},
			},
		}
		for _, pair := range pairs {
			a, _ := svc.Fingerprint(pair[0])
			b, _ := svc.Fingerprint(pair[1])
			assert.NotEqual(t, a, b, "%+v vs %+v", pair[0], pair[1])
		}
	})

	t.Run("pinned value for the empty tuple", func(t *testing.T) {
		// sha256("0:0:0:0:0:")
		fp, _ := svc.Fingerprint(FingerprintAttributes{})
		sum := sha256.Sum256([]byte("0:0:0:0:0:"))
		assert.Equal(t, hex.EncodeToString(sum[:]), fp)
	})

	t.Run("empty attributes still fingerprint", func(t *testing.T) {
		fp, version := svc.Fingerprint(FingerprintAttributes{})
		assert.True(t, svc.IsValidFingerprint(fp))
		assert.Equal(t, FingerprintVersion, version)
	})

	t.Run("legacy scheme depends on the user", func(t *testing.T) {
		a, v := svc.LegacyFingerprintV1("1", "v2rayNG", "", "", "")
		b, _ := svc.LegacyFingerprintV1("2", "v2rayNG", "", "", "")
		current, _ := svc.Fingerprint(FingerprintAttributes{ClientName: "v2rayNG"})

		assert.Equal(t, 1, v)
		assert.NotEqual(t, a, b)
		assert.NotEqual(t, a, current)
	})
}

func TestFingerprintService_NormalizeFingerprint(t *testing.T) {
	svc := NewFingerprintService()

	tests := []struct {
		input    string
		expected string
	}{
		{"ABC123", "abc123"},
		{"  abc123  ", "abc123"},
		{"sha256:ABC123", "abc123"},
		{"SHA256:abc123", "abc123"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, svc.NormalizeFingerprint(tt.input))
		})
	}

	assert.False(t, svc.IsValidFingerprint(""))
	assert.False(t, svc.IsValidFingerprint("xyz"))
	assert.True(t, svc.IsValidFingerprint("SHA256:"+strings.Repeat("AB", 32)))
}

func TestClientHelpers(t *testing.T) {
	t.Run("extract client name", func(t *testing.T) {
		assert.Equal(t, "v2rayNG", ExtractClientName("v2rayNG/1.8.5"))
		assert.Equal(t, "clash-meta", ExtractClientName("clash-meta/1.15.0"))
		assert.Equal(t, "Shadowrocket", ExtractClientName("Shadowrocket 2.2"))
		assert.Equal(t, "", ExtractClientName(""))
	})

	t.Run("normalize client name", func(t *testing.T) {
		assert.Equal(t, "v2rayNG", NormalizeClientName("V2RAYNG"))
		assert.Equal(t, "Clash for Windows", NormalizeClientName("clash-for-windows"))
		assert.Equal(t, "NekoBox", NormalizeClientName(" nekobox "))
		assert.Equal(t, "Hiddify", NormalizeClientName("Hiddify"))
	})

	t.Run("guess client type", func(t *testing.T) {
		tests := []struct {
			name, ua string
			expected models.ClientType
		}{
			{"v2rayNG", "", models.ClientTypeAndroid},
			{"", "Mozilla/5.0 (iPhone; CPU iPhone OS 17_0)", models.ClientTypeIOS},
			{"v2rayN", "", models.ClientTypeWindows},
			{"ClashX", "", models.ClientTypeMacOS},
			{"sing-box", "sing-box/1.8 linux", models.ClientTypeLinux},
			{"sing-box", "", models.ClientTypeOther},
			{"", "", models.ClientTypeOther},
		}
		for _, tt := range tests {
			assert.Equal(t, tt.expected, GuessClientType(tt.name, tt.ua), tt.name+" "+tt.ua)
		}
	})
}
