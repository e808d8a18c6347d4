package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"time"

	"github.com/deviceguard/server/internal/config"
	"github.com/deviceguard/server/internal/models"
	"github.com/deviceguard/server/internal/observability"
	"golang.org/x/oauth2/clientcredentials"
)

// Enricher resolves geo and ASN data for an address.
// Lookups are best-effort: callers continue without enrichment on error.
type Enricher interface {
	Lookup(ctx context.Context, ip string) (*models.IPEnrichment, error)
}

// NoopEnricher never returns enrichment
type NoopEnricher struct{}

func (NoopEnricher) Lookup(context.Context, string) (*models.IPEnrichment, error) {
	return nil, nil
}

// HTTPEnricher queries a JSON lookup endpoint and caches the answers
type HTTPEnricher struct {
	urlTemplate string
	httpClient  *http.Client
	cache       *IPCache
}

// NewHTTPEnricher creates an enricher for cfg. With a token URL the client
// authenticates with the OAuth2 client-credentials flow.
func NewHTTPEnricher(cfg config.Enrichment) *HTTPEnricher {
	timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
	client := &http.Client{Timeout: timeout}
	if cfg.TokenURL != "" {
		cc := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		client = cc.Client(context.Background())
		client.Timeout = timeout
	}

	return &HTTPEnricher{
		urlTemplate: cfg.URL,
		httpClient:  client,
		cache:       NewIPCache(time.Duration(cfg.CacheTTLSeconds) * time.Second),
	}
}

// Lookup returns the enrichment of ip; private and loopback addresses are never looked up
func (e *HTTPEnricher) Lookup(ctx context.Context, ip string) (*models.IPEnrichment, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return nil, models.NewValidationError("ip", "not a valid IP address")
	}
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsUnspecified() {
		return nil, nil
	}
	if cached, ok := e.cache.Get(ip); ok {
		return cached, nil
	}

	ctx, span := observability.StartServiceSpan(ctx, "EnrichmentService", "Lookup")
	defer span.End()

	endpoint := strings.ReplaceAll(e.urlTemplate, "{ip}", url.PathEscape(ip))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("enrichment lookup %s: %w", ip, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		e.cache.Set(ip, nil)
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("enrichment lookup %s: status %d: %s", ip, resp.StatusCode, strings.TrimSpace(string(body)))
		observability.RecordError(span, err)
		return nil, err
	}

	var result models.IPEnrichment
	if err := json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&result); err != nil {
		observability.RecordError(span, err)
		return nil, fmt.Errorf("enrichment lookup %s: decode: %w", ip, err)
	}
	result.CountryCode = strings.ToUpper(result.CountryCode)

	e.cache.Set(ip, &result)
	return &result, nil
}

// Close releases the cache
func (e *HTTPEnricher) Close() {
	e.cache.Close()
}
