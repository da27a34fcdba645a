// Package geo provides source-IP geolocation for the pipeline. Resolution
// is an external collaborator behind the Resolver interface; the core
// caches successful lookups per IP and treats failures as non-fatal.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrUnresolved reports that the resolver had no location for the address.
var ErrUnresolved = errors.New("address unresolved")

// Location is a resolved geolocation.
type Location struct {
	CountryCode string  `json:"country_code"`
	CountryName string  `json:"country_name"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	ASN         string  `json:"asn,omitempty"`
	ASNOrg      string  `json:"asn_org,omitempty"`
}

// Resolver resolves an IP address to a location. Implementations may block
// on network I/O; callers must not hold session locks across Resolve.
type Resolver interface {
	Resolve(ctx context.Context, ip string) (*Location, error)
}

// CachedResolver wraps a Resolver with a per-IP TTL cache. Failures are
// negatively cached for a shorter TTL so the next sighting of the IP
// retries without hammering the upstream service.
type CachedResolver struct {
	inner       Resolver
	timeout     time.Duration
	ttl         time.Duration
	negativeTTL time.Duration

	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

type cacheEntry struct {
	loc       *Location
	expiresAt time.Time
	notFound  bool
}

// CacheConfig configures a CachedResolver.
type CacheConfig struct {
	Timeout     time.Duration
	TTL         time.Duration
	NegativeTTL time.Duration
}

// NewCachedResolver wraps inner with caching and a per-lookup timeout.
func NewCachedResolver(inner Resolver, cfg CacheConfig) *CachedResolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = 5 * time.Minute
	}
	return &CachedResolver{
		inner:       inner,
		timeout:     cfg.Timeout,
		ttl:         cfg.TTL,
		negativeTTL: cfg.NegativeTTL,
		entries:     make(map[string]*cacheEntry),
	}
}

// Peek returns the cached location for ip without performing I/O. The
// second return is false when the cache has no live positive entry.
func (c *CachedResolver) Peek(ip string) (*Location, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[ip]
	if !ok || entry.notFound || time.Now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.loc, true
}

// Resolve returns the cached location or consults the inner resolver. A
// timed-out or failed lookup returns the error and leaves the caller to
// proceed with no geo data.
func (c *CachedResolver) Resolve(ctx context.Context, ip string) (*Location, error) {
	c.mu.RLock()
	entry, ok := c.entries[ip]
	c.mu.RUnlock()

	if ok && time.Now().Before(entry.expiresAt) {
		if entry.notFound {
			return nil, ErrUnresolved
		}
		return entry.loc, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	loc, err := c.inner.Resolve(ctx, ip)
	if err != nil {
		c.store(ip, nil, true, c.negativeTTL)
		return nil, err
	}

	c.store(ip, loc, false, c.ttl)
	return loc, nil
}

func (c *CachedResolver) store(ip string, loc *Location, notFound bool, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[ip] = &cacheEntry{
		loc:       loc,
		expiresAt: time.Now().Add(ttl),
		notFound:  notFound,
	}
}

// Cleanup removes expired entries. Call periodically from a background
// goroutine.
func (c *CachedResolver) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for ip, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, ip)
		}
	}
}

// HTTPResolver resolves addresses against an ip-api compatible JSON
// endpoint. The upstream enrichment service owns accuracy and rate
// limiting policy; this client only fetches and decodes.
type HTTPResolver struct {
	baseURL    string
	httpClient *http.Client
}

// HTTPConfig configures an HTTPResolver.
type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration
}

// NewHTTPResolver creates a resolver for the given endpoint.
func NewHTTPResolver(cfg HTTPConfig) *HTTPResolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &HTTPResolver{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// geoResponse is the ip-api JSON shape.
type geoResponse struct {
	Status      string  `json:"status"`
	Country     string  `json:"country"`
	CountryCode string  `json:"countryCode"`
	City        string  `json:"city"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	AS          string  `json:"as"`
	Org         string  `json:"org"`
	Message     string  `json:"message"`
}

// Resolve looks up ip over HTTP.
func (r *HTTPResolver) Resolve(ctx context.Context, ip string) (*Location, error) {
	endpoint := fmt.Sprintf("%s/json/%s", r.baseURL, url.PathEscape(ip))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating geo request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("geo lookup failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("geo service returned status %d", resp.StatusCode)
	}

	var gr geoResponse
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return nil, fmt.Errorf("decoding geo response: %w", err)
	}

	if gr.Status != "success" {
		return nil, fmt.Errorf("%w: %s", ErrUnresolved, gr.Message)
	}

	return &Location{
		CountryCode: gr.CountryCode,
		CountryName: gr.Country,
		City:        gr.City,
		Lat:         gr.Lat,
		Lon:         gr.Lon,
		ASN:         gr.AS,
		ASNOrg:      gr.Org,
	}, nil
}
