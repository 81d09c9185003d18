// Package lookup talks to the third-party services used for network
// diagnostics: a public-IP echo endpoint and an IP geolocation API.
package lookup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/karlseguin/ccache"
)

const (
	DefaultPublicIPURL = "https://ifconfig.me/ip"
	DefaultGeoURL      = "http://ip-api.com/json/"
	DefaultTimeout     = 10 * time.Second

	maxBodyBytes = 1 << 20

	geoCacheSize  = 256
	geoCachePrune = 32
)

// GeoFields is the allow-list of geolocation keys passed back to the controller.
var GeoFields = []string{
	"query", "status", "country", "countryCode", "region", "regionName",
	"city", "zip", "lat", "lon", "timezone", "isp", "org", "as",
}

// ErrEmptyResponse is returned when a service answers 2xx with no usable body.
var ErrEmptyResponse = errors.New("empty response")

// UpstreamFailError is returned when the geolocation service reports status "fail".
type UpstreamFailError struct {
	Message string
	Body    map[string]any
}

func (e *UpstreamFailError) Error() string {
	return e.Message
}

// StatusError is a non-2xx answer from a lookup service.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.URL, e.StatusCode)
}

// Client performs outbound lookups with a bounded timeout.
type Client struct {
	publicIPURL string
	geoURL      string
	httpClient  *http.Client
	geoCache    *ccache.Cache
	geoTTL      time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithGeoCacheTTL keeps successful geolocation answers per IP for ttl.
// ttl <= 0 disables the cache.
func WithGeoCacheTTL(ttl time.Duration) Option {
	return func(c *Client) {
		c.geoTTL = ttl
	}
}

// New creates a lookup client. Empty URLs fall back to the defaults.
func New(publicIPURL, geoURL string, timeout time.Duration, opts ...Option) *Client {
	if publicIPURL == "" {
		publicIPURL = DefaultPublicIPURL
	}
	if geoURL == "" {
		geoURL = DefaultGeoURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c := &Client{
		publicIPURL: publicIPURL,
		geoURL:      geoURL,
		httpClient:  &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.geoTTL > 0 {
		c.geoCache = ccache.New(ccache.Configure().MaxSize(geoCacheSize).ItemsToPrune(geoCachePrune))
	}
	return c
}

// Close stops the cache's background worker. Safe on a client without a cache.
func (c *Client) Close() {
	if c.geoCache != nil {
		c.geoCache.Stop()
	}
}

// PublicIP asks the echo service for this host's public address.
func (c *Client) PublicIP(ctx context.Context) (string, error) {
	body, err := c.get(ctx, c.publicIPURL)
	if err != nil {
		return "", err
	}
	ip := strings.TrimSpace(string(body))
	if ip == "" {
		return "", ErrEmptyResponse
	}
	return ip, nil
}

// Geolocate looks ip up and returns only the allow-listed fields. Keys the
// service omitted are present with a nil value. Only successful answers are cached.
func (c *Client) Geolocate(ctx context.Context, ip string) (map[string]any, error) {
	if c.geoCache != nil {
		if item := c.geoCache.Get(ip); item != nil && !item.Expired() {
			if cached, ok := item.Value().(map[string]any); ok {
				return copyGeo(cached), nil
			}
		}
	}

	geo, err := c.geolocate(ctx, ip)
	if err != nil {
		return nil, err
	}
	if c.geoCache != nil {
		c.geoCache.Set(ip, copyGeo(geo), c.geoTTL)
	}
	return geo, nil
}

func (c *Client) geolocate(ctx context.Context, ip string) (map[string]any, error) {
	body, err := c.get(ctx, c.geoURL+url.PathEscape(ip))
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, ErrEmptyResponse
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode geolocation response: %w", err)
	}
	if raw == nil {
		return nil, ErrEmptyResponse
	}

	if status, _ := raw["status"].(string); status == "fail" {
		msg, _ := raw["message"].(string)
		if msg == "" {
			msg = "Geolocation lookup failed"
		}
		return nil, &UpstreamFailError{Message: msg, Body: raw}
	}

	return FilterGeo(raw), nil
}

// FilterGeo projects raw onto GeoFields.
func FilterGeo(raw map[string]any) map[string]any {
	out := make(map[string]any, len(GeoFields))
	for _, k := range GeoFields {
		out[k] = raw[k]
	}
	return out
}

func copyGeo(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (c *Client) get(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{URL: target, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}
