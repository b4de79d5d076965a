package maps

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"

	"github.com/stuartshay/path-worker/internal/state"
)

// StatusOK is the metadata status of a successful lookup
const StatusOK = "OK"

type metadataLocation struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

type metadataResponse struct {
	Status   string            `json:"status"`
	Location *metadataLocation `json:"location"`
}

type lookupResult struct {
	coord   state.Coordinate
	matched bool
}

// StreetViewClient normalizes single fixes to the nearest Street View panorama.
// Lookups are cached per coordinate and concurrent identical lookups share one call.
type StreetViewClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	cache      *cache.Cache
	group      singleflight.Group
}

// NewStreetViewClient creates a metadata client; ttl <= 0 disables caching
func NewStreetViewClient(baseURL, apiKey string, timeout, ttl time.Duration) *StreetViewClient {
	c := &StreetViewClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: newHTTPClient(timeout),
	}
	if ttl > 0 {
		c.cache = cache.New(ttl, 2*ttl)
	}
	return c
}

// Normalize returns the panorama coordinate for a raw fix. matched is false
// when the service has no panorama near the fix.
func (c *StreetViewClient) Normalize(ctx context.Context, lat, lng float64) (state.Coordinate, bool, error) {
	key := FormatCoordinate(lat, lng)

	if c.cache != nil {
		if cached, found := c.cache.Get(key); found {
			r := cached.(lookupResult)
			return r.coord, r.matched, nil
		}
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		r, err := c.lookup(ctx, key)
		if err != nil {
			return nil, err
		}
		if c.cache != nil {
			c.cache.SetDefault(key, r)
		}
		return r, nil
	})
	if err != nil {
		return state.Coordinate{}, false, err
	}

	r := v.(lookupResult)
	return r.coord, r.matched, nil
}

func (c *StreetViewClient) lookup(ctx context.Context, location string) (lookupResult, error) {
	params := url.Values{}
	params.Set("location", location)
	params.Set("key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/maps/api/streetview/metadata?"+params.Encode(), nil)
	if err != nil {
		return lookupResult{}, fmt.Errorf("failed to build metadata request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return lookupResult{}, fmt.Errorf("failed to call Street View metadata API: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return lookupResult{}, fmt.Errorf("street view metadata API error (status %d): %s", resp.StatusCode, string(body))
	}

	var parsed metadataResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return lookupResult{}, fmt.Errorf("failed to parse metadata response: %w", err)
	}

	if parsed.Status != StatusOK || parsed.Location == nil {
		return lookupResult{}, nil
	}

	return lookupResult{
		coord:   state.Coordinate{Latitude: parsed.Location.Lat, Longitude: parsed.Location.Lng},
		matched: true,
	}, nil
}
