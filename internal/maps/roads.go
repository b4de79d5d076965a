// Package maps implements the geospatial web-service clients used to normalize
// raw location fixes: batch snap-to-roads and per-fix Street View metadata lookups.
package maps

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/stuartshay/path-worker/internal/state"
)

// LatLng is a snapped coordinate as returned by the Roads API
type LatLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// SnappedPoint is one entry of a snap-to-roads response. Every field may be absent.
type SnappedPoint struct {
	Location      *LatLng `json:"location"`
	OriginalIndex *int    `json:"originalIndex"`
	PlaceID       string  `json:"placeId"`
}

type snapResponse struct {
	SnappedPoints  []SnappedPoint `json:"snappedPoints"`
	WarningMessage string         `json:"warningMessage"`
}

// RoadsClient calls the snap-to-roads endpoint
type RoadsClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewRoadsClient creates a Roads API client rooted at baseURL
func NewRoadsClient(baseURL, apiKey string, timeout time.Duration) *RoadsClient {
	return &RoadsClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: newHTTPClient(timeout),
	}
}

// MaxPathPoints is the most points the Roads API accepts per request
const MaxPathPoints = 100

// SnapToRoads snaps the ordered path in requests of at most MaxPathPoints
// and returns the snapped points unfiltered. OriginalIndex always refers to
// the position in path, not in the request chunk.
func (c *RoadsClient) SnapToRoads(ctx context.Context, path []state.Coordinate, interpolate bool) ([]SnappedPoint, error) {
	var snapped []SnappedPoint
	for start := 0; start < len(path); start += MaxPathPoints {
		end := start + MaxPathPoints
		if end > len(path) {
			end = len(path)
		}

		points, err := c.snapChunk(ctx, path[start:end], interpolate)
		if err != nil {
			return nil, err
		}
		for _, p := range points {
			if p.OriginalIndex != nil {
				idx := *p.OriginalIndex + start
				p.OriginalIndex = &idx
			}
			snapped = append(snapped, p)
		}
	}
	return snapped, nil
}

func (c *RoadsClient) snapChunk(ctx context.Context, path []state.Coordinate, interpolate bool) ([]SnappedPoint, error) {
	params := url.Values{}
	params.Set("path", FormatPath(path))
	params.Set("interpolate", strconv.FormatBool(interpolate))
	params.Set("key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/snapToRoads?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build snap request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call Roads API: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("roads API error (status %d): %s", resp.StatusCode, string(body))
	}

	var parsed snapResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse Roads API response: %w", err)
	}

	return parsed.SnappedPoints, nil
}

// FormatPath renders coordinates as "lat,lng|lat,lng|..."
func FormatPath(path []state.Coordinate) string {
	parts := make([]string, len(path))
	for i, p := range path {
		parts[i] = FormatCoordinate(p.Latitude, p.Longitude)
	}
	return strings.Join(parts, "|")
}

// FormatCoordinate renders a coordinate as "lat,lng" without losing precision
func FormatCoordinate(lat, lng float64) string {
	return strconv.FormatFloat(lat, 'f', -1, 64) + "," + strconv.FormatFloat(lng, 'f', -1, 64)
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}
