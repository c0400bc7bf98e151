// Package api implements the client for the Blue Connect cloud API.
//
// The client fetches the account preferences, the first swimming pool of
// the account, its Blue Connect device, the current feed message and the
// latest measurements, and assembles them into an immutable
// models.Snapshot. The most recent snapshot is kept and can be read with
// Snapshot.
//
// Example usage:
//
//	client := api.NewBlueClient(api.Config{
//	    URL:      "https://api.example.com/prod",
//	    Username: "user@example.com",
//	    Password: "secret",
//	    Language: "en",
//	}, logger)
//	defer client.Close()
//
//	snapshot, err := client.FetchData(ctx)
package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/tejusbharadwaj/blueconnect/internal/models"
)

const maxResponseBodySize = 1 << 20

var (
	ErrNetwork = errors.New("error making API request")
	ErrAuth    = errors.New("API rejected credentials")
	ErrStatus  = errors.New("error status from API")
	ErrDecode  = errors.New("failed to decode API response")
)

// Client is the remote API used by the coordinator and the entities.
type Client interface {
	// FetchData retrieves a fresh snapshot and stores it as the latest one.
	FetchData(ctx context.Context) (*models.Snapshot, error)

	// Snapshot returns the most recently fetched snapshot, or nil before
	// the first successful fetch.
	Snapshot() *models.Snapshot

	// UserInfo returns the account information of the configured user.
	UserInfo(ctx context.Context) (map[string]interface{}, error)

	// Close releases network resources.
	Close() error
}

// Config holds the settings of a BlueClient
type Config struct {
	URL       string
	Username  string
	Password  string
	Language  string
	RateLimit float64 // requests per second towards the API, 0 disables limiting
	RateBurst int
	Timeout   time.Duration // per HTTP request, 0 means no limit
}

// BlueClient implements Client over HTTP
type BlueClient struct {
	baseURL    string
	username   string
	password   string
	language   string
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     logrus.FieldLogger

	mu       sync.RWMutex
	snapshot *models.Snapshot
}

type contextKey string

const requestIDKey contextKey = "requestID"

// WithRequestID attaches a request id that is sent with every API call
// made using ctx.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id carried by ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func NewBlueClient(cfg Config, logger logrus.FieldLogger) *BlueClient {
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	language := cfg.Language
	if language == "" {
		language = "en"
	}
	return &BlueClient{
		baseURL:  cfg.URL,
		username: cfg.Username,
		password: cfg.Password,
		language: language,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

type preferencesResponse struct {
	TemperatureUnit models.TemperatureUnit `json:"display_temperature_unit"`
}

type poolsResponse struct {
	Data []models.Pool `json:"data"`
}

type devicesResponse struct {
	Data []models.Device `json:"data"`
}

type feedResponse struct {
	Data struct {
		CurrentMessage *models.FeedMessage `json:"current_message"`
	} `json:"data"`
}

type measurementsResponse struct {
	Data []models.Measurement `json:"data"`
}

// FetchData retrieves the account preferences, the first pool, its device,
// feed message and last measurements. The snapshot is stored only when
// every call succeeds.
func (c *BlueClient) FetchData(ctx context.Context) (*models.Snapshot, error) {
	snapshot := &models.Snapshot{
		TemperatureUnit: models.Celsius,
		Measurements:    []models.Measurement{},
	}

	var prefs preferencesResponse
	if err := c.getJSON(ctx, "/user/preferences", nil, &prefs); err != nil {
		return nil, err
	}
	if prefs.TemperatureUnit != "" {
		snapshot.TemperatureUnit = prefs.TemperatureUnit
	}

	var pools poolsResponse
	if err := c.getJSON(ctx, "/swimming_pool", nil, &pools); err != nil {
		return nil, err
	}
	if len(pools.Data) > 0 {
		pool := pools.Data[0]
		snapshot.Pool = &pool
		poolPath := "/swimming_pool/" + url.PathEscape(pool.ID)

		var devices devicesResponse
		if err := c.getJSON(ctx, poolPath+"/blue", nil, &devices); err != nil {
			return nil, err
		}
		if len(devices.Data) > 0 {
			device := devices.Data[0]
			snapshot.Device = &device
		}

		var feed feedResponse
		query := url.Values{"lang": {c.language}}
		if err := c.getJSON(ctx, poolPath+"/feed", query, &feed); err != nil {
			return nil, err
		}
		snapshot.FeedMessage = feed.Data.CurrentMessage

		if snapshot.Device != nil {
			var measurements measurementsResponse
			path := poolPath + "/blue/" + url.PathEscape(snapshot.Device.Serial) + "/lastMeasurements"
			query := url.Values{"mode": {"blue_and_strip"}}
			if err := c.getJSON(ctx, path, query, &measurements); err != nil {
				return nil, err
			}
			snapshot.Measurements = measurements.Data
		}
	}

	snapshot.FetchedAt = time.Now()

	c.mu.Lock()
	c.snapshot = snapshot
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"request_id":   RequestID(ctx),
		"pool_id":      snapshot.PoolID(),
		"measurements": len(snapshot.Measurements),
	}).Debug("Fetched snapshot")

	return snapshot, nil
}

func (c *BlueClient) Snapshot() *models.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

func (c *BlueClient) UserInfo(ctx context.Context) (map[string]interface{}, error) {
	var info map[string]interface{}
	if err := c.getJSON(ctx, "/user", nil, &info); err != nil {
		return nil, err
	}
	return info, nil
}

// Close closes idle connections. Safe to call multiple times.
func (c *BlueClient) Close() error {
	if transport, ok := c.httpClient.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
	return nil
}

func (c *BlueClient) getJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	requestID := RequestID(ctx)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	req.Header.Set("X-Request-ID", requestID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: got %d", ErrAuth, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: %s got %d", ErrStatus, path, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDecode, path, err)
	}
	return nil
}

// Compile-time interface implementation check
var _ Client = (*BlueClient)(nil)
