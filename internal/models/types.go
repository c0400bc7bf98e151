package models

import "time"

// TemperatureUnit is the account preference for displaying temperatures
type TemperatureUnit string

const (
	Celsius    TemperatureUnit = "celsius"
	Fahrenheit TemperatureUnit = "fahrenheit"
)

// Trend describes the direction of a measurement since the previous reading
type Trend string

const (
	TrendIncrease  Trend = "increase"
	TrendDecrease  Trend = "decrease"
	TrendStable    Trend = "stable"
	TrendUndefined Trend = "undefined"
)

// StatusOK is the feed message id reported when the pool needs no action
const StatusOK = "SWP_OK"

// Device represents a Blue Connect probe
type Device struct {
	Serial          string `json:"blue_device_serial"`
	BatteryLow      bool   `json:"battery_low"`
	HWProductName   string `json:"hw_product_name"`
	HWProductType   string `json:"hw_product_type"`
	FirmwareVersion string `json:"fw_version_psoc"`
}

// Pool represents a swimming pool registered on the account
type Pool struct {
	ID   string `json:"swimming_pool_id"`
	Name string `json:"name"`
}

// FeedMessage is the current status message for a pool
type FeedMessage struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Message string `json:"message"`
}

// Problem reports whether the message signals that the pool needs attention
func (m FeedMessage) Problem() bool {
	return m.ID != StatusOK
}

// Measurement is a single reading taken by the probe or a test strip
type Measurement struct {
	Name        string    `json:"name"`
	Value       float64   `json:"value"`
	Timestamp   time.Time `json:"timestamp"`
	Trend       Trend     `json:"trend"`
	OKMin       float64   `json:"ok_min"`
	OKMax       float64   `json:"ok_max"`
	WarningLow  float64   `json:"warning_low"`
	WarningHigh float64   `json:"warning_high"`
	GaugeMin    float64   `json:"gauge_min"`
	GaugeMax    float64   `json:"gauge_max"`
	Issuer      string    `json:"issuer"`
	Expired     bool      `json:"expired"`
}

// Snapshot is the full result of one fetch. A snapshot is never mutated
// after it has been published.
type Snapshot struct {
	Device          *Device         `json:"device,omitempty"`
	Pool            *Pool           `json:"pool,omitempty"`
	FeedMessage     *FeedMessage    `json:"feed_message,omitempty"`
	Measurements    []Measurement   `json:"measurements"`
	TemperatureUnit TemperatureUnit `json:"temperature_unit"`
	FetchedAt       time.Time       `json:"fetched_at"`
}

// PoolID returns the pool id, or an empty string when no pool is known
func (s *Snapshot) PoolID() string {
	if s == nil || s.Pool == nil {
		return ""
	}
	return s.Pool.ID
}

// PoolName returns the pool name, or an empty string when no pool is known
func (s *Snapshot) PoolName() string {
	if s == nil || s.Pool == nil {
		return ""
	}
	return s.Pool.Name
}
