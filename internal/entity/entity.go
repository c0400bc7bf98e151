// Package entity implements the observers rendered by the host.
//
// Every entity keeps a reference to the API client, a stable unique id,
// the most recent record of its kind and the snapshot that record came
// from. Pool name and temperature unit are rendered from that snapshot,
// never from the client, so a fetch that was discarded cannot change what
// an entity shows. UpdateData and Refresh are the only ways its data
// changes; both notify the Sink. Entities never poll on their own.
package entity

import (
	"sync"
	"time"

	"github.com/tejusbharadwaj/blueconnect/internal/api"
	"github.com/tejusbharadwaj/blueconnect/internal/models"
)

const (
	PlatformSensor       = "sensor"
	PlatformBinarySensor = "binary_sensor"

	Manufacturer = "Blue Riiot"
)

// Entity is the rendered surface of an observer
type Entity interface {
	UniqueID() string
	Name() string
	Platform() string
	State() interface{}
	DeviceClass() string
	UnitOfMeasurement() string
	Attributes() map[string]interface{}
	ShouldPoll() bool
}

// Updater is an Entity that accepts records of type T
type Updater[T any] interface {
	Entity
	UpdateData(data T)
	Refresh(snapshot *models.Snapshot, data T)
}

// DeviceInfoProvider is implemented by entities that describe a device
type DeviceInfoProvider interface {
	DeviceInfo() *DeviceInfo
}

// DeviceInfo is the device registry information of an entity
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	Serial       string   `json:"serial"`
}

// Sink receives entities and their state changes
type Sink interface {
	// AddEntities is called once for every newly created entity
	AddEntities(entities []Entity)
	// StateChanged is called after an entity received new data
	StateChanged(e Entity)
	// RemoveEntity is called when a registry sweeps an entity
	RemoveEntity(e Entity)
}

// Base carries the state shared by all entities. Embedders call init
// before use.
type Base[T any] struct {
	client   api.Client
	uniqueID string
	sink     Sink
	self     Entity

	mu        sync.RWMutex
	snapshot  *models.Snapshot
	data      T
	updatedAt time.Time
}

func (b *Base[T]) init(client api.Client, snapshot *models.Snapshot, uniqueID string, data T, sink Sink, self Entity) {
	b.client = client
	b.snapshot = snapshot
	b.uniqueID = uniqueID
	b.data = data
	b.sink = sink
	b.self = self
	b.updatedAt = time.Now()
}

func (b *Base[T]) UniqueID() string {
	return b.uniqueID
}

// ShouldPoll is false: entities are updated by their registry.
func (b *Base[T]) ShouldPoll() bool {
	return false
}

// Client returns the API client the entity was created with
func (b *Base[T]) Client() api.Client {
	return b.client
}

// Snapshot returns the snapshot the current record came from
func (b *Base[T]) Snapshot() *models.Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.snapshot
}

// Data returns the current record
func (b *Base[T]) Data() T {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.data
}

// UpdatedAt returns when the record was last replaced
func (b *Base[T]) UpdatedAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.updatedAt
}

// UpdateData replaces the record and notifies the sink. The snapshot is
// kept.
func (b *Base[T]) UpdateData(data T) {
	b.mu.Lock()
	b.data = data
	b.updatedAt = time.Now()
	b.mu.Unlock()

	b.notify()
}

// Refresh replaces the record together with the snapshot it came from and
// notifies the sink
func (b *Base[T]) Refresh(snapshot *models.Snapshot, data T) {
	b.mu.Lock()
	b.snapshot = snapshot
	b.data = data
	b.updatedAt = time.Now()
	b.mu.Unlock()

	b.notify()
}

func (b *Base[T]) notify() {
	if b.sink != nil {
		b.sink.StateChanged(b.self)
	}
}

func (b *Base[T]) poolName() string {
	return b.Snapshot().PoolName()
}

// Description is a point-in-time rendering of an entity, used by sinks
type Description struct {
	UniqueID    string                 `json:"unique_id"`
	Name        string                 `json:"name"`
	Platform    string                 `json:"platform"`
	State       interface{}            `json:"state"`
	DeviceClass string                 `json:"device_class,omitempty"`
	Unit        string                 `json:"unit_of_measurement,omitempty"`
	Attributes  map[string]interface{} `json:"attributes,omitempty"`
	Device      *DeviceInfo            `json:"device,omitempty"`
	RenderedAt  time.Time              `json:"rendered_at"`
}

// Describe renders e
func Describe(e Entity) Description {
	d := Description{
		UniqueID:    e.UniqueID(),
		Name:        e.Name(),
		Platform:    e.Platform(),
		State:       e.State(),
		DeviceClass: e.DeviceClass(),
		Unit:        e.UnitOfMeasurement(),
		Attributes:  e.Attributes(),
		RenderedAt:  time.Now(),
	}
	if p, ok := e.(DeviceInfoProvider); ok {
		d.Device = p.DeviceInfo()
	}
	return d
}
