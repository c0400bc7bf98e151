// Package registry keeps the entities of one category keyed by their
// derived unique id.
//
// On every snapshot a Registry creates entities for ids it has not seen
// yet and hands them to the sink, and refreshes the ones it already knows
// with the record and the snapshot it came from. Entities are never
// recreated. With RetainForever (the
// default) they are never removed either; with Sweep an entity whose id is
// missing from a snapshot is removed from the registry and the sink.
package registry

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/blueconnect/internal/api"
	"github.com/tejusbharadwaj/blueconnect/internal/entity"
	"github.com/tejusbharadwaj/blueconnect/internal/models"
)

// Retention decides what happens to entities missing from a snapshot
type Retention string

const (
	RetainForever Retention = "retain"
	Sweep         Retention = "sweep"
)

// Candidate is a record of a snapshot with its derived id
type Candidate[T any] struct {
	ID     string
	Record T
}

// CandidateFunc extracts the records of a category from a snapshot
type CandidateFunc[T any] func(snapshot *models.Snapshot) []Candidate[T]

// BuildFunc creates the entity for a new id
type BuildFunc[T any] func(client api.Client, snapshot *models.Snapshot, id string, record T, sink entity.Sink) entity.Updater[T]

// Options are shared by the registries of an entry
type Options struct {
	EntryID   string
	Retention Retention
	// Entities, if set, tracks the registry size by entry_id and category
	Entities *prometheus.GaugeVec
	Logger   *logrus.Logger
}

// NewEntitiesGauge creates the blueconnect_entities gauge and registers it
// with reg
func NewEntitiesGauge(reg prometheus.Registerer) *prometheus.GaugeVec {
	g := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "blueconnect",
			Name:      "entities",
			Help:      "Number of entities known by category",
		},
		[]string{"entry_id", "category"},
	)
	reg.MustRegister(g)
	return g
}

type Registry[T any] struct {
	category   string
	client     api.Client
	sink       entity.Sink
	candidates CandidateFunc[T]
	build      BuildFunc[T]
	opts       Options
	logger     *logrus.Entry

	handleMu sync.Mutex // serializes Handle
	mu       sync.Mutex // guards entities, never held across sink calls
	entities map[string]entity.Updater[T]
}

type refresh[T any] struct {
	entity entity.Updater[T]
	record T
}

func New[T any](
	category string,
	client api.Client,
	sink entity.Sink,
	candidates CandidateFunc[T],
	build BuildFunc[T],
	opts Options,
) *Registry[T] {
	if opts.Retention == "" {
		opts.Retention = RetainForever
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Registry[T]{
		category:   category,
		client:     client,
		sink:       sink,
		candidates: candidates,
		build:      build,
		opts:       opts,
		logger: logger.WithFields(logrus.Fields{
			"entry_id": opts.EntryID,
			"category": category,
		}),
		entities: make(map[string]entity.Updater[T]),
	}
}

// Handle upserts the entities for snapshot. It is safe to call from
// several goroutines; calls are serialized.
//
// Sink calls run on the caller's goroutine after the registry lock is
// released, so Get, Len and IDs never wait on a slow sink.
func (r *Registry[T]) Handle(snapshot *models.Snapshot) {
	if snapshot == nil {
		return
	}

	r.handleMu.Lock()
	defer r.handleMu.Unlock()

	var (
		seen      = make(map[string]struct{})
		refreshed []refresh[T]
		created   []entity.Entity
		removed   []entity.Updater[T]
	)

	r.mu.Lock()
	for _, c := range r.candidates(snapshot) {
		seen[c.ID] = struct{}{}

		if existing, ok := r.entities[c.ID]; ok {
			refreshed = append(refreshed, refresh[T]{entity: existing, record: c.Record})
			continue
		}

		e := r.build(r.client, snapshot, c.ID, c.Record, r.sink)
		r.entities[c.ID] = e
		created = append(created, e)
	}

	if r.opts.Retention == Sweep {
		for id, e := range r.entities {
			if _, ok := seen[id]; ok {
				continue
			}
			delete(r.entities, id)
			removed = append(removed, e)
		}
	}
	size := len(r.entities)
	r.mu.Unlock()

	for _, u := range refreshed {
		u.entity.Refresh(snapshot, u.record)
	}

	if len(created) > 0 {
		for _, e := range created {
			r.logger.WithField("entity_id", e.UniqueID()).Info("Created entity")
		}
		r.sink.AddEntities(created)
	}

	for _, e := range removed {
		r.sink.RemoveEntity(e)
		r.logger.WithField("entity_id", e.UniqueID()).Info("Removed entity missing from snapshot")
	}

	if r.opts.Entities != nil {
		r.opts.Entities.WithLabelValues(r.opts.EntryID, r.category).Set(float64(size))
	}
}

// Get returns the entity registered under id
func (r *Registry[T]) Get(id string) (entity.Updater[T], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entities[id]
	return e, ok
}

// Len returns the number of registered entities
func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entities)
}

// IDs returns the registered ids in sorted order
func (r *Registry[T]) IDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entities))
	for id := range r.entities {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Category returns the category name given at construction
func (r *Registry[T]) Category() string {
	return r.category
}
