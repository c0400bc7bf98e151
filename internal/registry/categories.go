package registry

import (
	"github.com/tejusbharadwaj/blueconnect/internal/api"
	"github.com/tejusbharadwaj/blueconnect/internal/entity"
	"github.com/tejusbharadwaj/blueconnect/internal/models"
)

const (
	CategoryBattery     = "battery"
	CategoryFeed        = "feed"
	CategoryMeasurement = "measurement"
)

// DeviceCandidates yields the device of the snapshot, if any
func DeviceCandidates(s *models.Snapshot) []Candidate[models.Device] {
	if s.Device == nil {
		return nil
	}
	return []Candidate[models.Device]{{ID: entity.BatteryID(*s.Device), Record: *s.Device}}
}

// FeedCandidates yields the feed message of the snapshot. A message is
// keyed by the pool, so it is ignored while no pool is known.
func FeedCandidates(s *models.Snapshot) []Candidate[models.FeedMessage] {
	if s.FeedMessage == nil || s.PoolID() == "" {
		return nil
	}
	return []Candidate[models.FeedMessage]{{ID: entity.StatusID(s.PoolID()), Record: *s.FeedMessage}}
}

// MeasurementCandidates yields every measurement of the snapshot's pool
func MeasurementCandidates(s *models.Snapshot) []Candidate[models.Measurement] {
	poolID := s.PoolID()
	if poolID == "" {
		return nil
	}
	candidates := make([]Candidate[models.Measurement], 0, len(s.Measurements))
	for _, m := range s.Measurements {
		candidates = append(candidates, Candidate[models.Measurement]{
			ID:     entity.MeasurementID(poolID, m),
			Record: m,
		})
	}
	return candidates
}

func NewBatteryRegistry(client api.Client, sink entity.Sink, opts Options) *Registry[models.Device] {
	return New[models.Device](CategoryBattery, client, sink, DeviceCandidates,
		func(c api.Client, snapshot *models.Snapshot, id string, d models.Device, s entity.Sink) entity.Updater[models.Device] {
			return entity.NewBatterySensor(c, snapshot, id, d, s)
		}, opts)
}

func NewFeedRegistry(client api.Client, sink entity.Sink, opts Options) *Registry[models.FeedMessage] {
	return New[models.FeedMessage](CategoryFeed, client, sink, FeedCandidates,
		func(c api.Client, snapshot *models.Snapshot, id string, m models.FeedMessage, s entity.Sink) entity.Updater[models.FeedMessage] {
			return entity.NewStatusSensor(c, snapshot, id, m, s)
		}, opts)
}

func NewMeasurementRegistry(client api.Client, sink entity.Sink, opts Options) *Registry[models.Measurement] {
	return New[models.Measurement](CategoryMeasurement, client, sink, MeasurementCandidates,
		func(c api.Client, snapshot *models.Snapshot, id string, m models.Measurement, s entity.Sink) entity.Updater[models.Measurement] {
			return entity.NewMeasurementSensor(c, snapshot, id, m, s)
		}, opts)
}
