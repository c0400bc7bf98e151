package sink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/blueconnect/internal/api/mocks"
	"github.com/tejusbharadwaj/blueconnect/internal/entity"
	"github.com/tejusbharadwaj/blueconnect/internal/models"
)

func measurement(store entity.Sink, name string, value float64) *entity.MeasurementSensor {
	snapshot := &models.Snapshot{Pool: &models.Pool{ID: "P1", Name: "Garden"}}
	return entity.NewMeasurementSensor(&mocks.Client{}, snapshot, "P1."+name, models.Measurement{Name: name, Value: value}, store)
}

func TestMemoryStoreLifecycle(t *testing.T) {
	store := NewMemoryStore()
	events := store.Subscribe()
	defer store.Unsubscribe(events)

	temp := measurement(store, "temperature", 26.5)
	ph := measurement(store, "ph", 7.2)
	store.AddEntities([]entity.Entity{temp, ph})

	all := store.GetAll()
	require.Len(t, all, 2)
	assert.Equal(t, "P1.ph", all[0].UniqueID)
	assert.Equal(t, "P1.temperature", all[1].UniqueID)

	temp.UpdateData(models.Measurement{Name: "temperature", Value: 27})
	d, ok := store.Get("P1.temperature")
	require.True(t, ok)
	assert.Equal(t, 27.0, d.State)
	assert.Equal(t, "Garden: temperature", d.Name)

	store.RemoveEntity(ph)
	_, ok = store.Get("P1.ph")
	assert.False(t, ok)

	var kinds []string
	for i := 0; i < 4; i++ {
		kinds = append(kinds, (<-events).Type)
	}
	assert.Equal(t, []string{EventAdded, EventAdded, EventChanged, EventRemoved}, kinds)
}

func TestMemoryStoreSlowSubscriberDoesNotBlock(t *testing.T) {
	store := NewMemoryStore()
	events := store.Subscribe()
	defer store.Unsubscribe(events)

	temp := measurement(store, "temperature", 0)
	for i := 0; i < subscriberBuffer+50; i++ {
		temp.UpdateData(models.Measurement{Name: "temperature", Value: float64(i)})
	}

	assert.Len(t, events, subscriberBuffer)
	d, _ := store.Get("P1.temperature")
	assert.Equal(t, float64(subscriberBuffer+49), d.State)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	store := NewMemoryStore()
	events := store.Subscribe()

	store.Unsubscribe(events)
	store.Unsubscribe(events)

	_, open := <-events
	assert.False(t, open)
}

type countingSink struct{ added, changed, removed int }

func (c *countingSink) AddEntities(e []entity.Entity) { c.added += len(e) }
func (c *countingSink) StateChanged(entity.Entity)    { c.changed++ }
func (c *countingSink) RemoveEntity(entity.Entity)    { c.removed++ }

func TestFanout(t *testing.T) {
	a, b := &countingSink{}, &countingSink{}
	f := Fanout{a, b}

	temp := measurement(f, "temperature", 1)
	f.AddEntities([]entity.Entity{temp})
	temp.UpdateData(models.Measurement{Name: "temperature", Value: 2})
	f.RemoveEntity(temp)

	for _, s := range []*countingSink{a, b} {
		assert.Equal(t, 1, s.added)
		assert.Equal(t, 1, s.changed)
		assert.Equal(t, 1, s.removed)
	}
}
