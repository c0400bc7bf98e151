// Package platform connects the entity registries of an entry to the
// api-updated signal, grouped the way the host groups entities.
package platform

import (
	"github.com/tejusbharadwaj/blueconnect/internal/api"
	"github.com/tejusbharadwaj/blueconnect/internal/dispatcher"
	"github.com/tejusbharadwaj/blueconnect/internal/entity"
	"github.com/tejusbharadwaj/blueconnect/internal/models"
	"github.com/tejusbharadwaj/blueconnect/internal/registry"
)

// BinarySensors holds the battery and pool status entities
type BinarySensors struct {
	Battery    *registry.Registry[models.Device]
	Status     *registry.Registry[models.FeedMessage]
	disconnect func()
}

func SetupBinarySensors(d *dispatcher.Dispatcher, client api.Client, sink entity.Sink, opts registry.Options) *BinarySensors {
	p := &BinarySensors{
		Battery: registry.NewBatteryRegistry(client, sink, opts),
		Status:  registry.NewFeedRegistry(client, sink, opts),
	}
	p.disconnect = d.Connect(dispatcher.SignalAPIUpdated, p.dataReceived)
	return p
}

func (p *BinarySensors) dataReceived(snapshot *models.Snapshot) {
	p.Battery.Handle(snapshot)
	p.Status.Handle(snapshot)
}

// Unload stops listening for updates. Entities are kept.
func (p *BinarySensors) Unload() {
	p.disconnect()
}

// Len returns the number of binary sensor entities
func (p *BinarySensors) Len() int {
	return p.Battery.Len() + p.Status.Len()
}

// Sensors holds the measurement entities
type Sensors struct {
	Measurements *registry.Registry[models.Measurement]
	disconnect   func()
}

func SetupSensors(d *dispatcher.Dispatcher, client api.Client, sink entity.Sink, opts registry.Options) *Sensors {
	p := &Sensors{
		Measurements: registry.NewMeasurementRegistry(client, sink, opts),
	}
	p.disconnect = d.Connect(dispatcher.SignalAPIUpdated, p.Measurements.Handle)
	return p
}

// Unload stops listening for updates. Entities are kept.
func (p *Sensors) Unload() {
	p.disconnect()
}

func (p *Sensors) Len() int {
	return p.Measurements.Len()
}
