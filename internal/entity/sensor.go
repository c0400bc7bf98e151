package entity

import (
	"fmt"

	"github.com/tejusbharadwaj/blueconnect/internal/api"
	"github.com/tejusbharadwaj/blueconnect/internal/models"
)

const (
	DeviceClassTemperature = "temperature"

	UnitCelsius    = "°C"
	UnitFahrenheit = "°F"
	UnitMillivolt  = "mV"

	// C locale rendering of %x %X
	lastUpdateLayout = "01/02/06 15:04:05"
)

// MeasurementSensor renders one measurement of a pool
type MeasurementSensor struct {
	Base[models.Measurement]
}

func NewMeasurementSensor(client api.Client, snapshot *models.Snapshot, uniqueID string, measurement models.Measurement, sink Sink) *MeasurementSensor {
	s := &MeasurementSensor{}
	s.init(client, snapshot, uniqueID, measurement, sink, s)
	return s
}

// MeasurementID derives the unique id of a measurement sensor. It depends
// only on the pool id and the measurement name.
func MeasurementID(poolID string, m models.Measurement) string {
	return poolID + "." + m.Name
}

func (s *MeasurementSensor) Platform() string { return PlatformSensor }

func (s *MeasurementSensor) DeviceClass() string {
	if s.Data().Name == "temperature" {
		return DeviceClassTemperature
	}
	return ""
}

func (s *MeasurementSensor) State() interface{} {
	return s.Data().Value
}

func (s *MeasurementSensor) Name() string {
	return fmt.Sprintf("%s: %s", s.poolName(), s.Data().Name)
}

func (s *MeasurementSensor) UnitOfMeasurement() string {
	switch s.Data().Name {
	case "temperature":
		if snapshot := s.Snapshot(); snapshot != nil && snapshot.TemperatureUnit == models.Fahrenheit {
			return UnitFahrenheit
		}
		return UnitCelsius
	case "orp":
		return UnitMillivolt
	}
	return ""
}

func (s *MeasurementSensor) Attributes() map[string]interface{} {
	m := s.Data()
	return map[string]interface{}{
		"last_update":  m.Timestamp.Local().Format(lastUpdateLayout),
		"trend":        string(m.Trend),
		"ok_min":       m.OKMin,
		"ok_max":       m.OKMax,
		"warning_high": m.WarningHigh,
		"warning_low":  m.WarningLow,
		"issuer":       m.Issuer,
	}
}

var _ Updater[models.Measurement] = (*MeasurementSensor)(nil)
