package entity

import (
	"fmt"

	"github.com/tejusbharadwaj/blueconnect/internal/api"
	"github.com/tejusbharadwaj/blueconnect/internal/models"
)

const (
	DeviceClassBattery = "battery"
	DeviceClassProblem = "problem"
)

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// BatterySensor reports a low battery on the Blue Connect device
type BatterySensor struct {
	Base[models.Device]
}

func NewBatterySensor(client api.Client, snapshot *models.Snapshot, uniqueID string, device models.Device, sink Sink) *BatterySensor {
	s := &BatterySensor{}
	s.init(client, snapshot, uniqueID, device, sink, s)
	return s
}

// BatteryID derives the unique id of the battery sensor of a device
func BatteryID(device models.Device) string {
	return device.Serial + ".battery"
}

func (s *BatterySensor) Platform() string          { return PlatformBinarySensor }
func (s *BatterySensor) DeviceClass() string       { return DeviceClassBattery }
func (s *BatterySensor) UnitOfMeasurement() string { return "" }

// IsOn is true when the battery is low
func (s *BatterySensor) IsOn() bool {
	return s.Data().BatteryLow
}

func (s *BatterySensor) State() interface{} {
	return onOff(s.IsOn())
}

func (s *BatterySensor) Name() string {
	d := s.Data()
	return fmt.Sprintf("%s %s: Battery low", d.HWProductName, d.HWProductType)
}

func (s *BatterySensor) Attributes() map[string]interface{} {
	return nil
}

func (s *BatterySensor) DeviceInfo() *DeviceInfo {
	d := s.Data()
	return &DeviceInfo{
		Identifiers:  []string{d.Serial},
		Name:         fmt.Sprintf("%s %s", d.HWProductName, d.HWProductType),
		Manufacturer: Manufacturer,
		Model:        d.HWProductType,
		Serial:       d.Serial,
	}
}

// StatusSensor turns the pool feed message into a problem sensor
type StatusSensor struct {
	Base[models.FeedMessage]
}

func NewStatusSensor(client api.Client, snapshot *models.Snapshot, uniqueID string, message models.FeedMessage, sink Sink) *StatusSensor {
	s := &StatusSensor{}
	s.init(client, snapshot, uniqueID, message, sink, s)
	return s
}

// StatusID derives the unique id of the status sensor of a pool
func StatusID(poolID string) string {
	return poolID + ".feed"
}

func (s *StatusSensor) Platform() string          { return PlatformBinarySensor }
func (s *StatusSensor) DeviceClass() string       { return DeviceClassProblem }
func (s *StatusSensor) UnitOfMeasurement() string { return "" }

// IsOn is true when the feed message is anything but the all-clear
func (s *StatusSensor) IsOn() bool {
	return s.Data().Problem()
}

func (s *StatusSensor) State() interface{} {
	return onOff(s.IsOn())
}

func (s *StatusSensor) Name() string {
	return fmt.Sprintf("%s: Pool status", s.poolName())
}

func (s *StatusSensor) Attributes() map[string]interface{} {
	m := s.Data()
	return map[string]interface{}{
		"title":   m.Title,
		"message": m.Message,
	}
}

var (
	_ Updater[models.Device]      = (*BatterySensor)(nil)
	_ Updater[models.FeedMessage] = (*StatusSensor)(nil)
	_ DeviceInfoProvider          = (*BatterySensor)(nil)
)
