// Package iomap translates the numeric AVL IO element ids a device
// emits into the named fields internal/telemetry expects. It is a
// pure function over internal/codec's output: no IO and no caching.
package iomap

import "github.com/haulfleet/ingestd/internal/codec"

// Known AVL IO element ids. Not exhaustive — anything not listed here
// is preserved under Mapped.Unknown rather than dropped.
const (
	idDigitalInput1   uint16 = 1
	idDigitalInput2   uint16 = 2
	idAnalogInput1    uint16 = 9
	idTotalOdometer   uint16 = 16
	idAxisX           uint16 = 17
	idAxisY           uint16 = 18
	idAxisZ           uint16 = 19
	idGSMSignal       uint16 = 21
	idExternalVoltage uint16 = 66
	idBatteryVoltage  uint16 = 67
	idIgnition        uint16 = 239
	idMovement        uint16 = 240
)

// Mapped is the named-field view of one record's IO elements. Fields
// not present on the wire keep their zero value; Unknown carries
// every element id this table doesn't recognize, keyed by id, so
// nothing observed on the wire is silently discarded.
type Mapped struct {
	DigitalInput1   bool
	DigitalInput2   bool
	AnalogInput1    uint32
	TotalOdometer   uint32
	AxisX           int16
	AxisY           int16
	AxisZ           int16
	GSMSignal       uint8
	ExternalVoltage uint16
	BatteryVoltage  uint16
	Ignition        bool
	Movement        bool
	Unknown         map[uint16]codec.IOElement
}

// Map translates a decoded record's IO elements into named fields.
// Values are copied as-is; no unit conversion or rescaling happens
// here, only the reinterpretation needed to give a field its declared
// Go type (e.g. a 2-byte group value becomes a signed int16 for the
// axis fields since accelerometer readings are signed).
func Map(elements []codec.IOElement) Mapped {
	m := Mapped{Unknown: make(map[uint16]codec.IOElement)}
	for _, e := range elements {
		switch e.ID {
		case idDigitalInput1:
			m.DigitalInput1 = e.Value != 0
		case idDigitalInput2:
			m.DigitalInput2 = e.Value != 0
		case idAnalogInput1:
			m.AnalogInput1 = uint32(e.Value)
		case idTotalOdometer:
			m.TotalOdometer = uint32(e.Value)
		case idAxisX:
			m.AxisX = int16(e.Value)
		case idAxisY:
			m.AxisY = int16(e.Value)
		case idAxisZ:
			m.AxisZ = int16(e.Value)
		case idGSMSignal:
			m.GSMSignal = uint8(e.Value)
		case idExternalVoltage:
			m.ExternalVoltage = uint16(e.Value)
		case idBatteryVoltage:
			m.BatteryVoltage = uint16(e.Value)
		case idIgnition:
			m.Ignition = e.Value != 0
		case idMovement:
			m.Movement = e.Value != 0
		default:
			m.Unknown[e.ID] = e
		}
	}
	return m
}
