package h10

import (
	"fmt"
	"math"
)

// State is the lifecycle state of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Subscribed
	Streaming
	Terminated
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Subscribed:
		return "Subscribed"
	case Streaming:
		return "Streaming"
	case Terminated:
		return "Terminated"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// StreamKind selects which notification stream a Session subscribes to.
type StreamKind int

const (
	HeartRate StreamKind = iota
)

func (k StreamKind) String() string {
	if k == HeartRate {
		return "HeartRate"
	}
	return fmt.Sprintf("StreamKind(%d)", int(k))
}

// HeartRateMeasurement is a struct that represents a heart rate measurement.
type HeartRateMeasurement struct {
	hrValue                int
	sensorContact          bool
	energy                 int
	rrs                    []int
	rrsMs                  []int
	sensorContactSupported bool
	rrPresent              bool
}

// NewHeartRateMeasurement builds a measurement carrying only a heart rate value.
func NewHeartRateMeasurement(bpm int) HeartRateMeasurement {
	return HeartRateMeasurement{hrValue: bpm}
}

func (receiver HeartRateMeasurement) GetHeartRate() int {
	return receiver.hrValue
}

// BPM returns the heart rate saturated to the 0-255 range of a single byte.
func (receiver HeartRateMeasurement) BPM() uint8 {
	switch {
	case receiver.hrValue < 0:
		return 0
	case receiver.hrValue > math.MaxUint8:
		return math.MaxUint8
	}
	return uint8(receiver.hrValue)
}

func (receiver HeartRateMeasurement) GetRRIntervals() []int {
	return receiver.rrs
}

func (receiver HeartRateMeasurement) GetRRIntervalsMs() []int {
	return receiver.rrsMs
}

func (receiver HeartRateMeasurement) GetEnergyExpended() int {
	return receiver.energy
}

// HasSensorContact reports whether the sensor detected skin contact. It is
// only meaningful when SensorContactSupported is true.
func (receiver HeartRateMeasurement) HasSensorContact() bool {
	return receiver.sensorContact
}

func (receiver HeartRateMeasurement) SensorContactSupported() bool {
	return receiver.sensorContactSupported
}

func (receiver HeartRateMeasurement) String() string {
	return fmt.Sprintf("Heart rate: %v, RR interval(s): %v", receiver.hrValue, receiver.rrs)
}

// EventHandler receives every heart rate sample delivered by a Session.
type EventHandler interface {
	HeartRateUpdate(measurement HeartRateMeasurement)
}

// EventHandlerFunc adapts a plain function to EventHandler.
type EventHandlerFunc func(measurement HeartRateMeasurement)

func (f EventHandlerFunc) HeartRateUpdate(measurement HeartRateMeasurement) {
	f(measurement)
}
