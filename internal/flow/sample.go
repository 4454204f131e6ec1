// Package flow implements the telemetry pipeline for the SEN-HZ21WA flow
// sensor: frame parsing, host-side smoothing, liveness tracking, the bounded
// series store, and the acquisition loop that ties them together.
package flow

import "time"

// StatusTag is the sensor-reported state word in the fourth frame field.
type StatusTag string

const (
	// StatusWaiting is reported while the sensor sees no pulses.
	StatusWaiting StatusTag = "WAITING"
	// StatusConnected is reported while the sensor is measuring flow.
	StatusConnected StatusTag = "CONNECTED"
	// StatusDisconnected is reported when the firmware has lost its probe.
	StatusDisconnected StatusTag = "DISCONNECTED"
	// StatusUnknown covers tags this build does not recognise. Newer firmware
	// may add tags; we accept and carry them rather than reject the frame.
	StatusUnknown StatusTag = "UNKNOWN"
)

// ParseStatusTag maps a raw status word to a StatusTag. Unrecognised words
// yield StatusUnknown, never an error.
func ParseStatusTag(s string) StatusTag {
	switch StatusTag(s) {
	case StatusWaiting, StatusConnected, StatusDisconnected:
		return StatusTag(s)
	default:
		return StatusUnknown
	}
}

// Sample is one parsed and validated telemetry frame.
type Sample struct {
	// DeviceTime is the firmware uptime in milliseconds. Non-decreasing
	// except across a device reset, which shows up as a discontinuity.
	DeviceTime int64
	// FlowRate is the firmware-smoothed rate in L/min, never negative.
	FlowRate float64
	// CumulativeVolume is total litres since the firmware booted,
	// non-decreasing within a session.
	CumulativeVolume float64
	Status           StatusTag
	// RawStatus preserves the on-wire word even when Status is Unknown.
	RawStatus string
	// PulseCount and TotalPulses are optional diagnostic fields emitted by
	// newer firmware. Zero when absent.
	PulseCount  int64
	TotalPulses int64
	// HasPulses reports whether the diagnostic fields were present.
	HasPulses bool
}

// Point is one entry in the series store: the host-side view of a Sample
// after smoothing. The host timestamp is assigned at ingestion so the series
// stays plottable across device clock resets.
type Point struct {
	Time     time.Time `json:"time"`
	Raw      float64   `json:"raw"`
	Smoothed float64   `json:"smoothed"`
	Volume   float64   `json:"volume"`
	Status   StatusTag `json:"status"`
}
