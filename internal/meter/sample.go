// Package meter defines the telemetry sample produced by a USB power meter
// and the device models the daemon knows how to talk to.
package meter

import "time"

// ResistanceCeiling is reported when the measured load resistance is
// undefined, typically an open circuit.
const ResistanceCeiling = 9999.9

// Sample is one decoded telemetry reading. Decoders build it; the daemon
// attaches SessionID before handing it to storage.
type Sample struct {
	Timestamp          float64  `json:"timestamp"`
	Voltage            float64  `json:"voltage"`
	Current            float64  `json:"current"`
	Power              float64  `json:"power"`
	Temperature        float64  `json:"temperature"`
	DataPlus           *float64 `json:"data_plus"`
	DataMinus          *float64 `json:"data_minus"`
	ModeID             *int     `json:"mode_id"`
	ModeName           *string  `json:"mode_name"`
	AccumulatedCurrent int64    `json:"accumulated_current"`
	AccumulatedPower   int64    `json:"accumulated_power"`
	AccumulatedTime    *int64   `json:"accumulated_time"`
	Resistance         float64  `json:"resistance"`
	SessionID          int64    `json:"session_id"`
}

// Time returns the sample timestamp as a time.Time.
func (s *Sample) Time() time.Time {
	seconds := int64(s.Timestamp)
	nanos := int64((s.Timestamp - float64(seconds)) * float64(time.Second))

	return time.Unix(seconds, nanos)
}

// WithSession returns a copy of s attached to the given session.
func (s *Sample) WithSession(id int64) *Sample {
	c := *s
	c.SessionID = id

	return &c
}

// ClampResistance caps a resistance reading at ResistanceCeiling.
func ClampResistance(ohms float64) float64 {
	if ohms > ResistanceCeiling {
		return ResistanceCeiling
	}

	return ohms
}

// Timestamp converts t to epoch seconds with sub-second precision.
func Timestamp(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
