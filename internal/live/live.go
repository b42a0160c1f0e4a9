// Package live delivers daemon events to observers. Emit never blocks the
// caller on a slow observer.
package live

import (
	"codeberg.org/mutker/usbmeterd/internal/logger"
	"codeberg.org/mutker/usbmeterd/internal/meter"
)

type Event string

const (
	EventConnecting    Event = Event(meter.StateConnecting)
	EventConnected     Event = Event(meter.StateConnected)
	EventDisconnecting Event = Event(meter.StateDisconnecting)
	EventDisconnected  Event = Event(meter.StateDisconnected)
	EventUpdate        Event = "update"
	EventLog           Event = "log"
	EventLogError      Event = "log-error"
)

// Sink receives fire-and-forget events.
type Sink interface {
	Emit(event Event, payload any)
}

// Multi fans every event out to all sinks.
func Multi(sinks ...Sink) Sink {
	return multiSink(sinks)
}

type multiSink []Sink

func (m multiSink) Emit(event Event, payload any) {
	for _, s := range m {
		s.Emit(event, payload)
	}
}

// LogSink writes events to the process log.
type LogSink struct{}

func (LogSink) Emit(event Event, payload any) {
	switch event {
	case EventUpdate:
		logger.Debug().Interface("payload", payload).Msg("update")
	case EventLogError:
		logger.Error().Msgf("%v", payload)
	case EventLog:
		logger.Info().Msgf("%v", payload)
	default:
		logger.Info().Str("state", string(event)).Msg("Connection state changed")
	}
}
