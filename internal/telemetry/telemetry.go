// Package telemetry exposes acquisition metrics to Prometheus.
package telemetry

import (
	"time"

	"codeberg.org/mutker/usbmeterd/internal/errors"
	"codeberg.org/mutker/usbmeterd/internal/meter"
	"github.com/prometheus/client_golang/prometheus"
)

// Collector receives acquisition events from the daemon. Calls are made
// inline with the poll loop and must be cheap.
type Collector interface {
	ObserveSample(sample *meter.Sample)
	ObserveRead(d time.Duration)
	IncFailure(code errors.ErrorCode)
	IncReconnect()
	SetState(state meter.ConnectionState)
}

type noopCollector struct{}

// Noop returns a collector that discards all metrics.
func Noop() Collector {
	return noopCollector{}
}

func (noopCollector) ObserveSample(*meter.Sample)    {}
func (noopCollector) ObserveRead(time.Duration)      {}
func (noopCollector) IncFailure(errors.ErrorCode)    {}
func (noopCollector) IncReconnect()                  {}
func (noopCollector) SetState(meter.ConnectionState) {}

var states = []meter.ConnectionState{
	meter.StateDisconnected,
	meter.StateConnecting,
	meter.StateConnected,
	meter.StateDisconnecting,
}

// PrometheusCollector exposes acquisition counters via Prometheus.
type PrometheusCollector struct {
	samples     prometheus.Counter
	failures    *prometheus.CounterVec
	reconnects  prometheus.Counter
	state       *prometheus.GaugeVec
	readLatency prometheus.Histogram
	electrical  *prometheus.GaugeVec
}

// NewPrometheusCollector registers the metrics with reg, reusing metrics
// that are already registered.
func NewPrometheusCollector(reg prometheus.Registerer) (*PrometheusCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	samples, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "usbmeterd_samples_total",
		Help: "Number of samples decoded from the meter.",
	}))
	if err != nil {
		return nil, err
	}

	failures, err := register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "usbmeterd_failures_total",
		Help: "Number of failed device operations by error code.",
	}, []string{"code"}))
	if err != nil {
		return nil, err
	}

	reconnects, err := register(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "usbmeterd_reconnects_total",
		Help: "Number of disconnect and reconnect cycles forced by the retry policy.",
	}))
	if err != nil {
		return nil, err
	}

	state, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "usbmeterd_connection_state",
		Help: "Current connection state; 1 for the active state, 0 otherwise.",
	}, []string{"state"}))
	if err != nil {
		return nil, err
	}

	readLatency, err := register(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "usbmeterd_read_duration_seconds",
		Help:    "Time taken by successful device reads.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	}))
	if err != nil {
		return nil, err
	}

	electrical, err := register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "usbmeterd_last_sample",
		Help: "Most recent reading per quantity.",
	}, []string{"quantity"}))
	if err != nil {
		return nil, err
	}

	return &PrometheusCollector{
		samples:     samples,
		failures:    failures,
		reconnects:  reconnects,
		state:       state,
		readLatency: readLatency,
		electrical:  electrical,
	}, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		var zero T
		return zero, errors.New().Wrap(errors.ErrInitFailed, err)
	}

	return c, nil
}

func (p *PrometheusCollector) ObserveSample(sample *meter.Sample) {
	if p == nil || sample == nil {
		return
	}

	p.samples.Inc()
	p.electrical.WithLabelValues("voltage").Set(sample.Voltage)
	p.electrical.WithLabelValues("current").Set(sample.Current)
	p.electrical.WithLabelValues("power").Set(sample.Power)
	p.electrical.WithLabelValues("temperature").Set(sample.Temperature)
	p.electrical.WithLabelValues("resistance").Set(sample.Resistance)
}

func (p *PrometheusCollector) ObserveRead(d time.Duration) {
	if p == nil {
		return
	}
	p.readLatency.Observe(d.Seconds())
}

func (p *PrometheusCollector) IncFailure(code errors.ErrorCode) {
	if p == nil {
		return
	}
	p.failures.WithLabelValues(string(code)).Inc()
}

func (p *PrometheusCollector) IncReconnect() {
	if p == nil {
		return
	}
	p.reconnects.Inc()
}

// SetState marks state as the active one.
func (p *PrometheusCollector) SetState(state meter.ConnectionState) {
	if p == nil {
		return
	}

	for _, s := range states {
		value := 0.0
		if s == state {
			value = 1
		}
		p.state.WithLabelValues(string(s)).Set(value)
	}
}
