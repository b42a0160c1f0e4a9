package telemetry_test

import (
	"testing"
	"time"

	"codeberg.org/mutker/usbmeterd/internal/errors"
	"codeberg.org/mutker/usbmeterd/internal/meter"
	"codeberg.org/mutker/usbmeterd/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()

	c, err := telemetry.NewPrometheusCollector(reg)
	require.NoError(t, err)

	c.ObserveSample(&meter.Sample{Voltage: 5.1, Current: 0.5, Power: 2.55})
	c.ObserveSample(&meter.Sample{Voltage: 5.2})
	c.IncFailure(errors.ErrNoResponse)
	c.IncFailure(errors.ErrNoResponse)
	c.IncFailure(errors.ErrWorkerTimeout)
	c.IncReconnect()
	c.ObserveRead(120 * time.Millisecond)
	c.SetState(meter.StateConnecting)
	c.SetState(meter.StateConnected)

	count, err := testutil.GatherAndCount(reg, "usbmeterd_samples_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = testutil.GatherAndCount(reg, "usbmeterd_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	count, err = testutil.GatherAndCount(reg, "usbmeterd_connection_state")
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func TestPrometheusCollectorValues(t *testing.T) {
	reg := prometheus.NewRegistry()

	c, err := telemetry.NewPrometheusCollector(reg)
	require.NoError(t, err)

	c.ObserveSample(&meter.Sample{Voltage: 5.2, Current: 0.25})
	c.IncReconnect()
	c.IncReconnect()
	c.SetState(meter.StateConnected)

	families, err := reg.Gather()
	require.NoError(t, err)

	values := map[string]float64{}
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			key := family.GetName()
			for _, label := range metric.GetLabel() {
				key += "/" + label.GetValue()
			}
			switch {
			case metric.GetCounter() != nil:
				values[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[key] = metric.GetGauge().GetValue()
			}
		}
	}

	assert.InDelta(t, 1, values["usbmeterd_samples_total"], 1e-9)
	assert.InDelta(t, 2, values["usbmeterd_reconnects_total"], 1e-9)
	assert.InDelta(t, 5.2, values["usbmeterd_last_sample/voltage"], 1e-9)
	assert.InDelta(t, 0.25, values["usbmeterd_last_sample/current"], 1e-9)
	assert.InDelta(t, 1, values["usbmeterd_connection_state/connected"], 1e-9)
	assert.InDelta(t, 0, values["usbmeterd_connection_state/disconnected"], 1e-9)
}

func TestPrometheusCollectorReusesRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()

	first, err := telemetry.NewPrometheusCollector(reg)
	require.NoError(t, err)
	second, err := telemetry.NewPrometheusCollector(reg)
	require.NoError(t, err)

	first.IncReconnect()
	second.IncReconnect()

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() == "usbmeterd_reconnects_total" {
			assert.InDelta(t, 2, family.GetMetric()[0].GetCounter().GetValue(), 1e-9)
		}
	}
}

func TestNoop(t *testing.T) {
	c := telemetry.Noop()

	assert.NotPanics(t, func() {
		c.ObserveSample(&meter.Sample{})
		c.ObserveRead(time.Second)
		c.IncFailure(errors.ErrDriver)
		c.IncReconnect()
		c.SetState(meter.StateConnected)
	})
}
