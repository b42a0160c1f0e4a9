package live_test

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/usbmeterd/internal/live"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var closed = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{}          { return closed }
func (doneToken) Error() error                   { return nil }

type published struct {
	topic   string
	payload []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	messages []published
}

func (p *fakePublisher) Publish(topic string, _ byte, _ bool, payload interface{}) mqtt.Token {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, published{topic: topic, payload: payload.([]byte)})
	return doneToken{}
}

type recorder struct {
	events []live.Event
}

func (r *recorder) Emit(event live.Event, _ any) {
	r.events = append(r.events, event)
}

func TestMQTTSinkPublishesJSON(t *testing.T) {
	pub := &fakePublisher{}
	sink := live.NewMQTTSink(pub, "usbmeterd")

	sink.Emit(live.EventUpdate, map[string]any{"graph": map[string]float64{"voltage": 5.1}})
	sink.Emit(live.EventConnected, "")

	pub.mu.Lock()
	defer pub.mu.Unlock()
	require.Len(t, pub.messages, 2)
	assert.Equal(t, "usbmeterd/update", pub.messages[0].topic)
	assert.Equal(t, "usbmeterd/connected", pub.messages[1].topic)

	var decoded map[string]map[string]float64
	require.NoError(t, json.Unmarshal(pub.messages[0].payload, &decoded))
	assert.InDelta(t, 5.1, decoded["graph"]["voltage"], 1e-9)
}

func TestMultiFansOut(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	sink := live.Multi(a, b, live.LogSink{})

	sink.Emit(live.EventConnecting, "")
	sink.Emit(live.EventLog, "hello")

	assert.Equal(t, []live.Event{live.EventConnecting, live.EventLog}, a.events)
	assert.Equal(t, a.events, b.events)
}
