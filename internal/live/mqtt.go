package live

import (
	"encoding/json"
	"time"

	"codeberg.org/mutker/usbmeterd/internal/errors"
	"codeberg.org/mutker/usbmeterd/internal/logger"
	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

type MQTTConfig struct {
	Broker   string
	Topic    string
	ClientID string
}

// Publisher is the part of an MQTT client the sink uses.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTTSink publishes each event as JSON to <topic>/<event>.
type MQTTSink struct {
	client Publisher
	topic  string
}

// DialMQTT connects to the broker and returns a sink publishing to it,
// plus a function that disconnects.
func DialMQTT(cfg MQTTConfig) (*MQTTSink, func(), error) {
	errFactory := errors.New()

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, nil, errFactory.WithData(errors.ErrUnavailable, cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, nil, errFactory.Wrap(errors.ErrUnavailable, err)
	}

	logger.Info().Msgf("Publishing live updates to %s under %s", cfg.Broker, cfg.Topic)

	return NewMQTTSink(client, cfg.Topic), func() { client.Disconnect(250) }, nil
}

func NewMQTTSink(client Publisher, topic string) *MQTTSink {
	return &MQTTSink{client: client, topic: topic}
}

func (s *MQTTSink) Emit(event Event, payload any) {
	body, err := json.Marshal(payload)
	if err != nil {
		logger.Debug().Err(err).Msgf("Failed to encode %s event", event)
		return
	}

	token := s.client.Publish(s.topic+"/"+string(event), 0, false, body)

	go func() {
		if !token.WaitTimeout(publishTimeout) {
			logger.Debug().Msgf("Publishing %s event timed out", event)
			return
		}
		if err := token.Error(); err != nil {
			logger.Debug().Err(err).Msgf("Failed to publish %s event", event)
		}
	}()
}
