// Package broker publishes entity events to an AMQP topic exchange.
//
// Routing keys follow blueconnect.<platform>.<event>, for example
// blueconnect.sensor.changed, so consumers can bind on a platform or on
// an event kind.
package broker

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"github.com/tejusbharadwaj/blueconnect/internal/entity"
	"github.com/tejusbharadwaj/blueconnect/internal/sink"
)

const routingPrefix = "blueconnect"

// Config of the Publisher
type Config struct {
	DSN           string `mapstructure:"dsn" yaml:"dsn"`
	Exchange      string `mapstructure:"exchange" yaml:"exchange"`
	TLS           bool   `mapstructure:"tls" yaml:"tls"`
	RetryAttempts uint   `mapstructure:"retry_attempts" yaml:"retry_attempts"`
}

// Message is the body of every published event
type Message struct {
	EntryID string             `json:"entry_id"`
	Event   string             `json:"event"`
	Entity  entity.Description `json:"entity"`
}

// channel is the subset of *amqp.Channel the Publisher uses
type channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher implements entity.Sink on top of an AMQP channel. Publish
// failures are logged and dropped.
type Publisher struct {
	config  Config
	entryID string
	logger  logrus.FieldLogger

	mu         sync.Mutex
	connection *amqp.Connection
	channel    channel
}

// Dial connects to the broker and declares the exchange. Channel setup is
// retried RetryAttempts times.
func Dial(config Config, entryID string, logger logrus.FieldLogger) (*Publisher, error) {
	p := &Publisher{config: config, entryID: entryID, logger: logger}

	var err error
	if config.TLS {
		p.connection, err = amqp.DialTLS(config.DSN, nil)
	} else {
		p.connection, err = amqp.Dial(config.DSN)
	}
	if err != nil {
		return nil, fmt.Errorf("publisher: %w", err)
	}
	logger.WithField("exchange", config.Exchange).Info("AMQP connection established")

	attempts := config.RetryAttempts
	if attempts == 0 {
		attempts = 3
	}

	err = retry.Do(
		func() error {
			ch, err := p.connection.Channel()
			if err != nil {
				return err
			}
			if err := ch.ExchangeDeclare(
				config.Exchange,
				amqp.ExchangeTopic,
				true,  // durable
				false, // autoDelete
				false, // internal
				false, // noWait
				nil,   // arguments
			); err != nil {
				ch.Close()
				return err
			}
			p.channel = ch
			return nil
		},
		retry.Attempts(attempts),
		retry.Delay(200*time.Millisecond),
		retry.OnRetry(func(n uint, err error) {
			logger.WithError(err).WithField("attempt", n+1).Warn("Retrying AMQP channel setup")
		}),
	)
	if err != nil {
		p.connection.Close()
		return nil, fmt.Errorf("publisher: failed to declare exchange: %w", err)
	}

	return p, nil
}

func newPublisher(ch channel, config Config, entryID string, logger logrus.FieldLogger) *Publisher {
	return &Publisher{config: config, entryID: entryID, logger: logger, channel: ch}
}

// RoutingKey returns the key an event of platform is published with
func RoutingKey(platform, event string) string {
	return strings.Join([]string{routingPrefix, platform, event}, ".")
}

// Publish sends one event for d
func (p *Publisher) Publish(event string, d entity.Description) error {
	body, err := json.Marshal(Message{EntryID: p.entryID, Event: event, Entity: d})
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", d.UniqueID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.channel == nil {
		return fmt.Errorf("publisher: channel closed")
	}

	return p.channel.Publish(
		p.config.Exchange,
		RoutingKey(d.Platform, event),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.New().String(),
			Timestamp:    d.RenderedAt,
			Body:         body,
		},
	)
}

func (p *Publisher) AddEntities(entities []entity.Entity) {
	for _, e := range entities {
		p.send(sink.EventAdded, e)
	}
}

func (p *Publisher) StateChanged(e entity.Entity) {
	p.send(sink.EventChanged, e)
}

func (p *Publisher) RemoveEntity(e entity.Entity) {
	p.send(sink.EventRemoved, e)
}

func (p *Publisher) send(event string, e entity.Entity) {
	if err := p.Publish(event, entity.Describe(e)); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			"event":     event,
			"entity_id": e.UniqueID(),
		}).Error("Failed to publish entity event")
	}
}

// Close shuts the channel and the connection down
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.channel != nil {
		p.channel.Close()
		p.channel = nil
	}
	if p.connection == nil {
		return nil
	}
	if err := p.connection.Close(); err != nil {
		return fmt.Errorf("AMQP connection close error: %w", err)
	}
	p.connection = nil
	return nil
}

var _ entity.Sink = (*Publisher)(nil)
