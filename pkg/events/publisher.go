// Package events delivers license lifecycle events to downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/dd0wney/cluso-license/pkg/licensing"
	"github.com/dd0wney/cluso-license/pkg/logging"
)

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes events to a Kafka topic, keyed by license ID so all
// events of one license land on the same partition.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher creates a publisher for topic on brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka publisher requires a topic")
	}
	return newKafkaPublisher(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		RequiredAcks:           kafka.RequireAll,
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: true,
	}, topic), nil
}

func newKafkaPublisher(w messageWriter, topic string) *KafkaPublisher {
	return &KafkaPublisher{writer: w, topic: topic}
}

// Publish encodes ev as JSON and writes it.
func (p *KafkaPublisher) Publish(ctx context.Context, ev licensing.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.LicenseID),
		Value: payload,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	})
}

// Close flushes and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// LogPublisher writes events to a logger. It is the default sink when no
// broker is configured.
type LogPublisher struct {
	logger logging.Logger
}

// NewLogPublisher creates a publisher that logs at info level.
func NewLogPublisher(logger logging.Logger) *LogPublisher {
	return &LogPublisher{logger: logger.With(logging.Component("events"))}
}

// Publish logs ev.
func (p *LogPublisher) Publish(ctx context.Context, ev licensing.Event) error {
	p.logger.Info("license event",
		logging.String("type", string(ev.Type)),
		logging.LicenseID(ev.LicenseID),
		logging.Subject(ev.Subject),
	)
	return nil
}

// Close is a no-op.
func (p *LogPublisher) Close() error {
	return nil
}

// Sink is a publisher that can be closed.
type Sink interface {
	licensing.EventPublisher
	Close() error
}

// Observer is notified about every delivery attempt.
type Observer interface {
	EventPublished(eventType string, err error)
}

// Fanout delivers each event to every sink. Delivery failures are collected
// and returned together; one failing sink does not stop the others.
type Fanout struct {
	sinks    []Sink
	observer Observer
	timeout  time.Duration
}

// NewFanout combines sinks. observer may be nil. A positive timeout bounds
// each delivery.
func NewFanout(observer Observer, timeout time.Duration, sinks ...Sink) *Fanout {
	return &Fanout{sinks: sinks, observer: observer, timeout: timeout}
}

// Publish delivers ev to all sinks.
func (f *Fanout) Publish(ctx context.Context, ev licensing.Event) error {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	var errs []error
	for _, sink := range f.sinks {
		err := sink.Publish(ctx, ev)
		if f.observer != nil {
			f.observer.EventPublished(string(ev.Type), err)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink.
func (f *Fanout) Close() error {
	var errs []error
	for _, sink := range f.sinks {
		errs = append(errs, sink.Close())
	}
	return errors.Join(errs...)
}
