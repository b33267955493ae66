package notify

import (
	"context"
	"strings"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/fleetcontrol/core/logger"
)

// KafkaSink forwards bus events to a kafka topic for downstream consumers
// (dashboards, alerting, audit). Write failures are logged and the event
// is lost; the store remains authoritative.
type KafkaSink struct {
	writer *kafka.Writer
	cancel func()
	done   chan struct{}
}

// NewKafkaSink subscribes to the bus and starts the forwarding worker.
// brokers is a comma-separated list of broker addresses.
func NewKafkaSink(bus *Bus, brokers, topic string, kinds ...string) *KafkaSink {
	writer := &kafka.Writer{
		Addr:     kafka.TCP(strings.Split(brokers, ",")...),
		Topic:    topic,
		Balancer: &kafka.Hash{},
	}

	events, cancel := bus.Subscribe(kinds...)
	sink := &KafkaSink{
		writer: writer,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go sink.run(events)
	return sink
}

func (s *KafkaSink) run(events <-chan Event) {
	defer close(s.done)
	for e := range events {
		value, err := json.Marshal(e)
		if err != nil {
			logger.Default().WithError(err).Error("kafka sink: cannot marshal event")
			continue
		}
		err = s.writer.WriteMessages(context.Background(), kafka.Message{
			Key:   []byte(e.TenantID + "/" + e.DeviceID),
			Value: value,
		})
		if err != nil {
			logger.Default().WithError(err).Errorf("kafka sink: cannot write %s event", e.Kind)
		}
	}
}

// Close unsubscribes from the bus, drains the worker and closes the writer.
func (s *KafkaSink) Close() error {
	s.cancel()
	<-s.done
	return s.writer.Close()
}
