package notify

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Producer is the part of a franz-go client the emitter needs.
type Producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

// KafkaEmitter publishes events keyed by report id so all events of one
// report land on the same partition.
type KafkaEmitter struct {
	producer Producer
	topic    string
}

// NewKafkaEmitter wraps an existing producer.
func NewKafkaEmitter(p Producer, topic string) *KafkaEmitter {
	return &KafkaEmitter{producer: p, topic: topic}
}

// DialKafka creates a franz-go client for brokers and wraps it.
func DialKafka(brokers []string, topic string) (*KafkaEmitter, error) {
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.RequiredAcks(kgo.AllISRAcks()),
	)
	if err != nil {
		return nil, eris.Wrap(err, "notify: create kafka client")
	}
	return NewKafkaEmitter(client, topic), nil
}

func (k *KafkaEmitter) Emit(ctx context.Context, ev Event) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return eris.Wrap(err, "notify: marshal event")
	}
	rec := &kgo.Record{
		Topic: k.topic,
		Key:   []byte(ev.ReportID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: "kind", Value: []byte(ev.Kind)},
		},
	}
	if err := k.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return eris.Wrapf(err, "notify: produce %s", ev.Kind)
	}
	return nil
}

// Close flushes and closes the underlying client.
func (k *KafkaEmitter) Close() {
	k.producer.Close()
}
