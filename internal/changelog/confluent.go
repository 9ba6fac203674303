package changelog

import (
	"encoding/json"
	"fmt"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// confluentProducer is the subset of *ck.Producer used here.
type confluentProducer interface {
	Produce(msg *ck.Message, deliveryChan chan ck.Event) error
	Close()
}

// ConfluentWriter publishes events through librdkafka with an idempotent producer
// and waits for each delivery report.
type ConfluentWriter struct {
	producer confluentProducer
	topic    string
}

func NewConfluentWriter(bootstrap, topic string) (*ConfluentWriter, error) {
	p, err := ck.NewProducer(&ck.ConfigMap{
		"bootstrap.servers":  bootstrap,
		"enable.idempotence": true,
		"acks":               "all",
	})
	if err != nil {
		return nil, fmt.Errorf("producer: %w", err)
	}
	return &ConfluentWriter{producer: p, topic: topic}, nil
}

// NewConfluentWriterWith is only for tests to inject a fake producer.
func NewConfluentWriterWith(p confluentProducer, topic string) *ConfluentWriter {
	return &ConfluentWriter{producer: p, topic: topic}
}

func (c *ConfluentWriter) Append(e Event) error {
	b, err := json.Marshal(&e)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	delivery := make(chan ck.Event, 1)
	msg := &ck.Message{
		TopicPartition: ck.TopicPartition{Topic: &c.topic, Partition: ck.PartitionAny},
		Key:            []byte(e.key()),
		Value:          b,
	}
	if err := c.producer.Produce(msg, delivery); err != nil {
		return fmt.Errorf("produce: %w", err)
	}
	ev := <-delivery
	m, ok := ev.(*ck.Message)
	if !ok {
		return fmt.Errorf("unexpected delivery event %v", ev)
	}
	if m.TopicPartition.Error != nil {
		return fmt.Errorf("delivery: %w", m.TopicPartition.Error)
	}
	return nil
}

func (c *ConfluentWriter) Close() { c.producer.Close() }
