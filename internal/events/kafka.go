package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/segmentio/kafka-go"
)

// KafkaEmitter implements Emitter using a Kafka topic, one message per
// claim keyed by tx reference.
type KafkaEmitter struct {
	writer *kafka.Writer
	mu     sync.Mutex
}

func NewKafkaEmitter(brokerAddress, topic string) *KafkaEmitter {
	return &KafkaEmitter{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokerAddress),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

func (k *KafkaEmitter) Emit(event ClaimEvent) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := k.writer.WriteMessages(context.Background(), kafka.Message{
		Key:   []byte(event.TxRef),
		Value: value,
	}); err != nil {
		return fmt.Errorf("write to kafka: %w", err)
	}
	return nil
}

func (k *KafkaEmitter) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.writer != nil {
		err := k.writer.Close()
		k.writer = nil
		return err
	}
	return nil
}
