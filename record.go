package ingest

import (
	"log/slog"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// Record is the raw view of a message polled from Kafka. Keys and values are
// read as UTF-8 strings.
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       string
	Value     string
	Timestamp time.Time
	Headers   []Header
}

type Header struct {
	Key   string
	Value []byte
}

func recordFromMessage(msg *kafka.Message) Record {
	var headers []Header
	if len(msg.Headers) > 0 {
		headers = make([]Header, len(msg.Headers))
		for i, h := range msg.Headers {
			headers[i] = Header{Key: h.Key, Value: h.Value}
		}
	}

	var topic string
	if msg.TopicPartition.Topic != nil {
		topic = *msg.TopicPartition.Topic
	}

	return Record{
		Topic:     topic,
		Partition: msg.TopicPartition.Partition,
		Offset:    int64(msg.TopicPartition.Offset),
		Key:       string(msg.Key),
		Value:     string(msg.Value),
		Timestamp: msg.Timestamp,
		Headers:   headers,
	}
}

func (r Record) logAttrs() []any {
	return []any{
		slog.String("topic", r.Topic),
		slog.Int("partition", int(r.Partition)),
		slog.Int64("offset", r.Offset),
		slog.String("key", r.Key),
	}
}

// StringPtr returns a pointer to the string passed in. This is useful since
// the official confluent-kafka-go library uses pointers to strings in many
// places like topics and Go doesn't allow you to take the address of a string
// in a single statement.
func StringPtr(s string) *string {
	return &s
}
