package ingest

import (
	"bufio"
	"bytes"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockBaseConsumer mocks the Confluent Kafka Consumer. Poll is scripted rather
// than mocked: queued events are returned in order, once the queue is empty
// Poll blocks for the requested timeout and returns nil like the real client.
type mockBaseConsumer struct {
	mock.Mock

	pollMu    sync.Mutex
	events    []kafka.Event
	pollCalls []int
}

func (mc *mockBaseConsumer) enqueue(events ...kafka.Event) {
	mc.pollMu.Lock()
	defer mc.pollMu.Unlock()
	mc.events = append(mc.events, events...)
}

func (mc *mockBaseConsumer) Poll(timeoutMs int) kafka.Event {
	mc.pollMu.Lock()
	mc.pollCalls = append(mc.pollCalls, timeoutMs)
	if len(mc.events) > 0 {
		event := mc.events[0]
		mc.events = mc.events[1:]
		mc.pollMu.Unlock()
		return event
	}
	mc.pollMu.Unlock()

	time.Sleep(time.Duration(timeoutMs) * time.Millisecond)
	return nil
}

func (mc *mockBaseConsumer) Assignment() ([]kafka.TopicPartition, error) {
	args := mc.Called()
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]kafka.TopicPartition), nil
}

func (mc *mockBaseConsumer) Subscription() (topics []string, err error) {
	args := mc.Called()
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), nil
}

func (mc *mockBaseConsumer) Committed(partitions []kafka.TopicPartition, timeoutMs int) (offsets []kafka.TopicPartition, err error) {
	args := mc.Called(partitions, timeoutMs)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]kafka.TopicPartition), nil
}

func (mc *mockBaseConsumer) QueryWatermarkOffsets(topic string, partition int32, timeoutMs int) (low, high int64, err error) {
	args := mc.Called(topic, partition, timeoutMs)
	if args.Error(2) != nil {
		return 0, 0, args.Error(2)
	}
	return args.Get(0).(int64), args.Get(1).(int64), nil
}

func (mc *mockBaseConsumer) Subscribe(topic string, rebalanceCb kafka.RebalanceCb) error {
	args := mc.Called(topic)
	return args.Error(0)
}

func (mc *mockBaseConsumer) Position(partitions []kafka.TopicPartition) (offsets []kafka.TopicPartition, err error) {
	args := mc.Called(partitions)
	if args.Error(1) != nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]kafka.TopicPartition), nil
}

func (mc *mockBaseConsumer) IsClosed() bool {
	args := mc.Called()
	return args.Bool(0)
}

func (mc *mockBaseConsumer) Close() error {
	args := mc.Called()
	return args.Error(0)
}

type mockBaseProducer struct {
	mock.Mock

	deliveryErr error
}

func (m *mockBaseProducer) Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error {
	args := m.Called(msg, deliveryChan)
	if args.Error(0) != nil {
		return args.Error(0)
	}

	// The delivery report has to be sent or the producer hangs waiting for it,
	// and it has to be sent from a goroutine like the real client does.
	go func() {
		deliveryChan <- &kafka.Message{
			TopicPartition: kafka.TopicPartition{
				Topic:     msg.TopicPartition.Topic,
				Partition: 0,
				Offset:    0,
				Error:     m.deliveryErr,
			},
			Value:   msg.Value,
			Key:     msg.Key,
			Headers: msg.Headers,
		}
	}()

	return nil
}

func (m *mockBaseProducer) Events() chan kafka.Event {
	args := m.Called()
	return args.Get(0).(chan kafka.Event)
}

func (m *mockBaseProducer) Flush(timeoutMs int) int {
	args := m.Called(timeoutMs)
	return args.Int(0)
}

func (m *mockBaseProducer) Len() int {
	args := m.Called()
	return args.Int(0)
}

func (m *mockBaseProducer) IsClosed() bool {
	args := m.Called()
	return args.Bool(0)
}

func (m *mockBaseProducer) Close() {
	m.Called()
}

// message builds a polled Kafka message for topic "accounts".
func message(partition int32, offset int64, key, value string) *kafka.Message {
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     StringPtr("accounts"),
			Partition: partition,
			Offset:    kafka.Offset(offset),
		},
		Key:       []byte(key),
		Value:     []byte(value),
		Timestamp: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// captureLogger returns a debug level JSON logger writing into the returned
// buffer.
func captureLogger() (*slog.Logger, *bytes.Buffer) {
	buf := new(bytes.Buffer)
	logger := slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level:       slog.LevelDebug,
		ReplaceAttr: replaceAttr,
	}))
	return logger, buf
}

// logLines decodes every JSON log line written to buf.
func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var lines []map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for scanner.Scan() {
		var line map[string]any
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &line))
		lines = append(lines, line)
	}
	require.NoError(t, scanner.Err())
	return lines
}

// linesAt returns the log lines logged at level.
func linesAt(t *testing.T, buf *bytes.Buffer, level string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range logLines(t, buf) {
		if line["level"] == level {
			out = append(out, line)
		}
	}
	return out
}
