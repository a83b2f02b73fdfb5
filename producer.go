package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

const closeFlushTimeout = 10 * time.Second

// baseProducer is the subset of the Confluent Kafka Producer used by
// AccountsProducer. This interface exists to allow for mocking and testing.
type baseProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Len() int
	IsClosed() bool
	Close()
}

var _ baseProducer = &kafka.Producer{}

// AccountsProducer publishes Accounts to Kafka using the configured Format.
type AccountsProducer struct {
	base           baseProducer
	marshal        MarshalFunc
	logger         *slog.Logger
	onError        func(error)
	mu             sync.Mutex
	closed         bool
	loggerStopChan chan struct{}
	eventStopChan  chan struct{}
}

// NewAccountsProducer creates and initializes a new AccountsProducer.
func NewAccountsProducer(conf Config) (*AccountsProducer, error) {

	// Set any default configuration values not present
	conf.init()
	if err := conf.validate(); err != nil {
		return nil, err
	}

	configMap := producerConfigMap(conf)

	loggerStopChan := make(chan struct{})
	logChan := make(chan kafka.LogEvent, 1000)
	go forwardLogs(conf.Logger, logChan, loggerStopChan)

	// Configure logs from librdkafka to be sent to our logger rather than stdout
	_ = configMap.SetKey("go.logs.channel.enable", true)
	_ = configMap.SetKey("go.logs.channel", logChan)

	if debugEnabled() {
		printConfigMap(configMap)
	}
	conf.Logger.Info("Initializing Kafka Producer",
		slog.Any("config", obfuscateConfig(configMap)))

	producer, err := kafka.NewProducer(configMap)
	if err != nil {
		close(loggerStopChan)
		return nil, fmt.Errorf("kafka: failed to initialize Confluent Kafka Producer: %w", err)
	}

	p := newAccountsProducer(producer, conf, loggerStopChan)
	go p.processEvents()
	return p, nil
}

func newAccountsProducer(base baseProducer, conf Config, loggerStopChan chan struct{}) *AccountsProducer {
	return &AccountsProducer{
		base:           base,
		marshal:        codecFor(conf.Format).Marshal,
		logger:         conf.Logger,
		onError:        conf.OnError,
		loggerStopChan: loggerStopChan,
		eventStopChan:  make(chan struct{}),
	}
}

// processEvents reads events the Kafka client emits for messages produced
// without a delivery channel, and client level errors, and logs them.
func (p *AccountsProducer) processEvents() {
	events := p.base.Events()
	for {
		select {
		case rawEvent, ok := <-events:
			if !ok {
				return
			}
			switch event := rawEvent.(type) {
			case *kafka.Message:
				if event.TopicPartition.Error != nil {
					p.logger.Error("kafka delivery failure",
						slog.String("err", event.TopicPartition.Error.Error()),
						slog.Group("kafkaMessage",
							slog.String("key", string(event.Key)),
							slog.String("topic", *event.TopicPartition.Topic),
							slog.Int("partition", int(event.TopicPartition.Partition))))
					if p.onError != nil {
						p.onError(event.TopicPartition.Error)
					}
				}
			case kafka.Error:
				p.logger.Error("kafka producer error",
					slog.String("err", event.Error()),
					slog.Int("code", int(event.Code())),
					slog.Bool("fatal", event.IsFatal()),
					slog.Bool("retryable", event.IsRetriable()),
					slog.Bool("timeout", event.IsTimeout()))
				if p.onError != nil {
					p.onError(event)
				}
			}
		case <-p.eventStopChan:
			return
		}
	}
}

// Publish encodes the Account and produces it to topic, keyed by the login of
// the account or its id when the login is empty. Publish waits for the
// delivery report or for ctx to be done. Cancelling ctx only stops waiting,
// the record may still be delivered.
func (p *AccountsProducer) Publish(ctx context.Context, topic string, account Account) error {
	value, err := p.marshal(account)
	if err != nil {
		return fmt.Errorf("failed to marshal account %d: %w", account.ID, err)
	}

	key := account.Login
	if key == "" {
		key = strconv.FormatInt(account.ID, 10)
	}
	return p.PublishRaw(ctx, topic, key, value)
}

// PublishRaw produces a record with the given key and value as is and waits
// for the delivery report or for ctx to be done.
func (p *AccountsProducer) PublishRaw(ctx context.Context, topic, key string, value []byte) error {
	if strings.TrimSpace(topic) == "" {
		return errors.New("invalid message: no topic")
	}

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: kafka.PartitionAny,
		},
		Value: value,
	}
	if key != "" {
		msg.Key = []byte(key)
	}

	deliveryChan := make(chan kafka.Event, 1)
	if err := p.produce(msg, deliveryChan); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("aborted waiting for message delivery report: %w", ctx.Err())
	case e := <-deliveryChan:
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				return fmt.Errorf("kafka delivery failure: %w", ev.TopicPartition.Error)
			}
		case kafka.Error:
			return fmt.Errorf("kafka error: %w", ev)
		default:
			return fmt.Errorf("unexpected kafka event: %T", e)
		}
	}

	return nil
}

func (p *AccountsProducer) produce(msg *kafka.Message, deliveryChan chan kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if err := p.base.Produce(msg, deliveryChan); err != nil {
		return fmt.Errorf("kafka: enqueue message: %w", err)
	}
	return nil
}

// Len returns the number of messages and requests waiting to be transmitted to
// the broker as well as delivery reports queued for the application.
// Once closed it returns 0.
func (p *AccountsProducer) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0
	}
	return p.base.Len()
}

// Flush waits until all messages are delivered or timeout elapses and returns
// the number of messages still outstanding. Once closed it returns 0, Close
// has already flushed.
func (p *AccountsProducer) Flush(timeout time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0
	}
	return p.base.Flush(int(timeout.Milliseconds()))
}

// Close flushes outstanding messages and releases the underlying Kafka
// producer. Calls after the first are no-ops.
func (p *AccountsProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	if remaining := p.base.Flush(int(closeFlushTimeout.Milliseconds())); remaining > 0 {
		p.logger.Warn("Closing Kafka Producer with undelivered messages",
			slog.Int("remaining", remaining))
	}
	p.base.Close()
	close(p.eventStopChan) // Stop reading from event loop
	if p.loggerStopChan != nil {
		close(p.loggerStopChan) // Stop reading logs from librdkafka
	}
}

func (p *AccountsProducer) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func producerConfigMap(conf Config) *kafka.ConfigMap {
	configMap := commonConfigMap(conf)
	_ = configMap.SetKey("enable.idempotence", conf.Idempotence)
	_ = configMap.SetKey("request.required.acks", conf.RequiredAcks.value())
	return configMap
}
