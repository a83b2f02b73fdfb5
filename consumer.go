package ingest

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// metadataTimeoutMs bounds the broker round trips made by Lag.
const metadataTimeoutMs = 5000

// baseConsumer is an interface type that defines the behavior and functionality of
// Kafka client Consumer. This interface exists to allow for mocking and testing.
type baseConsumer interface {
	Assignment() ([]kafka.TopicPartition, error)
	Subscription() (topics []string, err error)
	Committed(partitions []kafka.TopicPartition, timeoutMs int) (offsets []kafka.TopicPartition, err error)
	QueryWatermarkOffsets(topic string, partition int32, timeoutMs int) (low, high int64, err error)
	Subscribe(topic string, rebalanceCb kafka.RebalanceCb) error
	Poll(timeoutMs int) (event kafka.Event)
	Position(partitions []kafka.TopicPartition) (offsets []kafka.TopicPartition, err error)
	IsClosed() bool
	Close() error
}

// Ensures that the kafka.Consumer implements all methods defined by the baseConsumer interface.
var _ baseConsumer = &kafka.Consumer{}

// AccountsConsumer consumes Accounts from a single Kafka topic as a member of
// a consumer group.
//
// The caller drives the AccountsConsumer: Subscribe once, invoke Poll in a
// loop, and Close on shutdown. Calls are serialized internally, a Close
// issued while Poll is waiting returns once that Poll finishes. Once closed
// an AccountsConsumer cannot be reused.
type AccountsConsumer struct {
	base           baseConsumer
	mu             sync.Mutex
	topic          string
	closed         bool
	unmarshal      UnmarshalFunc
	maxPollRecords int
	logger         *slog.Logger
	onError        func(error)
	onMalformed    func(Record, error)
	stopLogs       chan struct{}
}

// NewAccountsConsumer initializes an AccountsConsumer that joins the consumer
// group groupID and decodes JSON payloads. When no committed offset exists for
// a partition consumption starts from the oldest retained record.
func NewAccountsConsumer(bootstrapServers []string, groupID string) (*AccountsConsumer, error) {
	return NewAccountsConsumerFromConfig(Config{
		BootstrapServers: bootstrapServers,
		GroupID:          groupID,
		AutoOffsetReset:  Earliest,
		Format:           FormatJSON,
	})
}

// NewAccountsConsumerFromConfig initializes an AccountsConsumer from conf. The
// underlying Kafka consumer is created eagerly, any error creating it is
// returned.
func NewAccountsConsumerFromConfig(conf Config) (*AccountsConsumer, error) {
	conf.init()
	if err := conf.validateConsumer(); err != nil {
		return nil, err
	}

	configMap := consumerConfigMap(conf)

	stopLogs := make(chan struct{})
	logChan := make(chan kafka.LogEvent, 1000)
	go forwardLogs(conf.Logger, logChan, stopLogs)

	// Configure logs from librdkafka to be sent to our logger rather than stdout
	_ = configMap.SetKey("go.logs.channel.enable", true)
	_ = configMap.SetKey("go.logs.channel", logChan)

	// If INGEST_DEBUG is enabled print the Kafka configuration to stdout for
	// debugging/troubleshooting purposes.
	if debugEnabled() {
		printConfigMap(configMap)
	}
	conf.Logger.Info("Initializing Kafka Consumer",
		slog.Any("config", obfuscateConfig(configMap)))

	base, err := kafka.NewConsumer(configMap)
	if err != nil {
		close(stopLogs)
		return nil, fmt.Errorf("kafka: failed to initialize Confluent Kafka Consumer: %w", err)
	}

	return newAccountsConsumer(base, conf, stopLogs), nil
}

func newAccountsConsumer(base baseConsumer, conf Config, stopLogs chan struct{}) *AccountsConsumer {
	return &AccountsConsumer{
		base:           base,
		unmarshal:      codecFor(conf.Format).Unmarshal,
		maxPollRecords: conf.MaxPollRecords,
		logger:         conf.Logger,
		onError:        conf.OnError,
		onMalformed:    conf.OnMalformed,
		stopLogs:       stopLogs,
	}
}

// Subscribe registers interest in topic, replacing any previous subscription.
// It returns the AccountsConsumer to allow chaining. Errors from the Kafka
// client are returned unchanged.
func (c *AccountsConsumer) Subscribe(topic string) (*AccountsConsumer, error) {
	if strings.TrimSpace(topic) == "" {
		return nil, errors.New("invalid config: cannot subscribe to an empty topic")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if err := c.base.Subscribe(topic, c.rebalanceCb); err != nil {
		return nil, err
	}
	c.topic = topic
	c.logger.Debug(fmt.Sprintf("Subscribed to topic %s", topic))
	return c, nil
}

// Poll performs one fetch cycle and returns the Accounts decoded from the
// fetched records, in the order the brokers returned them.
//
// Poll waits up to timeout for the first record, then collects the records
// already buffered by the client without waiting further. If no record
// arrives before timeout elapses an empty slice is returned.
//
// Records whose value is malformed are logged at WARN and dropped, they never
// cause Poll to fail. Records without a value are skipped. Fatal errors from
// the Kafka client are returned unchanged, after Close ErrClosed is returned.
//
// When Poll fails partway through a batch, the Accounts decoded before the
// failure are returned together with the error. Their offsets are already
// stored for commit, a caller that discards them loses those records.
func (c *AccountsConsumer) Poll(timeout time.Duration) ([]Account, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}

	msgs, fetchErr := c.fetch(timeout)

	accounts := make([]Account, 0, len(msgs))
	for _, msg := range msgs {
		rec := recordFromMessage(msg)
		c.logger.Info("Received record",
			slog.String("topic", rec.Topic),
			slog.Int("partition", int(rec.Partition)),
			slog.Int64("offset", rec.Offset))
		c.logger.Info("Record contents",
			slog.String("key", rec.Key),
			slog.String("value", rec.Value))

		account, err := c.decode(msg.Value)
		switch {
		case err == nil:
			accounts = append(accounts, account)
		case errors.Is(err, ErrNoValue):
			c.logger.Debug("Skipping record without a value", rec.logAttrs()...)
		case IsPayloadError(err):
			c.logger.Warn("Cannot read the value of the record, data may be malformed: dropping record",
				append(rec.logAttrs(), errAttr(err))...)
			if c.onMalformed != nil {
				c.onMalformed(rec, err)
			}
		default:
			return accounts, fmt.Errorf("failed to map record at offset %d of partition %d of topic %s: %w",
				rec.Offset, rec.Partition, rec.Topic, err)
		}
	}

	return accounts, fetchErr
}

func (c *AccountsConsumer) decode(value []byte) (Account, error) {
	var account Account
	if err := c.unmarshal(value, &account); err != nil {
		return Account{}, err
	}
	if err := account.Validate(); err != nil {
		return Account{}, err
	}
	return account, nil
}

// fetch collects one batch of messages. It blocks up to timeout for the first
// message and then drains messages without blocking until the client has
// none buffered or maxPollRecords is reached. On a fatal error the messages
// collected so far are returned with it.
func (c *AccountsConsumer) fetch(timeout time.Duration) ([]*kafka.Message, error) {
	deadline := time.Now().Add(timeout)
	var batch []*kafka.Message

	for len(batch) < c.maxPollRecords {
		wait := 0
		if len(batch) == 0 {
			wait = max(int(time.Until(deadline).Milliseconds()), 0)
		}

		switch event := c.base.Poll(wait).(type) {
		case nil:
			if len(batch) > 0 || wait == 0 {
				return batch, nil
			}

		case *kafka.Message:
			if event.TopicPartition.Error != nil {
				if err := c.handleError(event.TopicPartition.Error); err != nil {
					return batch, err
				}
				continue
			}
			batch = append(batch, event)

		case kafka.Error:
			if err := c.handleError(event); err != nil {
				return batch, err
			}

		case kafka.OffsetsCommitted:
			c.handleOffsetsCommitted(event)

		default:
			c.logger.Debug("Ignoring Kafka event", slog.String("event", event.String()))
		}
	}

	return batch, nil
}

// handleError logs errors reported by the Kafka client. Only fatal errors,
// after which the client cannot continue, are returned to be propagated.
func (c *AccountsConsumer) handleError(err error) error {
	// If an error callback is provided invoke it with the error
	if c.onError != nil {
		c.onError(err)
	}

	var kafkaErr kafka.Error
	if !errors.As(err, &kafkaErr) {
		c.logger.Error("Kafka returned an error while polling for events", errAttr(err))
		return nil
	}

	c.logger.Error("Kafka returned an error while polling for events",
		slog.String("err", kafkaErr.Error()),
		slog.Int("code", int(kafkaErr.Code())),
		slog.Bool("fatal", kafkaErr.IsFatal()),
		slog.Bool("retryable", kafkaErr.IsRetriable()),
		slog.Bool("timeout", kafkaErr.IsTimeout()))

	if kafkaErr.IsFatal() {
		return kafkaErr
	}
	return nil
}

func (c *AccountsConsumer) handleOffsetsCommitted(event kafka.OffsetsCommitted) {
	for _, tp := range event.Offsets {
		if tp.Error != nil {
			if c.onError != nil {
				c.onError(tp.Error)
			}
			c.logger.Error("Failed to commit offset to Kafka brokers",
				slog.String("err", tp.Error.Error()),
				slog.String("topic", *tp.Topic),
				slog.Int("partition", int(tp.Partition)),
				slog.Int64("offset", int64(tp.Offset)))
		} else {
			c.logger.Debug("Successfully committed offset to Kafka brokers",
				slog.String("topic", *tp.Topic),
				slog.Int("partition", int(tp.Partition)),
				slog.Int64("offset", int64(tp.Offset)))
		}
	}
}

func (c *AccountsConsumer) rebalanceCb(_ *kafka.Consumer, event kafka.Event) error {
	switch e := event.(type) {
	case kafka.AssignedPartitions:
		c.logger.Info("Consumer group rebalanced: assigned partitions",
			slog.Any("assignments", e.Partitions))
	case kafka.RevokedPartitions:
		c.logger.Info("Consumer group rebalanced: revoking partitions",
			slog.Any("assignments", e.Partitions))
	}

	return nil
}

// Close leaves the consumer group and releases the underlying Kafka consumer.
// Offsets of consumed records are committed by the client as part of closing.
// Close is safe to call more than once, calls after the first are no-ops.
func (c *AccountsConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	err := c.base.Close()

	// Signal to the goroutine processing logs to stop
	if c.stopLogs != nil {
		close(c.stopLogs)
	}

	if err != nil {
		return fmt.Errorf("kafka: failed to close consumer: %w", err)
	}
	c.logger.Info("Kafka Consumer closed", slog.String("topic", c.topic))
	return nil
}

// IsClosed returns true if the AccountsConsumer is closed, otherwise false.
func (c *AccountsConsumer) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Topic returns the topic the AccountsConsumer is subscribed to, or an empty
// string before Subscribe.
func (c *AccountsConsumer) Topic() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.topic
}

func (c *AccountsConsumer) Assignment() (kafka.TopicPartitions, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.base.Assignment()
}

func (c *AccountsConsumer) Subscription() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	return c.base.Subscription()
}

// Position reports, for every partition assigned to this member, the offset
// of the next record Poll will fetch.
func (c *AccountsConsumer) Position() ([]kafka.TopicPartition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	assigned, err := c.assigned()
	if err != nil {
		return nil, err
	}
	return c.base.Position(assigned)
}

// Lag reports how many records of each assigned partition have not been
// committed yet, keyed by "topic|partition". A partition without a committed
// offset counts from its low watermark.
func (c *AccountsConsumer) Lag() (map[string]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	lags := make(map[string]int64)
	assigned, err := c.assigned()
	if err != nil || len(assigned) == 0 {
		return lags, err
	}

	committed, err := c.base.Committed(assigned, metadataTimeoutMs)
	if err != nil {
		return lags, fmt.Errorf("kafka: fetch committed offsets: %w", err)
	}

	for _, tp := range committed {
		low, high, err := c.base.QueryWatermarkOffsets(*tp.Topic, tp.Partition, metadataTimeoutMs)
		if err != nil {
			return lags, fmt.Errorf("kafka: query watermarks of %s: %w", partitionKey(tp), err)
		}

		from := low
		if tp.Offset != kafka.OffsetInvalid {
			from = int64(tp.Offset)
		}
		lags[partitionKey(tp)] = high - from
	}
	return lags, nil
}

// assigned returns the current assignment. Callers hold c.mu.
func (c *AccountsConsumer) assigned() ([]kafka.TopicPartition, error) {
	if c.closed {
		return nil, ErrClosed
	}
	tps, err := c.base.Assignment()
	if err != nil {
		return nil, fmt.Errorf("kafka: fetch assignment: %w", err)
	}
	return tps, nil
}

func partitionKey(tp kafka.TopicPartition) string {
	return *tp.Topic + "|" + strconv.Itoa(int(tp.Partition))
}

func consumerConfigMap(conf Config) *kafka.ConfigMap {
	configMap := commonConfigMap(conf)
	_ = configMap.SetKey("group.id", conf.GroupID)
	_ = configMap.SetKey("auto.offset.reset", conf.AutoOffsetReset.String())
	_ = configMap.SetKey("session.timeout.ms", int(conf.SessionTimeout.Milliseconds()))
	_ = configMap.SetKey("heartbeat.interval.ms", int(conf.HeartbeatInterval.Milliseconds()))
	_ = configMap.SetKey("enable.auto.commit", true)
	_ = configMap.SetKey("auto.commit.interval.ms", int(conf.CommitInterval.Milliseconds()))
	_ = configMap.SetKey("fetch.max.bytes", conf.MaxFetchBytes)
	return configMap
}
