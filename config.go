package ingest

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const (
	defaultSessionTimeout    = 45 * time.Second
	defaultHeartbeatInterval = 3 * time.Second
	defaultCommitInterval    = 5 * time.Second
	defaultMaxPollRecords    = 500
	defaultMessageMaxBytes   = 1048576
	defaultMaxFetchBytes     = 52428800
)

// Config holds the configuration for the AccountsConsumer and the
// AccountsProducer. The zero value of most fields is replaced with a sensible
// default when a client is initialized.
type Config struct {
	// BootstrapServers is the initial list of brokers used to discover the
	// full set of brokers in the cluster.
	BootstrapServers []string

	// GroupID identifies the consumer group used to coordinate partition
	// assignment and committed offsets. Required by the AccountsConsumer.
	GroupID string

	// ClientID is sent to the brokers with every request. Defaults to
	// accounts-ingest-<random uuid>.
	ClientID string

	// AutoOffsetReset controls where consumption starts when no committed
	// offset exists for a partition. Defaults to Earliest.
	AutoOffsetReset AutoOffsetReset

	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	CommitInterval    time.Duration

	// MaxPollRecords caps how many records a single Poll returns. Defaults
	// to 500.
	MaxPollRecords int

	MessageMaxBytes int
	MaxFetchBytes   int

	// Format is the wire format of record values. Defaults to FormatJSON.
	Format Format

	SecurityProtocol             SecurityProtocol
	CertificateAuthorityLocation string
	CertificateLocation          string
	CertificateKeyLocation       string
	CertificateKeyPassword       string
	SkipTlsVerification          bool
	SASLMechanism                SaslMechanism
	SASLUsername                 string
	SASLPassword                 string

	// RequiredAcks and Idempotence only apply to the AccountsProducer.
	RequiredAcks Ack
	Idempotence  bool

	// OnError is invoked with errors reported by the Kafka client that do not
	// stop the client, such as a broker being temporarily unavailable.
	OnError func(err error)

	// OnMalformed is invoked for every record dropped because its value could
	// not be mapped to an Account.
	OnMalformed func(rec Record, err error)

	Logger *slog.Logger
}

// init fills in the defaults for any configuration not provided.
func (c *Config) init() {
	if c.ClientID == "" {
		c.ClientID = "accounts-ingest-" + uuid.New().String()
	}
	if c.AutoOffsetReset == "" {
		c.AutoOffsetReset = Earliest
	}
	if c.SessionTimeout <= 0 {
		c.SessionTimeout = defaultSessionTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.CommitInterval <= 0 {
		c.CommitInterval = defaultCommitInterval
	}
	if c.MaxPollRecords <= 0 {
		c.MaxPollRecords = defaultMaxPollRecords
	}
	if c.MessageMaxBytes <= 0 {
		c.MessageMaxBytes = defaultMessageMaxBytes
	}
	if c.MaxFetchBytes <= 0 {
		c.MaxFetchBytes = defaultMaxFetchBytes
	}
	if c.Format == "" {
		c.Format = FormatJSON
	}
	if c.SecurityProtocol == "" {
		c.SecurityProtocol = Plaintext
	}
	if c.RequiredAcks == "" {
		c.RequiredAcks = AckAll
	}
	if c.Logger == nil {
		c.Logger = DefaultLogger()
	}
}

// validate reports every problem with the configuration common to consumers
// and producers.
func (c Config) validate() error {
	var err error
	if len(c.BootstrapServers) == 0 {
		err = multierr.Append(err, fmt.Errorf("invalid config: no bootstrap servers"))
	}
	for _, server := range c.BootstrapServers {
		if strings.TrimSpace(server) == "" {
			err = multierr.Append(err, fmt.Errorf("invalid config: empty bootstrap server address"))
			break
		}
	}
	if c.SecurityProtocol.usesSASL() && c.SASLMechanism != GSSAPI {
		if c.SASLUsername == "" || c.SASLPassword == "" {
			err = multierr.Append(err, fmt.Errorf("invalid config: sasl mechanism %s requires a username and password", c.SASLMechanism))
		}
	}
	return err
}

// validateConsumer reports every problem with the configuration of an
// AccountsConsumer.
func (c Config) validateConsumer() error {
	err := c.validate()
	if strings.TrimSpace(c.GroupID) == "" {
		err = multierr.Append(err, fmt.Errorf("invalid config: empty group id"))
	}
	return err
}

// commonConfigMap returns the properties shared by consumers and producers.
func commonConfigMap(conf Config) *kafka.ConfigMap {
	configMap := &kafka.ConfigMap{
		"bootstrap.servers":                  strings.Join(conf.BootstrapServers, ","),
		"client.id":                          conf.ClientID,
		"security.protocol":                  conf.SecurityProtocol.String(),
		"message.max.bytes":                  conf.MessageMaxBytes,
		"topic.metadata.refresh.interval.ms": 300000,
		"connections.max.idle.ms":            600000,
	}

	// If SSL is enabled any additional SSL configuration provided needs added
	// to the configmap
	if conf.SecurityProtocol.usesSSL() {
		if conf.CertificateAuthorityLocation != "" {
			_ = configMap.SetKey("ssl.ca.location", conf.CertificateAuthorityLocation)
		}
		if conf.CertificateLocation != "" {
			_ = configMap.SetKey("ssl.certificate.location", conf.CertificateLocation)
		}
		if conf.CertificateKeyLocation != "" {
			_ = configMap.SetKey("ssl.key.location", conf.CertificateKeyLocation)
		}
		if conf.CertificateKeyPassword != "" {
			_ = configMap.SetKey("ssl.key.password", conf.CertificateKeyPassword)
		}
		if conf.SkipTlsVerification {
			_ = configMap.SetKey("enable.ssl.certificate.verification", false)
		}
	}

	if conf.SecurityProtocol.usesSASL() {
		_ = configMap.SetKey("sasl.mechanism", conf.SASLMechanism.String())
		_ = configMap.SetKey("sasl.username", conf.SASLUsername)
		_ = configMap.SetKey("sasl.password", conf.SASLPassword)
	}

	return configMap
}

var secretKeys = map[string]bool{
	"sasl.password":    true,
	"ssl.key.password": true,
}

// obfuscateConfig returns a copy of the ConfigMap safe to log: secrets are
// masked and Go channels are dropped.
func obfuscateConfig(configMap *kafka.ConfigMap) map[string]any {
	out := make(map[string]any, len(*configMap))
	for k, v := range *configMap {
		switch {
		case secretKeys[k]:
			out[k] = "[REDACTED]"
		case strings.HasPrefix(k, "go.logs.channel"):
			continue
		default:
			out[k] = v
		}
	}
	return out
}

func printConfigMap(configMap *kafka.ConfigMap) {
	safe := obfuscateConfig(configMap)
	keys := make([]string, 0, len(safe))
	for k := range safe {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s=%v\n", k, safe[k])
	}
}

func debugEnabled() bool {
	ok, _ := strconv.ParseBool(os.Getenv("INGEST_DEBUG"))
	return ok
}

// LoadConfigFromEnv builds a Config from KAFKA_* environment variables.
// Variables that are not set leave the corresponding field at its zero value
// so the usual defaults apply.
func LoadConfigFromEnv() (Config, error) {
	var (
		conf Config
		err  error
	)

	env := func(key string, fn func(string) error) {
		if val, ok := os.LookupEnv(key); ok && val != "" {
			if e := fn(val); e != nil {
				err = multierr.Append(err, fmt.Errorf("%s: %w", key, e))
			}
		}
	}
	str := func(dst *string) func(string) error {
		return func(s string) error { *dst = s; return nil }
	}
	dur := func(dst *time.Duration) func(string) error {
		return func(s string) (e error) { *dst, e = time.ParseDuration(s); return }
	}
	num := func(dst *int) func(string) error {
		return func(s string) (e error) { *dst, e = strconv.Atoi(s); return }
	}
	boolean := func(dst *bool) func(string) error {
		return func(s string) (e error) { *dst, e = strconv.ParseBool(s); return }
	}

	env("KAFKA_BOOTSTRAP_SERVERS", func(s string) error {
		conf.BootstrapServers = splitList(s)
		return nil
	})
	env("KAFKA_CLIENT_ID", str(&conf.ClientID))
	env("KAFKA_CONSUMER_GROUP_ID", str(&conf.GroupID))
	env("KAFKA_CONSUMER_SESSION_TIMEOUT", dur(&conf.SessionTimeout))
	env("KAFKA_CONSUMER_HEARTBEAT_INTERVAL", dur(&conf.HeartbeatInterval))
	env("KAFKA_CONSUMER_COMMIT_INTERVAL", dur(&conf.CommitInterval))
	env("KAFKA_CONSUMER_AUTO_OFFSET_RESET", func(s string) error { return conf.AutoOffsetReset.UnmarshalText([]byte(s)) })
	env("KAFKA_CONSUMER_MAX_POLL_RECORDS", num(&conf.MaxPollRecords))
	env("KAFKA_MAX_BYTES", num(&conf.MessageMaxBytes))
	env("KAFKA_MAX_FETCH_BYTES", num(&conf.MaxFetchBytes))
	env("KAFKA_FORMAT", func(s string) error { return conf.Format.UnmarshalText([]byte(s)) })
	env("KAFKA_SECURITY_PROTOCOL", func(s string) error { return conf.SecurityProtocol.UnmarshalText([]byte(s)) })
	env("KAFKA_CERT_AUTHORITY_LOCATION", str(&conf.CertificateAuthorityLocation))
	env("KAFKA_CERT_LOCATION", str(&conf.CertificateLocation))
	env("KAFKA_CERT_KEY_LOCATION", str(&conf.CertificateKeyLocation))
	env("KAFKA_CERT_KEY_PASSWORD", str(&conf.CertificateKeyPassword))
	env("KAFKA_SKIP_TLS_VERIFICATION", boolean(&conf.SkipTlsVerification))
	env("KAFKA_SASL_MECHANISM", func(s string) error { return conf.SASLMechanism.UnmarshalText([]byte(s)) })
	env("KAFKA_SASL_USER", str(&conf.SASLUsername))
	env("KAFKA_SASL_PASSWORD", str(&conf.SASLPassword))
	env("KAFKA_PRODUCER_REQUIRED_ACKS", func(s string) error { return conf.RequiredAcks.UnmarshalText([]byte(s)) })
	env("KAFKA_PRODUCER_IDEMPOTENCE", boolean(&conf.Idempotence))

	if err != nil {
		return Config{}, fmt.Errorf("load config from env: %w", err)
	}
	return conf, nil
}

// fileConfig is the on-disk representation of Config.
type fileConfig struct {
	BootstrapServers             []string         `json:"bootstrapServers" yaml:"bootstrapServers"`
	ClientID                     string           `json:"clientId" yaml:"clientId"`
	GroupID                      string           `json:"groupId" yaml:"groupId"`
	SessionTimeout               Duration         `json:"sessionTimeout" yaml:"sessionTimeout"`
	HeartbeatInterval            Duration         `json:"heartbeatInterval" yaml:"heartbeatInterval"`
	CommitInterval               Duration         `json:"commitInterval" yaml:"commitInterval"`
	AutoOffsetReset              AutoOffsetReset  `json:"autoOffsetReset" yaml:"autoOffsetReset"`
	MaxPollRecords               int              `json:"maxPollRecords" yaml:"maxPollRecords"`
	MessageMaxBytes              int              `json:"messageMaxBytes" yaml:"messageMaxBytes"`
	MaxFetchBytes                int              `json:"maxFetchBytes" yaml:"maxFetchBytes"`
	Format                       Format           `json:"format" yaml:"format"`
	SecurityProtocol             SecurityProtocol `json:"securityProtocol" yaml:"securityProtocol"`
	CertificateAuthorityLocation string           `json:"certificateAuthorityLocation" yaml:"certificateAuthorityLocation"`
	CertificateLocation          string           `json:"certificateLocation" yaml:"certificateLocation"`
	CertificateKeyLocation       string           `json:"certificateKeyLocation" yaml:"certificateKeyLocation"`
	CertificateKeyPassword       string           `json:"certificateKeyPassword" yaml:"certificateKeyPassword"`
	SkipTlsVerification          bool             `json:"skipTlsVerification" yaml:"skipTlsVerification"`
	SASLMechanism                SaslMechanism    `json:"saslMechanism" yaml:"saslMechanism"`
	SASLUsername                 string           `json:"saslUsername" yaml:"saslUsername"`
	SASLPassword                 string           `json:"saslPassword" yaml:"saslPassword"`
	RequiredAcks                 Ack              `json:"requiredAcks" yaml:"requiredAcks"`
	Idempotence                  bool             `json:"idempotence" yaml:"idempotence"`
}

// LoadConfigFromFile reads a Config from a JSON (.json) or YAML (.yaml, .yml)
// file.
func LoadConfigFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config from file: %w", err)
	}

	var fc fileConfig
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json":
		err = json.Unmarshal(data, &fc)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fc)
	default:
		return Config{}, fmt.Errorf("load config from file: unsupported file extension %q", ext)
	}
	if err != nil {
		return Config{}, fmt.Errorf("load config from file %s: %w", path, err)
	}

	return Config{
		BootstrapServers:             fc.BootstrapServers,
		ClientID:                     fc.ClientID,
		GroupID:                      fc.GroupID,
		SessionTimeout:               fc.SessionTimeout.Duration,
		HeartbeatInterval:            fc.HeartbeatInterval.Duration,
		CommitInterval:               fc.CommitInterval.Duration,
		AutoOffsetReset:              fc.AutoOffsetReset,
		MaxPollRecords:               fc.MaxPollRecords,
		MessageMaxBytes:              fc.MessageMaxBytes,
		MaxFetchBytes:                fc.MaxFetchBytes,
		Format:                       fc.Format,
		SecurityProtocol:             fc.SecurityProtocol,
		CertificateAuthorityLocation: fc.CertificateAuthorityLocation,
		CertificateLocation:          fc.CertificateLocation,
		CertificateKeyLocation:       fc.CertificateKeyLocation,
		CertificateKeyPassword:       fc.CertificateKeyPassword,
		SkipTlsVerification:          fc.SkipTlsVerification,
		SASLMechanism:                fc.SASLMechanism,
		SASLUsername:                 fc.SASLUsername,
		SASLPassword:                 fc.SASLPassword,
		RequiredAcks:                 fc.RequiredAcks,
		Idempotence:                  fc.Idempotence,
	}, nil
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
