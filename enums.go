package ingest

import (
	"fmt"
	"strings"
)

// The string enums below all implement encoding.TextUnmarshaler, which lets
// encoding/json, yaml.v3 and ardanlabs/conf decode them from configuration.

type AutoOffsetReset string

const (
	Earliest AutoOffsetReset = "earliest"
	Latest   AutoOffsetReset = "latest"
)

func ParseAutoOffsetReset(s string) (AutoOffsetReset, error) {
	return parseEnum("auto offset reset", strings.ToLower(s), Earliest, Latest)
}

func (a AutoOffsetReset) String() string { return string(a) }

func (a *AutoOffsetReset) UnmarshalText(text []byte) error {
	return unmarshalEnum(text, a, ParseAutoOffsetReset)
}

type SecurityProtocol string

const (
	Plaintext     SecurityProtocol = "plaintext"
	Ssl           SecurityProtocol = "ssl"
	SaslPlaintext SecurityProtocol = "sasl_plaintext"
	SaslSsl       SecurityProtocol = "sasl_ssl"
)

func ParseSecurityProtocol(s string) (SecurityProtocol, error) {
	return parseEnum("security protocol", strings.ToLower(s), Plaintext, Ssl, SaslPlaintext, SaslSsl)
}

func (sp SecurityProtocol) String() string { return string(sp) }

func (sp *SecurityProtocol) UnmarshalText(text []byte) error {
	return unmarshalEnum(text, sp, ParseSecurityProtocol)
}

func (sp SecurityProtocol) usesSSL() bool {
	return sp == Ssl || sp == SaslSsl
}

func (sp SecurityProtocol) usesSASL() bool {
	return sp == SaslPlaintext || sp == SaslSsl
}

type SaslMechanism string

const (
	Plain       SaslMechanism = "PLAIN"
	GSSAPI      SaslMechanism = "GSSAPI"
	ScramSha256 SaslMechanism = "SCRAM-SHA-256"
	ScramSha512 SaslMechanism = "SCRAM-SHA-512"
)

func ParseSaslMechanism(s string) (SaslMechanism, error) {
	return parseEnum("sasl mechanism", strings.ToUpper(s), Plain, GSSAPI, ScramSha256, ScramSha512)
}

func (sm SaslMechanism) String() string { return string(sm) }

func (sm *SaslMechanism) UnmarshalText(text []byte) error {
	return unmarshalEnum(text, sm, ParseSaslMechanism)
}

// Ack controls how many brokers must acknowledge a produced record.
type Ack string

const (
	// AckNone does not wait for any acknowledgement from the broker.
	AckNone Ack = "none"

	// AckLeader waits for the leader to write the record to its local log.
	AckLeader Ack = "leader"

	// AckAll waits for the leader and all in-sync replicas.
	AckAll Ack = "all"
)

func ParseAck(s string) (Ack, error) {
	return parseEnum("ack", strings.ToLower(s), AckNone, AckLeader, AckAll)
}

func (a Ack) String() string { return string(a) }

func (a *Ack) UnmarshalText(text []byte) error {
	return unmarshalEnum(text, a, ParseAck)
}

// value maps the Ack onto librdkafka's request.required.acks.
func (a Ack) value() int {
	switch a {
	case AckNone:
		return 0
	case AckLeader:
		return 1
	default:
		return -1
	}
}

// Format is the wire format of record values.
type Format string

const (
	FormatJSON       Format = "json"
	FormatStrictJSON Format = "json-strict"
	FormatMsgPack    Format = "msgpack"
)

func ParseFormat(s string) (Format, error) {
	return parseEnum("format", strings.ToLower(s), FormatJSON, FormatStrictJSON, FormatMsgPack)
}

func (f Format) String() string { return string(f) }

func (f *Format) UnmarshalText(text []byte) error {
	return unmarshalEnum(text, f, ParseFormat)
}

func parseEnum[T ~string](kind, s string, allowed ...T) (T, error) {
	for _, v := range allowed {
		if string(v) == s {
			return v, nil
		}
	}
	return "", fmt.Errorf("kafka: invalid %s: %s", kind, s)
}

func unmarshalEnum[T ~string](text []byte, dst *T, parse func(string) (T, error)) error {
	v, err := parse(string(text))
	if err != nil {
		return err
	}
	*dst = v
	return nil
}
