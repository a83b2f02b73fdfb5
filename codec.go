package ingest

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/vmihailenco/msgpack/v5/msgpcode"
)

// MarshalFunc encodes a value into the wire format of a record value.
type MarshalFunc func(v any) ([]byte, error)

// UnmarshalFunc decodes the value of a record into v.
//
// Implementations must return ErrNoValue when the payload carries no value,
// and a *PayloadError when the payload cannot be decoded. Any other error is
// treated as a programming error and propagated by the AccountsConsumer.
type UnmarshalFunc func(data []byte, v any) error

// Codec pairs the functions used to write and read record values.
type Codec struct {
	Marshal   MarshalFunc
	Unmarshal UnmarshalFunc
}

var (
	// JSONCodec encodes values as JSON. Unknown fields are ignored on decode.
	JSONCodec = Codec{
		Marshal:   json.Marshal,
		Unmarshal: unmarshalJSON,
	}

	// StrictJSONCodec encodes values as JSON and rejects payloads containing
	// fields unknown to the target type.
	StrictJSONCodec = Codec{
		Marshal:   json.Marshal,
		Unmarshal: unmarshalStrictJSON,
	}

	// MsgPackCodec encodes values as MessagePack using the json struct tags.
	MsgPackCodec = Codec{
		Marshal:   marshalMsgPack,
		Unmarshal: unmarshalMsgPack,
	}
)

func codecFor(f Format) Codec {
	switch f {
	case FormatStrictJSON:
		return StrictJSONCodec
	case FormatMsgPack:
		return MsgPackCodec
	default:
		return JSONCodec
	}
}

func unmarshalJSON(data []byte, v any) error {
	data = bytes.TrimSpace(data)
	if noJSONValue(data) {
		return ErrNoValue
	}
	if err := json.Unmarshal(data, v); err != nil {
		return jsonError(err)
	}
	return nil
}

func unmarshalStrictJSON(data []byte, v any) error {
	data = bytes.TrimSpace(data)
	if noJSONValue(data) {
		return ErrNoValue
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return jsonError(err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return &PayloadError{Err: errors.New("unexpected data after top-level value")}
	}
	return nil
}

// noJSONValue reports whether a trimmed payload is empty, the empty JSON
// string or JSON null.
func noJSONValue(data []byte) bool {
	return len(data) == 0 ||
		bytes.Equal(data, []byte(`""`)) ||
		bytes.Equal(data, []byte("null"))
}

// jsonError classifies an error returned by encoding/json. Passing a nil or
// non-pointer target is a bug in the caller, not bad data, so it is returned
// as is.
func jsonError(err error) error {
	var invalid *json.InvalidUnmarshalError
	if errors.As(err, &invalid) {
		return err
	}
	return &PayloadError{Err: errors.WithStack(err)}
}

func marshalMsgPack(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetCustomStructTag("json")
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshalMsgPack(data []byte, v any) error {
	if len(data) == 0 || (len(data) == 1 && data[0] == msgpcode.Nil) {
		return ErrNoValue
	}

	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.SetCustomStructTag("json")
	if err := dec.Decode(v); err != nil {
		return &PayloadError{Err: errors.WithStack(err)}
	}

	// msgpack restores timestamps in the local zone, JSON payloads carry UTC.
	if a, ok := v.(*Account); ok {
		a.CreatedAt = a.CreatedAt.UTC()
	}
	return nil
}
