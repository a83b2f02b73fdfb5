package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations invoked on an AccountsConsumer or
	// AccountsProducer after it has been closed.
	ErrClosed = errors.New("unsupported operation: client is closed")

	// ErrNoValue is returned by an UnmarshalFunc when the payload carries no
	// value at all (empty payload, the JSON empty string, or null). Records
	// with no value are skipped rather than treated as malformed.
	ErrNoValue = errors.New("payload has no value")
)

// PayloadError indicates the value of a record could not be mapped to an
// Account because the data itself is malformed: invalid syntax, a type
// mismatch, or a missing identifier. A PayloadError is recovered locally by
// the AccountsConsumer, every other error is propagated to the caller.
type PayloadError struct {
	Err error
}

func (p *PayloadError) Error() string {
	return fmt.Sprintf("malformed payload: %s", p.Err.Error())
}

func (p *PayloadError) Unwrap() error {
	return p.Err
}

// IsPayloadError returns true if err or any error it wraps is a PayloadError.
func IsPayloadError(err error) bool {
	var pe *PayloadError
	return errors.As(err, &pe)
}
