package ingest

import (
	"fmt"
	"time"
)

// Duration is a time.Duration that decodes from strings such as "45s" or
// "200ms" in JSON and YAML configuration files.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	duration, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("duration unmarshal: %w", err)
	}
	d.Duration = duration
	return nil
}
