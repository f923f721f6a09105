package store

import (
	"database/sql/driver"
	"fmt"
)

// Status is the outcome state of a recorded execution
type Status int

// execution states, stored as strings
const (
	StatusRunning Status = iota
	StatusSuccess
	StatusFailed
	StatusTimeout
)

var statusNames = map[Status]string{
	StatusRunning: "running",
	StatusSuccess: "success",
	StatusFailed:  "failed",
	StatusTimeout: "timeout",
}

// String returns the lower-case name of the status
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(s))
}

// ParseStatus converts a string to a Status
func ParseStatus(v string) (Status, error) {
	for s, name := range statusNames {
		if name == v {
			return s, nil
		}
	}
	return StatusRunning, fmt.Errorf("invalid status %q", v)
}

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Value implements driver.Valuer for database storage
func (s Status) Value() (driver.Value, error) {
	return s.String(), nil
}

// Scan implements sql.Scanner for database retrieval
func (s *Status) Scan(value any) error {
	switch v := value.(type) {
	case string:
		return s.UnmarshalText([]byte(v))
	case []byte:
		return s.UnmarshalText(v)
	default:
		return fmt.Errorf("can't scan status from %T", value)
	}
}
