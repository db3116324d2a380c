package pricing

import (
	"errors"
	"fmt"
)

// ErrConfiguration is matched by every ConfigurationError.
var ErrConfiguration = errors.New("pricing: configuration error")

// ConfigurationError reports a missing or invalid price or VAT rate. It is
// fatal for the Division being processed.
type ConfigurationError struct {
	Subject string
	ID      string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("pricing: %s: %s", e.Subject, e.Reason)
	}
	return fmt.Sprintf("pricing: %s %s: %s", e.Subject, e.ID, e.Reason)
}

// Is lets errors.Is match ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

func configError(subject, id, reason string) error {
	return &ConfigurationError{Subject: subject, ID: id, Reason: reason}
}
