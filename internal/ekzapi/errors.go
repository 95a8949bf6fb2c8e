package ekzapi

import (
	"errors"
	"fmt"
	"strings"
)

// TransportError covers network failures and non-2xx responses from the
// vendor API. Transport errors are transient by assumption and safe to
// retry with backoff.
type TransportError struct {
	Op     string
	Status int
	Err    error
	Body   string
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		msg := fmt.Sprintf("%s: vendor api status %d", e.Op, e.Status)
		if body := strings.TrimSpace(e.Body); body != "" {
			msg += ": " + body
		}
		return msg
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is (or wraps) a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
