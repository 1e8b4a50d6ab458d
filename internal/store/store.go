// Package store holds what the storage backends share.
package store

import (
	"errors"
	"fmt"
)

// ErrUnavailable marks a failure of the storage layer itself (connection loss,
// exhausted retries, unexpected driver error) as opposed to a domain refusal.
var ErrUnavailable = errors.New("storage unavailable")

// Unavailable wraps err so that errors.Is(err, ErrUnavailable) holds while the
// driver error stays reachable through errors.As.
func Unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
