package webhook

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownSubscription = errors.New("unknown webhook subscription")
	ErrUnknownDelivery     = errors.New("unknown webhook delivery")
	ErrInvalidSubscription = errors.New("invalid webhook subscription")
)

// TransportError is a failed delivery: the request could not be sent or the
// subscriber answered with a non-2xx status.
type TransportError struct {
	DeliveryID string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("delivery %s: HTTP %d: %v", e.DeliveryID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("delivery %s: %v", e.DeliveryID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
