package dispatch

import (
	"errors"
	"fmt"

	"github.com/dgnsrekt/hzwatch/internal/scope"
)

// ErrIdentityAnomaly is reported when a change event's old and new values
// carry different ids. Delivery still happens.
var ErrIdentityAnomaly = errors.New("dispatch: record id changed")

// SubscriberDeliveryError wraps the failure of one subscriber. It never stops
// delivery to the other subscribers.
type SubscriberDeliveryError struct {
	Identity scope.Identity
	Index    int
	Err      error
}

func (e *SubscriberDeliveryError) Error() string {
	if e.Index == 0 {
		return fmt.Sprintf("deliver %s to global callback: %v", e.Identity, e.Err)
	}
	return fmt.Sprintf("deliver %s to subscriber %d: %v", e.Identity, e.Index, e.Err)
}

func (e *SubscriberDeliveryError) Unwrap() error { return e.Err }
