package processor

import (
	"errors"

	"github.com/zoff-tech/go-txoutbox/pkg/store"
)

var (
	// ErrInvalidBatchSize is returned by Poll when maxMessages is not positive.
	ErrInvalidBatchSize = errors.New("max messages must be positive")
	// ErrInvalidChannel is returned by Channel for an empty type or nil callback.
	ErrInvalidChannel = errors.New("invalid outbox channel")
	// ErrCallback wraps errors and panics raised by a receiver callback.
	// It is logged and recorded on spans; Poll does not return it.
	ErrCallback = errors.New("outbox callback failed")
)

// IsConflict reports whether err means another poller won the race for a
// message. Hosts usually log it at a lower level than other poll failures.
func IsConflict(err error) bool {
	return errors.Is(err, store.ErrOptimisticLock)
}
