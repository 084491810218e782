package bus

import (
	"errors"
	"fmt"
	"time"
)

// Msg is a single delivered bus message.
type Msg struct {
	// Subject is the concrete subject the message was published on.
	Subject string
	// ID is the broker-assigned message id, unique within the subject.
	ID string
	// Data is the opaque JSON payload.
	Data []byte
	// Deliveries is how many times this message has been handed to the
	// consumer group, including this delivery.
	Deliveries int64
}

// Handler processes one delivered message. A nil return acks the
// message; any error naks it for redelivery. Returning a RetryAfter
// error naks with an explicit delay (cooldown rejections use this so
// the message is never ack-dropped).
type Handler func(msg *Msg) error

// retryAfterError asks the bus to redeliver no earlier than the delay.
type retryAfterError struct {
	delay time.Duration
}

func (e *retryAfterError) Error() string {
	return fmt.Sprintf("retry after %s", e.delay)
}

// RetryAfter builds a nak-with-delay error.
func RetryAfter(d time.Duration) error {
	return &retryAfterError{delay: d}
}

// RetryDelay extracts the requested redelivery delay from an error
// chain, if any.
func RetryDelay(err error) (time.Duration, bool) {
	var ra *retryAfterError
	if errors.As(err, &ra) {
		return ra.delay, true
	}
	return 0, false
}
