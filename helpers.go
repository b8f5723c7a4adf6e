package mav

import (
	"time"
)

// timeoutChannel returns channel receiving value once timeout elapses. Negative timeout means no timeout,
// nil channel is returned then. Returned function releases the timer.
func timeoutChannel(timeout time.Duration) (<-chan time.Time, func()) {
	if timeout < 0 {
		return nil, func() {}
	}
	timer := time.NewTimer(timeout)
	return timer.C, func() { timer.Stop() }
}
