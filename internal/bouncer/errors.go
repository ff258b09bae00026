package bouncer

import "errors"

// Provisioning failures split into two classes: transient ones (control
// channel unreachable, timeout) that the caller retries with backoff, and
// permanent ones (malformed input) that it must not.
var (
	ErrTransient = errors.New("transient provisioning failure")
	ErrPermanent = errors.New("permanent provisioning failure")
)

func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
