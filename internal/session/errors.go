package session

import "errors"

var (
	// ErrNoActiveSession means the user has no Running binding; callers must
	// go through Ensure first.
	ErrNoActiveSession = errors.New("no active session")
	// ErrPortExhausted means the shared port pool has no free port.
	ErrPortExhausted = errors.New("port pool exhausted")
	// ErrSpawnFailed means the terminal process could not be started.
	ErrSpawnFailed = errors.New("terminal process spawn failed")
	// ErrReadinessTimeout means the spawned process never started accepting
	// connections within the probe window. The process is already gone.
	ErrReadinessTimeout = errors.New("terminal process readiness timeout")
	// ErrProvisionFailed wraps a bouncer provisioning failure that survived
	// the retry policy.
	ErrProvisionFailed = errors.New("bouncer provisioning failed")
)
