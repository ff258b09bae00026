package session

import (
	"sync/atomic"
	"time"
)

// Session is one live terminal process bound to a username. Owned
// exclusively by the Manager; at most one exists per username.
type Session struct {
	ID        string
	Username  string
	Port      int
	StartedAt time.Time

	proc procHandle
	// done is closed by the watch goroutine after the process has been
	// reaped, the port released and the registry flag cleared.
	done chan struct{}

	lastActivity atomic.Int64 // unix nanos
	attached     atomic.Int32 // connected terminal clients
}

// Touch records activity, deferring the idle reaper.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns the time of the most recent touch.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastActivity.Load())
}

// Attach marks a terminal client connected. Sessions with attached clients
// are never idle-reaped.
func (s *Session) Attach() {
	s.attached.Add(1)
	s.Touch()
}

func (s *Session) Detach() {
	s.attached.Add(-1)
	s.Touch()
}

func (s *Session) attachedClients() int {
	return int(s.attached.Load())
}

// Done is closed once the backing process has exited and all cleanup ran.
func (s *Session) Done() <-chan struct{} {
	return s.done
}
