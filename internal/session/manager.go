// Package session owns the per-user terminal process lifecycle: provision,
// spawn, readiness probe, proxy binding, idle reaping and reset. It
// guarantees at most one live process per username under concurrent
// requests, and at most one in-flight provisioning attempt per username.
package session

import (
	"context"
	"fmt"
	"log"
	"net"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/swepipe/webirc/internal/bouncer"
	"github.com/swepipe/webirc/internal/database"
)

// Provisioner ensures the backing relay account exists before a terminal
// process is attached to it.
type Provisioner interface {
	EnsureAccount(ctx context.Context, username string) error
	UserDir(username string) string
}

// Proc is the handle to a spawned terminal process. Kill must be safe to
// call more than once; Wait reaps the process and returns once it is gone.
type Proc interface {
	Kill() error
	Wait() error
}

type procHandle = Proc

// SpawnFunc starts the terminal process for a user on the given port.
type SpawnFunc func(username, userDir string, port int) (Proc, error)

// setActiveSession is swappable in tests.
var setActiveSession = database.SetActiveSession

// probeReady is swappable in tests; the default dials the port until it
// accepts or the timeout lapses.
var probeReady = waitForPort

type Config struct {
	BasePort         int
	PortSpan         int
	ReadyTimeout     time.Duration
	IdleTimeout      time.Duration
	ProvisionRetries int
	ProvisionBackoff time.Duration
	// Spawn defaults to launching ttyd running irssi in the user dir.
	Spawn SpawnFunc
}

// Binding is what a caller needs to reach a Running session.
type Binding struct {
	Port int
}

// Manager is the session orchestrator. Distinct usernames proceed in
// parallel; operations on one username are strictly serialized through that
// username's slot.
type Manager struct {
	cfg  Config
	prov Provisioner

	ports *portPool

	mu    sync.Mutex
	slots map[string]*slot
}

// slot carries the per-username ownership token. op is held across
// provisioning, reset, kick and reap, so those never interleave for one
// user; sess and attempt are guarded by Manager.mu and stay readable while
// an operation runs.
type slot struct {
	op      sync.Mutex
	sess    *Session
	attempt *attempt
}

// attempt is the shared result slot for an in-flight provisioning run.
// Concurrent callers wait on done instead of starting a second attempt.
type attempt struct {
	done    chan struct{}
	binding Binding
	err     error
}

func NewManager(cfg Config, prov Provisioner) *Manager {
	if cfg.Spawn == nil {
		cfg.Spawn = spawnTTYD
	}
	return &Manager{
		cfg:   cfg,
		prov:  prov,
		ports: newPortPool(cfg.BasePort, cfg.PortSpan),
		slots: make(map[string]*slot),
	}
}

func (m *Manager) slotFor(username string) *slot {
	sl, ok := m.slots[username]
	if !ok {
		sl = &slot{}
		m.slots[username] = sl
	}
	return sl
}

// Ensure returns the user's current binding, creating the session if none
// exists. Concurrent calls for the same username resolve to a single spawn:
// later callers join the in-flight attempt and share its result.
func (m *Manager) Ensure(ctx context.Context, username string) (Binding, error) {
	m.mu.Lock()
	sl := m.slotFor(username)
	if s := sl.sess; s != nil {
		m.mu.Unlock()
		s.Touch()
		return Binding{Port: s.Port}, nil
	}
	if a := sl.attempt; a != nil {
		m.mu.Unlock()
		select {
		case <-a.done:
			return a.binding, a.err
		case <-ctx.Done():
			return Binding{}, ctx.Err()
		}
	}
	a := &attempt{done: make(chan struct{})}
	sl.attempt = a
	m.mu.Unlock()

	sl.op.Lock()
	s, err := m.provision(ctx, username)
	m.mu.Lock()
	if err == nil {
		sl.sess = s
	}
	sl.attempt = nil
	m.mu.Unlock()
	if err == nil {
		// Flag first, watch second: the watcher clears the flag on exit, so
		// this order guarantees the clear happens-after the set even when the
		// process dies immediately.
		if regErr := setActiveSession(username, true); regErr != nil {
			log.Printf("[session] mark active %s: %v", username, regErr)
		}
		m.watch(sl, s)
	}
	sl.op.Unlock()

	if err == nil {
		a.binding = Binding{Port: s.Port}
	}
	a.err = err
	close(a.done)
	return a.binding, a.err
}

// provision runs the full cycle: relay account with bounded retries, port
// allocation, spawn, readiness probe. Every failure path tears down what it
// started; the state is Absent again when an error is returned.
func (m *Manager) provision(ctx context.Context, username string) (*Session, error) {
	if err := m.ensureAccount(ctx, username); err != nil {
		return nil, err
	}

	port, err := m.ports.Allocate()
	if err != nil {
		return nil, err
	}

	userDir, err := filepath.Abs(m.prov.UserDir(username))
	if err != nil {
		userDir = m.prov.UserDir(username)
	}

	proc, err := m.cfg.Spawn(username, userDir, port)
	if err != nil {
		m.ports.Release(port)
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	log.Printf("[session] spawned terminal for %s on port %d", username, port)

	if err := probeReady(ctx, port, m.cfg.ReadyTimeout); err != nil {
		// The partial process must be gone before the error surfaces.
		proc.Kill()
		proc.Wait()
		m.ports.Release(port)
		return nil, fmt.Errorf("%w: %v", ErrReadinessTimeout, err)
	}

	s := &Session{
		ID:        uuid.New().String(),
		Username:  username,
		Port:      port,
		StartedAt: time.Now(),
		proc:      proc,
		done:      make(chan struct{}),
	}
	s.Touch()
	return s, nil
}

func (m *Manager) ensureAccount(ctx context.Context, username string) error {
	backoff := m.cfg.ProvisionBackoff
	var lastErr error
	for attempt := 0; attempt <= m.cfg.ProvisionRetries; attempt++ {
		err := m.prov.EnsureAccount(ctx, username)
		if err == nil {
			return nil
		}
		if !bouncer.IsTransient(err) {
			return fmt.Errorf("%w: %v", ErrProvisionFailed, err)
		}
		lastErr = err
		log.Printf("[session] provision %s attempt %d/%d: %v",
			username, attempt+1, m.cfg.ProvisionRetries+1, err)
		if attempt < m.cfg.ProvisionRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return fmt.Errorf("%w: %v", ErrProvisionFailed, lastErr)
}

// watch reaps the process the moment it exits, for any reason, and clears
// all derived state: the slot entry, the port and the registry flag. This
// is what keeps active_session from drifting stale after a crash.
func (m *Manager) watch(sl *slot, s *Session) {
	go func() {
		err := s.proc.Wait()

		m.mu.Lock()
		if sl.sess == s {
			sl.sess = nil
		}
		m.mu.Unlock()

		m.ports.Release(s.Port)
		if regErr := setActiveSession(s.Username, false); regErr != nil {
			log.Printf("[session] mark inactive %s: %v", s.Username, regErr)
		}
		close(s.done)
		log.Printf("[session] terminal for %s exited (port %d): %v", s.Username, s.Port, err)
	}()
}

// Lookup resolves the user's current Running session. It never provisions.
func (m *Manager) Lookup(username string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sl, ok := m.slots[username]
	if !ok || sl.sess == nil {
		return nil, ErrNoActiveSession
	}
	return sl.sess, nil
}

// Kick forcibly stops the user's session, if any. No re-provision.
func (m *Manager) Kick(username string) bool {
	m.mu.Lock()
	sl := m.slotFor(username)
	m.mu.Unlock()

	sl.op.Lock()
	defer sl.op.Unlock()
	return m.stopOwned(sl)
}

// Reset forcibly stops the session and immediately provisions a fresh one.
// The old binding is fully torn down before the new attempt starts; if a
// concurrent request began provisioning in between, Reset joins it.
func (m *Manager) Reset(ctx context.Context, username string) (Binding, error) {
	m.mu.Lock()
	sl := m.slotFor(username)
	m.mu.Unlock()

	sl.op.Lock()
	m.stopOwned(sl)
	sl.op.Unlock()

	return m.Ensure(ctx, username)
}

// stopOwned terminates the slot's session. Caller holds sl.op. Returns
// whether a session was actually stopped. On return the process is reaped,
// the port released and the registry flag cleared.
func (m *Manager) stopOwned(sl *slot) bool {
	m.mu.Lock()
	s := sl.sess
	m.mu.Unlock()
	if s == nil {
		return false
	}

	s.proc.Kill()
	<-s.done
	log.Printf("[session] stopped terminal for %s (port %d)", s.Username, s.Port)
	return true
}

// ReapIdle stops sessions whose last activity is older than the idle
// timeout and that have no attached terminal client. Runs on a schedule;
// it takes the same per-username ownership token as Ensure/Reset, so it
// never races a provisioning attempt.
func (m *Manager) ReapIdle() int {
	if m.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)

	type candidate struct {
		sl *slot
		s  *Session
	}
	m.mu.Lock()
	var idle []candidate
	for _, sl := range m.slots {
		s := sl.sess
		if s != nil && s.attachedClients() == 0 && s.LastActivity().Before(cutoff) {
			idle = append(idle, candidate{sl, s})
		}
	}
	m.mu.Unlock()

	reaped := 0
	for _, c := range idle {
		c.sl.op.Lock()
		m.mu.Lock()
		s := c.sl.sess
		stillIdle := s == c.s && s != nil &&
			s.attachedClients() == 0 && s.LastActivity().Before(cutoff)
		m.mu.Unlock()
		if stillIdle {
			log.Printf("[reaper] reaping idle session for %s (idle since %s)",
				s.Username, s.LastActivity().Format(time.RFC3339))
			if m.stopOwned(c.sl) {
				reaped++
			}
		}
		c.sl.op.Unlock()
	}
	return reaped
}

// StopAll terminates every session; used on shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	slots := make([]*slot, 0, len(m.slots))
	for _, sl := range m.slots {
		slots = append(slots, sl)
	}
	m.mu.Unlock()

	for _, sl := range slots {
		sl.op.Lock()
		m.stopOwned(sl)
		sl.op.Unlock()
	}
}

// IsActive reports whether a Running session exists for the username.
func (m *Manager) IsActive(username string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sl, ok := m.slots[username]
	return ok && sl.sess != nil
}

// ActiveCount returns the number of Running sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, sl := range m.slots {
		if sl.sess != nil {
			n++
		}
	}
	return n
}

// spawnTTYD is the default SpawnFunc: ttyd serving irssi bound to the
// provisioned account's home directory, loopback only.
func spawnTTYD(username, userDir string, port int) (Proc, error) {
	cmd := exec.Command("ttyd",
		"--port", strconv.Itoa(port),
		"--interface", "127.0.0.1",
		"--writable",
		"irssi", "--home", userDir,
	)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &execProc{cmd: cmd}, nil
}

type execProc struct {
	cmd *exec.Cmd
}

func (p *execProc) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *execProc) Wait() error {
	return p.cmd.Wait()
}

// waitForPort polls until the port accepts a TCP connection or the overall
// timeout lapses.
func waitForPort(ctx context.Context, port int, timeout time.Duration) error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", addr, 250*time.Millisecond)
		if err == nil {
			conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("port %d not ready after %s", port, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}
