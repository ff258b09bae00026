package session

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/swepipe/webirc/internal/bouncer"
)

// fakeProc is a controllable process stand-in. exit simulates the process
// dying on its own; Kill behaves like a real SIGKILL.
type fakeProc struct {
	mu     sync.Mutex
	exited chan struct{}
	dead   bool
}

func newFakeProc() *fakeProc {
	return &fakeProc{exited: make(chan struct{})}
}

func (p *fakeProc) Kill() error {
	p.exit()
	return nil
}

func (p *fakeProc) Wait() error {
	<-p.exited
	return errors.New("process exited")
}

func (p *fakeProc) exit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.dead {
		p.dead = true
		close(p.exited)
	}
}

// fakeSpawner records every spawn and hands out fakeProcs.
type fakeSpawner struct {
	mu        sync.Mutex
	procs     []*fakeProc
	delay     time.Duration
	err       error
	stillborn bool
}

func (f *fakeSpawner) spawn(username, userDir string, port int) (Proc, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	p := newFakeProc()
	if f.stillborn {
		p.exit()
	}
	f.procs = append(f.procs, p)
	return p, nil
}

func (f *fakeSpawner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.procs)
}

func (f *fakeSpawner) proc(i int) *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.procs[i]
}

// fakeProvisioner fails the first failures calls with failErr.
type fakeProvisioner struct {
	mu       sync.Mutex
	calls    int
	failures int
	failErr  error
}

func (f *fakeProvisioner) EnsureAccount(ctx context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return f.failErr
	}
	return nil
}

func (f *fakeProvisioner) UserDir(username string) string {
	return filepath.Join("testdata", username)
}

func (f *fakeProvisioner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestManager(t *testing.T, cfg Config, prov Provisioner) (*Manager, *fakeSpawner) {
	t.Helper()

	origProbe := probeReady
	origSetActive := setActiveSession
	probeReady = func(ctx context.Context, port int, timeout time.Duration) error { return nil }
	setActiveSession = func(username string, active bool) error { return nil }
	t.Cleanup(func() {
		probeReady = origProbe
		setActiveSession = origSetActive
	})

	spawner := &fakeSpawner{}
	if cfg.BasePort == 0 {
		cfg.BasePort = 7100
	}
	if cfg.PortSpan == 0 {
		cfg.PortSpan = 10
	}
	if cfg.ReadyTimeout == 0 {
		cfg.ReadyTimeout = time.Second
	}
	if cfg.ProvisionBackoff == 0 {
		cfg.ProvisionBackoff = time.Millisecond
	}
	cfg.Spawn = spawner.spawn
	if prov == nil {
		prov = &fakeProvisioner{}
	}
	return NewManager(cfg, prov), spawner
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestEnsureSpawnsOnce(t *testing.T) {
	m, spawner := newTestManager(t, Config{}, nil)

	b1, err := m.Ensure(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	b2, err := m.Ensure(context.Background(), "alice")
	if err != nil {
		t.Fatalf("second Ensure: %v", err)
	}
	if b1.Port != b2.Port {
		t.Fatalf("bindings differ: %d vs %d", b1.Port, b2.Port)
	}
	if spawner.count() != 1 {
		t.Fatalf("expected 1 spawn, got %d", spawner.count())
	}
	if !m.IsActive("alice") {
		t.Fatal("expected active session")
	}
}

// Concurrent first requests for one user must resolve to a single process,
// with every caller receiving the same binding.
func TestEnsureSingleFlight(t *testing.T) {
	m, spawner := newTestManager(t, Config{}, nil)
	spawner.delay = 20 * time.Millisecond

	const callers = 10
	ports := make([]int, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := m.Ensure(context.Background(), "alice")
			ports[i], errs[i] = b.Port, err
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if ports[i] != ports[0] {
			t.Fatalf("caller %d got port %d, caller 0 got %d", i, ports[i], ports[0])
		}
	}
	if spawner.count() != 1 {
		t.Fatalf("expected 1 spawn for %d concurrent callers, got %d", callers, spawner.count())
	}
}

func TestEnsureDistinctUsersParallel(t *testing.T) {
	m, spawner := newTestManager(t, Config{}, nil)

	ba, err := m.Ensure(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Ensure alice: %v", err)
	}
	bb, err := m.Ensure(context.Background(), "bob")
	if err != nil {
		t.Fatalf("Ensure bob: %v", err)
	}
	if ba.Port == bb.Port {
		t.Fatalf("distinct users share port %d", ba.Port)
	}
	if spawner.count() != 2 {
		t.Fatalf("expected 2 spawns, got %d", spawner.count())
	}
	if m.ActiveCount() != 2 {
		t.Fatalf("ActiveCount = %d, want 2", m.ActiveCount())
	}
}

// A failed readiness probe must leave no trace: process killed, port
// released, state absent, and a retry starts clean.
func TestEnsureReadinessTimeout(t *testing.T) {
	m, spawner := newTestManager(t, Config{}, nil)
	probeReady = func(ctx context.Context, port int, timeout time.Duration) error {
		return fmt.Errorf("port %d not ready", port)
	}

	_, err := m.Ensure(context.Background(), "alice")
	if !errors.Is(err, ErrReadinessTimeout) {
		t.Fatalf("expected ErrReadinessTimeout, got %v", err)
	}
	if m.IsActive("alice") {
		t.Fatal("session must be absent after failed probe")
	}
	select {
	case <-spawner.proc(0).exited:
	default:
		t.Fatal("partial process not killed")
	}
	if m.ports.InUse() != 0 {
		t.Fatalf("port leaked: %d in use", m.ports.InUse())
	}

	// Recovery: a later attempt succeeds from Absent.
	probeReady = func(ctx context.Context, port int, timeout time.Duration) error { return nil }
	if _, err := m.Ensure(context.Background(), "alice"); err != nil {
		t.Fatalf("retry after probe failure: %v", err)
	}
}

func TestEnsureSpawnFailure(t *testing.T) {
	m, spawner := newTestManager(t, Config{}, nil)
	spawner.err = errors.New("exec: ttyd not found")

	_, err := m.Ensure(context.Background(), "alice")
	if !errors.Is(err, ErrSpawnFailed) {
		t.Fatalf("expected ErrSpawnFailed, got %v", err)
	}
	if m.ports.InUse() != 0 {
		t.Fatalf("port leaked: %d in use", m.ports.InUse())
	}
}

func TestKick(t *testing.T) {
	m, spawner := newTestManager(t, Config{}, nil)

	if _, err := m.Ensure(context.Background(), "alice"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !m.Kick("alice") {
		t.Fatal("Kick returned false for live session")
	}
	if m.IsActive("alice") {
		t.Fatal("session still active after kick")
	}
	if m.ports.InUse() != 0 {
		t.Fatalf("port not released after kick")
	}
	if spawner.count() != 1 {
		t.Fatalf("kick must not respawn, got %d spawns", spawner.count())
	}
	if m.Kick("alice") {
		t.Fatal("second kick must be a no-op")
	}
}

func TestReset(t *testing.T) {
	m, spawner := newTestManager(t, Config{}, nil)

	if _, err := m.Ensure(context.Background(), "alice"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	old := spawner.proc(0)

	b, err := m.Reset(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	select {
	case <-old.exited:
	default:
		t.Fatal("old process still alive after reset")
	}
	if spawner.count() != 2 {
		t.Fatalf("expected respawn, got %d spawns", spawner.count())
	}
	if !m.IsActive("alice") {
		t.Fatal("no session after reset")
	}
	if b.Port == 0 {
		t.Fatal("reset returned empty binding")
	}
}

// When the process dies behind the manager's back, the watcher clears all
// derived state and the next Ensure starts fresh.
func TestExternalExitCleansUp(t *testing.T) {
	m, spawner := newTestManager(t, Config{}, nil)

	if _, err := m.Ensure(context.Background(), "alice"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}

	spawner.proc(0).exit()
	waitUntil(t, "session cleanup", func() bool { return !m.IsActive("alice") })
	waitUntil(t, "port release", func() bool { return m.ports.InUse() == 0 })

	if _, err := m.Ensure(context.Background(), "alice"); err != nil {
		t.Fatalf("Ensure after crash: %v", err)
	}
	if spawner.count() != 2 {
		t.Fatalf("expected fresh spawn, got %d", spawner.count())
	}
}

// A process that exits immediately after passing the readiness probe must
// still leave the registry flag false: the set-true is ordered before the
// watcher starts, so the watcher's clear always lands last.
func TestImmediateExitClearsActiveFlag(t *testing.T) {
	m, spawner := newTestManager(t, Config{}, nil)

	var mu sync.Mutex
	var flag bool
	var order []bool
	setActiveSession = func(username string, active bool) error {
		mu.Lock()
		defer mu.Unlock()
		flag = active
		order = append(order, active)
		return nil
	}

	// The process is already dead by the time spawn returns, so the watcher
	// fires as soon as it starts.
	spawner.stillborn = true

	if _, err := m.Ensure(context.Background(), "alice"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	waitUntil(t, "session cleanup", func() bool { return !m.IsActive("alice") })
	waitUntil(t, "flag cleared", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return !flag
	})

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || !order[0] || order[1] {
		t.Fatalf("expected flag transitions [true false], got %v", order)
	}
}

func TestLookup(t *testing.T) {
	m, _ := newTestManager(t, Config{}, nil)

	if _, err := m.Lookup("alice"); !errors.Is(err, ErrNoActiveSession) {
		t.Fatalf("expected ErrNoActiveSession, got %v", err)
	}

	b, err := m.Ensure(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	s, err := m.Lookup("alice")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if s.Port != b.Port {
		t.Fatalf("Lookup port %d, binding port %d", s.Port, b.Port)
	}
}

func TestReapIdle(t *testing.T) {
	m, _ := newTestManager(t, Config{IdleTimeout: 50 * time.Millisecond}, nil)

	if _, err := m.Ensure(context.Background(), "alice"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	s, _ := m.Lookup("alice")

	// Fresh session is not idle.
	if n := m.ReapIdle(); n != 0 {
		t.Fatalf("reaped fresh session: %d", n)
	}

	s.lastActivity.Store(time.Now().Add(-time.Minute).UnixNano())
	if n := m.ReapIdle(); n != 1 {
		t.Fatalf("expected 1 reap, got %d", n)
	}
	if m.IsActive("alice") {
		t.Fatal("session survived reap")
	}
}

func TestReapIdleSkipsAttached(t *testing.T) {
	m, _ := newTestManager(t, Config{IdleTimeout: 50 * time.Millisecond}, nil)

	if _, err := m.Ensure(context.Background(), "alice"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	s, _ := m.Lookup("alice")
	s.Attach()
	s.lastActivity.Store(time.Now().Add(-time.Minute).UnixNano())

	if n := m.ReapIdle(); n != 0 {
		t.Fatalf("reaped session with attached client: %d", n)
	}

	s.Detach()
	s.lastActivity.Store(time.Now().Add(-time.Minute).UnixNano())
	if n := m.ReapIdle(); n != 1 {
		t.Fatalf("expected reap after detach, got %d", n)
	}
}

func TestPortExhaustion(t *testing.T) {
	m, _ := newTestManager(t, Config{BasePort: 7100, PortSpan: 1}, nil)

	if _, err := m.Ensure(context.Background(), "alice"); err != nil {
		t.Fatalf("Ensure alice: %v", err)
	}
	if _, err := m.Ensure(context.Background(), "bob"); !errors.Is(err, ErrPortExhausted) {
		t.Fatalf("expected ErrPortExhausted, got %v", err)
	}

	// Stopping a session frees its port for the next user.
	m.Kick("alice")
	if _, err := m.Ensure(context.Background(), "bob"); err != nil {
		t.Fatalf("Ensure bob after kick: %v", err)
	}
}

func TestProvisionRetriesTransient(t *testing.T) {
	prov := &fakeProvisioner{failures: 2, failErr: fmt.Errorf("%w: soju unreachable", bouncer.ErrTransient)}
	m, _ := newTestManager(t, Config{ProvisionRetries: 3}, prov)

	if _, err := m.Ensure(context.Background(), "alice"); err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if prov.callCount() != 3 {
		t.Fatalf("expected 3 provisioning calls, got %d", prov.callCount())
	}
}

func TestProvisionRetriesExhausted(t *testing.T) {
	prov := &fakeProvisioner{failures: 100, failErr: fmt.Errorf("%w: soju unreachable", bouncer.ErrTransient)}
	m, spawner := newTestManager(t, Config{ProvisionRetries: 2}, prov)

	_, err := m.Ensure(context.Background(), "alice")
	if !errors.Is(err, ErrProvisionFailed) {
		t.Fatalf("expected ErrProvisionFailed, got %v", err)
	}
	if prov.callCount() != 3 {
		t.Fatalf("expected 3 provisioning calls, got %d", prov.callCount())
	}
	if spawner.count() != 0 {
		t.Fatal("spawned despite provisioning failure")
	}
}

func TestProvisionPermanentNoRetry(t *testing.T) {
	prov := &fakeProvisioner{failures: 100, failErr: fmt.Errorf("%w: invalid account", bouncer.ErrPermanent)}
	m, _ := newTestManager(t, Config{ProvisionRetries: 3}, prov)

	_, err := m.Ensure(context.Background(), "alice")
	if !errors.Is(err, ErrProvisionFailed) {
		t.Fatalf("expected ErrProvisionFailed, got %v", err)
	}
	if prov.callCount() != 1 {
		t.Fatalf("permanent failure must not retry, got %d calls", prov.callCount())
	}
}

func TestStopAll(t *testing.T) {
	m, _ := newTestManager(t, Config{}, nil)

	for _, name := range []string{"alice", "bob", "carol"} {
		if _, err := m.Ensure(context.Background(), name); err != nil {
			t.Fatalf("Ensure %s: %v", name, err)
		}
	}
	m.StopAll()
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount = %d after StopAll", m.ActiveCount())
	}
	if m.ports.InUse() != 0 {
		t.Fatalf("%d ports leaked after StopAll", m.ports.InUse())
	}
}
