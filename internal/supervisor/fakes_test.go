package supervisor

import (
	"context"
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/lambda-feedback/foreman/internal/channel"
	"github.com/lambda-feedback/foreman/internal/hook"
	"github.com/lambda-feedback/foreman/internal/worker"
	"go.uber.org/zap"
)

type fakeConn struct {
	sent      []channel.Message
	inbox     []channel.Message
	heartbeat time.Time
	sendErr   error
	closed    int
	cleaned   int
}

var _ worker.Conn = (*fakeConn)(nil)

func (c *fakeConn) Send(msg channel.Message) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) ReceiveMany() []channel.Message {
	msgs := c.inbox
	c.inbox = nil
	return msgs
}

func (c *fakeConn) Touch(t time.Time) error {
	c.heartbeat = t
	return nil
}

func (c *fakeConn) Heartbeat() time.Time {
	return c.heartbeat
}

func (c *fakeConn) Close() error {
	c.closed++
	return nil
}

func (c *fakeConn) Cleanup() error {
	c.cleaned++
	return nil
}

// count returns the number of messages with the given action.
func (c *fakeConn) count(action channel.Action) int {
	var n int
	for _, msg := range c.sent {
		if msg.Action == action {
			n++
		}
	}
	return n
}

type reaped struct {
	pid    int
	status worker.Status
}

// fakeProcs plays spawner, connector and reaper.
type fakeProcs struct {
	nextPid    int
	slots      map[int]int
	conns      map[int]*fakeConn
	signals    map[int][]syscall.Signal
	exited     []reaped
	spawnErr   error
	connectErr error
}

var (
	_ Spawner   = (*fakeProcs)(nil)
	_ Connector = (*fakeProcs)(nil)
	_ Reaper    = (*fakeProcs)(nil)
)

func newFakeProcs() *fakeProcs {
	return &fakeProcs{
		nextPid: 1000,
		slots:   make(map[int]int),
		conns:   make(map[int]*fakeConn),
		signals: make(map[int][]syscall.Signal),
	}
}

func (p *fakeProcs) Spawn(slot int) (int, error) {
	if p.spawnErr != nil {
		return 0, p.spawnErr
	}

	p.nextPid++
	p.slots[p.nextPid] = slot

	return p.nextPid, nil
}

func (p *fakeProcs) Signal(pid int, sig syscall.Signal) error {
	p.signals[pid] = append(p.signals[pid], sig)

	if sig == syscall.SIGKILL {
		p.exit(pid, worker.SignaledStatus(syscall.SIGKILL))
	}

	return nil
}

func (p *fakeProcs) Connect(ctx context.Context, pid int) (worker.Conn, error) {
	if p.connectErr != nil {
		return nil, p.connectErr
	}

	conn := &fakeConn{}
	p.conns[pid] = conn

	return conn, nil
}

func (p *fakeProcs) Reap() (int, worker.Status, error) {
	if len(p.exited) == 0 {
		return 0, worker.Status{}, nil
	}

	next := p.exited[0]
	p.exited = p.exited[1:]

	return next.pid, next.status, nil
}

func (p *fakeProcs) exit(pid int, status worker.Status) {
	p.exited = append(p.exited, reaped{pid: pid, status: status})
}

// connOf returns the connection of the worker in slot.
func (p *fakeProcs) connOf(t *testing.T, s *Supervisor, slot int) *fakeConn {
	t.Helper()

	for _, w := range s.Workers() {
		if w.Slot == slot {
			return p.conns[w.Pid]
		}
	}

	t.Fatalf("no worker in slot %d", slot)
	return nil
}

func (p *fakeProcs) pidOf(t *testing.T, s *Supervisor, slot int) int {
	t.Helper()

	for _, w := range s.Workers() {
		if w.Slot == slot {
			return w.Pid
		}
	}

	t.Fatalf("no worker in slot %d", slot)
	return 0
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.now = c.now.Add(d)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type hookRecorder struct {
	mu     sync.Mutex
	events []hook.Event
}

func (r *hookRecorder) Fire(evt hook.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *hookRecorder) names() []hook.Name {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]hook.Name, len(r.events))
	for i, evt := range r.events {
		names[i] = evt.Name
	}
	return names
}

func (r *hookRecorder) count(name hook.Name) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int
	for _, evt := range r.events {
		if evt.Name == name {
			n++
		}
	}
	return n
}

type testEnv struct {
	procs *fakeProcs
	clock *fakeClock
	hooks *hookRecorder
}

func testConfig(workers int) Config {
	return Config{
		Name:            "test",
		Workers:         workers,
		Timeout:         2 * time.Second,
		FifoSignal:      "SIGCHLD",
		Signals:         []string{"SIGQUIT", "SIGTERM", "SIGTTIN", "SIGTTOU", "SIGWINCH", "SIGHUP", "SIGUSR1"},
		GracefulTimeout: 5 * time.Second,
		KillTimeout:     time.Second,
		Respawn:         true,
		MinInterval:     10 * time.Millisecond,
	}
}

func newTestSupervisor(t *testing.T, config Config) (*Supervisor, *testEnv) {
	t.Helper()

	env := &testEnv{
		procs: newFakeProcs(),
		clock: &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		hooks: &hookRecorder{},
	}

	s, err := New(Params{
		Config:    config,
		Spawner:   env.procs,
		Connector: env.procs,
		Reaper:    env.procs,
		Hooks:     env.hooks,
		Log:       zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("unable to create supervisor: %v", err)
	}

	s.now = env.clock.Now
	s.sleep = env.clock.Sleep
	s.notify = func(chan<- os.Signal, ...os.Signal) {}
	s.stopNotify = func(chan<- os.Signal) {}

	return s, env
}

// checkIn stamps the heartbeat of every registered worker.
func (e *testEnv) checkIn(s *Supervisor) {
	for _, w := range s.Workers() {
		e.procs.conns[w.Pid].heartbeat = e.clock.now
	}
}

// sendSignal delivers sig as if the OS did.
func sendSignal(s *Supervisor, sig syscall.Signal) {
	s.signals <- sig
}

var errBoom = errors.New("boom")
