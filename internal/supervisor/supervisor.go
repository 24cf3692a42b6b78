package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"
	"time"

	"github.com/lambda-feedback/foreman/internal/channel"
	"github.com/lambda-feedback/foreman/internal/hook"
	"github.com/lambda-feedback/foreman/internal/worker"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// idleInterval is the tick interval when health checks are disabled.
const idleInterval = time.Second

type Params struct {
	fx.In

	Config    Config
	Spawner   Spawner
	Connector Connector
	Reaper    Reaper
	Hooks     hook.Dispatcher `optional:"true"`
	Log       *zap.Logger
}

type member struct {
	handle *worker.Handle

	// overdueSince is the first tick the worker was found timed out
	overdueSince time.Time

	// retiring is set once the worker was asked to leave a shrinking pool
	retiring bool
}

// notification is a queued request for the main loop. Signals carry the
// signal that caused them, requests from other goroutines carry none.
type notification struct {
	sig syscall.Signal
	ev  event
}

// Supervisor maintains a pool of worker processes. All state is owned by
// the goroutine executing Run; only RequestShutdown may be called from
// other goroutines.
type Supervisor struct {
	config Config

	spawner   Spawner
	connector Connector
	reaper    Reaper
	hooks     hook.Dispatcher

	wakeSignal    syscall.Signal
	listenSignals []syscall.Signal

	state    State
	desired  int
	registry map[int]*member
	exiting  bool
	hard     bool
	resize   bool
	lastScan time.Time
	nextScan time.Time

	signals  chan os.Signal
	requests chan event
	queue    []notification

	now        func() time.Time
	sleep      func(time.Duration)
	notify     func(chan<- os.Signal, ...os.Signal)
	stopNotify func(chan<- os.Signal)

	log *zap.Logger
}

func New(params Params) (*Supervisor, error) {
	wake, err := params.Config.WakeSignal()
	if err != nil {
		return nil, fmt.Errorf("invalid fifo signal: %w", err)
	}

	listen, err := params.Config.ListenSignals()
	if err != nil {
		return nil, fmt.Errorf("invalid signals: %w", err)
	}

	hooks := params.Hooks
	if hooks == nil {
		hooks = hook.Nop{}
	}

	s := &Supervisor{
		config:        params.Config,
		spawner:       params.Spawner,
		connector:     params.Connector,
		reaper:        params.Reaper,
		hooks:         hooks,
		wakeSignal:    wake,
		listenSignals: listen,
		desired:       max(params.Config.Workers, 0),
		registry:      make(map[int]*member),
		signals:       make(chan os.Signal, signalQueueSize),
		requests:      make(chan event, 4),
		now:           time.Now,
		sleep:         time.Sleep,
		notify:        signal.Notify,
		stopNotify:    signal.Stop,
		log:           params.Log,
	}

	s.fire(hook.Event{Name: hook.Construct})

	return s, nil
}

// State returns the lifecycle state. Only valid from the loop goroutine
// or after Run returned.
func (s *Supervisor) State() State {
	return s.state
}

// Workers returns the registered workers ordered by slot. Only valid from
// the loop goroutine or after Run returned.
func (s *Supervisor) Workers() []WorkerInfo {
	members := s.members()

	infos := make([]WorkerInfo, len(members))
	for i, m := range members {
		infos[i] = WorkerInfo{Slot: m.handle.Slot(), Pid: m.handle.Pid()}
	}

	return infos
}

// RequestShutdown asks the main loop to shut down. It is safe to call
// from any goroutine and never blocks.
func (s *Supervisor) RequestShutdown(hard bool) {
	ev := eventSoftShutdown
	if hard {
		ev = eventHardShutdown
	}

	select {
	case s.requests <- ev:
	default:
		// a shutdown is already pending
	}
}

// Run prepares the pool and runs the main loop until a shutdown is
// requested, by signal, RequestShutdown or ctx. Workers are collected
// before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.state != Idle {
		return ErrAlreadyStarted
	}

	defer s.stopNotify(s.signals)

	if err := s.Prepare(ctx); err != nil {
		s.log.Error("unable to prepare workers", zap.Error(err))
		s.hardShutdown()
		s.finalize()
		return err
	}

	s.state = Running
	s.fire(hook.Event{Name: hook.Start})

	s.log.Info("supervisor started",
		zap.Int("pid", os.Getpid()),
		zap.Int("workers", s.desired),
	)

	for {
		interval := s.tick(ctx)
		if s.exiting {
			break
		}
		s.wait(ctx, interval)
	}

	s.finalize()

	return nil
}

// Prepare binds the signal handlers and spawns the initial workers.
func (s *Supervisor) Prepare(ctx context.Context) error {
	s.state = Preparing
	s.fire(hook.Event{Name: hook.Prepare})

	sigs := make([]os.Signal, 0, len(s.listenSignals)+1)
	for _, sig := range s.listenSignals {
		sigs = append(sigs, sig)
	}
	if s.wakeSignal != 0 {
		sigs = append(sigs, s.wakeSignal)
	}

	s.notify(s.signals, sigs...)
	s.fire(hook.Event{Name: hook.RegisterSignalHandler})
	s.fire(hook.Event{Name: hook.RegisterEventHandler})

	return s.spawnMissing(ctx)
}

// tick runs one iteration of the main loop and returns the time to
// sleep before the next one.
func (s *Supervisor) tick(ctx context.Context) time.Duration {
	s.fire(hook.Event{Name: hook.MainLoop})

	s.dispatch()
	if s.exiting {
		return 0
	}

	s.reap()

	interval := s.scanTimeouts()

	if s.resize {
		if err := s.reconcile(ctx); err != nil {
			s.log.Error("unable to reconcile workers", zap.Error(err))
		}
	}

	return interval
}

// wait sleeps for d, returning early when a signal or request arrives.
func (s *Supervisor) wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(max(d, s.config.MinInterval))
	defer timer.Stop()

	select {
	case sig := <-s.signals:
		s.enqueue(sig)
	case ev := <-s.requests:
		s.queue = append(s.queue, notification{ev: ev})
	case <-ctx.Done():
		s.queue = append(s.queue, notification{ev: eventHardShutdown})
	case <-timer.C:
	}
}

func (s *Supervisor) enqueue(sig os.Signal) {
	sysSig, ok := sig.(syscall.Signal)
	if !ok {
		return
	}

	ev := signalEvents[sysSig]
	if sysSig == s.wakeSignal {
		ev = eventMessages
	}

	s.queue = append(s.queue, notification{sig: sysSig, ev: ev})
}

// collect moves everything delivered since the last call into the queue.
func (s *Supervisor) collect() {
	for {
		select {
		case sig := <-s.signals:
			s.enqueue(sig)
		case ev := <-s.requests:
			s.queue = append(s.queue, notification{ev: ev})
		default:
			return
		}
	}
}

// dispatch handles queued notifications in order.
func (s *Supervisor) dispatch() {
	s.collect()

	queue := s.queue
	s.queue = nil

	for _, n := range queue {
		if n.sig != 0 {
			s.log.Debug("dispatching signal",
				zap.Stringer("signal", n.sig),
				zap.Stringer("event", n.ev),
			)
			s.fire(hook.Event{Name: hook.Signal(n.sig), Signal: n.sig})
		}

		s.handle(n.ev)
	}
}

func (s *Supervisor) handle(ev event) {
	switch ev {
	case eventSoftShutdown:
		s.softShutdown()
	case eventHardShutdown:
		s.hardShutdown()
	case eventKillWorkers:
		s.killWorkers()
	case eventIncrease:
		s.increase()
	case eventDecrease:
		s.decrease()
	case eventReload:
		s.reload()
	case eventMessages:
		for _, m := range s.members() {
			s.handleMessages(m)
		}
	case eventNone:
	}
}

func (s *Supervisor) softShutdown() {
	if s.exiting {
		return
	}

	s.log.Info("graceful shutdown requested")
	s.fire(hook.Event{Name: hook.SoftShutdown})

	s.state = Draining
	s.exiting = true

	for _, m := range s.members() {
		s.softKill(m)
	}
}

func (s *Supervisor) hardShutdown() {
	if s.hard {
		return
	}

	s.log.Info("shutdown requested")
	s.fire(hook.Event{Name: hook.HardShutdown})

	s.state = Stopped
	s.exiting = true
	s.hard = true

	for _, m := range s.members() {
		s.hardKill(m)
	}
}

func (s *Supervisor) killWorkers() {
	if s.exiting {
		return
	}

	s.log.Info("stopping all workers")
	s.fire(hook.Event{Name: hook.KillWorkers})

	for _, m := range s.members() {
		s.softKill(m)
	}
}

func (s *Supervisor) increase() {
	if s.exiting {
		return
	}

	s.desired++
	s.resize = true

	s.log.Info("increasing workers", zap.Int("workers", s.desired))
	s.fire(hook.Event{Name: hook.PoolIncrease, Detail: strconv.Itoa(s.desired)})
}

func (s *Supervisor) decrease() {
	if s.exiting {
		return
	}

	if s.desired > 0 {
		s.desired--
	}
	s.resize = true

	s.log.Info("decreasing workers", zap.Int("workers", s.desired))
	s.fire(hook.Event{Name: hook.PoolDecrease, Detail: strconv.Itoa(s.desired)})
}

func (s *Supervisor) reload() {
	if s.exiting {
		return
	}

	s.log.Info("reloading workers")
	s.fire(hook.Event{Name: hook.ReloadWorkers})

	for _, m := range s.members() {
		if err := m.handle.Reload(); err != nil {
			s.workerLog(m).Warn("unable to reload worker", zap.Error(err))
		}
	}
}

func (s *Supervisor) handleMessages(m *member) {
	for _, msg := range m.handle.Messages() {
		log := s.workerLog(m).With(zap.String("action", string(msg.Action)))

		s.fire(hook.Event{
			Name:   hook.WorkerMessage,
			Pid:    m.handle.Pid(),
			Slot:   m.handle.Slot(),
			Detail: string(msg.Action),
		})

		switch msg.Action {
		case channel.Close:
			log.Info("worker closing")
		case channel.SoftKill, channel.HardKill, channel.Reload:
			log.Debug("ignoring worker message")
		}
	}
}

func (s *Supervisor) softKill(m *member) {
	if err := m.handle.SoftKill(); err != nil {
		s.workerLog(m).Warn("unable to stop worker", zap.Error(err))
	}
}

// hardKill falls back to SIGKILL if the worker can't be reached.
func (s *Supervisor) hardKill(m *member) {
	log := s.workerLog(m)

	if err := m.handle.HardKill(); err != nil {
		log.Warn("unable to reach worker, killing", zap.Error(err))
		s.kill(m)
	}
}

func (s *Supervisor) kill(m *member) {
	if err := s.spawner.Signal(m.handle.Pid(), syscall.SIGKILL); err != nil {
		s.workerLog(m).Error("unable to kill worker", zap.Error(err))
	}
}

// reap collects every child whose state changed since the last call.
func (s *Supervisor) reap() {
	s.fire(hook.Event{Name: hook.CheckingDeadWorkers})

	for {
		pid, status, err := s.reaper.Reap()
		if err != nil {
			s.log.Error("unable to reap workers", zap.Error(err))
			return
		}

		if pid <= 0 {
			return
		}

		m, ok := s.registry[pid]
		if !ok {
			s.log.Debug("reaped unknown process",
				zap.Int("pid", pid),
				zap.Stringer("status", status),
			)
			continue
		}

		log := s.workerLog(m).With(zap.Stringer("status", status))
		if !status.IsStopped() {
			log = log.With(exitFields(status.Event())...)
		}

		if status.IsStopped() {
			log.Warn("worker stopped")
			s.fire(hook.Event{
				Name:   hook.StoppedWorker,
				Pid:    pid,
				Slot:   m.handle.Slot(),
				Signal: status.StopSignal(),
				Detail: status.String(),
			})
			continue
		}

		// collect what the worker sent before it went away
		s.handleMessages(m)

		delete(s.registry, pid)
		m.handle.SetStatus(status)

		if m.handle.IsSuccessful() {
			log.Info("worker exited")
		} else {
			log.Warn("worker exited unsuccessfully")
		}

		s.fire(hook.Event{
			Name:   hook.CheckedDeadWorker,
			Pid:    pid,
			Slot:   m.handle.Slot(),
			Signal: status.TermSignal(),
			Detail: status.String(),
			Failed: !m.handle.IsSuccessful(),
		})

		if err := m.handle.Release(); err != nil {
			log.Warn("unable to release channel", zap.Error(err))
		}

		if s.config.Respawn && !s.exiting {
			s.resize = true
		}
	}
}

// scanTimeouts soft-kills workers that did not check in for longer than
// the timeout and returns the time until the next worker may time out.
func (s *Supervisor) scanTimeouts() (interval time.Duration) {
	timeout := s.config.Timeout
	if timeout <= 0 {
		return idleInterval
	}

	now := s.now()
	last, expected := s.lastScan, s.nextScan

	s.lastScan = now
	defer func() {
		s.nextScan = now.Add(max(interval, s.config.MinInterval))
	}()

	// a scan later than the planned wake-up by more than a timeout means
	// the clock moved under us
	if !last.IsZero() && (now.Before(last) || now.Sub(expected) > timeout) {
		s.log.Warn("clock jump detected, skipping timeout scan",
			zap.Time("last", last),
			zap.Time("expected", expected),
			zap.Time("now", now),
		)
		return timeout/2 + time.Second
	}

	s.fire(hook.Event{Name: hook.TimeoutWorkers})

	maxInterval := max(timeout-time.Second, 0)
	interval = maxInterval

	for _, m := range s.members() {
		heartbeat := m.handle.LastHeartbeat()

		// still starting up
		if heartbeat.IsZero() {
			continue
		}

		elapsed := now.Sub(heartbeat)
		if elapsed > timeout {
			s.timedOut(m, now, elapsed)
			interval = 0
			continue
		}

		m.overdueSince = time.Time{}

		if slack := timeout - elapsed; slack < interval {
			interval = slack
		}
	}

	return min(max(interval, 0), maxInterval)
}

func (s *Supervisor) timedOut(m *member, now time.Time, elapsed time.Duration) {
	log := s.workerLog(m).With(zap.Duration("elapsed", elapsed))

	if m.overdueSince.IsZero() {
		m.overdueSince = now
	}

	s.fire(hook.Event{
		Name:   hook.WorkerTimeout,
		Pid:    m.handle.Pid(),
		Slot:   m.handle.Slot(),
		Detail: elapsed.String(),
		Failed: true,
	})

	if grace := s.config.KillGrace; grace > 0 && now.Sub(m.overdueSince) >= grace {
		log.Error("worker ignored stop request, killing")
		s.kill(m)
		return
	}

	log.Warn("worker timed out")
	s.softKill(m)
}

// reconcile brings the pool in line with the desired size.
func (s *Supervisor) reconcile(ctx context.Context) error {
	s.resize = false

	if s.exiting {
		return nil
	}

	for _, m := range s.members() {
		if m.handle.Slot() >= s.desired && !m.retiring {
			m.retiring = true
			s.softKill(m)
		}
	}

	if err := s.spawnMissing(ctx); err != nil {
		// try again on the next tick
		s.resize = true
		return err
	}

	return nil
}

// spawnMissing spawns a worker for every unoccupied slot below the desired
// pool size. Occupied slots are left alone.
func (s *Supervisor) spawnMissing(ctx context.Context) error {
	if s.exiting {
		return nil
	}

	occupied := make(map[int]bool, len(s.registry))
	for _, m := range s.registry {
		occupied[m.handle.Slot()] = true
	}

	var missing []int
	for slot := 0; slot < s.desired; slot++ {
		if !occupied[slot] {
			missing = append(missing, slot)
		}
	}

	if len(missing) == 0 {
		return nil
	}

	s.fire(hook.Event{Name: hook.SpawningWorkers, Detail: strconv.Itoa(len(missing))})

	for _, slot := range missing {
		if err := s.spawn(ctx, slot); err != nil {
			return err
		}
	}

	return nil
}

func (s *Supervisor) spawn(ctx context.Context, slot int) error {
	s.fire(hook.Event{Name: hook.PreFork, Slot: slot})

	pid, err := s.spawner.Spawn(slot)
	if err != nil {
		return fmt.Errorf("%w for slot %d: %w", ErrSpawnFailed, slot, err)
	}

	connectCtx := ctx
	if s.config.SpawnTimeout > 0 {
		var cancel context.CancelFunc
		connectCtx, cancel = context.WithTimeout(ctx, s.config.SpawnTimeout)
		defer cancel()
	}

	conn, err := s.connector.Connect(connectCtx, pid)
	if err != nil {
		// the orphan is reaped as an unknown process
		if err := s.spawner.Signal(pid, syscall.SIGKILL); err != nil {
			s.log.Warn("unable to kill unconnected worker", zap.Int("pid", pid), zap.Error(err))
		}
		return fmt.Errorf("%w %d in slot %d: %w", ErrConnectFailed, pid, slot, err)
	}

	h := worker.NewSupervisorHandle(slot, pid, conn, s.log)
	s.registry[pid] = &member{handle: h}

	s.log.Info("worker spawned", zap.Int("slot", slot), zap.Int("pid", pid))
	s.fire(hook.Event{Name: hook.PostFork, Pid: pid, Slot: slot})

	return nil
}

// finalize collects the workers after the main loop exited. Workers that
// don't exit in time are killed.
func (s *Supervisor) finalize() {
	timeout := s.config.GracefulTimeout
	if s.hard {
		timeout = s.config.KillTimeout
	}

	s.await(timeout)

	if len(s.registry) > 0 {
		for _, m := range s.members() {
			s.workerLog(m).Warn("worker did not exit in time, killing")
			s.kill(m)
		}

		s.await(s.config.KillTimeout)
	}

	for _, m := range s.members() {
		s.workerLog(m).Error("abandoning worker")
		if err := m.handle.Release(); err != nil {
			s.workerLog(m).Warn("unable to release channel", zap.Error(err))
		}
		delete(s.registry, m.handle.Pid())
	}

	s.state = Stopped
	s.fire(hook.Event{Name: hook.Shutdown})

	s.log.Info("supervisor stopped")
}

// await reaps workers until none is left or timeout elapsed. A hard
// shutdown requested meanwhile kills the remaining workers and restarts
// the timeout.
func (s *Supervisor) await(timeout time.Duration) {
	poll := s.config.MinInterval
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}

	deadline := s.now().Add(timeout)

	for {
		s.reap()

		if len(s.registry) == 0 {
			return
		}

		if !s.hard && s.hardRequested() {
			s.hardShutdown()
			deadline = s.now().Add(s.config.KillTimeout)
		}

		if !s.now().Before(deadline) {
			return
		}

		s.sleep(poll)
	}
}

// hardRequested drains the queue and reports whether it held a hard
// shutdown. Other notifications only fire their hooks.
func (s *Supervisor) hardRequested() bool {
	s.collect()

	queue := s.queue
	s.queue = nil

	var hard bool
	for _, n := range queue {
		if n.sig != 0 {
			s.fire(hook.Event{Name: hook.Signal(n.sig), Signal: n.sig})
		}
		if n.ev == eventHardShutdown {
			hard = true
		}
	}

	return hard
}

// members returns the registered workers ordered by slot.
func (s *Supervisor) members() []*member {
	members := make([]*member, 0, len(s.registry))
	for _, m := range s.registry {
		members = append(members, m)
	}

	sort.Slice(members, func(i, j int) bool {
		return members[i].handle.Slot() < members[j].handle.Slot()
	})

	return members
}

func exitFields(evt worker.ExitEvent) []zap.Field {
	var fields []zap.Field
	if evt.Code != nil {
		fields = append(fields, zap.Int("exit_code", *evt.Code))
	}
	if evt.Signal != nil {
		fields = append(fields, zap.Stringer("exit_signal", syscall.Signal(*evt.Signal)))
	}
	return fields
}

func (s *Supervisor) workerLog(m *member) *zap.Logger {
	return s.log.With(
		zap.Int("slot", m.handle.Slot()),
		zap.Int("pid", m.handle.Pid()),
	)
}

func (s *Supervisor) fire(evt hook.Event) {
	s.hooks.Fire(evt)
}
