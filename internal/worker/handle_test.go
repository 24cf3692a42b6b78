package worker

import (
	"errors"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/lambda-feedback/foreman/internal/channel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mockConn struct {
	mock.Mock
}

var _ Conn = (*mockConn)(nil)

func (c *mockConn) Send(msg channel.Message) error {
	args := c.Called(msg)
	return args.Error(0)
}

func (c *mockConn) ReceiveMany() []channel.Message {
	args := c.Called()
	if messages, ok := args.Get(0).([]channel.Message); ok {
		return messages
	}
	return nil
}

func (c *mockConn) Touch(t time.Time) error {
	args := c.Called(t)
	return args.Error(0)
}

func (c *mockConn) Heartbeat() time.Time {
	args := c.Called()
	return args.Get(0).(time.Time)
}

func (c *mockConn) Close() error {
	args := c.Called()
	return args.Error(0)
}

func (c *mockConn) Cleanup() error {
	args := c.Called()
	return args.Error(0)
}

type fakeTask struct {
	run       func(*Handle) error
	softKills int
	closes    int
	closeErr  error
}

func (t *fakeTask) Run(h *Handle) error {
	if t.run == nil {
		return nil
	}
	return t.run(h)
}

func (t *fakeTask) SoftKill() {
	t.softKills++
}

func (t *fakeTask) Close() error {
	t.closes++
	return t.closeErr
}

type reloadingTask struct {
	fakeTask
	reloads int
}

func (t *reloadingTask) Reload() {
	t.reloads++
}

func newTestWorkerHandle(conn Conn, task Task) (*Handle, *[]int) {
	var exits []int

	h := NewWorkerHandle(Config{Slot: 3, Pid: 100, ParentPid: 1}, conn, task, zap.NewNop())
	h.exit = func(code int) { exits = append(exits, code) }
	h.getppid = func() int { return 1 }

	return h, &exits
}

func TestHandle_Worker_HouseKeepStopsOrphan(t *testing.T) {
	conn := new(mockConn)
	conn.On("Touch", mock.Anything).Return(nil)
	conn.On("ReceiveMany").Return(nil)

	task := &fakeTask{}
	h, _ := newTestWorkerHandle(conn, task)

	h.HouseKeep()
	assert.Zero(t, task.softKills)

	// reparented to another process
	h.getppid = func() int { return 2 }

	h.HouseKeep()
	h.HouseKeep()

	assert.Equal(t, 1, task.softKills)
}

func TestHandle_Supervisor_SendsControlMessages(t *testing.T) {
	tests := map[channel.Action]func(*Handle) error{
		channel.SoftKill: (*Handle).SoftKill,
		channel.HardKill: (*Handle).HardKill,
		channel.Close:    (*Handle).Close,
		channel.Reload:   (*Handle).Reload,
	}

	for action, op := range tests {
		t.Run(string(action), func(t *testing.T) {
			conn := new(mockConn)
			conn.On("Send", channel.NewMessage(action, "")).Return(nil).Once()

			h := NewSupervisorHandle(0, 42, conn, zap.NewNop())

			assert.NoError(t, op(h))
			conn.AssertExpectations(t)
		})
	}
}

func TestHandle_Supervisor_SendFailureIsReturned(t *testing.T) {
	conn := new(mockConn)
	conn.On("Send", mock.Anything).Return(channel.ErrPeerUnreachable)

	h := NewSupervisorHandle(0, 42, conn, zap.NewNop())

	assert.ErrorIs(t, h.SoftKill(), channel.ErrPeerUnreachable)
}

func TestHandle_Supervisor_ClosingIsWrongRole(t *testing.T) {
	h := NewSupervisorHandle(0, 42, new(mockConn), zap.NewNop())

	assert.ErrorIs(t, h.Closing(), ErrWrongRole)
}

func TestHandle_Worker_SoftKillRoutesToTask(t *testing.T) {
	task := &fakeTask{}
	h, exits := newTestWorkerHandle(new(mockConn), task)

	require.NoError(t, h.SoftKill())
	require.NoError(t, h.SoftKill())

	assert.Equal(t, 2, task.softKills)
	assert.Empty(t, *exits)
}

func TestHandle_Worker_HardKillExitsWithoutTaskCallback(t *testing.T) {
	task := &fakeTask{}
	h, exits := newTestWorkerHandle(new(mockConn), task)

	require.NoError(t, h.HardKill())

	assert.Equal(t, []int{ExitHardKilled}, *exits)
	assert.Zero(t, task.softKills)
	assert.Zero(t, task.closes)
}

func TestHandle_Worker_CloseClosesTaskOnce(t *testing.T) {
	task := &fakeTask{closeErr: errors.New("close failed")}
	h, _ := newTestWorkerHandle(new(mockConn), task)

	assert.EqualError(t, h.Close(), "close failed")
	assert.EqualError(t, h.Close(), "close failed")
	assert.Equal(t, 1, task.closes)
}

func TestHandle_Worker_ReloadRoutesToReloader(t *testing.T) {
	task := &reloadingTask{}
	h, _ := newTestWorkerHandle(new(mockConn), task)

	require.NoError(t, h.Reload())
	assert.Equal(t, 1, task.reloads)
}

func TestHandle_Worker_ReloadIgnoredByPlainTask(t *testing.T) {
	h, _ := newTestWorkerHandle(new(mockConn), &fakeTask{})

	assert.NoError(t, h.Reload())
}

func TestHandle_Worker_ClosingSendsSlot(t *testing.T) {
	conn := new(mockConn)
	conn.On("Send", channel.NewMessage(channel.Close, "3")).Return(nil).Once()

	h, _ := newTestWorkerHandle(conn, &fakeTask{})

	assert.NoError(t, h.Closing())
	conn.AssertExpectations(t)
}

func TestHandle_HouseKeep_RefreshesHeartbeatAndDispatches(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	conn := new(mockConn)
	conn.On("Touch", now).Return(nil).Once()
	conn.On("ReceiveMany").Return([]channel.Message{
		channel.NewMessage(channel.SoftKill, ""),
		channel.NewMessage(channel.Close, ""),
	}).Once()

	task := &fakeTask{}
	h, _ := newTestWorkerHandle(conn, task)
	h.now = func() time.Time { return now }

	assert.True(t, h.LastHeartbeat().IsZero())

	h.HouseKeep()

	assert.Equal(t, now, h.LastHeartbeat())
	assert.Equal(t, 1, task.softKills)
	assert.Equal(t, 1, task.closes)
	conn.AssertExpectations(t)
}

func TestHandle_HouseKeep_HardKillMessageExits(t *testing.T) {
	conn := new(mockConn)
	conn.On("Touch", mock.Anything).Return(nil)
	conn.On("ReceiveMany").Return([]channel.Message{
		channel.NewMessage(channel.HardKill, ""),
	})

	task := &fakeTask{}
	h, exits := newTestWorkerHandle(conn, task)

	h.HouseKeep()

	assert.Equal(t, []int{ExitHardKilled}, *exits)
	assert.Zero(t, task.closes)
}

func TestHandle_HouseKeep_ReadsOnlyWhenSignalled(t *testing.T) {
	conn := new(mockConn)
	conn.On("Touch", mock.Anything).Return(nil)
	conn.On("ReceiveMany").Return(nil)

	pending := make(chan os.Signal, 1)

	h, _ := newTestWorkerHandle(conn, &fakeTask{})
	h.pending = pending

	h.HouseKeep()
	conn.AssertNotCalled(t, "ReceiveMany")

	pending <- syscall.SIGCHLD

	h.HouseKeep()
	conn.AssertNumberOfCalls(t, "ReceiveMany", 1)
	assert.Empty(t, pending)
}

func TestHandle_HouseKeep_TouchFailureIsNotFatal(t *testing.T) {
	conn := new(mockConn)
	conn.On("Touch", mock.Anything).Return(os.ErrNotExist)
	conn.On("ReceiveMany").Return(nil)

	h, _ := newTestWorkerHandle(conn, &fakeTask{})

	assert.NotPanics(t, h.HouseKeep)
	assert.False(t, h.LastHeartbeat().IsZero())
}

func TestHandle_HouseKeep_NoopOnSupervisorSide(t *testing.T) {
	conn := new(mockConn)
	h := NewSupervisorHandle(0, 42, conn, zap.NewNop())

	h.HouseKeep()

	conn.AssertExpectations(t)
}

func TestHandle_Supervisor_LastHeartbeatReadsChannel(t *testing.T) {
	beat := time.Now().Truncate(time.Second)

	conn := new(mockConn)
	conn.On("Heartbeat").Return(time.Time{}).Once()
	conn.On("Heartbeat").Return(beat).Once()
	conn.On("Heartbeat").Return(time.Time{})

	h := NewSupervisorHandle(0, 42, conn, zap.NewNop())

	assert.True(t, h.LastHeartbeat().IsZero())
	assert.Equal(t, beat, h.LastHeartbeat())

	// a heartbeat never goes back in time
	assert.Equal(t, beat, h.LastHeartbeat())
}

func TestHandle_Supervisor_MessagesDrainsChannel(t *testing.T) {
	msgs := []channel.Message{channel.NewMessage(channel.Close, "0")}

	conn := new(mockConn)
	conn.On("ReceiveMany").Return(msgs)

	h := NewSupervisorHandle(0, 42, conn, zap.NewNop())

	assert.Equal(t, msgs, h.Messages())
}

func TestHandle_Release_SupervisorRemovesFifosOnce(t *testing.T) {
	conn := new(mockConn)
	conn.On("Close").Return(nil).Once()
	conn.On("Cleanup").Return(nil).Once()

	h := NewSupervisorHandle(0, 42, conn, zap.NewNop())

	assert.NoError(t, h.Release())
	assert.NoError(t, h.Release())
	conn.AssertExpectations(t)
}

func TestHandle_Release_WorkerKeepsFifos(t *testing.T) {
	conn := new(mockConn)
	conn.On("Close").Return(nil).Once()

	h, _ := newTestWorkerHandle(conn, &fakeTask{})

	assert.NoError(t, h.Release())
	conn.AssertNotCalled(t, "Cleanup")
}

func TestHandle_Status(t *testing.T) {
	h := NewSupervisorHandle(0, 42, new(mockConn), zap.NewNop())

	assert.False(t, h.Status().Valid())
	assert.False(t, h.IsSuccessful())

	h.SetStatus(ExitedStatus(0))

	assert.True(t, h.IsExited())
	assert.True(t, h.IsSuccessful())
	assert.False(t, h.IsSignaled())
	assert.False(t, h.IsStopped())
}

func TestHandle_Run_ReturnsExitCodes(t *testing.T) {
	tests := map[string]struct {
		run      func(*Handle) error
		closeErr error
		want     int
	}{
		"success": {
			run:  func(h *Handle) error { h.HouseKeep(); return nil },
			want: ExitSuccess,
		},
		"task error": {
			run:  func(*Handle) error { return errors.New("failed") },
			want: ExitFailure,
		},
		"task panic": {
			run:  func(*Handle) error { panic("boom") },
			want: ExitFailure,
		},
		"close error": {
			closeErr: errors.New("close failed"),
			want:     ExitFailure,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			conn := new(mockConn)
			conn.On("Touch", mock.Anything).Return(nil)
			conn.On("ReceiveMany").Return(nil)
			conn.On("Send", channel.NewMessage(channel.Close, "3")).Return(nil).Once()

			task := &fakeTask{run: tt.run, closeErr: tt.closeErr}
			h, _ := newTestWorkerHandle(conn, task)

			assert.Equal(t, tt.want, h.run())
			assert.Equal(t, 1, task.closes)
			conn.AssertExpectations(t)
		})
	}
}

func TestHandle_Run_NotifyFailureKeepsExitCode(t *testing.T) {
	conn := new(mockConn)
	conn.On("Touch", mock.Anything).Return(nil)
	conn.On("ReceiveMany").Return(nil)
	conn.On("Send", mock.Anything).Return(channel.ErrPeerUnreachable)

	h, _ := newTestWorkerHandle(conn, &fakeTask{})

	assert.Equal(t, ExitSuccess, h.run())
}
