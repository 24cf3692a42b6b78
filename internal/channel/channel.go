package channel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const readChunkSize = 4096

var epoch = time.Unix(0, 0)

// Channel is a pair of named pipes connecting a supervisor and one of its
// workers. Each pipe has exactly one writer and one reader.
type Channel struct {
	config Config

	mu      sync.Mutex
	readFd  int
	writeFd int
	buf     []byte

	log *zap.Logger
}

// New returns a channel for the worker identified by config.Pid.
// No file system resources are touched until Open.
func New(config Config, log *zap.Logger) *Channel {
	if config.Dir == "" {
		config.Dir = os.TempDir()
	}

	return &Channel{
		config:  config,
		readFd:  -1,
		writeFd: -1,
		log: log.Named("channel").With(
			zap.Int("pid", config.Pid),
			zap.Stringer("role", config.Role),
		),
	}
}

// Path returns the file path of the stream in the given direction. Both
// sides derive the same path from the prefix and the worker pid.
func Path(dir, prefix string, pid int, direction Direction) string {
	return filepath.Join(dir, prefix+strconv.Itoa(pid)+"."+string(direction))
}

func (c *Channel) Path(direction Direction) string {
	return Path(c.config.Dir, c.config.Prefix, c.config.Pid, direction)
}

// Open creates both fifos if absent and opens this side's ends. It returns
// once the peer has opened the end this side writes to, which makes it the
// startup rendezvous between supervisor and worker.
func (c *Channel) Open(ctx context.Context) error {
	for _, direction := range []Direction{Up, Down} {
		if err := c.create(c.Path(direction)); err != nil {
			return err
		}
	}

	// the ordering is mirrored on both sides: the supervisor reads up before
	// writing down, the worker writes up before reading down.
	var readPath, writePath string
	if c.config.Role == SupervisorRole {
		readPath, writePath = c.Path(Up), c.Path(Down)
	} else {
		readPath, writePath = c.Path(Down), c.Path(Up)
	}

	if c.config.Role == SupervisorRole {
		if err := c.openRead(readPath); err != nil {
			return err
		}
		if err := c.openWrite(ctx, writePath); err != nil {
			return err
		}
	} else {
		if err := c.openWrite(ctx, writePath); err != nil {
			return err
		}
		if err := c.openRead(readPath); err != nil {
			return err
		}
	}

	c.log.Debug("channel open")

	return nil
}

func (c *Channel) create(path string) error {
	err := unix.Mkfifo(path, 0o600)
	created := err == nil

	if err != nil && !errors.Is(err, unix.EEXIST) {
		return fmt.Errorf("error creating fifo %s: %w", path, err)
	}

	// the supervisor owns the heartbeat and discards stale timestamps
	// left behind by an earlier process with the same pid.
	if created || c.config.Role == SupervisorRole {
		if err := os.Chtimes(path, epoch, epoch); err != nil {
			return fmt.Errorf("error resetting fifo %s: %w", path, err)
		}
	}

	return nil
}

func (c *Channel) openRead(path string) error {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("unable to open read fifo %s: %w", path, err)
	}

	c.mu.Lock()
	c.readFd = fd
	c.mu.Unlock()

	return nil
}

// openWrite opens the write end, retrying with backoff until the
// peer has opened the read end or ctx is done.
func (c *Channel) openWrite(ctx context.Context, path string) error {
	baseDelay := time.Millisecond
	maxDelay := 100 * time.Millisecond

	for i := 0; ; i++ {
		fd, err := unix.Open(path, unix.O_WRONLY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
		if err == nil {
			c.mu.Lock()
			c.writeFd = fd
			c.mu.Unlock()

			return nil
		}

		if !errors.Is(err, unix.ENXIO) && !errors.Is(err, unix.EINTR) {
			return fmt.Errorf("unable to open write fifo %s: %w", path, err)
		}

		backoffDelay := baseDelay << min(i, 7)
		if backoffDelay > maxDelay {
			backoffDelay = maxDelay
		}

		select {
		case <-time.After(backoffDelay):
			// peer not connected yet, retry
		case <-ctx.Done():
			return fmt.Errorf("waiting for peer on %s: %w", path, ctx.Err())
		}
	}
}

// Send writes msg, signals the peer with the configured signal and
// pauses for the configured duration.
func (c *Channel) Send(msg Message) error {
	pause := c.config.Pause
	if pause == 0 {
		pause = DefaultPause
	}

	return c.SendWith(msg, c.config.Signal, pause)
}

// SendWith writes msg in a single frame, then delivers sig to the peer
// unless sig is zero, and sleeps for pause to give the peer a chance to
// dispatch the signal.
func (c *Channel) SendWith(msg Message, sig syscall.Signal, pause time.Duration) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	if err := c.write(data); err != nil {
		return err
	}

	if sig == 0 {
		return nil
	}

	if err := c.Signal(sig); err != nil {
		return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
	}

	if pause > 0 {
		time.Sleep(pause)
	}

	return nil
}

// write never blocks. Frames fit into PIPE_BUF, so the kernel writes
// them whole or not at all. A full pipe means the peer stopped reading.
func (c *Channel) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeFd < 0 {
		return ErrChannelClosed
	}

	for {
		_, err := unix.Write(c.writeFd, data)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			return fmt.Errorf("%w: pipe full", ErrPeerUnreachable)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPeerUnreachable, err)
		}
		return nil
	}
}

// Signal delivers sig to the peer process.
func (c *Channel) Signal(sig syscall.Signal) error {
	return unix.Kill(c.peerPid(), sig)
}

func (c *Channel) peerPid() int {
	if c.config.Role == WorkerRole {
		return c.config.ParentPid
	}

	return c.config.Pid
}

// ReceiveOne returns the first complete message available on the inbound
// stream. It never blocks; if no complete message is available it returns
// false. Undecodable frames are logged and skipped.
func (c *Channel) ReceiveOne() (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.fill()

	for {
		body, rest, err := nextFrame(c.buf)
		c.buf = rest

		if errors.Is(err, errIncompleteFrame) {
			return Message{}, false
		}

		if err != nil {
			c.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}

		msg, err := decodeBody(body)
		if err != nil {
			c.log.Warn("dropping invalid message", zap.Error(err))
			continue
		}

		return msg, true
	}
}

// ReceiveMany drains all complete messages currently available, in order.
func (c *Channel) ReceiveMany() []Message {
	var messages []Message

	for {
		msg, ok := c.ReceiveOne()
		if !ok {
			return messages
		}
		messages = append(messages, msg)
	}
}

// fill appends every byte currently readable to the buffer.
func (c *Channel) fill() {
	if c.readFd < 0 {
		return
	}

	chunk := make([]byte, readChunkSize)
	for {
		n, err := unix.Read(c.readFd, chunk)
		if n > 0 {
			c.buf = append(c.buf, chunk[:n]...)
			continue
		}

		switch {
		case err == nil:
			// end of data, the writer is gone or has not connected
			return
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			return
		default:
			c.log.Error("error reading fifo", zap.Error(err))
			return
		}
	}
}

// Touch stamps the heartbeat of the channel with t.
func (c *Channel) Touch(t time.Time) error {
	return os.Chtimes(c.Path(Up), t, t)
}

// Heartbeat returns the last time the worker touched the channel, or
// the zero time if it never did.
func (c *Channel) Heartbeat() time.Time {
	info, err := os.Stat(c.Path(Up))
	if err != nil {
		return time.Time{}
	}

	if mtime := info.ModTime(); mtime.After(epoch) {
		return mtime
	}

	return time.Time{}
}

// Close releases both stream handles. It is safe to call multiple times.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error

	if c.readFd >= 0 {
		errs = append(errs, unix.Close(c.readFd))
		c.readFd = -1
	}

	if c.writeFd >= 0 {
		errs = append(errs, unix.Close(c.writeFd))
		c.writeFd = -1
	}

	return errors.Join(errs...)
}

// Cleanup removes both fifos from the file system.
func (c *Channel) Cleanup() error {
	var errs []error

	for _, direction := range []Direction{Up, Down} {
		if err := os.Remove(c.Path(direction)); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
