package capture

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/yeti47/chunkvault/ccc/logging"
)

const (
	defaultReadSize = 32 * 1024
	defaultKillWait = 5 * time.Second
	stderrLimit     = 4096
)

// CommandSource captures by running an external encoder (typically ffmpeg) that writes
// an encoded stream to stdout. Each Open spawns a separate process, so every instance
// produces a self-contained container.
type CommandSource struct {
	Command  string
	Args     []string
	MimeType string
	// KillWait bounds how long a stopping process may take before it is killed.
	KillWait time.Duration
	ReadSize int
	Logger   logging.Logger
}

func NewCommandSource(command string, args []string, mimeType string, logger logging.Logger) *CommandSource {
	return &CommandSource{
		Command:  command,
		Args:     args,
		MimeType: mimeType,
		KillWait: defaultKillWait,
		ReadSize: defaultReadSize,
		Logger:   logging.OrNop(logger),
	}
}

func (s *CommandSource) Open(ctx context.Context) (Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewUnavailableError("open cancelled", err)
	}

	path, err := exec.LookPath(s.Command)
	if err != nil {
		return nil, NewUnavailableError(fmt.Sprintf("capture command %q not found", s.Command), err)
	}

	readSize := s.ReadSize
	if readSize <= 0 {
		readSize = defaultReadSize
	}
	killWait := s.KillWait
	if killWait <= 0 {
		killWait = defaultKillWait
	}

	return &commandInstance{
		id:       uuid.New().String(),
		path:     path,
		args:     s.Args,
		mimeType: s.MimeType,
		readSize: readSize,
		killWait: killWait,
		logger:   logging.OrNop(s.Logger),
	}, nil
}

type commandInstance struct {
	id       string
	path     string
	args     []string
	mimeType string
	readSize int
	killWait time.Duration
	logger   logging.Logger

	mu            sync.Mutex
	cmd           *exec.Cmd
	stderr        limitedBuffer
	stopRequested atomic.Bool
	exited        atomic.Bool
}

func (c *commandInstance) ID() string       { return c.id }
func (c *commandInstance) MimeType() string { return c.mimeType }

func (c *commandInstance) Start() (<-chan Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd != nil {
		return nil, ErrAlreadyStarted
	}
	if c.stopRequested.Load() {
		return nil, ErrStopped
	}

	cmd := exec.Command(c.path, c.args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to attach to capture stdout: %w", err)
	}
	c.stderr.limit = stderrLimit
	cmd.Stderr = &c.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start capture command: %w", err)
	}
	c.cmd = cmd

	c.logger.Debug("Capture process started", "instance_id", c.id, "pid", cmd.Process.Pid)

	events := make(chan Event, 64)
	go c.readLoop(stdout, events)
	return events, nil
}

func (c *commandInstance) readLoop(stdout io.Reader, events chan<- Event) {
	defer close(events)

	buf := make([]byte, c.readSize)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			events <- Event{Kind: EventData, Data: data, At: time.Now()}
		}
		if err != nil {
			break
		}
	}

	waitErr := c.cmd.Wait()
	c.exited.Store(true)
	if c.stopRequested.Load() {
		events <- Event{Kind: EventStopped, At: time.Now()}
		return
	}

	if waitErr == nil {
		waitErr = fmt.Errorf("capture process exited unexpectedly")
	}
	if msg := c.stderr.String(); msg != "" {
		waitErr = fmt.Errorf("%w: %s", waitErr, msg)
	}
	events <- Event{Kind: EventError, Err: waitErr, At: time.Now()}
}

// RequestFlush is a no-op: the process streams to stdout continuously.
func (c *commandInstance) RequestFlush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd == nil {
		return ErrNotStarted
	}
	return nil
}

// Stop interrupts the process so the encoder can finish its container, and kills it
// if it has not exited after KillWait.
func (c *commandInstance) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cmd == nil {
		// never started, nothing to interrupt
		c.stopRequested.Store(true)
		return nil
	}
	if c.stopRequested.Swap(true) {
		return nil
	}

	process := c.cmd.Process
	if err := process.Signal(os.Interrupt); err != nil {
		// not supported on every platform, or already gone
		_ = process.Kill()
		return nil
	}

	time.AfterFunc(c.killWait, func() {
		if !c.exited.Load() {
			_ = process.Kill()
		}
	})
	return nil
}

// limitedBuffer keeps the first limit bytes written to it.
type limitedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if remaining := b.limit - b.buf.Len(); remaining > 0 {
		if len(p) > remaining {
			b.buf.Write(p[:remaining])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(bytes.TrimSpace(b.buf.Bytes()))
}
