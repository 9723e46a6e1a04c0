// Package instance provisions the console session to the remote sandbox
// instance.
//
// A Launcher starts the configured console command (for example an
// "incus exec" or "ssh" invocation that lands in a shell inside the
// sandbox) and returns a Handle: a raw bidirectional text stream with no
// message boundaries. The channel package builds request/response
// semantics on top of it.
//
// The console runs under a pty so interactive programs behave as on a
// terminal; the secret handshake depends on stty and read working.
package instance

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"github.com/mthorpe/boxchan/logger"
)

// OutputFunc receives raw output bytes from the console stream.
// It is called from the handle's single reader goroutine; implementations
// must not block for long.
type OutputFunc func(data []byte)

// ExitFunc is called exactly once when the console stream terminates,
// whether by Terminate or by the remote side dying. err is nil on a
// clean close.
type ExitFunc func(err error)

// Handle is a live console session.
type Handle interface {
	// ID returns the unique identity of this session.
	ID() string

	// Write sends data to the console's input. The handle does not retain
	// the slice, so callers may wipe it immediately after Write returns.
	Write(data []byte) error

	// Terminate forcibly tears down the session. Safe to call multiple
	// times. The ExitFunc fires once the reader goroutine has drained.
	Terminate()
}

// Launcher starts console sessions.
type Launcher interface {
	// Launch starts the console and begins delivering output to onOutput.
	// onExit fires exactly once when the stream dies.
	Launch(onOutput OutputFunc, onExit ExitFunc) (Handle, error)
}

// PTYLauncher launches the configured console command under a pty.
type PTYLauncher struct {
	Command string
	Args    []string

	// TerminateGrace is how long Terminate waits for the process to exit
	// after SIGKILL before giving up on the reaper. Zero means 2s.
	TerminateGrace time.Duration
}

// NewPTYLauncher creates a PTYLauncher for the given console command.
func NewPTYLauncher(command string, args ...string) *PTYLauncher {
	return &PTYLauncher{Command: command, Args: args}
}

// Launch starts the console command under a pty.
func (l *PTYLauncher) Launch(onOutput OutputFunc, onExit ExitFunc) (Handle, error) {
	if l.Command == "" {
		return nil, fmt.Errorf("no launch command configured")
	}

	cmd := exec.Command(l.Command, l.Args...)
	ws := &pty.Winsize{Cols: 200, Rows: 50}
	f, err := pty.StartWithSize(cmd, ws)
	if err != nil {
		return nil, fmt.Errorf("failed to start console %q: %w", l.Command, err)
	}

	grace := l.TerminateGrace
	if grace == 0 {
		grace = 2 * time.Second
	}

	h := &ptyHandle{
		id:       uuid.NewString(),
		cmd:      cmd,
		f:        f,
		onOutput: onOutput,
		onExit:   onExit,
		grace:    grace,
		waitDone: make(chan struct{}),
		log:      logger.WithComponent("instance"),
	}
	h.log.Info("console started", "command", l.Command, "pid", cmd.Process.Pid, "session", h.id)

	go h.readLoop()
	go h.monitorExit()

	return h, nil
}

// ptyHandle owns the pty file and the process behind it.
type ptyHandle struct {
	id       string
	cmd      *exec.Cmd
	f        *os.File
	onOutput OutputFunc
	onExit   ExitFunc
	grace    time.Duration
	log      *slog.Logger

	exitOnce sync.Once
	termOnce sync.Once

	// waitDone is closed by monitorExit when cmd.Wait() completes.
	// Terminate selects on this instead of calling cmd.Wait() again.
	waitDone chan struct{}
}

func (h *ptyHandle) ID() string { return h.id }

// Write sends data to the console's input.
func (h *ptyHandle) Write(data []byte) error {
	if _, err := h.f.Write(data); err != nil {
		return fmt.Errorf("console write failed: %w", err)
	}
	return nil
}

// readLoop is the single consumer of the pty. It forwards every chunk to
// onOutput and reports stream death through onExit.
func (h *ptyHandle) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := h.f.Read(buf)
		if n > 0 {
			h.onOutput(buf[:n])
		}
		if err != nil {
			// A pty read returns EIO once the child side is gone; either
			// way the stream is dead.
			h.log.Debug("console stream ended", "session", h.id, "error", err)
			h.fireExit(nil)
			return
		}
	}
}

// monitorExit is the sole caller of cmd.Wait().
func (h *ptyHandle) monitorExit() {
	err := h.cmd.Wait()
	close(h.waitDone)
	if err != nil {
		h.log.Debug("console process exited", "session", h.id, "error", err)
	}
}

// Terminate forcibly tears down the session.
func (h *ptyHandle) Terminate() {
	h.termOnce.Do(func() {
		h.log.Info("terminating console", "session", h.id)
		if h.cmd.Process != nil {
			_ = h.cmd.Process.Kill()
		}
		select {
		case <-h.waitDone:
		case <-time.After(h.grace):
			h.log.Debug("console did not exit within grace period", "session", h.id)
		}
		// Closing the pty unblocks readLoop, which fires onExit.
		_ = h.f.Close()
	})
}

func (h *ptyHandle) fireExit(err error) {
	h.exitOnce.Do(func() {
		if h.onExit != nil {
			h.onExit(err)
		}
	})
}

var _ Handle = (*ptyHandle)(nil)
var _ Launcher = (*PTYLauncher)(nil)
