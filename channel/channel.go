// Package channel gives request/response semantics, ordering guarantees,
// and secret-safety on top of a raw interactive console stream.
//
// The underlying transport (see the instance package) is an append-only
// text stream with no message boundaries. The channel recovers discrete
// command results by instructing the remote shell to print a single-use
// high-entropy marker after each command, and scanning the stream for it.
// An execution queue serializes all callers onto the one stream, so at
// most one logical command is ever in flight.
package channel

import (
	"bytes"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mthorpe/boxchan/instance"
	"github.com/mthorpe/boxchan/logger"
)

// State is the lifecycle state of a Channel.
type State int

const (
	StateClosed State = iota
	StateLaunching
	StateReady
	StateExecuting
	StateShuttingDown
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateLaunching:
		return "launching"
	case StateReady:
		return "ready"
	case StateExecuting:
		return "executing"
	case StateShuttingDown:
		return "shutting-down"
	default:
		return "unknown"
	}
}

// Command is a unit of work submitted to the channel.
type Command struct {
	// Text is the command to run. It is treated as an opaque string.
	Text string

	// Secret, when non-nil, is injected via the stdin handshake instead of
	// ever appearing in Text. The channel wipes it once it has been
	// transmitted or the operation has failed, on every exit path.
	Secret []byte

	// Timeout bounds the wait for the completion marker. Zero means the
	// channel's default.
	Timeout time.Duration

	// Done receives the result exactly once. Callbacks for a given
	// channel fire in submission order and never concurrently.
	Done func(output string, err error)
}

// Options configures a Channel.
type Options struct {
	// Launcher provisions the console session on first use.
	Launcher instance.Launcher

	// ShutdownCommand is sent to the remote side on Stop before the
	// session is forcibly released (e.g. "sudo poweroff"). Optional.
	ShutdownCommand string

	// LaunchGrace bounds the readiness handshake. Zero means 30s.
	LaunchGrace time.Duration

	// ShutdownGrace bounds the wait for the stream to die after the
	// shutdown command. Zero means 5s.
	ShutdownGrace time.Duration

	// DefaultTimeout applies to commands with no Timeout. Zero means 60s.
	DefaultTimeout time.Duration

	// Log overrides the default component logger.
	Log *slog.Logger
}

// waiterKind tags what the current buffer consumer is waiting for.
type waiterKind int

const (
	awaitCompletion waiterKind = iota
	awaitReady
)

// waiter is the single current consumer of the output buffer. At most one
// waiter exists per channel at any instant; installing a new one replaces
// the old atomically with respect to the stream delivering output.
type waiter struct {
	kind  waiterKind
	token string
	found chan string // buffered 1; text preceding the token
	dead  chan error  // buffered 1; stream died while waiting
}

// Channel owns the console session, its lifecycle state, and the output
// buffer for the in-flight operation.
type Channel struct {
	opts Options
	id   string
	log  *slog.Logger

	mu      sync.Mutex
	state   State
	handle  instance.Handle
	exitCh  chan struct{} // closed when the current session's stream dies
	buf     bytes.Buffer  // output of the in-flight operation only
	w       *waiter
	queue   []*entry
	pumping bool
}

// New creates a Channel. The console session is not launched until the
// first command is submitted.
func New(opts Options) *Channel {
	if opts.LaunchGrace == 0 {
		opts.LaunchGrace = 30 * time.Second
	}
	if opts.ShutdownGrace == 0 {
		opts.ShutdownGrace = 5 * time.Second
	}
	if opts.DefaultTimeout == 0 {
		opts.DefaultTimeout = 60 * time.Second
	}
	id := uuid.NewString()
	log := opts.Log
	if log == nil {
		log = logger.WithChannel(id)
	}
	return &Channel{opts: opts, id: id, log: log, state: StateClosed}
}

// ID returns the channel's unique identity.
func (c *Channel) ID() string { return c.id }

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QueueLen returns the number of commands waiting behind the active one.
func (c *Channel) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Submit enqueues a command. If the channel is Closed it is launched
// first; commands submitted while Launching are released once Ready, or
// failed if the launch fails. The command's Done callback is invoked
// exactly once in all cases.
func (c *Channel) Submit(cmd Command) {
	e := &entry{cmd: cmd}

	c.mu.Lock()
	switch c.state {
	case StateShuttingDown:
		c.mu.Unlock()
		e.finish("", ErrUnavailable)
		return
	case StateClosed:
		if c.opts.Launcher == nil {
			c.mu.Unlock()
			e.finish("", ErrUnavailable)
			return
		}
		c.queue = append(c.queue, e)
		c.state = StateLaunching
		c.mu.Unlock()
		go c.launch()
		return
	default:
		c.queue = append(c.queue, e)
		c.startPumpLocked()
		c.mu.Unlock()
	}
}

// RunAsync submits a command with a completion callback. Equivalent to
// Submit with the fields spelled out.
func (c *Channel) RunAsync(command string, timeout time.Duration, done func(output string, err error)) {
	c.Submit(Command{Text: command, Timeout: timeout, Done: done})
}

// Run submits a command and blocks the calling goroutine until its result
// arrives. The timeout bounds the wait for the completion marker once the
// command is in flight; time spent queued behind earlier commands does not
// count against it. The returned output is everything the command wrote
// before the completion marker, with the marker and anything after it
// stripped and the trailing newline removed.
func (c *Channel) Run(command string, timeout time.Duration) (string, error) {
	type result struct {
		out string
		err error
	}
	ch := make(chan result, 1)
	c.Submit(Command{Text: command, Timeout: timeout, Done: func(out string, err error) {
		ch <- result{out, err}
	}})
	r := <-ch
	return r.out, r.err
}

// launch starts the console session and runs the readiness handshake.
// Entry point state is Launching; exit state is Ready or Closed.
func (c *Channel) launch() {
	c.log.Info("launching console session")

	exitCh := make(chan struct{})
	var exitOnce sync.Once
	onExit := func(err error) {
		exitOnce.Do(func() { close(exitCh) })
		c.handleStreamExit(err)
	}

	h, err := c.opts.Launcher.Launch(c.onOutput, onExit)
	if err != nil {
		c.log.Error("console launch failed", "error", err)
		c.failLaunch(fmt.Errorf("%w: %v", ErrLaunchFailed, err))
		return
	}

	c.mu.Lock()
	if c.state != StateLaunching {
		// Stop raced the launch; release the session we no longer want.
		c.mu.Unlock()
		h.Terminate()
		return
	}
	c.handle = h
	c.exitCh = exitCh
	token := newMarker(h.ID())
	w := c.installWaiterLocked(awaitReady, token, true)
	c.mu.Unlock()

	// The readiness preamble also disables input echo and clears the
	// prompt for the whole session, so command output is the only thing
	// that ever lands in the buffer.
	preamble := "stty -echo; PS1=''; " + markerEcho(token) + "\n"
	if werr := h.Write([]byte(preamble)); werr != nil {
		// Fail the launch before releasing the session: failLaunch closes
		// the channel and drains the queue with ErrLaunchFailed, so the
		// exit callback fired by Terminate finds nothing left to drain.
		c.failLaunch(fmt.Errorf("%w: %v", ErrLaunchFailed, werr))
		h.Terminate()
		return
	}

	timer := time.NewTimer(c.opts.LaunchGrace)
	defer timer.Stop()

	select {
	case <-w.found:
		c.mu.Lock()
		if c.state == StateLaunching {
			c.state = StateReady
			c.startPumpLocked()
		}
		c.mu.Unlock()
		c.log.Info("console session ready", "session", h.ID())
	case derr := <-w.dead:
		c.failLaunch(fmt.Errorf("%w: stream died during readiness handshake: %v", ErrLaunchFailed, derr))
	case <-timer.C:
		// Same ordering as the write-error path above: close and drain
		// first, then release the session.
		c.failLaunch(fmt.Errorf("%w: readiness token not observed within %s", ErrLaunchFailed, c.opts.LaunchGrace))
		h.Terminate()
	}
}

// failLaunch closes the channel and fails everything queued behind the
// launch, in submission order.
func (c *Channel) failLaunch(err error) {
	c.mu.Lock()
	c.state = StateClosed
	c.handle = nil
	c.w = nil
	drained := c.queue
	c.queue = nil
	c.mu.Unlock()

	for _, e := range drained {
		e.finish("", err)
	}
}

// onOutput is the single consumer of the console stream. It appends to
// the in-flight operation's buffer and checks whether the current
// waiter's token has appeared.
func (c *Channel) onOutput(data []byte) {
	c.mu.Lock()
	c.buf.Write(data)
	w := c.w
	if w == nil {
		c.mu.Unlock()
		return
	}
	idx := bytes.Index(c.buf.Bytes(), []byte(w.token))
	if idx < 0 {
		c.mu.Unlock()
		return
	}
	out := string(c.buf.Bytes()[:idx])
	c.w = nil
	c.mu.Unlock()

	w.found <- out
}

// installWaiterLocked installs a fresh waiter as the buffer's consumer.
// The buffer is erased first when reset is true, which also discards any
// stale marker a timed-out predecessor may have left behind. Caller must
// hold mu.
func (c *Channel) installWaiterLocked(kind waiterKind, token string, reset bool) *waiter {
	if reset {
		c.buf.Reset()
	}
	w := &waiter{
		kind:  kind,
		token: token,
		found: make(chan string, 1),
		dead:  make(chan error, 1),
	}
	c.w = w

	// The token may already be sitting in the buffer (output raced the
	// install); scan immediately rather than waiting for the next chunk.
	if idx := bytes.Index(c.buf.Bytes(), []byte(token)); idx >= 0 {
		out := string(c.buf.Bytes()[:idx])
		c.w = nil
		w.found <- out
	}
	return w
}

// clearWaiter removes w if it is still the current consumer.
func (c *Channel) clearWaiter(w *waiter) {
	c.mu.Lock()
	if c.w == w {
		c.w = nil
	}
	c.mu.Unlock()
}

// handleStreamExit reacts to the console stream terminating: the
// in-flight waiter and every queued command receive a failure, and the
// channel becomes Closed. During the readiness handshake the drain is
// deferred to failLaunch instead.
func (c *Channel) handleStreamExit(cause error) {
	c.mu.Lock()
	if c.state == StateClosed {
		// A launch failure (or an earlier exit) already closed the
		// channel and drained its queue; nothing is left to fail.
		c.handle = nil
		c.mu.Unlock()
		return
	}
	wasShuttingDown := c.state == StateShuttingDown
	// While the readiness handshake is still waiting, the queue drain
	// belongs to failLaunch: the readiness waiter's dead signal routes
	// the exit back to launch, which fails queued entries with
	// ErrLaunchFailed rather than a generic closure.
	launchWaiting := c.state == StateLaunching && c.w != nil && c.w.kind == awaitReady
	c.state = StateClosed
	c.handle = nil
	w := c.w
	c.w = nil
	var drained []*entry
	if !c.pumping && !launchWaiting {
		drained = c.queue
		c.queue = nil
	}
	c.mu.Unlock()

	if wasShuttingDown {
		c.log.Info("console stream closed during shutdown")
	} else {
		c.log.Warn("console stream terminated unexpectedly", "cause", cause)
	}

	if w != nil {
		w.dead <- ErrClosed
	}
	for _, e := range drained {
		e.finish("", ErrClosed)
	}
}

// Stop shuts the channel down: the shutdown command is sent to the remote
// side, and after the grace period the session is forcibly released
// whether or not the remote side acknowledged. Queued work fails with
// ErrUnavailable. Safe to call in any state.
func (c *Channel) Stop() {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateShuttingDown {
		c.mu.Unlock()
		return
	}
	c.state = StateShuttingDown
	h := c.handle
	exitCh := c.exitCh
	var drained []*entry
	if !c.pumping {
		drained = c.queue
		c.queue = nil
	}
	c.mu.Unlock()

	for _, e := range drained {
		e.finish("", ErrUnavailable)
	}

	if h != nil {
		if c.opts.ShutdownCommand != "" {
			c.log.Info("sending shutdown command")
			_ = h.Write([]byte(c.opts.ShutdownCommand + "\n"))
		}
		if exitCh != nil {
			select {
			case <-exitCh:
			case <-time.After(c.opts.ShutdownGrace):
				c.log.Debug("remote side did not power off within grace period")
			}
		}
		h.Terminate()
	}

	c.mu.Lock()
	c.state = StateClosed
	c.handle = nil
	c.mu.Unlock()
	c.log.Info("channel closed")
}

// normalizeOutput converts terminal line endings and strips the trailing
// newline, so `echo hello` yields "hello".
func normalizeOutput(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	return strings.TrimRight(s, "\n")
}
