package channel

import (
	"fmt"
	"sync"
	"time"

	"github.com/mthorpe/boxchan/secret"
)

// entry is a queued (command, continuation) pair.
type entry struct {
	cmd  Command
	once sync.Once
}

// finish invokes the entry's continuation exactly once. Any secret
// payload is wiped first, so even commands that never reached the wire
// leave no copy behind.
func (e *entry) finish(out string, err error) {
	e.once.Do(func() {
		if len(e.cmd.Secret) > 0 {
			secret.Wipe(e.cmd.Secret)
		}
		if e.cmd.Done != nil {
			e.cmd.Done(out, err)
		}
	})
}

// startPumpLocked ensures exactly one pump goroutine is draining the
// queue. Caller must hold mu.
func (c *Channel) startPumpLocked() {
	if c.pumping || c.state != StateReady || len(c.queue) == 0 {
		return
	}
	c.pumping = true
	go c.pump()
}

// pump drains the queue one entry at a time. It is the only place
// commands execute and the only place completion callbacks fire, which is
// what guarantees callbacks run in submission order and never
// concurrently. The pump exits when the queue empties or the channel
// leaves Ready; a dying channel hands it the leftover entries to fail.
func (c *Channel) pump() {
	for {
		c.mu.Lock()
		if c.state == StateClosed || c.state == StateShuttingDown {
			drainErr := ErrClosed
			if c.state == StateShuttingDown {
				drainErr = ErrUnavailable
			}
			drained := c.queue
			c.queue = nil
			c.pumping = false
			c.mu.Unlock()
			for _, e := range drained {
				e.finish("", drainErr)
			}
			return
		}
		if c.state != StateReady || len(c.queue) == 0 {
			c.pumping = false
			c.mu.Unlock()
			return
		}
		e := c.queue[0]
		c.queue = c.queue[1:]
		c.state = StateExecuting
		c.mu.Unlock()

		out, err := c.execute(e)

		c.mu.Lock()
		if c.state == StateExecuting {
			c.state = StateReady
		}
		c.mu.Unlock()

		e.finish(out, err)
	}
}

// execute runs one command over the live session and waits for its
// marker. Called only from the pump, with the channel in Executing.
func (c *Channel) execute(e *entry) (string, error) {
	if len(e.cmd.Secret) > 0 {
		return c.executeHandshake(e)
	}

	timeout := e.cmd.Timeout
	if timeout == 0 {
		timeout = c.opts.DefaultTimeout
	}

	c.mu.Lock()
	h := c.handle
	if h == nil {
		c.mu.Unlock()
		return "", ErrClosed
	}
	token := newMarker(h.ID())
	w := c.installWaiterLocked(awaitCompletion, token, true)
	c.mu.Unlock()

	line := e.cmd.Text + "; " + markerEcho(token) + "\n"
	if err := h.Write([]byte(line)); err != nil {
		c.clearWaiter(w)
		return "", fmt.Errorf("%w: %v", ErrClosed, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-w.found:
		return normalizeOutput(out), nil
	case err := <-w.dead:
		return "", err
	case <-timer.C:
		// Abandon the wait; the remote command may still be running. The
		// buffer (and any late marker) is discarded when the next
		// operation installs its waiter.
		c.clearWaiter(w)
		c.log.Warn("command timed out", "timeout", timeout)
		return "", ErrTimeout
	}
}
