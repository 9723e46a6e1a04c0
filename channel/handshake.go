package channel

import (
	"fmt"
	"time"

	"github.com/mthorpe/boxchan/secret"
)

// SecretVar is the shell variable the handshake populates with the secret
// payload. Commands run through the handshake reference it (quoted, e.g.
// curl -H "Authorization: Bearer $BOXCHAN_SECRET" ...) instead of ever
// carrying the secret in their own text.
const SecretVar = "BOXCHAN_SECRET"

// RunWithSecret runs a command whose secret payload is injected through
// the console's input stream after the remote side signals readiness. The
// secret never appears in the transmitted command text, so it is
// invisible to process listings on the remote instance. The caller's
// secret slice is wiped before this function returns, on every path.
func (c *Channel) RunWithSecret(command string, sec []byte, timeout time.Duration) (string, error) {
	type result struct {
		out string
		err error
	}
	ch := make(chan result, 1)
	c.Submit(Command{Text: command, Secret: sec, Timeout: timeout, Done: func(out string, err error) {
		ch <- result{out, err}
	}})
	r := <-ch
	return r.out, r.err
}

// handshakeInstruction builds the composite instruction for secret
// injection: suppress echo, announce readiness, read one line into
// SecretVar, run the real command, drop the variable, then print the
// completion marker. The secret itself is not part of this text.
func handshakeInstruction(command, readyToken, doneToken string) string {
	return fmt.Sprintf("stty -echo; %s; IFS= read -r %s; export %s; %s; unset %s; %s\n",
		markerEcho(readyToken), SecretVar, SecretVar, command, SecretVar, markerEcho(doneToken))
}

// executeHandshake runs one secret-carrying command. Called only from the
// pump, with the channel in Executing.
//
// Phases share a single deadline: first wait for the ready token, then
// transmit the secret, then wait for the completion marker. The secret
// and its formatted transmission buffer are wiped on every exit path,
// including stream death mid-handshake.
func (c *Channel) executeHandshake(e *entry) (string, error) {
	defer secret.Wipe(e.cmd.Secret)

	timeout := e.cmd.Timeout
	if timeout == 0 {
		timeout = c.opts.DefaultTimeout
	}
	deadline := time.Now().Add(timeout)

	c.mu.Lock()
	h := c.handle
	if h == nil {
		c.mu.Unlock()
		return "", ErrClosed
	}
	readyToken := newMarker(h.ID())
	doneToken := newMarker(h.ID())
	w := c.installWaiterLocked(awaitReady, readyToken, true)
	c.mu.Unlock()

	if err := h.Write([]byte(handshakeInstruction(e.cmd.Text, readyToken, doneToken))); err != nil {
		c.clearWaiter(w)
		return "", fmt.Errorf("%w: %v", ErrClosed, err)
	}

	readyTimer := time.NewTimer(time.Until(deadline))
	defer readyTimer.Stop()

	select {
	case <-w.found:
		// Remote side is blocked in read; fall through to transmit.
	case err := <-w.dead:
		return "", err
	case <-readyTimer.C:
		c.clearWaiter(w)
		c.log.Warn("secret handshake timed out awaiting readiness")
		return "", ErrTimeout
	}

	// Erase the buffer so nothing captured around the transmission, even
	// a leaked echo of the secret, outlives the handshake. Then switch to
	// watching for the completion marker.
	c.mu.Lock()
	if c.handle == nil {
		c.mu.Unlock()
		return "", ErrClosed
	}
	w = c.installWaiterLocked(awaitCompletion, doneToken, true)
	c.mu.Unlock()

	payload := make([]byte, 0, len(e.cmd.Secret)+1)
	payload = append(payload, e.cmd.Secret...)
	payload = append(payload, '\n')
	werr := h.Write(payload)
	secret.Wipe(payload)
	secret.Wipe(e.cmd.Secret)
	if werr != nil {
		c.clearWaiter(w)
		return "", fmt.Errorf("%w: %v", ErrClosed, werr)
	}

	doneTimer := time.NewTimer(time.Until(deadline))
	defer doneTimer.Stop()

	select {
	case out := <-w.found:
		return normalizeOutput(out), nil
	case err := <-w.dead:
		return "", err
	case <-doneTimer.C:
		c.clearWaiter(w)
		c.log.Warn("secret handshake timed out awaiting completion")
		return "", ErrTimeout
	}
}
