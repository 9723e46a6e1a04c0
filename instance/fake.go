package instance

import (
	"errors"
	"sync"
)

// FakeLauncher is a test double for Launcher that doesn't spawn real
// processes. Each Launch returns a FakeHandle whose behavior is driven by
// the Script function.
//
// NOTE: This file is used by the channel package tests.
type FakeLauncher struct {
	mu sync.Mutex

	// Script receives every Write and returns the text the console should
	// emit in response (empty string emits nothing). Shared by all handles
	// launched by this launcher.
	Script func(written string) string

	// LaunchErr, when set, makes Launch fail.
	LaunchErr error

	// WriteErr, when set, makes every Write on launched handles fail.
	WriteErr error

	handles []*FakeHandle
}

// Launch creates a new FakeHandle wired to the launcher's Script.
func (l *FakeLauncher) Launch(onOutput OutputFunc, onExit ExitFunc) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.LaunchErr != nil {
		return nil, l.LaunchErr
	}

	h := &FakeHandle{
		id:       "fake-session",
		script:   l.Script,
		writeErr: l.WriteErr,
		onOutput: onOutput,
		onExit:   onExit,
	}
	l.handles = append(l.handles, h)
	return h, nil
}

// Handles returns every handle this launcher has produced.
func (l *FakeLauncher) Handles() []*FakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*FakeHandle(nil), l.handles...)
}

// LastHandle returns the most recently launched handle, or nil.
func (l *FakeLauncher) LastHandle() *FakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.handles) == 0 {
		return nil
	}
	return l.handles[len(l.handles)-1]
}

// FakeHandle is an in-memory console session. Tests can inspect everything
// written to it and inject output or stream death directly.
type FakeHandle struct {
	mu sync.Mutex

	id       string
	script   func(string) string
	writeErr error
	onOutput OutputFunc
	onExit   ExitFunc

	writes     []string
	terminated bool
	dead       bool
	exitOnce   sync.Once
}

// ID returns the fake session identity.
func (h *FakeHandle) ID() string { return h.id }

// Write records the text and feeds it through the script, emitting the
// scripted response synchronously.
func (h *FakeHandle) Write(data []byte) error {
	text := string(data)
	h.mu.Lock()
	if h.dead || h.terminated {
		h.mu.Unlock()
		return errors.New("console stream closed")
	}
	if h.writeErr != nil {
		h.mu.Unlock()
		return h.writeErr
	}
	h.writes = append(h.writes, text)
	script := h.script
	h.mu.Unlock()

	if script != nil {
		if out := script(text); out != "" {
			h.Emit(out)
		}
	}
	return nil
}

// Emit delivers output bytes to the registered consumer, as the pty reader
// goroutine would.
func (h *FakeHandle) Emit(data string) {
	h.mu.Lock()
	out := h.onOutput
	dead := h.dead
	h.mu.Unlock()
	if dead || out == nil {
		return
	}
	out([]byte(data))
}

// Die simulates the underlying stream terminating unexpectedly.
func (h *FakeHandle) Die(err error) {
	h.mu.Lock()
	h.dead = true
	h.mu.Unlock()
	h.exitOnce.Do(func() {
		if h.onExit != nil {
			h.onExit(err)
		}
	})
}

// Terminate records the teardown and fires the exit callback.
func (h *FakeHandle) Terminate() {
	h.mu.Lock()
	h.terminated = true
	h.dead = true
	h.mu.Unlock()
	h.exitOnce.Do(func() {
		if h.onExit != nil {
			h.onExit(nil)
		}
	})
}

// Writes returns everything written to the console, in order.
func (h *FakeHandle) Writes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.writes...)
}

// Terminated reports whether Terminate was called.
func (h *FakeHandle) Terminated() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.terminated
}

var _ Launcher = (*FakeLauncher)(nil)
var _ Handle = (*FakeHandle)(nil)
