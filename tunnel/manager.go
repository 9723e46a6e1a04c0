// Package tunnel manages the relay process that forwards a local port to
// the long-lived proxy instance.
//
// The relay is independent of the command channel's lifecycle: it may
// outlive this process, and a previous boxchan run may have left one
// behind. The manager therefore never assumes an occupied port is ours —
// adoption requires inspecting the listening process's command line and
// positively matching the relay signature. An unverified listener is a
// conflict, not a tunnel.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	osexec "os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	bexec "github.com/mthorpe/boxchan/exec"
	"github.com/mthorpe/boxchan/logger"
)

// ErrPortConflict is returned when the local port is occupied by a
// process that could not be verified as an orphaned relay.
var ErrPortConflict = errors.New("tunnel port occupied by unverified listener")

// Status is the lifecycle state of the tunnel resource.
type Status int

const (
	StatusStopped Status = iota
	StatusStarting
	StatusRunning
	StatusOrphanVerified   // running through an adopted, verified orphan
	StatusOrphanUnverified // port occupied by something we refuse to adopt
)

// String returns the lowercase status name.
func (s Status) String() string {
	switch s {
	case StatusStopped:
		return "stopped"
	case StatusStarting:
		return "starting"
	case StatusRunning:
		return "running"
	case StatusOrphanVerified:
		return "running-adopted"
	case StatusOrphanUnverified:
		return "port-conflict"
	default:
		return "unknown"
	}
}

// Config describes the relay endpoint pair and, optionally, a custom
// relay command.
type Config struct {
	LocalPort  int
	RemoteHost string
	RemotePort int

	// RelayCommand overrides the relay binary (default "ssh"). RelayArgs
	// overrides the argument list; when empty a standard -N -L forward is
	// built from the ports above.
	RelayCommand string
	RelayArgs    []string
}

// Manager owns at most one relay process.
type Manager struct {
	cfg  Config
	exec bexec.CommandExecutor
	log  *slog.Logger

	// bindAttempts/bindInterval pace the post-spawn wait for the relay to
	// start listening. Overridable in tests.
	bindAttempts int
	bindInterval time.Duration

	mu      sync.Mutex
	status  Status
	pid     int
	handle  bexec.CommandHandle
	adopted bool
}

// NewManager creates a Manager using the given executor for all process
// inspection and spawning.
func NewManager(cfg Config, executor bexec.CommandExecutor) *Manager {
	if executor == nil {
		executor = bexec.GetDefaultExecutor()
	}
	return &Manager{
		cfg:          cfg,
		exec:         executor,
		log:          logger.WithComponent("tunnel"),
		bindAttempts: 20,
		bindInterval: 100 * time.Millisecond,
	}
}

// Status returns the current tunnel status.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Pid returns the relay process ID, or 0 when no relay is tracked.
func (m *Manager) Pid() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pid
}

// IsRunning reports whether a live relay (owned or adopted) is tracked.
func (m *Manager) IsRunning() bool {
	s := m.Status()
	return s == StatusRunning || s == StatusOrphanVerified
}

// EnsureRunning makes sure a relay is listening on the local port.
//
// An owned live relay is a no-op. A free port gets a fresh relay. An
// occupied port is adopted only when the owning process's command line
// matches the relay signature; otherwise ErrPortConflict is returned and
// the tunnel is not marked running.
func (m *Manager) EnsureRunning(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pid != 0 && m.processAlive(ctx, m.pid) {
		m.log.Debug("relay already live", "pid", m.pid, "adopted", m.adopted)
		return nil
	}
	// Tracked relay died (or none tracked); rediscover from scratch.
	m.pid = 0
	m.handle = nil
	m.adopted = false
	m.status = StatusStopped

	owner, err := m.listenerPid(ctx)
	if err != nil {
		return fmt.Errorf("failed to inspect port %d: %w", m.cfg.LocalPort, err)
	}

	if owner == 0 {
		return m.spawnLocked(ctx)
	}

	// Something is already listening. Verify it is an orphaned instance
	// of our own relay before touching it.
	args, err := m.ownerArgs(ctx, owner)
	if err != nil {
		m.status = StatusOrphanUnverified
		return fmt.Errorf("%w: pid %d (command line unavailable: %v)", ErrPortConflict, owner, err)
	}
	if !m.matchesRelay(args) {
		m.status = StatusOrphanUnverified
		m.log.Warn("refusing to adopt unverified listener", "port", m.cfg.LocalPort, "pid", owner, "args", args)
		return fmt.Errorf("%w: pid %d (%s)", ErrPortConflict, owner, args)
	}

	m.pid = owner
	m.adopted = true
	m.status = StatusOrphanVerified
	m.log.Info("adopted orphaned relay", "port", m.cfg.LocalPort, "pid", owner)
	return nil
}

// Stop terminates the tracked relay process if live. Idempotent.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.pid == 0 {
		m.status = StatusStopped
		return
	}

	m.log.Info("stopping relay", "pid", m.pid, "adopted", m.adopted)
	if m.handle != nil {
		_ = m.handle.Kill()
	} else {
		_, _, _ = m.exec.Run(context.Background(), "", "kill", strconv.Itoa(m.pid))
	}
	m.pid = 0
	m.handle = nil
	m.adopted = false
	m.status = StatusStopped
}

// Probe inspects the local port without starting or adopting anything.
// It reports what owns the port right now: Stopped when the port is
// free, Running when the tracked relay holds it, OrphanVerified when an
// untracked relay-signature process holds it, OrphanUnverified otherwise.
func (m *Manager) Probe(ctx context.Context) (Status, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owner, err := m.listenerPid(ctx)
	if err != nil {
		return StatusStopped, 0, fmt.Errorf("failed to inspect port %d: %w", m.cfg.LocalPort, err)
	}
	if owner == 0 {
		return StatusStopped, 0, nil
	}
	if owner == m.pid {
		return m.status, owner, nil
	}

	args, err := m.ownerArgs(ctx, owner)
	if err != nil || !m.matchesRelay(args) {
		return StatusOrphanUnverified, owner, nil
	}
	return StatusOrphanVerified, owner, nil
}

// TakeDown stops whatever relay owns the local port, adopting a verified
// orphan first. A free port is a no-op; an unverified listener is left
// alone and reported as ErrPortConflict.
func (m *Manager) TakeDown(ctx context.Context) error {
	m.mu.Lock()
	if m.pid != 0 {
		m.mu.Unlock()
		m.Stop()
		return nil
	}

	owner, err := m.listenerPid(ctx)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to inspect port %d: %w", m.cfg.LocalPort, err)
	}
	if owner == 0 {
		m.status = StatusStopped
		m.mu.Unlock()
		return nil
	}

	args, err := m.ownerArgs(ctx, owner)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("%w: pid %d (command line unavailable: %v)", ErrPortConflict, owner, err)
	}
	if !m.matchesRelay(args) {
		m.mu.Unlock()
		return fmt.Errorf("%w: pid %d (%s)", ErrPortConflict, owner, args)
	}

	m.pid = owner
	m.adopted = true
	m.mu.Unlock()
	m.Stop()
	return nil
}

// spawnLocked launches a fresh relay and waits for it to bind.
// Caller must hold mu.
func (m *Manager) spawnLocked(ctx context.Context) error {
	name, args := m.relayCommand()
	m.status = StatusStarting
	m.log.Info("starting relay", "command", name+" "+strings.Join(args, " "))

	h, err := m.exec.Start(ctx, "", name, args...)
	if err != nil {
		m.status = StatusStopped
		return fmt.Errorf("failed to start relay: %w", err)
	}

	// Wait for the forward to actually bind before declaring success.
	for attempt := 0; attempt < m.bindAttempts; attempt++ {
		owner, perr := m.listenerPid(ctx)
		if perr == nil && owner != 0 {
			m.pid = h.Pid()
			m.handle = h
			m.adopted = false
			m.status = StatusRunning
			m.log.Info("relay listening", "port", m.cfg.LocalPort, "pid", m.pid)
			return nil
		}
		select {
		case <-ctx.Done():
			_ = h.Kill()
			m.status = StatusStopped
			return ctx.Err()
		case <-time.After(m.bindInterval):
		}
	}

	_ = h.Kill()
	m.status = StatusStopped
	return fmt.Errorf("relay never bound port %d", m.cfg.LocalPort)
}

// relayCommand returns the relay binary and arguments.
func (m *Manager) relayCommand() (string, []string) {
	name := m.cfg.RelayCommand
	if name == "" {
		name = "ssh"
	}
	if len(m.cfg.RelayArgs) > 0 {
		return name, m.cfg.RelayArgs
	}
	return name, []string{
		"-o", "ExitOnForwardFailure=yes",
		"-o", "ServerAliveInterval=10",
		"-o", "ServerAliveCountMax=3",
		"-N",
		"-L", m.forwardSpec(),
		m.cfg.RemoteHost,
	}
}

// forwardSpec returns the -L argument for the configured endpoint pair.
func (m *Manager) forwardSpec() string {
	return fmt.Sprintf("127.0.0.1:%d:127.0.0.1:%d", m.cfg.LocalPort, m.cfg.RemotePort)
}

// matchesRelay reports whether a process command line looks like an
// instance of our relay. The binary name must appear, and either the
// custom argument list or the standard forward spec must be present.
// "Something is listening" is never enough.
func (m *Manager) matchesRelay(cmdline string) bool {
	name, args := m.relayCommand()
	if !strings.Contains(cmdline, name) {
		return false
	}
	if len(m.cfg.RelayArgs) > 0 {
		return strings.Contains(cmdline, strings.Join(args, " "))
	}
	return strings.Contains(cmdline, m.forwardSpec())
}

// listenerPid returns the pid owning a LISTEN socket on the local port,
// or 0 when the port is free.
func (m *Manager) listenerPid(ctx context.Context) (int, error) {
	out, err := m.exec.Output(ctx, "",
		"lsof", "-nP", "-t", fmt.Sprintf("-iTCP:%d", m.cfg.LocalPort), "-sTCP:LISTEN")
	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" {
		// lsof exits 1 with no output when nothing matches, which means
		// the port is free. Any other failure (binary missing, permission
		// denied) is a broken probe, not a free port.
		var exitErr *osexec.ExitError
		if err == nil || (errors.As(err, &exitErr) && exitErr.ExitCode() == 1) {
			return 0, nil
		}
		return 0, fmt.Errorf("lsof probe failed: %w", err)
	}
	if err != nil {
		return 0, err
	}

	// Multiple lines are possible (threads, forks); the first pid wins.
	first := trimmed
	if idx := strings.IndexByte(first, '\n'); idx >= 0 {
		first = first[:idx]
	}
	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return 0, fmt.Errorf("unexpected lsof output %q: %w", trimmed, err)
	}
	return pid, nil
}

// ownerArgs returns the full command line of a pid.
func (m *Manager) ownerArgs(ctx context.Context, pid int) (string, error) {
	out, err := m.exec.Output(ctx, "", "ps", "-p", strconv.Itoa(pid), "-o", "args=")
	if err != nil {
		return "", err
	}
	args := strings.TrimSpace(string(out))
	if args == "" {
		return "", fmt.Errorf("pid %d has no command line", pid)
	}
	return args, nil
}

// processAlive reports whether pid exists (signal 0 probe).
func (m *Manager) processAlive(ctx context.Context, pid int) bool {
	_, _, err := m.exec.Run(ctx, "", "kill", "-0", strconv.Itoa(pid))
	return err == nil
}
