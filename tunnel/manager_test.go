package tunnel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	bexec "github.com/mthorpe/boxchan/exec"
	"github.com/mthorpe/boxchan/logger"
	"github.com/mthorpe/boxchan/paths"
)

func testConfig() Config {
	return Config{LocalPort: 8118, RemoteHost: "proxybox", RemotePort: 8118}
}

func newTestManager(t *testing.T, cfg Config, mock *bexec.MockExecutor) *Manager {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_STATE_HOME", "")
	paths.Reset()
	logger.Reset()
	t.Cleanup(func() {
		logger.Reset()
		paths.Reset()
	})

	m := NewManager(cfg, mock)
	m.bindAttempts = 2
	m.bindInterval = time.Millisecond
	return m
}

func lsofArgs(port int) []string {
	return []string{"-nP", "-t", fmt.Sprintf("-iTCP:%d", port), "-sTCP:LISTEN"}
}

func psArgs(pid int) []string {
	return []string{"-p", fmt.Sprintf("%d", pid), "-o", "args="}
}

func TestEnsureRunningSpawnsOnFreePort(t *testing.T) {
	mock := bexec.NewMockExecutor(nil)
	// The pre-spawn probe finds the port free; once the relay has been
	// started, the bind poll finds it listening.
	lsofCalls := 0
	mock.AddRule(func(_, name string, _ []string) bool {
		if name != "lsof" {
			return false
		}
		lsofCalls++
		return lsofCalls == 1
	}, bexec.MockResponse{})
	mock.AddRule(func(_, name string, _ []string) bool {
		return name == "lsof"
	}, bexec.MockResponse{Stdout: []byte("4242\n")})
	mock.AddPrefixMatch("ssh", nil, bexec.MockResponse{Pid: 4242})

	m := newTestManager(t, testConfig(), mock)

	if err := m.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning failed: %v", err)
	}
	if got := m.Status(); got != StatusRunning {
		t.Errorf("status = %v, want %v", got, StatusRunning)
	}
	if m.Pid() != 4242 {
		t.Errorf("pid = %d, want 4242", m.Pid())
	}

	// The spawned relay must carry the standard forward spec.
	var joined string
	for _, c := range mock.GetCalls() {
		if c.Name == "ssh" {
			joined = strings.Join(c.Args, " ")
			break
		}
	}
	if joined == "" {
		t.Fatal("ssh never started")
	}
	if !strings.Contains(joined, "-L 127.0.0.1:8118:127.0.0.1:8118") {
		t.Errorf("relay args missing forward spec: %s", joined)
	}
	if !strings.Contains(joined, "proxybox") {
		t.Errorf("relay args missing remote host: %s", joined)
	}
}

func TestEnsureRunningSurfacesProbeFailure(t *testing.T) {
	mock := bexec.NewMockExecutor(nil)
	// A broken lsof (missing binary, permission denied) produces no
	// output and a non-no-match error. That is not a free port.
	mock.AddExactMatch("lsof", lsofArgs(8118),
		bexec.MockResponse{Err: errors.New("exec: \"lsof\": executable file not found in $PATH")})

	m := newTestManager(t, testConfig(), mock)

	err := m.EnsureRunning(context.Background())
	if err == nil || !strings.Contains(err.Error(), "lsof probe failed") {
		t.Fatalf("err = %v, want lsof probe failure", err)
	}
	for _, c := range mock.GetCalls() {
		if c.Name == "ssh" {
			t.Fatalf("relay spawned despite probe failure: %v", c.Args)
		}
	}
	if got := m.Status(); got != StatusStopped {
		t.Errorf("status = %v, want %v", got, StatusStopped)
	}
}

func TestEnsureRunningAdoptsVerifiedOrphan(t *testing.T) {
	mock := bexec.NewMockExecutor(nil)
	mock.AddExactMatch("lsof", lsofArgs(8118), bexec.MockResponse{Stdout: []byte("777\n")})
	mock.AddExactMatch("ps", psArgs(777), bexec.MockResponse{
		Stdout: []byte("ssh -o ExitOnForwardFailure=yes -N -L 127.0.0.1:8118:127.0.0.1:8118 proxybox\n"),
	})

	m := newTestManager(t, testConfig(), mock)

	if err := m.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning failed: %v", err)
	}
	if got := m.Status(); got != StatusOrphanVerified {
		t.Errorf("status = %v, want %v", got, StatusOrphanVerified)
	}
	if m.Pid() != 777 {
		t.Errorf("pid = %d, want 777", m.Pid())
	}

	// No relay may have been spawned while adopting.
	for _, c := range mock.GetCalls() {
		if c.Name == "ssh" {
			t.Error("spawned a relay despite adopting an orphan")
		}
	}
}

func TestEnsureRunningRefusesUnverifiedListener(t *testing.T) {
	mock := bexec.NewMockExecutor(nil)
	mock.AddExactMatch("lsof", lsofArgs(8118), bexec.MockResponse{Stdout: []byte("900\n")})
	mock.AddExactMatch("ps", psArgs(900), bexec.MockResponse{
		Stdout: []byte("python3 -m http.server 8118\n"),
	})

	m := newTestManager(t, testConfig(), mock)

	err := m.EnsureRunning(context.Background())
	if !errors.Is(err, ErrPortConflict) {
		t.Fatalf("err = %v, want ErrPortConflict", err)
	}
	if got := m.Status(); got != StatusOrphanUnverified {
		t.Errorf("status = %v, want %v", got, StatusOrphanUnverified)
	}
	if m.IsRunning() {
		t.Error("manager claims running despite refusing adoption")
	}

	// The foreign process must not have been touched.
	for _, c := range mock.GetCalls() {
		if c.Name == "kill" && len(c.Args) > 0 && c.Args[len(c.Args)-1] == "900" {
			t.Error("killed an unverified listener")
		}
	}
}

func TestEnsureRunningIsNoOpWhileRelayAlive(t *testing.T) {
	mock := bexec.NewMockExecutor(nil)
	mock.AddExactMatch("lsof", lsofArgs(8118), bexec.MockResponse{Stdout: []byte("777\n")})
	mock.AddExactMatch("ps", psArgs(777), bexec.MockResponse{
		Stdout: []byte("ssh -N -L 127.0.0.1:8118:127.0.0.1:8118 proxybox\n"),
	})
	// kill -0 probes succeed by default (empty mock response).

	m := newTestManager(t, testConfig(), mock)

	if err := m.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("first EnsureRunning failed: %v", err)
	}
	before := len(mock.GetCalls())

	if err := m.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("second EnsureRunning failed: %v", err)
	}
	after := mock.GetCalls()[before:]
	for _, c := range after {
		if c.Name != "kill" {
			t.Errorf("second EnsureRunning ran %s %v, want only the liveness probe", c.Name, c.Args)
		}
	}
}

func TestEnsureRunningRediscoversAfterRelayDeath(t *testing.T) {
	mock := bexec.NewMockExecutor(nil)
	mock.AddExactMatch("lsof", lsofArgs(8118), bexec.MockResponse{Stdout: []byte("777\n")})
	mock.AddExactMatch("ps", psArgs(777), bexec.MockResponse{
		Stdout: []byte("ssh -N -L 127.0.0.1:8118:127.0.0.1:8118 proxybox\n"),
	})
	mock.AddExactMatch("kill", []string{"-0", "777"}, bexec.MockResponse{
		Err: errors.New("no such process"),
	})

	m := newTestManager(t, testConfig(), mock)

	if err := m.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("first EnsureRunning failed: %v", err)
	}
	// Adopted pid 777 is now dead; the next call must rediscover, find the
	// same listener via lsof, and re-adopt.
	if err := m.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("second EnsureRunning failed: %v", err)
	}
	if m.Pid() != 777 {
		t.Errorf("pid = %d, want re-adopted 777", m.Pid())
	}
}

func TestStopKillsAdoptedRelay(t *testing.T) {
	mock := bexec.NewMockExecutor(nil)
	mock.AddExactMatch("lsof", lsofArgs(8118), bexec.MockResponse{Stdout: []byte("777\n")})
	mock.AddExactMatch("ps", psArgs(777), bexec.MockResponse{
		Stdout: []byte("ssh -N -L 127.0.0.1:8118:127.0.0.1:8118 proxybox\n"),
	})

	m := newTestManager(t, testConfig(), mock)

	if err := m.EnsureRunning(context.Background()); err != nil {
		t.Fatalf("EnsureRunning failed: %v", err)
	}
	m.Stop()

	if got := m.Status(); got != StatusStopped {
		t.Errorf("status = %v, want %v", got, StatusStopped)
	}
	killed := false
	for _, c := range mock.GetCalls() {
		if c.Name == "kill" && len(c.Args) == 1 && c.Args[0] == "777" {
			killed = true
		}
	}
	if !killed {
		t.Error("adopted relay not killed")
	}

	m.Stop() // idempotent
}

func TestProbeReportsWithoutTouching(t *testing.T) {
	tests := []struct {
		name       string
		lsofOut    string
		psOut      string
		wantStatus Status
		wantPid    int
	}{
		{"free port", "", "", StatusStopped, 0},
		{"verified orphan", "777\n", "ssh -N -L 127.0.0.1:8118:127.0.0.1:8118 proxybox\n", StatusOrphanVerified, 777},
		{"unverified listener", "777\n", "nginx: master process\n", StatusOrphanUnverified, 777},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := bexec.NewMockExecutor(nil)
			if tt.lsofOut != "" {
				mock.AddExactMatch("lsof", lsofArgs(8118), bexec.MockResponse{Stdout: []byte(tt.lsofOut)})
				mock.AddExactMatch("ps", psArgs(777), bexec.MockResponse{Stdout: []byte(tt.psOut)})
			}

			m := newTestManager(t, testConfig(), mock)
			status, pid, err := m.Probe(context.Background())
			if err != nil {
				t.Fatalf("Probe failed: %v", err)
			}
			if status != tt.wantStatus || pid != tt.wantPid {
				t.Errorf("Probe = (%v, %d), want (%v, %d)", status, pid, tt.wantStatus, tt.wantPid)
			}
			for _, c := range mock.GetCalls() {
				if c.Name == "ssh" || c.Name == "kill" {
					t.Errorf("Probe ran %s, must be read-only", c.Name)
				}
			}
		})
	}
}

func TestTakeDown(t *testing.T) {
	t.Run("free port is a no-op", func(t *testing.T) {
		mock := bexec.NewMockExecutor(nil)
		m := newTestManager(t, testConfig(), mock)
		if err := m.TakeDown(context.Background()); err != nil {
			t.Fatalf("TakeDown failed: %v", err)
		}
	})

	t.Run("verified orphan is adopted and killed", func(t *testing.T) {
		mock := bexec.NewMockExecutor(nil)
		mock.AddExactMatch("lsof", lsofArgs(8118), bexec.MockResponse{Stdout: []byte("777\n")})
		mock.AddExactMatch("ps", psArgs(777), bexec.MockResponse{
			Stdout: []byte("ssh -N -L 127.0.0.1:8118:127.0.0.1:8118 proxybox\n"),
		})
		m := newTestManager(t, testConfig(), mock)
		if err := m.TakeDown(context.Background()); err != nil {
			t.Fatalf("TakeDown failed: %v", err)
		}
		killed := false
		for _, c := range mock.GetCalls() {
			if c.Name == "kill" && len(c.Args) == 1 && c.Args[0] == "777" {
				killed = true
			}
		}
		if !killed {
			t.Error("verified orphan not killed")
		}
	})

	t.Run("unverified listener is left alone", func(t *testing.T) {
		mock := bexec.NewMockExecutor(nil)
		mock.AddExactMatch("lsof", lsofArgs(8118), bexec.MockResponse{Stdout: []byte("900\n")})
		mock.AddExactMatch("ps", psArgs(900), bexec.MockResponse{Stdout: []byte("postgres -D /data\n")})
		m := newTestManager(t, testConfig(), mock)
		if err := m.TakeDown(context.Background()); !errors.Is(err, ErrPortConflict) {
			t.Fatalf("err = %v, want ErrPortConflict", err)
		}
		for _, c := range mock.GetCalls() {
			if c.Name == "kill" {
				t.Error("killed an unverified listener")
			}
		}
	})
}

func TestMatchesRelayCustomArgs(t *testing.T) {
	cfg := testConfig()
	cfg.RelayCommand = "socat"
	cfg.RelayArgs = []string{"TCP-LISTEN:8118,fork", "TCP:proxybox:8118"}
	m := newTestManager(t, cfg, bexec.NewMockExecutor(nil))

	if !m.matchesRelay("socat TCP-LISTEN:8118,fork TCP:proxybox:8118") {
		t.Error("exact custom relay command line not matched")
	}
	if m.matchesRelay("socat TCP-LISTEN:9999,fork TCP:other:80") {
		t.Error("different socat invocation wrongly matched")
	}
	if m.matchesRelay("nginx: worker") {
		t.Error("unrelated process wrongly matched")
	}
}
