package exec

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestMockExecutorExactMatch(t *testing.T) {
	mock := NewMockExecutor(nil)
	mock.AddExactMatch("lsof", []string{"-t", "-iTCP:8118"}, MockResponse{
		Stdout: []byte("4242\n"),
	})

	out, err := mock.Output(context.Background(), "", "lsof", "-t", "-iTCP:8118")
	if err != nil {
		t.Fatalf("Output failed: %v", err)
	}
	if string(out) != "4242\n" {
		t.Errorf("stdout = %q", out)
	}

	// Different args fall through to the empty default.
	out, err = mock.Output(context.Background(), "", "lsof", "-t", "-iTCP:9999")
	if err != nil || len(out) != 0 {
		t.Errorf("unmatched call = (%q, %v), want empty success", out, err)
	}
}

func TestMockExecutorPrefixMatch(t *testing.T) {
	mock := NewMockExecutor(nil)
	mock.AddPrefixMatch("ssh", []string{"-N"}, MockResponse{Err: errors.New("boom")})

	_, _, err := mock.Run(context.Background(), "", "ssh", "-N", "-L", "spec", "host")
	if err == nil || err.Error() != "boom" {
		t.Errorf("err = %v, want boom", err)
	}
	if _, _, err := mock.Run(context.Background(), "", "ssh", "-V"); err != nil {
		t.Errorf("non-prefix call err = %v, want nil", err)
	}
}

func TestMockExecutorRulesMatchInOrder(t *testing.T) {
	mock := NewMockExecutor(nil)
	mock.AddRule(func(_, name string, _ []string) bool { return name == "kill" },
		MockResponse{Err: errors.New("first")})
	mock.AddRule(func(_, name string, _ []string) bool { return name == "kill" },
		MockResponse{Err: errors.New("second")})

	_, _, err := mock.Run(context.Background(), "", "kill", "-0", "1")
	if err == nil || err.Error() != "first" {
		t.Errorf("err = %v, want first rule to win", err)
	}
}

func TestMockExecutorRecordsCalls(t *testing.T) {
	mock := NewMockExecutor(nil)
	_, _, _ = mock.Run(context.Background(), "/tmp", "ps", "-p", "1")
	_, _ = mock.Output(context.Background(), "", "lsof", "-t")

	calls := mock.GetCalls()
	if len(calls) != 2 {
		t.Fatalf("recorded %d calls, want 2", len(calls))
	}
	if calls[0].Name != "ps" || calls[0].Dir != "/tmp" {
		t.Errorf("first call = %+v", calls[0])
	}
	if calls[1].Name != "lsof" {
		t.Errorf("second call = %+v", calls[1])
	}

	mock.ClearCalls()
	if len(mock.GetCalls()) != 0 {
		t.Error("ClearCalls left calls behind")
	}
}

func TestMockExecutorStart(t *testing.T) {
	mock := NewMockExecutor(nil)
	mock.AddPrefixMatch("ssh", nil, MockResponse{Pid: 4242})

	h, err := mock.Start(context.Background(), "", "ssh", "-N")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if h.Pid() != 4242 {
		t.Errorf("pid = %d, want 4242", h.Pid())
	}
	if err := h.Kill(); err != nil {
		t.Errorf("Kill failed: %v", err)
	}
}

func TestRealExecutorOutput(t *testing.T) {
	e := NewRealExecutor()
	out, err := e.Output(context.Background(), "", "sh", "-c", "printf hello")
	if err != nil {
		t.Fatalf("Output failed: %v", err)
	}
	if string(out) != "hello" {
		t.Errorf("stdout = %q", out)
	}
}

func TestRealExecutorRunCapturesStderr(t *testing.T) {
	e := NewRealExecutor()
	stdout, stderr, err := e.Run(context.Background(), "", "sh", "-c", "echo out; echo err >&2; exit 3")
	if err == nil {
		t.Fatal("expected exit error")
	}
	if !strings.Contains(string(stdout), "out") {
		t.Errorf("stdout = %q", stdout)
	}
	if !strings.Contains(string(stderr), "err") {
		t.Errorf("stderr = %q", stderr)
	}
}

func TestRealExecutorStartAndKill(t *testing.T) {
	e := NewRealExecutor()
	h, err := e.Start(context.Background(), "", "sleep", "30")
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if h.Pid() <= 0 {
		t.Errorf("pid = %d, want positive", h.Pid())
	}
	if err := h.Kill(); err != nil {
		t.Fatalf("Kill failed: %v", err)
	}
	if err := h.Wait(); err == nil {
		t.Error("Wait after Kill returned nil, want signal error")
	}
}
