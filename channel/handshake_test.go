package channel

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/mthorpe/boxchan/instance"
)

func isHandshakeInstruction(written string) bool {
	return strings.Contains(written, "IFS= read -r "+SecretVar)
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

func TestRunWithSecretInjectsViaStdin(t *testing.T) {
	var doneToken string
	launcher := &instance.FakeLauncher{Script: func(written string) string {
		tokens := extractTokens(written)
		switch {
		case isReadinessPreamble(written):
			return tokens[0] + "\r\n"
		case isHandshakeInstruction(written):
			// The remote shell announces readiness, then blocks in read.
			doneToken = tokens[1]
			return tokens[0] + "\r\n"
		case len(tokens) == 0:
			// The secret payload arrived on stdin; the command runs.
			return "authenticated\r\n" + doneToken + "\r\n"
		}
		return ""
	}}
	ch := newTestChannel(t, launcher, Options{})

	sec := []byte("hunter2")
	out, err := ch.RunWithSecret("curl -H \"Authorization: Bearer $BOXCHAN_SECRET\" https://api", sec, time.Second)
	if err != nil {
		t.Fatalf("RunWithSecret failed: %v", err)
	}
	if out != "authenticated" {
		t.Errorf("output = %q, want %q", out, "authenticated")
	}
	if !allZero(sec) {
		t.Error("caller's secret slice not wiped")
	}

	writes := launcher.LastHandle().Writes()
	if len(writes) != 3 {
		t.Fatalf("writes = %d, want 3 (preamble, instruction, payload)", len(writes))
	}
	instruction := writes[1]
	if !isHandshakeInstruction(instruction) {
		t.Fatalf("second write is not the handshake instruction:\n%s", instruction)
	}
	if strings.Contains(instruction, "hunter2") {
		t.Error("secret appears in transmitted instruction text")
	}
	if !strings.Contains(instruction, "unset "+SecretVar) {
		t.Error("instruction does not drop the secret variable afterwards")
	}
	if writes[2] != "hunter2\n" {
		t.Errorf("payload write = %q, want secret followed by newline", writes[2])
	}
}

func TestRunWithSecretReadinessTimeout(t *testing.T) {
	launcher := &instance.FakeLauncher{Script: func(written string) string {
		tokens := extractTokens(written)
		if isReadinessPreamble(written) {
			return tokens[0] + "\r\n"
		}
		return "" // never signals handshake readiness
	}}
	ch := newTestChannel(t, launcher, Options{})

	sec := []byte("hunter2")
	_, err := ch.RunWithSecret("whoami", sec, 30*time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if !allZero(sec) {
		t.Error("secret not wiped after readiness timeout")
	}

	// The secret must never have been transmitted.
	for _, w := range launcher.LastHandle().Writes() {
		if strings.Contains(w, "hunter2") {
			t.Errorf("secret transmitted despite handshake never becoming ready: %q", w)
		}
	}
}

func TestRunWithSecretStreamDeath(t *testing.T) {
	launcher := &instance.FakeLauncher{}
	launcher.Script = func(written string) string {
		tokens := extractTokens(written)
		switch {
		case isReadinessPreamble(written):
			return tokens[0] + "\r\n"
		case isHandshakeInstruction(written):
			return tokens[0] + "\r\n"
		case len(tokens) == 0:
			// The session dies right after the secret went out.
			launcher.LastHandle().Die(errors.New("session lost"))
			return ""
		}
		return ""
	}
	ch := newTestChannel(t, launcher, Options{})

	sec := []byte("hunter2")
	_, err := ch.RunWithSecret("whoami", sec, time.Second)
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if !allZero(sec) {
		t.Error("secret not wiped after stream death")
	}
}

func TestHandshakeInstructionShape(t *testing.T) {
	got := handshakeInstruction("run-it", "READY", "DONE")

	order := []string{
		"stty -echo",
		"'RE' 'ADY'",
		"IFS= read -r " + SecretVar,
		"export " + SecretVar,
		"run-it",
		"unset " + SecretVar,
		"'DO' 'NE'",
	}
	pos := -1
	for _, part := range order {
		idx := strings.Index(got, part)
		if idx < 0 {
			t.Fatalf("instruction missing %q:\n%s", part, got)
		}
		if idx < pos {
			t.Fatalf("instruction parts out of order at %q:\n%s", part, got)
		}
		pos = idx
	}
	if !strings.HasSuffix(got, "\n") {
		t.Error("instruction not newline-terminated")
	}
}
