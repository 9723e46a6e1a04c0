package channel

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// newMarker produces a single-use framing token bound to one in-flight
// command. The token is a digest of fresh randomness, local process
// identity, the console session identity, and the clock, so with
// overwhelming probability it never occurs in legitimate command output
// during its one-command lifetime.
func newMarker(sessionID string) string {
	var rnd [16]byte
	_, _ = rand.Read(rnd[:])

	h := sha256.New()
	h.Write(rnd[:])
	fmt.Fprintf(h, "%d|%s|%s|%d", os.Getpid(), sessionID, uuid.NewString(), time.Now().UnixNano())
	return "BXC-" + hex.EncodeToString(h.Sum(nil))[:40]
}

// markerEcho builds the shell instruction that prints token on its own
// line. The token is split across two printf arguments so the contiguous
// token never appears in the transmitted command text; a terminal echoing
// its input back would otherwise satisfy the scan before the command even
// ran.
func markerEcho(token string) string {
	half := len(token) / 2
	return fmt.Sprintf("printf '%%s%%s\\n' '%s' '%s'", token[:half], token[half:])
}
