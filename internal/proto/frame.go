// Package proto implements the framed multiplexing protocol spoken on the
// control channel between the starter and the redirector. A frame is a
// space-separated text header, a configured separator, and an optional
// binary body. DATA and SHRED bodies are integrity-checked with SHA-1 and
// SHA-512 digests carried in the header.
package proto

import (
	"strings"

	"github.com/google/uuid"
)

// Packet type tokens, always the first header token of a frame.
const (
	TypeAuth  = "AUTH"
	TypeData  = "DATA"
	TypeShred = "SHRED"
	TypeClose = "CLOSE"
)

// Frame is one application-layer message on the control channel.
type Frame interface {
	// Type returns the packet type token.
	Type() string
}

// Auth is the first frame on every control session: shared secret plus the
// public ports the starter asks the redirector to open.
type Auth struct {
	Secret string
	Ports  []uint16
}

// Data carries one chunk of session payload. Port is the destination backend
// port on redirector -> starter frames and zero on starter -> redirector
// frames (the redirector already knows the port from the public socket).
type Data struct {
	ID   string
	Port uint16
	Body []byte
}

// Shred is one fragment of a payload that exceeded the sender's maximum
// packet size. Index is 1-based; all fragments of one payload share Total.
type Shred struct {
	ID    string
	Port  uint16
	Index int
	Total int
	Body  []byte
}

// Close tells the peer that the session's socket is gone.
type Close struct {
	ID string
}

func (Auth) Type() string  { return TypeAuth }
func (Data) Type() string  { return TypeData }
func (Shred) Type() string { return TypeShred }
func (Close) Type() string { return TypeClose }

// NewSessionID returns a fresh UUIDv4 in text form.
func NewSessionID() string { return uuid.NewString() }

// ValidSessionID reports whether s looks like a session id: 36 characters in
// five hyphen-delimited groups. Version and variant bits are not checked.
func ValidSessionID(s string) bool {
	return len(s) == 36 && strings.Count(s, "-") == 4
}
