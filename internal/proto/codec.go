package proto

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	// maxHeaderBytes bounds the separator scan so garbage input cannot grow
	// the receive buffer forever.
	maxHeaderBytes = 64 * 1024
	// maxBodyBytes bounds the declared body length of a single frame.
	maxBodyBytes = 16 * 1024 * 1024
)

// Decode failures. ErrMalformedHeader, ErrUnknownType and ErrDigestMismatch
// are recoverable: the decoder has already consumed the offending header
// (and its body, when the header declared a usable body length); the caller
// logs it and keeps reading. ErrHeaderTooLarge consumes nothing and, like
// any other error from Next, is fatal for the control session.
var (
	ErrMalformedHeader = errors.New("proto: malformed frame header")
	ErrUnknownType     = errors.New("proto: unknown packet type")
	ErrDigestMismatch  = errors.New("proto: body digest mismatch")
	ErrHeaderTooLarge  = errors.New("proto: header exceeds size limit")
)

// errShortBody is internal: the header parsed but the body has not fully
// arrived yet.
var errShortBody = errors.New("proto: short body")

// Recoverable reports whether err is a per-frame decode failure that leaves
// the control session usable.
func Recoverable(err error) bool {
	return errors.Is(err, ErrMalformedHeader) ||
		errors.Is(err, ErrUnknownType) ||
		errors.Is(err, ErrDigestMismatch)
}

func digestHex(body []byte) (string, string) {
	h1 := sha1.Sum(body)
	h512 := sha512.Sum512(body)
	return hex.EncodeToString(h1[:]), hex.EncodeToString(h512[:])
}

// Marshal encodes a frame as header + separator + body. For Data and Shred
// the port token is included only when Port is non-zero (redirector ->
// starter direction) and the digests and body length are computed here.
func Marshal(f Frame, sep string) ([]byte, error) {
	var b bytes.Buffer
	switch f := f.(type) {
	case Auth:
		if f.Secret == "" || len(f.Ports) == 0 {
			return nil, fmt.Errorf("proto: auth frame needs secret and ports")
		}
		ports := make([]string, len(f.Ports))
		for i, p := range f.Ports {
			ports[i] = strconv.Itoa(int(p))
		}
		fmt.Fprintf(&b, "%s %s %s", TypeAuth, f.Secret, strings.Join(ports, ";"))
		b.WriteString(sep)
	case Data:
		s1, s512 := digestHex(f.Body)
		if f.Port != 0 {
			fmt.Fprintf(&b, "%s %s %d %s %s %d", TypeData, f.ID, f.Port, s1, s512, len(f.Body))
		} else {
			fmt.Fprintf(&b, "%s %s %s %s %d", TypeData, f.ID, s1, s512, len(f.Body))
		}
		b.WriteString(sep)
		b.Write(f.Body)
	case Shred:
		if f.Index < 1 || f.Total < 1 {
			return nil, fmt.Errorf("proto: shred index %d/%d out of range", f.Index, f.Total)
		}
		s1, s512 := digestHex(f.Body)
		if f.Port != 0 {
			fmt.Fprintf(&b, "%s %s %d %s %s %d %d %d", TypeShred, f.ID, f.Port, s1, s512, len(f.Body), f.Index, f.Total)
		} else {
			fmt.Fprintf(&b, "%s %s %s %s %d %d %d", TypeShred, f.ID, s1, s512, len(f.Body), f.Index, f.Total)
		}
		b.WriteString(sep)
		b.Write(f.Body)
	case Close:
		fmt.Fprintf(&b, "%s %s", TypeClose, f.ID)
		b.WriteString(sep)
	default:
		return nil, fmt.Errorf("proto: cannot marshal %T", f)
	}
	return b.Bytes(), nil
}

// Decoder reads frames off a byte stream. It keeps its own receive buffer
// and never assumes that one peer write arrives as one read: headers are
// found by scanning for the separator and bodies are consumed by the exact
// declared body length, so coalesced and fragmented TCP delivery both work.
type Decoder struct {
	r          io.Reader
	sep        []byte
	expectPort bool
	buf        []byte
	tmp        []byte
}

// NewDecoder wraps r. expectPort selects the inbound header layout: the
// starter sets it (redirector frames carry the backend port), the
// redirector does not.
func NewDecoder(r io.Reader, sep string, expectPort bool) *Decoder {
	return &Decoder{r: r, sep: []byte(sep), expectPort: expectPort, tmp: make([]byte, 32*1024)}
}

func (d *Decoder) fill() error {
	n, err := d.r.Read(d.tmp)
	if n > 0 {
		d.buf = append(d.buf, d.tmp[:n]...)
		return nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return err
}

// Next blocks until one complete frame has been consumed from the stream.
// It returns the frame, or a recoverable error (see Recoverable) after
// skipping the bad frame, or a fatal transport error.
func (d *Decoder) Next() (Frame, error) {
	for {
		if i := bytes.Index(d.buf, d.sep); i >= 0 {
			f, adv, err := d.parse(i)
			if errors.Is(err, errShortBody) {
				if err := d.fill(); err != nil {
					return nil, err
				}
				continue
			}
			d.buf = d.buf[adv:]
			return f, err
		}
		if len(d.buf) > maxHeaderBytes {
			return nil, ErrHeaderTooLarge
		}
		if err := d.fill(); err != nil {
			return nil, err
		}
	}
}

// parse interprets d.buf[:i] as a header with the separator at i. It returns
// the decoded frame and the number of bytes to consume. Recoverable errors
// consume the header through the separator, plus the body once a valid body
// length has been parsed; the body of a DATA/SHRED frame whose header fails
// before that point is not skipped and is scanned as header bytes next.
func (d *Decoder) parse(i int) (Frame, int, error) {
	bodyStart := i + len(d.sep)
	toks := strings.Fields(string(d.buf[:i]))
	if len(toks) == 0 {
		return nil, bodyStart, fmt.Errorf("%w: empty header", ErrMalformedHeader)
	}
	switch toks[0] {
	case TypeAuth:
		if len(toks) != 3 {
			return nil, bodyStart, fmt.Errorf("%w: auth wants 3 tokens, got %d", ErrMalformedHeader, len(toks))
		}
		var ports []uint16
		for _, p := range strings.Split(toks[2], ";") {
			if p == "" {
				continue
			}
			v, err := strconv.ParseUint(p, 10, 16)
			if err != nil || v == 0 {
				return nil, bodyStart, fmt.Errorf("%w: bad port %q", ErrMalformedHeader, p)
			}
			ports = append(ports, uint16(v))
		}
		if len(ports) == 0 {
			return nil, bodyStart, fmt.Errorf("%w: empty port list", ErrMalformedHeader)
		}
		return Auth{Secret: toks[1], Ports: ports}, bodyStart, nil

	case TypeClose:
		if len(toks) != 2 || !ValidSessionID(toks[1]) {
			return nil, bodyStart, fmt.Errorf("%w: bad close header", ErrMalformedHeader)
		}
		return Close{ID: toks[1]}, bodyStart, nil

	case TypeData, TypeShred:
		return d.parseBody(toks, bodyStart)

	default:
		return nil, bodyStart, fmt.Errorf("%w: %q", ErrUnknownType, toks[0])
	}
}

// parseBody handles the body-bearing frames. Header layouts, with the port
// token present only when expectPort is set:
//
//	DATA  <id> [<port>] <sha1> <sha512> <body_len>
//	SHRED <id> [<port>] <sha1> <sha512> <body_len> <n> <total>
func (d *Decoder) parseBody(toks []string, bodyStart int) (Frame, int, error) {
	shred := toks[0] == TypeShred
	want := 5
	if shred {
		want = 7
	}
	if d.expectPort {
		want++
	}
	if len(toks) != want {
		return nil, bodyStart, fmt.Errorf("%w: %s wants %d tokens, got %d", ErrMalformedHeader, toks[0], want, len(toks))
	}
	id := toks[1]
	next := 2
	var port uint16
	if d.expectPort {
		v, err := strconv.ParseUint(toks[next], 10, 16)
		if err != nil || v == 0 {
			return nil, bodyStart, fmt.Errorf("%w: bad port %q", ErrMalformedHeader, toks[next])
		}
		port = uint16(v)
		next++
	}
	wantSHA1, wantSHA512 := toks[next], toks[next+1]
	blen, err := strconv.Atoi(toks[next+2])
	if err != nil || blen < 0 || blen > maxBodyBytes {
		return nil, bodyStart, fmt.Errorf("%w: bad body length %q", ErrMalformedHeader, toks[next+2])
	}
	var index, total int
	if shred {
		index, err = strconv.Atoi(toks[next+3])
		if err != nil || index < 1 {
			return nil, bodyStart, fmt.Errorf("%w: bad fragment index %q", ErrMalformedHeader, toks[next+3])
		}
		total, err = strconv.Atoi(toks[next+4])
		if err != nil || total < 1 {
			return nil, bodyStart, fmt.Errorf("%w: bad fragment total %q", ErrMalformedHeader, toks[next+4])
		}
	}
	end := bodyStart + blen
	if len(d.buf) < end {
		return nil, 0, errShortBody
	}
	body := make([]byte, blen)
	copy(body, d.buf[bodyStart:end])
	if !ValidSessionID(id) {
		return nil, end, fmt.Errorf("%w: bad session id %q", ErrMalformedHeader, id)
	}
	s1, s512 := digestHex(body)
	if s1 != wantSHA1 || s512 != wantSHA512 {
		return nil, end, fmt.Errorf("%w: id=%s", ErrDigestMismatch, id)
	}
	if shred {
		return Shred{ID: id, Port: port, Index: index, Total: total, Body: body}, end, nil
	}
	return Data{ID: id, Port: port, Body: body}, end, nil
}
