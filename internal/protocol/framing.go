package protocol

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
)

// ErrCorruptFrame is returned by FrameReader.ReadEnvelope when a line failed
// to parse as JSON. The underlying stream is still healthy at that point —
// callers should tolerate the error and keep reading rather than tearing
// down the connection.
var ErrCorruptFrame = fmt.Errorf("protocol: corrupt frame")

// MaxLineSize is the nominal upper size of a single envelope line. A
// base64-encoded 4KiB chunk is roughly 5.5KiB once envelope overhead is
// added; this leaves generous headroom. FrameReader does not enforce it:
// ReadEnvelope accepts a line of any length.
const MaxLineSize = 1 << 20 // 1 MiB

// FrameReader accumulates bytes from a peer connection and splits them on
// '\n' into Envelopes: read into a buffer, split on '\n', parse each line as
// JSON. A parse error discards just that line and reading continues.
type FrameReader struct {
	r *bufio.Reader
}

// NewFrameReader wraps r for line-delimited envelope reads.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 4096)}
}

// ReadEnvelope blocks until a full line arrives, then parses it as an
// Envelope. It returns ErrCorruptFrame (never a JSON error directly) when
// the line failed to parse — the underlying bufio.Reader has already
// consumed the malformed line, so the next call starts fresh at the
// following one.
func (fr *FrameReader) ReadEnvelope() (*Envelope, error) {
	line, err := fr.r.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, err
	}

	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 {
		// Blank line: treat like a corrupt frame so the caller's read loop
		// just continues rather than choking on an empty JSON document.
		if err != nil {
			return nil, err
		}
		return nil, ErrCorruptFrame
	}

	env, perr := Unmarshal(line)
	if perr != nil {
		return nil, ErrCorruptFrame
	}

	return env, err
}

// WriteEnvelope serializes env and writes it followed by a single '\n' in
// one Write call, so the frame cannot interleave with a concurrent write on
// the same socket. Callers are still responsible for serializing concurrent
// calls on the same io.Writer with a per-peer lock — WriteEnvelope only
// guarantees one syscall-level write.
func WriteEnvelope(w io.Writer, env *Envelope) error {
	body, err := env.Marshal()
	if err != nil {
		return err
	}

	framed := make([]byte, 0, len(body)+1)
	framed = append(framed, body...)
	framed = append(framed, '\n')

	_, err = w.Write(framed)
	return err
}
