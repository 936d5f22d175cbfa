package mcp

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
)

// Framing selects how a byte stream is divided into protocol messages.
// It is fixed per connection at connect time.
type Framing string

const (
	// FramingLine delimits each JSON document with a single '\n'. JSON
	// encoding escapes raw newlines inside strings, so the delimiter can
	// never appear within a frame. This is the default.
	FramingLine Framing = "line"

	// FramingHeader prefixes each document with a
	// "Content-Length: N\r\n\r\n" header block followed by exactly N
	// bytes of body.
	FramingHeader Framing = "header"
)

// DefaultMaxFrameSize bounds a single inbound frame.
const DefaultMaxFrameSize = 16 << 20

// ErrFrameTooLarge is returned when an inbound frame exceeds the
// configured maximum size. The stream cannot be resynchronized after it.
var ErrFrameTooLarge = errors.New("frame exceeds maximum size")

// ParseFraming converts a config string to a Framing. Empty means line.
func ParseFraming(s string) (Framing, error) {
	switch Framing(strings.ToLower(strings.TrimSpace(s))) {
	case "", FramingLine:
		return FramingLine, nil
	case FramingHeader:
		return FramingHeader, nil
	default:
		return "", fmt.Errorf("unknown framing %q (valid: line, header)", s)
	}
}

// frameReader reads whole frames from a stream.
type frameReader struct {
	framing Framing
	max     int
	r       *bufio.Reader
}

func newFrameReader(r io.Reader, framing Framing, max int) *frameReader {
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	return &frameReader{
		framing: framing,
		max:     max,
		r:       bufio.NewReaderSize(r, 64*1024),
	}
}

// ReadFrame returns the next frame payload. Blank lines between
// line-framed documents are skipped.
func (fr *frameReader) ReadFrame() ([]byte, error) {
	if fr.framing == FramingHeader {
		return fr.readHeaderFrame()
	}
	for {
		line, err := fr.readLine()
		if err != nil {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		return line, nil
	}
}

// readLine accumulates one '\n' terminated line, enforcing the size
// limit without buffering unbounded input first.
func (fr *frameReader) readLine() ([]byte, error) {
	var buf []byte
	for {
		chunk, err := fr.r.ReadSlice('\n')
		if len(buf)+len(chunk) > fr.max {
			return nil, fmt.Errorf("%w (%d bytes)", ErrFrameTooLarge, fr.max)
		}
		buf = append(buf, chunk...)
		switch {
		case err == nil:
			return buf, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(bytes.TrimSpace(buf)) > 0:
			// Final frame without a trailing delimiter.
			return buf, nil
		default:
			return nil, err
		}
	}
}

func (fr *frameReader) readHeaderFrame() ([]byte, error) {
	tp := textproto.NewReader(fr.r)
	header, err := tp.ReadMIMEHeader()
	if err != nil {
		if errors.Is(err, io.EOF) && len(header) == 0 {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	cl := header.Get("Content-Length")
	if cl == "" {
		return nil, errors.New("frame header missing Content-Length")
	}
	n, err := strconv.Atoi(cl)
	if err != nil || n < 0 {
		return nil, fmt.Errorf("invalid Content-Length %q", cl)
	}
	if n > fr.max {
		return nil, fmt.Errorf("%w (%d > %d bytes)", ErrFrameTooLarge, n, fr.max)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return body, nil
}

// writeFrame writes payload with the given framing in a single Write so
// concurrent writers never interleave partial frames (callers still
// serialize writes).
func writeFrame(w io.Writer, framing Framing, payload []byte) error {
	var frame []byte
	if framing == FramingHeader {
		header := "Content-Length: " + strconv.Itoa(len(payload)) + "\r\n\r\n"
		frame = make([]byte, 0, len(header)+len(payload))
		frame = append(frame, header...)
		frame = append(frame, payload...)
	} else {
		frame = make([]byte, 0, len(payload)+1)
		frame = append(frame, payload...)
		frame = append(frame, '\n')
	}
	_, err := w.Write(frame)
	return err
}
