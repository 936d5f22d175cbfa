package mcp

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nugget/toolwire/internal/process"
)

// Conn is a message-oriented duplex channel to a tool server. A Session
// is its only user: exactly one goroutine calls ReadMessage, and writes
// are serialized by the session.
type Conn interface {
	// ReadMessage blocks until the next complete frame arrives.
	ReadMessage() ([]byte, error)

	// WriteMessage sends one complete frame.
	WriteMessage(payload []byte) error

	// Close releases the channel. For process-backed conns this stops
	// the subprocess.
	Close() error
}

// exitDrainWindow is how long a stdio conn keeps reading after the
// subprocess has exited before forcing the stream closed. It only
// matters when a grandchild keeps the stdout pipe open.
const exitDrainWindow = 250 * time.Millisecond

// StreamConn frames messages over a plain reader/writer pair.
type StreamConn struct {
	r       *frameReader
	w       io.Writer
	framing Framing
	closer  func() error

	closeOnce sync.Once
	closeErr  error
}

// NewStreamConn wraps r and w. closer, if non-nil, is called once by
// Close; it should unblock any pending read.
func NewStreamConn(r io.Reader, w io.Writer, framing Framing, maxFrame int, closer func() error) *StreamConn {
	return &StreamConn{
		r:       newFrameReader(r, framing, maxFrame),
		w:       w,
		framing: framing,
		closer:  closer,
	}
}

// ReadMessage implements Conn.
func (c *StreamConn) ReadMessage() ([]byte, error) {
	return c.r.ReadFrame()
}

// WriteMessage implements Conn.
func (c *StreamConn) WriteMessage(payload []byte) error {
	return writeFrame(c.w, c.framing, payload)
}

// Close implements Conn. It is idempotent.
func (c *StreamConn) Close() error {
	c.closeOnce.Do(func() {
		if c.closer != nil {
			c.closeErr = c.closer()
		}
	})
	return c.closeErr
}

// StdioConn speaks the protocol over a subprocess's stdin and stdout.
// It exclusively owns the process.
type StdioConn struct {
	*StreamConn
	proc *process.Process
}

// NewStdioConn takes ownership of proc.
func NewStdioConn(proc *process.Process, framing Framing, maxFrame int) *StdioConn {
	c := &StdioConn{proc: proc}
	c.StreamConn = NewStreamConn(proc.Stdout(), proc.Stdin(), framing, maxFrame, proc.Stop)

	go func() {
		<-proc.Done()
		time.Sleep(exitDrainWindow)
		_ = proc.Stop()
	}()

	return c
}

// Process returns the owned subprocess.
func (c *StdioConn) Process() *process.Process {
	return c.proc
}

// ReadMessage implements Conn. End of stream is reported together with
// the subprocess exit status when it is known.
func (c *StdioConn) ReadMessage() ([]byte, error) {
	data, err := c.StreamConn.ReadMessage()
	if err == nil {
		return data, nil
	}
	select {
	case <-c.proc.Done():
	case <-time.After(exitDrainWindow):
		return nil, err
	}
	if exitErr := c.proc.ExitErr(); exitErr != nil {
		return nil, fmt.Errorf("tool server exited (%v): %w", exitErr, err)
	}
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("tool server exited: %w", err)
	}
	return nil, err
}
