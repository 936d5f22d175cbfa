package mcp

import (
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"
)

// fakeConn is an in-memory Conn. Every frame written to it is recorded,
// which makes it the wire spy for tests, and canned replies are queued
// for the session's reader by method.
type fakeConn struct {
	mu      sync.Mutex
	written []Message
	replies map[string]func(req *Message) *Message

	inbox     chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	closes    int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		replies: make(map[string]func(*Message) *Message),
		inbox:   make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

// handle installs a reply function for method. Returning nil sends no
// reply.
func (f *fakeConn) handle(method string, fn func(req *Message) *Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.replies[method] = fn
}

// addResult makes every request for method succeed with result.
func (f *fakeConn) addResult(method string, result any) {
	f.handle(method, func(req *Message) *Message {
		msg, _ := NewResult(*req.ID, result)
		return msg
	})
}

// addError makes every request for method fail with an error object.
func (f *fakeConn) addError(method string, code int, message string) {
	f.handle(method, func(req *Message) *Message {
		return NewErrorResponse(*req.ID, code, message)
	})
}

// inject queues a raw frame for the session to read.
func (f *fakeConn) inject(t *testing.T, v any) {
	t.Helper()
	var data []byte
	switch v := v.(type) {
	case string:
		data = []byte(v)
	default:
		var err error
		if data, err = json.Marshal(v); err != nil {
			t.Fatalf("marshal injected frame: %v", err)
		}
	}
	f.inbox <- data
}

func (f *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-f.inbox:
		return data, nil
	case <-f.closed:
		return nil, io.EOF
	}
}

func (f *fakeConn) WriteMessage(payload []byte) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}

	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return err
	}

	f.mu.Lock()
	f.written = append(f.written, msg)
	fn := f.replies[msg.Method]
	f.mu.Unlock()

	if fn != nil && !msg.IsResponse() && msg.ID != nil {
		if reply := fn(&msg); reply != nil {
			data, _ := json.Marshal(reply)
			f.inbox <- data
		}
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.closes++
		f.mu.Unlock()
		close(f.closed)
	})
	return nil
}

// sent returns the frames written for method, or all frames when method
// is empty.
func (f *fakeConn) sent(method string) []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Message
	for _, m := range f.written {
		if method == "" || m.Method == method {
			out = append(out, m)
		}
	}
	return out
}

// waitSent blocks until n frames for method have been written.
func (f *fakeConn) waitSent(t *testing.T, method string, n int) []Message {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := f.sent(method); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %q frames (have %d)", n, method, len(f.sent(method)))
	return nil
}

// sever ends the stream as if the peer went away, without counting as
// a Close call.
func (f *fakeConn) sever() {
	f.closeOnce.Do(func() { close(f.closed) })
}

func (f *fakeConn) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// response builds a raw response frame for id.
func response(id int64, result any) *Message {
	msg, _ := NewResult(id, result)
	return msg
}
