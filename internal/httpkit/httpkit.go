// Package httpkit provides the shared outbound dialing used to reach
// websocket tool servers. It enforces consistent dial and handshake
// timeouts, sends a User-Agent, and retries the transient dial failures
// (no route to host, network unreachable, connection refused) that
// clear up within a few seconds.
package httpkit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/toolwire/internal/buildinfo"
)

// Default timeouts for outbound connections.
const (
	// DefaultDialTimeout is the maximum time to establish a TCP connection.
	DefaultDialTimeout = 10 * time.Second

	// DefaultKeepAlive is the interval between TCP keep-alive probes.
	DefaultKeepAlive = 30 * time.Second

	// DefaultHandshakeTimeout bounds the websocket upgrade, TLS included.
	DefaultHandshakeTimeout = 15 * time.Second

	// DefaultRetryCount and DefaultRetryDelay govern dial retries.
	DefaultRetryCount = 2
	DefaultRetryDelay = 250 * time.Millisecond
)

// NewDialer creates a net.Dialer with the shared timeouts.
func NewDialer() *net.Dialer {
	return &net.Dialer{
		Timeout:   DefaultDialTimeout,
		KeepAlive: DefaultKeepAlive,
	}
}

// NewWebSocketDialer creates a websocket dialer on the shared net dialer.
// Proxies are honored from the environment.
func NewWebSocketDialer() *websocket.Dialer {
	return &websocket.Dialer{
		NetDialContext:   NewDialer().DialContext,
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: DefaultHandshakeTimeout,
		ReadBufferSize:   256 * 1024,
		WriteBufferSize:  64 * 1024,
	}
}

// Headers converts configured headers to an http.Header and adds the
// toolwire User-Agent unless one is already set.
func Headers(h map[string]string) http.Header {
	out := make(http.Header, len(h)+1)
	for k, v := range h {
		out.Set(k, v)
	}
	if out.Get("User-Agent") == "" {
		out.Set("User-Agent", buildinfo.UserAgent())
	}
	return out
}

// Retry runs op, retrying up to count more times after delay while it
// fails with a retryable error. It stops early when ctx is done.
func Retry(ctx context.Context, count int, delay time.Duration, logger *slog.Logger, op func() error) error {
	err := op()
	for attempt := 1; attempt <= count && IsRetryableError(err); attempt++ {
		if logger != nil {
			logger.Debug("retrying dial after transient error",
				"attempt", attempt,
				"max_retries", count,
				"error", err,
			)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		err = op()
	}
	return err
}

// IsRetryableError reports transient connection-level errors that
// occur before any bytes reach the server. ECONNRESET is excluded since
// it can happen after the server has seen the request.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.EHOSTUNREACH, // no route to host (ARP race)
			syscall.ENETUNREACH,  // network unreachable
			syscall.ECONNREFUSED: // connection refused (service restarting)
			return true
		}
	}
	return false
}

// ReadErrorBody reads up to limit bytes from rc for error messages, then
// drains and closes the remainder. Returns "" if rc is nil.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, 1024))
	rc.Close()
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
