// Package upstream talks to the game-streaming host process over its local
// Unix domain socket. It provides the resilient connection channel shared by
// the event reader and the reverse proxy, with bounded exponential-backoff
// retry for connection establishment.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/wolfwarden/wolfwarden/pkg/core"
	"github.com/wolfwarden/wolfwarden/pkg/log"
)

var logger = log.ForService("upstream")

// ChannelConfig holds the connection and retry knobs for one socket.
type ChannelConfig struct {
	SocketPath     string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
}

// Channel dials the host's Unix socket. One Channel owns at most one live
// transport resource per Connect call; failed attempts never leak a
// connection.
type Channel struct {
	cfg ChannelConfig

	// failedAttempts counts connection attempts that errored, across the
	// channel's lifetime. Exposed for tests and stats.
	failedAttempts atomic.Int64
}

// NewChannel creates a channel for the given socket configuration.
func NewChannel(cfg ChannelConfig) *Channel {
	if cfg.RetryAttempts < 1 {
		cfg.RetryAttempts = 1
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 500 * time.Millisecond
	}
	return &Channel{cfg: cfg}
}

// Config returns the channel's configuration.
func (c *Channel) Config() ChannelConfig {
	return c.cfg
}

// FailedAttempts returns how many connection attempts have failed so far.
func (c *Channel) FailedAttempts() int64 {
	return c.failedAttempts.Load()
}

// Connect dials the socket once, bounded by the connect timeout. No retry.
func (c *Channel) Connect(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.cfg.SocketPath)
	if err != nil {
		c.failedAttempts.Add(1)
		return nil, fmt.Errorf("connecting to %s: %w", c.cfg.SocketPath, err)
	}
	return conn, nil
}

// WithRetry runs op, retrying connection-establishment failures with
// exponential backoff (base * 2^n, capped) up to the configured attempt
// budget. Non-connection errors surface immediately: a stream that
// established and then ended is the caller's decision to restart, never
// masked here. Cancelling ctx stops the loop between attempts.
func (c *Channel) WithRetry(ctx context.Context, op func(context.Context) error) error {
	delay := c.cfg.RetryBaseDelay

	var lastErr error
	for attempt := 1; attempt <= c.cfg.RetryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !isConnectError(lastErr) {
			return lastErr
		}
		if attempt == c.cfg.RetryAttempts {
			break
		}

		logger.Warnf("connection to %s failed (attempt %d/%d), retrying in %s: %v",
			c.cfg.SocketPath, attempt, c.cfg.RetryAttempts, delay, lastErr)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if c.cfg.RetryMaxDelay > 0 && delay > c.cfg.RetryMaxDelay {
			delay = c.cfg.RetryMaxDelay
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", core.ErrRetryExhausted, c.cfg.RetryAttempts, lastErr)
}

// httpTransport returns a transport routing all requests through the Unix
// socket regardless of the request URL's host.
func (c *Channel) httpTransport() *http.Transport {
	return &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return c.Connect(ctx)
		},
		ResponseHeaderTimeout: c.cfg.ReadTimeout,
	}
}

// HTTPClient returns a client for request/response calls over the socket.
// No overall timeout is set; streaming responses stay open indefinitely.
func (c *Channel) HTTPClient() *http.Client {
	return &http.Client{Transport: c.httpTransport()}
}

// Ready reports whether the socket exists and accepts a connection.
func (c *Channel) Ready(ctx context.Context) error {
	if _, err := os.Stat(c.cfg.SocketPath); err != nil {
		return fmt.Errorf("socket %s not available: %w", c.cfg.SocketPath, err)
	}
	conn, err := c.Connect(ctx)
	if err != nil {
		return err
	}
	return conn.Close()
}

// isConnectError reports whether err is a connection-establishment failure
// worth retrying: refused/absent sockets and dial timeouts. Errors from an
// already established stream (clean EOF, read errors) are not retried.
func isConnectError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT) ||
		errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return opErr.Op == "dial"
	}
	return false
}
