// Package pdp speaks the amavis policy delegation protocol used to release
// quarantined messages.
package pdp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/znz-systems/quarantined/internal/metrics"
)

// ErrConnect is returned when the amavis socket cannot be reached.
var ErrConnect = errors.New("connection to amavis failed")

// ReleaseError carries the decoded daemon answer of a refused release.
type ReleaseError struct {
	Response string
}

func (e *ReleaseError) Error() string {
	return e.Response
}

const (
	ModeInet = "inet"
	ModeUnix = "unix"

	// maxResponse bounds a single daemon answer.
	maxResponse = 1024
)

type Config struct {
	Mode    string
	Host    string
	Port    int
	Socket  string
	Timeout time.Duration
}

func (c Config) network() (string, string) {
	if c.Mode == ModeInet {
		return "tcp", net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	}
	return "unix", c.Socket
}

// Client holds one connection to the amavis policy socket. It is not safe
// for concurrent use.
type Client struct {
	conn    net.Conn
	timeout time.Duration
}

// Dial opens the connection described by cfg. Failures are not retried.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	network, addr := cfg.network()
	d := net.Dialer{Timeout: cfg.Timeout}
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		metrics.PDPConnectErrors.Inc()
		return nil, fmt.Errorf("%w: %v", ErrConnect, err)
	}
	return NewClient(conn, cfg.Timeout), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, timeout time.Duration) *Client {
	return &Client{conn: conn, timeout: timeout}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Request renders a release request block.
func Request(mailID, secretID, recipient string) []byte {
	return fmt.Appendf(nil, "request=release\nmail_id=%s\nsecret_id=%s\nquar_type=Q\nrecipient=%s\n\n",
		mailID, secretID, recipient)
}

// Release asks amavis to deliver the quarantined copy of mailID to
// recipient. A refusal is returned as a *ReleaseError.
func (c *Client) Release(ctx context.Context, mailID, secretID, recipient string) error {
	start := time.Now()
	err := c.release(ctx, mailID, secretID, recipient)

	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.PDPRequestDuration.WithLabelValues(result).Observe(time.Since(start).Seconds())
	return err
}

func (c *Client) release(ctx context.Context, mailID, secretID, recipient string) error {
	deadline, ok := ctx.Deadline()
	if !ok && c.timeout > 0 {
		deadline = time.Now().Add(c.timeout)
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("setting deadline: %w", err)
	}

	if _, err := c.conn.Write(Request(mailID, secretID, recipient)); err != nil {
		return fmt.Errorf("sending release request: %w", err)
	}
	answer, err := c.readAnswer()
	if err != nil {
		return fmt.Errorf("reading release answer: %w", err)
	}

	decoded := Decode(answer)
	if !Success(decoded) {
		slog.Warn("release refused", "mail_id", mailID, "recipient", recipient, "response", string(decoded))
		return &ReleaseError{Response: string(decoded)}
	}
	return nil
}

// readAnswer reads until the blank line ending an answer, EOF, a full
// buffer or the deadline once something was received.
func (c *Client) readAnswer() ([]byte, error) {
	buf := make([]byte, maxResponse)
	n := 0
	for n < len(buf) {
		m, err := c.conn.Read(buf[n:])
		n += m
		if blankLine(buf[:n]) {
			break
		}
		if err != nil {
			if errors.Is(err, io.EOF) || (errors.Is(err, os.ErrDeadlineExceeded) && n > 0) {
				break
			}
			return nil, err
		}
	}
	return buf[:n], nil
}

func blankLine(b []byte) bool {
	return bytes.HasSuffix(b, []byte("\n\n")) || bytes.HasSuffix(b, []byte("\r\n\r\n"))
}

var escapeRe = regexp.MustCompile(`%([0-9a-fA-F]{2})`)

// Decode replaces %XX escapes with the raw byte they denote.
func Decode(answer []byte) []byte {
	return escapeRe.ReplaceAllFunc(answer, func(m []byte) []byte {
		v, _ := strconv.ParseUint(string(m[1:]), 16, 8)
		return []byte{byte(v)}
	})
}

var successRe = regexp.MustCompile(`250 [\d.]+ Ok`)

// Success reports whether a decoded answer accepts the release.
func Success(answer []byte) bool {
	return successRe.Match(answer)
}
