// Package gvm speaks the Greenbone Management Protocol: XML commands over a
// TLS stream, one response element per command. A Client dials and
// authenticates against one gvmd endpoint (one probe); the Session it yields
// carries the typed operations the scan lifecycle needs. Only the connect is
// retried; in-session commands fail straight back to the caller.
package gvm

import (
	"context"
	"crypto/tls"
	"net"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// Connector yields authenticated sessions against one GMP endpoint.
type Connector interface {
	Connect(ctx context.Context) (Session, error)
}

// Config holds the GMP endpoint settings for one probe.
type Config struct {
	Host          string
	Port          int
	Username      string
	Password      string
	Timeout       time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// Client connects to a single gvmd endpoint. Safe for concurrent use; every
// Connect call produces an independent session on its own TLS connection.
type Client struct {
	cfg Config
	log *zap.Logger
}

var _ Connector = (*Client)(nil)

// NewClient builds a client for one probe endpoint. Zero values in cfg fall
// back to the stock gvmd deployment: port 9390, admin/admin, 300s timeout,
// 3 connect attempts 5s apart.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 9390
	}
	if cfg.Username == "" {
		cfg.Username = "admin"
	}
	if cfg.Password == "" {
		cfg.Password = "admin"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 300 * time.Second
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &Client{cfg: cfg, log: logger}
}

// Connect dials, performs the TLS handshake, and authenticates. The whole
// sequence is retried up to RetryAttempts times with RetryDelay between
// attempts; exhaustion returns a *ConnectionError wrapping the last failure.
func (c *Client) Connect(ctx context.Context) (Session, error) {
	var lastErr error

	for attempt := 1; attempt <= c.cfg.RetryAttempts; attempt++ {
		sess, err := c.dial(ctx)
		if err == nil {
			c.log.Info("gvm connected",
				zap.String("host", c.cfg.Host),
				zap.Int("port", c.cfg.Port))
			return sess, nil
		}
		lastErr = err

		if attempt < c.cfg.RetryAttempts {
			c.log.Warn("gvm connection failed, retrying",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", c.cfg.RetryAttempts),
				zap.Duration("retry_in", c.cfg.RetryDelay),
				zap.Error(err))
			select {
			case <-time.After(c.cfg.RetryDelay):
			case <-ctx.Done():
				return nil, &ConnectionError{Host: c.cfg.Host, Port: c.cfg.Port, Attempts: attempt, Err: ctx.Err()}
			}
		} else {
			c.log.Error("gvm connection failed on all attempts",
				zap.Int("attempts", c.cfg.RetryAttempts),
				zap.Error(err))
		}
	}

	return nil, &ConnectionError{Host: c.cfg.Host, Port: c.cfg.Port, Attempts: c.cfg.RetryAttempts, Err: lastErr}
}

func (c *Client) dial(ctx context.Context) (*session, error) {
	dialer := &net.Dialer{Timeout: c.cfg.Timeout}
	addr := net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))

	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	// gvmd presents a self-signed certificate.
	tlsConn := tls.Client(raw, &tls.Config{InsecureSkipVerify: true})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, err
	}

	sess := newSession(tlsConn, c.cfg.Timeout)
	if err := sess.authenticate(ctx, c.cfg.Username, c.cfg.Password); err != nil {
		sess.Close()
		return nil, err
	}
	return sess, nil
}
