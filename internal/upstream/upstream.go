// Package upstream maintains the single multiplexed HTTP/2 session to
// the DoH server (spec §4.4). It generalizes the teacher's
// server/pool.go free-list of *dns.Conn down to exactly one live
// handle, tagged with a monotonically increasing generation so that
// concurrent query tasks can invalidate a failed session exactly once
// (the mutex + generation protocol of spec §4.4 and §8 properties 4-5).
package upstream

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
)

// keepAlivePeriod is the TCP keepalive probe interval required by
// spec §4.4 for the upstream connection.
const keepAlivePeriod = time.Second

// ErrSessionClosed is returned by Acquire once Shutdown has run.
var ErrSessionClosed = errors.New("upstream: session is shut down")

// Config describes how to reach and authenticate the upstream DoH server.
type Config struct {
	// Addr is the dialable host:port of the upstream server.
	Addr string
	// ServerName is the TLS SNI and certificate verification name. The
	// request Host header comes from the request URL, not from this field.
	ServerName string
	// RootCAs is the trust store used to validate the upstream certificate.
	RootCAs *x509.CertPool
	// Retries is the total number of connection attempts made before
	// Acquire gives up and returns an error.
	Retries uint
	// DialTimeout bounds the TCP connect step.
	DialTimeout time.Duration
}

// dialFunc is overridden in tests to avoid a real network dial,
// mirroring the teacher's injectable Server.dial field.
type dialFunc func(ctx context.Context, cfg Config) (net.Conn, error)

// Session is the shared, concurrency-safe handle to at most one live
// HTTP/2 connection. The zero value is not usable; construct with
// NewSession.
type Session struct {
	cfg  Config
	dial dialFunc

	mu         sync.Mutex
	conn       *http2.ClientConn
	generation uint64
	closed     bool
}

// NewSession constructs a Session. No connection is opened until the
// first Acquire (lazy establishment, spec §4.4).
func NewSession(cfg Config) *Session {
	return &Session{cfg: cfg, dial: dialTLS}
}

// Handle is a snapshot of a usable HTTP/2 connection and the
// generation it was acquired under. Dispatching a request through a
// Handle does not require holding the session mutex: the underlying
// *http2.ClientConn already multiplexes concurrent streams safely.
type Handle struct {
	conn       *http2.ClientConn
	Generation uint64
}

// RoundTrip submits req on the handle's connection.
func (h Handle) RoundTrip(req *http.Request) (*http.Response, error) {
	return h.conn.RoundTrip(req)
}

// Acquire returns a Handle to the current session, establishing one
// with bounded retries if none exists or the existing connection can
// no longer take new requests. Concurrent callers serialize on the
// session mutex; only the caller that finds the session absent dials
// (spec §4.4 "a single task attempts connection; others wait").
func (s *Session) Acquire(ctx context.Context) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Handle{}, ErrSessionClosed
	}
	if s.conn != nil && s.conn.CanTakeNewRequest() {
		return Handle{conn: s.conn, Generation: s.generation}, nil
	}

	var lastErr error
	for attempt := uint(1); attempt <= s.cfg.Retries; attempt++ {
		if attempt > 1 {
			log.Debugf("[UPSTREAM] retrying connection establishment (%d/%d)", attempt, s.cfg.Retries)
			time.Sleep(time.Second)
		}
		conn, err := s.establish(ctx)
		if err != nil {
			lastErr = err
			log.Warnf("[UPSTREAM] failed to establish session: %v", err)
			continue
		}
		s.conn = conn
		s.generation++
		log.Infof("[UPSTREAM] established session, generation=%d", s.generation)
		return Handle{conn: s.conn, Generation: s.generation}, nil
	}
	return Handle{}, fmt.Errorf("upstream: establish failed after %d attempts: %w", s.cfg.Retries, lastErr)
}

func (s *Session) establish(ctx context.Context) (*http2.ClientConn, error) {
	conn, err := s.dial(ctx, s.cfg)
	if err != nil {
		return nil, err
	}
	t := &http2.Transport{}
	cc, err := t.NewClientConn(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return cc, nil
}

// Invalidate clears the handle iff observedGeneration still matches
// the current generation. This is the idempotent-invalidation step of
// spec §4.4: a task with stale knowledge never tears down a session a
// peer has already replaced, and two tasks observing the same failure
// on the same generation only tear it down once.
func (s *Session) Invalidate(observedGeneration uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation != observedGeneration {
		return
	}
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

// Generation reports the current generation without establishing a session.
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// Shutdown closes any live connection and makes the session permanently unusable.
func (s *Session) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func dialTLS(ctx context.Context, cfg Config) (net.Conn, error) {
	d := net.Dialer{Timeout: cfg.DialTimeout}
	raw, err := d.DialContext(ctx, "tcp", cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Addr, err)
	}
	if tc, ok := raw.(*net.TCPConn); ok {
		_ = tc.SetKeepAlivePeriod(keepAlivePeriod)
		_ = tc.SetNoDelay(true)
	}
	tlsConf := &tls.Config{
		ServerName: cfg.ServerName,
		RootCAs:    cfg.RootCAs,
		NextProtos: []string{"h2"},
		MinVersion: tls.VersionTLS12,
	}
	tlsConn := tls.Client(raw, tlsConf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tlsConn, nil
}
