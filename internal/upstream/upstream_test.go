package upstream

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"
)

// pipePair spins up an HTTP/2 server on one end of a net.Pipe and
// returns a dialFunc that hands the other end to the Session under
// test, mirroring the teacher's fakeListener/s.dial injection pattern
// in proxy/server_test.go.
func pipePair(t *testing.T, handler http.Handler) dialFunc {
	t.Helper()
	var calls int32
	return func(ctx context.Context, cfg Config) (net.Conn, error) {
		if atomic.AddInt32(&calls, 1) > 100 {
			return nil, errors.New("too many dial attempts in test")
		}
		client, server := net.Pipe()
		go func() {
			(&http2.Server{}).ServeConn(server, &http2.ServeConnOpts{Handler: handler})
		}()
		return client, nil
	}
}

func TestAcquireEstablishesLazily(t *testing.T) {
	s := NewSession(Config{Addr: "upstream:443", Retries: 1})
	s.dial = pipePair(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	if got := s.Generation(); got != 0 {
		t.Fatalf("Generation() before Acquire = %d, want 0", got)
	}

	h, err := s.Acquire(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 1, h.Generation, "Generation after first Acquire")

	req, _ := http.NewRequest(http.MethodGet, "https://upstream/dns-query", nil)
	resp, err := h.RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAcquireReusesLiveSession(t *testing.T) {
	dials := int32(0)
	s := NewSession(Config{Addr: "upstream:443", Retries: 1})
	s.dial = func(ctx context.Context, cfg Config) (net.Conn, error) {
		atomic.AddInt32(&dials, 1)
		return pipePair(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))(ctx, cfg)
	}

	h1, err := s.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	h2, err := s.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}
	if h1.Generation != h2.Generation {
		t.Errorf("generation changed across reuse: %d vs %d", h1.Generation, h2.Generation)
	}
	if got := atomic.LoadInt32(&dials); got != 1 {
		t.Errorf("dial calls = %d, want 1 (session reused)", got)
	}
}

func TestEstablishRetriesThenFails(t *testing.T) {
	s := NewSession(Config{Addr: "upstream:443", Retries: 2})
	attempts := int32(0)
	s.dial = func(ctx context.Context, cfg Config) (net.Conn, error) {
		atomic.AddInt32(&attempts, 1)
		return nil, errors.New("refused")
	}

	start := time.Now()
	_, err := s.Acquire(context.Background())
	if err == nil {
		t.Fatal("Acquire: want error, got nil")
	}
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Errorf("dial attempts = %d, want 2 (Retries total attempts)", got)
	}
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("elapsed = %s, want >= 1s (1s sleep between the 2 attempts)", elapsed)
	}
}

func TestInvalidateIsIdempotentAcrossGenerations(t *testing.T) {
	s := NewSession(Config{Addr: "upstream:443", Retries: 1})
	s.dial = pipePair(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	h, err := s.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	g := h.Generation

	// Two tasks observe the same failed generation; only the first
	// invalidation should have any effect (spec §8 property 5).
	s.Invalidate(g)
	if got := s.Generation(); got != g {
		t.Errorf("Generation after first Invalidate = %d, want unchanged %d", got, g)
	}
	s.Invalidate(g)
	if got := s.Generation(); got != g {
		t.Errorf("Generation after second Invalidate = %d, want unchanged %d", got, g)
	}

	// A stale invalidation from a peer that already saw the session
	// replaced must not tear down the new session.
	h2, err := s.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire after invalidation: %v", err)
	}
	if h2.Generation != g+1 {
		t.Fatalf("Generation after re-Acquire = %d, want %d", h2.Generation, g+1)
	}
	s.Invalidate(g)
	if _, err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire after stale invalidate: %v", err)
	}
	if got := s.Generation(); got != g+1 {
		t.Errorf("Generation after stale Invalidate = %d, want unchanged %d", got, g+1)
	}
}

func TestShutdownRejectsFurtherAcquire(t *testing.T) {
	s := NewSession(Config{Addr: "upstream:443", Retries: 1})
	s.dial = pipePair(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	if _, err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	s.Shutdown()
	if _, err := s.Acquire(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Acquire after Shutdown: got %v, want ErrSessionClosed", err)
	}
}
