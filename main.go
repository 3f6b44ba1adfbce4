package main

import (
	"context"
	"crypto/x509"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path"
	"runtime/debug"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tedms/doh-forwarder/internal/cache"
	"github.com/tedms/doh-forwarder/internal/engine"
	"github.com/tedms/doh-forwarder/internal/udpgate"
	"github.com/tedms/doh-forwarder/internal/upstream"
)

var (
	listenAddr       = flag.String("listen-addr", "127.0.0.1:53", "`address:port` to listen on")
	listenActivation = flag.Bool("listen-activation", false, "adopt the UDP socket inherited at file descriptor 3 instead of binding -listen-addr")
	remoteAddr       = flag.String("remote-addr", "1.1.1.1:443", "`address:port` of the remote DoH server")
	domain           = flag.String("domain", "cloudflare-dns.com", "domain name of the remote server, used for TLS SNI and as the request Host")
	retries          = flag.Uint("retries", 3, "total number of connection attempts to the remote server before giving up")
	timeout          = flag.Duration("timeout", 2*time.Second, "time to wait for an upstream response before the query fails")
	cafile           = flag.String("cafile", "", "path to a PEM file containing the trusted CA certificates (required)")
	uriPath          = flag.String("path", "dns-query", "path component of the upstream request URI")
	useGet           = flag.Bool("get", false, "use the HTTP GET method instead of POST for upstream requests")
	cacheSize        = flag.Uint("cache-size", 1024, "size of the response cache; 0 disables caching")
	cacheFallback    = flag.Bool("cache-fallback", false, "serve an expired cache entry if the upstream is unavailable")
	debugLog         = flag.Bool("debug", false, "print debug log messages")
	logfile          = flag.String("logfile", "", "log file path")
	ppr              = flag.Int("pprof", 0, "port to use for pprof and /debug/server/ stats. If set to 0 (default) it will not be started.")
)

func main() {
	flag.Parse()

	if *debugLog {
		log.SetLevel(log.DebugLevel)
	}
	if *logfile != "" {
		lf, err := os.OpenFile(*logfile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0640)
		if err != nil {
			log.Errorf("Unable to open log file for writing: %s", err)
		} else {
			log.SetOutput(io.MultiWriter(lf, os.Stdout))
		}
	}
	if *cafile == "" {
		log.Fatal("-cafile is required")
	}

	rootCAs, err := loadTrustStore(*cafile)
	if err != nil {
		log.Fatalf("Unable to load trust store: %s", err)
	}

	if bi, ok := debug.ReadBuildInfo(); ok {
		log.Infof("%s v%s", path.Base(bi.Path), bi.Main.Version)
	}

	var endpoint *udpgate.Endpoint
	if *listenActivation {
		endpoint, err = udpgate.Adopt()
	} else {
		endpoint, err = udpgate.Listen(*listenAddr)
	}
	if err != nil {
		log.Fatalf("Unable to open UDP listener: %s", err)
	}

	c, err := cache.New(int(*cacheSize), false)
	if err != nil {
		log.Fatalf("Unable to create response cache: %s", err)
	}

	session := upstream.NewSession(upstream.Config{
		Addr:        *remoteAddr,
		ServerName:  *domain,
		RootCAs:     rootCAs,
		Retries:     *retries,
		DialTimeout: *timeout,
	})

	method := engine.MethodPost
	if *useGet {
		method = engine.MethodGet
	}
	e := engine.New(engine.Config{
		Method:        method,
		URL:           fmt.Sprintf("https://%s/%s", *domain, *uriPath),
		Timeout:       *timeout,
		CacheFallback: *cacheFallback,
	}, c, session, endpoint.Outbound())

	if *ppr != 0 {
		mux := http.NewServeMux()
		mux.Handle("/debug/pprof/", http.HandlerFunc(pprof.Index))
		mux.Handle("/debug/server/", debugHandler(c))
		go func() { log.Error(http.ListenAndServe(fmt.Sprintf("localhost:%d", *ppr), mux)) }()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pump(ctx, endpoint, e) })

	go func() {
		<-ctx.Done()
		session.Shutdown()
		_ = endpoint.Close()
	}()

	log.Infof("DNS over HTTPS forwarder listening, forwarding to https://%s/%s", *domain, *uriPath)
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		log.Fatal(err)
	}
}

// pump hands every inbound datagram to the engine until the UDP
// endpoint's inbound channel is closed (Close was called, or the
// underlying socket failed).
func pump(ctx context.Context, endpoint *udpgate.Endpoint, e *engine.Engine) error {
	for {
		select {
		case d, ok := <-endpoint.Inbound():
			if !ok {
				return nil
			}
			e.Handle(ctx, d)
		case <-ctx.Done():
			return nil
		}
	}
}

func loadTrustStore(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

type debugStats struct {
	CacheMetrics interface{} `json:"cache_metrics"`
	CacheLen     int         `json:"cache_len"`
	CacheCap     int         `json:"cache_cap"`
	Uptime       string      `json:"uptime"`
}

var startTime = time.Now()

// debugHandler reports cache metrics, length, capacity and process
// uptime as JSON, the same shape as the teacher's DebugHandler.
func debugHandler(c *cache.Cache) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		buf, err := json.MarshalIndent(debugStats{
			CacheMetrics: c.Metrics(),
			CacheLen:     c.Len(),
			CacheCap:     c.Cap(),
			Uptime:       time.Since(startTime).String(),
		}, "", " ")
		if err != nil {
			http.Error(w, "Unable to retrieve debug info", http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(buf)
	})
}
