package xio

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
)

type tlsDialResult struct {
	conn net.Conn
	err  error
}

const maxValidPort = 0xffff

// TLSConfigOptions holds the settings that can be layered onto a TLSConfig
// after creation via Engine.SetOption, mirroring tlsio_options in the
// original adapter: a trusted CA bundle and an optional client certificate
// pair for mutual TLS.
type TLSConfigOptions struct {
	TrustedCAs        *x509.CertPool
	ClientCertificate *tls.Certificate
}

// TLSConfig is the Basic-TLS Binder's EndpointConfig: it holds the
// hostname/port a tlsTransport dials and the option bag SetOption mutates.
// Validation happens once, at NewTLSConfig, matching
// xio_endpoint_config_tls_create's up-front hostname/port checks.
type TLSConfig struct {
	Hostname string
	Port     int

	mu   sync.Mutex
	opts TLSConfigOptions
}

// NewTLSConfig validates hostname and port and returns a ready-to-use
// TLSConfig. hostname must be non-empty; port must be in [0, 0xffff].
func NewTLSConfig(hostname string, port int) (*TLSConfig, error) {
	if hostname == "" {
		return nil, fmt.Errorf("%w: empty hostname", ErrInvalidConfig)
	}
	if port < 0 || port > maxValidPort {
		return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, port)
	}
	return &TLSConfig{Hostname: hostname, Port: port}, nil
}

// SetOption applies a single named option: "TrustedCerts" takes an
// *x509.CertPool, "ClientCertificate" takes a *tls.Certificate. Unknown
// names return ErrInvalidConfig.
func (c *TLSConfig) SetOption(name string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch name {
	case "TrustedCerts":
		pool, ok := value.(*x509.CertPool)
		if !ok {
			return fmt.Errorf("%w: TrustedCerts wants *x509.CertPool", ErrInvalidConfig)
		}
		c.opts.TrustedCAs = pool
	case "ClientCertificate":
		cert, ok := value.(*tls.Certificate)
		if !ok {
			return fmt.Errorf("%w: ClientCertificate wants *tls.Certificate", ErrInvalidConfig)
		}
		c.opts.ClientCertificate = cert
	default:
		return fmt.Errorf("%w: unknown option %q", ErrInvalidConfig, name)
	}
	return nil
}

// RetrieveOptions returns a copy of the current option bag as a
// *TLSConfigOptions. SetOption does not accept that value; its fields are
// set one by one through the "TrustedCerts" and "ClientCertificate" names.
func (c *TLSConfig) RetrieveOptions() (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	opts := c.opts
	return &opts, nil
}

// Destroy is a no-op: TLSConfig owns no resources beyond what the garbage
// collector already reclaims.
func (c *TLSConfig) Destroy() {}

// tlsTransport is the Basic-TLS Binder's Transport: it wraps a crypto/tls
// client connection and adapts its blocking net.Conn contract to the
// engine's non-blocking one. Open dials and handshakes in a background
// goroutine and polls a dialDone channel -- the TCP connect plus TLS
// handshake can easily take longer than a single DoWork tick should ever
// block for, so Open must never call tls.DialWithDialer synchronously.
// Once connected, Read/Write use the "set a deadline in the past" trick --
// SetReadDeadline(time.Now()) makes the next Read return immediately with
// os.ErrDeadlineExceeded instead of blocking, which Read translates into a
// 0 return (no data available) rather than AsyncReadWriteFailure.
type tlsTransport struct {
	dialer    net.Dialer
	tlsConfig *tls.Config

	mu          sync.Mutex
	conn        net.Conn
	dialStarted bool
	dialDone    chan tlsDialResult
}

// NewTLSTransport creates a tlsTransport. tlsConfig is cloned into the
// binder's own *tls.Config so later mutation by the caller has no effect;
// ServerName is set from the TLSConfig passed to Open if unset here.
func NewTLSTransport(tlsConfig *tls.Config) *tlsTransport {
	cfg := tlsConfig.Clone()
	if cfg == nil {
		cfg = &tls.Config{}
	}
	return &tlsTransport{tlsConfig: cfg}
}

func (t *tlsTransport) Open(config any) AsyncResult {
	t.mu.Lock()
	if t.conn != nil {
		t.mu.Unlock()
		return AsyncSuccess
	}

	if !t.dialStarted {
		cfg, ok := config.(*TLSConfig)
		if !ok || cfg == nil {
			t.mu.Unlock()
			return AsyncFailure
		}
		t.dialStarted = true
		t.dialDone = make(chan tlsDialResult, 1)
		go t.dial(cfg)
	}
	done := t.dialDone
	t.mu.Unlock()

	select {
	case result := <-done:
		if result.err != nil {
			return AsyncFailure
		}
		t.mu.Lock()
		t.conn = result.conn
		t.mu.Unlock()
		return AsyncSuccess
	default:
		return AsyncWaiting
	}
}

func (t *tlsTransport) dial(cfg *TLSConfig) {
	tlsConfig := t.tlsConfig.Clone()
	if tlsConfig.ServerName == "" {
		tlsConfig.ServerName = cfg.Hostname
	}
	if opts, err := cfg.RetrieveOptions(); err == nil {
		if o, ok := opts.(*TLSConfigOptions); ok {
			if o.TrustedCAs != nil {
				tlsConfig.RootCAs = o.TrustedCAs
			}
			if o.ClientCertificate != nil {
				tlsConfig.Certificates = []tls.Certificate{*o.ClientCertificate}
			}
		}
	}

	addr := net.JoinHostPort(cfg.Hostname, strconv.Itoa(cfg.Port))
	conn, err := tls.DialWithDialer(&t.dialer, "tcp", addr, tlsConfig)
	t.dialDone <- tlsDialResult{conn: conn, err: err}
}

func (t *tlsTransport) Close() AsyncResult {
	t.dialStarted = false
	t.dialDone = nil
	if t.conn == nil {
		return AsyncSuccess
	}
	err := t.conn.Close()
	t.conn = nil
	if err != nil {
		return AsyncFailure
	}
	return AsyncSuccess
}

func (t *tlsTransport) Read(buf []byte) int {
	if t.conn == nil {
		return AsyncReadWriteFailure
	}
	_ = t.conn.SetReadDeadline(time.Now())
	n, err := t.conn.Read(buf)
	if n > 0 {
		return n
	}
	if err == nil {
		return 0
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return 0
	}
	return AsyncReadWriteFailure
}

func (t *tlsTransport) Write(buf []byte) int {
	if t.conn == nil {
		return AsyncReadWriteFailure
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(time.Millisecond))
	n, err := t.conn.Write(buf)
	if n > 0 {
		return n
	}
	if err == nil {
		return 0
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return 0
	}
	return AsyncReadWriteFailure
}

func (t *tlsTransport) Destroy() {
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
}
