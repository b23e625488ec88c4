package xio

import (
	"crypto/tls"
	"crypto/x509"
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTLSConfigValidatesHostname(t *testing.T) {
	_, err := NewTLSConfig("", 443)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNewTLSConfigValidatesPortRange(t *testing.T) {
	_, err := NewTLSConfig("example.com", -1)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	_, err = NewTLSConfig("example.com", maxValidPort+1)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	cfg, err := NewTLSConfig("example.com", maxValidPort)
	require.NoError(t, err)
	assert.Equal(t, maxValidPort, cfg.Port)
}

func TestTLSConfigSetOptionTrustedCerts(t *testing.T) {
	cfg, err := NewTLSConfig("example.com", 443)
	require.NoError(t, err)

	pool := x509.NewCertPool()
	require.NoError(t, cfg.SetOption("TrustedCerts", pool))

	opts, err := cfg.RetrieveOptions()
	require.NoError(t, err)
	got := opts.(*TLSConfigOptions)
	assert.Same(t, pool, got.TrustedCAs)
}

func TestTLSConfigSetOptionRejectsUnknownName(t *testing.T) {
	cfg, err := NewTLSConfig("example.com", 443)
	require.NoError(t, err)

	err = cfg.SetOption("NotARealOption", "value")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestTLSConfigSetOptionRejectsWrongType(t *testing.T) {
	cfg, err := NewTLSConfig("example.com", 443)
	require.NoError(t, err)

	err = cfg.SetOption("TrustedCerts", "not a cert pool")
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestTLSTransportOpenRejectsWrongConfigType(t *testing.T) {
	tr := NewTLSTransport(nil)
	result := tr.Open("not a *TLSConfig")
	assert.Equal(t, AsyncFailure, result)
}

func TestTLSTransportOpenIsNonBlocking(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg, err := NewTLSConfig(host, port)
	require.NoError(t, err)

	tr := NewTLSTransport(&tls.Config{InsecureSkipVerify: true})

	// The listener accepts the TCP connection but never completes a TLS
	// handshake, so Open must return immediately with AsyncWaiting rather
	// than blocking until a handshake timeout.
	assert.Equal(t, AsyncWaiting, tr.Open(cfg))

	conn := <-accepted
	defer conn.Close()
	assert.Equal(t, AsyncWaiting, tr.Open(cfg))
}

func TestTLSTransportCloseWithoutOpenIsSuccess(t *testing.T) {
	tr := NewTLSTransport(nil)
	assert.Equal(t, AsyncSuccess, tr.Close())
}

func TestTLSTransportReadWriteBeforeOpenFail(t *testing.T) {
	tr := NewTLSTransport(nil)
	assert.Equal(t, AsyncReadWriteFailure, tr.Read(make([]byte, 16)))
	assert.Equal(t, AsyncReadWriteFailure, tr.Write([]byte("x")))
}
