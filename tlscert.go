package xio

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
)

// LoadClientCertificate builds a *tls.Certificate from a PEM-encoded
// certificate and private key, for installing via
// TLSConfig.SetOption("ClientCertificate", ...) to authenticate a device
// with mutual TLS. It is the Go-idiomatic equivalent of
// x509_openssl_add_credentials, which performed the same certificate+key
// pairing by hand against OpenSSL's BIO/PEM primitives; crypto/tls.X509KeyPair
// does the parsing here instead.
func LoadClientCertificate(certPEM, keyPEM []byte) (*tls.Certificate, error) {
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &cert, nil
}

// TrustedCAPool builds an *x509.CertPool from one or more PEM-encoded CA
// certificates, for installing via TLSConfig.SetOption("TrustedCerts", ...).
func TrustedCAPool(caPEMs ...[]byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	for _, pem := range caPEMs {
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: failed to parse CA certificate", ErrInvalidConfig)
		}
	}
	return pool, nil
}
