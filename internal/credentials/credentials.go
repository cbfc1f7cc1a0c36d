// Package credentials loads the TLS material used by relay sessions.
package credentials

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// ErrCredentialLoad is returned when certificate or key material cannot be
// read or parsed.
var ErrCredentialLoad = errors.New("credential load failed")

// LoadKeyPair reads a PEM certificate chain and its PEM private key.
func LoadKeyPair(certFile, keyFile string) (tls.Certificate, error) {
	if certFile == "" || keyFile == "" {
		return tls.Certificate{}, fmt.Errorf("%w: certificate and key paths are both required", ErrCredentialLoad)
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("%w: loading key pair %s: %w", ErrCredentialLoad, certFile, err)
	}
	return cert, nil
}

// LoadAuthority reads a PEM bundle of trusted certificates. An empty path
// returns the system pool.
func LoadAuthority(caFile string) (*x509.CertPool, error) {
	if caFile == "" {
		pool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("%w: system roots: %w", ErrCredentialLoad, err)
		}
		return pool, nil
	}

	pemBytes, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("%w: reading authority: %w", ErrCredentialLoad, err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemBytes) {
		return nil, fmt.Errorf("%w: no certificates found in %s", ErrCredentialLoad, caFile)
	}
	return pool, nil
}
