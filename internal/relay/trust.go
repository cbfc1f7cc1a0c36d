package relay

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
)

// ALPN is the application protocol negotiated on every relay connection.
const ALPN = "iowatcher/1"

// Trust selects how a peer's certificate is checked.
type Trust int

const (
	// TrustVerify checks the peer chain against Credentials.Authority, or the
	// system roots when no authority is configured. It is the zero value.
	TrustVerify Trust = iota

	// TrustInsecure accepts any server certificate. It exists for test and
	// bootstrap deployments and must be selected explicitly.
	TrustInsecure
)

func (t Trust) String() string {
	switch t {
	case TrustVerify:
		return "verify"
	case TrustInsecure:
		return "insecure"
	default:
		return fmt.Sprintf("Trust(%d)", int(t))
	}
}

// ParseTrust parses a trust policy name. The empty string means TrustVerify.
func ParseTrust(s string) (Trust, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "verify":
		return TrustVerify, nil
	case "insecure":
		return TrustInsecure, nil
	default:
		return TrustVerify, fmt.Errorf("unknown trust policy %q (want verify or insecure)", s)
	}
}

// Credentials is the parsed key material and trust policy for one endpoint.
type Credentials struct {
	// Certificates is the local chain and key: required for the collector,
	// optional for the producer (mutual TLS).
	Certificates []tls.Certificate

	// Authority verifies the peer. Nil means system roots on the producer.
	Authority *x509.CertPool

	Trust Trust

	// ServerName overrides the name checked against the collector
	// certificate. Empty means the host part of the dialed address.
	ServerName string

	// RequireClientCert makes the collector demand and verify a producer
	// certificate against Authority.
	RequireClientCert bool

	// SessionCache stores resumption tickets; 0-RTT is only possible on a
	// resumed connection.
	SessionCache tls.ClientSessionCache
}

var errNoCertificate = errors.New("collector requires a certificate")

func (c *Credentials) serverConfig() (*tls.Config, error) {
	if c == nil || len(c.Certificates) == 0 {
		return nil, errNoCertificate
	}

	conf := &tls.Config{
		Certificates: c.Certificates,
		NextProtos:   []string{ALPN},
		MinVersion:   tls.VersionTLS13,
	}
	if c.RequireClientCert {
		if c.Authority == nil {
			return nil, errors.New("client certificate verification requires an authority")
		}
		conf.ClientAuth = tls.RequireAndVerifyClientCert
		conf.ClientCAs = c.Authority
	}
	return conf, nil
}

func (c *Credentials) clientConfig(serverName string) *tls.Config {
	if c == nil {
		c = &Credentials{}
	}

	conf := &tls.Config{
		Certificates:       c.Certificates,
		RootCAs:            c.Authority,
		ServerName:         serverName,
		NextProtos:         []string{ALPN},
		MinVersion:         tls.VersionTLS13,
		ClientSessionCache: c.SessionCache,
	}
	if c.ServerName != "" {
		conf.ServerName = c.ServerName
	}
	if c.Trust == TrustInsecure {
		conf.InsecureSkipVerify = true //nolint:gosec // explicit opt-in trust policy
	}
	return conf
}
