package forward

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var ErrNoCertificates = errors.New("no certificates found")

// LoadTrustBundle reads PEM certificates from a file, or from every *.pem,
// *.crt and *.cer file in a directory.
func LoadTrustBundle(path string) (*x509.CertPool, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	files := []string{path}
	if st.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		files = files[:0]
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			switch strings.ToLower(filepath.Ext(e.Name())) {
			case ".pem", ".crt", ".cer":
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
	}
	pool := x509.NewCertPool()
	n := 0
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return nil, err
		}
		if pool.AppendCertsFromPEM(b) {
			n++
		}
	}
	if n == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoCertificates, path)
	}
	return pool, nil
}

// tlsPolicy is the TLS verification requested by one forward.
type tlsPolicy struct {
	verifyPeer bool
	verifyHost bool
}

// hostOnly reports whether p checks the host name without the chain.
func (p tlsPolicy) hostOnly() bool { return !p.verifyPeer && p.verifyHost }

// clientConfig builds the TLS config for p. roots nil means system roots.
// host is the destination name checked by the host-only policy; the SNI value
// cannot be used there because it is empty for IP literals.
//
// Chain and host name checks are separable, so every combination except
// "verify both" runs with InsecureSkipVerify and re-implements the wanted
// half in VerifyConnection.
func (p tlsPolicy) clientConfig(roots *x509.CertPool, host string) *tls.Config {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12, RootCAs: roots}
	switch {
	case p.verifyPeer && p.verifyHost:
		return cfg
	case !p.verifyPeer && !p.verifyHost:
		cfg.InsecureSkipVerify = true
		return cfg
	case p.verifyPeer:
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			return verifyChain(cs, roots)
		}
		return cfg
	default:
		cfg.InsecureSkipVerify = true
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return errors.New("tls: server presented no certificate")
			}
			return cs.PeerCertificates[0].VerifyHostname(host)
		}
		return cfg
	}
}

func verifyChain(cs tls.ConnectionState, roots *x509.CertPool) error {
	if len(cs.PeerCertificates) == 0 {
		return errors.New("tls: server presented no certificate")
	}
	opts := x509.VerifyOptions{Roots: roots, Intermediates: x509.NewCertPool()}
	for _, c := range cs.PeerCertificates[1:] {
		opts.Intermediates.AddCert(c)
	}
	_, err := cs.PeerCertificates[0].Verify(opts)
	return err
}
