package ca

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"

	"github.com/ironpxe/ironpxe/internal/domain"
)

// VerifyPeer builds a TLS verification callback that accepts only a
// certificate signed by the pinned root whose subject carries the expected
// session id and role. Both sides of a clone socket install one of these so
// a certificate leaked from another session is useless.
func VerifyPeer(rootPEM []byte, sessionID string, expectRole domain.CertificateRole) (func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(rootPEM) {
		return nil, domain.NewCertificateError("invalid_root_certificate",
			fmt.Errorf("no certificates found in root PEM"))
	}

	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return domain.NewCertificateError("peer_verification_failed",
				fmt.Errorf("peer presented no certificate"))
		}
		cert, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return domain.NewCertificateError("peer_verification_failed",
				fmt.Errorf("failed to parse peer certificate: %w", err))
		}

		opts := x509.VerifyOptions{
			Roots:     pool,
			KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}
		if _, err := cert.Verify(opts); err != nil {
			return domain.NewCertificateError("peer_verification_failed",
				fmt.Errorf("peer certificate chain is invalid: %w", err))
		}

		if cert.Subject.CommonName != sessionID {
			return domain.NewCertificateError("peer_verification_failed",
				fmt.Errorf("peer certificate belongs to session %q, not %q",
					cert.Subject.CommonName, sessionID))
		}
		if !containsRole(cert.Subject.OrganizationalUnit, expectRole) {
			return domain.NewCertificateError("peer_verification_failed",
				fmt.Errorf("peer certificate role %v does not include %q",
					cert.Subject.OrganizationalUnit, expectRole))
		}
		return nil
	}, nil
}

// ServerTLSConfig builds the listener-side TLS configuration for the clone
// data socket: the source agent serves with its session certificate and
// requires the dialing target to present the matching one.
func ServerTLSConfig(bundle domain.CertificateBundle, sessionID string, expectPeerRole domain.CertificateRole) (*tls.Config, error) {
	cert, err := tls.X509KeyPair([]byte(bundle.CertificatePEM), []byte(bundle.PrivateKeyPEM))
	if err != nil {
		return nil, domain.NewCertificateError("invalid_certificate_bundle", err)
	}
	verify, err := VerifyPeer([]byte(bundle.RootCertificatePEM), sessionID, expectPeerRole)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		// RequireAnyClientCert defers all verification to the callback, which
		// enforces the pinned root plus the session identity.
		ClientAuth:            tls.RequireAnyClientCert,
		VerifyPeerCertificate: verify,
		MinVersion:            tls.VersionTLS13,
	}, nil
}

// ClientTLSConfig builds the dialer-side TLS configuration. Hostname
// verification is disabled because agents dial ephemeral addresses; the
// callback enforces the pinned root and the session identity instead.
func ClientTLSConfig(bundle domain.CertificateBundle, sessionID string, expectPeerRole domain.CertificateRole) (*tls.Config, error) {
	cert, err := tls.X509KeyPair([]byte(bundle.CertificatePEM), []byte(bundle.PrivateKeyPEM))
	if err != nil {
		return nil, domain.NewCertificateError("invalid_certificate_bundle", err)
	}
	verify, err := VerifyPeer([]byte(bundle.RootCertificatePEM), sessionID, expectPeerRole)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates:          []tls.Certificate{cert},
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: verify,
		MinVersion:            tls.VersionTLS13,
	}, nil
}

func containsRole(units []string, role domain.CertificateRole) bool {
	for _, u := range units {
		if u == string(role) {
			return true
		}
	}
	return false
}
