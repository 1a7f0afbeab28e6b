// Package ca implements the certificate authority that establishes mutual
// trust between the two boot agents of a clone session. The controller signs
// one short-lived certificate per session and role; peers verify both the
// chain and the session identity embedded in the subject, so a certificate
// from one session can never join another.
package ca

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/config"
	"github.com/ironpxe/ironpxe/internal/domain"
)

const (
	rootKeyFile  = "root.key"
	rootCertFile = "root.crt"

	// Leaf validity starts slightly in the past to absorb clock skew between
	// the controller and freshly netbooted agents.
	notBeforeSkew = 5 * time.Minute
)

// Service issues and verifies per-session certificates. The root key is
// generated on first start and loaded on every start after that; issuance
// failures never touch it.
type Service struct {
	logger       *zap.Logger
	dataDir      string
	organization string
	leafValidity time.Duration

	rootKey  *ecdsa.PrivateKey
	rootCert *x509.Certificate
	rootPEM  []byte

	// Per session+role issuance locks so concurrent starts of the same
	// session cannot double-issue, while unrelated sessions issue in
	// parallel.
	issueLocks   map[string]*sync.Mutex
	issueLocksMu sync.Mutex
}

// New loads the root key pair from cfg.DataDir, generating and persisting a
// new one on first start.
func New(cfg config.CAConfig, logger *zap.Logger) (*Service, error) {
	s := &Service{
		logger:       logger.Named("ca"),
		dataDir:      cfg.DataDir,
		organization: cfg.Organization,
		leafValidity: cfg.LeafValidity,
		issueLocks:   make(map[string]*sync.Mutex),
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create CA data dir: %w", err)
	}

	keyPath := filepath.Join(cfg.DataDir, rootKeyFile)
	if _, err := os.Stat(keyPath); err == nil {
		if err := s.loadRoot(); err != nil {
			return nil, err
		}
		s.logger.Info("Loaded existing root certificate",
			zap.String("data_dir", cfg.DataDir),
			zap.Time("not_after", s.rootCert.NotAfter))
		return s, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat root key: %w", err)
	}

	if err := s.generateRoot(cfg.RootValidity); err != nil {
		return nil, err
	}
	s.logger.Info("Generated new root certificate",
		zap.String("data_dir", cfg.DataDir),
		zap.Duration("validity", cfg.RootValidity))
	return s, nil
}

// RootCertificatePEM returns the PEM-encoded root certificate that agents
// pin as their only trust anchor.
func (s *Service) RootCertificatePEM() []byte {
	out := make([]byte, len(s.rootPEM))
	copy(out, s.rootPEM)
	return out
}

// LeafValidity returns the validity window applied to issued certificates.
func (s *Service) LeafValidity() time.Duration {
	return s.leafValidity
}

// Issue signs a new certificate for one role of one session. The session id
// becomes the subject common name and the role the organizational unit, so
// peers can assert identity during the TLS handshake. Re-issuing for the
// same session+role yields a fresh certificate; the caller keeps only the
// latest. Failures are fatal to this call only and never corrupt the root.
func (s *Service) Issue(sessionID string, role domain.CertificateRole) (*domain.SessionCertificate, error) {
	if sessionID == "" {
		return nil, domain.NewValidationError("session id is required")
	}
	if !role.Valid() {
		return nil, domain.NewValidationError("unknown certificate role %q", role)
	}

	lock := s.getIssueLock(sessionID + "/" + string(role))
	lock.Lock()
	defer lock.Unlock()

	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, domain.NewCertificateError("certificate_issuance_error",
			fmt.Errorf("failed to generate leaf key: %w", err))
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(0).SetInt64(1<<62))
	if err != nil {
		return nil, domain.NewCertificateError("certificate_issuance_error",
			fmt.Errorf("failed to generate serial: %w", err))
	}

	now := time.Now()
	notBefore := now.Add(-notBeforeSkew)
	notAfter := now.Add(s.leafValidity)

	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:         sessionID,
			Organization:       []string{s.organization},
			OrganizationalUnit: []string{string(role)},
		},
		NotBefore:   notBefore,
		NotAfter:    notAfter,
		KeyUsage:    x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, s.rootCert, &leafKey.PublicKey, s.rootKey)
	if err != nil {
		return nil, domain.NewCertificateError("certificate_issuance_error",
			fmt.Errorf("failed to sign certificate: %w", err))
	}

	keyDER, err := x509.MarshalECPrivateKey(leafKey)
	if err != nil {
		return nil, domain.NewCertificateError("certificate_issuance_error",
			fmt.Errorf("failed to marshal leaf key: %w", err))
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	s.logger.Info("Issued session certificate",
		zap.String("session_id", sessionID),
		zap.String("role", string(role)),
		zap.Int64("serial", serial.Int64()),
		zap.Time("not_after", notAfter))

	return &domain.SessionCertificate{
		SerialNumber:   serial.Int64(),
		Role:           role,
		NotBefore:      notBefore,
		NotAfter:       notAfter,
		CertificatePEM: string(certPEM),
		PrivateKeyPEM:  string(keyPEM),
	}, nil
}

// getIssueLock returns the lock for a session+role pair.
func (s *Service) getIssueLock(key string) *sync.Mutex {
	s.issueLocksMu.Lock()
	defer s.issueLocksMu.Unlock()

	lock, ok := s.issueLocks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.issueLocks[key] = lock
	}
	return lock
}

func (s *Service) generateRoot(validity time.Duration) error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate root key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, big.NewInt(0).SetInt64(1<<62))
	if err != nil {
		return fmt.Errorf("failed to generate root serial: %w", err)
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   s.organization + " Clone CA",
			Organization: []string{s.organization},
		},
		NotBefore:             now.Add(-notBeforeSkew),
		NotAfter:              now.Add(validity),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            0,
		MaxPathLenZero:        true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return fmt.Errorf("failed to self-sign root certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return fmt.Errorf("failed to parse generated root certificate: %w", err)
	}

	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return fmt.Errorf("failed to marshal root key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	// Write the key first with owner-only permissions; a half-written pair is
	// regenerated on next start because the key is the existence marker.
	keyPath := filepath.Join(s.dataDir, rootKeyFile)
	certPath := filepath.Join(s.dataDir, rootCertFile)
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return fmt.Errorf("failed to write root certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return fmt.Errorf("failed to write root key: %w", err)
	}

	s.rootKey = key
	s.rootCert = cert
	s.rootPEM = certPEM
	return nil
}

func (s *Service) loadRoot() error {
	keyPEM, err := os.ReadFile(filepath.Join(s.dataDir, rootKeyFile))
	if err != nil {
		return fmt.Errorf("failed to read root key: %w", err)
	}
	certPEM, err := os.ReadFile(filepath.Join(s.dataDir, rootCertFile))
	if err != nil {
		return fmt.Errorf("failed to read root certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return fmt.Errorf("root key file contains no PEM block")
	}
	key, err := x509.ParseECPrivateKey(keyBlock.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse root key: %w", err)
	}

	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return fmt.Errorf("root certificate file contains no PEM block")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return fmt.Errorf("failed to parse root certificate: %w", err)
	}

	s.rootKey = key
	s.rootCert = cert
	s.rootPEM = certPEM
	return nil
}
