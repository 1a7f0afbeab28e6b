package ca

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ironpxe/ironpxe/internal/config"
	"github.com/ironpxe/ironpxe/internal/domain"
)

func testCAConfig(t *testing.T) config.CAConfig {
	t.Helper()
	return config.CAConfig{
		DataDir:      t.TempDir(),
		Organization: "IronPXE",
		RootValidity: 10 * 365 * 24 * time.Hour,
		LeafValidity: 24 * time.Hour,
	}
}

func TestCA_IssueAndVerify(t *testing.T) {
	svc, err := New(testCAConfig(t), zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	cert, err := svc.Issue("sess-1", domain.CertificateRoleSource)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	if cert.Role != domain.CertificateRoleSource {
		t.Errorf("Expected source role, got %s", cert.Role)
	}
	if cert.SerialNumber == 0 {
		t.Error("Expected a non-zero serial number")
	}
	if cert.Expired(time.Now()) {
		t.Error("Freshly issued certificate must not be expired")
	}
	if !cert.Expired(time.Now().Add(25 * time.Hour)) {
		t.Error("Certificate must expire after its validity window")
	}

	block, _ := pem.Decode([]byte(cert.CertificatePEM))
	if block == nil {
		t.Fatal("Expected PEM-encoded certificate")
	}
	parsed, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("ParseCertificate failed: %v", err)
	}
	if parsed.Subject.CommonName != "sess-1" {
		t.Errorf("Expected CN sess-1, got %s", parsed.Subject.CommonName)
	}
	if len(parsed.Subject.OrganizationalUnit) != 1 || parsed.Subject.OrganizationalUnit[0] != "source" {
		t.Errorf("Expected OU [source], got %v", parsed.Subject.OrganizationalUnit)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(svc.RootCertificatePEM()) {
		t.Fatal("Root PEM did not parse")
	}
	if _, err := parsed.Verify(x509.VerifyOptions{Roots: pool, KeyUsages: []x509.ExtKeyUsage{x509.ExtKeyUsageAny}}); err != nil {
		t.Errorf("Issued certificate failed chain verification: %v", err)
	}
}

func TestCA_RootPersistsAcrossRestarts(t *testing.T) {
	cfg := testCAConfig(t)

	first, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	second, err := New(cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("Second New failed: %v", err)
	}

	if string(first.RootCertificatePEM()) != string(second.RootCertificatePEM()) {
		t.Error("Expected the same root certificate after restart")
	}
}

func TestCA_IssueRejectsBadInput(t *testing.T) {
	svc, err := New(testCAConfig(t), zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if _, err := svc.Issue("", domain.CertificateRoleSource); err == nil {
		t.Error("Expected error for empty session id")
	}
	if _, err := svc.Issue("sess-1", "auditor"); err == nil {
		t.Error("Expected error for unknown role")
	}
}

func TestCA_VerifyPeerRejectsWrongSession(t *testing.T) {
	svc, err := New(testCAConfig(t), zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	cert, err := svc.Issue("sess-1", domain.CertificateRoleTarget)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	block, _ := pem.Decode([]byte(cert.CertificatePEM))
	raw := [][]byte{block.Bytes}

	verify, err := VerifyPeer(svc.RootCertificatePEM(), "sess-1", domain.CertificateRoleTarget)
	if err != nil {
		t.Fatalf("VerifyPeer failed: %v", err)
	}
	if err := verify(raw, nil); err != nil {
		t.Errorf("Expected matching certificate to verify, got %v", err)
	}

	// Same CA, different session: must be rejected.
	wrongSession, err := VerifyPeer(svc.RootCertificatePEM(), "sess-2", domain.CertificateRoleTarget)
	if err != nil {
		t.Fatalf("VerifyPeer failed: %v", err)
	}
	err = wrongSession(raw, nil)
	if err == nil {
		t.Fatal("Expected rejection for mismatched session id")
	}
	var certErr *domain.CertificateError
	if !errors.As(err, &certErr) {
		t.Errorf("Expected CertificateError, got %T", err)
	}

	// Right session, wrong role: must be rejected.
	wrongRole, err := VerifyPeer(svc.RootCertificatePEM(), "sess-1", domain.CertificateRoleSource)
	if err != nil {
		t.Fatalf("VerifyPeer failed: %v", err)
	}
	if err := wrongRole(raw, nil); err == nil {
		t.Error("Expected rejection for mismatched role")
	}
}

func TestCA_ForeignCARejected(t *testing.T) {
	ours, err := New(testCAConfig(t), zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	theirs, err := New(testCAConfig(t), zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	cert, err := theirs.Issue("sess-1", domain.CertificateRoleSource)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	block, _ := pem.Decode([]byte(cert.CertificatePEM))

	verify, err := VerifyPeer(ours.RootCertificatePEM(), "sess-1", domain.CertificateRoleSource)
	if err != nil {
		t.Fatalf("VerifyPeer failed: %v", err)
	}
	if err := verify([][]byte{block.Bytes}, nil); err == nil {
		t.Error("Expected certificate from a foreign CA to be rejected")
	}
}

func TestCA_TLSConfigs(t *testing.T) {
	svc, err := New(testCAConfig(t), zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	source, err := svc.Issue("sess-1", domain.CertificateRoleSource)
	if err != nil {
		t.Fatalf("Issue source failed: %v", err)
	}
	bundle := domain.CertificateBundle{
		CertificatePEM:     source.CertificatePEM,
		PrivateKeyPEM:      source.PrivateKeyPEM,
		RootCertificatePEM: string(svc.RootCertificatePEM()),
	}

	server, err := ServerTLSConfig(bundle, "sess-1", domain.CertificateRoleTarget)
	if err != nil {
		t.Fatalf("ServerTLSConfig failed: %v", err)
	}
	if server.ClientAuth != tls.RequireAnyClientCert {
		t.Error("Expected server config to require a client certificate")
	}

	client, err := ClientTLSConfig(bundle, "sess-1", domain.CertificateRoleSource)
	if err != nil {
		t.Fatalf("ClientTLSConfig failed: %v", err)
	}
	if client.VerifyPeerCertificate == nil {
		t.Error("Expected client config to carry a verification callback")
	}
}

func TestCA_ConcurrentIssue(t *testing.T) {
	svc, err := New(testCAConfig(t), zap.NewNop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Issue("sess-1", domain.CertificateRoleSource); err != nil {
				errs <- err
			}
		}()
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Issue("sess-2", domain.CertificateRoleTarget); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Concurrent issue failed: %v", err)
	}
}
