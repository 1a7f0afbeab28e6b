// Package domain contains core business entities for the IronPXE platform.
// This file defines the session certificate model used for mutual TLS
// between clone peers.
package domain

import "time"

// CertificateRole identifies which side of a clone transfer a certificate
// was issued for.
type CertificateRole string

const (
	CertificateRoleSource CertificateRole = "source"
	CertificateRoleTarget CertificateRole = "target"
)

// Valid returns true if the role is one of the two known roles.
func (r CertificateRole) Valid() bool {
	return r == CertificateRoleSource || r == CertificateRoleTarget
}

// SessionCertificate is a short-lived leaf certificate issued for exactly
// one clone session and role. Re-issuing for the same session+role
// logically invalidates the prior one; the session keeps only the latest.
//
// The PEM-encoded private key is excluded from JSON so session snapshots
// published to observers never carry key material. Repositories persist it
// through explicit columns.
type SessionCertificate struct {
	SerialNumber   int64           `json:"serial_number"`
	Role           CertificateRole `json:"role"`
	NotBefore      time.Time       `json:"not_before"`
	NotAfter       time.Time       `json:"not_after"`
	CertificatePEM string          `json:"-"`
	PrivateKeyPEM  string          `json:"-"`
}

// Expired returns true if the certificate validity window has passed.
func (c *SessionCertificate) Expired(now time.Time) bool {
	return now.After(c.NotAfter)
}

// CertificateBundle is what an agent receives from the certificate fetch
// endpoint: its own leaf pair plus the root certificate to verify the peer.
type CertificateBundle struct {
	CertificatePEM     string `json:"certificate_pem"`
	PrivateKeyPEM      string `json:"private_key_pem"`
	RootCertificatePEM string `json:"root_certificate_pem"`
}
