package crypto

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"sync"
)

// CertStore finds certificates by issuer and serial number.
type CertStore interface {
	// Lookup returns the certificate issued by issuer (DER-encoded Name)
	// with the given serial number, or ErrCertNotFound.
	Lookup(issuer []byte, serial *big.Int) (*x509.Certificate, error)
}

// MemoryCertStore is an in-memory CertStore. It is safe for concurrent use.
type MemoryCertStore struct {
	mu    sync.RWMutex
	certs []*x509.Certificate
}

var _ CertStore = (*MemoryCertStore)(nil)

// NewMemoryCertStore returns a store holding certs.
func NewMemoryCertStore(certs ...*x509.Certificate) *MemoryCertStore {
	s := &MemoryCertStore{}
	s.Add(certs...)
	return s
}

// Add inserts certificates into the store. nil entries are skipped.
func (s *MemoryCertStore) Add(certs ...*x509.Certificate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range certs {
		if c != nil {
			s.certs = append(s.certs, c)
		}
	}
}

// Len returns the number of stored certificates.
func (s *MemoryCertStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.certs)
}

// Lookup implements CertStore.
func (s *MemoryCertStore) Lookup(issuer []byte, serial *big.Int) (*x509.Certificate, error) {
	if serial == nil {
		return nil, fmt.Errorf("%w: serial number is nil", ErrCertNotFound)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.certs {
		if c.SerialNumber.Cmp(serial) == 0 && bytes.Equal(c.RawIssuer, issuer) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: serial %s", ErrCertNotFound, serial)
}

// LookupBySubjectKeyID returns the certificate with the given subject key
// identifier.
func (s *MemoryCertStore) LookupBySubjectKeyID(skid []byte) (*x509.Certificate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.certs {
		if len(c.SubjectKeyId) > 0 && bytes.Equal(c.SubjectKeyId, skid) {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: subject key identifier %x", ErrCertNotFound, skid)
}

// LoadCertStore reads PEM or DER certificates from files.
func LoadCertStore(paths ...string) (*MemoryCertStore, error) {
	store := NewMemoryCertStore()
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read certificate file: %w", err)
		}
		certs, err := ParseCertificates(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		store.Add(certs...)
	}
	return store, nil
}

// ParseCertificates parses every CERTIFICATE block of a PEM file, or a
// single DER certificate when data is not PEM.
func ParseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		certs = append(certs, c)
	}
	if len(certs) > 0 {
		return certs, nil
	}

	c, err := x509.ParseCertificate(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return []*x509.Certificate{c}, nil
}

// CertificatePublicKey returns the public key of cert. crypto/x509 leaves
// PublicKey nil for algorithms it does not know, so Ed448 and ML-DSA keys are
// decoded from the raw SubjectPublicKeyInfo.
func CertificatePublicKey(cert *x509.Certificate) (crypto.PublicKey, error) {
	if cert == nil {
		return nil, fmt.Errorf("certificate is nil")
	}
	if cert.PublicKey != nil {
		return cert.PublicKey, nil
	}
	return ParsePublicKey(cert.RawSubjectPublicKeyInfo)
}
