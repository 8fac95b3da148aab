//go:build !cgo

package crypto

import (
	"crypto"
	"errors"
	"io"
)

// errPKCS11Unavailable is returned when the binary is built without cgo.
var errPKCS11Unavailable = errors.New("PKCS#11 support requires CGO (build with CGO_ENABLED=1)")

// PKCS11Signer is a stub when CGO is disabled.
type PKCS11Signer struct{}

var _ Signer = (*PKCS11Signer)(nil)

// NewPKCS11Signer returns an error when CGO is disabled.
func NewPKCS11Signer(cfg PKCS11Config) (*PKCS11Signer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return nil, errPKCS11Unavailable
}

func (s *PKCS11Signer) Algorithm() AlgorithmID  { return "" }
func (s *PKCS11Signer) Public() crypto.PublicKey { return nil }

func (s *PKCS11Signer) Sign(io.Reader, []byte, crypto.SignerOpts) ([]byte, error) {
	return nil, errPKCS11Unavailable
}

func (s *PKCS11Signer) Close() error { return nil }

// GenerateHSMKey returns an error when CGO is disabled.
func GenerateHSMKey(cfg PKCS11Config, alg AlgorithmID) error {
	return errPKCS11Unavailable
}
