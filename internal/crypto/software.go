package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"

	"github.com/cloudflare/circl/sign/ed448"
	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"
)

// Signer extends crypto.Signer with algorithm metadata.
type Signer interface {
	crypto.Signer

	// Algorithm returns the key algorithm of this signer.
	Algorithm() AlgorithmID
}

// PEM block types for keys that have no PKCS#8 support in crypto/x509.
const (
	pemEd448   = "ED448 PRIVATE KEY"
	pemMLDSA44 = "ML-DSA-44 PRIVATE KEY"
	pemMLDSA65 = "ML-DSA-65 PRIVATE KEY"
	pemMLDSA87 = "ML-DSA-87 PRIVATE KEY"
)

// SoftwareSigner implements Signer with an in-memory private key.
type SoftwareSigner struct {
	alg     AlgorithmID
	priv    crypto.Signer
	keyPath string
}

var _ Signer = (*SoftwareSigner)(nil)

// NewSoftwareSigner creates a SoftwareSigner from a key pair.
func NewSoftwareSigner(kp *KeyPair) (*SoftwareSigner, error) {
	if kp == nil || kp.PrivateKey == nil {
		return nil, fmt.Errorf("key pair is nil")
	}
	return &SoftwareSigner{alg: kp.Algorithm, priv: kp.PrivateKey}, nil
}

// GenerateSoftwareSigner generates a new key pair and returns a SoftwareSigner.
func GenerateSoftwareSigner(alg AlgorithmID) (*SoftwareSigner, error) {
	kp, err := GenerateKeyPair(alg)
	if err != nil {
		return nil, err
	}
	return NewSoftwareSigner(kp)
}

// Algorithm returns the key algorithm.
func (s *SoftwareSigner) Algorithm() AlgorithmID {
	return s.alg
}

// Public returns the public key.
func (s *SoftwareSigner) Public() crypto.PublicKey {
	return s.priv.Public()
}

// Sign delegates to the private key. With crypto.Hash(0) RSA produces a raw
// PKCS#1 v1.5 signature over digest and EdDSA / ML-DSA sign digest as a
// message in pure mode.
func (s *SoftwareSigner) Sign(random io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if opts == nil {
		opts = crypto.Hash(0)
	}
	return s.priv.Sign(random, digest, opts)
}

// Decrypt implements crypto.Decrypter for RSA keys, used to open
// key-transport recipients.
func (s *SoftwareSigner) Decrypt(random io.Reader, ciphertext []byte, opts crypto.DecrypterOpts) ([]byte, error) {
	rsaKey, ok := s.priv.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: decryption needs an RSA key, got %T", ErrKeyMismatch, s.priv)
	}
	if random == nil {
		random = rand.Reader
	}
	return rsaKey.Decrypt(random, ciphertext, opts)
}

// PrivateKey returns the underlying private key.
func (s *SoftwareSigner) PrivateKey() crypto.Signer {
	return s.priv
}

// KeyPath returns the file the key was loaded from or saved to.
func (s *SoftwareSigner) KeyPath() string {
	return s.keyPath
}

// MarshalPrivateKeyPEM encodes the private key. Classical keys use PKCS#8;
// Ed448 stores its 57-byte seed and ML-DSA its packed private key.
func (s *SoftwareSigner) MarshalPrivateKeyPEM() ([]byte, error) {
	var block *pem.Block

	switch priv := s.priv.(type) {
	case *ecdsa.PrivateKey, ed25519.PrivateKey, *rsa.PrivateKey:
		der, err := x509.MarshalPKCS8PrivateKey(priv)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal private key: %w", err)
		}
		block = &pem.Block{Type: "PRIVATE KEY", Bytes: der}

	case ed448.PrivateKey:
		block = &pem.Block{Type: pemEd448, Bytes: priv.Seed()}

	case *mldsa44.PrivateKey:
		block = &pem.Block{Type: pemMLDSA44, Bytes: priv.Bytes()}
	case *mldsa65.PrivateKey:
		block = &pem.Block{Type: pemMLDSA65, Bytes: priv.Bytes()}
	case *mldsa87.PrivateKey:
		block = &pem.Block{Type: pemMLDSA87, Bytes: priv.Bytes()}

	default:
		return nil, fmt.Errorf("%w: private key type %T", ErrUnsupportedAlgorithm, s.priv)
	}

	return pem.EncodeToMemory(block), nil
}

// SavePrivateKey writes the private key to a PEM file with mode 0600.
func (s *SoftwareSigner) SavePrivateKey(path string) error {
	data, err := s.MarshalPrivateKeyPEM()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	s.keyPath = path
	return nil
}

// LoadPrivateKey loads a private key from a PEM file.
func LoadPrivateKey(path string) (*SoftwareSigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	s, err := ParsePrivateKeyPEM(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.keyPath = path
	return s, nil
}

// ParsePrivateKeyPEM parses the first PEM block of data.
func ParsePrivateKeyPEM(data []byte) (*SoftwareSigner, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}

	var priv crypto.Signer

	switch block.Type {
	case "PRIVATE KEY":
		k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#8 key: %w", err)
		}
		signer, ok := k.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("%w: PKCS#8 key type %T cannot sign", ErrUnsupportedAlgorithm, k)
		}
		priv = signer

	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse EC key: %w", err)
		}
		priv = k

	case "RSA PRIVATE KEY":
		k, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse RSA key: %w", err)
		}
		priv = k

	case pemEd448:
		if len(block.Bytes) != ed448.SeedSize {
			return nil, fmt.Errorf("%w: Ed448 seed must be %d bytes", ErrInvalidParameters, ed448.SeedSize)
		}
		priv = ed448.NewKeyFromSeed(block.Bytes)

	case pemMLDSA44:
		var k mldsa44.PrivateKey
		if err := k.UnmarshalBinary(block.Bytes); err != nil {
			return nil, fmt.Errorf("failed to parse ML-DSA-44 key: %w", err)
		}
		priv = &k

	case pemMLDSA65:
		var k mldsa65.PrivateKey
		if err := k.UnmarshalBinary(block.Bytes); err != nil {
			return nil, fmt.Errorf("failed to parse ML-DSA-65 key: %w", err)
		}
		priv = &k

	case pemMLDSA87:
		var k mldsa87.PrivateKey
		if err := k.UnmarshalBinary(block.Bytes); err != nil {
			return nil, fmt.Errorf("failed to parse ML-DSA-87 key: %w", err)
		}
		priv = &k

	default:
		return nil, fmt.Errorf("unknown PEM type: %s", block.Type)
	}

	alg := AlgorithmOf(priv.Public())
	if alg == "" {
		return nil, fmt.Errorf("%w: key type %T", ErrUnsupportedAlgorithm, priv)
	}
	return &SoftwareSigner{alg: alg, priv: priv}, nil
}
