package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"encoding/asn1"
	"fmt"
	"io"

	"github.com/cloudflare/circl/sign/ed448"
	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"
)

// Provider is the set of primitive operations the CMS and CRMF layers
// consume. Implementations may block on hardware; they must not retry.
type Provider interface {
	// Digest hashes data with the digest algorithm alg.
	Digest(alg asn1.ObjectIdentifier, data []byte) ([]byte, error)

	// Sign produces a raw signature over tbs. For RSA, tbs is an encoded
	// DigestInfo and no further hashing or prefixing is done. Other
	// families sign tbs as given.
	Sign(signer crypto.Signer, alg asn1.ObjectIdentifier, tbs []byte) ([]byte, error)

	// Verify checks a raw signature produced by Sign.
	Verify(pub crypto.PublicKey, alg asn1.ObjectIdentifier, tbs, signature []byte) bool

	// DeriveKey derives the content key and IV of a PKCS#5 v1.5 or PKCS#12
	// password-based scheme. password is already converted to bytes.
	DeriveKey(pbeAlg asn1.ObjectIdentifier, password, salt []byte, iterations int) (key, iv []byte, err error)

	// DerivePBKDF2 derives a key for PBES2.
	DerivePBKDF2(password, salt []byte, iterations, keyLen int, prf crypto.Hash) ([]byte, error)

	// Encrypt pads plaintext with PKCS#7 padding and encrypts it in CBC mode.
	Encrypt(cipherAlg asn1.ObjectIdentifier, key, iv, plaintext []byte) ([]byte, error)

	// Decrypt decrypts in CBC mode and removes the PKCS#7 padding.
	Decrypt(cipherAlg asn1.ObjectIdentifier, key, iv, ciphertext []byte) ([]byte, error)
}

// Software implements Provider with in-process primitives.
type Software struct {
	// Rand is the entropy source for randomized signatures. Defaults to
	// crypto/rand.Reader.
	Rand io.Reader
}

var _ Provider = Software{}

// DefaultProvider returns the software provider.
func DefaultProvider() Provider {
	return Software{}
}

func (p Software) random() io.Reader {
	if p.Rand != nil {
		return p.Rand
	}
	return rand.Reader
}

// Digest hashes data with the digest algorithm alg.
func (p Software) Digest(alg asn1.ObjectIdentifier, data []byte) ([]byte, error) {
	h, err := HashForOID(alg)
	if err != nil {
		return nil, err
	}
	return ComputeDigest(h, data)
}

// Sign produces a raw signature over tbs.
func (p Software) Sign(signer crypto.Signer, alg asn1.ObjectIdentifier, tbs []byte) ([]byte, error) {
	if signer == nil {
		return nil, fmt.Errorf("signer is nil")
	}
	family, err := FamilyOf(alg)
	if err != nil {
		return nil, err
	}
	if got := KeyFamily(signer.Public()); got != family {
		return nil, fmt.Errorf("%w: %s key for %s signature", ErrKeyMismatch, got, family)
	}

	// crypto.Hash(0) selects raw PKCS#1 v1.5 for RSA and pure mode for
	// EdDSA and ML-DSA.
	sig, err := signer.Sign(p.random(), tbs, crypto.Hash(0))
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return sig, nil
}

// Verify checks a raw signature.
func (p Software) Verify(pub crypto.PublicKey, alg asn1.ObjectIdentifier, tbs, signature []byte) bool {
	family, err := FamilyOf(alg)
	if err != nil {
		return false
	}

	switch family {
	case FamilyRSA:
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return false
		}
		return rsa.VerifyPKCS1v15(rsaPub, crypto.Hash(0), tbs, signature) == nil

	case FamilyECDSA:
		ecPub, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return false
		}
		return ecdsa.VerifyASN1(ecPub, tbs, signature)

	case FamilyEd25519:
		edPub, ok := pub.(ed25519.PublicKey)
		if !ok || len(edPub) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(edPub, tbs, signature)

	case FamilyEd448:
		edPub, ok := pub.(ed448.PublicKey)
		if !ok || len(edPub) != ed448.PublicKeySize {
			return false
		}
		return ed448.Verify(edPub, tbs, signature, "")

	case FamilyMLDSA:
		return verifyMLDSA(pub, alg, tbs, signature)

	default:
		return false
	}
}

func verifyMLDSA(pub crypto.PublicKey, alg asn1.ObjectIdentifier, msg, signature []byte) bool {
	switch k := pub.(type) {
	case *mldsa44.PublicKey:
		return alg.Equal(OIDMLDSA44) && mldsa44.Verify(k, msg, nil, signature)
	case *mldsa65.PublicKey:
		return alg.Equal(OIDMLDSA65) && mldsa65.Verify(k, msg, nil, signature)
	case *mldsa87.PublicKey:
		return alg.Equal(OIDMLDSA87) && mldsa87.Verify(k, msg, nil, signature)
	default:
		return false
	}
}

// DeriveKey derives key and IV for a PBEParameter-based scheme.
func (p Software) DeriveKey(pbeAlg asn1.ObjectIdentifier, password, salt []byte, iterations int) ([]byte, []byte, error) {
	scheme, err := LookupPBE(pbeAlg)
	if err != nil {
		return nil, nil, err
	}
	if iterations < 1 || len(salt) == 0 {
		return nil, nil, fmt.Errorf("%w: salt and a positive iteration count are required", ErrInvalidParameters)
	}

	switch scheme.KDF {
	case KDFPBKDF1:
		dk, err := pbkdf1(scheme.Hash, password, salt, iterations, scheme.KeyLen+scheme.IVLen)
		if err != nil {
			return nil, nil, err
		}
		return dk[:scheme.KeyLen], dk[scheme.KeyLen:], nil

	case KDFPKCS12:
		key, err := pkcs12KDF(scheme.Hash, password, salt, iterations, pkcs12KeyID, scheme.KeyLen)
		if err != nil {
			return nil, nil, err
		}
		iv, err := pkcs12KDF(scheme.Hash, password, salt, iterations, pkcs12IVID, scheme.IVLen)
		if err != nil {
			return nil, nil, err
		}
		return key, iv, nil

	default:
		return nil, nil, fmt.Errorf("%w: %s does not use PBEParameter", ErrUnsupportedAlgorithm, scheme.Name)
	}
}

// DerivePBKDF2 derives a PBES2 key.
func (p Software) DerivePBKDF2(password, salt []byte, iterations, keyLen int, prf crypto.Hash) ([]byte, error) {
	if iterations < 1 || len(salt) == 0 || keyLen < 1 {
		return nil, fmt.Errorf("%w: salt, iteration count and key length are required", ErrInvalidParameters)
	}
	return pbkdf2Key(password, salt, iterations, keyLen, prf)
}

// Encrypt pads and encrypts plaintext in CBC mode.
func (p Software) Encrypt(cipherAlg asn1.ObjectIdentifier, key, iv, plaintext []byte) ([]byte, error) {
	return cbcEncrypt(cipherAlg, key, iv, plaintext)
}

// Decrypt decrypts and unpads ciphertext in CBC mode.
func (p Software) Decrypt(cipherAlg asn1.ObjectIdentifier, key, iv, ciphertext []byte) ([]byte, error) {
	return cbcDecrypt(cipherAlg, key, iv, ciphertext)
}
