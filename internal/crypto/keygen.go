package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"

	"github.com/cloudflare/circl/sign/ed448"
	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"
)

// KeyPair holds a public/private key pair.
type KeyPair struct {
	Algorithm  AlgorithmID
	PrivateKey crypto.Signer
	PublicKey  crypto.PublicKey
}

// GenerateKeyPair generates a new key pair for the specified algorithm.
//
// Example:
//
//	kp, err := crypto.GenerateKeyPair(crypto.AlgMLDSA65)
//	if err != nil {
//	    log.Fatal(err)
//	}
func GenerateKeyPair(alg AlgorithmID) (*KeyPair, error) {
	return GenerateKeyPairWithRand(rand.Reader, alg)
}

// GenerateKeyPairWithRand generates a key pair using the provided random source.
func GenerateKeyPairWithRand(random io.Reader, alg AlgorithmID) (*KeyPair, error) {
	if !alg.IsValid() {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, alg)
	}

	var priv crypto.Signer
	var err error

	switch alg {
	case AlgECDSAP256:
		priv, err = ecdsa.GenerateKey(elliptic.P256(), random)
	case AlgECDSAP384:
		priv, err = ecdsa.GenerateKey(elliptic.P384(), random)
	case AlgECDSAP521:
		priv, err = ecdsa.GenerateKey(elliptic.P521(), random)

	case AlgEd25519:
		_, priv, err = ed25519.GenerateKey(random)
	case AlgEd448:
		_, priv, err = ed448.GenerateKey(random)

	case AlgRSA2048:
		priv, err = rsa.GenerateKey(random, 2048)
	case AlgRSA3072:
		priv, err = rsa.GenerateKey(random, 3072)
	case AlgRSA4096:
		priv, err = rsa.GenerateKey(random, 4096)

	case AlgMLDSA44:
		_, priv, err = mldsa44.GenerateKey(random)
	case AlgMLDSA65:
		_, priv, err = mldsa65.GenerateKey(random)
	case AlgMLDSA87:
		_, priv, err = mldsa87.GenerateKey(random)

	default:
		return nil, fmt.Errorf("key generation not implemented for: %s", alg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s key: %w", alg, err)
	}

	return &KeyPair{
		Algorithm:  alg,
		PrivateKey: priv,
		PublicKey:  priv.Public(),
	}, nil
}

// AlgorithmOf returns the key algorithm of a public key, or "" when the key
// is not one this package generates.
func AlgorithmOf(pub crypto.PublicKey) AlgorithmID {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		switch k.Curve.Params().BitSize {
		case 256:
			return AlgECDSAP256
		case 384:
			return AlgECDSAP384
		case 521:
			return AlgECDSAP521
		}
	case ed25519.PublicKey:
		return AlgEd25519
	case ed448.PublicKey:
		return AlgEd448
	case *rsa.PublicKey:
		switch bits := k.N.BitLen(); {
		case bits <= 2048:
			return AlgRSA2048
		case bits <= 3072:
			return AlgRSA3072
		default:
			return AlgRSA4096
		}
	case *mldsa44.PublicKey:
		return AlgMLDSA44
	case *mldsa65.PublicKey:
		return AlgMLDSA65
	case *mldsa87.PublicKey:
		return AlgMLDSA87
	}
	return ""
}

// DefaultHash returns the digest paired with a key algorithm. It is zero for
// families that sign messages directly.
func DefaultHash(alg AlgorithmID) crypto.Hash {
	switch alg {
	case AlgECDSAP384:
		return crypto.SHA384
	case AlgECDSAP521:
		return crypto.SHA512
	case AlgEd25519, AlgEd448, AlgMLDSA44, AlgMLDSA65, AlgMLDSA87:
		return 0
	default:
		return crypto.SHA256
	}
}
