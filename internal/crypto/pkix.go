package crypto

import (
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"

	"github.com/cloudflare/circl/sign/ed448"
	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// SubjectPublicKeyInfo is the X.509 public key wrapper.
type SubjectPublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

// MarshalPublicKey encodes pub as a DER SubjectPublicKeyInfo. Ed448 and
// ML-DSA keys use their RFC 8410 / FIPS 204 identifiers with absent
// parameters; other keys go through crypto/x509.
func MarshalPublicKey(pub crypto.PublicKey) ([]byte, error) {
	var oid asn1.ObjectIdentifier
	var raw []byte
	switch k := pub.(type) {
	case ed448.PublicKey:
		oid, raw = OIDEd448, []byte(k)
	case *mldsa44.PublicKey:
		oid, raw = OIDMLDSA44, k.Bytes()
	case *mldsa65.PublicKey:
		oid, raw = OIDMLDSA65, k.Bytes()
	case *mldsa87.PublicKey:
		oid, raw = OIDMLDSA87, k.Bytes()
	default:
		der, err := x509.MarshalPKIXPublicKey(pub)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to marshal public key: %v", ErrUnsupportedAlgorithm, err)
		}
		return der, nil
	}

	return asn1.Marshal(SubjectPublicKeyInfo{
		Algorithm: pkix.AlgorithmIdentifier{Algorithm: oid},
		PublicKey: asn1.BitString{Bytes: raw, BitLength: 8 * len(raw)},
	})
}

// ParsePublicKey decodes a DER SubjectPublicKeyInfo.
func ParsePublicKey(der []byte) (crypto.PublicKey, error) {
	oid, key, err := splitSPKI(der)
	if err != nil {
		return nil, err
	}

	switch {
	case oid.Equal(OIDEd448):
		if len(key) != ed448.PublicKeySize {
			return nil, fmt.Errorf("%w: Ed448 public key must be %d bytes, got %d", ErrInvalidParameters, ed448.PublicKeySize, len(key))
		}
		return ed448.PublicKey(append([]byte(nil), key...)), nil

	case oid.Equal(OIDMLDSA44):
		var pk mldsa44.PublicKey
		if err := pk.UnmarshalBinary(key); err != nil {
			return nil, fmt.Errorf("failed to parse ML-DSA-44 public key: %w", err)
		}
		return &pk, nil

	case oid.Equal(OIDMLDSA65):
		var pk mldsa65.PublicKey
		if err := pk.UnmarshalBinary(key); err != nil {
			return nil, fmt.Errorf("failed to parse ML-DSA-65 public key: %w", err)
		}
		return &pk, nil

	case oid.Equal(OIDMLDSA87):
		var pk mldsa87.PublicKey
		if err := pk.UnmarshalBinary(key); err != nil {
			return nil, fmt.Errorf("failed to parse ML-DSA-87 public key: %w", err)
		}
		return &pk, nil
	}

	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse public key: %v", ErrUnsupportedAlgorithm, err)
	}
	return pub, nil
}

// splitSPKI returns the algorithm OID and key bits of a SubjectPublicKeyInfo.
func splitSPKI(der []byte) (asn1.ObjectIdentifier, []byte, error) {
	input := cryptobyte.String(der)

	var spki, algSeq cryptobyte.String
	if !input.ReadASN1(&spki, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, nil, fmt.Errorf("%w: invalid SubjectPublicKeyInfo", ErrInvalidParameters)
	}
	if !spki.ReadASN1(&algSeq, cbasn1.SEQUENCE) {
		return nil, nil, fmt.Errorf("%w: invalid algorithm identifier", ErrInvalidParameters)
	}
	var oid asn1.ObjectIdentifier
	if !algSeq.ReadASN1ObjectIdentifier(&oid) {
		return nil, nil, fmt.Errorf("%w: invalid algorithm OID", ErrInvalidParameters)
	}
	var bits asn1.BitString
	if !spki.ReadASN1BitString(&bits) || !spki.Empty() {
		return nil, nil, fmt.Errorf("%w: invalid public key bit string", ErrInvalidParameters)
	}
	return oid, bits.RightAlign(), nil
}
