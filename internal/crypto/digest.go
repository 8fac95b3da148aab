package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/md5"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"hash"
	"strings"

	"github.com/cloudflare/circl/sign/ed448"
	"github.com/cloudflare/circl/sign/mldsa/mldsa44"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/cloudflare/circl/sign/mldsa/mldsa87"
	"golang.org/x/crypto/sha3"
)

type hashEntry struct {
	oid  asn1.ObjectIdentifier
	hash crypto.Hash
	name string
	new  func() hash.Hash
}

var hashes = []hashEntry{
	{OIDMD5, crypto.MD5, "md5", md5.New},
	{OIDSHA1, crypto.SHA1, "sha1", sha1.New},
	{OIDSHA224, crypto.SHA224, "sha224", sha256.New224},
	{OIDSHA256, crypto.SHA256, "sha256", sha256.New},
	{OIDSHA384, crypto.SHA384, "sha384", sha512.New384},
	{OIDSHA512, crypto.SHA512, "sha512", sha512.New},
	{OIDSHA3_256, crypto.SHA3_256, "sha3-256", sha3.New256},
	{OIDSHA3_384, crypto.SHA3_384, "sha3-384", sha3.New384},
	{OIDSHA3_512, crypto.SHA3_512, "sha3-512", sha3.New512},
}

// HashForOID maps a digest algorithm OID to a crypto.Hash.
func HashForOID(oid asn1.ObjectIdentifier) (crypto.Hash, error) {
	for _, h := range hashes {
		if h.oid.Equal(oid) {
			return h.hash, nil
		}
	}
	return 0, fmt.Errorf("%w: digest algorithm %s", ErrUnsupportedAlgorithm, oid)
}

// OIDForHash maps a crypto.Hash to its digest algorithm OID.
func OIDForHash(h crypto.Hash) (asn1.ObjectIdentifier, error) {
	for _, e := range hashes {
		if e.hash == h {
			return e.oid, nil
		}
	}
	return nil, fmt.Errorf("%w: hash %v", ErrUnsupportedAlgorithm, h)
}

// ParseHash parses a hash name such as "sha256" or "sha3-256".
func ParseHash(name string) (crypto.Hash, error) {
	name = strings.ToLower(strings.ReplaceAll(name, "_", "-"))
	for _, e := range hashes {
		if e.name == name {
			return e.hash, nil
		}
	}
	return 0, fmt.Errorf("%w: hash %q", ErrUnsupportedAlgorithm, name)
}

// HashName returns the short name of a hash.
func HashName(h crypto.Hash) string {
	for _, e := range hashes {
		if e.hash == h {
			return e.name
		}
	}
	return h.String()
}

// NewHash returns a hash.Hash for h.
func NewHash(h crypto.Hash) (hash.Hash, error) {
	for _, e := range hashes {
		if e.hash == h {
			return e.new(), nil
		}
	}
	return nil, fmt.Errorf("%w: hash %v", ErrUnsupportedAlgorithm, h)
}

// ComputeDigest hashes data with h.
func ComputeDigest(h crypto.Hash, data []byte) ([]byte, error) {
	hh, err := NewHash(h)
	if err != nil {
		return nil, err
	}
	hh.Write(data)
	return hh.Sum(nil), nil
}

// DigestInfo is the PKCS#1 structure wrapped around a digest before a raw
// RSA signature.
//
//	DigestInfo ::= SEQUENCE {
//	  digestAlgorithm AlgorithmIdentifier,
//	  digest          OCTET STRING }
type DigestInfo struct {
	DigestAlgorithm pkix.AlgorithmIdentifier
	Digest          []byte
}

// MarshalDigestInfo encodes a DigestInfo with NULL parameters, matching
// the PKCS#1 v1.5 encoding used by rsa.SignPKCS1v15.
func MarshalDigestInfo(digestAlg asn1.ObjectIdentifier, digest []byte) ([]byte, error) {
	return asn1.Marshal(DigestInfo{
		DigestAlgorithm: pkix.AlgorithmIdentifier{
			Algorithm:  digestAlg,
			Parameters: asn1.NullRawValue,
		},
		Digest: digest,
	})
}

// SignatureAlgorithmFor returns the algorithm identifier used to sign a
// message with pub. h selects the digest for RSA and ECDSA and is ignored
// for families that sign messages directly.
func SignatureAlgorithmFor(pub crypto.PublicKey, h crypto.Hash) (pkix.AlgorithmIdentifier, error) {
	var oid asn1.ObjectIdentifier
	switch pub.(type) {
	case *rsa.PublicKey:
		switch h {
		case crypto.SHA1:
			oid = OIDSHA1WithRSA
		case crypto.SHA256:
			oid = OIDSHA256WithRSA
		case crypto.SHA384:
			oid = OIDSHA384WithRSA
		case crypto.SHA512:
			oid = OIDSHA512WithRSA
		}
		if oid != nil {
			return pkix.AlgorithmIdentifier{Algorithm: oid, Parameters: asn1.NullRawValue}, nil
		}
	case *ecdsa.PublicKey:
		switch h {
		case crypto.SHA1:
			oid = OIDECDSAWithSHA1
		case crypto.SHA256:
			oid = OIDECDSAWithSHA256
		case crypto.SHA384:
			oid = OIDECDSAWithSHA384
		case crypto.SHA512:
			oid = OIDECDSAWithSHA512
		}
	case ed25519.PublicKey:
		oid = OIDEd25519
	case ed448.PublicKey:
		oid = OIDEd448
	case *mldsa44.PublicKey:
		oid = OIDMLDSA44
	case *mldsa65.PublicKey:
		oid = OIDMLDSA65
	case *mldsa87.PublicKey:
		oid = OIDMLDSA87
	default:
		return pkix.AlgorithmIdentifier{}, fmt.Errorf("%w: public key type %T", ErrUnsupportedAlgorithm, pub)
	}
	if oid == nil {
		return pkix.AlgorithmIdentifier{}, fmt.Errorf("%w: %v with %T", ErrUnsupportedAlgorithm, h, pub)
	}
	return pkix.AlgorithmIdentifier{Algorithm: oid}, nil
}

// RawSignatureAlgorithmFor returns the identifier of the bare signature
// primitive for pub, as carried in a CMS SignerInfo digestEncryptionAlgorithm.
// RSA keys map to rsaEncryption; other families use the same identifier as
// SignatureAlgorithmFor.
func RawSignatureAlgorithmFor(pub crypto.PublicKey, h crypto.Hash) (pkix.AlgorithmIdentifier, error) {
	if _, ok := pub.(*rsa.PublicKey); ok {
		return pkix.AlgorithmIdentifier{Algorithm: OIDRSAEncryption, Parameters: asn1.NullRawValue}, nil
	}
	return SignatureAlgorithmFor(pub, h)
}

// KeyFamily returns the signature family of a public key.
func KeyFamily(pub crypto.PublicKey) Family {
	switch pub.(type) {
	case *rsa.PublicKey:
		return FamilyRSA
	case *ecdsa.PublicKey:
		return FamilyECDSA
	case ed25519.PublicKey:
		return FamilyEd25519
	case ed448.PublicKey:
		return FamilyEd448
	case *mldsa44.PublicKey, *mldsa65.PublicKey, *mldsa87.PublicKey:
		return FamilyMLDSA
	default:
		return FamilyUnknown
	}
}
