// Package crypto is the cryptographic provider behind the CMS and CRMF
// packages. It supports classical algorithms (ECDSA, RSA, Ed25519) and
// Ed448 / ML-DSA via the cloudflare/circl library, password-based key
// derivation, CBC content ciphers, PKCS#11 signing keys and certificate lookup.
package crypto

import (
	"crypto"
	"encoding/asn1"
	"fmt"
	"sort"
	"strings"
)

// AlgorithmID identifies a key algorithm for generation and loading.
type AlgorithmID string

// Classical key algorithms.
const (
	AlgECDSAP256 AlgorithmID = "ecdsa-p256"
	AlgECDSAP384 AlgorithmID = "ecdsa-p384"
	AlgECDSAP521 AlgorithmID = "ecdsa-p521"
	AlgEd25519   AlgorithmID = "ed25519"
	AlgEd448     AlgorithmID = "ed448"
	AlgRSA2048   AlgorithmID = "rsa-2048"
	AlgRSA3072   AlgorithmID = "rsa-3072"
	AlgRSA4096   AlgorithmID = "rsa-4096"
)

// Post-quantum key algorithms (FIPS 204 ML-DSA).
const (
	AlgMLDSA44 AlgorithmID = "ml-dsa-44"
	AlgMLDSA65 AlgorithmID = "ml-dsa-65"
	AlgMLDSA87 AlgorithmID = "ml-dsa-87"
)

// Family is the raw signature primitive behind an algorithm.
type Family int

const (
	FamilyUnknown Family = iota
	FamilyRSA
	FamilyECDSA
	FamilyEd25519
	FamilyEd448
	FamilyMLDSA
)

func (f Family) String() string {
	switch f {
	case FamilyRSA:
		return "RSA"
	case FamilyECDSA:
		return "ECDSA"
	case FamilyEd25519:
		return "Ed25519"
	case FamilyEd448:
		return "Ed448"
	case FamilyMLDSA:
		return "ML-DSA"
	default:
		return "unknown"
	}
}

// algorithmInfo holds metadata about a key algorithm.
type algorithmInfo struct {
	Family      Family
	KeySizeBits int
	Description string
}

var algorithms = map[AlgorithmID]algorithmInfo{
	AlgECDSAP256: {FamilyECDSA, 256, "ECDSA with P-256 curve"},
	AlgECDSAP384: {FamilyECDSA, 384, "ECDSA with P-384 curve"},
	AlgECDSAP521: {FamilyECDSA, 521, "ECDSA with P-521 curve"},
	AlgEd25519:   {FamilyEd25519, 256, "Ed25519 (EdDSA with Curve25519)"},
	AlgEd448:     {FamilyEd448, 456, "Ed448 (EdDSA with Curve448)"},
	AlgRSA2048:   {FamilyRSA, 2048, "RSA 2048-bit"},
	AlgRSA3072:   {FamilyRSA, 3072, "RSA 3072-bit"},
	AlgRSA4096:   {FamilyRSA, 4096, "RSA 4096-bit"},
	AlgMLDSA44:   {FamilyMLDSA, 0, "ML-DSA-44 (NIST Level 1)"},
	AlgMLDSA65:   {FamilyMLDSA, 0, "ML-DSA-65 (NIST Level 3)"},
	AlgMLDSA87:   {FamilyMLDSA, 0, "ML-DSA-87 (NIST Level 5)"},
}

// IsValid reports whether the algorithm is known.
func (a AlgorithmID) IsValid() bool {
	_, ok := algorithms[a]
	return ok
}

// Family returns the signature family of the key algorithm.
func (a AlgorithmID) Family() Family {
	return algorithms[a].Family
}

// Description returns a human-readable description.
func (a AlgorithmID) Description() string {
	if info, ok := algorithms[a]; ok {
		return info.Description
	}
	return "unknown algorithm"
}

func (a AlgorithmID) String() string {
	return string(a)
}

// ParseAlgorithm parses a key algorithm name such as "ecdsa-p256".
func ParseAlgorithm(s string) (AlgorithmID, error) {
	alg := AlgorithmID(strings.ToLower(strings.TrimSpace(s)))
	if !alg.IsValid() {
		return "", fmt.Errorf("%w: %q (supported: %s)", ErrUnsupportedAlgorithm, s, strings.Join(SupportedAlgorithms(), ", "))
	}
	return alg, nil
}

// SupportedAlgorithms lists the key algorithms in a stable order.
func SupportedAlgorithms() []string {
	names := make([]string, 0, len(algorithms))
	for alg := range algorithms {
		names = append(names, string(alg))
	}
	sort.Strings(names)
	return names
}

// Digest algorithm OIDs.
var (
	OIDMD5      = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 5}
	OIDSHA1     = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	OIDSHA224   = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 4}
	OIDSHA256   = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384   = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512   = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
	OIDSHA3_256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 8}
	OIDSHA3_384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 9}
	OIDSHA3_512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 10}
)

// Signature algorithm OIDs.
var (
	OIDRSAEncryption   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	OIDSHA1WithRSA     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 5}
	OIDSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	OIDSHA384WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	OIDSHA512WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	OIDECPublicKey     = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
	OIDECDSAWithSHA1   = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 1}
	OIDECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OIDECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	OIDECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
	OIDEd25519         = asn1.ObjectIdentifier{1, 3, 101, 112}
	OIDEd448           = asn1.ObjectIdentifier{1, 3, 101, 113}
	OIDMLDSA44         = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 3, 17}
	OIDMLDSA65         = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 3, 18}
	OIDMLDSA87         = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 3, 19}
)

// Named curve OIDs.
var (
	OIDNamedCurveP256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
	OIDNamedCurveP384 = asn1.ObjectIdentifier{1, 3, 132, 0, 34}
	OIDNamedCurveP521 = asn1.ObjectIdentifier{1, 3, 132, 0, 35}
)

// SignatureAlgorithm describes a signature algorithm identifier.
// Hash is zero when the identifier names only the raw primitive
// (rsaEncryption, id-ecPublicKey) or when the algorithm signs messages
// directly (EdDSA, ML-DSA).
type SignatureAlgorithm struct {
	OID    asn1.ObjectIdentifier
	Name   string
	Family Family
	Hash   crypto.Hash
	// NullParams is set for the RSA identifiers, which carry an explicit NULL.
	NullParams bool
}

var signatureAlgorithms = []SignatureAlgorithm{
	{OIDRSAEncryption, "rsaEncryption", FamilyRSA, 0, true},
	{OIDSHA1WithRSA, "sha1WithRSAEncryption", FamilyRSA, crypto.SHA1, true},
	{OIDSHA256WithRSA, "sha256WithRSAEncryption", FamilyRSA, crypto.SHA256, true},
	{OIDSHA384WithRSA, "sha384WithRSAEncryption", FamilyRSA, crypto.SHA384, true},
	{OIDSHA512WithRSA, "sha512WithRSAEncryption", FamilyRSA, crypto.SHA512, true},
	{OIDECPublicKey, "id-ecPublicKey", FamilyECDSA, 0, false},
	{OIDECDSAWithSHA1, "ecdsa-with-SHA1", FamilyECDSA, crypto.SHA1, false},
	{OIDECDSAWithSHA256, "ecdsa-with-SHA256", FamilyECDSA, crypto.SHA256, false},
	{OIDECDSAWithSHA384, "ecdsa-with-SHA384", FamilyECDSA, crypto.SHA384, false},
	{OIDECDSAWithSHA512, "ecdsa-with-SHA512", FamilyECDSA, crypto.SHA512, false},
	{OIDEd25519, "Ed25519", FamilyEd25519, 0, false},
	{OIDEd448, "Ed448", FamilyEd448, 0, false},
	{OIDMLDSA44, "ML-DSA-44", FamilyMLDSA, 0, false},
	{OIDMLDSA65, "ML-DSA-65", FamilyMLDSA, 0, false},
	{OIDMLDSA87, "ML-DSA-87", FamilyMLDSA, 0, false},
}

// LookupSignatureAlgorithm resolves a signature algorithm OID.
func LookupSignatureAlgorithm(oid asn1.ObjectIdentifier) (SignatureAlgorithm, error) {
	for _, alg := range signatureAlgorithms {
		if alg.OID.Equal(oid) {
			return alg, nil
		}
	}
	return SignatureAlgorithm{}, fmt.Errorf("%w: signature algorithm %s", ErrUnsupportedAlgorithm, oid)
}

// FamilyOf returns the raw signature primitive of an algorithm OID.
func FamilyOf(oid asn1.ObjectIdentifier) (Family, error) {
	alg, err := LookupSignatureAlgorithm(oid)
	if err != nil {
		return FamilyUnknown, err
	}
	return alg.Family, nil
}

// SignsMessage reports whether the family signs the whole message rather
// than a pre-computed hash.
func (f Family) SignsMessage() bool {
	return f == FamilyEd25519 || f == FamilyEd448 || f == FamilyMLDSA
}

// IsPQC reports whether the family is post-quantum.
func (f Family) IsPQC() bool {
	return f == FamilyMLDSA
}
