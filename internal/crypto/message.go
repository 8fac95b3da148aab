package crypto

import (
	"crypto"
	"encoding/asn1"
	"fmt"
)

// PrepareMessage returns the value handed to the raw signature primitive
// when signing msg with a composite algorithm such as sha256WithRSAEncryption.
// RSA gets a DigestInfo, ECDSA the bare digest, and families that sign
// messages directly get msg unchanged.
func PrepareMessage(p Provider, alg asn1.ObjectIdentifier, msg []byte) ([]byte, error) {
	sa, err := LookupSignatureAlgorithm(alg)
	if err != nil {
		return nil, err
	}
	if sa.Family.SignsMessage() {
		return msg, nil
	}
	if sa.Hash == 0 {
		return nil, fmt.Errorf("%w: %s does not name a digest", ErrUnsupportedAlgorithm, sa.Name)
	}
	return PrepareDigest(p, sa.Family, sa.Hash, msg)
}

// PrepareDigest hashes msg with h and shapes the digest for the family.
func PrepareDigest(p Provider, family Family, h crypto.Hash, msg []byte) ([]byte, error) {
	digestOID, err := OIDForHash(h)
	if err != nil {
		return nil, err
	}
	digest, err := p.Digest(digestOID, msg)
	if err != nil {
		return nil, err
	}
	if family == FamilyRSA {
		return MarshalDigestInfo(digestOID, digest)
	}
	return digest, nil
}

// SignMessage signs msg with a composite signature algorithm.
func SignMessage(p Provider, signer crypto.Signer, alg asn1.ObjectIdentifier, msg []byte) ([]byte, error) {
	tbs, err := PrepareMessage(p, alg, msg)
	if err != nil {
		return nil, err
	}
	return p.Sign(signer, alg, tbs)
}

// VerifyMessage verifies a SignMessage signature. Unknown algorithms
// verify as false.
func VerifyMessage(p Provider, pub crypto.PublicKey, alg asn1.ObjectIdentifier, msg, signature []byte) bool {
	tbs, err := PrepareMessage(p, alg, msg)
	if err != nil {
		return false
	}
	return p.Verify(pub, alg, tbs, signature)
}
