package cms

import (
	"crypto/subtle"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"

	pkicrypto "github.com/remiblancher/pkimsg/internal/crypto"
	"github.com/remiblancher/pkimsg/internal/der"
)

// DigestedData carries content with a message digest (RFC 5652 Section 7).
//
//	DigestedData ::= SEQUENCE {
//	  version CMSVersion,
//	  digestAlgorithm DigestAlgorithmIdentifier,
//	  encapContentInfo EncapsulatedContentInfo,
//	  digest Digest }
type DigestedData struct {
	Version          int
	DigestAlgorithm  pkix.AlgorithmIdentifier
	EncapContentInfo *EncapsulatedContentInfo
	Digest           []byte
}

type digestedDataASN1 struct {
	Version          int
	DigestAlgorithm  pkix.AlgorithmIdentifier
	EncapContentInfo encapsulatedContentInfoASN1
	Digest           []byte
}

// NewDigestedData digests content with digestAlg.
func NewDigestedData(contentType asn1.ObjectIdentifier, content []byte, digestAlg asn1.ObjectIdentifier) (*DigestedData, error) {
	return NewDigestedDataWith(pkicrypto.DefaultProvider(), contentType, content, digestAlg)
}

// NewDigestedDataWith digests content with digestAlg through p.
func NewDigestedDataWith(p pkicrypto.Provider, contentType asn1.ObjectIdentifier, content []byte, digestAlg asn1.ObjectIdentifier) (*DigestedData, error) {
	encap, err := NewEncapsulatedContentInfo(contentType, content)
	if err != nil {
		return nil, err
	}
	if content == nil {
		return nil, NewCMSError("digest", invalidArgument("content"))
	}
	digest, err := p.Digest(digestAlg, content)
	if err != nil {
		return nil, NewCMSError("digest", err)
	}

	version := VersionZero
	if !contentType.Equal(OIDData) {
		version = VersionTwo
	}
	return &DigestedData{
		Version:          version,
		DigestAlgorithm:  pkix.AlgorithmIdentifier{Algorithm: digestAlg},
		EncapContentInfo: encap,
		Digest:           digest,
	}, nil
}

// Verify recomputes the digest with the software provider.
func (dd *DigestedData) Verify(content []byte) error {
	return dd.VerifyWith(pkicrypto.DefaultProvider(), content)
}

// VerifyWith recomputes the digest over the encapsulated content, or over
// content when the DigestedData is detached.
func (dd *DigestedData) VerifyWith(p pkicrypto.Provider, content []byte) error {
	if dd.EncapContentInfo == nil {
		return NewCMSError("verify", invalidArgument("encapsulated content info"))
	}
	if !dd.EncapContentInfo.IsDetached() {
		content = dd.EncapContentInfo.Content
	}
	digest, err := p.Digest(dd.DigestAlgorithm.Algorithm, content)
	if err != nil {
		return NewCMSError("verify", err)
	}
	if subtle.ConstantTimeCompare(digest, dd.Digest) != 1 {
		return NewCMSError("verify", ErrDigestMismatch)
	}
	return nil
}

// Marshal encodes the bare DigestedData.
func (dd *DigestedData) Marshal() ([]byte, error) {
	if dd.EncapContentInfo == nil {
		return nil, NewCMSError("encode", invalidArgument("encapsulated content info"))
	}
	return asn1.Marshal(digestedDataASN1{
		Version:          dd.Version,
		DigestAlgorithm:  dd.DigestAlgorithm,
		EncapContentInfo: dd.EncapContentInfo.wire(),
		Digest:           dd.Digest,
	})
}

// MarshalContentInfo encodes the DigestedData inside a ContentInfo.
func (dd *DigestedData) MarshalContentInfo() ([]byte, error) {
	inner, err := dd.Marshal()
	if err != nil {
		return nil, err
	}
	return wrapContentInfo(OIDDigestedData, inner)
}

// ParseDigestedData decodes a DigestedData, bare or wrapped in a ContentInfo.
func ParseDigestedData(data []byte) (*DigestedData, error) {
	inner, err := unwrapContentInfo(data, OIDDigestedData)
	if err != nil {
		return nil, NewCMSError("parse", err)
	}
	var w digestedDataASN1
	if err := der.Unmarshal(inner, &w, nil); err != nil {
		return nil, NewCMSError("parse", fmt.Errorf("failed to parse DigestedData: %w", err))
	}
	return &DigestedData{
		Version:          w.Version,
		DigestAlgorithm:  w.DigestAlgorithm,
		EncapContentInfo: fromEncapsulatedWire(w.EncapContentInfo),
		Digest:           w.Digest,
	}, nil
}
