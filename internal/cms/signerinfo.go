package cms

import (
	"bytes"
	"crypto"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"time"

	pkicrypto "github.com/remiblancher/pkimsg/internal/crypto"
	"github.com/remiblancher/pkimsg/internal/der"
)

// SignerInfo contains the signature and related info (RFC 5652 Section 5.3).
//
//	SignerInfo ::= SEQUENCE {
//	  version CMSVersion,
//	  sid SignerIdentifier,
//	  digestAlgorithm DigestAlgorithmIdentifier,
//	  signedAttrs [0] IMPLICIT SignedAttributes OPTIONAL,
//	  signatureAlgorithm SignatureAlgorithmIdentifier,
//	  signature SignatureValue,
//	  unsignedAttrs [1] IMPLICIT UnsignedAttributes OPTIONAL }
type SignerInfo struct {
	Version                   int
	SID                       SignerIdentifier
	DigestAlgorithm           pkix.AlgorithmIdentifier
	SignedAttrs               []Attribute // nil when absent
	DigestEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedDigest           []byte
	UnsignedAttrs             []Attribute // nil when absent

	// rawSignedAttrs is the universal SET encoding of SignedAttrs as it was
	// signed or received.
	rawSignedAttrs []byte
}

type signerInfoASN1 struct {
	Version                   int
	SID                       asn1.RawValue
	DigestAlgorithm           pkix.AlgorithmIdentifier
	SignedAttrs               asn1.RawValue `asn1:"optional,tag:0"`
	DigestEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedDigest           []byte
	UnsignedAttrs             asn1.RawValue `asn1:"optional,tag:1"`
}

// NewSignerInfo creates a SignerInfo from already computed parts. The
// version follows from the signer identifier.
func NewSignerInfo(sid SignerIdentifier, digestAlg pkix.AlgorithmIdentifier, signedAttrs []Attribute,
	sigAlg pkix.AlgorithmIdentifier, encryptedDigest []byte, unsignedAttrs []Attribute) (*SignerInfo, error) {
	if sid == nil {
		return nil, NewCMSError("new", invalidArgument("signer identifier"))
	}
	if len(digestAlg.Algorithm) == 0 {
		return nil, NewCMSError("new", invalidArgument("digest algorithm"))
	}
	if len(sigAlg.Algorithm) == 0 {
		return nil, NewCMSError("new", invalidArgument("signature algorithm"))
	}
	if encryptedDigest == nil {
		return nil, NewCMSError("new", invalidArgument("encrypted digest"))
	}
	if signedAttrs != nil && len(signedAttrs) < 2 {
		return nil, NewCMSError("new", fmt.Errorf("%w: got %d", ErrTooFewAttributes, len(signedAttrs)))
	}

	si := &SignerInfo{
		Version:                   signerVersion(sid),
		SID:                       sid,
		DigestAlgorithm:           digestAlg,
		DigestEncryptionAlgorithm: sigAlg,
		EncryptedDigest:           encryptedDigest,
		UnsignedAttrs:             unsignedAttrs,
	}
	if signedAttrs != nil {
		sorted, encs, err := sortAttributes(signedAttrs)
		if err != nil {
			return nil, NewCMSError("new", err)
		}
		set, err := der.SetOf(encs)
		if err != nil {
			return nil, NewCMSError("new", err)
		}
		si.SignedAttrs, si.rawSignedAttrs = sorted, set
	}
	return si, nil
}

// SignerInfoConfig holds the inputs of NewSignerInfoSigned.
type SignerInfoConfig struct {
	SID SignerIdentifier

	// Digest is the message digest of the content, computed with DigestAlgorithm.
	Digest      []byte
	ContentType asn1.ObjectIdentifier

	DigestAlgorithm pkix.AlgorithmIdentifier
	// SignatureAlgorithm is carried as digestEncryptionAlgorithm. Its family
	// selects the signature primitive.
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signer             crypto.Signer

	// SignedAttrs are added after content-type and message-digest. Supplying
	// any forces signed attributes even for id-data.
	SignedAttrs   []Attribute
	UnsignedAttrs []Attribute

	// Provider defaults to the software provider.
	Provider pkicrypto.Provider
}

// NewSignerInfoSigned signs a message digest and returns the SignerInfo.
//
// Content other than id-data always gets signed attributes: content-type,
// then message-digest, then the caller's. The signature then covers the
// attribute SET instead of the raw digest.
func NewSignerInfoSigned(cfg *SignerInfoConfig) (*SignerInfo, error) {
	if cfg == nil {
		return nil, NewCMSError("sign", invalidArgument("signer configuration"))
	}
	if cfg.Signer == nil {
		return nil, NewCMSError("sign", invalidArgument("signer"))
	}
	if cfg.Digest == nil {
		return nil, NewCMSError("sign", invalidArgument("message digest"))
	}
	if len(cfg.ContentType) == 0 {
		return nil, NewCMSError("sign", invalidArgument("content type"))
	}
	p := cfg.Provider
	if p == nil {
		p = pkicrypto.DefaultProvider()
	}

	family, err := pkicrypto.FamilyOf(cfg.SignatureAlgorithm.Algorithm)
	if err != nil {
		return nil, NewCMSError("sign", err)
	}

	var signedAttrs []Attribute
	if !cfg.ContentType.Equal(OIDData) || len(cfg.SignedAttrs) > 0 {
		ct, err := NewContentTypeAttr(cfg.ContentType)
		if err != nil {
			return nil, NewCMSError("sign", err)
		}
		md, err := NewMessageDigestAttr(cfg.Digest)
		if err != nil {
			return nil, NewCMSError("sign", err)
		}
		signedAttrs = append([]Attribute{ct, md}, cfg.SignedAttrs...)
	}

	// The signature is filled in below; the constructor validates the rest.
	si, err := NewSignerInfo(cfg.SID, cfg.DigestAlgorithm, signedAttrs, cfg.SignatureAlgorithm, []byte{}, cfg.UnsignedAttrs)
	if err != nil {
		return nil, wrap("sign", err)
	}

	tbs, err := toBeSigned(p, family, cfg.DigestAlgorithm, cfg.Digest, si.rawSignedAttrs)
	if err != nil {
		return nil, NewCMSError("sign", err)
	}
	sig, err := p.Sign(cfg.Signer, cfg.SignatureAlgorithm.Algorithm, tbs)
	if err != nil {
		return nil, NewCMSError("sign", err)
	}
	si.EncryptedDigest = sig
	return si, nil
}

// toBeSigned returns the bytes handed to the raw signature primitive.
// attrs is the signed attribute SET, or nil when the digest is signed
// directly. With attributes every family signs the digest of the SET. RSA
// input is wrapped in a DigestInfo; the other families sign the digest
// bytes as they are.
func toBeSigned(p pkicrypto.Provider, family pkicrypto.Family, digestAlg pkix.AlgorithmIdentifier, digest, attrs []byte) ([]byte, error) {
	value := digest
	if attrs != nil {
		d, err := p.Digest(digestAlg.Algorithm, attrs)
		if err != nil {
			return nil, err
		}
		value = d
	}
	if family == pkicrypto.FamilyRSA {
		return pkicrypto.MarshalDigestInfo(digestAlg.Algorithm, value)
	}
	return value, nil
}

// Verify checks the signature against a message digest and content type
// with the software provider. See VerifyWith.
func (si *SignerInfo) Verify(digest []byte, contentType asn1.ObjectIdentifier, pub crypto.PublicKey) error {
	return si.VerifyWith(pkicrypto.DefaultProvider(), digest, contentType, pub)
}

// VerifyWith checks the signature against a message digest and content type.
//
// Without signed attributes the content type must be id-data and the
// signature covers the digest. With signed attributes the set must hold at
// least two entries, content-type and message-digest must both be present
// and match, and the signature covers the attribute SET. Other attributes
// are not validated. Certificate trust is not evaluated.
func (si *SignerInfo) VerifyWith(p pkicrypto.Provider, digest []byte, contentType asn1.ObjectIdentifier, pub crypto.PublicKey) error {
	if pub == nil {
		return NewCMSError("verify", invalidArgument("public key"))
	}
	family, err := pkicrypto.FamilyOf(si.DigestEncryptionAlgorithm.Algorithm)
	if err != nil {
		return NewCMSError("verify", err)
	}

	var attrs []byte
	if si.SignedAttrs == nil {
		if !contentType.Equal(OIDData) {
			return NewCMSError("verify", fmt.Errorf("%w: %s content requires signed attributes", ErrContentMismatch, ContentTypeName(contentType)))
		}
	} else {
		if err := checkSignedAttributes(si.SignedAttrs, digest, contentType); err != nil {
			return NewCMSError("verify", err)
		}
		if attrs, err = si.signedAttrsSet(); err != nil {
			return NewCMSError("verify", err)
		}
	}

	tbs, err := toBeSigned(p, family, si.DigestAlgorithm, digest, attrs)
	if err != nil {
		return NewCMSError("verify", err)
	}
	if !p.Verify(pub, si.DigestEncryptionAlgorithm.Algorithm, tbs, si.EncryptedDigest) {
		return NewCMSError("verify", ErrSignatureMismatch)
	}
	return nil
}

func checkSignedAttributes(attrs []Attribute, digest []byte, contentType asn1.ObjectIdentifier) error {
	if len(attrs) < 2 {
		// A short set always lacks a mandatory attribute; report both.
		missing := "content-type"
		if _, ok := findAttribute(attrs, OIDContentType); ok {
			missing = "message-digest"
		}
		return fmt.Errorf("%w: got %d: %w: %s", ErrTooFewAttributes, len(attrs), ErrMissingAttribute, missing)
	}

	var foundCT, foundMD bool
	for _, a := range attrs {
		switch {
		case a.Type.Equal(OIDContentType):
			v, err := a.Value()
			if err != nil {
				return err
			}
			var ct asn1.ObjectIdentifier
			if err := der.Unmarshal(v.FullBytes, &ct, nil); err != nil || !ct.Equal(contentType) {
				return fmt.Errorf("%w: signed content type does not match %s", ErrContentMismatch, ContentTypeName(contentType))
			}
			foundCT = true

		case a.Type.Equal(OIDMessageDigest):
			v, err := a.Value()
			if err != nil {
				return err
			}
			var md []byte
			if err := der.Unmarshal(v.FullBytes, &md, nil); err != nil || !bytes.Equal(md, digest) {
				return ErrDigestMismatch
			}
			foundMD = true
		}
	}

	if !foundCT {
		return fmt.Errorf("%w: content-type", ErrMissingAttribute)
	}
	if !foundMD {
		return fmt.Errorf("%w: message-digest", ErrMissingAttribute)
	}
	return nil
}

// signedAttrsSet returns the universal SET encoding of the signed attributes.
func (si *SignerInfo) signedAttrsSet() ([]byte, error) {
	if si.SignedAttrs == nil {
		return nil, nil
	}
	if si.rawSignedAttrs != nil {
		return si.rawSignedAttrs, nil
	}
	return marshalAttributeSet(si.SignedAttrs)
}

// SigningTime returns the signing-time signed attribute, or the zero time.
func (si *SignerInfo) SigningTime() time.Time {
	return signingTime(si.SignedAttrs)
}

// Marshal encodes the SignerInfo.
func (si *SignerInfo) Marshal() ([]byte, error) {
	w, err := si.wire()
	if err != nil {
		return nil, NewCMSError("encode", err)
	}
	return asn1.Marshal(w)
}

func (si *SignerInfo) wire() (signerInfoASN1, error) {
	if si.EncryptedDigest == nil {
		return signerInfoASN1{}, invalidArgument("encrypted digest")
	}
	sidDER, err := MarshalSignerIdentifier(si.SID)
	if err != nil {
		return signerInfoASN1{}, err
	}
	sid, err := der.Raw(sidDER)
	if err != nil {
		return signerInfoASN1{}, err
	}

	w := signerInfoASN1{
		Version:                   si.Version,
		SID:                       sid,
		DigestAlgorithm:           si.DigestAlgorithm,
		DigestEncryptionAlgorithm: si.DigestEncryptionAlgorithm,
		EncryptedDigest:           si.EncryptedDigest,
	}
	if si.SignedAttrs != nil {
		set, err := si.signedAttrsSet()
		if err != nil {
			return signerInfoASN1{}, err
		}
		if w.SignedAttrs, err = retagRaw(set, 0); err != nil {
			return signerInfoASN1{}, err
		}
	}
	if w.UnsignedAttrs, err = taggedAttributeSet(si.UnsignedAttrs, 1); err != nil {
		return signerInfoASN1{}, err
	}
	return w, nil
}

// ParseSignerInfo decodes a DER SignerInfo. The signed attributes keep
// their received encoding for verification.
func ParseSignerInfo(data []byte) (*SignerInfo, error) {
	var w signerInfoASN1
	if err := der.Unmarshal(data, &w, nil); err != nil {
		return nil, NewCMSError("parse", fmt.Errorf("failed to parse SignerInfo: %w", err))
	}
	si, err := fromSignerInfoWire(w)
	if err != nil {
		return nil, NewCMSError("parse", err)
	}
	return si, nil
}

func fromSignerInfoWire(w signerInfoASN1) (*SignerInfo, error) {
	sid, err := ParseSignerIdentifier(w.SID.FullBytes)
	if err != nil {
		return nil, err
	}
	si := &SignerInfo{
		Version:                   w.Version,
		SID:                       sid,
		DigestAlgorithm:           w.DigestAlgorithm,
		DigestEncryptionAlgorithm: w.DigestEncryptionAlgorithm,
		EncryptedDigest:           w.EncryptedDigest,
	}

	if len(w.SignedAttrs.FullBytes) > 0 {
		if !w.SignedAttrs.IsCompound {
			return nil, fmt.Errorf("%w: signed attributes are not constructed", ErrMalformedEncoding)
		}
		if si.SignedAttrs, err = parseAttributeSet(w.SignedAttrs.Bytes); err != nil {
			return nil, err
		}
		if si.rawSignedAttrs, err = der.Restore(w.SignedAttrs.FullBytes, 0, asn1.TagSet); err != nil {
			return nil, err
		}
	}
	if len(w.UnsignedAttrs.FullBytes) > 0 {
		if !w.UnsignedAttrs.IsCompound {
			return nil, fmt.Errorf("%w: unsigned attributes are not constructed", ErrMalformedEncoding)
		}
		if si.UnsignedAttrs, err = parseAttributeSet(w.UnsignedAttrs.Bytes); err != nil {
			return nil, err
		}
	}
	return si, nil
}
