package cms

import (
	"context"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"time"

	pkicrypto "github.com/remiblancher/pkimsg/internal/crypto"
	"github.com/remiblancher/pkimsg/internal/der"
)

// SignedData represents a CMS SignedData structure (RFC 5652 Section 5.1).
//
//	SignedData ::= SEQUENCE {
//	  version CMSVersion,
//	  digestAlgorithms DigestAlgorithmIdentifiers,
//	  encapContentInfo EncapsulatedContentInfo,
//	  certificates [0] IMPLICIT CertificateSet OPTIONAL,
//	  crls [1] IMPLICIT RevocationInfoChoices OPTIONAL,
//	  signerInfos SignerInfos }
type SignedData struct {
	Version          int
	DigestAlgorithms []pkix.AlgorithmIdentifier
	EncapContentInfo *EncapsulatedContentInfo
	// Certificates and CRLs hold DER elements. nil means absent.
	Certificates [][]byte
	CRLs         [][]byte
	SignerInfos  []*SignerInfo
}

type signedDataASN1 struct {
	Version          int
	DigestAlgorithms []pkix.AlgorithmIdentifier `asn1:"set"`
	EncapContentInfo encapsulatedContentInfoASN1
	Certificates     asn1.RawValue   `asn1:"optional,tag:0"`
	CRLs             asn1.RawValue   `asn1:"optional,tag:1"`
	SignerInfos      []asn1.RawValue `asn1:"set"`
}

// NewSignedData assembles a SignedData. Built SignedData is always version 3,
// whatever the signer identifiers or the content type.
func NewSignedData(digestAlgs []pkix.AlgorithmIdentifier, encap *EncapsulatedContentInfo,
	certs, crls [][]byte, signerInfos []*SignerInfo) (*SignedData, error) {
	if encap == nil {
		return nil, NewCMSError("new", invalidArgument("encapsulated content info"))
	}
	for i, si := range signerInfos {
		if si == nil {
			return nil, NewCMSError("new", invalidArgument(fmt.Sprintf("signer info %d", i)))
		}
	}
	return &SignedData{
		Version:          VersionThree,
		DigestAlgorithms: digestAlgs,
		EncapContentInfo: encap,
		Certificates:     certs,
		CRLs:             crls,
		SignerInfos:      signerInfos,
	}, nil
}

// Marshal encodes the bare SignedData.
func (sd *SignedData) Marshal() ([]byte, error) {
	if sd.EncapContentInfo == nil {
		return nil, NewCMSError("encode", invalidArgument("encapsulated content info"))
	}
	w := signedDataASN1{
		Version:          sd.Version,
		DigestAlgorithms: sd.DigestAlgorithms,
		EncapContentInfo: sd.EncapContentInfo.wire(),
		SignerInfos:      make([]asn1.RawValue, 0, len(sd.SignerInfos)),
	}
	if w.DigestAlgorithms == nil {
		w.DigestAlgorithms = []pkix.AlgorithmIdentifier{}
	}

	var err error
	if w.Certificates, err = taggedSet(sd.Certificates, 0); err != nil {
		return nil, NewCMSError("encode", err)
	}
	if w.CRLs, err = taggedSet(sd.CRLs, 1); err != nil {
		return nil, NewCMSError("encode", err)
	}
	for _, si := range sd.SignerInfos {
		enc, err := si.Marshal()
		if err != nil {
			return nil, wrap("encode", err)
		}
		rv, err := der.Raw(enc)
		if err != nil {
			return nil, NewCMSError("encode", err)
		}
		w.SignerInfos = append(w.SignerInfos, rv)
	}
	return asn1.Marshal(w)
}

// MarshalContentInfo encodes the SignedData inside a ContentInfo.
func (sd *SignedData) MarshalContentInfo() ([]byte, error) {
	inner, err := sd.Marshal()
	if err != nil {
		return nil, err
	}
	return wrapContentInfo(OIDSignedData, inner)
}

// taggedSet encodes elems as an IMPLICIT [n] SET OF. nil elems give an
// absent field.
func taggedSet(elems [][]byte, n int) (asn1.RawValue, error) {
	if elems == nil {
		return asn1.RawValue{}, nil
	}
	for _, e := range elems {
		if err := der.Single(e); err != nil {
			return asn1.RawValue{}, err
		}
	}
	set, err := der.SetOf(elems)
	if err != nil {
		return asn1.RawValue{}, err
	}
	return retagRaw(set, n)
}

func untagSet(rv asn1.RawValue) ([][]byte, error) {
	if len(rv.FullBytes) == 0 {
		return nil, nil
	}
	if !rv.IsCompound {
		return nil, fmt.Errorf("%w: [%d] is not constructed", ErrMalformedEncoding, rv.Tag)
	}
	elems, err := der.Elements(rv.Bytes)
	if err != nil {
		return nil, err
	}
	if elems == nil {
		elems = [][]byte{}
	}
	return elems, nil
}

// ParseSignedData decodes a SignedData, bare or wrapped in a ContentInfo.
func ParseSignedData(data []byte) (*SignedData, error) {
	inner, err := unwrapContentInfo(data, OIDSignedData)
	if err != nil {
		return nil, NewCMSError("parse", err)
	}
	var w signedDataASN1
	if err := der.Unmarshal(inner, &w, nil); err != nil {
		return nil, NewCMSError("parse", fmt.Errorf("failed to parse SignedData: %w", err))
	}

	sd := &SignedData{
		Version:          w.Version,
		DigestAlgorithms: w.DigestAlgorithms,
		EncapContentInfo: fromEncapsulatedWire(w.EncapContentInfo),
		SignerInfos:      make([]*SignerInfo, 0, len(w.SignerInfos)),
	}
	if sd.Certificates, err = untagSet(w.Certificates); err != nil {
		return nil, NewCMSError("parse", err)
	}
	if sd.CRLs, err = untagSet(w.CRLs); err != nil {
		return nil, NewCMSError("parse", err)
	}
	for _, rv := range w.SignerInfos {
		si, err := ParseSignerInfo(rv.FullBytes)
		if err != nil {
			return nil, err
		}
		sd.SignerInfos = append(sd.SignerInfos, si)
	}
	return sd, nil
}

// SignerConfig contains options for Sign.
type SignerConfig struct {
	Certificate *x509.Certificate
	Signer      crypto.Signer
	// DigestAlg defaults to the key algorithm's hash, or SHA-512 for keys
	// that sign messages directly.
	DigestAlg    crypto.Hash
	IncludeCerts bool
	// SigningTime defaults to now.
	SigningTime time.Time
	// ContentType defaults to id-data.
	ContentType asn1.ObjectIdentifier
	// Detached leaves the content out of the SignedData.
	Detached bool
	// UseSubjectKeyID identifies the signer by subject key identifier
	// instead of issuer and serial number.
	UseSubjectKeyID bool
	Provider        pkicrypto.Provider
}

func selectDigest(pub crypto.PublicKey) crypto.Hash {
	if h := pkicrypto.DefaultHash(pkicrypto.AlgorithmOf(pub)); h != 0 {
		return h
	}
	return crypto.SHA512
}

// Sign creates a SignedData ContentInfo with a single signer. Signed
// attributes carry the content type, message digest and signing time.
func Sign(ctx context.Context, content []byte, config *SignerConfig) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewCMSError("sign", err)
	}
	if config == nil {
		return nil, NewCMSError("sign", invalidArgument("signer configuration"))
	}
	if config.Certificate == nil {
		return nil, NewCMSError("sign", invalidArgument("certificate"))
	}
	if config.Signer == nil {
		return nil, NewCMSError("sign", invalidArgument("signer"))
	}
	if content == nil {
		content = []byte{}
	}

	p := config.Provider
	if p == nil {
		p = pkicrypto.DefaultProvider()
	}
	pub := config.Signer.Public()
	h := config.DigestAlg
	if h == 0 {
		h = selectDigest(pub)
	}
	contentType := config.ContentType
	if len(contentType) == 0 {
		contentType = OIDData
	}
	signingAt := config.SigningTime
	if signingAt.IsZero() {
		signingAt = time.Now()
	}

	digestOID, err := pkicrypto.OIDForHash(h)
	if err != nil {
		return nil, NewCMSError("sign", err)
	}
	digestAlg := pkix.AlgorithmIdentifier{Algorithm: digestOID}
	sigAlg, err := pkicrypto.RawSignatureAlgorithmFor(pub, h)
	if err != nil {
		return nil, NewCMSError("sign", err)
	}
	digest, err := p.Digest(digestOID, content)
	if err != nil {
		return nil, NewCMSError("sign", err)
	}

	var sid SignerIdentifier = IssuerAndSerialFromCertificate(config.Certificate)
	if config.UseSubjectKeyID {
		if sid, err = NewSubjectKeyIdentifier(config.Certificate.SubjectKeyId); err != nil {
			return nil, wrap("sign", err)
		}
	}
	st, err := NewSigningTimeAttr(signingAt)
	if err != nil {
		return nil, NewCMSError("sign", err)
	}

	si, err := NewSignerInfoSigned(&SignerInfoConfig{
		SID:                sid,
		Digest:             digest,
		ContentType:        contentType,
		DigestAlgorithm:    digestAlg,
		SignatureAlgorithm: sigAlg,
		Signer:             config.Signer,
		SignedAttrs:        []Attribute{st},
		Provider:           p,
	})
	if err != nil {
		return nil, err
	}

	encapContent := content
	if config.Detached {
		encapContent = nil
	}
	encap, err := NewEncapsulatedContentInfo(contentType, encapContent)
	if err != nil {
		return nil, err
	}
	var certs [][]byte
	if config.IncludeCerts {
		certs = [][]byte{config.Certificate.Raw}
	}

	sd, err := NewSignedData([]pkix.AlgorithmIdentifier{digestAlg}, encap, certs, nil, []*SignerInfo{si})
	if err != nil {
		return nil, err
	}
	return sd.MarshalContentInfo()
}

// VerifyConfig contains options for Verify.
type VerifyConfig struct {
	// Data is the content of a detached signature.
	Data []byte
	// Store resolves signer certificates that are not embedded.
	Store    pkicrypto.CertStore
	Provider pkicrypto.Provider
}

// VerifyResult describes a verified SignedData.
type VerifyResult struct {
	Content     []byte
	ContentType asn1.ObjectIdentifier
	SignerCerts []*x509.Certificate
	SigningTime time.Time
}

// Verify parses a SignedData and checks every signer. Certificate chains
// are not validated.
func Verify(ctx context.Context, signedData []byte, config *VerifyConfig) (*VerifyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, NewCMSError("verify", err)
	}
	if config == nil {
		config = &VerifyConfig{}
	}
	sd, err := ParseSignedData(signedData)
	if err != nil {
		return nil, err
	}
	p := config.Provider
	if p == nil {
		p = pkicrypto.DefaultProvider()
	}
	return sd.VerifyWith(p, config.Data, config.Store)
}

// VerifyWith checks every signer against content, which is used when the
// SignedData is detached. Signer certificates come from the embedded set
// first, then from store.
func (sd *SignedData) VerifyWith(p pkicrypto.Provider, content []byte, store pkicrypto.CertStore) (*VerifyResult, error) {
	if len(sd.SignerInfos) == 0 {
		return nil, NewCMSError("verify", ErrNoSigner)
	}
	if sd.EncapContentInfo == nil {
		return nil, NewCMSError("verify", invalidArgument("encapsulated content info"))
	}
	if !sd.EncapContentInfo.IsDetached() {
		content = sd.EncapContentInfo.Content
	} else if content == nil {
		return nil, NewCMSError("verify", invalidArgument("detached content"))
	}

	embedded, err := parseEmbeddedCertificates(sd.Certificates)
	if err != nil {
		return nil, NewCMSError("verify", err)
	}

	result := &VerifyResult{Content: content, ContentType: sd.EncapContentInfo.ContentType}
	for _, si := range sd.SignerInfos {
		cert, err := findSignerCertificate(si.SID, embedded, store)
		if err != nil {
			return nil, NewCMSError("verify", err)
		}
		pub, err := pkicrypto.CertificatePublicKey(cert)
		if err != nil {
			return nil, NewCMSError("verify", err)
		}
		digest, err := p.Digest(si.DigestAlgorithm.Algorithm, content)
		if err != nil {
			return nil, NewCMSError("verify", err)
		}
		if err := si.VerifyWith(p, digest, sd.EncapContentInfo.ContentType, pub); err != nil {
			return nil, err
		}
		result.SignerCerts = append(result.SignerCerts, cert)
		if result.SigningTime.IsZero() {
			result.SigningTime = si.SigningTime()
		}
	}
	return result, nil
}

func parseEmbeddedCertificates(raw [][]byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for _, r := range raw {
		h, err := der.Peek(r)
		if err != nil {
			return nil, err
		}
		// Only plain certificates; other CertificateChoices are skipped.
		if !h.IsUniversal(asn1.TagSequence) {
			continue
		}
		cert, err := x509.ParseCertificate(r)
		if err != nil {
			return nil, fmt.Errorf("failed to parse embedded certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

type subjectKeyIDLookup interface {
	LookupBySubjectKeyID(skid []byte) (*x509.Certificate, error)
}

func findSignerCertificate(sid SignerIdentifier, embedded []*x509.Certificate, store pkicrypto.CertStore) (*x509.Certificate, error) {
	type matcher interface {
		Matches(cert *x509.Certificate) bool
	}
	m, ok := sid.(matcher)
	if !ok {
		return nil, fmt.Errorf("%w: signer identifier %T", ErrInvalidArgument, sid)
	}
	for _, c := range embedded {
		if m.Matches(c) {
			return c, nil
		}
	}
	if store == nil {
		return nil, ErrCertNotFound
	}

	switch s := sid.(type) {
	case IssuerAndSerialNumber:
		return store.Lookup(s.Issuer, s.SerialNumber)
	case SubjectKeyIdentifier:
		if l, ok := store.(subjectKeyIDLookup); ok {
			return l.LookupBySubjectKeyID(s)
		}
	}
	return nil, ErrCertNotFound
}

