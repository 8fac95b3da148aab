// Package crmf implements the Certificate Request Message Format (RFC 4211):
// certificate templates, registration controls and proof-of-possession.
package crmf

import (
	"crypto"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"math/big"
	"time"

	pkicrypto "github.com/remiblancher/pkimsg/internal/crypto"
	"github.com/remiblancher/pkimsg/internal/der"
)

// CertTemplate lists the certificate fields a requester asks for.
// Every field is optional; nil means absent.
//
//	CertTemplate ::= SEQUENCE {
//	  version      [0] Version               OPTIONAL,
//	  serialNumber [1] INTEGER               OPTIONAL,
//	  signingAlg   [2] AlgorithmIdentifier   OPTIONAL,
//	  issuer       [3] Name                  OPTIONAL,
//	  validity     [4] OptionalValidity      OPTIONAL,
//	  subject      [5] Name                  OPTIONAL,
//	  publicKey    [6] SubjectPublicKeyInfo  OPTIONAL,
//	  issuerUID    [7] UniqueIdentifier      OPTIONAL,
//	  subjectUID   [8] UniqueIdentifier      OPTIONAL,
//	  extensions   [9] Extensions            OPTIONAL }
type CertTemplate struct {
	Version      *int
	SerialNumber *big.Int
	SigningAlg   *pkix.AlgorithmIdentifier

	// Issuer and Subject are DER-encoded Names.
	Issuer   []byte
	Validity *OptionalValidity
	Subject  []byte

	// PublicKey is a DER-encoded SubjectPublicKeyInfo.
	PublicKey []byte

	IssuerUID  *asn1.BitString
	SubjectUID *asn1.BitString
	Extensions []pkix.Extension
}

// OptionalValidity bounds the requested validity period.
//
//	OptionalValidity ::= SEQUENCE {
//	  notBefore [0] Time OPTIONAL,
//	  notAfter  [1] Time OPTIONAL }
type OptionalValidity struct {
	NotBefore *time.Time
	NotAfter  *time.Time
}

// Name and Time are CHOICE types, so their context tags are EXPLICIT.
// The other members carry IMPLICIT tags.
type certTemplateASN1 struct {
	Version      asn1.RawValue `asn1:"optional,tag:0"`
	SerialNumber asn1.RawValue `asn1:"optional,tag:1"`
	SigningAlg   asn1.RawValue `asn1:"optional,tag:2"`
	Issuer       asn1.RawValue `asn1:"optional,tag:3"`
	Validity     asn1.RawValue `asn1:"optional,tag:4"`
	Subject      asn1.RawValue `asn1:"optional,tag:5"`
	PublicKey    asn1.RawValue `asn1:"optional,tag:6"`
	IssuerUID    asn1.RawValue `asn1:"optional,tag:7"`
	SubjectUID   asn1.RawValue `asn1:"optional,tag:8"`
	Extensions   asn1.RawValue `asn1:"optional,tag:9"`
}

type optionalValidityASN1 struct {
	NotBefore asn1.RawValue `asn1:"optional,tag:0"`
	NotAfter  asn1.RawValue `asn1:"optional,tag:1"`
}

// NewCertTemplate validates the encoded names and public key of t and
// returns a copy.
func NewCertTemplate(t CertTemplate) (*CertTemplate, error) {
	if err := t.validate(); err != nil {
		return nil, NewCRMFError("new", err)
	}
	return &t, nil
}

// MarshalName encodes a distinguished name for the Issuer or Subject field.
func MarshalName(name pkix.Name) ([]byte, error) {
	enc, err := asn1.Marshal(name.ToRDNSequence())
	if err != nil {
		return nil, fmt.Errorf("failed to encode name: %w", err)
	}
	return enc, nil
}

// ParseName decodes a DER-encoded Name.
func ParseName(data []byte) (pkix.Name, error) {
	var rdns pkix.RDNSequence
	if err := der.Unmarshal(data, &rdns, nil); err != nil {
		return pkix.Name{}, err
	}
	var name pkix.Name
	name.FillFromRDNSequence(&rdns)
	return name, nil
}

// SubjectName returns the decoded Subject, or the zero Name when absent.
func (t *CertTemplate) SubjectName() (pkix.Name, error) {
	if t.Subject == nil {
		return pkix.Name{}, nil
	}
	return ParseName(t.Subject)
}

// PublicKeyValue parses the requested public key.
func (t *CertTemplate) PublicKeyValue() (crypto.PublicKey, error) {
	if len(t.PublicKey) == 0 {
		return nil, ErrMissingPublicKey
	}
	return pkicrypto.ParsePublicKey(t.PublicKey)
}

func (t *CertTemplate) validate() error {
	if t.Issuer != nil {
		if err := checkName(t.Issuer); err != nil {
			return fmt.Errorf("issuer: %w", err)
		}
	}
	if t.Subject != nil {
		if err := checkName(t.Subject); err != nil {
			return fmt.Errorf("subject: %w", err)
		}
	}
	if t.PublicKey != nil {
		if err := checkSequence(t.PublicKey); err != nil {
			return fmt.Errorf("public key: %w", err)
		}
	}
	return nil
}

// Marshal encodes the template.
func (t *CertTemplate) Marshal() ([]byte, error) {
	w, err := t.wire()
	if err != nil {
		return nil, NewCRMFError("encode", err)
	}
	return asn1.Marshal(w)
}

func (t *CertTemplate) wire() (certTemplateASN1, error) {
	var w certTemplateASN1
	if err := t.validate(); err != nil {
		return w, err
	}

	var err error
	set := func(dst *asn1.RawValue, v any, tag *der.Tag) {
		if err == nil {
			*dst, err = der.Tagged(v, tag)
		}
	}
	setRaw := func(dst *asn1.RawValue, elem []byte, tag *der.Tag) {
		if err != nil {
			return
		}
		var enc []byte
		if enc, err = der.Retag(elem, tag); err == nil {
			*dst, err = der.Raw(enc)
		}
	}

	if t.Version != nil {
		set(&w.Version, *t.Version, der.Implicit(0))
	}
	if t.SerialNumber != nil {
		set(&w.SerialNumber, t.SerialNumber, der.Implicit(1))
	}
	if t.SigningAlg != nil {
		set(&w.SigningAlg, *t.SigningAlg, der.Implicit(2))
	}
	if t.Issuer != nil {
		setRaw(&w.Issuer, t.Issuer, der.Explicit(3))
	}
	if t.Validity != nil {
		var vw optionalValidityASN1
		if vw, err = t.Validity.wire(); err == nil {
			set(&w.Validity, vw, der.Implicit(4))
		}
	}
	if t.Subject != nil {
		setRaw(&w.Subject, t.Subject, der.Explicit(5))
	}
	if t.PublicKey != nil {
		setRaw(&w.PublicKey, t.PublicKey, der.Implicit(6))
	}
	if t.IssuerUID != nil {
		set(&w.IssuerUID, *t.IssuerUID, der.Implicit(7))
	}
	if t.SubjectUID != nil {
		set(&w.SubjectUID, *t.SubjectUID, der.Implicit(8))
	}
	if t.Extensions != nil {
		set(&w.Extensions, t.Extensions, der.Implicit(9))
	}
	return w, err
}

func (v *OptionalValidity) wire() (optionalValidityASN1, error) {
	var w optionalValidityASN1
	var err error
	if v.NotBefore != nil {
		if w.NotBefore, err = der.Tagged(v.NotBefore.UTC(), der.Explicit(0)); err != nil {
			return w, err
		}
	}
	if v.NotAfter != nil {
		if w.NotAfter, err = der.Tagged(v.NotAfter.UTC(), der.Explicit(1)); err != nil {
			return w, err
		}
	}
	return w, nil
}

// ParseCertTemplate decodes a CertTemplate.
func ParseCertTemplate(data []byte) (*CertTemplate, error) {
	var w certTemplateASN1
	if err := der.Unmarshal(data, &w, nil); err != nil {
		return nil, NewCRMFError("parse", fmt.Errorf("failed to parse CertTemplate: %w", err))
	}
	t, err := fromCertTemplateWire(w)
	if err != nil {
		return nil, NewCRMFError("parse", err)
	}
	return t, nil
}

func present(rv asn1.RawValue) bool {
	return len(rv.FullBytes) > 0
}

func fromCertTemplateWire(w certTemplateASN1) (*CertTemplate, error) {
	t := &CertTemplate{}

	if present(w.Version) {
		var v int
		if err := der.Unmarshal(w.Version.FullBytes, &v, der.Implicit(0)); err != nil {
			return nil, fmt.Errorf("version: %w", err)
		}
		t.Version = &v
	}
	if present(w.SerialNumber) {
		var n *big.Int
		if err := der.Unmarshal(w.SerialNumber.FullBytes, &n, der.Implicit(1)); err != nil {
			return nil, fmt.Errorf("serial number: %w", err)
		}
		t.SerialNumber = n
	}
	if present(w.SigningAlg) {
		var alg pkix.AlgorithmIdentifier
		if err := der.Unmarshal(w.SigningAlg.FullBytes, &alg, der.Implicit(2)); err != nil {
			return nil, fmt.Errorf("signing algorithm: %w", err)
		}
		t.SigningAlg = &alg
	}
	if present(w.Issuer) {
		name, err := explicitName(w.Issuer.FullBytes, 3)
		if err != nil {
			return nil, fmt.Errorf("issuer: %w", err)
		}
		t.Issuer = name
	}
	if present(w.Validity) {
		v, err := parseOptionalValidity(w.Validity.FullBytes)
		if err != nil {
			return nil, fmt.Errorf("validity: %w", err)
		}
		t.Validity = v
	}
	if present(w.Subject) {
		name, err := explicitName(w.Subject.FullBytes, 5)
		if err != nil {
			return nil, fmt.Errorf("subject: %w", err)
		}
		t.Subject = name
	}
	if present(w.PublicKey) {
		spki, err := der.Restore(w.PublicKey.FullBytes, 6, asn1.TagSequence)
		if err != nil {
			return nil, fmt.Errorf("public key: %w", err)
		}
		if err := checkSequence(spki); err != nil {
			return nil, fmt.Errorf("public key: %w", err)
		}
		t.PublicKey = spki
	}
	if present(w.IssuerUID) {
		var uid asn1.BitString
		if err := der.Unmarshal(w.IssuerUID.FullBytes, &uid, der.Implicit(7)); err != nil {
			return nil, fmt.Errorf("issuer UID: %w", err)
		}
		t.IssuerUID = &uid
	}
	if present(w.SubjectUID) {
		var uid asn1.BitString
		if err := der.Unmarshal(w.SubjectUID.FullBytes, &uid, der.Implicit(8)); err != nil {
			return nil, fmt.Errorf("subject UID: %w", err)
		}
		t.SubjectUID = &uid
	}
	if present(w.Extensions) {
		var exts []pkix.Extension
		if err := der.Unmarshal(w.Extensions.FullBytes, &exts, der.Implicit(9)); err != nil {
			return nil, fmt.Errorf("extensions: %w", err)
		}
		t.Extensions = exts
	}
	return t, nil
}

func parseOptionalValidity(data []byte) (*OptionalValidity, error) {
	var w optionalValidityASN1
	if err := der.Unmarshal(data, &w, der.Implicit(4)); err != nil {
		return nil, err
	}
	v := &OptionalValidity{}
	if present(w.NotBefore) {
		var tm time.Time
		if err := der.Unmarshal(w.NotBefore.FullBytes, &tm, der.Explicit(0)); err != nil {
			return nil, err
		}
		v.NotBefore = &tm
	}
	if present(w.NotAfter) {
		var tm time.Time
		if err := der.Unmarshal(w.NotAfter.FullBytes, &tm, der.Explicit(1)); err != nil {
			return nil, err
		}
		v.NotAfter = &tm
	}
	return v, nil
}

func explicitName(data []byte, n int) ([]byte, error) {
	inner, err := der.Unwrap(data, n)
	if err != nil {
		return nil, err
	}
	if err := checkName(inner); err != nil {
		return nil, err
	}
	return append([]byte(nil), inner...), nil
}

// checkName accepts a single RDNSequence element.
func checkName(name []byte) error {
	if err := checkSequence(name); err != nil {
		return err
	}
	var rdns pkix.RDNSequence
	return der.Unmarshal(name, &rdns, nil)
}

func checkSequence(elem []byte) error {
	if err := der.Single(elem); err != nil {
		return err
	}
	h, err := der.Peek(elem)
	if err != nil {
		return err
	}
	if !h.IsUniversal(asn1.TagSequence) || !h.Constructed {
		return fmt.Errorf("%w: expected a SEQUENCE", ErrMalformedEncoding)
	}
	return nil
}

// checkGeneralName accepts a single context-tagged GeneralName element.
func checkGeneralName(gn []byte) error {
	if err := der.Single(gn); err != nil {
		return err
	}
	h, err := der.Peek(gn)
	if err != nil {
		return err
	}
	if h.Class != asn1.ClassContextSpecific || h.Number > 8 {
		return fmt.Errorf("%w: not a GeneralName", ErrMalformedEncoding)
	}
	return nil
}

// DirectoryName wraps an encoded Name as a directoryName GeneralName.
func DirectoryName(name []byte) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	return der.Wrap(name, 4), nil
}
