package cms

import (
	"bytes"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"

	"github.com/remiblancher/pkimsg/internal/der"
)

// SignerIdentifier identifies the signer's certificate.
//
//	SignerIdentifier ::= CHOICE {
//	  issuerAndSerialNumber IssuerAndSerialNumber,
//	  subjectKeyIdentifier [0] SubjectKeyIdentifier }
//
// The implementations are IssuerAndSerialNumber and SubjectKeyIdentifier.
type SignerIdentifier interface {
	isSignerIdentifier()
}

// IssuerAndSerialNumber identifies a certificate by issuer and serial.
//
//	IssuerAndSerialNumber ::= SEQUENCE {
//	  issuer Name,
//	  serialNumber CertificateSerialNumber }
type IssuerAndSerialNumber struct {
	// Issuer is the DER-encoded issuer Name.
	Issuer       []byte
	SerialNumber *big.Int
}

// SubjectKeyIdentifier identifies a certificate by its subject key
// identifier extension.
type SubjectKeyIdentifier []byte

func (IssuerAndSerialNumber) isSignerIdentifier() {}
func (SubjectKeyIdentifier) isSignerIdentifier()  {}

type issuerAndSerialASN1 struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// NewIssuerAndSerialNumber validates and creates an IssuerAndSerialNumber.
func NewIssuerAndSerialNumber(issuer []byte, serial *big.Int) (IssuerAndSerialNumber, error) {
	if len(issuer) == 0 {
		return IssuerAndSerialNumber{}, NewCMSError("new", invalidArgument("issuer"))
	}
	if serial == nil {
		return IssuerAndSerialNumber{}, NewCMSError("new", invalidArgument("serial number"))
	}
	if err := checkName(issuer); err != nil {
		return IssuerAndSerialNumber{}, NewCMSError("new", err)
	}
	return IssuerAndSerialNumber{Issuer: issuer, SerialNumber: serial}, nil
}

// IssuerAndSerialFromCertificate returns the IssuerAndSerialNumber of cert.
func IssuerAndSerialFromCertificate(cert *x509.Certificate) IssuerAndSerialNumber {
	return IssuerAndSerialNumber{Issuer: cert.RawIssuer, SerialNumber: cert.SerialNumber}
}

// NewSubjectKeyIdentifier validates and creates a SubjectKeyIdentifier.
func NewSubjectKeyIdentifier(skid []byte) (SubjectKeyIdentifier, error) {
	if len(skid) == 0 {
		return nil, NewCMSError("new", invalidArgument("subject key identifier"))
	}
	return SubjectKeyIdentifier(skid), nil
}

// Matches reports whether cert is the certificate identified by ias.
func (ias IssuerAndSerialNumber) Matches(cert *x509.Certificate) bool {
	return cert != nil && ias.SerialNumber != nil &&
		cert.SerialNumber.Cmp(ias.SerialNumber) == 0 &&
		bytes.Equal(cert.RawIssuer, ias.Issuer)
}

// Matches reports whether cert carries this subject key identifier.
func (s SubjectKeyIdentifier) Matches(cert *x509.Certificate) bool {
	return cert != nil && len(cert.SubjectKeyId) > 0 && bytes.Equal(cert.SubjectKeyId, s)
}

func checkName(name []byte) error {
	if err := der.Single(name); err != nil {
		return err
	}
	h, err := der.Peek(name)
	if err != nil {
		return err
	}
	if !h.IsUniversal(asn1.TagSequence) || !h.Constructed {
		return fmt.Errorf("%w: issuer is not a Name", ErrMalformedEncoding)
	}
	return nil
}

func (ias IssuerAndSerialNumber) wire() (issuerAndSerialASN1, error) {
	if ias.SerialNumber == nil {
		return issuerAndSerialASN1{}, invalidArgument("serial number")
	}
	if err := checkName(ias.Issuer); err != nil {
		return issuerAndSerialASN1{}, err
	}
	return issuerAndSerialASN1{
		Issuer:       asn1.RawValue{FullBytes: ias.Issuer},
		SerialNumber: ias.SerialNumber,
	}, nil
}

func fromIssuerAndSerialWire(w issuerAndSerialASN1) IssuerAndSerialNumber {
	return IssuerAndSerialNumber{
		Issuer:       append([]byte(nil), w.Issuer.FullBytes...),
		SerialNumber: w.SerialNumber,
	}
}

// MarshalSignerIdentifier encodes sid. IssuerAndSerialNumber is an untagged
// SEQUENCE and SubjectKeyIdentifier is [0] IMPLICIT OCTET STRING.
func MarshalSignerIdentifier(sid SignerIdentifier) ([]byte, error) {
	switch s := sid.(type) {
	case IssuerAndSerialNumber:
		w, err := s.wire()
		if err != nil {
			return nil, err
		}
		return der.Marshal(w, nil)
	case SubjectKeyIdentifier:
		if len(s) == 0 {
			return nil, invalidArgument("subject key identifier")
		}
		return der.Marshal([]byte(s), der.Implicit(0))
	case nil:
		return nil, invalidArgument("signer identifier")
	default:
		return nil, fmt.Errorf("%w: signer identifier %T", ErrInvalidArgument, sid)
	}
}

// ParseSignerIdentifier decodes a SignerIdentifier, selecting the arm from
// the outer tag.
func ParseSignerIdentifier(data []byte) (SignerIdentifier, error) {
	h, err := der.Peek(data)
	if err != nil {
		return nil, err
	}

	switch {
	case h.IsUniversal(asn1.TagSequence) && h.Constructed:
		var w issuerAndSerialASN1
		if err := der.Unmarshal(data, &w, nil); err != nil {
			return nil, err
		}
		if err := checkName(w.Issuer.FullBytes); err != nil {
			return nil, err
		}
		return fromIssuerAndSerialWire(w), nil

	case h.IsContext(0) && !h.Constructed:
		var skid []byte
		if err := der.Unmarshal(data, &skid, der.Implicit(0)); err != nil {
			return nil, err
		}
		return SubjectKeyIdentifier(skid), nil

	default:
		return nil, fmt.Errorf("%w: unexpected SignerIdentifier tag class %d number %d", ErrMalformedEncoding, h.Class, h.Number)
	}
}

// signerVersion returns the SignerInfo version implied by sid.
func signerVersion(sid SignerIdentifier) int {
	if _, ok := sid.(SubjectKeyIdentifier); ok {
		return VersionThree
	}
	return VersionOne
}
