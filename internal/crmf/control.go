package crmf

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	pkicrypto "github.com/remiblancher/pkimsg/internal/crypto"
	"github.com/remiblancher/pkimsg/internal/der"
)

// Control is a registration control or a regInfo entry. The value stays
// encoded until Decode is called.
//
//	AttributeTypeAndValue ::= SEQUENCE {
//	  type  OBJECT IDENTIFIER,
//	  value ANY DEFINED BY type }
type Control struct {
	Type  asn1.ObjectIdentifier
	Value asn1.RawValue
}

// ControlDecoder decodes the DER value of a control.
type ControlDecoder func(value []byte) (any, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]ControlDecoder{
		OIDRegCtrlRegToken.String():           decodeUTF8,
		OIDRegCtrlAuthenticator.String():      decodeUTF8,
		OIDRegCtrlPKIPublicationInfo.String(): func(v []byte) (any, error) { return ParsePKIPublicationInfo(v) },
		OIDRegCtrlPKIArchiveOptions.String():  func(v []byte) (any, error) { return ParsePKIArchiveOptions(v) },
		OIDRegCtrlOldCertID.String():          func(v []byte) (any, error) { return ParseCertID(v) },
		OIDRegCtrlProtocolEncrKey.String():    func(v []byte) (any, error) { return pkicrypto.ParsePublicKey(v) },
		OIDRegInfoUTF8Pairs.String():          decodeUTF8,
		OIDRegInfoCertReq.String():            func(v []byte) (any, error) { return ParseCertRequest(v) },
	}
)

// RegisterControl installs the decoder used by Control.Decode for oid,
// replacing any previous one.
func RegisterControl(oid asn1.ObjectIdentifier, dec ControlDecoder) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[oid.String()] = dec
}

func lookupControl(oid asn1.ObjectIdentifier) (ControlDecoder, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	dec, ok := registry[oid.String()]
	return dec, ok
}

// NewControl encodes value and pairs it with oid.
func NewControl(oid asn1.ObjectIdentifier, value any) (Control, error) {
	if len(oid) == 0 {
		return Control{}, NewCRMFError("new", invalidArgument("control type"))
	}
	enc, err := asn1.Marshal(value)
	if err != nil {
		return Control{}, NewCRMFError("new", fmt.Errorf("failed to encode control value: %w", err))
	}
	return newRawControl(oid, enc)
}

func newRawControl(oid asn1.ObjectIdentifier, enc []byte) (Control, error) {
	rv, err := der.Raw(enc)
	if err != nil {
		return Control{}, NewCRMFError("new", err)
	}
	return Control{Type: oid, Value: rv}, nil
}

func (c Control) validate() error {
	if len(c.Type) == 0 {
		return invalidArgument("control type")
	}
	if len(c.Value.FullBytes) == 0 {
		return invalidArgument("control value")
	}
	return nil
}

// Decode interprets the value according to the registered decoder for the
// control type.
func (c Control) Decode() (any, error) {
	dec, ok := lookupControl(c.Type)
	if !ok {
		return nil, NewCRMFError("decode", fmt.Errorf("%w: %s", ErrUnknownControl, c.Type))
	}
	v, err := dec(c.Value.FullBytes)
	if err != nil {
		return nil, wrap("decode", err)
	}
	return v, nil
}

func decodeAs[T any](c Control, oid asn1.ObjectIdentifier) (T, error) {
	var zero T
	if !c.Type.Equal(oid) {
		return zero, NewCRMFError("decode", fmt.Errorf("%w: control is %s, not %s", ErrInvalidArgument, c.Type, oid))
	}
	v, err := c.Decode()
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, NewCRMFError("decode", fmt.Errorf("decoder for %s returned %T", oid, v))
	}
	return t, nil
}

// RegToken returns the value of a regToken control.
func (c Control) RegToken() (string, error) {
	return decodeAs[string](c, OIDRegCtrlRegToken)
}

// Authenticator returns the value of an authenticator control.
func (c Control) Authenticator() (string, error) {
	return decodeAs[string](c, OIDRegCtrlAuthenticator)
}

// PublicationInfo returns the value of a pkiPublicationInfo control.
func (c Control) PublicationInfo() (*PKIPublicationInfo, error) {
	return decodeAs[*PKIPublicationInfo](c, OIDRegCtrlPKIPublicationInfo)
}

// ArchiveOptions returns the value of a pkiArchiveOptions control.
func (c Control) ArchiveOptions() (PKIArchiveOptions, error) {
	return decodeAs[PKIArchiveOptions](c, OIDRegCtrlPKIArchiveOptions)
}

// OldCertID returns the value of an oldCertID control.
func (c Control) OldCertID() (*CertID, error) {
	return decodeAs[*CertID](c, OIDRegCtrlOldCertID)
}

// ProtocolEncrKey returns the key of a protocolEncrKey control.
func (c Control) ProtocolEncrKey() (crypto.PublicKey, error) {
	return decodeAs[crypto.PublicKey](c, OIDRegCtrlProtocolEncrKey)
}

// UTF8Pairs returns the name/value pairs of a utf8Pairs regInfo entry.
func (c Control) UTF8Pairs() (map[string]string, error) {
	s, err := decodeAs[string](c, OIDRegInfoUTF8Pairs)
	if err != nil {
		return nil, err
	}
	pairs := make(map[string]string)
	for _, p := range strings.Split(s, "%") {
		if p == "" {
			continue
		}
		name, value, ok := strings.Cut(p, "?")
		if !ok {
			return nil, NewCRMFError("decode", fmt.Errorf("%w: utf8Pairs entry %q", ErrMalformedEncoding, p))
		}
		pairs[name] = value
	}
	return pairs, nil
}

func decodeUTF8(v []byte) (any, error) {
	var s string
	if err := der.Unmarshal(v, &s, nil); err != nil {
		return nil, err
	}
	return s, nil
}

func utf8Control(oid asn1.ObjectIdentifier, s string) (Control, error) {
	enc, err := asn1.MarshalWithParams(s, "utf8")
	if err != nil {
		return Control{}, NewCRMFError("new", fmt.Errorf("failed to encode UTF8String: %w", err))
	}
	return newRawControl(oid, enc)
}

// NewRegTokenControl creates a regToken control.
func NewRegTokenControl(token string) (Control, error) {
	if token == "" {
		return Control{}, NewCRMFError("new", invalidArgument("registration token"))
	}
	return utf8Control(OIDRegCtrlRegToken, token)
}

// NewAuthenticatorControl creates an authenticator control.
func NewAuthenticatorControl(authenticator string) (Control, error) {
	if authenticator == "" {
		return Control{}, NewCRMFError("new", invalidArgument("authenticator"))
	}
	return utf8Control(OIDRegCtrlAuthenticator, authenticator)
}

// NewUTF8PairsRegInfo creates a utf8Pairs regInfo entry. Names are sorted
// so the encoding is stable.
func NewUTF8PairsRegInfo(pairs map[string]string) (Control, error) {
	if len(pairs) == 0 {
		return Control{}, NewCRMFError("new", invalidArgument("pairs"))
	}
	names := make([]string, 0, len(pairs))
	for name := range pairs {
		if strings.ContainsAny(name, "?%") || strings.ContainsAny(pairs[name], "?%") {
			return Control{}, NewCRMFError("new", fmt.Errorf("%w: pair %q contains a separator", ErrInvalidArgument, name))
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte('?')
		b.WriteString(pairs[name])
		b.WriteByte('%')
	}
	return utf8Control(OIDRegInfoUTF8Pairs, b.String())
}

// NewCertReqRegInfo creates a certReq regInfo entry carrying a replacement
// request.
func NewCertReqRegInfo(req *CertRequest) (Control, error) {
	if req == nil {
		return Control{}, NewCRMFError("new", invalidArgument("certificate request"))
	}
	enc, err := req.encoded()
	if err != nil {
		return Control{}, wrap("new", err)
	}
	return newRawControl(OIDRegInfoCertReq, enc)
}

// NewPublicationInfoControl creates a pkiPublicationInfo control.
func NewPublicationInfoControl(info *PKIPublicationInfo) (Control, error) {
	if info == nil {
		return Control{}, NewCRMFError("new", invalidArgument("publication info"))
	}
	enc, err := info.Marshal()
	if err != nil {
		return Control{}, wrap("new", err)
	}
	return newRawControl(OIDRegCtrlPKIPublicationInfo, enc)
}

// NewArchiveOptionsControl creates a pkiArchiveOptions control.
func NewArchiveOptionsControl(opts PKIArchiveOptions) (Control, error) {
	enc, err := MarshalPKIArchiveOptions(opts)
	if err != nil {
		return Control{}, wrap("new", err)
	}
	return newRawControl(OIDRegCtrlPKIArchiveOptions, enc)
}

// NewOldCertIDControl creates an oldCertID control.
func NewOldCertIDControl(id *CertID) (Control, error) {
	if id == nil {
		return Control{}, NewCRMFError("new", invalidArgument("certificate ID"))
	}
	enc, err := id.Marshal()
	if err != nil {
		return Control{}, wrap("new", err)
	}
	return newRawControl(OIDRegCtrlOldCertID, enc)
}

// NewProtocolEncrKeyControl creates a protocolEncrKey control.
func NewProtocolEncrKeyControl(pub crypto.PublicKey) (Control, error) {
	spki, err := pkicrypto.MarshalPublicKey(pub)
	if err != nil {
		return Control{}, NewCRMFError("new", err)
	}
	return newRawControl(OIDRegCtrlProtocolEncrKey, spki)
}

// Publication actions.
const (
	DontPublish   = 0
	PleasePublish = 1
)

// Publication methods.
const (
	PubMethodDontCare = 0
	PubMethodX500     = 1
	PubMethodWeb      = 2
	PubMethodLDAP     = 3
)

// PKIPublicationInfo asks the CA to publish the issued certificate.
//
//	PKIPublicationInfo ::= SEQUENCE {
//	  action   INTEGER { dontPublish (0), pleasePublish (1) },
//	  pubInfos SEQUENCE SIZE (1..MAX) OF SinglePubInfo OPTIONAL }
type PKIPublicationInfo struct {
	Action   int
	PubInfos []SinglePubInfo
}

// SinglePubInfo names one publication method and location.
//
//	SinglePubInfo ::= SEQUENCE {
//	  pubMethod   INTEGER,
//	  pubLocation GeneralName OPTIONAL }
type SinglePubInfo struct {
	PubMethod int
	// PubLocation is a DER-encoded GeneralName, nil when absent.
	PubLocation []byte
}

type singlePubInfoASN1 struct {
	PubMethod   int
	PubLocation asn1.RawValue `asn1:"optional"`
}

type publicationInfoASN1 struct {
	Action   int
	PubInfos []singlePubInfoASN1 `asn1:"optional"`
}

// NewPKIPublicationInfo validates and creates a PKIPublicationInfo.
// dontPublish takes no publication entries.
func NewPKIPublicationInfo(action int, pubInfos ...SinglePubInfo) (*PKIPublicationInfo, error) {
	info := &PKIPublicationInfo{Action: action}
	if len(pubInfos) > 0 {
		info.PubInfos = pubInfos
	}
	if err := info.validate(); err != nil {
		return nil, NewCRMFError("new", err)
	}
	return info, nil
}

func (p *PKIPublicationInfo) validate() error {
	if p.Action != DontPublish && p.Action != PleasePublish {
		return fmt.Errorf("%w: publication action %d", ErrInvalidArgument, p.Action)
	}
	if p.Action == DontPublish && len(p.PubInfos) > 0 {
		return fmt.Errorf("%w: dontPublish with publication entries", ErrInvalidArgument)
	}
	for i, pi := range p.PubInfos {
		if pi.PubMethod < PubMethodDontCare || pi.PubMethod > PubMethodLDAP {
			return fmt.Errorf("%w: publication method %d", ErrInvalidArgument, pi.PubMethod)
		}
		if pi.PubLocation != nil {
			if err := checkGeneralName(pi.PubLocation); err != nil {
				return fmt.Errorf("publication location %d: %w", i, err)
			}
		}
	}
	return nil
}

// Marshal encodes the publication info.
func (p *PKIPublicationInfo) Marshal() ([]byte, error) {
	if err := p.validate(); err != nil {
		return nil, NewCRMFError("encode", err)
	}
	w := publicationInfoASN1{Action: p.Action}
	for _, pi := range p.PubInfos {
		sw := singlePubInfoASN1{PubMethod: pi.PubMethod}
		if pi.PubLocation != nil {
			sw.PubLocation = asn1.RawValue{FullBytes: pi.PubLocation}
		}
		w.PubInfos = append(w.PubInfos, sw)
	}
	return asn1.Marshal(w)
}

// ParsePKIPublicationInfo decodes a PKIPublicationInfo.
func ParsePKIPublicationInfo(data []byte) (*PKIPublicationInfo, error) {
	var w publicationInfoASN1
	if err := der.Unmarshal(data, &w, nil); err != nil {
		return nil, NewCRMFError("parse", fmt.Errorf("failed to parse PKIPublicationInfo: %w", err))
	}
	if w.PubInfos != nil && len(w.PubInfos) == 0 {
		return nil, NewCRMFError("parse", fmt.Errorf("%w: empty pubInfos", ErrMalformedEncoding))
	}
	p := &PKIPublicationInfo{Action: w.Action}
	for _, sw := range w.PubInfos {
		pi := SinglePubInfo{PubMethod: sw.PubMethod}
		if present(sw.PubLocation) {
			if err := checkGeneralName(sw.PubLocation.FullBytes); err != nil {
				return nil, NewCRMFError("parse", err)
			}
			pi.PubLocation = append([]byte(nil), sw.PubLocation.FullBytes...)
		}
		p.PubInfos = append(p.PubInfos, pi)
	}
	return p, nil
}

// CertID identifies the certificate being replaced.
//
//	CertId ::= SEQUENCE {
//	  issuer       GeneralName,
//	  serialNumber INTEGER }
type CertID struct {
	// Issuer is a DER-encoded GeneralName.
	Issuer       []byte
	SerialNumber *big.Int
}

type certIDASN1 struct {
	Issuer       asn1.RawValue
	SerialNumber *big.Int
}

// NewCertID validates and creates a CertID.
func NewCertID(issuer []byte, serial *big.Int) (*CertID, error) {
	if len(issuer) == 0 {
		return nil, NewCRMFError("new", invalidArgument("issuer"))
	}
	if serial == nil {
		return nil, NewCRMFError("new", invalidArgument("serial number"))
	}
	if err := checkGeneralName(issuer); err != nil {
		return nil, NewCRMFError("new", err)
	}
	return &CertID{Issuer: issuer, SerialNumber: serial}, nil
}

// CertIDFromCertificate identifies cert by its issuer directoryName and
// serial number.
func CertIDFromCertificate(cert *x509.Certificate) (*CertID, error) {
	if cert == nil {
		return nil, NewCRMFError("new", invalidArgument("certificate"))
	}
	issuer, err := DirectoryName(cert.RawIssuer)
	if err != nil {
		return nil, NewCRMFError("new", err)
	}
	return NewCertID(issuer, cert.SerialNumber)
}

// Marshal encodes the CertID.
func (id *CertID) Marshal() ([]byte, error) {
	if id.SerialNumber == nil {
		return nil, NewCRMFError("encode", invalidArgument("serial number"))
	}
	if err := checkGeneralName(id.Issuer); err != nil {
		return nil, NewCRMFError("encode", err)
	}
	return asn1.Marshal(certIDASN1{Issuer: asn1.RawValue{FullBytes: id.Issuer}, SerialNumber: id.SerialNumber})
}

// ParseCertID decodes a CertID.
func ParseCertID(data []byte) (*CertID, error) {
	var w certIDASN1
	if err := der.Unmarshal(data, &w, nil); err != nil {
		return nil, NewCRMFError("parse", fmt.Errorf("failed to parse CertId: %w", err))
	}
	if err := checkGeneralName(w.Issuer.FullBytes); err != nil {
		return nil, NewCRMFError("parse", err)
	}
	return &CertID{Issuer: append([]byte(nil), w.Issuer.FullBytes...), SerialNumber: w.SerialNumber}, nil
}
