package crmf

import (
	"encoding/asn1"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"

	pkicrypto "github.com/remiblancher/pkimsg/internal/crypto"
	"github.com/remiblancher/pkimsg/internal/der"
)

// CertReqMsg is one certificate request with its proof of possession.
//
//	CertReqMsg ::= SEQUENCE {
//	  certReq CertRequest,
//	  popo    ProofOfPossession OPTIONAL,
//	  regInfo SEQUENCE SIZE(1..MAX) OF AttributeTypeAndValue OPTIONAL }
type CertReqMsg struct {
	CertReq *CertRequest
	// POP is nil when absent.
	POP ProofOfPossession
	// RegInfo is nil when absent.
	RegInfo []Control
}

// NewCertReqMsg validates and creates a CertReqMsg. An empty regInfo slice
// is treated as absent.
func NewCertReqMsg(req *CertRequest, pop ProofOfPossession, regInfo []Control) (*CertReqMsg, error) {
	if req == nil {
		return nil, NewCRMFError("new", invalidArgument("certificate request"))
	}
	if len(regInfo) == 0 {
		regInfo = nil
	}
	for i, c := range regInfo {
		if err := c.validate(); err != nil {
			return nil, NewCRMFError("new", fmt.Errorf("regInfo %d: %w", i, err))
		}
	}
	if pop != nil {
		if _, err := MarshalProofOfPossession(pop); err != nil {
			return nil, wrap("new", err)
		}
	}
	if k, ok := pop.(*POPOSigningKey); ok && k != nil {
		if err := k.checkTemplate(req); err != nil {
			return nil, NewCRMFError("new", err)
		}
	}
	return &CertReqMsg{CertReq: req, POP: pop, RegInfo: regInfo}, nil
}

// Verify checks the proof of possession with the default provider.
func (m *CertReqMsg) Verify() error {
	return m.VerifyWith(pkicrypto.DefaultProvider())
}

// VerifyWith checks the proof of possession:
//   - raVerified and keyEncipherment/thisMessage succeed without checks
//   - signature is verified against the request or the POPOSigningKeyInput
//   - every other method fails with ErrUnsupportedPOPMethod
func (m *CertReqMsg) VerifyWith(p pkicrypto.Provider) error {
	if m.CertReq == nil || m.CertReq.CertTemplate == nil {
		return NewCRMFError("verify", invalidArgument("certificate request"))
	}

	switch pop := m.POP.(type) {
	case RAVerified:
		return nil

	case *POPOSigningKey:
		if pop == nil {
			return NewCRMFError("verify", invalidArgument("POPOSigningKey"))
		}
		if err := pop.verify(p, m.CertReq); err != nil {
			return wrap("verify", err)
		}
		return nil

	case KeyEncipherment:
		if _, ok := pop.PrivKey.(ThisMessage); ok {
			return nil
		}
		return NewCRMFError("verify", fmt.Errorf("%w: keyEncipherment with %s", ErrUnsupportedPOPMethod, privKeyKind(pop.PrivKey)))

	case KeyAgreement:
		return NewCRMFError("verify", fmt.Errorf("%w: keyAgreement with %s", ErrUnsupportedPOPMethod, privKeyKind(pop.PrivKey)))

	case nil:
		return NewCRMFError("verify", fmt.Errorf("%w: no proof of possession", ErrUnsupportedPOPMethod))

	default:
		return NewCRMFError("verify", fmt.Errorf("%w: %T", ErrUnsupportedPOPMethod, m.POP))
	}
}

func privKeyKind(p POPOPrivKey) string {
	switch p.(type) {
	case ThisMessage:
		return "thisMessage"
	case SubsequentMessage:
		return "subsequentMessage"
	case DHMAC:
		return "dhMAC"
	default:
		return fmt.Sprintf("%T", p)
	}
}

// Marshal encodes the message. A decoded request keeps its original
// encoding so the POP signature stays valid.
func (m *CertReqMsg) Marshal() ([]byte, error) {
	if m.CertReq == nil {
		return nil, NewCRMFError("encode", invalidArgument("certificate request"))
	}
	req, err := m.CertReq.encoded()
	if err != nil {
		return nil, wrap("encode", err)
	}
	var pop, regInfo []byte
	if m.POP != nil {
		if pop, err = MarshalProofOfPossession(m.POP); err != nil {
			return nil, wrap("encode", err)
		}
	}
	if m.RegInfo != nil {
		if regInfo, err = asn1.Marshal(m.RegInfo); err != nil {
			return nil, NewCRMFError("encode", fmt.Errorf("failed to encode regInfo: %w", err))
		}
	}

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(c *cryptobyte.Builder) {
		c.AddBytes(req)
		c.AddBytes(pop)
		c.AddBytes(regInfo)
	})
	out, err := b.Bytes()
	if err != nil {
		return nil, NewCRMFError("encode", fmt.Errorf("failed to build CertReqMsg: %w", err))
	}
	return out, nil
}

// ParseCertReqMsg decodes a single CertReqMsg.
func ParseCertReqMsg(data []byte) (*CertReqMsg, error) {
	input := cryptobyte.String(data)
	var elem cryptobyte.String
	if !input.ReadASN1Element(&elem, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, NewCRMFError("parse", fmt.Errorf("%w: CertReqMsg is not a single SEQUENCE", ErrMalformedEncoding))
	}
	return parseCertReqMsg(elem)
}

func parseCertReqMsg(elem cryptobyte.String) (*CertReqMsg, error) {
	var seq cryptobyte.String
	if !elem.ReadASN1(&seq, cbasn1.SEQUENCE) {
		return nil, NewCRMFError("parse", fmt.Errorf("%w: invalid CertReqMsg", ErrMalformedEncoding))
	}

	var reqElem cryptobyte.String
	if !seq.ReadASN1Element(&reqElem, cbasn1.SEQUENCE) {
		return nil, NewCRMFError("parse", fmt.Errorf("%w: missing certReq", ErrMalformedEncoding))
	}
	req, err := ParseCertRequest(reqElem)
	if err != nil {
		return nil, err
	}
	m := &CertReqMsg{CertReq: req}

	// popo arms are all context-specific; regInfo is a universal SEQUENCE.
	if len(seq) > 0 && seq[0]&0xc0 == 0x80 {
		var popElem cryptobyte.String
		var tag cbasn1.Tag
		if !seq.ReadAnyASN1Element(&popElem, &tag) {
			return nil, NewCRMFError("parse", fmt.Errorf("%w: invalid popo", ErrMalformedEncoding))
		}
		if m.POP, err = ParseProofOfPossession(popElem); err != nil {
			return nil, err
		}
	}

	if !seq.Empty() {
		var riElem cryptobyte.String
		if !seq.ReadASN1Element(&riElem, cbasn1.SEQUENCE) {
			return nil, NewCRMFError("parse", fmt.Errorf("%w: invalid regInfo", ErrMalformedEncoding))
		}
		var regInfo []Control
		if err := der.Unmarshal(riElem, &regInfo, nil); err != nil {
			return nil, NewCRMFError("parse", fmt.Errorf("failed to parse regInfo: %w", err))
		}
		if len(regInfo) == 0 {
			return nil, NewCRMFError("parse", fmt.Errorf("%w: empty regInfo", ErrMalformedEncoding))
		}
		m.RegInfo = regInfo
	}

	if !seq.Empty() {
		return nil, NewCRMFError("parse", fmt.Errorf("%w: %d trailing bytes in CertReqMsg", ErrMalformedEncoding, len(seq)))
	}
	return m, nil
}

// CertReqMessages is a batch of requests.
//
//	CertReqMessages ::= SEQUENCE SIZE (1..MAX) OF CertReqMsg
type CertReqMessages []*CertReqMsg

// NewCertReqMessages validates and creates a non-empty batch.
func NewCertReqMessages(msgs ...*CertReqMsg) (CertReqMessages, error) {
	if len(msgs) == 0 {
		return nil, NewCRMFError("new", invalidArgument("certificate request messages"))
	}
	for i, m := range msgs {
		if m == nil {
			return nil, NewCRMFError("new", invalidArgument(fmt.Sprintf("certificate request message %d", i)))
		}
	}
	return CertReqMessages(msgs), nil
}

// Marshal encodes the batch.
func (ms CertReqMessages) Marshal() ([]byte, error) {
	if len(ms) == 0 {
		return nil, NewCRMFError("encode", invalidArgument("certificate request messages"))
	}
	elems := make([][]byte, 0, len(ms))
	for _, m := range ms {
		enc, err := m.Marshal()
		if err != nil {
			return nil, err
		}
		elems = append(elems, enc)
	}

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(c *cryptobyte.Builder) {
		for _, e := range elems {
			c.AddBytes(e)
		}
	})
	out, err := b.Bytes()
	if err != nil {
		return nil, NewCRMFError("encode", fmt.Errorf("failed to build CertReqMessages: %w", err))
	}
	return out, nil
}

// ParseCertReqMessages decodes a CertReqMessages batch.
func ParseCertReqMessages(data []byte) (CertReqMessages, error) {
	input := cryptobyte.String(data)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, NewCRMFError("parse", fmt.Errorf("%w: CertReqMessages is not a single SEQUENCE", ErrMalformedEncoding))
	}

	var ms CertReqMessages
	for !seq.Empty() {
		var elem cryptobyte.String
		if !seq.ReadASN1Element(&elem, cbasn1.SEQUENCE) {
			return nil, NewCRMFError("parse", fmt.Errorf("%w: invalid CertReqMsg %d", ErrMalformedEncoding, len(ms)))
		}
		m, err := parseCertReqMsg(elem)
		if err != nil {
			return nil, err
		}
		ms = append(ms, m)
	}
	if len(ms) == 0 {
		return nil, NewCRMFError("parse", fmt.Errorf("%w: empty CertReqMessages", ErrMalformedEncoding))
	}
	return ms, nil
}

// Verify checks every message and stops at the first failure.
func (ms CertReqMessages) Verify() error {
	for i, m := range ms {
		if err := m.Verify(); err != nil {
			return fmt.Errorf("request %d: %w", i, err)
		}
	}
	return nil
}
