package crmf

import (
	"encoding/asn1"
	"fmt"

	"github.com/remiblancher/pkimsg/internal/der"
)

// CertRequest is the body covered by a signature POP.
//
//	CertRequest ::= SEQUENCE {
//	  certReqId    INTEGER,
//	  certTemplate CertTemplate,
//	  controls     Controls OPTIONAL }
//
//	Controls ::= SEQUENCE SIZE(1..MAX) OF AttributeTypeAndValue
type CertRequest struct {
	CertReqID    int64
	CertTemplate *CertTemplate
	Controls     []Control

	// raw is the DER the request was decoded from. Signatures are checked
	// against it rather than a re-encoding.
	raw []byte
}

type certRequestASN1 struct {
	CertReqID    int64
	CertTemplate certTemplateASN1
	Controls     []Control `asn1:"optional"`
}

// NewCertRequest validates and creates a CertRequest. An empty controls
// slice is treated as absent.
func NewCertRequest(certReqID int64, template *CertTemplate, controls []Control) (*CertRequest, error) {
	if template == nil {
		return nil, NewCRMFError("new", invalidArgument("certificate template"))
	}
	if err := template.validate(); err != nil {
		return nil, NewCRMFError("new", err)
	}
	if len(controls) == 0 {
		controls = nil
	}
	for i, c := range controls {
		if err := c.validate(); err != nil {
			return nil, NewCRMFError("new", fmt.Errorf("control %d: %w", i, err))
		}
	}
	return &CertRequest{CertReqID: certReqID, CertTemplate: template, Controls: controls}, nil
}

// Control returns the first control of the given type.
func (r *CertRequest) Control(oid asn1.ObjectIdentifier) (Control, bool) {
	for _, c := range r.Controls {
		if c.Type.Equal(oid) {
			return c, true
		}
	}
	return Control{}, false
}

// Marshal encodes the request from its fields.
func (r *CertRequest) Marshal() ([]byte, error) {
	if r.CertTemplate == nil {
		return nil, NewCRMFError("encode", invalidArgument("certificate template"))
	}
	tw, err := r.CertTemplate.wire()
	if err != nil {
		return nil, NewCRMFError("encode", err)
	}
	return asn1.Marshal(certRequestASN1{
		CertReqID:    r.CertReqID,
		CertTemplate: tw,
		Controls:     r.Controls,
	})
}

// encoded returns the retained DER of a decoded request, or a fresh
// encoding of a constructed one.
func (r *CertRequest) encoded() ([]byte, error) {
	if r.raw != nil {
		return r.raw, nil
	}
	return r.Marshal()
}

// ParseCertRequest decodes a CertRequest and retains its encoding.
func ParseCertRequest(data []byte) (*CertRequest, error) {
	var w certRequestASN1
	if err := der.Unmarshal(data, &w, nil); err != nil {
		return nil, NewCRMFError("parse", fmt.Errorf("failed to parse CertRequest: %w", err))
	}
	tmpl, err := fromCertTemplateWire(w.CertTemplate)
	if err != nil {
		return nil, NewCRMFError("parse", err)
	}
	if w.Controls != nil && len(w.Controls) == 0 {
		return nil, NewCRMFError("parse", fmt.Errorf("%w: empty controls", ErrMalformedEncoding))
	}
	return &CertRequest{
		CertReqID:    w.CertReqID,
		CertTemplate: tmpl,
		Controls:     w.Controls,
		raw:          append([]byte(nil), data...),
	}, nil
}
