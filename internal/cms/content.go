package cms

import (
	"encoding/asn1"
	"fmt"

	"github.com/remiblancher/pkimsg/internal/der"
)

// ContentInfo represents the top-level CMS structure (RFC 5652 Section 3).
//
//	ContentInfo ::= SEQUENCE {
//	  contentType ContentType,
//	  content [0] EXPLICIT ANY DEFINED BY contentType }
type ContentInfo struct {
	ContentType asn1.ObjectIdentifier
	// Content is the DER encoding of the structure named by ContentType.
	Content []byte
}

type contentInfoASN1 struct {
	ContentType asn1.ObjectIdentifier
	Content     asn1.RawValue
}

// NewContentInfo wraps an encoded content structure.
func NewContentInfo(contentType asn1.ObjectIdentifier, content []byte) (*ContentInfo, error) {
	if len(contentType) == 0 {
		return nil, NewCMSError("new", invalidArgument("content type"))
	}
	if content == nil {
		return nil, NewCMSError("new", invalidArgument("content"))
	}
	if err := der.Single(content); err != nil {
		return nil, NewCMSError("new", err)
	}
	return &ContentInfo{ContentType: contentType, Content: content}, nil
}

// Marshal encodes the ContentInfo.
func (ci *ContentInfo) Marshal() ([]byte, error) {
	return asn1.Marshal(contentInfoASN1{
		ContentType: ci.ContentType,
		Content:     asn1.RawValue{FullBytes: der.Wrap(ci.Content, 0)},
	})
}

// ParseContentInfo decodes a DER ContentInfo.
func ParseContentInfo(data []byte) (*ContentInfo, error) {
	var w contentInfoASN1
	if err := der.Unmarshal(data, &w, nil); err != nil {
		return nil, NewCMSError("parse", fmt.Errorf("failed to parse ContentInfo: %w", err))
	}
	inner, err := der.Unwrap(w.Content.FullBytes, 0)
	if err != nil {
		return nil, NewCMSError("parse", fmt.Errorf("failed to parse ContentInfo content: %w", err))
	}
	return &ContentInfo{ContentType: w.ContentType, Content: inner}, nil
}

// wrapContentInfo encodes inner inside a ContentInfo of the given type.
func wrapContentInfo(contentType asn1.ObjectIdentifier, inner []byte) ([]byte, error) {
	ci, err := NewContentInfo(contentType, inner)
	if err != nil {
		return nil, err
	}
	return ci.Marshal()
}

// unwrapContentInfo accepts either a bare structure or one wrapped in a
// ContentInfo of the expected type, and returns the bare structure.
func unwrapContentInfo(data []byte, expected asn1.ObjectIdentifier) ([]byte, error) {
	_, body, err := der.Contents(data)
	if err != nil {
		return nil, err
	}
	first, err := der.Peek(body)
	if err != nil || !first.IsUniversal(asn1.TagOID) {
		return data, nil
	}

	ci, err := ParseContentInfo(data)
	if err != nil {
		return nil, err
	}
	if !ci.ContentType.Equal(expected) {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrMalformedEncoding,
			ContentTypeName(expected), ContentTypeName(ci.ContentType))
	}
	return ci.Content, nil
}

// EncapsulatedContentInfo represents the content being signed or digested
// (RFC 5652 Section 5.2).
//
//	EncapsulatedContentInfo ::= SEQUENCE {
//	  eContentType ContentType,
//	  eContent [0] EXPLICIT OCTET STRING OPTIONAL }
type EncapsulatedContentInfo struct {
	ContentType asn1.ObjectIdentifier
	// Content is nil for an external (detached) signature.
	Content []byte
}

type encapsulatedContentInfoASN1 struct {
	EContentType asn1.ObjectIdentifier
	EContent     []byte `asn1:"optional,explicit,tag:0"`
}

// NewEncapsulatedContentInfo creates an EncapsulatedContentInfo. A nil
// content describes data carried out of band.
func NewEncapsulatedContentInfo(contentType asn1.ObjectIdentifier, content []byte) (*EncapsulatedContentInfo, error) {
	if len(contentType) == 0 {
		return nil, NewCMSError("new", invalidArgument("content type"))
	}
	return &EncapsulatedContentInfo{ContentType: contentType, Content: content}, nil
}

// IsDetached reports whether the content is carried out of band.
func (e *EncapsulatedContentInfo) IsDetached() bool {
	return e.Content == nil
}

// Marshal encodes the EncapsulatedContentInfo.
func (e *EncapsulatedContentInfo) Marshal() ([]byte, error) {
	return asn1.Marshal(e.wire())
}

func (e *EncapsulatedContentInfo) wire() encapsulatedContentInfoASN1 {
	return encapsulatedContentInfoASN1{EContentType: e.ContentType, EContent: e.Content}
}

// ParseEncapsulatedContentInfo decodes a DER EncapsulatedContentInfo.
func ParseEncapsulatedContentInfo(data []byte) (*EncapsulatedContentInfo, error) {
	var w encapsulatedContentInfoASN1
	if err := der.Unmarshal(data, &w, nil); err != nil {
		return nil, NewCMSError("parse", fmt.Errorf("failed to parse EncapsulatedContentInfo: %w", err))
	}
	return fromEncapsulatedWire(w), nil
}

func fromEncapsulatedWire(w encapsulatedContentInfoASN1) *EncapsulatedContentInfo {
	return &EncapsulatedContentInfo{ContentType: w.EContentType, Content: w.EContent}
}
