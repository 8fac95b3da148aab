package cms

import (
	"bytes"
	"encoding/asn1"
	"fmt"
	"sort"
	"time"

	"github.com/remiblancher/pkimsg/internal/der"
)

// Attribute represents a CMS attribute (RFC 5652 Section 5.3).
//
//	Attribute ::= SEQUENCE {
//	  attrType OBJECT IDENTIFIER,
//	  attrValues SET OF AttributeValue }
type Attribute struct {
	Type   asn1.ObjectIdentifier
	Values []asn1.RawValue `asn1:"set"`
}

// NewAttribute creates a new attribute with a single value.
func NewAttribute(oid asn1.ObjectIdentifier, value any) (Attribute, error) {
	if len(oid) == 0 {
		return Attribute{}, invalidArgument("attribute type")
	}
	encoded, err := asn1.Marshal(value)
	if err != nil {
		return Attribute{}, fmt.Errorf("failed to encode attribute value: %w", err)
	}
	rv, err := der.Raw(encoded)
	if err != nil {
		return Attribute{}, err
	}
	return Attribute{Type: oid, Values: []asn1.RawValue{rv}}, nil
}

// NewContentTypeAttr creates a content-type attribute.
func NewContentTypeAttr(contentType asn1.ObjectIdentifier) (Attribute, error) {
	return NewAttribute(OIDContentType, contentType)
}

// NewMessageDigestAttr creates a message-digest attribute.
func NewMessageDigestAttr(digest []byte) (Attribute, error) {
	return NewAttribute(OIDMessageDigest, digest)
}

// NewSigningTimeAttr creates a signing-time attribute. encoding/asn1 picks
// UTCTime for 1950-2049 and GeneralizedTime otherwise, as RFC 5652 requires.
func NewSigningTimeAttr(t time.Time) (Attribute, error) {
	return NewAttribute(OIDSigningTime, t.UTC().Truncate(time.Second))
}

// Value returns the single value of a single-valued attribute.
func (a Attribute) Value() (asn1.RawValue, error) {
	if len(a.Values) != 1 {
		return asn1.RawValue{}, fmt.Errorf("%w: attribute %s has %d values, want 1", ErrMalformedEncoding, a.Type, len(a.Values))
	}
	return a.Values[0], nil
}

// findAttribute returns the first attribute of the given type.
func findAttribute(attrs []Attribute, oid asn1.ObjectIdentifier) (Attribute, bool) {
	for _, a := range attrs {
		if a.Type.Equal(oid) {
			return a, true
		}
	}
	return Attribute{}, false
}

// signingTime returns the signing-time attribute value, if any.
func signingTime(attrs []Attribute) time.Time {
	a, ok := findAttribute(attrs, OIDSigningTime)
	if !ok {
		return time.Time{}
	}
	v, err := a.Value()
	if err != nil {
		return time.Time{}
	}
	var t time.Time
	if err := der.Unmarshal(v.FullBytes, &t, nil); err != nil {
		return time.Time{}
	}
	return t
}

// sortAttributes returns attrs in DER SET OF order together with their
// encodings, so that a decoded set compares equal to the one that was built.
func sortAttributes(attrs []Attribute) ([]Attribute, [][]byte, error) {
	type encoded struct {
		attr Attribute
		der  []byte
	}
	items := make([]encoded, len(attrs))
	for i, a := range attrs {
		enc, err := asn1.Marshal(a)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to encode attribute %s: %w", a.Type, err)
		}
		items[i] = encoded{a, enc}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return bytes.Compare(items[i].der, items[j].der) < 0
	})

	sorted := make([]Attribute, len(items))
	encs := make([][]byte, len(items))
	for i, it := range items {
		sorted[i], encs[i] = it.attr, it.der
	}
	return sorted, encs, nil
}

// marshalAttributeSet encodes attrs as a universal SET OF Attribute. This is
// the form that is digested when signed attributes are present.
func marshalAttributeSet(attrs []Attribute) ([]byte, error) {
	_, encs, err := sortAttributes(attrs)
	if err != nil {
		return nil, err
	}
	return der.SetOf(encs)
}

// parseAttributeSet decodes the elements of a SET OF Attribute from its
// contents octets.
func parseAttributeSet(contents []byte) ([]Attribute, error) {
	elems, err := der.Elements(contents)
	if err != nil {
		return nil, err
	}
	attrs := make([]Attribute, 0, len(elems))
	for _, e := range elems {
		var a Attribute
		if err := der.Unmarshal(e, &a, nil); err != nil {
			return nil, err
		}
		attrs = append(attrs, a)
	}
	return attrs, nil
}

// taggedAttributeSet encodes attrs under an IMPLICIT [n] tag. It returns a
// zero RawValue when attrs is nil so the field is omitted.
func taggedAttributeSet(attrs []Attribute, n int) (asn1.RawValue, error) {
	if attrs == nil {
		return asn1.RawValue{}, nil
	}
	set, err := marshalAttributeSet(attrs)
	if err != nil {
		return asn1.RawValue{}, err
	}
	return retagRaw(set, n)
}

// retagRaw applies IMPLICIT [n] to elem and returns it as a RawValue.
func retagRaw(elem []byte, n int) (asn1.RawValue, error) {
	tagged, err := der.Retag(elem, der.Implicit(n))
	if err != nil {
		return asn1.RawValue{}, err
	}
	return der.Raw(tagged)
}
