// Package der is the ASN.1 DER codec used by the CMS and CRMF packages.
//
// Structures are described declaratively with encoding/asn1 struct tags
// (optional, explicit, tag:n, set). This package adds what those tags cannot
// express on their own:
//   - an optional override tag applied to a whole value (implicit or explicit)
//   - strict decoding that rejects trailing data
//   - CHOICE dispatch by peeking at the outer identifier
//   - canonical SET OF ordering
//
// Every decoding failure wraps ErrMalformed.
package der

import (
	"bytes"
	"encoding/asn1"
	"errors"
	"fmt"
	"io"
	"sort"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// ErrMalformed reports bytes that do not match the expected template or tag.
var ErrMalformed = errors.New("malformed encoding")

// Tag is a context-specific override tag.
type Tag struct {
	Number   int
	Explicit bool
}

// Implicit returns an IMPLICIT [n] override tag.
func Implicit(n int) *Tag { return &Tag{Number: n} }

// Explicit returns an EXPLICIT [n] override tag.
func Explicit(n int) *Tag { return &Tag{Number: n, Explicit: true} }

func (t *Tag) String() string {
	if t == nil {
		return "untagged"
	}
	if t.Explicit {
		return fmt.Sprintf("[%d] EXPLICIT", t.Number)
	}
	return fmt.Sprintf("[%d] IMPLICIT", t.Number)
}

// Header is the decoded identifier octet of an element.
type Header struct {
	Class       int
	Number      int
	Constructed bool
}

// IsContext reports whether h is the context-specific tag [n].
func (h Header) IsContext(n int) bool {
	return h.Class == asn1.ClassContextSpecific && h.Number == n
}

// IsUniversal reports whether h is the universal tag n.
func (h Header) IsUniversal(n int) bool {
	return h.Class == asn1.ClassUniversal && h.Number == n
}

// malformed wraps err (or a message) with ErrMalformed.
func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformed, fmt.Sprintf(format, args...))
}

// Marshal encodes v and applies the override tag, if any.
func Marshal(v any, tag *Tag) ([]byte, error) {
	enc, err := asn1.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %T: %w", v, err)
	}
	if tag == nil {
		return enc, nil
	}
	return Retag(enc, tag)
}

// Encode writes the encoding of v, with the optional override tag, to w.
func Encode(w io.Writer, v any, tag *Tag) error {
	enc, err := Marshal(v, tag)
	if err != nil {
		return err
	}
	_, err = w.Write(enc)
	return err
}

// Unmarshal decodes exactly one element from data into v. The element must
// carry the override tag when one is given. Trailing bytes are rejected.
func Unmarshal(data []byte, v any, tag *Tag) error {
	if tag != nil && tag.Explicit {
		inner, err := Unwrap(data, tag.Number)
		if err != nil {
			return err
		}
		return Unmarshal(inner, v, nil)
	}

	var rest []byte
	var err error
	if tag == nil {
		rest, err = asn1.Unmarshal(data, v)
	} else {
		rest, err = asn1.UnmarshalWithParams(data, v, fmt.Sprintf("tag:%d", tag.Number))
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(rest) > 0 {
		return malformed("%d trailing bytes after %T", len(rest), v)
	}
	return nil
}

// Decode reads src to the end and decodes it into v.
func Decode(src io.Reader, v any, tag *Tag) error {
	data, err := io.ReadAll(src)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	return Unmarshal(data, v, tag)
}

// Peek returns the header of the first element in data.
func Peek(data []byte) (Header, error) {
	s := cryptobyte.String(data)
	var elem cryptobyte.String
	var tag cbasn1.Tag
	if !s.ReadAnyASN1Element(&elem, &tag) {
		return Header{}, malformed("cannot read element header")
	}
	return headerOf(tag), nil
}

func headerOf(tag cbasn1.Tag) Header {
	return Header{
		Class:       int(tag&0xc0) >> 6,
		Number:      int(tag & 0x1f),
		Constructed: tag&0x20 != 0,
	}
}

// Split reads one complete element from data and returns it with the rest.
func Split(data []byte) (elem, rest []byte, err error) {
	s := cryptobyte.String(data)
	var e cryptobyte.String
	var tag cbasn1.Tag
	if !s.ReadAnyASN1Element(&e, &tag) {
		return nil, nil, malformed("cannot read element")
	}
	return e, s, nil
}

// Single checks that data holds exactly one element.
func Single(data []byte) error {
	_, rest, err := Split(data)
	if err != nil {
		return err
	}
	if len(rest) > 0 {
		return malformed("%d trailing bytes", len(rest))
	}
	return nil
}

// Contents returns the header and contents octets of a single element.
func Contents(elem []byte) (Header, []byte, error) {
	s := cryptobyte.String(elem)
	var body cryptobyte.String
	var tag cbasn1.Tag
	if !s.ReadAnyASN1(&body, &tag) {
		return Header{}, nil, malformed("cannot read element")
	}
	if !s.Empty() {
		return Header{}, nil, malformed("%d trailing bytes", len(s))
	}
	return headerOf(tag), body, nil
}

// Retag applies an override tag to an encoded element. IMPLICIT replaces the
// identifier and keeps the constructed bit; EXPLICIT wraps the element.
func Retag(elem []byte, tag *Tag) ([]byte, error) {
	if tag == nil {
		return elem, nil
	}
	if tag.Explicit {
		return Wrap(elem, tag.Number), nil
	}
	h, body, err := Contents(elem)
	if err != nil {
		return nil, err
	}
	id := cbasn1.Tag(tag.Number).ContextSpecific()
	if h.Constructed {
		id = id.Constructed()
	}
	return build(id, body)
}

// Restore undoes an IMPLICIT override tag, giving the element the universal
// tag number it had before tagging.
func Restore(elem []byte, n int, universal int) ([]byte, error) {
	h, body, err := Contents(elem)
	if err != nil {
		return nil, err
	}
	if !h.IsContext(n) {
		return nil, malformed("expected [%d], got class %d tag %d", n, h.Class, h.Number)
	}
	id := cbasn1.Tag(universal)
	if h.Constructed {
		id = id.Constructed()
	}
	return build(id, body)
}

// Wrap encodes elem inside an EXPLICIT [n] tag.
func Wrap(elem []byte, n int) []byte {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.Tag(n).ContextSpecific().Constructed(), func(c *cryptobyte.Builder) {
		c.AddBytes(elem)
	})
	return b.BytesOrPanic()
}

// Unwrap strips an EXPLICIT [n] tag and returns the single inner element.
func Unwrap(data []byte, n int) ([]byte, error) {
	s := cryptobyte.String(data)
	var inner cryptobyte.String
	if !s.ReadASN1(&inner, cbasn1.Tag(n).ContextSpecific().Constructed()) {
		return nil, malformed("expected [%d] EXPLICIT", n)
	}
	if !s.Empty() {
		return nil, malformed("%d trailing bytes after [%d]", len(s), n)
	}
	if err := Single(inner); err != nil {
		return nil, err
	}
	return inner, nil
}

// Raw turns an encoded element into an asn1.RawValue that re-encodes to the
// same bytes.
func Raw(elem []byte) (asn1.RawValue, error) {
	var rv asn1.RawValue
	if err := Unmarshal(elem, &rv, nil); err != nil {
		return asn1.RawValue{}, err
	}
	return rv, nil
}

// Tagged marshals v under the override tag and returns it as a RawValue,
// ready to be embedded in an encoding/asn1 structure.
func Tagged(v any, tag *Tag) (asn1.RawValue, error) {
	enc, err := Marshal(v, tag)
	if err != nil {
		return asn1.RawValue{}, err
	}
	return Raw(enc)
}

// SetOf encodes already-encoded elements as a DER SET OF, sorting them by
// their encodings.
func SetOf(elems [][]byte) ([]byte, error) {
	return build(cbasn1.SET, SortedContents(elems))
}

// SortedContents returns the concatenation of elems in DER SET OF order.
func SortedContents(elems [][]byte) []byte {
	sorted := make([][]byte, len(elems))
	copy(sorted, elems)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i], sorted[j]) < 0
	})
	return bytes.Join(sorted, nil)
}

// Elements splits the contents of a constructed value into its elements.
func Elements(contents []byte) ([][]byte, error) {
	var out [][]byte
	for len(contents) > 0 {
		elem, rest, err := Split(contents)
		if err != nil {
			return nil, err
		}
		out = append(out, elem)
		contents = rest
	}
	return out, nil
}

func build(id cbasn1.Tag, body []byte) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(id, func(c *cryptobyte.Builder) {
		c.AddBytes(body)
	})
	out, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("failed to build element: %w", err)
	}
	return out, nil
}
