package crmf

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"

	"github.com/remiblancher/pkimsg/internal/cms"
	"github.com/remiblancher/pkimsg/internal/der"
)

// PKIArchiveOptions asks the CA to archive the private key.
//
//	PKIArchiveOptions ::= CHOICE {
//	  encryptedPrivKey     [0] EncryptedKey,
//	  keyGenParameters     [1] KeyGenParameters,
//	  archiveRemGenPrivKey [2] BOOLEAN }
//
// The implementations are EncryptedPrivKey, KeyGenParameters and
// ArchiveRemGenPrivKey.
type PKIArchiveOptions interface {
	isPKIArchiveOptions()
}

// EncryptedPrivKey carries the private key, encrypted.
type EncryptedPrivKey struct {
	Key EncryptedKey
}

// KeyGenParameters lets the CA regenerate the key.
type KeyGenParameters []byte

// ArchiveRemGenPrivKey asks the CA to archive a key it generates.
type ArchiveRemGenPrivKey bool

func (EncryptedPrivKey) isPKIArchiveOptions()     {}
func (KeyGenParameters) isPKIArchiveOptions()     {}
func (ArchiveRemGenPrivKey) isPKIArchiveOptions() {}

// EncryptedKey is an encrypted private key.
//
//	EncryptedKey ::= CHOICE {
//	  encryptedValue EncryptedValue,
//	  envelopedData  [0] EnvelopedData }
//
// The implementations are *EncryptedValue and EnvelopedKey.
type EncryptedKey interface {
	isEncryptedKey()
}

// EnvelopedKey is the envelopedData arm of EncryptedKey.
type EnvelopedKey struct {
	Data *cms.EnvelopedData
}

// EncryptedValue is the legacy encrypted-key form.
//
//	EncryptedValue ::= SEQUENCE {
//	  intendedAlg [0] AlgorithmIdentifier OPTIONAL,
//	  symmAlg     [1] AlgorithmIdentifier OPTIONAL,
//	  encSymmKey  [2] BIT STRING          OPTIONAL,
//	  keyAlg      [3] AlgorithmIdentifier OPTIONAL,
//	  valueHint   [4] OCTET STRING        OPTIONAL,
//	  encValue        BIT STRING }
type EncryptedValue struct {
	IntendedAlg *pkix.AlgorithmIdentifier
	SymmAlg     *pkix.AlgorithmIdentifier
	EncSymmKey  *asn1.BitString
	KeyAlg      *pkix.AlgorithmIdentifier
	ValueHint   []byte
	EncValue    asn1.BitString
}

func (*EncryptedValue) isEncryptedKey() {}
func (EnvelopedKey) isEncryptedKey()    {}

type encryptedValueASN1 struct {
	IntendedAlg asn1.RawValue `asn1:"optional,tag:0"`
	SymmAlg     asn1.RawValue `asn1:"optional,tag:1"`
	EncSymmKey  asn1.RawValue `asn1:"optional,tag:2"`
	KeyAlg      asn1.RawValue `asn1:"optional,tag:3"`
	ValueHint   asn1.RawValue `asn1:"optional,tag:4"`
	EncValue    asn1.BitString
}

// NewEncryptedValue validates ev and returns a copy.
func NewEncryptedValue(ev EncryptedValue) (*EncryptedValue, error) {
	if ev.EncValue.Bytes == nil {
		return nil, NewCRMFError("new", invalidArgument("encrypted value"))
	}
	return &ev, nil
}

// Marshal encodes the EncryptedValue.
func (ev *EncryptedValue) Marshal() ([]byte, error) {
	if ev.EncValue.Bytes == nil {
		return nil, NewCRMFError("encode", invalidArgument("encrypted value"))
	}
	w := encryptedValueASN1{EncValue: ev.EncValue}
	var err error
	set := func(dst *asn1.RawValue, v any, n int) {
		if err == nil {
			*dst, err = der.Tagged(v, der.Implicit(n))
		}
	}
	if ev.IntendedAlg != nil {
		set(&w.IntendedAlg, *ev.IntendedAlg, 0)
	}
	if ev.SymmAlg != nil {
		set(&w.SymmAlg, *ev.SymmAlg, 1)
	}
	if ev.EncSymmKey != nil {
		set(&w.EncSymmKey, *ev.EncSymmKey, 2)
	}
	if ev.KeyAlg != nil {
		set(&w.KeyAlg, *ev.KeyAlg, 3)
	}
	if ev.ValueHint != nil {
		set(&w.ValueHint, ev.ValueHint, 4)
	}
	if err != nil {
		return nil, NewCRMFError("encode", err)
	}
	return asn1.Marshal(w)
}

// ParseEncryptedValue decodes an EncryptedValue.
func ParseEncryptedValue(data []byte) (*EncryptedValue, error) {
	var w encryptedValueASN1
	if err := der.Unmarshal(data, &w, nil); err != nil {
		return nil, NewCRMFError("parse", fmt.Errorf("failed to parse EncryptedValue: %w", err))
	}
	ev := &EncryptedValue{EncValue: w.EncValue}

	algs := []struct {
		rv  asn1.RawValue
		n   int
		dst **pkix.AlgorithmIdentifier
	}{
		{w.IntendedAlg, 0, &ev.IntendedAlg},
		{w.SymmAlg, 1, &ev.SymmAlg},
		{w.KeyAlg, 3, &ev.KeyAlg},
	}
	for _, a := range algs {
		if !present(a.rv) {
			continue
		}
		var alg pkix.AlgorithmIdentifier
		if err := der.Unmarshal(a.rv.FullBytes, &alg, der.Implicit(a.n)); err != nil {
			return nil, NewCRMFError("parse", err)
		}
		*a.dst = &alg
	}
	if present(w.EncSymmKey) {
		var key asn1.BitString
		if err := der.Unmarshal(w.EncSymmKey.FullBytes, &key, der.Implicit(2)); err != nil {
			return nil, NewCRMFError("parse", err)
		}
		ev.EncSymmKey = &key
	}
	if present(w.ValueHint) {
		var hint []byte
		if err := der.Unmarshal(w.ValueHint.FullBytes, &hint, der.Implicit(4)); err != nil {
			return nil, NewCRMFError("parse", err)
		}
		ev.ValueHint = hint
	}
	return ev, nil
}

// MarshalEncryptedKey encodes k. EncryptedValue is an untagged SEQUENCE and
// envelopedData is [0] IMPLICIT.
func MarshalEncryptedKey(k EncryptedKey) ([]byte, error) {
	switch v := k.(type) {
	case *EncryptedValue:
		if v == nil {
			return nil, NewCRMFError("encode", invalidArgument("encrypted value"))
		}
		return v.Marshal()
	case EnvelopedKey:
		if v.Data == nil {
			return nil, NewCRMFError("encode", invalidArgument("enveloped data"))
		}
		enc, err := v.Data.Marshal()
		if err != nil {
			return nil, wrap("encode", err)
		}
		return der.Retag(enc, der.Implicit(0))
	case nil:
		return nil, NewCRMFError("encode", invalidArgument("encrypted key"))
	default:
		return nil, NewCRMFError("encode", fmt.Errorf("%w: encrypted key %T", ErrInvalidArgument, k))
	}
}

// ParseEncryptedKey decodes an EncryptedKey, selecting the arm from the
// outer tag.
func ParseEncryptedKey(data []byte) (EncryptedKey, error) {
	h, err := der.Peek(data)
	if err != nil {
		return nil, NewCRMFError("parse", err)
	}
	switch {
	case h.IsUniversal(asn1.TagSequence) && h.Constructed:
		return ParseEncryptedValue(data)
	case h.IsContext(0) && h.Constructed:
		inner, err := der.Restore(data, 0, asn1.TagSequence)
		if err != nil {
			return nil, NewCRMFError("parse", err)
		}
		ed, err := cms.ParseEnvelopedData(inner)
		if err != nil {
			return nil, wrap("parse", err)
		}
		return EnvelopedKey{Data: ed}, nil
	default:
		return nil, NewCRMFError("parse", fmt.Errorf("%w: unexpected EncryptedKey tag class %d number %d", ErrMalformedEncoding, h.Class, h.Number))
	}
}

// MarshalPKIArchiveOptions encodes o. EncryptedKey is itself a CHOICE, so
// encryptedPrivKey uses an EXPLICIT tag.
func MarshalPKIArchiveOptions(o PKIArchiveOptions) ([]byte, error) {
	switch v := o.(type) {
	case EncryptedPrivKey:
		enc, err := MarshalEncryptedKey(v.Key)
		if err != nil {
			return nil, err
		}
		return der.Wrap(enc, 0), nil
	case KeyGenParameters:
		if v == nil {
			return nil, NewCRMFError("encode", invalidArgument("key generation parameters"))
		}
		return der.Marshal([]byte(v), der.Implicit(1))
	case ArchiveRemGenPrivKey:
		return der.Marshal(bool(v), der.Implicit(2))
	case nil:
		return nil, NewCRMFError("encode", invalidArgument("archive options"))
	default:
		return nil, NewCRMFError("encode", fmt.Errorf("%w: archive options %T", ErrInvalidArgument, o))
	}
}

// ParsePKIArchiveOptions decodes PKIArchiveOptions, selecting the arm from
// the outer tag.
func ParsePKIArchiveOptions(data []byte) (PKIArchiveOptions, error) {
	h, err := der.Peek(data)
	if err != nil {
		return nil, NewCRMFError("parse", err)
	}
	switch {
	case h.IsContext(0) && h.Constructed:
		inner, err := der.Unwrap(data, 0)
		if err != nil {
			return nil, NewCRMFError("parse", err)
		}
		key, err := ParseEncryptedKey(inner)
		if err != nil {
			return nil, err
		}
		return EncryptedPrivKey{Key: key}, nil

	case h.IsContext(1) && !h.Constructed:
		var params []byte
		if err := der.Unmarshal(data, &params, der.Implicit(1)); err != nil {
			return nil, NewCRMFError("parse", err)
		}
		return KeyGenParameters(params), nil

	case h.IsContext(2) && !h.Constructed:
		var b bool
		if err := der.Unmarshal(data, &b, der.Implicit(2)); err != nil {
			return nil, NewCRMFError("parse", err)
		}
		return ArchiveRemGenPrivKey(b), nil

	default:
		return nil, NewCRMFError("parse", fmt.Errorf("%w: unexpected PKIArchiveOptions tag class %d number %d", ErrMalformedEncoding, h.Class, h.Number))
	}
}
