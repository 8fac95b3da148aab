package crmf

import (
	"bytes"
	"crypto"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"

	pkicrypto "github.com/remiblancher/pkimsg/internal/crypto"
	"github.com/remiblancher/pkimsg/internal/der"
)

// ProofOfPossession shows that the requester holds the private key.
//
//	ProofOfPossession ::= CHOICE {
//	  raVerified      [0] NULL,
//	  signature       [1] POPOSigningKey,
//	  keyEncipherment [2] POPOPrivKey,
//	  keyAgreement    [3] POPOPrivKey }
//
// The implementations are RAVerified, *POPOSigningKey, KeyEncipherment and
// KeyAgreement.
type ProofOfPossession interface {
	isProofOfPossession()
}

// RAVerified asserts that an RA already checked possession out of band.
type RAVerified struct{}

// KeyEncipherment proves possession of a key encipherment key.
type KeyEncipherment struct {
	PrivKey POPOPrivKey
}

// KeyAgreement proves possession of a key agreement key.
type KeyAgreement struct {
	PrivKey POPOPrivKey
}

func (RAVerified) isProofOfPossession()      {}
func (*POPOSigningKey) isProofOfPossession() {}
func (KeyEncipherment) isProofOfPossession() {}
func (KeyAgreement) isProofOfPossession()    {}

// POPOPrivKey is the proof for encipherment and agreement keys.
//
//	POPOPrivKey ::= CHOICE {
//	  thisMessage       [0] BIT STRING,
//	  subsequentMessage [1] SubsequentMessage,
//	  dhMAC             [2] BIT STRING }
//
// The implementations are ThisMessage, SubsequentMessage and DHMAC.
type POPOPrivKey interface {
	isPOPOPrivKey()
}

// ThisMessage carries the encrypted private key in the request.
type ThisMessage asn1.BitString

// SubsequentMessage defers the proof to a later exchange.
type SubsequentMessage int

// SubsequentMessage values.
const (
	EncrCert      SubsequentMessage = 0
	ChallengeResp SubsequentMessage = 1
)

// DHMAC is a MAC keyed with a Diffie-Hellman shared secret.
type DHMAC asn1.BitString

func (ThisMessage) isPOPOPrivKey()       {}
func (SubsequentMessage) isPOPOPrivKey() {}
func (DHMAC) isPOPOPrivKey()             {}

// POPOSigningKey is a signature over the request, or over Input when
// present.
//
//	POPOSigningKey ::= SEQUENCE {
//	  poposkInput         [0] POPOSigningKeyInput OPTIONAL,
//	  algorithmIdentifier AlgorithmIdentifier,
//	  signature           BIT STRING }
type POPOSigningKey struct {
	Input     *POPOSigningKeyInput
	Algorithm pkix.AlgorithmIdentifier
	Signature asn1.BitString
}

type popoSigningKeyASN1 struct {
	Input     asn1.RawValue `asn1:"optional,tag:0"`
	Algorithm pkix.AlgorithmIdentifier
	Signature asn1.BitString
}

// POPOSigningKeyInput names the key and the sender when the template does
// not carry them.
//
//	POPOSigningKeyInput ::= SEQUENCE {
//	  authInfo  CHOICE {
//	    sender       [0] GeneralName,
//	    publicKeyMAC PKMACValue },
//	  publicKey SubjectPublicKeyInfo }
type POPOSigningKeyInput struct {
	AuthInfo AuthInfo
	// PublicKey is a DER-encoded SubjectPublicKeyInfo.
	PublicKey []byte

	raw []byte
}

// AuthInfo authenticates a POPOSigningKeyInput. The implementations are
// Sender and *PKMACValue.
type AuthInfo interface {
	isAuthInfo()
}

// Sender is a DER-encoded GeneralName.
type Sender []byte

// PKMACValue is a password-based MAC over the public key.
//
//	PKMACValue ::= SEQUENCE {
//	  algId AlgorithmIdentifier,
//	  value BIT STRING }
type PKMACValue struct {
	AlgID pkix.AlgorithmIdentifier
	Value asn1.BitString
}

func (Sender) isAuthInfo()      {}
func (*PKMACValue) isAuthInfo() {}

type popoSigningKeyInputASN1 struct {
	AuthInfo  asn1.RawValue
	PublicKey asn1.RawValue
}

// NewPOPOSigningKeyInput validates and creates a POPOSigningKeyInput.
func NewPOPOSigningKeyInput(auth AuthInfo, spki []byte) (*POPOSigningKeyInput, error) {
	in := &POPOSigningKeyInput{AuthInfo: auth, PublicKey: spki}
	if _, err := in.Marshal(); err != nil {
		return nil, wrap("new", err)
	}
	return in, nil
}

// Marshal encodes the input as the SEQUENCE the signature covers.
func (in *POPOSigningKeyInput) Marshal() ([]byte, error) {
	var auth []byte
	switch a := in.AuthInfo.(type) {
	case Sender:
		if err := checkGeneralName(a); err != nil {
			return nil, NewCRMFError("encode", fmt.Errorf("sender: %w", err))
		}
		auth = der.Wrap(a, 0)
	case *PKMACValue:
		if a == nil || len(a.AlgID.Algorithm) == 0 {
			return nil, NewCRMFError("encode", invalidArgument("MAC algorithm"))
		}
		enc, err := asn1.Marshal(*a)
		if err != nil {
			return nil, NewCRMFError("encode", err)
		}
		auth = enc
	case nil:
		return nil, NewCRMFError("encode", invalidArgument("authInfo"))
	default:
		return nil, NewCRMFError("encode", fmt.Errorf("%w: authInfo %T", ErrInvalidArgument, in.AuthInfo))
	}
	if len(in.PublicKey) == 0 {
		return nil, NewCRMFError("encode", ErrMissingPublicKey)
	}
	if err := checkSequence(in.PublicKey); err != nil {
		return nil, NewCRMFError("encode", fmt.Errorf("public key: %w", err))
	}
	return asn1.Marshal(popoSigningKeyInputASN1{
		AuthInfo:  asn1.RawValue{FullBytes: auth},
		PublicKey: asn1.RawValue{FullBytes: in.PublicKey},
	})
}

func (in *POPOSigningKeyInput) encoded() ([]byte, error) {
	if in.raw != nil {
		return in.raw, nil
	}
	return in.Marshal()
}

func parsePOPOSigningKeyInput(data []byte) (*POPOSigningKeyInput, error) {
	var w popoSigningKeyInputASN1
	if err := der.Unmarshal(data, &w, nil); err != nil {
		return nil, fmt.Errorf("failed to parse POPOSigningKeyInput: %w", err)
	}
	in := &POPOSigningKeyInput{raw: append([]byte(nil), data...)}

	h, err := der.Peek(w.AuthInfo.FullBytes)
	if err != nil {
		return nil, err
	}
	switch {
	case h.IsContext(0) && h.Constructed:
		gn, err := der.Unwrap(w.AuthInfo.FullBytes, 0)
		if err != nil {
			return nil, err
		}
		if err := checkGeneralName(gn); err != nil {
			return nil, err
		}
		in.AuthInfo = Sender(append([]byte(nil), gn...))
	case h.IsUniversal(asn1.TagSequence) && h.Constructed:
		var mac PKMACValue
		if err := der.Unmarshal(w.AuthInfo.FullBytes, &mac, nil); err != nil {
			return nil, err
		}
		in.AuthInfo = &mac
	default:
		return nil, fmt.Errorf("%w: unexpected authInfo tag class %d number %d", ErrMalformedEncoding, h.Class, h.Number)
	}

	if err := checkSequence(w.PublicKey.FullBytes); err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	in.PublicKey = append([]byte(nil), w.PublicKey.FullBytes...)
	return in, nil
}

// Marshal encodes the bare POPOSigningKey SEQUENCE.
func (k *POPOSigningKey) Marshal() ([]byte, error) {
	if len(k.Algorithm.Algorithm) == 0 {
		return nil, NewCRMFError("encode", invalidArgument("signature algorithm"))
	}
	if k.Signature.Bytes == nil {
		return nil, NewCRMFError("encode", invalidArgument("signature"))
	}
	w := popoSigningKeyASN1{Algorithm: k.Algorithm, Signature: k.Signature}
	if k.Input != nil {
		enc, err := k.Input.encoded()
		if err != nil {
			return nil, wrap("encode", err)
		}
		tagged, err := der.Retag(enc, der.Implicit(0))
		if err != nil {
			return nil, NewCRMFError("encode", err)
		}
		if w.Input, err = der.Raw(tagged); err != nil {
			return nil, NewCRMFError("encode", err)
		}
	}
	return asn1.Marshal(w)
}

func parsePOPOSigningKey(data []byte) (*POPOSigningKey, error) {
	var w popoSigningKeyASN1
	if err := der.Unmarshal(data, &w, nil); err != nil {
		return nil, fmt.Errorf("failed to parse POPOSigningKey: %w", err)
	}
	k := &POPOSigningKey{Algorithm: w.Algorithm, Signature: w.Signature}
	if present(w.Input) {
		inner, err := der.Restore(w.Input.FullBytes, 0, asn1.TagSequence)
		if err != nil {
			return nil, err
		}
		if k.Input, err = parsePOPOSigningKeyInput(inner); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// MarshalPOPOPrivKey encodes p with its IMPLICIT arm tag.
func MarshalPOPOPrivKey(p POPOPrivKey) ([]byte, error) {
	switch v := p.(type) {
	case ThisMessage:
		return der.Marshal(asn1.BitString(v), der.Implicit(0))
	case SubsequentMessage:
		if v != EncrCert && v != ChallengeResp {
			return nil, NewCRMFError("encode", fmt.Errorf("%w: subsequentMessage %d", ErrInvalidArgument, int(v)))
		}
		return der.Marshal(int(v), der.Implicit(1))
	case DHMAC:
		return der.Marshal(asn1.BitString(v), der.Implicit(2))
	case nil:
		return nil, NewCRMFError("encode", invalidArgument("POPOPrivKey"))
	default:
		return nil, NewCRMFError("encode", fmt.Errorf("%w: POPOPrivKey %T", ErrInvalidArgument, p))
	}
}

// ParsePOPOPrivKey decodes a POPOPrivKey, selecting the arm from the outer
// tag.
func ParsePOPOPrivKey(data []byte) (POPOPrivKey, error) {
	h, err := der.Peek(data)
	if err != nil {
		return nil, NewCRMFError("parse", err)
	}
	switch {
	case h.IsContext(0) && !h.Constructed:
		var bs asn1.BitString
		if err := der.Unmarshal(data, &bs, der.Implicit(0)); err != nil {
			return nil, NewCRMFError("parse", err)
		}
		return ThisMessage(bs), nil
	case h.IsContext(1) && !h.Constructed:
		var n int
		if err := der.Unmarshal(data, &n, der.Implicit(1)); err != nil {
			return nil, NewCRMFError("parse", err)
		}
		if n != int(EncrCert) && n != int(ChallengeResp) {
			return nil, NewCRMFError("parse", fmt.Errorf("%w: subsequentMessage %d", ErrMalformedEncoding, n))
		}
		return SubsequentMessage(n), nil
	case h.IsContext(2) && !h.Constructed:
		var bs asn1.BitString
		if err := der.Unmarshal(data, &bs, der.Implicit(2)); err != nil {
			return nil, NewCRMFError("parse", err)
		}
		return DHMAC(bs), nil
	default:
		return nil, NewCRMFError("parse", fmt.Errorf("%w: unexpected POPOPrivKey tag class %d number %d", ErrMalformedEncoding, h.Class, h.Number))
	}
}

// MarshalProofOfPossession encodes pop. POPOPrivKey is itself a CHOICE, so
// the keyEncipherment and keyAgreement arms use EXPLICIT tags.
func MarshalProofOfPossession(pop ProofOfPossession) ([]byte, error) {
	switch v := pop.(type) {
	case RAVerified:
		return der.Marshal(asn1.NullRawValue, der.Implicit(0))
	case *POPOSigningKey:
		if v == nil {
			return nil, NewCRMFError("encode", invalidArgument("POPOSigningKey"))
		}
		enc, err := v.Marshal()
		if err != nil {
			return nil, err
		}
		return der.Retag(enc, der.Implicit(1))
	case KeyEncipherment:
		enc, err := MarshalPOPOPrivKey(v.PrivKey)
		if err != nil {
			return nil, err
		}
		return der.Wrap(enc, 2), nil
	case KeyAgreement:
		enc, err := MarshalPOPOPrivKey(v.PrivKey)
		if err != nil {
			return nil, err
		}
		return der.Wrap(enc, 3), nil
	case nil:
		return nil, NewCRMFError("encode", invalidArgument("proof of possession"))
	default:
		return nil, NewCRMFError("encode", fmt.Errorf("%w: proof of possession %T", ErrInvalidArgument, pop))
	}
}

// ParseProofOfPossession decodes a ProofOfPossession, selecting the arm
// from the outer tag.
func ParseProofOfPossession(data []byte) (ProofOfPossession, error) {
	h, err := der.Peek(data)
	if err != nil {
		return nil, NewCRMFError("parse", err)
	}
	switch {
	case h.IsContext(0) && !h.Constructed:
		_, body, err := der.Contents(data)
		if err != nil {
			return nil, NewCRMFError("parse", err)
		}
		if len(body) != 0 {
			return nil, NewCRMFError("parse", fmt.Errorf("%w: raVerified is not NULL", ErrMalformedEncoding))
		}
		return RAVerified{}, nil

	case h.IsContext(1) && h.Constructed:
		inner, err := der.Restore(data, 1, asn1.TagSequence)
		if err != nil {
			return nil, NewCRMFError("parse", err)
		}
		k, err := parsePOPOSigningKey(inner)
		if err != nil {
			return nil, NewCRMFError("parse", err)
		}
		return k, nil

	case (h.IsContext(2) || h.IsContext(3)) && h.Constructed:
		inner, err := der.Unwrap(data, h.Number)
		if err != nil {
			return nil, NewCRMFError("parse", err)
		}
		priv, err := ParsePOPOPrivKey(inner)
		if err != nil {
			return nil, err
		}
		if h.Number == 2 {
			return KeyEncipherment{PrivKey: priv}, nil
		}
		return KeyAgreement{PrivKey: priv}, nil

	default:
		return nil, NewCRMFError("parse", fmt.Errorf("%w: unexpected ProofOfPossession tag class %d number %d", ErrMalformedEncoding, h.Class, h.Number))
	}
}

// SignPOP signs req with signer and returns the signature POP. When the
// template has no public key, the key travels in a POPOSigningKeyInput
// whose sender is the template subject, and the signature covers that
// input instead of the request.
func SignPOP(req *CertRequest, signer crypto.Signer, alg pkix.AlgorithmIdentifier) (*POPOSigningKey, error) {
	return SignPOPWith(pkicrypto.DefaultProvider(), req, signer, alg)
}

// SignPOPWith is SignPOP with an explicit provider.
func SignPOPWith(p pkicrypto.Provider, req *CertRequest, signer crypto.Signer, alg pkix.AlgorithmIdentifier) (*POPOSigningKey, error) {
	if req == nil || req.CertTemplate == nil {
		return nil, NewCRMFError("sign", invalidArgument("certificate request"))
	}
	if signer == nil {
		return nil, NewCRMFError("sign", invalidArgument("signer"))
	}
	if len(alg.Algorithm) == 0 {
		return nil, NewCRMFError("sign", invalidArgument("signature algorithm"))
	}
	if _, err := pkicrypto.LookupSignatureAlgorithm(alg.Algorithm); err != nil {
		return nil, NewCRMFError("sign", err)
	}

	spki, err := pkicrypto.MarshalPublicKey(signer.Public())
	if err != nil {
		return nil, NewCRMFError("sign", err)
	}

	k := &POPOSigningKey{Algorithm: alg}
	var msg []byte
	if tmplKey := req.CertTemplate.PublicKey; tmplKey != nil {
		if !bytes.Equal(tmplKey, spki) {
			return nil, NewCRMFError("sign", fmt.Errorf("%w: signer does not hold the template public key", pkicrypto.ErrKeyMismatch))
		}
		if msg, err = req.encoded(); err != nil {
			return nil, wrap("sign", err)
		}
	} else {
		if req.CertTemplate.Subject == nil {
			return nil, NewCRMFError("sign", fmt.Errorf("%w: template has neither public key nor subject", ErrMissingPublicKey))
		}
		sender, err := DirectoryName(req.CertTemplate.Subject)
		if err != nil {
			return nil, NewCRMFError("sign", err)
		}
		if k.Input, err = NewPOPOSigningKeyInput(Sender(sender), spki); err != nil {
			return nil, wrap("sign", err)
		}
		if msg, err = k.Input.encoded(); err != nil {
			return nil, wrap("sign", err)
		}
	}

	sig, err := pkicrypto.SignMessage(p, signer, alg.Algorithm, msg)
	if err != nil {
		return nil, NewCRMFError("sign", err)
	}
	k.Signature = asn1.BitString{Bytes: sig, BitLength: 8 * len(sig)}
	return k, nil
}

// verify checks the signature against the request, or against Input when
// present.
// checkTemplate rejects a poposkInput next to a template that already
// carries the public key (RFC 4211 Section 4.1).
func (k *POPOSigningKey) checkTemplate(req *CertRequest) error {
	if k.Input == nil || req == nil || req.CertTemplate == nil {
		return nil
	}
	if len(req.CertTemplate.PublicKey) > 0 {
		return fmt.Errorf("%w: poposkInput present with a template public key", ErrMalformedEncoding)
	}
	return nil
}

func (k *POPOSigningKey) verify(p pkicrypto.Provider, req *CertRequest) error {
	if _, err := pkicrypto.LookupSignatureAlgorithm(k.Algorithm.Algorithm); err != nil {
		return err
	}

	if err := k.checkTemplate(req); err != nil {
		return err
	}

	var msg, spki []byte
	var err error
	if k.Input != nil {
		spki = k.Input.PublicKey
		msg, err = k.Input.encoded()
	} else {
		spki = req.CertTemplate.PublicKey
		msg, err = req.encoded()
	}
	if err != nil {
		return err
	}
	if len(spki) == 0 {
		return ErrMissingPublicKey
	}
	pub, err := pkicrypto.ParsePublicKey(spki)
	if err != nil {
		return err
	}
	if k.Signature.BitLength%8 != 0 {
		return fmt.Errorf("%w: signature has %d unused bits", ErrSignatureMismatch, 8-k.Signature.BitLength%8)
	}
	if !pkicrypto.VerifyMessage(p, pub, k.Algorithm.Algorithm, msg, k.Signature.Bytes) {
		return ErrSignatureMismatch
	}
	return nil
}
