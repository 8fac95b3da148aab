package cms

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"

	pkicrypto "github.com/remiblancher/pkimsg/internal/crypto"
	"github.com/remiblancher/pkimsg/internal/der"
)

// RecipientInfo is a key transport recipient (RFC 5652 Section 6.2.1).
//
//	KeyTransRecipientInfo ::= SEQUENCE {
//	  version CMSVersion,  -- always set to 0
//	  rid RecipientIdentifier,
//	  keyEncryptionAlgorithm KeyEncryptionAlgorithmIdentifier,
//	  encryptedKey EncryptedKey }
type RecipientInfo struct {
	Version                int
	RID                    IssuerAndSerialNumber
	KeyEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedKey           []byte
}

type recipientInfoASN1 struct {
	Version                int
	RID                    issuerAndSerialASN1
	KeyEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedKey           []byte
}

// NewRecipientInfo validates and creates a RecipientInfo.
func NewRecipientInfo(rid IssuerAndSerialNumber, keyEncAlg pkix.AlgorithmIdentifier, encryptedKey []byte) (*RecipientInfo, error) {
	if rid.SerialNumber == nil || len(rid.Issuer) == 0 {
		return nil, NewCMSError("new", invalidArgument("recipient identifier"))
	}
	if len(keyEncAlg.Algorithm) == 0 {
		return nil, NewCMSError("new", invalidArgument("key encryption algorithm"))
	}
	if encryptedKey == nil {
		return nil, NewCMSError("new", invalidArgument("encrypted key"))
	}
	return &RecipientInfo{
		Version:                VersionZero,
		RID:                    rid,
		KeyEncryptionAlgorithm: keyEncAlg,
		EncryptedKey:           encryptedKey,
	}, nil
}

func (ri *RecipientInfo) wire() (recipientInfoASN1, error) {
	rid, err := ri.RID.wire()
	if err != nil {
		return recipientInfoASN1{}, err
	}
	return recipientInfoASN1{
		Version:                ri.Version,
		RID:                    rid,
		KeyEncryptionAlgorithm: ri.KeyEncryptionAlgorithm,
		EncryptedKey:           ri.EncryptedKey,
	}, nil
}

// EnvelopedData represents a CMS EnvelopedData structure (RFC 5652 Section 6.1).
//
//	EnvelopedData ::= SEQUENCE {
//	  version CMSVersion,
//	  recipientInfos RecipientInfos,
//	  encryptedContentInfo EncryptedContentInfo }
type EnvelopedData struct {
	Version              int
	RecipientInfos       []*RecipientInfo
	EncryptedContentInfo *EncryptedContentInfo
}

type envelopedDataASN1 struct {
	Version              int
	RecipientInfos       []recipientInfoASN1 `asn1:"set"`
	EncryptedContentInfo encryptedContentInfoASN1
}

// NewEnvelopedData validates and creates an EnvelopedData with version 0.
func NewEnvelopedData(recipients []*RecipientInfo, eci *EncryptedContentInfo) (*EnvelopedData, error) {
	if len(recipients) == 0 {
		return nil, NewCMSError("new", invalidArgument("recipient infos"))
	}
	for i, ri := range recipients {
		if ri == nil {
			return nil, NewCMSError("new", invalidArgument(fmt.Sprintf("recipient info %d", i)))
		}
	}
	if eci == nil {
		return nil, NewCMSError("new", invalidArgument("encrypted content info"))
	}
	return &EnvelopedData{Version: VersionZero, RecipientInfos: recipients, EncryptedContentInfo: eci}, nil
}

// Envelope encrypts content for RSA recipients with the software provider.
// See EnvelopeWith.
func Envelope(content []byte, recipients []*x509.Certificate, contentCipher asn1.ObjectIdentifier) (*EnvelopedData, error) {
	return EnvelopeWith(pkicrypto.DefaultProvider(), content, recipients, contentCipher)
}

// EnvelopeWith encrypts content for RSA recipients. The content key is
// random, transported with RSA PKCS#1 v1.5, and the content is encrypted
// by p in CBC mode with contentCipher (AES-256-CBC when nil).
func EnvelopeWith(p pkicrypto.Provider, content []byte, recipients []*x509.Certificate, contentCipher asn1.ObjectIdentifier) (*EnvelopedData, error) {
	if content == nil {
		return nil, NewCMSError("envelope", invalidArgument("content"))
	}
	if len(recipients) == 0 {
		return nil, NewCMSError("envelope", invalidArgument("recipients"))
	}
	if len(contentCipher) == 0 {
		contentCipher = pkicrypto.OIDAES256CBC
	}

	keyLen, err := pkicrypto.CipherKeySize(contentCipher)
	if err != nil {
		return nil, NewCMSError("envelope", err)
	}
	ivLen, err := pkicrypto.CipherBlockSize(contentCipher)
	if err != nil {
		return nil, NewCMSError("envelope", err)
	}
	cek := make([]byte, keyLen)
	iv := make([]byte, ivLen)
	if _, err := rand.Read(cek); err != nil {
		return nil, NewCMSError("envelope", fmt.Errorf("failed to generate content key: %w", err))
	}
	if _, err := rand.Read(iv); err != nil {
		return nil, NewCMSError("envelope", fmt.Errorf("failed to generate IV: %w", err))
	}

	ciphertext, err := p.Encrypt(contentCipher, cek, iv, content)
	if err != nil {
		return nil, NewCMSError("envelope", err)
	}
	ivParam, err := asn1.Marshal(iv)
	if err != nil {
		return nil, NewCMSError("envelope", err)
	}
	eci, err := NewEncryptedContentInfo(OIDData,
		pkix.AlgorithmIdentifier{Algorithm: contentCipher, Parameters: asn1.RawValue{FullBytes: ivParam}}, ciphertext)
	if err != nil {
		return nil, err
	}

	infos := make([]*RecipientInfo, 0, len(recipients))
	for _, cert := range recipients {
		ri, err := keyTransRecipient(cek, cert)
		if err != nil {
			return nil, wrap("envelope", err)
		}
		infos = append(infos, ri)
	}
	return NewEnvelopedData(infos, eci)
}

func keyTransRecipient(cek []byte, cert *x509.Certificate) (*RecipientInfo, error) {
	if cert == nil {
		return nil, invalidArgument("recipient certificate")
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: key transport to %T", ErrUnsupportedAlgorithm, cert.PublicKey)
	}
	encKey, err := rsa.EncryptPKCS1v15(rand.Reader, pub, cek)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt content key: %w", err)
	}
	return NewRecipientInfo(IssuerAndSerialFromCertificate(cert),
		pkix.AlgorithmIdentifier{Algorithm: pkicrypto.OIDRSAEncryption, Parameters: asn1.NullRawValue}, encKey)
}

// Open decrypts the content for the recipient identified by cert with the
// software provider.
func (ed *EnvelopedData) Open(cert *x509.Certificate, key crypto.Decrypter) ([]byte, error) {
	return ed.OpenWith(pkicrypto.DefaultProvider(), cert, key)
}

// OpenWith unwraps the content key with key and decrypts the content with p.
func (ed *EnvelopedData) OpenWith(p pkicrypto.Provider, cert *x509.Certificate, key crypto.Decrypter) ([]byte, error) {
	if cert == nil || key == nil {
		return nil, NewCMSError("decrypt", invalidArgument("recipient certificate and key"))
	}
	if ed.EncryptedContentInfo == nil {
		return nil, NewCMSError("decrypt", invalidArgument("encrypted content info"))
	}

	var ri *RecipientInfo
	for _, r := range ed.RecipientInfos {
		if r.RID.Matches(cert) {
			ri = r
			break
		}
	}
	if ri == nil {
		return nil, NewCMSError("decrypt", ErrNoRecipient)
	}
	if !ri.KeyEncryptionAlgorithm.Algorithm.Equal(pkicrypto.OIDRSAEncryption) {
		return nil, NewCMSError("decrypt", fmt.Errorf("%w: key encryption %s", ErrUnsupportedAlgorithm, ri.KeyEncryptionAlgorithm.Algorithm))
	}

	cek, err := key.Decrypt(rand.Reader, ri.EncryptedKey, &rsa.PKCS1v15DecryptOptions{})
	if err != nil {
		return nil, NewCMSError("decrypt", fmt.Errorf("%w: content key: %v", ErrDecryptionFailed, err))
	}

	alg := ed.EncryptedContentInfo.ContentEncryptionAlgorithm
	var iv []byte
	if err := der.Unmarshal(alg.Parameters.FullBytes, &iv, nil); err != nil {
		return nil, NewCMSError("decrypt", fmt.Errorf("%w: IV: %v", ErrInvalidParameters, err))
	}
	if ed.EncryptedContentInfo.EncryptedContent == nil {
		return nil, nil
	}
	plaintext, err := p.Decrypt(alg.Algorithm, cek, iv, ed.EncryptedContentInfo.EncryptedContent)
	if err != nil {
		return nil, NewCMSError("decrypt", err)
	}
	return plaintext, nil
}

// Marshal encodes the bare EnvelopedData.
func (ed *EnvelopedData) Marshal() ([]byte, error) {
	if ed.EncryptedContentInfo == nil {
		return nil, NewCMSError("encode", invalidArgument("encrypted content info"))
	}
	w := envelopedDataASN1{
		Version:              ed.Version,
		RecipientInfos:       make([]recipientInfoASN1, 0, len(ed.RecipientInfos)),
		EncryptedContentInfo: ed.EncryptedContentInfo.wire(),
	}
	for _, ri := range ed.RecipientInfos {
		rw, err := ri.wire()
		if err != nil {
			return nil, NewCMSError("encode", err)
		}
		w.RecipientInfos = append(w.RecipientInfos, rw)
	}
	return asn1.Marshal(w)
}

// MarshalContentInfo encodes the EnvelopedData inside a ContentInfo.
func (ed *EnvelopedData) MarshalContentInfo() ([]byte, error) {
	inner, err := ed.Marshal()
	if err != nil {
		return nil, err
	}
	return wrapContentInfo(OIDEnvelopedData, inner)
}

// ParseEnvelopedData decodes an EnvelopedData, bare or wrapped in a ContentInfo.
func ParseEnvelopedData(data []byte) (*EnvelopedData, error) {
	inner, err := unwrapContentInfo(data, OIDEnvelopedData)
	if err != nil {
		return nil, NewCMSError("parse", err)
	}
	var w envelopedDataASN1
	if err := der.Unmarshal(inner, &w, nil); err != nil {
		return nil, NewCMSError("parse", fmt.Errorf("failed to parse EnvelopedData: %w", err))
	}

	ed := &EnvelopedData{
		Version:              w.Version,
		RecipientInfos:       make([]*RecipientInfo, 0, len(w.RecipientInfos)),
		EncryptedContentInfo: fromEncryptedContentInfoWire(w.EncryptedContentInfo),
	}
	for _, rw := range w.RecipientInfos {
		if err := checkName(rw.RID.Issuer.FullBytes); err != nil {
			return nil, NewCMSError("parse", err)
		}
		ed.RecipientInfos = append(ed.RecipientInfos, &RecipientInfo{
			Version:                rw.Version,
			RID:                    fromIssuerAndSerialWire(rw.RID),
			KeyEncryptionAlgorithm: rw.KeyEncryptionAlgorithm,
			EncryptedKey:           rw.EncryptedKey,
		})
	}
	return ed, nil
}
