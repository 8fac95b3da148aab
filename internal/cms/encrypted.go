package cms

import (
	"crypto"
	"crypto/rand"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"

	pkicrypto "github.com/remiblancher/pkimsg/internal/crypto"
	"github.com/remiblancher/pkimsg/internal/der"
)

// Password-based encryption defaults.
const (
	DefaultIterations = 10000
	// DefaultSaltSize is the salt length of the PKCS#5 v1.5 and PKCS#12
	// schemes, whose PBEParameter salt is eight octets.
	DefaultSaltSize = 8
	// DefaultPBES2SaltSize is the PBKDF2 salt length used by CreatePBES2.
	DefaultPBES2SaltSize = 16
)

// EncryptedContentInfo carries encrypted content (RFC 5652 Section 6.1).
//
//	EncryptedContentInfo ::= SEQUENCE {
//	  contentType ContentType,
//	  contentEncryptionAlgorithm ContentEncryptionAlgorithmIdentifier,
//	  encryptedContent [0] IMPLICIT EncryptedContent OPTIONAL }
type EncryptedContentInfo struct {
	ContentType                asn1.ObjectIdentifier
	ContentEncryptionAlgorithm pkix.AlgorithmIdentifier
	// EncryptedContent is nil when only the algorithm is described.
	EncryptedContent []byte
}

type encryptedContentInfoASN1 struct {
	ContentType                asn1.ObjectIdentifier
	ContentEncryptionAlgorithm pkix.AlgorithmIdentifier
	EncryptedContent           []byte `asn1:"optional,tag:0"`
}

// pbeParameter is the PKCS#5 v1.5 and PKCS#12 parameter block.
type pbeParameter struct {
	Salt           []byte
	IterationCount int
}

type pbes2Params struct {
	KeyDerivationFunc pkix.AlgorithmIdentifier
	EncryptionScheme  pkix.AlgorithmIdentifier
}

type pbkdf2Params struct {
	Salt           []byte
	IterationCount int
	KeyLength      int                      `asn1:"optional"`
	PRF            pkix.AlgorithmIdentifier `asn1:"optional"`
}

// NewEncryptedContentInfo validates and creates an EncryptedContentInfo.
func NewEncryptedContentInfo(contentType asn1.ObjectIdentifier, alg pkix.AlgorithmIdentifier, encryptedContent []byte) (*EncryptedContentInfo, error) {
	if len(contentType) == 0 {
		return nil, NewCMSError("new", invalidArgument("content type"))
	}
	if len(alg.Algorithm) == 0 {
		return nil, NewCMSError("new", invalidArgument("content encryption algorithm"))
	}
	return &EncryptedContentInfo{
		ContentType:                contentType,
		ContentEncryptionAlgorithm: alg,
		EncryptedContent:           encryptedContent,
	}, nil
}

func randomSalt(n int) ([]byte, error) {
	salt := make([]byte, n)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// CreatePBE encrypts plaintext under a key derived from password with the
// software provider. See CreatePBEWith.
func CreatePBE(keyGenAlg asn1.ObjectIdentifier, password string, salt []byte, iterations int,
	conv pkicrypto.PasswordConverter, plaintext []byte) (*EncryptedContentInfo, error) {
	return CreatePBEWith(pkicrypto.DefaultProvider(), keyGenAlg, password, salt, iterations, conv, plaintext)
}

// CreatePBEWith derives a key and IV from password, salt and iterations
// with keyGenAlg, then pads and encrypts plaintext. An empty salt is
// generated and a non-positive iteration count selects DefaultIterations.
// A nil converter selects the scheme default. PBES2 uses AES-256-CBC with
// HMAC-SHA256.
func CreatePBEWith(p pkicrypto.Provider, keyGenAlg asn1.ObjectIdentifier, password string, salt []byte, iterations int,
	conv pkicrypto.PasswordConverter, plaintext []byte) (*EncryptedContentInfo, error) {
	scheme, err := pkicrypto.LookupPBE(keyGenAlg)
	if err != nil {
		return nil, NewCMSError("encrypt", err)
	}
	if scheme.KDF == pkicrypto.KDFPBKDF2 {
		return createPBES2(p, password, salt, iterations, crypto.SHA256, pkicrypto.OIDAES256CBC, conv, plaintext)
	}
	if plaintext == nil {
		return nil, NewCMSError("encrypt", invalidArgument("plaintext"))
	}
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	if len(salt) == 0 {
		if salt, err = randomSalt(DefaultSaltSize); err != nil {
			return nil, NewCMSError("encrypt", err)
		}
	}
	if conv == nil {
		conv = scheme.Converter
	}

	pw, err := conv.Convert(password)
	if err != nil {
		return nil, NewCMSError("encrypt", err)
	}
	key, iv, err := p.DeriveKey(keyGenAlg, pw, salt, iterations)
	if err != nil {
		return nil, NewCMSError("encrypt", err)
	}
	ciphertext, err := p.Encrypt(scheme.Cipher, key, iv, plaintext)
	if err != nil {
		return nil, NewCMSError("encrypt", err)
	}

	params, err := asn1.Marshal(pbeParameter{Salt: salt, IterationCount: iterations})
	if err != nil {
		return nil, NewCMSError("encrypt", err)
	}
	alg := pkix.AlgorithmIdentifier{Algorithm: keyGenAlg, Parameters: asn1.RawValue{FullBytes: params}}
	return NewEncryptedContentInfo(OIDData, alg, ciphertext)
}

// CreatePBES2 encrypts plaintext with PBES2 (RFC 8018): PBKDF2 with the
// given PRF hash and a CBC content cipher with a random IV. Zero values
// select HMAC-SHA256, AES-256-CBC, a generated salt and DefaultIterations.
func CreatePBES2(password string, salt []byte, iterations int, prf crypto.Hash,
	cipherAlg asn1.ObjectIdentifier, plaintext []byte) (*EncryptedContentInfo, error) {
	return createPBES2(pkicrypto.DefaultProvider(), password, salt, iterations, prf, cipherAlg, nil, plaintext)
}

func createPBES2(p pkicrypto.Provider, password string, salt []byte, iterations int, prf crypto.Hash,
	cipherAlg asn1.ObjectIdentifier, conv pkicrypto.PasswordConverter, plaintext []byte) (*EncryptedContentInfo, error) {
	if plaintext == nil {
		return nil, NewCMSError("encrypt", invalidArgument("plaintext"))
	}
	if prf == 0 {
		prf = crypto.SHA256
	}
	if len(cipherAlg) == 0 {
		cipherAlg = pkicrypto.OIDAES256CBC
	}
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	if conv == nil {
		conv = pkicrypto.UTF8Converter{}
	}

	var err error
	if len(salt) == 0 {
		if salt, err = randomSalt(DefaultPBES2SaltSize); err != nil {
			return nil, NewCMSError("encrypt", err)
		}
	}
	prfOID, err := pkicrypto.OIDForPRF(prf)
	if err != nil {
		return nil, NewCMSError("encrypt", err)
	}
	keyLen, err := pkicrypto.CipherKeySize(cipherAlg)
	if err != nil {
		return nil, NewCMSError("encrypt", err)
	}
	ivLen, err := pkicrypto.CipherBlockSize(cipherAlg)
	if err != nil {
		return nil, NewCMSError("encrypt", err)
	}
	iv := make([]byte, ivLen)
	if _, err := rand.Read(iv); err != nil {
		return nil, NewCMSError("encrypt", fmt.Errorf("failed to generate IV: %w", err))
	}

	pw, err := conv.Convert(password)
	if err != nil {
		return nil, NewCMSError("encrypt", err)
	}
	key, err := p.DerivePBKDF2(pw, salt, iterations, keyLen, prf)
	if err != nil {
		return nil, NewCMSError("encrypt", err)
	}
	ciphertext, err := p.Encrypt(cipherAlg, key, iv, plaintext)
	if err != nil {
		return nil, NewCMSError("encrypt", err)
	}

	kdfParams, err := asn1.Marshal(pbkdf2Params{
		Salt:           salt,
		IterationCount: iterations,
		KeyLength:      keyLen,
		PRF:            pkix.AlgorithmIdentifier{Algorithm: prfOID, Parameters: asn1.NullRawValue},
	})
	if err != nil {
		return nil, NewCMSError("encrypt", err)
	}
	ivParam, err := asn1.Marshal(iv)
	if err != nil {
		return nil, NewCMSError("encrypt", err)
	}
	params, err := asn1.Marshal(pbes2Params{
		KeyDerivationFunc: pkix.AlgorithmIdentifier{Algorithm: pkicrypto.OIDPBKDF2, Parameters: asn1.RawValue{FullBytes: kdfParams}},
		EncryptionScheme:  pkix.AlgorithmIdentifier{Algorithm: cipherAlg, Parameters: asn1.RawValue{FullBytes: ivParam}},
	})
	if err != nil {
		return nil, NewCMSError("encrypt", err)
	}

	alg := pkix.AlgorithmIdentifier{Algorithm: pkicrypto.OIDPBES2, Parameters: asn1.RawValue{FullBytes: params}}
	return NewEncryptedContentInfo(OIDData, alg, ciphertext)
}

// Decrypt recovers the plaintext with the software provider. See DecryptWith.
func (eci *EncryptedContentInfo) Decrypt(password string, conv pkicrypto.PasswordConverter) ([]byte, error) {
	return eci.DecryptWith(pkicrypto.DefaultProvider(), password, conv)
}

// DecryptWith re-derives the content key from password and the algorithm
// parameters, decrypts and unpads. It returns nil and no error when there
// is no encrypted content. A nil converter selects the scheme default.
func (eci *EncryptedContentInfo) DecryptWith(p pkicrypto.Provider, password string, conv pkicrypto.PasswordConverter) ([]byte, error) {
	if eci.EncryptedContent == nil {
		return nil, nil
	}
	alg := eci.ContentEncryptionAlgorithm
	scheme, err := pkicrypto.LookupPBE(alg.Algorithm)
	if err != nil {
		return nil, NewCMSError("decrypt", err)
	}
	params := alg.Parameters.FullBytes
	if len(params) == 0 || alg.Parameters.Tag == asn1.TagNull {
		return nil, NewCMSError("decrypt", fmt.Errorf("%w: %s requires parameters", ErrInvalidParameters, scheme.Name))
	}
	if conv == nil {
		conv = scheme.Converter
	}
	pw, err := conv.Convert(password)
	if err != nil {
		return nil, NewCMSError("decrypt", err)
	}

	var plaintext []byte
	if scheme.KDF == pkicrypto.KDFPBKDF2 {
		plaintext, err = decryptPBES2(p, params, pw, eci.EncryptedContent)
	} else {
		var pbe pbeParameter
		if err := der.Unmarshal(params, &pbe, nil); err != nil {
			return nil, NewCMSError("decrypt", fmt.Errorf("%w: %v", ErrInvalidParameters, err))
		}
		var key, iv []byte
		key, iv, err = p.DeriveKey(alg.Algorithm, pw, pbe.Salt, pbe.IterationCount)
		if err == nil {
			plaintext, err = p.Decrypt(scheme.Cipher, key, iv, eci.EncryptedContent)
		}
	}
	if err != nil {
		return nil, NewCMSError("decrypt", err)
	}
	return plaintext, nil
}

func decryptPBES2(p pkicrypto.Provider, params, password, ciphertext []byte) ([]byte, error) {
	var pbes2 pbes2Params
	if err := der.Unmarshal(params, &pbes2, nil); err != nil {
		return nil, fmt.Errorf("%w: PBES2: %v", ErrInvalidParameters, err)
	}
	if !pbes2.KeyDerivationFunc.Algorithm.Equal(pkicrypto.OIDPBKDF2) {
		return nil, fmt.Errorf("%w: PBES2 key derivation %s", ErrUnsupportedAlgorithm, pbes2.KeyDerivationFunc.Algorithm)
	}
	var kdf pbkdf2Params
	if err := der.Unmarshal(pbes2.KeyDerivationFunc.Parameters.FullBytes, &kdf, nil); err != nil {
		return nil, fmt.Errorf("%w: PBKDF2: %v", ErrInvalidParameters, err)
	}
	prf, err := pkicrypto.PRFForOID(kdf.PRF.Algorithm)
	if err != nil {
		return nil, err
	}

	cipherAlg := pbes2.EncryptionScheme.Algorithm
	keyLen, err := pkicrypto.CipherKeySize(cipherAlg)
	if err != nil {
		return nil, err
	}
	if kdf.KeyLength != 0 && kdf.KeyLength != keyLen {
		return nil, fmt.Errorf("%w: PBKDF2 key length %d does not fit %s", ErrInvalidParameters, kdf.KeyLength, cipherAlg)
	}
	var iv []byte
	if err := der.Unmarshal(pbes2.EncryptionScheme.Parameters.FullBytes, &iv, nil); err != nil {
		return nil, fmt.Errorf("%w: IV: %v", ErrInvalidParameters, err)
	}

	key, err := p.DerivePBKDF2(password, kdf.Salt, kdf.IterationCount, keyLen, prf)
	if err != nil {
		return nil, err
	}
	return p.Decrypt(cipherAlg, key, iv, ciphertext)
}

// Marshal encodes the EncryptedContentInfo.
func (eci *EncryptedContentInfo) Marshal() ([]byte, error) {
	return asn1.Marshal(eci.wire())
}

func (eci *EncryptedContentInfo) wire() encryptedContentInfoASN1 {
	return encryptedContentInfoASN1{
		ContentType:                eci.ContentType,
		ContentEncryptionAlgorithm: eci.ContentEncryptionAlgorithm,
		EncryptedContent:           eci.EncryptedContent,
	}
}

func fromEncryptedContentInfoWire(w encryptedContentInfoASN1) *EncryptedContentInfo {
	return &EncryptedContentInfo{
		ContentType:                w.ContentType,
		ContentEncryptionAlgorithm: w.ContentEncryptionAlgorithm,
		EncryptedContent:           w.EncryptedContent,
	}
}

// ParseEncryptedContentInfo decodes a DER EncryptedContentInfo.
func ParseEncryptedContentInfo(data []byte) (*EncryptedContentInfo, error) {
	var w encryptedContentInfoASN1
	if err := der.Unmarshal(data, &w, nil); err != nil {
		return nil, NewCMSError("parse", fmt.Errorf("failed to parse EncryptedContentInfo: %w", err))
	}
	return fromEncryptedContentInfoWire(w), nil
}

// EncryptedData carries password or pre-shared key encrypted content
// (RFC 5652 Section 8).
//
//	EncryptedData ::= SEQUENCE {
//	  version CMSVersion,
//	  encryptedContentInfo EncryptedContentInfo }
type EncryptedData struct {
	Version              int
	EncryptedContentInfo *EncryptedContentInfo
}

type encryptedDataASN1 struct {
	Version              int
	EncryptedContentInfo encryptedContentInfoASN1
}

// NewEncryptedData wraps eci with version 0.
func NewEncryptedData(eci *EncryptedContentInfo) (*EncryptedData, error) {
	if eci == nil {
		return nil, NewCMSError("new", invalidArgument("encrypted content info"))
	}
	return &EncryptedData{Version: VersionZero, EncryptedContentInfo: eci}, nil
}

// Marshal encodes the bare EncryptedData.
func (ed *EncryptedData) Marshal() ([]byte, error) {
	if ed.EncryptedContentInfo == nil {
		return nil, NewCMSError("encode", invalidArgument("encrypted content info"))
	}
	return asn1.Marshal(encryptedDataASN1{Version: ed.Version, EncryptedContentInfo: ed.EncryptedContentInfo.wire()})
}

// MarshalContentInfo encodes the EncryptedData inside a ContentInfo.
func (ed *EncryptedData) MarshalContentInfo() ([]byte, error) {
	inner, err := ed.Marshal()
	if err != nil {
		return nil, err
	}
	return wrapContentInfo(OIDEncryptedData, inner)
}

// ParseEncryptedData decodes an EncryptedData, bare or wrapped in a ContentInfo.
func ParseEncryptedData(data []byte) (*EncryptedData, error) {
	inner, err := unwrapContentInfo(data, OIDEncryptedData)
	if err != nil {
		return nil, NewCMSError("parse", err)
	}
	var w encryptedDataASN1
	if err := der.Unmarshal(inner, &w, nil); err != nil {
		return nil, NewCMSError("parse", fmt.Errorf("failed to parse EncryptedData: %w", err))
	}
	return &EncryptedData{Version: w.Version, EncryptedContentInfo: fromEncryptedContentInfoWire(w.EncryptedContentInfo)}, nil
}
