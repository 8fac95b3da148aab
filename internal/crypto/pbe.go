package crypto

import (
	"crypto"
	"encoding/asn1"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Password-based encryption scheme OIDs (PKCS#5, PKCS#12).
var (
	OIDPBEWithMD5AndDESCBC           = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 3}
	OIDPBEWithSHA1AndDESCBC          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 10}
	OIDPBEWithSHAAnd3KeyTripleDESCBC = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 12, 1, 3}
	OIDPBEWithSHAAnd2KeyTripleDESCBC = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 12, 1, 4}
	OIDPBES2                         = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 13}
	OIDPBKDF2                        = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 12}
)

// HMAC PRF OIDs for PBKDF2.
var (
	OIDHMACWithSHA1   = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 7}
	OIDHMACWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 9}
	OIDHMACWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 10}
	OIDHMACWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 11}
)

// KDF names the key derivation function of a PBE scheme.
type KDF int

const (
	KDFPBKDF1 KDF = iota + 1
	KDFPKCS12
	KDFPBKDF2
)

// PBEScheme describes a password-based encryption algorithm.
type PBEScheme struct {
	OID    asn1.ObjectIdentifier
	Name   string
	KDF    KDF
	Hash   crypto.Hash
	Cipher asn1.ObjectIdentifier
	KeyLen int
	IVLen  int
	// Converter is used when the caller does not supply one.
	Converter PasswordConverter
}

var pbeSchemes = []PBEScheme{
	{OIDPBEWithMD5AndDESCBC, "pbeWithMD5AndDES-CBC", KDFPBKDF1, crypto.MD5, OIDDESCBC, 8, 8, PKCS5Converter{}},
	{OIDPBEWithSHA1AndDESCBC, "pbeWithSHA1AndDES-CBC", KDFPBKDF1, crypto.SHA1, OIDDESCBC, 8, 8, PKCS5Converter{}},
	{OIDPBEWithSHAAnd3KeyTripleDESCBC, "pbeWithSHAAnd3-KeyTripleDES-CBC", KDFPKCS12, crypto.SHA1, OIDDESEDE3CBC, 24, 8, PKCS12Converter{}},
	{OIDPBEWithSHAAnd2KeyTripleDESCBC, "pbeWithSHAAnd2-KeyTripleDES-CBC", KDFPKCS12, crypto.SHA1, OIDDESEDE2CBC, 16, 8, PKCS12Converter{}},
	{OIDPBES2, "PBES2", KDFPBKDF2, 0, nil, 0, 0, UTF8Converter{}},
}

// LookupPBE resolves a password-based encryption OID.
func LookupPBE(oid asn1.ObjectIdentifier) (PBEScheme, error) {
	for _, s := range pbeSchemes {
		if s.OID.Equal(oid) {
			return s, nil
		}
	}
	return PBEScheme{}, fmt.Errorf("%w: %s is not a password-based encryption algorithm", ErrUnsupportedAlgorithm, oid)
}

// IsPBE reports whether oid names a password-based encryption scheme.
func IsPBE(oid asn1.ObjectIdentifier) bool {
	_, err := LookupPBE(oid)
	return err == nil
}

// PBESchemes lists the supported schemes.
func PBESchemes() []PBEScheme {
	out := make([]PBEScheme, len(pbeSchemes))
	copy(out, pbeSchemes)
	return out
}

// PRFForOID maps a PBKDF2 PRF identifier to its hash. An empty OID selects
// the PKCS#5 default, HMAC-SHA1.
func PRFForOID(oid asn1.ObjectIdentifier) (crypto.Hash, error) {
	switch {
	case len(oid) == 0, oid.Equal(OIDHMACWithSHA1):
		return crypto.SHA1, nil
	case oid.Equal(OIDHMACWithSHA256):
		return crypto.SHA256, nil
	case oid.Equal(OIDHMACWithSHA384):
		return crypto.SHA384, nil
	case oid.Equal(OIDHMACWithSHA512):
		return crypto.SHA512, nil
	}
	return 0, fmt.Errorf("%w: PBKDF2 PRF %s", ErrUnsupportedAlgorithm, oid)
}

// OIDForPRF maps a hash to its HMAC PRF identifier.
func OIDForPRF(h crypto.Hash) (asn1.ObjectIdentifier, error) {
	switch h {
	case crypto.SHA1:
		return OIDHMACWithSHA1, nil
	case crypto.SHA256:
		return OIDHMACWithSHA256, nil
	case crypto.SHA384:
		return OIDHMACWithSHA384, nil
	case crypto.SHA512:
		return OIDHMACWithSHA512, nil
	}
	return nil, fmt.Errorf("%w: PBKDF2 PRF for %v", ErrUnsupportedAlgorithm, h)
}

// pbkdf1 implements PKCS#5 v1.5 PBKDF1: T1 = H(P || S), Ti = H(Ti-1),
// DK = Tc[0:dkLen].
func pbkdf1(h crypto.Hash, password, salt []byte, iterations, dkLen int) ([]byte, error) {
	hh, err := NewHash(h)
	if err != nil {
		return nil, err
	}
	if dkLen > hh.Size() {
		return nil, fmt.Errorf("%w: PBKDF1 key length %d exceeds %v output", ErrInvalidParameters, dkLen, h)
	}

	hh.Write(password)
	hh.Write(salt)
	t := hh.Sum(nil)
	for i := 1; i < iterations; i++ {
		hh.Reset()
		hh.Write(t)
		t = hh.Sum(t[:0])
	}
	return t[:dkLen], nil
}

// PKCS#12 KDF diversifiers (RFC 7292 appendix B.3).
const (
	pkcs12KeyID byte = 1
	pkcs12IVID  byte = 2
)

// pkcs12KDF implements the PKCS#12 v1.0 key derivation (RFC 7292 appendix
// B.2). password must already be BMPString encoded with its terminator.
func pkcs12KDF(h crypto.Hash, password, salt []byte, iterations int, id byte, size int) ([]byte, error) {
	hh, err := NewHash(h)
	if err != nil {
		return nil, err
	}
	u := hh.Size()
	v := hh.BlockSize()

	d := make([]byte, v)
	for i := range d {
		d[i] = id
	}

	fill := func(src []byte) []byte {
		if len(src) == 0 {
			return nil
		}
		n := v * ((len(src) + v - 1) / v)
		out := make([]byte, n)
		for i := range out {
			out[i] = src[i%len(src)]
		}
		return out
	}
	in := append(fill(salt), fill(password)...)

	var out []byte
	for len(out) < size {
		hh.Reset()
		hh.Write(d)
		hh.Write(in)
		a := hh.Sum(nil)
		for i := 1; i < iterations; i++ {
			hh.Reset()
			hh.Write(a)
			a = hh.Sum(a[:0])
		}
		out = append(out, a...)
		if len(out) >= size {
			break
		}

		// I_j = (I_j + B + 1) mod 2^(8v) for every v-byte block of I.
		b := make([]byte, v)
		for i := range b {
			b[i] = a[i%u]
		}
		for j := 0; j < len(in); j += v {
			block := in[j : j+v]
			carry := 1
			for k := v - 1; k >= 0; k-- {
				sum := int(block[k]) + int(b[k]) + carry
				block[k] = byte(sum)
				carry = sum >> 8
			}
		}
	}
	return out[:size], nil
}

func pbkdf2Key(password, salt []byte, iterations, keyLen int, prf crypto.Hash) ([]byte, error) {
	for _, e := range hashes {
		if e.hash == prf {
			return pbkdf2.Key(password, salt, iterations, keyLen, e.new), nil
		}
	}
	return nil, fmt.Errorf("%w: PBKDF2 PRF %v", ErrUnsupportedAlgorithm, prf)
}
