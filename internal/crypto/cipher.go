package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/des"
	"crypto/subtle"
	"encoding/asn1"
	"fmt"
)

// Content cipher OIDs.
var (
	OIDDESCBC     = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 7}
	OIDDESEDE3CBC = asn1.ObjectIdentifier{1, 2, 840, 113549, 3, 7}
	OIDAES128CBC  = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 2}
	OIDAES192CBC  = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 22}
	OIDAES256CBC  = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 42}
)

// OIDDESEDE2CBC is a local identifier for two-key triple DES. It never
// appears on the wire; the PKCS#12 2-key scheme maps to it internally.
var OIDDESEDE2CBC = asn1.ObjectIdentifier{1, 2, 840, 113549, 3, 7, 2}

type blockCipher struct {
	oid    asn1.ObjectIdentifier
	name   string
	keyLen int
	new    func(key []byte) (cipher.Block, error)
}

var blockCiphers = []blockCipher{
	{OIDDESCBC, "des-cbc", 8, des.NewCipher},
	{OIDDESEDE3CBC, "des-ede3-cbc", 24, des.NewTripleDESCipher},
	{OIDDESEDE2CBC, "des-ede-cbc", 16, newTwoKeyTripleDES},
	{OIDAES128CBC, "aes-128-cbc", 16, aes.NewCipher},
	{OIDAES192CBC, "aes-192-cbc", 24, aes.NewCipher},
	{OIDAES256CBC, "aes-256-cbc", 32, aes.NewCipher},
}

func newTwoKeyTripleDES(key []byte) (cipher.Block, error) {
	k := make([]byte, 0, 24)
	k = append(k, key[:16]...)
	k = append(k, key[:8]...)
	return des.NewTripleDESCipher(k)
}

func lookupCipher(oid asn1.ObjectIdentifier) (blockCipher, error) {
	for _, c := range blockCiphers {
		if c.oid.Equal(oid) {
			return c, nil
		}
	}
	return blockCipher{}, fmt.Errorf("%w: content cipher %s", ErrUnsupportedAlgorithm, oid)
}

// CipherKeySize returns the key length of a content cipher.
func CipherKeySize(oid asn1.ObjectIdentifier) (int, error) {
	c, err := lookupCipher(oid)
	if err != nil {
		return 0, err
	}
	return c.keyLen, nil
}

// CipherBlockSize returns the block (and IV) length of a content cipher.
func CipherBlockSize(oid asn1.ObjectIdentifier) (int, error) {
	c, err := lookupCipher(oid)
	if err != nil {
		return 0, err
	}
	if c.oid.Equal(OIDDESCBC) || c.oid.Equal(OIDDESEDE3CBC) || c.oid.Equal(OIDDESEDE2CBC) {
		return des.BlockSize, nil
	}
	return aes.BlockSize, nil
}

// ParseCipher parses a cipher name such as "aes-256-cbc".
func ParseCipher(name string) (asn1.ObjectIdentifier, error) {
	for _, c := range blockCiphers {
		if c.name == name && !c.oid.Equal(OIDDESEDE2CBC) {
			return c.oid, nil
		}
	}
	return nil, fmt.Errorf("%w: cipher %q", ErrUnsupportedAlgorithm, name)
}

func newBlock(oid asn1.ObjectIdentifier, key, iv []byte) (cipher.Block, error) {
	c, err := lookupCipher(oid)
	if err != nil {
		return nil, err
	}
	if len(key) != c.keyLen {
		return nil, fmt.Errorf("%w: %s needs a %d-byte key, got %d", ErrInvalidParameters, c.name, c.keyLen, len(key))
	}
	block, err := c.new(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s cipher: %w", c.name, err)
	}
	if len(iv) != block.BlockSize() {
		return nil, fmt.Errorf("%w: %s needs a %d-byte IV, got %d", ErrInvalidParameters, c.name, block.BlockSize(), len(iv))
	}
	return block, nil
}

func cbcEncrypt(oid asn1.ObjectIdentifier, key, iv, plaintext []byte) ([]byte, error) {
	block, err := newBlock(oid, key, iv)
	if err != nil {
		return nil, err
	}
	padded := pkcs7Pad(plaintext, block.BlockSize())
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

func cbcDecrypt(oid asn1.ObjectIdentifier, key, iv, ciphertext []byte) ([]byte, error) {
	block, err := newBlock(oid, key, iv)
	if err != nil {
		return nil, err
	}
	bs := block.BlockSize()
	if len(ciphertext) == 0 || len(ciphertext)%bs != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a multiple of the block size", ErrDecryptionFailed, len(ciphertext))
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return pkcs7Unpad(plaintext, bs)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append(make([]byte, 0, len(data)+n), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrDecryptionFailed)
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("%w: invalid padding", ErrDecryptionFailed)
	}
	pad := bytes.Repeat([]byte{byte(n)}, n)
	if subtle.ConstantTimeCompare(data[len(data)-n:], pad) != 1 {
		return nil, fmt.Errorf("%w: invalid padding", ErrDecryptionFailed)
	}
	return data[:len(data)-n], nil
}
