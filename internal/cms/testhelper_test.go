package cms

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	pkicrypto "github.com/remiblancher/pkimsg/internal/crypto"
)

// signingCases lists one key per signature family with the identifier
// carried as digestEncryptionAlgorithm.
var signingCases = []struct {
	name string
	alg  pkicrypto.AlgorithmID
	sig  pkix.AlgorithmIdentifier
}{
	{"ECDSA-P256", pkicrypto.AlgECDSAP256, pkix.AlgorithmIdentifier{Algorithm: pkicrypto.OIDECDSAWithSHA256}},
	{"ECDSA-P384", pkicrypto.AlgECDSAP384, pkix.AlgorithmIdentifier{Algorithm: pkicrypto.OIDECDSAWithSHA384}},
	{"RSA-2048", pkicrypto.AlgRSA2048, pkix.AlgorithmIdentifier{Algorithm: pkicrypto.OIDRSAEncryption, Parameters: asn1.NullRawValue}},
	{"Ed25519", pkicrypto.AlgEd25519, pkix.AlgorithmIdentifier{Algorithm: pkicrypto.OIDEd25519}},
	{"Ed448", pkicrypto.AlgEd448, pkix.AlgorithmIdentifier{Algorithm: pkicrypto.OIDEd448}},
	{"ML-DSA-44", pkicrypto.AlgMLDSA44, pkix.AlgorithmIdentifier{Algorithm: pkicrypto.OIDMLDSA44}},
	{"ML-DSA-65", pkicrypto.AlgMLDSA65, pkix.AlgorithmIdentifier{Algorithm: pkicrypto.OIDMLDSA65}},
	{"ML-DSA-87", pkicrypto.AlgMLDSA87, pkix.AlgorithmIdentifier{Algorithm: pkicrypto.OIDMLDSA87}},
}

// contentTypes covers id-data and two other content types.
var contentTypes = []struct {
	name string
	oid  asn1.ObjectIdentifier
}{
	{"data", OIDData},
	{"signedData", OIDSignedData},
	{"custom", asn1.ObjectIdentifier{1, 2, 3, 4, 5}},
}

var sha256Alg = pkix.AlgorithmIdentifier{Algorithm: pkicrypto.OIDSHA256}

func generateSigner(t *testing.T, alg pkicrypto.AlgorithmID) *pkicrypto.SoftwareSigner {
	t.Helper()
	s, err := pkicrypto.GenerateSoftwareSigner(alg)
	if err != nil {
		t.Fatalf("GenerateSoftwareSigner(%s) error = %v", alg, err)
	}
	return s
}

func sha256Digest(data []byte) []byte {
	d := sha256.Sum256(data)
	return d[:]
}

// generateTestCertificate creates a self-signed certificate with a subject
// key identifier.
func generateTestCertificate(t *testing.T, signer crypto.Signer, cn string) *x509.Certificate {
	t.Helper()

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		t.Fatalf("Failed to generate serial number: %v", err)
	}
	serialNumber.Add(serialNumber, big.NewInt(1))
	skid := sha256Digest([]byte(cn + serialNumber.String()))[:20]

	template := &x509.Certificate{
		SerialNumber: serialNumber,
		Subject: pkix.Name{
			CommonName:   cn,
			Organization: []string{"Test Org"},
		},
		NotBefore:    time.Now().Add(-1 * time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageCRLSign,
		SubjectKeyId: skid,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}
	return cert
}

// testIssuer returns a DER-encoded Name.
func testIssuer(t *testing.T, cn string) []byte {
	t.Helper()
	name, err := asn1.Marshal(pkix.Name{CommonName: cn}.ToRDNSequence())
	if err != nil {
		t.Fatalf("Failed to encode name: %v", err)
	}
	return name
}

type marshaler interface {
	Marshal() ([]byte, error)
}

func mustMarshal(t *testing.T, v marshaler) []byte {
	t.Helper()
	data, err := v.Marshal()
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return data
}

// assertReencodes checks that a decoded value encodes to the original bytes.
func assertReencodes(t *testing.T, want []byte, decoded marshaler) {
	t.Helper()
	got := mustMarshal(t, decoded)
	if !bytes.Equal(got, want) {
		t.Errorf("re-encoding differs:\n got %x\nwant %x", got, want)
	}
}

func flipByte(data []byte, i int) []byte {
	out := append([]byte(nil), data...)
	out[i] ^= 0x01
	return out
}

// countingProvider records the calls routed through the software provider.
type countingProvider struct {
	pkicrypto.Software
	digests  int
	encrypts int
	decrypts int
}

func (c *countingProvider) Digest(alg asn1.ObjectIdentifier, data []byte) ([]byte, error) {
	c.digests++
	return c.Software.Digest(alg, data)
}

func (c *countingProvider) Encrypt(cipherAlg asn1.ObjectIdentifier, key, iv, plaintext []byte) ([]byte, error) {
	c.encrypts++
	return c.Software.Encrypt(cipherAlg, key, iv, plaintext)
}

func (c *countingProvider) Decrypt(cipherAlg asn1.ObjectIdentifier, key, iv, ciphertext []byte) ([]byte, error) {
	c.decrypts++
	return c.Software.Decrypt(cipherAlg, key, iv, ciphertext)
}
