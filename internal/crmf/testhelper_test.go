package crmf

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	pkicrypto "github.com/remiblancher/pkimsg/internal/crypto"
)

// popCases lists one key per signature family with the POP algorithm.
var popCases = []struct {
	name string
	alg  pkicrypto.AlgorithmID
	sig  pkix.AlgorithmIdentifier
}{
	{"ECDSA-P256", pkicrypto.AlgECDSAP256, pkix.AlgorithmIdentifier{Algorithm: pkicrypto.OIDECDSAWithSHA256}},
	{"RSA-2048", pkicrypto.AlgRSA2048, pkix.AlgorithmIdentifier{Algorithm: pkicrypto.OIDSHA256WithRSA, Parameters: asn1.NullRawValue}},
	{"Ed25519", pkicrypto.AlgEd25519, pkix.AlgorithmIdentifier{Algorithm: pkicrypto.OIDEd25519}},
	{"ML-DSA-65", pkicrypto.AlgMLDSA65, pkix.AlgorithmIdentifier{Algorithm: pkicrypto.OIDMLDSA65}},
}

var ecdsaSHA256 = pkix.AlgorithmIdentifier{Algorithm: pkicrypto.OIDECDSAWithSHA256}

func generateSigner(t *testing.T, alg pkicrypto.AlgorithmID) *pkicrypto.SoftwareSigner {
	t.Helper()
	s, err := pkicrypto.GenerateSoftwareSigner(alg)
	if err != nil {
		t.Fatalf("GenerateSoftwareSigner(%s) error = %v", alg, err)
	}
	return s
}

func mustName(t *testing.T, cn string) []byte {
	t.Helper()
	name, err := MarshalName(pkix.Name{CommonName: cn})
	if err != nil {
		t.Fatalf("MarshalName() error = %v", err)
	}
	return name
}

func mustSPKI(t *testing.T, s *pkicrypto.SoftwareSigner) []byte {
	t.Helper()
	spki, err := pkicrypto.MarshalPublicKey(s.Public())
	if err != nil {
		t.Fatalf("MarshalPublicKey() error = %v", err)
	}
	return spki
}

// newSignedRequest builds a CertReqMsg for subject cn whose template
// carries the signer's public key, with a signature POP.
func newSignedRequest(t *testing.T, id int64, cn string, s *pkicrypto.SoftwareSigner, alg pkix.AlgorithmIdentifier) *CertReqMsg {
	t.Helper()
	tmpl, err := NewCertTemplate(CertTemplate{Subject: mustName(t, cn), PublicKey: mustSPKI(t, s)})
	if err != nil {
		t.Fatalf("NewCertTemplate() error = %v", err)
	}
	req, err := NewCertRequest(id, tmpl, nil)
	if err != nil {
		t.Fatalf("NewCertRequest() error = %v", err)
	}
	pop, err := SignPOP(req, s, alg)
	if err != nil {
		t.Fatalf("SignPOP() error = %v", err)
	}
	msg, err := NewCertReqMsg(req, pop, nil)
	if err != nil {
		t.Fatalf("NewCertReqMsg() error = %v", err)
	}
	return msg
}

// generateTestCertificate creates a self-signed certificate for cn.
func generateTestCertificate(t *testing.T, signer crypto.Signer, cn string) *x509.Certificate {
	t.Helper()

	serialNumber, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		t.Fatalf("Failed to generate serial number: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: serialNumber.Add(serialNumber, big.NewInt(1)),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-1 * time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
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
