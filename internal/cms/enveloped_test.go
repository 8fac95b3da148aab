package cms

import (
	"bytes"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"math/big"
	"testing"

	pkicrypto "github.com/remiblancher/pkimsg/internal/crypto"
)

// =============================================================================
// [Functional] Envelope / Open
// =============================================================================

func TestF_EnvelopedData_EnvelopeOpen(t *testing.T) {
	alice := generateSigner(t, pkicrypto.AlgRSA2048)
	aliceCert := generateTestCertificate(t, alice, "Alice")
	bob := generateSigner(t, pkicrypto.AlgRSA2048)
	bobCert := generateTestCertificate(t, bob, "Bob")

	tests := []struct {
		name   string
		cipher asn1.ObjectIdentifier
	}{
		{"[Functional] Envelope: default cipher", nil},
		{"[Functional] Envelope: AES-128-CBC", pkicrypto.OIDAES128CBC},
		{"[Functional] Envelope: 3DES-CBC", pkicrypto.OIDDESEDE3CBC},
	}
	content := []byte("for your eyes only")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ed, err := Envelope(content, []*x509.Certificate{aliceCert, bobCert}, tt.cipher)
			if err != nil {
				t.Fatalf("Envelope() error = %v", err)
			}
			if len(ed.RecipientInfos) != 2 {
				t.Fatalf("RecipientInfos = %d, want 2", len(ed.RecipientInfos))
			}

			encoded, err := ed.MarshalContentInfo()
			if err != nil {
				t.Fatalf("MarshalContentInfo() error = %v", err)
			}
			got, err := ParseEnvelopedData(encoded)
			if err != nil {
				t.Fatalf("ParseEnvelopedData() error = %v", err)
			}
			for _, r := range []struct {
				cert *x509.Certificate
				key  *pkicrypto.SoftwareSigner
			}{{aliceCert, alice}, {bobCert, bob}} {
				plaintext, err := got.Open(r.cert, r.key)
				if err != nil {
					t.Fatalf("Open(%s) error = %v", r.cert.Subject.CommonName, err)
				}
				if !bytes.Equal(plaintext, content) {
					t.Errorf("Open(%s) = %q, want %q", r.cert.Subject.CommonName, plaintext, content)
				}
			}
		})
	}
}

func TestF_EnvelopedData_NoRecipient(t *testing.T) {
	alice := generateSigner(t, pkicrypto.AlgRSA2048)
	aliceCert := generateTestCertificate(t, alice, "Alice")
	eve := generateSigner(t, pkicrypto.AlgRSA2048)
	eveCert := generateTestCertificate(t, eve, "Eve")

	ed, err := Envelope([]byte("secret"), []*x509.Certificate{aliceCert}, nil)
	if err != nil {
		t.Fatalf("Envelope() error = %v", err)
	}
	if _, err := ed.Open(eveCert, eve); !errors.Is(err, ErrNoRecipient) {
		t.Errorf("Open(eve) error = %v, want ErrNoRecipient", err)
	}
}

func TestF_EnvelopedData_WrongKey(t *testing.T) {
	alice := generateSigner(t, pkicrypto.AlgRSA2048)
	aliceCert := generateTestCertificate(t, alice, "Alice")
	other := generateSigner(t, pkicrypto.AlgRSA2048)

	ed, err := Envelope([]byte("secret"), []*x509.Certificate{aliceCert}, nil)
	if err != nil {
		t.Fatalf("Envelope() error = %v", err)
	}
	if _, err := ed.Open(aliceCert, other); !errors.Is(err, ErrDecryptionFailed) {
		t.Errorf("Open(wrong key) error = %v, want ErrDecryptionFailed", err)
	}
}

func TestF_EnvelopedData_WithProvider(t *testing.T) {
	alice := generateSigner(t, pkicrypto.AlgRSA2048)
	aliceCert := generateTestCertificate(t, alice, "Alice")
	p := &countingProvider{}

	content := []byte("routed through the provider")
	ed, err := EnvelopeWith(p, content, []*x509.Certificate{aliceCert}, pkicrypto.OIDAES128CBC)
	if err != nil {
		t.Fatalf("EnvelopeWith() error = %v", err)
	}
	plaintext, err := ed.OpenWith(p, aliceCert, alice)
	if err != nil {
		t.Fatalf("OpenWith() error = %v", err)
	}
	if !bytes.Equal(plaintext, content) {
		t.Errorf("OpenWith() = %q, want %q", plaintext, content)
	}
	if p.encrypts != 1 || p.decrypts != 1 {
		t.Errorf("provider calls = %d encrypt / %d decrypt, want 1/1", p.encrypts, p.decrypts)
	}
}

func TestU_Envelope_Errors(t *testing.T) {
	ec := generateSigner(t, pkicrypto.AlgECDSAP256)
	ecCert := generateTestCertificate(t, ec, "EC")

	if _, err := Envelope([]byte("x"), []*x509.Certificate{ecCert}, nil); !errors.Is(err, ErrUnsupportedAlgorithm) {
		t.Errorf("Envelope(EC recipient) error = %v, want ErrUnsupportedAlgorithm", err)
	}
	if _, err := Envelope(nil, []*x509.Certificate{ecCert}, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Envelope(nil content) error = %v, want ErrInvalidArgument", err)
	}
	if _, err := Envelope([]byte("x"), nil, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Envelope(no recipients) error = %v, want ErrInvalidArgument", err)
	}
}

// =============================================================================
// [Unit] RecipientInfo / EnvelopedData construction
// =============================================================================

func TestU_NewRecipientInfo_Validation(t *testing.T) {
	rid := IssuerAndSerialNumber{Issuer: testIssuer(t, "CA"), SerialNumber: big.NewInt(7)}
	alg := pkix.AlgorithmIdentifier{Algorithm: pkicrypto.OIDRSAEncryption, Parameters: asn1.NullRawValue}

	tests := []struct {
		name string
		rid  IssuerAndSerialNumber
		alg  pkix.AlgorithmIdentifier
		key  []byte
		ok   bool
	}{
		{"[Unit] NewRecipientInfo: valid", rid, alg, []byte{1, 2, 3}, true},
		{"[Unit] NewRecipientInfo: empty key", rid, alg, []byte{}, true},
		{"[Unit] NewRecipientInfo: no serial", IssuerAndSerialNumber{Issuer: rid.Issuer}, alg, []byte{1}, false},
		{"[Unit] NewRecipientInfo: no algorithm", rid, pkix.AlgorithmIdentifier{}, []byte{1}, false},
		{"[Unit] NewRecipientInfo: nil key", rid, alg, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ri, err := NewRecipientInfo(tt.rid, tt.alg, tt.key)
			if tt.ok {
				if err != nil {
					t.Fatalf("NewRecipientInfo() error = %v", err)
				}
				if ri.Version != VersionZero {
					t.Errorf("Version = %d, want 0", ri.Version)
				}
				return
			}
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("NewRecipientInfo() error = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestU_EnvelopedData_RoundTrip(t *testing.T) {
	ri, err := NewRecipientInfo(
		IssuerAndSerialNumber{Issuer: testIssuer(t, "CA"), SerialNumber: big.NewInt(7)},
		pkix.AlgorithmIdentifier{Algorithm: pkicrypto.OIDRSAEncryption, Parameters: asn1.NullRawValue},
		[]byte{0xde, 0xad},
	)
	if err != nil {
		t.Fatalf("NewRecipientInfo() error = %v", err)
	}
	eci, err := NewEncryptedContentInfo(OIDData, pkix.AlgorithmIdentifier{Algorithm: pkicrypto.OIDAES256CBC}, nil)
	if err != nil {
		t.Fatalf("NewEncryptedContentInfo() error = %v", err)
	}
	ed, err := NewEnvelopedData([]*RecipientInfo{ri}, eci)
	if err != nil {
		t.Fatalf("NewEnvelopedData() error = %v", err)
	}
	encoded := mustMarshal(t, ed)

	got, err := ParseEnvelopedData(encoded)
	if err != nil {
		t.Fatalf("ParseEnvelopedData() error = %v", err)
	}
	if len(got.RecipientInfos) != 1 || got.RecipientInfos[0].RID.SerialNumber.Cmp(big.NewInt(7)) != 0 {
		t.Errorf("decoded recipients = %+v", got.RecipientInfos)
	}
	if got.EncryptedContentInfo.EncryptedContent != nil {
		t.Error("absent encrypted content decoded as present")
	}
	assertReencodes(t, encoded, got)

	if _, err := NewEnvelopedData(nil, eci); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("NewEnvelopedData(no recipients) error = %v", err)
	}
	if _, err := NewEnvelopedData([]*RecipientInfo{ri}, nil); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("NewEnvelopedData(nil eci) error = %v", err)
	}
}
