package cms

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"testing"
	"time"

	pkicrypto "github.com/remiblancher/pkimsg/internal/crypto"
)

// certAlgorithms are the key algorithms crypto/x509 can certify.
var certAlgorithms = []pkicrypto.AlgorithmID{
	pkicrypto.AlgECDSAP256,
	pkicrypto.AlgECDSAP384,
	pkicrypto.AlgRSA2048,
	pkicrypto.AlgEd25519,
}

func generateSignerWithCert(t *testing.T, alg pkicrypto.AlgorithmID) (*pkicrypto.SoftwareSigner, *x509.Certificate) {
	t.Helper()
	signer := generateSigner(t, alg)
	return signer, generateTestCertificate(t, signer.PrivateKey(), "Signer "+string(alg))
}

// =============================================================================
// [Functional] Sign and Verify
// =============================================================================

func TestF_Sign_Verify_Attached(t *testing.T) {
	content := []byte("attached content")
	signingTime := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	for _, alg := range certAlgorithms {
		t.Run("[Functional] Sign Attached: "+string(alg), func(t *testing.T) {
			signer, cert := generateSignerWithCert(t, alg)
			signed, err := Sign(context.Background(), content, &SignerConfig{
				Certificate:  cert,
				Signer:       signer,
				IncludeCerts: true,
				SigningTime:  signingTime,
			})
			if err != nil {
				t.Fatalf("Sign() error = %v", err)
			}

			result, err := Verify(context.Background(), signed, nil)
			if err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if !bytes.Equal(result.Content, content) {
				t.Errorf("Content = %q, want %q", result.Content, content)
			}
			if !result.ContentType.Equal(OIDData) {
				t.Errorf("ContentType = %v", result.ContentType)
			}
			if len(result.SignerCerts) != 1 || !result.SignerCerts[0].Equal(cert) {
				t.Error("signer certificate not reported")
			}
			if !result.SigningTime.Equal(signingTime) {
				t.Errorf("SigningTime = %v, want %v", result.SigningTime, signingTime)
			}
		})
	}
}

func TestF_Sign_Verify_Detached(t *testing.T) {
	content := []byte("detached content")
	signer, cert := generateSignerWithCert(t, pkicrypto.AlgECDSAP256)

	signed, err := Sign(context.Background(), content, &SignerConfig{
		Certificate: cert,
		Signer:      signer,
		Detached:    true,
	})
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	sd, err := ParseSignedData(signed)
	if err != nil {
		t.Fatalf("ParseSignedData() error = %v", err)
	}
	if !sd.EncapContentInfo.IsDetached() {
		t.Fatal("content is embedded in a detached signature")
	}
	if sd.Certificates != nil {
		t.Error("certificates present without IncludeCerts")
	}

	store := pkicrypto.NewMemoryCertStore(cert)
	if _, err := Verify(context.Background(), signed, &VerifyConfig{Data: content, Store: store}); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	_, err = Verify(context.Background(), signed, &VerifyConfig{Data: []byte("other content"), Store: store})
	if !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("Verify(other content) error = %v, want ErrDigestMismatch", err)
	}
	_, err = Verify(context.Background(), signed, &VerifyConfig{Store: store})
	if !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("Verify(no content) error = %v, want ErrInvalidArgument", err)
	}
	_, err = Verify(context.Background(), signed, &VerifyConfig{Data: content})
	if !errors.Is(err, ErrCertNotFound) {
		t.Errorf("Verify(no store) error = %v, want ErrCertNotFound", err)
	}
}

func TestF_Sign_IssuerSerialOverDataIsVersionThree(t *testing.T) {
	signer, cert := generateSignerWithCert(t, pkicrypto.AlgECDSAP256)

	signed, err := Sign(context.Background(), []byte("plain data"), &SignerConfig{
		Certificate: cert,
		Signer:      signer,
	})
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	sd, err := ParseSignedData(signed)
	if err != nil {
		t.Fatalf("ParseSignedData() error = %v", err)
	}
	if _, ok := sd.SignerInfos[0].SID.(IssuerAndSerialNumber); !ok {
		t.Fatalf("SID = %T, want IssuerAndSerialNumber", sd.SignerInfos[0].SID)
	}
	if sd.Version != VersionThree {
		t.Errorf("SignedData version = %d, want 3", sd.Version)
	}
	if sd.SignerInfos[0].Version != VersionOne {
		t.Errorf("SignerInfo version = %d, want 1", sd.SignerInfos[0].Version)
	}
}

func TestF_Sign_SubjectKeyID(t *testing.T) {
	content := []byte("ski content")
	signer, cert := generateSignerWithCert(t, pkicrypto.AlgEd25519)

	signed, err := Sign(context.Background(), content, &SignerConfig{
		Certificate:     cert,
		Signer:          signer,
		UseSubjectKeyID: true,
		ContentType:     OIDDigestedData,
	})
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	sd, err := ParseSignedData(signed)
	if err != nil {
		t.Fatalf("ParseSignedData() error = %v", err)
	}
	if sd.Version != VersionThree || sd.SignerInfos[0].Version != VersionThree {
		t.Errorf("versions = %d/%d, want 3/3", sd.Version, sd.SignerInfos[0].Version)
	}
	if _, ok := sd.SignerInfos[0].SID.(SubjectKeyIdentifier); !ok {
		t.Fatalf("SID = %T, want SubjectKeyIdentifier", sd.SignerInfos[0].SID)
	}
	if !sd.DigestAlgorithms[0].Algorithm.Equal(pkicrypto.OIDSHA512) {
		t.Errorf("Ed25519 digest = %v, want SHA-512", sd.DigestAlgorithms[0].Algorithm)
	}

	result, err := Verify(context.Background(), signed, &VerifyConfig{Store: pkicrypto.NewMemoryCertStore(cert)})
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !result.ContentType.Equal(OIDDigestedData) {
		t.Errorf("ContentType = %v", result.ContentType)
	}
}

func TestF_Verify_TamperedContent(t *testing.T) {
	signer, cert := generateSignerWithCert(t, pkicrypto.AlgRSA2048)
	content := []byte("original content")

	signed, err := Sign(context.Background(), content, &SignerConfig{
		Certificate: cert, Signer: signer, IncludeCerts: true, DigestAlg: crypto.SHA384,
	})
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	idx := bytes.Index(signed, content)
	if idx < 0 {
		t.Fatal("content not found in SignedData")
	}
	_, err = Verify(context.Background(), flipByte(signed, idx), nil)
	if !errors.Is(err, ErrDigestMismatch) {
		t.Errorf("Verify(tampered) error = %v, want ErrDigestMismatch", err)
	}
}

func TestU_Sign_Errors(t *testing.T) {
	signer, cert := generateSignerWithCert(t, pkicrypto.AlgECDSAP256)

	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		name    string
		ctx     context.Context
		cfg     *SignerConfig
		wantErr error
	}{
		{"[Unit] Sign: nil config", context.Background(), nil, ErrInvalidArgument},
		{"[Unit] Sign: no certificate", context.Background(), &SignerConfig{Signer: signer}, ErrInvalidArgument},
		{"[Unit] Sign: no signer", context.Background(), &SignerConfig{Certificate: cert}, ErrInvalidArgument},
		{"[Unit] Sign: unsupported digest", context.Background(), &SignerConfig{Certificate: cert, Signer: signer, DigestAlg: crypto.BLAKE2b_256}, ErrUnsupportedAlgorithm},
		{"[Unit] Sign: canceled", canceled, &SignerConfig{Certificate: cert, Signer: signer}, context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Sign(tt.ctx, []byte("x"), tt.cfg); !errors.Is(err, tt.wantErr) {
				t.Errorf("Sign() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestU_SignedData_NoSigner(t *testing.T) {
	encap, _ := NewEncapsulatedContentInfo(OIDData, []byte("x"))
	sd, err := NewSignedData(nil, encap, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewSignedData() error = %v", err)
	}
	_, err = sd.VerifyWith(pkicrypto.DefaultProvider(), nil, nil)
	if !errors.Is(err, ErrNoSigner) {
		t.Errorf("VerifyWith() error = %v, want ErrNoSigner", err)
	}
}

// =============================================================================
// [Unit] SignedData Round-trip
// =============================================================================

func TestU_SignedData_RoundTrip(t *testing.T) {
	signer, cert := generateSignerWithCert(t, pkicrypto.AlgECDSAP256)

	minimalEncap, _ := NewEncapsulatedContentInfo(OIDData, nil)
	minimal, err := NewSignedData(nil, minimalEncap, nil, nil, nil)
	if err != nil {
		t.Fatalf("NewSignedData() error = %v", err)
	}

	content := []byte("maximal")
	si := signTestSignerInfo(t, signer, signingCases[0].sig, OIDSignedData, sha256Digest(content))
	crl := mustTestCRL(t, signer.PrivateKey(), cert)
	maximalEncap, _ := NewEncapsulatedContentInfo(OIDSignedData, content)
	maximal, err := NewSignedData([]pkix.AlgorithmIdentifier{sha256Alg}, maximalEncap, [][]byte{cert.Raw}, [][]byte{crl}, []*SignerInfo{si})
	if err != nil {
		t.Fatalf("NewSignedData() error = %v", err)
	}

	tests := []struct {
		name string
		sd   *SignedData
	}{
		{"[Unit] SignedData RoundTrip: minimal", minimal},
		{"[Unit] SignedData RoundTrip: maximal", maximal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := mustMarshal(t, tt.sd)
			got, err := ParseSignedData(encoded)
			if err != nil {
				t.Fatalf("ParseSignedData() error = %v", err)
			}
			assertReencodes(t, encoded, got)

			if got.Version != tt.sd.Version || len(got.DigestAlgorithms) != len(tt.sd.DigestAlgorithms) {
				t.Errorf("Version/DigestAlgorithms = %d/%d, want %d/%d",
					got.Version, len(got.DigestAlgorithms), tt.sd.Version, len(tt.sd.DigestAlgorithms))
			}
			if !got.EncapContentInfo.ContentType.Equal(tt.sd.EncapContentInfo.ContentType) ||
				!bytes.Equal(got.EncapContentInfo.Content, tt.sd.EncapContentInfo.Content) {
				t.Error("EncapContentInfo differs")
			}
			if (got.Certificates == nil) != (tt.sd.Certificates == nil) || (got.CRLs == nil) != (tt.sd.CRLs == nil) {
				t.Errorf("optional sets presence = %v/%v, want %v/%v",
					got.Certificates != nil, got.CRLs != nil, tt.sd.Certificates != nil, tt.sd.CRLs != nil)
			}
			for i := range got.Certificates {
				if !bytes.Equal(got.Certificates[i], tt.sd.Certificates[i]) {
					t.Errorf("Certificates[%d] differs", i)
				}
			}
			if len(got.SignerInfos) != len(tt.sd.SignerInfos) {
				t.Errorf("len(SignerInfos) = %d, want %d", len(got.SignerInfos), len(tt.sd.SignerInfos))
			}
		})
	}

	if minimal.Version != VersionThree || maximal.Version != VersionThree {
		t.Errorf("versions = %d/%d, want 3/3", minimal.Version, maximal.Version)
	}
}

func TestU_SignedData_CertificatesOnly(t *testing.T) {
	_, cert := generateSignerWithCert(t, pkicrypto.AlgECDSAP256)
	encap, _ := NewEncapsulatedContentInfo(OIDData, nil)
	sd, err := NewSignedData(nil, encap, [][]byte{cert.Raw}, nil, nil)
	if err != nil {
		t.Fatalf("NewSignedData() error = %v", err)
	}
	data, err := sd.MarshalContentInfo()
	if err != nil {
		t.Fatalf("MarshalContentInfo() error = %v", err)
	}
	got, err := ParseSignedData(data)
	if err != nil {
		t.Fatalf("ParseSignedData() error = %v", err)
	}
	if len(got.Certificates) != 1 || got.CRLs != nil {
		t.Errorf("certificates = %d, CRLs present = %v", len(got.Certificates), got.CRLs != nil)
	}
}

func mustTestCRL(t *testing.T, signer crypto.Signer, issuer *x509.Certificate) []byte {
	t.Helper()
	crl, err := x509.CreateRevocationList(rand.Reader, &x509.RevocationList{
		Number:     big.NewInt(1),
		ThisUpdate: time.Now().Add(-time.Hour),
		NextUpdate: time.Now().Add(time.Hour),
	}, issuer, signer)
	if err != nil {
		t.Fatalf("CreateRevocationList() error = %v", err)
	}
	return crl
}
