package main

import (
	"encoding/asn1"
	"os"
	"strings"
	"testing"

	"github.com/remiblancher/pkimsg/internal/cms"
	pkicrypto "github.com/remiblancher/pkimsg/internal/crypto"
)

// =============================================================================
// CMS Sign / Verify Tests
// =============================================================================

func TestF_CMS_SignVerify(t *testing.T) {
	tests := []struct {
		name  string
		alg   pkicrypto.AlgorithmID
		extra []string
		// attached messages verify without --data
		attached bool
	}{
		{"[Functional] CMSSign: DetachedDefaultHash", pkicrypto.AlgECDSAP256, nil, false},
		{"[Functional] CMSSign: SHA384", pkicrypto.AlgECDSAP256, []string{"--hash", "sha384"}, false},
		{"[Functional] CMSSign: Attached", pkicrypto.AlgECDSAP256, []string{"--detached=false"}, true},
		{"[Functional] CMSSign: SubjectKeyID", pkicrypto.AlgECDSAP256, []string{"--subject-key-id"}, false},
		{"[Functional] CMSSign: PEMOutput", pkicrypto.AlgECDSAP256, []string{"--pem"}, false},
		{"[Functional] CMSSign: Ed25519", pkicrypto.AlgEd25519, nil, false},
		{"[Functional] CMSSign: RSA", pkicrypto.AlgRSA2048, []string{"--detached=false"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := newTestContext(t)
			certPath, keyPath := tc.setupSigningPair(tt.alg)
			dataPath := tc.writeFile("data.txt", "Test content for "+tt.name)
			sigPath := tc.path("signature.p7s")

			args := append([]string{"cms", "sign",
				"--data", dataPath,
				"--cert", certPath,
				"--key", keyPath,
				"--out", sigPath,
			}, tt.extra...)
			_, err := executeCommand(rootCmd, args...)
			assertNoError(t, err)
			assertFileNotEmpty(t, sigPath)

			verifyArgs := []string{"cms", "verify", sigPath}
			if !tt.attached {
				verifyArgs = append(verifyArgs, "--data", dataPath)
			}
			out, err := executeCommand(rootCmd, verifyArgs...)
			assertNoError(t, err)
			if !strings.Contains(out, "VALID") || !strings.Contains(out, "CN=Test Signer") {
				t.Errorf("verify output = %q", out)
			}
		})
	}
}

func TestF_CMS_Verify_TamperedData(t *testing.T) {
	tc := newTestContext(t)
	certPath, keyPath := tc.setupSigningPair(pkicrypto.AlgECDSAP256)
	dataPath := tc.writeFile("data.txt", "original content")
	sigPath := tc.path("signature.p7s")

	_, err := executeCommand(rootCmd, "cms", "sign",
		"--data", dataPath, "--cert", certPath, "--key", keyPath, "--out", sigPath)
	assertNoError(t, err)

	tampered := tc.writeFile("tampered.txt", "modified content")
	_, err = executeCommand(rootCmd, "cms", "verify", sigPath, "--data", tampered)
	assertError(t, err)

	// Detached signature without the data.
	_, err = executeCommand(rootCmd, "cms", "verify", sigPath)
	assertError(t, err)
}

func TestF_CMS_Verify_ExternalCertificate(t *testing.T) {
	tc := newTestContext(t)
	certPath, keyPath := tc.setupSigningPair(pkicrypto.AlgECDSAP256)
	dataPath := tc.writeFile("data.txt", "content")
	sigPath := tc.path("signature.p7s")

	_, err := executeCommand(rootCmd, "cms", "sign",
		"--data", dataPath, "--cert", certPath, "--key", keyPath, "--out", sigPath,
		"--include-certs=false")
	assertNoError(t, err)

	_, err = executeCommand(rootCmd, "cms", "verify", sigPath, "--data", dataPath)
	assertError(t, err)

	_, err = executeCommand(rootCmd, "cms", "verify", sigPath, "--data", dataPath, "--cert", certPath)
	assertNoError(t, err)
}

func TestF_CMS_Sign_Errors(t *testing.T) {
	tests := []struct {
		name   string
		modify func(tc *testContext, args map[string]string)
	}{
		{"[Functional] CMSSign: MissingData", func(tc *testContext, a map[string]string) { a["--data"] = tc.path("nonexistent.txt") }},
		{"[Functional] CMSSign: MissingCert", func(tc *testContext, a map[string]string) { a["--cert"] = tc.path("nonexistent.crt") }},
		{"[Functional] CMSSign: MissingKeyFile", func(tc *testContext, a map[string]string) { a["--key"] = tc.path("nonexistent.key") }},
		{"[Functional] CMSSign: NoKey", func(tc *testContext, a map[string]string) { delete(a, "--key") }},
		{"[Functional] CMSSign: NoOutput", func(tc *testContext, a map[string]string) { delete(a, "--out") }},
		{"[Functional] CMSSign: InvalidHash", func(tc *testContext, a map[string]string) { a["--hash"] = "whirlpool" }},
		{"[Functional] CMSSign: HSMWithoutLabel", func(tc *testContext, a map[string]string) {
			delete(a, "--key")
			a["--hsm-config"] = tc.path("hsm.yaml")
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := newTestContext(t)
			certPath, keyPath := tc.setupSigningPair(pkicrypto.AlgECDSAP256)
			flags := map[string]string{
				"--data": tc.writeFile("data.txt", "test"),
				"--cert": certPath,
				"--key":  keyPath,
				"--out":  tc.path("signature.p7s"),
			}
			tt.modify(tc, flags)

			args := []string{"cms", "sign"}
			for k, v := range flags {
				args = append(args, k, v)
			}
			_, err := executeCommand(rootCmd, args...)
			assertError(t, err)
		})
	}
}

// =============================================================================
// CMS Password-Based Encryption Tests
// =============================================================================

func TestF_CMS_EncryptDecrypt_RoundTrip(t *testing.T) {
	for name := range pbeAlgorithms {
		t.Run("[Functional] CMSEncrypt: "+name, func(t *testing.T) {
			tc := newTestContext(t)
			t.Setenv("PKIMSG_TEST_PASSWORD", "correct horse")
			inputPath := tc.writeFile("plain.txt", "secret message for "+name)
			encPath := tc.path("data.p7m")
			outPath := tc.path("plain.out")

			_, err := executeCommand(rootCmd, "cms", "encrypt",
				"--in", inputPath, "--out", encPath,
				"--password-env", "PKIMSG_TEST_PASSWORD",
				"--algorithm", name, "--iterations", "100")
			assertNoError(t, err)

			ed, err := cms.ParseEncryptedData(tc.readFile(encPath))
			assertNoError(t, err)
			if !ed.EncryptedContentInfo.ContentEncryptionAlgorithm.Algorithm.Equal(pbeAlgorithms[name].oid) {
				t.Errorf("algorithm = %v, want %v", ed.EncryptedContentInfo.ContentEncryptionAlgorithm.Algorithm, pbeAlgorithms[name].oid)
			}

			_, err = executeCommand(rootCmd, "cms", "decrypt",
				"--in", encPath, "--out", outPath,
				"--password-env", "PKIMSG_TEST_PASSWORD")
			assertNoError(t, err)
			if got := tc.readFile(outPath); string(got) != "secret message for "+name {
				t.Errorf("decrypted = %q", got)
			}
		})
	}
}

func TestF_CMS_Decrypt_WrongPassword(t *testing.T) {
	tc := newTestContext(t)
	t.Setenv("PKIMSG_TEST_PASSWORD", "right")
	t.Setenv("PKIMSG_TEST_WRONG", "wrong")
	plaintext := "the plaintext"
	inputPath := tc.writeFile("plain.txt", plaintext)
	encPath := tc.path("data.p7m")
	outPath := tc.path("plain.out")

	_, err := executeCommand(rootCmd, "cms", "encrypt",
		"--in", inputPath, "--out", encPath, "--password-env", "PKIMSG_TEST_PASSWORD",
		"--algorithm", "pbe-sha1-3des", "--iterations", "50")
	assertNoError(t, err)

	_, err = executeCommand(rootCmd, "cms", "decrypt",
		"--in", encPath, "--out", outPath, "--password-env", "PKIMSG_TEST_WRONG")
	if err == nil && string(tc.readFile(outPath)) == plaintext {
		t.Error("wrong password recovered the plaintext")
	}
}

func TestF_CMS_Encrypt_Converter(t *testing.T) {
	tc := newTestContext(t)
	t.Setenv("PKIMSG_TEST_PASSWORD", "pässword")
	inputPath := tc.writeFile("plain.txt", "latin-1 password")
	encPath := tc.path("data.p7m")
	outPath := tc.path("plain.out")

	_, err := executeCommand(rootCmd, "cms", "encrypt",
		"--in", inputPath, "--out", encPath, "--password-env", "PKIMSG_TEST_PASSWORD",
		"--algorithm", "pbes2", "--converter", "pkcs5", "--iterations", "100")
	assertNoError(t, err)

	_, err = executeCommand(rootCmd, "cms", "decrypt",
		"--in", encPath, "--out", outPath, "--password-env", "PKIMSG_TEST_PASSWORD",
		"--converter", "pkcs5")
	assertNoError(t, err)
	if got := tc.readFile(outPath); string(got) != "latin-1 password" {
		t.Errorf("decrypted = %q", got)
	}
}

func TestF_CMS_Encrypt_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"[Functional] CMSEncrypt: UnknownAlgorithm", []string{"--algorithm", "rot13"}},
		{"[Functional] CMSEncrypt: UnsetPasswordEnv", []string{"--password-env", "PKIMSG_TEST_UNSET"}},
		{"[Functional] CMSEncrypt: UnknownConverter", []string{"--converter", "ebcdic"}},
		{"[Functional] CMSEncrypt: ConverterWithAES128", []string{"--algorithm", "pbes2-aes128", "--converter", "utf8"}},
		{"[Functional] CMSEncrypt: MissingInput", []string{"--in", "/nonexistent/plain.txt"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := newTestContext(t)
			t.Setenv("PKIMSG_TEST_PASSWORD", "pw")
			flags := map[string]string{
				"--in":           tc.writeFile("plain.txt", "data"),
				"--out":          tc.path("data.p7m"),
				"--password-env": "PKIMSG_TEST_PASSWORD",
			}
			for i := 0; i < len(tt.args); i += 2 {
				flags[tt.args[i]] = tt.args[i+1]
			}
			args := []string{"cms", "encrypt"}
			for k, v := range flags {
				args = append(args, k, v)
			}
			_, err := executeCommand(rootCmd, args...)
			assertError(t, err)
		})
	}
}

func TestF_CMS_Encrypt_MissingFlags(t *testing.T) {
	for _, missing := range []string{"--in", "--out", "--password-env"} {
		t.Run("[Functional] CMSEncrypt: Missing"+missing, func(t *testing.T) {
			tc := newTestContext(t)
			t.Setenv("PKIMSG_TEST_PASSWORD", "pw")
			flags := map[string]string{
				"--in":           tc.writeFile("plain.txt", "data"),
				"--out":          tc.path("data.p7m"),
				"--password-env": "PKIMSG_TEST_PASSWORD",
			}
			delete(flags, missing)
			args := []string{"cms", "encrypt"}
			for k, v := range flags {
				args = append(args, k, v)
			}
			_, err := executeCommand(rootCmd, args...)
			assertError(t, err)
		})
	}
}

func TestF_CMS_Decrypt_InvalidInput(t *testing.T) {
	tc := newTestContext(t)
	t.Setenv("PKIMSG_TEST_PASSWORD", "pw")
	badPath := tc.writeFile("bad.p7m", "not a CMS message")

	_, err := executeCommand(rootCmd, "cms", "decrypt",
		"--in", badPath, "--out", tc.path("out"), "--password-env", "PKIMSG_TEST_PASSWORD")
	assertError(t, err)
}

// =============================================================================
// CMS DigestedData Tests
// =============================================================================

func TestF_CMS_Digest(t *testing.T) {
	tc := newTestContext(t)
	dataPath := tc.writeFile("data.txt", "digest me")
	ddPath := tc.path("data.p7d")

	_, err := executeCommand(rootCmd, "cms", "digest", "--in", dataPath, "--out", ddPath, "--hash", "sha384")
	assertNoError(t, err)

	out, err := executeCommand(rootCmd, "cms", "verify", ddPath)
	assertNoError(t, err)
	if !strings.Contains(out, "Digest verification: VALID") || !strings.Contains(out, "sha384") {
		t.Errorf("verify output = %q", out)
	}

	dd, err := cms.ParseDigestedData(tc.readFile(ddPath))
	assertNoError(t, err)
	dd.Digest[0] ^= 0x01
	tampered, err := dd.MarshalContentInfo()
	assertNoError(t, err)
	tamperedPath := tc.path("tampered.p7d")
	if err := os.WriteFile(tamperedPath, tampered, 0644); err != nil {
		t.Fatal(err)
	}
	_, err = executeCommand(rootCmd, "cms", "verify", tamperedPath)
	assertError(t, err)

	_, err = executeCommand(rootCmd, "cms", "digest", "--in", dataPath, "--out", ddPath, "--hash", "crc32")
	assertError(t, err)
}

// =============================================================================
// CMS EnvelopedData Tests
// =============================================================================

func TestF_CMS_EnvelopeOpen(t *testing.T) {
	for _, enc := range []string{"aes-128-cbc", "aes-256-cbc"} {
		t.Run("[Functional] CMSEnvelope: "+enc, func(t *testing.T) {
			tc := newTestContext(t)
			s, keyPath := tc.writeKey("bob.key", pkicrypto.AlgRSA2048)
			_, certPath := tc.writeCert("bob.crt", "Bob", s)
			inputPath := tc.writeFile("secret.txt", "for bob only")
			envPath := tc.path("secret.p7m")
			outPath := tc.path("secret.out")

			_, err := executeCommand(rootCmd, "cms", "envelope",
				"--recipient", certPath, "--in", inputPath, "--out", envPath, "--content-enc", enc)
			assertNoError(t, err)

			_, err = executeCommand(rootCmd, "cms", "open",
				"--key", keyPath, "--cert", certPath, "--in", envPath, "--out", outPath)
			assertNoError(t, err)
			if got := tc.readFile(outPath); string(got) != "for bob only" {
				t.Errorf("opened = %q", got)
			}
		})
	}
}

func TestF_CMS_Open_NotARecipient(t *testing.T) {
	tc := newTestContext(t)
	bob, _ := tc.writeKey("bob.key", pkicrypto.AlgRSA2048)
	_, bobCert := tc.writeCert("bob.crt", "Bob", bob)
	eve, eveKey := tc.writeKey("eve.key", pkicrypto.AlgRSA2048)
	_, eveCert := tc.writeCert("eve.crt", "Eve", eve)
	envPath := tc.path("secret.p7m")

	_, err := executeCommand(rootCmd, "cms", "envelope",
		"--recipient", bobCert, "--in", tc.writeFile("secret.txt", "x"), "--out", envPath)
	assertNoError(t, err)

	_, err = executeCommand(rootCmd, "cms", "open",
		"--key", eveKey, "--cert", eveCert, "--in", envPath, "--out", tc.path("out"))
	assertError(t, err)
}

func TestF_CMS_Envelope_Errors(t *testing.T) {
	tc := newTestContext(t)
	s, _ := tc.writeKey("bob.key", pkicrypto.AlgRSA2048)
	_, certPath := tc.writeCert("bob.crt", "Bob", s)
	inputPath := tc.writeFile("secret.txt", "x")

	_, err := executeCommand(rootCmd, "cms", "envelope",
		"--recipient", certPath, "--in", inputPath, "--out", tc.path("o"), "--content-enc", "aes-256-gcm")
	assertError(t, err)

	_, err = executeCommand(rootCmd, "cms", "envelope",
		"--recipient", tc.path("missing.crt"), "--in", inputPath, "--out", tc.path("o"))
	assertError(t, err)
}

// =============================================================================
// CMS Info Tests
// =============================================================================

func TestF_CMS_Info(t *testing.T) {
	tc := newTestContext(t)
	t.Setenv("PKIMSG_TEST_PASSWORD", "pw")
	certPath, keyPath := tc.setupSigningPair(pkicrypto.AlgECDSAP256)
	dataPath := tc.writeFile("data.txt", "info content")
	rsa, _ := tc.writeKey("rsa.key", pkicrypto.AlgRSA2048)
	_, rsaCert := tc.writeCert("rsa.crt", "Recipient", rsa)

	sigPath := tc.path("sig.p7s")
	encPath := tc.path("enc.p7m")
	envPath := tc.path("env.p7m")
	ddPath := tc.path("dd.p7d")

	steps := [][]string{
		{"cms", "sign", "--data", dataPath, "--cert", certPath, "--key", keyPath, "--out", sigPath},
		{"cms", "encrypt", "--in", dataPath, "--out", encPath, "--password-env", "PKIMSG_TEST_PASSWORD", "--iterations", "10"},
		{"cms", "envelope", "--recipient", rsaCert, "--in", dataPath, "--out", envPath},
		{"cms", "digest", "--in", dataPath, "--out", ddPath},
	}
	for _, args := range steps {
		_, err := executeCommand(rootCmd, args...)
		assertNoError(t, err)
	}

	tests := []struct {
		path string
		want []string
	}{
		{sigPath, []string{"Content type: signedData", "Signers: 1", "ecdsa-with-SHA256", "Detached: true"}},
		{encPath, []string{"Content type: encryptedData", "Encryption: PBES2"}},
		{envPath, []string{"Content type: envelopedData", "Recipients: 1", "rsaEncryption", "aes-256-cbc"}},
		{ddPath, []string{"Content type: digestedData", "Digest algorithm: sha256"}},
	}
	for _, tt := range tests {
		out, err := executeCommand(rootCmd, "cms", "info", tt.path)
		assertNoError(t, err)
		for _, want := range tt.want {
			if !strings.Contains(out, want) {
				t.Errorf("info %s: output missing %q:\n%s", tt.path, want, out)
			}
		}
	}

	_, err := executeCommand(rootCmd, "cms", "info", tc.writeFile("bad.p7s", "garbage"))
	assertError(t, err)
	_, err = executeCommand(rootCmd, "cms", "info", tc.path("missing.p7s"))
	assertError(t, err)
}

func TestU_OIDName(t *testing.T) {
	tests := []struct {
		oid  asn1.ObjectIdentifier
		want string
	}{
		{pkicrypto.OIDSHA256, "sha256"},
		{pkicrypto.OIDECDSAWithSHA256, "ecdsa-with-SHA256"},
		{pkicrypto.OIDPBES2, "PBES2"},
		{pkicrypto.OIDAES128CBC, "aes-128-cbc"},
		{asn1.ObjectIdentifier{1, 2, 3, 4}, "1.2.3.4"},
	}
	for _, tt := range tests {
		t.Run("[Unit] oidName: "+tt.want, func(t *testing.T) {
			if got := oidName(tt.oid); got != tt.want {
				t.Errorf("oidName(%s) = %q, want %q", tt.oid, got, tt.want)
			}
		})
	}
}
