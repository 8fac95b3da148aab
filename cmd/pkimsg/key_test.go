package main

import (
	"crypto"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"

	pkicrypto "github.com/remiblancher/pkimsg/internal/crypto"
)

func TestF_Key_Gen(t *testing.T) {
	tests := []struct {
		name string
		alg  string
	}{
		{"[Functional] KeyGen: ECDSAP256", "ecdsa-p256"},
		{"[Functional] KeyGen: ECDSAP384", "ecdsa-p384"},
		{"[Functional] KeyGen: Ed25519", "ed25519"},
		{"[Functional] KeyGen: MLDSA65", "ml-dsa-65"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := newTestContext(t)
			keyPath := tc.path("test.key")

			out, err := executeCommand(rootCmd, "key", "gen", "--algorithm", tt.alg, "--out", keyPath)
			assertNoError(t, err)
			assertFileNotEmpty(t, keyPath)
			if !strings.Contains(out, "Private key saved to:") {
				t.Errorf("output = %q", out)
			}

			signer, err := pkicrypto.LoadPrivateKey(keyPath)
			assertNoError(t, err)
			if string(signer.Algorithm()) != tt.alg {
				t.Errorf("algorithm = %s, want %s", signer.Algorithm(), tt.alg)
			}
		})
	}
}

func TestF_Key_Gen_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"[Functional] KeyGen: NoOutput", []string{}},
		{"[Functional] KeyGen: InvalidAlgorithm", []string{"--algorithm", "rsa-512", "--out", "k.pem"}},
		{"[Functional] KeyGen: OutAndHSM", []string{"--out", "k.pem", "--hsm-config", "hsm.yaml", "--key-label", "x"}},
		{"[Functional] KeyGen: HSMWithoutLabel", []string{"--hsm-config", "hsm.yaml"}},
		{"[Functional] KeyGen: HSMEdDSA", []string{"--hsm-config", "hsm.yaml", "--key-label", "x", "--algorithm", "ed25519"}},
		{"[Functional] KeyGen: HSMMissingConfig", []string{"--hsm-config", "hsm.yaml", "--key-label", "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tc := newTestContext(t)
			args := []string{"key", "gen"}
			for _, a := range tt.args {
				if strings.HasSuffix(a, ".pem") || strings.HasSuffix(a, ".yaml") {
					a = tc.path(a)
				}
				args = append(args, a)
			}
			_, err := executeCommand(rootCmd, args...)
			assertError(t, err)
		})
	}
}

func TestF_Key_Pub(t *testing.T) {
	for _, alg := range []pkicrypto.AlgorithmID{pkicrypto.AlgECDSAP256, pkicrypto.AlgEd25519, pkicrypto.AlgRSA2048} {
		t.Run("[Functional] KeyPub: "+string(alg), func(t *testing.T) {
			tc := newTestContext(t)
			signer, keyPath := tc.writeKey("key.pem", alg)
			pubPath := tc.path("pub.pem")

			_, err := executeCommand(rootCmd, "key", "pub", "--key", keyPath, "--out", pubPath)
			assertNoError(t, err)

			block, _ := pem.Decode(tc.readFile(pubPath))
			if block == nil || block.Type != "PUBLIC KEY" {
				t.Fatalf("expected PUBLIC KEY PEM block, got %v", block)
			}
			pub, err := x509.ParsePKIXPublicKey(block.Bytes)
			assertNoError(t, err)
			type equaler interface {
				Equal(crypto.PublicKey) bool
			}
			if !signer.Public().(equaler).Equal(pub) {
				t.Error("exported public key does not match the private key")
			}
		})
	}
}

func TestF_Key_Pub_Errors(t *testing.T) {
	tc := newTestContext(t)

	_, err := executeCommand(rootCmd, "key", "pub", "--key", tc.path("missing.pem"), "--out", tc.path("pub.pem"))
	assertError(t, err)

	_, err = executeCommand(rootCmd, "key", "pub", "--key", tc.writeFile("bad.pem", "not a key"), "--out", tc.path("pub.pem"))
	assertError(t, err)

	_, err = executeCommand(rootCmd, "key", "pub", "--out", tc.path("pub.pem"))
	assertError(t, err)
}
