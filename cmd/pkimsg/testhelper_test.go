package main

import (
	"bytes"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/remiblancher/pkimsg/internal/audit"
	pkicrypto "github.com/remiblancher/pkimsg/internal/crypto"
)

// Note: t.Parallel() is not used because Cobra commands share global flag state.

// executeCommand resets every flag, runs root with args and returns its output.
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	resetFlags(root)
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)

	err = root.Execute()
	return buf.String(), err
}

// resetFlags restores defaults and clears the Changed state of every flag in
// the command tree. Cobra retains both between runs.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// testContext holds test resources.
type testContext struct {
	t       *testing.T
	tempDir string
}

// newTestContext creates a temp directory and makes sure the global audit
// writer is released when the test ends.
func newTestContext(t *testing.T) *testContext {
	t.Helper()
	t.Cleanup(func() { _ = audit.Close() })
	return &testContext{t: t, tempDir: t.TempDir()}
}

// path returns a path within the temp directory.
func (tc *testContext) path(name string) string {
	return filepath.Join(tc.tempDir, name)
}

// writeFile writes content to a file in the temp directory.
func (tc *testContext) writeFile(name, content string) string {
	tc.t.Helper()
	path := tc.path(name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		tc.t.Fatalf("Failed to write file %s: %v", name, err)
	}
	return path
}

// readFile reads a file from the temp directory.
func (tc *testContext) readFile(path string) []byte {
	tc.t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		tc.t.Fatalf("Failed to read %s: %v", path, err)
	}
	return data
}

// writeKey generates a software key and saves it as PEM.
func (tc *testContext) writeKey(name string, alg pkicrypto.AlgorithmID) (*pkicrypto.SoftwareSigner, string) {
	tc.t.Helper()
	s, err := pkicrypto.GenerateSoftwareSigner(alg)
	if err != nil {
		tc.t.Fatalf("Failed to generate %s key: %v", alg, err)
	}
	path := tc.path(name)
	if err := s.SavePrivateKey(path); err != nil {
		tc.t.Fatalf("Failed to save key: %v", err)
	}
	return s, path
}

// writeCert creates a self-signed certificate for s and saves it as PEM.
func (tc *testContext) writeCert(name, cn string, s *pkicrypto.SoftwareSigner) (*x509.Certificate, string) {
	tc.t.Helper()
	spki, err := x509.MarshalPKIXPublicKey(s.Public())
	if err != nil {
		tc.t.Fatalf("Failed to marshal public key: %v", err)
	}
	skid := sha1.Sum(spki)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(time.Now().UnixNano()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		SubjectKeyId: skid[:],
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, s.Public(), s.PrivateKey())
	if err != nil {
		tc.t.Fatalf("Failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		tc.t.Fatalf("Failed to parse certificate: %v", err)
	}
	path := tc.path(name)
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0644); err != nil {
		tc.t.Fatalf("Failed to write certificate: %v", err)
	}
	return cert, path
}

// setupSigningPair creates a key and certificate for signing tests.
func (tc *testContext) setupSigningPair(alg pkicrypto.AlgorithmID) (certPath, keyPath string) {
	tc.t.Helper()
	s, keyPath := tc.writeKey("signer.key", alg)
	_, certPath = tc.writeCert("signer.crt", "Test Signer", s)
	return certPath, keyPath
}

// assertFileNotEmpty verifies that a file exists and is not empty.
func assertFileNotEmpty(t *testing.T, path string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	if len(data) == 0 {
		t.Errorf("file %s is empty", path)
	}
}

// assertNoError fails the test if err is not nil.
func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// assertError fails the test if err is nil.
func assertError(t *testing.T, err error) {
	t.Helper()
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}
