package main

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	"github.com/remiblancher/pkimsg/internal/audit"
	pkicrypto "github.com/remiblancher/pkimsg/internal/crypto"
)

// loadCertificate loads the first certificate of a PEM or DER file.
func loadCertificate(path string) (*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	certs, err := pkicrypto.ParseCertificates(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate %s: %w", path, err)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificate found in %s", path)
	}
	return certs[0], nil
}

// loadCertificates loads every certificate of the given files.
func loadCertificates(paths []string) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for _, path := range paths {
		cert, err := loadCertificate(path)
		if err != nil {
			return nil, err
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// keySource selects a software key file or an HSM key.
type keySource struct {
	keyPath   string
	hsmConfig string
	keyLabel  string
	keyID     string
}

func (k keySource) location() string {
	if k.hsmConfig == "" {
		return k.keyPath
	}
	if k.keyLabel != "" {
		return "pkcs11:" + k.keyLabel
	}
	return "pkcs11:id=" + k.keyID
}

// loadSigningKey loads a private key (HSM or software) and records the
// access in the audit log.
func loadSigningKey(src keySource) (pkicrypto.Signer, error) {
	var keyCfg pkicrypto.KeyStorageConfig

	if src.hsmConfig != "" {
		if src.keyLabel == "" && src.keyID == "" {
			return nil, fmt.Errorf("--key-label or --key-id required with --hsm-config")
		}
		cfg, err := pkicrypto.NewKeyStorageFromHSMConfig(src.hsmConfig, src.keyLabel, src.keyID)
		if err != nil {
			_ = audit.LogKeyAccessed(src.location(), false, err.Error())
			return nil, err
		}
		keyCfg = cfg
	} else {
		if src.keyPath == "" {
			return nil, fmt.Errorf("--key required for software mode (or use --hsm-config for HSM)")
		}
		keyCfg = pkicrypto.KeyStorageConfig{
			Type:    pkicrypto.KeyProviderTypeSoftware,
			KeyPath: src.keyPath,
		}
	}

	signer, err := pkicrypto.LoadSigner(keyCfg)
	if err != nil {
		_ = audit.LogKeyAccessed(src.location(), false, err.Error())
		return nil, fmt.Errorf("failed to load private key: %w", err)
	}
	if err := audit.LogKeyAccessed(src.location(), true, ""); err != nil {
		closeSigner(signer)
		return nil, err
	}
	return signer, nil
}

// loadDecryptionKey loads a software private key usable for key transport.
func loadDecryptionKey(path string) (*pkicrypto.SoftwareSigner, error) {
	s, err := pkicrypto.LoadPrivateKey(path)
	if err != nil {
		_ = audit.LogKeyAccessed(path, false, err.Error())
		return nil, fmt.Errorf("failed to load private key: %w", err)
	}
	if err := audit.LogKeyAccessed(path, true, ""); err != nil {
		return nil, err
	}
	return s, nil
}

// readPassword reads a password from the named environment variable.
func readPassword(env string) (string, error) {
	if env == "" {
		return "", fmt.Errorf("--password-env is required")
	}
	pw, ok := os.LookupEnv(env)
	if !ok {
		return "", fmt.Errorf("environment variable %s is not set", env)
	}
	return pw, nil
}

// writeOutput writes DER, or PEM under pemType when asPEM is set.
func writeOutput(path string, der []byte, pemType string, asPEM bool) error {
	data := der
	if asPEM {
		data = pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: der})
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}

// readInput reads a DER file, decoding it first when it is PEM.
func readInput(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if block, _ := pem.Decode(data); block != nil {
		return block.Bytes, nil
	}
	return data, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
