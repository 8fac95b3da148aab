package crypto

import (
	"fmt"
	"os"
)

// KeyProviderType identifies the key storage backend.
type KeyProviderType string

const (
	// KeyProviderTypeSoftware reads PEM files.
	KeyProviderTypeSoftware KeyProviderType = "software"

	// KeyProviderTypePKCS11 uses a PKCS#11 token.
	KeyProviderTypePKCS11 KeyProviderType = "pkcs11"
)

// KeyStorageConfig says where a signing key lives.
type KeyStorageConfig struct {
	Type KeyProviderType

	// KeyPath is the PEM file of a software key.
	KeyPath string

	// PKCS11 selects a token key. Its PIN is never serialized.
	PKCS11 PKCS11Config
}

// KeyProvider loads signing keys from a storage backend.
type KeyProvider interface {
	Load(cfg KeyStorageConfig) (Signer, error)
}

// NewKeyProvider returns the provider for cfg.Type. An empty type selects
// software keys.
func NewKeyProvider(cfg KeyStorageConfig) KeyProvider {
	if cfg.Type == KeyProviderTypePKCS11 {
		return PKCS11KeyProvider{}
	}
	return SoftwareKeyProvider{}
}

// NewKeyStorageFromHSMConfig builds a PKCS#11 storage configuration from an
// HSM config file, for the --hsm-config CLI flag.
func NewKeyStorageFromHSMConfig(path, keyLabel, keyID string) (KeyStorageConfig, error) {
	hsmCfg, err := LoadHSMConfig(path)
	if err != nil {
		return KeyStorageConfig{}, fmt.Errorf("failed to load HSM config: %w", err)
	}
	p11, err := hsmCfg.ToPKCS11Config(keyLabel, keyID)
	if err != nil {
		return KeyStorageConfig{}, err
	}
	return KeyStorageConfig{Type: KeyProviderTypePKCS11, PKCS11: p11}, nil
}

// LoadSigner loads the key described by cfg.
func LoadSigner(cfg KeyStorageConfig) (Signer, error) {
	return NewKeyProvider(cfg).Load(cfg)
}

// SoftwareKeyProvider loads PEM keys from disk.
type SoftwareKeyProvider struct{}

// Load implements KeyProvider.
func (SoftwareKeyProvider) Load(cfg KeyStorageConfig) (Signer, error) {
	if cfg.Type != KeyProviderTypeSoftware && cfg.Type != "" {
		return nil, fmt.Errorf("SoftwareKeyProvider only supports software keys, got: %s", cfg.Type)
	}
	if cfg.KeyPath == "" {
		return nil, fmt.Errorf("key path is required for software key storage")
	}
	if _, err := os.Stat(cfg.KeyPath); err != nil {
		return nil, fmt.Errorf("key file: %w", err)
	}
	return LoadPrivateKey(cfg.KeyPath)
}

// PKCS11KeyProvider opens token keys.
type PKCS11KeyProvider struct{}

// Load implements KeyProvider.
func (PKCS11KeyProvider) Load(cfg KeyStorageConfig) (Signer, error) {
	if cfg.Type != KeyProviderTypePKCS11 {
		return nil, fmt.Errorf("PKCS11KeyProvider only supports pkcs11 keys, got: %s", cfg.Type)
	}
	return NewPKCS11Signer(cfg.PKCS11)
}
