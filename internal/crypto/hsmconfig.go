package crypto

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// HSMConfig is the YAML description of a signing token.
//
//	type: pkcs11
//	pkcs11:
//	  lib: /usr/lib/softhsm/libsofthsm2.so
//	  token: pkimsg
//	  pin_env: PKIMSG_HSM_PIN
type HSMConfig struct {
	Type   string         `yaml:"type"`
	PKCS11 PKCS11Settings `yaml:"pkcs11"`
}

// PKCS11Settings holds PKCS#11 specific configuration.
type PKCS11Settings struct {
	// Lib is the path to the PKCS#11 library (.so/.dylib/.dll).
	Lib string `yaml:"lib"`

	// Token identifies the token by label.
	Token string `yaml:"token"`

	// TokenSerial identifies the token by serial number.
	TokenSerial string `yaml:"token_serial"`

	// Slot identifies the token by slot ID.
	Slot *uint `yaml:"slot"`

	// PinEnv names the environment variable holding the user PIN.
	PinEnv string `yaml:"pin_env"`
}

// PKCS11Config is the resolved configuration of a PKCS11Signer.
type PKCS11Config struct {
	ModulePath  string
	TokenLabel  string
	TokenSerial string
	SlotID      *uint
	PIN         string

	// KeyLabel and KeyID (hex CKA_ID) select the private key.
	KeyLabel string
	KeyID    string
}

func (c PKCS11Config) validate() error {
	if c.ModulePath == "" {
		return fmt.Errorf("PKCS#11 module path is required")
	}
	if c.KeyLabel == "" && c.KeyID == "" {
		return fmt.Errorf("at least one of key_label or key_id is required")
	}
	return nil
}

// LoadHSMConfig loads HSM configuration from a YAML file.
func LoadHSMConfig(path string) (*HSMConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read HSM config file: %w", err)
	}
	return ParseHSMConfig(data)
}

// ParseHSMConfig parses and validates HSM configuration.
func ParseHSMConfig(data []byte) (*HSMConfig, error) {
	var cfg HSMConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse HSM config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid HSM config: %w", err)
	}
	return &cfg, nil
}

// Validate checks that the HSM configuration is usable.
func (c *HSMConfig) Validate() error {
	if c.Type != "pkcs11" {
		return fmt.Errorf("unsupported HSM type: %s (only 'pkcs11' is supported)", c.Type)
	}
	if c.PKCS11.Lib == "" {
		return fmt.Errorf("pkcs11.lib is required")
	}
	if c.PKCS11.Token == "" && c.PKCS11.TokenSerial == "" && c.PKCS11.Slot == nil {
		return fmt.Errorf("at least one of pkcs11.token, pkcs11.token_serial, or pkcs11.slot is required")
	}
	if c.PKCS11.PinEnv == "" {
		return fmt.Errorf("pkcs11.pin_env is required (PIN must be provided via environment variable)")
	}
	return nil
}

// GetPIN reads the PIN from the configured environment variable.
func (c *HSMConfig) GetPIN() (string, error) {
	pin := os.Getenv(c.PKCS11.PinEnv)
	if pin == "" {
		return "", fmt.Errorf("environment variable %s is not set or empty", c.PKCS11.PinEnv)
	}
	return pin, nil
}

// ToPKCS11Config resolves the PIN and selects a key.
func (c *HSMConfig) ToPKCS11Config(keyLabel, keyID string) (PKCS11Config, error) {
	pin, err := c.GetPIN()
	if err != nil {
		return PKCS11Config{}, err
	}
	cfg := PKCS11Config{
		ModulePath:  c.PKCS11.Lib,
		TokenLabel:  c.PKCS11.Token,
		TokenSerial: c.PKCS11.TokenSerial,
		SlotID:      c.PKCS11.Slot,
		PIN:         pin,
		KeyLabel:    keyLabel,
		KeyID:       keyID,
	}
	return cfg, cfg.validate()
}
