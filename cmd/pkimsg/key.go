package main

import (
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/remiblancher/pkimsg/internal/audit"
	pkicrypto "github.com/remiblancher/pkimsg/internal/crypto"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Signing key management",
	Long: `Generate signing keys and export their public keys.

Keys are stored as unencrypted PEM files (PKCS#8 for classical keys) or
generated inside a PKCS#11 token with --hsm-config.

Examples:
  pkimsg key gen --algorithm ecdsa-p256 --out signer.key
  pkimsg key gen --algorithm ml-dsa-65 --out pqc.key
  pkimsg key gen --algorithm ecdsa-p256 --hsm-config hsm.yaml --key-label signer
  pkimsg key pub --key signer.key --out signer.pub`,
}

var keyGenCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate a signing key pair",
	Long: `Generate a signing key pair.

Algorithms: ` + strings.Join(pkicrypto.SupportedAlgorithms(), ", "),
	Args: cobra.NoArgs,
	RunE: runKeyGen,
}

var keyPubCmd = &cobra.Command{
	Use:   "pub",
	Short: "Export the public key of a private key",
	Args:  cobra.NoArgs,
	RunE:  runKeyPub,
}

var (
	keyGenAlgorithm string
	keyGenOutput    string
	keyGenHSMConfig string
	keyGenKeyLabel  string
	keyGenKeyID     string

	keyPubKey string
	keyPubOut string
)

func init() {
	keyCmd.AddCommand(keyGenCmd)
	keyCmd.AddCommand(keyPubCmd)

	flags := keyGenCmd.Flags()
	flags.StringVarP(&keyGenAlgorithm, "algorithm", "a", "ecdsa-p256", "Key algorithm")
	flags.StringVarP(&keyGenOutput, "out", "o", "", "Output file (mutually exclusive with --hsm-config)")
	flags.StringVar(&keyGenHSMConfig, "hsm-config", "", "Path to HSM configuration file (mutually exclusive with --out)")
	flags.StringVar(&keyGenKeyLabel, "key-label", "", "Key label in HSM (required with --hsm-config)")
	flags.StringVar(&keyGenKeyID, "key-id", "", "Key ID in hex (optional)")

	keyPubCmd.Flags().StringVarP(&keyPubKey, "key", "k", "", "Input private key file (required)")
	keyPubCmd.Flags().StringVarP(&keyPubOut, "out", "o", "", "Output public key file (required)")
	_ = keyPubCmd.MarkFlagRequired("key")
	_ = keyPubCmd.MarkFlagRequired("out")
}

func runKeyGen(cmd *cobra.Command, args []string) error {
	if keyGenHSMConfig != "" && keyGenOutput != "" {
		return fmt.Errorf("--out and --hsm-config are mutually exclusive")
	}
	if keyGenHSMConfig == "" && keyGenOutput == "" {
		return fmt.Errorf("either --out or --hsm-config is required")
	}
	if keyGenHSMConfig != "" && keyGenKeyLabel == "" {
		return fmt.Errorf("--key-label is required with --hsm-config")
	}

	alg, err := pkicrypto.ParseAlgorithm(keyGenAlgorithm)
	if err != nil {
		return fmt.Errorf("invalid algorithm: %w", err)
	}

	if keyGenHSMConfig != "" {
		return runKeyGenHSM(cmd, alg)
	}
	return runKeyGenFile(cmd, alg)
}

func runKeyGenFile(cmd *cobra.Command, alg pkicrypto.AlgorithmID) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Generating %s key pair...\n", alg.Description())

	signer, err := pkicrypto.GenerateSoftwareSigner(alg)
	if err == nil {
		err = signer.SavePrivateKey(keyGenOutput)
	}
	if auditErr := audit.LogKeyGenerated(keyGenOutput, alg.String(), err == nil); auditErr != nil && err == nil {
		return auditErr
	}
	if err != nil {
		return fmt.Errorf("failed to generate key pair: %w", err)
	}

	fmt.Fprintf(out, "Private key saved to: %s\n", keyGenOutput)
	fmt.Fprintln(out, "WARNING: Private key is not encrypted.")
	return nil
}

func runKeyGenHSM(cmd *cobra.Command, alg pkicrypto.AlgorithmID) error {
	if alg.Family() != pkicrypto.FamilyECDSA && alg.Family() != pkicrypto.FamilyRSA {
		return fmt.Errorf("HSM key generation supports ECDSA and RSA only, got %s", alg)
	}
	keyCfg, err := pkicrypto.NewKeyStorageFromHSMConfig(keyGenHSMConfig, keyGenKeyLabel, keyGenKeyID)
	if err != nil {
		return err
	}

	location := keySource{hsmConfig: keyGenHSMConfig, keyLabel: keyGenKeyLabel, keyID: keyGenKeyID}.location()
	err = pkicrypto.GenerateHSMKey(keyCfg.PKCS11, alg)
	if auditErr := audit.LogKeyGenerated(location, alg.String(), err == nil); auditErr != nil && err == nil {
		return auditErr
	}
	if err != nil {
		return fmt.Errorf("failed to generate HSM key: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Generated %s key in HSM with label %q\n", alg, keyGenKeyLabel)
	return nil
}

func runKeyPub(cmd *cobra.Command, args []string) error {
	signer, err := loadSigningKey(keySource{keyPath: keyPubKey})
	if err != nil {
		return err
	}
	spki, err := pkicrypto.MarshalPublicKey(signer.Public())
	if err != nil {
		return fmt.Errorf("failed to marshal public key: %w", err)
	}
	data := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: spki})
	if err := os.WriteFile(keyPubOut, data, 0644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Public key (%s) saved to: %s\n", signer.Algorithm(), keyPubOut)
	return nil
}
