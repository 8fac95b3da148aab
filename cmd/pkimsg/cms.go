package main

import (
	"crypto"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/remiblancher/pkimsg/internal/audit"
	"github.com/remiblancher/pkimsg/internal/cms"
	pkicrypto "github.com/remiblancher/pkimsg/internal/crypto"
)

var cmsCmd = &cobra.Command{
	Use:   "cms",
	Short: "CMS operations (RFC 5652)",
	Long: `CMS (Cryptographic Message Syntax) operations per RFC 5652.

This command provides:
  - sign:     Create a CMS SignedData signature
  - verify:   Verify a CMS SignedData or DigestedData
  - encrypt:  Encrypt data under a password (EncryptedData, PBE)
  - decrypt:  Decrypt a password-protected EncryptedData
  - digest:   Create a CMS DigestedData
  - envelope: Encrypt data for certificate holders (EnvelopedData)
  - open:     Decrypt an EnvelopedData with a recipient key
  - info:     Display CMS message information

Examples:
  # Sign a file (detached signature)
  pkimsg cms sign --data file.txt --cert signer.crt --key signer.key -o file.p7s

  # Verify a detached signature
  pkimsg cms verify file.p7s --data file.txt

  # Password-encrypt a file
  PASS=secret pkimsg cms encrypt --in secret.txt --out secret.p7m --password-env PASS`,
}

var cmsSignCmd = &cobra.Command{
	Use:   "sign",
	Short: "Create a CMS SignedData signature",
	Long: `Create a CMS SignedData signature for a file.

By default, creates a detached signature (content not included in output).
Use --detached=false to include the content in the SignedData structure.

The digest defaults to the key algorithm's hash; EdDSA and ML-DSA keys
use SHA-512.

Examples:
  # Detached signature (default)
  pkimsg cms sign --data file.txt --cert signer.crt --key signer.key -o file.p7s

  # Attached signature with SHA-384
  pkimsg cms sign --data file.txt --cert signer.crt --key signer.key --detached=false --hash sha384 -o file.p7s

  # HSM key
  pkimsg cms sign --data file.txt --cert signer.crt --hsm-config hsm.yaml --key-label signer -o file.p7s`,
	Args: cobra.NoArgs,
	RunE: runCMSSign,
}

var cmsVerifyCmd = &cobra.Command{
	Use:   "verify <file>",
	Short: "Verify a CMS SignedData or DigestedData",
	Long: `Verify a CMS SignedData signature or a DigestedData digest.

For detached messages, provide the original data with --data. Signer
certificates are taken from the message first, then from --cert.
Certificate chains are not validated.

Examples:
  pkimsg cms verify file.p7s --data file.txt
  pkimsg cms verify file.p7s --cert signer.crt
  pkimsg cms verify file.p7d`,
	Args: cobra.ExactArgs(1),
	RunE: runCMSVerify,
}

var cmsEncryptCmd = &cobra.Command{
	Use:   "encrypt",
	Short: "Encrypt data under a password (EncryptedData)",
	Long: `Encrypt a file with a password-based encryption scheme and write a
CMS EncryptedData.

The password is read from the environment variable named by --password-env.

Algorithms:
  pbes2          PBES2, PBKDF2-HMAC-SHA256, AES-256-CBC (default)
  pbes2-aes128   PBES2, PBKDF2-HMAC-SHA256, AES-128-CBC
  pbe-sha1-3des  pbeWithSHAAnd3-KeyTripleDES-CBC (PKCS#12)
  pbe-sha1-2des  pbeWithSHAAnd2-KeyTripleDES-CBC (PKCS#12)
  pbe-sha1-des   pbeWithSHA1AndDES-CBC (PKCS#5 v1.5)
  pbe-md5-des    pbeWithMD5AndDES-CBC (PKCS#5 v1.5)

Examples:
  PASS=secret pkimsg cms encrypt --in data.txt --out data.p7m --password-env PASS
  PASS=secret pkimsg cms encrypt --in data.txt --out data.p7m --password-env PASS --algorithm pbe-sha1-3des`,
	Args: cobra.NoArgs,
	RunE: runCMSEncrypt,
}

var cmsDecryptCmd = &cobra.Command{
	Use:   "decrypt",
	Short: "Decrypt a password-protected EncryptedData",
	Args:  cobra.NoArgs,
	RunE:  runCMSDecrypt,
}

var cmsDigestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Create a CMS DigestedData",
	Args:  cobra.NoArgs,
	RunE:  runCMSDigest,
}

var cmsEnvelopeCmd = &cobra.Command{
	Use:   "envelope",
	Short: "Encrypt data for recipients (EnvelopedData)",
	Long: `Encrypt data with a random content key which is transported to each
recipient under its RSA public key (PKCS#1 v1.5).

Examples:
  pkimsg cms envelope --recipient bob.crt --in secret.txt --out secret.p7m
  pkimsg cms envelope -r alice.crt -r bob.crt --in data.txt --out data.p7m --content-enc aes-128-cbc`,
	Args: cobra.NoArgs,
	RunE: runCMSEnvelope,
}

var cmsOpenCmd = &cobra.Command{
	Use:   "open",
	Short: "Decrypt an EnvelopedData with a recipient key",
	Args:  cobra.NoArgs,
	RunE:  runCMSOpen,
}

var cmsInfoCmd = &cobra.Command{
	Use:   "info <file>",
	Short: "Display CMS message information",
	Long: `Display detailed information about a CMS message.

Supports SignedData, EnvelopedData, EncryptedData and DigestedData.

Examples:
  pkimsg cms info signature.p7s
  pkimsg cms info encrypted.p7m`,
	Args: cobra.ExactArgs(1),
	RunE: runCMSInfo,
}

// Command flags
var (
	// cms sign flags
	cmsSignData         string
	cmsSignCert         string
	cmsSignKey          string
	cmsSignHash         string
	cmsSignOutput       string
	cmsSignDetached     bool
	cmsSignIncludeCerts bool
	cmsSignSKID         bool
	cmsSignPEM          bool
	cmsSignHSMConfig    string
	cmsSignKeyLabel     string
	cmsSignKeyID        string

	// cms verify flags
	cmsVerifyData  string
	cmsVerifyCerts []string

	// cms encrypt flags
	cmsEncryptInput       string
	cmsEncryptOutput      string
	cmsEncryptPasswordEnv string
	cmsEncryptAlgorithm   string
	cmsEncryptIterations  int
	cmsEncryptConverter   string

	// cms decrypt flags
	cmsDecryptInput       string
	cmsDecryptOutput      string
	cmsDecryptPasswordEnv string
	cmsDecryptConverter   string

	// cms digest flags
	cmsDigestInput  string
	cmsDigestOutput string
	cmsDigestHash   string

	// cms envelope flags
	cmsEnvelopeRecipients []string
	cmsEnvelopeInput      string
	cmsEnvelopeOutput     string
	cmsEnvelopeContentEnc string

	// cms open flags
	cmsOpenKey    string
	cmsOpenCert   string
	cmsOpenInput  string
	cmsOpenOutput string
)

func init() {
	// cms sign flags
	cmsSignCmd.Flags().StringVar(&cmsSignData, "data", "", "File to sign (required)")
	cmsSignCmd.Flags().StringVar(&cmsSignCert, "cert", "", "Signer certificate (PEM or DER, required)")
	cmsSignCmd.Flags().StringVar(&cmsSignKey, "key", "", "Signer private key (PEM, required unless --hsm-config)")
	cmsSignCmd.Flags().StringVar(&cmsSignHash, "hash", "", "Hash algorithm (sha256, sha384, sha512, sha3-256, ...)")
	cmsSignCmd.Flags().StringVarP(&cmsSignOutput, "out", "o", "", "Output file (required)")
	cmsSignCmd.Flags().BoolVar(&cmsSignDetached, "detached", true, "Create detached signature (content not included)")
	cmsSignCmd.Flags().BoolVar(&cmsSignIncludeCerts, "include-certs", true, "Include signer certificate in output")
	cmsSignCmd.Flags().BoolVar(&cmsSignSKID, "subject-key-id", false, "Identify the signer by subject key identifier")
	cmsSignCmd.Flags().BoolVar(&cmsSignPEM, "pem", false, "Write PEM instead of DER")
	cmsSignCmd.Flags().StringVar(&cmsSignHSMConfig, "hsm-config", "", "HSM configuration file (YAML)")
	cmsSignCmd.Flags().StringVar(&cmsSignKeyLabel, "key-label", "", "HSM key label (CKA_LABEL)")
	cmsSignCmd.Flags().StringVar(&cmsSignKeyID, "key-id", "", "HSM key ID (CKA_ID, hex)")
	_ = cmsSignCmd.MarkFlagRequired("data")
	_ = cmsSignCmd.MarkFlagRequired("cert")
	_ = cmsSignCmd.MarkFlagRequired("out")

	// cms verify flags
	cmsVerifyCmd.Flags().StringVar(&cmsVerifyData, "data", "", "Original data file (for detached messages)")
	cmsVerifyCmd.Flags().StringArrayVar(&cmsVerifyCerts, "cert", nil, "Signer certificate(s) not embedded in the message")

	// cms encrypt flags
	cmsEncryptCmd.Flags().StringVarP(&cmsEncryptInput, "in", "i", "", "Input file to encrypt")
	cmsEncryptCmd.Flags().StringVarP(&cmsEncryptOutput, "out", "o", "", "Output file (.p7m)")
	cmsEncryptCmd.Flags().StringVar(&cmsEncryptPasswordEnv, "password-env", "", "Environment variable holding the password")
	cmsEncryptCmd.Flags().StringVar(&cmsEncryptAlgorithm, "algorithm", "pbes2", "Password-based encryption scheme")
	cmsEncryptCmd.Flags().IntVar(&cmsEncryptIterations, "iterations", cms.DefaultIterations, "Key derivation iteration count")
	cmsEncryptCmd.Flags().StringVar(&cmsEncryptConverter, "converter", "", "Password converter (pkcs5, utf8, pkcs12; default per scheme)")
	_ = cmsEncryptCmd.MarkFlagRequired("in")
	_ = cmsEncryptCmd.MarkFlagRequired("out")
	_ = cmsEncryptCmd.MarkFlagRequired("password-env")

	// cms decrypt flags
	cmsDecryptCmd.Flags().StringVarP(&cmsDecryptInput, "in", "i", "", "Input file (.p7m)")
	cmsDecryptCmd.Flags().StringVarP(&cmsDecryptOutput, "out", "o", "", "Output file")
	cmsDecryptCmd.Flags().StringVar(&cmsDecryptPasswordEnv, "password-env", "", "Environment variable holding the password")
	cmsDecryptCmd.Flags().StringVar(&cmsDecryptConverter, "converter", "", "Password converter (pkcs5, utf8, pkcs12; default per scheme)")
	_ = cmsDecryptCmd.MarkFlagRequired("in")
	_ = cmsDecryptCmd.MarkFlagRequired("out")
	_ = cmsDecryptCmd.MarkFlagRequired("password-env")

	// cms digest flags
	cmsDigestCmd.Flags().StringVarP(&cmsDigestInput, "in", "i", "", "Input file")
	cmsDigestCmd.Flags().StringVarP(&cmsDigestOutput, "out", "o", "", "Output file")
	cmsDigestCmd.Flags().StringVar(&cmsDigestHash, "hash", "sha256", "Hash algorithm")
	_ = cmsDigestCmd.MarkFlagRequired("in")
	_ = cmsDigestCmd.MarkFlagRequired("out")

	// cms envelope flags
	cmsEnvelopeCmd.Flags().StringArrayVarP(&cmsEnvelopeRecipients, "recipient", "r", nil, "Recipient certificate(s)")
	cmsEnvelopeCmd.Flags().StringVarP(&cmsEnvelopeInput, "in", "i", "", "Input file to encrypt")
	cmsEnvelopeCmd.Flags().StringVarP(&cmsEnvelopeOutput, "out", "o", "", "Output file (.p7m)")
	cmsEnvelopeCmd.Flags().StringVar(&cmsEnvelopeContentEnc, "content-enc", "aes-256-cbc", "Content encryption (aes-128-cbc, aes-192-cbc, aes-256-cbc)")
	_ = cmsEnvelopeCmd.MarkFlagRequired("recipient")
	_ = cmsEnvelopeCmd.MarkFlagRequired("in")
	_ = cmsEnvelopeCmd.MarkFlagRequired("out")

	// cms open flags
	cmsOpenCmd.Flags().StringVarP(&cmsOpenKey, "key", "k", "", "Recipient private key (PEM)")
	cmsOpenCmd.Flags().StringVarP(&cmsOpenCert, "cert", "c", "", "Recipient certificate")
	cmsOpenCmd.Flags().StringVarP(&cmsOpenInput, "in", "i", "", "Input file (.p7m)")
	cmsOpenCmd.Flags().StringVarP(&cmsOpenOutput, "out", "o", "", "Output file")
	for _, f := range []string{"key", "cert", "in", "out"} {
		_ = cmsOpenCmd.MarkFlagRequired(f)
	}

	cmsCmd.AddCommand(cmsSignCmd)
	cmsCmd.AddCommand(cmsVerifyCmd)
	cmsCmd.AddCommand(cmsEncryptCmd)
	cmsCmd.AddCommand(cmsDecryptCmd)
	cmsCmd.AddCommand(cmsDigestCmd)
	cmsCmd.AddCommand(cmsEnvelopeCmd)
	cmsCmd.AddCommand(cmsOpenCmd)
	cmsCmd.AddCommand(cmsInfoCmd)
}

func runCMSSign(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(cmsSignData)
	if err != nil {
		return fmt.Errorf("failed to read data file: %w", err)
	}
	cert, err := loadCertificate(cmsSignCert)
	if err != nil {
		return err
	}
	var h crypto.Hash
	if cmsSignHash != "" {
		if h, err = pkicrypto.ParseHash(cmsSignHash); err != nil {
			return fmt.Errorf("invalid hash: %w", err)
		}
	}

	signer, err := loadSigningKey(keySource{
		keyPath:   cmsSignKey,
		hsmConfig: cmsSignHSMConfig,
		keyLabel:  cmsSignKeyLabel,
		keyID:     cmsSignKeyID,
	})
	if err != nil {
		return err
	}
	defer closeSigner(signer)

	signedData, err := cms.Sign(cmd.Context(), data, &cms.SignerConfig{
		Certificate:     cert,
		Signer:          signer,
		DigestAlg:       h,
		IncludeCerts:    cmsSignIncludeCerts,
		Detached:        cmsSignDetached,
		UseSubjectKeyID: cmsSignSKID,
	})
	if err == nil {
		err = writeOutput(cmsSignOutput, signedData, "CMS", cmsSignPEM)
	}
	if auditErr := audit.LogCMSSign(cmsSignOutput, cert.Subject.String(), signer.Algorithm().String(), cmsSignDetached, err == nil); auditErr != nil && err == nil {
		return auditErr
	}
	if err != nil {
		return fmt.Errorf("failed to create signature: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Signature created: %s\n", cmsSignOutput)
	fmt.Fprintf(out, "  Signer:   %s\n", cert.Subject.String())
	fmt.Fprintf(out, "  Detached: %v\n", cmsSignDetached)
	return nil
}

func runCMSVerify(cmd *cobra.Command, args []string) error {
	path := args[0]
	msg, err := readInput(path)
	if err != nil {
		return err
	}
	var content []byte
	if cmsVerifyData != "" {
		if content, err = os.ReadFile(cmsVerifyData); err != nil {
			return fmt.Errorf("failed to read data file: %w", err)
		}
	}

	ci, err := cms.ParseContentInfo(msg)
	if err != nil {
		return fmt.Errorf("failed to parse CMS message: %w", err)
	}
	if ci.ContentType.Equal(cms.OIDDigestedData) {
		return verifyDigestedData(cmd.OutOrStdout(), path, msg, content)
	}
	if !ci.ContentType.Equal(cms.OIDSignedData) {
		return fmt.Errorf("cannot verify %s content", cms.ContentTypeName(ci.ContentType))
	}

	cfg := &cms.VerifyConfig{Data: content}
	if len(cmsVerifyCerts) > 0 {
		store, err := pkicrypto.LoadCertStore(cmsVerifyCerts...)
		if err != nil {
			return err
		}
		cfg.Store = store
	}

	result, err := cms.Verify(cmd.Context(), msg, cfg)
	signers := 0
	if result != nil {
		signers = len(result.SignerCerts)
	}
	if auditErr := audit.LogCMSVerify(path, signers, err == nil, errString(err)); auditErr != nil && err == nil {
		return auditErr
	}
	if err != nil {
		return fmt.Errorf("signature verification failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Signature verification: VALID")
	fmt.Fprintf(out, "  Content type: %s\n", cms.ContentTypeName(result.ContentType))
	for _, c := range result.SignerCerts {
		fmt.Fprintf(out, "  Signer:       %s\n", c.Subject.String())
	}
	if !result.SigningTime.IsZero() {
		fmt.Fprintf(out, "  Signing time: %s\n", result.SigningTime.UTC().Format(time.RFC3339))
	}
	return nil
}

func verifyDigestedData(out io.Writer, path string, msg, content []byte) error {
	dd, err := cms.ParseDigestedData(msg)
	alg := ""
	if err == nil {
		alg = oidName(dd.DigestAlgorithm.Algorithm)
		err = dd.Verify(content)
	}
	if auditErr := audit.LogCMSDigest(path, alg, err == nil, errString(err)); auditErr != nil && err == nil {
		return auditErr
	}
	if err != nil {
		return fmt.Errorf("digest verification failed: %w", err)
	}
	fmt.Fprintln(out, "Digest verification: VALID")
	fmt.Fprintf(out, "  Algorithm: %s\n", alg)
	return nil
}

// pbeAlgorithms maps --algorithm names to PBE schemes.
var pbeAlgorithms = map[string]struct {
	oid    asn1.ObjectIdentifier
	cipher asn1.ObjectIdentifier
}{
	"pbes2":         {pkicrypto.OIDPBES2, pkicrypto.OIDAES256CBC},
	"pbes2-aes128":  {pkicrypto.OIDPBES2, pkicrypto.OIDAES128CBC},
	"pbe-sha1-3des": {pkicrypto.OIDPBEWithSHAAnd3KeyTripleDESCBC, nil},
	"pbe-sha1-2des": {pkicrypto.OIDPBEWithSHAAnd2KeyTripleDESCBC, nil},
	"pbe-sha1-des":  {pkicrypto.OIDPBEWithSHA1AndDESCBC, nil},
	"pbe-md5-des":   {pkicrypto.OIDPBEWithMD5AndDESCBC, nil},
}

func parseConverter(name string) (pkicrypto.PasswordConverter, error) {
	if name == "" {
		return nil, nil
	}
	return pkicrypto.ParseConverter(name)
}

func runCMSEncrypt(cmd *cobra.Command, args []string) error {
	alg, ok := pbeAlgorithms[cmsEncryptAlgorithm]
	if !ok {
		return fmt.Errorf("unknown algorithm %q", cmsEncryptAlgorithm)
	}
	conv, err := parseConverter(cmsEncryptConverter)
	if err != nil {
		return err
	}
	if alg.cipher != nil && alg.cipher.Equal(pkicrypto.OIDAES128CBC) && conv != nil {
		return fmt.Errorf("--converter is not supported with %s", cmsEncryptAlgorithm)
	}
	password, err := readPassword(cmsEncryptPasswordEnv)
	if err != nil {
		return err
	}
	plaintext, err := os.ReadFile(cmsEncryptInput)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}

	var eci *cms.EncryptedContentInfo
	if alg.cipher != nil && alg.cipher.Equal(pkicrypto.OIDAES128CBC) {
		eci, err = cms.CreatePBES2(password, nil, cmsEncryptIterations, crypto.SHA256, alg.cipher, plaintext)
	} else {
		eci, err = cms.CreatePBE(alg.oid, password, nil, cmsEncryptIterations, conv, plaintext)
	}
	var encoded []byte
	if err == nil {
		var ed *cms.EncryptedData
		if ed, err = cms.NewEncryptedData(eci); err == nil {
			encoded, err = ed.MarshalContentInfo()
		}
	}
	if err == nil {
		err = writeOutput(cmsEncryptOutput, encoded, "CMS", false)
	}
	if auditErr := audit.LogPBEEncrypt(cmsEncryptOutput, cmsEncryptAlgorithm, cmsEncryptIterations, err == nil); auditErr != nil && err == nil {
		return auditErr
	}
	if err != nil {
		return fmt.Errorf("encryption failed: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Encrypted with %s: %s\n", cmsEncryptAlgorithm, cmsEncryptOutput)
	return nil
}

func runCMSDecrypt(cmd *cobra.Command, args []string) error {
	conv, err := parseConverter(cmsDecryptConverter)
	if err != nil {
		return err
	}
	password, err := readPassword(cmsDecryptPasswordEnv)
	if err != nil {
		return err
	}
	msg, err := readInput(cmsDecryptInput)
	if err != nil {
		return err
	}

	ed, err := cms.ParseEncryptedData(msg)
	alg := ""
	var plaintext []byte
	if err == nil {
		alg = oidName(ed.EncryptedContentInfo.ContentEncryptionAlgorithm.Algorithm)
		plaintext, err = ed.EncryptedContentInfo.Decrypt(password, conv)
		if err == nil && plaintext == nil {
			err = fmt.Errorf("message carries no encrypted content")
		}
	}
	if err == nil {
		if err = os.WriteFile(cmsDecryptOutput, plaintext, 0600); err != nil {
			err = fmt.Errorf("failed to write output: %w", err)
		}
	}
	if auditErr := audit.LogPBEDecrypt(cmsDecryptInput, alg, err == nil, errString(err)); auditErr != nil && err == nil {
		return auditErr
	}
	if err != nil {
		return fmt.Errorf("decryption failed: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Decrypted (%s) to: %s\n", alg, cmsDecryptOutput)
	return nil
}

func runCMSDigest(cmd *cobra.Command, args []string) error {
	h, err := pkicrypto.ParseHash(cmsDigestHash)
	if err != nil {
		return fmt.Errorf("invalid hash: %w", err)
	}
	oid, err := pkicrypto.OIDForHash(h)
	if err != nil {
		return err
	}
	content, err := os.ReadFile(cmsDigestInput)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}

	dd, err := cms.NewDigestedData(cms.OIDData, content, oid)
	var encoded []byte
	if err == nil {
		encoded, err = dd.MarshalContentInfo()
	}
	if err == nil {
		err = writeOutput(cmsDigestOutput, encoded, "CMS", false)
	}
	if auditErr := audit.LogCMSDigest(cmsDigestOutput, pkicrypto.HashName(h), err == nil, errString(err)); auditErr != nil && err == nil {
		return auditErr
	}
	if err != nil {
		return fmt.Errorf("failed to create digest: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "DigestedData (%s) written to: %s\n", pkicrypto.HashName(h), cmsDigestOutput)
	return nil
}

func runCMSEnvelope(cmd *cobra.Command, args []string) error {
	cipherOID, err := pkicrypto.ParseCipher(cmsEnvelopeContentEnc)
	if err != nil {
		return fmt.Errorf("invalid content encryption: %w", err)
	}
	recipients, err := loadCertificates(cmsEnvelopeRecipients)
	if err != nil {
		return err
	}
	content, err := os.ReadFile(cmsEnvelopeInput)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}

	ed, err := cms.Envelope(content, recipients, cipherOID)
	var encoded []byte
	if err == nil {
		encoded, err = ed.MarshalContentInfo()
	}
	if err == nil {
		err = writeOutput(cmsEnvelopeOutput, encoded, "CMS", false)
	}
	if auditErr := audit.LogEnvelope(cmsEnvelopeOutput, cmsEnvelopeContentEnc, len(recipients), err == nil); auditErr != nil && err == nil {
		return auditErr
	}
	if err != nil {
		return fmt.Errorf("encryption failed: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Encrypted for %d recipient(s): %s\n", len(recipients), cmsEnvelopeOutput)
	return nil
}

func runCMSOpen(cmd *cobra.Command, args []string) error {
	cert, err := loadCertificate(cmsOpenCert)
	if err != nil {
		return err
	}
	key, err := loadDecryptionKey(cmsOpenKey)
	if err != nil {
		return err
	}
	msg, err := readInput(cmsOpenInput)
	if err != nil {
		return err
	}

	ed, err := cms.ParseEnvelopedData(msg)
	var plaintext []byte
	if err == nil {
		plaintext, err = ed.Open(cert, key)
	}
	if err == nil {
		if err = os.WriteFile(cmsOpenOutput, plaintext, 0600); err != nil {
			err = fmt.Errorf("failed to write output: %w", err)
		}
	}
	if auditErr := audit.LogOpen(cmsOpenInput, cert.Subject.String(), err == nil, errString(err)); auditErr != nil && err == nil {
		return auditErr
	}
	if err != nil {
		return fmt.Errorf("decryption failed: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Decrypted to: %s\n", cmsOpenOutput)
	return nil
}

func runCMSInfo(cmd *cobra.Command, args []string) error {
	msg, err := readInput(args[0])
	if err != nil {
		return err
	}
	ci, err := cms.ParseContentInfo(msg)
	if err != nil {
		return fmt.Errorf("failed to parse CMS message: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Content type: %s\n", cms.ContentTypeName(ci.ContentType))

	switch {
	case ci.ContentType.Equal(cms.OIDSignedData):
		sd, err := cms.ParseSignedData(msg)
		if err != nil {
			return err
		}
		printSignedData(out, sd)
	case ci.ContentType.Equal(cms.OIDEnvelopedData):
		ed, err := cms.ParseEnvelopedData(msg)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Version: %d\n", ed.Version)
		fmt.Fprintf(out, "Content encryption: %s\n", oidName(ed.EncryptedContentInfo.ContentEncryptionAlgorithm.Algorithm))
		fmt.Fprintf(out, "Recipients: %d\n", len(ed.RecipientInfos))
		for i, ri := range ed.RecipientInfos {
			fmt.Fprintf(out, "  [%d] serial=%s key-encryption=%s\n", i, ri.RID.SerialNumber.Text(16), oidName(ri.KeyEncryptionAlgorithm.Algorithm))
		}
	case ci.ContentType.Equal(cms.OIDEncryptedData):
		ed, err := cms.ParseEncryptedData(msg)
		if err != nil {
			return err
		}
		eci := ed.EncryptedContentInfo
		fmt.Fprintf(out, "Version: %d\n", ed.Version)
		fmt.Fprintf(out, "Inner content type: %s\n", cms.ContentTypeName(eci.ContentType))
		fmt.Fprintf(out, "Encryption: %s\n", oidName(eci.ContentEncryptionAlgorithm.Algorithm))
		fmt.Fprintf(out, "Encrypted content: %d bytes\n", len(eci.EncryptedContent))
	case ci.ContentType.Equal(cms.OIDDigestedData):
		dd, err := cms.ParseDigestedData(msg)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Version: %d\n", dd.Version)
		fmt.Fprintf(out, "Digest algorithm: %s\n", oidName(dd.DigestAlgorithm.Algorithm))
		fmt.Fprintf(out, "Digest: %s\n", hex.EncodeToString(dd.Digest))
		fmt.Fprintf(out, "Detached: %v\n", dd.EncapContentInfo.IsDetached())
	}
	return nil
}

func printSignedData(out io.Writer, sd *cms.SignedData) {
	fmt.Fprintf(out, "Version: %d\n", sd.Version)
	fmt.Fprintf(out, "Encapsulated content: %s\n", cms.ContentTypeName(sd.EncapContentInfo.ContentType))
	fmt.Fprintf(out, "Detached: %v\n", sd.EncapContentInfo.IsDetached())
	fmt.Fprintf(out, "Certificates: %d\n", len(sd.Certificates))
	fmt.Fprintf(out, "Signers: %d\n", len(sd.SignerInfos))
	for i, si := range sd.SignerInfos {
		fmt.Fprintf(out, "  [%d] version=%d\n", i, si.Version)
		switch sid := si.SID.(type) {
		case cms.IssuerAndSerialNumber:
			fmt.Fprintf(out, "      sid: issuer and serial %s\n", sid.SerialNumber.Text(16))
		case cms.SubjectKeyIdentifier:
			fmt.Fprintf(out, "      sid: subject key id %s\n", hex.EncodeToString(sid))
		}
		fmt.Fprintf(out, "      digest: %s\n", oidName(si.DigestAlgorithm.Algorithm))
		fmt.Fprintf(out, "      signature: %s\n", oidName(si.DigestEncryptionAlgorithm.Algorithm))
		fmt.Fprintf(out, "      signed attributes: %d\n", len(si.SignedAttrs))
		if t := si.SigningTime(); !t.IsZero() {
			fmt.Fprintf(out, "      signing time: %s\n", t.UTC().Format(time.RFC3339))
		}
	}
}

// oidName names hash, signature, cipher and PBE identifiers.
func oidName(oid asn1.ObjectIdentifier) string {
	if h, err := pkicrypto.HashForOID(oid); err == nil {
		return pkicrypto.HashName(h)
	}
	if s, err := pkicrypto.LookupSignatureAlgorithm(oid); err == nil {
		return s.Name
	}
	if s, err := pkicrypto.LookupPBE(oid); err == nil {
		return s.Name
	}
	for _, name := range []string{"aes-128-cbc", "aes-192-cbc", "aes-256-cbc", "des-ede3-cbc", "des-cbc"} {
		if c, err := pkicrypto.ParseCipher(name); err == nil && c.Equal(oid) {
			return name
		}
	}
	return oid.String()
}
