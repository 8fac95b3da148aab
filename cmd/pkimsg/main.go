// Command pkimsg builds and verifies CMS messages and CRMF certificate
// requests.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/remiblancher/pkimsg/internal/audit"
	pkicrypto "github.com/remiblancher/pkimsg/internal/crypto"
)

// Build-time variables (injected by GoReleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// auditLogEnv names the environment variable read when --audit-log is unset.
const auditLogEnv = "PKIMSG_AUDIT_LOG"

// Global flags
var auditLogPath string

func main() {
	// Cancel in-flight operations on SIGINT/SIGTERM so HSM sessions are closed.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "pkimsg",
	Short: "CMS and CRMF message toolkit",
	Long: `pkimsg builds and verifies Cryptographic Message Syntax (RFC 5652) messages
and Certificate Request Message Format (RFC 4211) requests.

Supported signature algorithms:
  Classical: ECDSA (P-256, P-384, P-521), Ed25519, Ed448, RSA (2048, 3072, 4096)
  PQC:       ML-DSA-44, ML-DSA-65, ML-DSA-87 (FIPS 204)

Examples:
  # Generate a key pair
  pkimsg key gen --algorithm ml-dsa-65 --out signer.key

  # Sign a file (detached)
  pkimsg cms sign --data file.txt --cert signer.crt --key signer.key -o file.p7s

  # Encrypt a file under a password
  PASS=secret pkimsg cms encrypt --in file.txt --out file.p7m --password-env PASS

  # Build and verify a certificate request with proof of possession
  pkimsg crmf request --key signer.key --subject "CN=Me" --id 1 -o req.der
  pkimsg crmf verify req.der`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if auditLogPath == "" {
			auditLogPath = os.Getenv(auditLogEnv)
		}
		if auditLogPath != "" {
			if err := audit.InitFile(auditLogPath); err != nil {
				return fmt.Errorf("failed to initialize audit log: %w", err)
			}
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return audit.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&auditLogPath, "audit-log", "",
		"Path to audit log file (or set "+auditLogEnv+" env var)")

	rootCmd.AddCommand(keyCmd)   // pkimsg key ...
	rootCmd.AddCommand(cmsCmd)   // pkimsg cms ...
	rootCmd.AddCommand(crmfCmd)  // pkimsg crmf ...
	rootCmd.AddCommand(auditCmd) // pkimsg audit ...
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := fmt.Fprintf(cmd.OutOrStdout(), "pkimsg %s (commit: %s, built: %s)\n", version, commit, date)
		return err
	},
}

// closeSigner releases token sessions held by HSM-backed signers.
func closeSigner(s pkicrypto.Signer) {
	if c, ok := s.(io.Closer); ok {
		_ = c.Close()
	}
}
