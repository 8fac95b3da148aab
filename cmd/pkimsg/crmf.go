package main

import (
	"crypto"
	"crypto/x509/pkix"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/remiblancher/pkimsg/internal/audit"
	"github.com/remiblancher/pkimsg/internal/crmf"
	pkicrypto "github.com/remiblancher/pkimsg/internal/crypto"
)

var crmfCmd = &cobra.Command{
	Use:   "crmf",
	Short: "CRMF certificate requests (RFC 4211)",
	Long: `Build and verify CRMF certificate request messages (RFC 4211).

A request carries a certificate template, optional registration controls
and a proof of possession (POP) of the private key.

Examples:
  # Signature POP with an ML-DSA key
  pkimsg crmf request --key pqc.key --subject "CN=Me" --id 1 -o req.der

  # Verify every request of a CertReqMessages
  pkimsg crmf verify req.der`,
}

var crmfRequestCmd = &cobra.Command{
	Use:   "request",
	Short: "Create a CertReqMessages with a signature POP",
	Long: `Create a CertReqMessages holding one CertReqMsg.

The template carries the subject and, unless --key-in-input is set, the
public key. The POP signs the DER CertRequest; with --key-in-input the key
travels in a POPOSigningKeyInput whose sender is the subject and the
signature covers that input instead.

Examples:
  pkimsg crmf request --key signer.key --subject "CN=Me,O=Example" --id 1 -o req.der
  pkimsg crmf request --key signer.key --subject "CN=Me" --reg-token one-time-secret -o req.der
  pkimsg crmf request --hsm-config hsm.yaml --key-label signer --subject "CN=Me" -o req.der`,
	Args: cobra.NoArgs,
	RunE: runCRMFRequest,
}

var crmfVerifyCmd = &cobra.Command{
	Use:   "verify <file>",
	Short: "Verify the proof of possession of certificate requests",
	Long: `Verify the proof of possession of every request of a CertReqMessages
(or of a single CertReqMsg).

Signature POPs are checked against the template public key. raVerified
and keyEncipherment/thisMessage are accepted; other methods are reported
as unsupported.`,
	Args: cobra.ExactArgs(1),
	RunE: runCRMFVerify,
}

var (
	crmfRequestKey           string
	crmfRequestHSMConfig     string
	crmfRequestKeyLabel      string
	crmfRequestKeyID         string
	crmfRequestSubject       string
	crmfRequestID            int64
	crmfRequestHash          string
	crmfRequestRegToken      string
	crmfRequestAuthenticator string
	crmfRequestKeyInInput    bool
	crmfRequestOutput        string
	crmfRequestPEM           bool
)

func init() {
	flags := crmfRequestCmd.Flags()
	flags.StringVar(&crmfRequestKey, "key", "", "Private key (PEM, required unless --hsm-config)")
	flags.StringVar(&crmfRequestHSMConfig, "hsm-config", "", "HSM configuration file (YAML)")
	flags.StringVar(&crmfRequestKeyLabel, "key-label", "", "HSM key label (CKA_LABEL)")
	flags.StringVar(&crmfRequestKeyID, "key-id", "", "HSM key ID (CKA_ID, hex)")
	flags.StringVar(&crmfRequestSubject, "subject", "", "Subject DN, e.g. \"CN=Me,O=Example\" (required)")
	flags.Int64Var(&crmfRequestID, "id", 1, "certReqId")
	flags.StringVar(&crmfRequestHash, "hash", "", "Hash for RSA/ECDSA POP signatures (default per key)")
	flags.StringVar(&crmfRequestRegToken, "reg-token", "", "regToken control value")
	flags.StringVar(&crmfRequestAuthenticator, "authenticator", "", "authenticator control value")
	flags.BoolVar(&crmfRequestKeyInInput, "key-in-input", false, "Carry the public key in POPOSigningKeyInput instead of the template")
	flags.StringVarP(&crmfRequestOutput, "out", "o", "", "Output file (required)")
	flags.BoolVar(&crmfRequestPEM, "pem", false, "Write PEM instead of DER")
	_ = crmfRequestCmd.MarkFlagRequired("subject")
	_ = crmfRequestCmd.MarkFlagRequired("out")

	crmfCmd.AddCommand(crmfRequestCmd)
	crmfCmd.AddCommand(crmfVerifyCmd)
}

func runCRMFRequest(cmd *cobra.Command, args []string) error {
	subject, err := parseSubject(crmfRequestSubject)
	if err != nil {
		return fmt.Errorf("invalid subject: %w", err)
	}
	signer, err := loadSigningKey(keySource{
		keyPath:   crmfRequestKey,
		hsmConfig: crmfRequestHSMConfig,
		keyLabel:  crmfRequestKeyLabel,
		keyID:     crmfRequestKeyID,
	})
	if err != nil {
		return err
	}
	defer closeSigner(signer)

	alg, err := popSignatureAlgorithm(signer)
	if err != nil {
		return err
	}
	algName := alg.Algorithm.String()
	if s, err := pkicrypto.LookupSignatureAlgorithm(alg.Algorithm); err == nil {
		algName = s.Name
	}

	encoded, err := buildCertReqMessages(subject, signer, alg)
	if err == nil {
		err = writeOutput(crmfRequestOutput, encoded, "CERTIFICATE REQUEST MESSAGES", crmfRequestPEM)
	}
	if auditErr := audit.LogCRMFRequest(crmfRequestOutput, subject.String(), crmfRequestID, "signature", algName, err == nil); auditErr != nil && err == nil {
		return auditErr
	}
	if err != nil {
		return fmt.Errorf("failed to create certificate request: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Certificate request written to: %s\n", crmfRequestOutput)
	fmt.Fprintf(out, "  certReqId: %d\n", crmfRequestID)
	fmt.Fprintf(out, "  Subject:   %s\n", subject.String())
	fmt.Fprintf(out, "  POP:       signature (%s)\n", algName)
	return nil
}

// popSignatureAlgorithm picks the POP signature algorithm for the key.
func popSignatureAlgorithm(signer pkicrypto.Signer) (pkix.AlgorithmIdentifier, error) {
	h := pkicrypto.DefaultHash(signer.Algorithm())
	if crmfRequestHash != "" {
		var err error
		if h, err = pkicrypto.ParseHash(crmfRequestHash); err != nil {
			return pkix.AlgorithmIdentifier{}, fmt.Errorf("invalid hash: %w", err)
		}
	}
	if h == 0 {
		h = crypto.SHA256
	}
	alg, err := pkicrypto.SignatureAlgorithmFor(signer.Public(), h)
	if err != nil {
		return pkix.AlgorithmIdentifier{}, fmt.Errorf("no POP signature algorithm for %s: %w", signer.Algorithm(), err)
	}
	return alg, nil
}

func buildCertReqMessages(subject pkix.Name, signer crypto.Signer, alg pkix.AlgorithmIdentifier) ([]byte, error) {
	name, err := crmf.MarshalName(subject)
	if err != nil {
		return nil, err
	}
	tmpl := crmf.CertTemplate{Subject: name}
	if !crmfRequestKeyInInput {
		if tmpl.PublicKey, err = pkicrypto.MarshalPublicKey(signer.Public()); err != nil {
			return nil, err
		}
	}
	template, err := crmf.NewCertTemplate(tmpl)
	if err != nil {
		return nil, err
	}

	var controls []crmf.Control
	if crmfRequestRegToken != "" {
		c, err := crmf.NewRegTokenControl(crmfRequestRegToken)
		if err != nil {
			return nil, err
		}
		controls = append(controls, c)
	}
	if crmfRequestAuthenticator != "" {
		c, err := crmf.NewAuthenticatorControl(crmfRequestAuthenticator)
		if err != nil {
			return nil, err
		}
		controls = append(controls, c)
	}

	req, err := crmf.NewCertRequest(crmfRequestID, template, controls)
	if err != nil {
		return nil, err
	}
	pop, err := crmf.SignPOP(req, signer, alg)
	if err != nil {
		return nil, err
	}
	msg, err := crmf.NewCertReqMsg(req, pop, nil)
	if err != nil {
		return nil, err
	}
	msgs, err := crmf.NewCertReqMessages(msg)
	if err != nil {
		return nil, err
	}
	return msgs.Marshal()
}

func runCRMFVerify(cmd *cobra.Command, args []string) error {
	path := args[0]
	data, err := readInput(path)
	if err != nil {
		return err
	}

	msgs, err := crmf.ParseCertReqMessages(data)
	if err != nil {
		single, singleErr := crmf.ParseCertReqMsg(data)
		if singleErr != nil {
			_ = audit.LogPOPVerify(path, "", 0, "", false, err.Error())
			return fmt.Errorf("failed to parse certificate request: %w", err)
		}
		msgs = crmf.CertReqMessages{single}
	}

	out := cmd.OutOrStdout()
	failed := 0
	for _, m := range msgs {
		subject := requestSubject(m)
		method := popMethodName(m.POP)
		verr := m.Verify()
		if auditErr := audit.LogPOPVerify(path, subject, m.CertReq.CertReqID, method, verr == nil, errString(verr)); auditErr != nil {
			return auditErr
		}
		printRequest(out, m, subject, method, verr)
		if verr != nil {
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("proof of possession verification failed for %d of %d request(s)", failed, len(msgs))
	}
	fmt.Fprintf(out, "Proof of possession: VALID (%d request(s))\n", len(msgs))
	return nil
}

func printRequest(out io.Writer, m *crmf.CertReqMsg, subject, method string, verr error) {
	fmt.Fprintf(out, "Request %d\n", m.CertReq.CertReqID)
	if subject != "" {
		fmt.Fprintf(out, "  Subject:  %s\n", subject)
	}
	fmt.Fprintf(out, "  POP:      %s\n", method)
	for _, c := range m.CertReq.Controls {
		fmt.Fprintf(out, "  Control:  %s\n", controlName(c))
	}
	switch {
	case verr == nil:
		fmt.Fprintln(out, "  Result:   OK")
	case errors.Is(verr, crmf.ErrUnsupportedPOPMethod):
		fmt.Fprintf(out, "  Result:   UNSUPPORTED (%s)\n", verr)
	default:
		fmt.Fprintf(out, "  Result:   FAILED (%s)\n", verr)
	}
}

func requestSubject(m *crmf.CertReqMsg) string {
	if m.CertReq == nil || m.CertReq.CertTemplate == nil || m.CertReq.CertTemplate.Subject == nil {
		return ""
	}
	name, err := m.CertReq.CertTemplate.SubjectName()
	if err != nil {
		return ""
	}
	return name.String()
}

func popMethodName(pop crmf.ProofOfPossession) string {
	switch p := pop.(type) {
	case crmf.RAVerified:
		return "raVerified"
	case *crmf.POPOSigningKey:
		if p.Input != nil {
			return "signature (poposkInput)"
		}
		return "signature"
	case crmf.KeyEncipherment:
		return "keyEncipherment"
	case crmf.KeyAgreement:
		return "keyAgreement"
	default:
		return "none"
	}
}

func controlName(c crmf.Control) string {
	switch {
	case c.Type.Equal(crmf.OIDRegCtrlRegToken):
		return "regToken"
	case c.Type.Equal(crmf.OIDRegCtrlAuthenticator):
		return "authenticator"
	case c.Type.Equal(crmf.OIDRegCtrlPKIPublicationInfo):
		return "pkiPublicationInfo"
	case c.Type.Equal(crmf.OIDRegCtrlPKIArchiveOptions):
		return "pkiArchiveOptions"
	case c.Type.Equal(crmf.OIDRegCtrlOldCertID):
		return "oldCertID"
	case c.Type.Equal(crmf.OIDRegCtrlProtocolEncrKey):
		return "protocolEncrKey"
	}
	return c.Type.String()
}

// parseSubject parses a subject DN string like "CN=Me,O=Example".
func parseSubject(s string) (pkix.Name, error) {
	name := pkix.Name{}

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return name, fmt.Errorf("invalid subject part: %s", part)
		}

		key := strings.ToUpper(strings.TrimSpace(kv[0]))
		value := strings.TrimSpace(kv[1])

		switch key {
		case "CN":
			name.CommonName = value
		case "O":
			name.Organization = append(name.Organization, value)
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, value)
		case "C":
			name.Country = append(name.Country, value)
		case "ST", "S":
			name.Province = append(name.Province, value)
		case "L":
			name.Locality = append(name.Locality, value)
		default:
			return name, fmt.Errorf("unknown subject attribute: %s", key)
		}
	}

	if name.CommonName == "" {
		return name, fmt.Errorf("CN (CommonName) is required")
	}
	return name, nil
}
