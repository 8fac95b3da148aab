//go:build cgo

package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"io"
	"math/big"
	"sync"

	"github.com/miekg/pkcs11"
)

// PKCS11Signer signs with a private key held in a PKCS#11 token. The raw
// mechanisms are used (CKM_RSA_PKCS over an encoded DigestInfo, CKM_ECDSA
// over a digest), which matches what Provider.Sign hands to a signer.
// One session is opened per signer and guarded by a mutex.
type PKCS11Signer struct {
	ctx       *pkcs11.Ctx
	session   pkcs11.SessionHandle
	keyHandle pkcs11.ObjectHandle
	alg       AlgorithmID
	pub       crypto.PublicKey

	mu     sync.Mutex
	closed bool
}

var _ Signer = (*PKCS11Signer)(nil)

// NewPKCS11Signer opens a session on the configured token, logs in and
// locates the private key.
func NewPKCS11Signer(cfg PKCS11Config) (*PKCS11Signer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	ctx, session, err := openSession(cfg)
	if err != nil {
		return nil, err
	}

	s := &PKCS11Signer{ctx: ctx, session: session}
	if s.keyHandle, err = findPrivateKey(ctx, session, cfg); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to find private key: %w", err)
	}
	if s.pub, s.alg, err = extractPublicKey(ctx, session, s.keyHandle); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to extract public key: %w", err)
	}
	return s, nil
}

// openSession loads the module and returns a logged-in session.
func openSession(cfg PKCS11Config) (*pkcs11.Ctx, pkcs11.SessionHandle, error) {
	ctx := pkcs11.New(cfg.ModulePath)
	if ctx == nil {
		return nil, 0, fmt.Errorf("failed to load PKCS#11 module: %s", cfg.ModulePath)
	}
	if err := ctx.Initialize(); err != nil {
		if p11err, ok := err.(pkcs11.Error); !ok || p11err != pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED {
			ctx.Destroy()
			return nil, 0, fmt.Errorf("failed to initialize: %w", err)
		}
	}
	// C_Finalize is process-wide, so it is never called here.

	slot, err := findSlot(ctx, cfg)
	if err != nil {
		ctx.Destroy()
		return nil, 0, fmt.Errorf("failed to find slot: %w", err)
	}

	session, err := ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		ctx.Destroy()
		return nil, 0, fmt.Errorf("failed to open session: %w", err)
	}
	if err := ctx.Login(session, pkcs11.CKU_USER, cfg.PIN); err != nil {
		if p11err, ok := err.(pkcs11.Error); !ok || p11err != pkcs11.CKR_USER_ALREADY_LOGGED_IN {
			_ = ctx.CloseSession(session)
			ctx.Destroy()
			return nil, 0, fmt.Errorf("failed to login: %w", err)
		}
	}
	return ctx, session, nil
}

// GenerateHSMKey creates an ECDSA or RSA key pair on the token, labelled
// with cfg.KeyLabel and identified by cfg.KeyID (hex) when set.
func GenerateHSMKey(cfg PKCS11Config, alg AlgorithmID) error {
	if cfg.KeyLabel == "" {
		return fmt.Errorf("key label is required")
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	var keyID []byte
	if cfg.KeyID != "" {
		id, err := hex.DecodeString(cfg.KeyID)
		if err != nil {
			return fmt.Errorf("invalid key_id hex: %w", err)
		}
		keyID = id
	}

	var mech *pkcs11.Mechanism
	var keyType uint
	var pubAttrs []*pkcs11.Attribute
	switch alg {
	case AlgECDSAP256, AlgECDSAP384, AlgECDSAP521:
		curve := map[AlgorithmID]asn1.ObjectIdentifier{
			AlgECDSAP256: OIDNamedCurveP256,
			AlgECDSAP384: OIDNamedCurveP384,
			AlgECDSAP521: OIDNamedCurveP521,
		}[alg]
		params, err := asn1.Marshal(curve)
		if err != nil {
			return fmt.Errorf("failed to encode curve: %w", err)
		}
		mech = pkcs11.NewMechanism(pkcs11.CKM_EC_KEY_PAIR_GEN, nil)
		keyType = pkcs11.CKK_EC
		pubAttrs = append(pubAttrs, pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, params))
	case AlgRSA2048, AlgRSA3072, AlgRSA4096:
		bits := map[AlgorithmID]int{AlgRSA2048: 2048, AlgRSA3072: 3072, AlgRSA4096: 4096}[alg]
		mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS_KEY_PAIR_GEN, nil)
		keyType = pkcs11.CKK_RSA
		pubAttrs = append(pubAttrs,
			pkcs11.NewAttribute(pkcs11.CKA_MODULUS_BITS, bits),
			pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, []byte{1, 0, 1}),
		)
	default:
		return fmt.Errorf("%w: HSM key generation for %s", ErrUnsupportedAlgorithm, alg)
	}

	ctx, session, err := openSession(cfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = ctx.Logout(session)
		_ = ctx.CloseSession(session)
		ctx.Destroy()
	}()

	common := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, keyType),
		pkcs11.NewAttribute(pkcs11.CKA_TOKEN, true),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, cfg.KeyLabel),
		pkcs11.NewAttribute(pkcs11.CKA_ID, keyID),
	}
	pubTemplate := append([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_VERIFY, true),
	}, append(common, pubAttrs...)...)
	privTemplate := append([]*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PRIVATE_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_PRIVATE, true),
		pkcs11.NewAttribute(pkcs11.CKA_SENSITIVE, true),
		pkcs11.NewAttribute(pkcs11.CKA_EXTRACTABLE, false),
		pkcs11.NewAttribute(pkcs11.CKA_SIGN, true),
	}, common...)

	if _, _, err := ctx.GenerateKeyPair(session, []*pkcs11.Mechanism{mech}, pubTemplate, privTemplate); err != nil {
		return fmt.Errorf("failed to generate key pair: %w", err)
	}
	return nil
}

func findSlot(ctx *pkcs11.Ctx, cfg PKCS11Config) (uint, error) {
	if cfg.SlotID != nil {
		return *cfg.SlotID, nil
	}

	slots, err := ctx.GetSlotList(true)
	if err != nil {
		return 0, fmt.Errorf("failed to get slot list: %w", err)
	}
	if len(slots) == 0 {
		return 0, fmt.Errorf("no slots with tokens found")
	}

	for _, slot := range slots {
		info, err := ctx.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		if cfg.TokenLabel != "" && info.Label == cfg.TokenLabel {
			return slot, nil
		}
		if cfg.TokenSerial != "" && info.SerialNumber == cfg.TokenSerial {
			return slot, nil
		}
	}

	if cfg.TokenLabel != "" {
		return 0, fmt.Errorf("token with label %q not found", cfg.TokenLabel)
	}
	if cfg.TokenSerial != "" {
		return 0, fmt.Errorf("token with serial %q not found", cfg.TokenSerial)
	}
	return slots[0], nil
}

func keyTemplate(class uint, cfg PKCS11Config) ([]*pkcs11.Attribute, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
	}
	if cfg.KeyLabel != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, cfg.KeyLabel))
	}
	if cfg.KeyID != "" {
		id, err := hex.DecodeString(cfg.KeyID)
		if err != nil {
			return nil, fmt.Errorf("invalid key_id hex: %w", err)
		}
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_ID, id))
	}
	return template, nil
}

func findOne(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, template []*pkcs11.Attribute) (pkcs11.ObjectHandle, error) {
	if err := ctx.FindObjectsInit(session, template); err != nil {
		return 0, fmt.Errorf("failed to init find objects: %w", err)
	}
	defer func() { _ = ctx.FindObjectsFinal(session) }()

	objs, _, err := ctx.FindObjects(session, 2)
	if err != nil {
		return 0, fmt.Errorf("failed to find objects: %w", err)
	}
	switch len(objs) {
	case 0:
		return 0, fmt.Errorf("key not found")
	case 1:
		return objs[0], nil
	default:
		return 0, fmt.Errorf("multiple keys found, please specify both key_label and key_id")
	}
}

func findPrivateKey(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, cfg PKCS11Config) (pkcs11.ObjectHandle, error) {
	template, err := keyTemplate(pkcs11.CKO_PRIVATE_KEY, cfg)
	if err != nil {
		return 0, err
	}
	return findOne(ctx, session, template)
}

// findPublicKeyForPrivate finds the public key object sharing CKA_ID and
// CKA_LABEL with the private key.
func findPublicKeyForPrivate(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, priv pkcs11.ObjectHandle) (pkcs11.ObjectHandle, error) {
	attrs, err := ctx.GetAttributeValue(session, priv, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_ID, nil),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, nil),
	})
	if err != nil {
		return 0, fmt.Errorf("failed to get private key ID/label: %w", err)
	}
	return findOne(ctx, session, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_PUBLIC_KEY),
		pkcs11.NewAttribute(pkcs11.CKA_ID, attrs[0].Value),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, attrs[1].Value),
	})
}

func extractPublicKey(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, key pkcs11.ObjectHandle) (crypto.PublicKey, AlgorithmID, error) {
	attrs, err := ctx.GetAttributeValue(session, key, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_KEY_TYPE, nil),
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to get key type: %w", err)
	}

	switch keyType := bytesToUint(attrs[0].Value); keyType {
	case pkcs11.CKK_EC:
		return extractECPublicKey(ctx, session, key)
	case pkcs11.CKK_RSA:
		return extractRSAPublicKey(ctx, session, key)
	default:
		return nil, "", fmt.Errorf("%w: PKCS#11 key type 0x%X", ErrUnsupportedAlgorithm, keyType)
	}
}

func extractECPublicKey(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, key pkcs11.ObjectHandle) (crypto.PublicKey, AlgorithmID, error) {
	attrs, err := ctx.GetAttributeValue(session, key, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_PARAMS, nil),
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to get EC params: %w", err)
	}
	curve, alg, err := parseECParams(attrs[0].Value)
	if err != nil {
		return nil, "", err
	}

	pubHandle, err := findPublicKeyForPrivate(ctx, session, key)
	if err != nil {
		return nil, "", err
	}
	pubAttrs, err := ctx.GetAttributeValue(session, pubHandle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to get EC point: %w", err)
	}

	// CKA_EC_POINT is normally a DER OCTET STRING around the point.
	point := pubAttrs[0].Value
	var unwrapped []byte
	if rest, err := asn1.Unmarshal(point, &unwrapped); err == nil && len(rest) == 0 {
		point = unwrapped
	}

	//nolint:staticcheck // elliptic.Unmarshal is deprecated for ECDH but fine for ECDSA points
	x, y := elliptic.Unmarshal(curve, point)
	if x == nil {
		return nil, "", fmt.Errorf("failed to unmarshal EC point")
	}
	return &ecdsa.PublicKey{Curve: curve, X: x, Y: y}, alg, nil
}

func extractRSAPublicKey(ctx *pkcs11.Ctx, session pkcs11.SessionHandle, key pkcs11.ObjectHandle) (crypto.PublicKey, AlgorithmID, error) {
	pubHandle, err := findPublicKeyForPrivate(ctx, session, key)
	if err != nil {
		return nil, "", err
	}
	attrs, err := ctx.GetAttributeValue(session, pubHandle, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_MODULUS, nil),
		pkcs11.NewAttribute(pkcs11.CKA_PUBLIC_EXPONENT, nil),
	})
	if err != nil {
		return nil, "", fmt.Errorf("failed to get RSA attributes: %w", err)
	}

	pub := &rsa.PublicKey{
		N: new(big.Int).SetBytes(attrs[0].Value),
		// CKA_PUBLIC_EXPONENT is a big-endian big integer, not a CK_ULONG.
		E: int(new(big.Int).SetBytes(attrs[1].Value).Int64()),
	}
	return pub, AlgorithmOf(pub), nil
}

func parseECParams(params []byte) (elliptic.Curve, AlgorithmID, error) {
	var oid asn1.ObjectIdentifier
	if _, err := asn1.Unmarshal(params, &oid); err != nil {
		return nil, "", fmt.Errorf("failed to parse EC params OID: %w", err)
	}
	switch {
	case oid.Equal(OIDNamedCurveP256):
		return elliptic.P256(), AlgECDSAP256, nil
	case oid.Equal(OIDNamedCurveP384):
		return elliptic.P384(), AlgECDSAP384, nil
	case oid.Equal(OIDNamedCurveP521):
		return elliptic.P521(), AlgECDSAP521, nil
	default:
		return nil, "", fmt.Errorf("%w: EC curve %v", ErrUnsupportedAlgorithm, oid)
	}
}

// bytesToUint decodes a CK_ULONG, stored in native (little-endian) order.
func bytesToUint(b []byte) uint {
	var result uint
	for i := len(b) - 1; i >= 0; i-- {
		result = result<<8 | uint(b[i])
	}
	return result
}

// Algorithm returns the key algorithm.
func (s *PKCS11Signer) Algorithm() AlgorithmID {
	return s.alg
}

// Public returns the public key.
func (s *PKCS11Signer) Public() crypto.PublicKey {
	return s.pub
}

// Sign signs with the token key. For RSA, digest must already be an encoded
// DigestInfo; for ECDSA it is the message digest.
func (s *PKCS11Signer) Sign(_ io.Reader, digest []byte, _ crypto.SignerOpts) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, fmt.Errorf("signer is closed")
	}

	var mech *pkcs11.Mechanism
	switch s.pub.(type) {
	case *ecdsa.PublicKey:
		mech = pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)
	case *rsa.PublicKey:
		mech = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)
	default:
		return nil, fmt.Errorf("%w: key type for signing", ErrUnsupportedAlgorithm)
	}

	if err := s.ctx.SignInit(s.session, []*pkcs11.Mechanism{mech}, s.keyHandle); err != nil {
		return nil, fmt.Errorf("failed to init sign: %w", err)
	}
	sig, err := s.ctx.Sign(s.session, digest)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}

	if _, ok := s.pub.(*ecdsa.PublicKey); ok {
		return convertECDSASignature(sig)
	}
	return sig, nil
}

// convertECDSASignature converts a raw r||s signature to ASN.1 DER.
func convertECDSASignature(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, fmt.Errorf("invalid ECDSA signature length")
	}
	n := len(raw) / 2
	return asn1.Marshal(struct {
		R, S *big.Int
	}{new(big.Int).SetBytes(raw[:n]), new(big.Int).SetBytes(raw[n:])})
}

// Close logs out and releases the session.
func (s *PKCS11Signer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	_ = s.ctx.Logout(s.session)
	err := s.ctx.CloseSession(s.session)
	s.ctx.Destroy()
	if err != nil {
		return fmt.Errorf("failed to close session: %w", err)
	}
	return nil
}
