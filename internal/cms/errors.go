package cms

import (
	"errors"
	"fmt"

	pkicrypto "github.com/remiblancher/pkimsg/internal/crypto"
	"github.com/remiblancher/pkimsg/internal/der"
)

// CMSError represents a CMS operation error with structured context.
// It supports errors.Is() and errors.As() through Unwrap.
type CMSError struct {
	Op  string // Operation: "sign", "verify", "encrypt", "decrypt", "parse", "envelope", "new"
	Err error  // Underlying error
}

// Error implements the error interface.
func (e *CMSError) Error() string {
	return fmt.Sprintf("cms %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CMSError) Unwrap() error { return e.Err }

// NewCMSError creates a new CMSError with the given operation and error.
func NewCMSError(op string, err error) *CMSError {
	return &CMSError{Op: op, Err: err}
}

// wrap tags err with op unless it already carries a CMSError.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CMSError
	if errors.As(err, &ce) {
		return err
	}
	return NewCMSError(op, err)
}

// Sentinel errors for CMS operations.
// Use errors.Is() to check for these errors through the error chain.
var (
	// ErrInvalidArgument indicates a mandatory field was not supplied.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrContentMismatch indicates the content type does not match the
	// signed content-type attribute, or that an unattributed signature
	// covers something other than id-data.
	ErrContentMismatch = errors.New("content type mismatch")

	// ErrDigestMismatch indicates the message-digest attribute differs from
	// the digest of the content.
	ErrDigestMismatch = errors.New("message digest mismatch")

	// ErrMissingAttribute indicates a required signed attribute is missing.
	ErrMissingAttribute = errors.New("missing signed attribute")

	// ErrTooFewAttributes indicates a signed attribute set with fewer than
	// the two mandatory entries.
	ErrTooFewAttributes = errors.New("too few signed attributes")

	// ErrSignatureMismatch indicates signature verification failed.
	ErrSignatureMismatch = errors.New("signature mismatch")

	// ErrNoSigner indicates no signer information was found.
	ErrNoSigner = errors.New("no signer information")

	// ErrNoRecipient indicates no matching recipient was found for decryption.
	ErrNoRecipient = errors.New("no matching recipient")
)

// Errors shared with the collaborator packages.
var (
	ErrMalformedEncoding    = der.ErrMalformed
	ErrUnsupportedAlgorithm = pkicrypto.ErrUnsupportedAlgorithm
	ErrInvalidParameters    = pkicrypto.ErrInvalidParameters
	ErrDecryptionFailed     = pkicrypto.ErrDecryptionFailed
	ErrCertNotFound         = pkicrypto.ErrCertNotFound
)

func invalidArgument(what string) error {
	return fmt.Errorf("%w: %s is required", ErrInvalidArgument, what)
}
