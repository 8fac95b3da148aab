package crmf

import (
	"errors"
	"fmt"

	"github.com/remiblancher/pkimsg/internal/cms"
	pkicrypto "github.com/remiblancher/pkimsg/internal/crypto"
	"github.com/remiblancher/pkimsg/internal/der"
)

// CRMFError represents a CRMF operation error with structured context.
// It supports errors.Is() and errors.As() through Unwrap.
type CRMFError struct {
	Op  string // Operation: "new", "encode", "parse", "sign", "verify", "decode"
	Err error  // Underlying error
}

// Error implements the error interface.
func (e *CRMFError) Error() string {
	return fmt.Sprintf("crmf %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *CRMFError) Unwrap() error { return e.Err }

// NewCRMFError creates a new CRMFError with the given operation and error.
func NewCRMFError(op string, err error) *CRMFError {
	return &CRMFError{Op: op, Err: err}
}

// wrap tags err with op unless it already carries a CRMFError.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var ce *CRMFError
	if errors.As(err, &ce) {
		return err
	}
	return NewCRMFError(op, err)
}

var (
	// ErrMissingPublicKey indicates a signature POP whose request carries no
	// public key to verify against.
	ErrMissingPublicKey = errors.New("certificate template has no public key")

	// ErrUnsupportedPOPMethod indicates a proof-of-possession method that
	// cannot be checked here.
	ErrUnsupportedPOPMethod = errors.New("unsupported proof-of-possession method")

	// ErrUnknownControl indicates a control or registration info type with
	// no registered decoder.
	ErrUnknownControl = errors.New("unknown control type")
)

// Errors shared with the CMS layer and the collaborator packages.
var (
	ErrInvalidArgument      = cms.ErrInvalidArgument
	ErrSignatureMismatch    = cms.ErrSignatureMismatch
	ErrMalformedEncoding    = der.ErrMalformed
	ErrUnsupportedAlgorithm = pkicrypto.ErrUnsupportedAlgorithm
)

func invalidArgument(what string) error {
	return fmt.Errorf("%w: %s is required", ErrInvalidArgument, what)
}
