package crypto

import "errors"

var (
	// ErrUnsupportedAlgorithm means an object identifier does not resolve to a
	// known algorithm, or resolves to the wrong family for the operation.
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")

	// ErrInvalidParameters means required algorithm parameters are missing or
	// cannot be used (salt, iteration count, IV length).
	ErrInvalidParameters = errors.New("invalid algorithm parameters")

	// ErrDecryptionFailed covers cipher and padding failures.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrKeyMismatch means a key does not belong to the requested algorithm family.
	ErrKeyMismatch = errors.New("key does not match algorithm")

	// ErrCertNotFound is returned by certificate stores.
	ErrCertNotFound = errors.New("certificate not found")
)
