package cms

import (
	"errors"
	"fmt"
	"testing"
)

func TestU_CMSError(t *testing.T) {
	err := NewCMSError("verify", ErrSignatureMismatch)
	if got, want := err.Error(), "cms verify: signature mismatch"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !errors.Is(err, ErrSignatureMismatch) {
		t.Error("errors.Is(ErrSignatureMismatch) = false")
	}

	var ce *CMSError
	wrapped := fmt.Errorf("outer: %w", err)
	if !errors.As(wrapped, &ce) {
		t.Fatal("errors.As() = false")
	}
	if ce.Op != "verify" {
		t.Errorf("Op = %q, want verify", ce.Op)
	}
}

func TestU_Wrap(t *testing.T) {
	if wrap("sign", nil) != nil {
		t.Error("wrap(nil) != nil")
	}

	inner := NewCMSError("new", invalidArgument("signer"))
	if got := wrap("sign", inner); got != error(inner) {
		t.Errorf("wrap() re-wrapped a CMSError: %v", got)
	}

	got := wrap("sign", ErrNoSigner)
	var ce *CMSError
	if !errors.As(got, &ce) || ce.Op != "sign" || !errors.Is(got, ErrNoSigner) {
		t.Errorf("wrap() = %v", got)
	}
}

func TestU_InvalidArgument(t *testing.T) {
	err := invalidArgument("content type")
	if !errors.Is(err, ErrInvalidArgument) {
		t.Error("invalidArgument() does not wrap ErrInvalidArgument")
	}
	if got, want := err.Error(), "invalid argument: content type is required"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
