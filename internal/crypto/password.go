package crypto

import (
	"fmt"
	"unicode/utf16"
)

// PasswordConverter turns a password into the octets fed to a key
// derivation function. Each PBE family has its own convention.
type PasswordConverter interface {
	Convert(password string) ([]byte, error)
	Name() string
}

// PKCS5Converter maps every character to its low eight bits, as PKCS#5
// v1.5 implementations do. Characters outside Latin-1 are rejected.
type PKCS5Converter struct{}

func (PKCS5Converter) Name() string { return "PKCS5" }

func (PKCS5Converter) Convert(password string) ([]byte, error) {
	out := make([]byte, 0, len(password))
	for _, r := range password {
		if r > 0xff {
			return nil, fmt.Errorf("password contains character %q outside Latin-1", r)
		}
		out = append(out, byte(r))
	}
	return out, nil
}

// UTF8Converter uses the UTF-8 encoding of the password (PBES2).
type UTF8Converter struct{}

func (UTF8Converter) Name() string { return "UTF8" }

func (UTF8Converter) Convert(password string) ([]byte, error) {
	return []byte(password), nil
}

// PKCS12Converter encodes the password as a big-endian BMPString followed by
// a two-byte zero terminator.
type PKCS12Converter struct{}

func (PKCS12Converter) Name() string { return "PKCS12" }

func (PKCS12Converter) Convert(password string) ([]byte, error) {
	return bmpString(password)
}

func bmpString(s string) ([]byte, error) {
	ret := make([]byte, 0, 2*len(s)+2)
	for _, r := range s {
		if t, _ := utf16.EncodeRune(r); t != 0xfffd {
			return nil, fmt.Errorf("password contains character %q that cannot be encoded in UCS-2", r)
		}
		ret = append(ret, byte(r/256), byte(r%256))
	}
	return append(ret, 0, 0), nil
}

// ParseConverter parses a converter name: "pkcs5", "utf8" or "pkcs12".
func ParseConverter(name string) (PasswordConverter, error) {
	switch name {
	case "pkcs5", "PKCS5":
		return PKCS5Converter{}, nil
	case "utf8", "UTF8":
		return UTF8Converter{}, nil
	case "pkcs12", "PKCS12":
		return PKCS12Converter{}, nil
	}
	return nil, fmt.Errorf("unknown password converter %q", name)
}
