// Package cms implements the Cryptographic Message Syntax (RFC 5652) object
// model: signed, enveloped, password-encrypted and digested content.
package cms

import "encoding/asn1"

// CMS/PKCS#7 OIDs
var (
	// Content types
	OIDData          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 1}
	OIDSignedData    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 2}
	OIDEnvelopedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 3}
	OIDDigestedData  = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 5}
	OIDEncryptedData = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 7, 6}

	// Signed attributes
	OIDContentType   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 3}
	OIDMessageDigest = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 4}
	OIDSigningTime   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 5}
)

// CMS versions.
const (
	VersionZero  = 0
	VersionOne   = 1
	VersionTwo   = 2
	VersionThree = 3
)

// ContentTypeName returns "data", "signedData" and so on for the known
// content types and the dotted OID otherwise.
func ContentTypeName(oid asn1.ObjectIdentifier) string {
	switch {
	case oid.Equal(OIDData):
		return "data"
	case oid.Equal(OIDSignedData):
		return "signedData"
	case oid.Equal(OIDEnvelopedData):
		return "envelopedData"
	case oid.Equal(OIDDigestedData):
		return "digestedData"
	case oid.Equal(OIDEncryptedData):
		return "encryptedData"
	}
	return oid.String()
}
