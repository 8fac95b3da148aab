package crmf

import "encoding/asn1"

// Registration control OIDs (RFC 4211 Section 6).
var (
	OIDRegCtrl                   = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 5, 1}
	OIDRegCtrlRegToken           = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 5, 1, 1}
	OIDRegCtrlAuthenticator      = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 5, 1, 2}
	OIDRegCtrlPKIPublicationInfo = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 5, 1, 3}
	OIDRegCtrlPKIArchiveOptions  = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 5, 1, 4}
	OIDRegCtrlOldCertID          = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 5, 1, 5}
	OIDRegCtrlProtocolEncrKey    = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 5, 1, 6}
)

// Registration info OIDs (RFC 4211 Section 7).
var (
	OIDRegInfo          = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 5, 2}
	OIDRegInfoUTF8Pairs = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 5, 2, 1}
	OIDRegInfoCertReq   = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 5, 2, 2}
)
