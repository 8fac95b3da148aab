package audit

import (
	"fmt"
	"sync"
)

var (
	globalMu     sync.RWMutex
	globalWriter Writer = NopWriter{}
	enabled      bool
)

// Init installs w as the process-wide writer. A nil writer disables
// auditing.
func Init(w Writer) error {
	globalMu.Lock()
	defer globalMu.Unlock()

	if w == nil {
		globalWriter = NopWriter{}
		enabled = false
		return nil
	}
	globalWriter = w
	enabled = true
	return nil
}

// InitFile installs a FileWriter for path. An empty path disables auditing.
func InitFile(path string) error {
	if path == "" {
		return Init(nil)
	}
	w, err := NewFileWriter(path)
	if err != nil {
		return err
	}
	return Init(w)
}

// Close closes the global writer and disables auditing.
func Close() error {
	globalMu.Lock()
	defer globalMu.Unlock()

	err := globalWriter.Close()
	globalWriter = NopWriter{}
	enabled = false
	return err
}

// Enabled reports whether a writer is installed.
func Enabled() bool {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return enabled
}

// Log writes event to the global writer.
func Log(event *Event) error {
	globalMu.RLock()
	w := globalWriter
	globalMu.RUnlock()
	return w.Write(event)
}

// MustLog is Log with an error meant to fail the audited operation.
//
//	if err := audit.MustLog(event); err != nil {
//	    return err
//	}
func MustLog(event *Event) error {
	if err := Log(event); err != nil {
		return fmt.Errorf("audit log failed: %w", err)
	}
	return nil
}

// LogKeyGenerated records a key generation.
func LogKeyGenerated(path, algorithm string, success bool) error {
	return MustLog(NewEvent(EventKeyGenerated, resultOf(success)).
		WithObject(Object{Type: "key", Path: path}).
		WithContext(Context{Algorithm: algorithm}))
}

// LogKeyAccessed records a private key load from a file or an HSM.
func LogKeyAccessed(path string, success bool, reason string) error {
	return MustLog(NewEvent(EventKeyAccessed, resultOf(success)).
		WithObject(Object{Type: "key", Path: path}).
		WithContext(Context{Reason: reason}))
}

// LogCMSSign records the creation of a SignedData.
func LogCMSSign(path, signer, algorithm string, detached, success bool) error {
	return MustLog(NewEvent(EventCMSSign, resultOf(success)).
		WithObject(Object{Type: "message", Path: path, Subject: signer}).
		WithContext(Context{ContentType: "signedData", Algorithm: algorithm, Detached: detached, Signers: 1}))
}

// LogCMSVerify records a SignedData verification.
func LogCMSVerify(path string, signers int, success bool, reason string) error {
	return MustLog(NewEvent(EventCMSVerify, resultOf(success)).
		WithObject(Object{Type: "message", Path: path}).
		WithContext(Context{ContentType: "signedData", Signers: signers, Reason: reason}))
}

// LogCMSDigest records the creation or check of a DigestedData.
func LogCMSDigest(path, algorithm string, success bool, reason string) error {
	return MustLog(NewEvent(EventCMSDigest, resultOf(success)).
		WithObject(Object{Type: "message", Path: path}).
		WithContext(Context{ContentType: "digestedData", Algorithm: algorithm, Reason: reason}))
}

// LogEnvelope records the creation of an EnvelopedData.
func LogEnvelope(path, algorithm string, recipients int, success bool) error {
	return MustLog(NewEvent(EventCMSEnvelope, resultOf(success)).
		WithObject(Object{Type: "message", Path: path}).
		WithContext(Context{ContentType: "envelopedData", Algorithm: algorithm, Recipients: recipients}))
}

// LogOpen records an EnvelopedData decryption by recipient.
func LogOpen(path, recipient string, success bool, reason string) error {
	return MustLog(NewEvent(EventCMSOpen, resultOf(success)).
		WithObject(Object{Type: "message", Path: path, Subject: recipient}).
		WithContext(Context{ContentType: "envelopedData", Reason: reason}))
}

// LogPBEEncrypt records a password-based encryption. The password is never
// logged.
func LogPBEEncrypt(path, algorithm string, iterations int, success bool) error {
	return MustLog(NewEvent(EventPBEEncrypt, resultOf(success)).
		WithObject(Object{Type: "message", Path: path}).
		WithContext(Context{ContentType: "encryptedData", Algorithm: algorithm, Iterations: iterations}))
}

// LogPBEDecrypt records a password-based decryption.
func LogPBEDecrypt(path, algorithm string, success bool, reason string) error {
	return MustLog(NewEvent(EventPBEDecrypt, resultOf(success)).
		WithObject(Object{Type: "message", Path: path}).
		WithContext(Context{ContentType: "encryptedData", Algorithm: algorithm, Reason: reason}))
}

// LogCRMFRequest records the creation of a certificate request message.
func LogCRMFRequest(path, subject string, certReqID int64, popMethod, algorithm string, success bool) error {
	return MustLog(NewEvent(EventCRMFRequest, resultOf(success)).
		WithObject(Object{Type: "request", Path: path, Subject: subject}).
		WithContext(Context{CertReqID: &certReqID, POPMethod: popMethod, Algorithm: algorithm}))
}

// LogPOPVerify records a proof-of-possession check.
func LogPOPVerify(path, subject string, certReqID int64, popMethod string, success bool, reason string) error {
	return MustLog(NewEvent(EventPOPVerify, resultOf(success)).
		WithObject(Object{Type: "request", Path: path, Subject: subject}).
		WithContext(Context{CertReqID: &certReqID, POPMethod: popMethod, Reason: reason}))
}
