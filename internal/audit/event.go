// Package audit records security events for message protection operations
// in a hash-chained JSONL log.
//
// Each event carries the SHA-256 hash of its predecessor, so deleting or
// editing a line breaks the chain. Passwords, PINs and private keys are
// never recorded. When auditing is enabled, a failed write fails the
// operation being audited.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// EventType names the audited operation.
type EventType string

const (
	// Key material
	EventKeyGenerated EventType = "KEY_GENERATED"
	EventKeyAccessed  EventType = "KEY_ACCESSED"

	// CMS
	EventCMSSign     EventType = "CMS_SIGN"
	EventCMSVerify   EventType = "CMS_VERIFY"
	EventCMSDigest   EventType = "CMS_DIGEST"
	EventCMSEnvelope EventType = "CMS_ENVELOPE"
	EventCMSOpen     EventType = "CMS_OPEN"
	EventPBEEncrypt  EventType = "PBE_ENCRYPT"
	EventPBEDecrypt  EventType = "PBE_DECRYPT"

	// CRMF
	EventCRMFRequest EventType = "CRMF_REQUEST"
	EventPOPVerify   EventType = "POP_VERIFY"
)

// Result is the outcome of an audited operation.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

func resultOf(success bool) Result {
	if success {
		return ResultSuccess
	}
	return ResultFailure
}

// Actor is who performed the operation.
type Actor struct {
	Type string `json:"type"` // "user" or "service"
	ID   string `json:"id"`
	Host string `json:"host,omitempty"`
}

// Object is what the operation acted on.
type Object struct {
	Type    string `json:"type"` // "message", "request", "key"
	Path    string `json:"path,omitempty"`
	Subject string `json:"subject,omitempty"`
	Serial  string `json:"serial,omitempty"`
}

// Context holds operation details. Secrets never go here.
type Context struct {
	ContentType string `json:"content_type,omitempty"`
	Algorithm   string `json:"algorithm,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Detached    bool   `json:"detached,omitempty"`
	Signers     int    `json:"signers,omitempty"`
	Recipients  int    `json:"recipients,omitempty"`
	Iterations  int    `json:"iterations,omitempty"`
	CertReqID   *int64 `json:"cert_req_id,omitempty"`
	POPMethod   string `json:"pop_method,omitempty"`
}

// Event is one audit log entry.
type Event struct {
	EventType EventType `json:"event_type"`
	Timestamp string    `json:"timestamp"` // RFC 3339, UTC
	Actor     Actor     `json:"actor"`
	Object    Object    `json:"object"`
	Context   Context   `json:"context,omitempty"`
	Result    Result    `json:"result"`
	HashPrev  string    `json:"hash_prev"`
	Hash      string    `json:"hash"`
}

// NewEvent creates an event stamped with the current time and the local
// user as actor.
func NewEvent(eventType EventType, result Result) *Event {
	hostname, _ := os.Hostname()
	username := os.Getenv("USER")
	if username == "" {
		username = os.Getenv("USERNAME") // Windows
	}
	if username == "" {
		username = "unknown"
	}

	return &Event{
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Actor:     Actor{Type: "user", ID: username, Host: hostname},
		Result:    result,
	}
}

// WithObject sets the object.
func (e *Event) WithObject(obj Object) *Event {
	e.Object = obj
	return e
}

// WithContext sets the context.
func (e *Event) WithContext(ctx Context) *Event {
	e.Context = ctx
	return e
}

// WithActor replaces the default actor.
func (e *Event) WithActor(actor Actor) *Event {
	e.Actor = actor
	return e
}

// Validate checks the required fields.
func (e *Event) Validate() error {
	switch {
	case e.EventType == "":
		return fmt.Errorf("event_type is required")
	case e.Timestamp == "":
		return fmt.Errorf("timestamp is required")
	case e.Actor.Type == "" || e.Actor.ID == "":
		return fmt.Errorf("actor type and id are required")
	case e.Result == "":
		return fmt.Errorf("result is required")
	}
	return nil
}

// CanonicalJSON is the hashed form of the event: every field but Hash.
func (e *Event) CanonicalJSON() ([]byte, error) {
	type hashed struct {
		EventType EventType `json:"event_type"`
		Timestamp string    `json:"timestamp"`
		Actor     Actor     `json:"actor"`
		Object    Object    `json:"object"`
		Context   Context   `json:"context,omitempty"`
		Result    Result    `json:"result"`
		HashPrev  string    `json:"hash_prev"`
	}
	return json.Marshal(hashed{
		EventType: e.EventType,
		Timestamp: e.Timestamp,
		Actor:     e.Actor,
		Object:    e.Object,
		Context:   e.Context,
		Result:    e.Result,
		HashPrev:  e.HashPrev,
	})
}

// JSON returns the full event.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}
