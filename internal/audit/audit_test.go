package audit

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// =============================================================================
// Event Tests
// =============================================================================

func TestU_NewEvent_Creation(t *testing.T) {
	event := NewEvent(EventCMSSign, ResultSuccess)

	if event.EventType != EventCMSSign {
		t.Errorf("expected EventType=%s, got %s", EventCMSSign, event.EventType)
	}
	if event.Result != ResultSuccess {
		t.Errorf("expected Result=%s, got %s", ResultSuccess, event.Result)
	}
	if !strings.HasSuffix(event.Timestamp, "Z") {
		t.Errorf("Timestamp %q should be UTC", event.Timestamp)
	}
	if event.Actor.Type != "user" || event.Actor.ID == "" {
		t.Errorf("unexpected actor %+v", event.Actor)
	}
}

func TestU_Event_Validate(t *testing.T) {
	actor := Actor{Type: "user", ID: "admin"}
	tests := []struct {
		name    string
		event   *Event
		wantErr bool
	}{
		{"[Unit] Validate: valid event", NewEvent(EventCMSVerify, ResultFailure), false},
		{"[Unit] Validate: missing event_type", &Event{Timestamp: "2026-01-15T10:00:00Z", Actor: actor, Result: ResultSuccess}, true},
		{"[Unit] Validate: missing timestamp", &Event{EventType: EventCMSSign, Actor: actor, Result: ResultSuccess}, true},
		{"[Unit] Validate: missing actor", &Event{EventType: EventCMSSign, Timestamp: "2026-01-15T10:00:00Z", Result: ResultSuccess}, true},
		{"[Unit] Validate: missing result", &Event{EventType: EventCMSSign, Timestamp: "2026-01-15T10:00:00Z", Actor: actor}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestU_Event_CanonicalJSON(t *testing.T) {
	event := NewEvent(EventPBEEncrypt, ResultSuccess).
		WithObject(Object{Type: "message", Path: "secret.p7m"}).
		WithContext(Context{Algorithm: "pbes2", Iterations: 600000})
	event.HashPrev = GenesisHash
	event.Hash = "sha256:ignored"

	canonical, err := event.CanonicalJSON()
	if err != nil {
		t.Fatalf("CanonicalJSON() error = %v", err)
	}
	if strings.Contains(string(canonical), `"hash":`) {
		t.Error("CanonicalJSON should not contain hash field")
	}
	var parsed map[string]any
	if err := json.Unmarshal(canonical, &parsed); err != nil {
		t.Fatalf("CanonicalJSON produced invalid JSON: %v", err)
	}
	if parsed["hash_prev"] != GenesisHash {
		t.Errorf("hash_prev = %v, want %s", parsed["hash_prev"], GenesisHash)
	}
}

func TestU_Event_WithActor(t *testing.T) {
	event := NewEvent(EventPOPVerify, ResultSuccess).
		WithActor(Actor{Type: "service", ID: "ra-frontend"})
	if event.Actor.Type != "service" || event.Actor.ID != "ra-frontend" {
		t.Errorf("Actor = %+v", event.Actor)
	}
}

// =============================================================================
// FileWriter Tests
// =============================================================================

func TestU_FileWriter_Write(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")

	writer, err := NewFileWriter(logPath)
	if err != nil {
		t.Fatalf("NewFileWriter() error = %v", err)
	}
	defer func() { _ = writer.Close() }()

	event1 := NewEvent(EventKeyGenerated, ResultSuccess).WithObject(Object{Type: "key", Path: "key.pem"})
	if err := writer.Write(event1); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if event1.HashPrev != GenesisHash {
		t.Errorf("first event HashPrev = %s, want %s", event1.HashPrev, GenesisHash)
	}
	if !strings.HasPrefix(event1.Hash, HashPrefix) {
		t.Errorf("first event Hash should start with %s, got %s", HashPrefix, event1.Hash)
	}

	event2 := NewEvent(EventCMSSign, ResultSuccess).WithObject(Object{Type: "message", Path: "out.p7s"})
	if err := writer.Write(event2); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if event2.HashPrev != event1.Hash {
		t.Errorf("second event HashPrev = %s, want %s", event2.HashPrev, event1.Hash)
	}
	if writer.LastHash() != event2.Hash {
		t.Errorf("LastHash() = %s, want %s", writer.LastHash(), event2.Hash)
	}
	if writer.Path() != logPath {
		t.Errorf("Path() = %s, want %s", writer.Path(), logPath)
	}
	_ = writer.Close()

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if lines := strings.Split(strings.TrimSpace(string(data)), "\n"); len(lines) != 2 {
		t.Errorf("expected 2 lines, got %d", len(lines))
	}
}

func TestU_FileWriter_Append(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")

	w1, err := NewFileWriter(logPath)
	if err != nil {
		t.Fatalf("NewFileWriter() error = %v", err)
	}
	first := NewEvent(EventCMSSign, ResultSuccess)
	if err := w1.Write(first); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	_ = w1.Close()

	w2, err := NewFileWriter(logPath)
	if err != nil {
		t.Fatalf("NewFileWriter() reopen error = %v", err)
	}
	if w2.LastHash() != first.Hash {
		t.Errorf("reopened LastHash() = %s, want %s", w2.LastHash(), first.Hash)
	}
	second := NewEvent(EventCMSVerify, ResultSuccess)
	if err := w2.Write(second); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	_ = w2.Close()

	if second.HashPrev != first.Hash {
		t.Error("chain not continued across reopen")
	}
	if n, err := VerifyChain(logPath); err != nil || n != 2 {
		t.Errorf("VerifyChain() = %d, %v; want 2, nil", n, err)
	}
}

func TestU_FileWriter_WriteAfterClose(t *testing.T) {
	writer, err := NewFileWriter(filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatalf("NewFileWriter() error = %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if err := writer.Write(NewEvent(EventCMSSign, ResultSuccess)); !errors.Is(err, ErrClosed) {
		t.Errorf("Write() after Close error = %v, want ErrClosed", err)
	}
}

func TestU_FileWriter_InvalidEvent(t *testing.T) {
	writer, err := NewFileWriter(filepath.Join(t.TempDir(), "audit.jsonl"))
	if err != nil {
		t.Fatalf("NewFileWriter() error = %v", err)
	}
	defer func() { _ = writer.Close() }()

	if err := writer.Write(&Event{}); err == nil {
		t.Error("Write() should reject an invalid event")
	}
	if writer.LastHash() != GenesisHash {
		t.Error("rejected event advanced the chain")
	}
}

func TestU_FileWriter_InvalidPath(t *testing.T) {
	if _, err := NewFileWriter(filepath.Join(t.TempDir(), "missing", "audit.jsonl")); err == nil {
		t.Error("NewFileWriter() should fail for a missing directory")
	}
}

func TestU_FileWriter_CorruptExistingLog(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	if err := os.WriteFile(logPath, []byte("{not json\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileWriter(logPath); err == nil {
		t.Error("NewFileWriter() should fail on a corrupt log")
	}
}

func TestU_FileWriter_ConcurrentWrites(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	writer, err := NewFileWriter(logPath)
	if err != nil {
		t.Fatalf("NewFileWriter() error = %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- writer.Write(NewEvent(EventCMSVerify, ResultSuccess))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Write() error = %v", err)
		}
	}
	_ = writer.Close()

	if count, err := VerifyChain(logPath); err != nil || count != n {
		t.Errorf("VerifyChain() = %d, %v; want %d, nil", count, err, n)
	}
}

// =============================================================================
// VerifyChain Tests
// =============================================================================

func writeEvents(t *testing.T, path string, n int) {
	t.Helper()
	writer, err := NewFileWriter(path)
	if err != nil {
		t.Fatalf("NewFileWriter() error = %v", err)
	}
	defer func() { _ = writer.Close() }()
	for i := 0; i < n; i++ {
		if err := writer.Write(NewEvent(EventCMSSign, ResultSuccess)); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
}

func TestU_VerifyChain_ValidLog(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	writeEvents(t, logPath, 3)

	count, err := VerifyChain(logPath)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if count != 3 {
		t.Errorf("VerifyChain() = %d, want 3", count)
	}
}

func TestU_VerifyChain_Tampering(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	writeEvents(t, logPath, 3)

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")

	t.Run("[Unit] VerifyChain: edited event", func(t *testing.T) {
		edited := append([]string(nil), lines...)
		edited[1] = strings.Replace(edited[1], `"result":"success"`, `"result":"failure"`, 1)
		path := filepath.Join(t.TempDir(), "edited.jsonl")
		if err := os.WriteFile(path, []byte(strings.Join(edited, "\n")+"\n"), 0600); err != nil {
			t.Fatal(err)
		}
		count, err := VerifyChain(path)
		if err == nil || !strings.Contains(err.Error(), "hash mismatch") {
			t.Errorf("VerifyChain() error = %v, want hash mismatch", err)
		}
		if count != 1 {
			t.Errorf("VerifyChain() verified %d events, want 1", count)
		}
	})

	t.Run("[Unit] VerifyChain: deleted event", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "deleted.jsonl")
		if err := os.WriteFile(path, []byte(lines[0]+"\n"+lines[2]+"\n"), 0600); err != nil {
			t.Fatal(err)
		}
		if _, err := VerifyChain(path); err == nil || !strings.Contains(err.Error(), "hash chain broken") {
			t.Errorf("VerifyChain() error = %v, want hash chain broken", err)
		}
	})

	t.Run("[Unit] VerifyChain: invalid JSON", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "invalid.jsonl")
		if err := os.WriteFile(path, []byte(lines[0]+"\nnot json\n"), 0600); err != nil {
			t.Fatal(err)
		}
		if count, err := VerifyChain(path); err == nil || count != 1 {
			t.Errorf("VerifyChain() = %d, %v; want 1 and an error", count, err)
		}
	})
}

func TestU_VerifyChain_EmptyAndMissing(t *testing.T) {
	dir := t.TempDir()
	empty := filepath.Join(dir, "empty.jsonl")
	if err := os.WriteFile(empty, nil, 0600); err != nil {
		t.Fatal(err)
	}
	if count, err := VerifyChain(empty); err != nil || count != 0 {
		t.Errorf("VerifyChain(empty) = %d, %v", count, err)
	}
	if _, err := VerifyChain(filepath.Join(dir, "missing.jsonl")); err == nil {
		t.Error("VerifyChain() should fail for a missing file")
	}
}

// =============================================================================
// Writer Tests
// =============================================================================

type memoryWriter struct {
	events []*Event
	err    error
	closed bool
}

func (m *memoryWriter) Write(e *Event) error {
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memoryWriter) Close() error {
	m.closed = true
	return m.err
}

func (m *memoryWriter) LastHash() string { return "sha256:memory" }

func TestU_NopWriter(t *testing.T) {
	var w NopWriter
	if err := w.Write(NewEvent(EventCMSSign, ResultSuccess)); err != nil {
		t.Errorf("Write() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if w.LastHash() != GenesisHash {
		t.Errorf("LastHash() = %s, want %s", w.LastHash(), GenesisHash)
	}
}

func TestU_MultiWriter(t *testing.T) {
	a, b := &memoryWriter{}, &memoryWriter{}
	m := NewMultiWriter(a, b)
	if err := m.Write(NewEvent(EventCMSSign, ResultSuccess)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if len(a.events) != 1 || len(b.events) != 1 {
		t.Errorf("events = %d, %d; want 1, 1", len(a.events), len(b.events))
	}
	if m.LastHash() != "sha256:memory" {
		t.Errorf("LastHash() = %s", m.LastHash())
	}
	if err := m.Close(); err != nil || !a.closed || !b.closed {
		t.Errorf("Close() = %v, closed = %v, %v", err, a.closed, b.closed)
	}

	boom := errors.New("disk full")
	failing := NewMultiWriter(&memoryWriter{err: boom}, b)
	if err := failing.Write(NewEvent(EventCMSSign, ResultSuccess)); !errors.Is(err, boom) {
		t.Errorf("Write() error = %v, want %v", err, boom)
	}
	if len(b.events) != 1 {
		t.Error("MultiWriter kept writing after a failure")
	}
	if err := failing.Close(); !errors.Is(err, boom) {
		t.Errorf("Close() error = %v, want %v", err, boom)
	}
	if NewMultiWriter().LastHash() != GenesisHash {
		t.Error("empty MultiWriter LastHash() should be genesis")
	}
}

// =============================================================================
// Global Logger Tests
// =============================================================================

func TestU_GlobalAudit_InitAndLog(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "audit.jsonl")
	if err := InitFile(logPath); err != nil {
		t.Fatalf("InitFile() error = %v", err)
	}
	defer func() { _ = Close() }()

	if !Enabled() {
		t.Fatal("Enabled() = false after InitFile")
	}

	helpers := []struct {
		name string
		log  func() error
	}{
		{"LogKeyGenerated", func() error { return LogKeyGenerated("key.pem", "ecdsa-p256", true) }},
		{"LogKeyAccessed", func() error { return LogKeyAccessed("key.pem", false, "bad passphrase") }},
		{"LogCMSSign", func() error { return LogCMSSign("out.p7s", "CN=Signer", "ecdsa-with-SHA256", true, true) }},
		{"LogCMSVerify", func() error { return LogCMSVerify("out.p7s", 1, false, "signature mismatch") }},
		{"LogCMSDigest", func() error { return LogCMSDigest("out.p7", "SHA-256", true, "") }},
		{"LogEnvelope", func() error { return LogEnvelope("out.p7m", "aes-256-cbc", 2, true) }},
		{"LogOpen", func() error { return LogOpen("out.p7m", "CN=Bob", true, "") }},
		{"LogPBEEncrypt", func() error { return LogPBEEncrypt("out.p7m", "pbes2", 600000, true) }},
		{"LogPBEDecrypt", func() error { return LogPBEDecrypt("out.p7m", "pbes2", false, "decryption failed") }},
		{"LogCRMFRequest", func() error { return LogCRMFRequest("req.der", "CN=Me", 1, "signature", "Ed25519", true) }},
		{"LogPOPVerify", func() error { return LogPOPVerify("req.der", "CN=Me", 1, "signature", true, "") }},
	}
	for _, h := range helpers {
		if err := h.log(); err != nil {
			t.Errorf("%s() error = %v", h.name, err)
		}
	}
	if err := Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if Enabled() {
		t.Error("Enabled() = true after Close")
	}

	count, err := VerifyChain(logPath)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if count != len(helpers) {
		t.Errorf("VerifyChain() = %d, want %d", count, len(helpers))
	}

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), `"cert_req_id":1`) {
		t.Error("CRMF events should carry cert_req_id")
	}
}

func TestU_GlobalAudit_Disabled(t *testing.T) {
	if err := Init(nil); err != nil {
		t.Fatalf("Init(nil) error = %v", err)
	}
	if Enabled() {
		t.Error("Enabled() = true after Init(nil)")
	}
	if err := LogCMSSign("x", "", "", false, true); err != nil {
		t.Errorf("LogCMSSign() while disabled error = %v", err)
	}
	if err := InitFile(""); err != nil || Enabled() {
		t.Errorf("InitFile(\"\") = %v, Enabled() = %v", err, Enabled())
	}
}

func TestU_GlobalAudit_MustLogFailure(t *testing.T) {
	boom := errors.New("disk full")
	if err := Init(&memoryWriter{err: boom}); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	defer func() { _ = Init(nil) }()

	err := LogPOPVerify("req.der", "CN=Me", 1, "signature", true, "")
	if !errors.Is(err, boom) {
		t.Errorf("LogPOPVerify() error = %v, want %v", err, boom)
	}
	if err == nil || !strings.HasPrefix(err.Error(), "audit log failed") {
		t.Errorf("MustLog() error = %v", err)
	}
}
