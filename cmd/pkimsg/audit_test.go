package main

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/remiblancher/pkimsg/internal/audit"
)

// writeAuditedSession runs key gen, crmf request and crmf verify against one
// audit log and returns its path. The session produces four events.
func writeAuditedSession(t *testing.T, tc *testContext) string {
	t.Helper()
	logPath := tc.path("audit.jsonl")
	keyPath := tc.path("req.key")
	reqPath := tc.path("req.der")

	steps := [][]string{
		{"--audit-log", logPath, "key", "gen", "--algorithm", "ecdsa-p256", "--out", keyPath},
		{"--audit-log", logPath, "crmf", "request", "--key", keyPath, "--subject", "CN=Audited", "--id", "42", "--out", reqPath},
		{"--audit-log", logPath, "crmf", "verify", reqPath},
	}
	for _, args := range steps {
		_, err := executeCommand(rootCmd, args...)
		assertNoError(t, err)
	}
	return logPath
}

func TestF_Audit_Verify(t *testing.T) {
	tc := newTestContext(t)
	logPath := writeAuditedSession(t, tc)

	out, err := executeCommand(rootCmd, "audit", "verify", "--log", logPath)
	assertNoError(t, err)
	if !strings.Contains(out, "VERIFICATION PASSED") || !strings.Contains(out, "Total events: 4") {
		t.Errorf("verify output = %q", out)
	}
}

func TestF_Audit_Verify_Tampered(t *testing.T) {
	tc := newTestContext(t)
	logPath := writeAuditedSession(t, tc)

	data := tc.readFile(logPath)
	tampered := strings.Replace(string(data), "CN=Audited", "CN=Intruder", 1)
	if tampered == string(data) {
		t.Fatal("audit log does not mention the request subject")
	}
	if err := os.WriteFile(logPath, []byte(tampered), 0644); err != nil {
		t.Fatal(err)
	}

	out, err := executeCommand(rootCmd, "audit", "verify", "--log", logPath)
	assertError(t, err)
	if !strings.Contains(out, "VERIFICATION FAILED") {
		t.Errorf("verify output = %q", out)
	}
}

func TestF_Audit_Tail(t *testing.T) {
	tc := newTestContext(t)
	logPath := writeAuditedSession(t, tc)

	out, err := executeCommand(rootCmd, "audit", "tail", "--log", logPath, "-n", "1")
	assertNoError(t, err)
	if !strings.Contains(out, string(audit.EventPOPVerify)) || strings.Contains(out, string(audit.EventKeyGenerated)) {
		t.Errorf("tail -n 1 output = %q", out)
	}
	for _, want := range []string{"#4  ", "request    certReqId 42, POP signature", "subject    CN=Audited", "request    " + tc.path("req.der")} {
		if !strings.Contains(out, want) {
			t.Errorf("tail output missing %q:\n%s", want, out)
		}
	}

	out, err = executeCommand(rootCmd, "audit", "tail", "--log", logPath, "--json")
	assertNoError(t, err)
	var events []audit.Event
	if err := json.Unmarshal([]byte(out), &events); err != nil {
		t.Fatalf("tail --json is not a JSON array: %v\n%s", err, out)
	}
	if len(events) != 4 {
		t.Fatalf("events = %d, want 4", len(events))
	}
	wantTypes := []audit.EventType{audit.EventKeyGenerated, audit.EventKeyAccessed, audit.EventCRMFRequest, audit.EventPOPVerify}
	for i, want := range wantTypes {
		if events[i].EventType != want {
			t.Errorf("event[%d] = %s, want %s", i, events[i].EventType, want)
		}
	}
	if events[0].HashPrev != audit.GenesisHash {
		t.Errorf("first hash_prev = %s, want genesis", events[0].HashPrev)
	}
}

func TestF_Audit_Tail_Empty(t *testing.T) {
	tc := newTestContext(t)
	logPath := tc.writeFile("empty.jsonl", "")

	out, err := executeCommand(rootCmd, "audit", "tail", "--log", logPath)
	assertNoError(t, err)
	if !strings.Contains(out, "Audit log is empty") {
		t.Errorf("tail output = %q", out)
	}

	_, err = executeCommand(rootCmd, "audit", "tail", "--log", tc.path("missing.jsonl"))
	assertError(t, err)

	_, err = executeCommand(rootCmd, "audit", "tail", "--log", tc.writeFile("broken.jsonl", "{not json}\n"))
	assertError(t, err)
}

func TestU_PrintEvent(t *testing.T) {
	reqID := int64(9)
	tests := []struct {
		name  string
		event audit.Event
		want  []string
		never []string
	}{
		{
			name: "[Unit] printEvent: detached signature",
			event: audit.Event{
				EventType: audit.EventCMSSign, Result: audit.ResultSuccess,
				Object:  audit.Object{Type: "message", Path: "sig.p7s", Subject: "CN=Signer"},
				Context: audit.Context{ContentType: "signedData", Algorithm: "ecdsa-p256", Detached: true, Signers: 1},
			},
			want:  []string{"CMS_SIGN  ok", "message    signedData, detached, 1 signer", "algorithm  ecdsa-p256", "message    sig.p7s"},
			never: []string{"request "},
		},
		{
			name: "[Unit] printEvent: envelope",
			event: audit.Event{
				EventType: audit.EventCMSEnvelope, Result: audit.ResultSuccess,
				Context: audit.Context{ContentType: "envelopedData", Recipients: 3},
			},
			want: []string{"message    envelopedData, 3 recipients"},
		},
		{
			name: "[Unit] printEvent: password encryption",
			event: audit.Event{
				EventType: audit.EventPBEEncrypt, Result: audit.ResultSuccess,
				Context: audit.Context{ContentType: "encryptedData", Iterations: 10000},
			},
			want: []string{"message    encryptedData, 10000 iterations"},
		},
		{
			name: "[Unit] printEvent: failed proof of possession",
			event: audit.Event{
				EventType: audit.EventPOPVerify, Result: audit.ResultFailure,
				Context: audit.Context{CertReqID: &reqID, POPMethod: "keyAgreement", Reason: "unsupported"},
			},
			want:  []string{"POP_VERIFY  FAILED", "request    certReqId 9, POP keyAgreement", "reason     unsupported"},
			never: []string{"message "},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			printEvent(&buf, 7, &tt.event)
			out := buf.String()
			if !strings.HasPrefix(out, "#7  ") {
				t.Errorf("output does not start with the line number: %q", out)
			}
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("output missing %q:\n%s", w, out)
				}
			}
			for _, n := range tt.never {
				if strings.Contains(out, n) {
					t.Errorf("output contains %q:\n%s", n, out)
				}
			}
		})
	}
}

func TestF_Audit_EnvVariable(t *testing.T) {
	tc := newTestContext(t)
	logPath := tc.path("env-audit.jsonl")
	t.Setenv(auditLogEnv, logPath)

	_, err := executeCommand(rootCmd, "key", "gen", "--out", tc.path("k.pem"))
	assertNoError(t, err)
	assertFileNotEmpty(t, logPath)

	count, err := audit.VerifyChain(logPath)
	assertNoError(t, err)
	if count != 1 {
		t.Errorf("events = %d, want 1", count)
	}
}

func TestF_Audit_FailureRecorded(t *testing.T) {
	tc := newTestContext(t)
	logPath := tc.path("audit.jsonl")
	reqPath := tc.writeFile("garbage.der", "not a request")

	_, err := executeCommand(rootCmd, "--audit-log", logPath, "crmf", "verify", reqPath)
	assertError(t, err)
	// PersistentPostRunE does not run after a failed command.
	assertNoError(t, audit.Close())

	data := tc.readFile(logPath)
	var event audit.Event
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &event); err != nil {
		t.Fatalf("failed to parse event: %v", err)
	}
	if event.EventType != audit.EventPOPVerify || event.Result != audit.ResultFailure {
		t.Errorf("event = %s/%s, want %s/%s", event.EventType, event.Result, audit.EventPOPVerify, audit.ResultFailure)
	}
}
