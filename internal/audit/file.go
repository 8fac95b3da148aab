package audit

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

const (
	// GenesisHash is the HashPrev of the first event in a log.
	GenesisHash = "sha256:genesis"

	// HashPrefix prefixes every chain hash.
	HashPrefix = "sha256:"
)

// maxLine bounds a single JSONL record.
const maxLine = 1 << 20

// ErrClosed is returned by writes after Close.
var ErrClosed = errors.New("audit log is closed")

// FileWriter appends events to a JSONL file and fsyncs after each one.
type FileWriter struct {
	mu       sync.Mutex
	file     *os.File
	lastHash string
	path     string
}

var _ Writer = (*FileWriter)(nil)

// NewFileWriter opens path for appending. An existing log is continued
// from its last hash.
func NewFileWriter(path string) (*FileWriter, error) {
	lastHash := GenesisHash
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		if lastHash, err = readLastHash(data); err != nil {
			return nil, fmt.Errorf("failed to read last hash from existing log: %w", err)
		}
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &FileWriter{file: file, lastHash: lastHash, path: path}, nil
}

func newScanner(data []byte) *bufio.Scanner {
	s := bufio.NewScanner(bytes.NewReader(data))
	s.Buffer(make([]byte, 0, 64*1024), maxLine)
	return s
}

func readLastHash(data []byte) (string, error) {
	var last []byte
	s := newScanner(data)
	for s.Scan() {
		if line := bytes.TrimSpace(s.Bytes()); len(line) > 0 {
			last = append(last[:0], line...)
		}
	}
	if err := s.Err(); err != nil {
		return "", err
	}
	if last == nil {
		return GenesisHash, nil
	}

	var event struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(last, &event); err != nil {
		return "", fmt.Errorf("failed to parse last event: %w", err)
	}
	if event.Hash == "" {
		return "", fmt.Errorf("last event has no hash")
	}
	return event.Hash, nil
}

// Write chains, appends and syncs event.
func (w *FileWriter) Write(event *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ErrClosed
	}
	if err := event.Validate(); err != nil {
		return fmt.Errorf("invalid event: %w", err)
	}

	event.HashPrev = w.lastHash
	canonical, err := event.CanonicalJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	event.Hash = chainHash(canonical, w.lastHash)

	line, err := event.JSON()
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}
	if _, err := w.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}

	w.lastHash = event.Hash
	return nil
}

// Close syncs and closes the file. Closing twice is a no-op.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	f := w.file
	w.file = nil
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// LastHash returns the hash of the last written event.
func (w *FileWriter) LastHash() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastHash
}

// Path returns the log location.
func (w *FileWriter) Path() string {
	return w.path
}

// chainHash is SHA-256(canonical || prevHash).
func chainHash(canonical []byte, prevHash string) string {
	h := sha256.New()
	_, _ = h.Write(canonical)
	_, _ = h.Write([]byte(prevHash))
	return HashPrefix + hex.EncodeToString(h.Sum(nil))
}

// VerifyChain checks every link of the log at path and returns the number
// of events verified before the first break.
func VerifyChain(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read audit log: %w", err)
	}

	expected := GenesisHash
	count, lineNum := 0, 0
	s := newScanner(data)
	for s.Scan() {
		lineNum++
		line := bytes.TrimSpace(s.Bytes())
		if len(line) == 0 {
			continue
		}

		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			return count, fmt.Errorf("line %d: invalid JSON: %w", lineNum, err)
		}
		if event.HashPrev != expected {
			return count, fmt.Errorf("line %d: hash chain broken: expected prev=%s, got prev=%s",
				lineNum, expected, event.HashPrev)
		}
		canonical, err := event.CanonicalJSON()
		if err != nil {
			return count, fmt.Errorf("line %d: failed to serialize: %w", lineNum, err)
		}
		if want := chainHash(canonical, event.HashPrev); event.Hash != want {
			return count, fmt.Errorf("line %d: hash mismatch: expected=%s, got=%s", lineNum, want, event.Hash)
		}

		expected = event.Hash
		count++
	}
	if err := s.Err(); err != nil {
		return count, fmt.Errorf("scan error: %w", err)
	}
	return count, nil
}
