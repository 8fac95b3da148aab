package audit

// Writer persists audit events.
//
// Write must validate the event, chain it to the previous one (HashPrev,
// Hash), make it durable and report any failure. Close flushes and releases
// the underlying storage. LastHash returns GenesisHash before the first
// event.
type Writer interface {
	Write(event *Event) error
	Close() error
	LastHash() string
}

// NopWriter discards events. It is installed while auditing is disabled.
type NopWriter struct{}

var _ Writer = NopWriter{}

func (NopWriter) Write(*Event) error { return nil }
func (NopWriter) Close() error       { return nil }
func (NopWriter) LastHash() string   { return GenesisHash }

// MultiWriter fans events out to several writers and fails on the first
// error.
type MultiWriter struct {
	writers []Writer
}

var _ Writer = (*MultiWriter)(nil)

// NewMultiWriter creates a MultiWriter.
func NewMultiWriter(writers ...Writer) *MultiWriter {
	return &MultiWriter{writers: writers}
}

func (m *MultiWriter) Write(event *Event) error {
	for _, w := range m.writers {
		if err := w.Write(event); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every writer and returns the last error.
func (m *MultiWriter) Close() error {
	var lastErr error
	for _, w := range m.writers {
		if err := w.Close(); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// LastHash reports the chain head of the first writer.
func (m *MultiWriter) LastHash() string {
	if len(m.writers) > 0 {
		return m.writers[0].LastHash()
	}
	return GenesisHash
}
