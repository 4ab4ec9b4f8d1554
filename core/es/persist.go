package es

import (
	"context"
	"fmt"
	"io"
	"log/slog"
)

// WriteRecords writes records as a JSON array.
func WriteRecords(w io.Writer, records []Record) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(records); err != nil {
		return fmt.Errorf("failed to write event log: %w", err)
	}
	return nil
}

// ReadRecords reads a JSON array written by WriteRecords.
func ReadRecords(r io.Reader) ([]Record, error) {
	var records []Record
	if err := json.NewDecoder(r).Decode(&records); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorruptLog, err)
	}
	return records, nil
}

// Export writes the whole log to w.
func (s *InMemoryStore) Export(ctx context.Context, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	records := s.Records()
	s.log.Debug("export", slog.Int("events", len(records)))
	return WriteRecords(w, records)
}

// Import reads a log written by Export and appends it. Positions must
// continue the current log, so importing into an empty store reproduces the
// exported one exactly.
func (s *InMemoryStore) Import(ctx context.Context, r io.Reader) error {
	records, err := ReadRecords(r)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.list.Append(records...); err != nil {
		return err
	}
	s.log.Debug("import", slog.Int("events", len(records)))
	return nil
}
