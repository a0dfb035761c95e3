package convert

import (
	"encoding/csv"
	"fmt"
	"io"
	"sync"
)

// CSVSink writes records as CSV rows, emitting the header once on first
// write and flushing after every row so an interrupted job keeps what it
// collected.
//
// Safe for concurrent writers: scheduler workers for different nodes may
// deliver records at the same time.
type CSVSink struct {
	mu     sync.Mutex
	w      *csv.Writer
	header []string
	wrote  bool
	rows   int
}

// NewCSVSink creates a sink writing to w with the given header columns.
func NewCSVSink(w io.Writer, header []string) *CSVSink {
	return &CSVSink{w: csv.NewWriter(w), header: header}
}

// SkipHeader suppresses the header row. Used when appending to a file
// that already has one.
func (s *CSVSink) SkipHeader() {
	s.mu.Lock()
	s.wrote = true
	s.mu.Unlock()
}

// Write appends one record row.
func (s *CSVSink) Write(rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.wrote {
		if err := s.w.Write(s.header); err != nil {
			return fmt.Errorf("write csv header: %w", err)
		}
		s.wrote = true
	}
	if len(rec.Values) != len(s.header) {
		return fmt.Errorf("record has %d values, header has %d columns", len(rec.Values), len(s.header))
	}
	if err := s.w.Write(rec.Values); err != nil {
		return fmt.Errorf("write csv row: %w", err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	s.rows++
	return nil
}

// Rows returns how many record rows have been written.
func (s *CSVSink) Rows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows
}
