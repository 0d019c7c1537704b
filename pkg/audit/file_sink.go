package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
)

// FileSink writes audit records as JSON lines
type FileSink struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
}

// NewFileSink creates a file-based audit sink, appending to path
func NewFileSink(path string) (*FileSink, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	return &FileSink{
		file:    file,
		encoder: json.NewEncoder(file),
	}, nil
}

// NewWriterSink creates a sink over an arbitrary writer, used in tests
func NewWriterSink(w io.Writer) *FileSink {
	return &FileSink{encoder: json.NewEncoder(w)}
}

// Emit appends one JSON line
func (s *FileSink) Emit(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encoder.Encode(rec)
}

// Close closes the underlying file
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}

// MultiSink fans records out to several sinks; the first error wins but all
// sinks are attempted.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink creates a fan-out sink
func NewMultiSink(sinks ...Sink) *MultiSink {
	return &MultiSink{sinks: sinks}
}

// Emit sends the record to every sink
func (s *MultiSink) Emit(ctx context.Context, rec Record) error {
	var firstErr error
	for _, sink := range s.sinks {
		if err := sink.Emit(ctx, rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes every sink
func (s *MultiSink) Close() error {
	var firstErr error
	for _, sink := range s.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
