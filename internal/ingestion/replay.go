package ingestion

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"options-flow-lab/internal/domain"
	"options-flow-lab/internal/observability"
)

// FileSource replays a recorded NDJSON tape, one frame per line.
// It never disconnects and cannot backfill.
type FileSource struct {
	path    string
	metrics *observability.Metrics

	mu      sync.Mutex
	file    io.Closer
	scanner *bufio.Scanner
	lines   int
}

var _ TickSource = (*FileSource)(nil)

// NewFileSource creates a source over the tape at path.
func NewFileSource(path string, metrics *observability.Metrics) *FileSource {
	return &FileSource{path: path, metrics: metrics}
}

// Connect opens the tape. Reconnecting resumes where the previous read stopped.
func (s *FileSource) Connect(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scanner != nil {
		return nil
	}
	f, err := os.Open(s.path)
	if err != nil {
		return fmt.Errorf("open tape: %w", err)
	}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	// Skip what an earlier connection already delivered.
	for i := 0; i < s.lines && sc.Scan(); i++ {
	}

	s.file = f
	s.scanner = sc
	return nil
}

// Next returns the next decodable frame, or ErrEndOfStream at the end of the tape.
func (s *FileSource) Next(ctx context.Context) (*domain.RawTick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scanner == nil {
		return nil, ErrNotConnected
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, fmt.Errorf("read tape: %w", err)
			}
			return nil, ErrEndOfStream
		}
		s.lines++

		line := s.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		tick, err := ParseFrame(line)
		if err != nil {
			s.metrics.RecordDrop(observability.DropMalformed)
			continue
		}
		return tick, nil
	}
}

// Backfill is not supported by recorded tapes.
func (s *FileSource) Backfill(_ context.Context, _, _ int64) ([]*domain.RawTick, error) {
	return nil, ErrBackfillUnavailable
}

// Close closes the tape.
func (s *FileSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	s.scanner = nil
	return err
}
