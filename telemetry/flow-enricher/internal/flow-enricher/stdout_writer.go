package enricher

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"
)

// StdoutWriter is a FlowWriter printing one encoded flow per line. Batches
// from concurrent workers are never interleaved.
type StdoutWriter struct {
	mu  sync.Mutex
	w   io.Writer
	out *bufio.Writer
}

// NewStdoutWriter writes to w, or to os.Stdout when w is nil.
func NewStdoutWriter(w io.Writer) *StdoutWriter {
	if w == nil {
		w = os.Stdout
	}
	return &StdoutWriter{w: w, out: bufio.NewWriter(w)}
}

func (s *StdoutWriter) BatchInsert(ctx context.Context, flows []EnrichedFlow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range flows {
		s.out.Write(f.Encoded)
		s.out.WriteByte('\n')
	}
	// bufio keeps the first write error and reports it here. A failed batch
	// is dropped from the buffer so that a retry starts clean.
	if err := s.out.Flush(); err != nil {
		s.out.Reset(s.w)
		return err
	}
	return nil
}

func (s *StdoutWriter) String() string {
	return "stdout"
}
