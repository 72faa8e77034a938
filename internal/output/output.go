// Package output persists matches to a text file.
package output

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/screa/bitrecover/internal/logger"
	"github.com/screa/bitrecover/pkg/types"
)

// FormatLine renders m as "<address> <privkeyhex> <encoded> [GPU:<id>]".
func FormatLine(m types.MatchResult) string {
	return fmt.Sprintf("%s %s %s [GPU:%d]", m.Address, m.PrivateKeyHex(), m.EncodedForm, m.DeviceID)
}

// FileSink appends one line per match and syncs after every write, so a
// crash never loses a found key.
type FileSink struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	logger *logger.Logger
	err    error
}

// OpenFile opens path for appending, creating it if needed.
func OpenFile(path string, log *logger.Logger) (*FileSink, error) {
	if log == nil {
		log = logger.Nop()
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open output file: %w", err)
	}
	return &FileSink{f: f, path: path, logger: log}, nil
}

// OnMatch implements stats.ResultSink. Write errors are logged and kept;
// Err returns the first one.
func (s *FileSink) OnMatch(m types.MatchResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.f == nil {
		s.fail(m, os.ErrClosed)
		return
	}
	if _, err := fmt.Fprintln(s.f, FormatLine(m)); err != nil {
		s.fail(m, err)
		return
	}
	if err := s.f.Sync(); err != nil {
		s.fail(m, err)
	}
}

func (s *FileSink) fail(m types.MatchResult, err error) {
	if s.err == nil {
		s.err = err
	}
	// the key still reaches the log if the file is unusable
	s.logger.Error("failed to persist match",
		zap.String("path", s.path),
		zap.String("address", m.Address),
		zap.String("private_key", m.PrivateKeyHex()),
		zap.Error(err))
}

// Err returns the first write error, if any.
func (s *FileSink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close closes the file. Further matches are logged instead of written.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}
