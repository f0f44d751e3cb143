package supervisor

import (
	"bytes"
	"sync"

	"go.uber.org/zap"
)

// stderrTail logs the child's diagnostic stream line by line and keeps the
// last bytes of it for exit reports.
type stderrTail struct {
	logger *zap.Logger
	limit  int

	mu      sync.Mutex
	partial bytes.Buffer
	tail    []byte
}

func newStderrTail(logger *zap.Logger, limit int) *stderrTail {
	return &stderrTail{logger: logger, limit: limit}
}

func (s *stderrTail) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.tail = append(s.tail, p...)
	if over := len(s.tail) - s.limit; over > 0 {
		s.tail = append(s.tail[:0], s.tail[over:]...)
	}

	s.partial.Write(p)
	for {
		line, err := s.partial.ReadBytes('\n')
		if err != nil {
			// Incomplete line; keep it for the next write.
			rest := append([]byte(nil), line...)
			s.partial.Reset()
			s.partial.Write(rest)
			break
		}
		s.logger.Debug("child stderr", zap.ByteString("line", bytes.TrimRight(line, "\r\n")))
	}
	return len(p), nil
}

// String returns the retained tail.
func (s *stderrTail) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(bytes.TrimSpace(s.tail))
}
