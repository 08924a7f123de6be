package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sink is the per-invocation append-only log file plus an in-memory tail.
// It starts with a random name and is renamed to <sessionId>.log exactly
// once, when the session id becomes known.
type Sink struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	dir     string
	renamed bool
	tail    []string
	tailMax int
}

// NewSink creates the log file under dir. The initial name carries a uuid
// suffix so parallel invocations never collide.
func NewSink(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}
	name := fmt.Sprintf("solve-%s-%s.log", time.Now().Format("20060102-150405"), uuid.NewString()[:8])
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	return &Sink{file: f, path: path, dir: dir, tailMax: 400}, nil
}

// Path returns the current absolute log file path.
func (s *Sink) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Write appends one line to the file and the in-memory tail. A trailing
// newline is added when missing. Safe for concurrent use; the file has a
// single serialised writer.
func (s *Sink) Write(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return
	}
	if !strings.HasSuffix(line, "\n") {
		line += "\n"
	}
	_, _ = s.file.WriteString(line)
	s.tail = append(s.tail, strings.TrimRight(line, "\n"))
	if len(s.tail) > s.tailMax {
		s.tail = s.tail[len(s.tail)-s.tailMax:]
	}
}

// Writef formats and appends one line.
func (s *Sink) Writef(format string, args ...any) {
	s.Write(fmt.Sprintf(format, args...))
}

// SetSessionID renames the file to <sessionId>.log. Only the first call has
// an effect; later session ids within one invocation are ignored.
func (s *Sink) SetSessionID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.renamed || id == "" || s.file == nil {
		return
	}
	newPath := filepath.Join(s.dir, id+".log")
	if err := os.Rename(s.path, newPath); err != nil {
		return
	}
	// Reopen at the new path; the old descriptor still points at the moved
	// inode but keeping path and handle aligned avoids confusion on close.
	_ = s.file.Close()
	f, err := os.OpenFile(newPath, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	s.file = f
	s.path = newPath
	s.renamed = true
}

// Tail returns up to n of the most recent lines.
func (s *Sink) Tail(n int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n <= 0 || n >= len(s.tail) {
		n = len(s.tail)
	}
	out := make([]string, n)
	copy(out, s.tail[len(s.tail)-n:])
	return out
}

// Contents reads the whole log file.
func (s *Sink) Contents() (string, error) {
	s.mu.Lock()
	path := s.path
	s.mu.Unlock()
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading log file: %w", err)
	}
	return string(data), nil
}

// Close flushes and closes the file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
