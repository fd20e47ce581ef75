// Package transporttest provides a scripted in-memory Transport for tests.
package transporttest

import (
	"errors"
	"strings"
	"sync"
)

// ErrUnplugged is returned by reads after Unplug.
var ErrUnplugged = errors.New("transporttest: device unplugged")

// Scripted answers each written command with canned replies. Successive
// writes of the same command walk through its replies and then keep
// repeating the last one.
type Scripted struct {
	mu      sync.Mutex
	open    bool
	baud    int
	replies map[string][][]byte
	calls   map[string]int
	pending []byte
	writes  []string
	readErr error
}

// New returns an open scripted transport.
func New() *Scripted {
	return &Scripted{
		open:    true,
		baud:    9600,
		replies: make(map[string][][]byte),
		calls:   make(map[string]int),
	}
}

// On registers replies for cmd (without the terminator).
func (s *Scripted) On(cmd string, replies ...[]byte) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies[cmd] = replies
	return s
}

// Feed queues unsolicited bytes.
func (s *Scripted) Feed(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, b...)
}

// Unplug makes every following read fail.
func (s *Scripted) Unplug() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = ErrUnplugged
}

// Writes returns the commands written so far, terminators stripped.
func (s *Scripted) Writes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

// Baud returns the last configured baud rate.
func (s *Scripted) Baud() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baud
}

func (s *Scripted) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = true
	return nil
}

func (s *Scripted) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	return nil
}

func (s *Scripted) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *Scripted) Configure(baud int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baud = baud
	return nil
}

func (s *Scripted) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd := strings.TrimSuffix(string(b), "\r")
	s.writes = append(s.writes, cmd)
	if r := s.replies[cmd]; len(r) > 0 {
		i := s.calls[cmd]
		if i >= len(r) {
			i = len(r) - 1
		}
		s.pending = append(s.pending, r[i]...)
	}
	s.calls[cmd]++
	return len(b), nil
}

func (s *Scripted) ReadAvailable() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	out := s.pending
	s.pending = nil
	return out, nil
}
