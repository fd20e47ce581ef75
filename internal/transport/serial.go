package transport

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

const (
	// pollReadTimeout bounds a single ReadAvailable sweep.
	pollReadTimeout = 5 * time.Millisecond
	readChunk       = 2048
)

// ErrClosed is returned by I/O on a port that is not open.
var ErrClosed = errors.New("transport: port not open")

// Serial is a Transport over a local serial port.
type Serial struct {
	path string
	baud int

	mu   sync.Mutex
	port serial.Port
	log  *zap.SugaredLogger
}

// SerialConfig holds the port settings.
type SerialConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// NewSerial creates a serial transport. The port is not opened yet.
func NewSerial(cfg SerialConfig, log *zap.SugaredLogger) *Serial {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaud
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Serial{path: cfg.PortPath, baud: cfg.BaudRate, log: log}
}

func mode(baud int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// Open opens the port at the configured baud rate, 8N1.
func (s *Serial) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return nil
	}

	port, err := serial.Open(s.path, mode(s.baud))
	if err != nil {
		return fmt.Errorf("transport: failed to open %s: %w", s.path, err)
	}
	if err := port.SetReadTimeout(pollReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("transport: failed to set timeout: %w", err)
	}
	if err := port.ResetInputBuffer(); err != nil {
		s.log.Debugf("reset input buffer on %s: %v", s.path, err)
	}
	s.port = port
	s.log.Infof("opened %s at %d baud", s.path, s.baud)
	return nil
}

// Close closes the port.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	s.log.Infof("closed %s", s.path)
	return err
}

// IsOpen reports whether the port is open.
func (s *Serial) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil
}

// Configure switches the baud rate of the open port.
func (s *Serial) Configure(baud int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return ErrClosed
	}
	if err := s.port.SetMode(mode(baud)); err != nil {
		return fmt.Errorf("transport: set %d baud on %s: %w", baud, s.path, err)
	}
	s.log.Debugf("%s now at %d baud", s.path, baud)
	return nil
}

// Write writes all of b.
func (s *Serial) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return 0, ErrClosed
	}
	total := 0
	for total < len(b) {
		n, err := s.port.Write(b[total:])
		if err != nil {
			return total, fmt.Errorf("transport: write %s: %w", s.path, err)
		}
		total += n
	}
	return total, nil
}

// ReadAvailable drains what the driver has buffered. Each Read waits at most
// pollReadTimeout, and a read returning nothing ends the sweep.
func (s *Serial) ReadAvailable() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil, ErrClosed
	}

	var out []byte
	buf := make([]byte, readChunk)
	for {
		n, err := s.port.Read(buf)
		if err != nil {
			return out, fmt.Errorf("transport: read %s: %w", s.path, err)
		}
		if n == 0 {
			return out, nil
		}
		out = append(out, buf[:n]...)
	}
}
