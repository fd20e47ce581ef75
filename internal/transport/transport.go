// Package transport provides the byte stream the colorimeter driver talks
// over. The driver only needs "write these bytes" and "give me whatever has
// arrived", so any medium with a read-available probe can back it.
package transport

// Transport is the interface every byte stream backend must implement.
type Transport interface {
	// Open opens the underlying device at the default line settings.
	Open() error
	// Close releases the device. Closing a closed transport is a no-op.
	Close() error
	// IsOpen reports whether Open succeeded and Close has not been called.
	IsOpen() bool
	// Configure changes the baud rate of an open transport. Data bits,
	// parity and stop bits stay at 8N1.
	Configure(baud int) error
	// Write sends b in full or returns an error.
	Write(b []byte) (int, error)
	// ReadAvailable returns the bytes that have arrived since the last
	// call without blocking for more. An error means the link is gone.
	ReadAvailable() ([]byte, error)
}

// DefaultBaud is the line speed the colorimeter boots at.
const DefaultBaud = 9600

// FastBaud is used while streaming 384 samples per second flicker.
const FastBaud = 19200
