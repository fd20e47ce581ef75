package protocol

import (
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/kclmtr/internal/errmask"
	"github.com/shaunagostinho/kclmtr/internal/metrics"
	"github.com/shaunagostinho/kclmtr/internal/transport"
)

const (
	// DefaultPollInterval is the pause between read-available probes.
	DefaultPollInterval = 50 * time.Millisecond
	// DefaultPollsPerTick turns a command timeout tick into probes (1.5 s).
	DefaultPollsPerTick = 30

	terminator = '\r'
)

// Engine is the sole reader and writer of a transport.
type Engine struct {
	t   transport.Transport
	log *zap.SugaredLogger
	m   *metrics.Collector

	PollInterval time.Duration
	PollsPerTick int
}

// NewEngine wraps t. log and m may be nil.
func NewEngine(t transport.Transport, log *zap.SugaredLogger, m *metrics.Collector) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{
		t:            t,
		log:          log,
		m:            m,
		PollInterval: DefaultPollInterval,
		PollsPerTick: DefaultPollsPerTick,
	}
}

// Transport returns the wrapped transport.
func (e *Engine) Transport() transport.Transport { return e.t }

// Exchange sends a table command and waits for its reply.
func (e *Engine) Exchange(c Command) ([]byte, errmask.Mask) {
	return e.Send(c.Text, c.Timeout, c.Expected)
}

// Send flushes pending input, writes text followed by a carriage return and,
// when expected > 0, polls until that many bytes arrived. Failures are
// reported in the mask; the bytes read so far are always returned.
func (e *Engine) Send(text string, timeout, expected int) ([]byte, errmask.Mask) {
	start := time.Now()
	reply, m := e.send(text, timeout, expected)
	e.m.ObserveExchange(label(text), time.Since(start), m)
	if m != errmask.None {
		e.log.Debugf("%s: %v after %d/%d bytes", label(text), m, len(reply), expected)
	}
	return reply, m
}

func (e *Engine) send(text string, timeout, expected int) ([]byte, errmask.Mask) {
	if !e.t.IsOpen() {
		return nil, errmask.NotOpen
	}
	if m := e.Drain(); m != errmask.None {
		return nil, m
	}

	msg := make([]byte, 0, len(text)+1)
	msg = append(msg, text...)
	msg = append(msg, terminator)
	if _, err := e.t.Write(msg); err != nil {
		e.log.Warnf("write %s failed: %v", label(text), err)
		return nil, errmask.LostConnection
	}

	if expected <= 0 {
		return nil, errmask.None
	}
	return e.ReadMore(nil, expected, timeout)
}

// ReadMore appends to buf until it holds at least expected bytes or timeout
// ticks pass. It is used directly to continue a flicker stream.
func (e *Engine) ReadMore(buf []byte, expected, timeout int) ([]byte, errmask.Mask) {
	if !e.t.IsOpen() {
		return buf, errmask.NotOpen
	}
	polls := timeout * e.PollsPerTick
	if polls < 1 {
		polls = 1
	}
	for i := 0; i < polls; i++ {
		time.Sleep(e.PollInterval)
		b, err := e.t.ReadAvailable()
		buf = append(buf, b...)
		if err != nil {
			e.log.Warnf("read failed after %d bytes: %v", len(buf), err)
			return buf, errmask.LostConnection
		}
		if len(buf) >= expected {
			return buf, errmask.None
		}
	}
	if !e.t.IsOpen() {
		return buf, errmask.LostConnection
	}
	return buf, errmask.TimedOut
}

// Drain discards any unread input.
func (e *Engine) Drain() errmask.Mask {
	b, err := e.t.ReadAvailable()
	if err != nil {
		return errmask.LostConnection
	}
	if len(b) > 0 {
		e.log.Debugf("drained %d stale bytes", len(b))
	}
	return errmask.None
}

// label keeps metric cardinality bounded: mnemonics are a letter and a
// digit, everything else is payload.
func label(text string) string {
	if len(text) >= 2 && text[0] >= 'A' && text[0] <= 'Z' && text[1] >= '0' && text[1] <= '9' {
		return text[:2]
	}
	return "data"
}
