// Package logger records colorimeter readings to rotating CSV or msgpack
// files.
package logger

import (
	"bufio"
	"encoding/binary"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/shaunagostinho/kclmtr/internal/errmask"
	"github.com/shaunagostinho/kclmtr/internal/flicker"
	"github.com/shaunagostinho/kclmtr/internal/kclmtr"
)

// Output formats.
const (
	FormatCSV     = "csv"
	FormatMsgpack = "msgpack"
)

const (
	maxRowsPerFile = 100_000 // ~3.5 hrs at 8 Hz
	minInterval    = 50 * time.Millisecond
	// lengthPrefixSize is the big-endian length in front of every msgpack
	// record.
	lengthPrefixSize = 4
	maxRecordSize    = 16 * 1024 * 1024
)

// Config holds recorder configuration.
type Config struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	Path       string `yaml:"path" json:"path"`
	Format     string `yaml:"format" json:"format"`
	IntervalMs int    `yaml:"interval_ms" json:"intervalMs"`
}

// Entry is one recorded snapshot. Only the reading of the running mode is
// set.
type Entry struct {
	Time        time.Time           `msgpack:"time"`
	Mode        string              `msgpack:"mode"`
	Measurement *kclmtr.Measurement `msgpack:"measurement,omitempty"`
	Counts      *kclmtr.Counts      `msgpack:"counts,omitempty"`
	Flicker     *flicker.Result     `msgpack:"flicker,omitempty"`
}

// Logger writes entries to files in a directory, starting a new file every
// maxRows entries.
type Logger struct {
	mu       sync.Mutex
	dir      string
	format   string
	interval time.Duration
	enabled  bool
	maxRows  int
	log      *zap.SugaredLogger

	file   *os.File
	csv    *csv.Writer
	buf    *bufio.Writer
	path   string
	lastTs time.Time
	rows   int
	seq    int
}

var csvHeader = []string{
	"timestamp", "mode", "error",
	"X", "Y", "Z", "x", "y", "averaged_by",
	"range_r", "range_g", "range_b",
	"top_r", "top_g", "top_b",
	"bottom_r", "bottom_g", "bottom_b",
	"therm", "th1", "th2",
	"flicker_y", "flicker_index", "peak_hz", "peak_pct", "peak_db",
}

// New creates a Logger. log may be nil.
func New(cfg Config, log *zap.SugaredLogger) *Logger {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if cfg.Path == "" {
		cfg.Path = "/var/log/kclmtr"
	}
	if cfg.Format != FormatMsgpack {
		cfg.Format = FormatCSV
	}
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	if interval < minInterval {
		interval = 125 * time.Millisecond // 8 Hz, the normal color rate
	}
	return &Logger{
		dir:      cfg.Path,
		format:   cfg.Format,
		interval: interval,
		enabled:  cfg.Enabled,
		maxRows:  maxRowsPerFile,
		log:      log,
	}
}

// SetEnabled allows toggling recording at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on {
		l.closeFile()
	}
}

// IsEnabled returns whether recording is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Path returns the file currently written, empty when none is open.
func (l *Logger) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// Record writes e if recording is on and the minimum interval has elapsed
// since the previous entry. A zero e.Time is set to now.
func (l *Logger) Record(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if !l.lastTs.IsZero() && e.Time.Sub(l.lastTs) < l.interval {
		return
	}
	l.lastTs = e.Time

	if l.file == nil || l.rows >= l.maxRows {
		if err := l.rotateFile(e.Time); err != nil {
			l.log.Errorf("rotate failed: %v", err)
			return
		}
	}

	var err error
	if l.format == FormatMsgpack {
		err = l.writeRecord(e)
	} else {
		err = l.writeRow(e)
	}
	if err != nil {
		l.log.Errorf("write failed: %v", err)
		return
	}
	l.rows++
}

// Close flushes and closes the current file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	ext := "csv"
	if l.format == FormatMsgpack {
		ext = "mpk"
	}
	l.seq++
	filename := fmt.Sprintf("kclmtr_%s_%03d.%s", now.Format("2006-01-02_150405"), l.seq, ext)
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	l.file = f
	l.path = path
	l.rows = 0

	if l.format == FormatMsgpack {
		l.buf = bufio.NewWriter(f)
	} else {
		l.csv = csv.NewWriter(f)
		if err := l.csv.Write(csvHeader); err != nil {
			return err
		}
		l.csv.Flush()
	}

	l.log.Infof("opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.csv != nil {
		l.csv.Flush()
		l.csv = nil
	}
	if l.buf != nil {
		if err := l.buf.Flush(); err != nil {
			l.log.Warnf("flush %s: %v", l.path, err)
		}
		l.buf = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	l.path = ""
}

func (l *Logger) writeRow(e Entry) error {
	if err := l.csv.Write(buildRow(e)); err != nil {
		return err
	}
	l.csv.Flush()
	return l.csv.Error()
}

func (l *Logger) writeRecord(e Entry) error {
	payload, err := msgpack.Marshal(&e)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	var prefix [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := l.buf.Write(prefix[:]); err != nil {
		return err
	}
	if _, err := l.buf.Write(payload); err != nil {
		return err
	}
	return l.buf.Flush()
}

func buildRow(e Entry) []string {
	row := make([]string, len(csvHeader))
	row[0] = e.Time.Format(time.RFC3339Nano)
	row[1] = e.Mode

	var mask errmask.Mask
	if m := e.Measurement; m != nil {
		mask |= m.Err
		row[3] = ftoa(m.XYZ[0], 4)
		row[4] = ftoa(m.XYZ[1], 4)
		row[5] = ftoa(m.XYZ[2], 4)
		row[6] = ftoa(m.ChromaX, 5)
		row[7] = ftoa(m.ChromaY, 5)
		row[8] = strconv.Itoa(m.AveragedBy)
		for i, r := range m.Ranges {
			row[9+i] = strconv.Itoa(int(r))
		}
	}
	if c := e.Counts; c != nil {
		mask |= c.Err
		for i := 0; i < 3; i++ {
			row[9+i] = strconv.Itoa(int(c.Ranges[i]))
			row[12+i] = strconv.Itoa(c.Top[i])
			row[15+i] = strconv.Itoa(c.Bottom[i])
		}
		row[18] = strconv.Itoa(c.Therm)
		row[19] = strconv.Itoa(c.TH1)
		row[20] = strconv.Itoa(c.TH2)
	}
	if f := e.Flicker; f != nil {
		mask |= f.Err
		row[21] = ftoa(f.BigY, 4)
		row[22] = ftoa(f.FlickerIndex, 5)
		if len(f.PercentPeaks) > 0 {
			row[23] = ftoa(f.PercentPeaks[0].X, 2)
			row[24] = ftoa(f.PercentPeaks[0].Y, 3)
		}
		if len(f.DBPeaks) > 0 {
			row[25] = ftoa(f.DBPeaks[0].Y, 2)
		}
	}
	row[2] = fmt.Sprintf("0x%08x", uint32(mask))
	return row
}

func ftoa(v float64, prec int) string {
	return strconv.FormatFloat(v, 'f', prec, 64)
}

// ReadEntries decodes a msgpack recording. A truncated last record is
// reported with the entries read before it.
func ReadEntries(r io.Reader) ([]Entry, error) {
	br := bufio.NewReader(r)
	var out []Entry
	for {
		var prefix [lengthPrefixSize]byte
		if _, err := io.ReadFull(br, prefix[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("read length prefix: %w", err)
		}
		size := binary.BigEndian.Uint32(prefix[:])
		if size > maxRecordSize {
			return out, fmt.Errorf("record size %d exceeds maximum %d", size, maxRecordSize)
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(br, payload); err != nil {
			return out, fmt.Errorf("read record: %w", err)
		}
		var e Entry
		if err := msgpack.Unmarshal(payload, &e); err != nil {
			return out, fmt.Errorf("decode record: %w", err)
		}
		out = append(out, e)
	}
}
