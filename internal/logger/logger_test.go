package logger

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shaunagostinho/kclmtr/internal/codec"
	"github.com/shaunagostinho/kclmtr/internal/errmask"
	"github.com/shaunagostinho/kclmtr/internal/flicker"
	"github.com/shaunagostinho/kclmtr/internal/kclmtr"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func colorEntry(at time.Duration, y float64) Entry {
	return Entry{
		Time: t0.Add(at),
		Mode: "color",
		Measurement: &kclmtr.Measurement{
			XYZ:        [3]float64{y * 0.95, y, y * 1.09},
			ChromaX:    0.3127,
			ChromaY:    0.329,
			AveragedBy: 4,
			Ranges:     [3]codec.Range{3, 3, 3},
			Err:        errmask.AveragingLowLight,
		},
	}
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	return rows
}

func TestCSVRecording(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, IntervalMs: 100}, nil)

	l.Record(colorEntry(0, 120))
	l.Record(colorEntry(50*time.Millisecond, 121)) // inside the interval
	l.Record(colorEntry(200*time.Millisecond, 122))
	path := l.Path()
	l.Close()

	if !strings.HasSuffix(path, ".csv") {
		t.Fatalf("path = %q", path)
	}
	rows := readCSV(t, path)
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header and 2 entries", len(rows))
	}
	if rows[0][0] != "timestamp" || len(rows[0]) != len(csvHeader) {
		t.Errorf("header = %v", rows[0])
	}
	r := rows[1]
	if r[1] != "color" || r[4] != "120.0000" || r[8] != "4" || r[9] != "3" {
		t.Errorf("row = %v", r)
	}
	if want := fmt.Sprintf("0x%08x", uint32(errmask.AveragingLowLight)); r[2] != want {
		t.Errorf("error = %q, want %q", r[2], want)
	}
	if rows[2][4] != "122.0000" {
		t.Errorf("second row Y = %q, want 122", rows[2][4])
	}
}

func TestDisabledRecordsNothing(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Path: dir}, nil)
	l.Record(colorEntry(0, 1))
	if l.Path() != "" {
		t.Errorf("file opened while disabled: %q", l.Path())
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("dir has %d files", len(entries))
	}

	l.SetEnabled(true)
	l.Record(colorEntry(0, 1))
	if l.Path() == "" {
		t.Fatal("no file after enabling")
	}
	l.SetEnabled(false)
	if l.Path() != "" || l.IsEnabled() {
		t.Error("file still open after disabling")
	}
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, IntervalMs: 50}, nil)
	l.maxRows = 2
	for i := 0; i < 5; i++ {
		l.Record(colorEntry(time.Duration(i)*time.Second, float64(i)))
	}
	l.Close()

	files, err := filepath.Glob(filepath.Join(dir, "kclmtr_*.csv"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 3 {
		t.Fatalf("files = %v, want 3", files)
	}
	var data int
	for _, f := range files {
		data += len(readCSV(t, f)) - 1
	}
	if data != 5 {
		t.Errorf("%d rows across files, want 5", data)
	}
}

func TestMsgpackRoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir, Format: FormatMsgpack, IntervalMs: 50}, nil)

	l.Record(colorEntry(0, 120))
	l.Record(Entry{
		Time:   t0.Add(time.Second),
		Mode:   "counts",
		Counts: &kclmtr.Counts{Top: [3]int{1, 2, 3}, Therm: 2810, TH1: 120, TH2: 118},
	})
	l.Record(Entry{
		Time: t0.Add(2 * time.Second),
		Mode: "flicker",
		Flicker: &flicker.Result{
			BigY:         50,
			PercentPeaks: []flicker.Point{{X: 30, Y: 12.5}},
			Err:          errmask.FFTInsufficientData,
		},
	})
	path := l.Path()
	l.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	got, err := ReadEntries(f)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("entries = %d, want 3", len(got))
	}
	if got[0].Measurement == nil || got[0].Measurement.XYZ[1] != 120 || got[0].Counts != nil {
		t.Errorf("entry 0 = %+v", got[0])
	}
	if got[1].Counts == nil || got[1].Counts.Therm != 2810 {
		t.Errorf("entry 1 = %+v", got[1])
	}
	if fl := got[2].Flicker; fl == nil || fl.Err != errmask.FFTInsufficientData || fl.PercentPeaks[0].X != 30 {
		t.Errorf("entry 2 = %+v", got[2])
	}
	if !got[2].Time.Equal(t0.Add(2 * time.Second)) {
		t.Errorf("time = %v", got[2].Time)
	}
}

func TestReadEntriesTruncated(t *testing.T) {
	_, err := ReadEntries(strings.NewReader("\x00\x00\x00\x10abc"))
	if err == nil {
		t.Fatal("truncated record accepted")
	}
}

func TestBuildRowFlicker(t *testing.T) {
	row := buildRow(Entry{
		Time: t0,
		Mode: "flicker",
		Flicker: &flicker.Result{
			BigY:         80,
			FlickerIndex: 0.01234,
			PercentPeaks: []flicker.Point{{X: 30, Y: 12.5}},
			DBPeaks:      []flicker.Point{{X: 30, Y: -20.25}},
			Err:          errmask.FFTPreviousRange,
		},
	})
	want := map[int]string{21: "80.0000", 22: "0.01234", 23: "30.00", 24: "12.500", 25: "-20.25"}
	for i, w := range want {
		if row[i] != w {
			t.Errorf("column %s = %q, want %q", csvHeader[i], row[i], w)
		}
	}
	if row[2] == "0x00000000" {
		t.Error("error column lost the flicker mask")
	}
}
