package protocol

import (
	"bytes"
	"testing"
	"time"

	"github.com/shaunagostinho/kclmtr/internal/errmask"
	"github.com/shaunagostinho/kclmtr/internal/transport/transporttest"
)

func fastEngine(t *transporttest.Scripted) *Engine {
	e := NewEngine(t, nil, nil)
	e.PollInterval = time.Millisecond
	e.PollsPerTick = 3
	return e
}

func TestExchangeReturnsReply(t *testing.T) {
	frame := []byte("P0K-10   12345678<0>")
	frame = append(frame, '!')
	tr := transporttest.New().On("P0", frame)
	e := fastEngine(tr)

	got, m := e.Exchange(DeviceInfo)
	if m != errmask.None {
		t.Fatalf("mask = %v, want none", m)
	}
	if !bytes.Equal(got, frame) {
		t.Errorf("reply = %q, want %q", got, frame)
	}
	if w := tr.Writes(); len(w) != 1 || w[0] != "P0" {
		t.Errorf("writes = %q", w)
	}
}

func TestExchangeFlushesStaleInput(t *testing.T) {
	tr := transporttest.New().On("J8", []byte("J"))
	tr.Feed([]byte("garbage"))
	got, m := fastEngine(tr).Exchange(RangeAuto)
	if m != errmask.None || string(got) != "J" {
		t.Errorf("Exchange = %q, %v; want \"J\", none", got, m)
	}
}

func TestExchangeTimesOut(t *testing.T) {
	tr := transporttest.New().On("N5", []byte("N5 short"))
	got, m := fastEngine(tr).Exchange(Color8PerSecond)
	if m != errmask.TimedOut {
		t.Errorf("mask = %v, want timed out", m)
	}
	if string(got) != "N5 short" {
		t.Errorf("partial reply = %q", got)
	}
}

func TestExchangeNotOpen(t *testing.T) {
	tr := transporttest.New()
	tr.Close()
	if _, m := fastEngine(tr).Exchange(DeviceInfo); m != errmask.NotOpen {
		t.Errorf("mask = %v, want not open", m)
	}
	if len(tr.Writes()) != 0 {
		t.Error("nothing should be written to a closed transport")
	}
}

func TestExchangeLostConnection(t *testing.T) {
	tr := transporttest.New()
	tr.Unplug()
	if _, m := fastEngine(tr).Exchange(DeviceInfo); m != errmask.LostConnection {
		t.Errorf("mask = %v, want lost connection", m)
	}
}

func TestFireAndForget(t *testing.T) {
	tr := transporttest.New().On("L1", []byte("ignored"))
	got, m := fastEngine(tr).Exchange(AimingLightsOn)
	if m != errmask.None || got != nil {
		t.Errorf("Exchange = %q, %v; want nil, none", got, m)
	}
}

func TestReadMoreAppends(t *testing.T) {
	tr := transporttest.New()
	tr.Feed([]byte("world"))
	got, m := fastEngine(tr).ReadMore([]byte("hello "), 11, 1)
	if m != errmask.None || string(got) != "hello world" {
		t.Errorf("ReadMore = %q, %v", got, m)
	}
}

func TestCommandTable(t *testing.T) {
	for r := 1; r <= 6; r++ {
		c, ok := RangeFixed(r)
		if !ok || c.Text != string([]byte{'J', byte('0' + r)}) || c.Expected != 1 {
			t.Errorf("RangeFixed(%d) = %+v, %v", r, c, ok)
		}
	}
	if _, ok := RangeFixed(7); ok {
		t.Error("RangeFixed(7) should not exist")
	}
	for _, c := range []Command{Color2PerSecond, Color4PerSecond, Color8PerSecond, Color16PerSecond} {
		if !IsColor(c.Text) || c.Expected != 15 {
			t.Errorf("%s should be a 15-byte color command", c.Text)
		}
	}
	if IsColor(Counts.Text) || !IsFlicker(Flicker384.Text) || !Flicker256.Streaming() {
		t.Error("command classification is wrong")
	}
	if label("MAT1(") != "data" || label("N5") != "N5" {
		t.Error("metric labels are wrong")
	}
}
