package server

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shaunagostinho/kclmtr/internal/kclmtr"
	"github.com/shaunagostinho/kclmtr/internal/metrics"
	"github.com/shaunagostinho/kclmtr/internal/sim"
)

type testEnv struct {
	srv *Server
	dev *kclmtr.Device
	cfg *Config
	ts  *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.path = filepath.Join(dir, "config.yaml")
	cfg.Device.PollHz = 100
	cfg.Recording.Path = filepath.Join(dir, "rec")

	m := metrics.New()
	opts := cfg.DeviceOptions()
	opts.StopTimeout = 2 * time.Second
	dev := kclmtr.New(sim.New(sim.DefaultOptions(), nil), opts, nil, m)
	dev.Engine().PollInterval = time.Millisecond
	dev.Engine().PollsPerTick = 3
	if err := dev.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { dev.Close() })

	srv := New(cfg, dev, nil, m, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, dev: dev, cfg: cfg, ts: ts}
}

func (e *testEnv) post(t *testing.T, path, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(e.ts.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) get(t *testing.T, path string, v any) {
	t.Helper()
	resp, err := http.Get(e.ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("GET %s: decode: %v", path, err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestConfigAPI(t *testing.T) {
	e := newTestEnv(t)

	var got map[string]map[string]any
	e.get(t, "/api/config", &got)
	if got["device"]["type"] != "sim" {
		t.Errorf("device.type = %v", got["device"]["type"])
	}

	resp := e.post(t, "/api/config", `{"device":{"pollHz":20,"maxAverage":4},"recording":{"enabled":true}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	dc, rc, _ := e.cfg.Snapshot()
	if dc.PollHz != 20 || dc.Type != "sim" || dc.SpeedMode != "normal" {
		t.Errorf("merged device = %+v", dc)
	}
	if !rc.Enabled || rc.Format != "csv" {
		t.Errorf("merged recording = %+v", rc)
	}
	if e.dev.MaxAverage() != 4 {
		t.Errorf("MaxAverage = %d, want 4", e.dev.MaxAverage())
	}
	if !e.srv.rec.IsEnabled() {
		t.Error("recorder not enabled")
	}

	data, err := os.ReadFile(e.cfg.Path())
	if err != nil {
		t.Fatalf("saved config: %v", err)
	}
	if !strings.Contains(string(data), "poll_hz: 20") {
		t.Errorf("saved config:\n%s", data)
	}
}

func TestConfigRejectsBadJSON(t *testing.T) {
	e := newTestEnv(t)
	if resp := e.post(t, "/api/config", `{"device":`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
	req, _ := http.NewRequest(http.MethodDelete, e.ts.URL+"/api/config", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("DELETE status = %d", resp.StatusCode)
	}
}

func TestModeAPI(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		body   string
		status int
		want   kclmtr.Mode
	}{
		{`{"mode":"color"}`, http.StatusOK, kclmtr.ModeColor},
		{`{"mode":"counts"}`, http.StatusOK, kclmtr.ModeCounts},
		{`{"mode":"idle"}`, http.StatusOK, kclmtr.ModeNone},
		{`{"mode":"spectral"}`, http.StatusBadRequest, kclmtr.ModeNone},
	}
	for _, tt := range tests {
		resp := e.post(t, "/api/mode", tt.body)
		if resp.StatusCode != tt.status {
			t.Errorf("POST %s: status = %d, want %d", tt.body, resp.StatusCode, tt.status)
			continue
		}
		if got := e.dev.ActiveMode(); got != tt.want {
			t.Errorf("POST %s: mode = %v, want %v", tt.body, got, tt.want)
		}
	}

	e.post(t, "/api/mode", `{"mode":"color"}`)
	var mode ModeRequest
	e.get(t, "/api/mode", &mode)
	if mode.Mode != "color" {
		t.Errorf("GET mode = %q", mode.Mode)
	}
}

func TestDeviceAPI(t *testing.T) {
	e := newTestEnv(t)

	var info DeviceInfo
	e.get(t, "/api/device", &info)
	if !info.Open || info.Model != "K-10" || info.SerialNumber != "20190042" {
		t.Errorf("info = %+v", info)
	}
	if len(info.CalFiles) != 97 || info.CalFiles[1].Name != "Demo Panel" {
		t.Errorf("cal files = %d entries", len(info.CalFiles))
	}

	resp := e.post(t, "/api/device", `{"calFile":1,"aimingLights":true}`)
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("status = %d: %s", resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info.CalFileID != 1 || info.CalFileName != "Demo Panel" {
		t.Errorf("cal file = %d %q", info.CalFileID, info.CalFileName)
	}
}

func TestFlickerSettingsAPI(t *testing.T) {
	e := newTestEnv(t)

	resp := e.post(t, "/api/flicker/settings", `{"samples":512,"decibelMode":1}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	fs := e.dev.FlickerSettings()
	if fs.Samples != 512 || fs.Peaks != 3 {
		t.Errorf("settings = %+v", fs)
	}
	if e.cfg.FlickerSettings().Samples != 512 || e.cfg.Flicker.DecibelMode != "jeita" {
		t.Errorf("config flicker = %+v", e.cfg.Flicker)
	}

	if resp := e.post(t, "/api/flicker/settings", `{"samples":300}`); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad samples status = %d", resp.StatusCode)
	}
	if e.dev.FlickerSettings().Samples != 512 {
		t.Error("rejected settings replaced the current ones")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	e := newTestEnv(t)
	resp, err := http.Get(e.ts.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `kclmtr_exchanges_total{command="P0"}`) {
		t.Errorf("metrics missing the identity exchange:\n%s", body)
	}
}

func TestWebsocketBroadcast(t *testing.T) {
	e := newTestEnv(t)
	if err := e.srv.setMode(kclmtr.ModeColor); err != nil {
		t.Fatalf("setMode: %v", err)
	}

	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello Frame
	if err := conn.ReadJSON(&hello); err != nil {
		t.Fatalf("hello: %v", err)
	}
	if hello.Device == nil || hello.Device.Model != "K-10" {
		t.Errorf("hello = %+v", hello)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.srv.pollLoop(ctx)

	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read: %v", err)
		}
		if f.Measurement == nil {
			continue
		}
		if f.Mode != "color" || f.Measurement.XYZ[1] <= 0 {
			t.Errorf("frame = %+v", f)
		}
		break
	}
}

func TestCollectIdle(t *testing.T) {
	e := newTestEnv(t)
	if _, ok := e.srv.collect(time.Now()); ok {
		t.Error("idle session produced a frame")
	}
}

func TestCollectRecords(t *testing.T) {
	e := newTestEnv(t)
	e.srv.rec.SetEnabled(true)
	if err := e.srv.setMode(kclmtr.ModeCounts); err != nil {
		t.Fatalf("setMode: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.srv.pollLoop(ctx)
		close(done)
	}()
	waitFor(t, "recording file", func() bool { return e.srv.rec.Path() != "" })
	cancel()
	<-done

	if e.dev.ActiveMode() != kclmtr.ModeNone {
		t.Error("poll loop left the worker running")
	}
	files, _ := filepath.Glob(filepath.Join(e.cfg.Recording.Path, "kclmtr_*.csv"))
	if len(files) != 1 {
		t.Fatalf("files = %v", files)
	}
	data, _ := os.ReadFile(files[0])
	if !strings.Contains(string(data), ",counts,") {
		t.Errorf("recording:\n%s", data)
	}
}

func TestRunShutsDown(t *testing.T) {
	e := newTestEnv(t)
	e.cfg.Server.ListenAddr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- e.srv.Run(ctx) }()

	waitFor(t, "start mode", func() bool { return e.dev.IsMeasuring() })
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
