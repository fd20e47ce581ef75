// Package server exposes a colorimeter session over HTTP: live readings on
// a websocket, configuration and control endpoints, and prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shaunagostinho/kclmtr/internal/errmask"
	"github.com/shaunagostinho/kclmtr/internal/flicker"
	"github.com/shaunagostinho/kclmtr/internal/kclmtr"
	"github.com/shaunagostinho/kclmtr/internal/logger"
	"github.com/shaunagostinho/kclmtr/internal/metrics"
)

// Server polls the session for fresh results and broadcasts them to
// WebSocket clients.
type Server struct {
	cfg *Config
	rec *logger.Logger
	m   *metrics.Collector
	log *zap.SugaredLogger

	// devMu makes the server the session's single controlling goroutine.
	devMu    sync.Mutex
	dev      *kclmtr.Device
	lastMode kclmtr.Mode

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Mode        string              `json:"mode"`
	Device      *DeviceInfo         `json:"device,omitempty"`
	Measurement *kclmtr.Measurement `json:"measurement,omitempty"`
	Counts      *kclmtr.Counts      `json:"counts,omitempty"`
	Flicker     *flicker.Result     `json:"flicker,omitempty"`
	Error       string              `json:"error,omitempty"`
	Stamp       int64               `json:"stamp"` // Unix ms
}

// DeviceInfo describes the session.
type DeviceInfo struct {
	Open         bool             `json:"open"`
	Model        string           `json:"model"`
	SerialNumber string           `json:"serialNumber"`
	Firmware     string           `json:"firmware,omitempty"`
	Mode         string           `json:"mode"`
	CalFileID    int              `json:"calFileId"`
	CalFileName  string           `json:"calFileName"`
	Range        int              `json:"range"`
	SpeedMode    string           `json:"speedMode"`
	MaxAverage   int              `json:"maxAverage"`
	ZeroNoise    bool             `json:"zeroNoise"`
	HasRangeCal  bool             `json:"hasRangeCal"`
	CalFiles     []kclmtr.CalFile `json:"calFiles,omitempty"`
}

// DeviceRequest is the body of POST /api/device. Only set fields apply.
type DeviceRequest struct {
	CalFile      *int  `json:"calFile,omitempty"`
	Range        *int  `json:"range,omitempty"`
	AimingLights *bool `json:"aimingLights,omitempty"`
}

// ModeRequest is the body of POST /api/mode.
type ModeRequest struct {
	Mode string `json:"mode"`
}

// New creates a Server. rec, m and log may be nil.
func New(cfg *Config, dev *kclmtr.Device, rec *logger.Logger, m *metrics.Collector, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if rec == nil {
		_, recCfg, _ := cfg.Snapshot()
		rec = logger.New(recCfg, log.Named("recorder"))
	}
	return &Server{
		cfg:     cfg,
		dev:     dev,
		rec:     rec,
		m:       m,
		log:     log,
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/device", s.handleDevice)
	mux.HandleFunc("/api/mode", s.handleMode)
	mux.HandleFunc("/api/flicker/settings", s.handleFlickerSettings)
	mux.Handle("/metrics", s.m.Handler())
	return mux
}

// Run starts the configured acquisition, the poll loop and the HTTP server.
// It returns when ctx is cancelled and the server has shut down.
func (s *Server) Run(ctx context.Context) error {
	devCfg, _, srvCfg := s.cfg.Snapshot()
	if mode, err := kclmtr.ParseMode(devCfg.StartMode); err != nil {
		s.log.Warnf("start mode: %v", err)
	} else if err := s.setMode(mode); err != nil {
		s.log.Warnf("start %s: %v", mode, err)
	}

	polled := make(chan struct{})
	go func() {
		defer close(polled)
		s.pollLoop(ctx)
	}()

	srv := &http.Server{
		Addr:              srvCfg.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		timeout := time.Duration(srvCfg.ShutdownTimeout) * time.Second
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		shutCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			s.log.Warnf("shutdown: %v", err)
		}
		s.closeClients()
	}()

	s.log.Infof("listening on %s", srvCfg.ListenAddr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-done
		<-polled
		return nil
	}
	return err
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnf("upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Infof("client connected (%d total)", n)

	// initial frame carries the session description
	info := s.deviceInfo(false)
	hello := Frame{Mode: info.Mode, Device: &info, Stamp: time.Now().UnixMilli()}
	if data, err := json.Marshal(hello); err == nil {
		client.send <- data
	}

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer s.removeClient(client)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) removeClient(c *wsClient) {
	s.clientsMu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, c)
	close(c.send)
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Infof("client disconnected (%d total)", n)
}

func (s *Server) closeClients() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for c := range s.clients {
		delete(s.clients, c)
		close(c.send)
	}
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warnf("config save failed: %v", err)
		}
		s.applyConfig()
		writeJSON(w, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// applyConfig pushes the device, flicker and recording sections into the
// running session.
func (s *Server) applyConfig() {
	opts := s.cfg.DeviceOptions()
	_, recCfg, _ := s.cfg.Snapshot()

	s.devMu.Lock()
	s.dev.SetSpeedMode(opts.SpeedMode)
	s.dev.SetMaxAverage(opts.MaxAverage)
	s.dev.SetZeroNoise(opts.ZeroNoise)
	s.dev.SetDeviceFlickerSpeed(opts.DeviceFlickerSpeed)
	if m := s.dev.SetFlickerSettings(opts.Flicker); m != errmask.None {
		s.log.Warnf("flicker settings: %v", m)
	}
	s.devMu.Unlock()

	s.rec.SetEnabled(recCfg.Enabled)
}

func (s *Server) deviceInfo(withFiles bool) DeviceInfo {
	s.devMu.Lock()
	defer s.devMu.Unlock()
	d := s.dev
	info := DeviceInfo{
		Open:         d.IsOpen(),
		Model:        d.Model(),
		SerialNumber: d.SerialNumber(),
		Firmware:     d.Firmware(),
		Mode:         d.ActiveMode().String(),
		CalFileID:    d.CalFileID(),
		CalFileName:  d.CalFileName(),
		Range:        d.Range(),
		SpeedMode:    d.SpeedMode().String(),
		MaxAverage:   d.MaxAverage(),
		ZeroNoise:    d.ZeroNoise(),
		HasRangeCal:  d.HasRangeCal(),
	}
	if withFiles {
		info.CalFiles = d.CalFileList()
	}
	return info
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, s.deviceInfo(true))

	case http.MethodPost:
		var req DeviceRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		var m errmask.Mask
		s.devMu.Lock()
		if req.CalFile != nil {
			m |= s.dev.SetCalFile(*req.CalFile)
		}
		if req.Range != nil {
			m |= s.dev.SetRange(*req.Range)
		}
		if req.AimingLights != nil {
			m |= s.dev.SetAimingLights(*req.AimingLights)
		}
		s.devMu.Unlock()
		if m != errmask.None {
			http.Error(w, m.String(), http.StatusBadGateway)
			return
		}
		writeJSON(w, s.deviceInfo(true))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.devMu.Lock()
		mode := s.dev.ActiveMode()
		s.devMu.Unlock()
		writeJSON(w, ModeRequest{Mode: mode.String()})

	case http.MethodPost:
		var req ModeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		mode, err := kclmtr.ParseMode(req.Mode)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.setMode(mode); err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, ModeRequest{Mode: mode.String()})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) setMode(mode kclmtr.Mode) error {
	s.devMu.Lock()
	defer s.devMu.Unlock()
	switch mode {
	case kclmtr.ModeColor:
		return s.dev.StartMeasuring()
	case kclmtr.ModeCounts:
		return s.dev.StartCounts()
	case kclmtr.ModeFlicker:
		return s.dev.StartFlicker()
	}
	return s.dev.Stop()
}

func (s *Server) handleFlickerSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.devMu.Lock()
		fs := s.dev.FlickerSettings()
		s.devMu.Unlock()
		writeJSON(w, fs)

	case http.MethodPost:
		s.devMu.Lock()
		fs := s.dev.FlickerSettings()
		s.devMu.Unlock()
		// decode over the current settings so omitted fields are kept
		if err := json.NewDecoder(r.Body).Decode(&fs); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		s.devMu.Lock()
		m := s.dev.SetFlickerSettings(fs)
		fs = s.dev.FlickerSettings()
		s.devMu.Unlock()
		if m.Has(errmask.FFTBadSamples) {
			http.Error(w, m.String(), http.StatusBadRequest)
			return
		}
		s.cfg.SetFlickerSettings(fs)
		if err := s.cfg.Save(); err != nil {
			s.log.Warnf("config save failed: %v", err)
		}
		writeJSON(w, fs)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// pollLoop collects fresh results at the configured rate, broadcasts them
// and hands them to the recorder.
func (s *Server) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.devMu.Lock()
			if err := s.dev.Stop(); err != nil {
				s.log.Warnf("stop acquisition: %v", err)
			}
			s.devMu.Unlock()
			s.rec.Close()
			return
		case now := <-ticker.C:
			frame, ok := s.collect(now)
			if !ok {
				continue
			}
			s.broadcast(frame)
			s.rec.Record(logger.Entry{
				Time:        now,
				Mode:        frame.Mode,
				Measurement: frame.Measurement,
				Counts:      frame.Counts,
				Flicker:     frame.Flicker,
			})
		}
	}
}

// collect returns a frame holding the running mode's result when a new one
// was published since the last tick.
func (s *Server) collect(now time.Time) (Frame, bool) {
	s.devMu.Lock()
	defer s.devMu.Unlock()

	// a worker that stopped on an error still has its last result pending
	mode := s.dev.ActiveMode()
	if mode == kclmtr.ModeNone {
		mode = s.lastMode
	}
	s.lastMode = mode

	frame := Frame{Mode: mode.String(), Stamp: now.UnixMilli()}
	var mask errmask.Mask
	switch mode {
	case kclmtr.ModeColor:
		m, fresh := s.dev.Measurement()
		if !fresh {
			return frame, false
		}
		frame.Measurement = &m
		mask = m.Err
	case kclmtr.ModeCounts:
		c, fresh := s.dev.Counts()
		if !fresh {
			return frame, false
		}
		frame.Counts = &c
		mask = c.Err
	case kclmtr.ModeFlicker:
		f, fresh := s.dev.Flicker()
		if !fresh || f == nil {
			return frame, false
		}
		frame.Flicker = f
		mask = f.Err
	default:
		return frame, false
	}
	if mask.ShouldStop(errmask.DefaultIgnore) {
		frame.Error = mask.Describe(errmask.DefaultIgnore)
	}
	return frame, true
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		s.log.Warnf("encode frame: %v", err)
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// client too slow, skip
		}
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
