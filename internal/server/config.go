package server

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/kclmtr/internal/flicker"
	"github.com/shaunagostinho/kclmtr/internal/kclmtr"
	"github.com/shaunagostinho/kclmtr/internal/logger"
	"github.com/shaunagostinho/kclmtr/internal/transport"
)

// Config holds all service configuration.
type Config struct {
	mu sync.RWMutex

	Device    DeviceConfig  `yaml:"device" json:"device"`
	Flicker   FlickerConfig `yaml:"flicker" json:"flicker"`
	Recording logger.Config `yaml:"recording" json:"recording"`
	Logging   LoggingConfig `yaml:"logging" json:"logging"`
	Server    ServerConfig  `yaml:"server" json:"server"`

	path string // file path for save/load
}

type DeviceConfig struct {
	Type        string `yaml:"type" json:"type"`          // "serial" or "sim"
	PortPath    string `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyUSB0
	BaudRate    int    `yaml:"baud_rate" json:"baudRate"`
	SpeedMode   string `yaml:"speed_mode" json:"speedMode"` // normal, fast, slow, slowest
	MaxAverage  int    `yaml:"max_average" json:"maxAverage"`
	CalFileID   int    `yaml:"cal_file" json:"calFile"`
	ZeroNoise   bool   `yaml:"zero_noise" json:"zeroNoise"`
	FastFlicker bool   `yaml:"fast_flicker" json:"fastFlicker"`
	PollHz      int    `yaml:"poll_hz" json:"pollHz"`       // broadcast rate
	StartMode   string `yaml:"start_mode" json:"startMode"` // idle, color, counts, flicker
}

type FlickerConfig struct {
	Samples              int    `yaml:"samples" json:"samples"`
	Peaks                int    `yaml:"peaks" json:"peaks"`
	Cosine               bool   `yaml:"cosine" json:"cosine"`
	Smoothing            bool   `yaml:"smoothing" json:"smoothing"`
	JEITADiscountDB      bool   `yaml:"jeita_discount_db" json:"jeitaDiscountDB"`
	JEITADiscountPercent bool   `yaml:"jeita_discount_percent" json:"jeitaDiscountPercent"`
	DecibelMode          string `yaml:"decibel_mode" json:"decibelMode"` // vesa or jeita
	PercentMode          string `yaml:"percent_mode" json:"percentMode"` // contrast or normalized
}

type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // json or console
}

type ServerConfig struct {
	ListenAddr      string `yaml:"listen_addr" json:"listenAddr"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_s" json:"shutdownTimeoutS"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	fs := flicker.DefaultSettings()
	return &Config{
		Device: DeviceConfig{
			Type:        "sim",
			PortPath:    "/dev/ttyUSB0",
			BaudRate:    transport.DefaultBaud,
			SpeedMode:   kclmtr.SpeedNormal.String(),
			MaxAverage:  32,
			FastFlicker: true,
			PollHz:      8,
			StartMode:   kclmtr.ModeColor.String(),
		},
		Flicker: FlickerConfig{
			Samples:              fs.Samples,
			Peaks:                fs.Peaks,
			Cosine:               fs.Cosine,
			Smoothing:            fs.Smoothing,
			JEITADiscountDB:      fs.JEITADiscountDB,
			JEITADiscountPercent: fs.JEITADiscountPercent,
			DecibelMode:          fs.Decibel.String(),
			PercentMode:          fs.Percent.String(),
		},
		Recording: logger.Config{
			Enabled:    false,
			Path:       "/var/log/kclmtr",
			Format:     logger.FormatCSV,
			IntervalMs: 125,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ShutdownTimeout: 5,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found. log may be
// nil.
func LoadConfig(path string, log *zap.SugaredLogger) *Config {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Infof("no config at %s, using defaults", path)
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warnf("error parsing %s: %v, using defaults", path, err)
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Infof("loaded from %s", path)
	}

	// .env next to the config first, then CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep, log)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string, log *zap.SugaredLogger) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Infof("loading .env from %s", path)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "1" || v == "true" || v == "yes"
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: KCLMTR_DEVICE_TYPE, KCLMTR_PORT, KCLMTR_BAUD, KCLMTR_SPEED,
// KCLMTR_MAX_AVG, KCLMTR_CAL_FILE, KCLMTR_FLICKER_SAMPLES, LISTEN_ADDR,
// LOG_LEVEL, REC_ENABLED, REC_PATH, REC_FORMAT, REC_INTERVAL_MS
func (c *Config) applyEnvOverrides() {
	envString("KCLMTR_DEVICE_TYPE", &c.Device.Type)
	envString("KCLMTR_PORT", &c.Device.PortPath)
	envInt("KCLMTR_BAUD", &c.Device.BaudRate)
	envString("KCLMTR_SPEED", &c.Device.SpeedMode)
	envInt("KCLMTR_MAX_AVG", &c.Device.MaxAverage)
	envInt("KCLMTR_CAL_FILE", &c.Device.CalFileID)
	envInt("KCLMTR_FLICKER_SAMPLES", &c.Flicker.Samples)
	envString("LISTEN_ADDR", &c.Server.ListenAddr)
	envString("LOG_LEVEL", &c.Logging.Level)
	envBool("REC_ENABLED", &c.Recording.Enabled)
	envString("REC_PATH", &c.Recording.Path)
	envString("REC_FORMAT", &c.Recording.Format)
	envInt("REC_INTERVAL_MS", &c.Recording.IntervalMs)
}

// Path returns the file the config is saved to.
func (c *Config) Path() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		c.path = "/etc/kclmtr/config.yaml"
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(c.path, data, 0o644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}

// DeviceOptions maps the device and flicker sections to session options.
func (c *Config) DeviceOptions() kclmtr.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()

	opts := kclmtr.DefaultOptions()
	if s, err := kclmtr.ParseSpeedMode(c.Device.SpeedMode); err == nil {
		opts.SpeedMode = s
	}
	if c.Device.MaxAverage > 0 {
		opts.MaxAverage = c.Device.MaxAverage
	}
	opts.CalFileID = c.Device.CalFileID
	opts.ZeroNoise = c.Device.ZeroNoise
	opts.DeviceFlickerSpeed = c.Device.FastFlicker
	opts.Flicker = c.flickerSettings()
	return opts
}

// FlickerSettings maps the flicker section to computation settings.
func (c *Config) FlickerSettings() flicker.Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.flickerSettings()
}

func (c *Config) flickerSettings() flicker.Settings {
	s := flicker.DefaultSettings()
	if flicker.ValidSamples(c.Flicker.Samples) {
		s.Samples = c.Flicker.Samples
	}
	if c.Flicker.Peaks > 0 {
		s.Peaks = c.Flicker.Peaks
	}
	s.Cosine = c.Flicker.Cosine
	s.Smoothing = c.Flicker.Smoothing
	s.JEITADiscountDB = c.Flicker.JEITADiscountDB
	s.JEITADiscountPercent = c.Flicker.JEITADiscountPercent
	if strings.EqualFold(c.Flicker.DecibelMode, flicker.DecibelJEITA.String()) {
		s.Decibel = flicker.DecibelJEITA
	}
	if strings.EqualFold(c.Flicker.PercentMode, flicker.PercentNormalized.String()) {
		s.Percent = flicker.PercentNormalized
	}
	return s
}

// SetFlickerSettings stores s in the flicker section.
func (c *Config) SetFlickerSettings(s flicker.Settings) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Flicker = FlickerConfig{
		Samples:              s.Samples,
		Peaks:                s.Peaks,
		Cosine:               s.Cosine,
		Smoothing:            s.Smoothing,
		JEITADiscountDB:      s.JEITADiscountDB,
		JEITADiscountPercent: s.JEITADiscountPercent,
		DecibelMode:          s.Decibel.String(),
		PercentMode:          s.Percent.String(),
	}
}

// Snapshot returns copies of the sections the service reads at runtime.
func (c *Config) Snapshot() (DeviceConfig, logger.Config, ServerConfig) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Device, c.Recording, c.Server
}

// PollInterval is the broadcast period derived from device.poll_hz.
func (c *Config) PollInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hz := c.Device.PollHz
	if hz <= 0 {
		hz = 8
	}
	return time.Second / time.Duration(hz)
}
