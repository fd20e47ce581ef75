package main

import (
	"context"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/shaunagostinho/kclmtr/internal/kclmtr"
	"github.com/shaunagostinho/kclmtr/internal/logging"
	"github.com/shaunagostinho/kclmtr/internal/metrics"
	"github.com/shaunagostinho/kclmtr/internal/server"
	"github.com/shaunagostinho/kclmtr/internal/sim"
	"github.com/shaunagostinho/kclmtr/internal/transport"
)

const (
	defaultConfigPath = "/etc/kclmtr/config.yaml"
	// one-shot commands stay quiet unless asked
	defaultCLILevel   = "warn"
)

// env is what every command starts from.
type env struct {
	cfg *server.Config
	log *zap.Logger
}

func setup(c *cli.Context) (*env, error) {
	level := c.String("log-level")
	if level == "" {
		level = defaultCLILevel
	}
	log, err := logging.New(level, logging.FormatConsole)
	if err != nil {
		return nil, cli.Exit(err.Error(), 2)
	}

	cfg := server.LoadConfig(c.String("config"), logging.Component(log, "config"))
	if c.Bool("sim") {
		cfg.Device.Type = "sim"
	} else if port := c.String("port"); port != "" {
		cfg.Device.Type = "serial"
		cfg.Device.PortPath = port
	}
	return &env{cfg: cfg, log: log}, nil
}

func (e *env) transport() transport.Transport {
	dc, _, _ := e.cfg.Snapshot()
	if dc.Type == "sim" {
		return sim.New(sim.DefaultOptions(), logging.Component(e.log, "sim"))
	}
	return transport.NewSerial(transport.SerialConfig{
		PortPath: dc.PortPath,
		BaudRate: dc.BaudRate,
	}, logging.Component(e.log, "transport"))
}

func (e *env) device(m *metrics.Collector) *kclmtr.Device {
	return kclmtr.New(e.transport(), e.cfg.DeviceOptions(), logging.Component(e.log, "kclmtr"), m)
}

// connect opens a session for a one-shot command.
func (e *env) connect() (*kclmtr.Device, error) {
	dev := e.device(nil)
	if err := dev.Connect(); err != nil {
		return nil, cli.Exit(err.Error(), 1)
	}
	return dev, nil
}

// connectable is satisfied by kclmtr.Device.
type connectable interface {
	Connect() error
	Close() error
}

// retryDelay is the first wait of connectWithRetry.
var retryDelay = 1 * time.Second

// connectWithRetry attempts to connect with exponential backoff.
// Starts at retryDelay, doubles each attempt up to 60s, logs the attempt
// count up to maxAttempts then keeps trying at the max interval until ctx
// is done.
func connectWithRetry(ctx context.Context, name string, c connectable, maxAttempts int, log *zap.SugaredLogger) error {
	delay := retryDelay
	maxDelay := 60 * time.Second
	attempt := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := c.Connect()
		if err == nil {
			log.Infof("[%s] connected successfully (attempt %d)", name, attempt+1)
			return nil
		}

		attempt++
		if attempt <= maxAttempts {
			log.Warnf("[%s] connect attempt %d/%d failed: %v (retry in %v)",
				name, attempt, maxAttempts, err, delay)
		} else {
			log.Warnf("[%s] connect attempt %d failed: %v (retry in %v)",
				name, attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}
