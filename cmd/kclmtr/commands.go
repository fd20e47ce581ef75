package main

import (
	"github.com/urfave/cli/v2"

	"github.com/shaunagostinho/kclmtr/internal/codec"
	"github.com/shaunagostinho/kclmtr/internal/errmask"
	"github.com/shaunagostinho/kclmtr/internal/flicker"
	"github.com/shaunagostinho/kclmtr/internal/kclmtr"
	"github.com/shaunagostinho/kclmtr/internal/logger"
	"github.com/shaunagostinho/kclmtr/internal/logging"
	"github.com/shaunagostinho/kclmtr/internal/metrics"
	"github.com/shaunagostinho/kclmtr/internal/server"
)

type identityOutput struct {
	Model    string `json:"model" yaml:"model"`
	Serial   string `json:"serial" yaml:"serial"`
	Firmware string `json:"firmware,omitempty" yaml:"firmware,omitempty"`
}

type measurementOutput struct {
	X          float64 `json:"X" yaml:"X"`
	Y          float64 `json:"Y" yaml:"Y"`
	Z          float64 `json:"Z" yaml:"Z"`
	ChromaX    float64 `json:"x" yaml:"x"`
	ChromaY    float64 `json:"y" yaml:"y"`
	AveragedBy int     `json:"averagedBy" yaml:"averaged_by"`
	Ranges     [3]int  `json:"ranges" yaml:"ranges"`
	CalFile    string  `json:"calFile" yaml:"cal_file"`
	Error      string  `json:"error,omitempty" yaml:"error,omitempty"`
}

type countsOutput struct {
	Top    [3]int `json:"top" yaml:"top"`
	Bottom [3]int `json:"bottom" yaml:"bottom"`
	Therm  int    `json:"therm" yaml:"therm"`
	TH1    int    `json:"th1" yaml:"th1"`
	TH2    int    `json:"th2" yaml:"th2"`
	Ranges [3]int `json:"ranges" yaml:"ranges"`
	Error  string `json:"error,omitempty" yaml:"error,omitempty"`
}

type flickerOutput struct {
	Y            float64         `json:"Y" yaml:"Y"`
	Range        int             `json:"range" yaml:"range"`
	FlickerIndex float64         `json:"flickerIndex" yaml:"flicker_index"`
	PercentPeaks []flicker.Point `json:"percentPeaks" yaml:"percent_peaks"`
	DBPeaks      []flicker.Point `json:"dbPeaks" yaml:"db_peaks"`
	Percent      []flicker.Point `json:"percent,omitempty" yaml:"percent,omitempty"`
	DB           []flicker.Point `json:"db,omitempty" yaml:"db,omitempty"`
	Error        string          `json:"error,omitempty" yaml:"error,omitempty"`
}

type blackOutput struct {
	Range [6][3]float64 `json:"range" yaml:"range"`
	Therm float64       `json:"therm" yaml:"therm"`
	Error string        `json:"error,omitempty" yaml:"error,omitempty"`
}

type calFileOutput struct {
	ID   int    `json:"id" yaml:"id"`
	Name string `json:"name" yaml:"name"`
}

func describe(m errmask.Mask) string {
	if !m.ShouldStop(errmask.DefaultIgnore) {
		return ""
	}
	return m.Describe(errmask.DefaultIgnore)
}

func ranges(r [3]codec.Range) [3]int {
	return [3]int{int(r[0]), int(r[1]), int(r[2])}
}

func blackView(b kclmtr.BlackMatrix) blackOutput {
	return blackOutput{Range: b.Range, Therm: b.Therm, Error: describe(b.Err)}
}

// failOn renders v and turns a fatal device condition into exit code 1.
func failOn(c *cli.Context, v any, m errmask.Mask) error {
	if err := render(c, v); err != nil {
		return err
	}
	if m.ShouldStop(errmask.DefaultIgnore) {
		return cli.Exit("", 1)
	}
	return nil
}

func probeCommand() *cli.Command {
	return &cli.Command{
		Name:  "probe",
		Usage: "Identify the instrument on the port",
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			model, serial, err := kclmtr.Probe(e.transport(), logging.Component(e.log, "kclmtr"))
			if err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return render(c, identityOutput{Model: model, Serial: serial})
		},
	}
}

func measureCommand() *cli.Command {
	return &cli.Command{
		Name:  "measure",
		Usage: "Take calibrated color readings",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "n",
				Aliases: []string{"average"},
				Usage:   "Samples averaged per reading (0 = auto)",
			},
			&cli.IntFlag{
				Name:  "count",
				Usage: "Number of readings",
				Value: 1,
			},
			&cli.IntFlag{
				Name:  "cal-file",
				Usage: "Calibration file slot to apply (0 = factory)",
				Value: -1,
			},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			dev, err := e.connect()
			if err != nil {
				return err
			}
			defer dev.Close()

			if id := c.Int("cal-file"); id >= 0 {
				if m := dev.SetCalFile(id); m != errmask.None {
					return cli.Exit(m.Describe(errmask.None), 1)
				}
			}

			var out []measurementOutput
			var mask errmask.Mask
			for i := 0; i < c.Int("count"); i++ {
				if err := c.Context.Err(); err != nil {
					break
				}
				m := dev.NextMeasurement(c.Int("n"))
				mask |= m.Err
				out = append(out, measurementOutput{
					X:          m.XYZ[0],
					Y:          m.XYZ[1],
					Z:          m.XYZ[2],
					ChromaX:    m.ChromaX,
					ChromaY:    m.ChromaY,
					AveragedBy: m.AveragedBy,
					Ranges:     ranges(m.Ranges),
					CalFile:    dev.CalFileName(),
					Error:      describe(m.Err),
				})
				if m.Err.ShouldStop(errmask.DefaultIgnore) {
					break
				}
			}
			return failOn(c, out, mask)
		},
	}
}

func countsCommand() *cli.Command {
	return &cli.Command{
		Name:  "counts",
		Usage: "Read the raw sensor counts",
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			dev, err := e.connect()
			if err != nil {
				return err
			}
			defer dev.Close()

			cn := dev.NextCounts()
			return failOn(c, countsOutput{
				Top:    cn.Top,
				Bottom: cn.Bottom,
				Therm:  cn.Therm,
				TH1:    cn.TH1,
				TH2:    cn.TH2,
				Ranges: ranges(cn.Ranges),
				Error:  describe(cn.Err),
			}, cn.Err)
		},
	}
}

func flickerCommand() *cli.Command {
	return &cli.Command{
		Name:  "flicker",
		Usage: "Measure temporal flicker",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "samples",
				Usage: "FFT size, a power of two from 64 to 2048 (0 = config)",
			},
			&cli.BoolFlag{
				Name:  "spectrum",
				Usage: "Include the percent and dB spectra",
			},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			dev, err := e.connect()
			if err != nil {
				return err
			}
			defer dev.Close()

			if n := c.Int("samples"); n != 0 {
				fs := dev.FlickerSettings()
				fs.Samples = n
				if m := dev.SetFlickerSettings(fs); m != errmask.None {
					return cli.Exit(m.Describe(errmask.None), 2)
				}
			}

			res := dev.NextFlicker()
			out := flickerOutput{
				Y:            res.BigY,
				Range:        int(res.Range),
				FlickerIndex: res.FlickerIndex,
				PercentPeaks: res.PercentPeaks,
				DBPeaks:      res.DBPeaks,
				Error:        describe(res.Err),
			}
			if c.Bool("spectrum") {
				out.Percent = res.Percent
				out.DB = res.DB
			}
			return failOn(c, out, res.Err&^errmask.FlickerTolerated)
		},
	}
}

func blackCommand() *cli.Command {
	return &cli.Command{
		Name:  "black",
		Usage: "Show the black level matrices",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "capture",
				Usage: "Capture a new black level and store it in flash (cover the lens first)",
			},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			dev, err := e.connect()
			if err != nil {
				return err
			}
			defer dev.Close()

			if c.Bool("capture") {
				b := dev.CaptureBlackLevel()
				return failOn(c, map[string]blackOutput{"captured": blackView(b)}, b.Err)
			}

			flash := dev.FlashBlackMatrix()
			ram := dev.RAMBlackMatrix()
			coef := dev.CoefficientMatrix()
			return failOn(c, map[string]blackOutput{
				"flash":        blackView(flash),
				"ram":          blackView(ram),
				"coefficients": blackView(coef),
			}, flash.Err|ram.Err|coef.Err)
		},
	}
}

func calfilesCommand() *cli.Command {
	return &cli.Command{
		Name:  "calfiles",
		Usage: "List the calibration files stored in the instrument",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "all",
				Usage: "Include blank slots",
			},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			dev, err := e.connect()
			if err != nil {
				return err
			}
			defer dev.Close()

			var out []calFileOutput
			for _, f := range dev.CalFileList() {
				if f.Name == kclmtr.BlankCalName && !c.Bool("all") {
					continue
				}
				out = append(out, calFileOutput{ID: f.ID, Name: f.Name})
			}
			return render(c, out)
		},
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the measurement service",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Usage: "Override listen address (e.g. :8080)",
			},
		},
		Action: func(c *cli.Context) error {
			e, err := setup(c)
			if err != nil {
				return err
			}
			if c.String("log-level") == "" {
				lc := e.cfg.Logging
				if e.log, err = logging.New(lc.Level, lc.Format); err != nil {
					return cli.Exit(err.Error(), 2)
				}
			}
			defer e.log.Sync()
			if addr := c.String("listen"); addr != "" {
				e.cfg.Server.ListenAddr = addr
			}

			log := logging.Component(e.log, "main")
			log.Infof("kclmtr starting")

			m := metrics.New()
			dev := e.device(m)
			if err := connectWithRetry(c.Context, "kclmtr", dev, 10, log); err != nil {
				return nil // interrupted
			}
			defer dev.Close()

			_, recCfg, _ := e.cfg.Snapshot()
			rec := logger.New(recCfg, logging.Component(e.log, "recorder"))
			srv := server.New(e.cfg, dev, rec, m, logging.Component(e.log, "server"))
			if err := srv.Run(c.Context); err != nil {
				return cli.Exit(err.Error(), 1)
			}
			return nil
		},
	}
}
