// Package main is the kclmtr command: one-shot readings from a Klein
// colorimeter and the measurement service.
//
// Usage:
//
//	kclmtr [--sim | --port /dev/ttyUSB0] <command> [options]
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
)

func main() {
	app := newApp(os.Stdout)
	app.ExitErrHandler = exitErrHandler

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.RunContext(ctx, os.Args); err != nil {
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:   "kclmtr",
		Usage:  "Klein K-10/K-8/K-1 colorimeter driver",
		Writer: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   defaultConfigPath,
				EnvVars: []string{"KCLMTR_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "port",
				Usage: "Serial port of the instrument (overrides the config)",
			},
			&cli.BoolFlag{
				Name:  "sim",
				Usage: "Use the simulated instrument",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Log level: debug, info, warn, error",
			},
			&cli.StringFlag{
				Name:    "format",
				Aliases: []string{"f"},
				Usage:   "Output format: json, yaml",
				Value:   "json",
			},
		},
		Commands: []*cli.Command{
			probeCommand(),
			measureCommand(),
			countsCommand(),
			flickerCommand(),
			blackCommand(),
			calfilesCommand(),
			serveCommand(),
		},
	}
}

// exitErrHandler keeps the exit code of cli.Exit errors.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
