package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

// render writes v to the app's writer in the --format encoding.
func render(c *cli.Context, v any) error {
	w := c.App.Writer
	switch format := strings.ToLower(c.String("format")); format {
	case "", "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return cli.Exit(fmt.Sprintf("invalid format: %q (must be json or yaml)", format), 2)
	}
}
