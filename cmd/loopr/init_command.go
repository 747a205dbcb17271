package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/loykin/loopr/pkg/template"
)

// Init writes a starter configuration file.
func (c *command) Init(f InitFlags) error {
	out := f.Output
	if out == "" {
		out = "loopr.toml"
	}
	if _, err := os.Stat(out); err == nil && !f.Force {
		return fmt.Errorf("config file '%s' already exists (use --force to overwrite)", out)
	}
	g := template.NewGenerator()
	if f.Home != "" {
		g.Home = filepath.ToSlash(f.Home)
	}
	data, err := g.GenerateTOML(template.TemplateType(f.Type), f.Agent)
	if err != nil {
		return fmt.Errorf("failed to generate config: %w", err)
	}
	if dir := filepath.Dir(out); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	_, _ = fmt.Fprintf(c.out, "Config '%s' created: %s\n", f.Type, out)
	_, _ = fmt.Fprintf(c.out, "Edit [agent].command, then: loopr --config %s start <name> --task ... --every hourly\n", out)
	return nil
}
