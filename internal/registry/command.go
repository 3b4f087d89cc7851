package registry

import (
	"fmt"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Argv is a launch command. In YAML it may be written either as a list or as
// a single whitespace-separated string.
type Argv []string

func (a *Argv) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var s string
		if err := value.Decode(&s); err != nil {
			return err
		}
		*a = strings.Fields(s)
		return nil
	case yaml.SequenceNode:
		var parts []string
		if err := value.Decode(&parts); err != nil {
			return err
		}
		*a = parts
		return nil
	default:
		return fmt.Errorf("command must be a string or a list of strings")
	}
}

// DefaultCommand runs a streamlit app on its assigned port, headless and with
// usage statistics disabled.
var DefaultCommand = Argv{
	"python3", "-m", "streamlit", "run", "{{.Entry}}",
	"--server.port", "{{.Port}}",
	"--server.headless", "true",
	"--browser.gatherUsageStats", "false",
}

// LaunchParams are the values available to a command template.
type LaunchParams struct {
	ID      string
	Port    int
	Entry   string
	BaseDir string
}

// Params returns the launch parameters for d under baseDir.
func (d Definition) Params(baseDir string) LaunchParams {
	return LaunchParams{
		ID:      d.ID,
		Port:    d.Port,
		Entry:   d.Entry,
		BaseDir: baseDir,
	}
}

// Render expands every argv element of the command template.
func (d Definition) Render(p LaunchParams) ([]string, error) {
	out := make([]string, 0, len(d.Command))
	for i, arg := range d.Command {
		if !strings.Contains(arg, "{{") {
			out = append(out, arg)
			continue
		}
		tmpl, err := template.New(fmt.Sprintf("%s[%d]", d.ID, i)).Option("missingkey=error").Parse(arg)
		if err != nil {
			return nil, fmt.Errorf("parsing command argument %q: %w", arg, err)
		}
		var b strings.Builder
		if err := tmpl.Execute(&b, p); err != nil {
			return nil, fmt.Errorf("rendering command argument %q: %w", arg, err)
		}
		out = append(out, b.String())
	}
	return out, nil
}

// Default returns the built-in six-service table on ports 8501-8506.
func Default() *Registry {
	defs := []Definition{
		{ID: "data", Label: "Data loading", Description: "Load production logs, quality standards and batch information", Port: 8501},
		{ID: "vis_b", Label: "Production log visualization", Description: "Visualize production log data", Port: 8502},
		{ID: "param", Label: "Process parameter estimation", Description: "Estimate production parameters", Port: 8503},
		{ID: "setting", Label: "Equipment generalization settings", Description: "Configure equipment generalization", Port: 8504},
		{ID: "sim", Label: "Equipment generalization simulation", Description: "Run equipment generalization simulation", Port: 8505},
		{ID: "vis_a", Label: "Simulation result visualization", Description: "Visualize simulation results", Port: 8506},
	}
	for i := range defs {
		defs[i].Entry = defs[i].ID + "/app.py"
		defs[i].Command = DefaultCommand
	}

	r, err := New(defs)
	if err != nil {
		panic(err)
	}
	return r
}
