package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/benaskins/portvisor/internal/port"
)

type checkResult struct {
	ID      string   `json:"id"`
	Label   string   `json:"label"`
	Port    int      `json:"port"`
	Command []string `json:"command,omitempty"`
	PortUse bool     `json:"port_in_use"`
	Error   string   `json:"error,omitempty"`
}

var checkCmd = &cobra.Command{
	Use:   "check [registry]",
	Short: "Validate a service registry",
	Long:  "Parse and validate a registry file (or the configured or built-in one), render each launch command and report which ports are already taken.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runCheck,
}

func init() {
	checkCmd.Flags().Bool("json", false, "output JSON")
	checkCmd.Flags().Bool("preflight", false, "also run the dependency check command")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	jsonOut, _ := cmd.Flags().GetBool("json")
	withPreflight, _ := cmd.Flags().GetBool("preflight")

	if len(args) > 0 {
		cfg.Registry = args[0]
	}
	reg, err := loadRegistry()
	if err != nil {
		return err
	}
	baseDir, err := cfg.ResolveBaseDir()
	if err != nil {
		return err
	}

	var results []checkResult
	var failed int
	for _, def := range reg.Definitions() {
		r := checkResult{ID: def.ID, Label: def.Label, Port: def.Port, PortUse: port.InUse(def.Port)}
		argv, err := def.Render(def.Params(baseDir))
		if err != nil {
			r.Error = err.Error()
			failed++
		} else {
			r.Command = argv
		}
		results = append(results, r)
	}

	if jsonOut {
		if err := printJSON(results); err != nil {
			return err
		}
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SERVICE\tPORT\tSTATUS\tCOMMAND")
		for _, r := range results {
			status := "ok"
			switch {
			case r.Error != "":
				status = "FAIL: " + r.Error
			case r.PortUse:
				status = "port in use"
			}
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", r.ID, r.Port, status, strings.Join(r.Command, " "))
		}
		w.Flush()
		fmt.Printf("\n%d services from %s, base dir %s\n", reg.Len(), registrySource(), baseDir)
	}

	if withPreflight {
		if err := runPreflight(context.Background(), cfg.PreflightCommand(), baseDir); err != nil {
			return fmt.Errorf("dependency check failed: %w", err)
		}
		if !jsonOut {
			fmt.Println("dependency check passed")
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d service(s) failed validation", failed)
	}
	return nil
}
