package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/portvisor/internal/api"
	"github.com/benaskins/portvisor/internal/supervisor"
)

func apiClient(timeout time.Duration) *http.Client {
	socketPath := cfg.SocketPath()
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", socketPath)
			},
		},
	}
}

func decodeResponse(resp *http.Response, v any) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}
	if v == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func apiGet(path string, v any) error {
	resp, err := apiClient(30*time.Second).Get("http://portvisor" + path)
	if err != nil {
		return fmt.Errorf("connecting to daemon: %w (is portvisor daemon running?)", err)
	}
	return decodeResponse(resp, v)
}

// apiPost has no client timeout: stopping waits out each service's grace period.
func apiPost(path string, v any) error {
	resp, err := apiClient(0).Post("http://portvisor"+path, "application/json", nil)
	if err != nil {
		return fmt.Errorf("connecting to daemon: %w (is portvisor daemon running?)", err)
	}
	return decodeResponse(resp, v)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show service status",
	RunE: func(cmd *cobra.Command, args []string) error {
		jsonOut, _ := cmd.Flags().GetBool("json")

		var views []api.ServiceView
		if err := apiGet("/v1/services", &views); err != nil {
			return err
		}
		if jsonOut {
			return printJSON(views)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SERVICE\tSTATE\tPORT\tPID\tUPTIME\tMEM\tCPU\tLABEL")
		for _, v := range views {
			pid, uptime, mem, cpu := "-", "-", "-", "-"
			if v.PID > 0 {
				pid = strconv.Itoa(v.PID)
			}
			if v.Uptime != "" {
				uptime = v.Uptime
			}
			if v.Usage != nil {
				mem = fmt.Sprintf("%.0fMB", v.Usage.MemoryMB)
				cpu = fmt.Sprintf("%.1f%%", v.Usage.CPUPercent)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
				v.ID, v.State, v.Port, pid, uptime, mem, cpu, v.Label)
		}
		w.Flush()

		// Show details for failed services
		for _, v := range views {
			if v.State == supervisor.StateError && v.LastError != "" {
				fmt.Printf("\n%s: %s\n", v.ID, v.LastError)
			}
		}
		return nil
	},
}

var startCmd = &cobra.Command{
	Use:   "start [service...]",
	Short: "Start services (all of them when none are named)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			if err := apiPost("/v1/start-all", nil); err != nil {
				return err
			}
			fmt.Println("starting all services")
			return nil
		}
		return forEach(args, func(id string) (string, error) {
			var result map[string]string
			err := apiPost("/v1/services/"+id+"/start", &result)
			return result["status"], err
		})
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop [service...]",
	Short: "Stop services (all of them when none are named)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			var result api.StopAllResult
			if err := apiPost("/v1/stop-all", &result); err != nil {
				return err
			}
			if len(result.Stopped) == 0 {
				fmt.Println("no services were running")
				return nil
			}
			fmt.Printf("stopped %d services: %s\n", len(result.Stopped), strings.Join(result.Stopped, ", "))
			return nil
		}
		return forEach(args, func(id string) (string, error) {
			var result map[string]string
			err := apiPost("/v1/services/"+id+"/stop", &result)
			return result["status"], err
		})
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh [service...]",
	Short: "Reconcile services whose process has exited",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return apiPost("/v1/refresh", nil)
		}
		return forEach(args, func(id string) (string, error) {
			var v api.ServiceView
			err := apiPost("/v1/services/"+id+"/refresh", &v)
			return string(v.State), err
		})
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs <service>",
	Short: "Show recent output of a service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("lines")
		var resp struct {
			Lines []string `json:"lines"`
		}
		if err := apiGet(fmt.Sprintf("/v1/services/%s/logs?n=%d", args[0], n), &resp); err != nil {
			return err
		}
		for _, line := range resp.Lines {
			fmt.Println(line)
		}
		return nil
	},
}

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent supervisor events",
	RunE: func(cmd *cobra.Command, args []string) error {
		n, _ := cmd.Flags().GetInt("lines")
		var evs []supervisor.Event
		if err := apiGet(fmt.Sprintf("/v1/events?n=%d", n), &evs); err != nil {
			return err
		}
		for _, ev := range evs {
			fmt.Printf("%s %-5s %s\n", ev.Time.Format("15:04:05"), ev.Level, ev.Message)
		}
		return nil
	},
}

// forEach runs fn for every id, printing results and continuing past failures.
func forEach(ids []string, fn func(id string) (string, error)) error {
	var failed int
	for _, id := range ids {
		status, err := fn(id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", id, err)
			failed++
			continue
		}
		fmt.Printf("%s: %s\n", id, status)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d services failed", failed, len(ids))
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	statusCmd.Flags().Bool("json", false, "output JSON")
	logsCmd.Flags().IntP("lines", "n", 50, "number of lines to show")
	eventsCmd.Flags().IntP("lines", "n", 20, "number of events to show")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(eventsCmd)
}
