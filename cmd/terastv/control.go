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
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/goodtune/terastv/internal/config"
	"github.com/goodtune/terastv/internal/control"
	"github.com/goodtune/terastv/internal/lifecycle"
)

const defaultControlTimeout = 10 * time.Second

var controlAPIAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running daemon's timer and session",
	RunE:  runStatus,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Report TV-on time so far and restart the TV timer",
	RunE:  runReset,
}

var powerCmd = &cobra.Command{
	Use:       "power SIGNAL",
	Short:     "Deliver a power signal to the running daemon",
	Long:      `Deliver a power signal (screen_off, screen_on, shutdown, boot, reset) to the running daemon.`,
	Example:   `  terastv power screen_off`,
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"screen_off", "screen_on", "shutdown", "boot", "reset"},
	RunE:      runPower,
}

func init() {
	for _, cmd := range []*cobra.Command{statusCmd, resetCmd, powerCmd} {
		cmd.Flags().StringVar(&controlAPIAddr, "addr", "", "Control API address (defaults to server.bind_address:server.control_port)")
		rootCmd.AddCommand(cmd)
	}
}

// controlClient calls the daemon's local control API.
type controlClient struct {
	baseURL string
	http    *http.Client
}

func newControlClient() (*controlClient, error) {
	addr := controlAPIAddr
	if addr == "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		host := cfg.Server.BindAddress
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, strconv.Itoa(cfg.Server.ControlPort))
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &controlClient{
		baseURL: strings.TrimSuffix(addr, "/"),
		http:    &http.Client{Timeout: defaultControlTimeout},
	}, nil
}

func (c *controlClient) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach control API at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	if resp.StatusCode >= 400 {
		var apiErr control.ErrorResponse
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s: %s", apiErr.Error, apiErr.Message)
		}
		return fmt.Errorf("control API returned %s", resp.Status)
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("invalid control API response: %w", err)
		}
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := newControlClient()
	if err != nil {
		return err
	}

	var status control.Status
	if err := client.do(cmd.Context(), http.MethodGet, "/v1/status", &status); err != nil {
		return err
	}

	printStatus(status)
	return nil
}

func printStatus(status control.Status) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow)

	_, _ = cyan.Println("\n=== TerasTV Status ===")
	if status.Device != nil {
		fmt.Printf("Device:      %s (npsn %s)\n", status.Device.Serial, status.Device.OrganizationID)
	} else {
		_, _ = yellow.Println("Device:      not registered")
	}

	if status.AnchorMs > 0 {
		since := time.UnixMilli(status.AnchorMs).Local().Format(time.DateTime)
		fmt.Printf("TV on:       %s (since %s)\n", formatSeconds(status.TVOnSeconds), since)
	} else {
		fmt.Println("TV on:       timer not started")
	}

	fmt.Printf("Tracking:    ")
	if status.Paused {
		_, _ = yellow.Println("paused")
	} else {
		_, _ = green.Println("active")
	}

	if status.Session != nil {
		elapsed := int64(status.Now.Sub(status.Session.Start) / time.Second)
		fmt.Printf("Session:     %s (%s) for %s\n", status.Session.Label, status.Session.PackageID, formatSeconds(elapsed))
	} else {
		fmt.Println("Session:     none")
	}

	if status.LatestTitle != "" {
		fmt.Printf("Last title:  %s (%s)\n", status.LatestTitle, status.LatestTitlePkg)
	}
	if status.PendingUptime {
		_, _ = yellow.Println("Pending:     uptime from before shutdown not yet reported")
	}
	fmt.Println()
}

func runReset(cmd *cobra.Command, args []string) error {
	client, err := newControlClient()
	if err != nil {
		return err
	}
	if err := client.do(cmd.Context(), http.MethodPost, "/v1/reset", nil); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(os.Stdout, "✅ Reset requested")
	return nil
}

func runPower(cmd *cobra.Command, args []string) error {
	signal, err := lifecycle.ParseSignal(args[0])
	if err != nil {
		return err
	}

	client, err := newControlClient()
	if err != nil {
		return err
	}
	if err := client.do(cmd.Context(), http.MethodPost, "/v1/power/"+string(signal), nil); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(os.Stdout, "✅ Delivered %s\n", signal)
	return nil
}
