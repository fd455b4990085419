// Package main implements the rsvd CLI for manual operations against the
// resolverd HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the resolverd HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "rsvd",
	Short: "CLI for resolverd HTTP server operations",
	Long: `rsvd is a command-line interface for interacting with the resolverd HTTP server.
It provides commands for resolving records, inspecting statistics and fitness,
and rolling back configuration modifications.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9080", "resolverd server URL")
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(fitnessCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(healthCmd)
}

// resolveCmd submits a record for resolution
var resolveCmd = &cobra.Command{
	Use:   "resolve [file]",
	Short: "Resolve a record from a JSON file or stdin",
	Long: `Submit a record to the resolverd server for exception resolution.

The input is a JSON object of record fields, e.g.
{"invoice_number": "INV-100", "vendor_name": "Acme Corporation", "amount": 4100}.

Examples:
  # Resolve a record from a file
  rsvd resolve invoice.json

  # Resolve from stdin
  cat invoice.json | rsvd resolve -

  # Use a different server
  rsvd resolve --server http://localhost:8080 invoice.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResolve,
}

// statsCmd prints aggregate resolution statistics
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show resolution statistics",
	RunE:  runStats,
}

// fitnessCmd evaluates and prints a fresh fitness snapshot
var fitnessCmd = &cobra.Command{
	Use:   "fitness",
	Short: "Evaluate and show the current fitness snapshot",
	RunE:  runFitness,
}

// rollbackCmd rolls back an applied modification
var rollbackCmd = &cobra.Command{
	Use:   "rollback <modification-id>",
	Short: "Roll back the most recently applied modification",
	Long: `Roll back an applied modification, restoring strategy weights and
registry priors to their pre-modification values.

Only the most recently applied modification can be rolled back.`,
	Args: cobra.ExactArgs(1),
	RunE: runRollback,
}

// healthCmd checks server health
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check resolverd server health",
	RunE:  runHealth,
}

func httpClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

func runResolve(cmd *cobra.Command, args []string) error {
	var input io.Reader = os.Stdin
	if len(args) == 1 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open %s: %w", args[0], err)
		}
		defer f.Close()
		input = f
	}

	var fields map[string]any
	if err := json.NewDecoder(input).Decode(&fields); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}

	body, err := json.Marshal(map[string]any{"record": fields})
	if err != nil {
		return err
	}

	resp, err := httpClient().Post(serverURL+"/api/v1/resolve", "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return printJSON(resp)
}

func runStats(cmd *cobra.Command, args []string) error {
	resp, err := httpClient().Get(serverURL + "/api/v1/statistics")
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return printJSON(resp)
}

func runFitness(cmd *cobra.Command, args []string) error {
	resp, err := httpClient().Get(serverURL + "/api/v1/fitness")
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return printJSON(resp)
}

func runRollback(cmd *cobra.Command, args []string) error {
	url := fmt.Sprintf("%s/api/v1/modifications/%s/rollback", serverURL, args[0])
	resp, err := httpClient().Post(url, "application/json", nil)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return printJSON(resp)
}

func runHealth(cmd *cobra.Command, args []string) error {
	resp, err := httpClient().Get(serverURL + "/health")
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	return printJSON(resp)
}

// printJSON pretty-prints a JSON response body, surfacing non-2xx
// statuses as errors.
func printJSON(resp *http.Response) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		out.Write(data)
	}
	fmt.Println(out.String())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
