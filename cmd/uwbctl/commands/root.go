// Package commands implements the uwbctl CLI commands.
package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

// ErrAPIRequest wraps a non-2xx admin API response, carrying the decoded
// {"error": "..."} body when present.
var ErrAPIRequest = errors.New("admin api request failed")

var (
	// client is the admin API HTTP client, initialized in PersistentPreRunE.
	client *apiClient

	// outputFormat controls the output format for all commands (table or json).
	outputFormat string

	// serverAddr is the uwbd daemon's admin API address (host:port).
	serverAddr string

	// authToken is the bearer token sent with every request, if set.
	authToken string
)

// rootCmd is the top-level cobra command for uwbctl.
var rootCmd = &cobra.Command{
	Use:   "uwbctl",
	Short: "CLI client for the uwbd ranging session manager",
	Long:  "uwbctl communicates with the uwbd daemon's admin HTTP API to manage UWB ranging sessions.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		client = newAPIClient("http://"+serverAddr, authToken)
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:8042",
		"uwbd admin API address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", "table",
		"output format: table, json")
	rootCmd.PersistentFlags().StringVar(&authToken, "token", "",
		"bearer token for the admin API (omit if auth is disabled)")

	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// apiClient is a thin JSON/REST client for the uwbd admin API.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAPIClient(baseURL, token string) *apiClient {
	return &apiClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// do sends a JSON request and decodes a JSON response into out. A nil body
// sends no request payload; a nil out discards the response body after
// checking its status.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s %s: %w", method, path, err)
	}
	return nil
}

func apiError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Error == "" {
		return fmt.Errorf("%w: %s", ErrAPIRequest, resp.Status)
	}
	return fmt.Errorf("%w: %s: %s", ErrAPIRequest, resp.Status, body.Error)
}
