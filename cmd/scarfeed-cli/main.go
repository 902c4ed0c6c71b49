// Package main provides a CLI for interacting with the scarfeed server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	serverURL  string
	token      string
	configPath string
)

// Config represents the CLI configuration
type Config struct {
	ServerURL string `json:"server_url"`
	Token     string `json:"token"`
}

func main() {
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "scarfeed-cli",
		Short:         "scarfeed CLI",
		Long:          "Command-line interface for running SCAR commands and watching their activity feed",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if serverURL == "" || token == "" {
				loadConfig()
			}
			if serverURL == "" {
				serverURL = "http://localhost:8000"
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "Server URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Bearer token")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to CLI config file")

	rootCmd.AddCommand(
		newProjectsCmd(),
		newRunCmd(),
		newHistoryCmd(),
		newLastCmd(),
		newWatchCmd(),
		newMigrateCmd(),
		newTokenCmd(),
		newLoginCmd(),
	)
	return rootCmd
}

func defaultConfigPath() (string, error) {
	if configPath != "" {
		return configPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".scarfeed", "cli-config.json"), nil
}

// loadConfig fills unset flags from the CLI config file
func loadConfig() {
	path, err := defaultConfigPath()
	if err != nil {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Failed to parse config file: %v\n", err)
		return
	}
	if serverURL == "" {
		serverURL = config.ServerURL
	}
	if token == "" {
		token = config.Token
	}
}

// saveConfig saves the CLI configuration
func saveConfig(config Config) error {
	path, err := defaultConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// apiError carries a non-2xx response
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Body)
}

// callAPI sends a JSON request to /api/v1 and decodes the response into out.
// Responses with a body but a failure status still decode into out before
// the error is returned, so callers can show execution results.
func callAPI(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(serverURL, "/")+"/api/v1"+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil && resp.StatusCode < 300 {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	if resp.StatusCode >= 300 {
		return &apiError{Status: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
