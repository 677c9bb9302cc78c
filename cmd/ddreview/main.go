package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lamim/ddreview/internal/client"
	"github.com/lamim/ddreview/internal/logging"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var (
	configPath string
	envFile    string
	serverURL  string
	verbose    bool
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ddreview",
		Short: "ddreview - due-diligence review pipeline orchestrator",
		Long: `ddreview tracks a due-diligence review through its stages, pauses it at
human checkpoints, and versions the synthesized report through refinements.

Run "ddreview serve" to start the API, then drive it with the other commands.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to environment file")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", envOr("DDREVIEW_SERVER", "http://localhost:8080"), "Review server base URL")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print raw JSON responses")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if envFile == "" {
			return
		}
		if err := loadEnvFile(envFile); err != nil {
			if !os.IsNotExist(err) {
				fmt.Fprintf(os.Stderr, "Warning: failed to load env file: %v\n", err)
			}
		} else if verbose {
			fmt.Fprintf(os.Stderr, "Loaded env file: %s\n", envFile)
		}
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newStagesCmd(),
		newStartCmd(),
		newProgressCmd(),
		newWatchCmd(),
		newActCmd(),
		newCheckpointCmd(),
		newVersionsCmd(),
		newRefineCmd(),
		newDeleteCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// cliLogger logs warnings for client commands, everything with --verbose
func cliLogger() *slog.Logger {
	level := "warn"
	if verbose {
		level = "debug"
	}
	logger, _, err := logging.Setup(os.Stderr, level, "")
	if err != nil {
		return slog.Default()
	}
	return logger
}

func newClient() *client.Client {
	return client.New(serverURL, cliLogger())
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// loadEnvFile sets KEY=VALUE pairs from path. Blank lines and # comments are
// skipped, surrounding quotes are removed, existing variables are overwritten.
func loadEnvFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	for _, line := range strings.FieldsFunc(string(data), func(r rune) bool { return r == '\n' || r == '\r' }) {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		if err := os.Setenv(key, trimQuotes(strings.TrimSpace(value))); err != nil {
			return err
		}
	}
	return nil
}

func trimQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
