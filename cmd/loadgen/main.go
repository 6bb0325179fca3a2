// Command loadgen drives synthetic sync traffic against a running server.
//
// Purpose:
//
//	Two presets cover the common cases: "run" is a short single-user smoke
//	test against a local server, "bench" is the sustained multi-user
//	benchmark. Every flag can also be set through the environment with a
//	LOADGEN_ prefix (LOADGEN_SERVER, LOADGEN_SECRET, ...), which is how CI
//	configures it.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tailgunnerbeavis/server-syncstorage/internal/loadgen"
	"github.com/tailgunnerbeavis/server-syncstorage/internal/logging"
)

var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:     "loadgen",
		Short:   "Load generator for the sync storage server",
		Version: version,
	}
	runCmd, _ := newLoadCommand("run", "Run a short single-user smoke test", 1, 60*time.Second)
	benchCmd, _ := newLoadCommand("bench", "Run the sustained multi-user benchmark", 20, 1800*time.Second)
	rootCmd.AddCommand(runCmd, benchCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newLoadCommand builds one preset. Each command carries its own viper
// instance so the presets' flag bindings stay independent; binding both
// presets to a shared viper would let the last-registered command's flags
// shadow the other's.
func newLoadCommand(use, short string, users int, duration time.Duration) (*cobra.Command, *viper.Viper) {
	v := viper.New()
	v.SetEnvPrefix("LOADGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			return execute(cmd, v)
		},
	}

	cmd.Flags().String("server", "http://localhost:5000", "Base URL of the server under test")
	cmd.Flags().String("secret", "", "Shared AUTH_SECRET of the server (required)")
	cmd.Flags().String("collection", "bookmarks", "Collection name for the simulated traffic")
	cmd.Flags().String("report-url", "", "Optional endpoint to POST the run summary to")
	cmd.Flags().Uint64("base-user-id", 1000000, "First simulated user id")
	cmd.Flags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().Int("users", users, "Number of concurrent simulated users")
	cmd.Flags().Duration("duration", duration, "How long to run")

	for _, flag := range []string{
		"server", "secret", "collection", "report-url",
		"base-user-id", "log-level", "users", "duration",
	} {
		_ = v.BindPFlag(flag, cmd.Flags().Lookup(flag))
	}
	return cmd, v
}

func execute(cmd *cobra.Command, v *viper.Viper) error {
	logger := logging.NewConsole(v.GetString("log-level"))

	runner, err := loadgen.NewRunner(loadgen.Options{
		ServerURL:  strings.TrimRight(v.GetString("server"), "/"),
		Secret:     v.GetString("secret"),
		Users:      v.GetInt("users"),
		Duration:   v.GetDuration("duration"),
		Collection: v.GetString("collection"),
		ReportURL:  v.GetString("report-url"),
		BaseUserID: v.GetUint64("base-user-id"),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Int("users", v.GetInt("users")).
		Dur("duration", v.GetDuration("duration")).
		Str("server", v.GetString("server")).
		Msg("starting load run")

	summary, err := runner.Run(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
