package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/busybox42/bounced/internal/config"
	"github.com/busybox42/bounced/internal/logging"
	"github.com/busybox42/bounced/internal/metrics"
	"github.com/busybox42/bounced/internal/pipeline"
)

var (
	// Global configuration
	configPath string
	logLevel   string
	cfg        *config.Config
	logCloser  io.Closer = io.NopCloser(nil)

	buildVersion = "dev"
	buildCommit  = "unknown"
	buildDate    = "unknown"

	rootCmd = &cobra.Command{
		Use:   "bounced",
		Short: "Bounce and complaint processor",
		Long: `bounced turns delivery status notifications and ARF feedback reports
into retry decisions, suppression entries, reputation updates and alerts.`,
		SilenceUsage:      true,
		PersistentPreRunE: loadConfig,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logCloser.Close()
		},
	}
)

// Commands that never touch configuration
var skipConfig = map[string]bool{
	"help":       true,
	"version":    true,
	"completion": true,
	"init":       true,
	"classify":   true,
	"parse":      true,
}

func loadConfig(cmd *cobra.Command, args []string) error {
	if skipConfig[cmd.Name()] {
		return nil
	}

	var err error
	cfg, err = config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	logCloser, err = logging.Initialize(logging.Config{
		Level:           cfg.Logging.Level,
		Format:          cfg.Logging.Format,
		File:            cfg.Logging.File,
		RedactAddresses: cfg.Logging.RedactAddresses,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	return nil
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command's
// context.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// SetVersion records build information for the version command
func SetVersion(version, commit, date string) {
	buildVersion, buildCommit, buildDate = version, commit, date
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Override the configured log level")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "bounced %s\n", buildVersion)
			fmt.Fprintf(out, "Commit: %s\n", buildCommit)
			fmt.Fprintf(out, "Built: %s\n", buildDate)
		},
	})
}

// GetRootCmd returns the root command for testing purposes
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// buildRuntime assembles the pipeline from the loaded configuration. The
// caller closes it.
func buildRuntime(ctx context.Context) (*pipeline.Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return pipeline.Build(ctx, cfg, metrics.GetMetrics(), slog.Default())
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readInput reads the named file, or stdin for "" and "-", refusing input
// over ingest.max_report_size
func readInput(cmd *cobra.Command, name string) ([]byte, error) {
	limit := config.DefaultConfig().Ingest.MaxReportSize
	if cfg != nil {
		limit = cfg.Ingest.MaxReportSize
	}

	var r io.Reader = cmd.InOrStdin()
	if name == "" || name == "-" {
		name = "stdin"
	} else {
		f, err := os.Open(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}
		defer f.Close()
		r = f
	}

	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}
	if int64(len(data)) > limit {
		return nil, fmt.Errorf("%s exceeds the %d byte report limit", name, limit)
	}
	return data, nil
}

func argOrStdin(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}
