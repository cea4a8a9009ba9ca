// Package cmd implements the finagent command line.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/MakeNowJust/heredoc"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rand/finagent/internal/config"
)

// Version is set at build time via -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "finagent",
	Short: "Verified answers to personal finance questions",
	Long: heredoc.Doc(`
		finagent answers personal finance questions from a document corpus.

		Each question is classified by risk and complexity. Low risk, simple
		questions are answered directly. Everything else is planned into
		steps, answered from retrieved evidence, and checked for factual,
		numeric and compliance errors before it is explained. High risk
		questions are always verified.
	`),
	Example: heredoc.Doc(`
		# Ask a question
		finagent ask --user alice "What is an index fund?"

		# Inspect what finagent remembers about a user
		finagent memory show --user alice

		# Serve the MCP tools over stdio
		finagent serve
	`),
	SilenceUsage: true,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loadDotEnv(cmd)
		var logCfg config.LogConfig
		if cfg, _, err := loadConfig(cmd); err == nil {
			logCfg = cfg.Log
		}
		return setupLogging(cmd, logCfg)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Config file (default ./.finagent.yaml or <data-dir>/config.yaml)")
	flags.String("cwd", "", "Working directory")
	flags.StringP("data-dir", "D", "", "Data directory (default $FINAGENT_DATA_DIR or ~/.finagent)")
	flags.BoolP("debug", "d", false, "Debug logging")
	flags.String("log-level", "", "Log level: debug, info, warn, error")
	flags.String("log-format", "", "Log format: text or json")
	flags.String("log-file", "", "Write logs to a rotated file instead of stderr")

	rootCmd.AddCommand(
		askCmd,
		memoryCmd,
		cacheCmd,
		configCmd,
		serveCmd,
	)
	rootCmd.Version = Version
}

// Execute runs the root command. SIGINT and SIGTERM cancel the command
// context.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}

// ResolveCwd returns the --cwd flag as an absolute directory, or the
// process working directory.
func ResolveCwd(cmd *cobra.Command) (string, error) {
	cwd, _ := cmd.Flags().GetString("cwd")
	if cwd == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("get working directory: %w", err)
		}
		return wd, nil
	}

	abs, err := filepath.Abs(cwd)
	if err != nil {
		return "", fmt.Errorf("resolve cwd: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("cwd: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("cwd %s is not a directory", abs)
	}
	return abs, nil
}

// loadConfig loads the effective configuration for cmd's flags and
// returns it with the path of the file used ("" for defaults).
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	cwd, err := ResolveCwd(cmd)
	if err != nil {
		return nil, "", err
	}
	explicit, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	return config.Init(explicit, cwd, dataDir)
}

// loadDotEnv loads .env from the working directory. Variables already set
// in the environment win.
func loadDotEnv(cmd *cobra.Command) {
	cwd, err := ResolveCwd(cmd)
	if err != nil {
		return
	}
	path := filepath.Join(cwd, ".env")
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Failed to load .env", "path", path, "error", err)
	}
}

// setupLogging installs the default slog logger. Flags override the
// config file.
func setupLogging(cmd *cobra.Command, logCfg config.LogConfig) error {
	flags := cmd.Flags()
	if v, _ := flags.GetString("log-level"); v != "" {
		logCfg.Level = v
	}
	if v, _ := flags.GetString("log-format"); v != "" {
		logCfg.Format = v
	}
	if v, _ := flags.GetString("log-file"); v != "" {
		logCfg.File = v
	}
	if debug, _ := flags.GetBool("debug"); debug {
		logCfg.Level = "debug"
	}

	var level slog.Level
	if logCfg.Level != "" {
		if err := level.UnmarshalText([]byte(logCfg.Level)); err != nil {
			return fmt.Errorf("invalid log level %q", logCfg.Level)
		}
	}

	var w io.Writer = os.Stderr
	if logCfg.File != "" {
		w = &lumberjack.Logger{
			Filename:   logCfg.File,
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     28,
			Compress:   true,
		}
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	switch strings.ToLower(logCfg.Format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		return fmt.Errorf("invalid log format %q", logCfg.Format)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// MaybePrependStdin prepends piped stdin to prompt. It returns prompt
// unchanged when stdin is a terminal.
func MaybePrependStdin(prompt string) (string, error) {
	info, err := os.Stdin.Stat()
	if err != nil {
		return prompt, nil
	}
	if info.Mode()&os.ModeCharDevice != 0 || info.Mode()&os.ModeNamedPipe == 0 && info.Size() == 0 {
		return prompt, nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	piped := strings.TrimSpace(string(data))
	if piped == "" {
		return prompt, nil
	}
	if prompt == "" {
		return piped, nil
	}
	return piped + "\n\n" + prompt, nil
}
