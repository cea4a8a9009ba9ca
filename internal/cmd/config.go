package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rand/finagent/internal/app"
	"github.com/rand/finagent/internal/config"
)

func init() {
	// config show flags
	configShowCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	configShowCmd.Flags().BoolP("yaml", "y", false, "Output as YAML")

	configCmd.AddCommand(
		configShowCmd,
		configEditCmd,
		configValidateCmd,
		configSchemaCmd,
		configPathCmd,
	)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  "Commands for managing finagent configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show effective configuration",
	Long:  "Display the current effective configuration after applying defaults",
	Example: `
# Show config in human-readable format
finagent config show

# Show config as JSON
finagent config show --json

# Show config as YAML
finagent config show --yaml
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		asYAML, _ := cmd.Flags().GetBool("yaml")

		cfg, path, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		out := cmd.OutOrStdout()
		if asJSON {
			encoder := json.NewEncoder(out)
			encoder.SetIndent("", "  ")
			return encoder.Encode(cfg)
		}
		if asYAML {
			encoder := yaml.NewEncoder(out)
			encoder.SetIndent(2)
			return encoder.Encode(cfg)
		}

		printConfig(out, cfg, path)
		return nil
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config in editor",
	Long:  "Open the configuration file in your default editor, creating it from the defaults if needed",
	Example: `
# Edit config with $EDITOR
finagent config edit
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, configPath, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		if configPath == "" {
			configPath = filepath.Join(cfg.DataDir, config.DataDirFileName)
			if err := writeDefaultConfig(configPath); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created new config file: %s\n", configPath)
		}

		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = os.Getenv("VISUAL")
		}
		if editor == "" {
			editor = "vi"
		}

		execCmd := exec.Command(editor, configPath)
		execCmd.Stdin = os.Stdin
		execCmd.Stdout = os.Stdout
		execCmd.Stderr = os.Stderr

		return execCmd.Run()
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration",
	Long:  "Check the configuration file against the schema and report errors and warnings",
	Example: `
# Validate configuration
finagent config validate

# Validate a specific file
finagent config validate --config ./finagent.yaml
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			fmt.Fprintf(out, "✗ Configuration error: %v\n", err)
			return err
		}

		errs, warnings := checkConfig(cfg)

		if len(errs) > 0 {
			fmt.Fprintln(out, "Errors:")
			for _, e := range errs {
				fmt.Fprintf(out, "  ✗ %s\n", e)
			}
		}
		if len(warnings) > 0 {
			fmt.Fprintln(out, "Warnings:")
			for _, w := range warnings {
				fmt.Fprintf(out, "  ⚠ %s\n", w)
			}
		}

		if len(errs) == 0 && len(warnings) == 0 {
			fmt.Fprintln(out, "✓ Configuration is valid")
		} else if len(errs) == 0 {
			fmt.Fprintln(out, "\n✓ Configuration is valid with warnings")
		}

		if len(errs) > 0 {
			return fmt.Errorf("configuration has %d error(s)", len(errs))
		}
		return nil
	},
}

var configSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the configuration JSON Schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := config.SchemaJSON()
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return err
	},
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show configuration file paths",
	Long:  "Display the paths where configuration files are loaded from",
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, err := ResolveCwd(cmd)
		if err != nil {
			return err
		}
		cfg, _, err := loadConfig(cmd)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		explicit, _ := cmd.Flags().GetString("config")

		out := cmd.OutOrStdout()
		fmt.Fprintln(out, "Configuration Paths (in order of precedence):")
		fmt.Fprintln(out)

		type configPath struct {
			name string
			path string
		}
		var paths []configPath
		if explicit != "" {
			paths = append(paths, configPath{"--config", explicit})
		}
		paths = append(paths,
			configPath{"Project config", filepath.Join(cwd, config.FileName)},
			configPath{"User config", filepath.Join(cfg.DataDir, config.DataDirFileName)},
		)

		for _, p := range paths {
			status := "✗"
			if _, err := os.Stat(p.path); err == nil {
				status = "✓"
			}
			fmt.Fprintf(out, "  %s %s\n    %s\n", status, p.name, p.path)
		}

		fmt.Fprintln(out)
		fmt.Fprintf(out, "Data directory: %s\n", cfg.DataDir)
		fmt.Fprintf(out, "Database:       %s\n", cfg.DatabasePath())
		return nil
	},
}

// checkConfig reports problems that stop finagent from answering (errors)
// and settings that are probably unintended (warnings).
func checkConfig(cfg *config.Config) (errs, warnings []string) {
	if err := cfg.Validate(); err != nil {
		errs = append(errs, err.Error())
	}

	env := app.APIKeyEnv(cfg)
	if env == "" {
		errs = append(errs, fmt.Sprintf("Unknown generation provider %q", cfg.Generation.Provider))
	} else if os.Getenv(env) == "" {
		errs = append(errs, fmt.Sprintf("$%s is not set - finagent requires a generation provider API key", env))
	}
	if cfg.Embedding.Provider == app.EmbeddingVoyage && os.Getenv("VOYAGE_API_KEY") == "" {
		errs = append(errs, "$VOYAGE_API_KEY is not set - required by the voyage embedding provider")
	}

	if p := cfg.Retrieval.CorpusPath; p != "" {
		if _, err := os.Stat(p); err != nil {
			errs = append(errs, fmt.Sprintf("Corpus not found: %s", p))
		}
	}

	if cfg.DataDir == "" {
		errs = append(errs, "Data directory not set")
	} else if _, err := os.Stat(cfg.DataDir); os.IsNotExist(err) {
		warnings = append(warnings, fmt.Sprintf("Data directory does not exist: %s (will be created)", cfg.DataDir))
	}

	warnings = append(warnings, cfg.Warnings()...)
	return errs, warnings
}

// printConfig writes the settings most often looked at.
func printConfig(w io.Writer, cfg *config.Config, path string) {
	fmt.Fprintln(w, "Effective Configuration")
	fmt.Fprintln(w, "=======================")
	fmt.Fprintln(w)

	source := path
	if source == "" {
		source = "(defaults)"
	}
	fmt.Fprintf(w, "Source:            %s\n", source)
	fmt.Fprintf(w, "Data Directory:    %s\n", cfg.DataDir)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Generation:")
	fmt.Fprintf(w, "  Provider:        %s\n", cfg.Generation.Provider)
	fmt.Fprintf(w, "  Model:           %s\n", cfg.Generation.Model)
	fmt.Fprintf(w, "  API Key Env:     %s\n", app.APIKeyEnv(cfg))
	if cfg.Generation.BaseURL != "" {
		fmt.Fprintf(w, "  Base URL:        %s\n", cfg.Generation.BaseURL)
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Pipeline:")
	fmt.Fprintf(w, "  Max Attempts:    %d\n", cfg.Orchestrator.MaxAttempts)
	fmt.Fprintf(w, "  Planner:         %s (max %d steps)\n", cfg.Planner.Mode, cfg.Planner.MaxSteps)
	fmt.Fprintf(w, "  Token Ceilings:  run %d, bundle %d, excerpt %d\n",
		cfg.Budget.PerRunTokens, cfg.Budget.PerBundleTokens, cfg.Budget.PerExcerptTokens)
	fmt.Fprintf(w, "  Compliance:      %d rules\n", len(cfg.Compliance.Rules))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Retrieval:")
	fmt.Fprintf(w, "  Corpus:          %s\n", cfg.Retrieval.CorpusPath)
	fmt.Fprintf(w, "  Embeddings:      %s\n", cfg.Embedding.Provider)
	fmt.Fprintf(w, "  Top K:           %d\n", cfg.Retrieval.TopK)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Cache:")
	fmt.Fprintf(w, "  Enabled:         %v\n", cfg.Cache.Enabled)
	fmt.Fprintf(w, "  Answer Cache:    %v\n", cfg.Cache.AnswerCache)
	fmt.Fprintf(w, "  Default TTL:     %s\n", cfg.Cache.DefaultTTL)
}

// writeDefaultConfig writes the default configuration to path.
func writeDefaultConfig(path string) error {
	data, err := yaml.Marshal(config.DefaultConfig())
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	header := []byte("# finagent configuration\n# Run `finagent config schema` for every option.\n\n")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, append(header, data...), 0o644); err != nil {
		return fmt.Errorf("create default config: %w", err)
	}
	return nil
}
