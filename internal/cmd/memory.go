package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/rand/finagent/internal/app"
	"github.com/rand/finagent/internal/memory"
)

func init() {
	memoryCmd.PersistentFlags().StringP("user", "u", "default", "User whose memory is used")

	memoryShowCmd.Flags().BoolP("json", "j", false, "Output as JSON")

	memoryProfileCmd.Flags().String("risk", "", "Set risk tolerance (low, medium, high)")
	memoryProfileCmd.Flags().String("depth", "", "Set explanation depth (simple, detailed, technical)")
	memoryProfileCmd.Flags().String("style", "", "Set answer style (formal, casual, concise)")

	memoryRecallCmd.Flags().IntP("limit", "n", 5, "Maximum number of episodes")
	memoryRecallCmd.Flags().BoolP("json", "j", false, "Output as JSON")

	memoryResetCmd.Flags().BoolP("yes", "y", false, "Do not ask for confirmation")

	memoryCmd.AddCommand(
		memoryStatusCmd,
		memoryShowCmd,
		memoryProfileCmd,
		memoryRecallCmd,
		memoryConsolidateCmd,
		memoryClearHistoryCmd,
		memoryResetCmd,
	)
}

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Memory management commands",
	Long:  "Commands for inspecting and managing what finagent remembers about a user",
}

var memoryStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report whether a user is new or existing",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		mem, cleanup, err := openMemory(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		status, err := mem.Status(cmd.Context(), user)
		if err != nil {
			return fmt.Errorf("get status: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", user, status)
		return nil
	},
}

var memoryShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show a user's memory record",
	Long:  "Display the profile, preferences, facts, rolling summary and recent messages of a user",
	Example: `
# Show what is remembered about alice
finagent memory show --user alice

# As JSON
finagent memory show -u alice -j
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		asJSON, _ := cmd.Flags().GetBool("json")

		mem, cleanup, err := openMemory(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx := cmd.Context()
		status, err := mem.Status(ctx, user)
		if err != nil {
			return fmt.Errorf("get status: %w", err)
		}
		rec, err := mem.Get(ctx, user)
		if err != nil {
			return fmt.Errorf("get record: %w", err)
		}
		episodes, err := mem.Episodes(ctx, user)
		if err != nil {
			return fmt.Errorf("list episodes: %w", err)
		}

		if asJSON {
			return writeJSON(cmd.OutOrStdout(), struct {
				Status   memory.Status    `json:"status"`
				Record   memory.Record    `json:"record"`
				Episodes []memory.Episode `json:"episodes"`
			}{status, rec, episodes})
		}
		printRecord(cmd.OutOrStdout(), status, rec, len(episodes))
		return nil
	},
}

var memoryProfileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Show or change a user's profile",
	Example: `
# Show the profile
finagent memory profile --user alice

# Prefer short, simple answers
finagent memory profile -u alice --depth simple --style concise
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		risk, _ := cmd.Flags().GetString("risk")
		depth, _ := cmd.Flags().GetString("depth")
		style, _ := cmd.Flags().GetString("style")

		mem, cleanup, err := openMemory(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx := cmd.Context()
		rec, err := mem.Get(ctx, user)
		if err != nil {
			return fmt.Errorf("get record: %w", err)
		}
		profile, err := memory.OverrideProfile(rec.Profile, risk, depth, style)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if profile != rec.Profile {
			if _, err := mem.SetProfile(ctx, user, profile); err != nil {
				return fmt.Errorf("set profile: %w", err)
			}
			fmt.Fprintln(out, "Profile updated.")
		}
		fmt.Fprintf(out, "Risk tolerance:    %s\n", profile.RiskTolerance)
		fmt.Fprintf(out, "Explanation depth: %s\n", profile.ExplanationDepth)
		fmt.Fprintf(out, "Style:             %s\n", profile.Style)
		return nil
	},
}

var memoryRecallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Find archived episodes similar to a query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		mem, cleanup, err := openMemory(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		episodes, err := mem.Recall(cmd.Context(), user, args[0], limit)
		if err != nil {
			return fmt.Errorf("recall failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if asJSON {
			return writeJSON(out, episodes)
		}
		if len(episodes) == 0 {
			fmt.Fprintln(out, "No episodes found.")
			return nil
		}
		for i, ep := range episodes {
			fmt.Fprintf(out, "\n[%d] %s\n", i+1, ep.At.Format(time.RFC3339))
			fmt.Fprintf(out, "    %s\n", truncateStr(ep.Text, 200))
		}
		fmt.Fprintln(out)
		return nil
	},
}

var memoryConsolidateCmd = &cobra.Command{
	Use:   "consolidate [fact]...",
	Short: "Merge session facts into long-term memory",
	Long: heredoc.Doc(`
		Derive facts from the user's recent conversation and merge them into
		their record, together with any facts given as arguments. The model
		extracts the facts when a generation key is configured; otherwise the
		user's own statements are kept.

		Duplicates are dropped case-insensitively and the newest facts are kept
		up to the configured cap.
	`),
	Args: cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		mem, cleanup, err := openMemory(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		rec, err := mem.Consolidate(cmd.Context(), user, args)
		if err != nil {
			return fmt.Errorf("consolidate failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d facts remembered for %s\n", len(rec.Facts), user)
		return nil
	},
}

var memoryClearHistoryCmd = &cobra.Command{
	Use:   "clear-history",
	Short: "Forget a user's conversation history",
	Long:  "Drop the message buffer, summary and archived episodes of a user. The profile and facts are kept.",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		mem, cleanup, err := openMemory(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := mem.ClearHistory(cmd.Context(), user); err != nil {
			return fmt.Errorf("clear history failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "History cleared for %s\n", user)
		return nil
	},
}

var memoryResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Forget everything about a user",
	Long:  "Delete a user's record and episodes, and clear the semantic cache.",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			return errors.New("reset deletes all memory for the user and clears the cache; pass --yes to confirm")
		}

		mem, cleanup, err := openMemory(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		if err := mem.Reset(cmd.Context(), user); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Memory reset for %s\n", user)
		return nil
	},
}

// printRecord writes a human-readable memory record.
func printRecord(w io.Writer, status memory.Status, rec memory.Record, episodes int) {
	fmt.Fprintf(w, "Memory for %s (%s)\n", rec.UserID, status)
	fmt.Fprintln(w, strings.Repeat("=", len(rec.UserID)+14+len(status)))
	fmt.Fprintf(w, "Turns:    %d\n", rec.Turns)
	fmt.Fprintf(w, "Episodes: %d\n", episodes)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Profile:")
	fmt.Fprintf(w, "  Risk tolerance:    %s\n", rec.Profile.RiskTolerance)
	fmt.Fprintf(w, "  Explanation depth: %s\n", rec.Profile.ExplanationDepth)
	fmt.Fprintf(w, "  Style:             %s\n", rec.Profile.Style)

	if len(rec.Preferences) > 0 {
		fmt.Fprintln(w, "\nPreferences:")
		for _, k := range slices.Sorted(maps.Keys(rec.Preferences)) {
			fmt.Fprintf(w, "  %s: %s\n", k, rec.Preferences[k])
		}
	}
	if len(rec.Facts) > 0 {
		fmt.Fprintln(w, "\nFacts:")
		for _, f := range rec.Facts {
			fmt.Fprintf(w, "  - %s\n", f)
		}
	}
	if rec.Summary != "" {
		fmt.Fprintf(w, "\nSummary (%d tokens):\n  %s\n", rec.SummaryTokens, rec.Summary)
	}
	if len(rec.Buffer) > 0 {
		fmt.Fprintln(w, "\nRecent messages:")
		for _, m := range rec.Buffer {
			fmt.Fprintf(w, "  %s: %s\n", m.Role, truncateStr(m.Text, 120))
		}
	}
}

// openMemory opens the memory manager for CLI commands.
func openMemory(cmd *cobra.Command) (*memory.Manager, func(), error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	kv, err := app.OpenStore(cfg)
	if err != nil {
		return nil, nil, err
	}

	// Without an embedder, recall falls back to the most recent episodes.
	// Without a generator, consolidation extracts facts itself.
	var opts []memory.Option
	if embedder, err := app.NewEmbedder(cfg); err == nil {
		opts = append(opts, memory.WithEmbedder(embedder))
	}
	if gen, err := app.NewGenerator(cfg, slog.Default()); err == nil {
		opts = append(opts, memory.WithGenerator(gen))
	}

	mem := app.NewMemory(cfg, kv, app.NewCache(cfg, kv), opts...)
	cleanup := func() {
		kv.Close()
	}
	return mem, cleanup, nil
}

func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
