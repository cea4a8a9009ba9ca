package cmd

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/rand/finagent/internal/app"
	"github.com/rand/finagent/internal/pipeline/cache"
)

func init() {
	cacheStatsCmd.Flags().BoolP("json", "j", false, "Output as JSON")

	cacheCmd.AddCommand(
		cacheStatsCmd,
		cacheClearCmd,
		cachePurgeCmd,
	)
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Semantic cache commands",
	Long:  "Commands for inspecting and clearing cached evidence bundles and verified answers",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		c, cleanup, err := openCache(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		stats, err := c.Stats(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to get stats: %w", err)
		}
		if asJSON {
			return writeJSON(cmd.OutOrStdout(), stats)
		}
		printCacheStats(cmd.OutOrStdout(), stats)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete every cache entry",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, cleanup, err := openCache(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		n, err := c.Clear(cmd.Context())
		if err != nil {
			return fmt.Errorf("clear failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d entries\n", n)
		return nil
	},
}

var cachePurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete expired cache entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, cleanup, err := openCache(cmd)
		if err != nil {
			return err
		}
		defer cleanup()

		n, err := c.Purge(cmd.Context())
		if err != nil {
			return fmt.Errorf("purge failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Purged %d expired entries\n", n)
		return nil
	},
}

func printCacheStats(w io.Writer, stats cache.Stats) {
	fmt.Fprintln(w, "Cache Statistics")
	fmt.Fprintln(w, "================")
	fmt.Fprintf(w, "Bundles:  %d\n", stats.Entries[cache.KindBundle])
	fmt.Fprintf(w, "Answers:  %d\n", stats.Entries[cache.KindAnswer])
	fmt.Fprintf(w, "Expired:  %d\n", stats.Expired)

	if len(stats.ByTag) > 0 {
		fmt.Fprintln(w, "\nEntries by Tag:")
		tags := make([]string, 0, len(stats.ByTag))
		for tag := range stats.ByTag {
			tags = append(tags, tag)
		}
		sort.Strings(tags)
		for _, tag := range tags {
			fmt.Fprintf(w, "  %-10s %d\n", tag+":", stats.ByTag[tag])
		}
	}
}

// openCache opens the semantic cache for CLI commands.
func openCache(cmd *cobra.Command) (*cache.Cache, func(), error) {
	cfg, _, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	kv, err := app.OpenStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	return app.NewCache(cfg, kv), func() { kv.Close() }, nil
}
