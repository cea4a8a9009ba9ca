package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/rand/finagent/internal/app"
	"github.com/rand/finagent/internal/pipeline"
	"github.com/rand/finagent/internal/pipeline/orchestrator"
)

var askCmd = &cobra.Command{
	Use:   "ask [query...]",
	Short: "Answer a personal finance question",
	Long: heredoc.Doc(`
		Answer a question through the full pipeline.

		The question is classified by risk and complexity, then answered
		on one of three paths:
		- FAST: one unverified draft for simple, low risk questions
		- FULL: planned steps, each drafted from evidence and verified
		- VERIFIED: as FULL, forced for high risk questions

		Failed verification is retried with the failed checks as guidance.
		An answer that breaks a compliance rule is refused.

		The question can be given as arguments or piped from stdin.
	`),
	Example: heredoc.Doc(`
		# Ask as a user so preferences and history apply
		finagent ask --user alice "How do index funds work?"

		# Print the run trace after the answer
		finagent ask --trace "Should I move my savings into bonds?"

		# Machine readable output
		finagent ask --json "What is an expense ratio?"
	`),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		asJSON, _ := cmd.Flags().GetBool("json")
		showTrace, _ := cmd.Flags().GetBool("trace")

		query, err := MaybePrependStdin(strings.Join(args, " "))
		if err != nil {
			slog.Error("Failed to read from stdin", "error", err)
			return err
		}
		if strings.TrimSpace(query) == "" {
			return errors.New("no question provided")
		}

		a, err := setupApp(cmd)
		if err != nil {
			return err
		}
		defer a.Shutdown()

		resp, err := a.Ask(cmd.Context(), user, query)
		if err != nil {
			return fmt.Errorf("answer failed: %w", err)
		}

		out := cmd.OutOrStdout()
		if asJSON {
			return writeJSON(out, resp)
		}
		printResponse(out, resp)
		if showTrace {
			printTrace(cmd.ErrOrStderr(), resp)
		}
		return nil
	},
}

func init() {
	askCmd.Flags().StringP("user", "u", "default", "User the question is asked as")
	askCmd.Flags().BoolP("json", "j", false, "Output as JSON")
	askCmd.Flags().BoolP("trace", "t", false, "Show the run trace")
}

// setupApp loads the configuration and wires the application.
func setupApp(cmd *cobra.Command, opts ...app.Option) (*app.App, error) {
	cfg, path, err := loadConfig(cmd)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	slog.Debug("Config loaded", "path", path, "data_dir", cfg.DataDir)
	for _, w := range cfg.Warnings() {
		slog.Warn(w)
	}
	return app.New(cmd.Context(), cfg, opts...)
}

// printResponse writes the answer followed by its sources and notice.
func printResponse(w io.Writer, resp *orchestrator.Response) {
	fmt.Fprintln(w, resp.Answer.Text)
	if len(resp.Answer.Citations) > 0 {
		fmt.Fprintf(w, "\nSources: %s\n", strings.Join(resp.Answer.Citations, ", "))
	}
	if resp.Answer.Notice != "" {
		fmt.Fprintf(w, "\nNote: %s\n", resp.Answer.Notice)
	}
	if resp.Answer.Mode != pipeline.ModeVerified && resp.Answer.Mode != pipeline.ModeFast {
		fmt.Fprintf(w, "\n[%s]\n", resp.Answer.Mode)
	}
}

// printTrace writes a readable run trace.
func printTrace(w io.Writer, resp *orchestrator.Response) {
	t := resp.Trace
	fmt.Fprintf(w, "\n--- Trace %s ---\n", t.RunID)
	fmt.Fprintf(w, "Risk: %s  Complexity: %.2f  Path: %s\n", t.Risk, t.Complexity, t.Path)
	var states []string
	for _, tr := range t.Transitions {
		states = append(states, tr.To)
	}
	if len(states) > 0 {
		fmt.Fprintf(w, "States: %s\n", strings.Join(states, " -> "))
	}
	for _, v := range t.Verdicts {
		status := "pass"
		if !v.Pass {
			status = "fail: " + strings.Join(v.Failed, "; ")
		}
		fmt.Fprintf(w, "  step %s attempt %d: %s\n", v.StepID, v.Attempt, status)
	}
	for _, e := range t.Errors {
		fmt.Fprintf(w, "  error: %s\n", e)
	}
	for _, e := range t.Warnings {
		fmt.Fprintf(w, "  warning: %s\n", e)
	}
	fmt.Fprintf(w, "Attempts: %d  Cache: %d hit / %d miss  Tokens: %d  Outcome: %s  Duration: %s\n",
		t.Attempts, t.CacheHits, t.CacheMisses, t.TotalTokens, t.Outcome, t.Duration.Round(time.Millisecond))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
