package cmd

import (
	"log/slog"

	"github.com/MakeNowJust/heredoc"
	"github.com/spf13/cobra"

	"github.com/rand/finagent/internal/mcp"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the MCP server over stdio",
	Long: heredoc.Doc(`
		Starts an MCP server over stdin/stdout exposing the ask,
		memory_profile and reset_memory tools.

		Stdout carries the protocol, so logs go to stderr or --log-file.
	`),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := setupApp(cmd)
		if err != nil {
			return err
		}
		defer a.Shutdown()

		slog.Info("Starting finagent MCP server over stdio", "version", Version)
		return mcp.NewServer(a, Version).Run(cmd.Context())
	},
}
