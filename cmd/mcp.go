package cmd

import (
	"github.com/spf13/cobra"

	"github.com/crewloop/crew/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP stdio server for agent integration",
	Long: `Start an MCP (Model Context Protocol) server on stdio.

This lets producing agents submit stage outputs and reviewers record
verdicts through any MCP client. Configure in Claude Code with:

  {
    "mcpServers": {
      "crew": { "command": "crew", "args": ["mcp"] }
    }
  }

Available tools: crew_submit_review, crew_list_pending, crew_get_review,
crew_approve, crew_reject, crew_project_status, crew_get_artifact`,
	RunE: func(cmd *cobra.Command, args []string) error {
		e, err := getEngine()
		if err != nil {
			return err
		}
		s, err := getStore()
		if err != nil {
			return err
		}

		srv := mcp.NewServer(e, s)
		return srv.ServeStdio(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
