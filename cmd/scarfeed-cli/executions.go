package main

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/tcmartin/scarfeed/pkg/api"
	"github.com/tcmartin/scarfeed/pkg/models"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [project-id] [command] [args...]",
		Short: "Run a SCAR command and wait for the result",
		Long: "Run a SCAR command (prime, plan-feature-github, execute-github, validate, ...)\n" +
			"for a project. Use 'watch' in another terminal to follow its activity.",
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var result models.CommandResult
			err := callAPI(http.MethodPost, "/projects/"+url.PathEscape(args[0])+"/executions",
				api.ExecuteRequest{Command: args[1], Args: args[2:]}, &result)

			// failed executions come back as a CommandResult with an error status
			var apiErr *apiError
			if err != nil && (!errors.As(err, &apiErr) || result.Error == "") {
				return err
			}

			out := cmd.OutOrStdout()
			if result.ExecutionID != "" {
				fmt.Fprintf(out, "Execution: %s (%.1fs)\n", result.ExecutionID, result.DurationSeconds)
			}
			if result.Output != "" {
				fmt.Fprintln(out, result.Output)
			}
			if !result.Success {
				return fmt.Errorf("command failed: %s", result.Error)
			}
			return nil
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [project-id]",
		Short: "List recent executions for a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/projects/" + url.PathEscape(args[0]) + "/executions?limit=" + strconv.Itoa(limit)
			var executions []models.Execution
			if err := callAPI(http.MethodGet, path, nil, &executions); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tCOMMAND\tSTATUS\tSTARTED\tDURATION")
			for _, e := range executions {
				duration := "-"
				if e.CompletedAt != nil {
					duration = e.CompletedAt.Sub(e.StartedAt).Round(time.Millisecond).String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.ID, e.CommandType, e.Status,
					e.StartedAt.Local().Format(time.DateTime), duration)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "Maximum number of executions")
	return cmd
}

func newLastCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "last [project-id] [command]",
		Short: "Show the most recent successful execution of a command",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/projects/" + url.PathEscape(args[0]) + "/executions/last?command=" + url.QueryEscape(args[1])
			var execution models.Execution
			if err := callAPI(http.MethodGet, path, nil, &execution); err != nil {
				return err
			}
			return printJSON(cmd, execution)
		},
	}
}
