package main

import (
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/tcmartin/scarfeed/pkg/api"
	"github.com/tcmartin/scarfeed/pkg/models"
)

func newProjectsCmd() *cobra.Command {
	projectsCmd := &cobra.Command{
		Use:   "projects",
		Short: "Project management",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			var projects []models.Project
			if err := callAPI(http.MethodGet, "/projects", nil, &projects); err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tREPO")
			for _, p := range projects {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.ID, p.Name, p.Status, p.GitHubRepoURL)
			}
			return w.Flush()
		},
	}

	var repo, description string
	createCmd := &cobra.Command{
		Use:   "create [name]",
		Short: "Create a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var project models.Project
			err := callAPI(http.MethodPost, "/projects", api.CreateProjectRequest{
				Name:          args[0],
				Description:   description,
				GitHubRepoURL: repo,
			}, &project)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Project created: %s\n", project.ID)
			return nil
		},
	}
	createCmd.Flags().StringVar(&repo, "repo", "", "GitHub repository URL")
	createCmd.Flags().StringVar(&description, "description", "", "Project description")

	getCmd := &cobra.Command{
		Use:   "get [id]",
		Short: "Show a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var project models.Project
			if err := callAPI(http.MethodGet, "/projects/"+url.PathEscape(args[0]), nil, &project); err != nil {
				return err
			}
			return printJSON(cmd, project)
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a project with its executions and activities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := callAPI(http.MethodDelete, "/projects/"+url.PathEscape(args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Project deleted")
			return nil
		},
	}

	projectsCmd.AddCommand(listCmd, createCmd, getCmd, deleteCmd)
	return projectsCmd
}
