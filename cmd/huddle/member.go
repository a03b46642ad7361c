package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"huddle/api/internal/config"
	"huddle/api/internal/store"
)

var (
	memberProject string
	memberUser    string
	memberName    string
	memberEmail   string
)

var memberCmd = &cobra.Command{
	Use:   "member",
	Short: "Manage the project members that @mentions resolve against",
}

var memberAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a project member, or update the name and email of an existing one",
	Long: `Add a project member, or update the name and email of an existing one.

Examples:
  huddle member add --project proj-1 --user u_42 --name "Bob Martin" --email bob@example.com`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, s *store.SQLStore) error {
			return addMember(ctx, s, cmd.OutOrStdout(), store.Member{
				ProjectID:   memberProject,
				UserID:      memberUser,
				DisplayName: memberName,
				Email:       memberEmail,
			})
		})
	},
}

var memberListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a project's members",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd.Context(), func(ctx context.Context, s *store.SQLStore) error {
			return listMembers(ctx, s, cmd.OutOrStdout(), memberProject)
		})
	},
}

func init() {
	memberCmd.PersistentFlags().StringVar(&memberProject, "project", "", "project id")
	_ = memberCmd.MarkPersistentFlagRequired("project")
	memberAddCmd.Flags().StringVar(&memberUser, "user", "", "user id")
	memberAddCmd.Flags().StringVar(&memberName, "name", "", "display name")
	memberAddCmd.Flags().StringVar(&memberEmail, "email", "", "email address")
	_ = memberAddCmd.MarkFlagRequired("user")
	memberCmd.AddCommand(memberAddCmd, memberListCmd)
}

func withStore(ctx context.Context, fn func(ctx context.Context, s *store.SQLStore) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.StoreConfigured() {
		return fmt.Errorf("DATABASE_URL is required")
	}
	db, err := store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()
	return fn(ctx, store.NewSQLStore(db))
}

type memberStore interface {
	UpsertProjectMember(ctx context.Context, m store.Member) error
	ListProjectMembers(ctx context.Context, projectID string) ([]store.Member, error)
}

func addMember(ctx context.Context, s memberStore, out io.Writer, m store.Member) error {
	m.UserID = strings.TrimSpace(m.UserID)
	m.DisplayName = strings.TrimSpace(m.DisplayName)
	if m.DisplayName == "" {
		m.DisplayName = m.UserID
	}
	if err := s.UpsertProjectMember(ctx, m); err != nil {
		return err
	}
	fmt.Fprintf(out, "%s is a member of %s as %q\n", m.UserID, m.ProjectID, m.DisplayName)
	return nil
}

func listMembers(ctx context.Context, s memberStore, out io.Writer, projectID string) error {
	members, err := s.ListProjectMembers(ctx, projectID)
	if err != nil {
		return err
	}
	for _, m := range members {
		line := fmt.Sprintf("%s\t%s", m.UserID, m.DisplayName)
		if m.Email != "" {
			line += "\t" + m.Email
		}
		fmt.Fprintln(out, line)
	}
	return nil
}
