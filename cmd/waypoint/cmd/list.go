package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/solatis/waypoint/internal/core/db"
	"github.com/solatis/waypoint/internal/lists"
	"github.com/solatis/waypoint/internal/rules"
	"github.com/solatis/waypoint/internal/types"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Manage dynamic lists",
}

var listPutCmd = &cobra.Command{
	Use:   "put",
	Short: "Create or replace a dynamic list",
	RunE:  runListPut,
}

var listMembersCmd = &cobra.Command{
	Use:   "members",
	Short: "Print the members of a list",
	RunE:  runListMembers,
}

var listRebuildCmd = &cobra.Command{
	Use:   "rebuild [user-id...]",
	Short: "Re-evaluate a list for its members and the given users",
	RunE:  runListRebuild,
}

func init() {
	rootCmd.AddCommand(listCmd)
	listCmd.AddCommand(listPutCmd, listMembersCmd, listRebuildCmd)

	for _, c := range []*cobra.Command{listPutCmd, listMembersCmd, listRebuildCmd} {
		c.Flags().String("id", "", "list id")
		_ = c.MarkFlagRequired("id")
	}
	listPutCmd.Flags().String("name", "", "list name (defaults to the id)")
	listPutCmd.Flags().String("rule", "", "root wrapper rule document or @file")
	_ = listPutCmd.MarkFlagRequired("rule")
}

func runListPut(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	id, _ := cmd.Flags().GetString("id")
	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		name = id
	}
	ruleFlag, _ := cmd.Flags().GetString("rule")
	raw, err := readDocument(ruleFlag)
	if err != nil {
		return err
	}
	rule, err := rules.ParseRule(raw)
	if err != nil {
		return err
	}
	if _, err := lists.Matches(types.Subject{}, rule); err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.DB().Close()

	if err := db.NewListStore(store).PutList(context.Background(), lists.List{ID: id, Name: name, Rule: rule}); err != nil {
		return fmt.Errorf("failed to store list: %w", err)
	}
	logger.Info("list stored", "list_id", id)
	return nil
}

func runListMembers(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	id, _ := cmd.Flags().GetString("id")

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.DB().Close()

	members, err := db.NewListStore(store).Members(context.Background(), id)
	if err != nil {
		return err
	}
	for _, m := range members {
		fmt.Fprintln(cmd.OutOrStdout(), m)
	}
	return nil
}

func runListRebuild(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	id, _ := cmd.Flags().GetString("id")

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	rt, err := newEngineRuntime(cfg, store, logger)
	if err != nil {
		store.DB().Close()
		return err
	}
	defer rt.Close()

	ctx := context.Background()
	members, err := rt.lists.Members(ctx, id)
	if err != nil {
		return err
	}
	seen := make(map[string]bool, len(members)+len(args))
	var users []string
	for _, u := range append(members, args...) {
		if !seen[u] {
			seen[u] = true
			users = append(users, u)
		}
	}

	changes, err := rt.materializer.Rebuild(ctx, id, users)
	for _, c := range changes {
		verb := "left"
		if c.Joined {
			verb = "joined"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", c.UserID, verb)
	}
	return err
}
