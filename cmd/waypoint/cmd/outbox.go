package cmd

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/solatis/waypoint/internal/core/db"
)

var outboxCmd = &cobra.Command{
	Use:   "outbox",
	Short: "Inspect and settle queued send requests",
}

var outboxPendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Print pending send requests",
	RunE:  runOutboxPending,
}

var outboxMarkCmd = &cobra.Command{
	Use:   "mark",
	Short: "Mark a pending send request sent or failed",
	RunE:  runOutboxMark,
}

func init() {
	rootCmd.AddCommand(outboxCmd)
	outboxCmd.AddCommand(outboxPendingCmd, outboxMarkCmd)
	outboxPendingCmd.Flags().Int("limit", 100, "maximum requests to print")
	outboxMarkCmd.Flags().String("id", "", "send request id")
	outboxMarkCmd.Flags().String("status", string(db.SendSent), "new status (sent, failed)")
	_ = outboxMarkCmd.MarkFlagRequired("id")
}

func runOutboxPending(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.DB().Close()

	pending, err := db.NewOutbox(store).Pending(context.Background(), limit)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCAMPAIGN\tUSER\tJOURNEY\tCREATED")
	for _, q := range pending {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", q.ID, q.CampaignID, q.UserID, q.JourneyID, q.CreatedAt.UTC().Format(time.RFC3339))
	}
	return w.Flush()
}

func runOutboxMark(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	id, _ := cmd.Flags().GetString("id")
	statusFlag, _ := cmd.Flags().GetString("status")
	status := db.SendStatus(statusFlag)
	if status != db.SendSent && status != db.SendFailed {
		return fmt.Errorf("invalid status %q (expected sent or failed)", status)
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.DB().Close()

	ok, err := db.NewOutbox(store).Mark(context.Background(), id, status, time.Now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("send request %s is not pending", id)
	}
	return nil
}
