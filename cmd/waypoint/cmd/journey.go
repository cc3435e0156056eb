package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/solatis/waypoint/internal/core/db"
	"github.com/solatis/waypoint/internal/journey"
	"github.com/solatis/waypoint/internal/types"
)

var journeyCmd = &cobra.Command{
	Use:   "journey",
	Short: "Validate, publish and inspect journeys",
}

var journeyValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a step map file without storing it",
	RunE:  runJourneyValidate,
}

var journeyPublishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Store a step map file as a journey",
	RunE:  runJourneyPublish,
}

var journeyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print a stored journey as a step map",
	RunE:  runJourneyShow,
}

func init() {
	rootCmd.AddCommand(journeyCmd)
	journeyCmd.AddCommand(journeyValidateCmd, journeyPublishCmd, journeyShowCmd)

	for _, c := range []*cobra.Command{journeyValidateCmd, journeyPublishCmd} {
		c.Flags().String("file", "", "step map file (YAML or JSON)")
		c.Flags().String("id", "", "journey id")
		c.Flags().String("name", "", "journey name (defaults to the id)")
		_ = c.MarkFlagRequired("file")
		_ = c.MarkFlagRequired("id")
	}
	journeyPublishCmd.Flags().Bool("draft", false, "store without publishing; existing runs keep going but no new users enter")
	journeyShowCmd.Flags().String("id", "", "journey id")
	_ = journeyShowCmd.MarkFlagRequired("id")
}

// graphFromFlags loads and validates the step map named by --file.
func graphFromFlags(cmd *cobra.Command, published bool) (*journey.Graph, error) {
	path, _ := cmd.Flags().GetString("file")
	id, _ := cmd.Flags().GetString("id")
	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		name = id
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	m, err := journey.ParseStepMap(data)
	if err != nil {
		return nil, err
	}
	g, err := journey.FromStepMap(types.Journey{ID: id, Name: name, Published: published}, m)
	if err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

func runJourneyValidate(cmd *cobra.Command, args []string) error {
	g, err := graphFromFlags(cmd, true)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "journey %s is valid: %d steps, %d entrances\n", g.Journey.ID, len(g.Steps), len(g.Entrances()))
	return nil
}

func runJourneyPublish(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	draft, _ := cmd.Flags().GetBool("draft")
	g, err := graphFromFlags(cmd, !draft)
	if err != nil {
		return err
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.DB().Close()

	if err := db.NewGraphStore(store).PublishGraph(context.Background(), g); err != nil {
		return fmt.Errorf("failed to publish journey: %w", err)
	}
	logger.Info("journey stored", "journey_id", g.Journey.ID, "steps", len(g.Steps), "published", g.Journey.Published)
	return nil
}

func runJourneyShow(cmd *cobra.Command, args []string) error {
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

	g, err := db.NewGraphStore(store).GetGraph(context.Background(), id)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent(2)
	if err := enc.Encode(g.StepMap()); err != nil {
		return err
	}
	return enc.Close()
}
