package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/configpilot/configpilot/internal/broadcast"
	"github.com/configpilot/configpilot/internal/config"
	"github.com/configpilot/configpilot/internal/database"
	"github.com/configpilot/configpilot/internal/jobs"
	"github.com/configpilot/configpilot/internal/metadata"
	"github.com/configpilot/configpilot/internal/models"
	"github.com/configpilot/configpilot/internal/services"
)

var (
	analyzeOrg      string
	analyzeTicket   string
	analyzeSnapshot string
	analyzeChanges  string
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Analyze an org snapshot offline and print patterns or recommendations as JSON",
	Long: `Runs pattern analysis against a YAML metadata snapshot using an in-memory
database. With --changes, a full recalculation cycle runs for the proposed
change set (JSON) and the resulting recommendation set is printed instead.

Example:
  configpilot analyze --snapshot org.yaml --org 00D000000000001 --changes ticket.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAnalyze(cmd, cmd.OutOrStdout())
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeOrg, "org", "", "org id in the snapshot (required)")
	analyzeCmd.Flags().StringVar(&analyzeTicket, "ticket", "cli", "ticket id to record the analysis under")
	analyzeCmd.Flags().StringVar(&analyzeSnapshot, "snapshot", "", "YAML metadata snapshot (defaults to METADATA_SNAPSHOT)")
	analyzeCmd.Flags().StringVar(&analyzeChanges, "changes", "", "JSON file with proposed changes")
	_ = analyzeCmd.MarkFlagRequired("org")
}

func runAnalyze(cmd *cobra.Command, out io.Writer) error {
	snapshotPath := analyzeSnapshot
	if snapshotPath == "" {
		snapshotPath = cfg.MetadataSnapshot
	}
	if snapshotPath == "" {
		return fmt.Errorf("--snapshot or METADATA_SNAPSHOT is required")
	}
	snap, err := metadata.LoadSnapshot(snapshotPath)
	if err != nil {
		return err
	}
	meta := metadata.NewStaticClient(snap)

	db, err := openDatabase(database.SQLitePrefix + ":memory:")
	if err != nil {
		return err
	}
	defer database.Close(db)
	store := database.NewStore(db)
	ctx := cmd.Context()

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	patterns := services.NewPatternService(meta, store, logger)
	if analyzeChanges == "" {
		result, err := patterns.AnalyzeOrgPatterns(ctx, analyzeOrg, analyzeTicket)
		if err != nil {
			return err
		}
		return enc.Encode(result)
	}

	changes, err := readChanges(analyzeChanges)
	if err != nil {
		return err
	}
	rules, err := config.LoadConflictRules(cfg.HeuristicsFile, services.DefaultConflictRules())
	if err != nil {
		return err
	}
	recalc := jobs.NewRecalculator(jobs.Deps{
		Patterns:    patterns,
		Engine:      services.NewRecommendationService(newGenerator(cfg), logger),
		Conflicts:   services.NewConflictService(meta, rules, logger),
		Store:       store,
		Broadcaster: broadcast.NewHub(logger),
		Settings:    jobs.StaticSettings(&cfg.Recalculation),
		Log:         logger,
	})
	defer recalc.Close()

	result, err := recalc.RunCycle(ctx, models.RecalculationContext{
		TicketID:        analyzeTicket,
		OrgID:           analyzeOrg,
		ProposedChanges: changes,
		TriggerType:     models.TriggerManual,
	})
	if err != nil {
		return err
	}
	return enc.Encode(result)
}

func readChanges(path string) (*models.ProposedChanges, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read changes: %w", err)
	}
	var changes models.ProposedChanges
	if err := json.Unmarshal(data, &changes); err != nil {
		return nil, fmt.Errorf("failed to parse changes %s: %w", path, err)
	}
	return &changes, nil
}
