package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/phasegate/internal/replay"
)

var (
	fixturePath string
	replayOut   string
	replayJSON  bool
)

// #region replay

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay a fixture through the gate and compare decisions",
	Long: `Feeds the fixture's signals and gate calls through the configured
manifolds, projector and gate with in-memory recording. Exits non-zero when
any step diverges from its expectation.`,
	RunE: runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	f, err := replay.LoadFixture(fixturePath)
	if err != nil {
		return err
	}
	report, err := replay.Replay(cmd.Context(), cfg, f, logger.Named("replay"))
	if err != nil {
		return err
	}

	if replayOut != "" {
		if err := writeTransitions(replayOut, report); err != nil {
			return err
		}
	}
	if replayJSON {
		if err := writeJSON(os.Stdout, report); err != nil {
			return err
		}
	} else {
		printComparison(report)
	}
	if report.Summary.Mismatches > 0 {
		return fmt.Errorf("%d of %d steps diverge", report.Summary.Mismatches, report.Summary.Steps)
	}
	return nil
}

// printComparison outputs a comparison table of the gate steps.
func printComparison(report replay.Report) {
	fmt.Printf("%-16s| %-22s| %-22s| %s\n", "Step", "Expected", "Replayed", "Match")
	fmt.Printf("%-16s+%-23s+%-23s+%s\n", "----------------", "-----------------------", "-----------------------", "------")
	for _, r := range report.Results {
		if r.Kind != "gate" && r.Match {
			continue
		}
		got := string(r.Decision)
		if r.Err != "" {
			got = "error"
		}
		match := "DIFF"
		if r.Match {
			match = "OK"
		}
		fmt.Printf("%-16s| %-22s| %-22s| %s\n", truncate(r.ID, 16), r.Expected, got, match)
	}
	s := report.Summary
	fmt.Printf("\nSummary: %d steps, %d gates (%d allow, %d projected, %d block), %d diverge\n",
		s.Steps, s.Gates, s.Allow, s.AllowWithProjection, s.Block, s.Mismatches)
}

func writeTransitions(path string, report replay.Report) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()
	for _, tr := range report.Transitions {
		if err := writeJSONLine(f, tr); err != nil {
			return err
		}
	}
	return nil
}

// #endregion replay

func init() {
	replayCmd.Flags().StringVar(&fixturePath, "fixture", "", "path to fixture JSON")
	replayCmd.Flags().StringVar(&replayOut, "out", "", "write the replayed transitions as JSON Lines")
	replayCmd.Flags().BoolVar(&replayJSON, "json", false, "print the full report as JSON")
	_ = replayCmd.MarkFlagRequired("fixture")
}
