package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/phasegate/internal/attractor"
	"github.com/danielpatrickdp/phasegate/internal/rpc"
)

var (
	discoverParams attractor.Params
	discoverJSON   bool
	discoverAgent  string
	reviewer       string
)

// #region discover

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Run attractor discovery once, then evaluate interventions",
	Long: `Clusters every agent's trajectory windows, replaces the stored
attractors and, when run against local stores, advances interventions.
Zero-valued flags keep the configured discovery parameters.`,
	RunE: runDiscover,
}

func runDiscover(cmd *cobra.Command, args []string) error {
	if remoteAddr != "" {
		c, err := rpc.NewClient(remoteAddr)
		if err != nil {
			return err
		}
		defer c.Close()
		found, err := c.DiscoverAttractors(cmd.Context(), discoverAgent, discoverParams)
		if err != nil {
			return err
		}
		return printDiscovered(found)
	}

	p := cfg.Discovery.Params
	if discoverParams.Eps > 0 {
		p.Eps = discoverParams.Eps
	}
	if discoverParams.MinSamples > 0 {
		p.MinSamples = discoverParams.MinSamples
	}
	if discoverParams.WindowSize > 0 {
		p.WindowSize = discoverParams.WindowSize
	}
	if discoverParams.Stride > 0 {
		p.Stride = discoverParams.Stride
	}

	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()
	var agents []string
	if discoverAgent != "" {
		agents = append(agents, discoverAgent)
	}
	found, err := e.DiscoverAttractors(cmd.Context(), p, agents...)
	if err != nil {
		return err
	}
	changes, err := e.EvaluateInterventions(cmd.Context())
	if err != nil {
		return err
	}
	for _, ch := range changes {
		fmt.Fprintf(os.Stderr, "intervention %s: %s -> %s (%s)\n", ch.AgentID, ch.From, ch.To, ch.Trigger)
	}
	return printDiscovered(found)
}

func printDiscovered(found []attractor.Attractor) error {
	if discoverJSON {
		return writeJSON(os.Stdout, found)
	}
	counts := map[attractor.Classification]int{}
	for _, a := range found {
		counts[a.Classification]++
	}
	fmt.Printf("Summary: %d attractors, %d beneficial, %d neutral, %d detrimental\n",
		len(found), counts[attractor.Beneficial], counts[attractor.Neutral], counts[attractor.Detrimental])
	return nil
}

// #endregion discover

// #region review

var reviewCmd = &cobra.Command{
	Use:   "review <agent-id>",
	Short: "Record a manual review so the next cooldown can lift restrict or block",
	Args:  cobra.ExactArgs(1),
	RunE:  runReview,
}

func runReview(cmd *cobra.Command, args []string) error {
	if reviewer == "" {
		return fmt.Errorf("--reviewer is required")
	}
	if remoteAddr != "" {
		c, err := rpc.NewClient(remoteAddr)
		if err != nil {
			return err
		}
		defer c.Close()
		return c.ReviewIntervention(cmd.Context(), args[0], reviewer)
	}
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()
	return e.ReviewIntervention(cmd.Context(), args[0], reviewer)
}

// #endregion review

func init() {
	discoverCmd.Flags().Float64Var(&discoverParams.Eps, "eps", 0, "neighborhood radius")
	discoverCmd.Flags().IntVar(&discoverParams.MinSamples, "min-samples", 0, "minimum cluster size")
	discoverCmd.Flags().IntVar(&discoverParams.WindowSize, "window", 0, "transitions per window")
	discoverCmd.Flags().IntVar(&discoverParams.Stride, "stride", 0, "window stride")
	discoverCmd.Flags().StringVar(&discoverAgent, "agent", "", "only this agent (all agents when empty)")
	discoverCmd.Flags().BoolVar(&discoverJSON, "json", false, "print the attractors as JSON")
	addRemoteFlag(discoverCmd)

	reviewCmd.Flags().StringVar(&reviewer, "reviewer", "", "who reviewed the agent")
	addRemoteFlag(reviewCmd)
}
