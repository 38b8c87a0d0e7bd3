package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/phasegate/internal/attractor"
	"github.com/danielpatrickdp/phasegate/internal/intervention"
	"github.com/danielpatrickdp/phasegate/internal/rpc"
	"github.com/danielpatrickdp/phasegate/internal/trajectory"
)

var (
	inspectAgent string
	inspectSince time.Duration
	inspectLast  int
	inspectJSON  bool
)

// #region commands

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show recorded transitions, events, attractors or interventions",
}

var inspectTransitionsCmd = &cobra.Command{
	Use:   "transitions",
	Short: "List an agent's gated actions",
	RunE:  runInspectTransitions,
}

var inspectEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List an agent's security events",
	RunE:  runInspectEvents,
}

var inspectAttractorsCmd = &cobra.Command{
	Use:   "attractors",
	Short: "List discovered attractors (all agents when --agent is empty)",
	RunE:  runInspectAttractors,
}

var inspectInterventionsCmd = &cobra.Command{
	Use:   "interventions",
	Short: "List active interventions",
	RunE:  runInspectInterventions,
}

func init() {
	inspectCmd.PersistentFlags().StringVar(&inspectAgent, "agent", "", "agent id")
	inspectCmd.PersistentFlags().DurationVar(&inspectSince, "since", 0, "only records newer than this (0 = all)")
	inspectCmd.PersistentFlags().IntVar(&inspectLast, "last", 20, "show N most recent records (0 = all)")
	inspectCmd.PersistentFlags().BoolVar(&inspectJSON, "json", false, "output as JSON instead of table")
	addRemoteFlag(inspectTransitionsCmd)

	inspectCmd.AddCommand(inspectTransitionsCmd, inspectEventsCmd, inspectAttractorsCmd, inspectInterventionsCmd)
}

// #endregion commands

// #region transitions

func runInspectTransitions(cmd *cobra.Command, args []string) error {
	if inspectAgent == "" {
		return fmt.Errorf("--agent is required")
	}
	var since time.Time
	if inspectSince > 0 {
		since = time.Now().Add(-inspectSince)
	}

	var trs []trajectory.Transition
	if remoteAddr != "" {
		c, err := rpc.NewClient(remoteAddr)
		if err != nil {
			return err
		}
		defer c.Close()
		if trs, err = c.GetTrajectory(cmd.Context(), inspectAgent, since, time.Time{}); err != nil {
			return err
		}
	} else {
		e, err := openEngine()
		if err != nil {
			return err
		}
		defer e.Close()
		if trs, err = e.GetTrajectory(cmd.Context(), inspectAgent, since, time.Time{}); err != nil {
			return err
		}
	}
	trs = lastN(trs, inspectLast)

	if inspectJSON {
		return writeJSON(os.Stdout, trs)
	}
	if len(trs) == 0 {
		fmt.Fprintln(os.Stderr, "no transitions found")
		return nil
	}
	fmt.Printf("%-20s| %-22s| %-10s| %-8s| %-6s| %s\n", "Time", "Decision", "Action", "Fallback", "Events", "Reason")
	fmt.Printf("%s\n", strings.Repeat("-", 100))
	for _, tr := range trs {
		fmt.Printf("%-20s| %-22s| %-10s| %-8t| %-6d| %s\n",
			tr.Timestamp.Format(time.DateTime), tr.Decision, truncate(tr.ActionID, 10), tr.Fallback, tr.EventCount, tr.Reason)
	}
	return nil
}

// #endregion transitions

// #region events

func runInspectEvents(cmd *cobra.Command, args []string) error {
	if inspectAgent == "" {
		return fmt.Errorf("--agent is required")
	}
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	q := trajectory.Query{AgentID: inspectAgent}
	if inspectSince > 0 {
		q.Since = time.Now().Add(-inspectSince)
	}
	events, err := e.Events(cmd.Context(), q)
	if err != nil {
		return err
	}
	events = lastN(events, inspectLast)

	if inspectJSON {
		return writeJSON(os.Stdout, events)
	}
	if len(events) == 0 {
		fmt.Fprintln(os.Stderr, "no events found")
		return nil
	}
	fmt.Printf("%-20s| %-22s| %-9s| %s\n", "Time", "Kind", "Severity", "Detail")
	fmt.Printf("%s\n", strings.Repeat("-", 90))
	for _, ev := range events {
		fmt.Printf("%-20s| %-22s| %-9s| %s\n", ev.Timestamp.Format(time.DateTime), ev.Kind, ev.Severity, ev.Detail)
	}
	return nil
}

// #endregion events

// #region attractors

func runInspectAttractors(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	agents := []string{inspectAgent}
	if inspectAgent == "" {
		if agents, err = e.Agents(cmd.Context()); err != nil {
			return err
		}
	}
	var all []attractor.Attractor
	for _, id := range agents {
		as, err := e.Attractors(id)
		if err != nil {
			return err
		}
		all = append(all, as...)
	}

	if inspectJSON {
		return writeJSON(os.Stdout, all)
	}
	if len(all) == 0 {
		fmt.Fprintln(os.Stderr, "no attractors found")
		return nil
	}
	fmt.Printf("%-12s| %-10s| %-12s| %-6s| %-7s| %s\n", "Agent", "ID", "Class", "Score", "Members", "Radius")
	fmt.Printf("%s\n", strings.Repeat("-", 70))
	for _, a := range all {
		fmt.Printf("%-12s| %-10s| %-12s| %-6.3f| %-7d| %.3f\n",
			truncate(a.AgentID, 12), truncate(a.ID, 10), a.Classification, a.Score, a.Members, a.Radius)
	}
	return nil
}

// #endregion attractors

// #region interventions

func runInspectInterventions(cmd *cobra.Command, args []string) error {
	e, err := openEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	active := e.Interventions()
	ids := make([]string, 0, len(active))
	for id := range active {
		if inspectAgent == "" || id == inspectAgent {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	list := make([]intervention.Intervention, 0, len(ids))
	for _, id := range ids {
		list = append(list, active[id])
	}

	if inspectJSON {
		return writeJSON(os.Stdout, list)
	}
	if len(list) == 0 {
		fmt.Fprintln(os.Stderr, "no active interventions")
		return nil
	}
	fmt.Printf("%-12s| %-10s| %-11s| %-8s| %-20s| %s\n", "Agent", "Level", "Occurrences", "Reviewed", "Last visit", "Reason")
	fmt.Printf("%s\n", strings.Repeat("-", 100))
	for _, iv := range list {
		fmt.Printf("%-12s| %-10s| %-11d| %-8t| %-20s| %s\n",
			truncate(iv.AgentID, 12), iv.Level, iv.Occurrences, iv.Reviewed, iv.LastVisit.Format(time.DateTime), iv.Reason)
	}
	return nil
}

// #endregion interventions

// #region output

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeJSONLine(w io.Writer, v any) error {
	return json.NewEncoder(w).Encode(v)
}

func lastN[T any](xs []T, n int) []T {
	if n > 0 && len(xs) > n {
		return xs[len(xs)-n:]
	}
	return xs
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// #endregion output
