package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"engram/internal/agent"
)

// How long a one-shot command may spend draining background enrichment.
const drainGrace = 30 * time.Second

var (
	rememberTags       []string
	rememberImportance float64

	recallLimit     int
	recallTimeframe string
	recallStrategy  string
	recallRelevance bool
	recallRaw       bool

	forgetHard    bool
	forgetConfirm string
)

// rememberCmd stores one memory
var rememberCmd = &cobra.Command{
	Use:   "remember [content]",
	Short: "Store a memory for the robot",
	Long: `Persists content as a long-term memory and settles it into the
robot's working set. Embedding, tag extraction, and proposition
decomposition run before the command exits.

Example:
  engram remember "the staging cluster lives in eu-west-1" --tags infra:aws
  engram -r scout remember "retros happen on fridays" --importance 2`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRemember,
}

// recallCmd searches long-term memory
var recallCmd = &cobra.Command{
	Use:   "recall [query]",
	Short: "Search the robot's memories",
	Long: `Runs hybrid retrieval (vector + full-text + tags) over the robot's
memories. Results are pulled back into the working set unless --raw.

The --timeframe flag accepts a date (2026-03-10), a natural phrase
("last week", "2 days ago"), or "auto" to lift the phrase out of the
query text itself.

Example:
  engram recall "what did we decide about caching" --timeframe auto
  engram recall "deploy checklist" --limit 5 --relevance`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRecall,
}

// forgetCmd removes one memory
var forgetCmd = &cobra.Command{
	Use:   "forget [node-id]",
	Short: "Forget a memory (tombstone by default)",
	Long: `Tombstones the node: it disappears from recall but remains
recoverable. A hard delete removes the row and its associations for
good and therefore requires --hard --confirm confirmed.`,
	Args: cobra.ExactArgs(1),
	RunE: runForget,
}

func init() {
	rememberCmd.Flags().StringSliceVar(&rememberTags, "tags", nil, "Hierarchical tags to assert (repeatable, colon-separated paths)")
	rememberCmd.Flags().Float64Var(&rememberImportance, "importance", 0, "Working-set weight, 0-10")

	recallCmd.Flags().IntVar(&recallLimit, "limit", 10, "Maximum results")
	recallCmd.Flags().StringVar(&recallTimeframe, "timeframe", "", "Time window: date, phrase, or \"auto\"")
	recallCmd.Flags().StringVar(&recallStrategy, "strategy", "", "Retrieval strategy: hybrid|vector|fulltext")
	recallCmd.Flags().BoolVar(&recallRelevance, "relevance", false, "Annotate results with fused scores")
	recallCmd.Flags().BoolVar(&recallRaw, "raw", false, "Do not pull results into working memory")

	forgetCmd.Flags().BoolVar(&forgetHard, "hard", false, "Delete the row instead of tombstoning")
	forgetCmd.Flags().StringVar(&forgetConfirm, "confirm", "", "Must be \"confirmed\" for a hard delete")
}

func runRemember(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	stk, err := buildStack(ctx)
	if err != nil {
		return err
	}
	defer drain(stk)

	a, err := newAgent(ctx, stk)
	if err != nil {
		return err
	}
	res, err := a.Remember(ctx, agent.RememberInput{
		Content:    strings.Join(args, " "),
		Tags:       rememberTags,
		Importance: rememberImportance,
	})
	if err != nil {
		return err
	}

	if res.IsNew {
		fmt.Printf("Memory #%d stored (%d tokens)\n", res.NodeID, res.TokenCount)
	} else {
		fmt.Printf("Memory #%d already known; working set refreshed\n", res.NodeID)
	}
	return nil
}

func runRecall(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	stk, err := buildStack(ctx)
	if err != nil {
		return err
	}
	defer drain(stk)

	a, err := newAgent(ctx, stk)
	if err != nil {
		return err
	}

	var tf any
	if recallTimeframe != "" {
		tf = recallTimeframe
	}
	res, err := a.Recall(ctx, agent.RecallInput{
		Query:     strings.Join(args, " "),
		Timeframe: tf,
		Limit:     recallLimit,
		Strategy:  recallStrategy,
		Raw:       recallRaw,
	})
	if err != nil {
		return err
	}

	if res.Window != nil {
		fmt.Printf("Window: %s .. %s",
			res.Window.Start.Format(time.RFC3339), res.Window.End.Format(time.RFC3339))
		if res.Extracted != "" {
			fmt.Printf("  (from %q)", res.Extracted)
		}
		fmt.Println()
	}
	if len(res.Results) == 0 {
		fmt.Println("No memories found")
		return nil
	}
	for i, line := range res.Strings(recallRelevance) {
		fmt.Printf("%3d. [#%d] %s\n", i+1, res.Results[i].Node.ID, line)
	}
	return nil
}

func runForget(cmd *cobra.Command, args []string) error {
	nodeID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("node id %q is not a number", args[0])
	}

	ctx := cmd.Context()
	stk, err := buildStack(ctx)
	if err != nil {
		return err
	}
	defer drain(stk)

	a, err := newAgent(ctx, stk)
	if err != nil {
		return err
	}
	if err := a.Forget(ctx, nodeID, !forgetHard, forgetConfirm); err != nil {
		return err
	}

	if forgetHard {
		fmt.Printf("Memory #%d deleted\n", nodeID)
	} else {
		fmt.Printf("Memory #%d tombstoned (restorable via the MCP memory_restore tool)\n", nodeID)
	}
	return nil
}

func newAgent(ctx context.Context, stk *stack) (*agent.Agent, error) {
	return agent.New(ctx, agent.Config{
		RobotName: robotName,
		Store:     stk.store,
		Workflow:  stk.workflow,
		Searcher:  stk.searcher,
		Frames:    stk.frames,
	})
}

func drain(stk *stack) {
	ctx, cancel := context.WithTimeout(context.Background(), drainGrace)
	defer cancel()
	stk.close(ctx)
}
