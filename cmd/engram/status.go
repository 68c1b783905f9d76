package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"engram/internal/logging"
	"engram/internal/types"
)

var (
	purgeOlderThan time.Duration
	purgeDryRun    bool

	reembedBatch  int
	reembedDryRun bool
)

// statusCmd summarizes the store
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show store and robot statistics",
	RunE:  showStatus,
}

// purgeCmd hard-deletes old tombstones
var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Hard-delete tombstoned memories past the retention window",
	Long: `Forgotten memories are tombstones: hidden from recall, restorable on
demand. purge removes tombstones older than --older-than for good.

Example:
  engram purge --dry-run
  engram purge --older-than 168h`,
	RunE: runPurge,
}

// reembedCmd regenerates drifted embeddings
var reembedCmd = &cobra.Command{
	Use:   "reembed",
	Short: "Re-embed nodes whose vector dimension drifted from the configured provider",
	Long: `Switching embedding models changes the vector dimension; existing
nodes then carry embeddings the vector index ranks incorrectly against
fresh ones. reembed finds nodes whose stored dimension differs from the
configured one and regenerates their vectors in batches.

Example:
  engram reembed --dry-run
  engram reembed --batch 128`,
	RunE: runReembed,
}

func init() {
	purgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 30*24*time.Hour, "Only purge tombstones older than this")
	purgeCmd.Flags().BoolVar(&purgeDryRun, "dry-run", false, "Report what would be purged without deleting")

	reembedCmd.Flags().IntVar(&reembedBatch, "batch", 64, "Nodes re-embedded per batch")
	reembedCmd.Flags().BoolVar(&reembedDryRun, "dry-run", false, "Report drift counts without re-embedding")
}

func showStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	stats, err := st.StoreStats(ctx)
	if err != nil {
		return err
	}
	pool := st.PoolHealth()
	hits, misses := st.Cache().Stats()

	fmt.Println("engram store status")
	fmt.Println("===================")
	fmt.Printf("Nodes:        %d (%d embedded, %d tombstoned)\n", stats.Nodes, stats.Embedded, stats.Tombstones)
	fmt.Printf("Propositions: %d\n", stats.Propositions)
	fmt.Printf("Tags:         %d\n", stats.Tags)
	fmt.Printf("Robots:       %d\n", stats.Robots)
	fmt.Printf("Pool:         %d/%d in use (%.0f%%, %s)\n", pool.InUse, pool.Max, pool.Utilization, pool.Status)
	fmt.Printf("Query cache:  %d hits / %d misses\n", hits, misses)

	robot, err := st.RobotByName(ctx, robotName)
	if err != nil {
		if types.KindOf(err) == types.KindNotFound {
			fmt.Printf("\nRobot %q has no memories yet\n", robotName)
			return nil
		}
		return err
	}
	rs, err := st.RobotStats(ctx, robot.ID, cfg.Memory.MaxTokens)
	if err != nil {
		return err
	}
	fmt.Printf("\nRobot %q\n", robot.Name)
	fmt.Printf("  Memories:       %d\n", rs.NodeCount)
	fmt.Printf("  Working set:    %d nodes, %d/%d tokens (%.0f%%)\n",
		rs.WorkingNodes, rs.WorkingTokens, rs.MaxTokens, rs.UtilizationPct)
	fmt.Printf("  Last active:    %s\n", robot.LastActiveAt.Format(time.RFC3339))
	return nil
}

func runPurge(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	cutoff := time.Now().Add(-purgeOlderThan)

	if purgeDryRun {
		n, err := st.CountTombstonesBefore(ctx, cutoff)
		if err != nil {
			return err
		}
		fmt.Printf("Would purge %d tombstone(s) older than %s\n", n, purgeOlderThan)
		return nil
	}

	n, err := st.PurgeDeleted(ctx, cutoff)
	if err != nil {
		return err
	}
	fmt.Printf("Purged %d tombstone(s)\n", n)
	return nil
}

func runReembed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	stk, err := buildStack(ctx)
	if err != nil {
		return err
	}
	defer drain(stk)
	log := logging.Named("reembed")

	dim := cfg.Embedding.Dimensions
	total, err := stk.store.CountDrifted(ctx, dim)
	if err != nil {
		return err
	}
	if total == 0 {
		fmt.Printf("All embeddings already at %d dimensions\n", dim)
		return nil
	}
	if reembedDryRun {
		fmt.Printf("%d node(s) drifted from %d dimensions\n", total, dim)
		return nil
	}

	fmt.Printf("Re-embedding %d node(s) at %d dimensions...\n", total, dim)
	var done, failed int
	var afterID int64
	for {
		nodes, err := stk.store.DriftedNodes(ctx, dim, reembedBatch, afterID)
		if err != nil {
			return err
		}
		if len(nodes) == 0 {
			break
		}
		for _, n := range nodes {
			if err := stk.workflow.EmbedNode(ctx, n.ID, n.Content); err != nil {
				log.Warn("re-embed failed", zap.Int64("node_id", n.ID), zap.Error(err))
				failed++
				continue
			}
			done++
		}
		afterID = nodes[len(nodes)-1].ID
	}

	fmt.Printf("Re-embedded %d node(s)", done)
	if failed > 0 {
		fmt.Printf(", %d failed (see log)", failed)
	}
	fmt.Println()
	return nil
}
