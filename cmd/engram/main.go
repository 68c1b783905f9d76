package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"engram/internal/breaker"
	"engram/internal/config"
	"engram/internal/enrich"
	"engram/internal/jobs"
	"engram/internal/logging"
	"engram/internal/provider"
	"engram/internal/search"
	"engram/internal/store"
	"engram/internal/telemetry"
	"engram/internal/timeframe"
	"engram/internal/tokenizer"
	"engram/internal/workmem"
)

var (
	// Global flags
	cfgPath   string
	verbose   bool
	robotName string

	// Loaded configuration, set by the root PersistentPreRunE.
	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "engram",
	Short: "engram - durable memory substrate for LLM agents",
	Long: `engram gives LLM agents ("robots") memory that survives the context
window: content-addressed storage in PostgreSQL, hybrid recall fusing
vector, full-text, and tag retrieval, and a token-bounded working set per
robot.

Robots talk to a running server over MCP (engram serve); the remember,
recall, and forget subcommands drive the same pipeline one-shot from the
shell.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}

		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		if _, err := logging.Init(level, cfg.Logging.Format); err != nil {
			return fmt.Errorf("initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "Config file (engram.yaml; defaults apply when missing)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVarP(&robotName, "robot", "r", "default", "Robot identity for memory commands")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(rememberCmd)
	rootCmd.AddCommand(recallCmd)
	rootCmd.AddCommand(forgetCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(reembedCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// =============================================================================
// SHARED WIRING
// =============================================================================

// stack is the wired pipeline shared by serve and the one-shot memory
// commands: pool, providers, write workflow, and search engine.
type stack struct {
	store    *store.Store
	metrics  *telemetry.Metrics
	breakers *breaker.Registry
	runner   *jobs.Runner
	sets     *workmem.Sets
	workflow *enrich.Workflow
	searcher *search.Engine
	frames   *timeframe.Parser
}

func openStore(ctx context.Context) (*store.Store, error) {
	return store.Open(ctx, store.Options{
		ConnString: cfg.Database.ConnString(),
		PoolMax:    int32(cfg.Database.PoolMax),
		PoolMin:    int32(cfg.Database.PoolMin),
		CacheTTL:   cfg.Cache.TTL,
		CacheSize:  cfg.Cache.Size,
	})
}

func buildStack(ctx context.Context) (*stack, error) {
	st, err := openStore(ctx)
	if err != nil {
		return nil, err
	}

	var metrics *telemetry.Metrics
	if cfg.Telemetry.Enabled {
		metrics = telemetry.New(nil)
	}
	breakers := breaker.NewRegistry(breaker.DefaultConfig())

	counter, err := tokenizer.New(cfg.Tokenizer.Provider, cfg.Tokenizer.Encoding)
	if err != nil {
		st.Close()
		return nil, err
	}

	var embedder provider.Embedder = provider.NewEmbedder(cfg.Embedding, breakers, metrics)
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		embedder = provider.NewCachedEmbedder(embedder, rdb, cfg.Redis.TTL)
	}
	tagger := provider.NewTagExtractor(cfg.TagProvider, breakers, metrics)
	var props provider.PropositionGenerator
	if cfg.Propositions.Enabled && cfg.Propositions.Endpoint != "" {
		props = provider.NewPropositionGenerator(cfg.Propositions, breakers, metrics)
	}

	runner := jobs.New(cfg.Jobs)
	sets := workmem.NewSets(cfg.Memory.MaxTokens)

	return &stack{
		store:    st,
		metrics:  metrics,
		breakers: breakers,
		runner:   runner,
		sets:     sets,
		workflow: enrich.New(enrich.Config{
			Store:        st,
			Counter:      counter,
			Runner:       runner,
			Sets:         sets,
			Embedder:     embedder,
			Tagger:       tagger,
			Propositions: props,
		}),
		searcher: search.New(st, embedder, tagger, metrics),
		frames:   timeframe.New(timeframe.WithWeekStart(weekStart(cfg.Timeframe.WeekStart))),
	}, nil
}

// close drains queued enrichment before releasing the pool, so a one-shot
// command never exits with embeddings still in flight.
func (s *stack) close(ctx context.Context) {
	if err := s.runner.Close(ctx); err != nil {
		logging.L().Warn("job runner close failed", zap.Error(err))
	}
	s.store.Close()
}

func weekStart(name string) time.Weekday {
	if name == "sunday" {
		return time.Sunday
	}
	return time.Monday
}
