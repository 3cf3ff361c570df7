package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kailiangenn/another-me/pkg/assembly"
	"github.com/kailiangenn/another-me/pkg/config"
	"github.com/kailiangenn/another-me/pkg/core"
	"github.com/kailiangenn/another-me/pkg/graph"
	"github.com/kailiangenn/another-me/pkg/memstore"
)

var (
	configPath string
	dataDir    string
	verbose    bool
	asJSON     bool
)

const storeTag = "main"

var rootCmd = &cobra.Command{
	Use:   "anotherme",
	Short: "Personal memory engine",
	Long:  `A personal knowledge and memory engine: hybrid vector+graph retrieval over everything you tell it.`,
}

// setup loads config, builds the logger, and wires the container.
func setup() (*assembly.Container, *zap.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}

	logCfg := zap.NewProductionConfig()
	if verbose {
		logCfg = zap.NewDevelopmentConfig()
	}
	if err := logCfg.Level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return nil, nil, fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
	}
	logger, err := logCfg.Build()
	if err != nil {
		return nil, nil, err
	}

	return assembly.New(cfg, logger), logger, nil
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the data directory and stores",
	RunE: func(cmd *cobra.Command, args []string) error {
		container, logger, err := setup()
		if err != nil {
			return err
		}
		defer container.Close()
		defer logger.Sync()
		ctx := cmd.Context()

		cat, err := container.Catalog(storeTag)
		if err != nil {
			return fmt.Errorf("failed to open catalog: %w", err)
		}
		if err := cat.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to initialize catalog: %w", err)
		}

		for _, domain := range []graph.Domain{graph.DomainLife, graph.DomainWork} {
			g, err := container.Graph(storeTag, domain)
			if err != nil {
				return fmt.Errorf("failed to open %s graph: %w", domain, err)
			}
			if err := g.Initialize(ctx); err != nil {
				return fmt.Errorf("failed to initialize %s graph: %w", domain, err)
			}
		}

		index, err := container.VectorStore(storeTag)
		if err != nil {
			return fmt.Errorf("failed to open vector store: %w", err)
		}
		if err := index.Initialize(ctx); err != nil {
			return fmt.Errorf("failed to initialize vector store: %w", err)
		}

		fmt.Println("Initialized.")
		return nil
	},
}

var storeCmd = &cobra.Command{
	Use:   "store <content>",
	Short: "Store a memory",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		container, logger, err := setup()
		if err != nil {
			return err
		}
		defer container.Close()
		defer logger.Sync()

		importance, _ := cmd.Flags().GetFloat64("importance")
		retention, _ := cmd.Flags().GetString("retention")
		category, _ := cmd.Flags().GetString("category")
		tags, _ := cmd.Flags().GetStringSlice("tags")

		store, err := container.MemoryStore(storeTag)
		if err != nil {
			return fmt.Errorf("failed to build memory store: %w", err)
		}
		if err := initStores(cmd.Context(), container); err != nil {
			return err
		}

		result, err := store.Store(cmd.Context(), memstore.StoreRequest{
			Content:    args[0],
			Importance: importance,
			Category:   category,
			Tags:       tags,
			Retention:  core.RetentionType(retention),
		})
		if err != nil {
			return fmt.Errorf("failed to store: %w", err)
		}
		return emit(result)
	},
}

var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Recall memories matching a query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		container, logger, err := setup()
		if err != nil {
			return err
		}
		defer container.Close()
		defer logger.Sync()

		topK, _ := cmd.Flags().GetInt("top-k")
		noDecay, _ := cmd.Flags().GetBool("no-decay")
		threshold, _ := cmd.Flags().GetFloat64("min-importance")

		store, err := container.MemoryStore(storeTag)
		if err != nil {
			return fmt.Errorf("failed to build memory store: %w", err)
		}
		if err := initStores(cmd.Context(), container); err != nil {
			return err
		}

		items, err := store.Retrieve(cmd.Context(), args[0], memstore.RetrieveOptions{
			TopK:                topK,
			TimeDecay:           !noDecay,
			ImportanceThreshold: threshold,
		})
		if err != nil {
			return fmt.Errorf("failed to retrieve: %w", err)
		}
		if asJSON {
			return emit(items)
		}
		for i, item := range items {
			fmt.Printf("%d. [%.3f] %s\n", i+1, item.Score, item.Content)
		}
		if len(items) == 0 {
			fmt.Println("No memories found.")
		}
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search knowledge with the hybrid pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		container, logger, err := setup()
		if err != nil {
			return err
		}
		defer container.Close()
		defer logger.Sync()

		topK, _ := cmd.Flags().GetInt("top-k")
		strategy, _ := cmd.Flags().GetString("strategy")
		docType, _ := cmd.Flags().GetString("doc-type")
		domainName, _ := cmd.Flags().GetString("domain")

		domain := graph.Domain(domainName)
		if domain != graph.DomainLife && domain != graph.DomainWork {
			return fmt.Errorf("unknown domain %q, want life or work", domainName)
		}

		retriever, err := container.Retriever(storeTag, domain)
		if err != nil {
			return fmt.Errorf("failed to build retriever: %w", err)
		}
		if err := initStores(cmd.Context(), container); err != nil {
			return err
		}

		var filter *core.Filter
		if docType != "" {
			filter = &core.Filter{DocType: core.DocumentType(docType)}
		}

		results, err := retriever.Retrieve(cmd.Context(), args[0], topK,
			core.RetrievalStrategy(strategy), filter)
		if err != nil {
			return fmt.Errorf("search failed: %w", err)
		}
		if asJSON {
			return emit(results)
		}
		for i, r := range results {
			fmt.Printf("%d. [%.3f] (%s) %s\n", i+1, r.Score, r.Source, r.Content)
		}
		if len(results) == 0 {
			fmt.Println("No results.")
		}
		return nil
	},
}

var intentCmd = &cobra.Command{
	Use:   "intent <text>",
	Short: "Classify the intent of a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		container, logger, err := setup()
		if err != nil {
			return err
		}
		defer container.Close()
		defer logger.Sync()

		detector, err := container.IntentDetector(storeTag)
		if err != nil {
			return fmt.Errorf("failed to build detector: %w", err)
		}
		result, raw, err := detector.Detect(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("detection failed: %w", err)
		}
		if asJSON {
			return emit(result)
		}
		fmt.Printf("intent: %s (confidence %.2f, level %s)\n", result.Intent, result.Confidence, raw.Level)
		for k, v := range result.Slots {
			fmt.Printf("  %s: %s\n", k, v)
		}
		return nil
	},
}

var emotionCmd = &cobra.Command{
	Use:   "emotion <text>",
	Short: "Classify the emotional tone of a message",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		container, logger, err := setup()
		if err != nil {
			return err
		}
		defer container.Close()
		defer logger.Sync()

		detector, err := container.EmotionDetector(storeTag)
		if err != nil {
			return fmt.Errorf("failed to build detector: %w", err)
		}
		result, err := detector.Detect(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("detection failed: %w", err)
		}
		if asJSON {
			return emit(result)
		}
		fmt.Printf("emotion: %s (intensity %.2f, confidence %.2f)\n", result.Type, result.Intensity, result.Confidence)
		return nil
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove expired memories",
	RunE: func(cmd *cobra.Command, args []string) error {
		container, logger, err := setup()
		if err != nil {
			return err
		}
		defer container.Close()
		defer logger.Sync()

		sweeper, err := container.Sweeper(storeTag)
		if err != nil {
			return fmt.Errorf("failed to build sweeper: %w", err)
		}
		if err := initStores(cmd.Context(), container); err != nil {
			return err
		}
		n, err := sweeper.SweepOnce(cmd.Context())
		if err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}
		fmt.Printf("Swept %d expired memories.\n", n)
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		container, logger, err := setup()
		if err != nil {
			return err
		}
		defer container.Close()
		defer logger.Sync()
		ctx := cmd.Context()

		cat, err := container.Catalog(storeTag)
		if err != nil {
			return fmt.Errorf("failed to open catalog: %w", err)
		}
		if err := initStores(ctx, container); err != nil {
			return err
		}
		catStats, err := cat.Stats(ctx)
		if err != nil {
			return fmt.Errorf("failed to read catalog stats: %w", err)
		}

		index, err := container.VectorStore(storeTag)
		if err != nil {
			return fmt.Errorf("failed to open vector store: %w", err)
		}
		count, err := index.Count(ctx)
		if err != nil {
			return fmt.Errorf("failed to count vectors: %w", err)
		}

		graphs := make(map[string]core.Stats, 2)
		for _, domain := range []graph.Domain{graph.DomainLife, graph.DomainWork} {
			g, err := container.Graph(storeTag, domain)
			if err != nil {
				return fmt.Errorf("failed to open %s graph: %w", domain, err)
			}
			gs, err := g.Stats(ctx)
			if err != nil {
				return fmt.Errorf("failed to read %s graph stats: %w", domain, err)
			}
			graphs[string(domain)] = gs
		}

		out := map[string]any{
			"catalog": catStats,
			"vectors": count,
			"graphs":  graphs,
		}
		if asJSON {
			return emit(out)
		}
		fmt.Printf("catalog: %d documents (%d including deleted)\n", catStats.Count, catStats.Total)
		fmt.Printf("vectors: %d live\n", count)
		for _, domain := range []graph.Domain{graph.DomainLife, graph.DomainWork} {
			gs := graphs[string(domain)]
			fmt.Printf("%s graph: %d documents (%d nodes)\n", domain, gs.Count, gs.Total)
		}
		return nil
	},
}

// initStores opens schemas idempotently so commands work on a fresh
// data directory without an explicit init.
func initStores(ctx context.Context, container *assembly.Container) error {
	cat, err := container.Catalog(storeTag)
	if err != nil {
		return err
	}
	if err := cat.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize catalog: %w", err)
	}
	index, err := container.VectorStore(storeTag)
	if err != nil {
		return err
	}
	if err := index.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize vector store: %w", err)
	}
	return nil
}

func emit(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file path")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "Data directory (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Output as JSON")

	storeCmd.Flags().Float64("importance", 0.5, "Importance in [0,1]")
	storeCmd.Flags().String("retention", "", "Override retention (permanent/temporary/casual_chat)")
	storeCmd.Flags().String("category", "", "Category label")
	storeCmd.Flags().StringSlice("tags", nil, "Tags")

	recallCmd.Flags().Int("top-k", 5, "Number of memories")
	recallCmd.Flags().Bool("no-decay", false, "Disable time decay")
	recallCmd.Flags().Float64("min-importance", 0, "Importance threshold")

	searchCmd.Flags().Int("top-k", 10, "Number of results")
	searchCmd.Flags().String("strategy", "adaptive", "Strategy (vector_only/graph_only/hybrid/adaptive)")
	searchCmd.Flags().String("doc-type", "", "Filter by document type")
	searchCmd.Flags().String("domain", "work", "Graph domain (life/work)")

	rootCmd.AddCommand(
		initCmd,
		storeCmd,
		recallCmd,
		searchCmd,
		intentCmd,
		emotionCmd,
		sweepCmd,
		statsCmd,
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
