package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/williamDalston/writerai/internal/assembler"
	"github.com/williamDalston/writerai/internal/config"
	"github.com/williamDalston/writerai/internal/engine"
	"github.com/williamDalston/writerai/internal/ledger"
	"github.com/williamDalston/writerai/internal/memory"
	"github.com/williamDalston/writerai/internal/router"
	"github.com/williamDalston/writerai/internal/state"
)

var (
	cfgFile    string
	runDirFlag string
)

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	rootCmd := &cobra.Command{
		Use:   "writerai",
		Short: "Multi-stage generative writing pipeline",
		Long: "writerai runs a staged writing pipeline against configured model backends,\n" +
			"with persistent story memory, budget enforcement, and resumable runs.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// API keys commonly live in a local .env during development.
			_ = godotenv.Load()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path (default ./writerai.yaml)")
	rootCmd.PersistentFlags().StringVar(&runDirFlag, "run-dir", "", "directory for run state, memory, and events")

	rootCmd.AddCommand(newRunCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newInitCmd())
	rootCmd.AddCommand(newVersionCmd(version, commit, date))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// initConfig loads configuration, applying CLI flag overrides.
func initConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if runDirFlag != "" {
		cfg.RunDir = runDirFlag
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return cfg
}

func stateDir(cfg *config.Config) string {
	return filepath.Join(cfg.RunDir, "state")
}

// pricingOverrides converts config pricing entries to ledger rates.
func pricingOverrides(cfg *config.Config) map[string]ledger.ModelPricing {
	if len(cfg.Pricing) == 0 {
		return nil
	}
	out := make(map[string]ledger.ModelPricing, len(cfg.Pricing))
	for model, p := range cfg.Pricing {
		out[model] = ledger.ModelPricing{
			InputPerMillion:  p.InputPerMillion,
			OutputPerMillion: p.OutputPerMillion,
		}
	}
	return out
}

// stack is the wired pipeline: one of everything a run needs.
type stack struct {
	cfg    *config.Config
	led    *ledger.Ledger
	rt     *router.Router
	store  *memory.Store
	asm    *assembler.Assembler
	states *state.Store
	eng    *engine.Engine
}

func buildStack() (*stack, error) {
	cfg := initConfig()

	led := ledger.New(pricingOverrides(cfg))
	rt, err := router.New(cfg, led)
	if err != nil {
		return nil, err
	}

	store, err := memory.Open(cfg.RunDir, cfg.Memory.CacheSize)
	if err != nil {
		return nil, err
	}

	sum := &assembler.ModelSummarizer{Router: rt, Stage: cfg.Memory.SummaryStage}
	asm := assembler.New(store, sum, assembler.Config{
		SearchK:      cfg.Memory.SearchK,
		RecencyK:     cfg.Memory.RecencyK,
		MaxChars:     cfg.Context.MaxChars,
		SummaryShare: cfg.Context.SummaryShare,
		FactShare:    cfg.Context.FactShare,
	})

	states, err := state.NewStore(stateDir(cfg), cfg.Snapshots.MaxKeep)
	if err != nil {
		store.Close()
		return nil, err
	}

	eng := engine.New(engine.Options{
		Config:    cfg,
		Ledger:    led,
		Router:    rt,
		Assembler: asm,
		States:    states,
	})

	return &stack{
		cfg:    cfg,
		led:    led,
		rt:     rt,
		store:  store,
		asm:    asm,
		states: states,
		eng:    eng,
	}, nil
}

func (s *stack) Close() {
	s.eng.Close()
	s.store.Close()
}
