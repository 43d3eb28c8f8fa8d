package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/williamDalston/writerai/internal/engine"
	"github.com/williamDalston/writerai/internal/ledger"
	"github.com/williamDalston/writerai/internal/memory"
	"github.com/williamDalston/writerai/internal/state"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the most recent run's progress, spend, and events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
}

// showStatus works without API keys: it only reads local run artifacts.
func showStatus() error {
	cfg := initConfig()

	states, err := state.NewStore(stateDir(cfg), cfg.Snapshots.MaxKeep)
	if err != nil {
		return err
	}
	rs, err := states.Load()
	if err != nil {
		return err
	}
	if rs == nil {
		fmt.Printf("No runs found in %s.\n", cfg.RunDir)
		return nil
	}

	fmt.Printf("Run %s: %q\n", rs.RunID, rs.Title)
	fmt.Printf("  Stages:  %d/%d", rs.CurrentStage, len(cfg.Stages))
	if rs.CurrentStage >= len(cfg.Stages) {
		fmt.Print("  (complete)")
	}
	fmt.Println()
	fmt.Printf("  Spend:   %s of %s ceiling\n",
		ledger.FormatCost(rs.TotalCost), ledger.FormatCost(cfg.Budget.CeilingUSD))
	fmt.Printf("  Scenes:  %d remembered (facts version %d)\n", rs.SceneCount, rs.LTMVersion)
	if len(rs.ClientKeys) > 0 {
		fmt.Printf("  Backends: %s\n", strings.Join(rs.ClientKeys, ", "))
	}
	if total := totalRetries(rs.RetryCounts); total > 0 {
		fmt.Printf("  Retries: %d\n", total)
	}

	store, err := memory.Open(cfg.RunDir, cfg.Memory.CacheSize)
	if err == nil {
		defer store.Close()
		if n, err := store.Count(context.Background(), rs.RunID); err == nil {
			fmt.Printf("  Memory:  %d documents\n", n)
		}
	}

	el, err := engine.NewEventLogger(cfg.RunDir, rs.RunID)
	if err == nil {
		defer el.Close()
		if events, err := el.ReadRecent(10); err == nil && len(events) > 0 {
			fmt.Println()
			fmt.Println(engine.FormatEvents(events, "Recent events"))
		}
	}
	return nil
}

func totalRetries(counts map[string]int) int {
	total := 0
	for _, n := range counts {
		total += n
	}
	return total
}
