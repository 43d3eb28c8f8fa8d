package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/williamDalston/writerai/internal/ledger"
)

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume the most recent run from its last snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return resumePipeline()
		},
	}
}

func resumePipeline() error {
	s, err := buildStack()
	if err != nil {
		return err
	}
	defer s.Close()

	rs, err := s.states.Load()
	if err != nil {
		return err
	}
	if rs == nil {
		return fmt.Errorf("no resumable run state in %s; start one with 'writerai run'", stateDir(s.cfg))
	}

	fmt.Printf("Resuming run %s (%q) at stage %d/%d, spent %s\n",
		rs.RunID, rs.Title, rs.CurrentStage, len(s.cfg.Stages), ledger.FormatCost(rs.TotalCost))

	ctx, cancel := signalContext()
	defer cancel()

	return s.eng.Run(ctx, rs)
}
