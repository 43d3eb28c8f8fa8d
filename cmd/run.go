package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/williamDalston/writerai/internal/assembler"
)

func newRunCmd() *cobra.Command {
	var outlinePath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a new run from an outline",
		Example: `  writerai run -o outline.yaml
  writerai run --outline story/outline.yaml --run-dir ./story/.writerai`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(outlinePath)
		},
	}

	cmd.Flags().StringVarP(&outlinePath, "outline", "o", "", "outline file to seed long-term memory")
	cmd.MarkFlagRequired("outline")

	return cmd
}

func runPipeline(outlinePath string) error {
	outline, err := assembler.LoadOutline(outlinePath)
	if err != nil {
		return err
	}

	s, err := buildStack()
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := signalContext()
	defer cancel()

	rs, err := s.eng.NewRun(ctx, outline)
	if err != nil {
		return err
	}
	return s.eng.Run(ctx, rs)
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
