package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/martinemde/vizagent/pipeline"
	"github.com/martinemde/vizagent/stream"
)

var askFlags struct {
	events bool
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer one question locally",
	Long: `Runs the pipeline once in this process and prints the validated answer.
With --events the full event stream is printed in the server-sent events
format instead.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().BoolVar(&askFlags.events, "events", false, "Print every event as a server-sent event record")
}

func runAsk(cmd *cobra.Command, args []string) error {
	a, err := loadApp(cmd)
	if err != nil {
		return err
	}
	p, err := a.pipeline()
	if err != nil {
		return err
	}
	question := strings.Join(args, " ")
	out := cmd.OutOrStdout()

	if !askFlags.events {
		res, err := p.Run(cmd.Context(), question, a.metrics)
		a.metrics.RunFinished(err)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, res.Content)
		return nil
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	enc := stream.NewEncoder(cancel)
	stop := context.AfterFunc(ctx, enc.Cancel)
	defer stop()

	var (
		g      errgroup.Group
		runErr error
	)
	g.Go(func() error {
		defer enc.Finish()
		_, runErr = p.Run(ctx, question, pipeline.Observers{enc, a.metrics})
		a.metrics.RunFinished(runErr)
		return nil
	})
	g.Go(func() error {
		return enc.Drain(ctx, stream.NewWriter(out))
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return runErr
}
