package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/scrypster/zedcore/internal/activity"
	"github.com/scrypster/zedcore/internal/assembler"
	"github.com/scrypster/zedcore/internal/pipeline"
	"github.com/scrypster/zedcore/pkg/types"
)

func newServeCmd(c *cli) *cobra.Command {
	var (
		stdin   bool
		noHTTP  bool
		noSweep bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the activity server, the branch sweeper and the turn pipeline",
		Long: `serve runs the activity websocket server and the periodic branch sweeper.
With --stdin, inbound events are read as newline-delimited JSON from standard
input, each one is run through the turn pipeline, and a JSON line describing the
turn is written to standard output.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			hub := activity.NewHub(activity.HubOptions{
				AllowedOrigins: c.cfg.Server.AllowedOrigins,
				Logger:         c.logger,
			})
			go hub.Run()
			defer hub.Stop()

			a, err := newApp(c.cfg, c.logger, hub)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.identityFile != nil {
				if err := a.identityFile.Watch(); err != nil {
					c.logger.Warn("identity file will not be reloaded", "error", err)
				}
			}

			g, ctx := errgroup.WithContext(ctx)

			if !noHTTP {
				srv := activity.NewServer(hub, activity.ServerConfig{
					Addr:     c.cfg.Addr(),
					APIToken: c.cfg.Server.APIToken,
					Health:   a.store.Ping,
					Branches: func(ctx context.Context, limit int) (any, error) {
						return a.branches.ListActive(ctx, "", limit)
					},
					Components: map[string]func() any{
						"embedding": func() any { return a.embedder.Status() },
					},
					Logger: c.logger,
				})
				g.Go(func() error { return srv.Serve(ctx) })
			}

			if !noSweep {
				sweeper, err := a.sweeper()
				if err != nil {
					return err
				}
				g.Go(func() error { return sweeper.Start(ctx) })
			}

			if stdin {
				g.Go(func() error {
					err := runEvents(ctx, a.pipeline, cmd.InOrStdin(), cmd.OutOrStdout())
					if err == nil {
						stop()
					}
					return err
				})
			}

			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&stdin, "stdin", false, "read inbound events as JSON lines from stdin")
	cmd.Flags().BoolVar(&noHTTP, "no-http", false, "do not start the activity server")
	cmd.Flags().BoolVar(&noSweep, "no-sweep", false, "do not run the periodic branch sweeper")
	return cmd
}

// turnOutput is the JSON line written for each processed event.
type turnOutput struct {
	BranchID     string            `json:"branch_id,omitempty"`
	Created      bool              `json:"created"`
	FirstContact bool              `json:"first_contact"`
	Stage        pipeline.Stage    `json:"stage"`
	Context      string            `json:"context,omitempty"`
	Report       *assembler.Report `json:"report,omitempty"`
	Reply        string            `json:"reply,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// runEvents runs the pipeline for each event line in r until EOF or ctx is
// done. Malformed lines and failed turns are reported on w and do not stop
// the loop.
func runEvents(ctx context.Context, p *pipeline.Pipeline, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	enc := json.NewEncoder(w)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev types.InboundEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			if encErr := enc.Encode(turnOutput{Error: fmt.Sprintf("invalid event: %v", err)}); encErr != nil {
				return encErr
			}
			continue
		}

		res, err := p.Run(ctx, ev)
		if err := enc.Encode(toOutput(res, err)); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func toOutput(res *pipeline.Result, err error) turnOutput {
	var out turnOutput
	if res != nil {
		out.Created = res.Created
		out.FirstContact = res.FirstContact
		out.Stage = res.Stage
		if res.Branch != nil {
			out.BranchID = res.Branch.ID
		}
		if res.Context != nil {
			out.Context = res.Context.Text
			out.Report = &res.Context.Report
		}
		if res.Outbound != nil {
			out.Reply = res.Outbound.Content.Text
		}
	}
	if err != nil {
		out.Error = err.Error()
	}
	return out
}
