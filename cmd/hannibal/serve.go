package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/animus-labs/hannibal/internal/platform/env"
	"github.com/animus-labs/hannibal/internal/platform/httpserver"
)

const serviceName = "hannibal"

func newServeCommand(opts *options) *cobra.Command {
	var (
		addr            string
		shutdownTimeout time.Duration
		exitOnDone      bool
	)
	cmd := &cobra.Command{
		Use:   "serve [target...]",
		Short: "Run the targets while serving /healthz, /readyz and /metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := opts.resolve(args)
			if err != nil {
				return err
			}
			b, err := opts.openBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			status := &runStatus{}
			mux := http.NewServeMux()
			mux.HandleFunc("/healthz", httpserver.Healthz(serviceName))
			mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks(serviceName, append(b.checks, httpserver.ReadinessCheck{
				Name:  "run",
				Check: status.Check,
			})...))
			mux.Handle("/metrics", promhttp.Handler())
			handler := httpserver.Wrap(opts.logger, mux)

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return httpserver.Run(gctx, opts.logger, httpserver.Config{
					Service:         serviceName,
					Addr:            addr,
					ShutdownTimeout: shutdownTimeout,
				}, handler)
			})
			g.Go(func() error {
				_, err := opts.execute(gctx, b, p)
				status.finish(err)
				if err != nil || exitOnDone {
					cancel()
				}
				return err
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", env.String("HANNIBAL_HTTP_ADDR", ":8080"), "listen address for health and metrics")
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 10*time.Second, "graceful HTTP shutdown timeout")
	cmd.Flags().BoolVar(&exitOnDone, "exit-on-done", false, "stop serving once the run finishes")
	return cmd
}

// runStatus reports the run through readiness: ready only after success.
type runStatus struct {
	mu       sync.Mutex
	finished bool
	err      error
}

var errRunInProgress = errors.New("run in progress")

func (s *runStatus) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = true
	s.err = err
}

func (s *runStatus) Check(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finished {
		return errRunInProgress
	}
	return s.err
}
