package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ggonzalez94/defi-autopilot/internal/autopilot"
	"github.com/ggonzalez94/defi-autopilot/internal/logger"
	"github.com/ggonzalez94/defi-autopilot/internal/queue"
	"github.com/ggonzalez94/defi-autopilot/internal/schema"
	"github.com/ggonzalez94/defi-autopilot/internal/server"
)

type daemonSummary struct {
	AutoPilot *autopilot.Status `json:"autopilot,omitempty"`
	Bridge    string            `json:"bridge_cursor,omitempty"`
	Stopped   time.Time         `json:"stopped_at"`
}

func (s *runtimeState) newRunCommand() *cobra.Command {
	var noAutoPilot, noWorkers, noServer bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run AutoPilot, the event bridge, queue workers and the operations API until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			summary, err := s.runDaemon(ctx, !noAutoPilot && s.settings.AutoPilot.Enabled, !noWorkers, !noServer && s.settings.Server.Enabled)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), summary, nil, nil, false)
		},
	}
	cmd.Flags().BoolVar(&noAutoPilot, "no-autopilot", false, "Do not start the AutoPilot loop")
	cmd.Flags().BoolVar(&noWorkers, "no-workers", false, "Do not start the event bridge or queue workers")
	cmd.Flags().BoolVar(&noServer, "no-server", false, "Do not start the operations API")
	schema.Mark(cmd)
	return cmd
}

func (s *runtimeState) runDaemon(ctx context.Context, withAutoPilot, withWorkers, withServer bool) (daemonSummary, error) {
	log := logger.Named("daemon")
	svc := s.svc

	safetyStore, err := svc.safetyStore(ctx)
	if err != nil {
		return daemonSummary{}, err
	}
	store, err := svc.recordStore(ctx)
	if err != nil {
		return daemonSummary{}, err
	}

	g, gctx := errgroup.WithContext(ctx)

	var ap *autopilot.AutoPilot
	if withAutoPilot {
		ap, err = svc.autoPilot(ctx)
		if err != nil {
			return daemonSummary{}, err
		}
		g.Go(func() error { return ap.Run(gctx) })
	}

	var bridge *queue.Bridge
	if withWorkers {
		operator, err := svc.jobOperator(ctx)
		if err != nil {
			return daemonSummary{}, err
		}
		jobs, events, err := svc.queueBackend()
		if err != nil {
			return daemonSummary{}, err
		}
		q := s.settings.Queue
		if q.BridgeEvents {
			bridge = queue.NewBridge(events, jobs, queue.BridgeConfig{
				StartID:      q.StartID,
				ReadCount:    int64(q.ReadCount),
				ReadBlock:    q.ReadBlock,
				ErrorBackoff: q.BaseBackoff,
			})
			g.Go(func() error { return bridge.Run(gctx) })
		}
		workers := queue.NewWorkers(jobs, operator, queue.WorkersConfig{
			Concurrency: q.Concurrency,
			MaxAttempts: q.MaxAttempts,
			BaseBackoff: q.BaseBackoff,
			MaxBackoff:  q.MaxBackoff,
		}, queue.WithAlerts(svc.alerting()))
		g.Go(func() error { return workers.Run(gctx) })
	}

	if withServer {
		opts := []server.Option{
			server.WithAlerts(svc.alerting()),
			server.WithAdminToken(s.settings.Server.AdminToken),
			server.WithLogger(logger.Named("server")),
		}
		if ap != nil {
			opts = append(opts, server.WithAutoPilot(ap))
		}
		srv := server.New(safetyStore, store, opts...)
		g.Go(func() error { return srv.ListenAndServe(gctx, s.settings.Server.Addr) })
	}

	log.Info("daemon started", "autopilot", withAutoPilot, "workers", withWorkers, "server", withServer)
	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return daemonSummary{}, err
	}

	summary := daemonSummary{Stopped: s.runner.now().UTC()}
	if ap != nil {
		st := ap.Status()
		summary.AutoPilot = &st
	}
	if bridge != nil {
		summary.Bridge = bridge.Cursor()
	}
	log.Info("daemon stopped")
	return summary, nil
}
