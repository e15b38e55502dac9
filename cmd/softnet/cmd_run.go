package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/qxcheng/softnet/pkg/config"
	"github.com/qxcheng/softnet/pkg/logger"
)

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the stack until interrupted",
		Long: `Build the stack from the config file, open every device and
transmit a test packet on the configured device every interval.

  softnet run
  softnet run -c softnet.yaml -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if verbose {
				cfg.LogLevel = "debug"
			}
			if err := logger.Setup(cfg.LogLevel, cfg.LogFormat, os.Stderr); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	n, err := newNode(cfg)
	if err != nil {
		return err
	}
	if err := n.stack.Run(); err != nil {
		var result *multierror.Error
		result = multierror.Append(result, err)
		if serr := n.stack.Shutdown(); serr != nil {
			result = multierror.Append(result, serr)
		}
		return result.ErrorOrNil()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return n.transmitLoop(gctx, cfg.Transmit)
	})
	if n.arp != nil {
		g.Go(func() error {
			return n.arp.Cache().RunSweeper(gctx, cfg.ARP.SweepInterval)
		})
	}

	var result *multierror.Error
	if err := g.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	log.Info("terminating...")
	if err := n.stack.Shutdown(); err != nil {
		result = multierror.Append(result, err)
	}
	st := n.stack.Stats()
	log.WithFields(log.Fields{
		"softirqs":  st.SoftIRQs.Value(),
		"ip":        st.IP.PacketsReceived.Value(),
		"arp":       st.ARP.RequestsReceived.Value() + st.ARP.RepliesReceived.Value(),
		"malformed": st.MalformedRcvdPackets.Value(),
	}).Info("stopped")
	return result.ErrorOrNil()
}
