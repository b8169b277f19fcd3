package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/service"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/config"
)

var (
	workerMode bool
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Re-query the gateway for PENDING and PROCESSING payments that went quiet",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand(
			"reconcile",
			func(cfg *config.Config) time.Duration { return cfg.Jobs.ReconcileInterval },
			func(s *service.PaymentService, ctx context.Context) error {
				return s.RunReconcileBatch(ctx)
			},
		)
	},
}

var callbacksCmd = &cobra.Command{
	Use:   "callbacks",
	Short: "Run status callback related commands",
}

var callbacksDispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Deliver settled-status callbacks to the order service",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand(
			"callbacks_dispatch",
			func(cfg *config.Config) time.Duration { return cfg.Jobs.CallbackDispatchInterval },
			func(s *service.PaymentService, ctx context.Context) error {
				return s.RunDispatchCallbacksBatch(ctx)
			},
		)
	},
}

var refundsCmd = &cobra.Command{
	Use:   "refunds",
	Short: "Run refund related commands",
}

var refundsRecheckCmd = &cobra.Command{
	Use:   "recheck",
	Short: "Re-query the gateway for refunds pending beyond the stuck threshold",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand(
			"refunds_recheck",
			func(cfg *config.Config) time.Duration { return cfg.Jobs.RefundRecheckInterval },
			func(s *service.PaymentService, ctx context.Context) error {
				return s.RunRefundRecheckBatch(ctx)
			},
		)
	},
}

var webhooksCmd = &cobra.Command{
	Use:   "webhooks",
	Short: "Run webhook related commands",
}

var webhooksRetryOrphansCmd = &cobra.Command{
	Use:   "retry-orphans",
	Short: "Replay webhook events that arrived before their payment was known",
	Run: func(_ *cobra.Command, _ []string) {
		runCommand(
			"webhooks_retry_orphans",
			func(cfg *config.Config) time.Duration { return cfg.Jobs.OrphanRetryInterval },
			func(s *service.PaymentService, ctx context.Context) error {
				return s.RunOrphanRetryBatch(ctx)
			},
		)
	},
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(callbacksCmd)
	rootCmd.AddCommand(refundsCmd)
	rootCmd.AddCommand(webhooksCmd)
	callbacksCmd.AddCommand(callbacksDispatchCmd)
	refundsCmd.AddCommand(refundsRecheckCmd)
	webhooksCmd.AddCommand(webhooksRetryOrphansCmd)

	rootCmd.PersistentFlags().BoolVar(&workerMode, "worker", false, "Run continuously using configured interval")
}

func runCommand(
	name string,
	intervalResolver func(cfg *config.Config) time.Duration,
	fn func(s *service.PaymentService, ctx context.Context) error,
) {
	cfg, paymentService, _, cleanup := mustCreatePaymentService()
	defer cleanup()

	if workerMode {
		runWorker(name, intervalResolver(cfg), paymentService, fn)
		return
	}

	ctx := context.Background()
	runJob(name, func() error { return fn(paymentService, ctx) })
}

func runWorker(
	name string,
	interval time.Duration,
	paymentService *service.PaymentService,
	fn func(s *service.PaymentService, ctx context.Context) error,
) {
	if interval <= 0 {
		logrus.WithField("job", name).Fatal("invalid worker interval")
	}
	logrus.WithField("job", name).WithField("interval", interval.String()).Info("Worker started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runJob(name, func() error { return fn(paymentService, ctx) })

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	for {
		select {
		case <-quit:
			logrus.WithField("job", name).Info("Worker shutdown requested")
			return
		case <-ticker.C:
			runJob(name, func() error { return fn(paymentService, ctx) })
		}
	}
}

func runJob(name string, fn func() error) {
	start := time.Now()
	err := fn()
	latency := time.Since(start)
	if err != nil {
		logrus.WithError(err).WithField("job", name).WithField("latency", latency.String()).Error("job_failed")
		return
	}
	logrus.WithField("job", name).WithField("latency", latency.String()).Info("job_completed")
}
