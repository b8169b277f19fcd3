package cmd

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	authclient "github.com/vibast-solutions/lib-go-auth/client"
	authmiddleware "github.com/vibast-solutions/lib-go-auth/middleware"
	authlibservice "github.com/vibast-solutions/lib-go-auth/service"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/controller"
	paymentgrpc "github.com/vibast-solutions/ms-go-payment-orchestrator/app/grpc"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/metrics"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/notification"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/provider"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/queue"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/repository"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/service"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/app/types"
	"github.com/vibast-solutions/ms-go-payment-orchestrator/config"
	"google.golang.org/grpc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and gRPC servers",
	Long:  "Start both HTTP (Echo) and gRPC servers for the payment orchestrator, including the gateway webhook endpoints.",
	Run:   runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(_ *cobra.Command, _ []string) {
	cfg, paymentService, m, cleanup := mustCreatePaymentService()
	defer cleanup()

	paymentController := controller.NewPaymentController(paymentService)
	grpcPaymentServer := paymentgrpc.NewServer(paymentService)

	authGRPCClient, err := authclient.NewGRPCClientFromAddr(context.Background(), cfg.InternalEndpoints.AuthGRPCAddr)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to initialize auth gRPC client")
	}
	defer authGRPCClient.Close()

	internalAuthService := authlibservice.NewInternalAuthService(authGRPCClient)
	echoInternalAuthMiddleware := authmiddleware.NewEchoInternalAuthMiddleware(internalAuthService)
	grpcInternalAuthMiddleware := authmiddleware.NewGRPCInternalAuthMiddleware(internalAuthService)

	e := setupHTTPServer(paymentController, m, echoInternalAuthMiddleware, cfg.App.ServiceName)
	grpcSrv, lis := setupGRPCServer(cfg, grpcPaymentServer, grpcInternalAuthMiddleware, cfg.App.ServiceName)

	go func() {
		httpAddr := net.JoinHostPort(cfg.HTTP.Host, cfg.HTTP.Port)
		logrus.WithField("addr", httpAddr).Info("Starting HTTP server")
		if err := e.Start(httpAddr); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("HTTP server error")
		}
	}()

	go func() {
		logrus.WithField("addr", lis.Addr().String()).Info("Starting gRPC server")
		if err := grpcSrv.Serve(lis); err != nil {
			logrus.WithError(err).Fatal("gRPC server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logrus.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("HTTP shutdown error")
	}
	grpcSrv.GracefulStop()

	logrus.Info("Server stopped")
}

func setupHTTPServer(
	paymentController *controller.PaymentController,
	m *metrics.Metrics,
	internalAuthMiddleware *authmiddleware.EchoInternalAuthMiddleware,
	appServiceName string,
) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	e.Use(echomiddleware.RequestLoggerWithConfig(echomiddleware.RequestLoggerConfig{
		LogURI:       true,
		LogStatus:    true,
		LogMethod:    true,
		LogRemoteIP:  true,
		LogLatency:   true,
		LogUserAgent: true,
		LogError:     true,
		HandleError:  true,
		LogRequestID: true,
		LogValuesFunc: func(_ echo.Context, v echomiddleware.RequestLoggerValues) error {
			fields := logrus.Fields{
				"remote_ip":  v.RemoteIP,
				"host":       v.Host,
				"method":     v.Method,
				"uri":        v.URI,
				"status":     v.Status,
				"latency":    v.Latency.String(),
				"latency_ns": v.Latency.Nanoseconds(),
				"user_agent": v.UserAgent,
				"request_id": v.RequestID,
			}
			entry := logrus.WithFields(fields)
			if v.Error != nil {
				entry = entry.WithError(v.Error)
			}
			entry.Info("http_request")
			return nil
		},
	}))
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())

	e.GET("/health", paymentController.Health)
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	// Gateways sign their deliveries; they carry neither request ids nor internal credentials.
	e.POST("/webhooks/:provider", paymentController.HandleWebhook, echomiddleware.BodyLimit("1M"))

	internal := e.Group("", requireRequestID(), internalAuthMiddleware.RequireInternalAccess(appServiceName))

	payments := internal.Group("/payments")
	payments.POST("", paymentController.CreatePayment)
	payments.GET("", paymentController.ListPayments)
	payments.GET("/by-order/:order_id", paymentController.GetPaymentByOrder)
	payments.GET("/:id", paymentController.GetPayment)
	payments.POST("/:id/confirm", paymentController.ConfirmPayment)
	payments.POST("/:id/cancel", paymentController.CancelPayment)
	payments.POST("/:id/refunds", paymentController.CreateRefund)

	internal.GET("/refunds/stuck", paymentController.ListStuckRefunds)

	return e
}

func requireRequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(ctx echo.Context) error {
			requestID := strings.TrimSpace(ctx.Request().Header.Get(echo.HeaderXRequestID))
			if requestID == "" {
				return ctx.JSON(http.StatusBadRequest, &types.ErrorResponse{Error: "x-request-id header is required"})
			}
			ctx.Response().Header().Set(echo.HeaderXRequestID, requestID)
			return next(ctx)
		}
	}
}

func setupGRPCServer(
	cfg *config.Config,
	paymentServer *paymentgrpc.Server,
	internalAuthMiddleware *authmiddleware.GRPCInternalAuthMiddleware,
	appServiceName string,
) (*grpc.Server, net.Listener) {
	grpcAddr := net.JoinHostPort(cfg.GRPC.Host, cfg.GRPC.Port)
	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to listen on gRPC port")
	}

	grpcSrv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			paymentgrpc.RecoveryInterceptor(),
			paymentgrpc.RequestIDInterceptor(),
			paymentgrpc.LoggingInterceptor(),
			internalAuthMiddleware.UnaryRequireInternalAccess(appServiceName),
		),
	)
	paymentgrpc.RegisterPaymentsServiceServer(grpcSrv, paymentServer)

	return grpcSrv, lis
}

func mustCreatePaymentService() (*config.Config, *service.PaymentService, *metrics.Metrics, func()) {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	if err := configureLogging(cfg); err != nil {
		logrus.WithError(err).Fatal("Failed to configure logging")
	}

	ctx := context.Background()
	db, err := repository.Open(ctx, cfg.Ledger.Driver, cfg.Ledger.DSN, ledgerPool(cfg))
	if err != nil {
		logrus.WithError(err).Fatal("Failed to connect to ledger")
	}
	if cfg.Ledger.Driver == repository.DriverSQLite {
		if err := repository.Migrate(ctx, db, cfg.Ledger.Driver); err != nil {
			_ = db.Close()
			logrus.WithError(err).Fatal("Ledger migration failed")
		}
	}

	cardGateway := provider.NewCardGateway(provider.CardConfig{
		SecretKey:          cfg.Card.SecretKey,
		WebhookSecret:      cfg.Card.WebhookSecret,
		BaseURL:            cfg.Card.BaseURL,
		SignatureTolerance: cfg.Card.SignatureTolerance,
		HTTPTimeout:        cfg.Card.HTTPTimeout,
	})
	walletGateway := provider.NewWalletGateway(provider.WalletConfig{
		APIKey:             cfg.Wallet.APIKey,
		WebhookSecret:      cfg.Wallet.WebhookSecret,
		BaseURL:            cfg.Wallet.BaseURL,
		SignatureTolerance: cfg.Wallet.SignatureTolerance,
		HTTPTimeout:        cfg.Wallet.HTTPTimeout,
	})
	providerRegistry := provider.NewRegistry(cardGateway, walletGateway)

	closers := []func(){
		func() {
			if err := db.Close(); err != nil {
				logrus.WithError(err).Warn("Failed to close ledger")
			}
		},
	}

	var orphans queue.OrphanQueue = queue.NewMemoryOrphanQueue()
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logrus.WithError(err).Fatal("Failed to connect to redis")
		}
		orphans = queue.NewRedisOrphanQueue(redisClient, cfg.Redis.OrphanKey)
		closers = append(closers, func() { _ = redisClient.Close() })
	} else {
		logrus.Warn("REDIS_ADDR is not set; orphaned webhooks are replayed from the ledger schedule only")
	}

	var publisher notification.Publisher = notification.NoopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaPublisher, err := notification.NewKafkaPublisher(notification.KafkaConfig{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		})
		if err != nil {
			logrus.WithError(err).Fatal("Failed to initialize status notifications")
		}
		publisher = kafkaPublisher
		closers = append(closers, func() {
			if err := kafkaPublisher.Close(); err != nil {
				logrus.WithError(err).Warn("Failed to close status publisher")
			}
		})
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	paymentService := service.NewPaymentService(
		repository.NewStore(db),
		providerRegistry,
		publisher,
		orphans,
		m,
		cfg.Payments,
		cfg.App.APIKey,
	)

	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	return cfg, paymentService, m, cleanup
}
