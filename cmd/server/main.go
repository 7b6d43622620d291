package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/smarttransit/rideshare-booking/internal/config"
	"github.com/smarttransit/rideshare-booking/internal/database"
	"github.com/smarttransit/rideshare-booking/internal/handlers"
	"github.com/smarttransit/rideshare-booking/internal/metrics"
	"github.com/smarttransit/rideshare-booking/internal/middleware"
	"github.com/smarttransit/rideshare-booking/internal/services"
	"github.com/smarttransit/rideshare-booking/pkg/jwt"
	"github.com/smarttransit/rideshare-booking/pkg/notify"
)

var (
	version   = "1.0.0"
	buildTime = "unknown"
)

func main() {
	// Initialize logger
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	logger.Info("Starting SmartTransit Rideshare Booking Service")
	logger.Infof("Version: %s, Build Time: %s", version, buildTime)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	logLevel, err := logrus.ParseLevel(cfg.Server.LogLevel)
	if err != nil {
		logger.Warn("Invalid log level, using INFO")
		logLevel = logrus.InfoLevel
	}
	logger.SetLevel(logLevel)

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// Initialize database connection
	logger.Info("Connecting to database...")
	db, err := database.NewConnection(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Database connection established")

	// Repositories
	bookingRepo := database.NewBookingRepository(db)
	amendmentRepo := database.NewAmendmentRepository(db)
	journeyRepo := database.NewJourneyRepository(db)
	ledgerRepo := database.NewLedgerRepository(db)
	userRepo := database.NewUserRepository(db)
	vehicleRepo := database.NewVehicleRepository(db)
	settingRepo := database.NewSystemSettingRepository(db)
	auditRepo := database.NewAuditEventRepository(db, logger)

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Notification delivery
	sender, closeSender := newSender(cfg.Notification, logger)
	defer closeSender()

	cancellationPolicy, err := services.ParseCancellationApprovalPolicy(cfg.Saga.CancellationApproval)
	if err != nil {
		logger.Fatalf("Invalid cancellation approval policy: %v", err)
	}

	// Services
	logger.Info("Initializing services...")
	recurrence := services.NewRecurrenceEngine(cfg.Saga.MaxOccurrences)
	auditService := services.NewAuditService(auditRepo, logger)
	notifier := services.NewNotifier(sender, userRepo, vehicleRepo, cfg.Saga.NotificationTimeout, logger)
	settlementService := services.NewSettlementService(
		bookingRepo,
		journeyRepo,
		amendmentRepo,
		ledgerRepo,
		recurrence,
		m,
		services.SettlementConfig{
			StepTimeout:             cfg.Saga.StepTimeout,
			IdempotentStepRetries:   cfg.Saga.IdempotentStepRetries,
			CancellationWindow:      cfg.Saga.CancellationWindow,
			PassengerRefundFraction: cfg.Saga.PassengerRefundFraction,
		},
		logger,
	)
	bookingService := services.NewBookingService(
		bookingRepo,
		journeyRepo,
		amendmentRepo,
		settingRepo,
		settlementService,
		recurrence,
		notifier,
		auditService,
		m,
		services.BookingConfig{DefaultFeeMargin: cfg.Saga.DefaultPlatformFeeMargin},
		logger,
	)
	amendmentService := services.NewAmendmentService(
		bookingRepo,
		journeyRepo,
		amendmentRepo,
		settlementService,
		recurrence,
		notifier,
		auditService,
		m,
		cancellationPolicy,
		logger,
	)
	ledgerService := services.NewLedgerService(ledgerRepo, logger)
	jwtService := jwt.NewService(cfg.JWT.Secret, cfg.JWT.AccessTokenExpiry)

	// Reconciler
	cronService := services.NewCronService(bookingRepo, settlementService, ledgerService, cfg.Cron.ReconcileSpec, cfg.Cron.ReconcileBatch, logger)
	if cfg.Cron.Enabled {
		if err := cronService.Start(); err != nil {
			logger.Fatalf("Failed to start cron service: %v", err)
		}
		logger.WithField("spec", cfg.Cron.ReconcileSpec).Info("✓ Cron service started - saga reconciliation enabled")
	}
	logger.Info("Services initialized")

	// Handlers
	bookingHandler := handlers.NewBookingHandler(bookingService, logger)
	amendmentHandler := handlers.NewAmendmentHandler(amendmentService, logger)
	ledgerHandler := handlers.NewLedgerHandler(ledgerService, logger)
	adminHandler := handlers.NewAdminHandler(ledgerService, cronService, settingRepo, logger)

	// Initialize Gin router
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLogger(logger))
	router.Use(m.Middleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     cfg.CORS.AllowedMethods,
		AllowHeaders:     cfg.CORS.AllowedHeaders,
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/health", healthCheckHandler(db))
	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})))
	}

	v1 := router.Group("/api/v1")
	v1.Use(middleware.AuthMiddleware(jwtService, logger))
	{
		bookings := v1.Group("/bookings")
		{
			bookings.POST("", bookingHandler.CreateBooking)
			bookings.GET("/:id", bookingHandler.GetBooking)
			bookings.GET("/:id/history", bookingHandler.GetBookingHistory)
			bookings.POST("/:id/approve", bookingHandler.ApproveBooking)
			bookings.POST("/:id/pickup", bookingHandler.ConfirmPickup)
			bookings.POST("/:id/complete", bookingHandler.CompleteBooking)
			bookings.POST("/:id/amendments", amendmentHandler.ProposeAmendment)
		}

		v1.POST("/amendments/:id/approve", amendmentHandler.ApproveAmendment)

		ledger := v1.Group("/ledger")
		{
			ledger.GET("/me", ledgerHandler.GetMyAccount)
			ledger.GET("/me/reconcile", ledgerHandler.ReconcileMyAccount)
			ledger.GET("/entries", ledgerHandler.ListMyEntries)
			ledger.POST("/topup", ledgerHandler.TopUp)
		}

		admin := v1.Group("/admin")
		admin.Use(middleware.RequireRole("admin"))
		{
			admin.GET("/ledger/:userId/reconcile", adminHandler.ReconcileAccount)
			admin.POST("/reconciler/run", adminHandler.RunReconciler)
			admin.GET("/reconciler/status", adminHandler.ReconcilerStatus)
			admin.GET("/settings/:key", adminHandler.GetSetting)
		}
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infof("Server starting on port %s", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cronService.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}

	logger.Info("Server exited")
}

// newSender picks the notification transport. Events are fire-and-forget,
// so a broker that cannot be reached at startup falls back to logging.
func newSender(cfg config.NotificationConfig, logger *logrus.Logger) (notify.Sender, func()) {
	if cfg.Mode != "amqp" {
		logger.Info("Notifications in log mode (no events will be published)")
		return notify.NewLogSender(logger), func() {}
	}

	sender, err := notify.NewAMQPSender(cfg.AMQPURL, cfg.Exchange, logger)
	if err != nil {
		logger.WithError(err).Error("Failed to connect to RabbitMQ, falling back to log notifications")
		return notify.NewLogSender(logger), func() {}
	}
	logger.WithField("exchange", cfg.Exchange).Info("Publishing booking events to RabbitMQ")
	return sender, func() {
		if err := sender.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close RabbitMQ sender")
		}
	}
}

// requestLogger logs every request with its outcome
func requestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := logrus.Fields{
			"status":     c.Writer.Status(),
			"method":     c.Request.Method,
			"path":       path,
			"query":      c.Request.URL.RawQuery,
			"ip":         c.ClientIP(),
			"latency_ms": time.Since(start).Milliseconds(),
			"user_agent": c.Request.UserAgent(),
		}
		if userID, exists := c.Get("user_id"); exists {
			fields["user_id"] = userID
		}

		entry := logger.WithFields(fields)
		if len(c.Errors) > 0 {
			for i, err := range c.Errors {
				entry = entry.WithField(fmt.Sprintf("error_%d", i), err.Error())
			}
			entry.Error("Request failed with errors")
			return
		}

		status := c.Writer.Status()
		switch {
		case status >= 500:
			entry.Error("Request completed with server error")
		case status >= 400:
			entry.Warn("Request completed with client error")
		default:
			entry.Info("Request completed successfully")
		}
	}
}

// healthCheckHandler returns a health check endpoint
func healthCheckHandler(db database.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"database": "unhealthy",
				"error":    err.Error(),
			})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"database":  "healthy",
			"version":   version,
			"timestamp": time.Now().Unix(),
		})
	}
}
