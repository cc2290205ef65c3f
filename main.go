package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/mux"
	"github.com/gorilla/sessions"
	"go.uber.org/zap"

	"storefront-payment-api/config"
	"storefront-payment-api/database"
	"storefront-payment-api/handlers"
	"storefront-payment-api/logging"
	"storefront-payment-api/middleware"
	"storefront-payment-api/queue"
	"storefront-payment-api/services/auth"
	"storefront-payment-api/services/email"
	"storefront-payment-api/services/mpesa"
	"storefront-payment-api/services/payment"
	"storefront-payment-api/worker"
)

func main() {
	cfg := config.Load()

	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatalw("invalid configuration", "error", err)
	}

	db, err := connectDatabase(cfg.Database, logger)
	if err != nil {
		logger.Fatalw("failed to connect to database", "error", err)
	}
	defer db.Close()

	if err := db.RunMigrations(); err != nil {
		logger.Fatalw("failed to run migrations", "error", err)
	}

	jobQueue, err := queue.NewQueue(cfg.Redis.URL, cfg.Redis.QueueName, logger)
	if err != nil {
		logger.Fatalw("failed to connect to Redis", "error", err)
	}
	defer jobQueue.Close()
	logger.Info("connected to Redis")

	mpesaClient := mpesa.NewClient(mpesa.Config{
		Environment:     cfg.Mpesa.Environment,
		BaseURL:         cfg.Mpesa.BaseURL,
		ConsumerKey:     cfg.Mpesa.ConsumerKey,
		ConsumerSecret:  cfg.Mpesa.ConsumerSecret,
		ShortCode:       cfg.Mpesa.ShortCode,
		PassKey:         cfg.Mpesa.PassKey,
		TransactionType: cfg.Mpesa.TransactionType,
		CallbackURL:     cfg.Mpesa.CallbackURL,
		Timeout:         cfg.Mpesa.RequestTimeout,
		MaxAmount:       cfg.Mpesa.MaxAmount,
	}, &http.Client{Timeout: cfg.Mpesa.RequestTimeout}, logger)
	credentials := mpesa.NewCredentialCache(mpesaClient, cfg.Mpesa.TokenMargin, logger)

	var receipts payment.ReceiptSender
	if cfg.SMTP.Enabled() {
		receipts = email.NewSMTPService(cfg.SMTP)
	} else {
		logger.Warn("SMTP not configured, order receipts will not be sent")
	}

	finalizer := payment.NewFinalizer(db, jobQueue, receipts, logger)
	paymentService := payment.NewPaymentService(db, credentials, mpesaClient, finalizer, jobQueue, payment.Options{
		MaxAmount:          cfg.Mpesa.MaxAmount,
		AccountReference:   cfg.Mpesa.AccountReference,
		Description:        cfg.Mpesa.Description,
		ConfirmationWindow: cfg.Checkout.ConfirmationWindow,
		ReplayAttempts:     cfg.Checkout.ReplayAttempts,
		ReplayDelay:        cfg.Checkout.ReplayDelay,
	}, logger)

	jobWorker := worker.NewWorker(jobQueue, paymentService, finalizer, worker.Options{
		Concurrency:   cfg.Redis.WorkerConcurrency,
		SweepInterval: cfg.Checkout.SweepInterval,
	}, logger)
	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	jobWorker.Start(workerCtx)
	logger.Infow("started payment worker", "concurrency", cfg.Redis.WorkerConcurrency)

	jwtService := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenDuration)
	var sessionStore sessions.Store
	if cfg.Auth.SessionSecret != "" {
		sessionStore = middleware.NewCookieStore(cfg.Auth.SessionSecret, cfg.Auth.SessionSecure)
	}
	authenticator := middleware.NewAuthenticator(jwtService, sessionStore, cfg.Auth.SessionName, logger)
	rateLimiter := middleware.NewRateLimiterWithClient(jobQueue.Client(), logger)
	callbackGuard := middleware.NewCallbackGuard(cfg.Mpesa.CallbackSecret, cfg.Mpesa.CallbackAllowedIPs, cfg.Mpesa.TrustedProxies, logger)
	internalOnly := middleware.RequireInternalSecret(cfg.Auth.InternalSecret, logger)

	checkoutHandler := handlers.NewCheckoutHandler(paymentService, logger)
	callbackHandler := handlers.NewCallbackHandler(paymentService, logger)
	internalHandler := handlers.NewInternalHandler(jwtService, paymentService, db, jobQueue, logger)
	healthHandler := handlers.NewHealthHandler(db, jobQueue, logger)

	r := mux.NewRouter()
	r.Use(middleware.SecurityHeaders)
	r.HandleFunc("/api/health", healthHandler.Check).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()

	user := api.NewRoute().Subrouter()
	user.Use(authenticator.RequireUser)
	user.Handle("/checkout/mpesa", rateLimiter.Limit(http.HandlerFunc(checkoutHandler.StartCheckout))).Methods(http.MethodPost)
	user.HandleFunc("/checkout/mpesa/{reference}", checkoutHandler.GetStatus).Methods(http.MethodGet)
	user.HandleFunc("/cart/total", checkoutHandler.CartTotal).Methods(http.MethodGet)

	api.Handle("/mpesa/callback", callbackGuard.Middleware(http.HandlerFunc(callbackHandler.HandleCallback))).Methods(http.MethodPost)

	internal := api.PathPrefix("/internal").Subrouter()
	internal.Use(internalOnly)
	internal.HandleFunc("/token", internalHandler.GenerateToken).Methods(http.MethodPost)
	internal.HandleFunc("/reconciliation", internalHandler.ListReconciliation).Methods(http.MethodGet)
	internal.HandleFunc("/reconciliation/{reference}", internalHandler.Reconcile).Methods(http.MethodPost)

	handler := middleware.CORS(cfg.Server.AllowedOrigin)(middleware.AccessLog(logger)(r))

	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		logger.Infow("server starting", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalw("server error", "error", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Errorw("server shutdown failed", "error", err)
	}

	stopWorker()
	jobWorker.Stop()
	logger.Info("server stopped")
}

func connectDatabase(cfg database.DatabaseConfig, logger *zap.SugaredLogger) (*database.Connection, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxElapsedTime = time.Minute

	var db *database.Connection
	err := backoff.RetryNotify(func() error {
		conn, err := database.NewConnection(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := conn.Ping(ctx); err != nil {
			conn.Close()
			return err
		}
		db = conn
		return nil
	}, b, func(err error, next time.Duration) {
		logger.Warnw("database not ready", "error", err, "retry_in", next.String())
	})
	if err != nil {
		return nil, err
	}
	logger.Info("connected to database")
	return db, nil
}
