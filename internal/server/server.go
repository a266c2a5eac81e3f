package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"banking-ledger/internal/config"
	"banking-ledger/internal/events"
	"banking-ledger/internal/handler"
	"banking-ledger/internal/middleware"
	"banking-ledger/internal/repository"
	"banking-ledger/internal/repository/memory"
	"banking-ledger/internal/service"
	"banking-ledger/migrations"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
)

// Server represents the HTTP server
type Server struct {
	router    *mux.Router
	server    *http.Server
	db        *sql.DB
	publisher events.Publisher
	logger    *slog.Logger
	port      string
}

// NewServer wires storage, services and routes according to cfg
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET must be set")
	}

	repos, db, err := openStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	publisher := newPublisher(cfg, logger)

	serviceCfg := service.Config{
		Retry: service.RetryPolicy{
			MaxRetries: cfg.TransferMaxRetries,
			Interval:   cfg.TransferRetryInterval,
		},
		MaxAmount:           cfg.MaxTransferAmount,
		TransactionTopic:    cfg.KafkaTransactionTopic,
		ReconciliationTopic: cfg.KafkaReconciliationTopic,
	}

	// Transfers, deposits and status changes share one locker so they
	// serialize per account.
	locker := service.NewAccountLocker()
	accountService := service.NewAccountService(repos, locker, publisher, serviceCfg, logger)
	transferService := service.NewTransferService(repos, locker, publisher, serviceCfg, logger)
	queryService := service.NewQueryService(repos, logger)

	accountHandler := handler.NewAccountHandler(accountService)
	transactionHandler := handler.NewTransactionHandler(transferService, queryService)

	router := mux.NewRouter()
	router.Use(loggingMiddleware(logger))

	router.HandleFunc("/health", healthHandler(db)).Methods("GET")

	api := router.NewRoute().Subrouter()
	api.Use(middleware.Authenticate(cfg.JWTSecret, logger))

	// Account routes
	api.HandleFunc("/accounts", accountHandler.ListAccounts).Methods("GET")
	api.HandleFunc("/accounts", accountHandler.CreateAccount).Methods("POST")
	api.HandleFunc("/accounts/{id}", accountHandler.GetAccount).Methods("GET")
	api.HandleFunc("/accounts/{id}/balance", accountHandler.GetBalance).Methods("GET")
	api.HandleFunc("/accounts/{id}/suspend", accountHandler.Suspend).Methods("PATCH")
	api.HandleFunc("/accounts/{id}/activate", accountHandler.Activate).Methods("PATCH")
	api.HandleFunc("/accounts/{id}/close", accountHandler.Close).Methods("PATCH")
	api.HandleFunc("/accounts/{id}/deposit", accountHandler.Deposit).Methods("POST")
	api.HandleFunc("/accounts/{id}/withdraw", accountHandler.Withdraw).Methods("POST")

	// Transaction routes. Literal paths go before /transactions/{id}.
	api.HandleFunc("/transactions", transactionHandler.ListTransactions).Methods("GET")
	api.HandleFunc("/transactions/paginated", transactionHandler.ListTransactionsPaginated).Methods("GET")
	api.HandleFunc("/transactions/transfer", transactionHandler.Transfer).Methods("POST")
	api.HandleFunc("/transactions/account/{id}", transactionHandler.ListAccountTransactions).Methods("GET")
	api.HandleFunc("/transactions/account/{id}/paginated", transactionHandler.ListAccountTransactionsPaginated).Methods("GET")
	api.HandleFunc("/transactions/{id}", transactionHandler.GetTransaction).Methods("GET")

	api.HandleFunc("/reconciliation", transactionHandler.ListReconciliation).Methods("GET")

	return &Server{
		router:    router,
		db:        db,
		publisher: publisher,
		logger:    logger,
	}, nil
}

func openStorage(cfg *config.Config, logger *slog.Logger) (service.Repositories, *sql.DB, error) {
	switch cfg.StorageDriver {
	case config.StorageDriverMemory:
		store := memory.NewStore()
		logger.Info("Using in-memory storage")
		return service.Repositories{Accounts: store, Transactions: store, Reconciliation: store}, nil, nil

	case config.StorageDriverPostgres, "":
		db, err := sql.Open("postgres", cfg.GetDBConnectionString())
		if err != nil {
			return service.Repositories{}, nil, err
		}

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(25)
		db.SetConnMaxLifetime(5 * time.Minute)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return service.Repositories{}, nil, err
		}
		logger.Info("Successfully connected to database")

		store := repository.NewStore(db, logger)
		if cfg.AutoMigrate {
			if err := store.Migrate(ctx, migrations.FS); err != nil {
				db.Close()
				return service.Repositories{}, nil, err
			}
		}

		return service.Repositories{
			Accounts:       store.Account(),
			Transactions:   store.Transaction(),
			Reconciliation: store.Reconciliation(),
		}, db, nil

	default:
		return service.Repositories{}, nil, fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}
}

func newPublisher(cfg *config.Config, logger *slog.Logger) events.Publisher {
	if len(cfg.KafkaBrokers) == 0 {
		logger.Info("No Kafka brokers configured, events are discarded")
		return events.Discard{}
	}
	logger.Info("Publishing events to Kafka", "brokers", cfg.KafkaBrokers)
	return events.NewKafkaPublisher(cfg.KafkaBrokers, logger)
}

func healthHandler(db *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")

		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy", "error": "database unavailable"})
				return
			}
		}

		json.NewEncoder(w).Encode(map[string]string{
			"status":    "healthy",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
}

// loggingMiddleware adds request logging
func loggingMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(ww, r)

			logger.Info("request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.statusCode,
				"duration", time.Since(start),
				"user_agent", r.UserAgent(),
			)
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start listens on port and serves in the background. Port "0" picks a free port.
func (s *Server) Start(port string) (string, error) {
	listener, err := net.Listen("tcp", ":"+port)
	if err != nil {
		return "", err
	}

	addr := listener.Addr().(*net.TCPAddr)
	s.port = strconv.Itoa(addr.Port)

	s.server = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("Starting server", "port", s.port)

	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Server failed", "error", err)
		}
	}()

	return s.port, nil
}

// Stop drains in-flight requests, then closes the publisher and the database.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Shutting down server")

	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	if s.publisher != nil {
		if closeErr := s.publisher.Close(); closeErr != nil {
			s.logger.Warn("Failed to close event publisher", "error", closeErr)
		}
	}
	if s.db != nil {
		s.db.Close()
	}
	return err
}

// GetPort returns the port the server is listening on
func (s *Server) GetPort() string {
	return s.port
}

// GetBaseURL returns the base URL for the server
func (s *Server) GetBaseURL() string {
	return "http://localhost:" + s.port
}

// GetRouter returns the router for testing purposes
func (s *Server) GetRouter() *mux.Router {
	return s.router
}

// NewLogger returns the process logger. Port "0" means a test run and
// discards output.
func NewLogger(cfg *config.Config) *slog.Logger {
	if cfg.ServerPort == "0" {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
}

// StartServer starts the server with the given configuration
func StartServer(cfg *config.Config) (*Server, string, error) {
	logger := NewLogger(cfg)

	server, err := NewServer(cfg, logger)
	if err != nil {
		return nil, "", err
	}

	port, err := server.Start(cfg.ServerPort)
	if err != nil {
		server.Stop(context.Background())
		return nil, "", err
	}

	return server, port, nil
}
