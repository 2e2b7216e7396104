package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"coupon-required-products/internal/cache"
	"coupon-required-products/internal/config"
	"coupon-required-products/internal/database"
	"coupon-required-products/internal/events"
	"coupon-required-products/internal/features"
	"coupon-required-products/internal/handler"
	"coupon-required-products/internal/middleware"
	"coupon-required-products/internal/service"
	"coupon-required-products/internal/tlsconfig"
	"coupon-required-products/internal/tracing"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configFile := flag.String("config", "", "Path to a JSON or YAML config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Initialize tracing
	if _, err := tracing.InitTracing(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: tracing.ServiceName,
		Environment: cfg.Tracing.Environment,
	}); err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	// Initialize database
	dsn := cfg.Database.Path
	if cfg.Database.Driver == database.DriverPostgres {
		dsn = cfg.Database.DSN
	}
	db, err := database.Open(cfg.Database.Driver, dsn)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	flags := features.NewDefaultManager(
		cfg.Features.CacheEnabled,
		cfg.Features.EventHooksEnabled,
		cfg.Features.LegacyFormatWrites,
	)

	// Initialize cache
	var store cache.Cache = cache.NewInMemoryCache()
	if cfg.Redis.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		redisCache, err := cache.NewRedisCache(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		cancel()
		if err != nil {
			log.Printf("WARNING: %v, falling back to in-memory cache", err)
		} else {
			defer redisCache.Close()
			store = redisCache
		}
	}

	// Initialize event hooks
	eventManager := events.NewManager(cfg.Features.EventHooksEnabled)
	registerLogHooks(eventManager)

	svc := service.NewServiceWithOptions(db, service.Options{
		Cache:    store,
		CacheTTL: cfg.Cache.TTL(),
		Events:   eventManager,
		Features: flags,
	})

	h := handler.NewHandlerWithOptions(svc, handler.NewHandlerOptions{
		MaxBodySize: cfg.Security.MaxRequestBodySize,
	})

	// Setup router
	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(middleware.TracingMiddleware())

	if cfg.RateLimit.Enabled {
		rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		defer rateLimiter.Stop()
		r.Use(middleware.RateLimitMiddleware(rateLimiter))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   strings.Split(cfg.Security.AllowedOrigins, ","),
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Accept-Language", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if cfg.Auth.AdminSecret == "" {
		log.Println("WARNING: ADMIN_JWT_SECRET is not set, admin routes are unauthenticated")
	}
	h.Routes(r, middleware.AdminAuth(cfg.Auth.AdminSecret))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	// Configure TLS if enabled
	var tlsConfig *tls.Config
	if cfg.Server.EnableTLS {
		tlsCfg := tlsconfig.Config{
			CertFile: cfg.Server.CertFile,
			KeyFile:  cfg.Server.KeyFile,
		}

		tlsConfig, err = tlsconfig.LoadTLSConfig(tlsCfg)
		if err != nil {
			log.Fatalf("Failed to load TLS configuration: %v", err)
		}

		if tlsCfg.SelfSigned() {
			log.Println("WARNING: No certificate files provided, using self-signed certificate for development")
		}
	}

	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	protocol := "HTTP"
	if cfg.Server.EnableTLS {
		protocol = "HTTPS"
	}
	log.Printf("Starting %s server on %s", protocol, addr)
	log.Printf("Database: %s", cfg.Database.Driver)
	log.Printf("Rate limit: enabled=%t %.1f rps, burst %d", cfg.RateLimit.Enabled, cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	idle := make(chan struct{})
	go func() {
		defer close(idle)

		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Println("Shutting down server...")
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down server: %v", err)
		}
		eventManager.Shutdown()
		if err := tracing.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	if cfg.Server.EnableTLS {
		// Certificates are already in TLSConfig
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server failed: %v", err)
	}

	<-idle
}

// registerLogHooks subscribes log handlers that record coupon activity.
func registerLogHooks(m *events.Manager) {
	m.Subscribe(events.EventCouponSaved, func(ctx context.Context, event events.Event) error {
		data, ok := event.Data.(events.CouponSavedData)
		if !ok {
			return fmt.Errorf("unexpected payload %T", event.Data)
		}
		log.Printf("coupon saved: id=%s code=%s", data.Coupon.ID, data.Coupon.Code)
		return nil
	})

	m.Subscribe(events.EventRequirementSaved, func(ctx context.Context, event events.Event) error {
		data, ok := event.Data.(events.RequirementSavedData)
		if !ok {
			return fmt.Errorf("unexpected payload %T", event.Data)
		}
		log.Printf("required products saved: coupon=%s format=%s", data.CouponID, data.Format)
		return nil
	})

	m.Subscribe(events.EventCouponValidated, func(ctx context.Context, event events.Event) error {
		data, ok := event.Data.(events.CouponValidatedData)
		if !ok {
			return fmt.Errorf("unexpected payload %T", event.Data)
		}
		if !data.Result.Valid {
			log.Printf("coupon rejected: coupon=%s reason=%s missing=%d",
				data.CouponID, data.Result.Reason, len(data.Result.MissingProducts))
		}
		return nil
	})
}
