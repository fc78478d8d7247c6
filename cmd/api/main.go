package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"offer-catalog-engine/internal/app"
	"offer-catalog-engine/internal/config"
	"offer-catalog-engine/internal/handler"
	"offer-catalog-engine/internal/logger"
	"offer-catalog-engine/internal/middleware"
	tlsconfig "offer-catalog-engine/internal/tls"
)

func main() {
	configFile := flag.String("config", "", "Optional YAML or JSON config file")
	port := flag.String("port", "", "Server port (overrides config)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}

	application, err := app.New(cfg, log, app.Options{})
	if err != nil {
		log.Fatal("failed to initialize application", "error", err)
	}
	defer application.Close()

	if cfg.Security.CronSecret == "" {
		log.Warn("CRON_SECRET is empty, every cron request will be rejected")
	}

	var limiter *middleware.RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = middleware.NewRateLimiter(cfg.RateLimit.Rate, time.Duration(cfg.RateLimit.Window)*time.Second)
	}

	h := handler.NewHandlerWithOptions(application.Service, handler.NewHandlerOptions{
		MaxBodySize: cfg.Security.MaxRequestBodySize,
		Logger:      log.With("component", "http"),
		RateLimiter: limiter,
	})

	r := chi.NewRouter()

	// Middleware (order matters)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(log.With("component", "http")))
	r.Use(chimw.Recoverer)

	if cfg.Tracing.Enabled {
		r.Use(middleware.TracingMiddleware(cfg.Tracing.ServiceName))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: splitOrigins(cfg.Security.AllowedOrigins),
		AllowedMethods: []string{"GET", "POST", "HEAD", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Cron-Secret"},
		MaxAge:         300,
	}))

	r.Mount("/", h.Routes(cfg.Security.CronSecret))

	var tlsConfig *tls.Config
	if cfg.Server.EnableTLS {
		tlsConfig, err = tlsconfig.LoadTLSConfig(tlsconfig.Config{
			CertFile: cfg.Server.CertFile,
			KeyFile:  cfg.Server.KeyFile,
		})
		if err != nil {
			log.Fatal("failed to load TLS configuration", "error", err)
		}
		if cfg.Server.CertFile == "" {
			log.Warn("no certificate files provided, using self-signed certificate for development")
		}
	}

	addr := net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           r,
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt, syscall.SIGTERM)
		<-sigint

		log.Info("shutting down server")
		// Pipeline runs can take a while; give in-flight ones time to commit.
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Error("error shutting down server", "error", err)
		}
	}()

	log.Info("starting server",
		"addr", addr,
		"tls", cfg.Server.EnableTLS,
		"driver", cfg.Database.Driver,
		"rate_limit", cfg.RateLimit.Enabled,
		"rate_per_window", cfg.RateLimit.Rate,
		"rate_window_s", cfg.RateLimit.Window,
	)

	if tlsConfig != nil {
		err = server.ListenAndServeTLS("", "")
	} else {
		err = server.ListenAndServe()
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server failed", "error", err)
		return
	}
	<-done
}

func splitOrigins(raw string) []string {
	var out []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
