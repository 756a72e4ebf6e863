package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/carepoint/hospital/internal/account"
	"github.com/carepoint/hospital/internal/admin"
	"github.com/carepoint/hospital/internal/appointment"
	"github.com/carepoint/hospital/internal/audit"
	"github.com/carepoint/hospital/internal/catalog"
	"github.com/carepoint/hospital/internal/files"
	"github.com/carepoint/hospital/internal/notification"
	"github.com/carepoint/hospital/internal/payment"
	"github.com/carepoint/hospital/internal/prescription"
	"github.com/carepoint/hospital/internal/scheduler"
	"github.com/carepoint/hospital/internal/shared/auth"
	"github.com/carepoint/hospital/internal/shared/config"
	"github.com/carepoint/hospital/internal/shared/database"
	apperrors "github.com/carepoint/hospital/internal/shared/errors"
	"github.com/carepoint/hospital/internal/shared/events"
	"github.com/carepoint/hospital/internal/shared/logger"
	"github.com/carepoint/hospital/internal/shared/metrics"
	secmiddleware "github.com/carepoint/hospital/internal/shared/middleware"
	"github.com/carepoint/hospital/internal/shared/response"
)

// version is reported by the health endpoint
const version = "1.0.0"

// App holds the long-lived dependencies shared by the handlers
type App struct {
	Config *config.Config
	Log    zerolog.Logger
	DB     *database.DB
	Bus    *events.Bus
	Redis  *redis.Client
}

// publisher returns the event bus as a Publisher, or nil when disabled.
func (a *App) publisher() events.Publisher {
	if a.Bus == nil {
		return nil
	}
	return a.Bus
}

func runServer(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := logger.New(cfg.Log)
	app := &App{Config: cfg, Log: log}

	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		return err
	}
	app.DB = db
	defer db.Close()

	if err := database.Migrate(ctx, db.Pool, log); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	var revoker auth.Revoker
	if cfg.Redis.Enabled {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis not available, token revocation disabled")
			_ = client.Close()
		} else {
			app.Redis = client
			defer client.Close()
			revoker = auth.NewRedisRevoker(client)
			log.Info().Msg("redis token revocation enabled")
		}
	}

	if cfg.KurrentDB.Enabled {
		bus, err := events.NewBus(ctx, cfg.KurrentDB)
		if err != nil {
			log.Warn().Err(err).Msg("KurrentDB not available, running without event streaming")
		} else {
			app.Bus = bus
			defer bus.Close()
			log.Info().Str("host", cfg.KurrentDB.Host).Int("port", cfg.KurrentDB.Port).Msg("event bus initialized")
		}
	}

	auditRepo := audit.NewRepository(db.Pool)
	if err := auditRepo.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize audit log: %w", err)
	}
	trail := audit.NewTrail(auditRepo)

	notifier := notification.NewService(notification.NewLogProvider(log), notification.DefaultServiceConfig(), log)
	if err := notifier.Start(ctx); err != nil {
		return fmt.Errorf("failed to start notifications: %w", err)
	}
	defer notifier.Stop()

	storage := files.NewStorage(cfg.Storage)
	authn := auth.NewAuthenticator(auth.NewIssuer(cfg.Auth), revoker)

	loginLimiter := secmiddleware.NewIPRateLimiter(cfg.RateLimit.LoginPerSecond, cfg.RateLimit.LoginBurst)
	go sweepLimiter(ctx, loginLimiter, log)

	bus := app.publisher()
	appointmentRepo := appointment.NewRepository(db.Pool)
	payments := payment.NewHandler(payment.NewRepository(db.Pool), trail, bus, notifier)
	catalogs := catalog.NewHandler(catalog.NewRepository(db.Pool), trail)
	uploads := files.NewHandler(storage)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(secmiddleware.RequestLogger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(metrics.Middleware)
	r.Use(secmiddleware.CORS(secmiddleware.DefaultCORSConfig(cfg.Server.AllowedOrigins)))
	r.Use(secmiddleware.RateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst))
	r.Use(secmiddleware.BodyLimit(cfg.Storage.MaxUploadBytes + 1<<20))

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(app))
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", apiHealthHandler(app))

		r.Mount("/auth", account.NewHandler(account.NewRepository(db.Pool), authn, storage, trail).
			WithLimiter(loginLimiter.Middleware).Routes())
		r.Mount("/appointments", appointment.NewHandler(appointment.NewService(appointmentRepo), payments, trail, bus, notifier).Routes(authn))
		r.Mount("/payments", payments.Routes(authn))
		r.Mount("/admin", admin.NewHandler(admin.NewRepository(db.Pool), auditRepo, trail, bus, notifier).Routes(authn))
		r.Mount("/prescriptions", prescription.NewHandler(
			prescription.NewService(prescription.NewRepository(db.Pool), storage), trail, bus, notifier).Routes(authn))
		r.Mount("/medicines", catalogs.MedicineRoutes(authn))
		r.Mount("/tests", catalogs.TestRoutes(authn))
		r.Mount("/upload", uploads.UploadRoutes(authn))
		r.Mount("/download", uploads.DownloadRoutes(authn))

		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			response.Error(w, r, apperrors.NotFoundMessage("Endpoint not found"))
		})
	})

	var jobs *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		jobs = scheduler.New(cfg.Scheduler, appointmentRepo, auditRepo, trail, notifier, log)
		if err := jobs.Start(ctx); err != nil {
			return err
		}
		defer jobs.Stop()
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan struct{})
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info().Msg("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
		close(done)
	}()

	log.Info().
		Str("env", cfg.Server.Env).
		Int("port", cfg.Server.Port).
		Bool("redis", app.Redis != nil).
		Bool("kurrentdb", app.Bus != nil).
		Bool("scheduler", jobs != nil).
		Msg("hospital API listening")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	<-done
	log.Info().Msg("server stopped")
	return nil
}

// sweepLimiter drops idle per-IP login limiters until ctx ends.
func sweepLimiter(ctx context.Context, limiter *secmiddleware.IPRateLimiter, log zerolog.Logger) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := limiter.Cleanup(); n > 0 {
				log.Debug().Int("removed", n).Msg("login limiter cleanup")
			}
		}
	}
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	response.JSON(w, http.StatusOK, true, "healthy", nil)
}

// apiHealthHandler is the envelope health check used by the frontend.
func apiHealthHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbStatus := "connected"
		if err := app.DB.Health(r.Context()); err != nil {
			hlog.FromRequest(r).Warn().Err(err).Msg("database health check failed")
			dbStatus = "disconnected"
		}
		response.OK(w, "Hospital API is running", map[string]string{
			"status":   "ok",
			"database": dbStatus,
			"version":  version,
		})
	}
}

func readyHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checks := map[string]string{
			"server": "ready",
		}

		if err := app.DB.Health(r.Context()); err != nil {
			checks["database"] = "not ready: " + err.Error()
		} else {
			checks["database"] = "ready"
		}

		if app.Bus != nil {
			if err := app.Bus.Health(); err != nil {
				checks["kurrentdb"] = "not ready: " + err.Error()
			} else {
				checks["kurrentdb"] = "ready"
			}
		} else {
			checks["kurrentdb"] = "not configured"
		}

		if app.Redis != nil {
			if err := app.Redis.Ping(r.Context()).Err(); err != nil {
				checks["redis"] = "not ready: " + err.Error()
			} else {
				checks["redis"] = "ready"
			}
		} else {
			checks["redis"] = "not configured"
		}

		allReady := true
		for _, status := range checks {
			if status != "ready" && status != "not configured" {
				allReady = false
				break
			}
		}

		status := http.StatusOK
		message := "ready"
		if !allReady {
			status = http.StatusServiceUnavailable
			message = "not ready"
		}
		response.JSON(w, status, allReady, message, checks)
	}
}
