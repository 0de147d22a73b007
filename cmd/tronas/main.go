package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	trhttp "github.com/iaintheardofu/Tronas/internal/adapter/http"
	"github.com/iaintheardofu/Tronas/internal/adapter/litellm"
	"github.com/iaintheardofu/Tronas/internal/adapter/localfs"
	"github.com/iaintheardofu/Tronas/internal/adapter/membus"
	trnats "github.com/iaintheardofu/Tronas/internal/adapter/nats"
	"github.com/iaintheardofu/Tronas/internal/adapter/otel"
	"github.com/iaintheardofu/Tronas/internal/adapter/postgres"
	"github.com/iaintheardofu/Tronas/internal/adapter/ristretto"
	"github.com/iaintheardofu/Tronas/internal/adapter/ws"
	"github.com/iaintheardofu/Tronas/internal/agent"
	"github.com/iaintheardofu/Tronas/internal/config"
	"github.com/iaintheardofu/Tronas/internal/domain/deadline"
	"github.com/iaintheardofu/Tronas/internal/logger"
	"github.com/iaintheardofu/Tronas/internal/port/bus"
	"github.com/iaintheardofu/Tronas/internal/resilience"
	"github.com/iaintheardofu/Tronas/internal/service"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.Logging)
	log.Info("config loaded",
		"port", cfg.Server.Port,
		"bus_driver", cfg.Bus.Driver,
		"log_level", cfg.Logging.Level,
	)

	ctx := context.Background()

	shutdownTracer := otel.InitTracer(cfg.Logging.Service)
	defer func() { _ = shutdownTracer(ctx) }()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	log.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	log.Info("migrations applied")

	store := postgres.NewStore(pool)

	var (
		eventBus bus.Bus
		history  trhttp.EventHistory
	)
	switch cfg.Bus.Driver {
	case "nats":
		nb, err := trnats.Connect(ctx, cfg.Bus.NATSURL, log, metrics)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		eventBus = nb
	default:
		mb := membus.New(log, cfg.Bus.History, metrics)
		eventBus = mb
		history = mb
	}
	defer func() { _ = eventBus.Close() }()

	// Hash entries are tiny; size the cache by count rather than bytes.
	dedup, err := ristretto.NewDedup(cfg.Cache.MaxSizeMB * 1024)
	if err != nil {
		return fmt.Errorf("dedup cache: %w", err)
	}
	defer dedup.Close()

	cal, err := deadline.LoadCalendar(cfg.Deadline.CalendarPath)
	if err != nil {
		return fmt.Errorf("holiday calendar: %w", err)
	}
	log.Info("holiday calendar loaded", "holidays", cal.HolidayCount())

	// --- Collaborators ---

	docSource := localfs.NewDocumentSource(cfg.Sources.DocumentsRoot)
	emailSource := localfs.NewEmailSource(cfg.Sources.MailboxFile)

	classifier := litellm.NewClassifier(cfg.Classifier.BaseURL, cfg.Classifier.APIKey, cfg.Classifier.Model)
	classifier.SetBreaker(resilience.NewBreaker("classifier", cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	docBreaker := resilience.NewBreaker("document-source", cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	emailBreaker := resilience.NewBreaker("email-source", cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)

	// --- Services and agents ---

	engine := service.NewWorkflowEngine(log, store, eventBus, metrics)

	orch := service.NewOrchestrator(log, eventBus, cfg.Orchestrator, cfg.Agents.StaleAfter, metrics)
	// Registration order is start order. The subscribing agents come first
	// so the request monitor's first intake cycle cannot publish a trigger
	// before its consumers are on the bus.
	agents := []agent.Agent{
		agent.NewDocumentRetrieval(log, eventBus, store, engine, docSource, dedup, docBreaker, metrics, cfg.Agents),
		agent.NewEmailRetrieval(log, eventBus, store, engine, emailSource, dedup, emailBreaker, cfg.Agents),
		agent.NewClassification(log, eventBus, store, engine, docSource, classifier, metrics, cfg.Agents),
		agent.NewDeadlineMonitor(log, eventBus, store, cal, metrics, cfg.Agents),
		agent.NewRequestMonitor(log, eventBus, store, engine, cal, cfg.Deadline.ResponseDays, cfg.Agents),
	}
	for _, a := range agents {
		if err := orch.Register(a); err != nil {
			return fmt.Errorf("register agent: %w", err)
		}
	}
	if err := orch.StartAll(ctx); err != nil {
		return fmt.Errorf("start agents: %w", err)
	}

	// --- HTTP and WebSocket ---

	hub := ws.NewHub(log)
	cancelBridge, err := ws.BridgeBus(hub, eventBus)
	if err != nil {
		return fmt.Errorf("ws bridge: %w", err)
	}
	defer cancelBridge()

	handlers := trhttp.NewHandlers(log, store, engine, orch, cal, cfg.Deadline.ExtensionDays, history)

	r := chi.NewRouter()
	r.Use(trhttp.SecurityHeaders)
	r.Use(trhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(trhttp.CorrelationID)
	r.Use(trhttp.Logger)
	if cfg.Server.RateLimitRPS > 0 {
		limiter := trhttp.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
		defer limiter.StartCleanup(time.Minute, 10*time.Minute)()
		r.Use(limiter.Handler)
	}

	r.Get("/ws", hub.HandleWS)
	trhttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server failed", "error", err)
		}
	}()

	<-done
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	orch.Shutdown(shutdownCtx)
	return srv.Shutdown(shutdownCtx)
}
