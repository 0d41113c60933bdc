// Package api exposes the HTTP surface: upload submission, progress
// observation, product CRUD, and webhook subscription management.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/skuflow/skuflow/internal/config"
	"github.com/skuflow/skuflow/internal/jobstate"
	"github.com/skuflow/skuflow/internal/objectstore"
	"github.com/skuflow/skuflow/internal/queue"
	"github.com/skuflow/skuflow/internal/repository"
	"github.com/skuflow/skuflow/internal/webhook"
)

// Server wires the HTTP handlers to their collaborators.
type Server struct {
	cfg        *config.Config
	log        *slog.Logger
	products   *repository.ProductRepository
	webhooks   *repository.WebhookRepository
	jobs       jobstate.Store
	objects    *objectstore.Storage
	queue      *queue.Client
	trigger    *webhook.Trigger
	deliverer  *webhook.Deliverer
	httpServer *http.Server
}

// New constructs a Server.
func New(
	cfg *config.Config,
	log *slog.Logger,
	products *repository.ProductRepository,
	webhooks *repository.WebhookRepository,
	jobs jobstate.Store,
	objects *objectstore.Storage,
	queueClient *queue.Client,
	trigger *webhook.Trigger,
	deliverer *webhook.Deliverer,
) *Server {
	return &Server{
		cfg:       cfg,
		log:       log,
		products:  products,
		webhooks:  webhooks,
		jobs:      jobs,
		objects:   objects,
		queue:     queueClient,
		trigger:   trigger,
		deliverer: deliverer,
	}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(s.log))
	r.Use(corsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Route("/uploads", func(r chi.Router) {
			r.Post("/", s.handleUploadSubmit)
			r.Get("/{id}/progress", s.handleUploadProgress)
			r.Get("/{id}/events", s.handleUploadEvents)
		})
		r.Route("/products", func(r chi.Router) {
			r.Get("/", s.handleProductList)
			r.Post("/", s.handleProductCreate)
			r.Get("/{id}", s.handleProductGet)
			r.Put("/{id}", s.handleProductUpdate)
			r.Delete("/{id}", s.handleProductDelete)
		})
		r.Route("/webhooks", func(r chi.Router) {
			r.Get("/", s.handleWebhookList)
			r.Post("/", s.handleWebhookCreate)
			r.Get("/{id}", s.handleWebhookGet)
			r.Put("/{id}", s.handleWebhookUpdate)
			r.Delete("/{id}", s.handleWebhookDelete)
			r.Post("/{id}/test", s.handleWebhookTest)
		})
	})
	return r
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:        s.cfg.Address,
		Handler:     s.Router(),
		ReadTimeout: 5 * time.Minute, // large multipart uploads
		IdleTimeout: time.Minute,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()
	s.log.Info("api listening", slog.String("addr", s.cfg.Address))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Info("request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Duration("took", time.Since(start)),
			)
		})
	}
}
