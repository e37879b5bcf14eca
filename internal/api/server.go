// Package api exposes the ingestion service over HTTP.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/shipdoc-cli/internal/config"
	"github.com/sells-group/shipdoc-cli/internal/ingest"
	"github.com/sells-group/shipdoc-cli/internal/model"
	"github.com/sells-group/shipdoc-cli/internal/store"
)

const maxUploadBytes = 32 << 20

// Records is the read side of the record store.
type Records interface {
	GetShipment(ctx context.Context, id string) (*model.Shipment, error)
	ListShipments(ctx context.Context, filter store.ShipmentFilter) ([]model.Shipment, error)
	ListEvents(ctx context.Context, shipmentID string) ([]model.ShipmentEvent, error)
	Ping(ctx context.Context) error
}

// Blobs serves signed blob downloads.
type Blobs interface {
	Get(ctx context.Context, ref string) ([]byte, error)
	Verify(ref, expires, sig string) error
}

// Server is the HTTP adapter.
type Server struct {
	cfg        config.ServerConfig
	svc        *ingest.Service
	records    Records
	blobs      Blobs
	router     chi.Router
	httpServer *http.Server
}

// New creates a Server. blobs may be nil, which disables /blobs.
func New(cfg config.ServerConfig, svc *ingest.Service, records Records, blobs Blobs) *Server {
	s := &Server{cfg: cfg, svc: svc, records: records, blobs: blobs}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	corsOpts := cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}
	if s.cfg.AllowAllOrigins {
		corsOpts.AllowedOrigins = []string{"*"}
		corsOpts.AllowCredentials = false
	}
	r.Use(cors.Handler(corsOpts))

	r.Get("/healthz", s.handleHealth)

	r.Post("/ingest", s.handleIngest)
	r.Post("/ingest/email", s.handleIngestEmail)
	r.Post("/ingest/preview", s.handlePreview)

	r.Route("/pending", func(r chi.Router) {
		r.Get("/", s.handleListPending)
		r.Post("/expire", s.handleExpirePending)
		r.Get("/count", s.handleCountPending)
		r.Get("/{id}", s.handleGetPending)
		r.Get("/{id}/url", s.handlePendingURL)
		r.Get("/{id}/candidates", s.handleCandidates)
		r.Post("/{id}/resolve", s.handleResolvePending)
		r.Post("/{id}/confirm", s.handleConfirm)
	})

	r.Route("/shipments", func(r chi.Router) {
		r.Get("/", s.handleListShipments)
		r.Get("/{id}", s.handleGetShipment)
		r.Get("/{id}/events", s.handleListEvents)
		r.Post("/{id}/status", s.handleChangeStatus)
	})

	r.Get("/blobs/*", s.handleBlob)

	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured port until Shutdown is called.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      6 * time.Minute,
		IdleTimeout:       120 * time.Second,
	}

	zap.L().Info("api: listening", zap.String("addr", addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Info("api: request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
