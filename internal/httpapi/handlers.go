package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/sebastianmuntean/eori-platform-sub000/internal/obs"
	"github.com/sebastianmuntean/eori-platform-sub000/internal/registry"
	"github.com/sebastianmuntean/eori-platform-sub000/internal/stream"
)

const serviceName = "document-registry"

// ReadyProbe is a simple readiness check (database ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Options tunes the HTTP layer. Zero values fall back to defaults.
type Options struct {
	Version        string
	Ready          readinessChecker
	Stream         *stream.Stream
	Logger         *zerolog.Logger
	RateBurst      int
	RatePerSec     float64
	MaxBodyBytes   int64
	AllowedOrigins []string
}

// API is the HTTP layer over the registry service.
type API struct {
	svc            *registry.Service
	readyProbe     readinessChecker
	stream         *stream.Stream
	log            zerolog.Logger
	version        string
	rateBurst      int
	ratePerSec     float64
	maxBodyBytes   int64
	allowedOrigins []string
}

func New(svc *registry.Service, opts Options) *API {
	a := &API{
		svc:            svc,
		readyProbe:     opts.Ready,
		stream:         opts.Stream,
		version:        opts.Version,
		rateBurst:      opts.RateBurst,
		ratePerSec:     opts.RatePerSec,
		maxBodyBytes:   opts.MaxBodyBytes,
		allowedOrigins: opts.AllowedOrigins,
	}
	if a.readyProbe == nil {
		a.readyProbe = ReadyProbe{}
	}
	if opts.Logger != nil {
		a.log = *opts.Logger
	} else {
		a.log = obs.Logger()
	}
	if a.rateBurst <= 0 {
		a.rateBurst = 200
	}
	if a.ratePerSec <= 0 {
		a.ratePerSec = 100
	}
	if a.maxBodyBytes <= 0 {
		a.maxBodyBytes = 1 << 20
	}
	return a
}

// Handler builds the router with the full middleware chain.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(LoggingJSON)
	r.Use(obs.Instrument)
	r.Use(SecurityHeaders)
	r.Use(CORS(a.allowedOrigins))
	r.Use(RateLimit(a.rateBurst, a.ratePerSec))
	r.Use(MaxBodyBytes(a.maxBodyBytes))
	r.Use(withActor)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/configs", a.createConfig)
		r.Get("/configs/{id}", a.getConfig)

		r.Route("/documents", func(r chi.Router) {
			r.Post("/", a.createDocument)
			r.Get("/", a.listDocuments)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", a.getDocument)
				r.Delete("/", a.deleteDocument)
				r.Post("/status", a.transitionStatus)
				r.Post("/archive", a.archiveDocument)
				r.Get("/archive", a.getArchive)
				r.Post("/connections", a.connectDocuments)
				r.Get("/connections", a.listConnections)
				r.Post("/routes", a.openRoute)
				r.Get("/routes", a.listRoutes)
			})
		})

		r.Post("/routes/{id}/close", a.closeRoute)
		r.Post("/routes/expire", a.expireRoutes)
		r.Get("/events/stream", a.Stream)
	})
	return r
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	p := a.svc.Policy()
	writeJSON(w, http.StatusOK, map[string]any{
		"name":            serviceName,
		"time":            time.Now().UTC().Format(time.RFC3339),
		"version":         a.version,
		"max_route_depth": p.MaxRouteDepth,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
