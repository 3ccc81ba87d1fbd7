// Package api wires the REST surface: channel discovery, stream proxying,
// EPG reads, user data, admin sync, and observability endpoints.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/tvgate/tvgate/internal/catalogsync"
	"github.com/tvgate/tvgate/internal/config"
	"github.com/tvgate/tvgate/internal/epgmap"
	"github.com/tvgate/tvgate/internal/healthworker"
	"github.com/tvgate/tvgate/internal/log"
	"github.com/tvgate/tvgate/internal/proxy"
	"github.com/tvgate/tvgate/internal/store"
	"github.com/tvgate/tvgate/internal/transcoder"
)

// Version is reported by /api/health.
const Version = "1.0.0"

// Server holds the wired application components. All durable state lives in
// Store; the rest are stateless collaborators.
type Server struct {
	Config     *config.Config
	Store      *store.Store
	Sync       *catalogsync.Service
	Mapper     *epgmap.Mapper
	Worker     *healthworker.Worker
	Transcoder *transcoder.Manager
	Proxy      *proxy.Proxy

	logger zerolog.Logger
}

// New creates a Server over the wired components.
func New(cfg *config.Config, st *store.Store, sync *catalogsync.Service,
	mapper *epgmap.Mapper, worker *healthworker.Worker,
	tc *transcoder.Manager, px *proxy.Proxy) *Server {
	return &Server{
		Config:     cfg,
		Store:      st,
		Sync:       sync,
		Mapper:     mapper,
		Worker:     worker,
		Transcoder: tc,
		Proxy:      px,
		logger:     log.WithComponent("api"),
	}
}

// Router builds the chi router with CORS, rate limiting, and all routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(log.Middleware())
	r.Use(recoverer(s.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.Config.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: false,
	}))
	r.Use(httprate.LimitByIP(s.Config.RateLimitPerMinute, time.Minute))

	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/stats", s.handleStats)

		r.Get("/channels", s.handleListChannels)
		r.Get("/channels/{id}", s.handleGetChannel)
		r.Get("/categories", s.handleCategories)
		r.Get("/countries", s.handleCountries)
		r.Get("/languages", s.handleCachedList("languages"))
		r.Get("/regions", s.handleCachedList("regions"))
		r.Get("/providers", s.handleProviders)
		r.With(s.requireAdmin).Post("/sync", s.handleSync)

		r.Route("/streams", func(r chi.Router) {
			// Stream routes carry media traffic; a tighter per-IP limit
			// applies on top of the global one.
			r.Use(httprate.LimitByIP(s.Config.StreamRateLimitPerMinute, time.Minute))

			r.Get("/stats", s.handleStreamStats)
			r.Get("/health-updates", s.handleHealthUpdates)
			r.Get("/health-stats", s.handleHealthStats)
			r.Get("/health-worker", s.handleHealthWorker)
			r.Post("/import/m3u", s.handleImportM3U)

			r.Get("/{id}/play.m3u8", s.handlePlay)
			r.Get("/{id}/segment/{encoded}", s.handleSegment)
			r.Get("/{id}/local/{filename}", s.handleTranscodeOutput)
			r.Get("/{id}/status", s.handleStreamStatus)
		})

		r.Route("/epg", func(r chi.Router) {
			r.Get("/stats", s.handleEPGStats)
			r.Get("/channel/{id}", s.handleChannelEPG)
			r.Get("/now/playing", s.handleNowPlaying)
			r.Get("/timeline", s.handleTimeline)
			r.Post("/import", s.handleEPGImport)
			r.With(s.requireAdmin).Post("/map", s.handleEPGMap)
			r.Delete("/clear", s.handleEPGClear)
		})

		r.Route("/user", func(r chi.Router) {
			r.Get("/favorites", s.handleGetFavorites)
			r.Post("/favorites", s.handleAddFavorite)
			r.Delete("/favorites/{channelID}", s.handleRemoveFavorite)
			r.Get("/favorites/{channelID}/check", s.handleCheckFavorite)
			r.Post("/watch", s.handleRecordWatch)
			r.Get("/history", s.handleHistory)
			r.Get("/popular", s.handlePopular)
			r.Get("/recent", s.handleRecent)
			r.Get("/export", s.handleExport)
			r.Post("/import", s.handleUserImport)
		})
	})

	return r
}

// requireAdmin gates mutating endpoints on the shared admin secret.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := s.Config.AdminAPIKey
		if key == "" || r.Header.Get("X-Admin-Key") != key {
			writeError(w, http.StatusUnauthorized, "invalid admin key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// recoverer collapses handler panics to a generic 500; details go to logs.
func recoverer(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("handler panic")
					writeError(w, http.StatusInternalServerError, "Internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": Version})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	_, totalChannels, err := s.Store.GetChannels(ctx, store.ChannelFilter{PlayableOnly: true, Page: 1, PerPage: 1})
	if err != nil {
		s.internalError(w, err)
		return
	}
	countries, err := s.Store.GetCountries(ctx)
	if err != nil {
		s.internalError(w, err)
		return
	}
	categories, err := s.Store.GetCategories(ctx)
	if err != nil {
		s.internalError(w, err)
		return
	}
	withChannels := 0
	for _, c := range countries {
		if c.ChannelCount > 0 {
			withChannels++
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"total_channels":          totalChannels,
		"total_countries":         len(countries),
		"total_categories":        len(categories),
		"countries_with_channels": withChannels,
	})
}

// baseURL reconstructs the externally visible base from the request.
func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Error().Err(err).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "Internal server error")
}

// queryInt parses an integer query param with a default, reporting ok=false
// on garbage.
func queryInt(r *http.Request, name string, def int) (int, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func timeHours(h int) time.Duration { return time.Duration(h) * time.Hour }

// queryBool parses a boolean query param with a default.
func queryBool(r *http.Request, name string, def bool) bool {
	switch r.URL.Query().Get(name) {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return def
	}
}
