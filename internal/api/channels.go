package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tvgate/tvgate/internal/store"
)

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	page, ok := queryInt(r, "page", 1)
	if !ok || page < 1 {
		writeError(w, http.StatusBadRequest, "page must be >= 1")
		return
	}
	perPage, ok := queryInt(r, "per_page", 50)
	if !ok || perPage < 1 || perPage > 100 {
		writeError(w, http.StatusBadRequest, "per_page must be between 1 and 100")
		return
	}

	q := r.URL.Query()
	filter := store.ChannelFilter{
		Country:      q.Get("country"),
		Category:     q.Get("category"),
		Provider:     q.Get("provider"),
		Search:       q.Get("search"),
		PlayableOnly: queryBool(r, "playable_only", true),
		Page:         page,
		PerPage:      perPage,
	}
	channels, total, err := s.Store.GetChannels(r.Context(), filter)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if channels == nil {
		channels = []store.Channel{}
	}

	resp := map[string]any{
		"channels": channels,
		"total":    total,
		"page":     page,
		"per_page": perPage,
		"has_more": page*perPage < total,
	}

	// include_epg attaches the current programme per channel in one batch.
	if queryBool(r, "include_epg", false) && len(channels) > 0 {
		ids := make([]string, len(channels))
		for i := range channels {
			ids[i] = channels[i].ID
		}
		nowPlaying, err := s.Store.GetNowPlayingForChannels(r.Context(), ids)
		if err != nil {
			s.internalError(w, err)
			return
		}
		resp["now_playing"] = nowPlaying
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := s.Store.GetChannelByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.internalError(w, err)
		return
	}
	if ch == nil {
		writeError(w, http.StatusNotFound, "Channel not found")
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := s.Store.GetCategories(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	if categories == nil {
		categories = []store.Category{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"categories": categories})
}

func (s *Server) handleCountries(w http.ResponseWriter, r *http.Request) {
	countries, err := s.Store.GetCountries(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	if countries == nil {
		countries = []store.Country{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"countries": countries})
}

// handleCachedList serves the KV-cached ancillary sets (languages, regions).
func (s *Server) handleCachedList(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := s.Sync.GetCachedList(r.Context(), name)
		if err != nil {
			s.logger.Error().Err(err).Str("list", name).Msg("cached list unavailable")
			writeError(w, http.StatusBadGateway, "upstream list unavailable")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{name: items})
	}
}

func (s *Server) handleProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := s.Store.GetProviders(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	if providers == nil {
		providers = []store.Provider{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": providers})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	results, err := s.Sync.SyncAll(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "completed", "synced": results})
}
