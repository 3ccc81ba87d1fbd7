package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tvgate/tvgate/internal/store"
)

// deviceID extracts the client device fingerprint header required by the
// user-data endpoints.
func deviceID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get("X-Device-ID")
	if id == "" {
		writeError(w, http.StatusBadRequest, "X-Device-ID header required")
		return "", false
	}
	return id, true
}

func (s *Server) handleGetFavorites(w http.ResponseWriter, r *http.Request) {
	device, ok := deviceID(w, r)
	if !ok {
		return
	}
	ids, err := s.Store.GetFavorites(r.Context(), device)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	channels := make([]store.Channel, 0, len(ids))
	for _, id := range ids {
		if ch, err := s.Store.GetChannelByID(r.Context(), id); err == nil && ch != nil {
			channels = append(channels, *ch)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"favorites": ids,
		"channels":  channels,
		"count":     len(ids),
	})
}

func (s *Server) handleAddFavorite(w http.ResponseWriter, r *http.Request) {
	device, ok := deviceID(w, r)
	if !ok {
		return
	}
	var req struct {
		ChannelID string `json:"channel_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelID == "" {
		writeError(w, http.StatusBadRequest, "channel_id required")
		return
	}
	if err := s.Store.AddFavorite(r.Context(), device, req.ChannelID); err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "channel_id": req.ChannelID})
}

func (s *Server) handleRemoveFavorite(w http.ResponseWriter, r *http.Request) {
	device, ok := deviceID(w, r)
	if !ok {
		return
	}
	channelID := chi.URLParam(r, "channelID")
	removed, err := s.Store.RemoveFavorite(r.Context(), device, channelID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": removed, "channel_id": channelID})
}

func (s *Server) handleCheckFavorite(w http.ResponseWriter, r *http.Request) {
	device, ok := deviceID(w, r)
	if !ok {
		return
	}
	channelID := chi.URLParam(r, "channelID")
	isFav, err := s.Store.IsFavorite(r.Context(), device, channelID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"is_favorite": isFav, "channel_id": channelID})
}

func (s *Server) handleRecordWatch(w http.ResponseWriter, r *http.Request) {
	device, ok := deviceID(w, r)
	if !ok {
		return
	}
	var req struct {
		ChannelID       string `json:"channel_id"`
		StreamID        string `json:"stream_id"`
		DurationSeconds int    `json:"duration_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ChannelID == "" {
		writeError(w, http.StatusBadRequest, "channel_id required")
		return
	}
	if err := s.Store.RecordWatch(r.Context(), device, req.ChannelID, req.StreamID, req.DurationSeconds); err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"recorded": true})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	device, ok := deviceID(w, r)
	if !ok {
		return
	}
	limit, okLimit := queryInt(r, "limit", 20)
	if !okLimit || limit < 1 || limit > 100 {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
		return
	}
	history, err := s.Store.GetWatchHistory(r.Context(), device, limit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if history == nil {
		history = []store.WatchEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": history, "count": len(history)})
}

func (s *Server) handlePopular(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 20)
	if !ok || limit < 1 || limit > 100 {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 100")
		return
	}
	popular, err := s.Store.GetPopularChannels(r.Context(), limit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	channels := make([]map[string]any, 0, len(popular))
	for _, p := range popular {
		ch, err := s.Store.GetChannelByID(r.Context(), p.ChannelID)
		if err != nil || ch == nil {
			continue
		}
		channels = append(channels, map[string]any{
			"channel":    ch,
			"view_count": p.ViewCount,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"channels": channels, "count": len(channels)})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	hours, ok := queryInt(r, "hours", 168)
	if !ok || hours < 1 || hours > 720 {
		writeError(w, http.StatusBadRequest, "hours must be between 1 and 720")
		return
	}
	ids, err := s.Store.GetRecentlyWatchedChannels(r.Context(), timeHours(hours))
	if err != nil {
		s.internalError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"channel_ids": ids, "count": len(ids)})
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	device, ok := deviceID(w, r)
	if !ok {
		return
	}
	data, err := s.Store.ExportUserData(r.Context(), device)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) handleUserImport(w http.ResponseWriter, r *http.Request) {
	device, ok := deviceID(w, r)
	if !ok {
		return
	}
	var req struct {
		Favorites []string `json:"favorites"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	added, err := s.Store.ImportUserData(r.Context(), device, req.Favorites)
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": added})
}
