package api

import (
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tvgate/tvgate/internal/store"
	"github.com/tvgate/tvgate/internal/xmltv"
)

func (s *Server) handleEPGStats(w http.ResponseWriter, r *http.Request) {
	total, channels, err := s.Store.GetEPGStats(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"total_programs":    total,
		"channels_with_epg": channels,
	})
}

func (s *Server) handleChannelEPG(w http.ResponseWriter, r *http.Request) {
	hours, ok := queryInt(r, "hours", 24)
	if !ok || hours < 1 || hours > 168 {
		writeError(w, http.StatusBadRequest, "hours must be between 1 and 168")
		return
	}
	channelID := chi.URLParam(r, "id")
	programs, err := s.Store.GetEPGForChannel(r.Context(), channelID, hours)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if programs == nil {
		programs = []store.Program{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channel_id": channelID,
		"programs":   programs,
		"count":      len(programs),
	})
}

func (s *Server) handleNowPlaying(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryInt(r, "limit", 50)
	if !ok || limit < 1 || limit > 200 {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 200")
		return
	}
	programs, err := s.Store.GetNowPlaying(r.Context(), limit)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if programs == nil {
		programs = []store.Program{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"programs":  programs,
		"count":     len(programs),
	})
}

func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("channels")
	var channelIDs []string
	for _, c := range strings.Split(raw, ",") {
		if c = strings.TrimSpace(c); c != "" {
			channelIDs = append(channelIDs, c)
		}
	}
	if len(channelIDs) == 0 {
		writeError(w, http.StatusBadRequest, "at least one channel ID required")
		return
	}
	if len(channelIDs) > 50 {
		writeError(w, http.StatusBadRequest, "maximum 50 channels per request")
		return
	}
	hours, ok := queryInt(r, "hours", 6)
	if !ok || hours < 1 || hours > 24 {
		writeError(w, http.StatusBadRequest, "hours must be between 1 and 24")
		return
	}

	startTime := time.Now().UTC()
	if rawStart := r.URL.Query().Get("start"); rawStart != "" {
		t, err := time.Parse(time.RFC3339, rawStart)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid start time format")
			return
		}
		startTime = t.UTC()
	}

	ctx := r.Context()
	rows := make([]map[string]any, 0, len(channelIDs))
	for _, cid := range channelIDs {
		programs, err := s.Store.GetEPGForChannel(ctx, cid, hours)
		if err != nil {
			s.internalError(w, err)
			return
		}
		if programs == nil {
			programs = []store.Program{}
		}
		name := cid
		if ch, err := s.Store.GetChannelByID(ctx, cid); err == nil && ch != nil {
			name = ch.Name
		}
		rows = append(rows, map[string]any{
			"channel_id":   cid,
			"channel_name": name,
			"programs":     programs,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"start_time": startTime.Format(time.RFC3339),
		"end_time":   startTime.Add(time.Duration(hours) * time.Hour).Format(time.RFC3339),
		"channels":   rows,
	})
}

func (s *Server) handleEPGImport(w http.ResponseWriter, r *http.Request) {
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		filename = "pluto_guide.xml"
	}
	if filepath.Ext(filename) != ".xml" {
		writeError(w, http.StatusBadRequest, "only XML files supported")
		return
	}
	// Imports are restricted to the data directory.
	if filepath.Base(filename) != filename {
		writeError(w, http.StatusBadRequest, "filename must not contain path separators")
		return
	}
	path := filepath.Join(s.Config.DataDir(), filename)

	stats, err := xmltv.ImportFile(r.Context(), s.Store, path)
	if err != nil {
		if strings.Contains(err.Error(), "no such file") {
			writeError(w, http.StatusNotFound, "file not found: "+filename)
			return
		}
		s.logger.Error().Err(err).Str("file", filename).Msg("EPG import failed")
		writeError(w, http.StatusInternalServerError, "import failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"channels": stats.Channels,
		"programs": stats.Programs,
		"file":     filename,
	})
}

func (s *Server) handleEPGMap(w http.ResponseWriter, r *http.Request) {
	res, err := s.Mapper.BatchMap(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEPGClear(w http.ResponseWriter, r *http.Request) {
	if err := s.Store.ClearEPG(r.Context()); err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "EPG data cleared"})
}
