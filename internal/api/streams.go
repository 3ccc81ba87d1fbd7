package api

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tvgate/tvgate/internal/m3u"
	"github.com/tvgate/tvgate/internal/proxy"
	"github.com/tvgate/tvgate/internal/store"
)

const (
	manifestContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"

	transcodeReadyPoll    = 500 * time.Millisecond
	transcodeReadyTimeout = 10 * time.Second
)

// setProxyHeaders applies the CORS and cache policy shared by all media
// responses.
func setProxyHeaders(w http.ResponseWriter, contentType, cacheControl string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", cacheControl)
}

// writeProxyError maps a proxy.HTTPError (or anything else as 500).
func (s *Server) writeProxyError(w http.ResponseWriter, err error) {
	var herr *proxy.HTTPError
	if errors.As(err, &herr) {
		writeError(w, herr.Status, herr.Detail)
		return
	}
	s.internalError(w, err)
}

func (s *Server) handlePlay(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "id")
	stream, err := s.Proxy.GetStream(r.Context(), streamID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if stream == nil {
		writeError(w, http.StatusNotFound, "Stream not found")
		return
	}

	switch proxy.DispatchFor(stream.URL) {
	case proxy.DispatchRedirect:
		http.Redirect(w, r, stream.URL, http.StatusFound)
	case proxy.DispatchTranscode:
		s.serveTranscoded(w, r, stream)
	default:
		s.serveHLS(w, r, stream)
	}
}

func (s *Server) serveHLS(w http.ResponseWriter, r *http.Request, stream *store.Stream) {
	body, finalURL, err := s.Proxy.FetchManifest(r.Context(), stream)
	if err != nil {
		s.writeProxyError(w, err)
		return
	}
	rewritten := proxy.RewriteManifest(body, finalURL, stream.ID, baseURL(r))
	setProxyHeaders(w, manifestContentType, "no-cache, no-store, must-revalidate")
	w.Write([]byte(rewritten))
}

// serveTranscoded spins up (or reuses) the remuxer and serves its playlist
// with segment names rewritten through the local output route.
func (s *Server) serveTranscoded(w http.ResponseWriter, r *http.Request, stream *store.Stream) {
	if err := s.Transcoder.StartTranscode(stream.ID, stream.URL); err != nil {
		s.logger.Error().Err(err).Str("stream", stream.ID).Msg("remuxer start failed")
		writeError(w, http.StatusServiceUnavailable, "transcoder unavailable")
		return
	}

	deadline := time.Now().Add(transcodeReadyTimeout)
	for !s.Transcoder.IsReady(stream.ID) {
		if time.Now().After(deadline) {
			writeError(w, http.StatusServiceUnavailable, "transcode did not become ready")
			return
		}
		select {
		case <-r.Context().Done():
			return
		case <-time.After(transcodeReadyPoll):
		}
	}

	data, err := os.ReadFile(s.Transcoder.ManifestPath(stream.ID))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "transcode manifest unreadable")
		return
	}

	base := baseURL(r)
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		lines[i] = base + "/api/streams/" + stream.ID + "/local/" + trimmed
	}
	setProxyHeaders(w, manifestContentType, "no-cache, no-store, must-revalidate")
	w.Write([]byte(strings.Join(lines, "\n")))
}

func (s *Server) handleSegment(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "id")
	stream, err := s.Proxy.GetStream(r.Context(), streamID)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if stream == nil {
		writeError(w, http.StatusNotFound, "Stream not found")
		return
	}

	segmentURL, err := proxy.DecodeSegmentURL(chi.URLParam(r, "encoded"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid segment URL")
		return
	}

	seg, err := s.Proxy.FetchSegment(r.Context(), stream, segmentURL)
	if err != nil {
		s.writeProxyError(w, err)
		return
	}
	defer seg.Body.Close()

	if seg.IsPlaylist {
		// Nested playlist: rewrite with absolute proxy URLs.
		data, err := io.ReadAll(seg.Body)
		if err != nil {
			writeError(w, http.StatusBadGateway, "upstream read failed")
			return
		}
		rewritten := proxy.RewriteManifest(string(data), seg.FinalURL, stream.ID, baseURL(r))
		setProxyHeaders(w, manifestContentType, "no-cache")
		w.Write([]byte(rewritten))
		return
	}

	setProxyHeaders(w, segmentContentType, "max-age=3600")
	// Stream the segment through; client disconnect cancels the upstream
	// read via the request context.
	_, _ = io.Copy(w, seg.Body)
}

// handleTranscodeOutput serves remuxer output files. The resolved path must
// stay inside the stream's own directory.
func (s *Server) handleTranscodeOutput(w http.ResponseWriter, r *http.Request) {
	streamID := chi.URLParam(r, "id")
	filename := chi.URLParam(r, "filename")
	if unescaped, uerr := url.PathUnescape(filename); uerr == nil {
		filename = unescaped
	}

	streamDir, err := filepath.Abs(s.Transcoder.StreamDir(streamID))
	if err != nil {
		s.internalError(w, err)
		return
	}
	resolved, err := filepath.Abs(filepath.Join(streamDir, filename))
	if err != nil || !strings.HasPrefix(resolved, streamDir+string(os.PathSeparator)) {
		writeError(w, http.StatusForbidden, "path outside transcode directory")
		return
	}
	if _, err := os.Stat(resolved); err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}

	if strings.HasSuffix(resolved, ".m3u8") {
		setProxyHeaders(w, manifestContentType, "no-cache")
	} else {
		setProxyHeaders(w, segmentContentType, "max-age=60")
	}
	http.ServeFile(w, r, resolved)
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.Proxy.CheckStream(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleStreamStats(w http.ResponseWriter, r *http.Request) {
	total, withStreams, err := s.Store.GetStreamStats(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"total_streams":         total,
		"channels_with_streams": withStreams,
	})
}

func (s *Server) handleHealthUpdates(w http.ResponseWriter, r *http.Request) {
	since, ok := queryInt(r, "since", 60)
	if !ok || since < 1 {
		writeError(w, http.StatusBadRequest, "since must be a positive integer")
		return
	}
	updates, err := s.Store.GetRecentHealthUpdates(r.Context(), since)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if updates == nil {
		updates = []store.HealthUpdate{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"updates": updates, "count": len(updates)})
}

func (s *Server) handleHealthStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.Store.GetHealthStats(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleHealthWorker(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Worker.GetStats())
}

func (s *Server) handleImportM3U(w http.ResponseWriter, r *http.Request) {
	dir := s.Config.M3UDir
	if dir == "" {
		dir = "iptv/streams"
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		writeError(w, http.StatusNotFound, "streams directory not found: "+dir)
		return
	}

	var countries []string
	if raw := r.URL.Query().Get("countries"); raw != "" {
		for _, c := range strings.Split(raw, ",") {
			if c = strings.TrimSpace(c); c != "" {
				countries = append(countries, c)
			}
		}
	}

	stats, err := m3u.ImportDirectory(r.Context(), s.Store, dir, countries)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if stats.TotalStreams > 0 {
		if _, _, err := s.Store.RecomputeChannelStreamCounts(r.Context()); err != nil {
			s.internalError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"files_processed": stats.FilesProcessed,
		"total_streams":   stats.TotalStreams,
	})
}
