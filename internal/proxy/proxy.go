// Package proxy fetches origin HLS manifests and segments on behalf of
// browser players: headers injected, URLs concealed, retries with a single
// geo-bypass attempt, and a remux fallback for non-HLS inputs.
package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/tvgate/tvgate/internal/geobypass"
	"github.com/tvgate/tvgate/internal/httpclient"
	"github.com/tvgate/tvgate/internal/log"
	"github.com/tvgate/tvgate/internal/metrics"
	"github.com/tvgate/tvgate/internal/safeurl"
	"github.com/tvgate/tvgate/internal/store"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"

	manifestTimeout = 30 * time.Second
	maxRetries      = 2
)

// Dispatch is the play.m3u8 routing decision for a stream URL.
type Dispatch int

const (
	DispatchHLS Dispatch = iota
	DispatchRedirect
	DispatchTranscode
)

// Proxy owns no persistent state; every request builds its own upstream
// fetch.
type Proxy struct {
	store  *store.Store
	geo    *geobypass.Service
	logger zerolog.Logger
}

// New creates a Proxy over the store and geo-bypass service.
func New(st *store.Store, geo *geobypass.Service) *Proxy {
	return &Proxy{
		store:  st,
		geo:    geo,
		logger: log.WithComponent("proxy"),
	}
}

// GetStream looks up the stream row; nil when unknown.
func (p *Proxy) GetStream(ctx context.Context, streamID string) (*store.Stream, error) {
	return p.store.GetStreamByID(ctx, streamID)
}

// DispatchFor decides how play.m3u8 serves a stream URL: YouTube links
// redirect to the origin, DASH/MP4 inputs go through the remuxer, anything
// else is HLS passthrough.
func DispatchFor(rawURL string) Dispatch {
	lower := strings.ToLower(rawURL)
	if strings.Contains(lower, "youtube.com") || strings.Contains(lower, "youtu.be") {
		return DispatchRedirect
	}
	if strings.Contains(lower, ".mpd") || strings.Contains(lower, ".mp4") {
		return DispatchTranscode
	}
	return DispatchHLS
}

// BuildHeaders composes the origin request headers from stream metadata.
func BuildHeaders(st *store.Stream) http.Header {
	h := http.Header{}
	ua := st.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	h.Set("User-Agent", ua)
	if st.Referrer != "" {
		h.Set("Referer", st.Referrer)
	}
	return h
}

// FetchManifest GETs the origin manifest with retries (exponential backoff
// on timeouts and 5xx) and a single geo-bypass attempt on 403. Returns the
// body and the final URL after redirects.
func (p *Proxy) FetchManifest(ctx context.Context, st *store.Stream) (body string, finalURL string, err error) {
	if !safeurl.IsHTTPOrHTTPS(st.URL) {
		return "", "", httpErr(http.StatusBadGateway, "unsupported origin scheme")
	}
	headers := BuildHeaders(st)
	client := httpclient.Insecure(manifestTimeout)
	bypassAttempted := false

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			wait := 500 * time.Millisecond << uint(attempt-1)
			p.logger.Warn().Str("stream", st.ID).Int("attempt", attempt).Dur("wait", wait).Msg("retrying origin")
			select {
			case <-ctx.Done():
				return "", "", httpErr(http.StatusGatewayTimeout, "stream timed out after retries")
			case <-time.After(wait):
			}
		}

		resp, ferr := p.fetch(ctx, client, st.URL, headers)
		if ferr != nil {
			if isTimeout(ferr) {
				metrics.ProxyUpstreamRequests.WithLabelValues("manifest", "timeout").Inc()
				if attempt < maxRetries {
					continue
				}
				return "", "", httpErr(http.StatusGatewayTimeout, "stream timed out after retries")
			}
			metrics.ProxyUpstreamRequests.WithLabelValues("manifest", "error").Inc()
			return "", "", httpErr(http.StatusBadGateway, "upstream fetch failed")
		}

		// One bypass attempt per request, flag-guarded.
		if resp.StatusCode == http.StatusForbidden && !bypassAttempted {
			bypassAttempted = true
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			p.logger.Info().Str("stream", st.ID).Str("url", safeurl.Redact(st.URL)).Msg("origin returned 403; attempting geo-bypass")
			bypassResp, berr := p.geo.FetchWithBypass(ctx, st.URL, headers, geobypass.FetchOptions{
				TrySpoof: true,
				TryRelay: true,
			})
			if berr != nil {
				return "", "", httpErr(http.StatusForbidden, "stream is geo-restricted and bypass failed")
			}
			if bypassResp.StatusCode != http.StatusOK {
				io.Copy(io.Discard, bypassResp.Body)
				bypassResp.Body.Close()
				metrics.ProxyUpstreamRequests.WithLabelValues("manifest", "geo_blocked").Inc()
				return "", "", httpErr(http.StatusForbidden, "stream is geo-restricted and bypass failed")
			}
			resp = bypassResp
		}

		if resp.StatusCode >= 500 && resp.StatusCode < 600 && attempt < maxRetries {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			metrics.ProxyUpstreamRequests.WithLabelValues("manifest", "5xx").Inc()
			continue
		}
		if resp.StatusCode == http.StatusForbidden {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			return "", "", httpErr(http.StatusForbidden, "stream is geo-restricted and bypass failed")
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			code := resp.StatusCode
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			metrics.ProxyUpstreamRequests.WithLabelValues("manifest", "upstream_error").Inc()
			return "", "", httpErr(http.StatusBadGateway, "upstream error: %d", code)
		}

		data, rerr := io.ReadAll(httpclient.DecodedBody(resp))
		final := resp.Request.URL.String()
		resp.Body.Close()
		if rerr != nil {
			return "", "", httpErr(http.StatusBadGateway, "upstream read failed")
		}
		metrics.ProxyUpstreamRequests.WithLabelValues("manifest", "ok").Inc()
		return string(data), final, nil
	}
	return "", "", httpErr(http.StatusGatewayTimeout, "stream timed out after retries")
}

// SegmentResponse is an open upstream response for a segment or nested
// playlist. Close the body when done.
type SegmentResponse struct {
	Body        io.ReadCloser
	FinalURL    string
	ContentType string
	IsPlaylist  bool
}

// FetchSegment GETs a decoded origin URL with the stream's headers. Nested
// playlists are detected by content type or the .m3u8 suffix.
func (p *Proxy) FetchSegment(ctx context.Context, st *store.Stream, segmentURL string) (*SegmentResponse, error) {
	if !safeurl.IsHTTPOrHTTPS(segmentURL) {
		return nil, httpErr(http.StatusBadRequest, "invalid segment URL")
	}
	headers := BuildHeaders(st)
	client := httpclient.ForStreaming()

	resp, err := p.fetch(ctx, client, segmentURL, headers)
	if err != nil {
		if isTimeout(err) {
			metrics.ProxyUpstreamRequests.WithLabelValues("segment", "timeout").Inc()
			return nil, httpErr(http.StatusGatewayTimeout, "segment timeout")
		}
		metrics.ProxyUpstreamRequests.WithLabelValues("segment", "error").Inc()
		return nil, httpErr(http.StatusBadGateway, "segment fetch failed")
	}
	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		metrics.ProxyUpstreamRequests.WithLabelValues("segment", "not_found").Inc()
		return nil, httpErr(http.StatusNotFound, "segment not found upstream")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		code := resp.StatusCode
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		metrics.ProxyUpstreamRequests.WithLabelValues("segment", "upstream_error").Inc()
		return nil, httpErr(http.StatusBadGateway, "upstream segment error: %d", code)
	}

	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	metrics.ProxyUpstreamRequests.WithLabelValues("segment", "ok").Inc()
	return &SegmentResponse{
		Body:        resp.Body,
		FinalURL:    resp.Request.URL.String(),
		ContentType: contentType,
		IsPlaylist:  strings.Contains(contentType, "mpegurl") || strings.HasSuffix(strings.ToLower(segmentURL), ".m3u8"),
	}, nil
}

// StreamStatus is the /status probe result.
type StreamStatus struct {
	Status      string `json:"status"`
	StreamID    string `json:"stream_id,omitempty"`
	Quality     string `json:"quality,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Message     string `json:"message,omitempty"`
}

// CheckStream HEADs the origin to report liveness for one stream.
func (p *Proxy) CheckStream(ctx context.Context, streamID string) (*StreamStatus, error) {
	st, err := p.store.GetStreamByID(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return &StreamStatus{Status: "error", Message: "Stream not found"}, nil
	}

	client := httpclient.Insecure(15 * time.Second)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, st.URL, nil)
	if err != nil {
		return &StreamStatus{Status: "error", Message: err.Error()}, nil
	}
	for k, v := range BuildHeaders(st) {
		req.Header[k] = v
	}
	resp, err := client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return &StreamStatus{Status: "error", Message: "Stream connection timed out"}, nil
		}
		return &StreamStatus{Status: "error", Message: err.Error()}, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &StreamStatus{Status: "error", Message: "Stream returned status " + resp.Status}, nil
	}
	return &StreamStatus{
		Status:      "ok",
		StreamID:    streamID,
		Quality:     st.Quality,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

func (p *Proxy) fetch(ctx context.Context, client *http.Client, rawURL string, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	release := httpclient.GlobalHostSem.Acquire(rawURL)
	resp, err := client.Do(req)
	release()
	return resp, err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "Client.Timeout")
}
