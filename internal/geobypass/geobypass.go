// Package geobypass works around origin-side geo-blocking. Tier 1 spoofs
// forwarding headers with a country-plausible client IP; tier 2 retries
// through an operator-configured SOCKS5 relay for the target country.
package geobypass

import (
	"context"
	"crypto/tls"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	xproxy "golang.org/x/net/proxy"

	"github.com/tvgate/tvgate/internal/log"
	"github.com/tvgate/tvgate/internal/metrics"
)

const (
	connectTimeout = 15 * time.Second
	readTimeout    = 30 * time.Second

	spoofUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
)

// countryIPRanges lists plausible first octets per country for spoofed
// client addresses.
var countryIPRanges = map[string][]int{
	"uk": {2, 5, 31, 51, 82, 86},
	"us": {3, 8, 12, 15, 23, 24},
	"de": {5, 46, 77, 78, 79, 80},
	"es": {2, 5, 31, 37, 77, 79},
	"br": {138, 143, 152, 177, 179, 186},
	"co": {138, 152, 181, 186, 190, 200},
	"fr": {2, 5, 31, 37, 77, 78},
}

// geoPatterns maps URL substrings to the country whose viewers the origin
// expects.
var geoPatterns = map[string][]string{
	"uk": {"bbc.co.uk", ".bbc.", "akamaized.net/x=4/i=urn:bbc", "ve-cmaf-push-uk", "vs-cmaf-push-uk"},
	"es": {".3catdirectes.cat", "rtve.es"},
	"br": {"brasilstream", "playplus", "akamaihd.net/i/pp_"},
	"co": {"cdnmedia.tv/canal", "cdnmedia.tv/cristo"},
}

// geoKeywords flag geo-block messages in error bodies.
var geoKeywords = []string{"geo", "country", "region", "available in your", "not available"}

// Service builds spoofed requests and optional relayed clients.
type Service struct {
	// Relays maps lower-case country codes to SOCKS5 proxy URLs.
	Relays map[string]string

	logger zerolog.Logger
}

// New creates a Service with the given per-country relays (may be nil).
func New(relays map[string]string) *Service {
	return &Service{
		Relays: relays,
		logger: log.WithComponent("geobypass"),
	}
}

// DetectCountry returns the likely target country for a URL, or "".
func (s *Service) DetectCountry(rawURL string) string {
	lower := strings.ToLower(rawURL)
	for country, patterns := range geoPatterns {
		for _, p := range patterns {
			if strings.Contains(lower, p) {
				return country
			}
		}
	}
	return ""
}

// FakeIP generates a country-plausible IPv4 for header spoofing.
func (s *Service) FakeIP(country string) string {
	firsts, ok := countryIPRanges[strings.ToLower(country)]
	if !ok {
		firsts = []int{1}
	}
	first := firsts[rand.Intn(len(firsts))]
	octet := func() int { return 1 + rand.Intn(255) }
	ip := net.IPv4(byte(first), byte(octet()), byte(octet()), byte(octet()))
	return ip.String()
}

// SpoofedHeaders builds the full tier-1 header set for a URL.
func (s *Service) SpoofedHeaders(rawURL, country string) http.Header {
	if country == "" {
		country = s.DetectCountry(rawURL)
	}
	if country == "" {
		country = "us"
	}
	ip := s.FakeIP(country)
	h := http.Header{}
	h.Set("User-Agent", spoofUserAgent)
	h.Set("X-Forwarded-For", ip)
	h.Set("Client-IP", ip)
	h.Set("X-Real-IP", ip)
	h.Set("Referer", rawURL)
	if u, err := url.Parse(rawURL); err == nil {
		h.Set("Origin", u.Scheme+"://"+u.Host)
	}
	return h
}

// FetchOptions tunes FetchWithBypass.
type FetchOptions struct {
	TargetCountry string // detected from the URL when empty
	TrySpoof      bool   // tier 1: header spoofing
	TryRelay      bool   // tier 2: SOCKS5 relay when configured
}

// FetchWithBypass GETs url with the caller's headers merged with spoofed
// forwarding headers. The caller's User-Agent is kept; Referer and Origin
// are filled in only when absent. Redirects are followed and TLS
// verification is off. When the spoofed fetch still looks geo-blocked and a
// relay is configured for the country, the request is retried through it.
// Caller closes resp.Body on success.
func (s *Service) FetchWithBypass(ctx context.Context, rawURL string, origHeaders http.Header, opts FetchOptions) (*http.Response, error) {
	country := opts.TargetCountry
	if country == "" {
		country = s.DetectCountry(rawURL)
	}

	headers := http.Header{}
	for k, v := range origHeaders {
		headers[k] = v
	}
	if opts.TrySpoof {
		spoofed := s.SpoofedHeaders(rawURL, country)
		for _, k := range []string{"X-Forwarded-For", "Client-IP", "X-Real-IP"} {
			headers.Set(k, spoofed.Get(k))
		}
		if headers.Get("Referer") == "" {
			headers.Set("Referer", spoofed.Get("Referer"))
		}
		if headers.Get("Origin") == "" {
			headers.Set("Origin", spoofed.Get("Origin"))
		}
	}

	resp, err := s.fetch(ctx, s.client(nil), rawURL, headers)
	if err != nil {
		metrics.GeoBypassAttempts.WithLabelValues("error").Inc()
		return nil, err
	}
	if resp.StatusCode == http.StatusOK {
		metrics.GeoBypassAttempts.WithLabelValues("spoof_ok").Inc()
		s.logger.Info().Str("country", country).Msg("header spoof accepted")
		return resp, nil
	}

	// Tier 2: relay, only when the spoofed response still looks blocked.
	relay := ""
	if opts.TryRelay && country != "" {
		relay = s.Relays[strings.ToLower(country)]
	}
	if relay == "" || !IsGeoBlockedStatus(resp.StatusCode) {
		metrics.GeoBypassAttempts.WithLabelValues("spoof_blocked").Inc()
		return resp, nil
	}
	resp.Body.Close()

	dialer, err := s.relayDialer(relay)
	if err != nil {
		s.logger.Warn().Err(err).Str("relay", relay).Msg("relay unusable")
		metrics.GeoBypassAttempts.WithLabelValues("relay_error").Inc()
		return s.fetch(ctx, s.client(nil), rawURL, headers)
	}
	s.logger.Info().Str("country", country).Msg("retrying through relay")
	relayResp, err := s.fetch(ctx, s.client(dialer), rawURL, headers)
	if err != nil {
		metrics.GeoBypassAttempts.WithLabelValues("relay_error").Inc()
		return nil, err
	}
	if relayResp.StatusCode == http.StatusOK {
		metrics.GeoBypassAttempts.WithLabelValues("relay_ok").Inc()
	} else {
		metrics.GeoBypassAttempts.WithLabelValues("relay_blocked").Inc()
	}
	return relayResp, nil
}

func (s *Service) fetch(ctx context.Context, client *http.Client, rawURL string, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	return client.Do(req)
}

func (s *Service) client(dial xproxy.ContextDialer) *http.Client {
	transport := &http.Transport{
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
		ResponseHeaderTimeout: connectTimeout,
		IdleConnTimeout:       30 * time.Second,
	}
	if dial != nil {
		transport.DialContext = dial.DialContext
	}
	return &http.Client{
		Timeout:   readTimeout,
		Transport: transport,
	}
}

// relayDialer builds a SOCKS5 context dialer from a socks5://[user:pass@]host:port URL.
func (s *Service) relayDialer(relayURL string) (xproxy.ContextDialer, error) {
	u, err := url.Parse(relayURL)
	if err != nil {
		return nil, err
	}
	var auth *xproxy.Auth
	if u.User != nil {
		pass, _ := u.User.Password()
		auth = &xproxy.Auth{User: u.User.Username(), Password: pass}
	}
	d, err := xproxy.SOCKS5("tcp", u.Host, auth, xproxy.Direct)
	if err != nil {
		return nil, err
	}
	cd, ok := d.(xproxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("geobypass: relay dialer for %s lacks context support", u.Host)
	}
	return cd, nil
}

// IsGeoBlockedStatus reports whether the status alone indicates geo-blocking.
func IsGeoBlockedStatus(status int) bool {
	return status == http.StatusForbidden || status == http.StatusUnavailableForLegalReasons
}

// IsGeoBlockedError reports whether a response looks geo-blocked: 403/451,
// or a body mentioning region restrictions.
func IsGeoBlockedError(status int, body string) bool {
	if IsGeoBlockedStatus(status) {
		return true
	}
	lower := strings.ToLower(body)
	for _, kw := range geoKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}
