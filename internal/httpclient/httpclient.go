// Package httpclient provides shared upstream HTTP clients: sane timeouts,
// retry with backoff, a per-host concurrency gate, and transparent brotli
// response decoding.
package httpclient

import (
	"compress/gzip"
	"crypto/tls"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
)

// Default returns a client with timeouts so dead upstreams don't hang
// request handlers or the health worker forever.
func Default() *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			ResponseHeaderTimeout: 15 * time.Second,
			ExpectContinueTimeout: 5 * time.Second,
			IdleConnTimeout:       30 * time.Second,
		},
	}
}

// Insecure returns a client that skips TLS verification. Many IPTV origins
// serve expired or self-signed certificates; the proxy and prober treat the
// transport as untrusted anyway.
func Insecure(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
			ResponseHeaderTimeout: 15 * time.Second,
			IdleConnTimeout:       30 * time.Second,
		},
	}
}

// ForStreaming returns a client with no overall timeout (segment relays may
// be long-lived) but a ResponseHeaderTimeout so stalled upstreams fail fast.
func ForStreaming() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
			ResponseHeaderTimeout: 15 * time.Second,
			ExpectContinueTimeout: 5 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// DecodedBody wraps resp.Body with a brotli or gzip reader matching the
// upstream's Content-Encoding. The transport only decodes gzip itself when
// the caller left Accept-Encoding unset. The caller still closes resp.Body.
func DecodedBody(resp *http.Response) io.Reader {
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "br") {
		return brotli.NewReader(resp.Body)
	}
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		if gz, err := gzip.NewReader(resp.Body); err == nil {
			return gz
		}
	}
	return resp.Body
}
